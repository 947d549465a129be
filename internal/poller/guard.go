// Package poller はフィードソースのチェックサイクルを実行する。
package poller

import "sync"

// CheckGuard はフィードソース単位のチェック排他制御を提供する。
// 同一フィードソースに対する定期チェックと手動チェックが同時に走ると
// ETag・ハッシュの健全性状態が交錯して壊れるため、2つ目の要求は
// 実行せずに拒否する。異なるフィードソースのチェックは並行して実行できる。
type CheckGuard struct {
	mu         sync.Mutex
	inProgress map[string]struct{}
}

// NewCheckGuard はCheckGuardの新しいインスタンスを生成する。
func NewCheckGuard() *CheckGuard {
	return &CheckGuard{
		inProgress: make(map[string]struct{}),
	}
}

// TryAcquire は指定フィードソースのチェック実行権を取得する。
// 既に実行中の場合はfalseを返す。ブロックはしない。
func (g *CheckGuard) TryAcquire(feedSourceID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.inProgress[feedSourceID]; ok {
		return false
	}
	g.inProgress[feedSourceID] = struct{}{}
	return true
}

// Release は指定フィードソースのチェック実行権を解放する。
func (g *CheckGuard) Release(feedSourceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inProgress, feedSourceID)
}
