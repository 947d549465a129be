package model

import "time"

// JobKind はバックグラウンドジョブの種類を表す。
type JobKind string

const (
	// JobKindFeedCheck はフィードソースの1チェックサイクルを実行するジョブ。
	JobKindFeedCheck JobKind = "feed_check"
	// JobKindStaticImport は内容変化時に投入される静的データの後続インポートジョブ。
	JobKindStaticImport JobKind = "static_import"
)

// JobStatus はジョブのライフサイクル状態を表す。
// pending -> running -> {completed | failed | cancelled} で、終端状態は最終。
type JobStatus string

const (
	// JobStatusPending は実行待ちの状態。
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning はワーカーが実行中の状態。
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted は正常終了した状態。
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed は失敗した状態。Retryableの場合は再投入可能。
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled はオペレーターにより中止された状態。
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal は状態が終端（以後遷移しない）かを返す。
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Job は1つのスケジュール済みまたはオンデマンドの作業単位を表す。
// オーケストレーターがpendingで作成し、実行ワーカーのみが状態を遷移させる。
// 例外は孤児回復ルーチンで、前プロセスの死亡によりrunningのまま残された
// ジョブをfailed(retryable)へ遷移させる。
type Job struct {
	ID           string
	Kind         JobKind
	FeedSourceID string // ソースに紐付かないジョブでは空
	Status       JobStatus
	Progress     int // 0-100
	StartedAt    *time.Time
	EndedAt      *time.Time
	ErrorMessage string
	// Result は構造化された結果ペイロード（JSON）。
	Result []byte
	// Retryable は失敗したジョブが再投入可能かを示す。
	// ネットワーク起因の失敗と孤児ジョブはretryable、デコード失敗は非retryable。
	Retryable bool
	// Orphaned はワーカープロセスの死亡により異常終了したジョブを区別する。
	Orphaned  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
