// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/transitman/internal/model"
)

// FeedSourceRepository はフィードソースデータの永続化インターフェース。
type FeedSourceRepository interface {
	// FindByID は指定IDのフィードソースを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.FeedSource, error)

	// Create はフィードソースを作成する。
	Create(ctx context.Context, source *model.FeedSource) error

	// ListDueForCheck は定期チェック対象のフィードソースを取得する。
	// enabled かつ paused以外 かつ ケイデンス経過済みのソースを
	// FOR UPDATE SKIP LOCKEDで排他的に取得する。手動ケイデンスは対象外。
	ListDueForCheck(ctx context.Context, now time.Time) ([]*model.FeedSource, error)

	// UpdateCheckState はフィードソースの健全性状態を更新する。
	// status、last_checked_at、last_success_at、last_import_at、etag、
	// last_modified、last_content_hash、consecutive_errors、last_errorを更新する。
	UpdateCheckState(ctx context.Context, source *model.FeedSource) error
}

// CheckLogRepository はチェックログの永続化インターフェース。
// ログは追記専用で、作成後に変更されることはない。
type CheckLogRepository interface {
	// Create はチェックログエントリを作成する。
	Create(ctx context.Context, entry *model.FeedCheckLog) error

	// ListByFeedSource は指定フィードソースのチェックログをchecked_at降順で返す。
	ListByFeedSource(ctx context.Context, feedSourceID string, limit int) ([]*model.FeedCheckLog, error)
}

// RealtimeRepository はデコード済みエンティティの永続化インターフェース。
// (feed_source_id, entity_id) ごとに最大1行を保証し、再観測時は
// 全スカラーフィールドを上書きするlast-write-winsセマンティクスを持つ。
type RealtimeRepository interface {
	// UpsertVehiclePositions は車両位置を冪等にUPSERTし、書き込んだ行数を返す。
	UpsertVehiclePositions(ctx context.Context, feedSourceID string, positions []model.VehiclePosition) (int, error)

	// UpsertTripUpdates は運行予測を冪等にUPSERTし、書き込んだ行数を返す。
	UpsertTripUpdates(ctx context.Context, feedSourceID string, updates []model.TripUpdate) (int, error)

	// UpsertTripModifications はトリップ変更を冪等にUPSERTし、書き込んだ行数を返す。
	UpsertTripModifications(ctx context.Context, feedSourceID string, mods []model.TripModification) (int, error)

	// ReplaceAlerts は指定フィードソースのアラート集合を全件入れ替える。
	// 削除と挿入は単一トランザクションで行われ、読み手が2つのフェッチ
	// サイクルのアラート集合が混在した状態を観測することはない。
	ReplaceAlerts(ctx context.Context, feedSourceID string, alerts []model.ServiceAlert) (int, error)
}

// JobFilter はジョブ一覧取得の絞り込み条件。ゼロ値のフィールドは無視される。
type JobFilter struct {
	Status       model.JobStatus
	Kind         model.JobKind
	FeedSourceID string
	Limit        int
}

// JobRepository はジョブデータの永続化インターフェース。
type JobRepository interface {
	// Create はジョブをpending状態で作成する。
	Create(ctx context.Context, job *model.Job) error

	// FindByID は指定IDのジョブを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Job, error)

	// List はフィルタ条件に合致するジョブをcreated_at降順で返す。
	List(ctx context.Context, filter JobFilter) ([]*model.Job, error)

	// ClaimPending は実行待ちジョブをFOR UPDATE SKIP LOCKEDで排他的に取得し、
	// running状態へ遷移させて返す。複数ワーカーが同一ジョブを実行することはない。
	ClaimPending(ctx context.Context, limit int) ([]*model.Job, error)

	// UpdateProgress は実行中ジョブの進捗率を更新する。
	UpdateProgress(ctx context.Context, jobID string, progress int) error

	// Complete はジョブを正常終了させ、結果ペイロードを記録する。
	Complete(ctx context.Context, jobID string, result []byte) error

	// Fail はジョブを失敗させ、エラーメッセージと再投入可否を記録する。
	Fail(ctx context.Context, jobID string, errorMessage string, retryable bool) error

	// Cancel は実行待ちまたは実行中のジョブを中止する。
	// 既に終端状態の場合はfalseを返す。
	Cancel(ctx context.Context, jobID string) (bool, error)

	// ListRunningStartedBefore は指定時刻より前に開始され、いまだrunningの
	// ジョブを返す。孤児ジョブ回復のスキャンで使用される。
	ListRunningStartedBefore(ctx context.Context, cutoff time.Time) ([]*model.Job, error)

	// MarkOrphaned は孤児ジョブをfailed(retryable, orphaned)へ遷移させる。
	// 中断時点の進捗を保持した結果ペイロードと診断メッセージを記録する。
	MarkOrphaned(ctx context.Context, jobID string, message string, result []byte) error
}
