// Package cleanup は運用データの自動削除ジョブを提供する。
// 保持期間を超過したチェックログと終端状態のジョブを日次バッチで削除する。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CleanupJob は保持期間を超過した運用データの自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
// 削除対象:
//   - checked_atが保持期間より古いチェックログ
//   - 終端状態（completed/failed/cancelled）かつ保持期間より古いジョブ
//
// リアルタイムエンティティはUPSERT/全件入れ替えで常に最新のみを保持する
// ため、削除対象にならない。
type CleanupJob struct {
	db            Executor
	logger        *slog.Logger
	RetentionDays int // チェックログとジョブの保持日数（デフォルト: 90）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの保持日数は90日。
func NewCleanupJob(db Executor, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:            db,
		logger:        logger,
		RetentionDays: 90,
	}
}

// Run は保持期間を超過したチェックログと終端ジョブを削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	interval := fmt.Sprintf("%d days", j.RetentionDays)

	logsDeleted, err := j.exec(ctx,
		`DELETE FROM feed_check_logs WHERE checked_at < now() - $1::interval`, interval)
	if err != nil {
		j.logger.Error("チェックログクリーンアップの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("チェックログクリーンアップの実行に失敗: %w", err)
	}

	jobsDeleted, err := j.exec(ctx,
		`DELETE FROM jobs
		 WHERE status IN ('completed', 'failed', 'cancelled')
		   AND updated_at < now() - $1::interval`, interval)
	if err != nil {
		j.logger.Error("ジョブクリーンアップの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("ジョブクリーンアップの実行に失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("check_logs_deleted", logsDeleted),
		slog.Int64("jobs_deleted", jobsDeleted),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// exec はDELETE文を実行し、削除件数を返す。
func (j *CleanupJob) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	result, err := j.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}
	return deleted, nil
}
