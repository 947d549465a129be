package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/transitman/internal/model"
)

// PostgresCheckLogRepo はPostgreSQLを使用したチェックログリポジトリ。
type PostgresCheckLogRepo struct {
	db *sql.DB
}

// NewPostgresCheckLogRepo はPostgresCheckLogRepoを生成する。
func NewPostgresCheckLogRepo(db *sql.DB) *PostgresCheckLogRepo {
	return &PostgresCheckLogRepo{db: db}
}

// Create はチェックログエントリを作成する。ログは追記専用で更新APIを持たない。
func (r *PostgresCheckLogRepo) Create(ctx context.Context, entry *model.FeedCheckLog) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO feed_check_logs (id, feed_source_id, checked_at, success,
		    http_status, content_size, content_hash, content_changed,
		    job_triggered, job_id, error_message)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.ID, entry.FeedSourceID, entry.CheckedAt, entry.Success,
		entry.HTTPStatus, entry.ContentSize,
		nullString(entry.ContentHash), entry.ContentChanged,
		entry.JobTriggered, nullString(entry.JobID), nullString(entry.ErrorMessage),
	)
	if err != nil {
		return fmt.Errorf("チェックログの作成に失敗しました: %w", err)
	}
	return nil
}

// ListByFeedSource は指定フィードソースのチェックログをchecked_at降順で返す。
func (r *PostgresCheckLogRepo) ListByFeedSource(ctx context.Context, feedSourceID string, limit int) ([]*model.FeedCheckLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, feed_source_id, checked_at, success,
		        http_status, content_size, content_hash, content_changed,
		        job_triggered, job_id, error_message
		 FROM feed_check_logs
		 WHERE feed_source_id = $1
		 ORDER BY checked_at DESC
		 LIMIT $2`,
		feedSourceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("チェックログの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var entries []*model.FeedCheckLog
	for rows.Next() {
		entry := &model.FeedCheckLog{}
		var contentHash, jobID, errorMessage sql.NullString
		if err := rows.Scan(
			&entry.ID, &entry.FeedSourceID, &entry.CheckedAt, &entry.Success,
			&entry.HTTPStatus, &entry.ContentSize, &contentHash, &entry.ContentChanged,
			&entry.JobTriggered, &jobID, &errorMessage,
		); err != nil {
			return nil, fmt.Errorf("チェックログの読み取りに失敗しました: %w", err)
		}
		entry.ContentHash = nullStringValue(contentHash)
		entry.JobID = nullStringValue(jobID)
		entry.ErrorMessage = nullStringValue(errorMessage)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("チェックログの走査に失敗しました: %w", err)
	}
	return entries, nil
}

// compile-time interface check
var _ CheckLogRepository = (*PostgresCheckLogRepo)(nil)
