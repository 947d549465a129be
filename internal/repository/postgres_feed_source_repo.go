package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/transitman/internal/model"
)

// PostgresFeedSourceRepo はPostgreSQLを使用したフィードソースリポジトリ。
type PostgresFeedSourceRepo struct {
	db *sql.DB
}

// NewPostgresFeedSourceRepo はPostgresFeedSourceRepoを生成する。
func NewPostgresFeedSourceRepo(db *sql.DB) *PostgresFeedSourceRepo {
	return &PostgresFeedSourceRepo{db: db}
}

// feedSourceColumns はfeed_sourcesテーブルのSELECT列リスト。
const feedSourceColumns = `id, name, url, kind,
	auth_type, auth_header_key, auth_secret, auth_user,
	cadence, enabled, auto_import, status,
	last_checked_at, last_success_at, last_import_at,
	etag, last_modified, last_content_hash,
	consecutive_errors, last_error, created_at, updated_at`

// scanFeedSource は1行をFeedSourceに読み取る。
func scanFeedSource(scan func(dest ...any) error) (*model.FeedSource, error) {
	source := &model.FeedSource{}
	var authHeaderKey, authSecret, authUser sql.NullString
	var etag, lastModified, lastContentHash, lastError sql.NullString
	var lastCheckedAt, lastSuccessAt, lastImportAt sql.NullTime

	err := scan(
		&source.ID, &source.Name, &source.URL, &source.Kind,
		&source.AuthType, &authHeaderKey, &authSecret, &authUser,
		&source.Cadence, &source.Enabled, &source.AutoImport, &source.Status,
		&lastCheckedAt, &lastSuccessAt, &lastImportAt,
		&etag, &lastModified, &lastContentHash,
		&source.ConsecutiveErrors, &lastError, &source.CreatedAt, &source.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	source.AuthHeaderKey = nullStringValue(authHeaderKey)
	source.AuthSecret = nullStringValue(authSecret)
	source.AuthUser = nullStringValue(authUser)
	source.ETag = nullStringValue(etag)
	source.LastModified = nullStringValue(lastModified)
	source.LastContentHash = nullStringValue(lastContentHash)
	source.LastError = nullStringValue(lastError)
	source.LastCheckedAt = nullTimeValue(lastCheckedAt)
	source.LastSuccessAt = nullTimeValue(lastSuccessAt)
	source.LastImportAt = nullTimeValue(lastImportAt)

	return source, nil
}

// FindByID は指定IDのフィードソースを取得する。見つからない場合はnilを返す。
func (r *PostgresFeedSourceRepo) FindByID(ctx context.Context, id string) (*model.FeedSource, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+feedSourceColumns+` FROM feed_sources WHERE id = $1`, id,
	)
	source, err := scanFeedSource(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("フィードソースの取得に失敗しました: %w", err)
	}
	return source, nil
}

// Create はフィードソースを作成する。
func (r *PostgresFeedSourceRepo) Create(ctx context.Context, source *model.FeedSource) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO feed_sources (id, name, url, kind,
		    auth_type, auth_header_key, auth_secret, auth_user,
		    cadence, enabled, auto_import, status,
		    last_checked_at, last_success_at, last_import_at,
		    etag, last_modified, last_content_hash,
		    consecutive_errors, last_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		         $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		source.ID, source.Name, source.URL, source.Kind,
		source.AuthType, nullString(source.AuthHeaderKey),
		nullString(source.AuthSecret), nullString(source.AuthUser),
		source.Cadence, source.Enabled, source.AutoImport, source.Status,
		nullTime(source.LastCheckedAt), nullTime(source.LastSuccessAt), nullTime(source.LastImportAt),
		nullString(source.ETag), nullString(source.LastModified), nullString(source.LastContentHash),
		source.ConsecutiveErrors, nullString(source.LastError),
		source.CreatedAt, source.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("フィードソースの作成に失敗しました: %w", err)
	}
	return nil
}

// ListDueForCheck は定期チェック対象のフィードソースを取得する。
// 手動ケイデンスは対象外。同一ソースへのジョブ二重投入は、スケジューラ側の
// 未完了チェックジョブ確認で防ぐ。
func (r *PostgresFeedSourceRepo) ListDueForCheck(ctx context.Context, now time.Time) ([]*model.FeedSource, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+feedSourceColumns+`
		 FROM feed_sources
		 WHERE enabled = true
		   AND status <> 'paused'
		   AND cadence <> 'manual'
		   AND (last_checked_at IS NULL
		        OR (cadence = 'hourly' AND last_checked_at <= $1::timestamptz - interval '1 hour')
		        OR (cadence = 'daily'  AND last_checked_at <= $1::timestamptz - interval '1 day')
		        OR (cadence = 'weekly' AND last_checked_at <= $1::timestamptz - interval '7 days'))
		 ORDER BY last_checked_at ASC NULLS FIRST`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("チェック対象フィードソースの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var sources []*model.FeedSource
	for rows.Next() {
		source, err := scanFeedSource(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("チェック対象フィードソースの読み取りに失敗しました: %w", err)
		}
		sources = append(sources, source)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("チェック対象フィードソースの走査に失敗しました: %w", err)
	}
	return sources, nil
}

// UpdateCheckState はフィードソースの健全性状態を更新する。
func (r *PostgresFeedSourceRepo) UpdateCheckState(ctx context.Context, source *model.FeedSource) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE feed_sources SET
		    status = $2,
		    last_checked_at = $3,
		    last_success_at = $4,
		    last_import_at = $5,
		    etag = $6,
		    last_modified = $7,
		    last_content_hash = $8,
		    consecutive_errors = $9,
		    last_error = $10,
		    updated_at = now()
		 WHERE id = $1`,
		source.ID,
		source.Status,
		nullTime(source.LastCheckedAt),
		nullTime(source.LastSuccessAt),
		nullTime(source.LastImportAt),
		nullString(source.ETag),
		nullString(source.LastModified),
		nullString(source.LastContentHash),
		source.ConsecutiveErrors,
		nullString(source.LastError),
	)
	if err != nil {
		return fmt.Errorf("チェック状態の更新に失敗しました: %w", err)
	}
	return nil
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// nullTime は*time.Timeをsql.NullTimeに変換する。
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// nullTimeValue はsql.NullTimeから*time.Timeを取得する。
func nullTimeValue(nt sql.NullTime) *time.Time {
	if nt.Valid {
		t := nt.Time
		return &t
	}
	return nil
}

// compile-time interface check
var _ FeedSourceRepository = (*PostgresFeedSourceRepo)(nil)
