package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/transitman/internal/model"
)

// PostgresJobRepo はPostgreSQLを使用したジョブリポジトリ。
type PostgresJobRepo struct {
	db *sql.DB
}

// NewPostgresJobRepo はPostgresJobRepoを生成する。
func NewPostgresJobRepo(db *sql.DB) *PostgresJobRepo {
	return &PostgresJobRepo{db: db}
}

// jobColumns はjobsテーブルのSELECT列リスト。
const jobColumns = `id, kind, feed_source_id, status, progress,
	started_at, ended_at, error_message, result, retryable, orphaned,
	created_at, updated_at`

// scanJob は1行をJobに読み取る。
func scanJob(scan func(dest ...any) error) (*model.Job, error) {
	job := &model.Job{}
	var feedSourceID, errorMessage sql.NullString
	var startedAt, endedAt sql.NullTime
	var result []byte

	err := scan(
		&job.ID, &job.Kind, &feedSourceID, &job.Status, &job.Progress,
		&startedAt, &endedAt, &errorMessage, &result, &job.Retryable, &job.Orphaned,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.FeedSourceID = nullStringValue(feedSourceID)
	job.ErrorMessage = nullStringValue(errorMessage)
	job.StartedAt = nullTimeValue(startedAt)
	job.EndedAt = nullTimeValue(endedAt)
	job.Result = result

	return job, nil
}

// Create はジョブをpending状態で作成する。
func (r *PostgresJobRepo) Create(ctx context.Context, job *model.Job) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO jobs (id, kind, feed_source_id, status, progress,
		    started_at, ended_at, error_message, result, retryable, orphaned,
		    created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		job.ID, job.Kind, nullString(job.FeedSourceID), job.Status, job.Progress,
		nullTime(job.StartedAt), nullTime(job.EndedAt),
		nullString(job.ErrorMessage), job.Result, job.Retryable, job.Orphaned,
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("ジョブの作成に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDのジョブを取得する。見つからない場合はnilを返す。
func (r *PostgresJobRepo) FindByID(ctx context.Context, id string) (*model.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id,
	)
	job, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ジョブの取得に失敗しました: %w", err)
	}
	return job, nil
}

// List はフィルタ条件に合致するジョブをcreated_at降順で返す。
func (r *PostgresJobRepo) List(ctx context.Context, filter JobFilter) ([]*model.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+`
		 FROM jobs
		 WHERE ($1 = '' OR status = $1)
		   AND ($2 = '' OR kind = $2)
		   AND ($3 = '' OR feed_source_id = $3)
		 ORDER BY created_at DESC
		 LIMIT $4`,
		string(filter.Status), string(filter.Kind), filter.FeedSourceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ジョブ一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("ジョブの読み取りに失敗しました: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ジョブ一覧の走査に失敗しました: %w", err)
	}
	return jobs, nil
}

// ClaimPending は実行待ちジョブを排他的に取得してrunning状態へ遷移させる。
// FOR UPDATE SKIP LOCKEDにより複数ワーカープロセスが同一ジョブを
// 取得することはない。
func (r *PostgresJobRepo) ClaimPending(ctx context.Context, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 1
	}

	rows, err := r.db.QueryContext(ctx,
		`UPDATE jobs SET status = 'running', started_at = now(), updated_at = now()
		 WHERE id IN (
		     SELECT id FROM jobs
		     WHERE status = 'pending'
		     ORDER BY created_at ASC
		     LIMIT $1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("実行待ちジョブの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("実行待ちジョブの読み取りに失敗しました: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("実行待ちジョブの走査に失敗しました: %w", err)
	}
	return jobs, nil
}

// UpdateProgress は実行中ジョブの進捗率を更新する。
func (r *PostgresJobRepo) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET progress = $2, updated_at = now()
		 WHERE id = $1 AND status = 'running'`,
		jobID, progress,
	)
	if err != nil {
		return fmt.Errorf("ジョブ進捗の更新に失敗しました: %w", err)
	}
	return nil
}

// Complete はジョブを正常終了させる。
func (r *PostgresJobRepo) Complete(ctx context.Context, jobID string, result []byte) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'completed', progress = 100,
		    ended_at = now(), result = $2, updated_at = now()
		 WHERE id = $1 AND status = 'running'`,
		jobID, result,
	)
	if err != nil {
		return fmt.Errorf("ジョブの完了記録に失敗しました: %w", err)
	}
	return nil
}

// Fail はジョブを失敗させる。
func (r *PostgresJobRepo) Fail(ctx context.Context, jobID string, errorMessage string, retryable bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed', ended_at = now(),
		    error_message = $2, retryable = $3, updated_at = now()
		 WHERE id = $1 AND status = 'running'`,
		jobID, nullString(errorMessage), retryable,
	)
	if err != nil {
		return fmt.Errorf("ジョブの失敗記録に失敗しました: %w", err)
	}
	return nil
}

// Cancel は実行待ちまたは実行中のジョブを中止する。
// 既に終端状態の場合はfalseを返す。
func (r *PostgresJobRepo) Cancel(ctx context.Context, jobID string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'cancelled', ended_at = now(), updated_at = now()
		 WHERE id = $1 AND status IN ('pending', 'running')`,
		jobID,
	)
	if err != nil {
		return false, fmt.Errorf("ジョブの中止に失敗しました: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ジョブ中止結果の確認に失敗しました: %w", err)
	}
	return affected > 0, nil
}

// ListRunningStartedBefore は指定時刻より前に開始されたrunningジョブを返す。
func (r *PostgresJobRepo) ListRunningStartedBefore(ctx context.Context, cutoff time.Time) ([]*model.Job, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+jobColumns+`
		 FROM jobs
		 WHERE status = 'running' AND started_at < $1
		 ORDER BY started_at ASC`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("実行中ジョブの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("実行中ジョブの読み取りに失敗しました: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("実行中ジョブの走査に失敗しました: %w", err)
	}
	return jobs, nil
}

// MarkOrphaned は孤児ジョブをfailed(retryable, orphaned)へ遷移させる。
func (r *PostgresJobRepo) MarkOrphaned(ctx context.Context, jobID string, message string, result []byte) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed', retryable = true, orphaned = true,
		    ended_at = now(), error_message = $2, result = $3, updated_at = now()
		 WHERE id = $1 AND status = 'running'`,
		jobID, message, result,
	)
	if err != nil {
		return fmt.Errorf("孤児ジョブの記録に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ JobRepository = (*PostgresJobRepo)(nil)
