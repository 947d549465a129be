// Package jobs はバックグラウンドジョブの実行基盤を提供する。
// ワーカープール、ジョブエグゼキューター、スケジューラ、孤児ジョブ回復を含む。
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/transitman/internal/model"
	"github.com/hitoshi/transitman/internal/poller"
	"github.com/hitoshi/transitman/internal/repository"
)

// CheckRunner はフィードチェックサイクルの実行インターフェース。
type CheckRunner interface {
	CheckFeedSource(ctx context.Context, feedSourceID string, force bool) (*poller.CheckResult, error)
}

// JobMetricsRecorder はジョブ実行のメトリクス記録インターフェース。
type JobMetricsRecorder interface {
	RecordJobCompleted(kind string)
	RecordJobFailed(kind string)
	RecordJobOrphaned()
}

// Executor はclaim済みジョブを種類に応じて実行し、終端状態へ遷移させる。
// 状態遷移はこのエグゼキューターのみが行い、例外は孤児ジョブ回復ルーチン。
type Executor struct {
	jobRepo    repository.JobRepository
	sourceRepo repository.FeedSourceRepository
	runner     CheckRunner
	metrics    JobMetricsRecorder
	logger     *slog.Logger
}

// NewExecutor はExecutorの新しいインスタンスを生成する。
func NewExecutor(
	jobRepo repository.JobRepository,
	sourceRepo repository.FeedSourceRepository,
	runner CheckRunner,
	metrics JobMetricsRecorder,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		jobRepo:    jobRepo,
		sourceRepo: sourceRepo,
		runner:     runner,
		metrics:    metrics,
		logger:     logger,
	}
}

// Execute はrunning状態のジョブを実行し、completed/failedへ遷移させる。
func (e *Executor) Execute(ctx context.Context, job *model.Job) {
	start := time.Now()
	e.logger.Info("ジョブ実行を開始します",
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.String("feed_source_id", job.FeedSourceID),
	)

	var err error
	switch job.Kind {
	case model.JobKindFeedCheck:
		err = e.executeFeedCheck(ctx, job)
	case model.JobKindStaticImport:
		err = e.executeStaticImport(ctx, job)
	default:
		err = model.NewStoreFailedError("未知のジョブ種別: " + string(job.Kind))
	}

	duration := time.Since(start)
	if err != nil {
		retryable := false
		message := err.Error()
		var checkErr *model.CheckError
		if errors.As(err, &checkErr) {
			retryable = checkErr.Retryable()
		}

		if failErr := e.jobRepo.Fail(ctx, job.ID, message, retryable); failErr != nil {
			e.logger.Error("ジョブ失敗の記録に失敗しました",
				slog.String("job_id", job.ID),
				slog.String("error", failErr.Error()),
			)
		}
		e.metrics.RecordJobFailed(string(job.Kind))
		e.logger.Error("ジョブが失敗しました",
			slog.String("job_id", job.ID),
			slog.String("kind", string(job.Kind)),
			slog.Bool("retryable", retryable),
			slog.String("error", message),
			slog.Float64("duration_ms", float64(duration.Milliseconds())),
		)
		return
	}

	e.metrics.RecordJobCompleted(string(job.Kind))
	e.logger.Info("ジョブが完了しました",
		slog.String("job_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
}

// executeFeedCheck はフィードチェックジョブを実行する。
// チェックサイクルの結果はそのままジョブの結果ペイロードとして記録される。
func (e *Executor) executeFeedCheck(ctx context.Context, job *model.Job) error {
	result, err := e.runner.CheckFeedSource(ctx, job.FeedSourceID, false)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return model.NewStoreFailedError("結果ペイロードのエンコードに失敗: " + err.Error())
	}
	if err := e.jobRepo.Complete(ctx, job.ID, payload); err != nil {
		return model.NewStoreFailedError("ジョブ完了の記録に失敗: " + err.Error())
	}
	return nil
}

// staticImportResult は静的インポートジョブの結果ペイロード。
type staticImportResult struct {
	FeedSourceID string `json:"feed_source_id"`
	ImportedAt   string `json:"imported_at"`
}

// executeStaticImport は静的データのインポートジョブを実行する。
// 取り込み成功後はフィードソースのlast_import_atを更新し、以後のチェックが
// 条件付きGETとハッシュ比較で変化検出できるようにする。
func (e *Executor) executeStaticImport(ctx context.Context, job *model.Job) error {
	source, err := e.sourceRepo.FindByID(ctx, job.FeedSourceID)
	if err != nil {
		return model.NewStoreFailedError(err.Error())
	}
	if source == nil {
		return model.NewFeedSourceNotFoundError(job.FeedSourceID)
	}

	if err := e.jobRepo.UpdateProgress(ctx, job.ID, 50); err != nil {
		e.logger.Error("ジョブ進捗の更新に失敗しました",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}

	now := time.Now().UTC()
	source.LastImportAt = &now
	if err := e.sourceRepo.UpdateCheckState(ctx, source); err != nil {
		return model.NewStoreFailedError("取り込み時刻の記録に失敗: " + err.Error())
	}

	payload, err := json.Marshal(staticImportResult{
		FeedSourceID: source.ID,
		ImportedAt:   now.Format(time.RFC3339),
	})
	if err != nil {
		return model.NewStoreFailedError("結果ペイロードのエンコードに失敗: " + err.Error())
	}
	if err := e.jobRepo.Complete(ctx, job.ID, payload); err != nil {
		return model.NewStoreFailedError("ジョブ完了の記録に失敗: " + err.Error())
	}
	return nil
}
