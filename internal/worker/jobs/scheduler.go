package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/transitman/internal/model"
	"github.com/hitoshi/transitman/internal/repository"
)

// Scheduler はケイデンス経過済みのフィードソースに対してチェックジョブを
// 投入する。ジョブの実行自体はワーカープールが担い、スケジューラは
// 投入のみを行う。同一フィードソースのチェックジョブが未完了のまま
// 残っている場合は二重投入しない。
type Scheduler struct {
	sourceRepo repository.FeedSourceRepository
	jobRepo    repository.JobRepository
	logger     *slog.Logger
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(
	sourceRepo repository.FeedSourceRepository,
	jobRepo repository.JobRepository,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		sourceRepo: sourceRepo,
		jobRepo:    jobRepo,
		logger:     logger,
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("チェックスケジューラを開始しました",
		slog.Duration("interval", interval),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("スケジューリングサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("チェックスケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("スケジューリングサイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce はチェック対象フィードソースを1回取得し、ジョブを投入する。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	now := time.Now().UTC()

	sources, err := s.sourceRepo.ListDueForCheck(ctx, now)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return nil
	}

	enqueued := 0
	for _, source := range sources {
		pending, err := s.hasOpenCheckJob(ctx, source.ID)
		if err != nil {
			s.logger.Error("既存ジョブの確認に失敗しました",
				slog.String("feed_source_id", source.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if pending {
			continue
		}

		job := &model.Job{
			ID:           uuid.New().String(),
			Kind:         model.JobKindFeedCheck,
			FeedSourceID: source.ID,
			Status:       model.JobStatusPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.jobRepo.Create(ctx, job); err != nil {
			s.logger.Error("チェックジョブの投入に失敗しました",
				slog.String("feed_source_id", source.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		enqueued++
	}

	s.logger.Info("スケジューリングサイクルが完了しました",
		slog.Int("due_sources", len(sources)),
		slog.Int("enqueued", enqueued),
	)
	return nil
}

// hasOpenCheckJob は指定フィードソースに未完了のチェックジョブが
// 存在するかを返す。
func (s *Scheduler) hasOpenCheckJob(ctx context.Context, feedSourceID string) (bool, error) {
	for _, status := range []model.JobStatus{model.JobStatusPending, model.JobStatusRunning} {
		found, err := s.jobRepo.List(ctx, repository.JobFilter{
			Status:       status,
			Kind:         model.JobKindFeedCheck,
			FeedSourceID: feedSourceID,
			Limit:        1,
		})
		if err != nil {
			return false, err
		}
		if len(found) > 0 {
			return true, nil
		}
	}
	return false, nil
}
