package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/transitman/internal/repository"
)

// defaultStaleAfter は定期バックストップが孤児と判定するrunning経過時間。
const defaultStaleAfter = time.Hour

// OrphanRecoverer はワーカープロセスの死亡によりrunningのまま残された
// ジョブを回収する。起動時スキャンが主経路で、長寿命プロセス内での
// 取りこぼしに備えた定期バックストップも持つ。
// 回収されたジョブはfailed(retryable, orphaned)となり、中断時点の進捗が
// 結果ペイロードに保存される。
type OrphanRecoverer struct {
	jobRepo repository.JobRepository
	metrics JobMetricsRecorder
	logger  *slog.Logger

	// processStartedAt はプロセス起動時刻。起動時スキャンでは、この時刻より
	// 前に開始されたrunningジョブは前プロセスの残骸とみなせる。
	processStartedAt time.Time
	staleAfter       time.Duration
}

// NewOrphanRecoverer はOrphanRecovererの新しいインスタンスを生成する。
// processStartedAtにはプロセス起動時に1回だけ取得した時刻を渡す。
func NewOrphanRecoverer(
	jobRepo repository.JobRepository,
	metrics JobMetricsRecorder,
	logger *slog.Logger,
	processStartedAt time.Time,
	staleAfter time.Duration,
) *OrphanRecoverer {
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	return &OrphanRecoverer{
		jobRepo:          jobRepo,
		metrics:          metrics,
		logger:           logger,
		processStartedAt: processStartedAt,
		staleAfter:       staleAfter,
	}
}

// RecoverAtStartup は起動時の孤児ジョブスキャンを実行する。
// プロセス起動前に開始され、いまだrunningのジョブをすべて回収する。
// ワーカープールの開始前に呼び出すこと。
func (r *OrphanRecoverer) RecoverAtStartup(ctx context.Context) error {
	recovered, err := r.recover(ctx, r.processStartedAt, "前プロセスの異常終了により中断されました")
	if err != nil {
		return fmt.Errorf("起動時の孤児ジョブ回復に失敗: %w", err)
	}
	if recovered > 0 {
		r.logger.Warn("起動時に孤児ジョブを回収しました",
			slog.Int("recovered", recovered),
		)
	}
	return nil
}

// Start は定期バックストップを起動する。
// 指定間隔ごとに、staleAfterを超えてrunningのままのジョブを回収する。
// コンテキストがキャンセルされるまで実行を継続する。
func (r *OrphanRecoverer) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("孤児ジョブ回復バックストップを開始しました",
		slog.Duration("interval", interval),
		slog.Duration("stale_after", r.staleAfter),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("孤児ジョブ回復バックストップを停止しました")
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-r.staleAfter)
			recovered, err := r.recover(ctx, cutoff, "実行時間の超過により孤児と判定されました")
			if err != nil {
				r.logger.Error("孤児ジョブの回収に失敗しました",
					slog.String("error", err.Error()),
				)
				continue
			}
			if recovered > 0 {
				r.logger.Warn("定期バックストップで孤児ジョブを回収しました",
					slog.Int("recovered", recovered),
				)
			}
		}
	}
}

// orphanResult は孤児回収時にジョブへ記録される結果ペイロード。
// 中断時点の進捗を診断用に保存する。
type orphanResult struct {
	Orphaned               bool   `json:"orphaned"`
	ProgressAtInterruption int    `json:"progress_at_interruption"`
	StartedAt              string `json:"started_at,omitempty"`
	RecoveredAt            string `json:"recovered_at"`
}

// recover はcutoffより前に開始されたrunningジョブを回収する。
func (r *OrphanRecoverer) recover(ctx context.Context, cutoff time.Time, message string) (int, error) {
	orphans, err := r.jobRepo.ListRunningStartedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, job := range orphans {
		result := orphanResult{
			Orphaned:               true,
			ProgressAtInterruption: job.Progress,
			RecoveredAt:            time.Now().UTC().Format(time.RFC3339),
		}
		if job.StartedAt != nil {
			result.StartedAt = job.StartedAt.UTC().Format(time.RFC3339)
		}
		payload, err := json.Marshal(result)
		if err != nil {
			return recovered, fmt.Errorf("孤児ジョブ結果のエンコードに失敗: %w", err)
		}

		if err := r.jobRepo.MarkOrphaned(ctx, job.ID, message, payload); err != nil {
			r.logger.Error("孤児ジョブの記録に失敗しました",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		r.metrics.RecordJobOrphaned()
		r.logger.Warn("孤児ジョブを回収しました",
			slog.String("job_id", job.ID),
			slog.String("kind", string(job.Kind)),
			slog.Int("progress_at_interruption", job.Progress),
		)
		recovered++
	}

	return recovered, nil
}
