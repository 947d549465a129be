package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/transitman/internal/model"
)

// JobExecutor はclaim済みジョブの実行インターフェース。
type JobExecutor interface {
	Execute(ctx context.Context, job *model.Job)
}

// JobClaimer は実行待ちジョブの排他取得インターフェース。
type JobClaimer interface {
	ClaimPending(ctx context.Context, limit int) ([]*model.Job, error)
}

// Pool は固定サイズのワーカープールでジョブを実行する。
// 各ワーカーはポーリング間隔ごとにpendingジョブを1件ずつclaimする。
// claimはDB側のFOR UPDATE SKIP LOCKEDにより排他され、複数プロセスで
// 同一ジョブが実行されることはない。外部オペレーターのエンドポイントを
// 過負荷にしないよう、ジョブの開始はレートリミッターで抑制される。
type Pool struct {
	jobRepo      JobClaimer
	executor     JobExecutor
	limiter      *rate.Limiter
	logger       *slog.Logger
	size         int
	pollInterval time.Duration
}

// NewPool はPoolの新しいインスタンスを生成する。
// sizeが0以下の場合はデフォルト値4を使用する。
func NewPool(
	jobRepo JobClaimer,
	executor JobExecutor,
	limiter *rate.Limiter,
	logger *slog.Logger,
	size int,
	pollInterval time.Duration,
) *Pool {
	if size <= 0 {
		size = 4
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Pool{
		jobRepo:      jobRepo,
		executor:     executor,
		limiter:      limiter,
		logger:       logger,
		size:         size,
		pollInterval: pollInterval,
	}
}

// Start はワーカープールを起動し、コンテキストがキャンセルされるまで
// ジョブを実行し続ける。全ワーカーの終了までブロックする。
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("ワーカープールを開始しました",
		slog.Int("pool_size", p.size),
		slog.Duration("poll_interval", p.pollInterval),
	)

	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			p.runWorker(ctx, workerID)
		}(i)
	}
	wg.Wait()

	p.logger.Info("ワーカープールを停止しました")
}

// runWorker は1ワーカーのメインループ。
func (p *Pool) runWorker(ctx context.Context, workerID int) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.claimAndExecute(ctx, workerID)
		}
	}
}

// claimAndExecute はpendingジョブを1件claimし、実行する。
// ジョブがない場合は何もしない。
func (p *Pool) claimAndExecute(ctx context.Context, workerID int) {
	jobs, err := p.jobRepo.ClaimPending(ctx, 1)
	if err != nil {
		p.logger.Error("ジョブのclaimに失敗しました",
			slog.Int("worker_id", workerID),
			slog.String("error", err.Error()),
		)
		return
	}
	if len(jobs) == 0 {
		return
	}

	for _, job := range jobs {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				// シャットダウン中。claim済みジョブは孤児回復で再投入される。
				return
			}
		}
		p.executor.Execute(ctx, job)
	}
}
