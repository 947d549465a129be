package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/transitman/internal/metrics"
	"github.com/hitoshi/transitman/internal/middleware"
	"github.com/hitoshi/transitman/internal/repository"
)

// HealthChecker はヘルスチェックでのDB疎通確認インターフェース。
// *sql.DB がそのまま実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	RateLimiter *middleware.RateLimiter
	Logger      *slog.Logger

	// フィードソース
	FeedSourceRepo repository.FeedSourceRepository
	CheckLogRepo   repository.CheckLogRepository
	CheckRunner    CheckRunnerInterface
	URLValidator   URLValidator

	// ジョブ
	JobRepo repository.JobRepository

	// 運用
	HealthChecker   HealthChecker
	MetricsGatherer prometheus.Gatherer
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RecoveryMiddleware → LoggingMiddleware → RateLimitMiddleware(GeneralMiddleware)
//
// /health と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))

	sourceHandler := NewFeedSourceHandler(deps.FeedSourceRepo, deps.CheckLogRepo, deps.CheckRunner, deps.URLValidator)
	jobHandler := NewJobHandler(deps.JobRepo)

	// --- 運用ルート（レート制限の外） ---

	r.Get("/health", healthHandler(deps.HealthChecker))
	r.Handle("/metrics", metrics.Handler(deps.MetricsGatherer))

	// --- APIルート ---
	// ミドルウェアスタック: RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/api/feed-sources", func(r chi.Router) {
			r.Post("/", sourceHandler.CreateFeedSource)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", sourceHandler.GetFeedSource)
				r.Get("/logs", sourceHandler.ListCheckLogs)

				// POST /api/feed-sources/{id}/check - 手動チェック（専用レート制限を追加）
				r.With(deps.RateLimiter.CheckMiddleware()).Post("/check", sourceHandler.CheckFeedSource)
			})
		})

		r.Route("/api/jobs", func(r chi.Router) {
			r.Get("/", jobHandler.ListJobs)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", jobHandler.GetJob)
				r.Post("/cancel", jobHandler.CancelJob)
			})
		})
	})

	return r
}

// healthHandler はDB疎通を確認するヘルスチェックハンドラーを返す。
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := checker.PingContext(r.Context()); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}
