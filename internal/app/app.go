package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/transitman/internal/config"
	"github.com/hitoshi/transitman/internal/database"
	"github.com/hitoshi/transitman/internal/handler"
	"github.com/hitoshi/transitman/internal/logger"
	"github.com/hitoshi/transitman/internal/metrics"
	"github.com/hitoshi/transitman/internal/middleware"
	"github.com/hitoshi/transitman/internal/poller"
	"github.com/hitoshi/transitman/internal/realtime"
	"github.com/hitoshi/transitman/internal/repository"
	"github.com/hitoshi/transitman/internal/security"
	"github.com/hitoshi/transitman/internal/worker/cleanup"
	"github.com/hitoshi/transitman/internal/worker/jobs"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// buildPoller はチェックサイクル実行に必要な依存関係をワイヤリングする。
// serveモードの手動チェックとworkerモードのジョブ実行の両方で使用される。
func buildPoller(cfg *config.Config, deps pollerDeps) *poller.Poller {
	detector := poller.NewChangeDetector(deps.ssrfGuard, cfg.FetchTimeout, cfg.FetchMaxSize)
	storeSvc := realtime.NewStoreService(deps.realtimeRepo, deps.sanitizer)
	return poller.NewPoller(
		deps.sourceRepo, deps.logRepo, deps.jobRepo,
		detector, storeSvc, deps.guard, deps.collector, slog.Default(),
	)
}

// pollerDeps はbuildPollerに渡す依存関係。
type pollerDeps struct {
	sourceRepo   repository.FeedSourceRepository
	logRepo      repository.CheckLogRepository
	jobRepo      repository.JobRepository
	realtimeRepo repository.RealtimeRepository
	ssrfGuard    security.SSRFGuardService
	sanitizer    security.ContentSanitizerService
	guard        *poller.CheckGuard
	collector    *metrics.Collector
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	sourceRepo := repository.NewPostgresFeedSourceRepo(db)
	logRepo := repository.NewPostgresCheckLogRepo(db)
	realtimeRepo := repository.NewPostgresRealtimeRepo(db)
	jobRepo := repository.NewPostgresJobRepo(db)

	// 3. セキュリティサービスとメトリクスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewContentSanitizer()
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 4. ポーラーの初期化（手動チェック用）
	guard := poller.NewCheckGuard()
	checkPoller := buildPoller(cfg, pollerDeps{
		sourceRepo:   sourceRepo,
		logRepo:      logRepo,
		jobRepo:      jobRepo,
		realtimeRepo: realtimeRepo,
		ssrfGuard:    ssrfGuard,
		sanitizer:    sanitizer,
		guard:        guard,
		collector:    collector,
	})

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		RateLimiter:     rateLimiter,
		Logger:          slog.Default(),
		FeedSourceRepo:  sourceRepo,
		CheckLogRepo:    logRepo,
		CheckRunner:     checkPoller,
		URLValidator:    ssrfGuard,
		JobRepo:         jobRepo,
		HealthChecker:   db,
		MetricsGatherer: registry,
	})

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // 手動チェックは同期実行のためフェッチ時間を見込む
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 孤児ジョブの回復を行ってからワーカープールとスケジューラを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	processStartedAt := time.Now().UTC()

	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. リポジトリの初期化
	sourceRepo := repository.NewPostgresFeedSourceRepo(db)
	logRepo := repository.NewPostgresCheckLogRepo(db)
	realtimeRepo := repository.NewPostgresRealtimeRepo(db)
	jobRepo := repository.NewPostgresJobRepo(db)

	// 3. セキュリティサービスとメトリクスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewContentSanitizer()
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 4. ポーラーとエグゼキューターの初期化
	guard := poller.NewCheckGuard()
	checkPoller := buildPoller(cfg, pollerDeps{
		sourceRepo:   sourceRepo,
		logRepo:      logRepo,
		jobRepo:      jobRepo,
		realtimeRepo: realtimeRepo,
		ssrfGuard:    ssrfGuard,
		sanitizer:    sanitizer,
		guard:        guard,
		collector:    collector,
	})
	executor := jobs.NewExecutor(jobRepo, sourceRepo, checkPoller, collector, slog.Default())

	// 5. ワーカープールの初期化
	limiter := rate.NewLimiter(rate.Limit(cfg.CheckRatePerSecond), cfg.CheckRateBurst)
	pool := jobs.NewPool(jobRepo, executor, limiter, slog.Default(), cfg.WorkerPoolSize, cfg.JobPollInterval)

	// 6. スケジューラと孤児回復の初期化
	scheduler := jobs.NewScheduler(sourceRepo, jobRepo, slog.Default())
	recoverer := jobs.NewOrphanRecoverer(jobRepo, collector, slog.Default(), processStartedAt, cfg.OrphanStaleAfter)

	// 7. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(db, slog.Default())
	cleanupJob.RetentionDays = cfg.LogRetentionDays

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Int("pool_size", cfg.WorkerPoolSize),
		slog.Duration("scheduler_interval", cfg.SchedulerInterval),
	)

	// 起動時の孤児ジョブ回復（ワーカープール開始前に必ず実行する）
	if err := recoverer.RecoverAtStartup(ctx); err != nil {
		return fmt.Errorf("orphan recovery failed: %w", err)
	}

	// 孤児回復バックストップをバックグラウンドで起動
	go recoverer.Start(ctx, cfg.OrphanScanInterval)

	// スケジューラをバックグラウンドで起動
	go scheduler.Start(ctx, cfg.SchedulerInterval)

	// クリーンアップジョブを日次でバックグラウンド実行
	go func() {
		// 起動直後に1回実行
		if err := cleanupJob.Run(ctx); err != nil {
			slog.Error("cleanup job failed", slog.String("error", err.Error()))
		}

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := cleanupJob.Run(ctx); err != nil {
					slog.Error("cleanup job failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	// ワーカープールをメインgoroutineで実行（ブロッキング）
	pool.Start(ctx)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
