package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Fetch
	FetchTimeout time.Duration
	FetchMaxSize int64

	// Worker
	WorkerPoolSize    int
	JobPollInterval   time.Duration
	SchedulerInterval time.Duration

	// Orphan recovery
	OrphanScanInterval time.Duration
	OrphanStaleAfter   time.Duration

	// Rate Limit（外部フィードエンドポイントへのチェック実行レート、req/sec）
	CheckRatePerSecond float64
	CheckRateBurst     int

	// Cleanup
	LogRetentionDays int

	// Server
	ServerPort string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", 30*time.Second)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", 52428800) // 50MiB: 大規模オペレーターの統合フィードを想定
	cfg.WorkerPoolSize = getEnvInt("WORKER_POOL_SIZE", 4)
	cfg.JobPollInterval = getEnvDuration("JOB_POLL_INTERVAL", 5*time.Second)
	cfg.SchedulerInterval = getEnvDuration("SCHEDULER_INTERVAL", time.Minute)
	cfg.OrphanScanInterval = getEnvDuration("ORPHAN_SCAN_INTERVAL", 10*time.Minute)
	cfg.OrphanStaleAfter = getEnvDuration("ORPHAN_STALE_AFTER", time.Hour)
	cfg.CheckRatePerSecond = getEnvFloat("CHECK_RATE_PER_SECOND", 5)
	cfg.CheckRateBurst = getEnvInt("CHECK_RATE_BURST", 10)
	cfg.LogRetentionDays = getEnvInt("LOG_RETENTION_DAYS", 90)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
