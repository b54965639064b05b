package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Server
	ServerPort        string
	CORSAllowedOrigin string
	UserIDHeader      string

	// Logging
	LogLevel string

	// Rate Limit（API全般、req/min/user）
	RateLimitGeneral int

	// Fix
	FixRollbackWindow  time.Duration
	FixQuotaPerPeriod  int
	BatchMaxConcurrent int
	AutoApplyRule      string
	FixCatalogPath     string

	// CMS
	CMSTimeout         time.Duration
	CMSMaxResponseSize int64
	CMSRateLimitPerSec float64
	CMSRateLimitBurst  int
	WordPressMetaKey   string

	// Jobs
	JobPollInterval  time.Duration
	JobMaxAttempts   int
	JobMaxConcurrent int

	// Worker
	WorkerMetricsPort string

	// Cleanup
	CleanupInterval    time.Duration
	AuditRetentionDays int
	ClaimStaleAfter    time.Duration
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合、または値が範囲外の場合はエラーを返す。
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
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")
	cfg.UserIDHeader = getEnvString("USER_ID_HEADER", "X-User-ID")
	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)

	cfg.FixRollbackWindow = getEnvDuration("FIX_ROLLBACK_WINDOW", 90*24*time.Hour)
	cfg.FixQuotaPerPeriod = getEnvInt("FIX_QUOTA_PER_PERIOD", 100)
	cfg.BatchMaxConcurrent = getEnvInt("BATCH_MAX_CONCURRENT", 4)
	cfg.AutoApplyRule = getEnvString("AUTO_APPLY_RULE", "")
	cfg.FixCatalogPath = getEnvString("FIX_CATALOG_PATH", "")

	cfg.CMSTimeout = getEnvDuration("CMS_TIMEOUT", 15*time.Second)
	cfg.CMSMaxResponseSize = getEnvInt64("CMS_MAX_RESPONSE_SIZE", 5242880)
	cfg.CMSRateLimitPerSec = getEnvFloat("CMS_RATE_LIMIT_PER_SEC", 2)
	cfg.CMSRateLimitBurst = getEnvInt("CMS_RATE_LIMIT_BURST", 10)
	cfg.WordPressMetaKey = getEnvString("WORDPRESS_META_KEY", "")

	cfg.JobPollInterval = getEnvDuration("JOB_POLL_INTERVAL", 5*time.Second)
	cfg.JobMaxAttempts = getEnvInt("JOB_MAX_ATTEMPTS", 5)
	cfg.JobMaxConcurrent = getEnvInt("JOB_MAX_CONCURRENT", 5)
	cfg.WorkerMetricsPort = getEnvString("WORKER_METRICS_PORT", "9091")

	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour)
	cfg.AuditRetentionDays = getEnvInt("AUDIT_RETENTION_DAYS", 365)
	cfg.ClaimStaleAfter = getEnvDuration("CLAIM_STALE_AFTER", 30*time.Minute)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate は0以下になってはならない値を検証する。
func (c *Config) validate() error {
	var invalid []string
	if c.FixRollbackWindow <= 0 {
		invalid = append(invalid, "FIX_ROLLBACK_WINDOW")
	}
	if c.FixQuotaPerPeriod <= 0 {
		invalid = append(invalid, "FIX_QUOTA_PER_PERIOD")
	}
	if c.CMSRateLimitPerSec <= 0 {
		invalid = append(invalid, "CMS_RATE_LIMIT_PER_SEC")
	}
	if c.AuditRetentionDays <= 0 {
		invalid = append(invalid, "AUDIT_RETENTION_DAYS")
	}
	if c.ClaimStaleAfter <= 0 {
		invalid = append(invalid, "CLAIM_STALE_AFTER")
	}
	if len(invalid) > 0 {
		return fmt.Errorf("environment variables must be positive: %v", invalid)
	}
	return nil
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
