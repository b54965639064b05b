package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/seopilot/internal/checkpoint"
	"github.com/hitoshi/seopilot/internal/cms"
	"github.com/hitoshi/seopilot/internal/config"
	"github.com/hitoshi/seopilot/internal/database"
	"github.com/hitoshi/seopilot/internal/engine"
	"github.com/hitoshi/seopilot/internal/handler"
	"github.com/hitoshi/seopilot/internal/logger"
	"github.com/hitoshi/seopilot/internal/metrics"
	"github.com/hitoshi/seopilot/internal/middleware"
	"github.com/hitoshi/seopilot/internal/policy"
	"github.com/hitoshi/seopilot/internal/remediation"
	"github.com/hitoshi/seopilot/internal/repository"
	"github.com/hitoshi/seopilot/internal/rollback"
	"github.com/hitoshi/seopilot/internal/security"
	"github.com/hitoshi/seopilot/internal/worker/cleanup"
	"github.com/hitoshi/seopilot/internal/worker/jobs"
)

// runContext はサブコマンドの実行に必要な設定とロガー。
type runContext struct {
	cfg    *config.Config
	logger *slog.Logger
}

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ったJSON構造化ログをセットアップする。
// 設定の読み込みに失敗した場合もエラーを記録できるよう、infoレベルのロガーを設定してから返す。
func Init(w io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		l := logger.SetupDefault(w, "info")
		return nil, l, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, logger.SetupDefault(w, cfg.LogLevel), nil
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	root := NewRootCommand(w)
	root.SetArgs(args)
	return root.Execute()
}

func withConfig(w io.Writer, cmd Command, fn func(*runContext) error) error {
	cfg, l, err := Init(w)
	if err != nil {
		l.Error("initialization failed", slog.String("error", err.Error()))
		return fmt.Errorf("initialization failed: %w", err)
	}

	l.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)
	return fn(&runContext{cfg: cfg, logger: l})
}

// components はserveとworkerで共有するドメインサービス群。
type components struct {
	engine      *engine.Engine
	coordinator *rollback.Coordinator
	checkpoints *checkpoint.Service
	runner      *jobs.Runner
	limiters    *cms.LimiterPool
}

// close はバックグラウンドのgoroutineを停止する。
func (c *components) close() {
	c.limiters.Stop()
}

// newMetrics はプロセス単位のPrometheusレジストリとCollectorを生成する。
func newMetrics() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// loadCatalog はFIX_CATALOG_PATHが指定されていればそのファイルを、なければ組み込みのカタログを読み込む。
func loadCatalog(path string) (*remediation.Catalog, error) {
	if path == "" {
		return remediation.Default()
	}
	return remediation.LoadFile(path)
}

// buildComponents はリポジトリからジョブランナーまでの依存関係をワイヤリングする。
func buildComponents(cfg *config.Config, db *sql.DB, collector *metrics.Collector, l *slog.Logger) (*components, error) {
	catalog, err := loadCatalog(cfg.FixCatalogPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load fix catalog: %w", err)
	}

	rule, err := policy.NewRuleEvaluator(cfg.AutoApplyRule)
	if err != nil {
		return nil, fmt.Errorf("invalid AUTO_APPLY_RULE: %w", err)
	}

	// 1. リポジトリ
	connRepo := repository.NewPostgresConnectionRepo(db)
	issueRepo := repository.NewPostgresIssueRepo(db)
	fixRepo := repository.NewPostgresFixRepo(db)
	checkpointRepo := repository.NewPostgresCheckpointRepo(db)
	quotaRepo := repository.NewPostgresQuotaRepo(db)
	jobRepo := repository.NewPostgresJobRepo(db)

	// 2. CMSアダプタ（SSRF防止付きクライアントと接続ごとのレート制限）
	guard := security.NewOutboundGuard()
	limiters := cms.NewLimiterPool(cms.LimiterConfig{
		Rate:            rate.Limit(cfg.CMSRateLimitPerSec),
		Burst:           cfg.CMSRateLimitBurst,
		CleanupInterval: 10 * time.Minute,
	})
	registry := cms.NewDefaultRegistry(cms.Deps{
		Client:           guard.NewClient(cfg.CMSTimeout),
		ValidateURL:      guard.ValidateURL,
		Limiters:         limiters,
		Observer:         collector,
		Timeout:          cfg.CMSTimeout,
		MaxResponseSize:  cfg.CMSMaxResponseSize,
		WordPressMetaKey: cfg.WordPressMetaKey,
	})

	// 3. ドメインサービス
	eng := engine.New(engine.Deps{
		Connections: connRepo,
		Issues:      issueRepo,
		Fixes:       fixRepo,
		Quota:       quotaRepo,
		Adapters:    registry,
		Catalog:     catalog,
		Policy:      policy.New(quotaRepo, cfg.FixQuotaPerPeriod, rule, l),
		Sanitizer:   security.NewValueSanitizer(),
		Metrics:     collector,
		Logger:      l,
	}, engine.Config{
		RollbackWindow:   cfg.FixRollbackWindow,
		BatchConcurrency: cfg.BatchMaxConcurrent,
	})
	coordinator := rollback.NewCoordinator(connRepo, fixRepo, checkpointRepo, registry, collector, l)
	checkpoints := checkpoint.NewService(connRepo, checkpointRepo, l)

	// 4. ジョブランナー
	runner := jobs.NewRunner(jobRepo, collector, l, cfg.JobMaxConcurrent, cfg.JobMaxAttempts)
	jobs.RegisterFixHandlers(runner, eng, coordinator)

	return &components{
		engine:      eng,
		coordinator: coordinator,
		checkpoints: checkpoints,
		runner:      runner,
		limiters:    limiters,
	}, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(c *runContext) error {
	cfg, l := c.cfg, c.logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return err
	}
	defer db.Close()
	l.Info("database connection established")

	reg, collector := newMetrics()
	comps, err := buildComponents(cfg, db, collector, l)
	if err != nil {
		return err
	}
	defer comps.close()

	rateLimiter := middleware.NewRateLimiter(middleware.PerMinuteRateLimiterConfig(cfg.RateLimitGeneral))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            l,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		UserIDHeader:      cfg.UserIDHeader,
		RateLimiter:       rateLimiter,
		HealthChecker:     db,
		Gatherer:          reg,
		Engine:            comps.engine,
		Rollbacks:         comps.coordinator,
		Checkpoints:       comps.checkpoints,
		Jobs:              comps.runner,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		// 同期のバッチ実行は複数のCMS呼び出しを含むため長めに取る
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return serveUntilDone(ctx, server, l, "API server")
}

// serveUntilDone はコンテキストがキャンセルされるまでサーバーを動かし、その後グレースフルシャットダウンする。
func serveUntilDone(ctx context.Context, server *http.Server, l *slog.Logger, name string) error {
	errCh := make(chan error, 1)
	go func() {
		l.Info(name+" starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("%s listen error: %w", name, err)
		}
		return nil
	case <-ctx.Done():
	}

	l.Info("shutting down " + name + "...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", name, err)
	}
	l.Info(name + " stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// ジョブランナーと日次クリーンアップを動かし、ワーカー側のメトリクスを別ポートで公開する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(c *runContext) error {
	cfg, l := c.cfg, c.logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return err
	}
	defer db.Close()
	l.Info("database connection established (worker)")

	reg, collector := newMetrics()
	comps, err := buildComponents(cfg, db, collector, l)
	if err != nil {
		return err
	}
	defer comps.close()

	cleanupJob := newCleanupJob(cfg, db, collector, l)

	l.Info("worker starting",
		slog.Duration("job_poll_interval", cfg.JobPollInterval),
		slog.Int("job_max_concurrent", cfg.JobMaxConcurrent),
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
	)

	go cleanupJob.Start(ctx, cfg.CleanupInterval)

	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           metrics.SetupMetricsRoute(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsErr := make(chan error, 1)
	go func() {
		metricsErr <- serveUntilDone(ctx, metricsServer, l, "worker metrics server")
	}()

	// ジョブランナーをメインgoroutineで実行（ブロッキング）
	comps.runner.Start(ctx, cfg.JobPollInterval)

	if err := <-metricsErr; err != nil {
		l.Error("worker metrics server failed", slog.String("error", err.Error()))
	}
	l.Info("worker stopped gracefully")
	return nil
}

func newCleanupJob(cfg *config.Config, db *sql.DB, collector *metrics.Collector, l *slog.Logger) *cleanup.CleanupJob {
	job := cleanup.NewCleanupJob(db, collector, l)
	job.RetentionDays = cfg.AuditRetentionDays
	job.ClaimStaleAfter = cfg.ClaimStaleAfter
	return job
}

// runCleanup は保持期間のクリーンアップを1回だけ実行する。
// 外部スケジューラ（cronなど）から起動する用途を想定する。
func runCleanup(c *runContext) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, c.cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return err
	}
	defer db.Close()

	_, collector := newMetrics()
	if err := newCleanupJob(c.cfg, db, collector, c.logger).Run(ctx); err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// downが正の場合はその件数だけ巻き戻し、それ以外はすべての未適用マイグレーションを適用する。
func runMigrate(c *runContext, down int) error {
	cfg, l := c.cfg, c.logger

	if down > 0 {
		l.Info("rolling back database migrations", slog.Int("steps", down))
		if err := database.RollbackMigrations(cfg.DatabaseURL, down); err != nil {
			return fmt.Errorf("migration rollback failed: %w", err)
		}
	} else {
		l.Info("running database migrations")
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	l.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
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
