package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/seopilot/internal/metrics"
	"github.com/hitoshi/seopilot/internal/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// Rollbacker は修正単位とチェックポイント単位のロールバックを行う。
// rollback.Coordinatorが満たす。
type Rollbacker interface {
	FixRollbacker
	CheckpointRollbacker
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	CORSAllowedOrigin string
	UserIDHeader      string
	RateLimiter       *middleware.RateLimiter

	// ヘルスチェックとメトリクス
	HealthChecker HealthChecker
	Gatherer      prometheus.Gatherer

	// 修正の実行とロールバック
	Engine      FixEngine
	Rollbacks   Rollbacker
	Checkpoints CheckpointService
	Jobs        JobQueue
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → Logging → CORS → SecurityHeaders → Identity → RateLimit(GeneralMiddleware)
//
// /health と /metrics は識別ヘッダーなしでアクセスできる。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	userIDHeader := deps.UserIDHeader
	if userIDHeader == "" {
		userIDHeader = middleware.DefaultUserIDHeader
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger, userIDHeader))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin, userIDHeader))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	fixHandler := NewFixHandler(deps.Engine, deps.Rollbacks, deps.Jobs, logger)
	cpHandler := NewCheckpointHandler(deps.Checkpoints, deps.Rollbacks, deps.Jobs, logger)

	// --- 識別不要のルート ---
	r.Get("/health", newHealthHandler(deps.HealthChecker, logger))
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	// --- 呼び出し元の識別が必要なルート ---
	// ミドルウェアスタック: Identity → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewIdentityMiddleware(userIDHeader))
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.GeneralMiddleware())
		}

		// 接続単位の操作
		r.Route("/api/connections/{id}", func(r chi.Router) {
			r.Post("/fixes/execute", fixHandler.ExecuteFixes)
			r.Post("/plan/approve", fixHandler.ApprovePlan)
			r.Post("/checkpoints", cpHandler.CreateCheckpoint)
			r.Get("/checkpoints", cpHandler.ListCheckpoints)
		})

		// 修正単位の操作
		r.Route("/api/fixes/{id}", func(r chi.Router) {
			r.Post("/approve", fixHandler.ApproveFix)
			r.Post("/rollback", fixHandler.RollbackFix)
		})

		// チェックポイント
		r.Route("/api/checkpoints/{id}", func(r chi.Router) {
			r.Get("/", cpHandler.GetCheckpoint)
			r.Delete("/", cpHandler.DeleteCheckpoint)
			r.Post("/rollback", cpHandler.RollbackCheckpoint)
		})

		// ジョブ状態
		r.Get("/api/jobs/{id}", fixHandler.GetJob)
	})

	return r
}
