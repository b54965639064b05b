// Package engine は修正の実行エンジンを提供する。
// 実行モードに応じて修正をステージまたは即時適用し、CMSへの適用前後の状態を記録する。
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/seopilot/internal/cms"
	"github.com/hitoshi/seopilot/internal/model"
	"github.com/hitoshi/seopilot/internal/policy"
	"github.com/hitoshi/seopilot/internal/remediation"
	"github.com/hitoshi/seopilot/internal/repository"
	"github.com/hitoshi/seopilot/internal/security"
)

// DefaultRollbackWindow は適用からロールバック可能な期間（90日）。
const DefaultRollbackWindow = 90 * 24 * time.Hour

// AdapterResolver は接続に対応するCMSアダプタを解決する。
type AdapterResolver interface {
	Resolve(conn *model.Connection) (cms.Adapter, error)
}

// Recorder は修正の実行結果を計測する。
type Recorder interface {
	FixApplied(platform string)
	FixFailed(platform, reason string)
	FixStaged(mode string)
}

// Deps はEngineの依存。
type Deps struct {
	Connections repository.ConnectionRepository
	Issues      repository.IssueRepository
	Fixes       repository.FixRepository
	Quota       repository.QuotaRepository
	Adapters    AdapterResolver
	Catalog     *remediation.Catalog
	Policy      *policy.Policy
	Sanitizer   *security.ValueSanitizer
	Metrics     Recorder // nil可
	Logger      *slog.Logger
}

// Config はEngineの動作設定。
type Config struct {
	// RollbackWindow は適用からロールバック期限までの期間
	RollbackWindow time.Duration
	// BatchConcurrency は一括適用時の最大並列数
	BatchConcurrency int
}

// Engine は修正のライフサイクルを駆動する。
// CMS呼び出しの間はデータベースのトランザクションやロックを保持しない。
// 同時実行の排他はIssueと修正のクレーム（条件付きUPDATE）で行う。
type Engine struct {
	connections repository.ConnectionRepository
	issues      repository.IssueRepository
	fixes       repository.FixRepository
	quota       repository.QuotaRepository
	adapters    AdapterResolver
	catalog     *remediation.Catalog
	policy      *policy.Policy
	sanitizer   *security.ValueSanitizer
	metrics     Recorder
	logger      *slog.Logger

	window      time.Duration
	concurrency int
	now         func() time.Time
	newID       func() string
}

// New はEngineを生成する。
func New(deps Deps, cfg Config) *Engine {
	if cfg.RollbackWindow <= 0 {
		cfg.RollbackWindow = DefaultRollbackWindow
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = 4
	}
	if deps.Sanitizer == nil {
		deps.Sanitizer = security.NewValueSanitizer()
	}
	if deps.Metrics == nil {
		deps.Metrics = nopRecorder{}
	}
	return &Engine{
		connections: deps.Connections,
		issues:      deps.Issues,
		fixes:       deps.Fixes,
		quota:       deps.Quota,
		adapters:    deps.Adapters,
		catalog:     deps.Catalog,
		policy:      deps.Policy,
		sanitizer:   deps.Sanitizer,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		window:      cfg.RollbackWindow,
		concurrency: cfg.BatchConcurrency,
		now:         time.Now,
		newID:       newUUID,
	}
}

// Authorize は接続が存在し、呼び出しユーザーの所有であることを確認する。
// ジョブとして非同期実行する前の事前確認に使う。
func (e *Engine) Authorize(ctx context.Context, connectionID, userID string) error {
	_, err := e.authorize(ctx, connectionID, userID)
	return err
}

// authorize は接続を取得し、呼び出しユーザーの所有であることを確認する。
func (e *Engine) authorize(ctx context.Context, connectionID, userID string) (*model.Connection, error) {
	conn, err := e.connections.FindByID(ctx, connectionID)
	if err != nil {
		return nil, fmt.Errorf("接続の取得に失敗しました: %w", err)
	}
	if conn == nil {
		return nil, model.NewConnectionNotFoundError(connectionID)
	}
	if !conn.OwnedBy(userID) {
		return nil, model.NewNotAuthorizedError()
	}
	return conn, nil
}

// session は1つの接続に対する適用処理の文脈。アダプタは接続ごとに1回だけ解決する。
type session struct {
	conn    *model.Connection
	adapter cms.Adapter
	userID  string
}

func (e *Engine) openSession(conn *model.Connection, userID string) (*session, error) {
	adapter, err := e.adapters.Resolve(conn)
	if err != nil {
		return nil, fmt.Errorf("CMSアダプタの解決に失敗しました: %w", err)
	}
	return &session{conn: conn, adapter: adapter, userID: userID}, nil
}

type nopRecorder struct{}

func (nopRecorder) FixApplied(string)        {}
func (nopRecorder) FixFailed(string, string) {}
func (nopRecorder) FixStaged(string)         {}
