// Package rollback は適用済みの修正を適用前の状態に戻す。
//
// ロールバックは取り消しではなく、保存した適用前状態を新たに書き込む前進の変更である。
// 適用後にCMS上で値が編集されていても検出せず、適用前状態で上書きする。
package rollback

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/seopilot/internal/cms"
	"github.com/hitoshi/seopilot/internal/model"
	"github.com/hitoshi/seopilot/internal/repository"
)

// AdapterResolver は接続に対応するCMSアダプタを解決する。
type AdapterResolver interface {
	Resolve(conn *model.Connection) (cms.Adapter, error)
}

// Recorder はロールバックの結果を計測する。
type Recorder interface {
	RollbackCompleted(result string)
}

// Result はrollbackFixの結果。
type Result struct {
	Success       bool          `json:"success"`
	FixID         string        `json:"fix_id"`
	RestoredState *cms.Snapshot `json:"restored_state,omitempty"`
	ErrorCode     string        `json:"error_code,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// Coordinator は修正のロールバックを行う。
type Coordinator struct {
	connections repository.ConnectionRepository
	fixes       repository.FixRepository
	checkpoints repository.CheckpointRepository
	adapters    AdapterResolver
	metrics     Recorder
	logger      *slog.Logger
	now         func() time.Time
}

// NewCoordinator はCoordinatorを生成する。metricsはnil可。
func NewCoordinator(
	connections repository.ConnectionRepository,
	fixes repository.FixRepository,
	checkpoints repository.CheckpointRepository,
	adapters AdapterResolver,
	metrics Recorder,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		connections: connections,
		fixes:       fixes,
		checkpoints: checkpoints,
		adapters:    adapters,
		metrics:     metrics,
		logger:      logger,
		now:         time.Now,
	}
}

// RollbackFix は適用済みの修正を適用前の状態に戻す。
// 前提条件は 存在 → APPLIED → 所有者 → 期限内 の順に確認し、違反は個別のエラーで返す。
// 期限ちょうどの時刻は期限切れとして扱い、CMSは呼び出さない。
// CMSへの書き込みに失敗した場合は修正をAPPLIEDのまま残し、Success=falseの結果を返す。
func (c *Coordinator) RollbackFix(ctx context.Context, fixID, userID string) (*Result, error) {
	fix, err := c.fixes.FindByID(ctx, fixID)
	if err != nil {
		return nil, fmt.Errorf("修正の取得に失敗しました: %w", err)
	}
	if fix == nil {
		return nil, model.NewFixNotFoundError(fixID)
	}
	switch fix.Status {
	case model.FixStatusApplied:
	case model.FixStatusRolledBack:
		return nil, model.NewFixAlreadyRolledBackError(fix.ID)
	default:
		return nil, model.NewFixNotAppliedError(fix.ID, fix.Status)
	}

	conn, err := c.authorize(ctx, fix.ConnectionID, userID)
	if err != nil {
		return nil, err
	}

	now := c.now()
	if !fix.CanRollbackAt(now) {
		c.record("expired")
		return nil, model.NewRollbackWindowExpiredError(fix.ID)
	}

	adapter, err := c.adapters.Resolve(conn)
	if err != nil {
		return nil, fmt.Errorf("CMSアダプタの解決に失敗しました: %w", err)
	}
	return c.rollback(ctx, adapter, fix, now)
}

func (c *Coordinator) rollback(ctx context.Context, adapter cms.Adapter, fix *model.Fix, now time.Time) (*Result, error) {
	ok, err := c.fixes.ClaimForRollback(ctx, fix.ID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, c.claimLostError(ctx, fix.ID, now)
	}

	before, err := cms.UnmarshalSnapshot(fix.BeforeState)
	if err != nil {
		c.release(ctx, fix, fmt.Sprintf("適用前状態が不正です: %v", err))
		return nil, fmt.Errorf("修正 %s の適用前状態を復元できません: %w", fix.ID, err)
	}

	target := cms.TargetOf(fix)
	if _, err := adapter.Apply(ctx, target, cms.RestoreChange(before)); err != nil {
		kind, ok := cms.KindOf(err)
		if !ok {
			kind = cms.KindTransient
		}
		c.release(ctx, fix, fmt.Sprintf("%s: %s", kind.Code(), err.Error()))
		c.record("failed")
		c.logger.Warn("ロールバックに失敗しました",
			slog.String("fix_id", fix.ID),
			slog.String("error_code", kind.Code()),
			slog.String("error", err.Error()),
		)
		return &Result{
			Success:   false,
			FixID:     fix.ID,
			ErrorCode: kind.Code(),
			Error:     err.Error(),
		}, nil
	}

	restored, err := adapter.Read(ctx, target)
	if err != nil {
		c.logger.Warn("ロールバック後の状態の読み取りに失敗したため適用前状態を記録します",
			slog.String("fix_id", fix.ID),
			slog.String("error", err.Error()),
		)
		restored = before
	} else if !restored.Equal(before) {
		c.logger.Warn("ロールバック後の値が適用前状態と一致しません",
			slog.String("fix_id", fix.ID),
			slog.String("expected", before.Value),
			slog.String("actual", restored.Value),
		)
	}

	state, err := cms.MarshalSnapshot(restored)
	if err != nil {
		return nil, err
	}
	rolledBackAt := c.now()
	fix.Status = model.FixStatusRolledBack
	fix.RolledBackAt = &rolledBackAt
	event := &model.FixEvent{
		ID:           uuid.NewString(),
		FixID:        fix.ID,
		ConnectionID: fix.ConnectionID,
		Kind:         model.FixEventRolledBack,
		State:        state,
		CreatedAt:    rolledBackAt,
	}
	if err := c.fixes.MarkRolledBack(ctx, fix, event); err != nil {
		// CMSは適用前状態に戻っている。クレームはクリーンアップでAPPLIEDのまま解放され、再実行できる
		c.logger.Error("ロールバック結果の記録に失敗しました",
			slog.String("fix_id", fix.ID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("ロールバックの記録に失敗しました: %w", err)
	}

	c.record("success")
	c.logger.Info("修正をロールバックしました",
		slog.String("fix_id", fix.ID),
		slog.String("issue_id", fix.IssueID),
		slog.String("connection_id", fix.ConnectionID),
	)
	return &Result{Success: true, FixID: fix.ID, RestoredState: restored}, nil
}

// claimLostError はロールバックのクレームを取得できなかった理由を読み直して返す。
func (c *Coordinator) claimLostError(ctx context.Context, fixID string, now time.Time) error {
	current, err := c.fixes.FindByID(ctx, fixID)
	if err != nil {
		return fmt.Errorf("修正の取得に失敗しました: %w", err)
	}
	switch {
	case current == nil:
		return model.NewFixNotFoundError(fixID)
	case current.Status == model.FixStatusRolledBack:
		return model.NewFixAlreadyRolledBackError(fixID)
	case current.Status != model.FixStatusApplied:
		return model.NewFixNotAppliedError(fixID, current.Status)
	case !current.CanRollbackAt(now):
		return model.NewRollbackWindowExpiredError(fixID)
	default:
		return model.NewFixAlreadyInProgressError(current.IssueID)
	}
}

// release はクレームを解放し、rollback_failedの監査イベントを記録する。
func (c *Coordinator) release(ctx context.Context, fix *model.Fix, detail string) {
	event := &model.FixEvent{
		ID:           uuid.NewString(),
		FixID:        fix.ID,
		ConnectionID: fix.ConnectionID,
		Kind:         model.FixEventRollbackFailed,
		Detail:       detail,
		CreatedAt:    c.now(),
	}
	if err := c.fixes.ReleaseClaim(ctx, fix.ID, event); err != nil {
		c.logger.Error("ロールバックのクレーム解放に失敗しました",
			slog.String("fix_id", fix.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Coordinator) authorize(ctx context.Context, connectionID, userID string) (*model.Connection, error) {
	conn, err := c.connections.FindByID(ctx, connectionID)
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

func (c *Coordinator) record(result string) {
	if c.metrics != nil {
		c.metrics.RollbackCompleted(result)
	}
}
