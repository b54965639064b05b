package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/seopilot/internal/cms"
	"github.com/hitoshi/seopilot/internal/model"
	"github.com/hitoshi/seopilot/internal/policy"
	"github.com/hitoshi/seopilot/internal/remediation"
)

// claimResult はクレーム取得の結果。
type claimResult int

const (
	claimed claimResult = iota
	claimInProgress
	claimAlreadyProcessed
)

// claimFix は修正に紐付くIssueと修正自身をクレームする。
// Issueのクレームに成功して修正のクレームに失敗した場合はIssueを解放する。
func (e *Engine) claimFix(ctx context.Context, fix *model.Fix, allowRetry bool) (claimResult, error) {
	if fix.HasIssue() {
		ok, err := e.issues.Claim(ctx, fix.IssueID)
		if err != nil {
			return 0, err
		}
		if !ok {
			return e.resolveIssueClaimLoss(ctx, fix, allowRetry)
		}
	}

	ok, err := e.fixes.Claim(ctx, fix.ID, allowRetry)
	if err != nil || !ok {
		if fix.HasIssue() {
			if rerr := e.issues.Release(ctx, fix.IssueID); rerr != nil {
				e.logger.Error("Issueクレームの解放に失敗しました",
					slog.String("issue_id", fix.IssueID),
					slog.String("error", rerr.Error()),
				)
			}
		}
		if err != nil {
			return 0, err
		}
		return e.currentClaimState(ctx, fix.ID, allowRetry)
	}
	return claimed, nil
}

// resolveIssueClaimLoss はIssueをクレームできなかった修正の扱いを決める。
// Issueが別の修正で修正済み、または削除済みの場合、この修正はもう適用できないため
// FIX_SUPERSEDEDで閉じて処理済みとして扱う。
func (e *Engine) resolveIssueClaimLoss(ctx context.Context, fix *model.Fix, allowRetry bool) (claimResult, error) {
	issue, err := e.issues.FindByID(ctx, fix.IssueID)
	if err != nil {
		return 0, err
	}
	if issue != nil && issue.Status != model.IssueStatusFixed {
		return claimInProgress, nil
	}

	fix.ErrorCode = model.ErrCodeFixSuperseded
	fix.ErrorMessage = "Issueは別の修正で修正済みです"
	if issue == nil {
		fix.ErrorMessage = "Issueが存在しません"
	}
	ok, err := e.fixes.Supersede(ctx, fix, &model.FixEvent{
		ID:           e.newID(),
		FixID:        fix.ID,
		ConnectionID: fix.ConnectionID,
		Kind:         model.FixEventFailed,
		Detail:       fmt.Sprintf("%s: %s", fix.ErrorCode, fix.ErrorMessage),
		CreatedAt:    e.now(),
	})
	if err != nil {
		return 0, err
	}
	if !ok {
		return e.currentClaimState(ctx, fix.ID, allowRetry)
	}
	e.logger.Info("適用されなくなった修正を閉じました",
		slog.String("fix_id", fix.ID),
		slog.String("issue_id", fix.IssueID),
	)
	return claimAlreadyProcessed, nil
}

// currentClaimState はクレームに失敗した修正を読み直し、他の呼び出しが処理済みにしたか処理中かを判定する。
func (e *Engine) currentClaimState(ctx context.Context, fixID string, allowRetry bool) (claimResult, error) {
	current, err := e.fixes.FindByID(ctx, fixID)
	if err != nil {
		return 0, err
	}
	if current == nil || current.Status == model.FixStatusApplied || current.Status == model.FixStatusRolledBack ||
		(current.Status == model.FixStatusFailed && !(allowRetry && current.Retryable)) {
		return claimAlreadyProcessed, nil
	}
	return claimInProgress, nil
}

// applyClaimed はクレーム済みの修正をCMSに適用し、結果を記録する。
// 手順: 検証 → クォータ消費 → 適用前状態の読み取り → 適用 → 適用後状態の読み取り → 記録。
func (e *Engine) applyClaimed(ctx context.Context, s *session, fix *model.Fix) Outcome {
	start := e.now()
	out := Outcome{IssueID: fix.IssueID, FixID: fix.ID}

	fix.ProposedValue = e.sanitizer.Sanitize(fix.ProposedValue)
	if err := e.catalog.Validate(fix.Type, fix.ProposedValue); err != nil {
		var verr *remediation.ValidationError
		code := model.ErrCodeCMSValidationRejected
		if !errors.As(err, &verr) {
			if model.HasCode(err, model.ErrCodeUnsupportedFixType) {
				code = model.ErrCodeUnsupportedFixType
			} else {
				code = model.ErrCodeInternal
			}
		}
		return e.fail(ctx, s, fix, out, code, err.Error(), false)
	}

	period := policy.Period(start)
	limit := e.policy.Limit()
	if limit > 0 {
		ok, err := e.quota.Consume(ctx, s.userID, period, limit)
		if err != nil {
			return e.fail(ctx, s, fix, out, model.ErrCodeInternal, err.Error(), false)
		}
		if !ok {
			out = e.fail(ctx, s, fix, out, model.ErrCodeQuotaExhausted,
				model.NewQuotaExhaustedError(limit).Message, false)
			out.Status = OutcomeRejected
			return out
		}
	}

	target := cms.TargetOf(fix)
	change := cms.Change{Field: fix.Field, Value: fix.ProposedValue}

	before, err := s.adapter.Read(ctx, target)
	if err == nil {
		_, err = s.adapter.Apply(ctx, target, change)
	}
	if err != nil {
		e.refund(ctx, s.userID, period, limit)
		kind, ok := cms.KindOf(err)
		if !ok {
			kind = cms.KindTransient
		}
		out = e.fail(ctx, s, fix, out, kind.Code(), err.Error(), kind.Retryable())
		out.cause = err
		return out
	}

	after, err := s.adapter.Read(ctx, target)
	if err != nil {
		// 適用自体は成功しているため、適用前状態を保持してロールバックできるようにする
		e.logger.Warn("適用後の状態の読み取りに失敗したため変更内容から記録します",
			slog.String("fix_id", fix.ID),
			slog.String("error", err.Error()),
		)
		after = &cms.Snapshot{
			Platform:    s.adapter.Platform(),
			ResourceRef: fix.ResourceRef,
			PageURL:     fix.PageURL,
			Field:       fix.Field,
			Value:       fix.ProposedValue,
			Exists:      fix.ProposedValue != "",
		}
	} else if !after.Equal(&cms.Snapshot{Field: fix.Field, Value: fix.ProposedValue, Exists: fix.ProposedValue != ""}) {
		e.logger.Warn("適用後の値が提案値と一致しません",
			slog.String("fix_id", fix.ID),
			slog.String("field", fix.Field),
			slog.String("proposed", fix.ProposedValue),
			slog.String("actual", after.Value),
		)
	}

	beforeState, err := cms.MarshalSnapshot(before)
	if err == nil {
		fix.AfterState, err = cms.MarshalSnapshot(after)
	}
	if err != nil {
		return e.recordError(s, fix, out, err)
	}
	fix.BeforeState = beforeState

	appliedAt := e.now()
	deadline := appliedAt.Add(e.window)
	fix.Status = model.FixStatusApplied
	fix.AppliedAt = &appliedAt
	fix.RollbackDeadline = &deadline
	fix.ErrorCode, fix.ErrorMessage, fix.Retryable = "", "", false

	event := &model.FixEvent{
		ID:           e.newID(),
		FixID:        fix.ID,
		ConnectionID: fix.ConnectionID,
		Kind:         model.FixEventApplied,
		State:        fix.AfterState,
		CreatedAt:    appliedAt,
	}
	if err := e.fixes.MarkApplied(ctx, fix, event); err != nil {
		// CMSには適用済みの可能性がある。クレームは残し、クリーンアップで結果不明の失敗として閉じる
		return e.recordError(s, fix, out, err)
	}

	e.metrics.FixApplied(string(s.adapter.Platform()))
	e.logger.Info("修正を適用しました",
		slog.String("fix_id", fix.ID),
		slog.String("issue_id", fix.IssueID),
		slog.String("connection_id", fix.ConnectionID),
		slog.String("field", fix.Field),
		slog.Float64("duration_ms", float64(e.now().Sub(start).Milliseconds())),
	)
	out.Status = OutcomeApplied
	return out
}

// fail は修正をFAILEDとして記録し、失敗の結果を返す。
func (e *Engine) fail(ctx context.Context, s *session, fix *model.Fix, out Outcome, code, message string, retryable bool) Outcome {
	fix.Status = model.FixStatusFailed
	fix.ErrorCode = code
	fix.ErrorMessage = message
	fix.Retryable = retryable

	event := &model.FixEvent{
		ID:           e.newID(),
		FixID:        fix.ID,
		ConnectionID: fix.ConnectionID,
		Kind:         model.FixEventFailed,
		Detail:       fmt.Sprintf("%s: %s", code, message),
		CreatedAt:    e.now(),
	}
	if err := e.fixes.MarkFailed(ctx, fix, event); err != nil {
		e.logger.Error("修正の失敗記録に失敗しました",
			slog.String("fix_id", fix.ID),
			slog.String("error", err.Error()),
		)
	}

	e.metrics.FixFailed(string(s.conn.Platform), code)
	e.logger.Warn("修正の適用に失敗しました",
		slog.String("fix_id", fix.ID),
		slog.String("issue_id", fix.IssueID),
		slog.String("error_code", code),
		slog.Bool("retryable", retryable),
		slog.String("error", message),
	)

	out.Status = OutcomeFailed
	out.ErrorCode = code
	out.Error = message
	out.Retryable = retryable
	return out
}

// recordError はCMS適用後に結果を保存できなかった場合の結果を返す。
func (e *Engine) recordError(s *session, fix *model.Fix, out Outcome, err error) Outcome {
	e.logger.Error("適用結果の記録に失敗しました",
		slog.String("fix_id", fix.ID),
		slog.String("connection_id", s.conn.ID),
		slog.String("error", err.Error()),
	)
	e.metrics.FixFailed(string(s.conn.Platform), model.ErrCodeInternal)
	out.Status = OutcomeFailed
	out.ErrorCode = model.ErrCodeInternal
	out.Error = err.Error()
	return out
}

func (e *Engine) refund(ctx context.Context, userID, period string, limit int) {
	if limit <= 0 {
		return
	}
	if err := e.quota.Refund(ctx, userID, period); err != nil {
		e.logger.Error("クォータの返却に失敗しました",
			slog.String("user_id", userID),
			slog.String("period", period),
			slog.String("error", err.Error()),
		)
	}
}
