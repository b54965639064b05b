// Package policy は接続の実行モードとクォータから修正の実行経路を決定する。
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/seopilot/internal/model"
)

// Decision は修正の実行経路。
type Decision string

const (
	// DecisionApplyNow は即時適用する。
	DecisionApplyNow Decision = "APPLY_NOW"
	// DecisionStageForPlan は一括承認用にステージする。
	DecisionStageForPlan Decision = "STAGE_FOR_PLAN"
	// DecisionStageForApproval は個別承認用にステージする。
	DecisionStageForApproval Decision = "STAGE_FOR_APPROVAL"
)

// QuotaReader は請求期間の適用数を参照する。
type QuotaReader interface {
	Used(ctx context.Context, userID, period string) (int, error)
}

// Input は分類対象の修正案と実行コンテキスト。
type Input struct {
	Mode      model.ExecutionMode
	Issue     *model.Issue
	Candidate *model.Fix
	UserID    string
}

// Policy は修正案を実行経路に分類する。
// 判定は読み取りのみで、クォータの消費は適用時にエンジンが行う。
type Policy struct {
	quota  QuotaReader
	limit  int
	rule   *RuleEvaluator
	logger *slog.Logger
	now    func() time.Time
}

// New は新しいPolicyを生成する。limitが0以下の場合はクォータを確認しない。
// ruleがnilの場合はAUTOMATICモードの修正をすべて即時適用する。
func New(quota QuotaReader, limit int, rule *RuleEvaluator, logger *slog.Logger) *Policy {
	return &Policy{
		quota:  quota,
		limit:  limit,
		rule:   rule,
		logger: logger,
		now:    time.Now,
	}
}

// Period は請求期間（UTCの年月）を返す。
func Period(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Limit は請求期間あたりの適用上限を返す。
func (p *Policy) Limit() int {
	return p.limit
}

// Classify は修正案の実行経路を決定する。
// 即時適用でクォータを使い切っている場合はQUOTA_EXHAUSTEDを返す。
// ステージする修正ではクォータを確認しない。
func (p *Policy) Classify(ctx context.Context, in Input) (Decision, error) {
	decision := p.decide(in)
	if decision != DecisionApplyNow {
		return decision, nil
	}
	if err := p.CheckQuota(ctx, in.UserID); err != nil {
		return "", err
	}
	return DecisionApplyNow, nil
}

// CheckQuota は今期のクォータが残っているかを確認する。
func (p *Policy) CheckQuota(ctx context.Context, userID string) error {
	if p.limit <= 0 || p.quota == nil {
		return nil
	}
	used, err := p.quota.Used(ctx, userID, Period(p.now()))
	if err != nil {
		return fmt.Errorf("クォータの取得に失敗しました: %w", err)
	}
	if used >= p.limit {
		return model.NewQuotaExhaustedError(p.limit)
	}
	return nil
}

func (p *Policy) decide(in Input) Decision {
	switch in.Mode {
	case model.ExecutionModeAutomatic:
		if p.rule == nil {
			return DecisionApplyNow
		}
		ok, err := p.rule.Allow(in.Issue, in.Candidate)
		if err != nil {
			p.logger.Warn("自動適用ルールの評価に失敗したため個別承認にします",
				slog.String("rule", p.rule.String()),
				slog.String("error", err.Error()),
			)
			return DecisionStageForApproval
		}
		if !ok {
			return DecisionStageForApproval
		}
		return DecisionApplyNow
	case model.ExecutionModePlan:
		return DecisionStageForPlan
	case model.ExecutionModeApprove:
		return DecisionStageForApproval
	default:
		p.logger.Warn("未知の実行モードのため個別承認にします", slog.String("mode", string(in.Mode)))
		return DecisionStageForApproval
	}
}
