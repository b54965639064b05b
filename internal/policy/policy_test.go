package policy

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/seopilot/internal/model"
)

type mockQuota struct {
	usedFn func(ctx context.Context, userID, period string) (int, error)
	calls  int
}

func (m *mockQuota) Used(ctx context.Context, userID, period string) (int, error) {
	m.calls++
	return m.usedFn(ctx, userID, period)
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, nil))
}

func TestClassify_ModeMapping(t *testing.T) {
	quota := &mockQuota{usedFn: func(context.Context, string, string) (int, error) { return 0, nil }}
	var buf bytes.Buffer
	p := New(quota, 10, nil, newTestLogger(&buf))

	tests := []struct {
		mode model.ExecutionMode
		want Decision
	}{
		{model.ExecutionModeAutomatic, DecisionApplyNow},
		{model.ExecutionModePlan, DecisionStageForPlan},
		{model.ExecutionModeApprove, DecisionStageForApproval},
		{model.ExecutionMode("SOMETHING"), DecisionStageForApproval},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			got, err := p.Classify(context.Background(), Input{Mode: tt.mode, UserID: "u1"})
			if err != nil {
				t.Fatalf("Classify がエラーを返した: %v", err)
			}
			if got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestClassify_QuotaExhaustedOnlyForApplyNow(t *testing.T) {
	quota := &mockQuota{usedFn: func(context.Context, string, string) (int, error) { return 5, nil }}
	var buf bytes.Buffer
	p := New(quota, 5, nil, newTestLogger(&buf))

	_, err := p.Classify(context.Background(), Input{Mode: model.ExecutionModeAutomatic, UserID: "u1"})
	if !model.HasCode(err, model.ErrCodeQuotaExhausted) {
		t.Fatalf("err = %v, want QUOTA_EXHAUSTED", err)
	}

	// ステージ時はクォータを確認しない
	quota.calls = 0
	for _, mode := range []model.ExecutionMode{model.ExecutionModePlan, model.ExecutionModeApprove} {
		d, err := p.Classify(context.Background(), Input{Mode: mode, UserID: "u1"})
		if err != nil {
			t.Errorf("mode=%s でエラー: %v", mode, err)
		}
		if d == DecisionApplyNow {
			t.Errorf("mode=%s で即時適用になった", mode)
		}
	}
	if quota.calls != 0 {
		t.Errorf("ステージ時にクォータが参照された: %d回", quota.calls)
	}
}

func TestCheckQuota_UsesUTCPeriod(t *testing.T) {
	var gotPeriod string
	quota := &mockQuota{usedFn: func(_ context.Context, _ string, period string) (int, error) {
		gotPeriod = period
		return 0, nil
	}}
	var buf bytes.Buffer
	p := New(quota, 1, nil, newTestLogger(&buf))
	jst := time.FixedZone("JST", 9*60*60)
	p.now = func() time.Time { return time.Date(2026, 11, 1, 3, 0, 0, 0, jst) }

	if err := p.CheckQuota(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	if gotPeriod != "2026-10" {
		t.Errorf("period = %s, want 2026-10", gotPeriod)
	}
}

func TestCheckQuota_Unlimited(t *testing.T) {
	quota := &mockQuota{usedFn: func(context.Context, string, string) (int, error) { return 1000, nil }}
	var buf bytes.Buffer
	p := New(quota, 0, nil, newTestLogger(&buf))

	if err := p.CheckQuota(context.Background(), "u1"); err != nil {
		t.Errorf("上限0は無制限として扱うべき: %v", err)
	}
	if quota.calls != 0 {
		t.Error("無制限の場合はクォータを参照しないべき")
	}
}

func TestCheckQuota_RepositoryError(t *testing.T) {
	quota := &mockQuota{usedFn: func(context.Context, string, string) (int, error) { return 0, errors.New("db down") }}
	var buf bytes.Buffer
	p := New(quota, 3, nil, newTestLogger(&buf))

	err := p.CheckQuota(context.Background(), "u1")
	if err == nil || model.HasCode(err, model.ErrCodeQuotaExhausted) {
		t.Errorf("err = %v, want wrapped repository error", err)
	}
}

func TestClassify_RuleDowngradesAutomatic(t *testing.T) {
	rule, err := NewRuleEvaluator(`issue.severity in ['critical', 'high']`)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	p := New(nil, 0, rule, newTestLogger(&buf))

	high := &model.Issue{Type: "missing-title", Severity: model.SeverityHigh}
	low := &model.Issue{Type: "missing-title", Severity: model.SeverityLow}

	d, err := p.Classify(context.Background(), Input{Mode: model.ExecutionModeAutomatic, Issue: high})
	if err != nil || d != DecisionApplyNow {
		t.Errorf("high: Classify() = %s, %v, want APPLY_NOW", d, err)
	}
	d, err = p.Classify(context.Background(), Input{Mode: model.ExecutionModeAutomatic, Issue: low})
	if err != nil || d != DecisionStageForApproval {
		t.Errorf("low: Classify() = %s, %v, want STAGE_FOR_APPROVAL", d, err)
	}
}

func TestClassify_RuleErrorStagesAndLogs(t *testing.T) {
	rule, err := NewRuleEvaluator(`fix.missing_key == 'x'`)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	p := New(nil, 0, rule, newTestLogger(&buf))

	d, err := p.Classify(context.Background(), Input{
		Mode:      model.ExecutionModeAutomatic,
		Candidate: &model.Fix{Field: "meta_title"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if d != DecisionStageForApproval {
		t.Errorf("Classify() = %s, want STAGE_FOR_APPROVAL", d)
	}
	if !strings.Contains(buf.String(), "自動適用ルールの評価に失敗") {
		t.Errorf("警告ログが出力されていない: %s", buf.String())
	}
}

func TestNewRuleEvaluator(t *testing.T) {
	r, err := NewRuleEvaluator("")
	if err != nil || r != nil {
		t.Errorf("空の式は nil, nil を返すべき: %v, %v", r, err)
	}

	if _, err := NewRuleEvaluator("issue.severity ==="); err == nil {
		t.Error("構文エラーでエラーが返されるべき")
	}
	if _, err := NewRuleEvaluator("1 + 2"); err == nil {
		t.Error("bool以外を返す式はエラーになるべき")
	}
	if _, err := NewRuleEvaluator("unknown_var == 1"); err == nil {
		t.Error("未定義の変数はエラーになるべき")
	}
}

func TestRuleEvaluator_Allow(t *testing.T) {
	r, err := NewRuleEvaluator(`fix.field != 'canonical_url' && issue.page_url.startsWith('https://')`)
	if err != nil {
		t.Fatal(err)
	}

	ok, err := r.Allow(&model.Issue{PageURL: "https://example.com"}, &model.Fix{Field: "meta_title"})
	if err != nil || !ok {
		t.Errorf("Allow() = %v, %v, want true", ok, err)
	}
	ok, err = r.Allow(&model.Issue{PageURL: "https://example.com"}, &model.Fix{Field: "canonical_url"})
	if err != nil || ok {
		t.Errorf("Allow() = %v, %v, want false", ok, err)
	}
}

func TestPeriod(t *testing.T) {
	if got := Period(time.Date(2026, 1, 31, 23, 59, 0, 0, time.UTC)); got != "2026-01" {
		t.Errorf("Period() = %s", got)
	}
}
