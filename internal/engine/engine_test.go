package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/seopilot/internal/cms"
	"github.com/hitoshi/seopilot/internal/model"
	"github.com/hitoshi/seopilot/internal/policy"
	"github.com/hitoshi/seopilot/internal/remediation"
	"github.com/hitoshi/seopilot/internal/repository/repotest"
)

// fakeAdapter はフィールド値をメモリに保持するCMSアダプタ。
type fakeAdapter struct {
	mu     sync.Mutex
	values map[string]string

	applyFn func(target cms.Target, change cms.Change) error
	readFn  func(target cms.Target) error

	reads   atomic.Int32
	applies atomic.Int32
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{values: make(map[string]string)}
}

func (a *fakeAdapter) key(t cms.Target) string {
	return t.ResourceRef + "|" + t.Field
}

func (a *fakeAdapter) set(ref, field, value string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.values[ref+"|"+field] = value
}

func (a *fakeAdapter) get(ref, field string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.values[ref+"|"+field]
	return v, ok
}

func (a *fakeAdapter) Platform() model.Platform { return model.PlatformShopify }

func (a *fakeAdapter) Read(_ context.Context, target cms.Target) (*cms.Snapshot, error) {
	a.reads.Add(1)
	if a.readFn != nil {
		if err := a.readFn(target); err != nil {
			return nil, err
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.values[a.key(target)]
	return &cms.Snapshot{
		Platform:    model.PlatformShopify,
		ResourceRef: target.ResourceRef,
		PageURL:     target.PageURL,
		Field:       target.Field,
		Value:       v,
		Exists:      ok,
	}, nil
}

func (a *fakeAdapter) Apply(_ context.Context, target cms.Target, change cms.Change) (*cms.ApplyResult, error) {
	a.applies.Add(1)
	if a.applyFn != nil {
		if err := a.applyFn(target, change); err != nil {
			return nil, err
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if change.Clear {
		delete(a.values, a.key(target))
	} else {
		a.values[a.key(target)] = change.Value
	}
	return &cms.ApplyResult{Acknowledged: true}, nil
}

type fakeResolver struct {
	adapter cms.Adapter
}

func (r fakeResolver) Resolve(*model.Connection) (cms.Adapter, error) {
	return r.adapter, nil
}

type testEnv struct {
	store   *repotest.Store
	adapter *fakeAdapter
	engine  *Engine
	logs    *bytes.Buffer
}

const (
	testUser = "user-1"
	testConn = "conn-1"
)

func newTestEnv(t *testing.T, mode model.ExecutionMode, quotaLimit int) *testEnv {
	t.Helper()
	catalog, err := remediation.Default()
	if err != nil {
		t.Fatalf("カタログの読み込みに失敗: %v", err)
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	store := repotest.New()
	store.AddConnection(&model.Connection{
		ID:            testConn,
		UserID:        testUser,
		Platform:      model.PlatformShopify,
		SiteURL:       "https://shop.example.com",
		ExecutionMode: mode,
	})
	adapter := newFakeAdapter()

	e := New(Deps{
		Connections: store.Connections(),
		Issues:      store.Issues(),
		Fixes:       store.FixRepo(),
		Quota:       store.Quota(),
		Adapters:    fakeResolver{adapter: adapter},
		Catalog:     catalog,
		Policy:      policy.New(store.Quota(), quotaLimit, nil, logger),
		Logger:      logger,
	}, Config{BatchConcurrency: 2})

	return &testEnv{store: store, adapter: adapter, engine: e, logs: &buf}
}

func (env *testEnv) addIssue(id string, severity model.Severity, detectedAt time.Time) {
	env.store.AddIssue(&model.Issue{
		ID:             id,
		ConnectionID:   testConn,
		Type:           "missing-meta-description",
		Severity:       severity,
		PageURL:        "https://shop.example.com/products/" + id,
		ResourceRef:    "products/" + id,
		Recommendation: "New description for " + id,
		DetectedAt:     detectedAt,
	})
}

func (env *testEnv) pendingFixID(t *testing.T, issueID string) string {
	t.Helper()
	fix, err := env.store.FixRepo().FindPendingByIssue(context.Background(), issueID)
	if err != nil || fix == nil {
		t.Fatalf("Issue %s の適用待ち修正がない: %v", issueID, err)
	}
	return fix.ID
}

func TestExecuteFixes_AutomaticAppliesImmediately(t *testing.T) {
	env := newTestEnv(t, model.ExecutionModeAutomatic, 0)
	env.addIssue("1", model.SeverityHigh, time.Now())

	result, err := env.engine.ExecuteFixes(context.Background(), testConn, testUser, nil)
	if err != nil {
		t.Fatalf("ExecuteFixes がエラーを返した: %v", err)
	}
	if result.FixesApplied != 1 || result.FixesFailed != 0 {
		t.Fatalf("applied=%d failed=%d, want 1/0", result.FixesApplied, result.FixesFailed)
	}

	fix := env.store.Fix(result.Outcomes[0].FixID)
	if fix.Status != model.FixStatusApplied {
		t.Errorf("Fix.Status = %s, want APPLIED", fix.Status)
	}
	if issue := env.store.Issue("1"); issue.Status != model.IssueStatusFixed {
		t.Errorf("Issue.Status = %s, want FIXED", issue.Status)
	}
	if fix.AppliedAt == nil || fix.RollbackDeadline == nil {
		t.Fatal("AppliedAt と RollbackDeadline が設定されていない")
	}
	if got := fix.RollbackDeadline.Sub(*fix.AppliedAt); got != 90*24*time.Hour {
		t.Errorf("期限までの期間 = %v, want 90日", got)
	}
	if fix.BeforeState == nil || fix.AfterState == nil {
		t.Fatal("BeforeState と AfterState が保存されていない")
	}

	before, err := cms.UnmarshalSnapshot(fix.BeforeState)
	if err != nil {
		t.Fatalf("BeforeState の解析に失敗: %v", err)
	}
	if before.Exists {
		t.Error("適用前は値が存在しなかったはず")
	}
	after, err := cms.UnmarshalSnapshot(fix.AfterState)
	if err != nil {
		t.Fatalf("AfterState の解析に失敗: %v", err)
	}
	if after.Value != "New description for 1" {
		t.Errorf("AfterState.Value = %q", after.Value)
	}
	if v, _ := env.adapter.get("products/1", cms.FieldMetaDescription); v != "New description for 1" {
		t.Errorf("CMSの値 = %q", v)
	}

	events := env.store.Events(fix.ID)
	if len(events) != 1 || events[0].Kind != model.FixEventApplied {
		t.Errorf("監査イベント = %+v, want applied 1件", events)
	}
}

func TestExecuteFixes_ApproveModeStagesWithoutCMSCalls(t *testing.T) {
	env := newTestEnv(t, model.ExecutionModeApprove, 0)
	now := time.Now()
	for i, id := range []string{"1", "2", "3"} {
		env.addIssue(id, model.SeverityMedium, now.Add(-time.Duration(i)*time.Hour))
	}

	result, err := env.engine.ExecuteFixes(context.Background(), testConn, testUser, nil)
	if err != nil {
		t.Fatalf("ExecuteFixes がエラーを返した: %v", err)
	}
	if result.FixesStaged != 3 || result.FixesApplied != 0 {
		t.Fatalf("staged=%d applied=%d, want 3/0", result.FixesStaged, result.FixesApplied)
	}
	if n := env.adapter.reads.Load() + env.adapter.applies.Load(); n != 0 {
		t.Fatalf("CMS呼び出し回数 = %d, want 0", n)
	}
	for _, id := range []string{"1", "2", "3"} {
		if issue := env.store.Issue(id); issue.Status != model.IssueStatusDetected {
			t.Errorf("Issue %s の状態 = %s, want DETECTED", id, issue.Status)
		}
	}

	fixID := env.pendingFixID(t, "2")
	res, err := env.engine.ApproveFix(context.Background(), fixID, testUser)
	if err != nil {
		t.Fatalf("ApproveFix がエラーを返した: %v", err)
	}
	if !res.Success {
		t.Fatalf("ApproveFix 失敗: %+v", res)
	}
	if n := env.adapter.applies.Load(); n != 1 {
		t.Errorf("Apply 呼び出し回数 = %d, want 1", n)
	}
	if env.store.Fix(fixID).Status != model.FixStatusApplied {
		t.Error("承認した修正がAPPLIEDになっていない")
	}
	for _, id := range []string{"1", "3"} {
		if env.store.Fix(env.pendingFixID(t, id)).Status != model.FixStatusPending {
			t.Errorf("Issue %s の修正はPENDINGのままであるべき", id)
		}
	}
}

func TestExecuteFixes_StagingIsIdempotent(t *testing.T) {
	env := newTestEnv(t, model.ExecutionModePlan, 0)
	env.addIssue("1", model.SeverityLow, time.Now())

	first, err := env.engine.ExecuteFixes(context.Background(), testConn, testUser, nil)
	if err != nil {
		t.Fatalf("1回目がエラーを返した: %v", err)
	}
	second, err := env.engine.ExecuteFixes(context.Background(), testConn, testUser, nil)
	if err != nil {
		t.Fatalf("2回目がエラーを返した: %v", err)
	}
	if first.Outcomes[0].FixID != second.Outcomes[0].FixID {
		t.Error("同じIssueの適用待ち修正は再利用されるべき")
	}
	if n := len(env.store.Fixes()); n != 1 {
		t.Errorf("修正の件数 = %d, want 1", n)
	}
}

func TestApprovePlan_IsolatesFailures(t *testing.T) {
	env := newTestEnv(t, model.ExecutionModePlan, 0)
	now := time.Now()
	ids := []string{"1", "2", "3", "4", "5"}
	for i, id := range ids {
		env.addIssue(id, model.SeverityHigh, now.Add(-time.Duration(i)*time.Minute))
	}
	if _, err := env.engine.ExecuteFixes(context.Background(), testConn, testUser, nil); err != nil {
		t.Fatalf("ExecuteFixes がエラーを返した: %v", err)
	}

	env.adapter.applyFn = func(target cms.Target, _ cms.Change) error {
		if target.ResourceRef == "products/3" {
			return cms.NewError(cms.KindValidationRejected, model.PlatformShopify, "apply", "value rejected")
		}
		return nil
	}

	result, err := env.engine.ApprovePlan(context.Background(), testConn, testUser)
	if err != nil {
		t.Fatalf("ApprovePlan がエラーを返した: %v", err)
	}
	if result.FixesApplied != 4 || result.FixesFailed != 1 {
		t.Fatalf("applied=%d failed=%d, want 4/1", result.FixesApplied, result.FixesFailed)
	}
	if len(result.Outcomes) != 5 {
		t.Fatalf("結果の件数 = %d, want 5", len(result.Outcomes))
	}
	// 検出日時の新しい順
	for i, id := range ids {
		if result.Outcomes[i].IssueID != id {
			t.Errorf("Outcomes[%d].IssueID = %s, want %s", i, result.Outcomes[i].IssueID, id)
		}
	}

	for _, o := range result.Outcomes {
		fix := env.store.Fix(o.FixID)
		if o.IssueID == "3" {
			if fix.Status != model.FixStatusFailed {
				t.Errorf("修正#3の状態 = %s, want FAILED", fix.Status)
			}
			if fix.ErrorCode != model.ErrCodeCMSValidationRejected || fix.ErrorMessage == "" {
				t.Errorf("失敗理由が記録されていない: code=%q message=%q", fix.ErrorCode, fix.ErrorMessage)
			}
			if fix.Retryable {
				t.Error("ValidationRejected はリトライ不可")
			}
			if fix.RollbackDeadline != nil {
				t.Error("FAILEDの修正にロールバック期限は設定しない")
			}
			if issue := env.store.Issue("3"); issue.Status != model.IssueStatusDetected {
				t.Errorf("Issue#3 の状態 = %s, want DETECTED", issue.Status)
			}
			continue
		}
		if fix.Status != model.FixStatusApplied {
			t.Errorf("修正 %s の状態 = %s, want APPLIED", o.IssueID, fix.Status)
		}
	}
}

func TestApprovePlan_EmptyPlan(t *testing.T) {
	env := newTestEnv(t, model.ExecutionModePlan, 0)

	result, err := env.engine.ApprovePlan(context.Background(), testConn, testUser)
	if err != nil {
		t.Fatalf("ApprovePlan がエラーを返した: %v", err)
	}
	if result.FixesApplied != 0 || len(result.Outcomes) != 0 {
		t.Errorf("空の計画の結果 = %+v", result)
	}
}

func TestExecuteFixes_ConcurrentCallOnSameIssue(t *testing.T) {
	env := newTestEnv(t, model.ExecutionModeAutomatic, 0)
	env.addIssue("1", model.SeverityCritical, time.Now())

	entered := make(chan struct{})
	release := make(chan struct{})
	env.adapter.applyFn = func(cms.Target, cms.Change) error {
		close(entered)
		<-release
		return nil
	}

	type res struct {
		result *BatchResult
		err    error
	}
	done := make(chan res, 1)
	go func() {
		r, err := env.engine.ExecuteFixes(context.Background(), testConn, testUser, []string{"1"})
		done <- res{r, err}
	}()

	<-entered
	second, err := env.engine.ExecuteFixes(context.Background(), testConn, testUser, []string{"1"})
	if err != nil {
		t.Fatalf("2回目がエラーを返した: %v", err)
	}
	close(release)
	first := <-done
	if first.err != nil {
		t.Fatalf("1回目がエラーを返した: %v", first.err)
	}

	if first.result.FixesApplied != 1 {
		t.Errorf("1回目の適用数 = %d, want 1", first.result.FixesApplied)
	}
	if second.InProgress != 1 || second.FixesApplied != 0 {
		t.Errorf("2回目の結果 = %+v, want in_progress 1", second)
	}
	if second.Outcomes[0].ErrorCode != model.ErrCodeFixAlreadyInProgress {
		t.Errorf("ErrorCode = %q, want %q", second.Outcomes[0].ErrorCode, model.ErrCodeFixAlreadyInProgress)
	}
	if n := env.adapter.applies.Load(); n != 1 {
		t.Errorf("Apply 呼び出し回数 = %d, want 1", n)
	}
}

func TestExecuteFixes_RaceAppliesOnce(t *testing.T) {
	env := newTestEnv(t, model.ExecutionModeAutomatic, 0)
	env.addIssue("1", model.SeverityHigh, time.Now())

	const callers = 8
	var (
		wg      sync.WaitGroup
		applied atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := env.engine.ExecuteFixes(context.Background(), testConn, testUser, []string{"1"})
			if err != nil {
				t.Errorf("ExecuteFixes がエラーを返した: %v", err)
				return
			}
			applied.Add(int32(r.FixesApplied))
		}()
	}
	wg.Wait()

	if applied.Load() != 1 {
		t.Errorf("適用された合計 = %d, want 1", applied.Load())
	}
	if n := env.adapter.applies.Load(); n != 1 {
		t.Errorf("Apply 呼び出し回数 = %d, want 1", n)
	}
	if n := len(env.store.Fixes()); n != 1 {
		t.Errorf("修正の件数 = %d, want 1", n)
	}
}

func TestApproveFix_SecondCallIsAlreadyProcessed(t *testing.T) {
	env := newTestEnv(t, model.ExecutionModeApprove, 0)
	env.addIssue("1", model.SeverityHigh, time.Now())
	if _, err := env.engine.ExecuteFixes(context.Background(), testConn, testUser, nil); err != nil {
		t.Fatalf("ExecuteFixes がエラーを返した: %v", err)
	}
	fixID := env.pendingFixID(t, "1")

	if res, err := env.engine.ApproveFix(context.Background(), fixID, testUser); err != nil || !res.Success {
		t.Fatalf("1回目の ApproveFix が失敗: res=%+v err=%v", res, err)
	}
	calls := env.adapter.applies.Load() + env.adapter.reads.Load()

	_, err := env.engine.ApproveFix(context.Background(), fixID, testUser)
	if !model.HasCode(err, model.ErrCodeFixAlreadyProcessed) {
		t.Fatalf("2回目のエラー = %v, want %s", err, model.ErrCodeFixAlreadyProcessed)
	}
	if got := env.adapter.applies.Load() + env.adapter.reads.Load(); got != calls {
		t.Errorf("2回目でCMSが呼び出された: %d -> %d", calls, got)
	}
}

func TestApproveFix_Preconditions(t *testing.T) {
	env := newTestEnv(t, model.ExecutionModeApprove, 0)
	env.addIssue("1", model.SeverityHigh, time.Now())
	if _, err := env.engine.ExecuteFixes(context.Background(), testConn, testUser, nil); err != nil {
		t.Fatalf("ExecuteFixes がエラーを返した: %v", err)
	}
	fixID := env.pendingFixID(t, "1")

	tests := []struct {
		name     string
		fixID    string
		userID   string
		wantCode string
	}{
		{"存在しない修正", "missing", testUser, model.ErrCodeFixNotFound},
		{"他のユーザー", fixID, "intruder", model.ErrCodeNotAuthorized},
		{"ユーザーなし", fixID, "", model.ErrCodeNotAuthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.engine.ApproveFix(context.Background(), tt.fixID, tt.userID)
			if !model.HasCode(err, tt.wantCode) {
				t.Errorf("err = %v, want %s", err, tt.wantCode)
			}
		})
	}
	if n := env.adapter.applies.Load(); n != 0 {
		t.Errorf("Apply 呼び出し回数 = %d, want 0", n)
	}
}

func TestExecuteFixes_Authorization(t *testing.T) {
	env := newTestEnv(t, model.ExecutionModeAutomatic, 0)

	_, err := env.engine.ExecuteFixes(context.Background(), "unknown", testUser, nil)
	if !model.HasCode(err, model.ErrCodeConnectionNotFound) {
		t.Errorf("存在しない接続: err = %v", err)
	}
	_, err = env.engine.ExecuteFixes(context.Background(), testConn, "someone-else", nil)
	if !model.HasCode(err, model.ErrCodeNotAuthorized) {
		t.Errorf("他人の接続: err = %v", err)
	}
}

func TestExecuteFixes_QuotaRefundedOnFailure(t *testing.T) {
	env := newTestEnv(t, model.ExecutionModeAutomatic, 10)
	env.addIssue("1", model.SeverityHigh, time.Now())
	env.adapter.applyFn = func(cms.Target, cms.Change) error {
		return cms.NewError(cms.KindTransient, model.PlatformShopify, "apply", "502 bad gateway")
	}

	result, err := env.engine.ExecuteFixes(context.Background(), testConn, testUser, nil)
	if err != nil {
		t.Fatalf("ExecuteFixes がエラーを返した: %v", err)
	}
	if result.FixesFailed != 1 {
		t.Fatalf("failed = %d, want 1", result.FixesFailed)
	}
	o := result.Outcomes[0]
	if o.ErrorCode != model.ErrCodeCMSTransient || !o.Retryable {
		t.Errorf("Outcome = %+v, want CMS_TRANSIENT retryable", o)
	}
	if ids := result.RetryableFixIDs(); len(ids) != 1 || ids[0] != o.FixID {
		t.Errorf("RetryableFixIDs() = %v", ids)
	}
	if used := env.store.QuotaUsed(testUser, policy.Period(time.Now())); used != 0 {
		t.Errorf("失敗後のクォータ使用量 = %d, want 0", used)
	}
	if issue := env.store.Issue("1"); issue.Status != model.IssueStatusDetected {
		t.Errorf("Issue.Status = %s, want DETECTED", issue.Status)
	}
}

func TestExecuteFixes_QuotaConsumedOnSuccess(t *testing.T) {
	env := newTestEnv(t, model.ExecutionModeAutomatic, 10)
	env.addIssue("1", model.SeverityHigh, time.Now())
	env.addIssue("2", model.SeverityLow, time.Now())

	if _, err := env.engine.ExecuteFixes(context.Background(), testConn, testUser, nil); err != nil {
		t.Fatalf("ExecuteFixes がエラーを返した: %v", err)
	}
	if used := env.store.QuotaUsed(testUser, policy.Period(time.Now())); used != 2 {
		t.Errorf("クォータ使用量 = %d, want 2", used)
	}
}

func TestExecuteFixes_StagingDoesNotConsumeQuota(t *testing.T) {
	env := newTestEnv(t, model.ExecutionModePlan, 1)
	period := policy.Period(time.Now())
	env.store.SetQuotaUsed(testUser, period, 1)
	env.addIssue("1", model.SeverityHigh, time.Now())
	env.addIssue("2", model.SeverityHigh, time.Now())

	result, err := env.engine.ExecuteFixes(context.Background(), testConn, testUser, nil)
	if err != nil {
		t.Fatalf("ExecuteFixes がエラーを返した: %v", err)
	}
	if result.FixesStaged != 2 || result.Rejected != 0 {
		t.Errorf("staged=%d rejected=%d, want 2/0", result.FixesStaged, result.Rejected)
	}
	if used := env.store.QuotaUsed(testUser, period); used != 1 {
		t.Errorf("クォータ使用量 = %d, want 1", used)
	}
}

func TestExecuteFixes_QuotaExhaustedRejects(t *testing.T) {
	env := newTestEnv(t, model.ExecutionModeAutomatic, 3)
	env.store.SetQuotaUsed(testUser, policy.Period(time.Now()), 3)
	env.addIssue("1", model.SeverityHigh, time.Now())

	result, err := env.engine.ExecuteFixes(context.Background(), testConn, testUser, nil)
	if err != nil {
		t.Fatalf("ExecuteFixes がエラーを返した: %v", err)
	}
	if result.Rejected != 1 {
		t.Fatalf("rejected = %d, want 1", result.Rejected)
	}
	if code := result.Outcomes[0].ErrorCode; code != model.ErrCodeQuotaExhausted {
		t.Errorf("ErrorCode = %q, want QUOTA_EXHAUSTED", code)
	}
	if n := len(env.store.Fixes()); n != 0 {
		t.Errorf("修正の件数 = %d, want 0", n)
	}
	if n := env.adapter.applies.Load(); n != 0 {
		t.Errorf("Apply 呼び出し回数 = %d, want 0", n)
	}
	if issue := env.store.Issue("1"); issue.Status != model.IssueStatusDetected {
		t.Errorf("Issue.Status = %s, want DETECTED", issue.Status)
	}
}

func TestApprovePlan_QuotaExhaustedDuringBatch(t *testing.T) {
	env := newTestEnv(t, model.ExecutionModePlan, 2)
	now := time.Now()
	for i, id := range []string{"1", "2", "3"} {
		env.addIssue(id, model.SeverityHigh, now.Add(-time.Duration(i)*time.Minute))
	}
	if _, err := env.engine.ExecuteFixes(context.Background(), testConn, testUser, nil); err != nil {
		t.Fatalf("ExecuteFixes がエラーを返した: %v", err)
	}
	env.engine.concurrency = 1

	result, err := env.engine.ApprovePlan(context.Background(), testConn, testUser)
	if err != nil {
		t.Fatalf("ApprovePlan がエラーを返した: %v", err)
	}
	if result.FixesApplied != 2 || result.Rejected != 1 {
		t.Fatalf("applied=%d rejected=%d, want 2/1", result.FixesApplied, result.Rejected)
	}
	last := env.store.Fix(result.Outcomes[2].FixID)
	if last.Status != model.FixStatusFailed || last.ErrorCode != model.ErrCodeQuotaExhausted {
		t.Errorf("3件目 = %s/%s, want FAILED/QUOTA_EXHAUSTED", last.Status, last.ErrorCode)
	}
}

func TestExecuteFixes_ValidationFailsBeforeCMS(t *testing.T) {
	env := newTestEnv(t, model.ExecutionModeAutomatic, 0)
	env.store.AddIssue(&model.Issue{
		ID:             "1",
		ConnectionID:   testConn,
		Type:           "missing-title",
		Severity:       model.SeverityHigh,
		ResourceRef:    "products/1",
		Recommendation: string(bytes.Repeat([]byte("a"), 71)),
		DetectedAt:     time.Now(),
	})

	result, err := env.engine.ExecuteFixes(context.Background(), testConn, testUser, nil)
	if err != nil {
		t.Fatalf("ExecuteFixes がエラーを返した: %v", err)
	}
	if result.FixesFailed != 1 {
		t.Fatalf("failed = %d, want 1", result.FixesFailed)
	}
	if code := result.Outcomes[0].ErrorCode; code != model.ErrCodeCMSValidationRejected {
		t.Errorf("ErrorCode = %q", code)
	}
	if n := env.adapter.reads.Load() + env.adapter.applies.Load(); n != 0 {
		t.Errorf("CMS呼び出し回数 = %d, want 0", n)
	}
}

func TestExecuteFixes_SanitizesProposedValue(t *testing.T) {
	env := newTestEnv(t, model.ExecutionModeAutomatic, 0)
	env.store.AddIssue(&model.Issue{
		ID:             "1",
		ConnectionID:   testConn,
		Type:           "missing-meta-description",
		Severity:       model.SeverityHigh,
		ResourceRef:    "products/1",
		Recommendation: "  <b>Organic</b>   cotton &amp; linen ",
		DetectedAt:     time.Now(),
	})

	if _, err := env.engine.ExecuteFixes(context.Background(), testConn, testUser, nil); err != nil {
		t.Fatalf("ExecuteFixes がエラーを返した: %v", err)
	}
	if v, _ := env.adapter.get("products/1", cms.FieldMetaDescription); v != "Organic cotton & linen" {
		t.Errorf("CMSの値 = %q", v)
	}
}

func TestExecuteFixes_SkipsUnsupportedAndMissingIssues(t *testing.T) {
	env := newTestEnv(t, model.ExecutionModeAutomatic, 0)
	env.store.AddIssue(&model.Issue{
		ID:           "broken-link",
		ConnectionID: testConn,
		Type:         "broken-internal-link",
		Severity:     model.SeverityHigh,
		DetectedAt:   time.Now(),
	})
	env.store.AddIssue(&model.Issue{
		ID:           "other-conn",
		ConnectionID: "conn-2",
		Type:         "missing-title",
		Severity:     model.SeverityHigh,
		DetectedAt:   time.Now(),
	})

	result, err := env.engine.ExecuteFixes(context.Background(), testConn, testUser,
		[]string{"broken-link", "nope", "other-conn"})
	if err != nil {
		t.Fatalf("ExecuteFixes がエラーを返した: %v", err)
	}
	if result.Skipped != 3 {
		t.Fatalf("skipped = %d, want 3", result.Skipped)
	}
	codes := map[string]string{}
	for _, o := range result.Outcomes {
		codes[o.IssueID] = o.ErrorCode
	}
	if codes["broken-link"] != model.ErrCodeUnsupportedFixType {
		t.Errorf("未対応種別のコード = %q", codes["broken-link"])
	}
	if codes["nope"] != model.ErrCodeIssueNotFound || codes["other-conn"] != model.ErrCodeIssueNotFound {
		t.Errorf("存在しないIssueのコード = %v", codes)
	}
	if n := env.adapter.reads.Load(); n != 0 {
		t.Errorf("CMS呼び出し回数 = %d, want 0", n)
	}
}

func TestExecuteFixes_ReadBackFailureStillRecordsApplied(t *testing.T) {
	env := newTestEnv(t, model.ExecutionModeAutomatic, 0)
	env.addIssue("1", model.SeverityHigh, time.Now())
	env.adapter.set("products/1", cms.FieldMetaDescription, "old")

	var reads atomic.Int32
	env.adapter.readFn = func(cms.Target) error {
		if reads.Add(1) == 2 {
			return cms.NewError(cms.KindTransient, model.PlatformShopify, "read", "timeout")
		}
		return nil
	}

	result, err := env.engine.ExecuteFixes(context.Background(), testConn, testUser, nil)
	if err != nil {
		t.Fatalf("ExecuteFixes がエラーを返した: %v", err)
	}
	if result.FixesApplied != 1 {
		t.Fatalf("applied = %d, want 1", result.FixesApplied)
	}
	fix := env.store.Fix(result.Outcomes[0].FixID)
	before, _ := cms.UnmarshalSnapshot(fix.BeforeState)
	after, _ := cms.UnmarshalSnapshot(fix.AfterState)
	if before.Value != "old" || !before.Exists {
		t.Errorf("BeforeState = %+v", before)
	}
	if after.Value != "New description for 1" {
		t.Errorf("AfterState = %+v", after)
	}
	if !bytes.Contains(env.logs.Bytes(), []byte("適用後の状態の読み取りに失敗")) {
		t.Error("警告ログが出力されていない")
	}
}

func TestExecuteFixes_MarkAppliedFailureReportsInternalError(t *testing.T) {
	env := newTestEnv(t, model.ExecutionModeAutomatic, 0)
	env.addIssue("1", model.SeverityHigh, time.Now())
	env.store.MarkAppliedErr = errors.New("connection reset")

	result, err := env.engine.ExecuteFixes(context.Background(), testConn, testUser, nil)
	if err != nil {
		t.Fatalf("ExecuteFixes がエラーを返した: %v", err)
	}
	if result.FixesFailed != 1 || result.Outcomes[0].ErrorCode != model.ErrCodeInternal {
		t.Errorf("結果 = %+v", result.Outcomes)
	}

	// CMSには書き込み済みのため、クレームを残して再適用させない
	fix := env.store.Fix(result.Outcomes[0].FixID)
	if !fix.InFlight || fix.Status != model.FixStatusPending {
		t.Errorf("修正 = %s in_flight=%v, want PENDING/in_flight", fix.Status, fix.InFlight)
	}
	env.store.MarkAppliedErr = nil
	calls := env.adapter.applies.Load()
	if _, err := env.engine.RetryFix(context.Background(), fix.ID); err == nil {
		t.Error("クレーム中の修正の再試行はリトライ可能なエラーを返すべき")
	}
	if env.adapter.applies.Load() != calls {
		t.Error("記録に失敗した修正がCMSに再適用された")
	}
}

func TestRetryFix(t *testing.T) {
	env := newTestEnv(t, model.ExecutionModeAutomatic, 0)
	env.addIssue("1", model.SeverityHigh, time.Now())

	var fail atomic.Bool
	fail.Store(true)
	env.adapter.applyFn = func(cms.Target, cms.Change) error {
		if fail.Load() {
			return &cms.Error{Kind: cms.KindRateLimited, Platform: model.PlatformShopify, Op: "apply", StatusCode: 429}
		}
		return nil
	}

	result, err := env.engine.ExecuteFixes(context.Background(), testConn, testUser, nil)
	if err != nil {
		t.Fatalf("ExecuteFixes がエラーを返した: %v", err)
	}
	fixID := result.Outcomes[0].FixID

	out, err := env.engine.RetryFix(context.Background(), fixID)
	if !cms.IsRetryable(err) {
		t.Fatalf("再度のレート制限はリトライ可能なエラーを返すべき: %v", err)
	}
	if out.Status != OutcomeFailed {
		t.Errorf("Status = %s, want failed", out.Status)
	}

	fail.Store(false)
	out, err = env.engine.RetryFix(context.Background(), fixID)
	if err != nil {
		t.Fatalf("RetryFix がエラーを返した: %v", err)
	}
	if out.Status != OutcomeApplied {
		t.Errorf("Status = %s, want applied", out.Status)
	}
	fix := env.store.Fix(fixID)
	if fix.Status != model.FixStatusApplied || fix.Attempts != 3 {
		t.Errorf("Fix = %s attempts=%d, want APPLIED attempts=3", fix.Status, fix.Attempts)
	}
	if issue := env.store.Issue("1"); issue.Status != model.IssueStatusFixed {
		t.Errorf("Issue.Status = %s, want FIXED", issue.Status)
	}

	out, err = env.engine.RetryFix(context.Background(), fixID)
	if err != nil || out.Status != OutcomeAlreadyProcessed {
		t.Errorf("適用済みの再試行 = %+v err=%v", out, err)
	}
}

func TestRetryFix_NonRetryableFailureIsNotRetried(t *testing.T) {
	env := newTestEnv(t, model.ExecutionModeAutomatic, 0)
	env.addIssue("1", model.SeverityHigh, time.Now())
	env.adapter.applyFn = func(cms.Target, cms.Change) error {
		return cms.NewError(cms.KindAuthExpired, model.PlatformShopify, "apply", "token revoked")
	}

	result, err := env.engine.ExecuteFixes(context.Background(), testConn, testUser, nil)
	if err != nil {
		t.Fatalf("ExecuteFixes がエラーを返した: %v", err)
	}
	calls := env.adapter.applies.Load()

	out, err := env.engine.RetryFix(context.Background(), result.Outcomes[0].FixID)
	if err != nil {
		t.Fatalf("RetryFix がエラーを返した: %v", err)
	}
	if out.Status != OutcomeAlreadyProcessed {
		t.Errorf("Status = %s, want already_processed", out.Status)
	}
	if env.adapter.applies.Load() != calls {
		t.Error("リトライ不可の失敗でCMSが呼び出された")
	}
}

func TestExecuteFixes_StagingDisablesOlderRetry(t *testing.T) {
	env := newTestEnv(t, model.ExecutionModeAutomatic, 0)
	env.addIssue("1", model.SeverityHigh, time.Now())
	env.adapter.applyFn = func(cms.Target, cms.Change) error {
		return cms.NewError(cms.KindTransient, model.PlatformShopify, "apply", "upstream 503")
	}

	first, err := env.engine.ExecuteFixes(context.Background(), testConn, testUser, nil)
	if err != nil {
		t.Fatalf("ExecuteFixes がエラーを返した: %v", err)
	}
	oldFixID := first.Outcomes[0].FixID
	if fix := env.store.Fix(oldFixID); fix.Status != model.FixStatusFailed || !fix.Retryable {
		t.Fatalf("1回目の修正 = %s retryable=%v, want FAILED/retryable", fix.Status, fix.Retryable)
	}

	// PLANモードに切り替えて再実行すると、同じIssueに新しい修正がステージされる
	env.store.AddConnection(&model.Connection{
		ID:            testConn,
		UserID:        testUser,
		Platform:      model.PlatformShopify,
		SiteURL:       "https://shop.example.com",
		ExecutionMode: model.ExecutionModePlan,
	})
	env.adapter.applyFn = nil
	staged, err := env.engine.ExecuteFixes(context.Background(), testConn, testUser, nil)
	if err != nil {
		t.Fatalf("ExecuteFixes がエラーを返した: %v", err)
	}
	if staged.FixesStaged != 1 {
		t.Fatalf("staged = %d, want 1", staged.FixesStaged)
	}
	newFixID := staged.Outcomes[0].FixID
	if fix := env.store.Fix(oldFixID); fix.Retryable {
		t.Error("新しい修正のステージ後も古い修正がリトライ可能のまま")
	}

	calls := env.adapter.applies.Load()
	out, err := env.engine.RetryFix(context.Background(), oldFixID)
	if err != nil {
		t.Fatalf("RetryFix がエラーを返した: %v", err)
	}
	if out.Status != OutcomeAlreadyProcessed {
		t.Errorf("古い修正の再試行 = %s, want already_processed", out.Status)
	}
	if env.adapter.applies.Load() != calls {
		t.Error("無効化された修正の再試行でCMSが呼び出された")
	}

	result, err := env.engine.ApprovePlan(context.Background(), testConn, testUser)
	if err != nil {
		t.Fatalf("ApprovePlan がエラーを返した: %v", err)
	}
	if result.FixesApplied != 1 || result.InProgress != 0 {
		t.Fatalf("ApprovePlan = %+v, want applied 1", result)
	}
	if fix := env.store.Fix(newFixID); fix.Status != model.FixStatusApplied {
		t.Errorf("新しい修正 = %s, want APPLIED", fix.Status)
	}
	if issue := env.store.Issue("1"); issue.Status != model.IssueStatusFixed {
		t.Errorf("Issue.Status = %s, want FIXED", issue.Status)
	}
}

func TestApprovePlan_ClosesFixForAlreadyFixedIssue(t *testing.T) {
	env := newTestEnv(t, model.ExecutionModePlan, 0)
	env.store.AddIssue(&model.Issue{
		ID:           "1",
		ConnectionID: testConn,
		Type:         "missing-meta-description",
		Severity:     model.SeverityHigh,
		PageURL:      "https://shop.example.com/products/1",
		ResourceRef:  "products/1",
		Status:       model.IssueStatusFixed,
		DetectedAt:   time.Now(),
	})
	env.store.AddFix(&model.Fix{
		ID:            "fix-late",
		IssueID:       "1",
		ConnectionID:  testConn,
		Type:          "missing-meta-description",
		PageURL:       "https://shop.example.com/products/1",
		ResourceRef:   "products/1",
		Field:         cms.FieldMetaDescription,
		ProposedValue: "Late description",
		Status:        model.FixStatusPending,
		CreatedAt:     time.Now(),
	})

	result, err := env.engine.ApprovePlan(context.Background(), testConn, testUser)
	if err != nil {
		t.Fatalf("ApprovePlan がエラーを返した: %v", err)
	}
	if len(result.Outcomes) != 1 || result.Outcomes[0].Status != OutcomeAlreadyProcessed {
		t.Fatalf("ApprovePlan = %+v, want already_processed", result)
	}
	if result.InProgress != 0 {
		t.Errorf("InProgress = %d, want 0", result.InProgress)
	}
	if n := env.adapter.applies.Load() + env.adapter.reads.Load(); n != 0 {
		t.Errorf("CMS呼び出し回数 = %d, want 0", n)
	}

	fix := env.store.Fix("fix-late")
	if fix.Status != model.FixStatusFailed || fix.Retryable || fix.ErrorCode != model.ErrCodeFixSuperseded {
		t.Errorf("修正 = %s retryable=%v code=%s, want FAILED/false/%s",
			fix.Status, fix.Retryable, fix.ErrorCode, model.ErrCodeFixSuperseded)
	}
	if events := env.store.Events("fix-late"); len(events) != 1 || events[0].Kind != model.FixEventFailed {
		t.Errorf("監査イベント = %+v, want 1件のfailed", events)
	}
	if issue := env.store.Issue("1"); issue.Status != model.IssueStatusFixed {
		t.Errorf("Issue.Status = %s, want FIXED のまま", issue.Status)
	}

	again, err := env.engine.ApprovePlan(context.Background(), testConn, testUser)
	if err != nil || len(again.Outcomes) != 0 {
		t.Errorf("2回目の ApprovePlan = %+v err=%v, want 対象なし", again, err)
	}
	if _, err := env.engine.ApproveFix(context.Background(), "fix-late", testUser); !model.HasCode(err, model.ErrCodeFixAlreadyProcessed) {
		t.Errorf("ApproveFix = %v, want %s", err, model.ErrCodeFixAlreadyProcessed)
	}
}

func TestRetryFix_ClosesRetryForAlreadyFixedIssue(t *testing.T) {
	env := newTestEnv(t, model.ExecutionModeAutomatic, 0)
	env.store.AddIssue(&model.Issue{
		ID:           "1",
		ConnectionID: testConn,
		Type:         "missing-meta-description",
		Severity:     model.SeverityHigh,
		PageURL:      "https://shop.example.com/products/1",
		ResourceRef:  "products/1",
		Status:       model.IssueStatusFixed,
		DetectedAt:   time.Now(),
	})
	env.store.AddFix(&model.Fix{
		ID:            "fix-old",
		IssueID:       "1",
		ConnectionID:  testConn,
		Type:          "missing-meta-description",
		ResourceRef:   "products/1",
		Field:         cms.FieldMetaDescription,
		ProposedValue: "Old attempt",
		Status:        model.FixStatusFailed,
		ErrorCode:     model.ErrCodeCMSTransient,
		Retryable:     true,
		Attempts:      1,
	})

	out, err := env.engine.RetryFix(context.Background(), "fix-old")
	if err != nil {
		t.Fatalf("RetryFix = %v, want nil (ジョブを成功させる)", err)
	}
	if out.Status != OutcomeAlreadyProcessed {
		t.Errorf("Status = %s, want already_processed", out.Status)
	}
	if fix := env.store.Fix("fix-old"); fix.Retryable || fix.ErrorCode != model.ErrCodeFixSuperseded {
		t.Errorf("修正 retryable=%v code=%s, want false/%s", fix.Retryable, fix.ErrorCode, model.ErrCodeFixSuperseded)
	}
	if env.adapter.applies.Load() != 0 {
		t.Error("修正済みIssueの再試行でCMSが呼び出された")
	}
}

func TestSortFixes(t *testing.T) {
	now := time.Now()
	t1, t2 := now.Add(-time.Hour), now
	fixes := []*model.Fix{
		{ID: "none", CreatedAt: now},
		{ID: "low", IssueID: "i1", Severity: model.SeverityLow, DetectedAt: &t2},
		{ID: "high-old", IssueID: "i2", Severity: model.SeverityHigh, DetectedAt: &t1},
		{ID: "high-new", IssueID: "i3", Severity: model.SeverityHigh, DetectedAt: &t2},
		{ID: "critical", IssueID: "i4", Severity: model.SeverityCritical, DetectedAt: &t1},
	}
	SortFixes(fixes)

	want := []string{"critical", "high-new", "high-old", "low", "none"}
	for i, id := range want {
		if fixes[i].ID != id {
			t.Errorf("fixes[%d] = %s, want %s", i, fixes[i].ID, id)
		}
	}
}

func TestNewBatchResult_Counts(t *testing.T) {
	r := newBatchResult([]Outcome{
		{Status: OutcomeApplied},
		{Status: OutcomeApplied},
		{Status: OutcomeFailed},
		{Status: OutcomeStaged},
		{Status: OutcomeInProgress},
		{Status: OutcomeRejected},
		{Status: OutcomeAlreadyProcessed},
		{Status: OutcomeSkipped},
	})
	got := fmt.Sprintf("%d/%d/%d/%d/%d/%d", r.FixesApplied, r.FixesFailed, r.FixesStaged, r.InProgress, r.Rejected, r.Skipped)
	if got != "2/1/1/1/1/2" {
		t.Errorf("集計 = %s, want 2/1/1/1/1/2", got)
	}
}
