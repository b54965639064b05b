package jobs

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/seopilot/internal/cms"
	"github.com/hitoshi/seopilot/internal/model"
	"github.com/hitoshi/seopilot/internal/repository/repotest"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

type mockRecorder struct {
	mu       sync.Mutex
	finished []string
}

func (m *mockRecorder) JobFinished(jobType, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, jobType+":"+status)
}

func newTestRunner(t *testing.T, maxConcurrency, maxAttempts int) (*Runner, *repotest.Store, *mockRecorder, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	store := repotest.New()
	rec := &mockRecorder{}
	return NewRunner(store.Jobs(), rec, newTestLogger(&buf), maxConcurrency, maxAttempts), store, rec, &buf
}

func TestNewRunner_Defaults(t *testing.T) {
	r, _, _, _ := newTestRunner(t, 0, 0)
	if r.maxConcurrency != 5 {
		t.Errorf("maxConcurrency = %d, want 5", r.maxConcurrency)
	}
	if r.maxAttempts != DefaultMaxAttempts {
		t.Errorf("maxAttempts = %d, want %d", r.maxAttempts, DefaultMaxAttempts)
	}
}

func TestRunner_EnqueueAndGetStatus(t *testing.T) {
	r, _, _, _ := newTestRunner(t, 2, 3)
	r.Register("noop", func(context.Context, *model.Job, ProgressFunc) error { return nil })

	id, err := r.Enqueue(context.Background(), "noop", map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("Enqueue がエラーを返した: %v", err)
	}
	st, err := r.GetStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("GetStatus がエラーを返した: %v", err)
	}
	if st.Status != model.JobStatusQueued || st.Progress != 0 || st.Type != "noop" {
		t.Errorf("Status = %+v", st)
	}
}

func TestRunner_EnqueueUnknownType(t *testing.T) {
	r, _, _, _ := newTestRunner(t, 2, 3)
	if _, err := r.Enqueue(context.Background(), "unknown", nil); err == nil {
		t.Error("未登録の種別はエラーになるべき")
	}
}

func TestRunner_GetStatusNotFound(t *testing.T) {
	r, _, _, _ := newTestRunner(t, 2, 3)
	_, err := r.GetStatus(context.Background(), "missing")
	if !model.HasCode(err, model.ErrCodeJobNotFound) {
		t.Errorf("err = %v, want JOB_NOT_FOUND", err)
	}
}

func TestRunner_RunOnce_Success(t *testing.T) {
	r, _, rec, _ := newTestRunner(t, 2, 3)
	var got string
	r.Register("echo", func(_ context.Context, job *model.Job, progress ProgressFunc) error {
		got = string(job.Payload)
		progress(50)
		return nil
	})
	id, err := r.Enqueue(context.Background(), "echo", map[string]int{"n": 1})
	if err != nil {
		t.Fatal(err)
	}

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce がエラーを返した: %v", err)
	}
	if got != `{"n":1}` {
		t.Errorf("ペイロード = %s", got)
	}
	st, _ := r.GetStatus(context.Background(), id)
	if st.Status != model.JobStatusSucceeded || st.Progress != 100 || st.Attempts != 1 {
		t.Errorf("Status = %+v, want succeeded/100/1", st)
	}
	if len(rec.finished) != 1 || rec.finished[0] != "echo:succeeded" {
		t.Errorf("メトリクス = %v", rec.finished)
	}
}

func TestRunner_RunOnce_RetryableErrorReschedules(t *testing.T) {
	r, store, _, buf := newTestRunner(t, 2, 3)
	r.Register("flaky", func(context.Context, *model.Job, ProgressFunc) error {
		return cms.NewError(cms.KindRateLimited, model.PlatformShopify, "apply", "429")
	})
	id, _ := r.Enqueue(context.Background(), "flaky", nil)

	before := time.Now()
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	job := store.Job(id)
	if job.Status != model.JobStatusQueued {
		t.Fatalf("Status = %s, want queued", job.Status)
	}
	if job.RunAt.Before(before.Add(30*time.Second)) || job.RunAt.After(time.Now().Add(31*time.Second)) {
		t.Errorf("RunAt = %v, want 約30秒後", job.RunAt)
	}
	if job.LastError == "" {
		t.Error("LastError が記録されていない")
	}
	if !strings.Contains(buf.String(), "ジョブを再スケジュールしました") {
		t.Error("再スケジュールのログが出力されていない")
	}

	// バックオフ中は実行されない
	var calls atomic.Int32
	r.Register("flaky", func(context.Context, *model.Job, ProgressFunc) error {
		calls.Add(1)
		return nil
	})
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 0 {
		t.Error("バックオフ中のジョブが実行された")
	}
}

func TestRunner_RunOnce_RetryStopsAtMaxAttempts(t *testing.T) {
	r, store, rec, _ := newTestRunner(t, 2, 2)
	// 再スケジュール後の実行時刻がすぐ過去になるよう時計を1時間戻す
	r.now = func() time.Time { return time.Now().Add(-time.Hour) }
	var calls atomic.Int32
	r.Register("flaky", func(context.Context, *model.Job, ProgressFunc) error {
		calls.Add(1)
		return cms.NewError(cms.KindTransient, model.PlatformWordPress, "apply", "503")
	})
	id, _ := r.Enqueue(context.Background(), "flaky", nil)

	for i := 0; i < 3; i++ {
		if err := r.RunOnce(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	job := store.Job(id)
	if job.Status != model.JobStatusFailed {
		t.Errorf("Status = %s, want failed", job.Status)
	}
	if calls.Load() != 2 {
		t.Errorf("実行回数 = %d, want 2", calls.Load())
	}
	if len(rec.finished) != 2 || rec.finished[0] != "flaky:retry" || rec.finished[1] != "flaky:failed" {
		t.Errorf("メトリクス = %v", rec.finished)
	}
}

func TestRunner_RunOnce_NonRetryableFailsImmediately(t *testing.T) {
	r, store, _, _ := newTestRunner(t, 2, 5)
	r.Register("auth", func(context.Context, *model.Job, ProgressFunc) error {
		return cms.NewError(cms.KindAuthExpired, model.PlatformShopify, "apply", "401")
	})
	r.Register("plain", func(context.Context, *model.Job, ProgressFunc) error {
		return errors.New("not a cms error")
	})
	authID, _ := r.Enqueue(context.Background(), "auth", nil)
	plainID, _ := r.Enqueue(context.Background(), "plain", nil)

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{authID, plainID} {
		job := store.Job(id)
		if job.Status != model.JobStatusFailed || job.Attempts != 1 {
			t.Errorf("job %s = %s attempts=%d, want failed/1", id, job.Status, job.Attempts)
		}
	}
}

func TestRunner_RunOnce_PanicFailsJob(t *testing.T) {
	r, store, _, _ := newTestRunner(t, 2, 5)
	r.Register("panic", func(context.Context, *model.Job, ProgressFunc) error {
		panic("unexpected")
	})
	id, _ := r.Enqueue(context.Background(), "panic", nil)

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	job := store.Job(id)
	if job.Status != model.JobStatusFailed || !strings.Contains(job.LastError, "panic") {
		t.Errorf("job = %s %q, want failed", job.Status, job.LastError)
	}
}

func TestRunner_RunOnce_NoDueJobs(t *testing.T) {
	r, _, _, _ := newTestRunner(t, 2, 5)
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce がエラーを返した: %v", err)
	}
}

func TestRunner_RunOnce_ConcurrencyLimit(t *testing.T) {
	r, _, _, _ := newTestRunner(t, 3, 5)

	var maxConcurrent, currentConcurrent, runCount int32
	r.Register("slow", func(context.Context, *model.Job, ProgressFunc) error {
		current := atomic.AddInt32(&currentConcurrent, 1)
		defer atomic.AddInt32(&currentConcurrent, -1)
		atomic.AddInt32(&runCount, 1)

		// 最大同時実行数を記録
		for {
			old := atomic.LoadInt32(&maxConcurrent)
			if current <= old || atomic.CompareAndSwapInt32(&maxConcurrent, old, current) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return nil
	})
	for i := 0; i < 10; i++ {
		if _, err := r.Enqueue(context.Background(), "slow", i); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < 4; i++ {
		if err := r.RunOnce(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	if atomic.LoadInt32(&runCount) != 10 {
		t.Errorf("実行回数 = %d, want 10", atomic.LoadInt32(&runCount))
	}
	if atomic.LoadInt32(&maxConcurrent) > 3 {
		t.Errorf("最大同時実行数 = %d, 3以下であるべき", atomic.LoadInt32(&maxConcurrent))
	}
}

func TestRunner_Start_StopsOnCancel(t *testing.T) {
	r, _, _, buf := newTestRunner(t, 2, 5)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		r.Start(ctx, 10*time.Millisecond)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start がキャンセル後に停止しない")
	}
	if !strings.Contains(buf.String(), "ジョブランナーを停止しました") {
		t.Error("停止ログが出力されていない")
	}
}
