// Package jobs はバックグラウンドジョブの実行基盤を提供する。
// ジョブはjobsテーブルに永続化し、ポーリングで取得して並列数を制限しながら実行する。
// ジョブは実行のトリガーであり、適用の意図そのものはPENDINGの修正行が保持する。
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/seopilot/internal/model"
	"github.com/hitoshi/seopilot/internal/repository"
)

// ProgressFunc はジョブの進捗（0-100）を報告する。
type ProgressFunc func(percent int)

// Handler はジョブ種別ごとの処理。
type Handler func(ctx context.Context, job *model.Job, progress ProgressFunc) error

// Recorder はジョブの完了を計測する。
type Recorder interface {
	JobFinished(jobType, status string)
}

// Status はgetStatusの結果。
type Status struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Status   model.JobStatus `json:"status"`
	Progress int             `json:"progress"`
	Attempts int             `json:"attempts"`
	Error    string          `json:"error,omitempty"`
}

// Runner はジョブの登録、投入、実行を行う。
type Runner struct {
	repo           repository.JobRepository
	metrics        Recorder
	logger         *slog.Logger
	maxConcurrency int
	maxAttempts    int
	now            func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRunner はRunnerを生成する。
// maxConcurrencyが0以下の場合は5、maxAttemptsが0以下の場合はDefaultMaxAttemptsを使う。
func NewRunner(repo repository.JobRepository, metrics Recorder, logger *slog.Logger, maxConcurrency, maxAttempts int) *Runner {
	if maxConcurrency <= 0 {
		maxConcurrency = 5
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Runner{
		repo:           repo,
		metrics:        metrics,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		maxAttempts:    maxAttempts,
		now:            time.Now,
		handlers:       make(map[string]Handler),
	}
}

// Register はジョブ種別の処理を登録する。
func (r *Runner) Register(jobType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

func (r *Runner) handler(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Enqueue はジョブを即時実行対象として投入し、ジョブIDを返す。
func (r *Runner) Enqueue(ctx context.Context, jobType string, payload any) (string, error) {
	return r.EnqueueAt(ctx, jobType, payload, r.now())
}

// EnqueueAt はジョブをrunAt以降に実行されるよう投入する。
func (r *Runner) EnqueueAt(ctx context.Context, jobType string, payload any, runAt time.Time) (string, error) {
	if _, ok := r.handler(jobType); !ok {
		return "", fmt.Errorf("未登録のジョブ種別です: %s", jobType)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("ジョブのペイロードの変換に失敗しました: %w", err)
	}

	now := r.now()
	job := &model.Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Payload:     data,
		Status:      model.JobStatusQueued,
		MaxAttempts: r.maxAttempts,
		RunAt:       runAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.repo.Create(ctx, job); err != nil {
		return "", err
	}

	r.logger.Info("ジョブを投入しました",
		slog.String("job_id", job.ID),
		slog.String("job_type", jobType),
		slog.Time("run_at", runAt),
	)
	return job.ID, nil
}

// GetStatus はジョブの状態を返す。
func (r *Runner) GetStatus(ctx context.Context, jobID string) (*Status, error) {
	job, err := r.repo.FindByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, model.NewJobNotFoundError(jobID)
	}
	return &Status{
		ID:       job.ID,
		Type:     job.Type,
		Status:   job.Status,
		Progress: job.Progress,
		Attempts: job.Attempts,
		Error:    job.LastError,
	}, nil
}

// Start は指定間隔のティッカーでジョブのポーリングを開始する。
// コンテキストがキャンセルされるまで実行を継続する。
func (r *Runner) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("ジョブランナーを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", r.maxConcurrency),
	)

	// 起動直後に1回実行
	if err := r.RunOnce(ctx); err != nil {
		r.logger.Error("ジョブの取得に失敗しました", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("ジョブランナーを停止しました")
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.logger.Error("ジョブの取得に失敗しました", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce は実行時刻を過ぎたジョブを取得し、並列で実行する。
// semaphoreパターンで最大並列数を制御する。
func (r *Runner) RunOnce(ctx context.Context) error {
	jobs, err := r.repo.ClaimDue(ctx, r.maxConcurrency)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}

	sem := make(chan struct{}, r.maxConcurrency)
	var wg sync.WaitGroup

	for _, job := range jobs {
		wg.Add(1)
		sem <- struct{}{} // semaphore取得（ブロック）

		go func(j *model.Job) {
			defer wg.Done()
			defer func() { <-sem }() // semaphore解放
			r.execute(ctx, j)
		}(job)
	}

	wg.Wait()
	return nil
}

// execute は1件のジョブを実行し、結果に応じて完了、再スケジュール、失敗のいずれかを記録する。
func (r *Runner) execute(ctx context.Context, job *model.Job) {
	start := r.now()
	h, ok := r.handler(job.Type)
	if !ok {
		r.finish(ctx, job, fmt.Errorf("未登録のジョブ種別です: %s", job.Type), start)
		return
	}

	progress := func(percent int) {
		if err := r.repo.UpdateProgress(ctx, job.ID, clampProgress(percent)); err != nil {
			r.logger.Warn("ジョブの進捗更新に失敗しました",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	r.finish(ctx, job, r.invoke(ctx, h, job, progress), start)
}

// invoke はハンドラを呼び出す。panicはエラーに変換する。
func (r *Runner) invoke(ctx context.Context, h Handler, job *model.Job, progress ProgressFunc) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("ジョブがpanicしました: %v", rec)
		}
	}()
	return h(ctx, job, progress)
}

func (r *Runner) finish(ctx context.Context, job *model.Job, err error, start time.Time) {
	attrs := []any{
		slog.String("job_id", job.ID),
		slog.String("job_type", job.Type),
		slog.Int("attempts", job.Attempts),
		slog.Float64("duration_ms", float64(r.now().Sub(start).Milliseconds())),
	}

	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = r.maxAttempts
	}

	var status string
	var recordErr error
	switch {
	case err == nil:
		status = string(model.JobStatusSucceeded)
		recordErr = r.repo.Complete(ctx, job.ID)
		r.logger.Info("ジョブが完了しました", attrs...)
	case ShouldRetry(err, job.Attempts, maxAttempts):
		status = "retry"
		runAt := NextRunAt(r.now(), err, job.Attempts)
		recordErr = r.repo.Reschedule(ctx, job.ID, runAt, err.Error())
		r.logger.Warn("ジョブを再スケジュールしました",
			append(attrs, slog.Time("run_at", runAt), slog.String("error", err.Error()))...)
	default:
		status = string(model.JobStatusFailed)
		recordErr = r.repo.Fail(ctx, job.ID, err.Error())
		r.logger.Error("ジョブが失敗しました", append(attrs, slog.String("error", err.Error()))...)
	}

	if recordErr != nil {
		r.logger.Error("ジョブ結果の記録に失敗しました",
			slog.String("job_id", job.ID),
			slog.String("error", recordErr.Error()),
		)
	}
	if r.metrics != nil {
		r.metrics.JobFinished(job.Type, status)
	}
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
