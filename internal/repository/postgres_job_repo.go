package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/seopilot/internal/model"
)

// PostgresJobRepo はPostgreSQLを使用したジョブリポジトリ。
type PostgresJobRepo struct {
	db *sql.DB
}

// NewPostgresJobRepo はPostgresJobRepoを生成する。
func NewPostgresJobRepo(db *sql.DB) *PostgresJobRepo {
	return &PostgresJobRepo{db: db}
}

var _ JobRepository = (*PostgresJobRepo)(nil)

const jobColumns = `id, type, payload, status, progress, attempts, max_attempts, last_error,
	run_at, started_at, finished_at, created_at, updated_at`

func scanJob(row rowScanner) (*model.Job, error) {
	job := &model.Job{}
	var startedAt, finishedAt sql.NullTime
	err := row.Scan(&job.ID, &job.Type, &job.Payload, &job.Status, &job.Progress, &job.Attempts,
		&job.MaxAttempts, &job.LastError, &job.RunAt, &startedAt, &finishedAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	job.StartedAt = nullTimePtr(startedAt)
	job.FinishedAt = nullTimePtr(finishedAt)
	return job, nil
}

// Create はジョブを作成する。
func (r *PostgresJobRepo) Create(ctx context.Context, job *model.Job) error {
	payload := job.Payload
	if payload == nil {
		payload = []byte("{}")
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO jobs (id, type, payload, status, max_attempts, run_at, created_at, updated_at)
		 VALUES ($1, $2, $3, 'queued', $4, $5, $6, $7)`,
		job.ID, job.Type, jsonArg(payload), job.MaxAttempts, job.RunAt, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("ジョブの作成に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDのジョブを取得する。見つからない場合はnilを返す。
func (r *PostgresJobRepo) FindByID(ctx context.Context, id string) (*model.Job, error) {
	job, err := scanJob(r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ジョブの取得に失敗しました: %w", err)
	}
	return job, nil
}

// ClaimDue は実行時刻を過ぎたqueuedジョブをFOR UPDATE SKIP LOCKEDで取得し、runningにする。
// 複数ワーカーが同時に実行しても同じジョブを二重に取得しない。
func (r *PostgresJobRepo) ClaimDue(ctx context.Context, limit int) ([]*model.Job, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE jobs SET status = 'running', attempts = attempts + 1, started_at = now(), updated_at = now()
		 WHERE id IN (
		     SELECT id FROM jobs
		     WHERE status = 'queued' AND run_at <= now()
		     ORDER BY run_at
		     LIMIT $1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("実行対象ジョブの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("ジョブ行の読み取りに失敗しました: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ジョブ一覧の走査に失敗しました: %w", err)
	}
	return jobs, nil
}

// UpdateProgress はジョブの進捗（0-100）を更新する。
func (r *PostgresJobRepo) UpdateProgress(ctx context.Context, id string, progress int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET progress = $2, updated_at = now() WHERE id = $1`,
		id, progress,
	)
	if err != nil {
		return fmt.Errorf("ジョブ進捗の更新に失敗しました: %w", err)
	}
	return nil
}

// Complete はジョブを成功として完了させる。
func (r *PostgresJobRepo) Complete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'succeeded', progress = 100, last_error = '',
		        finished_at = now(), updated_at = now()
		 WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("ジョブの完了記録に失敗しました: %w", err)
	}
	return nil
}

// Fail はジョブを失敗として完了させる。
func (r *PostgresJobRepo) Fail(ctx context.Context, id string, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed', last_error = $2, finished_at = now(), updated_at = now()
		 WHERE id = $1`,
		id, reason,
	)
	if err != nil {
		return fmt.Errorf("ジョブの失敗記録に失敗しました: %w", err)
	}
	return nil
}

// Reschedule はジョブをqueuedに戻し、runAtに再実行する。
func (r *PostgresJobRepo) Reschedule(ctx context.Context, id string, runAt time.Time, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'queued', run_at = $2, last_error = $3, updated_at = now()
		 WHERE id = $1`,
		id, runAt, reason,
	)
	if err != nil {
		return fmt.Errorf("ジョブの再スケジュールに失敗しました: %w", err)
	}
	return nil
}
