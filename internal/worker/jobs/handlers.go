package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hitoshi/seopilot/internal/engine"
	"github.com/hitoshi/seopilot/internal/model"
	"github.com/hitoshi/seopilot/internal/rollback"
)

// ジョブ種別
const (
	TypeExecuteFixes       = "execute_fixes"
	TypeApprovePlan        = "approve_plan"
	TypeApplyFix           = "apply_fix"
	TypeRollbackCheckpoint = "rollback_checkpoint"
)

// ExecuteFixesPayload はexecute_fixesジョブの入力。
type ExecuteFixesPayload struct {
	ConnectionID string   `json:"connection_id"`
	UserID       string   `json:"user_id"`
	IssueIDs     []string `json:"issue_ids,omitempty"`
}

// ApprovePlanPayload はapprove_planジョブの入力。
type ApprovePlanPayload struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
}

// ApplyFixPayload はapply_fixジョブの入力。
type ApplyFixPayload struct {
	FixID string `json:"fix_id"`
}

// RollbackCheckpointPayload はrollback_checkpointジョブの入力。
type RollbackCheckpointPayload struct {
	CheckpointID string `json:"checkpoint_id"`
	UserID       string `json:"user_id"`
}

// FixExecutor は修正実行エンジンの操作。
type FixExecutor interface {
	ExecuteFixes(ctx context.Context, connectionID, userID string, issueIDs []string) (*engine.BatchResult, error)
	ApprovePlan(ctx context.Context, connectionID, userID string) (*engine.BatchResult, error)
	RetryFix(ctx context.Context, fixID string) (*engine.Outcome, error)
}

// CheckpointRollbacker はチェックポイントへのロールバック操作。
type CheckpointRollbacker interface {
	RollbackSinceCheckpoint(ctx context.Context, checkpointID, userID string) (*rollback.BatchResult, error)
}

// RegisterFixHandlers は修正関連のジョブ種別をRunnerに登録する。
// 一括処理でリトライ可能な失敗となった修正は、バックオフ後に実行されるapply_fixジョブとして投入する。
func RegisterFixHandlers(r *Runner, exec FixExecutor, rb CheckpointRollbacker) {
	r.Register(TypeExecuteFixes, func(ctx context.Context, job *model.Job, progress ProgressFunc) error {
		var p ExecuteFixesPayload
		if err := decodePayload(job, &p); err != nil {
			return err
		}
		progress(10)
		result, err := exec.ExecuteFixes(ctx, p.ConnectionID, p.UserID, p.IssueIDs)
		if err != nil {
			return err
		}
		progress(90)
		r.enqueueRetries(ctx, job, result)
		return nil
	})

	r.Register(TypeApprovePlan, func(ctx context.Context, job *model.Job, progress ProgressFunc) error {
		var p ApprovePlanPayload
		if err := decodePayload(job, &p); err != nil {
			return err
		}
		progress(10)
		result, err := exec.ApprovePlan(ctx, p.ConnectionID, p.UserID)
		if err != nil {
			return err
		}
		progress(90)
		r.enqueueRetries(ctx, job, result)
		return nil
	})

	r.Register(TypeApplyFix, func(ctx context.Context, job *model.Job, _ ProgressFunc) error {
		var p ApplyFixPayload
		if err := decodePayload(job, &p); err != nil {
			return err
		}
		_, err := exec.RetryFix(ctx, p.FixID)
		return err
	})

	if rb != nil {
		r.Register(TypeRollbackCheckpoint, func(ctx context.Context, job *model.Job, progress ProgressFunc) error {
			var p RollbackCheckpointPayload
			if err := decodePayload(job, &p); err != nil {
				return err
			}
			progress(10)
			_, err := rb.RollbackSinceCheckpoint(ctx, p.CheckpointID, p.UserID)
			return err
		})
	}
}

// enqueueRetries はリトライ可能な失敗となった修正ごとにapply_fixジョブを投入する。
func (r *Runner) enqueueRetries(ctx context.Context, parent *model.Job, result *engine.BatchResult) {
	runAt := r.now().Add(CalculateBackoff(0))
	for _, fixID := range result.RetryableFixIDs() {
		if _, err := r.EnqueueAt(ctx, TypeApplyFix, ApplyFixPayload{FixID: fixID}, runAt); err != nil {
			r.logger.Error("リトライジョブの投入に失敗しました",
				slog.String("parent_job_id", parent.ID),
				slog.String("fix_id", fixID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func decodePayload(job *model.Job, v any) error {
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return fmt.Errorf("ジョブ %s のペイロードが不正です: %w", job.ID, err)
	}
	return nil
}
