package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/seopilot/internal/model"
)

// BatchResult はチェックポイント以降の一括ロールバックの結果。
type BatchResult struct {
	RolledBack int      `json:"rolled_back"`
	Failed     int      `json:"failed"`
	Skipped    int      `json:"skipped"`
	Results    []Result `json:"data"`
}

// RollbackSinceCheckpoint はチェックポイント作成以降に適用された修正を新しい順にロールバックする。
// 同じ要素への修正が複数ある場合も、新しい順に戻すことでチェックポイント時点の値になる。
// 1件の失敗で処理を中断しない。
func (c *Coordinator) RollbackSinceCheckpoint(ctx context.Context, checkpointID, userID string) (*BatchResult, error) {
	cp, err := c.checkpoints.FindByID(ctx, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("チェックポイントの取得に失敗しました: %w", err)
	}
	if cp == nil {
		return nil, model.NewCheckpointNotFoundError(checkpointID)
	}
	conn, err := c.authorize(ctx, cp.ConnectionID, userID)
	if err != nil {
		return nil, err
	}

	fixes, err := c.fixes.ListAppliedSince(ctx, conn.ID, cp.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("適用済み修正の取得に失敗しました: %w", err)
	}

	result := &BatchResult{Results: []Result{}}
	if len(fixes) == 0 {
		return result, nil
	}

	adapter, err := c.adapters.Resolve(conn)
	if err != nil {
		return nil, fmt.Errorf("CMSアダプタの解決に失敗しました: %w", err)
	}

	for _, fix := range fixes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := c.now()
		var r *Result
		if !fix.CanRollbackAt(now) {
			err = model.NewRollbackWindowExpiredError(fix.ID)
		} else {
			r, err = c.rollback(ctx, adapter, fix, now)
		}

		switch {
		case err != nil:
			res := Result{FixID: fix.ID, Error: err.Error(), ErrorCode: model.ErrCodeInternal}
			var apiErr *model.APIError
			if errors.As(err, &apiErr) {
				res.ErrorCode = apiErr.Code
				res.Error = apiErr.Message
				result.Skipped++
			} else {
				result.Failed++
			}
			result.Results = append(result.Results, res)
		case r.Success:
			result.RolledBack++
			result.Results = append(result.Results, *r)
		default:
			result.Failed++
			result.Results = append(result.Results, *r)
		}
	}

	c.logger.Info("チェックポイントへのロールバックが完了しました",
		slog.String("checkpoint_id", cp.ID),
		slog.String("connection_id", conn.ID),
		slog.Int("rolled_back", result.RolledBack),
		slog.Int("failed", result.Failed),
		slog.Int("skipped", result.Skipped),
	)
	return result, nil
}
