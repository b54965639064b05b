// Package cleanup は修正履歴の保持期間管理ジョブを提供する。
// ロールバック期限を過ぎた修正の削除、監査レコードと完了済みジョブの削除、
// ワーカー停止で残った適用中クレームの解放を日次バッチで行う。
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/seopilot/internal/model"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Recorder は削除件数を計測する。
type Recorder interface {
	RetentionDeleted(target string, n int64)
}

// CleanupJob は保持期間を超過したデータの削除ジョブ。
// 各ステップは条件付きのDELETE/UPDATEのみで構成されており、繰り返し実行しても結果は変わらない。
type CleanupJob struct {
	db      Executor
	metrics Recorder
	logger  *slog.Logger

	RetentionDays   int           // 監査レコードと失敗した修正の保持日数（デフォルト: 365）
	ClaimStaleAfter time.Duration // 適用中クレームを放棄とみなす経過時間（デフォルト: 30分）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(db Executor, metrics Recorder, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		db:              db,
		metrics:         metrics,
		logger:          logger,
		RetentionDays:   365,
		ClaimStaleAfter: 30 * time.Minute,
	}
}

type step struct {
	target string
	query  string
	arg    string
}

func (j *CleanupJob) steps() []step {
	retention := fmt.Sprintf("%d days", j.RetentionDays)
	stale := fmt.Sprintf("%d seconds", int64(j.ClaimStaleAfter/time.Second))
	return []step{
		// ロールバック期限を過ぎた修正は状態に関係なく削除する。以降ロールバックは不可能になる
		{"expired_fixes", `DELETE FROM fixes WHERE rollback_deadline < now()`, ""},
		{"failed_fixes", `DELETE FROM fixes WHERE status = 'FAILED' AND NOT in_flight AND updated_at < now() - $1::interval`, retention},
		{"fix_events", `DELETE FROM fix_events WHERE created_at < now() - $1::interval`, retention},
		{"jobs", `DELETE FROM jobs WHERE status IN ('succeeded', 'failed') AND finished_at < now() - $1::interval`, retention},
		// 適用中に放棄された修正はCMSに書き込まれたか分からないため、再クレームできない失敗として閉じる。
		// Issueは次のステップでDETECTEDに戻り、新しい修正が現在の値を適用前状態として取り直す
		{"stale_apply_claims", `UPDATE fixes SET status = 'FAILED', error_code = '` + model.ErrCodeApplyOutcomeUnknown + `',
		        error_message = '適用中にクレームが放棄されたため結果が不明です', retryable = false,
		        in_flight = false, claimed_at = NULL, updated_at = now()
		 WHERE in_flight AND status IN ('PENDING', 'FAILED') AND claimed_at < now() - $1::interval`, stale},
		// ロールバックは適用前状態の再書き込みなので、APPLIEDのまま解放して再実行できるようにする
		{"stale_rollback_claims", `UPDATE fixes SET in_flight = false, claimed_at = NULL, updated_at = now()
		 WHERE in_flight AND status = 'APPLIED' AND claimed_at < now() - $1::interval`, stale},
		{"stale_issue_claims", `UPDATE issues SET status = 'DETECTED', claimed_at = NULL, updated_at = now()
		 WHERE status = 'FIXING' AND claimed_at < now() - $1::interval`, stale},
		{"stale_jobs", `UPDATE jobs SET status = 'queued', run_at = now(), updated_at = now()
		 WHERE status = 'running' AND started_at < now() - $1::interval`, stale},
	}
}

// Run は全ステップを順に実行する。
// いずれかのステップが失敗した時点で中断し、エラーを返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	var total int64
	for _, s := range j.steps() {
		n, err := j.exec(ctx, s)
		if err != nil {
			j.logger.Error("クリーンアップジョブの実行に失敗しました",
				slog.String("target", s.target),
				slog.String("error", err.Error()),
				slog.Int("retention_days", j.RetentionDays),
			)
			return fmt.Errorf("クリーンアップ(%s)の実行に失敗: %w", s.target, err)
		}
		if n > 0 {
			j.logger.Info("保持期間を超過したデータを処理しました",
				slog.String("target", s.target),
				slog.Int64("affected_count", n),
			)
		}
		if j.metrics != nil {
			j.metrics.RetentionDeleted(s.target, n)
		}
		total += n
	}

	duration := time.Since(start)
	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_count", total),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
	return nil
}

func (j *CleanupJob) exec(ctx context.Context, s step) (int64, error) {
	var result sql.Result
	var err error
	if s.arg == "" {
		result, err = j.db.ExecContext(ctx, s.query)
	} else {
		result, err = j.db.ExecContext(ctx, s.query, s.arg)
	}
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("処理件数の取得に失敗: %w", err)
	}
	return n, nil
}

// Start は指定間隔でRunを繰り返し実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("クリーンアップジョブを開始しました", slog.Duration("interval", interval))

	_ = j.Run(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
