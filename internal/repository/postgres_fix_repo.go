package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/seopilot/internal/model"
)

// ErrClaimLost は結果の記録時に修正のクレームが失われていた場合のエラー。
var ErrClaimLost = errors.New("修正のクレームが失われています")

// PostgresFixRepo はPostgreSQLを使用した修正リポジトリ。
type PostgresFixRepo struct {
	db *sql.DB
}

// NewPostgresFixRepo はPostgresFixRepoを生成する。
func NewPostgresFixRepo(db *sql.DB) *PostgresFixRepo {
	return &PostgresFixRepo{db: db}
}

var _ FixRepository = (*PostgresFixRepo)(nil)

const fixColumns = `f.id, f.issue_id, f.connection_id, f.type, f.description, f.page_url, f.resource_ref,
	f.field, f.proposed_value, f.before_state, f.after_state, f.status, f.error_code, f.error_message,
	f.retryable, f.attempts, f.in_flight, f.claimed_at, f.applied_at, f.rollback_deadline,
	f.rolled_back_at, f.reasoning, f.checkpoint_id, f.created_at, f.updated_at,
	i.severity, i.detected_at`

const fixFrom = ` FROM fixes f LEFT JOIN issues i ON i.id = f.issue_id`

func scanFix(row rowScanner) (*model.Fix, error) {
	fix := &model.Fix{}
	var (
		issueID, checkpointID, severity                       sql.NullString
		claimedAt, appliedAt, deadline, rolledBackAt, detected sql.NullTime
	)
	err := row.Scan(&fix.ID, &issueID, &fix.ConnectionID, &fix.Type, &fix.Description, &fix.PageURL,
		&fix.ResourceRef, &fix.Field, &fix.ProposedValue, &fix.BeforeState, &fix.AfterState, &fix.Status,
		&fix.ErrorCode, &fix.ErrorMessage, &fix.Retryable, &fix.Attempts, &fix.InFlight, &claimedAt,
		&appliedAt, &deadline, &rolledBackAt, &fix.Reasoning, &checkpointID, &fix.CreatedAt, &fix.UpdatedAt,
		&severity, &detected)
	if err != nil {
		return nil, err
	}
	fix.IssueID = nullStringValue(issueID)
	fix.CheckpointID = nullStringValue(checkpointID)
	fix.Severity = model.Severity(nullStringValue(severity))
	fix.ClaimedAt = nullTimePtr(claimedAt)
	fix.AppliedAt = nullTimePtr(appliedAt)
	fix.RollbackDeadline = nullTimePtr(deadline)
	fix.RolledBackAt = nullTimePtr(rolledBackAt)
	fix.DetectedAt = nullTimePtr(detected)
	return fix, nil
}

func (r *PostgresFixRepo) queryFixes(ctx context.Context, query string, args ...any) ([]*model.Fix, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("修正一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var fixes []*model.Fix
	for rows.Next() {
		fix, err := scanFix(rows)
		if err != nil {
			return nil, fmt.Errorf("修正行の読み取りに失敗しました: %w", err)
		}
		fixes = append(fixes, fix)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("修正一覧の走査に失敗しました: %w", err)
	}
	return fixes, nil
}

// Create はPENDINGの修正を作成する。
// uq_fixes_pending_issueに衝突した場合は作成せずfalseを返す。
func (r *PostgresFixRepo) Create(ctx context.Context, fix *model.Fix) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO fixes (id, issue_id, connection_id, type, description, page_url, resource_ref,
		                    field, proposed_value, status, reasoning, checkpoint_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'PENDING', $10, $11, $12, $13)
		 ON CONFLICT DO NOTHING`,
		fix.ID, nullString(fix.IssueID), fix.ConnectionID, fix.Type, fix.Description, fix.PageURL,
		fix.ResourceRef, fix.Field, fix.ProposedValue, fix.Reasoning, nullString(fix.CheckpointID),
		fix.CreatedAt, fix.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("修正の作成に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("作成結果の取得に失敗しました: %w", err)
	}
	return n == 1, nil
}

// FindByID は指定IDの修正を取得する。見つからない場合はnilを返す。
func (r *PostgresFixRepo) FindByID(ctx context.Context, id string) (*model.Fix, error) {
	fix, err := scanFix(r.db.QueryRowContext(ctx,
		`SELECT `+fixColumns+fixFrom+` WHERE f.id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("修正の取得に失敗しました: %w", err)
	}
	return fix, nil
}

// FindPendingByIssue はIssueの適用待ち修正を取得する。見つからない場合はnilを返す。
func (r *PostgresFixRepo) FindPendingByIssue(ctx context.Context, issueID string) (*model.Fix, error) {
	fix, err := scanFix(r.db.QueryRowContext(ctx,
		`SELECT `+fixColumns+fixFrom+` WHERE f.issue_id = $1 AND f.status = 'PENDING'`, issueID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("適用待ち修正の取得に失敗しました: %w", err)
	}
	return fix, nil
}

// ListPendingByConnection は接続の適用待ち修正を重大度降順、検出日時降順で返す。
// Issueに紐付かない修正は最後に作成順で並ぶ。
func (r *PostgresFixRepo) ListPendingByConnection(ctx context.Context, connectionID string) ([]*model.Fix, error) {
	return r.queryFixes(ctx,
		`SELECT `+fixColumns+fixFrom+`
		 WHERE f.connection_id = $1 AND f.status = 'PENDING' AND NOT f.in_flight
		 ORDER BY `+fmt.Sprintf(severityOrder, "i.severity")+` DESC,
		          i.detected_at DESC NULLS LAST, f.created_at ASC`,
		connectionID,
	)
}

// ListAppliedSince は指定時刻以降に適用されたAPPLIED状態の修正を新しい順に返す。
func (r *PostgresFixRepo) ListAppliedSince(ctx context.Context, connectionID string, since time.Time) ([]*model.Fix, error) {
	return r.queryFixes(ctx,
		`SELECT `+fixColumns+fixFrom+`
		 WHERE f.connection_id = $1 AND f.status = 'APPLIED' AND f.applied_at >= $2
		 ORDER BY f.applied_at DESC`,
		connectionID, since,
	)
}

// Claim は修正の適用クレームを取得する。
func (r *PostgresFixRepo) Claim(ctx context.Context, id string, allowRetry bool) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE fixes SET in_flight = true, claimed_at = now(), updated_at = now()
		 WHERE id = $1 AND NOT in_flight
		   AND (status = 'PENDING' OR ($2 AND status = 'FAILED' AND retryable))`,
		id, allowRetry,
	)
	if err != nil {
		return false, fmt.Errorf("修正のクレームに失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	return n == 1, nil
}

// MarkApplied は修正のAPPLIED遷移、IssueのFIXED遷移、監査イベントを同一トランザクションで記録する。
func (r *PostgresFixRepo) MarkApplied(ctx context.Context, fix *model.Fix, event *model.FixEvent) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE fixes SET status = 'APPLIED', before_state = $2, after_state = $3, applied_at = $4,
		        rollback_deadline = $5, error_code = '', error_message = '', retryable = false,
		        attempts = attempts + 1, in_flight = false, claimed_at = NULL, updated_at = now()
		 WHERE id = $1 AND in_flight AND status IN ('PENDING', 'FAILED')`,
		fix.ID, jsonArg(fix.BeforeState), jsonArg(fix.AfterState), fix.AppliedAt, fix.RollbackDeadline,
	)
	if err := requireOneRow(result, err, "修正の適用記録"); err != nil {
		return err
	}

	if fix.HasIssue() {
		if _, err := tx.ExecContext(ctx,
			`UPDATE issues SET status = 'FIXED', claimed_at = NULL, updated_at = now() WHERE id = $1`,
			fix.IssueID,
		); err != nil {
			return fmt.Errorf("Issueの修正済み遷移に失敗しました: %w", err)
		}
	}

	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// MarkFailed は修正のFAILED遷移、IssueのDETECTEDへの解放、監査イベントを同一トランザクションで記録する。
// ロールバック期限は設定しない。
func (r *PostgresFixRepo) MarkFailed(ctx context.Context, fix *model.Fix, event *model.FixEvent) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE fixes SET status = 'FAILED', error_code = $2, error_message = $3, retryable = $4,
		        attempts = attempts + 1, in_flight = false, claimed_at = NULL, updated_at = now()
		 WHERE id = $1 AND in_flight AND status IN ('PENDING', 'FAILED')`,
		fix.ID, fix.ErrorCode, fix.ErrorMessage, fix.Retryable,
	)
	if err := requireOneRow(result, err, "修正の失敗記録"); err != nil {
		return err
	}

	if fix.HasIssue() {
		if _, err := tx.ExecContext(ctx,
			`UPDATE issues SET status = 'DETECTED', claimed_at = NULL, updated_at = now()
			 WHERE id = $1 AND status = 'FIXING'`,
			fix.IssueID,
		); err != nil {
			return fmt.Errorf("Issueクレームの解放に失敗しました: %w", err)
		}
	}

	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ClaimForRollback はAPPLIEDかつ期限内の修正をロールバック用にクレームする。
func (r *PostgresFixRepo) ClaimForRollback(ctx context.Context, id string, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE fixes SET in_flight = true, claimed_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'APPLIED' AND NOT in_flight AND rollback_deadline > $2`,
		id, now,
	)
	if err != nil {
		return false, fmt.Errorf("ロールバックのクレームに失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	return n == 1, nil
}

// MarkRolledBack は修正のROLLED_BACK遷移、IssueのDETECTED遷移、監査イベントを同一トランザクションで記録する。
func (r *PostgresFixRepo) MarkRolledBack(ctx context.Context, fix *model.Fix, event *model.FixEvent) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE fixes SET status = 'ROLLED_BACK', rolled_back_at = $2, in_flight = false,
		        claimed_at = NULL, updated_at = now()
		 WHERE id = $1 AND status = 'APPLIED' AND in_flight`,
		fix.ID, fix.RolledBackAt,
	)
	if err := requireOneRow(result, err, "ロールバックの記録"); err != nil {
		return err
	}

	if fix.HasIssue() {
		if _, err := tx.ExecContext(ctx,
			`UPDATE issues SET status = 'DETECTED', claimed_at = NULL, updated_at = now()
			 WHERE id = $1 AND status = 'FIXED'`,
			fix.IssueID,
		); err != nil {
			return fmt.Errorf("Issueの再オープンに失敗しました: %w", err)
		}
	}

	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ReleaseClaim は状態を変えずにクレームを解放する。
func (r *PostgresFixRepo) ReleaseClaim(ctx context.Context, id string, event *model.FixEvent) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE fixes SET in_flight = false, claimed_at = NULL, updated_at = now() WHERE id = $1`,
		id,
	); err != nil {
		return fmt.Errorf("修正クレームの解放に失敗しました: %w", err)
	}

	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Supersede は修正をリトライ不可のFAILEDとして閉じ、監査イベントを同一トランザクションで記録する。
func (r *PostgresFixRepo) Supersede(ctx context.Context, fix *model.Fix, event *model.FixEvent) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE fixes SET status = 'FAILED', error_code = $2, error_message = $3, retryable = false,
		        updated_at = now()
		 WHERE id = $1 AND NOT in_flight AND (status = 'PENDING' OR (status = 'FAILED' AND retryable))`,
		fix.ID, fix.ErrorCode, fix.ErrorMessage,
	)
	if err != nil {
		return false, fmt.Errorf("修正のクローズに失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	if n != 1 {
		return false, nil
	}

	if err := insertEvent(ctx, tx, event); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// DisableRetries はIssueに紐付く他のリトライ可能なFAILED修正をリトライ不可にする。
func (r *PostgresFixRepo) DisableRetries(ctx context.Context, issueID, keepFixID string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE fixes SET retryable = false, updated_at = now()
		 WHERE issue_id = $1 AND id <> $2 AND status = 'FAILED' AND retryable AND NOT in_flight`,
		issueID, keepFixID,
	)
	if err != nil {
		return 0, fmt.Errorf("リトライの無効化に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	return n, nil
}

// requireOneRow は条件付きUPDATEがちょうど1行を更新したことを確認する。
func requireOneRow(result sql.Result, err error, op string) error {
	if err != nil {
		return fmt.Errorf("%sに失敗しました: %w", op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("%s: %w", op, ErrClaimLost)
	}
	return nil
}

// insertEvent は監査イベントを記録する。eventがnilの場合は何もしない。
func insertEvent(ctx context.Context, tx *sql.Tx, event *model.FixEvent) error {
	if event == nil {
		return nil
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO fix_events (id, fix_id, connection_id, kind, detail, state, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.FixID, event.ConnectionID, event.Kind, event.Detail, jsonArg(event.State), event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("監査イベントの記録に失敗しました: %w", err)
	}
	return nil
}
