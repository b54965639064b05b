package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/seopilot/internal/model"
)

// PostgresIssueRepo はPostgreSQLを使用したIssueリポジトリ。
type PostgresIssueRepo struct {
	db *sql.DB
}

// NewPostgresIssueRepo はPostgresIssueRepoを生成する。
func NewPostgresIssueRepo(db *sql.DB) *PostgresIssueRepo {
	return &PostgresIssueRepo{db: db}
}

var _ IssueRepository = (*PostgresIssueRepo)(nil)

const issueColumns = `id, connection_id, type, severity, page_url, resource_ref, title, detail,
	recommendation, status, claimed_at, detected_at, updated_at`

// severityOrder は重大度をソート用の整数に変換するSQL式。
const severityOrder = `CASE %s WHEN 'critical' THEN 4 WHEN 'high' THEN 3 WHEN 'medium' THEN 2 WHEN 'low' THEN 1 ELSE 0 END`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIssue(row rowScanner) (*model.Issue, error) {
	issue := &model.Issue{}
	var claimedAt sql.NullTime
	err := row.Scan(&issue.ID, &issue.ConnectionID, &issue.Type, &issue.Severity, &issue.PageURL,
		&issue.ResourceRef, &issue.Title, &issue.Detail, &issue.Recommendation, &issue.Status,
		&claimedAt, &issue.DetectedAt, &issue.UpdatedAt)
	if err != nil {
		return nil, err
	}
	issue.ClaimedAt = nullTimePtr(claimedAt)
	return issue, nil
}

// FindByID は指定IDのIssueを取得する。見つからない場合はnilを返す。
func (r *PostgresIssueRepo) FindByID(ctx context.Context, id string) (*model.Issue, error) {
	issue, err := scanIssue(r.db.QueryRowContext(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Issueの取得に失敗しました: %w", err)
	}
	return issue, nil
}

// ListOpenByConnection は接続のDETECTED状態のIssueを重大度降順、検出日時降順で返す。
func (r *PostgresIssueRepo) ListOpenByConnection(ctx context.Context, connectionID string) ([]*model.Issue, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+issueColumns+` FROM issues
		 WHERE connection_id = $1 AND status = 'DETECTED'
		 ORDER BY `+fmt.Sprintf(severityOrder, "severity")+` DESC, detected_at DESC`,
		connectionID,
	)
	if err != nil {
		return nil, fmt.Errorf("未修正Issue一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var issues []*model.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("Issue行の読み取りに失敗しました: %w", err)
		}
		issues = append(issues, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Issue一覧の走査に失敗しました: %w", err)
	}
	return issues, nil
}

// Claim はDETECTED→FIXINGの条件付き更新でIssueをクレームする。
func (r *PostgresIssueRepo) Claim(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE issues SET status = 'FIXING', claimed_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'DETECTED'`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("Issueのクレームに失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	return n == 1, nil
}

// Release はFIXING→DETECTEDに戻してクレームを解放する。
func (r *PostgresIssueRepo) Release(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE issues SET status = 'DETECTED', claimed_at = NULL, updated_at = now()
		 WHERE id = $1 AND status = 'FIXING'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("Issueクレームの解放に失敗しました: %w", err)
	}
	return nil
}
