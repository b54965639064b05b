package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresQuotaRepo はPostgreSQLを使用した修正クォータリポジトリ。
type PostgresQuotaRepo struct {
	db *sql.DB
}

// NewPostgresQuotaRepo はPostgresQuotaRepoを生成する。
func NewPostgresQuotaRepo(db *sql.DB) *PostgresQuotaRepo {
	return &PostgresQuotaRepo{db: db}
}

var _ QuotaRepository = (*PostgresQuotaRepo)(nil)

// Used は期間内の適用数を返す。レコードがない場合は0。
func (r *PostgresQuotaRepo) Used(ctx context.Context, userID, period string) (int, error) {
	var used int
	err := r.db.QueryRowContext(ctx,
		`SELECT used FROM fix_quotas WHERE user_id = $1 AND period = $2`,
		userID, period,
	).Scan(&used)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("クォータ使用量の取得に失敗しました: %w", err)
	}
	return used, nil
}

// Consume は上限未満の場合のみ適用数を1増やす。
// 単一のUPSERTで判定と加算を行うため、同時実行でも上限を超えない。
func (r *PostgresQuotaRepo) Consume(ctx context.Context, userID, period string, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	var used int
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO fix_quotas (user_id, period, used, updated_at)
		 VALUES ($1, $2, 1, now())
		 ON CONFLICT (user_id, period) DO UPDATE
		   SET used = fix_quotas.used + 1, updated_at = now()
		   WHERE fix_quotas.used < $3
		 RETURNING used`,
		userID, period, limit,
	).Scan(&used)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("クォータの消費に失敗しました: %w", err)
	}
	return true, nil
}

// Refund は適用に失敗した分の消費を1戻す。
func (r *PostgresQuotaRepo) Refund(ctx context.Context, userID, period string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE fix_quotas SET used = used - 1, updated_at = now()
		 WHERE user_id = $1 AND period = $2 AND used > 0`,
		userID, period,
	)
	if err != nil {
		return fmt.Errorf("クォータの返却に失敗しました: %w", err)
	}
	return nil
}
