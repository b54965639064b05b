package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/seopilot/internal/model"
)

// PostgresCheckpointRepo はPostgreSQLを使用したチェックポイントリポジトリ。
type PostgresCheckpointRepo struct {
	db *sql.DB
}

// NewPostgresCheckpointRepo はPostgresCheckpointRepoを生成する。
func NewPostgresCheckpointRepo(db *sql.DB) *PostgresCheckpointRepo {
	return &PostgresCheckpointRepo{db: db}
}

var _ CheckpointRepository = (*PostgresCheckpointRepo)(nil)

// Create はチェックポイントを作成する。
func (r *PostgresCheckpointRepo) Create(ctx context.Context, cp *model.Checkpoint) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, connection_id, name, description, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		cp.ID, cp.ConnectionID, cp.Name, cp.Description, cp.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("チェックポイントの作成に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDのチェックポイントを取得する。見つからない場合はnilを返す。
func (r *PostgresCheckpointRepo) FindByID(ctx context.Context, id string) (*model.Checkpoint, error) {
	cp := &model.Checkpoint{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, connection_id, name, description, created_at FROM checkpoints WHERE id = $1`,
		id,
	).Scan(&cp.ID, &cp.ConnectionID, &cp.Name, &cp.Description, &cp.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("チェックポイントの取得に失敗しました: %w", err)
	}
	return cp, nil
}

// ListByConnection は接続のチェックポイントを新しい順に返す。
func (r *PostgresCheckpointRepo) ListByConnection(ctx context.Context, connectionID string) ([]*model.Checkpoint, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, connection_id, name, description, created_at FROM checkpoints
		 WHERE connection_id = $1 ORDER BY created_at DESC`,
		connectionID,
	)
	if err != nil {
		return nil, fmt.Errorf("チェックポイント一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var cps []*model.Checkpoint
	for rows.Next() {
		cp := &model.Checkpoint{}
		if err := rows.Scan(&cp.ID, &cp.ConnectionID, &cp.Name, &cp.Description, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("チェックポイント行の読み取りに失敗しました: %w", err)
		}
		cps = append(cps, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("チェックポイント一覧の走査に失敗しました: %w", err)
	}
	return cps, nil
}

// Delete は指定IDのチェックポイントを削除する。
// 紐付いた修正のcheckpoint_idはON DELETE SET NULLでクリアされる。
func (r *PostgresCheckpointRepo) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("チェックポイントの削除に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("削除結果の取得に失敗しました: %w", err)
	}
	if n == 0 {
		return model.NewCheckpointNotFoundError(id)
	}
	return nil
}
