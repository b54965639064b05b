package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/seopilot/internal/model"
)

// PostgresConnectionRepo はPostgreSQLを使用した接続リポジトリ。
type PostgresConnectionRepo struct {
	db *sql.DB
}

// NewPostgresConnectionRepo はPostgresConnectionRepoを生成する。
func NewPostgresConnectionRepo(db *sql.DB) *PostgresConnectionRepo {
	return &PostgresConnectionRepo{db: db}
}

var _ ConnectionRepository = (*PostgresConnectionRepo)(nil)

// FindByID は指定IDの接続を取得する。見つからない場合はnilを返す。
func (r *PostgresConnectionRepo) FindByID(ctx context.Context, id string) (*model.Connection, error) {
	c := &model.Connection{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, platform, site_url, api_endpoint, access_token, api_user,
		        execution_mode, created_at, updated_at
		 FROM connections WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.UserID, &c.Platform, &c.SiteURL, &c.APIEndpoint, &c.AccessToken, &c.APIUser,
		&c.ExecutionMode, &c.CreatedAt, &c.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("接続の取得に失敗しました: %w", err)
	}
	return c, nil
}
