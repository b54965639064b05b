// Package checkpoint は接続のタイムライン上の名前付きマーカーを管理する。
package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/hitoshi/seopilot/internal/model"
	"github.com/hitoshi/seopilot/internal/repository"
)

// MaxNameLength はチェックポイント名の最大文字数。
const MaxNameLength = 100

// Service はチェックポイントの作成、一覧、削除を提供する。
type Service struct {
	connections repository.ConnectionRepository
	checkpoints repository.CheckpointRepository
	logger      *slog.Logger
	now         func() time.Time
}

// NewService はServiceを生成する。
func NewService(connections repository.ConnectionRepository, checkpoints repository.CheckpointRepository, logger *slog.Logger) *Service {
	return &Service{
		connections: connections,
		checkpoints: checkpoints,
		logger:      logger,
		now:         time.Now,
	}
}

// Create はチェックポイントを作成する。名前は前後の空白を除いて1〜100文字。
func (s *Service) Create(ctx context.Context, connectionID, userID, name, description string) (*model.Checkpoint, error) {
	if err := s.authorize(ctx, connectionID, userID); err != nil {
		return nil, err
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, model.NewInvalidCheckpointError("名前が空です")
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return nil, model.NewInvalidCheckpointError(fmt.Sprintf("名前が%d文字を超えています", MaxNameLength))
	}

	cp := &model.Checkpoint{
		ID:           uuid.NewString(),
		ConnectionID: connectionID,
		Name:         name,
		Description:  strings.TrimSpace(description),
		CreatedAt:    s.now(),
	}
	if err := s.checkpoints.Create(ctx, cp); err != nil {
		return nil, err
	}

	s.logger.Info("チェックポイントを作成しました",
		slog.String("checkpoint_id", cp.ID),
		slog.String("connection_id", connectionID),
	)
	return cp, nil
}

// List は接続のチェックポイントを新しい順に返す。
func (s *Service) List(ctx context.Context, connectionID, userID string) ([]*model.Checkpoint, error) {
	if err := s.authorize(ctx, connectionID, userID); err != nil {
		return nil, err
	}
	cps, err := s.checkpoints.ListByConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if cps == nil {
		cps = []*model.Checkpoint{}
	}
	return cps, nil
}

// Get はチェックポイントを返す。存在しない場合はCHECKPOINT_NOT_FOUND。
func (s *Service) Get(ctx context.Context, checkpointID, userID string) (*model.Checkpoint, error) {
	cp, err := s.checkpoints.FindByID(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, model.NewCheckpointNotFoundError(checkpointID)
	}
	if err := s.authorize(ctx, cp.ConnectionID, userID); err != nil {
		return nil, err
	}
	return cp, nil
}

// Delete はチェックポイントを削除する。修正の状態には影響しない。
func (s *Service) Delete(ctx context.Context, checkpointID, userID string) error {
	if _, err := s.Get(ctx, checkpointID, userID); err != nil {
		return err
	}
	if err := s.checkpoints.Delete(ctx, checkpointID); err != nil {
		return err
	}
	s.logger.Info("チェックポイントを削除しました", slog.String("checkpoint_id", checkpointID))
	return nil
}

func (s *Service) authorize(ctx context.Context, connectionID, userID string) error {
	conn, err := s.connections.FindByID(ctx, connectionID)
	if err != nil {
		return fmt.Errorf("接続の取得に失敗しました: %w", err)
	}
	if conn == nil {
		return model.NewConnectionNotFoundError(connectionID)
	}
	if !conn.OwnedBy(userID) {
		return model.NewNotAuthorizedError()
	}
	return nil
}
