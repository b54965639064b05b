package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/seopilot/internal/model"
	"github.com/hitoshi/seopilot/internal/rollback"
	"github.com/hitoshi/seopilot/internal/worker/jobs"
)

// CheckpointService はチェックポイントハンドラーが必要とするサービスインターフェース。
type CheckpointService interface {
	Create(ctx context.Context, connectionID, userID, name, description string) (*model.Checkpoint, error)
	List(ctx context.Context, connectionID, userID string) ([]*model.Checkpoint, error)
	Get(ctx context.Context, checkpointID, userID string) (*model.Checkpoint, error)
	Delete(ctx context.Context, checkpointID, userID string) error
}

// CheckpointRollbacker はチェックポイント以降の修正をまとめて戻すインターフェース。
type CheckpointRollbacker interface {
	RollbackSinceCheckpoint(ctx context.Context, checkpointID, userID string) (*rollback.BatchResult, error)
}

// CheckpointHandler はチェックポイント管理のHTTPハンドラー。
type CheckpointHandler struct {
	service   CheckpointService
	rollbacks CheckpointRollbacker
	jobs      JobQueue
	logger    *slog.Logger
}

// NewCheckpointHandler はCheckpointHandlerを生成する。
func NewCheckpointHandler(service CheckpointService, rollbacks CheckpointRollbacker, jobs JobQueue, logger *slog.Logger) *CheckpointHandler {
	return &CheckpointHandler{
		service:   service,
		rollbacks: rollbacks,
		jobs:      jobs,
		logger:    logger,
	}
}

// createCheckpointRequest はチェックポイント作成リクエストのボディ。
type createCheckpointRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// checkpointResponse はチェックポイントのAPIレスポンス。
type checkpointResponse struct {
	ID           string    `json:"id"`
	ConnectionID string    `json:"connection_id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// checkpointListResponse はチェックポイント一覧のAPIレスポンス。
type checkpointListResponse struct {
	Data []checkpointResponse `json:"data"`
}

// CreateCheckpoint はチェックポイントの作成を処理する。
// POST /api/connections/{id}/checkpoints
func (h *CheckpointHandler) CreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req createCheckpointRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}

	cp, err := h.service.Create(r.Context(), chi.URLParam(r, "id"), userID, req.Name, req.Description)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCheckpointResponse(cp))
}

// ListCheckpoints は接続のチェックポイント一覧を返す。
// GET /api/connections/{id}/checkpoints
func (h *CheckpointHandler) ListCheckpoints(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	cps, err := h.service.List(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	resp := checkpointListResponse{Data: make([]checkpointResponse, 0, len(cps))}
	for _, cp := range cps {
		resp.Data = append(resp.Data, toCheckpointResponse(cp))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetCheckpoint はチェックポイントの詳細を返す。
// GET /api/checkpoints/{id}
func (h *CheckpointHandler) GetCheckpoint(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	cp, err := h.service.Get(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toCheckpointResponse(cp))
}

// DeleteCheckpoint はチェックポイントを削除する。修正自体には影響しない。
// DELETE /api/checkpoints/{id}
func (h *CheckpointHandler) DeleteCheckpoint(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RollbackCheckpoint はチェックポイント以降に適用された修正をまとめて戻す。
// POST /api/checkpoints/{id}/rollback
func (h *CheckpointHandler) RollbackCheckpoint(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	checkpointID := chi.URLParam(r, "id")

	var req asyncRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}

	if req.Async {
		if _, err := h.service.Get(r.Context(), checkpointID, userID); err != nil {
			handleServiceError(w, r, h.logger, err)
			return
		}
		jobID, err := h.jobs.Enqueue(r.Context(), jobs.TypeRollbackCheckpoint, jobs.RollbackCheckpointPayload{
			CheckpointID: checkpointID,
			UserID:       userID,
		})
		if err != nil {
			handleServiceError(w, r, h.logger, err)
			return
		}
		writeJSON(w, http.StatusAccepted, jobAcceptedResponse{JobID: jobID})
		return
	}

	result, err := h.rollbacks.RollbackSinceCheckpoint(r.Context(), checkpointID, userID)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func toCheckpointResponse(cp *model.Checkpoint) checkpointResponse {
	return checkpointResponse{
		ID:           cp.ID,
		ConnectionID: cp.ConnectionID,
		Name:         cp.Name,
		Description:  cp.Description,
		CreatedAt:    cp.CreatedAt,
	}
}
