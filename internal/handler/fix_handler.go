package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/seopilot/internal/engine"
	"github.com/hitoshi/seopilot/internal/rollback"
	"github.com/hitoshi/seopilot/internal/worker/jobs"
)

// FixEngine は修正ハンドラーが必要とする修正実行エンジンのインターフェース。
type FixEngine interface {
	// Authorize は接続の所有者を確認する。
	Authorize(ctx context.Context, connectionID, userID string) error
	// ExecuteFixes は指定Issue（空なら全DETECTED）の修正を生成し、モードに従って適用する。
	ExecuteFixes(ctx context.Context, connectionID, userID string, issueIDs []string) (*engine.BatchResult, error)
	// ApprovePlan はPLANモードでステージされた修正をまとめて適用する。
	ApprovePlan(ctx context.Context, connectionID, userID string) (*engine.BatchResult, error)
	// ApproveFix はPENDINGの修正1件を承認して適用する。
	ApproveFix(ctx context.Context, fixID, userID string) (*engine.ApproveResult, error)
}

// FixRollbacker は修正単位のロールバックを行うインターフェース。
type FixRollbacker interface {
	RollbackFix(ctx context.Context, fixID, userID string) (*rollback.Result, error)
}

// JobQueue は非同期ジョブの投入と状態取得を行うインターフェース。
type JobQueue interface {
	Enqueue(ctx context.Context, jobType string, payload any) (string, error)
	GetStatus(ctx context.Context, jobID string) (*jobs.Status, error)
}

// FixHandler は修正の実行、承認、ロールバックのHTTPハンドラー。
type FixHandler struct {
	engine    FixEngine
	rollbacks FixRollbacker
	jobs      JobQueue
	logger    *slog.Logger
}

// NewFixHandler はFixHandlerを生成する。
func NewFixHandler(engine FixEngine, rollbacks FixRollbacker, jobs JobQueue, logger *slog.Logger) *FixHandler {
	return &FixHandler{
		engine:    engine,
		rollbacks: rollbacks,
		jobs:      jobs,
		logger:    logger,
	}
}

// executeFixesRequest は修正実行リクエストのボディ。
type executeFixesRequest struct {
	IssueIDs []string `json:"issue_ids"`
	Async    bool     `json:"async"`
}

// asyncRequest は非同期実行の指定のみを持つリクエストのボディ。
type asyncRequest struct {
	Async bool `json:"async"`
}

// jobAcceptedResponse は非同期ジョブ受付時のレスポンス。
type jobAcceptedResponse struct {
	JobID string `json:"job_id"`
}

// ExecuteFixes は修正の生成と適用を処理する。
// POST /api/connections/{id}/fixes/execute
func (h *FixHandler) ExecuteFixes(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	connectionID := chi.URLParam(r, "id")

	var req executeFixesRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}

	if req.Async {
		h.enqueue(w, r, connectionID, userID, jobs.TypeExecuteFixes, jobs.ExecuteFixesPayload{
			ConnectionID: connectionID,
			UserID:       userID,
			IssueIDs:     req.IssueIDs,
		})
		return
	}

	result, err := h.engine.ExecuteFixes(r.Context(), connectionID, userID, req.IssueIDs)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ApprovePlan はステージ済み修正の一括承認を処理する。
// POST /api/connections/{id}/plan/approve
func (h *FixHandler) ApprovePlan(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	connectionID := chi.URLParam(r, "id")

	var req asyncRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}

	if req.Async {
		h.enqueue(w, r, connectionID, userID, jobs.TypeApprovePlan, jobs.ApprovePlanPayload{
			ConnectionID: connectionID,
			UserID:       userID,
		})
		return
	}

	result, err := h.engine.ApprovePlan(r.Context(), connectionID, userID)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ApproveFix は修正1件の承認を処理する。
// POST /api/fixes/{id}/approve
func (h *FixHandler) ApproveFix(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	result, err := h.engine.ApproveFix(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RollbackFix は修正1件のロールバックを処理する。
// POST /api/fixes/{id}/rollback
func (h *FixHandler) RollbackFix(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	result, err := h.rollbacks.RollbackFix(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetJob は非同期ジョブの状態を返す。
// GET /api/jobs/{id}
func (h *FixHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUserID(w, r); !ok {
		return
	}

	status, err := h.jobs.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// enqueue は接続の所有者を確認してからジョブを投入し、202 Acceptedを返す。
func (h *FixHandler) enqueue(w http.ResponseWriter, r *http.Request, connectionID, userID, jobType string, payload any) {
	if err := h.engine.Authorize(r.Context(), connectionID, userID); err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	jobID, err := h.jobs.Enqueue(r.Context(), jobType, payload)
	if err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobAcceptedResponse{JobID: jobID})
}
