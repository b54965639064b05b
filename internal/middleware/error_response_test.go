package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/seopilot/internal/model"
)

func decodeErrorBody(t *testing.T, w *httptest.ResponseRecorder) ErrorResponseBody {
	t.Helper()
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	return body
}

// TestWriteErrorResponse_DomainErrors は修正・ロールバックのエラーが統一フォーマットで返ることを検証する。
func TestWriteErrorResponse_DomainErrors(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		apiErr     *model.APIError
	}{
		{"quota exhausted", http.StatusTooManyRequests, model.NewQuotaExhaustedError(100)},
		{"fix in progress", http.StatusConflict, model.NewFixAlreadyInProgressError("issue-1")},
		{"rollback window expired", http.StatusGone, model.NewRollbackWindowExpiredError("fix-1")},
		{"already rolled back", http.StatusConflict, model.NewFixAlreadyRolledBackError("fix-1")},
		{"checkpoint not found", http.StatusNotFound, model.NewCheckpointNotFoundError("cp-1")},
		{"not authorized", http.StatusForbidden, model.NewNotAuthorizedError()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteErrorResponse(w, tt.statusCode, tt.apiErr)

			if w.Code != tt.statusCode {
				t.Errorf("status = %d, want %d", w.Code, tt.statusCode)
			}
			body := decodeErrorBody(t, w)
			if body.Code != tt.apiErr.Code {
				t.Errorf("code = %q, want %q", body.Code, tt.apiErr.Code)
			}
			if body.Message != tt.apiErr.Message || body.Message == "" {
				t.Errorf("message = %q, want %q", body.Message, tt.apiErr.Message)
			}
			if body.Category != tt.apiErr.Category || body.Action != tt.apiErr.Action {
				t.Errorf("category/action = %q/%q, want %q/%q", body.Category, body.Action, tt.apiErr.Category, tt.apiErr.Action)
			}
		})
	}
}

// TestIdentityMiddleware_RejectsWithUnifiedFormat はユーザーIDヘッダーが不正な場合に統一フォーマットの401を返すことを検証する。
func TestIdentityMiddleware_RejectsWithUnifiedFormat(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"missing", ""},
		{"blank", "   "},
		{"too long", strings.Repeat("u", maxUserIDLength+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewIdentityMiddleware("X-Auth-Subject")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Error("不正なユーザーIDでハンドラーが呼ばれた")
			}))

			req := httptest.NewRequest(http.MethodPost, "/api/fixes/fix-1/rollback", nil)
			if tt.value != "" {
				req.Header.Set("X-Auth-Subject", tt.value)
			}
			// 設定と異なるヘッダー名は無視される
			req.Header.Set(DefaultUserIDHeader, "owner-1")
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
			}
			if body := decodeErrorBody(t, w); body.Code != model.ErrCodeUnauthorized {
				t.Errorf("code = %q, want %q", body.Code, model.ErrCodeUnauthorized)
			}
		})
	}
}

// TestInternalServerError_ReturnsSystemError は内部エラーの詳細を返さないことを検証する。
func TestInternalServerError_ReturnsSystemError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteInternalServerError(w)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	body := decodeErrorBody(t, w)
	if body.Code != model.ErrCodeInternal {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInternal)
	}
	if body.Category != "system" || body.Action == "" {
		t.Errorf("category = %q action = %q", body.Category, body.Action)
	}
}

// TestErrorResponseBody_AllFieldsPresent は全フィールドがJSONレスポンスに含まれることを検証する。
func TestErrorResponseBody_AllFieldsPresent(t *testing.T) {
	w := httptest.NewRecorder()
	WriteErrorResponse(w, http.StatusUnprocessableEntity, model.NewInvalidCheckpointError("name is required"))

	var raw map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&raw); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	for _, field := range []string{"code", "message", "category", "action"} {
		if _, ok := raw[field]; !ok {
			t.Errorf("missing required field: %s", field)
		}
	}
}
