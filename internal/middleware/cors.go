package middleware

import (
	"net/http"
	"strings"
)

// requestIDHeader はchiのRequestIDミドルウェアが読み書きするヘッダー名。
const requestIDHeader = "X-Request-Id"

// NewCORSMiddleware は管理画面のオリジンからのクロスオリジン呼び出しを許可するミドルウェアを返す。
// ワイルドカード(*)は使用しない。許可ヘッダーには呼び出し元のユーザーIDヘッダーとリクエストIDを含め、
// 非同期ジョブのポーリングで使うRetry-AfterとリクエストIDをブラウザに公開する。
// OPTIONSプリフライトリクエストには後続に渡さず204で応答する。
func NewCORSMiddleware(allowedOrigin, userIDHeader string) func(next http.Handler) http.Handler {
	if userIDHeader == "" {
		userIDHeader = DefaultUserIDHeader
	}
	allowedHeaders := strings.Join([]string{"Content-Type", userIDHeader, requestIDHeader}, ", ")
	exposedHeaders := strings.Join([]string{"Retry-After", requestIDHeader}, ", ")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", allowedOrigin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", allowedHeaders)
			h.Set("Access-Control-Expose-Headers", exposedHeaders)
			h.Set("Access-Control-Max-Age", "86400")
			h.Add("Vary", "Origin")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
