package middleware

import (
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// NewSecurityHeadersMiddleware はJSON APIとして必要なセキュリティ関連のレスポンスヘッダーを付与するミドルウェアを返す。
// 修正前後の状態を含むレスポンスはキャッシュさせない。
// RequestIDミドルウェアの後ろに置くと、採番されたリクエストIDをX-Request-Idとして返す。
func NewSecurityHeadersMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Cache-Control", "no-store")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			if id := chimw.GetReqID(r.Context()); id != "" {
				h.Set(requestIDHeader, id)
			}
			next.ServeHTTP(w, r)
		})
	}
}
