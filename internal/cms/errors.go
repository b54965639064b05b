package cms

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/seopilot/internal/model"
)

// ErrorKind はアダプタ境界のエラー分類。
type ErrorKind string

const (
	// KindAuthExpired は認証情報の再設定が必要なエラー（リトライ不可）。
	KindAuthExpired ErrorKind = "auth_expired"
	// KindRateLimited はレート制限によるエラー（バックオフ付きでリトライ可）。
	KindRateLimited ErrorKind = "rate_limited"
	// KindNotFound は対象要素が存在しないエラー（リトライ不可）。
	KindNotFound ErrorKind = "not_found"
	// KindValidationRejected はプラットフォームが値を拒否したエラー（リトライ不可）。
	KindValidationRejected ErrorKind = "validation_rejected"
	// KindTransient はネットワーク障害や5xxなど一時的なエラー（リトライ可）。
	KindTransient ErrorKind = "transient"
)

// Retryable はジョブランナーによる自動リトライの対象かどうかを返す。
func (k ErrorKind) Retryable() bool {
	return k == KindRateLimited || k == KindTransient
}

// Code はFixの失敗理由として記録するエラーコードを返す。
func (k ErrorKind) Code() string {
	switch k {
	case KindAuthExpired:
		return model.ErrCodeCMSAuthExpired
	case KindRateLimited:
		return model.ErrCodeCMSRateLimited
	case KindNotFound:
		return model.ErrCodeCMSNotFound
	case KindValidationRejected:
		return model.ErrCodeCMSValidationRejected
	default:
		return model.ErrCodeCMSTransient
	}
}

// Error はCMSアダプタが返す型付きエラー。
type Error struct {
	Kind       ErrorKind
	Op         string // read / apply / validate
	Platform   model.Platform
	StatusCode int
	RetryAfter time.Duration
	Message    string
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("cms %s %s: %s (status %d): %s", e.Platform, e.Op, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("cms %s %s: %s: %s", e.Platform, e.Op, e.Kind, msg)
}

// Unwrap は元のエラーを返す。
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError は*Errorを生成する。
func NewError(kind ErrorKind, platform model.Platform, op, message string) *Error {
	return &Error{Kind: kind, Platform: platform, Op: op, Message: message}
}

// KindOf はエラーチェーンから*Errorを探し、その分類を返す。
func KindOf(err error) (ErrorKind, bool) {
	var cmsErr *Error
	if errors.As(err, &cmsErr) {
		return cmsErr.Kind, true
	}
	return "", false
}

// IsRetryable はエラーが自動リトライ対象（RateLimited / Transient）かどうかを返す。
func IsRetryable(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind.Retryable()
}

// RetryAfterOf はエラーに含まれるRetry-Afterの値を返す。ない場合は0。
func RetryAfterOf(err error) time.Duration {
	var cmsErr *Error
	if errors.As(err, &cmsErr) {
		return cmsErr.RetryAfter
	}
	return 0
}

// ClassifyHTTPStatus はHTTPステータスコードをエラー分類に変換する。
// 2xxは空文字列を返す。
func ClassifyHTTPStatus(statusCode int) ErrorKind {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return ""
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return KindAuthExpired
	case statusCode == http.StatusNotFound || statusCode == http.StatusGone:
		return KindNotFound
	case statusCode == http.StatusTooManyRequests:
		return KindRateLimited
	case statusCode == http.StatusRequestTimeout:
		return KindTransient
	case statusCode >= 500:
		return KindTransient
	default:
		return KindValidationRejected
	}
}

// classifyTransportError はHTTP送信自体のエラーを分類する。
// タイムアウトやネットワーク障害はすべて一時的なエラーとして扱う。
func classifyTransportError(platform model.Platform, op string, err error) *Error {
	msg := "ネットワークエラー"
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		msg = "タイムアウト"
	case errors.As(err, &netErr) && netErr.Timeout():
		msg = "タイムアウト"
	case errors.Is(err, context.Canceled):
		msg = "キャンセル"
	}
	return &Error{Kind: KindTransient, Platform: platform, Op: op, Message: msg, Err: err}
}

// parseRetryAfter はRetry-Afterヘッダー（秒数形式）を解析する。
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	sec, err := strconv.ParseFloat(v, 64)
	if err != nil || sec < 0 {
		return 0
	}
	return time.Duration(sec * float64(time.Second))
}
