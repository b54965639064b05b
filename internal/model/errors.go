package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, fix, cms, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeQuotaExhausted        = "QUOTA_EXHAUSTED"
	ErrCodeFixAlreadyInProgress  = "FIX_ALREADY_IN_PROGRESS"
	ErrCodeNotAuthorized         = "NOT_AUTHORIZED"
	ErrCodeUnauthorized          = "UNAUTHORIZED"
	ErrCodeFixNotFound           = "FIX_NOT_FOUND"
	ErrCodeIssueNotFound         = "ISSUE_NOT_FOUND"
	ErrCodeConnectionNotFound    = "CONNECTION_NOT_FOUND"
	ErrCodeRollbackWindowExpired = "ROLLBACK_WINDOW_EXPIRED"
	ErrCodeFixAlreadyRolledBack  = "FIX_ALREADY_ROLLED_BACK"
	ErrCodeFixAlreadyProcessed   = "FIX_ALREADY_PROCESSED"
	ErrCodeFixNotApplied         = "FIX_NOT_APPLIED"
	ErrCodeCheckpointNotFound    = "CHECKPOINT_NOT_FOUND"
	ErrCodeInvalidCheckpoint     = "INVALID_CHECKPOINT"
	ErrCodeJobNotFound           = "JOB_NOT_FOUND"
	ErrCodeUnsupportedFixType    = "UNSUPPORTED_FIX_TYPE"
	ErrCodeInvalidRequest        = "INVALID_REQUEST"
	ErrCodeInternal              = "INTERNAL_ERROR"
	ErrCodeRateLimitExceeded     = "RATE_LIMIT_EXCEEDED"

	// CMSアダプタ境界のエラーコード
	ErrCodeCMSAuthExpired        = "CMS_AUTH_EXPIRED"
	ErrCodeCMSRateLimited        = "CMS_RATE_LIMITED"
	ErrCodeCMSNotFound           = "CMS_NOT_FOUND"
	ErrCodeCMSValidationRejected = "CMS_VALIDATION_REJECTED"
	ErrCodeCMSTransient          = "CMS_TRANSIENT"

	// 修正の記録にのみ使うエラーコード
	ErrCodeFixSuperseded       = "FIX_SUPERSEDED"
	ErrCodeApplyOutcomeUnknown = "APPLY_OUTCOME_UNKNOWN"
)

// HasCode はエラーが指定コードのAPIErrorかどうかを返す。
func HasCode(err error, code string) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == code
	}
	return false
}

// NewQuotaExhaustedError は今期の修正クォータ超過エラーを生成する。
func NewQuotaExhaustedError(limit int) *APIError {
	return &APIError{
		Code:     ErrCodeQuotaExhausted,
		Message:  fmt.Sprintf("今期の修正適用数が上限（%d件）に達しています。", limit),
		Category: "fix",
		Action:   "次の請求期間まで待つか、プランの上限を確認してください。",
	}
}

// NewFixAlreadyInProgressError は同じIssueへの修正が適用中の場合のエラーを生成する。
func NewFixAlreadyInProgressError(issueID string) *APIError {
	return &APIError{
		Code:     ErrCodeFixAlreadyInProgress,
		Message:  fmt.Sprintf("このIssueへの修正は既に適用中です: %s", issueID),
		Category: "fix",
		Action:   "現在の適用が完了するまでお待ちください。",
	}
}

// NewNotAuthorizedError は接続の所有者以外からの操作エラーを生成する。
func NewNotAuthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotAuthorized,
		Message:  "この接続に対する操作権限がありません。",
		Category: "auth",
		Action:   "接続を所有するアカウントで操作してください。",
	}
}

// NewUnauthorizedError は呼び出し元の識別情報がない場合のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewFixNotFoundError は修正未検出エラーを生成する。
func NewFixNotFoundError(fixID string) *APIError {
	return &APIError{
		Code:     ErrCodeFixNotFound,
		Message:  fmt.Sprintf("指定された修正が見つかりません: %s", fixID),
		Category: "fix",
		Action:   "修正IDを確認してください。保持期間を過ぎた修正は削除されています。",
	}
}

// NewIssueNotFoundError はIssue未検出エラーを生成する。
func NewIssueNotFoundError(issueID string) *APIError {
	return &APIError{
		Code:     ErrCodeIssueNotFound,
		Message:  fmt.Sprintf("指定されたIssueが見つかりません: %s", issueID),
		Category: "fix",
		Action:   "IssueIDを確認してください。",
	}
}

// NewConnectionNotFoundError は接続未検出エラーを生成する。
func NewConnectionNotFoundError(connectionID string) *APIError {
	return &APIError{
		Code:     ErrCodeConnectionNotFound,
		Message:  fmt.Sprintf("指定された接続が見つかりません: %s", connectionID),
		Category: "fix",
		Action:   "接続IDを確認してください。",
	}
}

// NewRollbackWindowExpiredError はロールバック期限切れエラーを生成する。
func NewRollbackWindowExpiredError(fixID string) *APIError {
	return &APIError{
		Code:     ErrCodeRollbackWindowExpired,
		Message:  fmt.Sprintf("ロールバック可能期間を過ぎています: %s", fixID),
		Category: "fix",
		Action:   "CMS上で直接内容を修正してください。",
	}
}

// NewFixAlreadyRolledBackError はロールバック済みの修正に対するエラーを生成する。
func NewFixAlreadyRolledBackError(fixID string) *APIError {
	return &APIError{
		Code:     ErrCodeFixAlreadyRolledBack,
		Message:  fmt.Sprintf("この修正は既にロールバックされています: %s", fixID),
		Category: "fix",
		Action:   "修正履歴を確認してください。",
	}
}

// NewFixAlreadyProcessedError は適用待ちでない修正を承認しようとした場合のエラーを生成する。
func NewFixAlreadyProcessedError(fixID string, status FixStatus) *APIError {
	return &APIError{
		Code:     ErrCodeFixAlreadyProcessed,
		Message:  fmt.Sprintf("この修正は既に処理済みです（状態: %s）: %s", status, fixID),
		Category: "fix",
		Action:   "修正一覧を再読み込みしてください。",
	}
}

// NewFixNotAppliedError は適用済みでない修正をロールバックしようとした場合のエラーを生成する。
func NewFixNotAppliedError(fixID string, status FixStatus) *APIError {
	return &APIError{
		Code:     ErrCodeFixNotApplied,
		Message:  fmt.Sprintf("適用済みでない修正はロールバックできません（状態: %s）: %s", status, fixID),
		Category: "fix",
		Action:   "適用済みの修正のみロールバックできます。",
	}
}

// NewCheckpointNotFoundError はチェックポイント未検出エラーを生成する。
func NewCheckpointNotFoundError(checkpointID string) *APIError {
	return &APIError{
		Code:     ErrCodeCheckpointNotFound,
		Message:  fmt.Sprintf("指定されたチェックポイントが見つかりません: %s", checkpointID),
		Category: "fix",
		Action:   "チェックポイントIDを確認してください。",
	}
}

// NewInvalidCheckpointError はチェックポイント入力の検証エラーを生成する。
func NewInvalidCheckpointError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCheckpoint,
		Message:  fmt.Sprintf("チェックポイントが不正です: %s", reason),
		Category: "validation",
		Action:   "名前は1文字以上100文字以内で指定してください。",
	}
}

// NewJobNotFoundError はジョブ未検出エラーを生成する。
func NewJobNotFoundError(jobID string) *APIError {
	return &APIError{
		Code:     ErrCodeJobNotFound,
		Message:  fmt.Sprintf("指定されたジョブが見つかりません: %s", jobID),
		Category: "system",
		Action:   "ジョブIDを確認してください。",
	}
}

// NewUnsupportedFixTypeError は修正カタログに存在しない種類のエラーを生成する。
func NewUnsupportedFixTypeError(fixType string) *APIError {
	return &APIError{
		Code:     ErrCodeUnsupportedFixType,
		Message:  fmt.Sprintf("自動修正に対応していないIssue種別です: %s", fixType),
		Category: "fix",
		Action:   "CMS上で手動で修正してください。",
	}
}

// NewInvalidRequestError はリクエストボディの解析エラーを生成する。
func NewInvalidRequestError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewRateLimitExceededError はAPIのレート制限超過エラーを生成する。
func NewRateLimitExceededError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimitExceeded,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterヘッダーの秒数だけ待ってから再度お試しください。",
	}
}
