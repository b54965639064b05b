package model

import "time"

// FixStatus はFixの状態を表す。
type FixStatus string

const (
	// FixStatusPending は適用待ち（ステージ済み）の状態。
	FixStatusPending FixStatus = "PENDING"
	// FixStatusApplied はCMSへの適用が完了した状態。
	FixStatusApplied FixStatus = "APPLIED"
	// FixStatusFailed は適用に失敗した状態。
	FixStatusFailed FixStatus = "FAILED"
	// FixStatusRolledBack はロールバック済みの状態。
	FixStatusRolledBack FixStatus = "ROLLED_BACK"
)

// IsTerminal は適用処理としての終端状態かどうかを返す。
func (s FixStatus) IsTerminal() bool {
	return s == FixStatusApplied || s == FixStatusFailed || s == FixStatusRolledBack
}

// Fix はIssueに対する1回の具体的な修正を表す。
// APPLIEDのFixは必ずBeforeState、AfterState、AppliedAt、RollbackDeadlineを持つ。
type Fix struct {
	ID            string
	IssueID       string // 空文字はIssueに紐付かない修正（画像altの一括修正など）
	ConnectionID  string
	Type          string
	Description   string
	PageURL       string
	ResourceRef   string
	Field         string
	ProposedValue string
	BeforeState   []byte
	AfterState    []byte
	Status        FixStatus
	ErrorCode     string
	ErrorMessage  string
	Retryable     bool
	Attempts      int
	InFlight      bool
	ClaimedAt     *time.Time
	AppliedAt     *time.Time
	// RollbackDeadline は AppliedAt + ロールバック可能期間。この時刻以降はロールバックできない
	RollbackDeadline *time.Time
	RolledBackAt     *time.Time
	Reasoning        string
	CheckpointID     string
	CreatedAt        time.Time
	UpdatedAt        time.Time

	// 一覧取得時にIssueから結合される並び替え用の値
	Severity   Severity
	DetectedAt *time.Time
}

// HasIssue はIssueに紐付いた修正かどうかを返す。
func (f *Fix) HasIssue() bool {
	return f.IssueID != ""
}

// CanRollbackAt は指定時刻にロールバック可能期間内かどうかを返す。
// 期限ちょうどの時刻は期間外として扱う。
func (f *Fix) CanRollbackAt(now time.Time) bool {
	return f.RollbackDeadline != nil && now.Before(*f.RollbackDeadline)
}

// FixEventKind は監査イベントの種類を表す。
type FixEventKind string

const (
	FixEventApplied        FixEventKind = "applied"
	FixEventFailed         FixEventKind = "failed"
	FixEventRolledBack     FixEventKind = "rolled_back"
	FixEventRollbackFailed FixEventKind = "rollback_failed"
)

// FixEvent はFixの状態遷移を記録する追記専用の監査レコード。
type FixEvent struct {
	ID           string
	FixID        string
	ConnectionID string
	Kind         FixEventKind
	Detail       string
	State        []byte
	CreatedAt    time.Time
}

// Checkpoint は接続のタイムライン上の名前付きマーカー。作成後は削除以外変更されない。
type Checkpoint struct {
	ID           string
	ConnectionID string
	Name         string
	Description  string
	CreatedAt    time.Time
}
