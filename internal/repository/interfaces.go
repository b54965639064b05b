// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/seopilot/internal/model"
)

// ConnectionRepository はCMS接続データの永続化インターフェース。
type ConnectionRepository interface {
	// FindByID は指定IDの接続を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Connection, error)
}

// IssueRepository はIssueデータの永続化インターフェース。
// Issueの作成はクロールパイプライン側の責務のため、ここでは状態遷移のみを扱う。
type IssueRepository interface {
	// FindByID は指定IDのIssueを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Issue, error)

	// ListOpenByConnection は接続のDETECTED状態のIssueを重大度降順、検出日時降順で返す。
	ListOpenByConnection(ctx context.Context, connectionID string) ([]*model.Issue, error)

	// Claim はDETECTED→FIXINGの条件付き更新でIssueをクレームする。
	// 既に他の呼び出しがクレームしている場合はfalseを返す。
	Claim(ctx context.Context, id string) (bool, error)

	// Release はFIXING→DETECTEDに戻してクレームを解放する。
	Release(ctx context.Context, id string) error
}

// FixRepository は修正データの永続化インターフェース。
// 状態遷移はすべて単一の条件付きUPDATEで行い、読み取り後の書き込みは行わない。
type FixRepository interface {
	// Create はPENDINGの修正を作成する。
	// 同じIssueに適用待ちの修正が既にある場合は作成せずfalseを返す。
	Create(ctx context.Context, fix *model.Fix) (bool, error)

	// FindByID は指定IDの修正を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Fix, error)

	// FindPendingByIssue はIssueの適用待ち修正を取得する。見つからない場合はnilを返す。
	FindPendingByIssue(ctx context.Context, issueID string) (*model.Fix, error)

	// ListPendingByConnection は接続の適用待ち修正を重大度降順、検出日時降順で返す。
	ListPendingByConnection(ctx context.Context, connectionID string) ([]*model.Fix, error)

	// ListAppliedSince は指定時刻以降に適用されたAPPLIED状態の修正を新しい順に返す。
	ListAppliedSince(ctx context.Context, connectionID string, since time.Time) ([]*model.Fix, error)

	// Claim は修正の適用クレーム（in_flight）を取得する。
	// allowRetryがtrueの場合はリトライ可能なFAILEDの修正も対象にする。
	Claim(ctx context.Context, id string, allowRetry bool) (bool, error)

	// MarkApplied は修正のAPPLIED遷移、IssueのFIXED遷移、監査イベントを同一トランザクションで記録する。
	MarkApplied(ctx context.Context, fix *model.Fix, event *model.FixEvent) error

	// MarkFailed は修正のFAILED遷移、IssueのDETECTEDへの解放、監査イベントを同一トランザクションで記録する。
	MarkFailed(ctx context.Context, fix *model.Fix, event *model.FixEvent) error

	// ClaimForRollback はAPPLIEDかつ期限内の修正をロールバック用にクレームする。
	ClaimForRollback(ctx context.Context, id string, now time.Time) (bool, error)

	// MarkRolledBack は修正のROLLED_BACK遷移、IssueのDETECTED遷移、監査イベントを同一トランザクションで記録する。
	MarkRolledBack(ctx context.Context, fix *model.Fix, event *model.FixEvent) error

	// ReleaseClaim は状態を変えずにクレームを解放する。eventがnilでなければ監査イベントも記録する。
	ReleaseClaim(ctx context.Context, id string, event *model.FixEvent) error

	// Supersede はクレームされていない適用待ち、またはリトライ可能な失敗の修正を
	// リトライ不可のFAILEDとして閉じる。Issueの状態は変更しない。
	// 対象外の状態だった場合はfalseを返す。
	Supersede(ctx context.Context, fix *model.Fix, event *model.FixEvent) (bool, error)

	// DisableRetries はIssueに紐付くkeepFixID以外のリトライ可能なFAILED修正をリトライ不可にする。
	DisableRetries(ctx context.Context, issueID, keepFixID string) (int64, error)
}

// CheckpointRepository はチェックポイントの永続化インターフェース。
type CheckpointRepository interface {
	// Create はチェックポイントを作成する。
	Create(ctx context.Context, cp *model.Checkpoint) error

	// FindByID は指定IDのチェックポイントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Checkpoint, error)

	// ListByConnection は接続のチェックポイントを新しい順に返す。
	ListByConnection(ctx context.Context, connectionID string) ([]*model.Checkpoint, error)

	// Delete は指定IDのチェックポイントを削除する。
	Delete(ctx context.Context, id string) error
}

// QuotaRepository は請求期間ごとの修正適用数の永続化インターフェース。
type QuotaRepository interface {
	// Used は期間内の適用数を返す。
	Used(ctx context.Context, userID, period string) (int, error)

	// Consume は上限未満の場合のみ適用数を1増やす。上限に達している場合はfalseを返す。
	Consume(ctx context.Context, userID, period string, limit int) (bool, error)

	// Refund は適用に失敗した分の消費を1戻す。
	Refund(ctx context.Context, userID, period string) error
}

// JobRepository はバックグラウンドジョブの永続化インターフェース。
type JobRepository interface {
	// Create はジョブを作成する。
	Create(ctx context.Context, job *model.Job) error

	// FindByID は指定IDのジョブを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Job, error)

	// ClaimDue は実行時刻を過ぎたqueuedジョブをFOR UPDATE SKIP LOCKEDで取得し、runningにする。
	ClaimDue(ctx context.Context, limit int) ([]*model.Job, error)

	// UpdateProgress はジョブの進捗（0-100）を更新する。
	UpdateProgress(ctx context.Context, id string, progress int) error

	// Complete はジョブを成功として完了させる。
	Complete(ctx context.Context, id string) error

	// Fail はジョブを失敗として完了させる。
	Fail(ctx context.Context, id string, reason string) error

	// Reschedule はジョブをqueuedに戻し、runAtに再実行する。
	Reschedule(ctx context.Context, id string, runAt time.Time, reason string) error
}
