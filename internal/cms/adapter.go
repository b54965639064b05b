// Package cms は外部CMS（Shopify、WordPress、カスタムCMS）への読み取りと変更適用を提供する。
// 接続ごとにプラットフォームに応じたAdapterを1回だけ解決し、呼び出し側は分岐を持たない。
package cms

import (
	"context"

	"github.com/hitoshi/seopilot/internal/model"
)

// 対応している変更対象フィールド
const (
	FieldMetaTitle       = "meta_title"
	FieldMetaDescription = "meta_description"
	FieldImageAlt        = "image_alt"
	FieldCanonicalURL    = "canonical_url"
)

// Target は変更対象の要素を表す。
type Target struct {
	PageURL     string
	ResourceRef string // プラットフォーム上のリソース位置。カスタムCMSのimage_altでは画像のsrc
	Field       string
}

// Change はTargetに適用する新しい値を表す。
// Clearがtrueの場合は値を設定せずにフィールドを削除する（ロールバックで元々存在しなかった値を戻す場合）。
type Change struct {
	Field string
	Value string
	Clear bool
}

// ApplyResult は変更適用呼び出しの結果。
// 適用後の状態は呼び出し側がReadで読み直して確認する。
type ApplyResult struct {
	Acknowledged bool
	RemoteID     string
}

// Adapter はプラットフォーム固有のCMS操作を抽象化する。
// 実装は自身のネットワーク呼び出しにタイムアウトを設け、接続ごとのレート制限を行う。
// エラーは*Errorとして返す。
type Adapter interface {
	// Platform はアダプタが対象とするプラットフォームを返す。
	Platform() model.Platform

	// Read は対象要素の現在の状態を読み取る。
	Read(ctx context.Context, target Target) (*Snapshot, error)

	// Apply は対象要素に変更を適用する。
	Apply(ctx context.Context, target Target, change Change) (*ApplyResult, error)
}

// TargetOf は修正の変更対象を返す。
func TargetOf(fix *model.Fix) Target {
	return Target{
		PageURL:     fix.PageURL,
		ResourceRef: fix.ResourceRef,
		Field:       fix.Field,
	}
}

// RestoreChange はスナップショットの状態に戻すための変更を返す。
func RestoreChange(s *Snapshot) Change {
	if !s.Exists {
		return Change{Field: s.Field, Clear: true}
	}
	return Change{Field: s.Field, Value: s.Value}
}
