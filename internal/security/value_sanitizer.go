package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"
)

// ValueSanitizer はCMSに書き込む提案値をプレーンテキストに整える。
// タイトルやメタディスクリプション、alt属性にはマークアップを含めない。
type ValueSanitizer struct {
	policy *bluemonday.Policy
}

// NewValueSanitizer はすべてのタグを除去するStrictPolicyでValueSanitizerを生成する。
func NewValueSanitizer() *ValueSanitizer {
	return &ValueSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はタグを除去し、空白を1つにまとめ、NFC正規化した文字列を返す。
// StrictPolicyがエスケープした実体参照は元の文字に戻す。
// エスケープはCMS側が出力時に行う。
func (s *ValueSanitizer) Sanitize(value string) string {
	if value == "" {
		return ""
	}
	stripped := html.UnescapeString(s.policy.Sanitize(value))
	return norm.NFC.String(strings.Join(strings.Fields(stripped), " "))
}
