package cms

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/hitoshi/seopilot/internal/model"
	"golang.org/x/text/unicode/norm"
)

// Snapshot は対象要素のある時点の状態。
// before/after-stateとして保存し、ロールバック時に再適用する。
type Snapshot struct {
	Platform    model.Platform `json:"platform"`
	ResourceRef string         `json:"resource_ref"`
	PageURL     string         `json:"page_url"`
	Field       string         `json:"field"`
	Value       string         `json:"value"`
	Exists      bool           `json:"exists"`
}

// Equal は2つのスナップショットが同じ状態を表すかどうかを返す。
// 文字列はNFC正規化して比較する。
func (s *Snapshot) Equal(o *Snapshot) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.Exists == o.Exists &&
		s.Field == o.Field &&
		norm.NFC.String(s.Value) == norm.NFC.String(o.Value)
}

// MarshalSnapshot はスナップショットを正準JSONに変換する。
// キーはソート順、文字列はNFC正規化、HTMLエスケープなし。
// 同じ状態は常に同じバイト列になる。
func MarshalSnapshot(s *Snapshot) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("スナップショットがnilです")
	}
	fields := map[string]any{
		"platform":     string(s.Platform),
		"resource_ref": s.ResourceRef,
		"page_url":     s.PageURL,
		"field":        s.Field,
		"value":        s.Value,
		"exists":       s.Exists,
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := canonicalString(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')

		switch v := fields[k].(type) {
		case string:
			vb, err := canonicalString(v)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			buf.Write(vb)
		case bool:
			if v {
				buf.WriteString("true")
			} else {
				buf.WriteString("false")
			}
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalSnapshot は保存されたJSONからスナップショットを復元する。
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("スナップショットが空です")
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("スナップショットの解析に失敗しました: %w", err)
	}
	return &s, nil
}

// canonicalString はNFC正規化した文字列をHTMLエスケープなしでJSON文字列にする。
func canonicalString(s string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(norm.NFC.String(s)); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
