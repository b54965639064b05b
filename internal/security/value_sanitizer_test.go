package security

import "testing"

func TestValueSanitizer_Sanitize(t *testing.T) {
	s := NewValueSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"空文字列", "", ""},
		{"プレーンテキスト", "Blue cotton tee", "Blue cotton tee"},
		{"タグを除去", "<b>Blue</b> <i>tee</i>", "Blue tee"},
		{"scriptは内容ごと除去", `Sale<script>alert("x")</script> now`, "Sale now"},
		{"実体参照を戻す", "Tom &amp; Jerry", "Tom & Jerry"},
		{"アンパサンドはそのまま", "Tom & Jerry", "Tom & Jerry"},
		{"空白をまとめる", "  many \n\t spaces  ", "many spaces"},
		{"属性のイベントハンドラ", `<img src=x onerror="alert(1)">Caption`, "Caption"},
		{"日本語", "夏の<em>セール</em>開催中", "夏のセール開催中"},
		{"NFC正規化", "Cafe\u0301", "Caf\u00e9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Sanitize(tt.input); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestValueSanitizer_Idempotent(t *testing.T) {
	s := NewValueSanitizer()
	input := `<p>Fresh &amp; <b>local</b></p>`

	first := s.Sanitize(input)
	second := s.Sanitize(first)
	if first != second {
		t.Errorf("2回目の結果が異なる: %q != %q", first, second)
	}
}
