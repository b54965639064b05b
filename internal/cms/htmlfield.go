package cms

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ExtractField は公開ページのHTMLから対象フィールドの現在値を取り出す。
// 要素がない場合と値が空の場合はどちらもexists=falseになる。
// image_altではrefに一致するsrcを持つ最初のimg要素のalt属性を返す。
func ExtractField(body []byte, field, ref string) (value string, exists bool, err error) {
	switch field {
	case FieldMetaTitle, FieldMetaDescription, FieldImageAlt, FieldCanonicalURL:
	default:
		return "", false, fmt.Errorf("未対応のフィールドです: %s", field)
	}

	z := html.NewTokenizer(bytes.NewReader(body))
	inTitle := false
	var title strings.Builder

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				if field == FieldMetaTitle && inTitle {
					v := strings.TrimSpace(title.String())
					return v, v != "", nil
				}
				return "", false, nil
			}
			return "", false, fmt.Errorf("HTMLの解析に失敗しました: %w", z.Err())

		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch {
			case field == FieldMetaTitle && tok.DataAtom == atom.Title && tt == html.StartTagToken:
				inTitle = true
			case field == FieldMetaDescription && tok.DataAtom == atom.Meta:
				if strings.EqualFold(attr(tok, "name"), "description") {
					v := strings.TrimSpace(attr(tok, "content"))
					return v, v != "", nil
				}
			case field == FieldCanonicalURL && tok.DataAtom == atom.Link:
				if hasToken(attr(tok, "rel"), "canonical") {
					v := strings.TrimSpace(attr(tok, "href"))
					return v, v != "", nil
				}
			case field == FieldImageAlt && tok.DataAtom == atom.Img:
				if attr(tok, "src") == ref {
					v := attr(tok, "alt")
					return v, v != "", nil
				}
			}

		case html.TextToken:
			if inTitle {
				title.Write(z.Text())
			}

		case html.EndTagToken:
			if inTitle {
				name, _ := z.TagName()
				if atom.Lookup(name) == atom.Title {
					v := strings.TrimSpace(title.String())
					return v, v != "", nil
				}
			}
		}
	}
}

func attr(tok html.Token, key string) string {
	for _, a := range tok.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// hasToken はスペース区切りの属性値にtokenが含まれるかどうかを返す。
func hasToken(v, token string) bool {
	for _, f := range strings.Fields(v) {
		if strings.EqualFold(f, token) {
			return true
		}
	}
	return false
}
