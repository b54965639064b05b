package cms

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/hitoshi/seopilot/internal/model"
)

// DefaultWordPressMetaKey はメタディスクリプションを保存するデフォルトのメタキー（Yoast SEO）。
const DefaultWordPressMetaKey = "_yoast_wpseo_metadesc"

// WordPressのREST APIリソース: posts/1, pages/2, media/3
var wordpressRef = regexp.MustCompile(`^(posts|pages|media)/\d+$`)

// WordPressAdapter はWordPress REST API（wp/v2）を使うAdapter。
// 認証はアプリケーションパスワードによるBasic認証。
type WordPressAdapter struct {
	baseURL string
	auth    string
	metaKey string
	http    *transport
}

var _ Adapter = (*WordPressAdapter)(nil)

// NewWordPressAdapter はWordPressAdapterを生成する。
func NewWordPressAdapter(conn *model.Connection, deps Deps) (*WordPressAdapter, error) {
	base := strings.TrimRight(conn.SiteURL, "/")
	if base == "" {
		return nil, fmt.Errorf("WordPressサイトのURLが設定されていません")
	}
	if deps.ValidateURL != nil {
		if err := deps.ValidateURL(base); err != nil {
			return nil, fmt.Errorf("WordPressサイトのURLが不正です: %w", err)
		}
	}
	if conn.APIUser == "" || conn.AccessToken == "" {
		return nil, fmt.Errorf("WordPressの認証情報が設定されていません")
	}
	metaKey := deps.WordPressMetaKey
	if metaKey == "" {
		metaKey = DefaultWordPressMetaKey
	}
	return &WordPressAdapter{
		baseURL: base,
		auth:    "Basic " + base64.StdEncoding.EncodeToString([]byte(conn.APIUser+":"+conn.AccessToken)),
		metaKey: metaKey,
		http:    newTransport(model.PlatformWordPress, conn, deps),
	}, nil
}

// Platform はmodel.PlatformWordPressを返す。
func (a *WordPressAdapter) Platform() model.Platform {
	return model.PlatformWordPress
}

type wordpressObject struct {
	ID    int64 `json:"id"`
	Title struct {
		Raw string `json:"raw"`
	} `json:"title"`
	AltText *string         `json:"alt_text"`
	Meta    json.RawMessage `json:"meta"`
}

// Read は対象要素の現在の状態を読み取る。
func (a *WordPressAdapter) Read(ctx context.Context, target Target) (*Snapshot, error) {
	if err := a.check("read", target); err != nil {
		return nil, err
	}

	var obj wordpressObject
	if err := a.http.requestJSON(ctx, "read", http.MethodGet,
		a.restURL(target.ResourceRef)+"?context=edit", nil, a.header(), &obj); err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Platform:    model.PlatformWordPress,
		ResourceRef: target.ResourceRef,
		PageURL:     target.PageURL,
		Field:       target.Field,
	}
	switch target.Field {
	case FieldMetaTitle:
		snap.Value = obj.Title.Raw
	case FieldMetaDescription:
		snap.Value = a.metaValue(obj.Meta)
	case FieldImageAlt:
		if obj.AltText != nil {
			snap.Value = *obj.AltText
		}
	}
	snap.Exists = snap.Value != ""
	return snap, nil
}

// Apply は対象要素に変更を適用する。
// WordPressでは空文字列の設定をフィールドの削除として扱う。
func (a *WordPressAdapter) Apply(ctx context.Context, target Target, change Change) (*ApplyResult, error) {
	if err := a.check("apply", target); err != nil {
		return nil, err
	}

	value := change.Value
	if change.Clear {
		value = ""
	}

	var body map[string]any
	switch target.Field {
	case FieldMetaTitle:
		body = map[string]any{"title": value}
	case FieldMetaDescription:
		body = map[string]any{"meta": map[string]string{a.metaKey: value}}
	case FieldImageAlt:
		body = map[string]any{"alt_text": value}
	}

	var obj wordpressObject
	if err := a.http.requestJSON(ctx, "apply", http.MethodPost,
		a.restURL(target.ResourceRef), body, a.header(), &obj); err != nil {
		return nil, err
	}
	return &ApplyResult{Acknowledged: true, RemoteID: strconv.FormatInt(obj.ID, 10)}, nil
}

// metaValue はmetaオブジェクトからメタキーの値を取り出す。
// メタが1つも登録されていない場合、WordPressはmetaを空配列で返す。
func (a *WordPressAdapter) metaValue(raw json.RawMessage) string {
	var meta map[string]json.RawMessage
	if err := json.Unmarshal(raw, &meta); err != nil {
		return ""
	}
	var v string
	if err := json.Unmarshal(meta[a.metaKey], &v); err != nil {
		return ""
	}
	return v
}

// check はリソース指定とフィールドの組み合わせを検証する。
func (a *WordPressAdapter) check(op string, target Target) error {
	if !wordpressRef.MatchString(target.ResourceRef) {
		return NewError(KindValidationRejected, model.PlatformWordPress, op,
			fmt.Sprintf("リソース指定が不正です: %s", target.ResourceRef))
	}
	isMedia := strings.HasPrefix(target.ResourceRef, "media/")
	switch target.Field {
	case FieldMetaTitle, FieldMetaDescription:
		if isMedia {
			return NewError(KindValidationRejected, model.PlatformWordPress, op,
				fmt.Sprintf("メディアには%sを設定できません", target.Field))
		}
	case FieldImageAlt:
		if !isMedia {
			return NewError(KindValidationRejected, model.PlatformWordPress, op,
				"画像の代替テキストはメディアにのみ設定できます")
		}
	default:
		return NewError(KindValidationRejected, model.PlatformWordPress, op,
			fmt.Sprintf("WordPressでは未対応のフィールドです: %s", target.Field))
	}
	return nil
}

func (a *WordPressAdapter) restURL(ref string) string {
	return a.baseURL + "/wp-json/wp/v2/" + ref
}

func (a *WordPressAdapter) header() http.Header {
	h := http.Header{}
	h.Set("Authorization", a.auth)
	return h
}
