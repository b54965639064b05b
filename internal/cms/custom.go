package cms

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/hitoshi/seopilot/internal/model"
)

// CustomAdapter は独自CMS向けのAdapter。
// 現在値は公開ページのHTMLから読み取り、変更は接続に登録されたWebhookに送信する。
type CustomAdapter struct {
	endpoint    string
	token       string
	validateURL func(string) error
	http        *transport
}

var _ Adapter = (*CustomAdapter)(nil)

// NewCustomAdapter はCustomAdapterを生成する。
func NewCustomAdapter(conn *model.Connection, deps Deps) (*CustomAdapter, error) {
	endpoint := strings.TrimSpace(conn.APIEndpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("カスタムCMSのWebhook URLが設定されていません")
	}
	if deps.ValidateURL != nil {
		if err := deps.ValidateURL(endpoint); err != nil {
			return nil, fmt.Errorf("カスタムCMSのWebhook URLが不正です: %w", err)
		}
	}
	return &CustomAdapter{
		endpoint:    endpoint,
		token:       conn.AccessToken,
		validateURL: deps.ValidateURL,
		http:        newTransport(model.PlatformCustom, conn, deps),
	}, nil
}

// Platform はmodel.PlatformCustomを返す。
func (a *CustomAdapter) Platform() model.Platform {
	return model.PlatformCustom
}

// Read は公開ページを取得し、HTMLから対象フィールドの値を取り出す。
func (a *CustomAdapter) Read(ctx context.Context, target Target) (*Snapshot, error) {
	if a.validateURL != nil {
		if err := a.validateURL(target.PageURL); err != nil {
			return nil, &Error{Kind: KindValidationRejected, Platform: model.PlatformCustom, Op: "read",
				Message: "ページURLが不正です", Err: err}
		}
	}

	h := http.Header{}
	h.Set("Accept", "text/html,application/xhtml+xml")
	body, err := a.http.request(ctx, "read", http.MethodGet, target.PageURL, nil, h)
	if err != nil {
		return nil, err
	}

	value, exists, err := ExtractField(body, target.Field, target.ResourceRef)
	if err != nil {
		return nil, &Error{Kind: KindValidationRejected, Platform: model.PlatformCustom, Op: "read",
			Message: err.Error(), Err: err}
	}
	return &Snapshot{
		Platform:    model.PlatformCustom,
		ResourceRef: target.ResourceRef,
		PageURL:     target.PageURL,
		Field:       target.Field,
		Value:       value,
		Exists:      exists,
	}, nil
}

type customChangeRequest struct {
	PageURL     string `json:"page_url"`
	ResourceRef string `json:"resource_ref"`
	Field       string `json:"field"`
	Value       string `json:"value"`
	Clear       bool   `json:"clear"`
}

type customChangeResponse struct {
	ID string `json:"id"`
}

// Apply は変更内容をWebhookにPOSTする。
func (a *CustomAdapter) Apply(ctx context.Context, target Target, change Change) (*ApplyResult, error) {
	switch target.Field {
	case FieldMetaTitle, FieldMetaDescription, FieldImageAlt, FieldCanonicalURL:
	default:
		return nil, NewError(KindValidationRejected, model.PlatformCustom, "apply",
			fmt.Sprintf("未対応のフィールドです: %s", target.Field))
	}

	req := customChangeRequest{
		PageURL:     target.PageURL,
		ResourceRef: target.ResourceRef,
		Field:       target.Field,
		Value:       change.Value,
		Clear:       change.Clear,
	}
	if change.Clear {
		req.Value = ""
	}

	h := http.Header{}
	if a.token != "" {
		h.Set("Authorization", "Bearer "+a.token)
	}
	var resp customChangeResponse
	if err := a.http.requestJSON(ctx, "apply", http.MethodPost, a.endpoint, req, h, &resp); err != nil {
		return nil, err
	}
	return &ApplyResult{Acknowledged: true, RemoteID: resp.ID}, nil
}
