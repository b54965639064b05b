package cms

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/hitoshi/seopilot/internal/model"
)

// shopifyAPIVersion はShopify Admin REST APIのバージョン。
const shopifyAPIVersion = "2024-01"

var (
	// metafieldを持てるリソース: products/1, pages/2, collections/3, blogs/4/articles/5
	shopifyOwnerRef = regexp.MustCompile(`^(products|pages|collections|blogs/\d+/articles)/\d+$`)
	// 商品画像: products/1/images/2
	shopifyImageRef = regexp.MustCompile(`^products/\d+/images/\d+$`)
)

// shopifySEOKeys はSEOフィールドとglobal名前空間のmetafieldキーの対応。
var shopifySEOKeys = map[string]string{
	FieldMetaTitle:       "title_tag",
	FieldMetaDescription: "description_tag",
}

// ShopifyAdapter はShopify Admin REST APIを使うAdapter。
type ShopifyAdapter struct {
	baseURL string
	token   string
	http    *transport
}

var _ Adapter = (*ShopifyAdapter)(nil)

// NewShopifyAdapter はShopifyAdapterを生成する。
// APIEndpointが設定されていればそれを、なければSiteURLをAPIのベースURLとして使う。
func NewShopifyAdapter(conn *model.Connection, deps Deps) (*ShopifyAdapter, error) {
	base := conn.APIEndpoint
	if base == "" {
		base = conn.SiteURL
	}
	base = strings.TrimRight(base, "/")
	if base == "" {
		return nil, fmt.Errorf("ShopifyストアのURLが設定されていません")
	}
	if deps.ValidateURL != nil {
		if err := deps.ValidateURL(base); err != nil {
			return nil, fmt.Errorf("ShopifyストアのURLが不正です: %w", err)
		}
	}
	if conn.AccessToken == "" {
		return nil, fmt.Errorf("Shopifyのアクセストークンが設定されていません")
	}
	return &ShopifyAdapter{
		baseURL: base,
		token:   conn.AccessToken,
		http:    newTransport(model.PlatformShopify, conn, deps),
	}, nil
}

// Platform はmodel.PlatformShopifyを返す。
func (a *ShopifyAdapter) Platform() model.Platform {
	return model.PlatformShopify
}

type shopifyMetafield struct {
	ID        int64  `json:"id,omitempty"`
	Namespace string `json:"namespace,omitempty"`
	Key       string `json:"key,omitempty"`
	Value     string `json:"value"`
	Type      string `json:"type,omitempty"`
}

type shopifyImage struct {
	ID  int64   `json:"id"`
	Alt *string `json:"alt"`
}

// Read は対象要素の現在の状態を読み取る。
func (a *ShopifyAdapter) Read(ctx context.Context, target Target) (*Snapshot, error) {
	snap := &Snapshot{
		Platform:    model.PlatformShopify,
		ResourceRef: target.ResourceRef,
		PageURL:     target.PageURL,
		Field:       target.Field,
	}

	switch target.Field {
	case FieldMetaTitle, FieldMetaDescription:
		mf, err := a.findMetafield(ctx, "read", target)
		if err != nil {
			return nil, err
		}
		if mf != nil {
			snap.Value = mf.Value
			snap.Exists = true
		}
	case FieldImageAlt:
		img, err := a.getImage(ctx, "read", target.ResourceRef)
		if err != nil {
			return nil, err
		}
		if img.Alt != nil && *img.Alt != "" {
			snap.Value = *img.Alt
			snap.Exists = true
		}
	default:
		return nil, NewError(KindValidationRejected, model.PlatformShopify, "read",
			fmt.Sprintf("Shopifyでは未対応のフィールドです: %s", target.Field))
	}
	return snap, nil
}

// Apply は対象要素に変更を適用する。
func (a *ShopifyAdapter) Apply(ctx context.Context, target Target, change Change) (*ApplyResult, error) {
	switch target.Field {
	case FieldMetaTitle, FieldMetaDescription:
		return a.applyMetafield(ctx, target, change)
	case FieldImageAlt:
		return a.applyImageAlt(ctx, target, change)
	default:
		return nil, NewError(KindValidationRejected, model.PlatformShopify, "apply",
			fmt.Sprintf("Shopifyでは未対応のフィールドです: %s", target.Field))
	}
}

func (a *ShopifyAdapter) applyMetafield(ctx context.Context, target Target, change Change) (*ApplyResult, error) {
	existing, err := a.findMetafield(ctx, "apply", target)
	if err != nil {
		return nil, err
	}
	owner := target.ResourceRef

	if change.Clear {
		if existing == nil {
			return &ApplyResult{Acknowledged: true}, nil
		}
		if _, err := a.http.request(ctx, "apply", http.MethodDelete,
			a.adminURL(fmt.Sprintf("%s/metafields/%d.json", owner, existing.ID)), nil, a.header()); err != nil {
			return nil, err
		}
		return &ApplyResult{Acknowledged: true, RemoteID: strconv.FormatInt(existing.ID, 10)}, nil
	}

	var resp struct {
		Metafield shopifyMetafield `json:"metafield"`
	}
	if existing != nil {
		body := map[string]shopifyMetafield{"metafield": {
			ID:    existing.ID,
			Value: change.Value,
			Type:  "single_line_text_field",
		}}
		err = a.http.requestJSON(ctx, "apply", http.MethodPut,
			a.adminURL(fmt.Sprintf("%s/metafields/%d.json", owner, existing.ID)), body, a.header(), &resp)
	} else {
		body := map[string]shopifyMetafield{"metafield": {
			Namespace: "global",
			Key:       shopifySEOKeys[target.Field],
			Value:     change.Value,
			Type:      "single_line_text_field",
		}}
		err = a.http.requestJSON(ctx, "apply", http.MethodPost,
			a.adminURL(owner+"/metafields.json"), body, a.header(), &resp)
	}
	if err != nil {
		return nil, err
	}
	return &ApplyResult{Acknowledged: true, RemoteID: strconv.FormatInt(resp.Metafield.ID, 10)}, nil
}

func (a *ShopifyAdapter) applyImageAlt(ctx context.Context, target Target, change Change) (*ApplyResult, error) {
	if !shopifyImageRef.MatchString(target.ResourceRef) {
		return nil, NewError(KindValidationRejected, model.PlatformShopify, "apply",
			fmt.Sprintf("商品画像のリソース指定が不正です: %s", target.ResourceRef))
	}
	imageID, _ := strconv.ParseInt(target.ResourceRef[strings.LastIndex(target.ResourceRef, "/")+1:], 10, 64)

	alt := change.Value
	if change.Clear {
		alt = ""
	}
	body := map[string]any{"image": map[string]any{"id": imageID, "alt": alt}}
	var resp struct {
		Image shopifyImage `json:"image"`
	}
	if err := a.http.requestJSON(ctx, "apply", http.MethodPut,
		a.adminURL(target.ResourceRef+".json"), body, a.header(), &resp); err != nil {
		return nil, err
	}
	return &ApplyResult{Acknowledged: true, RemoteID: strconv.FormatInt(imageID, 10)}, nil
}

// findMetafield はglobal名前空間のSEO用metafieldを取得する。存在しない場合はnil。
func (a *ShopifyAdapter) findMetafield(ctx context.Context, op string, target Target) (*shopifyMetafield, error) {
	if !shopifyOwnerRef.MatchString(target.ResourceRef) {
		return nil, NewError(KindValidationRejected, model.PlatformShopify, op,
			fmt.Sprintf("metafieldのリソース指定が不正です: %s", target.ResourceRef))
	}
	q := url.Values{}
	q.Set("namespace", "global")
	q.Set("key", shopifySEOKeys[target.Field])

	var resp struct {
		Metafields []shopifyMetafield `json:"metafields"`
	}
	if err := a.http.requestJSON(ctx, op, http.MethodGet,
		a.adminURL(target.ResourceRef+"/metafields.json")+"?"+q.Encode(), nil, a.header(), &resp); err != nil {
		return nil, err
	}
	for i := range resp.Metafields {
		mf := resp.Metafields[i]
		if mf.Namespace == "global" && mf.Key == shopifySEOKeys[target.Field] {
			return &mf, nil
		}
	}
	return nil, nil
}

func (a *ShopifyAdapter) getImage(ctx context.Context, op, ref string) (*shopifyImage, error) {
	if !shopifyImageRef.MatchString(ref) {
		return nil, NewError(KindValidationRejected, model.PlatformShopify, op,
			fmt.Sprintf("商品画像のリソース指定が不正です: %s", ref))
	}
	var resp struct {
		Image shopifyImage `json:"image"`
	}
	if err := a.http.requestJSON(ctx, op, http.MethodGet, a.adminURL(ref+".json"), nil, a.header(), &resp); err != nil {
		return nil, err
	}
	return &resp.Image, nil
}

func (a *ShopifyAdapter) adminURL(path string) string {
	return fmt.Sprintf("%s/admin/api/%s/%s", a.baseURL, shopifyAPIVersion, path)
}

func (a *ShopifyAdapter) header() http.Header {
	h := http.Header{}
	h.Set("X-Shopify-Access-Token", a.token)
	return h
}
