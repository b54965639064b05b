package cms

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/seopilot/internal/model"
)

// Factory は接続情報からAdapterを生成する。
type Factory func(conn *model.Connection) (Adapter, error)

// Registry はプラットフォームごとのFactoryを保持する。
type Registry struct {
	mu        sync.RWMutex
	factories map[model.Platform]Factory
}

// NewRegistry は空のRegistryを生成する。
func NewRegistry() *Registry {
	return &Registry{factories: make(map[model.Platform]Factory)}
}

// Register はプラットフォームのFactoryを登録する。同じプラットフォームは上書きする。
func (r *Registry) Register(platform model.Platform, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[platform] = f
}

// Resolve は接続のPlatformフィールドに応じたAdapterを返す。
func (r *Registry) Resolve(conn *model.Connection) (Adapter, error) {
	if conn == nil {
		return nil, fmt.Errorf("接続がnilです")
	}
	r.mu.RLock()
	f, ok := r.factories[conn.Platform]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("未対応のプラットフォームです: %s", conn.Platform)
	}
	adapter, err := f(conn)
	if err != nil {
		return nil, fmt.Errorf("%sアダプタの生成に失敗しました: %w", conn.Platform, err)
	}
	return adapter, nil
}

// Platforms は登録済みのプラットフォームをソートして返す。
func (r *Registry) Platforms() []model.Platform {
	r.mu.RLock()
	defer r.mu.RUnlock()
	platforms := make([]model.Platform, 0, len(r.factories))
	for p := range r.factories {
		platforms = append(platforms, p)
	}
	sort.Slice(platforms, func(i, j int) bool { return platforms[i] < platforms[j] })
	return platforms
}

// Deps はアダプタ生成に必要な共有依存をまとめる。
type Deps struct {
	// Client はCMS呼び出しに使うHTTPクライアント。本番ではSSRF防止付きクライアントを渡す
	Client *http.Client
	// ValidateURL は接続先URLの静的検証。nilの場合は検証しない
	ValidateURL func(rawURL string) error
	// Limiters は接続ごとのレートリミッター
	Limiters *LimiterPool
	// Observer はCMS呼び出しのレイテンシとエラーを記録する。nil可
	Observer Observer
	// Timeout は1回のCMS呼び出しの上限時間
	Timeout time.Duration
	// MaxResponseSize はレスポンスボディの読み取り上限
	MaxResponseSize int64
	// WordPressMetaKey はメタディスクリプションを保存するWordPressのメタキー
	WordPressMetaKey string
}

// NewDefaultRegistry はShopify、WordPress、カスタムCMSのアダプタを登録したRegistryを返す。
func NewDefaultRegistry(deps Deps) *Registry {
	r := NewRegistry()
	r.Register(model.PlatformShopify, func(conn *model.Connection) (Adapter, error) {
		return NewShopifyAdapter(conn, deps)
	})
	r.Register(model.PlatformWordPress, func(conn *model.Connection) (Adapter, error) {
		return NewWordPressAdapter(conn, deps)
	})
	r.Register(model.PlatformCustom, func(conn *model.Connection) (Adapter, error) {
		return NewCustomAdapter(conn, deps)
	})
	return r
}
