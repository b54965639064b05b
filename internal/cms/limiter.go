package cms

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LimiterConfig は接続ごとのCMS呼び出しレート制限の設定。
type LimiterConfig struct {
	Rate            rate.Limit    // 接続あたりのリクエストレート（req/sec）
	Burst           int           // バーストサイズ
	CleanupInterval time.Duration // 未使用リミッターのクリーンアップ間隔
}

// DefaultLimiterConfig はShopify REST APIの制限（2 req/sec）に合わせたデフォルト設定を返す。
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		Rate:            rate.Limit(2),
		Burst:           10,
		CleanupInterval: 10 * time.Minute,
	}
}

// connLimiter は接続ごとのレートリミッターとアクセス時刻を保持する。
type connLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// LimiterPool は接続IDごとのレートリミッターを管理する。
// 同じ外部アカウントへの呼び出しはエンジン側で直列化されないため、アダプタがここで待機する。
type LimiterPool struct {
	config LimiterConfig

	mu       sync.RWMutex
	limiters map[string]*connLimiter

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewLimiterPool は新しいLimiterPoolを生成する。
// バックグラウンドで未使用エントリのクリーンアップを開始する。
func NewLimiterPool(config LimiterConfig) *LimiterPool {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 10 * time.Minute
	}
	p := &LimiterPool{
		config:   config,
		limiters: make(map[string]*connLimiter),
		stopCh:   make(chan struct{}),
	}
	go p.cleanupLoop()
	return p
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。
func (p *LimiterPool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// Get は接続のリミッターを取得または作成する。
func (p *LimiterPool) Get(connectionID string) *rate.Limiter {
	p.mu.RLock()
	cl, exists := p.limiters[connectionID]
	p.mu.RUnlock()

	if exists {
		p.mu.Lock()
		cl.lastAccess = time.Now()
		p.mu.Unlock()
		return cl.limiter
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// ダブルチェック
	if cl, exists := p.limiters[connectionID]; exists {
		cl.lastAccess = time.Now()
		return cl.limiter
	}

	limiter := rate.NewLimiter(p.config.Rate, p.config.Burst)
	p.limiters[connectionID] = &connLimiter{
		limiter:    limiter,
		lastAccess: time.Now(),
	}
	return limiter
}

// Len は管理中のリミッター数を返す。
func (p *LimiterPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.limiters)
}

func (p *LimiterPool) cleanupLoop() {
	ticker := time.NewTicker(p.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.evictIdle(time.Now())
		case <-p.stopCh:
			return
		}
	}
}

// evictIdle は最終アクセスからCleanupIntervalの2倍を超えたエントリを削除する。
func (p *LimiterPool) evictIdle(now time.Time) int {
	ttl := p.config.CleanupInterval * 2

	p.mu.Lock()
	defer p.mu.Unlock()
	removed := 0
	for id, cl := range p.limiters {
		if now.Sub(cl.lastAccess) > ttl {
			delete(p.limiters, id)
			removed++
		}
	}
	return removed
}
