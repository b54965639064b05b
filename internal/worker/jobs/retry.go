package jobs

import (
	"time"

	"github.com/hitoshi/seopilot/internal/cms"
)

const (
	// initialBackoff は指数バックオフの初回遅延（30秒）。
	initialBackoff = 30 * time.Second
	// maxBackoff は指数バックオフの最大遅延（30分）。
	maxBackoff = 30 * time.Minute
	// DefaultMaxAttempts はジョブの最大実行回数のデフォルト値。
	DefaultMaxAttempts = 5
)

// CalculateBackoff はリトライ回数に基づいて指数バックオフ遅延を計算する。
// 初回30秒、2倍ずつ増加、最大30分。
func CalculateBackoff(retries int) time.Duration {
	delay := initialBackoff
	for i := 0; i < retries; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// ShouldRetry はジョブを再実行するかどうかを返す。
// CMSのRateLimitedとTransientのみが対象で、その他のエラーは即座に失敗とする。
func ShouldRetry(err error, attempts, maxAttempts int) bool {
	return err != nil && cms.IsRetryable(err) && attempts < maxAttempts
}

// NextRunAt は次の実行時刻を返す。
// CMSがRetry-Afterを返した場合はバックオフより長ければそちらを使う（最大30分）。
func NextRunAt(now time.Time, err error, attempts int) time.Time {
	delay := CalculateBackoff(attempts - 1)
	if ra := cms.RetryAfterOf(err); ra > delay {
		delay = ra
	}
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return now.Add(delay)
}
