// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/hitoshi/seopilot/internal/cms"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector はPrometheusメトリクスを収集する実装。
// エンジン、ロールバック、CMSアダプタ、ジョブランナー、クリーンアップジョブの計測を受け取る。
type Collector struct {
	fixesApplied     *prometheus.CounterVec
	fixesFailed      *prometheus.CounterVec
	fixesStaged      *prometheus.CounterVec
	rollbacks        *prometheus.CounterVec
	cmsLatency       *prometheus.HistogramVec
	cmsErrors        *prometheus.CounterVec
	jobs             *prometheus.CounterVec
	retentionDeleted *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		fixesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seopilot_fixes_applied_total",
			Help: "適用に成功した修正の合計数",
		}, []string{"platform"}),
		fixesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seopilot_fixes_failed_total",
			Help: "適用に失敗した修正の合計数",
		}, []string{"platform", "reason"}),
		fixesStaged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seopilot_fixes_staged_total",
			Help: "承認待ちとしてステージされた修正の合計数",
		}, []string{"mode"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seopilot_rollbacks_total",
			Help: "ロールバックの結果別の合計数",
		}, []string{"result"}),
		cmsLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "seopilot_cms_request_seconds",
			Help:    "CMS呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"platform", "op"}),
		cmsErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seopilot_cms_errors_total",
			Help: "CMS呼び出しのエラー分類別の合計数",
		}, []string{"platform", "kind"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seopilot_jobs_total",
			Help: "ジョブの終了状態別の合計数",
		}, []string{"type", "status"}),
		retentionDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seopilot_retention_deleted_total",
			Help: "クリーンアップジョブが処理した行の合計数",
		}, []string{"target"}),
	}

	reg.MustRegister(
		c.fixesApplied,
		c.fixesFailed,
		c.fixesStaged,
		c.rollbacks,
		c.cmsLatency,
		c.cmsErrors,
		c.jobs,
		c.retentionDeleted,
	)

	return c
}

// FixApplied は修正の適用成功を記録する。
func (c *Collector) FixApplied(platform string) {
	c.fixesApplied.WithLabelValues(platform).Inc()
}

// FixFailed は修正の適用失敗を記録する。
func (c *Collector) FixFailed(platform, reason string) {
	c.fixesFailed.WithLabelValues(platform, reason).Inc()
}

// FixStaged は修正のステージを記録する。
func (c *Collector) FixStaged(mode string) {
	c.fixesStaged.WithLabelValues(mode).Inc()
}

// RollbackCompleted はロールバックの結果を記録する。
func (c *Collector) RollbackCompleted(result string) {
	c.rollbacks.WithLabelValues(result).Inc()
}

// ObserveCMSRequest はCMS呼び出しのレイテンシを記録する。kindが空でなければエラーも数える。
func (c *Collector) ObserveCMSRequest(platform, op string, duration time.Duration, kind cms.ErrorKind) {
	c.cmsLatency.WithLabelValues(platform, op).Observe(duration.Seconds())
	if kind != "" {
		c.cmsErrors.WithLabelValues(platform, string(kind)).Inc()
	}
}

// JobFinished はジョブの終了を記録する。
func (c *Collector) JobFinished(jobType, status string) {
	c.jobs.WithLabelValues(jobType, status).Inc()
}

// RetentionDeleted はクリーンアップで処理した行数を記録する。
func (c *Collector) RetentionDeleted(target string, n int64) {
	c.retentionDeleted.WithLabelValues(target).Add(float64(n))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
