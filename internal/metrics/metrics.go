// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ポーラーやワーカーから利用する。
type MetricsCollector interface {
	RecordCheckSuccess(feedSourceID string)
	RecordCheckFailure(feedSourceID string, reason string)
	RecordDecodeFailure(feedSourceID string)
	RecordHTTPStatus(statusCode int)
	RecordCheckLatency(duration time.Duration)
	RecordEntitiesStored(kind string, count int)
	RecordJobCompleted(kind string)
	RecordJobFailed(kind string)
	RecordJobOrphaned()
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	checkSuccess   prometheus.Counter
	checkFail      *prometheus.CounterVec
	decodeFail     prometheus.Counter
	httpStatus     *prometheus.CounterVec
	checkLatency   prometheus.Histogram
	entitiesStored *prometheus.CounterVec
	jobsCompleted  *prometheus.CounterVec
	jobsFailed     *prometheus.CounterVec
	jobsOrphaned   prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		checkSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transitman_check_success_total",
			Help: "フィードチェック成功の合計数",
		}),
		checkFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transitman_check_fail_total",
			Help: "フィードチェック失敗の合計数（失敗理由別）",
		}, []string{"reason"}),
		decodeFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transitman_decode_fail_total",
			Help: "フィードデコード失敗の合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transitman_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		checkLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "transitman_check_latency_seconds",
			Help:    "フィードチェックのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		entitiesStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transitman_entities_stored_total",
			Help: "保存されたリアルタイムエンティティの合計数（種別別）",
		}, []string{"kind"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transitman_jobs_completed_total",
			Help: "正常終了したジョブの合計数（種別別）",
		}, []string{"kind"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transitman_jobs_failed_total",
			Help: "失敗したジョブの合計数（種別別）",
		}, []string{"kind"}),
		jobsOrphaned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transitman_jobs_orphaned_total",
			Help: "孤児として回収されたジョブの合計数",
		}),
	}

	reg.MustRegister(
		c.checkSuccess,
		c.checkFail,
		c.decodeFail,
		c.httpStatus,
		c.checkLatency,
		c.entitiesStored,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobsOrphaned,
	)

	return c
}

// RecordCheckSuccess はチェック成功を記録する。
func (c *Collector) RecordCheckSuccess(feedSourceID string) {
	c.checkSuccess.Inc()
}

// RecordCheckFailure はチェック失敗を失敗理由とともに記録する。
func (c *Collector) RecordCheckFailure(feedSourceID string, reason string) {
	c.checkFail.WithLabelValues(reason).Inc()
}

// RecordDecodeFailure はデコード失敗を記録する。
func (c *Collector) RecordDecodeFailure(feedSourceID string) {
	c.decodeFail.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordCheckLatency はチェックのレイテンシを記録する。
func (c *Collector) RecordCheckLatency(duration time.Duration) {
	c.checkLatency.Observe(duration.Seconds())
}

// RecordEntitiesStored は保存されたエンティティ数を種別別に記録する。
func (c *Collector) RecordEntitiesStored(kind string, count int) {
	c.entitiesStored.WithLabelValues(kind).Add(float64(count))
}

// RecordJobCompleted はジョブの正常終了を記録する。
func (c *Collector) RecordJobCompleted(kind string) {
	c.jobsCompleted.WithLabelValues(kind).Inc()
}

// RecordJobFailed はジョブの失敗を記録する。
func (c *Collector) RecordJobFailed(kind string) {
	c.jobsFailed.WithLabelValues(kind).Inc()
}

// RecordJobOrphaned は孤児ジョブの回収を記録する。
func (c *Collector) RecordJobOrphaned() {
	c.jobsOrphaned.Inc()
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
