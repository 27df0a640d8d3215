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
// ワーカーやミドルウェアから利用する。
type MetricsCollector interface {
	RecordReminderSent()
	RecordReminderFailure()
	RecordReminderSkipped(reason string)
	RecordTickLatency(duration time.Duration)
	RecordBlocksCleaned(count int64)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	reminderSent    prometheus.Counter
	reminderFail    prometheus.Counter
	reminderSkipped *prometheus.CounterVec
	tickLatency     prometheus.Histogram
	blocksCleaned   prometheus.Counter
	httpStatus      *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		reminderSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "studyblocks_reminder_sent_total",
			Help: "リマインダーメール送信成功の合計数",
		}),
		reminderFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "studyblocks_reminder_fail_total",
			Help: "リマインダーメール送信失敗の合計数",
		}),
		reminderSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studyblocks_reminder_skipped_total",
			Help: "理由別のリマインダースキップ数",
		}, []string{"reason"}),
		tickLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "studyblocks_reminder_tick_seconds",
			Help:    "リマインダースキャン1回あたりの所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		blocksCleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "studyblocks_blocks_cleaned_total",
			Help: "保持期間超過で削除されたブロックの合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "studyblocks_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.reminderSent,
		c.reminderFail,
		c.reminderSkipped,
		c.tickLatency,
		c.blocksCleaned,
		c.httpStatus,
	)

	return c
}

// RecordReminderSent はリマインダー送信成功を記録する。
func (c *Collector) RecordReminderSent() {
	c.reminderSent.Inc()
}

// RecordReminderFailure はリマインダー送信失敗を記録する。
func (c *Collector) RecordReminderFailure() {
	c.reminderFail.Inc()
}

// RecordReminderSkipped は理由付きのリマインダースキップを記録する。
// reasonは "mail_not_configured" や "user_not_found" 等。
func (c *Collector) RecordReminderSkipped(reason string) {
	c.reminderSkipped.WithLabelValues(reason).Inc()
}

// RecordTickLatency はリマインダースキャンの所要時間を記録する。
func (c *Collector) RecordTickLatency(duration time.Duration) {
	c.tickLatency.Observe(duration.Seconds())
}

// RecordBlocksCleaned はクリーンアップで削除されたブロック数を記録する。
func (c *Collector) RecordBlocksCleaned(count int64) {
	c.blocksCleaned.Add(float64(count))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// ワーカープロセスのスクレイプ用に使用する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// NopCollector はメトリクスを収集しないMetricsCollector実装。
// メトリクスが不要な構成やテストで使用する。
type NopCollector struct{}

func (NopCollector) RecordReminderSent()                      {}
func (NopCollector) RecordReminderFailure()                   {}
func (NopCollector) RecordReminderSkipped(reason string)      {}
func (NopCollector) RecordTickLatency(duration time.Duration) {}
func (NopCollector) RecordBlocksCleaned(count int64)          {}
func (NopCollector) RecordHTTPStatus(statusCode int)          {}

// compile-time interface checks
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = NopCollector{}
)
