// Package metrics はゲートウェイのPrometheusメトリクスを定義する。
//
// 各コレクタは Metrics 構造体が保持し、専用のレジストリに登録する。
// nil の *Metrics に対する記録メソッドは何もしないため、計測が不要な
// テストやコンポーネントでは nil を渡せばよい。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "portalgate"

// Metrics はゲートウェイが公開するメトリクスの集合。
type Metrics struct {
	// registry はコレクタの登録先。
	registry *prometheus.Registry

	proxyRequests    *prometheus.CounterVec
	proxyDuration    *prometheus.HistogramVec
	logins           *prometheus.CounterVec
	directoryRefresh *prometheus.CounterVec
	directoryRecords prometheus.Gauge
	activeSessions   prometheus.Gauge
}

// New は新しいレジストリにコレクタを登録したMetricsを返す。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		proxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_requests_total",
			Help:      "上流へ転送したリクエスト数",
		}, []string{"upstream", "code"}),
		proxyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proxy_request_duration_seconds",
			Help:      "上流へ転送したリクエストの所要時間",
			Buckets:   prometheus.DefBuckets,
		}, []string{"upstream"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "ログイン試行数",
		}, []string{"result"}),
		directoryRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directory_refresh_total",
			Help:      "組織ディレクトリの更新回数",
		}, []string{"result"}),
		directoryRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "directory_records",
			Help:      "組織ディレクトリのキャッシュ件数",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "有効なセッション数",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.proxyRequests,
		m.proxyDuration,
		m.logins,
		m.directoryRefresh,
		m.directoryRecords,
		m.activeSessions,
	)
	return m
}

// Registry は登録先のレジストリを返す。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler は /metrics 用のHTTPハンドラを返す。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveProxy は上流へのリクエスト1件を記録する。
func (m *Metrics) ObserveProxy(upstream string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.proxyRequests.WithLabelValues(upstream, strconv.Itoa(status)).Inc()
	m.proxyDuration.WithLabelValues(upstream).Observe(elapsed.Seconds())
}

// ObserveLogin はログイン試行の結果を記録する。
func (m *Metrics) ObserveLogin(success bool) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(result(success)).Inc()
}

// ObserveDirectoryRefresh は組織ディレクトリ更新の結果とキャッシュ件数を記録する。
func (m *Metrics) ObserveDirectoryRefresh(success bool, records int) {
	if m == nil {
		return
	}
	m.directoryRefresh.WithLabelValues(result(success)).Inc()
	if success {
		m.directoryRecords.Set(float64(records))
	}
}

// SetActiveSessions は有効なセッション数を設定する。
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
