// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pescadash"

// MetricsCollector は取り込みワーカーが記録するメトリクス。
type MetricsCollector interface {
	RecordImportSuccess(sourceID string)
	RecordImportFailure(sourceID string, reason string)
	RecordNotModified(sourceID string)
	RecordParseFailure(sourceID string)
	RecordHTTPStatus(statusCode int)
	RecordImportLatency(duration time.Duration)
	RecordRowsImported(upserted int, deleted int64)
	RecordSourceState(sourceID string, state SourceState)
}

// SourceState は1回の取り込みを終えた時点の取り込み元の状態。
type SourceState struct {
	Stopped           bool
	ConsecutiveErrors int
	RowCount          int
}

// Collector はMetricsCollectorのPrometheus実装。APIのリクエスト計測も兼ねる。
type Collector struct {
	importSuccess *prometheus.CounterVec
	importFail    *prometheus.CounterVec
	notModified   prometheus.Counter
	parseFail     prometheus.Counter
	httpStatus    *prometheus.CounterVec
	importLatency prometheus.Histogram
	rows          *prometheus.CounterVec
	lastSuccess   prometheus.Gauge

	sourceStopped *prometheus.GaugeVec
	sourceErrors  *prometheus.GaugeVec
	sourceRows    *prometheus.GaugeVec

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewCollector はregにメトリクスを登録したCollectorを返す。
// 同じregに2回登録するとpanicする。
func NewCollector(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	importOpts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: namespace, Subsystem: "import", Name: name, Help: help}
	}
	sourceOpts := func(name, help string) prometheus.GaugeOpts {
		return prometheus.GaugeOpts{Namespace: namespace, Subsystem: "import_source", Name: name, Help: help}
	}

	return &Collector{
		importSuccess: f.NewCounterVec(importOpts("success_total", "シート取り込みの成功数"), []string{"source"}),
		importFail:    f.NewCounterVec(importOpts("fail_total", "シート取り込みの失敗数（理由別）"), []string{"reason"}),
		notModified:   f.NewCounter(importOpts("not_modified_total", "304で取り込みを省略した回数")),
		parseFail:     f.NewCounter(importOpts("parse_fail_total", "CSVとして読めなかった回数")),
		httpStatus:    f.NewCounterVec(importOpts("http_status_total", "シート取得のHTTPステータス別レスポンス数"), []string{"status_code"}),
		rows:          f.NewCounterVec(importOpts("rows_total", "反映した行数（upsert/delete）"), []string{"op"}),
		importLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "import", Name: "latency_seconds",
			Help:    "取得から保存までの所要時間",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		lastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "import", Name: "last_success_timestamp_seconds",
			Help: "最後に取り込みが成功した時刻（UNIX秒）",
		}),

		sourceStopped: f.NewGaugeVec(sourceOpts("stopped", "取得を停止していれば1"), []string{"source"}),
		sourceErrors:  f.NewGaugeVec(sourceOpts("consecutive_errors", "連続した失敗の回数"), []string{"source"}),
		sourceRows:    f.NewGaugeVec(sourceOpts("rows", "最後に取り込んだシートの行数"), []string{"source"}),

		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "APIリクエスト数",
		}, []string{"method", "route", "status_code"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "APIリクエストの処理時間",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (c *Collector) RecordImportSuccess(sourceID string) {
	c.importSuccess.WithLabelValues(sourceID).Inc()
	c.lastSuccess.SetToCurrentTime()
}

// RecordImportFailure の理由はラベルの種類を増やさないよう固定の語に限る。
func (c *Collector) RecordImportFailure(_ string, reason string) {
	c.importFail.WithLabelValues(reason).Inc()
}

func (c *Collector) RecordNotModified(string) { c.notModified.Inc() }

func (c *Collector) RecordParseFailure(string) { c.parseFail.Inc() }

func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

func (c *Collector) RecordImportLatency(d time.Duration) {
	c.importLatency.Observe(d.Seconds())
}

func (c *Collector) RecordRowsImported(upserted int, deleted int64) {
	c.rows.WithLabelValues("upsert").Add(float64(upserted))
	c.rows.WithLabelValues("delete").Add(float64(deleted))
}

// RecordSourceState は取り込み元ごとのゲージを上書きする。
func (c *Collector) RecordSourceState(sourceID string, s SourceState) {
	stopped := 0.0
	if s.Stopped {
		stopped = 1
	}
	c.sourceStopped.WithLabelValues(sourceID).Set(stopped)
	c.sourceErrors.WithLabelValues(sourceID).Set(float64(s.ConsecutiveErrors))
	c.sourceRows.WithLabelValues(sourceID).Set(float64(s.RowCount))
}

// Middleware はAPIリクエスト数と処理時間を記録する。
// routeラベルにはURLではなくchiのルートパターンを使う。
func (c *Collector) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			c.requests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			c.requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// Handler はスクレイプ用のハンドラーを返す。収集中のエラーはHTTP 500にする。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{ErrorHandling: promhttp.HTTPErrorOnError})
}

// SetupMetricsRoute はルーターを持たないワーカー向けに/metricsと/healthzだけを返すmuxを作る。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", Handler(gatherer))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}
