// Package metrics holds the Prometheus collectors for the scan pipeline,
// the clamd connection and the HTTP intake.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector. Build one per process with New.
type Metrics struct {
	Messages      *prometheus.CounterVec
	Failures      *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	ReviewCache   *prometheus.CounterVec
	ClamdState    prometheus.Gauge
	HTTPRequests  *prometheus.CounterVec
	HTTPDuration  *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New registers the collectors with reg. Tests pass a fresh
// prometheus.NewRegistry(); production passes prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vaultscan_messages_total",
			Help: "Scan requests that completed the pipeline, by verdict.",
		}, []string{"verdict"}),
		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vaultscan_failures_total",
			Help: "Scan requests aborted by an error, by error kind.",
		}, []string{"kind"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vaultscan_stage_duration_seconds",
			Help:    "Time spent in each pipeline stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		ReviewCache: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vaultscan_review_type_lookups_total",
			Help: "Review type id lookups, by cache result.",
		}, []string{"result"}),
		ClamdState: f.NewGauge(prometheus.GaugeOpts{
			Name: "vaultscan_clamd_ready",
			Help: "1 when clamd answered the last probe, 0 otherwise.",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vaultscan_http_requests_total",
			Help: "HTTP requests served by the intake API.",
		}, []string{"method", "path", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vaultscan_http_request_duration_seconds",
			Help:    "HTTP request latency of the intake API.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		gatherer: gatherer,
	}
}

// NewDefault registers with the global Prometheus registry.
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// ObserveStage records how long a stage took, measured from start.
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

// Completed counts a message that finished with verdict.
func (m *Metrics) Completed(verdict string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(verdict).Inc()
}

// Failed counts a message aborted by an error of the given kind.
func (m *Metrics) Failed(kind string) {
	if m == nil {
		return
	}
	m.Failures.WithLabelValues(kind).Inc()
}

// ReviewTypeLookup counts a review type cache hit or miss.
func (m *Metrics) ReviewTypeLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.ReviewCache.WithLabelValues("hit").Inc()
	} else {
		m.ReviewCache.WithLabelValues("miss").Inc()
	}
}

// SetClamdReady mirrors the clamd state.
func (m *Metrics) SetClamdReady(ready bool) {
	if m == nil {
		return
	}
	if ready {
		m.ClamdState.Set(1)
	} else {
		m.ClamdState.Set(0)
	}
}

// RegisterPoolStats exposes clamd session pool sizes via stat.
func RegisterPoolStats(reg prometheus.Registerer, stat func() (acquired, idle, total int32)) {
	f := promauto.With(reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "vaultscan_clamd_sessions_acquired",
		Help: "clamd sessions currently serving a scan.",
	}, func() float64 { a, _, _ := stat(); return float64(a) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "vaultscan_clamd_sessions_idle",
		Help: "clamd sessions waiting in the pool.",
	}, func() float64 { _, i, _ := stat(); return float64(i) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "vaultscan_clamd_sessions_total",
		Help: "clamd sessions open.",
	}, func() float64 { _, _, t := stat(); return float64(t) })
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency. path should be the route
// pattern, not the raw URL, to keep label cardinality bounded.
func (m *Metrics) Middleware(path func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)
			p := path(r)
			m.HTTPRequests.WithLabelValues(r.Method, p, strconv.Itoa(rw.status)).Inc()
			m.HTTPDuration.WithLabelValues(r.Method, p).Observe(time.Since(start).Seconds())
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
