// Package metrics exposes Prometheus counters for the fetch pipeline, the
// realtime feed, the render boundary and the HTTP surface. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "heatmap"

// Fetch outcomes.
const (
	OutcomeReady     = "ready"
	OutcomeError     = "error"
	OutcomeDemo      = "demo"
	OutcomeDiscarded = "discarded"
)

// Metrics holds the registry and collectors.
type Metrics struct {
	registry            *prometheus.Registry
	fetches             *prometheus.CounterVec
	fetchDuration       prometheus.Histogram
	pushEvents          *prometheus.CounterVec
	realtimeStatus      *prometheus.GaugeVec
	reconnects          *prometheus.CounterVec
	renderFailures      *prometheus.CounterVec
	exports             *prometheus.CounterVec
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// New creates a fresh registry with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Analytics fetches by outcome",
		}, []string{"outcome"}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of analytics fetches, including retries",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		pushEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_events_total",
			Help:      "Realtime events received by type",
		}, []string{"type"}),
		realtimeStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_status",
			Help:      "1 for the current realtime connection status, 0 otherwise",
		}, []string{"status"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_reconnects_total",
			Help:      "Realtime reconnect attempts by result",
		}, []string{"result"}),
		renderFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "render_failures_total",
			Help:      "Failures caught by the render boundary by category",
		}, []string{"category"}),
		exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exports_total",
			Help:      "Dataset exports by format and result",
		}, []string{"format", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Count of HTTP requests processed",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}

	registry.MustRegister(
		m.fetches,
		m.fetchDuration,
		m.pushEvents,
		m.realtimeStatus,
		m.reconnects,
		m.renderFailures,
		m.exports,
		m.httpRequests,
		m.httpRequestDuration,
	)
	return m
}

// ObserveFetch records one resolved fetch.
func (m *Metrics) ObserveFetch(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(outcome).Inc()
	m.fetchDuration.Observe(duration.Seconds())
}

// IncPushEvent counts a realtime event.
func (m *Metrics) IncPushEvent(eventType string) {
	if m == nil {
		return
	}
	m.pushEvents.WithLabelValues(eventType).Inc()
}

// SetRealtimeStatus marks status as current and clears the others.
func (m *Metrics) SetRealtimeStatus(status string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == status {
			v = 1
		}
		m.realtimeStatus.WithLabelValues(s).Set(v)
	}
}

// IncReconnect counts one reconnect attempt; err is the dial error, if any.
func (m *Metrics) IncReconnect(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.reconnects.WithLabelValues(result).Inc()
}

// IncRenderFailure counts a failure caught by the render boundary.
func (m *Metrics) IncRenderFailure(category string) {
	if m == nil {
		return
	}
	m.renderFailures.WithLabelValues(category).Inc()
}

// IncExport counts an export attempt.
func (m *Metrics) IncExport(format string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.exports.WithLabelValues(format, result).Inc()
}

// ObserveHTTPRequest records a single HTTP request/response cycle.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"path":   path,
		"status": strconv.Itoa(status),
	}
	m.httpRequests.With(labels).Inc()
	m.httpRequestDuration.With(labels).Observe(duration.Seconds())
}

// Handler exposes the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics unavailable"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
