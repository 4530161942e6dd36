package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) (int, string) {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rr.Code, rr.Body.String()
}

func TestHandler_NilMetrics(t *testing.T) {
	var m *Metrics
	code, body := scrape(t, m)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "metrics unavailable")
}

func TestNilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveFetch(OutcomeReady, time.Second)
		m.IncPushEvent("update")
		m.SetRealtimeStatus("connected", []string{"connected"})
		m.IncReconnect(nil)
		m.IncRenderFailure("render")
		m.IncExport("json", nil)
		m.ObserveHTTPRequest(http.MethodGet, "/health", http.StatusOK, time.Millisecond)
	})
}

func TestHandler_ExposesRegisteredMetrics(t *testing.T) {
	m := New()
	m.ObserveFetch(OutcomeDemo, 120*time.Millisecond)
	m.IncPushEvent("update")
	m.IncPushEvent("update")
	m.SetRealtimeStatus("connected", []string{"connecting", "connected", "disconnected", "error"})
	m.IncReconnect(errors.New("refused"))
	m.IncReconnect(nil)
	m.IncRenderFailure("network")
	m.IncExport("csv", errors.New("empty"))
	m.ObserveHTTPRequest(http.MethodGet, "/api/state", http.StatusOK, 3*time.Millisecond)

	code, body := scrape(t, m)
	require.Equal(t, http.StatusOK, code)

	assert.Contains(t, body, `heatmap_fetches_total{outcome="demo"} 1`)
	assert.Contains(t, body, "heatmap_fetch_duration_seconds_count 1")
	assert.Contains(t, body, `heatmap_push_events_total{type="update"} 2`)
	assert.Contains(t, body, `heatmap_realtime_status{status="connected"} 1`)
	assert.Contains(t, body, `heatmap_realtime_status{status="error"} 0`)
	assert.Contains(t, body, `heatmap_realtime_reconnects_total{result="error"} 1`)
	assert.Contains(t, body, `heatmap_realtime_reconnects_total{result="ok"} 1`)
	assert.Contains(t, body, `heatmap_render_failures_total{category="network"} 1`)
	assert.Contains(t, body, `heatmap_exports_total{format="csv",result="error"} 1`)
	assert.Contains(t, body, `heatmap_http_requests_total{method="GET",path="/api/state",status="200"} 1`)
}
