package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/civicpulse/heatmap-cli/internal/geo"
	"github.com/civicpulse/heatmap-cli/internal/heatmap"
	"github.com/civicpulse/heatmap-cli/internal/resilience"
)

// heatmapPath is the analytics service endpoint for viewport queries.
const heatmapPath = "/api/analytics/heatmap"

// maxResponseBytes caps the payload read from the service.
const maxResponseBytes = 32 << 20

// HTTPOptions configures the HTTP querier.
type HTTPOptions struct {
	BaseURL    string
	Timeout    time.Duration
	RatePerSec float64
	Retry      resilience.RetryConfig
	Circuit    resilience.CircuitBreakerConfig
	Client     *http.Client
}

// HTTPQuerier talks to the analytics service over JSON/HTTP. Calls are rate
// limited, retried with backoff, and guarded by a circuit breaker so a dead
// service flips to demo data quickly.
type HTTPQuerier struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
	nowFunc func() time.Time
}

// NewHTTPQuerier creates a querier for the service at opts.BaseURL.
func NewHTTPQuerier(opts HTTPOptions) *HTTPQuerier {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}
	if opts.Retry.OnRetry == nil {
		opts.Retry.OnRetry = resilience.RetryLogger("analytics.query")
	}
	return &HTTPQuerier{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
		retry:   opts.Retry,
		breaker: resilience.NewCircuitBreaker(opts.Circuit),
		nowFunc: time.Now,
	}
}

type heatmapRequest struct {
	Bounds geo.RegionBounds        `json:"bounds"`
	Config heatmap.AnalyticsConfig `json:"config"`
}

// Query implements Querier.
func (q *HTTPQuerier) Query(ctx context.Context, bounds geo.RegionBounds, cfg heatmap.AnalyticsConfig) (*heatmap.Dataset, error) {
	body, err := json.Marshal(heatmapRequest{Bounds: bounds, Config: cfg})
	if err != nil {
		return nil, heatmap.Wrap(heatmap.KindQuery, eris.Wrap(err, "analytics: marshal request"))
	}

	resp, err := resilience.DoVal(ctx, q.retry, func(ctx context.Context) (Response, error) {
		return resilience.ExecuteVal(ctx, q.breaker, func(ctx context.Context) (Response, error) {
			return q.do(ctx, body)
		})
	})
	if err != nil {
		zap.L().Debug("analytics: http query failed",
			zap.String("bounds", bounds.Key()),
			zap.Stringer("circuit", q.breaker.State()),
			zap.Error(err),
		)
		return nil, classify(err)
	}
	return finalize(resp, bounds, cfg, q.nowFunc()), nil
}

func (q *HTTPQuerier) do(ctx context.Context, body []byte) (Response, error) {
	if err := q.limiter.Wait(ctx); err != nil {
		return Response{}, eris.Wrap(err, "analytics: rate limit wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.baseURL+heatmapPath, bytes.NewReader(body))
	if err != nil {
		return Response{}, eris.Wrap(err, "analytics: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	res, err := q.client.Do(req)
	if err != nil {
		return Response{}, eris.Wrap(err, "analytics: request")
	}
	defer res.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return Response{}, eris.Wrap(err, "analytics: read response")
	}

	if res.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return Response{}, resilience.NewStatusError(
			eris.Errorf("analytics: status %d: %s", res.StatusCode, msg), res.StatusCode)
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, eris.Wrap(err, "analytics: decode response")
	}
	return out, nil
}

// Breaker exposes the circuit state for status reporting.
func (q *HTTPQuerier) Breaker() *resilience.CircuitBreaker {
	return q.breaker
}

// Close implements Querier.
func (q *HTTPQuerier) Close() error {
	q.client.CloseIdleConnections()
	return nil
}
