package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/civicpulse/heatmap-cli/internal/analytics"
	"github.com/civicpulse/heatmap-cli/internal/config"
	"github.com/civicpulse/heatmap-cli/internal/db"
	"github.com/civicpulse/heatmap-cli/internal/geo"
	"github.com/civicpulse/heatmap-cli/internal/heatmap"
	"github.com/civicpulse/heatmap-cli/internal/httpapi"
	"github.com/civicpulse/heatmap-cli/internal/metrics"
	"github.com/civicpulse/heatmap-cli/internal/orchestrator"
	"github.com/civicpulse/heatmap-cli/internal/realtime"
	"github.com/civicpulse/heatmap-cli/internal/resilience"
)

// viewportLabel names the realtime subscription that follows the map.
const viewportLabel = "viewport"

// heatmapEnv holds the long-lived components shared by commands.
type heatmapEnv struct {
	Metrics       *metrics.Metrics
	Querier       analytics.Querier
	Orchestrator  *orchestrator.Orchestrator
	Realtime      *realtime.Manager
	Notifications *httpapi.NotificationLog
	Home          geo.RegionBounds
}

// initEnv builds the querier, orchestrator and, when enabled, the realtime
// manager. The orchestrator is not started.
func initEnv(ctx context.Context, withRealtime bool) (*heatmapEnv, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	home, err := regionBounds(cfg.Region)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	q, err := initQuerier(ctx, cfg.Backend)
	if err != nil {
		return nil, err
	}

	env := &heatmapEnv{
		Metrics:       m,
		Querier:       q,
		Notifications: httpapi.NewNotificationLog(0),
		Home:          home,
	}

	var hook func(geo.RegionBounds)
	if withRealtime && cfg.Realtime.Enabled && cfg.Features.EnableRealtime {
		transport, err := newTransport(cfg.Realtime)
		if err != nil {
			_ = q.Close()
			return nil, err
		}
		env.Realtime = realtime.NewManager(transport, realtimeConfig(cfg.Realtime), realtime.Callbacks{
			OnStale:        env.stale,
			OnNotification: env.Notifications.Add,
		}, m, realtime.WithReconnect(reconnectPolicy(cfg.Realtime)))
		hook = env.follow
	}

	env.Orchestrator = orchestrator.New(orchestrator.Options{
		Querier:        q,
		InitialBounds:  home,
		Analytics:      analyticsConfig(cfg.Analytics),
		Visualization:  visualizationState(cfg.Visualization),
		EnablePolling:  true,
		Metrics:        m,
		OnBoundsChange: hook,
	})
	return env, nil
}

// stale forwards realtime update signals. The orchestrator is assigned after
// the manager is built, so it is read lazily.
func (e *heatmapEnv) stale() {
	if e.Orchestrator != nil {
		e.Orchestrator.Stale()
	}
}

// follow moves the viewport subscription to the new bounds. While the feed
// is down the bounds are only remembered and followed after reconnecting.
func (e *heatmapEnv) follow(b geo.RegionBounds) {
	if e.Realtime == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := e.Realtime.Follow(ctx, viewportLabel, b)
	switch {
	case err == nil:
	case eris.Is(err, realtime.ErrNotConnected):
		zap.L().Debug("realtime: viewport follow deferred until connected", zap.String("bounds", b.Key()))
	default:
		zap.L().Warn("realtime: follow viewport failed", zap.String("bounds", b.Key()), zap.Error(err))
	}
}

// Close tears components down in reverse order of construction.
func (e *heatmapEnv) Close() {
	if e.Realtime != nil {
		if err := e.Realtime.Close(); err != nil {
			zap.L().Debug("realtime: close", zap.Error(err))
		}
	}
	if e.Orchestrator != nil {
		e.Orchestrator.Close()
	}
	if e.Querier != nil {
		if err := e.Querier.Close(); err != nil {
			zap.L().Debug("analytics: close", zap.Error(err))
		}
	}
}

func initQuerier(ctx context.Context, bc config.BackendConfig) (analytics.Querier, error) {
	switch bc.Driver {
	case "postgres":
		if bc.DatabaseURL == "" {
			return nil, eris.New("backend.database_url is required for the postgres driver")
		}
		pcfg := db.DefaultPoolConfig()
		if bc.TimeoutSecs > 0 {
			pcfg.ConnectTimeout = time.Duration(bc.TimeoutSecs) * time.Second
		}
		pool, err := db.Connect(ctx, bc.DatabaseURL, pcfg)
		if err != nil {
			return nil, eris.Wrap(err, "connect analytics database")
		}
		zap.L().Info("analytics: using postgres driver")
		return analytics.NewPostgresQuerier(pool), nil

	case "sqlite":
		if bc.SQLitePath == "" {
			return nil, eris.New("backend.sqlite_path is required for the sqlite driver")
		}
		q, err := analytics.OpenSQLite(bc.SQLitePath)
		if err != nil {
			return nil, err
		}
		zap.L().Info("analytics: using sqlite extract", zap.String("path", bc.SQLitePath))
		return q, nil

	default:
		zap.L().Info("analytics: using http driver", zap.String("base_url", bc.BaseURL))
		return analytics.NewHTTPQuerier(analytics.HTTPOptions{
			BaseURL:    bc.BaseURL,
			Timeout:    time.Duration(bc.TimeoutSecs) * time.Second,
			RatePerSec: bc.RatePerSec,
			Retry:      resilience.FromMillis(bc.Retry.MaxAttempts, bc.Retry.InitialBackoffMs, bc.Retry.MaxBackoffMs),
			Circuit: resilience.CircuitBreakerConfig{
				Name:             "analytics",
				FailureThreshold: bc.Circuit.FailureThreshold,
				ResetTimeout:     time.Duration(bc.Circuit.ResetTimeoutSecs) * time.Second,
			},
		}), nil
	}
}

func newTransport(rc config.RealtimeConfig) (realtime.Transport, error) {
	switch rc.Transport {
	case "nats":
		return realtime.NewNATS(realtime.NATSConfig{
			URL:           rc.URL,
			SubjectPrefix: rc.SubjectPrefix,
			MaxReconnects: -1,
		}), nil
	case "websocket", "":
		return realtime.NewWebSocket(rc.URL), nil
	default:
		return nil, eris.Errorf("unknown realtime transport %q", rc.Transport)
	}
}

// reconnectPolicy is the realtime redial backoff. Zero attempts keeps
// redialing until shutdown.
func reconnectPolicy(rc config.RealtimeConfig) resilience.RetryConfig {
	policy := resilience.FromMillis(0, rc.ReconnectInitialMs, rc.ReconnectMaxMs)
	policy.MaxAttempts = rc.ReconnectAttempts
	return policy
}

func regionBounds(rc config.RegionConfig) (geo.RegionBounds, error) {
	if len(rc.Southwest) != 2 || len(rc.Northeast) != 2 {
		return geo.RegionBounds{}, eris.New("region corners must be [lon, lat] pairs")
	}
	b := geo.RegionBounds{
		Southwest: geo.LngLat{rc.Southwest[0], rc.Southwest[1]},
		Northeast: geo.LngLat{rc.Northeast[0], rc.Northeast[1]},
	}
	if err := b.Check(); err != nil {
		return geo.RegionBounds{}, eris.Wrapf(err, "region %q", rc.Label)
	}
	return b.Normalize(), nil
}

func analyticsConfig(ac config.AnalyticsConfig) heatmap.AnalyticsConfig {
	return heatmap.AnalyticsConfig{
		EnableClustering:       ac.EnableClustering,
		EnableAnomalyDetection: ac.EnableAnomalyDetection,
		EnableTrends:           ac.EnableTrends,
		EnablePredictions:      ac.EnablePredictions,
		HistoricalDepth:        ac.HistoricalDepth,
		RefreshInterval:        ac.RefreshInterval,
	}
}

func realtimeConfig(rc config.RealtimeConfig) heatmap.RealtimeConfig {
	return heatmap.RealtimeConfig{
		Enabled:           rc.Enabled,
		UpdateInterval:    rc.UpdateInterval,
		AutoRefresh:       rc.AutoRefresh,
		PushNotifications: rc.PushNotifications,
		AnomalyAlerts:     rc.AnomalyAlerts,
		PredictionUpdates: rc.PredictionUpdates,
	}
}

func visualizationState(vc config.VisualizationConfig) heatmap.VisualizationState {
	layer, err := geo.ParseLayer(vc.SelectedLayer)
	if err != nil {
		zap.L().Warn("unknown visualization layer, using all", zap.String("layer", vc.SelectedLayer))
		layer = geo.LayerAll
	}
	vis := heatmap.DefaultVisualization(layer)
	if vc.Palette != "" {
		vis.Palette = vc.Palette
	}
	if vc.Opacity > 0 && vc.Opacity <= 1 {
		vis.Opacity = vc.Opacity
	}
	if vc.Radius > 0 {
		vis.Radius = vc.Radius
	}
	vis.ShowLegend = vc.ShowLegend
	return vis
}
