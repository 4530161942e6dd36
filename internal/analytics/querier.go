// Package analytics queries the analytics service for the issues, clusters
// and anomalies inside a viewport. Cluster and anomaly computation happens
// on the service side; drivers only request results.
package analytics

import (
	"context"
	"time"

	"github.com/civicpulse/heatmap-cli/internal/geo"
	"github.com/civicpulse/heatmap-cli/internal/heatmap"
	"github.com/civicpulse/heatmap-cli/internal/resilience"
)

// Querier fetches one consistent dataset for a viewport.
//
// Errors are classified with heatmap kinds: KindBackendUnavailable when the
// service cannot be reached, KindQuery for anything else.
type Querier interface {
	Query(ctx context.Context, bounds geo.RegionBounds, cfg heatmap.AnalyticsConfig) (*heatmap.Dataset, error)
	Close() error
}

// Response is the wire payload returned by the analytics service.
type Response struct {
	DataPoints []heatmap.DataPoint `json:"dataPoints"`
	Clusters   []heatmap.Cluster   `json:"clusters"`
	Anomalies  []heatmap.Anomaly   `json:"anomalies"`
}

// finalize turns a driver response into a dataset, dropping result kinds the
// config did not ask for.
func finalize(resp Response, bounds geo.RegionBounds, cfg heatmap.AnalyticsConfig, now time.Time) *heatmap.Dataset {
	d := &heatmap.Dataset{
		DataPoints: resp.DataPoints,
		Clusters:   resp.Clusters,
		Anomalies:  resp.Anomalies,
		Bounds:     bounds,
		FetchedAt:  now.UTC(),
	}
	if !cfg.EnableClustering {
		d.Clusters = nil
	}
	if !cfg.EnableAnomalyDetection {
		d.Anomalies = nil
	}
	if d.DataPoints == nil {
		d.DataPoints = []heatmap.DataPoint{}
	}
	if d.Clusters == nil {
		d.Clusters = []heatmap.Cluster{}
	}
	if d.Anomalies == nil {
		d.Anomalies = []heatmap.Anomaly{}
	}
	return d
}

// classify attaches the heatmap kind a driver failure maps to.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if heatmap.KindOf(err) != heatmap.KindUnknown {
		return err
	}
	if resilience.IsUnavailable(err) {
		return heatmap.Wrap(heatmap.KindBackendUnavailable, err)
	}
	return heatmap.Wrap(heatmap.KindQuery, err)
}

// since returns the oldest timestamp covered by cfg.HistoricalDepth, or the
// zero time when the depth is unbounded.
func since(cfg heatmap.AnalyticsConfig, now time.Time) time.Time {
	if cfg.HistoricalDepth <= 0 {
		return time.Time{}
	}
	return now.AddDate(0, 0, -cfg.HistoricalDepth)
}
