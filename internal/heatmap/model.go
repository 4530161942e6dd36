// Package heatmap defines the analytics data model shared by the query
// drivers, the orchestrator, the exporters and the HTTP surface.
package heatmap

import (
	"time"

	"github.com/civicpulse/heatmap-cli/internal/geo"
)

// Issue categories produced by the classification service.
const (
	CategoryTraffic     = "traffic"
	CategoryElectricity = "electricity"
	CategoryWater       = "water"
	CategorySanitation  = "sanitation"
	CategoryRoads       = "roads"
	CategoryOther       = "other"
)

// Urgency levels, lowest first.
const (
	UrgencyLow      = "low"
	UrgencyMedium   = "medium"
	UrgencyHigh     = "high"
	UrgencyCritical = "critical"
)

// urgencyRank orders urgency levels; unknown levels rank below low.
var urgencyRank = map[string]int{
	UrgencyLow:      1,
	UrgencyMedium:   2,
	UrgencyHigh:     3,
	UrgencyCritical: 4,
}

// UrgencyRank returns the ordinal of an urgency level (0 when unknown).
func UrgencyRank(u string) int {
	return urgencyRank[u]
}

// PointMetadata is the free-form description attached to a reported issue.
type PointMetadata struct {
	Category    string `json:"category" yaml:"category"`
	Urgency     string `json:"urgency" yaml:"urgency"`
	Title       string `json:"title,omitempty" yaml:"title"`
	Description string `json:"description,omitempty" yaml:"description"`
	Status      string `json:"status,omitempty" yaml:"status"`
}

// DataPoint is a single reported issue.
type DataPoint struct {
	ID          string        `json:"id" yaml:"id"`
	Coordinates geo.LngLat    `json:"coordinates" yaml:"coordinates"`
	Intensity   float64       `json:"intensity" yaml:"intensity"`
	Timestamp   time.Time     `json:"timestamp" yaml:"timestamp"`
	Metadata    PointMetadata `json:"metadata" yaml:"metadata"`
}

// ClusterMetadata aggregates the members of a cluster.
type ClusterMetadata struct {
	Categories       []string `json:"categories" yaml:"categories"`
	DominantCategory string   `json:"dominantCategory,omitempty" yaml:"dominant_category"`
	MaxUrgency       string   `json:"maxUrgency,omitempty" yaml:"max_urgency"`
}

// Cluster is a density cluster computed by the analytics service.
type Cluster struct {
	ID           string          `json:"id" yaml:"id"`
	Center       geo.LngLat      `json:"center" yaml:"center"`
	Count        int             `json:"count" yaml:"count"`
	AvgIntensity float64         `json:"avgIntensity" yaml:"avg_intensity"`
	Radius       float64         `json:"radius" yaml:"radius"`
	Metadata     ClusterMetadata `json:"metadata" yaml:"metadata"`
}

// Anomaly is a point or region flagged as statistically unusual.
type Anomaly struct {
	ID          string     `json:"id" yaml:"id"`
	Coordinates geo.LngLat `json:"coordinates" yaml:"coordinates"`
	Score       float64    `json:"score" yaml:"score"`
	Kind        string     `json:"kind" yaml:"kind"`
	Severity    string     `json:"severity" yaml:"severity"`
	Description string     `json:"description,omitempty" yaml:"description"`
	DetectedAt  time.Time  `json:"detectedAt" yaml:"detected_at"`
}

// Dataset is one consistent snapshot of analytics results. Collections are
// always replaced together, never patched.
type Dataset struct {
	DataPoints []DataPoint      `json:"dataPoints"`
	Clusters   []Cluster        `json:"clusters"`
	Anomalies  []Anomaly        `json:"anomalies"`
	Bounds     geo.RegionBounds `json:"bounds"`
	FetchedAt  time.Time        `json:"fetchedAt"`
	Demo       bool             `json:"demo"`
}

// Empty reports whether the dataset holds no entities.
func (d *Dataset) Empty() bool {
	return d == nil || (len(d.DataPoints) == 0 && len(d.Clusters) == 0 && len(d.Anomalies) == 0)
}

// Clone returns a copy whose slices can be handed to readers without sharing
// backing arrays with the owner.
func (d *Dataset) Clone() *Dataset {
	if d == nil {
		return nil
	}
	out := *d
	out.DataPoints = append([]DataPoint(nil), d.DataPoints...)
	out.Clusters = append([]Cluster(nil), d.Clusters...)
	out.Anomalies = append([]Anomaly(nil), d.Anomalies...)
	return &out
}

// FindPoint returns the point with the given id.
func (d *Dataset) FindPoint(id string) (DataPoint, bool) {
	if d == nil {
		return DataPoint{}, false
	}
	for _, p := range d.DataPoints {
		if p.ID == id {
			return p, true
		}
	}
	return DataPoint{}, false
}

// FindCluster returns the cluster with the given id.
func (d *Dataset) FindCluster(id string) (Cluster, bool) {
	if d == nil {
		return Cluster{}, false
	}
	for _, c := range d.Clusters {
		if c.ID == id {
			return c, true
		}
	}
	return Cluster{}, false
}

// FindAnomaly returns the anomaly with the given id.
func (d *Dataset) FindAnomaly(id string) (Anomaly, bool) {
	if d == nil {
		return Anomaly{}, false
	}
	for _, a := range d.Anomalies {
		if a.ID == id {
			return a, true
		}
	}
	return Anomaly{}, false
}

// AnalyticsConfig toggles backend computations and the client poll cadence.
type AnalyticsConfig struct {
	EnableClustering       bool `json:"enableClustering"`
	EnableAnomalyDetection bool `json:"enableAnomalyDetection"`
	EnableTrends           bool `json:"enableTrends"`
	EnablePredictions      bool `json:"enablePredictions"`
	HistoricalDepth        int  `json:"historicalDepth"` // days
	RefreshInterval        int  `json:"refreshInterval"` // ms, 0 disables polling
}

// RefreshEvery returns the poll interval, zero when polling is off.
func (c AnalyticsConfig) RefreshEvery() time.Duration {
	if c.RefreshInterval <= 0 {
		return 0
	}
	return time.Duration(c.RefreshInterval) * time.Millisecond
}

// RealtimeConfig governs whether and how push updates are consumed.
type RealtimeConfig struct {
	Enabled           bool `json:"enabled"`
	UpdateInterval    int  `json:"updateInterval"` // ms
	AutoRefresh       bool `json:"autoRefresh"`
	PushNotifications bool `json:"pushNotifications"`
	AnomalyAlerts     bool `json:"anomalyAlerts"`
	PredictionUpdates bool `json:"predictionUpdates"`
}

// VisualizationState is the display configuration consumed by the renderer.
type VisualizationState struct {
	SelectedLayer geo.Layer           `json:"selectedLayer"`
	Layers        geo.LayerVisibility `json:"layers"`
	Palette       string              `json:"palette"`
	Opacity       float64             `json:"opacity"`
	Radius        int                 `json:"radius"`
	ShowLegend    bool                `json:"showLegend"`
}

// VisualizationPatch is a partial update; nil fields are left unchanged.
type VisualizationPatch struct {
	SelectedLayer *geo.Layer           `json:"selectedLayer,omitempty"`
	Layers        *geo.LayerVisibility `json:"layers,omitempty"`
	Palette       *string              `json:"palette,omitempty"`
	Opacity       *float64             `json:"opacity,omitempty"`
	Radius        *int                 `json:"radius,omitempty"`
	ShowLegend    *bool                `json:"showLegend,omitempty"`
}

// Apply shallow-merges p into v. A new layer selection re-derives the layer
// flags unless the patch sets them explicitly.
func (v VisualizationState) Apply(p VisualizationPatch) VisualizationState {
	if p.SelectedLayer != nil {
		v.SelectedLayer = *p.SelectedLayer
		v.Layers = geo.ResolveLayers(*p.SelectedLayer)
	}
	if p.Layers != nil {
		v.Layers = *p.Layers
	}
	if p.Palette != nil {
		v.Palette = *p.Palette
	}
	if p.Opacity != nil {
		v.Opacity = *p.Opacity
	}
	if p.Radius != nil {
		v.Radius = *p.Radius
	}
	if p.ShowLegend != nil {
		v.ShowLegend = *p.ShowLegend
	}
	return v
}

// DefaultVisualization returns the initial display state for a layer selection.
func DefaultVisualization(selected geo.Layer) VisualizationState {
	return VisualizationState{
		SelectedLayer: selected,
		Layers:        geo.ResolveLayers(selected),
		Palette:       "urgency",
		Opacity:       0.8,
		Radius:        25,
		ShowLegend:    true,
	}
}
