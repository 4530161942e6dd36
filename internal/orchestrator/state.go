package orchestrator

import (
	"time"

	"github.com/civicpulse/heatmap-cli/internal/geo"
	"github.com/civicpulse/heatmap-cli/internal/heatmap"
	"github.com/civicpulse/heatmap-cli/internal/selection"
)

// Status is the fetch lifecycle state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
	StatusError   Status = "error"
)

// DemoNotice is shown while the demo dataset stands in for live data.
const DemoNotice = "Analytics service is unavailable. Showing demo data."

// State is a read-only snapshot of the orchestrator. Dataset is shared
// between snapshots and must not be mutated.
type State struct {
	Status        Status                     `json:"status"`
	Dataset       *heatmap.Dataset           `json:"dataset,omitempty"`
	Error         string                     `json:"error,omitempty"`
	DemoNotice    string                     `json:"demoNotice,omitempty"`
	Selection     selection.State            `json:"selection"`
	Visualization heatmap.VisualizationState `json:"visualization"`
	Analytics     heatmap.AnalyticsConfig    `json:"analytics"`
	Bounds        geo.RegionBounds           `json:"bounds"`
	LastUpdated   time.Time                  `json:"lastUpdated,omitempty"`
	Generation    uint64                     `json:"generation"`
}

// Loading reports whether a fetch is in flight.
func (s State) Loading() bool {
	return s.Status == StatusLoading
}

// InDemo reports whether the visible dataset is the demo fallback.
func (s State) InDemo() bool {
	return s.Dataset != nil && s.Dataset.Demo
}
