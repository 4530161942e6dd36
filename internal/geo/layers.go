package geo

import (
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Layer is the layer selection made in the control panel.
type Layer string

// Recognized layer selections.
const (
	LayerHeatmap  Layer = "heatmap"
	LayerClusters Layer = "clusters"
	LayerPoints   Layer = "points"
	LayerAll      Layer = "all"
)

// LayerVisibility holds the visibility flags of the four layer kinds.
type LayerVisibility struct {
	Heatmap    bool `json:"heatmap"`
	Clusters   bool `json:"clusters"`
	Points     bool `json:"points"`
	Boundaries bool `json:"boundaries"`
}

// ParseLayer converts a string into a Layer.
func ParseLayer(s string) (Layer, error) {
	switch Layer(s) {
	case LayerHeatmap, LayerClusters, LayerPoints, LayerAll:
		return Layer(s), nil
	default:
		return "", eris.Errorf("geo: unknown layer %q (valid: heatmap, clusters, points, all)", s)
	}
}

// ResolveLayers maps a layer selection onto visibility flags. Unknown values
// fall back to LayerAll.
func ResolveLayers(selected Layer) LayerVisibility {
	switch selected {
	case LayerHeatmap:
		return LayerVisibility{Heatmap: true}
	case LayerClusters:
		return LayerVisibility{Clusters: true}
	case LayerPoints:
		return LayerVisibility{Points: true}
	case LayerAll:
	default:
		zap.L().Warn("geo: unknown layer selection, showing all layers", zap.String("layer", string(selected)))
	}
	return LayerVisibility{Heatmap: true, Clusters: true, Points: true, Boundaries: true}
}
