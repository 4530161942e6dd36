package export

import (
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"

	"github.com/civicpulse/heatmap-cli/internal/geo"
	"github.com/civicpulse/heatmap-cli/internal/heatmap"
)

func point(c geo.LngLat) *geom.Point {
	return geom.NewPointFlat(geom.XY, []float64{c.Lng(), c.Lat()}).SetSRID(4326)
}

// FeatureCollection builds the GeoJSON view of d. Points, clusters and
// anomalies are Point features told apart by properties.type.
func FeatureCollection(d *heatmap.Dataset) *geojson.FeatureCollection {
	fc := &geojson.FeatureCollection{
		Features: make([]*geojson.Feature, 0, len(d.DataPoints)+len(d.Clusters)+len(d.Anomalies)),
	}
	if !d.Bounds.IsZero() {
		fc.BBox = geom.NewBounds(geom.XY).Set(d.Bounds.West(), d.Bounds.South(), d.Bounds.East(), d.Bounds.North())
	}

	for _, p := range d.DataPoints {
		fc.Features = append(fc.Features, &geojson.Feature{
			ID:       p.ID,
			Geometry: point(p.Coordinates),
			Properties: map[string]any{
				"type":        "point",
				"intensity":   p.Intensity,
				"timestamp":   timestamp(p.Timestamp),
				"category":    p.Metadata.Category,
				"urgency":     p.Metadata.Urgency,
				"title":       p.Metadata.Title,
				"description": p.Metadata.Description,
				"status":      p.Metadata.Status,
			},
		})
	}
	for _, c := range d.Clusters {
		fc.Features = append(fc.Features, &geojson.Feature{
			ID:       c.ID,
			Geometry: point(c.Center),
			Properties: map[string]any{
				"type":             "cluster",
				"count":            c.Count,
				"avgIntensity":     c.AvgIntensity,
				"radius":           c.Radius,
				"categories":       c.Metadata.Categories,
				"dominantCategory": c.Metadata.DominantCategory,
				"maxUrgency":       c.Metadata.MaxUrgency,
			},
		})
	}
	for _, a := range d.Anomalies {
		fc.Features = append(fc.Features, &geojson.Feature{
			ID:       a.ID,
			Geometry: point(a.Coordinates),
			Properties: map[string]any{
				"type":        "anomaly",
				"score":       a.Score,
				"kind":        a.Kind,
				"severity":    a.Severity,
				"description": a.Description,
				"detectedAt":  timestamp(a.DetectedAt),
			},
		})
	}
	return fc
}

func writeGeoJSON(w io.Writer, d *heatmap.Dataset) error {
	b, err := json.Marshal(FeatureCollection(d))
	if err != nil {
		return eris.Wrap(err, "export: encode geojson")
	}
	_, err = w.Write(b)
	return eris.Wrap(err, "export: write geojson")
}
