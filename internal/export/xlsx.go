package export

import (
	"io"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/civicpulse/heatmap-cli/internal/heatmap"
)

// Sheet names in an XLSX export.
const (
	SheetPoints    = "points"
	SheetClusters  = "clusters"
	SheetAnomalies = "anomalies"
)

func writeXLSX(w io.Writer, d *heatmap.Dataset) error {
	f := xlsx.NewFile()

	points, err := f.AddSheet(SheetPoints)
	if err != nil {
		return eris.Wrap(err, "xlsx: add points sheet")
	}
	addRow(points, "id", "lng", "lat", "intensity", "timestamp", "category", "urgency", "title", "status")
	for _, p := range d.DataPoints {
		r := points.AddRow()
		r.AddCell().SetString(p.ID)
		r.AddCell().SetFloat(p.Coordinates.Lng())
		r.AddCell().SetFloat(p.Coordinates.Lat())
		r.AddCell().SetFloat(p.Intensity)
		r.AddCell().SetString(timestamp(p.Timestamp))
		r.AddCell().SetString(p.Metadata.Category)
		r.AddCell().SetString(p.Metadata.Urgency)
		r.AddCell().SetString(p.Metadata.Title)
		r.AddCell().SetString(p.Metadata.Status)
	}

	clusters, err := f.AddSheet(SheetClusters)
	if err != nil {
		return eris.Wrap(err, "xlsx: add clusters sheet")
	}
	addRow(clusters, "id", "lng", "lat", "count", "avg_intensity", "radius", "dominant_category", "max_urgency")
	for _, c := range d.Clusters {
		r := clusters.AddRow()
		r.AddCell().SetString(c.ID)
		r.AddCell().SetFloat(c.Center.Lng())
		r.AddCell().SetFloat(c.Center.Lat())
		r.AddCell().SetInt(c.Count)
		r.AddCell().SetFloat(c.AvgIntensity)
		r.AddCell().SetFloat(c.Radius)
		r.AddCell().SetString(c.Metadata.DominantCategory)
		r.AddCell().SetString(c.Metadata.MaxUrgency)
	}

	anomalies, err := f.AddSheet(SheetAnomalies)
	if err != nil {
		return eris.Wrap(err, "xlsx: add anomalies sheet")
	}
	addRow(anomalies, "id", "lng", "lat", "score", "kind", "severity", "detected_at", "description")
	for _, a := range d.Anomalies {
		r := anomalies.AddRow()
		r.AddCell().SetString(a.ID)
		r.AddCell().SetFloat(a.Coordinates.Lng())
		r.AddCell().SetFloat(a.Coordinates.Lat())
		r.AddCell().SetFloat(a.Score)
		r.AddCell().SetString(a.Kind)
		r.AddCell().SetString(a.Severity)
		r.AddCell().SetString(timestamp(a.DetectedAt))
		r.AddCell().SetString(a.Description)
	}

	return eris.Wrap(f.Write(w), "xlsx: write")
}

func addRow(s *xlsx.Sheet, values ...string) {
	r := s.AddRow()
	for _, v := range values {
		r.AddCell().SetString(v)
	}
}
