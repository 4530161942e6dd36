// Package export serializes an in-memory dataset snapshot. It never queries;
// callers pass the snapshot they want written.
package export

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/civicpulse/heatmap-cli/internal/geo"
	"github.com/civicpulse/heatmap-cli/internal/heatmap"
)

// Format is an export file format.
type Format string

const (
	FormatJSON    Format = "json"
	FormatCSV     Format = "csv"
	FormatGeoJSON Format = "geojson"
	FormatXLSX    Format = "xlsx"
)

// Formats lists the supported formats.
var Formats = []Format{FormatJSON, FormatCSV, FormatGeoJSON, FormatXLSX}

// ErrEmptyDataset is returned when there is nothing to export.
var ErrEmptyDataset = eris.New("export: dataset is empty")

var nowFunc = time.Now

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Formats {
		if f == known {
			return f, nil
		}
	}
	return "", heatmap.Errorf(heatmap.KindExport, "export: unknown format %q", s)
}

// ContentType returns the MIME type for f.
func ContentType(f Format) string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatCSV:
		return "text/csv"
	case FormatGeoJSON:
		return "application/geo+json"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	default:
		return "application/octet-stream"
	}
}

// Filename returns a download name for an export taken at t.
func Filename(f Format, t time.Time) string {
	return "heatmap-" + t.UTC().Format("20060102-150405") + "." + string(f)
}

// Write serializes d to w in format f. Failures carry heatmap.KindExport.
func Write(w io.Writer, f Format, d *heatmap.Dataset) error {
	if d.Empty() {
		return heatmap.Wrap(heatmap.KindExport, ErrEmptyDataset)
	}
	var err error
	switch f {
	case FormatJSON:
		err = writeJSON(w, d)
	case FormatCSV:
		err = writeCSV(w, d)
	case FormatGeoJSON:
		err = writeGeoJSON(w, d)
	case FormatXLSX:
		err = writeXLSX(w, d)
	default:
		return heatmap.Errorf(heatmap.KindExport, "export: unknown format %q", f)
	}
	return heatmap.Wrap(heatmap.KindExport, err)
}

type jsonDocument struct {
	DataPoints []heatmap.DataPoint `json:"dataPoints"`
	Clusters   []heatmap.Cluster   `json:"clusters"`
	Anomalies  []heatmap.Anomaly   `json:"anomalies"`
	Bounds     geo.RegionBounds    `json:"bounds"`
	Demo       bool                `json:"demo"`
	ExportedAt time.Time           `json:"exportedAt"`
}

func writeJSON(w io.Writer, d *heatmap.Dataset) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(jsonDocument{
		DataPoints: d.DataPoints,
		Clusters:   d.Clusters,
		Anomalies:  d.Anomalies,
		Bounds:     d.Bounds,
		Demo:       d.Demo,
		ExportedAt: nowFunc().UTC(),
	}), "export: encode json")
}

// csvHeader is shared by the CSV and XLSX writers.
var csvHeader = []string{
	"type", "id", "lng", "lat", "intensity", "count", "category", "urgency", "timestamp", "title",
}

func rows(d *heatmap.Dataset) [][]string {
	out := make([][]string, 0, len(d.DataPoints)+len(d.Clusters)+len(d.Anomalies))
	for _, p := range d.DataPoints {
		out = append(out, []string{
			"point", p.ID, ftoa(p.Coordinates.Lng()), ftoa(p.Coordinates.Lat()), ftoa(p.Intensity), "",
			p.Metadata.Category, p.Metadata.Urgency, timestamp(p.Timestamp), p.Metadata.Title,
		})
	}
	for _, c := range d.Clusters {
		out = append(out, []string{
			"cluster", c.ID, ftoa(c.Center.Lng()), ftoa(c.Center.Lat()), ftoa(c.AvgIntensity), strconv.Itoa(c.Count),
			c.Metadata.DominantCategory, c.Metadata.MaxUrgency, "", "",
		})
	}
	for _, a := range d.Anomalies {
		out = append(out, []string{
			"anomaly", a.ID, ftoa(a.Coordinates.Lng()), ftoa(a.Coordinates.Lat()), ftoa(a.Score), "",
			a.Kind, a.Severity, timestamp(a.DetectedAt), a.Description,
		})
	}
	return out
}

func writeCSV(w io.Writer, d *heatmap.Dataset) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return eris.Wrap(err, "export: write csv header")
	}
	if err := cw.WriteAll(rows(d)); err != nil {
		return eris.Wrap(err, "export: write csv rows")
	}
	return nil
}

func ftoa(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
