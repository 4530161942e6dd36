package heatmap

import (
	_ "embed"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/civicpulse/heatmap-cli/internal/geo"
)

//go:embed demo.yaml
var demoYAML []byte

type demoFixture struct {
	Bounds     geo.RegionBounds `yaml:"bounds"`
	DataPoints []DataPoint      `yaml:"data_points"`
	Clusters   []Cluster        `yaml:"clusters"`
	Anomalies  []Anomaly        `yaml:"anomalies"`
}

// demoDataset is decoded once at init; a malformed fixture is a build defect.
var demoDataset = mustDecodeDemo(demoYAML)

func mustDecodeDemo(raw []byte) *Dataset {
	var f demoFixture
	if err := yaml.Unmarshal(raw, &f); err != nil {
		panic("heatmap: decode demo fixture: " + err.Error())
	}
	return &Dataset{
		DataPoints: f.DataPoints,
		Clusters:   f.Clusters,
		Anomalies:  f.Anomalies,
		Bounds:     f.Bounds,
		FetchedAt:  time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC),
		Demo:       true,
	}
}

// DemoDataset returns a fresh copy of the fixed synthetic dataset: one issue
// each for traffic, electricity and water, with distinct urgencies, and the
// cluster they form.
func DemoDataset() *Dataset {
	return demoDataset.Clone()
}
