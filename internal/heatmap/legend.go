package heatmap

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// urgencyColors is the palette used for the "urgency" colour scheme.
var urgencyColors = map[string]string{
	UrgencyLow:      "#2ecc71",
	UrgencyMedium:   "#f1c40f",
	UrgencyHigh:     "#e67e22",
	UrgencyCritical: "#e74c3c",
}

// LegendEntry is one category row of the map legend.
type LegendEntry struct {
	Category   string `json:"category"`
	Label      string `json:"label"`
	Count      int    `json:"count"`
	MaxUrgency string `json:"maxUrgency"`
	Color      string `json:"color"`
}

// Legend summarizes the points of d by category, largest first. Ties are
// broken by category name so the output is stable.
func Legend(d *Dataset) []LegendEntry {
	if d.Empty() {
		return nil
	}
	title := cases.Title(language.English)

	byCategory := make(map[string]*LegendEntry)
	for _, p := range d.DataPoints {
		cat := p.Metadata.Category
		if cat == "" {
			cat = CategoryOther
		}
		e, ok := byCategory[cat]
		if !ok {
			e = &LegendEntry{
				Category: cat,
				Label:    title.String(strings.ReplaceAll(cat, "_", " ")),
			}
			byCategory[cat] = e
		}
		e.Count++
		if UrgencyRank(p.Metadata.Urgency) > UrgencyRank(e.MaxUrgency) {
			e.MaxUrgency = p.Metadata.Urgency
		}
	}

	entries := make([]LegendEntry, 0, len(byCategory))
	for _, e := range byCategory {
		e.Color = UrgencyColor(e.MaxUrgency)
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Category < entries[j].Category
	})
	return entries
}

// UrgencyColor returns the hex colour for an urgency level, grey when unknown.
func UrgencyColor(urgency string) string {
	if c, ok := urgencyColors[urgency]; ok {
		return c
	}
	return "#95a5a6"
}
