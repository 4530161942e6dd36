// Package geo provides viewport bounds validation and layer visibility
// resolution for the heatmap pipeline.
package geo

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Coordinate limits (WGS84 degrees).
const (
	MinLng = -180.0
	MaxLng = 180.0
	MinLat = -90.0
	MaxLat = 90.0
)

// coordPrecision is the number of decimals kept on accepted bounds (~0.1m).
const coordPrecision = 1e6

// ErrInvalidBounds is the cause attached to every rejected candidate.
var ErrInvalidBounds = eris.New("geo: invalid bounds")

// LngLat is a [longitude, latitude] pair.
type LngLat [2]float64

// Lng returns the longitude.
func (p LngLat) Lng() float64 { return p[0] }

// Lat returns the latitude.
func (p LngLat) Lat() float64 { return p[1] }

// RegionBounds is a rectangular viewport expressed as southwest/northeast corners.
type RegionBounds struct {
	Southwest LngLat `json:"southwest"`
	Northeast LngLat `json:"northeast"`
}

// NewBoundsFromEdges builds bounds from west/south/east/north edges.
func NewBoundsFromEdges(west, south, east, north float64) RegionBounds {
	return RegionBounds{
		Southwest: LngLat{west, south},
		Northeast: LngLat{east, north},
	}
}

// ParseBounds parses "west,south,east,north" into bounds. The result is not
// validated; pass it through Validate before use.
func ParseBounds(s string) (RegionBounds, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return RegionBounds{}, eris.Wrapf(ErrInvalidBounds, "expected west,south,east,north, got %q", s)
	}
	var edges [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return RegionBounds{}, eris.Wrapf(ErrInvalidBounds, "parse edge %d %q", i, p)
		}
		edges[i] = v
	}
	return NewBoundsFromEdges(edges[0], edges[1], edges[2], edges[3]), nil
}

// West returns the western edge.
func (b RegionBounds) West() float64 { return b.Southwest.Lng() }

// South returns the southern edge.
func (b RegionBounds) South() float64 { return b.Southwest.Lat() }

// East returns the eastern edge.
func (b RegionBounds) East() float64 { return b.Northeast.Lng() }

// North returns the northern edge.
func (b RegionBounds) North() float64 { return b.Northeast.Lat() }

// IsZero reports whether b is the zero value (no viewport yet).
func (b RegionBounds) IsZero() bool {
	return b == RegionBounds{}
}

// Center returns the midpoint of the rectangle.
func (b RegionBounds) Center() LngLat {
	return LngLat{(b.West() + b.East()) / 2, (b.South() + b.North()) / 2}
}

// Contains reports whether p lies inside b (edges inclusive).
func (b RegionBounds) Contains(p LngLat) bool {
	return p.Lng() >= b.West() && p.Lng() <= b.East() &&
		p.Lat() >= b.South() && p.Lat() <= b.North()
}

// Key returns a stable identifier for the bounds, used to tag requests.
func (b RegionBounds) Key() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", b.West(), b.South(), b.East(), b.North())
}

// String implements fmt.Stringer.
func (b RegionBounds) String() string {
	return b.Key()
}

// Check returns nil when b is physically possible: every coordinate within
// range and southwest strictly less than northeast on both axes.
func (b RegionBounds) Check() error {
	for _, v := range []float64{b.West(), b.South(), b.East(), b.North()} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return eris.Wrap(ErrInvalidBounds, "non-finite coordinate")
		}
	}
	if b.West() < MinLng || b.West() > MaxLng || b.East() < MinLng || b.East() > MaxLng {
		return eris.Wrapf(ErrInvalidBounds, "longitude out of range [%v, %v]", MinLng, MaxLng)
	}
	if b.South() < MinLat || b.South() > MaxLat || b.North() < MinLat || b.North() > MaxLat {
		return eris.Wrapf(ErrInvalidBounds, "latitude out of range [%v, %v]", MinLat, MaxLat)
	}
	if b.West() >= b.East() {
		return eris.Wrap(ErrInvalidBounds, "southwest longitude must be less than northeast longitude")
	}
	if b.South() >= b.North() {
		return eris.Wrap(ErrInvalidBounds, "southwest latitude must be less than northeast latitude")
	}
	return nil
}

// Normalize rounds coordinates to a fixed precision and clears negative zero.
func (b RegionBounds) Normalize() RegionBounds {
	return RegionBounds{
		Southwest: LngLat{round(b.West()), round(b.South())},
		Northeast: LngLat{round(b.East()), round(b.North())},
	}
}

func round(v float64) float64 {
	r := math.Round(v*coordPrecision) / coordPrecision
	if r == 0 {
		return 0
	}
	return r
}

// Validate is the gate in front of every fetch. An accepted candidate is
// returned normalized; a rejected one logs a warning and returns prev
// unchanged together with the rejection reason.
// Boxes narrower than the normalization precision collapse to a point and
// are rejected too.
func Validate(prev, candidate RegionBounds) (RegionBounds, error) {
	err := candidate.Check()
	normalized := candidate.Normalize()
	if err == nil {
		if err = normalized.Check(); err != nil {
			err = eris.Wrap(err, "degenerate after rounding")
		}
	}
	if err != nil {
		zap.L().Warn("geo: rejected bounds",
			zap.String("candidate", candidate.Key()),
			zap.String("kept", prev.Key()),
			zap.Error(err),
		)
		return prev, err
	}
	return normalized, nil
}
