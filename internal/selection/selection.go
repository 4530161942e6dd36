// Package selection tracks the selected map entity and the transient tooltip
// opened by a click. Selection lives in the orchestrator snapshot; the
// tooltip is local to the controller.
package selection

import (
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/civicpulse/heatmap-cli/internal/heatmap"
)

// Kind is the type of a selectable entity.
type Kind string

const (
	KindNone    Kind = "none"
	KindPoint   Kind = "point"
	KindCluster Kind = "cluster"
	KindAnomaly Kind = "anomaly"
)

// ParseKind validates a kind supplied by the rendering surface.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindPoint, KindCluster, KindAnomaly:
		return k, nil
	default:
		return KindNone, eris.Errorf("selection: unknown entity kind %q", s)
	}
}

// State is at most one selected entity.
type State struct {
	Kind    Kind               `json:"kind"`
	Point   *heatmap.DataPoint `json:"point,omitempty"`
	Cluster *heatmap.Cluster   `json:"cluster,omitempty"`
	Anomaly *heatmap.Anomaly   `json:"anomaly,omitempty"`
}

// None is the empty selection.
func None() State {
	return State{Kind: KindNone}
}

// Empty reports whether nothing is selected.
func (s State) Empty() bool {
	return s.Kind == "" || s.Kind == KindNone
}

// ID returns the selected entity's id, or "" when nothing is selected.
func (s State) ID() string {
	switch {
	case s.Kind == KindPoint && s.Point != nil:
		return s.Point.ID
	case s.Kind == KindCluster && s.Cluster != nil:
		return s.Cluster.ID
	case s.Kind == KindAnomaly && s.Anomaly != nil:
		return s.Anomaly.ID
	default:
		return ""
	}
}

// ScreenPoint is a position in rendering surface pixels.
type ScreenPoint struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Tooltip is anchored at the click that opened it.
type Tooltip struct {
	Target   State       `json:"target"`
	Position ScreenPoint `json:"position"`
}

// Selector applies selection changes to the authoritative snapshot.
type Selector interface {
	Select(kind Kind, id string) (State, error)
	ClearSelection()
	Selection() State
}

// Controller turns click events into selection actions and tooltip state.
type Controller struct {
	selector Selector
	tooltips bool

	mu      sync.Mutex
	tooltip *Tooltip
}

// NewController creates a controller. Tooltips open only when enableTooltips is set.
func NewController(selector Selector, enableTooltips bool) *Controller {
	return &Controller{selector: selector, tooltips: enableTooltips}
}

// Click selects the entity and, if enabled, opens a tooltip at the click
// position, replacing any open tooltip.
func (c *Controller) Click(kind Kind, id string, at ScreenPoint) (State, error) {
	st, err := c.selector.Select(kind, id)
	if err != nil {
		return State{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tooltips {
		c.tooltip = &Tooltip{Target: st, Position: at}
	}
	zap.L().Debug("selection: click",
		zap.String("kind", string(kind)),
		zap.String("id", id),
		zap.Bool("tooltip", c.tooltip != nil),
	)
	return st, nil
}

// ClickOutside closes the tooltip. The selection is kept.
func (c *Controller) ClickOutside() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tooltip = nil
}

// Tooltip returns the open tooltip. A tooltip whose entity is no longer
// selected is closed.
func (c *Controller) Tooltip() (Tooltip, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tooltip == nil {
		return Tooltip{}, false
	}
	cur := c.selector.Selection()
	if cur.Kind != c.tooltip.Target.Kind || cur.ID() != c.tooltip.Target.ID() {
		c.tooltip = nil
		return Tooltip{}, false
	}
	return *c.tooltip, true
}

// Selection returns the current selection.
func (c *Controller) Selection() State {
	return c.selector.Selection()
}

// Clear closes the tooltip and clears the selection.
func (c *Controller) Clear() {
	c.mu.Lock()
	c.tooltip = nil
	c.mu.Unlock()
	c.selector.ClearSelection()
}
