package httpapi

import (
	"context"

	"go.uber.org/zap"

	"github.com/civicpulse/heatmap-cli/internal/geo"
	"github.com/civicpulse/heatmap-cli/internal/orchestrator"
	"github.com/civicpulse/heatmap-cli/internal/selection"
)

// sessionNavigator resets the server-held view state, the equivalent of the
// client leaving the page.
type sessionNavigator struct {
	orch      *orchestrator.Orchestrator
	selection *selection.Controller
	home      geo.RegionBounds
}

// Reload drops transient view state and fetches fresh data.
func (n *sessionNavigator) Reload(ctx context.Context) error {
	n.reset()
	zap.L().Info("httpapi: session reload")
	return n.orch.Refetch(ctx)
}

// GoHome resets the view and moves back to the home region. The client
// follows homeURL itself.
func (n *sessionNavigator) GoHome(_ context.Context, homeURL string) error {
	n.reset()
	zap.L().Info("httpapi: session home", zap.String("home_url", homeURL))
	if n.home.IsZero() {
		return nil
	}
	return n.orch.SetBounds(n.home)
}

func (n *sessionNavigator) reset() {
	n.selection.Clear()
	n.orch.ClearError()
	n.orch.DismissDemoNotice()
}
