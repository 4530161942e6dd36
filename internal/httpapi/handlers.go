package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/civicpulse/heatmap-cli/internal/export"
	"github.com/civicpulse/heatmap-cli/internal/geo"
	"github.com/civicpulse/heatmap-cli/internal/heatmap"
	"github.com/civicpulse/heatmap-cli/internal/orchestrator"
	"github.com/civicpulse/heatmap-cli/internal/recovery"
	"github.com/civicpulse/heatmap-cli/internal/selection"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleFeatures(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.features)
}

// stateView is what the rendering surface draws.
type stateView struct {
	orchestrator.State
	Loading  bool                  `json:"loading"`
	Demo     bool                  `json:"demo"`
	DemoMode bool                  `json:"demoMode"`
	Legend   []heatmap.LegendEntry `json:"legend,omitempty"`
	Tooltip  *selection.Tooltip    `json:"tooltip,omitempty"`
	Realtime string                `json:"realtime,omitempty"`
}

// handleState renders the snapshot inside the recovery boundary. In demo
// mode the demo dataset replaces the live one and demoMode stays set.
func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	var body []byte
	err := s.boundary.Render(func(mode recovery.Mode) error {
		snap := s.orch.Snapshot()
		if mode.Demo {
			snap.Dataset = mode.Dataset
			snap.Error = ""
		}
		view := stateView{
			State:    snap,
			Loading:  snap.Loading(),
			Demo:     snap.InDemo(),
			DemoMode: mode.Demo,
			Legend:   heatmap.Legend(snap.Dataset),
		}
		if tip, ok := s.selection.Tooltip(); ok {
			view.Tooltip = &tip
		}
		if s.rt != nil && s.features.Realtime {
			view.Realtime = string(s.rt.Status())
		}

		var err error
		body, err = json.Marshal(view)
		return eris.Wrap(err, "encode state view")
	})
	if err != nil {
		var f *recovery.Failure
		if errors.As(err, &f) {
			writeFailure(w, f, s.boundary.Snapshot())
			return
		}
		// Already errored or terminal: show the recovery options.
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":    map[string]any{"code": "render_unavailable", "message": err.Error()},
			"recovery": s.boundary.Snapshot(),
		})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(append(body, '\n'))
}

func (s *Server) handleSetBounds(w http.ResponseWriter, r *http.Request) {
	var b geo.RegionBounds
	if err := decodeJSONStrict(r, &b); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	// Debounced bounds are applied after the response is sent.
	if err := b.Check(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_bounds", err.Error())
		return
	}

	immediate, _ := strconv.ParseBool(r.URL.Query().Get("immediate"))
	if immediate {
		if err := s.debouncer.Push(b); err != nil {
			writeActionError(w, err)
			return
		}
		if err := s.debouncer.Flush(); err != nil {
			writeActionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.orch.Snapshot())
		return
	}
	if err := s.debouncer.Push(b); err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "bounds": b})
}

func (s *Server) handleSetAnalytics(w http.ResponseWriter, r *http.Request) {
	if !s.features.Analytics {
		writeError(w, http.StatusForbidden, "feature_disabled", "analytics controls are disabled")
		return
	}
	var cfg heatmap.AnalyticsConfig
	if err := decodeJSONStrict(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if err := s.orch.SetAnalyticsConfig(cfg); err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.orch.Snapshot().Analytics)
}

func (s *Server) handleVisualization(w http.ResponseWriter, r *http.Request) {
	var patch heatmap.VisualizationPatch
	if err := decodeJSONStrict(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if patch.SelectedLayer != nil {
		layer, err := geo.ParseLayer(string(*patch.SelectedLayer))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_layer", err.Error())
			return
		}
		patch.SelectedLayer = &layer
	}
	vis, err := s.orch.UpdateVisualization(patch)
	if err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, vis)
}

func (s *Server) handleRefetch(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.Refetch(r.Context()); err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.orch.Snapshot())
}

func (s *Server) handleClearError(w http.ResponseWriter, _ *http.Request) {
	s.orch.ClearError()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDismissDemoNotice(w http.ResponseWriter, _ *http.Request) {
	s.orch.DismissDemoNotice()
	w.WriteHeader(http.StatusNoContent)
}

type selectRequest struct {
	Kind string  `json:"kind"`
	ID   string  `json:"id"`
	X    float64 `json:"x,omitempty"`
	Y    float64 `json:"y,omitempty"`
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.Kind == "" || req.Kind == string(selection.KindNone) {
		s.orch.ClearSelection()
		writeJSON(w, http.StatusOK, selection.None())
		return
	}
	kind, err := selection.ParseKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_kind", err.Error())
		return
	}
	st, err := s.orch.Select(kind, req.ID)
	if err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleClearSelection(w http.ResponseWriter, _ *http.Request) {
	s.selection.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClick(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := decodeJSONStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	kind, err := selection.ParseKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_kind", "kind must be point, cluster or anomaly")
		return
	}
	st, err := s.selection.Click(kind, req.ID, selection.ScreenPoint{X: req.X, Y: req.Y})
	if err != nil {
		writeActionError(w, err)
		return
	}
	resp := map[string]any{"selection": st}
	if tip, ok := s.selection.Tooltip(); ok {
		resp["tooltip"] = tip
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClickOutside(w http.ResponseWriter, _ *http.Request) {
	s.selection.ClickOutside()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTooltip(w http.ResponseWriter, _ *http.Request) {
	tip, ok := s.selection.Tooltip()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, tip)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("format")
	if raw == "" {
		raw = string(export.FormatJSON)
	}
	format, err := export.ParseFormat(raw)
	if err != nil {
		writeActionError(w, err)
		return
	}

	// Buffered so a failed export still gets a clean error response.
	var buf bytes.Buffer
	if err := s.orch.Export(&buf, format); err != nil {
		writeActionError(w, err)
		return
	}
	w.Header().Set("Content-Type", export.ContentType(format))
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.Filename(format, s.orch.Snapshot().LastUpdated)+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		zap.L().Debug("httpapi: export write interrupted", zap.Error(err))
	}
}

func (s *Server) handleLegend(w http.ResponseWriter, _ *http.Request) {
	legend := heatmap.Legend(s.orch.Snapshot().Dataset)
	if legend == nil {
		legend = []heatmap.LegendEntry{}
	}
	writeJSON(w, http.StatusOK, legend)
}

func (s *Server) handleRealtime(w http.ResponseWriter, _ *http.Request) {
	if s.rt == nil || !s.features.Realtime {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false, "status": "disconnected"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":       true,
		"status":        s.rt.Status(),
		"subscriptions": s.rt.Subscriptions(),
	})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, s.notes.Recent(limit))
}

func (s *Server) handleRecoveryState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.boundary.Snapshot())
}

func (s *Server) handleRecoveryRetry(w http.ResponseWriter, _ *http.Request) {
	if err := s.boundary.Retry(); err != nil {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":    map[string]any{"code": "retry_unavailable", "message": err.Error()},
			"recovery": s.boundary.Snapshot(),
		})
		return
	}
	writeJSON(w, http.StatusOK, s.boundary.Snapshot())
}

func (s *Server) handleRecoveryDemo(w http.ResponseWriter, _ *http.Request) {
	if err := s.boundary.EnterDemo(); err != nil {
		writeError(w, http.StatusConflict, "demo_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.boundary.Snapshot())
}

func (s *Server) handleRecoveryReload(w http.ResponseWriter, r *http.Request) {
	if err := s.boundary.Reload(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "reload_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.boundary.Snapshot())
}

func (s *Server) handleRecoveryHome(w http.ResponseWriter, r *http.Request) {
	if err := s.boundary.GoHome(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "home_failed", err.Error())
		return
	}
	snap := s.boundary.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{"location": snap.HomeURL, "recovery": snap})
}
