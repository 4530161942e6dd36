// Package httpapi is the HTTP surface consumed by the rendering client. It
// exposes the orchestrator's snapshot and action set, the selection and
// tooltip controller, the recovery boundary and the realtime status.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/civicpulse/heatmap-cli/internal/geo"
	"github.com/civicpulse/heatmap-cli/internal/heatmap"
	"github.com/civicpulse/heatmap-cli/internal/metrics"
	"github.com/civicpulse/heatmap-cli/internal/orchestrator"
	"github.com/civicpulse/heatmap-cli/internal/realtime"
	"github.com/civicpulse/heatmap-cli/internal/recovery"
	"github.com/civicpulse/heatmap-cli/internal/selection"
)

// Features mirrors the feature toggles the client needs to know about.
type Features struct {
	Realtime  bool `json:"realtime"`
	Controls  bool `json:"controls"`
	Sidebar   bool `json:"sidebar"`
	Tooltips  bool `json:"tooltips"`
	Analytics bool `json:"analytics"`
}

// RealtimeStatus is the read side of realtime.Manager.
type RealtimeStatus interface {
	Status() realtime.Status
	Subscriptions() []realtime.Subscription
}

// Options configures a Server.
type Options struct {
	Orchestrator *orchestrator.Orchestrator
	Realtime     RealtimeStatus
	Metrics      *metrics.Metrics
	Features     Features
	CORSOrigins  []string
	// Debounce delays PUT /api/bounds so map drags collapse into one fetch.
	Debounce time.Duration
	// HomeBounds is where "go home" recovery navigates to.
	HomeBounds  geo.RegionBounds
	HomeURL     string
	MaxRetries  int
	Reporter    recovery.Reporter
	// Notifications keeps realtime notifications for polling clients.
	Notifications *NotificationLog
}

// Server holds the handler dependencies.
type Server struct {
	orch      *orchestrator.Orchestrator
	rt        RealtimeStatus
	metrics   *metrics.Metrics
	features  Features
	origins   []string
	selection *selection.Controller
	boundary  *recovery.Boundary
	debouncer *orchestrator.Debouncer
	notes     *NotificationLog
}

// New wires a Server around opts.Orchestrator.
func New(opts Options) *Server {
	s := &Server{
		orch:      opts.Orchestrator,
		rt:        opts.Realtime,
		metrics:   opts.Metrics,
		features:  opts.Features,
		origins:   opts.CORSOrigins,
		selection: selection.NewController(opts.Orchestrator, opts.Features.Tooltips),
		debouncer: orchestrator.NewDebouncer(opts.Debounce, opts.Orchestrator.SetBounds),
		notes:     opts.Notifications,
	}
	if s.notes == nil {
		s.notes = NewNotificationLog(0)
	}
	if len(s.origins) == 0 {
		s.origins = []string{"*"}
	}
	s.boundary = recovery.NewBoundary(recovery.Options{
		MaxRetries: opts.MaxRetries,
		HomeURL:    opts.HomeURL,
		Navigator:  &sessionNavigator{orch: opts.Orchestrator, selection: s.selection, home: opts.HomeBounds},
		Reporter:   opts.Reporter,
		Metrics:    opts.Metrics,
	})
	return s
}

// Boundary exposes the render boundary guarding GET /api/state.
func (s *Server) Boundary() *recovery.Boundary {
	return s.boundary
}

// Close stops the bounds debouncer. Pending bounds are dropped.
func (s *Server) Close() {
	s.debouncer.Stop()
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Content-Disposition", "X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(s.accessLog)
	r.Use(s.recoverPanic)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Get("/features", s.handleFeatures)
		r.Put("/bounds", s.handleSetBounds)
		r.Put("/analytics", s.handleSetAnalytics)
		r.Patch("/visualization", s.handleVisualization)
		r.Post("/refetch", s.handleRefetch)
		r.Delete("/error", s.handleClearError)
		r.Delete("/demo-notice", s.handleDismissDemoNotice)

		r.Post("/select", s.handleSelect)
		r.Delete("/selection", s.handleClearSelection)
		r.Post("/click", s.handleClick)
		r.Post("/click-outside", s.handleClickOutside)
		r.Get("/tooltip", s.handleTooltip)

		r.Get("/export", s.handleExport)
		r.Get("/legend", s.handleLegend)

		r.Get("/realtime", s.handleRealtime)
		r.Get("/notifications", s.handleNotifications)

		r.Route("/recovery", func(r chi.Router) {
			r.Get("/", s.handleRecoveryState)
			r.Post("/retry", s.handleRecoveryRetry)
			r.Post("/demo", s.handleRecoveryDemo)
			r.Post("/reload", s.handleRecoveryReload)
			r.Post("/home", s.handleRecoveryHome)
		})
	})

	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		dur := time.Since(start)
		s.metrics.ObserveHTTPRequest(r.Method, route, status, dur)
		zap.L().Debug("http_request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Int64("duration_ms", dur.Milliseconds()),
		)
	})
}

// recoverPanic reports handler panics through the recovery boundary without
// taking the whole surface into the errored state.
func (s *Server) recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f := recovery.Catch(func() error {
			next.ServeHTTP(w, r)
			return nil
		})
		if f == nil {
			return
		}
		s.boundary.Report(f)
		writeFailure(w, f, s.boundary.Snapshot())
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": msg,
		},
	})
}

func writeFailure(w http.ResponseWriter, f *recovery.Failure, snap recovery.Snapshot) {
	writeJSON(w, http.StatusInternalServerError, map[string]any{
		"error": map[string]any{
			"code":        "render_failure",
			"message":     f.Message,
			"id":          f.ID,
			"category":    f.Category,
			"suggestions": f.Suggestions,
		},
		"recovery": snap,
	})
}

// writeActionError maps orchestrator errors to responses.
func writeActionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "closed", err.Error())
	case errors.Is(err, orchestrator.ErrUnknownEntity):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case heatmap.IsKind(err, heatmap.KindValidation):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case heatmap.IsKind(err, heatmap.KindExport):
		writeError(w, http.StatusUnprocessableEntity, "export_failed", err.Error())
	default:
		zap.L().Error("httpapi: action failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func decodeJSONStrict(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("unexpected extra data after JSON body")
		}
		return err
	}
	return nil
}
