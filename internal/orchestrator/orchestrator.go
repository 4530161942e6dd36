// Package orchestrator owns the authoritative analytics snapshot. It fetches
// on bounds and config changes, discards responses for superseded requests,
// coalesces refresh signals and falls back to the demo dataset when the
// analytics service is unreachable.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/civicpulse/heatmap-cli/internal/analytics"
	"github.com/civicpulse/heatmap-cli/internal/export"
	"github.com/civicpulse/heatmap-cli/internal/geo"
	"github.com/civicpulse/heatmap-cli/internal/heatmap"
	"github.com/civicpulse/heatmap-cli/internal/metrics"
	"github.com/civicpulse/heatmap-cli/internal/selection"
)

var (
	// ErrClosed is returned by actions after Close.
	ErrClosed = eris.New("orchestrator: closed")
	// ErrUnknownEntity is returned when a selection names an id that is not
	// in the current snapshot.
	ErrUnknownEntity = eris.New("orchestrator: unknown entity")
)

// Options configures an Orchestrator.
type Options struct {
	Querier       analytics.Querier
	InitialBounds geo.RegionBounds
	Analytics     heatmap.AnalyticsConfig
	Visualization heatmap.VisualizationState
	// EnablePolling runs Refetch every Analytics.RefreshInterval.
	EnablePolling bool
	Metrics       *metrics.Metrics
	// OnBoundsChange is called after an accepted bounds change, outside the lock.
	OnBoundsChange func(geo.RegionBounds)
}

// flight is one in-flight fetch.
type flight struct {
	gen  uint64
	key  string
	done chan struct{}
}

// request is the parameter set of a fetch.
type request struct {
	bounds geo.RegionBounds
	cfg    heatmap.AnalyticsConfig
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	querier  analytics.Querier
	metrics  *metrics.Metrics
	polling  bool
	onBounds func(geo.RegionBounds)

	ctx     context.Context
	stop    context.CancelFunc
	group   singleflight.Group
	fetches sync.WaitGroup
	pollWG  sync.WaitGroup

	mu           sync.Mutex
	state        State
	inflight     *flight
	lastGood     *request
	cancelFetch  context.CancelFunc
	listeners    map[uint64]func(State)
	nextListener uint64
	pollStop     chan struct{}
	closed       bool
}

// New creates an idle orchestrator. Invalid initial bounds are dropped with
// a warning; call Start to issue the first fetch.
func New(opts Options) *Orchestrator {
	ctx, stop := context.WithCancel(context.Background())

	vis := opts.Visualization
	if vis.SelectedLayer == "" {
		vis = heatmap.DefaultVisualization(geo.LayerAll)
	}

	var bounds geo.RegionBounds
	if !opts.InitialBounds.IsZero() {
		bounds, _ = geo.Validate(geo.RegionBounds{}, opts.InitialBounds)
	}

	return &Orchestrator{
		querier:  opts.Querier,
		metrics:  opts.Metrics,
		polling:  opts.EnablePolling,
		onBounds: opts.OnBoundsChange,
		ctx:      ctx,
		stop:     stop,
		state: State{
			Status:        StatusIdle,
			Selection:     selection.None(),
			Visualization: vis,
			Analytics:     opts.Analytics,
			Bounds:        bounds,
		},
		listeners: make(map[uint64]func(State)),
	}
}

// Start issues the initial fetch, if bounds are known, and starts polling.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.restartPollerLocked()
	if o.state.Bounds.IsZero() {
		o.mu.Unlock()
		return
	}
	o.startLocked("initial")
	snap := o.state
	hook := o.onBounds
	bounds := o.state.Bounds
	o.mu.Unlock()

	o.notify(snap)
	if hook != nil {
		hook(bounds)
	}
}

// SetBounds validates candidate and, when accepted, fetches for it. Any
// in-flight fetch is superseded. The selection is cleared when the bounds
// change. Rejected bounds return a KindValidation error and leave the state
// untouched.
func (o *Orchestrator) SetBounds(candidate geo.RegionBounds) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	accepted, err := geo.Validate(o.state.Bounds, candidate)
	if err != nil {
		o.mu.Unlock()
		return heatmap.Wrap(heatmap.KindValidation, err)
	}

	changed := accepted != o.state.Bounds
	o.state.Bounds = accepted
	if changed {
		o.state.Selection = selection.None()
	}
	o.startLocked("bounds")
	snap := o.state
	hook := o.onBounds
	o.mu.Unlock()

	o.notify(snap)
	if changed && hook != nil {
		hook(accepted)
	}
	return nil
}

// SetAnalyticsConfig replaces the analytics config and refetches.
func (o *Orchestrator) SetAnalyticsConfig(cfg heatmap.AnalyticsConfig) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	if cfg.HistoricalDepth < 0 || cfg.RefreshInterval < 0 {
		o.mu.Unlock()
		return heatmap.Errorf(heatmap.KindValidation, "orchestrator: negative analytics config value")
	}
	o.state.Analytics = cfg
	o.restartPollerLocked()
	if !o.state.Bounds.IsZero() {
		o.startLocked("config")
	}
	snap := o.state
	o.mu.Unlock()

	o.notify(snap)
	return nil
}

// Refetch re-issues the last successful request and blocks until it
// resolves or ctx is done. A fetch already in flight is joined instead,
// since it supersedes the last success. Before any success the current
// request is used. When the last successful bounds or config differ from
// the current ones (a later change failed), the state moves back to them.
// Data errors are reflected in the state, not returned.
func (o *Orchestrator) Refetch(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrClosed
	}
	target, ok := o.refetchTargetLocked()
	o.mu.Unlock()
	if !ok {
		zap.L().Debug("orchestrator: refetch without bounds ignored")
		return nil
	}

	ch := o.group.DoChan(requestKey(target.bounds, target.cfg), func() (any, error) {
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return nil, ErrClosed
		}
		f := o.inflight
		started, moved := false, false
		if f == nil {
			target, _ := o.refetchTargetLocked()
			moved = o.revertLocked(target)
			f = o.startLocked("refetch")
			started = true
		}
		snap := o.state
		hook := o.onBounds
		o.mu.Unlock()

		if started {
			o.notify(snap)
			if moved && hook != nil {
				hook(snap.Bounds)
			}
		} else {
			zap.L().Debug("orchestrator: refetch joined in-flight fetch", zap.Uint64("generation", f.gen))
		}
		<-f.done
		return nil, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// refetchTargetLocked picks what Refetch issues: the in-flight request, else
// the last successful one, else the current one. o.mu must be held.
func (o *Orchestrator) refetchTargetLocked() (request, bool) {
	switch {
	case o.inflight != nil:
		return request{bounds: o.state.Bounds, cfg: o.state.Analytics}, true
	case o.lastGood != nil:
		return *o.lastGood, true
	case !o.state.Bounds.IsZero():
		return request{bounds: o.state.Bounds, cfg: o.state.Analytics}, true
	}
	return request{}, false
}

// revertLocked points the state at r and reports whether the bounds moved.
// Moving clears the selection like SetBounds does. o.mu must be held.
func (o *Orchestrator) revertLocked(r request) bool {
	moved := r.bounds != o.state.Bounds
	if moved {
		zap.L().Info("orchestrator: refetch returns to last successful bounds",
			zap.String("from", o.state.Bounds.Key()),
			zap.String("to", r.bounds.Key()),
		)
		o.state.Bounds = r.bounds
		o.state.Selection = selection.None()
	}
	if r.cfg != o.state.Analytics {
		o.state.Analytics = r.cfg
		o.restartPollerLocked()
	}
	return moved
}

// Stale is the realtime "data may be stale" signal. It triggers a coalesced
// Refetch without blocking the caller.
func (o *Orchestrator) Stale() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.fetches.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.fetches.Done()
		if err := o.Refetch(o.ctx); err != nil && !eris.Is(err, ErrClosed) && o.ctx.Err() == nil {
			zap.L().Warn("orchestrator: stale refetch failed", zap.Error(err))
		}
	}()
}

// startLocked cancels any in-flight fetch and starts a new one for the
// current bounds and config. o.mu must be held.
func (o *Orchestrator) startLocked(reason string) *flight {
	if o.cancelFetch != nil {
		o.cancelFetch()
	}
	o.state.Generation++
	bounds, cfg := o.state.Bounds, o.state.Analytics

	ctx, cancel := context.WithCancel(o.ctx)
	f := &flight{
		gen:  o.state.Generation,
		key:  requestKey(bounds, cfg),
		done: make(chan struct{}),
	}
	o.cancelFetch = cancel
	o.inflight = f
	o.state.Status = StatusLoading

	zap.L().Debug("orchestrator: fetch",
		zap.String("reason", reason),
		zap.Uint64("generation", f.gen),
		zap.String("bounds", bounds.Key()),
	)

	o.fetches.Add(1)
	go o.run(ctx, cancel, f, bounds, cfg)
	return f
}

func (o *Orchestrator) run(ctx context.Context, cancel context.CancelFunc, f *flight, bounds geo.RegionBounds, cfg heatmap.AnalyticsConfig) {
	defer o.fetches.Done()
	defer close(f.done)
	defer cancel()

	start := time.Now()
	ds, err := o.querier.Query(ctx, bounds, cfg)
	elapsed := time.Since(start)

	o.mu.Lock()
	if o.closed || f.gen != o.state.Generation {
		o.mu.Unlock()
		o.metrics.ObserveFetch(metrics.OutcomeDiscarded, elapsed)
		zap.L().Debug("orchestrator: discarded superseded response",
			zap.Uint64("generation", f.gen),
			zap.String("bounds", bounds.Key()),
		)
		return
	}
	o.inflight = nil
	o.cancelFetch = nil
	outcome := o.applyLocked(ds, err, request{bounds: bounds, cfg: cfg})
	snap := o.state
	o.mu.Unlock()

	o.metrics.ObserveFetch(outcome, elapsed)
	o.notify(snap)
}

// applyLocked resolves a fetch result into state. o.mu must be held.
func (o *Orchestrator) applyLocked(ds *heatmap.Dataset, err error, req request) string {
	bounds := req.bounds
	switch {
	case err == nil:
		o.lastGood = &req
		o.state.Status = StatusReady
		o.state.Dataset = ds
		o.state.Error = ""
		o.state.DemoNotice = ""
		o.state.LastUpdated = ds.FetchedAt
		o.pruneSelectionLocked()
		return metrics.OutcomeReady

	case heatmap.IsKind(err, heatmap.KindBackendUnavailable):
		zap.L().Warn("orchestrator: analytics unavailable, serving demo data",
			zap.String("bounds", bounds.Key()),
			zap.Uint64("generation", o.state.Generation),
			zap.Error(err),
		)
		o.state.Status = StatusReady
		o.state.Dataset = heatmap.DemoDataset()
		o.state.Error = ""
		o.state.DemoNotice = DemoNotice
		o.state.LastUpdated = time.Now().UTC()
		o.pruneSelectionLocked()
		return metrics.OutcomeDemo

	default:
		zap.L().Error("orchestrator: fetch failed",
			zap.String("bounds", bounds.Key()),
			zap.Uint64("generation", o.state.Generation),
			zap.Stringer("kind", heatmap.KindOf(err)),
			zap.Error(err),
		)
		o.state.Status = StatusError
		o.state.Error = err.Error()
		return metrics.OutcomeError
	}
}

// pruneSelectionLocked drops a selection whose entity left the dataset.
func (o *Orchestrator) pruneSelectionLocked() {
	sel := o.state.Selection
	if sel.Empty() {
		return
	}
	if _, err := lookup(o.state.Dataset, sel.Kind, sel.ID()); err != nil {
		o.state.Selection = selection.None()
	}
}

// Select implements selection.Selector.
func (o *Orchestrator) Select(kind selection.Kind, id string) (selection.State, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return selection.State{}, ErrClosed
	}
	st, err := lookup(o.state.Dataset, kind, id)
	if err != nil {
		o.mu.Unlock()
		return selection.State{}, err
	}
	o.state.Selection = st
	snap := o.state
	o.mu.Unlock()

	o.notify(snap)
	return st, nil
}

// SelectPoint selects a data point from the current snapshot.
func (o *Orchestrator) SelectPoint(id string) error {
	_, err := o.Select(selection.KindPoint, id)
	return err
}

// SelectCluster selects a cluster from the current snapshot.
func (o *Orchestrator) SelectCluster(id string) error {
	_, err := o.Select(selection.KindCluster, id)
	return err
}

// SelectAnomaly selects an anomaly from the current snapshot.
func (o *Orchestrator) SelectAnomaly(id string) error {
	_, err := o.Select(selection.KindAnomaly, id)
	return err
}

// ClearSelection implements selection.Selector.
func (o *Orchestrator) ClearSelection() {
	o.mutate(func(s *State) { s.Selection = selection.None() })
}

// Selection implements selection.Selector.
func (o *Orchestrator) Selection() selection.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Selection
}

func lookup(d *heatmap.Dataset, kind selection.Kind, id string) (selection.State, error) {
	switch kind {
	case selection.KindPoint:
		if p, ok := d.FindPoint(id); ok {
			return selection.State{Kind: kind, Point: &p}, nil
		}
	case selection.KindCluster:
		if c, ok := d.FindCluster(id); ok {
			return selection.State{Kind: kind, Cluster: &c}, nil
		}
	case selection.KindAnomaly:
		if a, ok := d.FindAnomaly(id); ok {
			return selection.State{Kind: kind, Anomaly: &a}, nil
		}
	}
	return selection.State{}, eris.Wrapf(ErrUnknownEntity, "%s %q", kind, id)
}

// UpdateVisualization shallow-merges patch into the visualization state. It
// never fetches.
func (o *Orchestrator) UpdateVisualization(patch heatmap.VisualizationPatch) (heatmap.VisualizationState, error) {
	if patch.Opacity != nil && (*patch.Opacity < 0 || *patch.Opacity > 1) {
		return heatmap.VisualizationState{}, heatmap.Errorf(heatmap.KindValidation, "orchestrator: opacity %v out of [0,1]", *patch.Opacity)
	}
	if patch.Radius != nil && *patch.Radius <= 0 {
		return heatmap.VisualizationState{}, heatmap.Errorf(heatmap.KindValidation, "orchestrator: radius must be positive, got %d", *patch.Radius)
	}

	var out heatmap.VisualizationState
	ok := o.mutate(func(s *State) {
		s.Visualization = s.Visualization.Apply(patch)
		out = s.Visualization
	})
	if !ok {
		return heatmap.VisualizationState{}, ErrClosed
	}
	return out, nil
}

// Export writes the current snapshot, not a fresh query, to w.
func (o *Orchestrator) Export(w io.Writer, format export.Format) error {
	o.mu.Lock()
	ds := o.state.Dataset
	o.mu.Unlock()

	err := export.Write(w, format, ds)
	o.metrics.IncExport(string(format), err)
	if err != nil {
		zap.L().Warn("orchestrator: export failed", zap.String("format", string(format)), zap.Error(err))
	}
	return err
}

// ClearError dismisses the error banner without retrying.
func (o *Orchestrator) ClearError() {
	o.mutate(func(s *State) {
		s.Error = ""
		if s.Status == StatusError {
			if s.Dataset != nil {
				s.Status = StatusReady
			} else {
				s.Status = StatusIdle
			}
		}
	})
}

// DismissDemoNotice hides the demo notice. The demo dataset stays visible
// until a live fetch succeeds.
func (o *Orchestrator) DismissDemoNotice() {
	o.mutate(func(s *State) { s.DemoNotice = "" })
}

// Snapshot returns the current state.
func (o *Orchestrator) Snapshot() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Subscribe registers fn for every state change. Listeners run outside the
// lock, possibly concurrently, and must not block. The returned func
// unregisters fn.
func (o *Orchestrator) Subscribe(fn func(State)) (cancel func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return func() {}
	}
	id := o.nextListener
	o.nextListener++
	o.listeners[id] = fn
	return func() {
		o.mu.Lock()
		delete(o.listeners, id)
		o.mu.Unlock()
	}
}

// Wait blocks until in-flight fetches have resolved.
func (o *Orchestrator) Wait() {
	o.fetches.Wait()
}

// Close cancels in-flight fetches, stops polling and drops listeners. No
// state change happens after Close returns.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.stop()
	if o.pollStop != nil {
		close(o.pollStop)
		o.pollStop = nil
	}
	o.listeners = map[uint64]func(State){}
	o.mu.Unlock()

	o.pollWG.Wait()
	o.fetches.Wait()
}

// mutate applies fn to the state and notifies listeners. It reports false
// after Close.
func (o *Orchestrator) mutate(fn func(*State)) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	fn(&o.state)
	snap := o.state
	o.mu.Unlock()

	o.notify(snap)
	return true
}

func (o *Orchestrator) notify(snap State) {
	o.mu.Lock()
	fns := make([]func(State), 0, len(o.listeners))
	for _, fn := range o.listeners {
		fns = append(fns, fn)
	}
	o.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// restartPollerLocked replaces the poll loop to match the current refresh
// interval. o.mu must be held.
func (o *Orchestrator) restartPollerLocked() {
	if o.pollStop != nil {
		close(o.pollStop)
		o.pollStop = nil
	}
	every := o.state.Analytics.RefreshEvery()
	if !o.polling || every <= 0 || o.closed {
		return
	}
	stop := make(chan struct{})
	o.pollStop = stop
	o.pollWG.Add(1)
	go o.poll(every, stop)
}

func (o *Orchestrator) poll(every time.Duration, stop <-chan struct{}) {
	defer o.pollWG.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-o.ctx.Done():
			return
		case <-t.C:
			if err := o.Refetch(o.ctx); err != nil && o.ctx.Err() == nil {
				zap.L().Warn("orchestrator: poll refetch failed", zap.Error(err))
			}
		}
	}
}

func requestKey(b geo.RegionBounds, c heatmap.AnalyticsConfig) string {
	return fmt.Sprintf("%s|%t|%t|%t|%t|%d", b.Key(),
		c.EnableClustering, c.EnableAnomalyDetection, c.EnableTrends, c.EnablePredictions, c.HistoricalDepth)
}
