package recovery

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/civicpulse/heatmap-cli/internal/heatmap"
	"github.com/civicpulse/heatmap-cli/internal/metrics"
)

// State is the boundary's position in its recovery state machine.
type State string

const (
	StateNormal   State = "normal"
	StateErrored  State = "errored"
	StateDemo     State = "demo"
	StateTerminal State = "terminal"
)

// DefaultMaxRetries applies when Options.MaxRetries is zero.
const DefaultMaxRetries = 3

var (
	ErrErrored        = eris.New("recovery: boundary is showing a failure")
	ErrTerminal       = eris.New("recovery: boundary is terminal")
	ErrRetryExhausted = eris.New("recovery: retry limit reached")
	ErrNotErrored     = eris.New("recovery: no failure to recover from")
)

// Mode is passed to the render callback. In demo mode Dataset is the fixed
// demo dataset and the renderer must show a persistent demo indicator.
type Mode struct {
	Demo    bool
	Dataset *heatmap.Dataset
}

// Navigator implements the escape hatches that leave the current view.
type Navigator interface {
	Reload(ctx context.Context) error
	GoHome(ctx context.Context, homeURL string) error
}

// Reporter receives every caught failure.
type Reporter func(Failure)

// Options configures a Boundary.
type Options struct {
	MaxRetries int
	HomeURL    string
	Navigator  Navigator
	Reporter   Reporter
	Metrics    *metrics.Metrics
}

// Snapshot is the boundary state shown alongside a failure.
type Snapshot struct {
	State      State    `json:"state"`
	Failure    *Failure `json:"failure,omitempty"`
	Retries    int      `json:"retries"`
	MaxRetries int      `json:"maxRetries"`
	CanRetry   bool     `json:"canRetry"`
	HomeURL    string   `json:"homeUrl,omitempty"`
}

// Boundary wraps a render callback.
type Boundary struct {
	opts Options

	mu      sync.Mutex
	state   State
	failure *Failure
	retries int
}

// NewBoundary creates a boundary in the normal state.
func NewBoundary(opts Options) *Boundary {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.HomeURL == "" {
		opts.HomeURL = "/"
	}
	return &Boundary{opts: opts, state: StateNormal}
}

// Render runs fn unless the boundary is errored or terminal. A failure
// moves the boundary to errored and is returned as a KindRender error
// wrapping *Failure.
func (b *Boundary) Render(fn func(Mode) error) error {
	b.mu.Lock()
	state := b.state
	current := b.failure
	b.mu.Unlock()

	var mode Mode
	switch state {
	case StateErrored:
		return heatmap.Wrap(heatmap.KindRender, eris.Wrapf(ErrErrored, "failure %s", current.ID))
	case StateTerminal:
		return heatmap.Wrap(heatmap.KindRender, ErrTerminal)
	case StateDemo:
		mode = Mode{Demo: true, Dataset: heatmap.DemoDataset()}
	}

	f := Catch(func() error { return fn(mode) })
	if f == nil {
		return nil
	}
	b.Capture(f)
	return heatmap.Wrap(heatmap.KindRender, f)
}

// Capture records f as the current failure and reports it.
func (b *Boundary) Capture(f *Failure) {
	b.mu.Lock()
	b.state = StateErrored
	b.failure = f
	b.mu.Unlock()
	b.Report(f)
}

// Report logs, counts and forwards f without changing state.
func (b *Boundary) Report(f *Failure) {
	fields := []zap.Field{
		zap.String("error_id", f.ID),
		zap.String("category", string(f.Category)),
		zap.String("message", f.Message),
		zap.Bool("panic", f.Panic),
	}
	if f.Stack != "" {
		fields = append(fields, zap.String("stack", f.Stack))
	}
	zap.L().Error("recovery: render failure", fields...)
	b.opts.Metrics.IncRenderFailure(string(f.Category))
	if b.opts.Reporter != nil {
		b.opts.Reporter(*f)
	}
}

// State returns the current state.
func (b *Boundary) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failure returns the current failure, if any.
func (b *Boundary) Failure() (Failure, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failure == nil {
		return Failure{}, false
	}
	return *b.failure, true
}

// CanRetry reports whether Retry would succeed.
func (b *Boundary) CanRetry() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.canRetryLocked()
}

func (b *Boundary) canRetryLocked() bool {
	return b.state == StateErrored && b.retries < b.opts.MaxRetries
}

// Snapshot returns the state for display.
func (b *Boundary) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{
		State:      b.state,
		Retries:    b.retries,
		MaxRetries: b.opts.MaxRetries,
		CanRetry:   b.canRetryLocked(),
		HomeURL:    b.opts.HomeURL,
	}
	if b.failure != nil {
		f := *b.failure
		s.Failure = &f
	}
	return s
}

// Retry clears the failure so the next Render runs again. It counts
// against MaxRetries.
func (b *Boundary) Retry() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.state != StateErrored:
		return ErrNotErrored
	case b.retries >= b.opts.MaxRetries:
		return ErrRetryExhausted
	}
	b.retries++
	b.state = StateNormal
	b.failure = nil
	zap.L().Info("recovery: retry", zap.Int("attempt", b.retries), zap.Int("max", b.opts.MaxRetries))
	return nil
}

// EnterDemo renders subsequent calls against the demo dataset.
func (b *Boundary) EnterDemo() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateTerminal {
		return ErrTerminal
	}
	b.state = StateDemo
	b.failure = nil
	zap.L().Info("recovery: entering demo mode")
	return nil
}

// Reload leaves the current view through the navigator. On success the
// boundary starts over as a fresh session.
func (b *Boundary) Reload(ctx context.Context) error {
	return b.leave(ctx, "reload", func(n Navigator) error { return n.Reload(ctx) })
}

// GoHome navigates to the configured home URL.
func (b *Boundary) GoHome(ctx context.Context) error {
	return b.leave(ctx, "home", func(n Navigator) error { return n.GoHome(ctx, b.opts.HomeURL) })
}

func (b *Boundary) leave(_ context.Context, action string, nav func(Navigator) error) error {
	b.mu.Lock()
	b.state = StateTerminal
	b.mu.Unlock()

	if b.opts.Navigator != nil {
		if err := nav(b.opts.Navigator); err != nil {
			zap.L().Error("recovery: navigation failed", zap.String("action", action), zap.Error(err))
			return eris.Wrapf(err, "recovery: %s", action)
		}
	}
	b.Reset()
	return nil
}

// Reset returns the boundary to its initial state.
func (b *Boundary) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateNormal
	b.failure = nil
	b.retries = 0
}
