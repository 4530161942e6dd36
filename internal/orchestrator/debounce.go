package orchestrator

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/civicpulse/heatmap-cli/internal/geo"
)

// Debouncer collapses bursts of bounds changes (map drags) into a single
// SetBounds call issued once the bounds have been quiet for the delay.
type Debouncer struct {
	delay time.Duration
	apply func(geo.RegionBounds) error

	mu      sync.Mutex
	timer   *time.Timer
	pending geo.RegionBounds
	seq     uint64
	stopped bool
}

// NewDebouncer creates a debouncer in front of apply. A non-positive delay
// applies every change immediately.
func NewDebouncer(delay time.Duration, apply func(geo.RegionBounds) error) *Debouncer {
	return &Debouncer{delay: delay, apply: apply}
}

// Push records b as the latest bounds and restarts the quiet period.
// Validation errors surface only from immediate applies; debounced ones are
// logged.
func (d *Debouncer) Push(b geo.RegionBounds) error {
	if d.delay <= 0 {
		return d.apply(b)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrClosed
	}
	d.pending = b
	d.seq++
	seq := d.seq
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, func() { d.fire(seq) })
	return nil
}

func (d *Debouncer) fire(seq uint64) {
	d.mu.Lock()
	if d.stopped || seq != d.seq || d.timer == nil {
		d.mu.Unlock()
		return
	}
	b := d.pending
	d.timer = nil
	d.mu.Unlock()

	if err := d.apply(b); err != nil {
		zap.L().Debug("orchestrator: debounced bounds not applied", zap.Error(err))
	}
}

// Flush applies the pending bounds now, if any.
func (d *Debouncer) Flush() error {
	d.mu.Lock()
	if d.stopped || d.timer == nil {
		d.mu.Unlock()
		return nil
	}
	d.timer.Stop()
	d.timer = nil
	b := d.pending
	d.mu.Unlock()
	return d.apply(b)
}

// Stop drops any pending bounds. Pushes after Stop fail with ErrClosed.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
