// Package realtime manages the push connection that tells the orchestrator
// its data may be stale. Events carry no data; updates trigger a refetch and
// notifications are forwarded for display.
package realtime

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/civicpulse/heatmap-cli/internal/geo"
)

// EventType distinguishes refresh signals from displayable notifications.
type EventType string

const (
	EventUpdate       EventType = "update"
	EventNotification EventType = "notification"
)

// Event is one push message keyed by subscription id.
type Event struct {
	SubscriptionID string          `json:"subscriptionId"`
	Type           EventType       `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Transport is one push connection. Events is closed when the connection
// ends; Err then reports why, or nil after Close.
type Transport interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, id, label string, bounds geo.RegionBounds) error
	Unsubscribe(ctx context.Context, id string) error
	Events() <-chan Event
	Err() error
	Close() error
}

const (
	// eventBufferSize is the channel buffer per connection.
	eventBufferSize = 64
	// maxQueuedEvents caps the overflow queue behind a full channel. Updates
	// never count against it: at most one per subscription is queued.
	maxQueuedEvents = 4096
)

// sink is the event channel shared by the transports. It tolerates delivery
// racing with close. Events that do not fit in the channel wait in an
// ordered overflow queue drained by a pump goroutine; a queued update
// absorbs later updates for the same subscription, notifications are kept.
type sink struct {
	mu      sync.Mutex
	ch      chan Event
	queue   []Event
	pending map[string]bool // subscriptions with an update in queue
	pumping bool
	closed  bool
	err     error
}

func newSink() *sink {
	return &sink{ch: make(chan Event, eventBufferSize), pending: map[string]bool{}}
}

func (s *sink) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if !s.pumping {
		select {
		case s.ch <- ev:
			return
		default:
		}
	}

	switch {
	case ev.Type == EventUpdate && s.pending[ev.SubscriptionID]:
		return
	case ev.Type == EventUpdate:
		s.pending[ev.SubscriptionID] = true
	case len(s.queue) >= maxQueuedEvents:
		zap.L().Warn("realtime: event queue full, dropping event",
			zap.String("subscription", ev.SubscriptionID),
			zap.String("type", string(ev.Type)),
		)
		return
	}
	s.queue = append(s.queue, ev)
	if !s.pumping {
		s.pumping = true
		go s.pump()
	}
}

// pump moves queued events into the channel in order and exits once the
// queue is empty. It closes the channel if the sink was closed meanwhile.
func (s *sink) pump() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.pumping = false
			if s.closed {
				close(s.ch)
			}
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		if ev.Type == EventUpdate {
			delete(s.pending, ev.SubscriptionID)
		}
		s.mu.Unlock()

		s.ch <- ev
	}
}

// close ends the stream, recording err as the reason. Queued events are
// still delivered before the channel closes. Only the first call has an
// effect.
func (s *sink) close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	if !s.pumping {
		close(s.ch)
	}
}

func (s *sink) reason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
