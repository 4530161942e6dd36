package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/civicpulse/heatmap-cli/internal/geo"
)

// NATSConfig configures the NATS transport.
type NATSConfig struct {
	URL            string
	Name           string
	SubjectPrefix  string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// NATSTransport receives events on <prefix>.<subscriptionID> and announces
// subscriptions on <prefix>.subscribe / <prefix>.unsubscribe.
type NATSTransport struct {
	cfg NATSConfig

	mu     sync.Mutex
	conn   *nats.Conn
	subs   map[string]*nats.Subscription
	events *sink
}

type natsRegistration struct {
	ID     string            `json:"id"`
	Label  string            `json:"label,omitempty"`
	Bounds *geo.RegionBounds `json:"bounds,omitempty"`
}

// NewNATS creates a NATS transport.
func NewNATS(cfg NATSConfig) *NATSTransport {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "heatmap.updates"
	}
	if cfg.Name == "" {
		cfg.Name = "heatmap-cli"
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	return &NATSTransport{cfg: cfg, subs: map[string]*nats.Subscription{}, events: newSink()}
}

// EventSubject returns the subject events for id arrive on.
func (t *NATSTransport) EventSubject(id string) string {
	return t.cfg.SubjectPrefix + "." + id
}

// Connect implements Transport. Reconnection is handled by the NATS client;
// the event stream ends only when the connection is closed for good.
func (t *NATSTransport) Connect(_ context.Context) error {
	events := newSink()
	opts := []nats.Option{
		nats.Name(t.cfg.Name),
		nats.ReconnectWait(t.cfg.ReconnectWait),
		nats.MaxReconnects(t.cfg.MaxReconnects),
		nats.Timeout(t.cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			zap.L().Warn("realtime: nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			zap.L().Info("realtime: nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			var err error
			if last := nc.LastError(); last != nil {
				err = eris.Wrap(last, "realtime: nats connection closed")
			}
			events.close(err)
		}),
	}

	conn, err := nats.Connect(t.cfg.URL, opts...)
	if err != nil {
		return eris.Wrapf(err, "realtime: connect to nats %s", t.cfg.URL)
	}

	t.mu.Lock()
	t.conn = conn
	t.events = events
	t.subs = map[string]*nats.Subscription{}
	t.mu.Unlock()
	return nil
}

// Subscribe implements Transport.
func (t *NATSTransport) Subscribe(_ context.Context, id, label string, bounds geo.RegionBounds) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return eris.New("realtime: not connected")
	}
	if _, exists := t.subs[id]; exists {
		return nil
	}

	events := t.events
	sub, err := t.conn.Subscribe(t.EventSubject(id), func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil || ev.Type == "" {
			zap.L().Debug("realtime: ignoring malformed nats event", zap.String("subject", msg.Subject))
			return
		}
		ev.SubscriptionID = id
		events.deliver(ev)
	})
	if err != nil {
		return eris.Wrapf(err, "realtime: nats subscribe %s", id)
	}
	t.subs[id] = sub

	if err := t.publish("subscribe", natsRegistration{ID: id, Label: label, Bounds: &bounds}); err != nil {
		_ = sub.Unsubscribe()
		delete(t.subs, id)
		return err
	}
	return nil
}

// Unsubscribe implements Transport.
func (t *NATSTransport) Unsubscribe(_ context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	sub, exists := t.subs[id]
	if !exists {
		return nil
	}
	delete(t.subs, id)
	if err := sub.Unsubscribe(); err != nil {
		return eris.Wrapf(err, "realtime: nats unsubscribe %s", id)
	}
	return t.publish("unsubscribe", natsRegistration{ID: id})
}

// publish announces a subscription change. t.mu must be held.
func (t *NATSTransport) publish(action string, reg natsRegistration) error {
	payload, err := json.Marshal(reg)
	if err != nil {
		return eris.Wrap(err, "realtime: marshal registration")
	}
	return eris.Wrapf(t.conn.Publish(t.cfg.SubjectPrefix+"."+action, payload), "realtime: nats publish %s", action)
}

// Events implements Transport.
func (t *NATSTransport) Events() <-chan Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.events.ch
}

// Err implements Transport.
func (t *NATSTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.events.reason()
}

// Close implements Transport.
func (t *NATSTransport) Close() error {
	t.mu.Lock()
	conn, events := t.conn, t.events
	t.conn = nil
	t.subs = map[string]*nats.Subscription{}
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	conn.Close()
	events.close(nil)
	return nil
}
