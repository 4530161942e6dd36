package realtime

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/civicpulse/heatmap-cli/internal/geo"
	"github.com/civicpulse/heatmap-cli/internal/heatmap"
	"github.com/civicpulse/heatmap-cli/internal/metrics"
	"github.com/civicpulse/heatmap-cli/internal/resilience"
)

// Status is the connection state shown by the rendering surface.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

var allStatuses = []string{
	string(StatusConnecting), string(StatusConnected), string(StatusDisconnected), string(StatusError),
}

// Notification kinds, each gated by a RealtimeConfig flag.
const (
	NotificationAnomaly    = "anomaly"
	NotificationPrediction = "prediction"
)

var (
	// ErrDisabled is returned by Connect when realtime is switched off.
	ErrDisabled = eris.New("realtime: disabled")
	// ErrNotConnected is returned by Subscribe before Connect succeeds.
	ErrNotConnected = eris.New("realtime: not connected")
)

// Notification is a displayable push message.
type Notification struct {
	SubscriptionID string    `json:"subscriptionId"`
	Kind           string    `json:"kind"`
	Message        string    `json:"message"`
	ReceivedAt     time.Time `json:"receivedAt"`
}

// Subscription is a registered interest in a named region.
type Subscription struct {
	ID        string           `json:"id"`
	Label     string           `json:"label"`
	Bounds    geo.RegionBounds `json:"bounds"`
	CreatedAt time.Time        `json:"createdAt"`
}

// Callbacks receive manager output. All are optional and run on the
// manager's consumer goroutine, except OnStatus which may also run on the
// caller of Connect or Close, and trailing OnStale signals which run on a
// timer goroutine.
type Callbacks struct {
	// OnStale is the "data may be stale" signal, wired to the orchestrator.
	OnStale        func()
	OnNotification func(Notification)
	OnStatus       func(Status)
}

// Option configures a Manager.
type Option func(*Manager)

// WithReconnect redials with backoff when the connection drops with an error
// and restores the subscriptions afterwards. MaxAttempts <= 0 keeps trying
// until Close.
func WithReconnect(cfg resilience.RetryConfig) Option {
	return func(m *Manager) {
		m.reconnect = &cfg
	}
}

// Manager owns one transport connection and its subscriptions. It never
// applies data itself.
type Manager struct {
	transport Transport
	cfg       heatmap.RealtimeConfig
	cb        Callbacks
	metrics   *metrics.Metrics
	reconnect *resilience.RetryConfig

	// ctx is cancelled by Close and bounds redials and restores.
	ctx    context.Context
	cancel context.CancelFunc

	// followMu serializes Follow so rapid bounds churn leaves at most one
	// subscription per label.
	followMu sync.Mutex

	mu       sync.Mutex
	status   Status
	subs     map[string]Subscription
	byLabel  map[string]string
	follows  map[string]geo.RegionBounds
	running  bool
	consumer chan struct{}
	closed   bool

	lastStale  time.Time
	staleTimer *time.Timer
	staleWG    sync.WaitGroup
}

// NewManager creates a disconnected manager.
func NewManager(t Transport, cfg heatmap.RealtimeConfig, cb Callbacks, m *metrics.Metrics, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		transport: t,
		cfg:       cfg,
		cb:        cb,
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
		status:    StatusDisconnected,
		subs:      map[string]Subscription{},
		byLabel:   map[string]string{},
		follows:   map[string]geo.RegionBounds{},
	}
	for _, opt := range opts {
		opt(mgr)
	}
	return mgr
}

// Connect opens the transport and starts consuming events. Failures are
// KindTransport errors; they only affect the status.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return eris.New("realtime: manager closed")
	}
	if !m.cfg.Enabled {
		m.mu.Unlock()
		return ErrDisabled
	}
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	m.setStatus(StatusConnecting)
	if err := m.transport.Connect(ctx); err != nil {
		m.setStatus(StatusError)
		zap.L().Warn("realtime: connect failed", zap.Error(err))
		m.mu.Lock()
		if m.reconnect != nil && !m.closed {
			// Keep dialing in the background.
			done := make(chan struct{})
			m.consumer = done
			go m.run(nil, done)
		} else {
			m.running = false
		}
		m.mu.Unlock()
		return heatmap.Wrap(heatmap.KindTransport, err)
	}

	done := make(chan struct{})
	m.mu.Lock()
	if m.closed {
		m.running = false
		m.mu.Unlock()
		_ = m.transport.Close()
		return eris.New("realtime: manager closed")
	}
	m.consumer = done
	m.subs = map[string]Subscription{}
	m.byLabel = map[string]string{}
	m.mu.Unlock()

	m.setStatus(StatusConnected)
	go m.run(m.transport.Events(), done)
	return nil
}

// run consumes events until the stream ends, redialing after an error when
// reconnect is enabled. A nil events starts with a redial.
func (m *Manager) run(events <-chan Event, done chan struct{}) {
	defer close(done)
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	for {
		if events != nil {
			for ev := range events {
				m.handle(ev)
			}

			if m.isClosed() {
				return
			}
			err := m.transport.Err()
			if err == nil {
				m.setStatus(StatusDisconnected)
				return
			}
			zap.L().Warn("realtime: connection lost", zap.Error(err))
			m.setStatus(StatusError)
			if m.reconnect == nil {
				return
			}
		}

		lost := m.dropSubscriptions()
		var ok bool
		if events, ok = m.redial(); !ok {
			return
		}
		m.restore(lost)
	}
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// dropSubscriptions forgets the subscriptions of a dead connection and
// returns them oldest first.
func (m *Manager) dropSubscriptions() []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	lost := make([]Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		lost = append(lost, s)
	}
	sort.Slice(lost, func(i, j int) bool { return lost[i].CreatedAt.Before(lost[j].CreatedAt) })
	m.subs = map[string]Subscription{}
	m.byLabel = map[string]string{}
	return lost
}

// redial reconnects with backoff. It returns false when Close interrupts it
// or the attempts run out.
func (m *Manager) redial() (<-chan Event, bool) {
	cfg := *m.reconnect
	for attempt := 0; cfg.MaxAttempts <= 0 || attempt < cfg.MaxAttempts; attempt++ {
		delay := resilience.Backoff(attempt, cfg)
		zap.L().Info("realtime: reconnecting", zap.Int("attempt", attempt+1), zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-m.ctx.Done():
			timer.Stop()
			return nil, false
		case <-timer.C:
		}

		m.setStatus(StatusConnecting)
		err := m.transport.Connect(m.ctx)
		m.metrics.IncReconnect(err)
		if err != nil {
			if m.ctx.Err() != nil {
				return nil, false
			}
			zap.L().Warn("realtime: reconnect failed", zap.Int("attempt", attempt+1), zap.Error(err))
			m.setStatus(StatusError)
			continue
		}

		if m.isClosed() {
			_ = m.transport.Close()
			return nil, false
		}
		m.setStatus(StatusConnected)
		return m.transport.Events(), true
	}
	zap.L().Error("realtime: giving up reconnect", zap.Int("attempts", cfg.MaxAttempts))
	return nil, false
}

// restore re-creates lost subscriptions on a fresh connection. Followed
// labels move to their latest requested bounds.
func (m *Manager) restore(lost []Subscription) {
	ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
	defer cancel()

	m.mu.Lock()
	follows := make(map[string]geo.RegionBounds, len(m.follows))
	for label, b := range m.follows {
		follows[label] = b
	}
	m.mu.Unlock()

	for _, s := range lost {
		if _, followed := follows[s.Label]; followed {
			continue
		}
		if _, err := m.Subscribe(ctx, s.Label, s.Bounds); err != nil {
			zap.L().Warn("realtime: restore subscription failed", zap.String("label", s.Label), zap.Error(err))
		}
	}

	labels := make([]string, 0, len(follows))
	for label := range follows {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		if _, err := m.Follow(ctx, label, follows[label]); err != nil {
			zap.L().Warn("realtime: restore follow failed", zap.String("label", label), zap.Error(err))
		}
	}
	zap.L().Info("realtime: subscriptions restored", zap.Int("count", len(m.Subscriptions())))
}

func (m *Manager) handle(ev Event) {
	m.mu.Lock()
	_, known := m.subs[ev.SubscriptionID]
	m.mu.Unlock()
	if !known {
		zap.L().Debug("realtime: event for inactive subscription", zap.String("subscription", ev.SubscriptionID))
		return
	}
	m.metrics.IncPushEvent(string(ev.Type))

	switch ev.Type {
	case EventUpdate:
		if m.cfg.AutoRefresh && m.cb.OnStale != nil {
			m.signalStale()
		}
	case EventNotification:
		n, ok := m.notification(ev)
		if ok && m.cb.OnNotification != nil {
			m.cb.OnNotification(n)
		}
	default:
		zap.L().Debug("realtime: unknown event type", zap.String("type", string(ev.Type)))
	}
}

// signalStale calls OnStale at most once per UpdateInterval. Updates inside
// the interval collapse into one trailing signal at its end.
func (m *Manager) signalStale() {
	interval := time.Duration(m.cfg.UpdateInterval) * time.Millisecond
	if interval <= 0 {
		m.cb.OnStale()
		return
	}

	m.mu.Lock()
	if m.closed || m.staleTimer != nil {
		m.mu.Unlock()
		return
	}
	now := time.Now()
	if wait := interval - now.Sub(m.lastStale); wait > 0 {
		m.staleWG.Add(1)
		m.staleTimer = time.AfterFunc(wait, m.trailingStale)
		m.mu.Unlock()
		return
	}
	m.lastStale = now
	m.mu.Unlock()
	m.cb.OnStale()
}

func (m *Manager) trailingStale() {
	defer m.staleWG.Done()
	m.mu.Lock()
	m.staleTimer = nil
	m.lastStale = time.Now()
	closed := m.closed
	m.mu.Unlock()
	if !closed {
		m.cb.OnStale()
	}
}

// notification decodes ev and applies the config gates.
func (m *Manager) notification(ev Event) (Notification, bool) {
	var body struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	}
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &body); err != nil {
			// A bare string payload is the message itself.
			if err := json.Unmarshal(ev.Payload, &body.Message); err != nil {
				zap.L().Debug("realtime: undecodable notification payload", zap.Error(err))
				return Notification{}, false
			}
		}
	}

	var allowed bool
	switch body.Kind {
	case NotificationAnomaly:
		allowed = m.cfg.AnomalyAlerts
	case NotificationPrediction:
		allowed = m.cfg.PredictionUpdates
	default:
		allowed = m.cfg.PushNotifications
	}
	if !allowed {
		return Notification{}, false
	}
	return Notification{
		SubscriptionID: ev.SubscriptionID,
		Kind:           body.Kind,
		Message:        body.Message,
		ReceivedAt:     time.Now().UTC(),
	}, true
}

// Status returns the connection status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// IsConnected reports whether the transport is connected.
func (m *Manager) IsConnected() bool {
	return m.Status() == StatusConnected
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	changed := m.status != s
	m.status = s
	m.mu.Unlock()
	if !changed {
		return
	}
	m.metrics.SetRealtimeStatus(string(s), allStatuses)
	zap.L().Info("realtime: status", zap.String("status", string(s)))
	if m.cb.OnStatus != nil {
		m.cb.OnStatus(s)
	}
}

// Subscribe registers interest in bounds under label and returns the
// subscription id.
func (m *Manager) Subscribe(ctx context.Context, label string, bounds geo.RegionBounds) (string, error) {
	if !m.IsConnected() {
		return "", heatmap.Wrap(heatmap.KindTransport, ErrNotConnected)
	}
	id := uuid.NewString()

	// Registered first so events racing the server ack are not dropped.
	m.mu.Lock()
	m.subs[id] = Subscription{ID: id, Label: label, Bounds: bounds, CreatedAt: time.Now().UTC()}
	prevLabel, hadLabel := m.byLabel[label]
	m.byLabel[label] = id
	m.mu.Unlock()

	if err := m.transport.Subscribe(ctx, id, label, bounds); err != nil {
		m.mu.Lock()
		delete(m.subs, id)
		if hadLabel {
			m.byLabel[label] = prevLabel
		} else {
			delete(m.byLabel, label)
		}
		m.mu.Unlock()
		return "", heatmap.Wrap(heatmap.KindTransport, err)
	}

	zap.L().Debug("realtime: subscribed",
		zap.String("id", id),
		zap.String("label", label),
		zap.String("bounds", bounds.Key()),
	)
	return id, nil
}

// Unsubscribe removes a subscription. Unknown ids are a no-op. Removing the
// subscription a label follows also stops following it.
func (m *Manager) Unsubscribe(ctx context.Context, id string) error {
	return m.unsubscribe(ctx, id, false)
}

func (m *Manager) unsubscribe(ctx context.Context, id string, keepFollow bool) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
		if m.byLabel[sub.Label] == id {
			delete(m.byLabel, sub.Label)
			if !keepFollow {
				delete(m.follows, sub.Label)
			}
		}
	}
	connected := m.status == StatusConnected
	m.mu.Unlock()

	if !ok || !connected {
		return nil
	}
	if err := m.transport.Unsubscribe(ctx, id); err != nil {
		return heatmap.Wrap(heatmap.KindTransport, err)
	}
	return nil
}

// Follow keeps exactly one subscription for label, moved to bounds. An
// existing subscription for the same bounds is kept. The requested bounds
// are remembered even when the call fails, and are followed again after a
// reconnect.
func (m *Manager) Follow(ctx context.Context, label string, bounds geo.RegionBounds) (string, error) {
	m.followMu.Lock()
	defer m.followMu.Unlock()

	m.mu.Lock()
	m.follows[label] = bounds
	prevID, had := m.byLabel[label]
	prev := m.subs[prevID]
	m.mu.Unlock()

	if had && prev.Bounds == bounds {
		return prevID, nil
	}
	if had {
		if err := m.unsubscribe(ctx, prevID, true); err != nil {
			zap.L().Warn("realtime: unsubscribe failed", zap.String("id", prevID), zap.Error(err))
		}
	}
	return m.Subscribe(ctx, label, bounds)
}

// Subscriptions returns the active subscriptions ordered by label.
func (m *Manager) Subscriptions() []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

// Close unsubscribes everything, stops any reconnect and closes the
// transport. No callback runs after Close returns.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	ids := make([]string, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, id := range ids {
		if err := m.Unsubscribe(ctx, id); err != nil {
			zap.L().Debug("realtime: unsubscribe on close", zap.String("id", id), zap.Error(err))
		}
	}

	m.mu.Lock()
	m.closed = true
	done := m.consumer
	if m.staleTimer != nil && m.staleTimer.Stop() {
		m.staleWG.Done()
	}
	m.staleTimer = nil
	m.mu.Unlock()
	m.cancel()

	err := m.transport.Close()
	if done != nil {
		<-done
	}
	m.staleWG.Wait()

	m.mu.Lock()
	m.status = StatusDisconnected
	m.subs = map[string]Subscription{}
	m.byLabel = map[string]string{}
	m.mu.Unlock()
	m.metrics.SetRealtimeStatus(string(StatusDisconnected), allStatuses)
	return err
}
