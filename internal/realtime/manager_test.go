package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/civicpulse/heatmap-cli/internal/geo"
	"github.com/civicpulse/heatmap-cli/internal/heatmap"
	"github.com/civicpulse/heatmap-cli/internal/metrics"
	"github.com/civicpulse/heatmap-cli/internal/resilience"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var (
	delhi  = geo.NewBoundsFromEdges(77.1, 28.5, 77.3, 28.7)
	mumbai = geo.NewBoundsFromEdges(72.7, 18.9, 73.0, 19.2)
)

type fakeTransport struct {
	mu          sync.Mutex
	connectErr  error
	connects    int
	subscribed  []string
	unsubbed    []string
	events      *sink
	closeCalled bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: newSink()}
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.events = newSink()
	return nil
}

func (f *fakeTransport) Subscribe(_ context.Context, id, _ string, _ geo.RegionBounds) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, id)
	return nil
}

func (f *fakeTransport) Unsubscribe(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubbed = append(f.unsubbed, id)
	return nil
}

func (f *fakeTransport) Events() <-chan Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events.ch
}

func (f *fakeTransport) Err() error { return f.sink().reason() }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closeCalled = true
	f.mu.Unlock()
	f.sink().close(nil)
	return nil
}

func (f *fakeTransport) sink() *sink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events
}

func (f *fakeTransport) push(ev Event) { f.sink().deliver(ev) }

func (f *fakeTransport) setConnectErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErr = err
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) unsubscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unsubbed...)
}

func allOn() heatmap.RealtimeConfig {
	return heatmap.RealtimeConfig{
		Enabled:           true,
		AutoRefresh:       true,
		PushNotifications: true,
		AnomalyAlerts:     true,
		PredictionUpdates: true,
	}
}

func connected(t *testing.T, cfg heatmap.RealtimeConfig, cb Callbacks) (*Manager, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	m := NewManager(ft, cfg, cb, metrics.New())
	require.NoError(t, m.Connect(context.Background()))
	t.Cleanup(func() { _ = m.Close() })
	return m, ft
}

func payload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestManager_ConnectSetsStatus(t *testing.T) {
	var mu sync.Mutex
	var seen []Status
	m, _ := connected(t, allOn(), Callbacks{OnStatus: func(s Status) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	}})

	assert.True(t, m.IsConnected())
	mu.Lock()
	assert.Equal(t, []Status{StatusConnecting, StatusConnected}, seen)
	mu.Unlock()
}

func TestManager_ConnectFailure(t *testing.T) {
	ft := newFakeTransport()
	ft.connectErr = eris.New("connection refused")
	m := NewManager(ft, allOn(), Callbacks{}, nil)

	err := m.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, heatmap.IsKind(err, heatmap.KindTransport))
	assert.Equal(t, StatusError, m.Status())
}

func TestManager_Disabled(t *testing.T) {
	m := NewManager(newFakeTransport(), heatmap.RealtimeConfig{}, Callbacks{}, nil)
	err := m.Connect(context.Background())
	assert.True(t, eris.Is(err, ErrDisabled))
	assert.Equal(t, StatusDisconnected, m.Status())
}

func TestManager_SubscribeRequiresConnection(t *testing.T) {
	m := NewManager(newFakeTransport(), allOn(), Callbacks{}, nil)
	_, err := m.Subscribe(context.Background(), "viewport", delhi)
	require.Error(t, err)
	assert.True(t, heatmap.IsKind(err, heatmap.KindTransport))
}

func TestManager_UpdateTriggersStale(t *testing.T) {
	stale := make(chan struct{}, 1)
	m, ft := connected(t, allOn(), Callbacks{OnStale: func() { stale <- struct{}{} }})

	id, err := m.Subscribe(context.Background(), "viewport", delhi)
	require.NoError(t, err)
	ft.push(Event{SubscriptionID: id, Type: EventUpdate})

	select {
	case <-stale:
	case <-time.After(time.Second):
		t.Fatal("OnStale not called")
	}
}

func TestManager_AutoRefreshOffSuppressesStale(t *testing.T) {
	cfg := allOn()
	cfg.AutoRefresh = false
	stale := make(chan struct{}, 1)
	notes := make(chan Notification, 1)
	m, ft := connected(t, cfg, Callbacks{
		OnStale:        func() { stale <- struct{}{} },
		OnNotification: func(n Notification) { notes <- n },
	})

	id, err := m.Subscribe(context.Background(), "viewport", delhi)
	require.NoError(t, err)
	ft.push(Event{SubscriptionID: id, Type: EventUpdate})
	// A trailing notification proves the update was consumed first.
	ft.push(Event{SubscriptionID: id, Type: EventNotification, Payload: payload(t, map[string]string{"message": "sync"})})

	select {
	case <-notes:
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
	assert.Empty(t, stale)
}

func TestManager_IgnoresUnknownSubscription(t *testing.T) {
	stale := make(chan struct{}, 4)
	notes := make(chan Notification, 1)
	m, ft := connected(t, allOn(), Callbacks{
		OnStale:        func() { stale <- struct{}{} },
		OnNotification: func(n Notification) { notes <- n },
	})

	id, err := m.Subscribe(context.Background(), "viewport", delhi)
	require.NoError(t, err)
	ft.push(Event{SubscriptionID: "someone-else", Type: EventUpdate})
	ft.push(Event{SubscriptionID: id, Type: EventNotification, Payload: payload(t, map[string]string{"message": "ok"})})

	select {
	case n := <-notes:
		assert.Equal(t, "ok", n.Message)
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
	assert.Empty(t, stale)
}

func TestManager_NotificationGates(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*heatmap.RealtimeConfig)
		kind    string
		deliver bool
	}{
		{"anomaly allowed", func(*heatmap.RealtimeConfig) {}, NotificationAnomaly, true},
		{"anomaly gated", func(c *heatmap.RealtimeConfig) { c.AnomalyAlerts = false }, NotificationAnomaly, false},
		{"prediction gated", func(c *heatmap.RealtimeConfig) { c.PredictionUpdates = false }, NotificationPrediction, false},
		{"generic gated", func(c *heatmap.RealtimeConfig) { c.PushNotifications = false }, "info", false},
		{"generic allowed", func(*heatmap.RealtimeConfig) {}, "info", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := allOn()
			tt.mutate(&cfg)
			m := NewManager(newFakeTransport(), cfg, Callbacks{}, nil)
			_, ok := m.notification(Event{
				SubscriptionID: "s",
				Type:           EventNotification,
				Payload:        payload(t, map[string]string{"kind": tt.kind, "message": "m"}),
			})
			assert.Equal(t, tt.deliver, ok)
		})
	}
}

func TestManager_BareStringNotification(t *testing.T) {
	m := NewManager(newFakeTransport(), allOn(), Callbacks{}, nil)
	n, ok := m.notification(Event{SubscriptionID: "s", Type: EventNotification, Payload: json.RawMessage(`"water main repaired"`)})
	require.True(t, ok)
	assert.Equal(t, "water main repaired", n.Message)
	assert.Equal(t, "s", n.SubscriptionID)
}

func TestManager_UnsubscribeUnknownIsNoop(t *testing.T) {
	m, ft := connected(t, allOn(), Callbacks{})
	require.NoError(t, m.Unsubscribe(context.Background(), "missing"))
	assert.Empty(t, ft.unsubscribed())
}

func TestManager_FollowMovesSubscription(t *testing.T) {
	m, ft := connected(t, allOn(), Callbacks{})
	ctx := context.Background()

	first, err := m.Follow(ctx, "viewport", delhi)
	require.NoError(t, err)

	same, err := m.Follow(ctx, "viewport", delhi)
	require.NoError(t, err)
	assert.Equal(t, first, same)

	second, err := m.Follow(ctx, "viewport", mumbai)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, []string{first}, ft.unsubscribed())

	subs := m.Subscriptions()
	require.Len(t, subs, 1)
	assert.Equal(t, second, subs[0].ID)
	assert.Equal(t, mumbai, subs[0].Bounds)
}

func TestManager_FollowConcurrentLeavesOne(t *testing.T) {
	m, _ := connected(t, allOn(), Callbacks{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		b := delhi
		if i%2 == 1 {
			b = mumbai
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Follow(ctx, "viewport", b)
		}()
	}
	wg.Wait()
	assert.Len(t, m.Subscriptions(), 1)
}

func TestManager_TransportErrorSetsErrorStatus(t *testing.T) {
	statuses := make(chan Status, 8)
	m, ft := connected(t, allOn(), Callbacks{OnStatus: func(s Status) { statuses <- s }})
	<-statuses
	<-statuses

	ft.sink().close(eris.New("connection reset"))

	select {
	case s := <-statuses:
		assert.Equal(t, StatusError, s)
	case <-time.After(time.Second):
		t.Fatal("status not updated")
	}
	assert.Equal(t, StatusError, m.Status())
}

func TestManager_CleanEndDisconnects(t *testing.T) {
	statuses := make(chan Status, 8)
	m, ft := connected(t, allOn(), Callbacks{OnStatus: func(s Status) { statuses <- s }})
	<-statuses
	<-statuses

	ft.sink().close(nil)

	select {
	case s := <-statuses:
		assert.Equal(t, StatusDisconnected, s)
	case <-time.After(time.Second):
		t.Fatal("status not updated")
	}
	assert.False(t, m.IsConnected())
}

func TestManager_CloseUnsubscribesAll(t *testing.T) {
	ft := newFakeTransport()
	m := NewManager(ft, allOn(), Callbacks{}, nil)
	require.NoError(t, m.Connect(context.Background()))

	a, err := m.Subscribe(context.Background(), "viewport", delhi)
	require.NoError(t, err)
	b, err := m.Subscribe(context.Background(), "watch", mumbai)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	assert.ElementsMatch(t, []string{a, b}, ft.unsubscribed())
	assert.True(t, ft.closeCalled)
	assert.Equal(t, StatusDisconnected, m.Status())
	assert.Empty(t, m.Subscriptions())

	require.NoError(t, m.Close())
	assert.Error(t, m.Connect(context.Background()))
}

func fastReconnect(attempts int) Option {
	return WithReconnect(resilience.RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
	})
}

func TestManager_ReconnectRestoresSubscriptions(t *testing.T) {
	var mu sync.Mutex
	var seen []Status
	stale := make(chan struct{}, 1)
	ft := newFakeTransport()
	m := NewManager(ft, allOn(), Callbacks{
		OnStale: func() {
			select {
			case stale <- struct{}{}:
			default:
			}
		},
		OnStatus: func(s Status) {
			mu.Lock()
			seen = append(seen, s)
			mu.Unlock()
		},
	}, nil, fastReconnect(0))
	require.NoError(t, m.Connect(context.Background()))
	t.Cleanup(func() { _ = m.Close() })

	first, err := m.Follow(context.Background(), "viewport", delhi)
	require.NoError(t, err)

	ft.setConnectErr(eris.New("connection refused"))
	ft.sink().close(eris.New("connection reset"))
	require.Eventually(t, func() bool { return ft.connectCount() >= 3 }, 2*time.Second, time.Millisecond)
	ft.setConnectErr(nil)

	require.Eventually(t, func() bool {
		subs := m.Subscriptions()
		return m.IsConnected() && len(subs) == 1 && subs[0].ID != first
	}, 2*time.Second, 5*time.Millisecond)

	subs := m.Subscriptions()
	assert.Equal(t, "viewport", subs[0].Label)
	assert.Equal(t, delhi, subs[0].Bounds)
	mu.Lock()
	assert.Contains(t, seen, StatusError)
	mu.Unlock()

	// The new connection's events reach the manager.
	ft.push(Event{SubscriptionID: subs[0].ID, Type: EventUpdate})
	select {
	case <-stale:
	case <-time.After(time.Second):
		t.Fatal("events not consumed after reconnect")
	}
}

func TestManager_ReconnectFollowsLatestBounds(t *testing.T) {
	ft := newFakeTransport()
	m := NewManager(ft, allOn(), Callbacks{}, nil, fastReconnect(0))
	require.NoError(t, m.Connect(context.Background()))
	t.Cleanup(func() { _ = m.Close() })

	_, err := m.Follow(context.Background(), "viewport", delhi)
	require.NoError(t, err)
	_, err = m.Subscribe(context.Background(), "watch", mumbai)
	require.NoError(t, err)

	ft.setConnectErr(eris.New("connection refused"))
	ft.sink().close(eris.New("connection reset"))
	require.Eventually(t, func() bool { return !m.IsConnected() }, time.Second, time.Millisecond)

	// The viewport moves while the feed is down.
	_, err = m.Follow(context.Background(), "viewport", mumbai)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrNotConnected))
	ft.setConnectErr(nil)

	require.Eventually(t, func() bool {
		return m.IsConnected() && len(m.Subscriptions()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	byLabel := map[string]geo.RegionBounds{}
	for _, s := range m.Subscriptions() {
		byLabel[s.Label] = s.Bounds
	}
	assert.Equal(t, mumbai, byLabel["viewport"])
	assert.Equal(t, mumbai, byLabel["watch"])
}

func TestManager_NoReconnectByDefault(t *testing.T) {
	m, ft := connected(t, allOn(), Callbacks{})
	ft.sink().close(eris.New("connection reset"))

	require.Eventually(t, func() bool { return m.Status() == StatusError }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, ft.connectCount())
	assert.Equal(t, StatusError, m.Status())
}

func TestManager_ReconnectGivesUp(t *testing.T) {
	ft := newFakeTransport()
	m := NewManager(ft, allOn(), Callbacks{}, nil, fastReconnect(2))
	require.NoError(t, m.Connect(context.Background()))
	t.Cleanup(func() { _ = m.Close() })

	ft.setConnectErr(eris.New("connection refused"))
	ft.sink().close(eris.New("connection reset"))

	require.Eventually(t, func() bool { return ft.connectCount() == 3 }, 2*time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 3, ft.connectCount())
	assert.Equal(t, StatusError, m.Status())
}

func TestManager_InitialConnectFailureKeepsDialing(t *testing.T) {
	ft := newFakeTransport()
	ft.setConnectErr(eris.New("connection refused"))
	m := NewManager(ft, allOn(), Callbacks{}, nil, fastReconnect(0))
	t.Cleanup(func() { _ = m.Close() })

	require.Error(t, m.Connect(context.Background()))
	_, err := m.Follow(context.Background(), "viewport", delhi)
	require.Error(t, err)
	ft.setConnectErr(nil)

	require.Eventually(t, func() bool {
		return m.IsConnected() && len(m.Subscriptions()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, delhi, m.Subscriptions()[0].Bounds)
}

func TestManager_CloseInterruptsReconnect(t *testing.T) {
	ft := newFakeTransport()
	m := NewManager(ft, allOn(), Callbacks{}, nil, WithReconnect(resilience.RetryConfig{InitialBackoff: time.Hour, MaxBackoff: time.Hour}))
	require.NoError(t, m.Connect(context.Background()))

	ft.sink().close(eris.New("connection reset"))
	require.Eventually(t, func() bool { return m.Status() == StatusError }, time.Second, time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- m.Close() }()
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close blocked on the reconnect backoff")
	}
	assert.Equal(t, StatusDisconnected, m.Status())
	assert.Equal(t, 1, ft.connectCount())
}

func TestManager_UnsubscribeStopsFollowing(t *testing.T) {
	ft := newFakeTransport()
	m := NewManager(ft, allOn(), Callbacks{}, nil, fastReconnect(0))
	require.NoError(t, m.Connect(context.Background()))
	t.Cleanup(func() { _ = m.Close() })

	id, err := m.Follow(context.Background(), "viewport", delhi)
	require.NoError(t, err)
	require.NoError(t, m.Unsubscribe(context.Background(), id))

	ft.sink().close(eris.New("connection reset"))
	require.Eventually(t, func() bool { return ft.connectCount() >= 2 && m.IsConnected() }, 2*time.Second, time.Millisecond)
	assert.Empty(t, m.Subscriptions())
}

func TestManager_StaleThrottledByUpdateInterval(t *testing.T) {
	cfg := allOn()
	cfg.UpdateInterval = 50
	var calls atomic.Int32
	m, ft := connected(t, cfg, Callbacks{OnStale: func() { calls.Add(1) }})

	id, err := m.Subscribe(context.Background(), "viewport", delhi)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		ft.push(Event{SubscriptionID: id, Type: EventUpdate})
	}

	// One immediate signal, then one trailing signal for the rest.
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())

	// After a quiet interval the next update signals immediately.
	ft.push(Event{SubscriptionID: id, Type: EventUpdate})
	require.Eventually(t, func() bool { return calls.Load() == 3 }, 30*time.Millisecond, time.Millisecond)
}

func TestManager_CloseCancelsTrailingStale(t *testing.T) {
	cfg := allOn()
	cfg.UpdateInterval = 200
	var calls atomic.Int32
	ft := newFakeTransport()
	m := NewManager(ft, cfg, Callbacks{OnStale: func() { calls.Add(1) }}, nil)
	require.NoError(t, m.Connect(context.Background()))

	id, err := m.Subscribe(context.Background(), "viewport", delhi)
	require.NoError(t, err)
	ft.push(Event{SubscriptionID: id, Type: EventUpdate})
	ft.push(Event{SubscriptionID: id, Type: EventUpdate})
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, m.Close())
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "no signal after Close")
}
