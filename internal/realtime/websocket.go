package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/civicpulse/heatmap-cli/internal/geo"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = wsPongWait * 9 / 10
)

// control is a client-to-server websocket message.
type control struct {
	Action string            `json:"action"`
	ID     string            `json:"id"`
	Label  string            `json:"label,omitempty"`
	Bounds *geo.RegionBounds `json:"bounds,omitempty"`
}

// WebSocketTransport speaks a JSON protocol: the client sends
// {"action":"subscribe"|"unsubscribe","id",...} and the server pushes Event
// objects.
type WebSocketTransport struct {
	url    string
	dialer *websocket.Dialer

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn
	events  *sink
	done    chan struct{}
}

// NewWebSocket creates a transport for url (ws:// or wss://).
func NewWebSocket(url string) *WebSocketTransport {
	return &WebSocketTransport{
		url: url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		events: newSink(),
	}
}

// Connect dials the server and starts the read loop. A previous connection,
// typically one that already dropped, is torn down first.
func (t *WebSocketTransport) Connect(ctx context.Context) error {
	conn, resp, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		if resp != nil {
			return eris.Wrapf(err, "realtime: dial %s: status %d", t.url, resp.StatusCode)
		}
		return eris.Wrapf(err, "realtime: dial %s", t.url)
	}

	events := newSink()
	done := make(chan struct{})
	t.mu.Lock()
	prev, prevDone := t.conn, t.done
	t.conn = conn
	t.events = events
	t.done = done
	t.mu.Unlock()

	if prev != nil {
		close(prevDone)
		_ = prev.Close()
	}

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	go t.readLoop(conn, events, done)
	go t.pingLoop(conn, done)
	return nil
}

func (t *WebSocketTransport) readLoop(conn *websocket.Conn, events *sink, done chan struct{}) {
	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			select {
			case <-done:
				events.close(nil)
			default:
				events.close(eris.Wrap(err, "realtime: websocket read"))
			}
			return
		}
		if ev.SubscriptionID == "" || ev.Type == "" {
			zap.L().Debug("realtime: ignoring malformed websocket event")
			continue
		}
		events.deliver(ev)
	}
}

func (t *WebSocketTransport) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			t.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (t *WebSocketTransport) write(msg control) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return eris.New("realtime: not connected")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return eris.Wrapf(conn.WriteJSON(msg), "realtime: websocket %s", msg.Action)
}

// Subscribe implements Transport.
func (t *WebSocketTransport) Subscribe(_ context.Context, id, label string, bounds geo.RegionBounds) error {
	return t.write(control{Action: "subscribe", ID: id, Label: label, Bounds: &bounds})
}

// Unsubscribe implements Transport.
func (t *WebSocketTransport) Unsubscribe(_ context.Context, id string) error {
	return t.write(control{Action: "unsubscribe", ID: id})
}

// Events implements Transport.
func (t *WebSocketTransport) Events() <-chan Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.events.ch
}

// Err implements Transport.
func (t *WebSocketTransport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.events.reason()
}

// Close sends a close frame and tears the connection down.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	conn, done := t.conn, t.done
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}

	close(done)
	t.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return eris.Wrap(conn.Close(), "realtime: websocket close")
}
