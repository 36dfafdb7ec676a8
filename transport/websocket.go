package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketTransport implements Transport with one JSON message per text
// frame (datagram-style framing per spec §4.1), grounded on the teacher's
// daemon/services/api/websocket.go WSHub/WSClient pair.
type WebSocketTransport struct {
	mu       sync.Mutex
	conn     *websocket.Conn
	url      string
	sm       *StateMachine
	c        *collector
	inbox    chan *Message
	dialer   *websocket.Dialer
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// NewWebSocketTransport builds a client-side transport that dials url on
// Connect.
func NewWebSocketTransport(url string) *WebSocketTransport {
	return &WebSocketTransport{
		url:    url,
		sm:     NewStateMachine(),
		c:      newCollector("websocket", url),
		inbox:  make(chan *Message, 256),
		dialer: websocket.DefaultDialer,
	}
}

// NewWebSocketTransportFromConn wraps an already-upgraded server-side
// connection (e.g. from upgrader.Upgrade within an http.Handler).
func NewWebSocketTransportFromConn(endpoint string, conn *websocket.Conn) *WebSocketTransport {
	t := &WebSocketTransport{
		conn:  conn,
		url:   endpoint,
		sm:    NewStateMachine(),
		c:     newCollector("websocket", endpoint),
		inbox: make(chan *Message, 256),
	}
	_ = t.sm.Transition(Connecting, "")
	_ = t.sm.Transition(Connected, "")
	t.c.connectionOpened()
	go t.readLoop()
	return t
}

// Upgrade upgrades an incoming HTTP request to a WebSocket connection and
// wraps it as a Transport, the server-side counterpart to
// NewWebSocketTransport.
func Upgrade(w http.ResponseWriter, r *http.Request) (*WebSocketTransport, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket upgrade: %w", err)
	}
	return NewWebSocketTransportFromConn(r.RemoteAddr, conn), nil
}

func (t *WebSocketTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.sm.Transition(Connecting, ""); err != nil {
		return err
	}
	conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		_ = t.sm.Transition(Failed, err.Error())
		return fmt.Errorf("transport: websocket dial %s: %w", t.url, err)
	}
	t.conn = conn
	if err := t.sm.Transition(Connected, ""); err != nil {
		return err
	}
	t.c.connectionOpened()
	go t.readLoop()
	return nil
}

func (t *WebSocketTransport) readLoop() {
	for {
		_, payload, err := t.conn.ReadMessage()
		if err != nil {
			t.c.recordError()
			_ = t.sm.Transition(Failed, err.Error())
			close(t.inbox)
			return
		}
		if len(payload) > MaxMessageSize {
			t.c.recordError()
			_ = t.sm.Transition(Failed, "oversize websocket message")
			close(t.inbox)
			return
		}
		t.c.recordReceive(len(payload))
		t.inbox <- &Message{Payload: payload}
	}
}

func (t *WebSocketTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.sm.Transition(Disconnecting, ""); err != nil {
		return err
	}
	if t.conn != nil {
		deadline := time.Now().Add(2 * time.Second)
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = t.conn.Close()
	}
	if err := t.sm.Transition(Disconnected, ""); err != nil {
		return err
	}
	t.c.connectionClosed()
	return nil
}

func (t *WebSocketTransport) Send(ctx context.Context, msg *Message) error {
	if msg.Size() > MaxMessageSize {
		return fmt.Errorf("transport: message of %d bytes exceeds max %d", msg.Size(), MaxMessageSize)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sm.Current() != Connected {
		return fmt.Errorf("transport: send on non-connected websocket transport (state=%s)", t.sm.Current())
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, msg.Payload); err != nil {
		t.c.recordError()
		_ = t.sm.Transition(Failed, err.Error())
		return fmt.Errorf("transport: websocket write: %w", err)
	}
	t.c.recordSend(msg.Size())
	return nil
}

func (t *WebSocketTransport) Receive(ctx context.Context) (*Message, error) {
	select {
	case msg, ok := <-t.inbox:
		if !ok {
			return nil, fmt.Errorf("transport: websocket connection closed")
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, nil
	}
}

func (t *WebSocketTransport) State() State { return t.sm.Current() }

func (t *WebSocketTransport) Metrics() Metrics { return t.c.snapshot() }

func (t *WebSocketTransport) Capabilities() Capabilities {
	return Capabilities{Streaming: false, Bidirectional: true, MaxMessageSize: MaxMessageSize}
}

func (t *WebSocketTransport) Endpoint() string { return t.url }
