package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// UnixTransport implements Transport over a length-prefixed Unix domain
// socket stream, per spec §4.1.
type UnixTransport struct {
	mu       sync.Mutex
	path     string
	conn     net.Conn
	sm       *StateMachine
	c        *collector
	inbox    chan *Message
	connectT time.Duration
}

// NewUnixTransport builds a client-side Unix socket transport that will
// dial path on Connect.
func NewUnixTransport(path string, connectTimeout time.Duration) *UnixTransport {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	return &UnixTransport{
		path:     path,
		sm:       NewStateMachine(),
		c:        newCollector("unix", path),
		inbox:    make(chan *Message, 256),
		connectT: connectTimeout,
	}
}

// NewUnixTransportFromConn adapts an already-accepted net.Conn (server
// side) into a Transport, starting Connected.
func NewUnixTransportFromConn(path string, conn net.Conn) *UnixTransport {
	t := &UnixTransport{
		path:  path,
		conn:  conn,
		sm:    NewStateMachine(),
		c:     newCollector("unix", path),
		inbox: make(chan *Message, 256),
	}
	_ = t.sm.Transition(Connecting, "")
	_ = t.sm.Transition(Connected, "")
	t.c.connectionOpened()
	go t.readLoop()
	return t
}

func (t *UnixTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.sm.Transition(Connecting, ""); err != nil {
		return err
	}
	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, t.connectT)
	defer cancel()
	conn, err := d.DialContext(dialCtx, "unix", t.path)
	if err != nil {
		_ = t.sm.Transition(Failed, err.Error())
		return fmt.Errorf("transport: unix dial %s: %w", t.path, err)
	}
	t.conn = conn
	if err := t.sm.Transition(Connected, ""); err != nil {
		return err
	}
	t.c.connectionOpened()
	go t.readLoop()
	return nil
}

func (t *UnixTransport) readLoop() {
	for {
		payload, err := ReadFrame(t.conn)
		if err != nil {
			t.c.recordError()
			_ = t.sm.Transition(Failed, err.Error())
			close(t.inbox)
			return
		}
		t.c.recordReceive(len(payload))
		t.inbox <- &Message{Payload: payload}
	}
}

func (t *UnixTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.sm.Transition(Disconnecting, ""); err != nil {
		return err
	}
	if t.conn != nil {
		_ = t.conn.Close()
	}
	if err := t.sm.Transition(Disconnected, ""); err != nil {
		return err
	}
	t.c.connectionClosed()
	return nil
}

func (t *UnixTransport) Send(ctx context.Context, msg *Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sm.Current() != Connected {
		return fmt.Errorf("transport: send on non-connected unix transport (state=%s)", t.sm.Current())
	}
	if err := WriteFrame(t.conn, msg.Payload); err != nil {
		t.c.recordError()
		_ = t.sm.Transition(Failed, err.Error())
		return err
	}
	t.c.recordSend(msg.Size())
	return nil
}

func (t *UnixTransport) Receive(ctx context.Context) (*Message, error) {
	select {
	case msg, ok := <-t.inbox:
		if !ok {
			return nil, fmt.Errorf("transport: unix connection closed")
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, nil
	}
}

func (t *UnixTransport) State() State { return t.sm.Current() }

// IsConnected satisfies Pooled for use with Pool's validate-on-borrow/return.
func (t *UnixTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sm.Current() == Connected
}

func (t *UnixTransport) Metrics() Metrics { return t.c.snapshot() }

func (t *UnixTransport) Capabilities() Capabilities {
	return Capabilities{Streaming: true, Bidirectional: true, MaxMessageSize: MaxMessageSize}
}

func (t *UnixTransport) Endpoint() string { return t.path }
