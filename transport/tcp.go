package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// TCPTransport implements Transport over a length-prefixed TCP stream, per
// spec §4.1's stream-transport framing rule.
type TCPTransport struct {
	mu       sync.Mutex
	addr     string
	dialer   net.Dialer
	conn     net.Conn
	sm       *StateMachine
	c        *collector
	inbox    chan *Message
	connectT time.Duration
}

// NewTCPTransport builds a client-side TCP transport that will dial addr on
// Connect.
func NewTCPTransport(addr string, connectTimeout time.Duration) *TCPTransport {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	return &TCPTransport{
		addr:     addr,
		sm:       NewStateMachine(),
		c:        newCollector("tcp", addr),
		inbox:    make(chan *Message, 256),
		connectT: connectTimeout,
	}
}

// NewTCPTransportFromConn adapts an already-accepted net.Conn (server side)
// into a Transport, starting in the Connected state.
func NewTCPTransportFromConn(conn net.Conn) *TCPTransport {
	t := &TCPTransport{
		addr:  conn.RemoteAddr().String(),
		conn:  conn,
		sm:    NewStateMachine(),
		c:     newCollector("tcp", conn.RemoteAddr().String()),
		inbox: make(chan *Message, 256),
	}
	_ = t.sm.Transition(Connecting, "")
	_ = t.sm.Transition(Connected, "")
	t.c.connectionOpened()
	go t.readLoop()
	return t
}

func (t *TCPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.sm.Transition(Connecting, ""); err != nil {
		return err
	}
	dialCtx, cancel := context.WithTimeout(ctx, t.connectT)
	defer cancel()
	conn, err := t.dialer.DialContext(dialCtx, "tcp", t.addr)
	if err != nil {
		_ = t.sm.Transition(Failed, err.Error())
		return fmt.Errorf("transport: tcp dial %s: %w", t.addr, err)
	}
	t.conn = conn
	if err := t.sm.Transition(Connected, ""); err != nil {
		return err
	}
	t.c.connectionOpened()
	go t.readLoop()
	return nil
}

func (t *TCPTransport) readLoop() {
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

func (t *TCPTransport) Disconnect(ctx context.Context) error {
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

func (t *TCPTransport) Send(ctx context.Context, msg *Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sm.Current() != Connected {
		return fmt.Errorf("transport: send on non-connected tcp transport (state=%s)", t.sm.Current())
	}
	if err := WriteFrame(t.conn, msg.Payload); err != nil {
		t.c.recordError()
		_ = t.sm.Transition(Failed, err.Error())
		return err
	}
	t.c.recordSend(msg.Size())
	return nil
}

func (t *TCPTransport) Receive(ctx context.Context) (*Message, error) {
	select {
	case msg, ok := <-t.inbox:
		if !ok {
			return nil, fmt.Errorf("transport: tcp connection closed")
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, nil
	}
}

func (t *TCPTransport) State() State { return t.sm.Current() }

// IsConnected satisfies Pooled for use with Pool's validate-on-borrow/return.
func (t *TCPTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sm.Current() == Connected
}

func (t *TCPTransport) Metrics() Metrics { return t.c.snapshot() }

func (t *TCPTransport) Capabilities() Capabilities {
	return Capabilities{Streaming: true, Bidirectional: true, MaxMessageSize: MaxMessageSize}
}

func (t *TCPTransport) Endpoint() string { return t.addr }
