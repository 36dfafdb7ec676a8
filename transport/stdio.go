package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
)

// StdioTransport implements Transport over newline-delimited JSON on a pair
// of io.Reader/io.Writer, the shape spec §4.1 requires for local STDIO
// connections (and reused by ChildProcessTransport for talking to the
// child's piped stdio).
type StdioTransport struct {
	mu      sync.Mutex
	reader  *bufio.Reader
	writer  io.Writer
	closer  io.Closer // optional; closed on Disconnect
	sm      *StateMachine
	c       *collector
	inbox   chan *Message
	readErr chan error
	started bool
}

// NewStdioTransport wraps r/w (and optionally a Closer, e.g. the child
// process itself) as a Transport.
func NewStdioTransport(r io.Reader, w io.Writer, closer io.Closer) *StdioTransport {
	return &StdioTransport{
		reader: bufio.NewReaderSize(r, 64*1024),
		writer: w,
		closer: closer,
		sm:     NewStateMachine(),
		c:      newCollector("stdio", "stdio"),
		inbox:  make(chan *Message, 256),
	}
}

func (t *StdioTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.sm.Transition(Connecting, ""); err != nil {
		return err
	}
	if err := t.sm.Transition(Connected, ""); err != nil {
		return err
	}
	t.c.connectionOpened()
	if !t.started {
		t.started = true
		go t.readLoop()
	}
	return nil
}

func (t *StdioTransport) readLoop() {
	for {
		line, err := t.reader.ReadBytes('\n')
		if len(line) > 0 {
			// Trim the trailing newline (and a possible \r for CRLF peers).
			payload := trimNewline(line)
			if len(payload) > MaxMessageSize {
				t.c.recordError()
				_ = t.sm.Transition(Failed, "oversize stdio message")
				close(t.inbox)
				return
			}
			t.c.recordReceive(len(payload))
			t.inbox <- &Message{Payload: payload}
		}
		if err != nil {
			if err != io.EOF {
				t.c.recordError()
			}
			close(t.inbox)
			return
		}
	}
}

func trimNewline(line []byte) []byte {
	n := len(line)
	if n > 0 && line[n-1] == '\n' {
		n--
	}
	if n > 0 && line[n-1] == '\r' {
		n--
	}
	return line[:n]
}

func (t *StdioTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.sm.Transition(Disconnecting, ""); err != nil {
		return err
	}
	if t.closer != nil {
		_ = t.closer.Close()
	}
	if err := t.sm.Transition(Disconnected, ""); err != nil {
		return err
	}
	t.c.connectionClosed()
	return nil
}

func (t *StdioTransport) Send(ctx context.Context, msg *Message) error {
	if msg.Size() > MaxMessageSize {
		return fmt.Errorf("transport: message of %d bytes exceeds max %d", msg.Size(), MaxMessageSize)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sm.Current() != Connected {
		return fmt.Errorf("transport: send on non-connected stdio transport (state=%s)", t.sm.Current())
	}
	if _, err := t.writer.Write(append(append([]byte{}, msg.Payload...), '\n')); err != nil {
		t.c.recordError()
		_ = t.sm.Transition(Failed, err.Error())
		return fmt.Errorf("transport: stdio write: %w", err)
	}
	t.c.recordSend(msg.Size())
	return nil
}

func (t *StdioTransport) Receive(ctx context.Context) (*Message, error) {
	select {
	case msg, ok := <-t.inbox:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, nil // non-blocking poll: nothing ready yet
	}
}

func (t *StdioTransport) State() State { return t.sm.Current() }

func (t *StdioTransport) Metrics() Metrics { return t.c.snapshot() }

func (t *StdioTransport) Capabilities() Capabilities {
	return Capabilities{Streaming: false, Bidirectional: true, MaxMessageSize: MaxMessageSize}
}

func (t *StdioTransport) Endpoint() string { return "stdio" }
