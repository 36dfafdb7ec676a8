// Package transport implements the transport abstraction (C1): a uniform
// send/receive contract over STDIO, TCP, Unix domain sockets, WebSocket,
// HTTP, and child-process STDIO, with framed binary messages, a legal
// state machine, connection pooling, and metrics, per spec §4.1.
//
// Grounded on the teacher's daemon/services/api server (gorilla/mux HTTP
// routing, logging/recovery middleware) and websocket.go (gorilla/websocket
// hub), generalized from a REST+WS telemetry API to the MCP transport
// contract's connect/send/receive/disconnect/state/metrics shape.
package transport

import (
	"context"
	"fmt"
)

// MaxMessageSize is the default oversize cutoff from spec §3/§6: 64 MiB.
const MaxMessageSize = 64 * 1024 * 1024

// Metadata carries the optional envelope metadata of a TransportMessage.
type Metadata struct {
	ContentType   string
	Headers       map[string]string
	Priority      int
	TTLMillis     int64
	CorrelationID string
}

// Message is the transport-level envelope: an opaque payload plus metadata.
// This is distinct from protocol.Message, which is the decoded JSON-RPC
// envelope carried inside Payload.
type Message struct {
	MessageID string
	Payload   []byte
	Metadata  Metadata
}

// Size returns the payload size in bytes, for enforcing MaxMessageSize.
func (m *Message) Size() int { return len(m.Payload) }

// State is a transport's connection state, per the legal state machine in
// spec §4.1: Disconnected -> Connecting -> Connected -> Disconnecting ->
// Disconnected, plus Failed{reason} reachable from any non-Disconnected
// state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// legalTransitions enumerates every arrow in spec §4.1's state diagram.
// Failed is reachable from any non-Disconnected state, handled separately
// in StateMachine.Transition rather than listed exhaustively here.
var legalTransitions = map[State][]State{
	Disconnected:  {Connecting},
	Connecting:    {Connected, Failed},
	Connected:     {Disconnecting, Failed},
	Disconnecting: {Disconnected, Failed},
	Failed:        {Disconnected},
}

// StateMachine enforces the legal transition list; any other transition is
// rejected rather than silently applied, catching the "any other
// transition is a bug" invariant at the boundary instead of downstream.
type StateMachine struct {
	current State
	reason  string
}

// NewStateMachine starts in Disconnected.
func NewStateMachine() *StateMachine {
	return &StateMachine{current: Disconnected}
}

// Current returns the current state.
func (sm *StateMachine) Current() State { return sm.current }

// FailureReason returns the reason recorded on the most recent transition
// into Failed, if any.
func (sm *StateMachine) FailureReason() string { return sm.reason }

// Transition attempts to move to next, returning an error if the arc isn't
// legal. Transitioning into Failed is always legal except from
// Disconnected (a transport that was never connecting cannot fail); reason
// is recorded for observability.
func (sm *StateMachine) Transition(next State, reason string) error {
	if next == Failed {
		if sm.current == Disconnected {
			return fmt.Errorf("transport: illegal transition %s -> %s", sm.current, next)
		}
		sm.current = Failed
		sm.reason = reason
		return nil
	}
	for _, allowed := range legalTransitions[sm.current] {
		if allowed == next {
			sm.current = next
			return nil
		}
	}
	return fmt.Errorf("transport: illegal transition %s -> %s", sm.current, next)
}

// Capabilities describes what a transport implementation supports.
type Capabilities struct {
	Streaming      bool // length-prefixed framing vs. one-frame-per-message
	Bidirectional  bool
	SupportsResume bool
	MaxMessageSize int
}

// Transport is the uniform contract every concrete transport implements,
// per spec §4.1.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Send(ctx context.Context, msg *Message) error
	// Receive polls for the next inbound message. A nil Message with a nil
	// error means "no message yet" (non-blocking poll), per spec.
	Receive(ctx context.Context) (*Message, error)
	State() State
	Metrics() Metrics
	Capabilities() Capabilities
	Endpoint() string
}

// NotificationPublisher is an optional capability a Transport implements
// when a server-initiated message (one with no request to correlate a
// response to) needs a delivery path distinct from Send — HTTPTransport's
// request/response pairing has no "pending" entry for a push, so it fans
// server-initiated payloads out over its SSE stream instead. Transports
// without a separate push channel (stdio, TCP, Unix, WebSocket) don't
// implement this; callers fall back to plain Send for those.
type NotificationPublisher interface {
	PublishNotification(payload []byte)
}
