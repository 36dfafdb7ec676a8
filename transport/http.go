package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
)

// HTTPTransport maps one HTTP request/response pair to one JSON-RPC call,
// per spec §4.1. It is stateless between requests except for the
// outstanding-response bookkeeping needed to let Send() (called from the
// router, on a different goroutine than the HTTP handler) deliver the
// result back to the waiting handler. Grounded on the teacher's
// daemon/services/api/server.go gorilla/mux wiring and middleware stack.
type HTTPTransport struct {
	mu          sync.Mutex
	router      *mux.Router
	sm          *StateMachine
	c           *collector
	endpoint    string
	pending     map[string]chan *Message
	inbox       chan *Message
	sseClients  map[chan *Message]bool
	sseMu       sync.RWMutex
}

// NewHTTPTransport builds an HTTP transport serving path on router.
func NewHTTPTransport(router *mux.Router, path, endpoint string) *HTTPTransport {
	t := &HTTPTransport{
		router:     router,
		sm:         NewStateMachine(),
		c:          newCollector("http", endpoint),
		endpoint:   endpoint,
		pending:    make(map[string]chan *Message),
		inbox:      make(chan *Message, 256),
		sseClients: make(map[chan *Message]bool),
	}
	router.HandleFunc(path, t.handlePost).Methods(http.MethodPost)
	router.HandleFunc(path, t.handleSSE).Methods(http.MethodGet)
	return t
}

func (t *HTTPTransport) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxMessageSize+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > MaxMessageSize {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}

	correlationID := r.Header.Get("X-Request-Id")
	if correlationID == "" {
		correlationID = fmt.Sprintf("http-%p", r)
	}

	reply := make(chan *Message, 1)
	t.mu.Lock()
	t.pending[correlationID] = reply
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, correlationID)
		t.mu.Unlock()
	}()

	t.c.recordReceive(len(body))
	// Authorization/DPoP and the request-line are carried in Metadata so a
	// DPoP-validating layer above the transport (which never sees *http.Request)
	// can still enforce the sender-constraining checks spec §6 requires of
	// bearer-token-carrying requests.
	meta := Metadata{
		CorrelationID: correlationID,
		Headers: map[string]string{
			"Authorization": r.Header.Get("Authorization"),
			"DPoP":          r.Header.Get("DPoP"),
			"Method":        r.Method,
			"URL":           requestURL(r),
		},
	}
	t.inbox <- &Message{MessageID: correlationID, Payload: body, Metadata: meta}

	select {
	case resp := <-reply:
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(resp.Payload)
	case <-r.Context().Done():
		http.Error(w, "request cancelled", http.StatusRequestTimeout)
	}
}

// handleSSE streams server-initiated notifications (spec §4.1: "server-sent
// events may carry notifications") to a subscribed client.
func (t *HTTPTransport) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusNotImplemented)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan *Message, 64)
	t.sseMu.Lock()
	t.sseClients[ch] = true
	t.sseMu.Unlock()
	defer func() {
		t.sseMu.Lock()
		delete(t.sseClients, ch)
		t.sseMu.Unlock()
	}()

	for {
		select {
		case msg := <-ch:
			fmt.Fprintf(w, "data: %s\n\n", msg.Payload)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// PublishNotification fans out a notification payload to every connected
// SSE client.
func (t *HTTPTransport) PublishNotification(payload []byte) {
	t.sseMu.RLock()
	defer t.sseMu.RUnlock()
	for ch := range t.sseClients {
		select {
		case ch <- &Message{Payload: payload}:
		default:
		}
	}
}

func (t *HTTPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.sm.Transition(Connecting, ""); err != nil {
		return err
	}
	if err := t.sm.Transition(Connected, ""); err != nil {
		return err
	}
	t.c.connectionOpened()
	return nil
}

func (t *HTTPTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.sm.Transition(Disconnecting, ""); err != nil {
		return err
	}
	if err := t.sm.Transition(Disconnected, ""); err != nil {
		return err
	}
	t.c.connectionClosed()
	return nil
}

// Send delivers a correlated response back to the HTTP handler waiting on
// msg.Metadata.CorrelationID.
func (t *HTTPTransport) Send(ctx context.Context, msg *Message) error {
	t.mu.Lock()
	reply, ok := t.pending[msg.Metadata.CorrelationID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: no pending http request for correlation id %q", msg.Metadata.CorrelationID)
	}
	t.c.recordSend(msg.Size())
	reply <- msg
	return nil
}

func (t *HTTPTransport) Receive(ctx context.Context) (*Message, error) {
	select {
	case msg := <-t.inbox:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return nil, nil
	}
}

func (t *HTTPTransport) State() State { return t.sm.Current() }

func (t *HTTPTransport) Metrics() Metrics { return t.c.snapshot() }

func (t *HTTPTransport) Capabilities() Capabilities {
	return Capabilities{Streaming: false, Bidirectional: true, MaxMessageSize: MaxMessageSize}
}

func (t *HTTPTransport) Endpoint() string { return t.endpoint }

// requestURL reconstructs the absolute URL a reverse proxy would have
// presented to the client, falling back to r.URL when no proxy headers are
// set. DPoP's htu binding (spec §4.8) is defined over this client-visible
// URL, not r.Host's raw value.
func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = fwd
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, r.URL.Path)
}
