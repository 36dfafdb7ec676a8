// Package server wires the protocol engine (C2), capability negotiator
// (C3), handler registry (C4), router (C5), and session/lifecycle (C6)
// subsystems into a running MCP server over a single Transport connection,
// per spec §2's request-path data flow: bytes -> C1 -> C2 -> C6 (correlate)
// -> C5 -> C4 -> handler -> C2 -> C1.
//
// Grounded on the teacher's daemon/services/api/server.go connection
// handling loop (accept, dispatch, recover, log), generalized from one
// REST+WS server to a transport-agnostic JSON-RPC loop.
package server

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kbrennan/mcpcore/capability"
	"github.com/kbrennan/mcpcore/dpop"
	"github.com/kbrennan/mcpcore/logger"
	"github.com/kbrennan/mcpcore/mcperrors"
	"github.com/kbrennan/mcpcore/protocol"
	"github.com/kbrennan/mcpcore/registry"
	"github.com/kbrennan/mcpcore/router"
	"github.com/kbrennan/mcpcore/session"
	"github.com/kbrennan/mcpcore/transport"
)

// idlePollBackoff bounds how long Connection.Serve waits between empty
// Receive polls. Every Transport.Receive is spec-mandated non-blocking
// (spec §4.1), so without a real wait here the loop would busy-spin a full
// core per idle connection; this is the suspension point spec §5's
// cooperative-scheduling contract requires.
const idlePollBackoff = 10 * time.Millisecond

// Info identifies this server implementation during initialize, mirroring
// the teacher's mcp.Implementation{Name, Version}.
type Info struct {
	Name    string
	Version string
}

// Config tunes a Server beyond its registry and router.
type Config struct {
	Info              Info
	SupportedVersions []capability.Version // newest-first per spec §4.3
	Capabilities      capability.ServerCapabilities
	NegotiatorRules   []capability.FeatureRule
	StrictCapability  bool
	Router            router.Config

	// DPoP, when set, turns on RFC 9449 sender-constraining per spec §6:
	// a request whose Authorization header uses the "DPoP <token>" scheme
	// and carries a DPoP proof must have that proof verify against the
	// connection's bound key thumbprint (set via
	// Connection.Session().BindDpopThumbprint once an out-of-band
	// OAuth/DPoP handshake completes). Other schemes, such as plain
	// "Bearer", are not checked. RequireDPoP additionally rejects
	// DPoP-scheme requests that arrive with no DPoP proof header at all.
	DPoP        *dpop.ProofEngine
	RequireDPoP bool
}

// Server owns one Registry and Router and drains zero or more Connections
// against it; the Registry/Router are the only state shared across
// connections (spec's ownership rules: transport owns its own I/O, the
// registry is exclusively owned here).
type Server struct {
	cfg        Config
	registry   *registry.Registry
	router     *router.Router
	negotiator *capability.Negotiator
	lifecycle  *session.Lifecycle
}

// New builds a Server around reg using the given middleware/recovery stack.
func New(cfg Config, reg *registry.Registry, recovery *router.RecoveryMiddleware, middlewares ...router.Middleware) *Server {
	if cfg.Info.Name == "" {
		cfg.Info.Name = "mcpcore-server"
	}
	return &Server{
		cfg:        cfg,
		registry:   reg,
		router:     router.New(reg, cfg.Router, recovery, middlewares...),
		negotiator: capability.NewNegotiator(cfg.NegotiatorRules, cfg.StrictCapability),
		lifecycle:  session.NewLifecycle(0),
	}
}

// Registry exposes the underlying Registry for registration calls.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Router exposes the underlying Router, e.g. for Subscriptions().Publish.
func (s *Server) Router() *router.Router { return s.router }

// Lifecycle exposes the server-wide Lifecycle for health checks and
// coordinated shutdown.
func (s *Server) Lifecycle() *session.Lifecycle { return s.lifecycle }

// Shutdown transitions the server to ShuttingDown and waits for in-flight
// connections to drain, per spec §4.6.
func (s *Server) Shutdown(drain func(ctx context.Context)) {
	s.lifecycle.Shutdown(drain)
}

// Connection binds one Transport to this Server's Router for the lifetime
// of a single peer connection: it owns the Session and polls Receive in a
// loop, decoding/dispatching/encoding each message, per spec's data flow.
type Connection struct {
	srv   *Server
	tr    transport.Transport
	sess  *session.Session
	caps  capability.CapabilitySet
	log   *logger.Contextual
}

// Accept establishes tr (Connect) and returns a Connection ready to Serve.
func Accept(ctx context.Context, srv *Server, tr transport.Transport) (*Connection, error) {
	if err := tr.Connect(ctx); err != nil {
		return nil, mcperrors.Wrap(mcperrors.Transport, err, "connect transport")
	}
	sess := session.New()
	return &Connection{
		srv:  srv,
		tr:   tr,
		sess: sess,
		log:  logger.With(logger.Fields{"component": "server", "session_id": sess.ID()}),
	}, nil
}

// Session returns the connection's Session, e.g. to bind a DPoP thumbprint
// after an out-of-band OAuth/DPoP handshake.
func (c *Connection) Session() *session.Session { return c.sess }

// Serve runs the receive/dispatch loop until ctx is cancelled or the
// transport's Receive or Send fails (e.g. on disconnection). Once the
// lifecycle enters shutdown the session is marked ShuttingDown and the loop
// keeps running, answering further requests with CodeUnavailable. Every
// decoded request or batch is dispatched through the Router and its
// response (if any) sent back over tr; notifications produce no reply, and
// only notifications/initialized is acted on (it moves the session to
// Running).
func (c *Connection) Serve(ctx context.Context) error {
	defer func() {
		c.srv.router.TeardownSession(c.sess.ID())
		_ = c.tr.Disconnect(ctx)
	}()

	go c.notifyLoop(ctx)

	idlePoll := time.NewTicker(idlePollBackoff)
	defer idlePoll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.srv.lifecycle.ShutdownSignal():
			if c.sess.State() != session.ShuttingDown {
				c.sess.SetState(session.ShuttingDown)
			}
		default:
		}

		msg, err := c.tr.Receive(ctx)
		if err != nil {
			c.log.Warning("transport receive failed: %v", err)
			return err
		}
		if msg == nil {
			// Nothing ready yet: suspend until the next poll tick instead of
			// spinning, staying responsive to cancellation; shutdown is
			// picked up at the top of the next iteration.
			select {
			case <-ctx.Done():
				return nil
			case <-idlePoll.C:
			}
			continue
		}

		if err := c.checkDpop(msg.Metadata); err != nil {
			out, _ := json.Marshal(protocol.NewError(protocol.ID{}, dpopErrorCode(err), err.Error(), nil))
			reply := &transport.Message{MessageID: msg.MessageID, Payload: out, Metadata: transport.Metadata{CorrelationID: msg.Metadata.CorrelationID}}
			if sendErr := c.tr.Send(ctx, reply); sendErr != nil {
				c.log.Warning("transport send failed: %v", sendErr)
				return sendErr
			}
			continue
		}

		resp, shouldSend := c.handlePayload(ctx, msg.Payload)
		if !shouldSend {
			continue
		}
		out, err := json.Marshal(resp)
		if err != nil {
			c.log.Error("marshal response failed: %v", err)
			continue
		}
		// CorrelationID is carried back unchanged so request/response
		// transports (HTTP) can route the reply to the waiting caller;
		// stream transports ignore it.
		reply := &transport.Message{
			MessageID: msg.MessageID,
			Payload:   out,
			Metadata:  transport.Metadata{CorrelationID: msg.Metadata.CorrelationID},
		}
		if err := c.tr.Send(ctx, reply); err != nil {
			c.log.Warning("transport send failed: %v", err)
			return err
		}
	}
}

// notifyLoop drains this session's SubscriptionBus channel and pushes each
// resource update as a "notifications/resources/updated" JSON-RPC
// notification, per spec §4.5/§6. It runs for the lifetime of the
// connection, exiting when ctx is cancelled or the bus closes the channel
// (TeardownSession, on disconnect).
func (c *Connection) notifyLoop(ctx context.Context) {
	ch := c.srv.router.Subscriptions().Notifications(c.sess.ID())
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			params, err := json.Marshal(map[string]string{"uri": n.URI})
			if err != nil {
				c.log.Error("marshal notification params: %v", err)
				continue
			}
			out, err := json.Marshal(protocol.Notification{
				JSONRPC: "2.0",
				Method:  "notifications/resources/updated",
				Params:  params,
			})
			if err != nil {
				c.log.Error("marshal notification: %v", err)
				continue
			}
			msg := &transport.Message{MessageID: uuid.NewString(), Payload: out}
			if pub, ok := c.tr.(transport.NotificationPublisher); ok {
				pub.PublishNotification(out)
				continue
			}
			if err := c.tr.Send(ctx, msg); err != nil {
				c.log.Warning("notification send failed: %v", err)
				return
			}
		}
	}
}

// handlePayload decodes one transport payload (single message or batch)
// and returns the wire-ready reply plus whether anything should be sent
// back (notifications produce no reply).
func (c *Connection) handlePayload(ctx context.Context, payload []byte) (any, bool) {
	decoded, err := protocol.Decode(payload)
	if err != nil {
		if rpcErr, ok := err.(*protocol.RPCError); ok {
			return protocol.NewError(protocol.ID{}, rpcErr.Code, rpcErr.Message, nil), true
		}
		return protocol.NewError(protocol.ID{}, protocol.CodeParseError, err.Error(), nil), true
	}

	switch {
	case decoded.Batch != nil:
		return c.handleBatch(ctx, decoded.Batch), true
	case decoded.Notification != nil:
		c.handleNotification(decoded.Notification)
		return nil, false
	case decoded.Request != nil:
		return c.handleRequest(ctx, decoded.Request), true
	default:
		return protocol.NewError(protocol.ID{}, protocol.CodeInvalidRequest, "empty message", nil), true
	}
}

// handleBatch dispatches every element independently and returns them in
// the same order, per spec §5 ("batch requests are processed element-wise;
// the response batch's ordering mirrors the request batch") and scenario
// S6.
func (c *Connection) handleBatch(ctx context.Context, batch []*protocol.Message) []*protocol.Response {
	out := make([]*protocol.Response, 0, len(batch))
	for _, item := range batch {
		switch {
		case item.Request != nil:
			out = append(out, c.handleRequest(ctx, item.Request))
		case item.Response != nil:
			out = append(out, item.Response) // malformed-element echo from Decode
		case item.Notification != nil:
			c.handleNotification(item.Notification)
		}
	}
	return out
}

func (c *Connection) handleRequest(ctx context.Context, req *protocol.Request) *protocol.Response {
	if req.Method == "initialize" {
		return c.handleInitialize(req)
	}

	if c.srv.lifecycle.IsShuttingDown() {
		return protocol.NewError(req.ID, protocol.CodeUnavailable, "server is shutting down", nil)
	}

	return c.srv.router.Dispatch(ctx, c.sess, c.caps, req)
}

func (c *Connection) handleNotification(n *protocol.Notification) {
	if n.Method == "notifications/initialized" {
		c.sess.SetState(session.Running)
	}
}

func (c *Connection) handleInitialize(req *protocol.Request) *protocol.Response {
	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
		Capabilities    struct {
			Sampling     bool           `json:"sampling"`
			Roots        bool           `json:"roots"`
			Elicitation  bool           `json:"elicitation"`
			Experimental map[string]bool `json:"experimental"`
		} `json:"capabilities"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return protocol.NewError(req.ID, protocol.CodeInvalidParams, "malformed initialize params", nil)
		}
	}

	clientCaps := capability.ClientCapabilities{
		Sampling:     params.Capabilities.Sampling,
		Roots:        params.Capabilities.Roots,
		Elicitation:  params.Capabilities.Elicitation,
		Experimental: params.Capabilities.Experimental,
	}

	caps, err := c.srv.negotiator.Negotiate(clientCaps, c.srv.cfg.Capabilities)
	if err != nil {
		return protocol.NewError(req.ID, protocol.CodeInvalidRequest, err.Error(), nil)
	}
	c.caps = caps

	selected := c.srv.cfg.Info.Version
	if len(c.srv.cfg.SupportedVersions) > 0 {
		clientVersions := []capability.Version{}
		if v, verr := capability.ParseVersion(params.ProtocolVersion); verr == nil {
			clientVersions = append(clientVersions, v)
		}
		clientVersions = append(clientVersions, c.srv.cfg.SupportedVersions...)
		result, negErr := capability.NegotiateVersion(clientVersions, c.srv.cfg.SupportedVersions)
		if negErr == nil {
			selected = result.Selected.String()
		} else if len(c.srv.cfg.SupportedVersions) > 0 {
			selected = c.srv.cfg.SupportedVersions[0].String()
		}
	}

	result := map[string]any{
		"protocolVersion": selected,
		"serverInfo":      map[string]string{"name": c.srv.cfg.Info.Name, "version": c.srv.cfg.Info.Version},
		"capabilities":    c.srv.cfg.Capabilities,
	}
	resp, err := protocol.NewResult(req.ID, result)
	if err != nil {
		return protocol.NewError(req.ID, protocol.CodeInternalError, "serialize initialize result", nil)
	}
	return resp
}

// checkDpop enforces spec §6's DPoP HTTP binding on transports that surface
// Authorization/DPoP headers via Metadata.Headers (currently HTTPTransport;
// stream transports such as stdio never populate Headers and are exempt, the
// same way the teacher's REST middleware stack never runs over its
// websocket upgrade path). Returns nil when there is nothing to check.
func (c *Connection) checkDpop(meta transport.Metadata) error {
	if c.srv.cfg.DPoP == nil || meta.Headers == nil {
		return nil
	}
	authz := meta.Headers["Authorization"]
	proof := meta.Headers["DPoP"]
	if authz == "" {
		return nil // no bearer token presented; nothing to bind
	}
	const prefix = "DPoP "
	if !strings.HasPrefix(authz, prefix) {
		return nil // non-DPoP bearer scheme (e.g. plain "Bearer"); out of scope here
	}
	token := strings.TrimPrefix(authz, prefix)
	if proof == "" {
		if c.srv.cfg.RequireDPoP {
			return mcperrors.New(mcperrors.DpopCryptographic, "dpop proof required but missing")
		}
		return nil
	}
	return c.srv.cfg.DPoP.Validate(proof, dpop.ValidateExpectation{
		Method:             meta.Headers["Method"],
		URI:                meta.Headers["URL"],
		AccessToken:        token,
		ExpectedThumbprint: c.sess.BoundDpopThumbprint(),
	})
}

// dpopErrorCode maps a dpop.Validate failure onto the JSON-RPC error code
// spec §6 assigns its class, falling back to CodeAuthentication for an
// error that didn't come from the dpop package (defensive; Validate only
// ever returns mcperrors.Error values).
func dpopErrorCode(err error) int {
	mcErr, ok := err.(*mcperrors.Error)
	if !ok {
		return protocol.CodeAuthentication
	}
	switch mcErr.Kind() {
	case mcperrors.DpopReplay:
		return protocol.CodeDpopReplay
	case mcperrors.DpopClockSkew:
		return protocol.CodeDpopClockSkew
	case mcperrors.DpopHTTPBindingFailed:
		return protocol.CodeDpopHTTPBindingFailed
	case mcperrors.DpopAccessTokenHash:
		return protocol.CodeDpopAccessTokenHash
	case mcperrors.DpopPinningFailed:
		return protocol.CodeDpopPinningFailed
	default:
		return protocol.CodeDpopCryptographic
	}
}
