// Package client wires a Transport and the protocol codec into an MCP
// client: it drives the initialize handshake, correlates requests to
// responses by id, and exposes typed helpers for tools/prompts/resources
// calls, per spec §2's reverse data flow and §6's method surface.
//
// Grounded on the teacher's daemon/services/mcp client-facing shape
// (request/response over a single connection) generalized to an arbitrary
// Transport rather than one fixed HTTP client.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kbrennan/mcpcore/capability"
	"github.com/kbrennan/mcpcore/mcperrors"
	"github.com/kbrennan/mcpcore/protocol"
	"github.com/kbrennan/mcpcore/transport"
)

// Info identifies this client implementation during initialize.
type Info struct {
	Name    string
	Version string
}

// Config tunes a Client.
type Config struct {
	Info              Info
	SupportedVersions []string // newest-first, e.g. []string{"2025-06-18", "2024-11-05"}
	Capabilities      capability.ClientCapabilities
	RequestTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if len(c.SupportedVersions) == 0 {
		c.SupportedVersions = []string{"2025-06-18", "2024-11-05"}
	}
	return c
}

// InitializeResult is the decoded response to the initialize call.
type InitializeResult struct {
	ProtocolVersion string                         `json:"protocolVersion"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
	Capabilities capability.ServerCapabilities `json:"capabilities"`
}

// Client drives one Transport as an MCP client: it owns request-id
// allocation and the pending-response correlation table, and runs a
// background receive loop that demultiplexes responses to their caller and
// notifications to the registered handler.
type Client struct {
	cfg Config
	tr  transport.Transport

	nextID  int64
	mu      sync.Mutex
	pending map[string]chan *protocol.Response

	onNotification func(*protocol.Notification)

	serverVersion string
	serverCaps    capability.ServerCapabilities
}

// New builds a Client over tr. Call Start to connect and run the receive
// loop, then Initialize to perform the handshake.
func New(cfg Config, tr transport.Transport) *Client {
	cfg = cfg.withDefaults()
	if cfg.Info.Name == "" {
		cfg.Info.Name = "mcpcore-client"
	}
	return &Client{
		cfg:     cfg,
		tr:      tr,
		pending: make(map[string]chan *protocol.Response),
	}
}

// OnNotification registers fn to receive every server-pushed notification,
// e.g. notifications/resources/updated. Must be set before Start.
func (c *Client) OnNotification(fn func(*protocol.Notification)) {
	c.onNotification = fn
}

// ServerCapabilities returns the negotiated server capability set, valid
// after a successful Initialize.
func (c *Client) ServerCapabilities() capability.ServerCapabilities { return c.serverCaps }

// ServerProtocolVersion returns the version the server selected during
// Initialize.
func (c *Client) ServerProtocolVersion() string { return c.serverVersion }

// Start connects the transport and launches the background receive loop.
func (c *Client) Start(ctx context.Context) error {
	if err := c.tr.Connect(ctx); err != nil {
		return mcperrors.Wrap(mcperrors.Transport, err, "connect transport")
	}
	go c.receiveLoop(ctx)
	return nil
}

// Close disconnects the underlying transport.
func (c *Client) Close(ctx context.Context) error {
	return c.tr.Disconnect(ctx)
}

func (c *Client) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msg, err := c.tr.Receive(ctx)
		if err != nil {
			return // transport failed or disconnected; pending callers time out
		}
		if msg == nil {
			continue
		}
		decoded, err := protocol.Decode(msg.Payload)
		if err != nil {
			continue
		}
		switch {
		case decoded.Response != nil:
			c.deliver(decoded.Response)
		case decoded.Notification != nil && c.onNotification != nil:
			c.onNotification(decoded.Notification)
		case decoded.Batch != nil:
			for _, item := range decoded.Batch {
				if item.Response != nil {
					c.deliver(item.Response)
				} else if item.Notification != nil && c.onNotification != nil {
					c.onNotification(item.Notification)
				}
			}
		}
	}
}

func (c *Client) deliver(resp *protocol.Response) {
	key := resp.ID.String()
	c.mu.Lock()
	ch, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()
	if ok {
		ch <- resp
	}
}

// call sends a JSON-RPC request for method with params and blocks for the
// correlated response, bounded by Config.RequestTimeout (spec §5's
// "per-transport read timeout" innermost-wins rule is approximated here by
// a single client-side request timeout, since the client has no per-handler
// metadata to layer beneath it).
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := protocol.NewIntID(atomic.AddInt64(&c.nextID, 1))

	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, mcperrors.Wrap(mcperrors.Serialization, err, "marshal request params")
		}
		raw = b
	}
	req := &protocol.Request{JSONRPC: protocol.Version, ID: id, Method: method, Params: raw}
	payload, err := protocol.Encode(&protocol.Message{Request: req})
	if err != nil {
		return nil, mcperrors.Wrap(mcperrors.Serialization, err, "encode request")
	}

	reply := make(chan *protocol.Response, 1)
	c.mu.Lock()
	c.pending[id.String()] = reply
	c.mu.Unlock()

	if err := c.tr.Send(ctx, &transport.Message{Payload: payload}); err != nil {
		c.mu.Lock()
		delete(c.pending, id.String())
		c.mu.Unlock()
		return nil, mcperrors.Wrap(mcperrors.Transport, err, "send request")
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	select {
	case resp := <-reply:
		if resp.Error != nil {
			return nil, mcperrors.Newf(mcperrors.ExternalService, "rpc error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-callCtx.Done():
		c.mu.Lock()
		delete(c.pending, id.String())
		c.mu.Unlock()
		return nil, mcperrors.New(mcperrors.Timeout, "request timed out waiting for response")
	}
}

// Initialize performs the initialize/initialized handshake, negotiating
// protocol version and capabilities, per spec §6.
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	params := map[string]any{
		"protocolVersion": c.cfg.SupportedVersions[0],
		"capabilities":    c.cfg.Capabilities,
		"clientInfo":      map[string]string{"name": c.cfg.Info.Name, "version": c.cfg.Info.Version},
	}
	raw, err := c.call(ctx, "initialize", params)
	if err != nil {
		return nil, err
	}
	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, mcperrors.Wrap(mcperrors.Serialization, err, "decode initialize result")
	}
	c.serverVersion = result.ProtocolVersion
	c.serverCaps = result.Capabilities

	notif := &protocol.Notification{JSONRPC: protocol.Version, Method: "notifications/initialized"}
	payload, err := protocol.Encode(&protocol.Message{Notification: notif})
	if err != nil {
		return nil, mcperrors.Wrap(mcperrors.Serialization, err, "encode initialized notification")
	}
	if err := c.tr.Send(ctx, &transport.Message{Payload: payload}); err != nil {
		return nil, mcperrors.Wrap(mcperrors.Transport, err, "send initialized notification")
	}
	return &result, nil
}

// ToolCallResult mirrors the tools/call response shape from scenario S1.
type ToolCallResult struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError"`
}

// ContentItem is one element of a tool/prompt result's content array.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CallTool invokes a tool by name with arguments, per spec §6 tools/call.
func (c *Client) CallTool(ctx context.Context, name string, arguments any) (*ToolCallResult, error) {
	raw, err := c.call(ctx, "tools/call", map[string]any{"name": name, "arguments": arguments})
	if err != nil {
		return nil, err
	}
	var result ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, mcperrors.Wrap(mcperrors.Serialization, err, "decode tool call result")
	}
	return &result, nil
}

// ListTools calls tools/list.
func (c *Client) ListTools(ctx context.Context) (json.RawMessage, error) {
	return c.call(ctx, "tools/list", nil)
}

// GetPrompt calls prompts/get with name and string arguments.
func (c *Client) GetPrompt(ctx context.Context, name string, arguments map[string]string) (json.RawMessage, error) {
	return c.call(ctx, "prompts/get", map[string]any{"name": name, "arguments": arguments})
}

// ListPrompts calls prompts/list.
func (c *Client) ListPrompts(ctx context.Context) (json.RawMessage, error) {
	return c.call(ctx, "prompts/list", nil)
}

// ReadResource calls resources/read for uri.
func (c *Client) ReadResource(ctx context.Context, uri string) (json.RawMessage, error) {
	return c.call(ctx, "resources/read", map[string]any{"uri": uri})
}

// ListResources calls resources/list.
func (c *Client) ListResources(ctx context.Context) (json.RawMessage, error) {
	return c.call(ctx, "resources/list", nil)
}

// Subscribe calls resources/subscribe for uri.
func (c *Client) Subscribe(ctx context.Context, uri string) error {
	_, err := c.call(ctx, "resources/subscribe", map[string]any{"uri": uri})
	return err
}

// Unsubscribe calls resources/unsubscribe for uri.
func (c *Client) Unsubscribe(ctx context.Context, uri string) error {
	_, err := c.call(ctx, "resources/unsubscribe", map[string]any{"uri": uri})
	return err
}

// CancelRequest sends the $/cancelRequest notification for a given request
// id, per spec §5's client-initiated cancellation path.
func (c *Client) CancelRequest(ctx context.Context, id string) error {
	notif := &protocol.Notification{
		JSONRPC: protocol.Version,
		Method:  "$/cancelRequest",
		Params:  mustMarshal(map[string]string{"id": id}),
	}
	payload, err := protocol.Encode(&protocol.Message{Notification: notif})
	if err != nil {
		return mcperrors.Wrap(mcperrors.Serialization, err, "encode cancel notification")
	}
	return c.tr.Send(ctx, &transport.Message{Payload: payload})
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("client: marshal always-valid value: %v", err))
	}
	return b
}
