package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kbrennan/mcpcore/capability"
	"github.com/kbrennan/mcpcore/dpop"
	"github.com/kbrennan/mcpcore/protocol"
	"github.com/kbrennan/mcpcore/registry"
	"github.com/kbrennan/mcpcore/router"
	"github.com/kbrennan/mcpcore/transport"
)

// pipeTransport is an in-memory Transport used to exercise the server's
// receive/dispatch/send loop without a real socket, the way the teacher's
// websocket_test.go dials a local listener rather than mocking the network.
type pipeTransport struct {
	in   chan []byte
	out  chan []byte
	meta *transport.Metadata
}

func newPipeTransport() *pipeTransport {
	return &pipeTransport{in: make(chan []byte, 16), out: make(chan []byte, 16)}
}

func (p *pipeTransport) Connect(ctx context.Context) error    { return nil }
func (p *pipeTransport) Disconnect(ctx context.Context) error { return nil }
func (p *pipeTransport) Send(ctx context.Context, msg *transport.Message) error {
	p.out <- msg.Payload
	return nil
}
func (p *pipeTransport) Receive(ctx context.Context) (*transport.Message, error) {
	select {
	case b := <-p.in:
		msg := &transport.Message{Payload: b}
		if p.meta != nil {
			msg.Metadata = *p.meta
		}
		return msg, nil
	default:
		return nil, nil
	}
}
func (p *pipeTransport) State() transport.State            { return transport.Connected }
func (p *pipeTransport) Metrics() transport.Metrics         { return transport.Metrics{} }
func (p *pipeTransport) Capabilities() transport.Capabilities { return transport.Capabilities{} }
func (p *pipeTransport) Endpoint() string                  { return "pipe" }

func newTestServer(t *testing.T) (*Server, *registry.Registry) {
	t.Helper()
	reg := registry.New(nil)
	srv := New(Config{
		Info:         Info{Name: "test-server", Version: "1.0.0"},
		Capabilities: capability.ServerCapabilities{Tools: true, Prompts: true, Resources: true},
	}, reg, &router.RecoveryMiddleware{})
	return srv, reg
}

// TestScenarioS1ToolsCallHappyPath reproduces spec §8 scenario S1.
func TestScenarioS1ToolsCallHappyPath(t *testing.T) {
	srv, reg := newTestServer(t)
	reg.RegisterTool(registry.Tool{
		Name: "add",
		Handler: func(hctx registry.HandlerContext, arguments json.RawMessage) (any, error) {
			var in struct{ A, B int }
			require.NoError(t, json.Unmarshal(arguments, &in))
			return map[string]any{
				"content": []map[string]string{{"type": "text", "text": "8"}},
				"isError": false,
			}, nil
		},
	})

	pt := newPipeTransport()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := Accept(ctx, srv, pt)
	require.NoError(t, err)
	conn.caps, err = capability.NewNegotiator(nil, false).Negotiate(
		capability.ClientCapabilities{},
		capability.ServerCapabilities{Tools: true},
	)
	require.NoError(t, err)
	go conn.Serve(ctx)

	req := `{"jsonrpc":"2.0","id":"1","method":"tools/call","params":{"name":"add","arguments":{"a":5,"b":3}}}`
	pt.in <- []byte(req)

	select {
	case out := <-pt.out:
		var resp protocol.Response
		require.NoError(t, json.Unmarshal(out, &resp))
		require.Nil(t, resp.Error)
		var result map[string]any
		require.NoError(t, json.Unmarshal(resp.Result, &result))
		require.Equal(t, false, result["isError"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response")
	}
}

// TestScenarioS2UnknownTool reproduces spec §8 scenario S2.
func TestScenarioS2UnknownTool(t *testing.T) {
	srv, _ := newTestServer(t)
	pt := newPipeTransport()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := Accept(ctx, srv, pt)
	require.NoError(t, err)
	conn.caps = capability.CapabilitySet{}
	go conn.Serve(ctx)

	req := `{"jsonrpc":"2.0","id":"1","method":"tools/call","params":{"name":"missing","arguments":{}}}`
	pt.in <- []byte(req)

	select {
	case out := <-pt.out:
		var resp protocol.Response
		require.NoError(t, json.Unmarshal(out, &resp))
		require.NotNil(t, resp.Error)
		require.Equal(t, protocol.CodeMethodNotFound, resp.Error.Code)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response")
	}
}

// TestInitializeNegotiatesCapabilitiesAndVersion exercises spec §6's
// initialize handshake end to end.
func TestInitializeNegotiatesCapabilitiesAndVersion(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.cfg.SupportedVersions = []capability.Version{capability.MustParseVersion("2025-06-18")}

	pt := newPipeTransport()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := Accept(ctx, srv, pt)
	require.NoError(t, err)
	go conn.Serve(ctx)

	req := `{"jsonrpc":"2.0","id":"1","method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{"roots":true}}}`
	pt.in <- []byte(req)

	select {
	case out := <-pt.out:
		var resp protocol.Response
		require.NoError(t, json.Unmarshal(out, &resp))
		require.Nil(t, resp.Error)
		var result map[string]any
		require.NoError(t, json.Unmarshal(resp.Result, &result))
		require.Equal(t, "2025-06-18", result["protocolVersion"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initialize response")
	}
}

// TestScenarioS6BatchPartialFailure reproduces spec §8 scenario S6: a
// 3-element batch where the middle element fails param validation.
func TestScenarioS6BatchPartialFailure(t *testing.T) {
	srv, reg := newTestServer(t)
	reg.RegisterTool(registry.Tool{
		Name:        "echo",
		InputSchema: json.RawMessage(`{"type":"object","required":["message"],"properties":{"message":{"type":"string"}}}`),
		Handler: func(hctx registry.HandlerContext, arguments json.RawMessage) (any, error) {
			return map[string]string{"ok": "true"}, nil
		},
	})

	pt := newPipeTransport()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := Accept(ctx, srv, pt)
	require.NoError(t, err)
	conn.caps, err = capability.NewNegotiator(nil, false).Negotiate(
		capability.ClientCapabilities{},
		capability.ServerCapabilities{Tools: true},
	)
	require.NoError(t, err)
	go conn.Serve(ctx)

	batch := `[
		{"jsonrpc":"2.0","id":"1","method":"tools/call","params":{"name":"echo","arguments":{"message":"a"}}},
		{"jsonrpc":"2.0","id":"2","method":"tools/call","params":{"name":"echo","arguments":{}}},
		{"jsonrpc":"2.0","id":"3","method":"tools/call","params":{"name":"echo","arguments":{"message":"c"}}}
	]`
	pt.in <- []byte(batch)

	select {
	case out := <-pt.out:
		var resps []protocol.Response
		require.NoError(t, json.Unmarshal(out, &resps))
		require.Len(t, resps, 3)
		require.Nil(t, resps[0].Error)
		require.NotNil(t, resps[1].Error)
		require.Equal(t, protocol.CodeInvalidParams, resps[1].Error.Code)
		require.Equal(t, "2", resps[1].ID.String())
		require.Nil(t, resps[2].Error)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for batch response")
	}
}

// TestDpopBindingRejectsMismatchedProof exercises spec §6's DPoP HTTP
// binding: a bearer token presented with a proof key that doesn't match
// the session's bound thumbprint must be rejected before dispatch.
func TestDpopBindingRejectsMismatchedProof(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.cfg.DPoP = dpop.NewProofEngine()

	km := dpop.NewKeyManager(dpop.NewInMemoryStorage())
	bound, err := km.GenerateKeyPair(context.Background(), dpop.ES256, dpop.Metadata{})
	require.NoError(t, err)
	other, err := km.GenerateKeyPair(context.Background(), dpop.ES256, dpop.Metadata{})
	require.NoError(t, err)

	pt := newPipeTransport()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := Accept(ctx, srv, pt)
	require.NoError(t, err)
	conn.Session().BindDpopThumbprint(bound.Thumbprint)
	go conn.Serve(ctx)

	proof, err := srv.cfg.DPoP.Construct(other, "POST", "http://test/rpc", "tok", "")
	require.NoError(t, err)
	pt.meta = &transport.Metadata{Headers: map[string]string{
		"Authorization": "DPoP tok",
		"DPoP":          proof,
		"Method":        "POST",
		"URL":           "http://test/rpc",
	}}

	pt.in <- []byte(`{"jsonrpc":"2.0","id":"1","method":"tools/call","params":{"name":"add","arguments":{}}}`)

	select {
	case out := <-pt.out:
		var resp protocol.Response
		require.NoError(t, json.Unmarshal(out, &resp))
		require.NotNil(t, resp.Error)
		require.Equal(t, protocol.CodeDpopPinningFailed, resp.Error.Code)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dpop rejection")
	}
}

// TestDpopBindingAcceptsMatchingProof is the converse of the above: a
// proof constructed with the bound key passes, and dispatch proceeds.
func TestDpopBindingAcceptsMatchingProof(t *testing.T) {
	srv, reg := newTestServer(t)
	srv.cfg.DPoP = dpop.NewProofEngine()
	reg.RegisterTool(registry.Tool{
		Name: "add",
		Handler: func(hctx registry.HandlerContext, arguments json.RawMessage) (any, error) {
			return map[string]any{"content": []map[string]string{{"type": "text", "text": "8"}}, "isError": false}, nil
		},
	})

	km := dpop.NewKeyManager(dpop.NewInMemoryStorage())
	bound, err := km.GenerateKeyPair(context.Background(), dpop.ES256, dpop.Metadata{})
	require.NoError(t, err)

	pt := newPipeTransport()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := Accept(ctx, srv, pt)
	require.NoError(t, err)
	conn.Session().BindDpopThumbprint(bound.Thumbprint)
	conn.caps, err = capability.NewNegotiator(nil, false).Negotiate(
		capability.ClientCapabilities{}, capability.ServerCapabilities{Tools: true})
	require.NoError(t, err)
	go conn.Serve(ctx)

	proof, err := srv.cfg.DPoP.Construct(bound, "POST", "http://test/rpc", "tok", "")
	require.NoError(t, err)
	pt.meta = &transport.Metadata{Headers: map[string]string{
		"Authorization": "DPoP tok",
		"DPoP":          proof,
		"Method":        "POST",
		"URL":           "http://test/rpc",
	}}

	pt.in <- []byte(`{"jsonrpc":"2.0","id":"1","method":"tools/call","params":{"name":"add","arguments":{}}}`)

	select {
	case out := <-pt.out:
		var resp protocol.Response
		require.NoError(t, json.Unmarshal(out, &resp))
		require.Nil(t, resp.Error)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for accepted dpop response")
	}
}
