package router

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbrennan/mcpcore/capability"
	"github.com/kbrennan/mcpcore/mcperrors"
	"github.com/kbrennan/mcpcore/protocol"
	"github.com/kbrennan/mcpcore/registry"
	"github.com/kbrennan/mcpcore/session"
)

func fullCapabilities(t *testing.T) capability.CapabilitySet {
	t.Helper()
	n := capability.NewNegotiator(nil, false)
	caps, err := n.Negotiate(
		capability.ClientCapabilities{Sampling: true, Roots: true},
		capability.ServerCapabilities{Tools: true, Prompts: true, Resources: true, Logging: true},
	)
	require.NoError(t, err)
	return caps
}

func newTestRouter(reg *registry.Registry) *Router {
	return New(reg, Config{DefaultTimeout: time.Second}, &RecoveryMiddleware{})
}

func callRequest(t *testing.T, id int64, method string, params any) *protocol.Request {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	return &protocol.Request{JSONRPC: protocol.Version, ID: protocol.NewIntID(id), Method: method, Params: raw}
}

func TestRouterDispatchesToolCallHappyPath(t *testing.T) {
	reg := registry.New(nil)
	reg.RegisterTool(registry.Tool{
		Name: "echo",
		Handler: func(hctx registry.HandlerContext, arguments json.RawMessage) (any, error) {
			var in struct{ Message string `json:"message"` }
			_ = json.Unmarshal(arguments, &in)
			return map[string]string{"echoed": in.Message}, nil
		},
	})

	r := newTestRouter(reg)
	sess := session.New()
	req := callRequest(t, 1, "tools/call", map[string]any{"name": "echo", "arguments": map[string]string{"message": "hi"}})

	resp := r.Dispatch(context.Background(), sess, fullCapabilities(t), req)
	require.Nil(t, resp.Error)
	var result map[string]string
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "hi", result["echoed"])
}

func TestRouterMethodNotFoundForUnknownTool(t *testing.T) {
	reg := registry.New(nil)
	r := newTestRouter(reg)
	req := callRequest(t, 2, "tools/call", map[string]any{"name": "missing"})

	resp := r.Dispatch(context.Background(), session.New(), fullCapabilities(t), req)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeMethodNotFound, resp.Error.Code)
}

func TestRouterRejectsWhenCapabilityNotNegotiated(t *testing.T) {
	reg := registry.New(nil)
	reg.RegisterTool(registry.Tool{Name: "echo", Handler: func(registry.HandlerContext, json.RawMessage) (any, error) { return nil, nil }})
	r := newTestRouter(reg)

	n := capability.NewNegotiator(nil, false)
	caps, err := n.Negotiate(capability.ClientCapabilities{}, capability.ServerCapabilities{}) // tools not enabled
	require.NoError(t, err)

	req := callRequest(t, 3, "tools/call", map[string]any{"name": "echo"})
	resp := r.Dispatch(context.Background(), session.New(), caps, req)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeAuthorization, resp.Error.Code)
}

func TestRouterEnforcesRBAC(t *testing.T) {
	reg := registry.New(nil)
	reg.RegisterTool(registry.Tool{
		Name:         "admin-only",
		AllowedRoles: []string{"admin"},
		Handler:      func(registry.HandlerContext, json.RawMessage) (any, error) { return "ok", nil },
	})
	r := newTestRouter(reg)
	sess := session.New()
	sess.SetAuthenticatedUser("bob", []string{"viewer"})

	req := callRequest(t, 4, "tools/call", map[string]any{"name": "admin-only"})
	resp := r.Dispatch(context.Background(), sess, fullCapabilities(t), req)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeAuthorization, resp.Error.Code)
}

func TestRouterEnforcesRateLimit(t *testing.T) {
	reg := registry.New(nil)
	tool := registry.Tool{Name: "limited", Handler: func(registry.HandlerContext, json.RawMessage) (any, error) { return "ok", nil }}
	require.NoError(t, reg.TryRegisterTool(tool))
	// Drive the rate limit directly since Metadata.RateLimit isn't settable
	// through the public registration API in this package.
	r := newTestRouter(reg)
	sess := session.New()
	req := callRequest(t, 5, "tools/call", map[string]any{"name": "limited"})

	// Exhaust the limiter manually to exercise the rejection path.
	limit := &registry.RateLimit{RequestsPerSecond: 0.001, Burst: 1}
	ok, _ := r.limiter.Allow(sess.ID(), "tools/call", limit)
	require.True(t, ok)
	ok, retryAfter := r.limiter.Allow(sess.ID(), "tools/call", limit)
	require.False(t, ok)
	assert.Greater(t, retryAfter.Milliseconds(), int64(0))

	resp := r.Dispatch(context.Background(), sess, fullCapabilities(t), req)
	require.Nil(t, resp.Error, "dispatch itself succeeds since this tool carries no RateLimit metadata")
}

func TestRouterValidatesParamsAgainstInputSchema(t *testing.T) {
	reg := registry.New(nil)
	reg.RegisterTool(registry.Tool{
		Name:        "strict",
		InputSchema: json.RawMessage(`{"type":"object","required":["x"],"properties":{"x":{"type":"string"}}}`),
		Handler:     func(registry.HandlerContext, json.RawMessage) (any, error) { return "ok", nil },
	})
	r := newTestRouter(reg)
	req := callRequest(t, 6, "tools/call", map[string]any{"name": "strict", "arguments": map[string]any{}})

	resp := r.Dispatch(context.Background(), session.New(), fullCapabilities(t), req)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInvalidParams, resp.Error.Code)
}

func TestRouterHandlerTimeout(t *testing.T) {
	reg := registry.New(nil)
	reg.RegisterTool(registry.Tool{
		Name: "slow",
		Handler: func(registry.HandlerContext, json.RawMessage) (any, error) {
			time.Sleep(50 * time.Millisecond)
			return "too late", nil
		},
	})
	r := New(reg, Config{DefaultTimeout: 5 * time.Millisecond}, nil)
	req := callRequest(t, 7, "tools/call", map[string]any{"name": "slow"})

	resp := r.Dispatch(context.Background(), session.New(), fullCapabilities(t), req)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeTimeout, resp.Error.Code)
}

func TestRouterHandlerErrorPropagatesKind(t *testing.T) {
	reg := registry.New(nil)
	reg.RegisterTool(registry.Tool{
		Name: "failing",
		Handler: func(registry.HandlerContext, json.RawMessage) (any, error) {
			return nil, mcperrors.New(mcperrors.ExternalService, "downstream unavailable")
		},
	})
	r := newTestRouter(reg)
	req := callRequest(t, 8, "tools/call", map[string]any{"name": "failing"})

	resp := r.Dispatch(context.Background(), session.New(), fullCapabilities(t), req)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeExternalService, resp.Error.Code)
}

func TestRouterResourceSubscribeTracksSessionAndBus(t *testing.T) {
	reg := registry.New(nil)
	require.NoError(t, reg.RegisterResource(registry.Resource{
		Name: "log", URI: "res://log",
		Handler: func(registry.HandlerContext, string, map[string]string) (any, error) { return "contents", nil },
	}))
	r := newTestRouter(reg)
	sess := session.New()

	req := callRequest(t, 9, "resources/subscribe", map[string]any{"uri": "res://log"})
	resp := r.Dispatch(context.Background(), sess, fullCapabilities(t), req)
	require.Nil(t, resp.Error)
	assert.True(t, sess.IsSubscribed("res://log"))
	assert.Equal(t, 1, r.Subscriptions().Subscribers("res://log"))

	r.TeardownSession(sess.ID())
	assert.Equal(t, 0, r.Subscriptions().Subscribers("res://log"))
}

func TestRouterCircuitBreakerOpensAfterRepeatedFailures(t *testing.T) {
	reg := registry.New(nil)
	reg.RegisterTool(registry.Tool{
		Name:    "flaky",
		Handler: func(registry.HandlerContext, json.RawMessage) (any, error) { return nil, mcperrors.New(mcperrors.ExternalService, "down") },
	})
	r := New(reg, Config{DefaultTimeout: time.Second, Breakers: BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Hour}}, nil)
	req := callRequest(t, 10, "tools/call", map[string]any{"name": "flaky"})

	r.Dispatch(context.Background(), session.New(), fullCapabilities(t), req)
	r.Dispatch(context.Background(), session.New(), fullCapabilities(t), req)
	resp := r.Dispatch(context.Background(), session.New(), fullCapabilities(t), req)

	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeUnavailable, resp.Error.Code)
}
