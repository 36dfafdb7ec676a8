// Package router implements the request router (C5): method resolution
// against the registry, capability/RBAC/rate-limit/schema enforcement, a
// nested before/after middleware stack, per-handler timeouts, circuit
// breakers around flaky downstreams, and subscription fan-out for resource
// update notifications, per spec §4.5. Grounded on the teacher's
// daemon/services/api/server.go request path (route → middleware →
// handler → serialize) generalized from HTTP verbs to JSON-RPC methods.
package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kbrennan/mcpcore/capability"
	"github.com/kbrennan/mcpcore/mcperrors"
	"github.com/kbrennan/mcpcore/protocol"
	"github.com/kbrennan/mcpcore/registry"
	"github.com/kbrennan/mcpcore/session"
)

// Config tunes router-wide defaults applied when a registry entry's own
// Metadata doesn't override them (spec §4.5 step 7).
type Config struct {
	DefaultTimeout  time.Duration
	SubscriptionBuf int
	Breakers        BreakerConfig
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.SubscriptionBuf <= 0 {
		c.SubscriptionBuf = 16
	}
	return c
}

// Router dispatches decoded JSON-RPC requests to registry handlers, per
// spec's C5 component.
type Router struct {
	cfg       Config
	reg       *registry.Registry
	chain     *Chain
	recovery  *RecoveryMiddleware
	limiter   *RateLimiter
	breakers  *BreakerRegistry
	subs      *SubscriptionBus
}

// New builds a Router over reg. middlewares are run in the given order
// (outermost first); if recovery is non-nil it wraps the innermost handler
// call so a handler panic becomes a Handler-kind error instead of crashing
// the process.
func New(reg *registry.Registry, cfg Config, recovery *RecoveryMiddleware, middlewares ...Middleware) *Router {
	cfg = cfg.withDefaults()
	return &Router{
		cfg:      cfg,
		reg:      reg,
		chain:    NewChain(middlewares...),
		recovery: recovery,
		limiter:  NewRateLimiter(),
		breakers: NewBreakerRegistry(cfg.Breakers),
		subs:     NewSubscriptionBus(cfg.SubscriptionBuf),
	}
}

// Subscriptions exposes the router's SubscriptionBus so resource handlers
// and external producers can Publish updates.
func (r *Router) Subscriptions() *SubscriptionBus { return r.subs }

// Notifications returns sessionID's outbound subscription channel, which a
// Connection drains for its whole lifetime to forward
// "notifications/resources/updated" frames over the transport.
func (r *Router) Notifications(sessionID string) chan Notification {
	return r.subs.Notifications(sessionID)
}

// TeardownSession releases every resource this session holds in the
// router: its subscriptions and its rate limiters.
func (r *Router) TeardownSession(sessionID string) {
	r.subs.TeardownSession(sessionID)
	r.limiter.Forget(sessionID)
}

// Dispatch resolves req against the registry and capability/RBAC/rate
// limit/schema checks, invokes the handler, and returns the correlated
// Response, per spec §4.5's numbered request path. It never returns a nil
// Response: failures at any step become a JSON-RPC error Response.
func (r *Router) Dispatch(ctx context.Context, sess *session.Session, caps capability.CapabilitySet, req *protocol.Request) *protocol.Response {
	rc := &RequestContext{
		Method:    req.Method,
		SessionID: sess.ID(),
		RequestID: req.ID.String(),
		Roles:     sess.Roles(),
	}

	call := func(rc *RequestContext) (any, error) {
		return r.invoke(ctx, sess, caps, req)
	}
	if r.recovery != nil {
		call = r.recovery.Wrap(call)
	}
	result, err := r.chain.Run(rc, call)

	if err != nil {
		return errorResponse(req.ID, err)
	}
	resp, err := protocol.NewResult(req.ID, result)
	if err != nil {
		return errorResponse(req.ID, mcperrors.Wrap(mcperrors.Serialization, err, "serialize handler result"))
	}
	return resp
}

// resolved is the method-family-agnostic shape the dispatch steps operate
// on, regardless of whether the underlying entry is a Tool, Prompt, or
// Resource.
type resolved struct {
	// handler names the resolved tool, prompt, or resource; it keys the
	// per-handler rate limiter and circuit breaker together with the method.
	handler      string
	capability   string
	allowedRoles []string
	rateLimit    *registry.RateLimit
	timeout      time.Duration
	inputSchema  json.RawMessage
	// validateAgainst is the JSON value inputSchema actually describes —
	// the tool's decoded arguments, not the outer {"name","arguments"}
	// envelope — so a schema requiring a top-level field validates the
	// right document (spec §4.5 step 6).
	validateAgainst json.RawMessage
	call            func(ctx context.Context, hctx registry.HandlerContext) (any, error)
}

func (r *Router) invoke(ctx context.Context, sess *session.Session, caps capability.CapabilitySet, req *protocol.Request) (any, error) {
	res, err := r.resolve(sess, req)
	if err != nil {
		return nil, err
	}

	if res.capability != "" && !caps.Enabled(res.capability) {
		return nil, mcperrors.Newf(mcperrors.Authorization, "capability %q not enabled for this session", res.capability)
	}

	if len(res.allowedRoles) > 0 && !sess.HasAnyRole(res.allowedRoles) {
		return nil, mcperrors.New(mcperrors.Authorization, "session roles do not intersect allowed_roles")
	}

	handlerKey := req.Method
	if res.handler != "" {
		handlerKey += ":" + res.handler
	}

	if ok, retryAfter := r.limiter.Allow(sess.ID(), handlerKey, res.rateLimit); !ok {
		return nil, mcperrors.New(mcperrors.RateLimited, "rate limit exceeded").
			WithRetry(mcperrors.RetryHint{RetryAfterMS: retryAfter.Milliseconds()})
	}

	if err := ValidateParams(res.inputSchema, res.validateAgainst); err != nil {
		return nil, err
	}

	timeout := res.timeout
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	breaker := r.breakers.Get(handlerKey)
	if !breaker.Allow() {
		return nil, mcperrors.Newf(mcperrors.Unavailable, "circuit breaker open for %s", handlerKey)
	}

	hctx := registry.HandlerContext{RequestID: req.ID.String(), SessionID: sess.ID(), Roles: sess.Roles()}
	type callResult struct {
		value any
		err   error
	}
	done := make(chan callResult, 1)
	go func() {
		value, callErr := res.call(callCtx, hctx)
		done <- callResult{value, callErr}
	}()

	select {
	case cr := <-done:
		if cr.err != nil {
			breaker.RecordFailure()
			return nil, cr.err
		}
		breaker.RecordSuccess()
		return cr.value, nil
	case <-callCtx.Done():
		breaker.RecordFailure()
		return nil, mcperrors.New(mcperrors.Timeout, "handler exceeded its timeout")
	}
}

func (r *Router) resolve(sess *session.Session, req *protocol.Request) (resolved, error) {
	switch req.Method {
	case "tools/call":
		name, rawArgs, err := decodeNamedCall(req.Params)
		if err != nil {
			return resolved{}, err
		}
		tool, meta, ok := r.reg.LookupTool(name)
		if !ok {
			return resolved{}, mcperrors.Newf(mcperrors.NotFound, "unknown tool %q", name)
		}
		return resolved{
			handler:         name,
			capability:      meta.RequiredCapability,
			allowedRoles:    meta.AllowedRoles,
			rateLimit:       meta.RateLimit,
			timeout:         meta.Timeout,
			inputSchema:     tool.InputSchema,
			validateAgainst: rawArgs,
			call: func(ctx context.Context, hctx registry.HandlerContext) (any, error) {
				return tool.Handler(hctx, rawArgs)
			},
		}, nil

	case "tools/list":
		return resolved{
			capability: "tools",
			call: func(ctx context.Context, hctx registry.HandlerContext) (any, error) {
				return r.reg.ListTools(), nil
			},
		}, nil

	case "prompts/get":
		name, args, err := decodeNamedArgs(req.Params)
		if err != nil {
			return resolved{}, err
		}
		prompt, meta, ok := r.reg.LookupPrompt(name)
		if !ok {
			return resolved{}, mcperrors.Newf(mcperrors.NotFound, "unknown prompt %q", name)
		}
		return resolved{
			handler:      name,
			capability:   meta.RequiredCapability,
			allowedRoles: meta.AllowedRoles,
			rateLimit:    meta.RateLimit,
			timeout:      meta.Timeout,
			call: func(ctx context.Context, hctx registry.HandlerContext) (any, error) {
				return prompt.Handler(hctx, args)
			},
		}, nil

	case "prompts/list":
		return resolved{
			capability: "prompts",
			call: func(ctx context.Context, hctx registry.HandlerContext) (any, error) {
				return r.reg.ListPrompts(), nil
			},
		}, nil

	case "resources/read":
		uri, err := decodeURI(req.Params)
		if err != nil {
			return resolved{}, err
		}
		res, meta, captures, ok := r.reg.MatchResource(uri)
		if !ok {
			return resolved{}, mcperrors.Newf(mcperrors.NotFound, "no resource matches %q", uri)
		}
		return resolved{
			handler:      meta.Name,
			capability:   meta.RequiredCapability,
			allowedRoles: meta.AllowedRoles,
			rateLimit:    meta.RateLimit,
			timeout:      meta.Timeout,
			call: func(ctx context.Context, hctx registry.HandlerContext) (any, error) {
				return res.Handler(hctx, uri, captures)
			},
		}, nil

	case "resources/list":
		return resolved{
			capability: "resources",
			call: func(ctx context.Context, hctx registry.HandlerContext) (any, error) {
				return r.reg.ListResources(), nil
			},
		}, nil

	case "resources/subscribe":
		uri, err := decodeURI(req.Params)
		if err != nil {
			return resolved{}, err
		}
		return resolved{
			capability: "resources",
			call: func(ctx context.Context, hctx registry.HandlerContext) (any, error) {
				sess.Subscribe(uri)
				r.subs.Subscribe(sess.ID(), uri)
				return map[string]any{"uri": uri, "subscribed": true}, nil
			},
		}, nil

	case "resources/unsubscribe":
		uri, err := decodeURI(req.Params)
		if err != nil {
			return resolved{}, err
		}
		return resolved{
			capability: "resources",
			call: func(ctx context.Context, hctx registry.HandlerContext) (any, error) {
				sess.Unsubscribe(uri)
				r.subs.Unsubscribe(sess.ID(), uri)
				return map[string]any{"uri": uri, "subscribed": false}, nil
			},
		}, nil

	default:
		return resolved{}, mcperrors.Newf(mcperrors.NotFound, "method not found: %s", req.Method)
	}
}

func decodeNamedCall(params json.RawMessage) (name string, arguments json.RawMessage, err error) {
	var envelope struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if len(params) == 0 {
		return "", nil, mcperrors.New(mcperrors.Validation, "missing params")
	}
	if jsonErr := json.Unmarshal(params, &envelope); jsonErr != nil {
		return "", nil, mcperrors.Wrap(mcperrors.Validation, jsonErr, "decode params")
	}
	return envelope.Name, envelope.Arguments, nil
}

func decodeNamedArgs(params json.RawMessage) (name string, arguments map[string]string, err error) {
	var envelope struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments"`
	}
	if len(params) == 0 {
		return "", nil, mcperrors.New(mcperrors.Validation, "missing params")
	}
	if jsonErr := json.Unmarshal(params, &envelope); jsonErr != nil {
		return "", nil, mcperrors.Wrap(mcperrors.Validation, jsonErr, "decode params")
	}
	return envelope.Name, envelope.Arguments, nil
}

func decodeURI(params json.RawMessage) (string, error) {
	var envelope struct {
		URI string `json:"uri"`
	}
	if len(params) == 0 {
		return "", mcperrors.New(mcperrors.Validation, "missing params")
	}
	if err := json.Unmarshal(params, &envelope); err != nil {
		return "", mcperrors.Wrap(mcperrors.Validation, err, "decode params")
	}
	return envelope.URI, nil
}

// errorResponse maps a *mcperrors.Error's Kind onto the correct JSON-RPC
// error code (spec §6-§7's custom code range) and builds a Response.
func errorResponse(id protocol.ID, err error) *protocol.Response {
	code := protocol.CodeInternalError
	switch mcperrors.KindOf(err) {
	case mcperrors.NotFound:
		code = protocol.CodeMethodNotFound
	case mcperrors.Validation, mcperrors.BadRequest:
		code = protocol.CodeInvalidParams
	case mcperrors.Timeout:
		code = protocol.CodeTimeout
	case mcperrors.Unavailable:
		code = protocol.CodeUnavailable
	case mcperrors.RateLimited:
		code = protocol.CodeRateLimited
	case mcperrors.Authentication:
		code = protocol.CodeAuthentication
	case mcperrors.Authorization:
		code = protocol.CodeAuthorization
	case mcperrors.Cancelled:
		code = protocol.CodeCancelled
	case mcperrors.Handler:
		code = protocol.CodeHandler
	case mcperrors.Configuration:
		code = protocol.CodeConfiguration
	case mcperrors.ExternalService:
		code = protocol.CodeExternalService
	case mcperrors.DpopReplay:
		code = protocol.CodeDpopReplay
	case mcperrors.DpopClockSkew:
		code = protocol.CodeDpopClockSkew
	case mcperrors.DpopCryptographic:
		code = protocol.CodeDpopCryptographic
	case mcperrors.DpopHTTPBindingFailed:
		code = protocol.CodeDpopHTTPBindingFailed
	case mcperrors.DpopAccessTokenHash:
		code = protocol.CodeDpopAccessTokenHash
	case mcperrors.DpopPinningFailed:
		code = protocol.CodeDpopPinningFailed
	}

	var data any
	if me, ok := mcperrors.As(err); ok {
		if hint, hasHint := me.Retry(); hasHint {
			data = map[string]any{"retry_after_ms": hint.RetryAfterMS}
		}
	}
	return protocol.NewError(id, code, err.Error(), data)
}
