package router

import (
	"runtime/debug"

	"github.com/kbrennan/mcpcore/mcperrors"
)

// RequestContext carries the per-request fields middleware hooks can read
// or annotate, mirroring what the teacher's loggingMiddleware pulls off the
// *http.Request (method, path, timing) generalized to a JSON-RPC call.
type RequestContext struct {
	Method    string
	SessionID string
	RequestID string
	Roles     []string

	// Values lets middleware stash data for downstream hooks (e.g. a
	// started_at timestamp for logging), keyed by middleware name.
	Values map[string]any
}

// Middleware exposes before_request/after_request hooks, run in strict
// nesting order around the router's request path (spec §4.5 "Middleware").
type Middleware interface {
	Name() string
	BeforeRequest(rc *RequestContext) error
	AfterRequest(rc *RequestContext, err error)
}

// Chain holds an ordered middleware stack and runs a handler func nested
// inside it, matching spec's strict nesting rule: earlier middlewares run
// BeforeRequest first and AfterRequest last; a BeforeRequest failure still
// runs AfterRequest for every middleware whose BeforeRequest already
// succeeded, in reverse order, with the error passed through.
type Chain struct {
	middlewares []Middleware
}

// NewChain builds a Chain from middlewares, executed in the given order.
func NewChain(middlewares ...Middleware) *Chain {
	return &Chain{middlewares: middlewares}
}

// Run executes rc through the chain and handler, honoring the nested
// before/after contract even when handler or a BeforeRequest hook fails.
func (c *Chain) Run(rc *RequestContext, handler func(rc *RequestContext) (any, error)) (any, error) {
	entered := make([]Middleware, 0, len(c.middlewares))

	var beforeErr error
	for _, mw := range c.middlewares {
		if err := mw.BeforeRequest(rc); err != nil {
			beforeErr = err
			break
		}
		entered = append(entered, mw)
	}

	var result any
	var err error
	if beforeErr != nil {
		err = beforeErr
	} else {
		result, err = handler(rc)
	}

	for i := len(entered) - 1; i >= 0; i-- {
		entered[i].AfterRequest(rc, err)
	}

	return result, err
}

// LoggingMiddleware logs one method/session/request-id/outcome line per
// request through Log, generalizing the teacher's loggingMiddleware
// (method, path, status, latency); it records no timing or duration.
type LoggingMiddleware struct {
	Log func(format string, args ...any)
}

func (m *LoggingMiddleware) Name() string { return "logging" }

func (m *LoggingMiddleware) BeforeRequest(rc *RequestContext) error {
	if rc.Values == nil {
		rc.Values = make(map[string]any)
	}
	rc.Values["logging.started"] = true
	return nil
}

func (m *LoggingMiddleware) AfterRequest(rc *RequestContext, err error) {
	if m.Log == nil {
		return
	}
	if err != nil {
		m.Log("method=%s session=%s request=%s error=%v", rc.Method, rc.SessionID, rc.RequestID, err)
		return
	}
	m.Log("method=%s session=%s request=%s ok", rc.Method, rc.SessionID, rc.RequestID)
}

// RecoveryMiddleware converts a panicking handler into a Handler-kind
// *mcperrors.Error instead of crashing the server, generalizing the
// teacher's recoveryMiddleware (http.Error 500 + stack log) to the
// router's error-returning contract. It takes effect only through Wrap,
// which router.New applies to the innermost handler call when it is passed
// as the recovery argument; its BeforeRequest/AfterRequest hooks do nothing.
type RecoveryMiddleware struct {
	Log func(format string, args ...any)
}

func (m *RecoveryMiddleware) Name() string { return "recovery" }

func (m *RecoveryMiddleware) BeforeRequest(rc *RequestContext) error { return nil }

func (m *RecoveryMiddleware) AfterRequest(rc *RequestContext, err error) {}

// Wrap recovers from a panic inside fn, converting it into an error return
// instead of propagating the panic up through the Chain.
func (m *RecoveryMiddleware) Wrap(fn func(rc *RequestContext) (any, error)) func(rc *RequestContext) (any, error) {
	return func(rc *RequestContext) (result any, err error) {
		defer func() {
			if r := recover(); r != nil {
				if m.Log != nil {
					m.Log("panic recovered in handler %s: %v\n%s", rc.Method, r, debug.Stack())
				}
				err = mcperrors.Newf(mcperrors.Handler, "handler panicked: %v", r)
			}
		}()
		return fn(rc)
	}
}
