package registry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestTryRegisterToolConflict(t *testing.T) {
	r := New(fixedClock(time.Unix(0, 0)))
	tool := Tool{Name: "add", Handler: func(ctx HandlerContext, args json.RawMessage) (any, error) { return nil, nil }}
	require.NoError(t, r.TryRegisterTool(tool))

	err := r.TryRegisterTool(tool)
	require.Error(t, err)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "add", conflict.Name)
}

func TestRegisterToolIsIdempotentUnderReplace(t *testing.T) {
	r := New(nil)
	calls := 0
	r.RegisterTool(Tool{Name: "x", Handler: func(ctx HandlerContext, args json.RawMessage) (any, error) {
		calls = 1
		return nil, nil
	}})
	r.RegisterTool(Tool{Name: "x", Handler: func(ctx HandlerContext, args json.RawMessage) (any, error) {
		calls = 2
		return nil, nil
	}})
	h, _, ok := r.LookupTool("x")
	require.True(t, ok)
	_, _ = h.Handler(HandlerContext{}, nil)
	assert.Equal(t, 2, calls)
}

func TestLoadBalancedRoundRobin(t *testing.T) {
	r := New(nil)
	var order []string
	mk := func(tag string) ToolHandler {
		return func(ctx HandlerContext, args json.RawMessage) (any, error) {
			order = append(order, tag)
			return nil, nil
		}
	}
	r.RegisterToolLoadBalanced(Tool{Name: "lb", Handler: mk("a")})
	r.RegisterToolLoadBalanced(Tool{Name: "lb", Handler: mk("b")})
	r.RegisterToolLoadBalanced(Tool{Name: "lb", Handler: mk("c")})

	for i := 0; i < 6; i++ {
		h, _, ok := r.LookupTool("lb")
		require.True(t, ok)
		_, _ = h.Handler(HandlerContext{}, nil)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, order)
}

func TestMatchResourceConcreteURI(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.RegisterResource(Resource{Name: "readme", URI: "file:///readme.md"}))
	res, _, captures, ok := r.MatchResource("file:///readme.md")
	require.True(t, ok)
	assert.Equal(t, "readme", res.Name)
	assert.Nil(t, captures)
}

func TestMatchResourceTemplateExtractsCaptures(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.RegisterResource(Resource{Name: "log-by-date", URITemplate: "logs://{date}/{level}"}))
	res, _, captures, ok := r.MatchResource("logs://2026-07-30/error")
	require.True(t, ok)
	assert.Equal(t, "log-by-date", res.Name)
	assert.Equal(t, "2026-07-30", captures["date"])
	assert.Equal(t, "error", captures["level"])
}

func TestMatchResourcePriorityBreaksTies(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.RegisterResource(Resource{Name: "generic", URITemplate: "res://{any}", Priority: 10}))
	require.NoError(t, r.RegisterResource(Resource{Name: "specific", URITemplate: "res://{any}", Priority: 1}))

	res, _, _, ok := r.MatchResource("res://thing")
	require.True(t, ok)
	assert.Equal(t, "specific", res.Name)
}

func TestMatchResourceNoMatch(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.RegisterResource(Resource{Name: "readme", URI: "file:///readme.md"}))
	_, _, _, ok := r.MatchResource("file:///missing.md")
	assert.False(t, ok)
}

func TestTypedHandlerUnmarshalsArguments(t *testing.T) {
	type addArgs struct {
		A int `json:"a"`
		B int `json:"b"`
	}
	h := Typed(func(ctx HandlerContext, args addArgs) (any, error) {
		return args.A + args.B, nil
	})
	result, err := h(HandlerContext{}, json.RawMessage(`{"a":5,"b":3}`))
	require.NoError(t, err)
	assert.Equal(t, 8, result)
}
