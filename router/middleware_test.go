package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbrennan/mcpcore/mcperrors"
)

type recordingMiddleware struct {
	name       string
	trace      *[]string
	failBefore bool
}

func (m *recordingMiddleware) Name() string { return m.name }

func (m *recordingMiddleware) BeforeRequest(rc *RequestContext) error {
	*m.trace = append(*m.trace, "before:"+m.name)
	if m.failBefore {
		return mcperrors.New(mcperrors.Internal, m.name+" before failed")
	}
	return nil
}

func (m *recordingMiddleware) AfterRequest(rc *RequestContext, err error) {
	*m.trace = append(*m.trace, "after:"+m.name)
}

func TestChainRunsStrictlyNested(t *testing.T) {
	var trace []string
	chain := NewChain(
		&recordingMiddleware{name: "outer", trace: &trace},
		&recordingMiddleware{name: "inner", trace: &trace},
	)

	_, err := chain.Run(&RequestContext{}, func(rc *RequestContext) (any, error) {
		trace = append(trace, "handler")
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"before:outer", "before:inner", "handler", "after:inner", "after:outer"}, trace)
}

func TestChainSkipsAfterForMiddlewaresNotYetEntered(t *testing.T) {
	var trace []string
	chain := NewChain(
		&recordingMiddleware{name: "outer", trace: &trace},
		&recordingMiddleware{name: "failing", trace: &trace, failBefore: true},
		&recordingMiddleware{name: "never-entered", trace: &trace},
	)

	_, err := chain.Run(&RequestContext{}, func(rc *RequestContext) (any, error) {
		trace = append(trace, "handler")
		return nil, nil
	})

	require.Error(t, err)
	assert.Equal(t, []string{"before:outer", "before:failing", "after:outer"}, trace)
}

func TestChainRunsAfterRequestOnHandlerError(t *testing.T) {
	var trace []string
	chain := NewChain(&recordingMiddleware{name: "outer", trace: &trace})

	_, err := chain.Run(&RequestContext{}, func(rc *RequestContext) (any, error) {
		return nil, mcperrors.New(mcperrors.Handler, "boom")
	})

	require.Error(t, err)
	assert.Equal(t, []string{"before:outer", "after:outer"}, trace)
}

func TestRecoveryMiddlewareConvertsPanicToError(t *testing.T) {
	rec := &RecoveryMiddleware{}
	wrapped := rec.Wrap(func(rc *RequestContext) (any, error) {
		panic("handler exploded")
	})

	_, err := wrapped(&RequestContext{Method: "tools/call"})
	require.Error(t, err)
	me, ok := mcperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, mcperrors.Handler, me.Kind())
}
