package dpop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbrennan/mcpcore/mcperrors"
)

func newTestKeyPair(t *testing.T) *KeyPair {
	t.Helper()
	mgr := NewKeyManager(NewInMemoryStorage())
	kp, err := mgr.GenerateKeyPair(context.Background(), ES256, Metadata{})
	require.NoError(t, err)
	return kp
}

func TestProofConstructAndValidateHappyPath(t *testing.T) {
	kp := newTestKeyPair(t)
	engine := NewProofEngine()

	proof, err := engine.Construct(kp, "POST", "https://api.example.com/mcp?x=1#frag", "", "")
	require.NoError(t, err)

	err = engine.Validate(proof, ValidateExpectation{
		Method: "post",
		URI:    "https://api.example.com/mcp",
	})
	require.NoError(t, err)
}

// TestProofReplayDetected exercises scenario S3 and testable property #4.
func TestProofReplayDetected(t *testing.T) {
	kp := newTestKeyPair(t)
	engine := NewProofEngine()

	proof, err := engine.Construct(kp, "GET", "https://api.example.com/mcp", "", "")
	require.NoError(t, err)

	exp := ValidateExpectation{Method: "GET", URI: "https://api.example.com/mcp"}
	require.NoError(t, engine.Validate(proof, exp))

	err = engine.Validate(proof, exp)
	require.Error(t, err)
	mcpErr, ok := mcperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, mcperrors.DpopReplay, mcpErr.Kind())
	assert.True(t, mcpErr.IsCritical())
}

func TestProofRejectsMethodMismatch(t *testing.T) {
	kp := newTestKeyPair(t)
	engine := NewProofEngine()

	proof, err := engine.Construct(kp, "GET", "https://api.example.com/mcp", "", "")
	require.NoError(t, err)

	err = engine.Validate(proof, ValidateExpectation{Method: "POST", URI: "https://api.example.com/mcp"})
	require.Error(t, err)
	mcpErr, ok := mcperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, mcperrors.DpopHTTPBindingFailed, mcpErr.Kind())
}

func TestProofAccessTokenHashMustMatch(t *testing.T) {
	kp := newTestKeyPair(t)
	engine := NewProofEngine()

	proof, err := engine.Construct(kp, "GET", "https://api.example.com/mcp", "token-a", "")
	require.NoError(t, err)

	err = engine.Validate(proof, ValidateExpectation{
		Method:      "GET",
		URI:         "https://api.example.com/mcp",
		AccessToken: "token-b",
	})
	require.Error(t, err)
	mcpErr, ok := mcperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, mcperrors.DpopAccessTokenHash, mcpErr.Kind())
}

func TestProofBindingMismatchRejected(t *testing.T) {
	kp := newTestKeyPair(t)
	other := newTestKeyPair(t)
	engine := NewProofEngine()

	proof, err := engine.Construct(kp, "GET", "https://api.example.com/mcp", "", "")
	require.NoError(t, err)

	err = engine.Validate(proof, ValidateExpectation{
		Method:             "GET",
		URI:                "https://api.example.com/mcp",
		ExpectedThumbprint: other.Thumbprint,
	})
	require.Error(t, err)
	mcpErr, ok := mcperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, mcperrors.DpopPinningFailed, mcpErr.Kind())
}

// TestNonceTrackerAgesOutEntries exercises the "entries age out by iat +
// max_age" invariant from §4.2 independent of the full proof lifecycle.
func TestNonceTrackerAgesOutEntries(t *testing.T) {
	tracker := NewNonceTracker(time.Minute)
	stale := time.Now().Add(-2 * time.Minute)
	assert.False(t, tracker.CheckAndInsert("jti-1", stale))
	require.Equal(t, 1, tracker.Len())

	assert.False(t, tracker.CheckAndInsert("jti-2", time.Now()), "second insert reaps jti-1 first")
	assert.Equal(t, 1, tracker.Len(), "stale jti-1 should have aged out, leaving only jti-2")
}
