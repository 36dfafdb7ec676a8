package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiateDefaultsMatchTable(t *testing.T) {
	n := NewNegotiator(nil, false)
	cs, err := n.Negotiate(
		ClientCapabilities{Sampling: true, Roots: false},
		ServerCapabilities{Tools: true, Prompts: true, Resources: false, Logging: true},
	)
	require.NoError(t, err)
	assert.True(t, cs.Enabled("tools"))
	assert.True(t, cs.Enabled("prompts"))
	assert.False(t, cs.Enabled("resources"))
	assert.True(t, cs.Enabled("logging"))
	assert.True(t, cs.Enabled("sampling"))
	assert.False(t, cs.Enabled("roots"))
	assert.True(t, cs.Enabled("progress")) // Optional, default-on
}

func TestNegotiateStrictModeFailsOnIncompatible(t *testing.T) {
	n := NewNegotiator(nil, true)
	_, err := n.Negotiate(ClientCapabilities{}, ServerCapabilities{})
	require.Error(t, err)
	incompatErr, ok := err.(*IncompatibleFeaturesError)
	require.True(t, ok)
	assert.Contains(t, incompatErr.Features, "tools")
}

// TestNegotiationIdempotence covers testable property #5.
func TestNegotiationIdempotence(t *testing.T) {
	n := NewNegotiator(nil, false)
	client := ClientCapabilities{Sampling: true, Roots: true}
	server := ServerCapabilities{Tools: true, Resources: true}

	first, err := n.Negotiate(client, server)
	require.NoError(t, err)
	second, err := n.Negotiate(client, server)
	require.NoError(t, err)

	assert.Equal(t, first.enabled, second.enabled)
	assert.Equal(t, first.disabled, second.disabled)
}

func TestVersionNegotiationExactMatch(t *testing.T) {
	client := []Version{MustParseVersion("2025-06-18"), MustParseVersion("2024-11-05")}
	server := []Version{MustParseVersion("2025-06-18"), MustParseVersion("2024-11-05")}
	result, err := NegotiateVersion(client, server)
	require.NoError(t, err)
	assert.Equal(t, "2025-06-18", result.Selected.String())
	assert.Equal(t, Compatible, result.Compatibility)
}

func TestVersionNegotiationIncompatibleAcrossYears(t *testing.T) {
	client := []Version{MustParseVersion("2023-01-01")}
	server := []Version{MustParseVersion("2025-06-18")}
	_, err := NegotiateVersion(client, server)
	require.Error(t, err)
}
