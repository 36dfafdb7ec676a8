package oauth

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProvider() ProviderConfig {
	return ProviderConfig{
		Name:         "test-provider",
		ClientID:     "test_client",
		ClientSecret: "shh",
		AuthURL:      "https://idp.example.com/authorize",
		TokenURL:     "https://idp.example.com/token",
		RedirectURL:  "https://app/cb",
	}
}

// TestStartAuthorizationMatchesS4 exercises scenario S4's exact parameter
// checks against auth_url.
func TestStartAuthorizationMatchesS4(t *testing.T) {
	engine := NewEngine(testProvider())
	start, err := engine.StartAuthorization([]string{"read", "write"})
	require.NoError(t, err)

	u, err := url.Parse(start.AuthURL)
	require.NoError(t, err)
	q := u.Query()

	assert.Equal(t, "test_client", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "read write", q.Get("scope"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Len(t, q.Get("code_challenge"), 43)
	assert.GreaterOrEqual(t, len(start.State), 16)
	assert.Equal(t, start.State, q.Get("state"))
}

func TestExchangeCodeRejectsMismatchedState(t *testing.T) {
	engine := NewEngine(testProvider())
	_, err := engine.StartAuthorization([]string{"read"})
	require.NoError(t, err)

	_, err = engine.ExchangeCode(context.Background(), "not-the-real-state", "some-code")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid state parameter")
}
