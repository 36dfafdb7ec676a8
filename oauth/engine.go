package oauth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/kbrennan/mcpcore/mcperrors"
)

// ProviderConfig describes one OAuth provider's endpoints and client
// registration.
type ProviderConfig struct {
	Name           string
	ClientID       string
	ClientSecret   string
	AuthURL        string
	TokenURL       string
	DeviceAuthURL  string
	RevocationURL  string
	RedirectURL    string
	Scopes         []string
	Priority       int // informational; Manager orders by the priority passed to Manager.Register
}

func (p ProviderConfig) oauth2Config() oauth2.Config {
	return oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:       p.AuthURL,
			TokenURL:      p.TokenURL,
			DeviceAuthURL: p.DeviceAuthURL,
		},
		RedirectURL: p.RedirectURL,
		Scopes:      p.Scopes,
	}
}

// PendingAuthorization is a started-but-not-yet-exchanged authorization
// code flow, held under state with a TTL per spec §4.9.
type PendingAuthorization struct {
	State        string
	CodeVerifier string
	Scopes       []string
	CreatedAt    time.Time
}

// AuthorizationStart is returned by Engine.StartAuthorization.
type AuthorizationStart struct {
	AuthURL      string
	CodeVerifier string
	State        string
}

// Engine drives one provider's Authorization Code + PKCE, Client
// Credentials, and Device Code flows, per spec §4.9.
type Engine struct {
	provider ProviderConfig
	cfg      oauth2.Config
	ttl      time.Duration

	mu      sync.Mutex
	pending map[string]PendingAuthorization
}

// NewEngine builds an Engine for provider with the default 10-minute
// pending-authorization TTL.
func NewEngine(provider ProviderConfig) *Engine {
	return &Engine{
		provider: provider,
		cfg:      provider.oauth2Config(),
		ttl:      10 * time.Minute,
		pending:  make(map[string]PendingAuthorization),
	}
}

// StartAuthorization begins an Authorization Code + PKCE flow for scopes,
// per spec §4.9 and the exact parameter set scenario S4 checks.
func (e *Engine) StartAuthorization(scopes []string) (*AuthorizationStart, error) {
	verifier, err := GenerateVerifier()
	if err != nil {
		return nil, mcperrors.Wrap(mcperrors.Internal, err, "generate pkce verifier")
	}
	state, err := GenerateState()
	if err != nil {
		return nil, mcperrors.Wrap(mcperrors.Internal, err, "generate oauth state")
	}

	cfg := e.cfg
	cfg.Scopes = scopes
	authURL := cfg.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", Challenge(verifier)),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)

	e.mu.Lock()
	e.reapLocked()
	e.pending[state] = PendingAuthorization{
		State:        state,
		CodeVerifier: verifier,
		Scopes:       scopes,
		CreatedAt:    time.Now(),
	}
	e.mu.Unlock()

	return &AuthorizationStart{AuthURL: authURL, CodeVerifier: verifier, State: state}, nil
}

func (e *Engine) reapLocked() {
	cutoff := time.Now().Add(-e.ttl)
	for state, pa := range e.pending {
		if pa.CreatedAt.Before(cutoff) {
			delete(e.pending, state)
		}
	}
}

// ExchangeCode completes a pending authorization, matching state and
// posting code+code_verifier to the token endpoint, per spec §4.9.
func (e *Engine) ExchangeCode(ctx context.Context, state, code string) (*oauth2.Token, error) {
	e.mu.Lock()
	e.reapLocked()
	pending, ok := e.pending[state]
	if ok {
		delete(e.pending, state)
	}
	e.mu.Unlock()

	if !ok {
		return nil, mcperrors.New(mcperrors.Authentication, "Invalid state parameter")
	}

	tok, err := e.cfg.Exchange(ctx, code, oauth2.VerifierOption(pending.CodeVerifier))
	if err != nil {
		return nil, mcperrors.Wrap(mcperrors.Authentication, err, "exchange authorization code")
	}
	return tok, nil
}

// Refresh exchanges refreshToken for a new access token, per RFC 6749's
// standard refresh semantics.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	src := e.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, mcperrors.Wrap(mcperrors.Authentication, err, "refresh access token")
	}
	return tok, nil
}

// Revoke posts token to the provider's revocation endpoint (RFC 7009), if
// one is configured.
func (e *Engine) Revoke(ctx context.Context, token string) error {
	if e.provider.RevocationURL == "" {
		return mcperrors.New(mcperrors.Configuration, "provider has no revocation endpoint configured")
	}
	form := url.Values{
		"token":           {token},
		"client_id":       {e.provider.ClientID},
		"client_secret":   {e.provider.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.provider.RevocationURL, strings.NewReader(form.Encode()))
	if err != nil {
		return mcperrors.Wrap(mcperrors.Internal, err, "build revocation request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return mcperrors.Wrap(mcperrors.ExternalService, err, "post token revocation")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return mcperrors.Newf(mcperrors.ExternalService, "token revocation returned status %d", resp.StatusCode)
	}
	return nil
}

// ClientCredentialsToken runs the Client Credentials flow.
func (e *Engine) ClientCredentialsToken(ctx context.Context, scopes []string) (*oauth2.Token, error) {
	cfg := clientcredentials.Config{
		ClientID:     e.provider.ClientID,
		ClientSecret: e.provider.ClientSecret,
		TokenURL:     e.provider.TokenURL,
		Scopes:       scopes,
	}
	tok, err := cfg.Token(ctx)
	if err != nil {
		return nil, mcperrors.Wrap(mcperrors.Authentication, err, fmt.Sprintf("client credentials token for %s", e.provider.Name))
	}
	return tok, nil
}

// StartDeviceAuth begins the Device Code flow.
func (e *Engine) StartDeviceAuth(ctx context.Context, scopes []string) (*oauth2.DeviceAuthResponse, error) {
	cfg := e.cfg
	cfg.Scopes = scopes
	resp, err := cfg.DeviceAuth(ctx)
	if err != nil {
		return nil, mcperrors.Wrap(mcperrors.Authentication, err, "start device authorization")
	}
	return resp, nil
}

// PollDeviceToken polls the token endpoint until the user completes the
// device flow or it expires.
func (e *Engine) PollDeviceToken(ctx context.Context, resp *oauth2.DeviceAuthResponse) (*oauth2.Token, error) {
	tok, err := e.cfg.DeviceAccessToken(ctx, resp)
	if err != nil {
		return nil, mcperrors.Wrap(mcperrors.Authentication, err, "poll device access token")
	}
	return tok, nil
}
