package oauth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"sync"

	"golang.org/x/oauth2"

	"github.com/kbrennan/mcpcore/mcperrors"
)

// UserInfo is the uniform shape every provider's userinfo response
// normalizes to, per spec §4.9.
type UserInfo struct {
	Subject string
	Email   string
	Name    string
	Raw     map[string]any
}

// NormalizeFunc maps a provider's raw userinfo payload to a UserInfo.
type NormalizeFunc func(raw map[string]any) UserInfo

// registeredProvider pairs an Engine with its userinfo endpoint and
// provider-specific normalizer.
type registeredProvider struct {
	engine       *Engine
	priority     int
	userInfoURL  string
	normalize    NormalizeFunc
}

// Manager orders providers by priority ascending and tries each in turn
// until one succeeds, per spec §4.9's multi-provider failover.
type Manager struct {
	mu        sync.RWMutex
	providers []registeredProvider
	storage   TokenStorage
}

// NewManager builds an empty Manager. storage may be nil to skip token
// persistence (callers that only need the UserInfo, not a reusable token).
func NewManager(storage TokenStorage) *Manager {
	return &Manager{storage: storage}
}

// Register adds a provider at priority (lower values tried first).
func (m *Manager) Register(engine *Engine, userInfoURL string, normalize NormalizeFunc, priority int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = append(m.providers, registeredProvider{
		engine: engine, priority: priority, userInfoURL: userInfoURL, normalize: normalize,
	})
	sort.SliceStable(m.providers, func(i, j int) bool { return m.providers[i].priority < m.providers[j].priority })
}

// AuthenticateClientCredentials tries each registered provider's Client
// Credentials flow in priority order, returning the first success's token
// and normalized UserInfo.
func (m *Manager) AuthenticateClientCredentials(ctx context.Context, scopes []string) (*oauth2.Token, UserInfo, error) {
	m.mu.RLock()
	providers := append([]registeredProvider(nil), m.providers...)
	m.mu.RUnlock()

	if len(providers) == 0 {
		return nil, UserInfo{}, mcperrors.New(mcperrors.Configuration, "no oauth providers registered")
	}

	var lastErr error
	for _, p := range providers {
		tok, err := p.engine.ClientCredentialsToken(ctx, scopes)
		if err != nil {
			lastErr = err
			continue
		}
		info, err := fetchUserInfo(ctx, p.userInfoURL, tok, p.normalize)
		if err != nil {
			lastErr = err
			continue
		}
		if m.storage != nil && info.Subject != "" {
			if storeErr := m.storage.Store(ctx, info.Subject, tok); storeErr != nil {
				return nil, UserInfo{}, mcperrors.Wrap(mcperrors.Internal, storeErr, "persist oauth token")
			}
		}
		return tok, info, nil
	}
	return nil, UserInfo{}, mcperrors.Wrap(mcperrors.Unavailable, lastErr, "all oauth providers failed")
}

func fetchUserInfo(ctx context.Context, userInfoURL string, tok *oauth2.Token, normalize NormalizeFunc) (UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userInfoURL, nil)
	if err != nil {
		return UserInfo{}, mcperrors.Wrap(mcperrors.Internal, err, "build userinfo request")
	}
	tok.SetAuthHeader(req)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return UserInfo{}, mcperrors.Wrap(mcperrors.ExternalService, err, "fetch userinfo")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return UserInfo{}, mcperrors.Newf(mcperrors.ExternalService, "userinfo endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return UserInfo{}, mcperrors.Wrap(mcperrors.ExternalService, err, "read userinfo body")
	}
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return UserInfo{}, mcperrors.Wrap(mcperrors.Serialization, err, "decode userinfo body")
	}
	if normalize == nil {
		return UserInfo{Raw: raw}, nil
	}
	return normalize(raw), nil
}
