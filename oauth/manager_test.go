package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClientCredentialsTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "test-access-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-access-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"sub": "user-1", "email": "u@example.com"})
	})
	return httptest.NewServer(mux)
}

func TestManagerAuthenticateClientCredentialsSucceeds(t *testing.T) {
	srv := newClientCredentialsTestServer(t)
	defer srv.Close()

	engine := NewEngine(ProviderConfig{
		Name:         "primary",
		ClientID:     "c1",
		ClientSecret: "s1",
		TokenURL:     srv.URL + "/token",
	})
	mgr := NewManager(nil)
	mgr.Register(engine, srv.URL+"/userinfo", func(raw map[string]any) UserInfo {
		return UserInfo{Subject: raw["sub"].(string), Email: raw["email"].(string), Raw: raw}
	}, 0)

	tok, info, err := mgr.AuthenticateClientCredentials(context.Background(), []string{"read"})
	require.NoError(t, err)
	assert.Equal(t, "test-access-token", tok.AccessToken)
	assert.Equal(t, "user-1", info.Subject)
	assert.Equal(t, "u@example.com", info.Email)
}

func TestManagerFailsOverToNextProvider(t *testing.T) {
	badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer badSrv.Close()
	goodSrv := newClientCredentialsTestServer(t)
	defer goodSrv.Close()

	badEngine := NewEngine(ProviderConfig{Name: "broken", ClientID: "c1", ClientSecret: "s1", TokenURL: badSrv.URL + "/token"})
	goodEngine := NewEngine(ProviderConfig{Name: "backup", ClientID: "c2", ClientSecret: "s2", TokenURL: goodSrv.URL + "/token"})

	mgr := NewManager(nil)
	mgr.Register(badEngine, badSrv.URL+"/userinfo", nil, 0)
	mgr.Register(goodEngine, goodSrv.URL+"/userinfo", nil, 1)

	tok, _, err := mgr.AuthenticateClientCredentials(context.Background(), []string{"read"})
	require.NoError(t, err)
	assert.Equal(t, "test-access-token", tok.AccessToken)
}

func TestManagerNoProvidersConfigured(t *testing.T) {
	mgr := NewManager(nil)
	_, _, err := mgr.AuthenticateClientCredentials(context.Background(), []string{"read"})
	require.Error(t, err)
}

func TestManagerPersistsTokenToStorage(t *testing.T) {
	srv := newClientCredentialsTestServer(t)
	defer srv.Close()

	engine := NewEngine(ProviderConfig{Name: "primary", ClientID: "c1", ClientSecret: "s1", TokenURL: srv.URL + "/token"})
	storage := NewInMemoryTokenStorage()
	mgr := NewManager(storage)
	mgr.Register(engine, srv.URL+"/userinfo", func(raw map[string]any) UserInfo {
		return UserInfo{Subject: raw["sub"].(string), Raw: raw}
	}, 0)

	_, info, err := mgr.AuthenticateClientCredentials(context.Background(), []string{"read"})
	require.NoError(t, err)

	stored, err := storage.Get(context.Background(), info.Subject)
	require.NoError(t, err)
	assert.Equal(t, "test-access-token", stored.AccessToken)
}
