package oauth

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
)

// TokenStorage is the external collaborator the core only defines the
// contract for, per spec §4.9: "This trait is an external collaborator;
// the core only defines the contract."
type TokenStorage interface {
	Store(ctx context.Context, userID string, token *oauth2.Token) error
	Get(ctx context.Context, userID string) (*oauth2.Token, error)
	Revoke(ctx context.Context, userID string) error
	List(ctx context.Context) ([]string, error)
}

// InMemoryTokenStorage is a development-only TokenStorage, the reference
// implementation spec §6 requires be "clearly labeled development-only".
type InMemoryTokenStorage struct {
	mu     sync.RWMutex
	tokens map[string]*oauth2.Token
}

// NewInMemoryTokenStorage builds an empty development-only TokenStorage.
func NewInMemoryTokenStorage() *InMemoryTokenStorage {
	return &InMemoryTokenStorage{tokens: make(map[string]*oauth2.Token)}
}

func (s *InMemoryTokenStorage) Store(ctx context.Context, userID string, token *oauth2.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[userID] = token
	return nil
}

func (s *InMemoryTokenStorage) Get(ctx context.Context, userID string) (*oauth2.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[userID]
	if !ok {
		return nil, fmt.Errorf("oauth: no stored token for %q", userID)
	}
	return tok, nil
}

func (s *InMemoryTokenStorage) Revoke(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, userID)
	return nil
}

func (s *InMemoryTokenStorage) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tokens))
	for id := range s.tokens {
		out = append(out, id)
	}
	return out, nil
}
