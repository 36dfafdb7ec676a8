package session

import (
	"sync"

	"github.com/google/uuid"
)

// Session tracks per-connection state: identity, roles, the DPoP key this
// session is bound to (if any), and its resource subscriptions, per spec §3.
type Session struct {
	mu                  sync.RWMutex
	id                  string
	authenticatedUser   string
	roles               []string
	boundDpopThumbprint string
	subscriptions       map[string]bool
	state               State
}

// New creates a Session with a fresh id in the Starting state.
func New() *Session {
	return &Session{
		id:            uuid.NewString(),
		subscriptions: make(map[string]bool),
		state:         Starting,
	}
}

// ID returns the session's identifier.
func (s *Session) ID() string { return s.id }

// SetAuthenticatedUser records the authenticated principal and their roles.
func (s *Session) SetAuthenticatedUser(user string, roles []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticatedUser = user
	s.roles = append([]string(nil), roles...)
}

// AuthenticatedUser returns the authenticated principal, or "" if anonymous.
func (s *Session) AuthenticatedUser() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticatedUser
}

// Roles returns the session's role set.
func (s *Session) Roles() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.roles...)
}

// HasAnyRole reports whether the session holds at least one of required.
func (s *Session) HasAnyRole(required []string) bool {
	if len(required) == 0 {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, have := range s.roles {
		for _, want := range required {
			if have == want {
				return true
			}
		}
	}
	return false
}

// BindDpopThumbprint records the DPoP key thumbprint this session's token
// is sender-constrained to.
func (s *Session) BindDpopThumbprint(thumbprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boundDpopThumbprint = thumbprint
}

// BoundDpopThumbprint returns the bound thumbprint, or "" if unbound.
func (s *Session) BoundDpopThumbprint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.boundDpopThumbprint
}

// Subscribe adds uri to this session's subscription set.
func (s *Session) Subscribe(uri string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[uri] = true
}

// Unsubscribe removes uri from this session's subscription set.
func (s *Session) Unsubscribe(uri string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, uri)
}

// IsSubscribed reports whether this session is subscribed to uri.
func (s *Session) IsSubscribed(uri string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscriptions[uri]
}

// Subscriptions returns a snapshot of every URI this session is subscribed
// to, in no particular order.
func (s *Session) Subscriptions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.subscriptions))
	for uri := range s.subscriptions {
		out = append(out, uri)
	}
	return out
}

// SetState transitions the session's own lifecycle state.
func (s *Session) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}
