package router

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kbrennan/mcpcore/registry"
)

// limiterKey identifies one token bucket: a single session's calls to a
// single handler, per spec §9's pinned "per-session-per-handler" granularity.
type limiterKey struct {
	sessionID string
	handler   string
}

// RateLimiter hands out a golang.org/x/time/rate.Limiter per (session,
// handler) pair, lazily created from the handler's registry.RateLimit.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[limiterKey]*rate.Limiter
}

// NewRateLimiter builds an empty RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{limiters: make(map[limiterKey]*rate.Limiter)}
}

// Allow reports whether a call against handler by sessionID may proceed
// under limit. A nil limit always allows. retryAfter is populated (spec
// §4.5 step 5's retry_after_ms) when the call is rejected.
func (rl *RateLimiter) Allow(sessionID, handler string, limit *registry.RateLimit) (ok bool, retryAfter time.Duration) {
	if limit == nil {
		return true, 0
	}
	key := limiterKey{sessionID: sessionID, handler: handler}

	rl.mu.Lock()
	lim, exists := rl.limiters[key]
	if !exists {
		burst := limit.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(limit.RequestsPerSecond), burst)
		rl.limiters[key] = lim
	}
	rl.mu.Unlock()

	res := lim.Reserve()
	if !res.OK() {
		return false, 0
	}
	delay := res.Delay()
	if delay > 0 {
		res.Cancel()
		return false, delay
	}
	return true, 0
}

// Forget drops every limiter belonging to sessionID, called on session
// teardown to bound the map's size.
func (rl *RateLimiter) Forget(sessionID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key := range rl.limiters {
		if key.sessionID == sessionID {
			delete(rl.limiters, key)
		}
	}
}
