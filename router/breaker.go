package router

import (
	"sync"
	"time"
)

// BreakerState is one of the three circuit breaker states, per spec §7
// (closed→open→half-open).
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a CircuitBreaker's thresholds.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before the
	// breaker opens. Default: 5.
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open before allowing a
	// half-open probe. Default: 30s.
	RecoveryTimeout time.Duration
	// HalfOpenMaxProbes bounds how many requests are admitted in one
	// half-open period; a finished probe does not free a slot. Default: 2.
	HalfOpenMaxProbes int
	// SuccessThreshold is the number of consecutive half-open successes
	// required to close the breaker. Default: 2.
	SuccessThreshold int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.HalfOpenMaxProbes <= 0 {
		c.HalfOpenMaxProbes = 2
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	return c
}

// CircuitBreaker gates calls to a flaky downstream (an external service a
// handler depends on), per spec §7's "Circuit breakers protect flaky
// downstreams" design note.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu                   sync.Mutex
	state                BreakerState
	consecutiveFailures  int
	consecutiveSuccesses int
	halfOpenProbes       int
	lastFailure          time.Time
	lastStateChange      time.Time
}

// NewCircuitBreaker builds a CircuitBreaker in the closed state.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg.withDefaults(), state: BreakerClosed, lastStateChange: time.Now()}
}

// Allow reports whether a call should proceed, advancing open→half-open
// once RecoveryTimeout has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	switch cb.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if now.Sub(cb.lastFailure) >= cb.cfg.RecoveryTimeout {
			cb.transitionLocked(BreakerHalfOpen, now)
			cb.halfOpenProbes = 1
			return true
		}
		return false
	case BreakerHalfOpen:
		if cb.halfOpenProbes < cb.cfg.HalfOpenMaxProbes {
			cb.halfOpenProbes++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess registers a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case BreakerClosed:
		cb.consecutiveFailures = 0
	case BreakerHalfOpen:
		cb.consecutiveSuccesses++
		cb.consecutiveFailures = 0
		if cb.consecutiveSuccesses >= cb.cfg.SuccessThreshold {
			cb.transitionLocked(BreakerClosed, time.Now())
		}
	}
}

// RecordFailure registers a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := time.Now()
	cb.lastFailure = now
	switch cb.state {
	case BreakerClosed:
		cb.consecutiveFailures++
		cb.consecutiveSuccesses = 0
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.transitionLocked(BreakerOpen, now)
		}
	case BreakerHalfOpen:
		cb.transitionLocked(BreakerOpen, now)
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) transitionLocked(next BreakerState, now time.Time) {
	cb.state = next
	cb.lastStateChange = now
	cb.consecutiveSuccesses = 0
	cb.halfOpenProbes = 0
	if next == BreakerClosed {
		cb.consecutiveFailures = 0
	}
}

// BreakerRegistry hands out one CircuitBreaker per handler name, created
// lazily on first use with a shared default config.
type BreakerRegistry struct {
	cfg BreakerConfig

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerRegistry builds a BreakerRegistry using cfg for every breaker
// it creates.
func NewBreakerRegistry(cfg BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{cfg: cfg.withDefaults(), breakers: make(map[string]*CircuitBreaker)}
}

// Get returns the breaker for handler, creating it on first access.
func (r *BreakerRegistry) Get(handler string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[handler]
	if !ok {
		cb = NewCircuitBreaker(r.cfg)
		r.breakers[handler] = cb
	}
	return cb
}
