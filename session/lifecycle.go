// Package session implements the session/lifecycle subsystem (C6):
// per-connection session state, subscription bookkeeping, and the server's
// shutdown broadcast + health aggregation, per spec §4.6. Grounded on the
// teacher's watchdog/probes.go health-check shape, generalized from
// HTTP/TCP/container probes to an arbitrary named HealthCheck.
package session

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// State is a session or server lifecycle state.
type State int

const (
	Starting State = iota
	Running
	ShuttingDown
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case ShuttingDown:
		return "shutting_down"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// HealthCheck is a named probe contributing to the aggregate HealthStatus.
type HealthCheck struct {
	Name  string
	Probe func(ctx context.Context) error
}

// HealthStatus is the aggregate result of running every registered
// HealthCheck; Healthy is the AND of all of them per spec §4.6.
type HealthStatus struct {
	Healthy bool
	Checks  map[string]error // nil value means that check passed
}

// Lifecycle tracks server-wide state, drives the shutdown broadcast, and
// aggregates health checks. It is shared by pointer; every holder observes
// the same shutdown broadcast through ShutdownSignal, mirroring the
// teacher's EventBus fan-out.
type Lifecycle struct {
	mu           sync.RWMutex
	state        State
	ctx          context.Context
	cancel       context.CancelFunc
	healthChecks []HealthCheck
	drainDeadline time.Duration
}

// NewLifecycle builds a Lifecycle in the Starting state. drainDeadline
// bounds how long Shutdown waits for in-flight requests to finish before
// abandoning them (spec §5 "Cancellation").
func NewLifecycle(drainDeadline time.Duration) *Lifecycle {
	ctx, cancel := context.WithCancel(context.Background())
	if drainDeadline <= 0 {
		drainDeadline = 5 * time.Second
	}
	return &Lifecycle{state: Starting, ctx: ctx, cancel: cancel, drainDeadline: drainDeadline}
}

// Start transitions to Running.
func (l *Lifecycle) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = Running
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// IsShuttingDown is observable from any goroutine holding a reference to l,
// satisfying spec's "observable from any clone" requirement without an
// actual clone — Lifecycle is always shared by pointer.
func (l *Lifecycle) IsShuttingDown() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state == ShuttingDown || l.state == Stopped
}

// ShutdownSignal returns a channel closed when shutdown begins, for
// cooperative cancellation at suspension points (spec §5).
func (l *Lifecycle) ShutdownSignal() <-chan struct{} {
	return l.ctx.Done()
}

// Shutdown transitions to ShuttingDown, broadcasts to every subscriber via
// the shared context, waits up to drainDeadline for drain to report
// completion, then transitions to Stopped regardless.
//
// drain is called with a context that is cancelled when the deadline
// elapses; the caller is expected to race in-flight handler completion
// against ctx.Done() and return promptly either way.
func (l *Lifecycle) Shutdown(drain func(ctx context.Context)) {
	l.mu.Lock()
	if l.state == ShuttingDown || l.state == Stopped {
		l.mu.Unlock()
		return
	}
	l.state = ShuttingDown
	l.mu.Unlock()

	l.cancel()

	if drain != nil {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), l.drainDeadline)
		defer drainCancel()
		drain(drainCtx)
	}

	l.mu.Lock()
	l.state = Stopped
	l.mu.Unlock()
}

// AddHealthCheck appends a named probe to the aggregate health status.
func (l *Lifecycle) AddHealthCheck(check HealthCheck) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.healthChecks = append(l.healthChecks, check)
}

// Health runs every registered check concurrently and aggregates the
// result. Checks are independent I/O-bound probes, so they're run under an
// errgroup rather than sequentially; a slow or hanging probe only delays
// its own entry, not its siblings.
func (l *Lifecycle) Health(ctx context.Context) HealthStatus {
	l.mu.RLock()
	checks := make([]HealthCheck, len(l.healthChecks))
	copy(checks, l.healthChecks)
	l.mu.RUnlock()

	results := make([]error, len(checks))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range checks {
		i, c := i, c
		g.Go(func() error {
			results[i] = c.Probe(gctx)
			return nil
		})
	}
	_ = g.Wait() // per-check errors are collected in results, not propagated

	status := HealthStatus{Healthy: true, Checks: make(map[string]error, len(checks))}
	for i, c := range checks {
		status.Checks[c.Name] = results[i]
		if results[i] != nil {
			status.Healthy = false
		}
	}
	return status
}
