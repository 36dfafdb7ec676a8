package transport

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

// Pooled is satisfied by any stream transport (TCP/Unix) connection the
// pool can health-check and reuse.
type Pooled interface {
	Transport
	// IsConnected is a cheap liveness probe distinct from State(), letting
	// validate-on-borrow catch connections whose peer vanished without a
	// failed Send/Receive yet being observed.
	IsConnected() bool
}

// Factory creates a new Pooled connection to endpoint.
type Factory func(ctx context.Context, endpoint string) (Pooled, error)

// PoolConfig configures a Pool, per spec §4.1's connection-pool invariants.
type PoolConfig struct {
	MaxConnections     int
	MaxIdleTime        time.Duration
	HealthCheckInterval time.Duration
	ValidateOnBorrow   bool // off unless set; withDefaults does not turn it on
	ValidateOnReturn   bool // default false
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 10
	}
	if c.MaxIdleTime <= 0 {
		c.MaxIdleTime = 5 * time.Minute
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	return c
}

// poolEntry wraps a pooled connection with its last-used timestamp for the
// idle reaper.
type poolEntry struct {
	conn     Pooled
	lastUsed time.Time
}

// endpointPool is the per-endpoint idle list + capacity semaphore.
type endpointPool struct {
	mu    sync.Mutex
	idle  *list.List // of *poolEntry
	sem   chan struct{}
	peak  int
	count int
}

// Pool is a keyed (by endpoint) connection pool for shared stream
// transports, grounded on original_source/crates/turbomcp-transport/src/
// pool.rs: a semaphore gates outstanding borrows, idle connections older
// than MaxIdleTime are reaped by a periodic maintenance tick, and
// validate-on-borrow/return discard unhealthy entries rather than reusing
// them.
type Pool struct {
	cfg     PoolConfig
	factory Factory

	mu   sync.Mutex
	pools map[string]*endpointPool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewPool builds a Pool. factory is called (without holding any pool locks)
// whenever a fresh connection is needed.
func NewPool(cfg PoolConfig, factory Factory) *Pool {
	p := &Pool{
		cfg:     cfg.withDefaults(),
		factory: factory,
		pools:   make(map[string]*endpointPool),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.maintain()
	return p
}

func (p *Pool) endpointPoolFor(endpoint string) *endpointPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep, ok := p.pools[endpoint]
	if !ok {
		ep = &endpointPool{idle: list.New(), sem: make(chan struct{}, p.cfg.MaxConnections)}
		p.pools[endpoint] = ep
	}
	return ep
}

// Borrow acquires a permit and returns a live connection to endpoint,
// creating one if the idle list is empty. The caller must call Return (or
// Discard, on a connection it knows is broken) exactly once.
func (p *Pool) Borrow(ctx context.Context, endpoint string) (Pooled, error) {
	ep := p.endpointPoolFor(endpoint)

	select {
	case ep.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for {
		ep.mu.Lock()
		front := ep.idle.Front()
		if front == nil {
			ep.mu.Unlock()
			break
		}
		entry := ep.idle.Remove(front).(*poolEntry)
		ep.mu.Unlock()

		if p.cfg.ValidateOnBorrow && !entry.conn.IsConnected() {
			_ = entry.conn.Disconnect(ctx)
			continue // discard and keep looking / fall through to create
		}
		return entry.conn, nil
	}

	conn, err := p.factory(ctx, endpoint)
	if err != nil {
		<-ep.sem // release the permit we never used
		return nil, fmt.Errorf("transport: pool factory for %s: %w", endpoint, err)
	}
	ep.mu.Lock()
	ep.count++
	if ep.count > ep.peak {
		ep.peak = ep.count
	}
	ep.mu.Unlock()
	return conn, nil
}

// Return releases conn back to the idle list for reuse, releasing its
// permit. If ValidateOnReturn is set and the connection fails the check,
// it is discarded instead.
func (p *Pool) Return(ctx context.Context, endpoint string, conn Pooled) {
	ep := p.endpointPoolFor(endpoint)
	defer func() { <-ep.sem }()

	if p.cfg.ValidateOnReturn && !conn.IsConnected() {
		_ = conn.Disconnect(ctx)
		ep.mu.Lock()
		ep.count--
		ep.mu.Unlock()
		return
	}

	ep.mu.Lock()
	ep.idle.PushBack(&poolEntry{conn: conn, lastUsed: time.Now()})
	ep.mu.Unlock()
}

// Discard releases conn's permit without returning it to the idle list, for
// callers that know the connection is unusable.
func (p *Pool) Discard(ctx context.Context, endpoint string, conn Pooled) {
	ep := p.endpointPoolFor(endpoint)
	_ = conn.Disconnect(ctx)
	ep.mu.Lock()
	ep.count--
	ep.mu.Unlock()
	<-ep.sem
}

// Stats reports the pool's current occupancy for endpoint.
type Stats struct {
	Idle                      int
	InUse                     int
	PeakConcurrentConnections int
}

// Stats returns current statistics for endpoint.
func (p *Pool) Stats(endpoint string) Stats {
	ep := p.endpointPoolFor(endpoint)
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return Stats{
		Idle:                      ep.idle.Len(),
		InUse:                     len(ep.sem),
		PeakConcurrentConnections: ep.peak,
	}
}

func (p *Pool) maintain() {
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	defer close(p.done)
	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.stop:
			return
		}
	}
}

func (p *Pool) reapIdle() {
	p.mu.Lock()
	pools := make([]*endpointPool, 0, len(p.pools))
	for _, ep := range p.pools {
		pools = append(pools, ep)
	}
	p.mu.Unlock()

	cutoff := time.Now().Add(-p.cfg.MaxIdleTime)
	for _, ep := range pools {
		ep.mu.Lock()
		var next *list.Element
		for e := ep.idle.Front(); e != nil; e = next {
			next = e.Next()
			entry := e.Value.(*poolEntry)
			if entry.lastUsed.Before(cutoff) {
				ep.idle.Remove(e)
				ep.count--
				go func(c Pooled) { _ = c.Disconnect(context.Background()) }(entry.conn)
			}
		}
		ep.mu.Unlock()
	}
}

// Close stops the maintenance task. It does not close pooled connections
// still checked out; callers are expected to have drained in-flight work
// before calling Close (mirroring session.Lifecycle's drain contract).
func (p *Pool) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done
}
