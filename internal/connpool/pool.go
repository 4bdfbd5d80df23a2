// Package connpool bounds and recycles authenticated broker sessions.
package connpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"github.com/meridianfx/execgate/errs"
	"github.com/meridianfx/execgate/internal/broker"
	"github.com/meridianfx/execgate/internal/observability"
)

// State is the lifecycle state of a pooled connection.
type State string

const (
	// StateAvailable marks a connection ready for reuse.
	StateAvailable State = "AVAILABLE"
	// StateInUse marks a connection held by a caller.
	StateInUse State = "IN_USE"
	// StateUnhealthy marks a connection that failed its last health check.
	StateUnhealthy State = "UNHEALTHY"
	// StateClosed marks a destroyed connection.
	StateClosed State = "CLOSED"
)

const unhealthyEvictionErrorRate = 0.5

// PooledConnection is a reusable authenticated session bound to one account.
// Lifecycle state is owned by the pool; the holder may only use Client and
// Metrics while the connection is IN_USE.
type PooledConnection struct {
	ID        string
	AccountID string

	client  *broker.Client
	metrics *ConnectionMetrics

	// guarded by the owning pool's lock
	state           State
	healthy         bool
	lastHealthCheck time.Time
}

// Client returns the underlying REST client.
func (c *PooledConnection) Client() *broker.Client { return c.client }

// Metrics returns the connection usage counters.
func (c *PooledConnection) Metrics() *ConnectionMetrics { return c.metrics }

// Config carries pool construction knobs.
type Config struct {
	Size                int
	MaxIdleTime         time.Duration
	AcquireTimeout      time.Duration
	HealthCheckWindow   time.Duration
	MaintenanceInterval time.Duration
	ClientConfig        broker.ClientConfig
}

func (c Config) withDefaults() Config {
	if c.Size <= 0 {
		c.Size = 5
	}
	if c.MaxIdleTime <= 0 {
		c.MaxIdleTime = 5 * time.Minute
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 5 * time.Second
	}
	if c.HealthCheckWindow <= 0 {
		c.HealthCheckWindow = 30 * time.Second
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = 60 * time.Second
	}
	return c
}

// Pool maintains a bounded set of broker sessions with health-aware reuse.
type Pool struct {
	cfg  Config
	auth broker.Authenticator

	mu       sync.Mutex
	conns    map[string]*PooledConnection
	released chan struct{}
	closed   bool

	runtime *observability.RuntimeMetrics

	cancel context.CancelFunc
	loops  conc.WaitGroup
}

// New constructs a pool and starts its maintenance loop.
func New(auth broker.Authenticator, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:      cfg,
		auth:     auth,
		conns:    make(map[string]*PooledConnection, cfg.Size),
		released: make(chan struct{}, 1),
		runtime:  observability.NewRuntimeMetrics(),
		cancel:   cancel,
	}
	p.loops.Go(func() { p.maintenanceLoop(ctx) })
	return p
}

// Acquire returns a healthy connection for the account, creating one when
// the pool has capacity and waiting for a release otherwise. The only
// caller-visible failures are an acquisition timeout and a failure to obtain
// an authenticated session.
func (p *Pool) Acquire(ctx context.Context, accountID string) (*PooledConnection, error) {
	deadline := time.Now().Add(p.cfg.AcquireTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	for {
		conn, create, err := p.claim(accountID)
		if err != nil {
			return nil, err
		}

		if conn != nil {
			if p.ensureHealthy(ctx, conn) {
				conn.metrics.Record(0, false)
				return conn, nil
			}
			// claim marked it IN_USE; hand it back as unhealthy and try again
			p.markUnhealthy(conn)
			continue
		}

		if create {
			conn, err := p.create(ctx, accountID)
			if err != nil {
				return nil, err
			}
			if conn == nil {
				// lost the capacity race; fall through to wait
				continue
			}
			return conn, nil
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			p.recordTimeout()
			return nil, errs.New("pool", errs.CodeTimeout,
				errs.WithMessage(fmt.Sprintf("no connection available within %s", p.cfg.AcquireTimeout)),
				errs.WithCanonicalCode(errs.CanonicalPoolExhausted))
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.recordTimeout()
			return nil, errs.New("pool", errs.CodeTimeout,
				errs.WithMessage("acquire cancelled"), errs.WithCause(ctx.Err()),
				errs.WithCanonicalCode(errs.CanonicalPoolExhausted))
		case <-p.released:
			timer.Stop()
		case <-timer.C:
			p.recordTimeout()
			return nil, errs.New("pool", errs.CodeTimeout,
				errs.WithMessage(fmt.Sprintf("no connection available within %s", p.cfg.AcquireTimeout)),
				errs.WithCanonicalCode(errs.CanonicalPoolExhausted))
		}
	}
}

// claim either reserves an AVAILABLE connection for the account (returned
// IN_USE), reports capacity for a new connection, or reports that the caller
// must wait.
func (p *Pool) claim(accountID string) (*PooledConnection, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false, errs.New("pool", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}
	for _, conn := range p.conns {
		if conn.AccountID == accountID && conn.state == StateAvailable {
			conn.state = StateInUse
			return conn, false, nil
		}
	}
	if len(p.conns) < p.cfg.Size {
		return nil, true, nil
	}
	return nil, false, nil
}

// Release returns an IN_USE connection to the pool. Connections closed
// during use stay closed.
func (p *Pool) Release(conn *PooledConnection) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	if conn.state == StateInUse {
		conn.state = StateAvailable
	}
	p.mu.Unlock()
	p.notifyReleased()
}

// WithConnection acquires a connection, invokes fn, and releases the
// connection on return regardless of fn's outcome.
func (p *Pool) WithConnection(ctx context.Context, accountID string, fn func(*PooledConnection) error) error {
	conn, err := p.Acquire(ctx, accountID)
	if err != nil {
		return err
	}
	defer p.Release(conn)
	return fn(conn)
}

// ensureHealthy runs the windowed health check on a claimed connection. The
// pool lock is never held across the network call.
func (p *Pool) ensureHealthy(ctx context.Context, conn *PooledConnection) bool {
	p.mu.Lock()
	within := time.Since(conn.lastHealthCheck) < p.cfg.HealthCheckWindow
	healthy := conn.healthy
	p.mu.Unlock()
	if within {
		return healthy
	}
	return p.healthCheck(ctx, conn)
}

func (p *Pool) healthCheck(ctx context.Context, conn *PooledConnection) bool {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	_, err := conn.client.CheckAccount(checkCtx)
	cancel()

	p.mu.Lock()
	conn.lastHealthCheck = time.Now()
	conn.healthy = err == nil
	p.mu.Unlock()

	if err != nil {
		conn.metrics.RecordError()
		p.runtime.RecordHealthCheckFailure()
		observability.Log().Warn("connection health check failed",
			observability.F("conn_id", conn.ID),
			observability.F("account", conn.AccountID),
			observability.F("error", err.Error()),
		)
		return false
	}
	return true
}

func (p *Pool) markUnhealthy(conn *PooledConnection) {
	p.mu.Lock()
	if conn.state != StateClosed {
		conn.state = StateUnhealthy
	}
	p.mu.Unlock()
}

func (p *Pool) create(ctx context.Context, accountID string) (*PooledConnection, error) {
	session, err := p.auth.Authenticate(ctx, accountID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	conn := &PooledConnection{
		ID:              uuid.NewString(),
		AccountID:       accountID,
		client:          broker.NewClient(session, p.cfg.ClientConfig),
		metrics:         newConnectionMetrics(now),
		state:           StateInUse,
		healthy:         true,
		lastHealthCheck: now,
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errs.New("pool", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}
	if len(p.conns) >= p.cfg.Size {
		// lost the capacity race; caller loops and waits
		p.mu.Unlock()
		return nil, nil
	}
	p.conns[conn.ID] = conn
	p.mu.Unlock()

	p.runtime.RecordConnectionCreated()
	observability.Log().Info("connection created",
		observability.F("conn_id", conn.ID),
		observability.F("account", accountID),
	)
	return conn, nil
}

func (p *Pool) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.maintain(ctx)
		}
	}
}

// maintain health-checks idle connections and evicts the unhealthy and the
// stale. Health check failures never escape the loop.
func (p *Pool) maintain(ctx context.Context) {
	p.mu.Lock()
	candidates := make([]*PooledConnection, 0, len(p.conns))
	for _, conn := range p.conns {
		if conn.state != StateInUse && conn.state != StateClosed {
			candidates = append(candidates, conn)
		}
	}
	p.mu.Unlock()

	for _, conn := range candidates {
		healthy := p.healthCheck(ctx, conn)

		p.mu.Lock()
		switch {
		case conn.state == StateInUse || conn.state == StateClosed:
			// grabbed or destroyed while we were checking
		case !healthy:
			conn.state = StateUnhealthy
		case conn.state == StateUnhealthy:
			conn.state = StateAvailable
		}
		p.mu.Unlock()
	}

	now := time.Now()
	p.mu.Lock()
	var evict []*PooledConnection
	for _, conn := range p.conns {
		switch conn.state {
		case StateUnhealthy:
			if conn.metrics.ErrorRate() > unhealthyEvictionErrorRate {
				evict = append(evict, conn)
			}
		case StateAvailable:
			if now.Sub(conn.metrics.lastUsed()) > p.cfg.MaxIdleTime {
				evict = append(evict, conn)
			}
		}
	}
	p.mu.Unlock()

	for _, conn := range evict {
		p.destroy(conn, "maintenance eviction")
	}

	p.exportGauges()
}

func (p *Pool) exportGauges() {
	stats := p.Stats()
	p.runtime.RecordStateCount(string(StateInUse), stats.InUse)
	p.runtime.RecordStateCount(string(StateAvailable), stats.Available)
	p.runtime.RecordStateCount(string(StateUnhealthy), stats.Unhealthy)
	observability.Telemetry().SetGauge("pool_connections_in_use", float64(stats.InUse), nil)
	observability.Telemetry().SetGauge("pool_connections_available", float64(stats.Available), nil)
	observability.Telemetry().SetGauge("pool_connections_unhealthy", float64(stats.Unhealthy), nil)
}

func (p *Pool) destroy(conn *PooledConnection, reason string) {
	p.mu.Lock()
	if conn.state == StateClosed {
		p.mu.Unlock()
		return
	}
	conn.state = StateClosed
	delete(p.conns, conn.ID)
	p.mu.Unlock()

	p.runtime.RecordConnectionDestroyed()
	p.notifyReleased()
	observability.Log().Info("connection destroyed",
		observability.F("conn_id", conn.ID),
		observability.F("reason", reason),
	)
}

// Close stops the maintenance loop and destroys all tracked connections.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	conns := make([]*PooledConnection, 0, len(p.conns))
	for _, conn := range p.conns {
		conns = append(conns, conn)
	}
	p.mu.Unlock()

	p.cancel()
	p.loops.Wait()

	for _, conn := range conns {
		p.destroy(conn, "pool shutdown")
	}
}

// Stats reports the current pool composition and lifecycle counters.
func (p *Pool) Stats() Stats {
	snapshot := p.runtime.Snapshot()

	p.mu.Lock()
	defer p.mu.Unlock()
	stats := Stats{
		Size:                 p.cfg.Size,
		Tracked:              len(p.conns),
		ConnectionsCreated:   snapshot.ConnectionsCreated,
		ConnectionsDestroyed: snapshot.ConnectionsDestroyed,
		AcquireTimeouts:      snapshot.AcquireTimeouts,
	}
	for _, conn := range p.conns {
		switch conn.state {
		case StateInUse:
			stats.InUse++
		case StateAvailable:
			stats.Available++
		case StateUnhealthy:
			stats.Unhealthy++
		}
	}
	return stats
}

// RuntimeSnapshot copies the accumulated lifecycle counters, including
// health-check failures and the last exported per-state counts.
func (p *Pool) RuntimeSnapshot() observability.PoolMetricsSnapshot {
	return p.runtime.Snapshot()
}

func (p *Pool) recordTimeout() {
	p.runtime.RecordAcquireTimeout()
}

func (p *Pool) notifyReleased() {
	select {
	case p.released <- struct{}{}:
	default:
	}
}
