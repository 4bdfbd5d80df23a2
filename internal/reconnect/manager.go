// Package reconnect drives automatic recovery of logical broker connections
// through a per-id state machine with exponential backoff and a circuit
// breaker guarding against reconnection storms.
package reconnect

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"

	"github.com/meridianfx/execgate/internal/observability"
)

// State is the connectivity state of one logical connection id.
type State string

const (
	StateConnected    State = "CONNECTED"
	StateDisconnected State = "DISCONNECTED"
	StateReconnecting State = "RECONNECTING"
	StateFailed       State = "FAILED"
)

// ReconnectFunc re-establishes a logical connection, typically by
// re-authenticating and refreshing a pool entry. It must honor ctx.
type ReconnectFunc func(ctx context.Context) error

// Attempt records one invocation of a ReconnectFunc inside a loop.
type Attempt struct {
	Number  int
	Success bool
	Elapsed time.Duration
	Error   string
	At      time.Time
}

// Stats accumulates reconnection outcomes for one logical connection id.
// Updated only by that id's reconnection loop.
type Stats struct {
	Attempts       int64
	Successes      int64
	Failures       int64
	TotalReconnect time.Duration
	FailureReasons map[string]int64
	LastError      string
}

// SuccessRate is the fraction of attempts that reconnected.
func (s Stats) SuccessRate() float64 {
	if s.Attempts == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Attempts)
}

// AverageReconnectTime is the mean elapsed time of successful attempts.
func (s Stats) AverageReconnectTime() time.Duration {
	if s.Successes == 0 {
		return 0
	}
	return s.TotalReconnect / time.Duration(s.Successes)
}

func (s Stats) clone() Stats {
	out := s
	out.FailureReasons = make(map[string]int64, len(s.FailureReasons))
	for reason, n := range s.FailureReasons {
		out.FailureReasons[reason] = n
	}
	return out
}

// Config carries manager construction knobs.
type Config struct {
	MaxRetries        int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffFactor     float64
	CircuitResetAfter time.Duration
	SweepInterval     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.BackoffFactor <= 1 {
		c.BackoffFactor = 2
	}
	if c.CircuitResetAfter <= 0 {
		c.CircuitResetAfter = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	return c
}

// entry is the registry slot for one logical connection id. All fields are
// guarded by the manager lock; the loop generation fences writes from a
// superseded loop.
type entry struct {
	id       string
	fn       ReconnectFunc
	state    State
	gen      uint64
	cancel   context.CancelFunc
	circuit  bool
	openedAt time.Time
	stats    Stats
	attempts []Attempt
}

// Manager owns the per-connection state registry and reconnection loops.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*entry

	listenerMu sync.RWMutex
	listeners  []Listener

	ctx    context.Context
	cancel context.CancelFunc
	loops  conc.WaitGroup
}

// New constructs a manager and starts the circuit breaker sweep loop.
func New(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:     cfg,
		entries: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
	m.loops.Go(func() { m.sweepLoop(ctx) })
	return m
}

// Subscribe registers a listener for connectivity events.
func (m *Manager) Subscribe(l Listener) {
	if l == nil {
		return
	}
	m.listenerMu.Lock()
	m.listeners = append(m.listeners, l)
	m.listenerMu.Unlock()
}

// Register initializes tracking for a logical connection id: state
// CONNECTED, stats zeroed, circuit closed. Re-registering an id replaces its
// slot and cancels any loop running for it.
func (m *Manager) Register(id string, fn ReconnectFunc) {
	m.mu.Lock()
	if prev, ok := m.entries[id]; ok && prev.cancel != nil {
		prev.cancel()
	}
	m.entries[id] = &entry{
		id:    id,
		fn:    fn,
		state: StateConnected,
		stats: Stats{FailureReasons: make(map[string]int64)},
	}
	m.mu.Unlock()
}

// HandleDisconnection reacts to a lost connection: it transitions the id to
// DISCONNECTED and starts a fresh reconnection loop, cancelling any loop
// already running for the id. Returns false without acting when the id is
// unknown or its circuit breaker is open.
func (m *Manager) HandleDisconnection(id, detail string) bool {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok || e.circuit {
		m.mu.Unlock()
		return false
	}
	if e.cancel != nil {
		e.cancel()
	}
	loopCtx, cancel := context.WithCancel(m.ctx)
	e.cancel = cancel
	e.gen++
	gen := e.gen
	e.state = StateDisconnected
	m.mu.Unlock()

	m.emit(Event{Kind: EventConnectionLost, ConnectionID: id, Detail: detail})
	m.loops.Go(func() { m.reconnectLoop(loopCtx, e, gen, detail) })
	return true
}

// TriggerManualReconnection force-closes the circuit breaker for an id and
// starts a reconnection loop. This is the only path out of FAILED besides
// the timed sweep.
func (m *Manager) TriggerManualReconnection(id string) bool {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	e.circuit = false
	m.mu.Unlock()

	m.emit(Event{Kind: EventManualReconnection, ConnectionID: id})
	return m.HandleDisconnection(id, "manual trigger")
}

// reconnectLoop runs attempts 1..MaxRetries with exponential backoff between
// attempts. The generation fence keeps a superseded loop from touching the
// entry after a newer loop took over.
func (m *Manager) reconnectLoop(ctx context.Context, e *entry, gen uint64, detail string) {
	if !m.transition(e, gen, StateReconnecting) {
		return
	}
	m.emit(Event{Kind: EventReconnectionStarted, ConnectionID: e.id, Detail: detail})

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = m.cfg.InitialDelay
	backoffCfg.Multiplier = m.cfg.BackoffFactor
	backoffCfg.MaxInterval = m.cfg.MaxDelay
	backoffCfg.RandomizationFactor = 0

	for attempt := 1; attempt <= m.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			sleep := backoffCfg.NextBackOff()
			if sleep == backoff.Stop {
				break
			}
			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		start := time.Now()
		err := e.fn(ctx)
		elapsed := time.Since(start)
		if ctx.Err() != nil {
			// superseded or shut down; outcome belongs to nobody
			return
		}

		m.record(e, gen, Attempt{
			Number:  attempt,
			Success: err == nil,
			Elapsed: elapsed,
			Error:   errText(err),
			At:      start,
		})

		if err == nil {
			if m.transition(e, gen, StateConnected) {
				m.emit(Event{Kind: EventReconnectionSuccess, ConnectionID: e.id, Attempts: attempt, Elapsed: elapsed})
			}
			return
		}

		observability.Log().Warn("reconnection attempt failed",
			observability.F("conn_id", e.id),
			observability.F("attempt", attempt),
			observability.F("error", err.Error()),
		)
	}

	m.mu.Lock()
	if e.gen == gen {
		e.state = StateFailed
		e.circuit = true
		e.openedAt = time.Now()
	}
	failed := e.gen == gen
	m.mu.Unlock()

	if failed {
		m.emit(Event{Kind: EventReconnectionFailed, ConnectionID: e.id, Attempts: m.cfg.MaxRetries, Detail: detail})
	}
}

// ResetCircuitBreakers closes every circuit whose cooldown has elapsed.
// Returns the ids reset.
func (m *Manager) ResetCircuitBreakers() []string {
	now := time.Now()
	m.mu.Lock()
	var reset []string
	for id, e := range m.entries {
		if e.circuit && now.Sub(e.openedAt) >= m.cfg.CircuitResetAfter {
			e.circuit = false
			reset = append(reset, id)
		}
	}
	m.mu.Unlock()

	for _, id := range reset {
		observability.Log().Info("circuit breaker reset", observability.F("conn_id", id))
	}
	return reset
}

// State reports the current state for an id; ok is false for unknown ids.
func (m *Manager) State(id string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return "", false
	}
	return e.state, true
}

// CircuitOpen reports whether the id's circuit breaker is open.
func (m *Manager) CircuitOpen(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	return ok && e.circuit
}

// Stats returns a copy of the accumulated reconnection stats for an id.
func (m *Manager) Stats(id string) (Stats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return Stats{}, false
	}
	return e.stats.clone(), true
}

// Attempts returns the recorded attempt history for an id.
func (m *Manager) Attempts(id string) []Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil
	}
	out := make([]Attempt, len(e.attempts))
	copy(out, e.attempts)
	return out
}

// Shutdown cancels all reconnection loops, waits for them, and clears the
// registry.
func (m *Manager) Shutdown() {
	m.cancel()
	m.loops.Wait()

	m.mu.Lock()
	m.entries = make(map[string]*entry)
	m.mu.Unlock()
}

func (m *Manager) transition(e *entry, gen uint64, to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.gen != gen {
		return false
	}
	e.state = to
	return true
}

func (m *Manager) record(e *entry, gen uint64, attempt Attempt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.gen != gen {
		return
	}
	e.attempts = append(e.attempts, attempt)
	e.stats.Attempts++
	if attempt.Success {
		e.stats.Successes++
		e.stats.TotalReconnect += attempt.Elapsed
	} else {
		e.stats.Failures++
		e.stats.FailureReasons[attempt.Error]++
		e.stats.LastError = attempt.Error
	}
}

func (m *Manager) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ResetCircuitBreakers()
		}
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
