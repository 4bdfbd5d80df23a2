package observability

import "sync"

// Metrics provides counters, gauges, and histogram recording primitives.
type Metrics interface {
	IncCounter(name string, value float64, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

var defaultMetrics Metrics = noopMetrics{}

// SetMetrics overrides the global metrics implementation used by the system.
func SetMetrics(metrics Metrics) {
	if metrics == nil {
		defaultMetrics = noopMetrics{}
		return
	}
	defaultMetrics = metrics
}

// Telemetry returns the current global metrics collector.
func Telemetry() Metrics {
	return defaultMetrics
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, float64, map[string]string)       {}
func (noopMetrics) ObserveHistogram(string, float64, map[string]string) {}
func (noopMetrics) SetGauge(string, float64, map[string]string)         {}

// PoolMetricsSnapshot captures connection-pool runtime counters.
type PoolMetricsSnapshot struct {
	ConnectionsCreated   int64          `json:"connections_created"`
	ConnectionsDestroyed int64          `json:"connections_destroyed"`
	AcquireTimeouts      int64          `json:"acquire_timeouts"`
	HealthCheckFailures  int64          `json:"health_check_failures"`
	StateCounts          map[string]int `json:"state_counts"`
}

// RuntimeMetrics accumulates gateway metrics in-memory for periodic export.
type RuntimeMetrics struct {
	mu   sync.Mutex
	pool PoolMetricsSnapshot
}

// NewRuntimeMetrics constructs a metrics accumulator with empty maps.
func NewRuntimeMetrics() *RuntimeMetrics {
	metrics := new(RuntimeMetrics)
	metrics.pool.StateCounts = make(map[string]int)
	return metrics
}

// RecordConnectionCreated increments the pool creation counter.
func (m *RuntimeMetrics) RecordConnectionCreated() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pool.ConnectionsCreated++
}

// RecordConnectionDestroyed increments the pool destruction counter.
func (m *RuntimeMetrics) RecordConnectionDestroyed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pool.ConnectionsDestroyed++
}

// RecordAcquireTimeout increments the acquisition timeout counter.
func (m *RuntimeMetrics) RecordAcquireTimeout() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pool.AcquireTimeouts++
}

// RecordHealthCheckFailure increments the failed health check counter.
func (m *RuntimeMetrics) RecordHealthCheckFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pool.HealthCheckFailures++
}

// RecordStateCount tracks the latest per-state connection count.
func (m *RuntimeMetrics) RecordStateCount(state string, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pool.StateCounts[state] = count
}

// Snapshot copies the current pool metrics state for reporting.
func (m *RuntimeMetrics) Snapshot() PoolMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := m.pool
	snapshot.StateCounts = make(map[string]int, len(m.pool.StateCounts))
	for k, v := range m.pool.StateCounts {
		snapshot.StateCounts[k] = v
	}
	return snapshot
}
