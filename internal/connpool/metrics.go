package connpool

import (
	"sync"
	"time"
)

// ConnectionMetrics accumulates per-connection usage counters. The current
// holder of an IN_USE connection mutates them through Record; all other
// access goes through the pool lock.
type ConnectionMetrics struct {
	mu                sync.Mutex
	CreatedAt         time.Time
	LastUsedAt        time.Time
	RequestCount      int64
	ErrorCount        int64
	TotalResponseTime time.Duration
}

func newConnectionMetrics(now time.Time) *ConnectionMetrics {
	return &ConnectionMetrics{CreatedAt: now, LastUsedAt: now}
}

// Record notes one request issued through the connection.
func (m *ConnectionMetrics) Record(elapsed time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount++
	m.TotalResponseTime += elapsed
	m.LastUsedAt = time.Now()
	if failed {
		m.ErrorCount++
	}
}

// RecordError notes a failure that produced no response, such as a failed
// health check.
func (m *ConnectionMetrics) RecordError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ErrorCount++
}

// AverageResponseTime derives the mean response time across all requests.
func (m *ConnectionMetrics) AverageResponseTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RequestCount == 0 {
		return 0
	}
	return m.TotalResponseTime / time.Duration(m.RequestCount)
}

// ErrorRate derives the fraction of requests that failed. A connection that
// has only ever failed, such as one with nothing but health-check errors,
// rates 1.
func (m *ConnectionMetrics) ErrorRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RequestCount > 0 {
		rate := float64(m.ErrorCount) / float64(m.RequestCount)
		if rate > 1 {
			return 1
		}
		return rate
	}
	if m.ErrorCount > 0 {
		return 1
	}
	return 0
}

func (m *ConnectionMetrics) lastUsed() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.LastUsedAt
}

// Stats summarises pool-wide lifecycle counters for observability.
type Stats struct {
	Size                 int
	Tracked              int
	InUse                int
	Available            int
	Unhealthy            int
	ConnectionsCreated   int64
	ConnectionsDestroyed int64
	AcquireTimeouts      int64
}
