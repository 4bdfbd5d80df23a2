package executor

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle status of an order submission.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusFilled          Status = "FILLED"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusRejected        Status = "REJECTED"
	StatusCancelled       Status = "CANCELLED"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderResult is the outcome of one submission attempt, keyed by client
// order id. Results are immutable after reaching a terminal status, with one
// exception: the fills handler moves FILLED to PARTIALLY_FILLED when a fill
// turns out to cover only part of the requested quantity.
type OrderResult struct {
	ClientOrderID   string
	AccountID       string
	CorrelationID   string
	BrokerOrderID   string
	TransactionID   string
	Status          Status
	Instrument      string
	Units           decimal.Decimal // signed: positive buys, negative sells
	Side            Side
	FillPrice       decimal.Decimal
	FilledUnits     decimal.Decimal
	RemainingUnits  decimal.Decimal
	Latency         time.Duration
	RejectionReason string
	RejectionCode   string
	RejectionDetail string
	SubmittedAt     time.Time
}

// ResultStore is the idempotent, append-only registry of submission outcomes.
type ResultStore struct {
	mu      sync.RWMutex
	results map[string]*OrderResult
}

// NewResultStore constructs an empty registry.
func NewResultStore() *ResultStore {
	return &ResultStore{results: make(map[string]*OrderResult)}
}

// Put stores the result unless an entry for its client order id already
// exists. Returns false on the duplicate.
func (s *ResultStore) Put(result OrderResult) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.results[result.ClientOrderID]; exists {
		return false
	}
	copied := result
	s.results[result.ClientOrderID] = &copied
	return true
}

// Get looks up a stored result by client order id.
func (s *ResultStore) Get(clientOrderID string) (OrderResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.results[clientOrderID]
	if !ok {
		return OrderResult{}, false
	}
	return *result, true
}

// MarkPartiallyFilled downgrades a FILLED or PENDING result to
// PARTIALLY_FILLED and records the observed quantities. Any other current
// status is left untouched.
func (s *ResultStore) MarkPartiallyFilled(clientOrderID string, filled, remaining decimal.Decimal) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, ok := s.results[clientOrderID]
	if !ok {
		return false
	}
	if result.Status != StatusFilled && result.Status != StatusPending {
		return false
	}
	result.Status = StatusPartiallyFilled
	result.FilledUnits = filled
	result.RemainingUnits = remaining
	return true
}

// Len reports the number of stored results.
func (s *ResultStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.results)
}

// ExecutionMetrics aggregates submission outcomes for observability reads.
type ExecutionMetrics struct {
	mu           sync.Mutex
	target       time.Duration
	total        int64
	filled       int64
	rejected     int64
	pending      int64
	underTarget  int64
	totalLatency time.Duration
	minLatency   time.Duration
	maxLatency   time.Duration
}

func newExecutionMetrics(target time.Duration) *ExecutionMetrics {
	if target <= 0 {
		target = 100 * time.Millisecond
	}
	return &ExecutionMetrics{target: target}
}

func (m *ExecutionMetrics) observe(status Status, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total++
	switch status {
	case StatusFilled:
		m.filled++
	case StatusRejected:
		m.rejected++
	default:
		m.pending++
	}
	m.totalLatency += latency
	if latency < m.target {
		m.underTarget++
	}
	if m.minLatency == 0 || latency < m.minLatency {
		m.minLatency = latency
	}
	if latency > m.maxLatency {
		m.maxLatency = latency
	}
}

// ExecutionSnapshot is a point-in-time read of the aggregate metrics.
type ExecutionSnapshot struct {
	Total               int64
	Filled              int64
	Rejected            int64
	Pending             int64
	FillRate            float64
	RejectionRate       float64
	AverageLatency      time.Duration
	MinLatency          time.Duration
	MaxLatency          time.Duration
	UnderTargetFraction float64
}

// Snapshot copies the current aggregates.
func (m *ExecutionMetrics) Snapshot() ExecutionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := ExecutionSnapshot{
		Total:      m.total,
		Filled:     m.filled,
		Rejected:   m.rejected,
		Pending:    m.pending,
		MinLatency: m.minLatency,
		MaxLatency: m.maxLatency,
	}
	if m.total > 0 {
		snap.FillRate = float64(m.filled) / float64(m.total)
		snap.RejectionRate = float64(m.rejected) / float64(m.total)
		snap.AverageLatency = m.totalLatency / time.Duration(m.total)
		snap.UnderTargetFraction = float64(m.underTarget) / float64(m.total)
	}
	return snap
}
