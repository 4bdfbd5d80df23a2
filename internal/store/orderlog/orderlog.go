// Package orderlog defines the append-only audit log consumed by the
// execution pipeline. Implementations persist records for downstream audit
// and analytics collaborators; writes are fire-and-forget from the caller's
// point of view.
package orderlog

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ResultRecord is the persisted form of one order submission outcome.
type ResultRecord struct {
	ClientOrderID   string
	CorrelationID   string
	BrokerOrderID   string
	TransactionID   string
	Status          string
	Instrument      string
	Side            string
	Units           decimal.Decimal
	FilledUnits     decimal.Decimal
	RemainingUnits  decimal.Decimal
	FillPrice       decimal.Decimal
	LatencyMicros   int64
	RejectionReason string
	RejectionCode   string
	SubmittedAt     time.Time
}

// FillRecord is the persisted form of one partial-fill event.
type FillRecord struct {
	ClientOrderID  string
	FilledUnits    decimal.Decimal
	RemainingUnits decimal.Decimal
	Price          decimal.Decimal
	At             time.Time
}

// RetryRecord links a retry submission back to the order it retries.
type RetryRecord struct {
	OriginalOrderID string
	RetryOrderID    string
	Attempt         int
	Outcome         string
	At              time.Time
}

// Store is the audit-log boundary.
type Store interface {
	RecordResult(ctx context.Context, record ResultRecord) error
	RecordFill(ctx context.Context, record FillRecord) error
	RecordRetry(ctx context.Context, record RetryRecord) error
	Close()
}

// NopStore discards every record. Used when no database is configured.
type NopStore struct{}

func (NopStore) RecordResult(context.Context, ResultRecord) error { return nil }
func (NopStore) RecordFill(context.Context, FillRecord) error     { return nil }
func (NopStore) RecordRetry(context.Context, RetryRecord) error   { return nil }
func (NopStore) Close()                                           {}
