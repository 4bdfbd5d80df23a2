// Package postgres persists the order audit log. It implements
// orderlog.Store on top of a pgx connection pool with schema managed by
// embedded golang-migrate migrations.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for migrations
	"github.com/shopspring/decimal"

	dbmigrations "github.com/meridianfx/execgate/db/migrations"
	"github.com/meridianfx/execgate/internal/observability"
	"github.com/meridianfx/execgate/internal/store/orderlog"
)

// Store is the PostgreSQL-backed order audit log.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a connection pool against dsn and verifies it.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open order log pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping order log: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate applies the embedded schema migrations to the database at dsn.
func Migrate(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migrations connection: %w", err)
	}
	defer func() {
		_ = db.Close()
	}()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping migrations database: %w", err)
	}

	driver, err := pgxv5.WithInstance(db, &pgxv5.Config{})
	if err != nil {
		return fmt.Errorf("initialise pgx v5 driver: %w", err)
	}
	source, err := iofs.New(dbmigrations.Files, ".")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("initialise migrate instance: %w", err)
	}
	defer func() {
		_, _ = m.Close()
	}()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			observability.Log().Info("order log schema up-to-date")
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}
	observability.Log().Info("order log schema migrated")
	return nil
}

const (
	resultInsertSQL = `
INSERT INTO order_results (
    client_order_id,
    correlation_id,
    broker_order_id,
    transaction_id,
    status,
    instrument,
    side,
    units,
    filled_units,
    remaining_units,
    fill_price,
    latency_micros,
    rejection_reason,
    rejection_code,
    submitted_at
)
VALUES (
    @client_order_id,
    @correlation_id,
    @broker_order_id,
    @transaction_id,
    @status,
    @instrument,
    @side,
    @units,
    @filled_units,
    @remaining_units,
    @fill_price,
    @latency_micros,
    @rejection_reason,
    @rejection_code,
    @submitted_at
)
ON CONFLICT (client_order_id) DO NOTHING;
`

	fillInsertSQL = `
INSERT INTO partial_fills (
    id,
    client_order_id,
    filled_units,
    remaining_units,
    price,
    filled_at
)
VALUES (
    @id,
    @client_order_id,
    @filled_units,
    @remaining_units,
    @price,
    @filled_at
);
`

	retryInsertSQL = `
INSERT INTO retry_attempts (
    id,
    original_order_id,
    retry_order_id,
    attempt,
    outcome,
    attempted_at
)
VALUES (
    @id,
    @original_order_id,
    @retry_order_id,
    @attempt,
    @outcome,
    @attempted_at
);
`

	resultSelectSQL = `
SELECT
    client_order_id,
    correlation_id,
    broker_order_id,
    transaction_id,
    status,
    instrument,
    side,
    units::text,
    filled_units::text,
    remaining_units::text,
    COALESCE(fill_price, 0)::text,
    latency_micros,
    rejection_reason,
    rejection_code,
    submitted_at
FROM order_results
`
)

// RecordResult appends one submission outcome. Re-recording a client order
// id is a no-op, matching the in-memory registry's idempotence.
func (s *Store) RecordResult(ctx context.Context, record orderlog.ResultRecord) error {
	if strings.TrimSpace(record.ClientOrderID) == "" {
		return fmt.Errorf("order log: client order id required")
	}
	args := pgx.NamedArgs{
		"client_order_id":  record.ClientOrderID,
		"correlation_id":   record.CorrelationID,
		"broker_order_id":  record.BrokerOrderID,
		"transaction_id":   record.TransactionID,
		"status":           record.Status,
		"instrument":       record.Instrument,
		"side":             record.Side,
		"units":            record.Units.String(),
		"filled_units":     record.FilledUnits.String(),
		"remaining_units":  record.RemainingUnits.String(),
		"fill_price":       nullableDecimal(record.FillPrice.String()),
		"latency_micros":   record.LatencyMicros,
		"rejection_reason": record.RejectionReason,
		"rejection_code":   record.RejectionCode,
		"submitted_at":     record.SubmittedAt,
	}
	if _, err := s.pool.Exec(ctx, resultInsertSQL, args); err != nil {
		return fmt.Errorf("order log: insert result: %w", err)
	}
	return nil
}

// RecordFill appends one partial-fill event.
func (s *Store) RecordFill(ctx context.Context, record orderlog.FillRecord) error {
	args := pgx.NamedArgs{
		"id":              uuid.NewString(),
		"client_order_id": record.ClientOrderID,
		"filled_units":    record.FilledUnits.String(),
		"remaining_units": record.RemainingUnits.String(),
		"price":           nullableDecimal(record.Price.String()),
		"filled_at":       record.At,
	}
	if _, err := s.pool.Exec(ctx, fillInsertSQL, args); err != nil {
		return fmt.Errorf("order log: insert fill: %w", err)
	}
	return nil
}

// RecordRetry appends one retry-attempt linkage.
func (s *Store) RecordRetry(ctx context.Context, record orderlog.RetryRecord) error {
	args := pgx.NamedArgs{
		"id":                uuid.NewString(),
		"original_order_id": record.OriginalOrderID,
		"retry_order_id":    record.RetryOrderID,
		"attempt":           record.Attempt,
		"outcome":           record.Outcome,
		"attempted_at":      record.At,
	}
	if _, err := s.pool.Exec(ctx, retryInsertSQL, args); err != nil {
		return fmt.Errorf("order log: insert retry: %w", err)
	}
	return nil
}

// ListResults reads persisted outcomes, optionally filtered by instrument,
// newest first.
func (s *Store) ListResults(ctx context.Context, instrument string, limit int) ([]orderlog.ResultRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	builder := strings.Builder{}
	builder.WriteString(resultSelectSQL)
	builder.WriteString(" WHERE 1=1")
	args := make([]any, 0, 2)
	argPos := 1
	if trimmed := strings.TrimSpace(instrument); trimmed != "" {
		fmt.Fprintf(&builder, " AND instrument = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY submitted_at DESC LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("order log: list results: %w", err)
	}
	defer rows.Close()

	var records []orderlog.ResultRecord
	for rows.Next() {
		var (
			record         orderlog.ResultRecord
			units          string
			filledUnits    string
			remainingUnits string
			fillPrice      string
			submittedAt    time.Time
		)
		if err := rows.Scan(
			&record.ClientOrderID,
			&record.CorrelationID,
			&record.BrokerOrderID,
			&record.TransactionID,
			&record.Status,
			&record.Instrument,
			&record.Side,
			&units,
			&filledUnits,
			&remainingUnits,
			&fillPrice,
			&record.LatencyMicros,
			&record.RejectionReason,
			&record.RejectionCode,
			&submittedAt,
		); err != nil {
			return nil, fmt.Errorf("order log: scan result: %w", err)
		}
		record.Units = mustDecimal(units)
		record.FilledUnits = mustDecimal(filledUnits)
		record.RemainingUnits = mustDecimal(remainingUnits)
		record.FillPrice = mustDecimal(fillPrice)
		record.SubmittedAt = submittedAt
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order log: iterate results: %w", err)
	}
	return records, nil
}

func nullableDecimal(value string) any {
	if value == "" || value == "0" {
		return nil
	}
	return value
}

func mustDecimal(raw string) decimal.Decimal {
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return value
}
