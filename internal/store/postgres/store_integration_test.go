package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/meridianfx/execgate/internal/store/orderlog"
	pgstore "github.com/meridianfx/execgate/internal/store/postgres"
)

var (
	testStore   *pgstore.Store
	pgContainer *tcpostgres.PostgresContainer
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("execgate"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		setupErr = fmt.Errorf("start postgres container: %w", err)
		os.Exit(m.Run())
	}
	pgContainer = container

	setupErr = initialiseStore(ctx)
	exitCode := m.Run()

	if testStore != nil {
		testStore.Close()
	}
	_ = pgContainer.Terminate(ctx)
	os.Exit(exitCode)
}

func initialiseStore(ctx context.Context) error {
	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return fmt.Errorf("container dsn: %w", err)
	}
	if err := pgstore.Migrate(ctx, dsn); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	// a second run must be a no-op
	if err := pgstore.Migrate(ctx, dsn); err != nil {
		return fmt.Errorf("re-migrate: %w", err)
	}
	store, err := pgstore.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	testStore = store
	return nil
}

func TestOrderLogRoundTrip(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres integration setup unavailable: %v", setupErr)
	}
	ctx := context.Background()

	orderID := "exec-1-" + uuid.NewString()[:8]
	record := orderlog.ResultRecord{
		ClientOrderID:  orderID,
		CorrelationID:  "sig-77",
		BrokerOrderID:  "100",
		TransactionID:  "101",
		Status:         "FILLED",
		Instrument:     "EUR_USD",
		Side:           "BUY",
		Units:          decimal.NewFromInt(10000),
		FilledUnits:    decimal.NewFromInt(6000),
		RemainingUnits: decimal.NewFromInt(4000),
		FillPrice:      decimal.RequireFromString("1.08750"),
		LatencyMicros:  42000,
		SubmittedAt:    time.Now().UTC(),
	}
	if err := testStore.RecordResult(ctx, record); err != nil {
		t.Fatalf("record result: %v", err)
	}
	// re-recording the same client order id must be a silent no-op
	record.Status = "REJECTED"
	if err := testStore.RecordResult(ctx, record); err != nil {
		t.Fatalf("re-record result: %v", err)
	}

	results, err := testStore.ListResults(ctx, "EUR_USD", 10)
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	var got *orderlog.ResultRecord
	for i := range results {
		if results[i].ClientOrderID == orderID {
			got = &results[i]
			break
		}
	}
	if got == nil {
		t.Fatalf("stored result not found among %d rows", len(results))
	}
	if got.Status != "FILLED" {
		t.Fatalf("expected first write to win, got status %s", got.Status)
	}
	if !got.Units.Equal(record.Units) || !got.RemainingUnits.Equal(record.RemainingUnits) {
		t.Fatalf("quantity mismatch: units=%s remaining=%s", got.Units, got.RemainingUnits)
	}
	if !got.FillPrice.Equal(record.FillPrice) {
		t.Fatalf("expected fill price %s, got %s", record.FillPrice, got.FillPrice)
	}
	if got.LatencyMicros != record.LatencyMicros {
		t.Fatalf("expected latency %d, got %d", record.LatencyMicros, got.LatencyMicros)
	}

	if err := testStore.RecordFill(ctx, orderlog.FillRecord{
		ClientOrderID:  orderID,
		FilledUnits:    decimal.NewFromInt(4000),
		RemainingUnits: decimal.Zero,
		Price:          decimal.RequireFromString("1.08760"),
		At:             time.Now().UTC(),
	}); err != nil {
		t.Fatalf("record fill: %v", err)
	}

	if err := testStore.RecordRetry(ctx, orderlog.RetryRecord{
		OriginalOrderID: orderID,
		RetryOrderID:    "exec-2-" + uuid.NewString()[:8],
		Attempt:         1,
		Outcome:         "FILLED",
		At:              time.Now().UTC(),
	}); err != nil {
		t.Fatalf("record retry: %v", err)
	}
}

func TestListResultsInstrumentFilter(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres integration setup unavailable: %v", setupErr)
	}
	ctx := context.Background()

	other := orderlog.ResultRecord{
		ClientOrderID: "exec-3-" + uuid.NewString()[:8],
		Status:        "REJECTED",
		Instrument:    "GBP_USD",
		Side:          "SELL",
		Units:         decimal.NewFromInt(500).Neg(),
		SubmittedAt:   time.Now().UTC(),
	}
	if err := testStore.RecordResult(ctx, other); err != nil {
		t.Fatalf("record result: %v", err)
	}

	results, err := testStore.ListResults(ctx, "GBP_USD", 10)
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	for _, result := range results {
		if result.Instrument != "GBP_USD" {
			t.Fatalf("filter leaked instrument %s", result.Instrument)
		}
	}
	if len(results) == 0 {
		t.Fatal("expected at least one GBP_USD row")
	}
}
