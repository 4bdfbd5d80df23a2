// Package executor submits market orders through the connection pool and
// classifies broker responses into terminal, idempotently-trackable outcomes.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridianfx/execgate/errs"
	"github.com/meridianfx/execgate/internal/broker"
	"github.com/meridianfx/execgate/internal/connpool"
	"github.com/meridianfx/execgate/internal/observability"
	"github.com/meridianfx/execgate/internal/store/orderlog"
	"github.com/meridianfx/execgate/lib/async"
)

// ReasonExecutionError marks rejections produced by submission failures
// rather than an explicit broker decline.
const ReasonExecutionError = "EXECUTION_ERROR"

const auditWriteTimeout = 5 * time.Second

// Request describes one market order to execute.
type Request struct {
	AccountID     string
	Instrument    string
	Units         decimal.Decimal // positive quantity; direction comes from Side
	Side          Side
	StopLoss      *decimal.Decimal
	TakeProfit    *decimal.Decimal
	CorrelationID string
}

// Config carries executor construction knobs.
type Config struct {
	LatencyTarget time.Duration
}

// Executor drives order submission. Network and API failures become
// REJECTED results; the only errors returned to callers are an invalid
// request and a failure to obtain a pooled session.
type Executor struct {
	pool    *connpool.Pool
	results *ResultStore
	metrics *ExecutionMetrics
	audit   orderlog.Store
	workers *async.Pool
	seq     atomic.Uint64
}

// New constructs an executor. audit and workers may be nil, in which case
// outcomes are kept in memory only.
func New(pool *connpool.Pool, audit orderlog.Store, workers *async.Pool, cfg Config) *Executor {
	return &Executor{
		pool:    pool,
		results: NewResultStore(),
		metrics: newExecutionMetrics(cfg.LatencyTarget),
		audit:   audit,
		workers: workers,
	}
}

// Results exposes the idempotent result registry.
func (e *Executor) Results() *ResultStore { return e.results }

// Metrics reads the aggregate execution metrics.
func (e *Executor) Metrics() ExecutionSnapshot { return e.metrics.Snapshot() }

// ExecuteMarketOrder submits a market order and returns its classified
// outcome. Latency is measured from just before submission until the
// response is parsed and is recorded on every result, rejections included.
func (e *Executor) ExecuteMarketOrder(ctx context.Context, req Request) (OrderResult, error) {
	if err := validate(req); err != nil {
		return OrderResult{}, err
	}

	conn, err := e.pool.Acquire(ctx, req.AccountID)
	if err != nil {
		return OrderResult{}, err
	}
	defer e.pool.Release(conn)

	signed := req.Units
	if req.Side == SideSell {
		signed = signed.Neg()
	}

	result := OrderResult{
		ClientOrderID: e.nextClientOrderID(req.CorrelationID),
		AccountID:     req.AccountID,
		CorrelationID: req.CorrelationID,
		Instrument:    req.Instrument,
		Units:         signed,
		Side:          req.Side,
		SubmittedAt:   time.Now(),
	}

	ticket := broker.OrderTicket{
		ClientOrderID: result.ClientOrderID,
		Instrument:    req.Instrument,
		Units:         signed,
		StopLoss:      req.StopLoss,
		TakeProfit:    req.TakeProfit,
	}

	start := time.Now()
	resp, submitErr := conn.Client().SubmitOrder(ctx, ticket)
	result.Latency = time.Since(start)
	conn.Metrics().Record(result.Latency, submitErr != nil)

	e.classify(&result, resp, submitErr)
	e.record(result)
	return result, nil
}

// classify maps the broker response onto the result: a fill transaction
// means FILLED, a create-only transaction means PENDING, anything else is a
// rejection carrying the broker's error detail.
func (e *Executor) classify(result *OrderResult, resp *broker.OrderResponse, submitErr error) {
	switch {
	case submitErr != nil:
		result.Status = StatusRejected
		result.RejectionReason = ReasonExecutionError
		result.RejectionDetail = submitErr.Error()
		var typed *errs.E
		if errors.As(submitErr, &typed) {
			result.RejectionCode = typed.RawCode
		}
	case resp.Filled():
		fill := resp.OrderFillTransaction
		result.Status = StatusFilled
		result.TransactionID = fill.ID
		result.BrokerOrderID = fill.OrderID
		result.FillPrice = parseDecimal(fill.Price)
		result.FilledUnits = parseDecimal(fill.Units).Abs()
		result.RemainingUnits = result.Units.Abs().Sub(result.FilledUnits)
	case resp.Created():
		create := resp.OrderCreateTransaction
		result.Status = StatusPending
		result.BrokerOrderID = create.ID
		result.RemainingUnits = result.Units.Abs()
	default:
		result.Status = StatusRejected
		result.RejectionReason = ReasonExecutionError
		result.RejectionDetail = "response carried no order transaction"
	}
}

func (e *Executor) record(result OrderResult) {
	if !e.results.Put(result) {
		observability.Log().Warn("duplicate client order id",
			observability.F("client_order_id", result.ClientOrderID))
	}
	e.metrics.observe(result.Status, result.Latency)

	labels := map[string]string{"status": string(result.Status), "instrument": result.Instrument}
	observability.Telemetry().ObserveHistogram("order_execution_latency_ms",
		float64(result.Latency)/float64(time.Millisecond), labels)
	observability.Telemetry().IncCounter("orders_total", 1, labels)

	observability.Log().Info("order executed",
		observability.F("client_order_id", result.ClientOrderID),
		observability.F("instrument", result.Instrument),
		observability.F("status", string(result.Status)),
		observability.F("latency_ms", result.Latency.Milliseconds()),
	)
	e.auditResult(result)
}

// auditResult hands the outcome to the audit log on a worker; a saturated
// queue or write failure is logged and never blocks execution.
func (e *Executor) auditResult(result OrderResult) {
	if e.audit == nil || e.workers == nil {
		return
	}
	record := orderlog.ResultRecord{
		ClientOrderID:   result.ClientOrderID,
		CorrelationID:   result.CorrelationID,
		BrokerOrderID:   result.BrokerOrderID,
		TransactionID:   result.TransactionID,
		Status:          string(result.Status),
		Instrument:      result.Instrument,
		Side:            string(result.Side),
		Units:           result.Units,
		FilledUnits:     result.FilledUnits,
		RemainingUnits:  result.RemainingUnits,
		FillPrice:       result.FillPrice,
		LatencyMicros:   result.Latency.Microseconds(),
		RejectionReason: result.RejectionReason,
		RejectionCode:   result.RejectionCode,
		SubmittedAt:     result.SubmittedAt,
	}
	err := e.workers.Submit(context.Background(), func(ctx context.Context) error {
		writeCtx, cancel := context.WithTimeout(ctx, auditWriteTimeout)
		defer cancel()
		return e.audit.RecordResult(writeCtx, record)
	})
	if err != nil {
		observability.Log().Warn("audit write not scheduled",
			observability.F("client_order_id", result.ClientOrderID),
			observability.F("error", err.Error()))
	}
}

// nextClientOrderID mints a unique id embedding a generation counter and,
// when present, the upstream correlation id so retries stay linkable.
func (e *Executor) nextClientOrderID(correlationID string) string {
	n := e.seq.Add(1)
	suffix := uuid.NewString()[:8]
	if correlationID != "" {
		return fmt.Sprintf("exec-%d-%s-%s", n, correlationID, suffix)
	}
	return fmt.Sprintf("exec-%d-%s", n, suffix)
}

func validate(req Request) error {
	if req.AccountID == "" || req.Instrument == "" {
		return errs.New("executor", errs.CodeInvalid,
			errs.WithMessage("account and instrument are required"))
	}
	if req.Side != SideBuy && req.Side != SideSell {
		return errs.New("executor", errs.CodeInvalid,
			errs.WithMessage("side must be BUY or SELL"))
	}
	if !req.Units.IsPositive() {
		return errs.New("executor", errs.CodeInvalid,
			errs.WithMessage("units must be positive"))
	}
	return nil
}

func parseDecimal(raw string) decimal.Decimal {
	if raw == "" {
		return decimal.Zero
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		observability.Log().Warn("unparseable decimal in broker response",
			observability.F("value", raw))
		return decimal.Zero
	}
	return value
}
