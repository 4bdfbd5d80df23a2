// Package fills reconciles unfilled order quantity and retries rejected
// submissions under a reason-specific policy.
package fills

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/meridianfx/execgate/errs"
	"github.com/meridianfx/execgate/internal/executor"
	"github.com/meridianfx/execgate/internal/observability"
	"github.com/meridianfx/execgate/internal/store/orderlog"
	"github.com/meridianfx/execgate/lib/async"
)

// Submitter is the execution boundary the handler retries through.
// *executor.Executor satisfies it.
type Submitter interface {
	ExecuteMarketOrder(ctx context.Context, req executor.Request) (executor.OrderResult, error)
	Results() *executor.ResultStore
}

// PartialFill records one fill event against an order.
type PartialFill struct {
	OrderID        string
	FilledUnits    decimal.Decimal
	RemainingUnits decimal.Decimal
	Price          decimal.Decimal
	At             time.Time
}

// OrderRejection tracks a declined submission and its retry schedule.
type OrderRejection struct {
	OrderID     string
	AccountID   string
	Instrument  string
	Units       decimal.Decimal // positive quantity
	Side        executor.Side
	Reason      RejectionReason
	BrokerCode  string
	Strategy    RetryStrategy
	RetryCount  int
	NextRetryAt time.Time
}

// RetryAttempt links an original order id to the retry submission it spawned.
type RetryAttempt struct {
	OriginalOrderID string
	RetryOrderID    string
	Number          int
	Outcome         executor.Status
	At              time.Time
}

// QueueEntry is the externally visible view of one queued rejection.
type QueueEntry struct {
	OrderID     string
	NextRetryAt time.Time
	RetryCount  int
}

// Config carries handler construction knobs.
type Config struct {
	Policy       Policy
	PollInterval time.Duration
}

// Handler owns the pending-quantity registry and the retry queue. All
// registries live for the handler's lifetime and are torn down by Close.
type Handler struct {
	submitter Submitter
	policy    Policy
	interval  time.Duration
	audit     orderlog.Store
	workers   *async.Pool

	mu         sync.Mutex
	pending    map[string]decimal.Decimal
	partials   map[string][]PartialFill
	rejections map[string]*OrderRejection
	queue      map[string]*OrderRejection
	attempts   map[string][]RetryAttempt

	cancel context.CancelFunc
	loops  conc.WaitGroup
}

// NewHandler constructs a handler and starts its retry loop. audit and
// workers may be nil.
func NewHandler(submitter Submitter, audit orderlog.Store, workers *async.Pool, cfg Config) *Handler {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		submitter:  submitter,
		policy:     cfg.Policy.withDefaults(),
		interval:   interval,
		audit:      audit,
		workers:    workers,
		pending:    make(map[string]decimal.Decimal),
		partials:   make(map[string][]PartialFill),
		rejections: make(map[string]*OrderRejection),
		queue:      make(map[string]*OrderRejection),
		attempts:   make(map[string][]RetryAttempt),
		cancel:     cancel,
	}
	h.loops.Go(func() { h.retryLoop(ctx) })
	return h
}

// Close stops the retry loop and waits for it.
func (h *Handler) Close() {
	h.cancel()
	h.loops.Wait()
}

// HandlePartialFill reconciles a fill that covered only part of the
// requested quantity: it records the fill, registers the outstanding
// remainder, and downgrades the stored result to PARTIALLY_FILLED. A full
// fill is a no-op. Returns the remaining quantity.
func (h *Handler) HandlePartialFill(result executor.OrderResult) decimal.Decimal {
	requested := result.Units.Abs()
	filled := result.FilledUnits.Abs()
	remaining := requested.Sub(filled)
	if !remaining.IsPositive() {
		return decimal.Zero
	}

	fill := PartialFill{
		OrderID:        result.ClientOrderID,
		FilledUnits:    filled,
		RemainingUnits: remaining,
		Price:          result.FillPrice,
		At:             time.Now(),
	}
	h.mu.Lock()
	h.partials[result.ClientOrderID] = append(h.partials[result.ClientOrderID], fill)
	h.pending[result.ClientOrderID] = remaining
	h.mu.Unlock()

	h.submitter.Results().MarkPartiallyFilled(result.ClientOrderID, filled, remaining)
	h.auditFill(fill)

	observability.Log().Info("partial fill recorded",
		observability.F("client_order_id", result.ClientOrderID),
		observability.F("filled", filled.String()),
		observability.F("remaining", remaining.String()),
	)
	return remaining
}

// HandleOrderRejection classifies a rejected result and, when its reason's
// strategy allows, schedules a retry. Returns the rejection record and
// whether it was queued.
func (h *Handler) HandleOrderRejection(result executor.OrderResult) (OrderRejection, bool) {
	reason := ClassifyCode(result.RejectionCode)
	strategy := h.policy.StrategyFor(reason)

	rejection := &OrderRejection{
		OrderID:    result.ClientOrderID,
		AccountID:  result.AccountID,
		Instrument: result.Instrument,
		Units:      result.Units.Abs(),
		Side:       result.Side,
		Reason:     reason,
		BrokerCode: result.RejectionCode,
		Strategy:   strategy,
	}

	queued := false
	if at, ok := h.policy.NextRetryAt(strategy, 0, time.Now()); ok {
		rejection.NextRetryAt = at
		queued = true
	}

	h.mu.Lock()
	h.rejections[rejection.OrderID] = rejection
	if queued {
		h.queue[rejection.OrderID] = rejection
	}
	h.mu.Unlock()

	observability.Log().Info("order rejection handled",
		observability.F("client_order_id", rejection.OrderID),
		observability.F("reason", string(reason)),
		observability.F("strategy", string(strategy)),
		observability.F("queued", queued),
	)
	return *rejection, queued
}

// RetryRemainingQuantity re-submits exactly the outstanding quantity of a
// partially filled order. A new fill decrements the pending quantity; when
// it reaches zero the order id leaves the pending registry.
func (h *Handler) RetryRemainingQuantity(ctx context.Context, orderID string) (executor.OrderResult, error) {
	h.mu.Lock()
	remaining, tracked := h.pending[orderID]
	h.mu.Unlock()
	if !tracked {
		return executor.OrderResult{}, errs.New("fills", errs.CodeInvalid,
			errs.WithMessage("no pending quantity for order "+orderID))
	}

	original, ok := h.submitter.Results().Get(orderID)
	if !ok {
		return executor.OrderResult{}, errs.New("fills", errs.CodeInvalid,
			errs.WithMessage("unknown order "+orderID))
	}

	result, err := h.submitter.ExecuteMarketOrder(ctx, executor.Request{
		AccountID:     original.AccountID,
		Instrument:    original.Instrument,
		Units:         remaining,
		Side:          original.Side,
		CorrelationID: orderID,
	})
	if err != nil {
		return executor.OrderResult{}, err
	}

	h.recordAttempt(orderID, result.ClientOrderID, result.Status)

	filled := result.FilledUnits.Abs()
	if filled.IsPositive() {
		left := remaining.Sub(filled)
		if left.IsNegative() {
			left = decimal.Zero
		}
		fill := PartialFill{
			OrderID:        orderID,
			FilledUnits:    filled,
			RemainingUnits: left,
			Price:          result.FillPrice,
			At:             time.Now(),
		}
		h.mu.Lock()
		h.partials[orderID] = append(h.partials[orderID], fill)
		if left.IsZero() {
			delete(h.pending, orderID)
		} else {
			h.pending[orderID] = left
		}
		h.mu.Unlock()
		h.auditFill(fill)
	}
	return result, nil
}

// PartialFills returns the fill history for an order.
func (h *Handler) PartialFills(orderID string) []PartialFill {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]PartialFill, len(h.partials[orderID]))
	copy(out, h.partials[orderID])
	return out
}

// PendingQuantity reports the outstanding quantity for an order id.
func (h *Handler) PendingQuantity(orderID string) (decimal.Decimal, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	quantity, ok := h.pending[orderID]
	return quantity, ok
}

// Rejection returns the rejection record for an order id.
func (h *Handler) Rejection(orderID string) (OrderRejection, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rejection, ok := h.rejections[orderID]
	if !ok {
		return OrderRejection{}, false
	}
	return *rejection, true
}

// RetryAttempts returns the recorded retry attempts for an order id.
func (h *Handler) RetryAttempts(orderID string) []RetryAttempt {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]RetryAttempt, len(h.attempts[orderID]))
	copy(out, h.attempts[orderID])
	return out
}

// QueueStatus snapshots the active retry queue.
func (h *Handler) QueueStatus() []QueueEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]QueueEntry, 0, len(h.queue))
	for _, rejection := range h.queue {
		out = append(out, QueueEntry{
			OrderID:     rejection.OrderID,
			NextRetryAt: rejection.NextRetryAt,
			RetryCount:  rejection.RetryCount,
		})
	}
	return out
}

func (h *Handler) retryLoop(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.processDue(ctx, time.Now())
		}
	}
}

// processDue pulls due rejections off the queue and resubmits them, through
// the worker pool when one is wired. An entry stays out of the queue while
// its retry is in flight; retryRejection re-queues it if attempts remain.
func (h *Handler) processDue(ctx context.Context, now time.Time) {
	h.mu.Lock()
	var due []*OrderRejection
	for id, rejection := range h.queue {
		if !rejection.NextRetryAt.After(now) {
			due = append(due, rejection)
			delete(h.queue, id)
		}
	}
	h.mu.Unlock()

	for _, rejection := range due {
		rejection := rejection
		task := func(taskCtx context.Context) error {
			h.retryRejection(taskCtx, rejection)
			return nil
		}
		if h.workers != nil {
			if err := h.workers.Submit(ctx, task); err == nil {
				continue
			}
		}
		_ = task(ctx)
	}
}

// retryRejection re-submits a rejected order. Collaborator errors count as a
// rejection outcome and never escape the retry loop.
func (h *Handler) retryRejection(ctx context.Context, rejection *OrderRejection) {
	attemptNo := rejection.RetryCount + 1
	result, err := h.submitter.ExecuteMarketOrder(ctx, executor.Request{
		AccountID:     rejection.AccountID,
		Instrument:    rejection.Instrument,
		Units:         rejection.Units,
		Side:          rejection.Side,
		CorrelationID: rejection.OrderID,
	})

	outcome := result.Status
	retryID := result.ClientOrderID
	if err != nil {
		outcome = executor.StatusRejected
		observability.Log().Warn("retry submission failed",
			observability.F("client_order_id", rejection.OrderID),
			observability.F("attempt", attemptNo),
			observability.F("error", err.Error()),
		)
	}
	h.recordAttempt(rejection.OrderID, retryID, outcome)

	h.mu.Lock()
	defer h.mu.Unlock()
	rejection.RetryCount = attemptNo

	if outcome == executor.StatusFilled || outcome == executor.StatusPending {
		return
	}
	if rejection.RetryCount >= h.policy.MaxAttempts {
		// terminal: dropped from the queue, still queryable via Rejection
		observability.Log().Warn("retry attempts exhausted",
			observability.F("client_order_id", rejection.OrderID),
			observability.F("attempts", rejection.RetryCount),
		)
		return
	}
	if at, ok := h.policy.NextRetryAt(rejection.Strategy, rejection.RetryCount, time.Now()); ok {
		rejection.NextRetryAt = at
		h.queue[rejection.OrderID] = rejection
	}
}

func (h *Handler) recordAttempt(originalID, retryID string, outcome executor.Status) {
	attempt := RetryAttempt{
		OriginalOrderID: originalID,
		RetryOrderID:    retryID,
		Outcome:         outcome,
		At:              time.Now(),
	}
	h.mu.Lock()
	attempt.Number = len(h.attempts[originalID]) + 1
	h.attempts[originalID] = append(h.attempts[originalID], attempt)
	h.mu.Unlock()
	// an attempt that never reached submission has no retry order to link
	if attempt.RetryOrderID != "" {
		h.auditRetry(attempt)
	}
}

func (h *Handler) auditFill(fill PartialFill) {
	if h.audit == nil {
		return
	}
	record := orderlog.FillRecord{
		ClientOrderID:  fill.OrderID,
		FilledUnits:    fill.FilledUnits,
		RemainingUnits: fill.RemainingUnits,
		Price:          fill.Price,
		At:             fill.At,
	}
	h.submitAudit(func(ctx context.Context) error {
		return h.audit.RecordFill(ctx, record)
	})
}

func (h *Handler) auditRetry(attempt RetryAttempt) {
	if h.audit == nil {
		return
	}
	record := orderlog.RetryRecord{
		OriginalOrderID: attempt.OriginalOrderID,
		RetryOrderID:    attempt.RetryOrderID,
		Attempt:         attempt.Number,
		Outcome:         string(attempt.Outcome),
		At:              attempt.At,
	}
	h.submitAudit(func(ctx context.Context) error {
		return h.audit.RecordRetry(ctx, record)
	})
}

func (h *Handler) submitAudit(task async.Task) {
	if h.workers == nil {
		if err := task(context.Background()); err != nil {
			observability.Log().Warn("audit write failed", observability.F("error", err.Error()))
		}
		return
	}
	if err := h.workers.Submit(context.Background(), task); err != nil {
		observability.Log().Warn("audit write not scheduled", observability.F("error", err.Error()))
	}
}
