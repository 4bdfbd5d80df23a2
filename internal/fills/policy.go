package fills

import (
	"time"
)

// RejectionReason is the normalized classification of a broker decline.
type RejectionReason string

const (
	ReasonInsufficientMargin   RejectionReason = "INSUFFICIENT_MARGIN"
	ReasonMarketClosed         RejectionReason = "MARKET_CLOSED"
	ReasonInvalidInstrument    RejectionReason = "INVALID_INSTRUMENT"
	ReasonInvalidUnits         RejectionReason = "INVALID_UNITS"
	ReasonPriceTooFar          RejectionReason = "PRICE_TOO_FAR"
	ReasonRateLimit            RejectionReason = "RATE_LIMIT"
	ReasonAccountDisabled      RejectionReason = "ACCOUNT_DISABLED"
	ReasonPositionSizeExceeded RejectionReason = "POSITION_SIZE_EXCEEDED"
	ReasonUnknown              RejectionReason = "UNKNOWN_ERROR"
)

// RetryStrategy is the fixed, non-configurable retry behavior of a reason.
type RetryStrategy string

const (
	NoRetry            RetryStrategy = "NO_RETRY"
	Immediate          RetryStrategy = "IMMEDIATE"
	ExponentialBackoff RetryStrategy = "EXPONENTIAL_BACKOFF"
	MarketHoursOnly    RetryStrategy = "MARKET_HOURS_ONLY"
)

// codeToReason maps raw broker error codes onto the reason taxonomy.
// Unmapped codes fall back to UNKNOWN_ERROR.
var codeToReason = map[string]RejectionReason{
	"INSUFFICIENT_MARGIN":      ReasonInsufficientMargin,
	"MARGIN_CHECK_FAILED":      ReasonInsufficientMargin,
	"MARKET_HALTED":            ReasonMarketClosed,
	"MARKET_CLOSED":            ReasonMarketClosed,
	"INSTRUMENT_NOT_TRADEABLE": ReasonInvalidInstrument,
	"INVALID_INSTRUMENT":       ReasonInvalidInstrument,
	"UNITS_INVALID":            ReasonInvalidUnits,
	"UNITS_PRECISION_EXCEEDED": ReasonInvalidUnits,
	"BOUNDS_VIOLATION":         ReasonPriceTooFar,
	"PRICE_BOUND_VIOLATED":     ReasonPriceTooFar,
	"RATE_LIMITED":             ReasonRateLimit,
	"TOO_MANY_REQUESTS":        ReasonRateLimit,
	"ACCOUNT_DISABLED":         ReasonAccountDisabled,
	"ACCOUNT_LOCKED":           ReasonAccountDisabled,
	"POSITION_SIZE_EXCEEDED":   ReasonPositionSizeExceeded,
}

// reasonToStrategy is the static policy table.
var reasonToStrategy = map[RejectionReason]RetryStrategy{
	ReasonInsufficientMargin:   NoRetry,
	ReasonAccountDisabled:      NoRetry,
	ReasonInvalidInstrument:    NoRetry,
	ReasonInvalidUnits:         NoRetry,
	ReasonPositionSizeExceeded: NoRetry,
	ReasonPriceTooFar:          Immediate,
	ReasonRateLimit:            ExponentialBackoff,
	ReasonMarketClosed:         MarketHoursOnly,
	ReasonUnknown:              ExponentialBackoff,
}

// ClassifyCode normalizes a raw broker error code.
func ClassifyCode(code string) RejectionReason {
	if reason, ok := codeToReason[code]; ok {
		return reason
	}
	return ReasonUnknown
}

// Policy holds the retry scheduling parameters.
type Policy struct {
	MaxAttempts     int
	BackoffDelays   []time.Duration
	MarketHoursWait time.Duration
}

// DefaultPolicy returns the standard policy: three attempts, a short fixed
// backoff table, and a fifteen-minute market-hours wait.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		BackoffDelays:   []time.Duration{time.Second, 5 * time.Second, 15 * time.Second},
		MarketHoursWait: 15 * time.Minute,
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if len(p.BackoffDelays) == 0 {
		p.BackoffDelays = def.BackoffDelays
	}
	if p.MarketHoursWait <= 0 {
		p.MarketHoursWait = def.MarketHoursWait
	}
	return p
}

// StrategyFor looks up the fixed strategy for a reason.
func (p Policy) StrategyFor(reason RejectionReason) RetryStrategy {
	if strategy, ok := reasonToStrategy[reason]; ok {
		return strategy
	}
	return NoRetry
}

// NextRetryAt schedules the next attempt for a strategy given how many
// retries have already run. Returns false for NO_RETRY. The backoff table is
// indexed by retry count and clamps to its last entry.
func (p Policy) NextRetryAt(strategy RetryStrategy, retryCount int, now time.Time) (time.Time, bool) {
	switch strategy {
	case Immediate:
		return now, true
	case ExponentialBackoff:
		return now.Add(p.backoffDelay(retryCount)), true
	case MarketHoursOnly:
		return now.Add(p.MarketHoursWait), true
	default:
		return time.Time{}, false
	}
}

func (p Policy) backoffDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(p.BackoffDelays) {
		return p.BackoffDelays[len(p.BackoffDelays)-1]
	}
	return p.BackoffDelays[retryCount]
}
