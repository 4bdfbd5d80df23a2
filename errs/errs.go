// Package errs provides structured error types and helpers for execgate services.
package errs

import (
	"strconv"
	"strings"
)

// Code identifies a broker-facing error category.
type Code string

const (
	// CodeRateLimited indicates that the request exceeded broker rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeAuth indicates authentication or session errors.
	CodeAuth Code = "auth"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeBroker indicates a broker-side failure.
	CodeBroker Code = "broker_error"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeTimeout indicates a deadline elapsed before the operation completed.
	CodeTimeout Code = "timeout"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// CanonicalCode captures broker-agnostic failure categories used by the
// rejection classifier.
type CanonicalCode string

const (
	// CanonicalUnknown captures uncategorized failures.
	CanonicalUnknown CanonicalCode = "unknown"
	// CanonicalInsufficientMargin indicates the account lacks margin for the order.
	CanonicalInsufficientMargin CanonicalCode = "insufficient_margin"
	// CanonicalMarketClosed indicates the instrument is not currently tradeable.
	CanonicalMarketClosed CanonicalCode = "market_closed"
	// CanonicalInvalidInstrument indicates an unsupported or malformed instrument.
	CanonicalInvalidInstrument CanonicalCode = "invalid_instrument"
	// CanonicalRateLimited indicates the request was rate limited.
	CanonicalRateLimited CanonicalCode = "rate_limited"
	// CanonicalPoolExhausted indicates no pooled connection became available in time.
	CanonicalPoolExhausted CanonicalCode = "pool_exhausted"
)

// E captures structured error information produced across the execgate stack.
type E struct {
	Broker    string
	Code      Code
	HTTP      int
	RawCode   string
	RawMsg    string
	Message   string
	Canonical CanonicalCode

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the broker and error code.
func New(broker string, code Code, opts ...Option) *E {
	e := &E{
		Broker:    strings.TrimSpace(broker),
		Code:      code,
		Canonical: CanonicalUnknown,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw broker error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw broker error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithCanonicalCode sets the canonical code describing the failure category.
func WithCanonicalCode(code CanonicalCode) Option {
	trimmed := strings.TrimSpace(string(code))
	return func(e *E) {
		if trimmed == "" {
			e.Canonical = CanonicalUnknown
			return
		}
		e.Canonical = CanonicalCode(trimmed)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	broker := strings.TrimSpace(e.Broker)
	if broker == "" {
		broker = "unknown"
	}
	parts = append(parts, "broker="+broker)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if cc := strings.TrimSpace(string(e.Canonical)); cc != "" && cc != string(CanonicalUnknown) {
		parts = append(parts, "canonical="+cc)
	}

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// IsTimeout reports whether err carries the timeout error code.
func IsTimeout(err error) bool {
	e, ok := err.(*E)
	return ok && e != nil && e.Code == CodeTimeout
}
