// Package errs provides structured error types and helpers for tradewire services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Code identifies an error category in the execution taxonomy.
type Code string

const (
	// CodeCredential indicates absent or malformed credential material. Fatal at startup.
	CodeCredential Code = "credential"
	// CodeAuth indicates an inbound request failed authentication.
	CodeAuth Code = "auth"
	// CodeFatal indicates the exchange refused our credentials or signature.
	CodeFatal Code = "fatal"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeTransient indicates a retryable network or exchange-side failure.
	CodeTransient Code = "transient"
	// CodeExecutionFailed indicates transient retries were exhausted.
	CodeExecutionFailed Code = "execution_failed"
	// CodeUnknownOutcome indicates a mutating call failed after an earlier attempt may already have
	// executed. The cause carries the last failure.
	CodeUnknownOutcome Code = "unknown_outcome"
	// CodeRateLimited indicates that the request exceeded exchange rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeRejected indicates a business rejection by the exchange.
	CodeRejected Code = "rejected"
	// CodeConflict indicates an in-flight order already holds the execution key.
	CodeConflict Code = "conflict"
	// CodeStreamDesync indicates a market stream sequence gap.
	CodeStreamDesync Code = "stream_desync"
	// CodeBackpressure indicates a local rate budget could not be reserved in time.
	CodeBackpressure Code = "backpressure"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the service is shutting down or not ready.
	CodeUnavailable Code = "unavailable"
)

// Reason narrows a rejection to a venue-agnostic cause.
type Reason string

const (
	ReasonUnknown             Reason = ""
	ReasonOrderNotFound       Reason = "order_not_found"
	ReasonInsufficientBalance Reason = "insufficient_balance"
	ReasonInvalidSymbol       Reason = "invalid_symbol"
	ReasonDuplicateOrder      Reason = "duplicate_order"
	ReasonPrecision           Reason = "precision"
)

// E captures structured error information produced across the stack.
type E struct {
	Scope      string
	Code       Code
	Reason     Reason
	HTTP       int
	RawCode    string
	RawMsg     string
	Message    string
	RetryAfter time.Duration
	Fields     map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the scope and error code.
func New(scope string, code Code, opts ...Option) *E {
	e := &E{
		Scope: strings.TrimSpace(scope),
		Code:  code,
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

// WithRawCode captures the raw exchange error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithRawMessage captures the raw exchange error message verbatim.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithReason classifies a rejection.
func WithReason(reason Reason) Option {
	return func(e *E) {
		e.Reason = reason
	}
}

// WithRetryAfter records an exchange retry hint.
func WithRetryAfter(d time.Duration) Option {
	return func(e *E) {
		if d > 0 {
			e.RetryAfter = d
		}
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	scope := e.Scope
	if scope == "" {
		scope = "unknown"
	}
	parts = append(parts, "scope="+scope)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Reason != ReasonUnknown {
		parts = append(parts, "reason="+string(e.Reason))
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
	if e.RetryAfter > 0 {
		parts = append(parts, "retry_after="+e.RetryAfter.String())
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Fields[k]))
		}
		parts = append(parts, "fields="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// As returns the outermost envelope in the error chain.
func As(err error) (*E, bool) {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of the outermost envelope, or an empty code.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ""
}

// Is reports whether any envelope in the chain carries the code.
func Is(err error, code Code) bool {
	for err != nil {
		var e *E
		if !errors.As(err, &e) || e == nil {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.cause
	}
	return false
}
