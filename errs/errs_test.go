package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestErrorFormattingIncludesReasonAndFields(t *testing.T) {
	err := New(
		"rest",
		CodeRejected,
		WithHTTP(400),
		WithMessage("order rejected"),
		WithRawCode("-2019"),
		WithRawMessage("Margin is insufficient."),
		WithReason(ReasonInsufficientBalance),
		WithField("symbol", "BTCUSDT"),
		WithField("path", "/fapi/v1/order"),
		WithCause(errors.New("binance http 400")),
	)

	out := err.Error()
	if !strings.Contains(out, "scope=rest") {
		t.Fatalf("expected scope marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=rejected") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "reason=insufficient_balance") {
		t.Fatalf("expected reason in error string: %s", out)
	}
	expectedFields := "fields=path=\"/fapi/v1/order\",symbol=\"BTCUSDT\""
	if !strings.Contains(out, expectedFields) {
		t.Fatalf("expected fields %q in error string: %s", expectedFields, out)
	}
	if !strings.Contains(out, "raw_msg=\"Margin is insufficient.\"") {
		t.Fatalf("expected verbatim raw message: %s", out)
	}
	if !strings.Contains(out, "cause=\"binance http 400\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestRetryAfterIgnoresNonPositive(t *testing.T) {
	err := New("rest", CodeRateLimited, WithRetryAfter(0))
	if err.RetryAfter != 0 {
		t.Fatalf("expected zero retry hint, got %s", err.RetryAfter)
	}
	err = New("rest", CodeRateLimited, WithRetryAfter(2*time.Second))
	if !strings.Contains(err.Error(), "retry_after=2s") {
		t.Fatalf("expected retry hint in error string: %s", err.Error())
	}
}

func TestIsWalksWrappedEnvelopes(t *testing.T) {
	inner := New("rest", CodeTransient, WithMessage("timeout"))
	outer := New("rest", CodeExecutionFailed, WithCause(inner))
	wrapped := fmt.Errorf("place order: %w", outer)

	if !Is(wrapped, CodeExecutionFailed) {
		t.Fatalf("expected execution_failed in chain")
	}
	if !Is(wrapped, CodeTransient) {
		t.Fatalf("expected transient in chain")
	}
	if Is(wrapped, CodeRejected) {
		t.Fatalf("did not expect rejected in chain")
	}
	if got := CodeOf(wrapped); got != CodeExecutionFailed {
		t.Fatalf("expected outermost code, got %q", got)
	}
	if got := CodeOf(errors.New("plain")); got != "" {
		t.Fatalf("expected empty code for plain error, got %q", got)
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
