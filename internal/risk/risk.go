// Package risk gates order intents before they reach the ledger.
package risk

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/coachpo/tradewire/errs"
	"github.com/coachpo/tradewire/internal/schema"
)

const scope = "risk"

// Limits defines the pre-trade checks applied to every intent.
type Limits struct {
	// MaxQuantity caps a single order's quantity. Zero disables the check.
	MaxQuantity decimal.Decimal `yaml:"maxQuantity"`

	// MaxNotional caps quantity times reference price. Zero disables the check.
	MaxNotional decimal.Decimal `yaml:"maxNotional"`

	// Symbols is the allow-list. Empty allows every symbol.
	Symbols []string `yaml:"symbols"`

	// OrderThrottle is the maximum rate of orders per second. Zero disables throttling.
	OrderThrottle float64 `yaml:"orderThrottle"`
	ThrottleBurst int     `yaml:"throttleBurst"`

	// ThrottleWait bounds how long an intent may queue for a throttle token.
	ThrottleWait time.Duration `yaml:"throttleWait"`
}

// PriceSource supplies a reference price for market orders.
type PriceSource interface {
	Mid(symbol string) (decimal.Decimal, bool)
}

// Manager enforces Limits.
type Manager struct {
	limits  Limits
	limiter *rate.Limiter
	allowed map[string]struct{}

	mu     sync.RWMutex
	prices PriceSource
}

// NewManager creates a risk manager with the given limits.
func NewManager(limits Limits) *Manager {
	m := &Manager{limits: limits}
	if limits.OrderThrottle > 0 {
		burst := limits.ThrottleBurst
		if burst <= 0 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(limits.OrderThrottle), burst)
	}
	if len(limits.Symbols) > 0 {
		m.allowed = make(map[string]struct{}, len(limits.Symbols))
		for _, s := range limits.Symbols {
			m.allowed[strings.ToUpper(strings.TrimSpace(s))] = struct{}{}
		}
	}
	return m
}

// SetPriceSource wires the reference prices used by the notional check.
func (m *Manager) SetPriceSource(p PriceSource) {
	m.mu.Lock()
	m.prices = p
	m.mu.Unlock()
}

// Limits returns the configured limits.
func (m *Manager) Limits() Limits { return m.limits }

// Check evaluates an intent. Limit violations return CodeRejected. An exhausted throttle, or a
// market order under a notional cap with no reference price, returns CodeBackpressure. The throttle is consulted last so refused intents do not spend tokens.
func (m *Manager) Check(ctx context.Context, intent schema.OrderIntent) error {
	reject := func(msg string) error {
		return errs.New(scope, errs.CodeRejected, errs.WithMessage(msg), errs.WithField("symbol", intent.Symbol))
	}
	if m.allowed != nil {
		if _, ok := m.allowed[intent.Symbol]; !ok {
			return errs.New(scope, errs.CodeRejected, errs.WithReason(errs.ReasonInvalidSymbol),
				errs.WithMessage("symbol "+intent.Symbol+" not allowed"))
		}
	}
	if m.limits.MaxQuantity.IsPositive() && intent.Quantity.GreaterThan(m.limits.MaxQuantity) {
		return reject("order quantity " + intent.Quantity.String() + " exceeds max " + m.limits.MaxQuantity.String())
	}
	if m.limits.MaxNotional.IsPositive() {
		price, ok := m.referencePrice(intent)
		if !ok {
			// The book is rebuilding after a reconnect or desync; the caller may retry shortly.
			return errs.New(scope, errs.CodeBackpressure, errs.WithField("symbol", intent.Symbol),
				errs.WithMessage("no reference price to check notional for "+intent.Symbol))
		}
		notional := intent.Quantity.Mul(price)
		if notional.GreaterThan(m.limits.MaxNotional) {
			return reject("order notional " + notional.String() + " exceeds max " + m.limits.MaxNotional.String())
		}
	}
	if m.limiter == nil {
		return nil
	}
	waitCtx := ctx
	if m.limits.ThrottleWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, m.limits.ThrottleWait)
		defer cancel()
	}
	if err := m.limiter.Wait(waitCtx); err != nil {
		return errs.New(scope, errs.CodeBackpressure, errs.WithMessage("order throttle limit exceeded"), errs.WithCause(err))
	}
	return nil
}

func (m *Manager) referencePrice(intent schema.OrderIntent) (decimal.Decimal, bool) {
	if intent.Price.IsPositive() {
		return intent.Price, true
	}
	m.mu.RLock()
	src := m.prices
	m.mu.RUnlock()
	if src == nil {
		return decimal.Zero, false
	}
	return src.Mid(intent.Symbol)
}
