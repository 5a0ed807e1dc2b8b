// Package coordinator is the single entry point for order intents. It serializes intents per
// execution key, applies risk checks and hands accepted intents to the ledger.
package coordinator

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradewire/errs"
	"github.com/coachpo/tradewire/internal/clock"
	"github.com/coachpo/tradewire/internal/decider"
	"github.com/coachpo/tradewire/internal/ledger"
	"github.com/coachpo/tradewire/internal/observability"
	"github.com/coachpo/tradewire/internal/schema"
	"github.com/coachpo/tradewire/internal/telemetry"
)

const scope = "coordinator"

// Ledger is the order store the coordinator submits to.
type Ledger interface {
	Submit(ctx context.Context, intent schema.OrderIntent) (*ledger.Handle, error)
	Handle(key string) (*ledger.Handle, bool)
}

// RiskChecker gates intents before submission.
type RiskChecker interface {
	Check(ctx context.Context, intent schema.OrderIntent) error
}

// ReleasePolicy decides when an execution key admits the next intent.
type ReleasePolicy string

const (
	// ReleaseOnAck frees the key once the exchange acknowledges the order.
	ReleaseOnAck ReleasePolicy = "ack"
	// ReleaseOnTerminal holds the key until the order is filled, canceled, rejected or expired.
	ReleaseOnTerminal ReleasePolicy = "terminal"
)

// ParseReleasePolicy maps config strings; empty means ReleaseOnAck.
func ParseReleasePolicy(s string) (ReleasePolicy, error) {
	switch ReleasePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", ReleaseOnAck:
		return ReleaseOnAck, nil
	case ReleaseOnTerminal:
		return ReleaseOnTerminal, nil
	default:
		return "", errs.New(scope, errs.CodeInvalid, errs.WithMessage("unknown release policy "+s))
	}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRisk installs pre-trade checks.
func WithRisk(r RiskChecker) Option {
	return func(c *Coordinator) { c.risk = r }
}

// WithReleasePolicy overrides ReleaseOnAck.
func WithReleasePolicy(p ReleasePolicy) Option {
	return func(c *Coordinator) {
		if p != "" {
			c.policy = p
		}
	}
}

// WithDeciders registers the decision functions fed by market events.
func WithDeciders(ds ...decider.Decider) Option {
	return func(c *Coordinator) { c.deciders = append(c.deciders, ds...) }
}

// WithClock overrides the clock used to stamp intents.
func WithClock(cl clock.Clock) Option {
	return func(c *Coordinator) { c.clock = clock.OrReal(cl) }
}

// WithLogger sets the logger.
func WithLogger(l observability.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// slot is the in-flight holder of an execution key. handle is nil while the intent is still in
// risk checks or submission.
type slot struct {
	key    string
	handle *ledger.Handle
}

// Coordinator routes webhook and market-trigger intents to the ledger.
type Coordinator struct {
	ledger   Ledger
	risk     RiskChecker
	deciders []decider.Decider
	policy   ReleasePolicy
	clock    clock.Clock
	logger   observability.Logger

	mu       sync.Mutex
	inflight map[string]*slot

	intents metric.Int64Counter
}

// New builds a coordinator over the ledger.
func New(l Ledger, opts ...Option) *Coordinator {
	c := &Coordinator{
		ledger:   l,
		policy:   ReleaseOnAck,
		clock:    clock.Real{},
		logger:   observability.Log(),
		inflight: make(map[string]*slot),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.intents, _ = telemetry.Meter().Int64Counter(telemetry.MetricCoordinatorIntents,
		metric.WithDescription("Intents handled by outcome"),
		metric.WithUnit("{intent}"))
	return c
}

// Handle admits one intent. A key the ledger already knows returns the existing order with
// Replay set. A second intent on an execution key whose order is still unreleased fails with
// CodeConflict.
func (c *Coordinator) Handle(ctx context.Context, intent schema.OrderIntent) (*ledger.Handle, error) {
	if intent.ReceivedAt.IsZero() {
		intent.ReceivedAt = c.clock.Now()
	}
	if err := intent.Validate(); err != nil {
		c.record(ctx, intent, "invalid")
		return nil, err
	}
	if h, ok := c.ledger.Handle(intent.IdempotencyKey); ok {
		c.record(ctx, intent, "replay")
		return h, nil
	}

	excl := intent.ExclusionKey()
	mine := &slot{key: intent.IdempotencyKey}
	c.mu.Lock()
	if cur, ok := c.inflight[excl]; ok && !c.released(cur) {
		c.mu.Unlock()
		c.record(ctx, intent, "conflict")
		holder := cur.key
		return nil, errs.New(scope, errs.CodeConflict,
			errs.WithMessage("execution key "+excl+" has an order in flight"),
			errs.WithField("exclusion_key", excl),
			errs.WithField("holder", holder))
	}
	c.inflight[excl] = mine
	c.mu.Unlock()

	if c.risk != nil {
		if err := c.risk.Check(ctx, intent); err != nil {
			c.vacate(excl, mine)
			c.record(ctx, intent, "risk")
			return nil, err
		}
	}

	h, err := c.ledger.Submit(ctx, intent)
	if err != nil {
		c.vacate(excl, mine)
		c.record(ctx, intent, "error")
		return h, err
	}
	if h.Replay() {
		// Lost a race with an identical key; the earlier caller owns the slot.
		c.vacate(excl, mine)
		c.record(ctx, intent, "replay")
		return h, nil
	}
	c.mu.Lock()
	mine.handle = h
	c.mu.Unlock()
	c.record(ctx, intent, "accepted")
	c.logger.Info("intent accepted",
		observability.F("key", intent.IdempotencyKey),
		observability.F("exclusion_key", excl),
		observability.F("source", string(intent.Source)),
		observability.F("symbol", intent.Symbol),
		observability.F("side", string(intent.Side)),
		observability.F("quantity", intent.Quantity.String()))
	return h, nil
}

// InFlight lists execution keys currently held.
func (c *Coordinator) InFlight() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string)
	for excl, s := range c.inflight {
		if c.released(s) {
			delete(c.inflight, excl)
			continue
		}
		out[excl] = s.key
	}
	return out
}

// released must be called with c.mu held.
func (c *Coordinator) released(s *slot) bool {
	if s.handle == nil {
		return false
	}
	gate := s.handle.Acked()
	if c.policy == ReleaseOnTerminal {
		gate = s.handle.Done()
	}
	select {
	case <-gate:
		return true
	default:
		return false
	}
}

func (c *Coordinator) vacate(excl string, s *slot) {
	c.mu.Lock()
	if c.inflight[excl] == s {
		delete(c.inflight, excl)
	}
	c.mu.Unlock()
}

func (c *Coordinator) record(ctx context.Context, intent schema.OrderIntent, result string) {
	if c.intents == nil {
		return
	}
	c.intents.Add(ctx, 1, metric.WithAttributes(telemetry.With(
		telemetry.AttrIntentSource.String(string(intent.Source)),
		telemetry.AttrResult.String(result),
	)...))
}
