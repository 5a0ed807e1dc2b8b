// Package ledger tracks every order from creation to a terminal state. Transitions are monotonic,
// per-order serialized and published on the bus.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradewire/errs"
	"github.com/coachpo/tradewire/internal/bus"
	"github.com/coachpo/tradewire/internal/clock"
	"github.com/coachpo/tradewire/internal/observability"
	"github.com/coachpo/tradewire/internal/rest"
	"github.com/coachpo/tradewire/internal/schema"
	"github.com/coachpo/tradewire/internal/telemetry"
)

const scope = "ledger"

// Exchange is the subset of the REST client the ledger drives.
type Exchange interface {
	PlaceOrder(ctx context.Context, intent schema.OrderIntent) (rest.OrderResponse, error)
	CancelOrder(ctx context.Context, symbol, clientID string, orderID int64) (rest.OrderResponse, error)
	QueryOrder(ctx context.Context, symbol, clientID string, orderID int64) (rest.OrderResponse, error)
}

// Bus carries transitions out and execution reports in.
type Bus interface {
	Publish(ctx context.Context, evt schema.Event) error
	Subscribe(ctx context.Context, opts bus.SubscribeOptions, types ...schema.EventType) (*bus.Subscription, error)
	Unsubscribe(id bus.SubscriptionID)
}

// Config tunes dispatch and reconciliation.
type Config struct {
	Workers           int
	QueueSize         int
	ReconcileAfter    time.Duration
	ReconcileInterval time.Duration
	UnknownGrace      time.Duration
}

func (c Config) normalize() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.ReconcileAfter <= 0 {
		c.ReconcileAfter = 5 * time.Second
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 5 * time.Second
	}
	if c.UnknownGrace <= 0 {
		c.UnknownGrace = 30 * time.Second
	}
	return c
}

// Ref identifies an order by idempotency key or exchange id.
type Ref struct {
	Key        string
	ExchangeID int64
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock injects the clock used for timestamps and reconciliation timing.
func WithClock(c clock.Clock) Option {
	return func(l *Ledger) { l.clock = clock.OrReal(c) }
}

// WithLogger sets the logger.
func WithLogger(lg observability.Logger) Option {
	return func(l *Ledger) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// WithRules installs per-symbol step sizes used to decide when an order is fully filled.
func WithRules(rules map[string]rest.SymbolRules) Option {
	return func(l *Ledger) {
		for sym, r := range rules {
			l.steps[sym] = r.StepSize
		}
	}
}

// Ledger owns the order records.
type Ledger struct {
	cfg    Config
	ex     Exchange
	bus    Bus
	clock  clock.Clock
	logger observability.Logger

	mu        sync.RWMutex
	records   map[string]*record
	byID      map[int64]*record
	steps     map[string]decimal.Decimal
	seqByKey  map[string]uint64
	nextOrder atomic.Uint64

	qmu     sync.RWMutex
	queue   chan func()
	closed  bool
	pool    *concpool.Pool
	drained chan struct{}
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once

	transitions metric.Int64Counter
}

// New starts the dispatch pool and reconciliation loop.
func New(cfg Config, ex Exchange, b Bus, opts ...Option) *Ledger {
	l := &Ledger{
		cfg:      cfg.normalize(),
		ex:       ex,
		bus:      b,
		clock:    clock.Real{},
		logger:   observability.Log(),
		records:  make(map[string]*record),
		byID:     make(map[int64]*record),
		steps:    make(map[string]decimal.Decimal),
		seqByKey: make(map[string]uint64),
		drained:  make(chan struct{}),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	l.queue = make(chan func(), l.cfg.QueueSize)
	l.pool = concpool.New().WithMaxGoroutines(l.cfg.Workers)
	l.transitions, _ = telemetry.Meter().Int64Counter(telemetry.MetricLedgerTransitions,
		metric.WithDescription("Order lifecycle transitions"),
		metric.WithUnit("{transition}"))

	go func() {
		defer close(l.drained)
		for job := range l.queue {
			l.pool.Go(job)
		}
		l.pool.Wait()
	}()
	go l.reconcileLoop()
	return l
}

// SetRules replaces step sizes, typically after an ExchangeInfo refresh.
func (l *Ledger) SetRules(rules map[string]rest.SymbolRules) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for sym, r := range rules {
		l.steps[sym] = r.StepSize
	}
}

func (l *Ledger) enqueue(ctx context.Context, job func()) error {
	l.qmu.RLock()
	defer l.qmu.RUnlock()
	if l.closed {
		return errs.New(scope, errs.CodeUnavailable, errs.WithMessage("ledger closed"))
	}
	select {
	case l.queue <- job:
		return nil
	case <-ctx.Done():
		return errs.New(scope, errs.CodeBackpressure, errs.WithMessage("dispatch queue full"), errs.WithCause(ctx.Err()))
	}
}

// Submit records the intent and dispatches it asynchronously. A key seen before returns the existing
// order's handle with Replay set; the intent is not sent again.
func (l *Ledger) Submit(ctx context.Context, intent schema.OrderIntent) (*Handle, error) {
	if err := intent.Validate(); err != nil {
		return nil, err
	}
	now := l.clock.Now()

	l.mu.Lock()
	if rec, ok := l.records[intent.IdempotencyKey]; ok {
		l.mu.Unlock()
		return &Handle{rec: rec, replay: true}, nil
	}
	rec := newRecord(intent, now)
	l.records[intent.IdempotencyKey] = rec
	l.seqByKey[intent.IdempotencyKey] = l.nextOrder.Add(1)
	l.mu.Unlock()

	rec.mu.Lock()
	l.publishLocked(rec, "")
	rec.mu.Unlock()

	if err := l.enqueue(ctx, func() { l.dispatch(rec) }); err != nil {
		rec.mu.Lock()
		l.transitionLocked(rec, schema.StatusRejected, func(o *schema.Order) {
			o.Reason = "not dispatched: " + err.Error()
		})
		rec.mu.Unlock()
		return &Handle{rec: rec}, err
	}
	return &Handle{rec: rec}, nil
}

// dispatch sends the order. It runs on a context detached from shutdown; the REST client bounds it
// with its own timeouts and retry budget.
func (l *Ledger) dispatch(rec *record) {
	rec.mu.Lock()
	if rec.order.Status != schema.StatusCreated {
		rec.mu.Unlock()
		return
	}
	l.transitionLocked(rec, schema.StatusSubmitted, nil)
	rec.submittedAt = l.clock.Now()
	intent := rec.order.Intent
	rec.mu.Unlock()

	resp, err := l.ex.PlaceOrder(context.Background(), intent)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if err == nil {
		l.applyLocked(rec, resp.Update())
		return
	}
	switch {
	case errs.CodeOf(err) == errs.CodeUnknownOutcome:
		// A retry failed after an attempt that may have executed; only the exchange can tell.
		l.markAmbiguousLocked(rec, err)
		rec.reconcileNow = true
	case errs.Is(err, errs.CodeRejected):
		e, _ := errs.As(err)
		if e != nil && e.Reason == errs.ReasonDuplicateOrder {
			// The key already exists on the exchange: an earlier attempt landed.
			l.markAmbiguousLocked(rec, err)
			rec.reconcileNow = true
			return
		}
		l.transitionLocked(rec, schema.StatusRejected, func(o *schema.Order) { o.Reason = rejectionReason(err) })
	case errs.Is(err, errs.CodeBackpressure), errs.Is(err, errs.CodeFatal), errs.Is(err, errs.CodeInvalid):
		// The request never reached the matching engine.
		l.transitionLocked(rec, schema.StatusRejected, func(o *schema.Order) { o.Reason = rejectionReason(err) })
	default:
		l.markAmbiguousLocked(rec, err)
	}
}

func rejectionReason(err error) string {
	if e, ok := errs.As(err); ok {
		for e != nil {
			if e.RawMsg != "" {
				return e.RawMsg
			}
			if e.Message != "" && e.Code != errs.CodeExecutionFailed {
				return e.Message
			}
			inner, ok := errs.As(e.Unwrap())
			if !ok {
				break
			}
			e = inner
		}
	}
	return err.Error()
}

func (l *Ledger) markAmbiguousLocked(rec *record, err error) {
	rec.order.Ambiguous = true
	rec.order.Reason = "outcome unknown: " + err.Error()
	rec.order.UpdatedAt = l.clock.Now()
	l.logger.Warn("order outcome unknown; awaiting reconciliation",
		observability.F("key", rec.order.IdempotencyKey),
		observability.F("symbol", rec.order.Intent.Symbol),
		observability.Err(err))
}

// Cancel cancels a live order and applies the exchange response.
func (l *Ledger) Cancel(ctx context.Context, ref Ref) (schema.Order, error) {
	rec, ok := l.lookup(ref)
	if !ok {
		return schema.Order{}, errs.New(scope, errs.CodeNotFound, errs.WithMessage("order not found"))
	}
	snap := rec.snapshot()
	if snap.Status.Terminal() {
		return snap, errs.New(scope, errs.CodeConflict,
			errs.WithMessage("order already "+strings.ToLower(string(snap.Status))))
	}
	resp, err := l.ex.CancelOrder(ctx, snap.Intent.Symbol, snap.IdempotencyKey, snap.ExchangeID)
	if err != nil {
		return snap, fmt.Errorf("cancel %s: %w", snap.IdempotencyKey, err)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	l.applyLocked(rec, resp.Update())
	return rec.snapshotLocked(), nil
}

// Apply reconciles an execution report keyed by client id, falling back to the exchange id.
func (l *Ledger) Apply(update schema.OrderUpdate) error {
	rec, ok := l.lookup(Ref{Key: update.ClientOrderID, ExchangeID: update.OrderID})
	if !ok {
		return errs.New(scope, errs.CodeNotFound,
			errs.WithMessage("execution report for unknown order"),
			errs.WithField("client_id", update.ClientOrderID))
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	l.applyLocked(rec, update)
	return nil
}

func (l *Ledger) lookup(ref Ref) (*record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if ref.Key != "" {
		if rec, ok := l.records[ref.Key]; ok {
			return rec, true
		}
	}
	if ref.ExchangeID != 0 {
		rec, ok := l.byID[ref.ExchangeID]
		return rec, ok
	}
	return nil, false
}

func (l *Ledger) stepFor(symbol string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.steps[symbol]
}

// applyLocked folds an exchange report into the record.
func (l *Ledger) applyLocked(rec *record, u schema.OrderUpdate) {
	to, ok := schema.StatusFromExchange(u.Status)
	if !ok {
		l.logger.Warn("unmapped exchange order status",
			observability.F("key", rec.order.IdempotencyKey),
			observability.F("status", u.Status))
		return
	}
	if u.OrderID != 0 && rec.order.ExchangeID == 0 {
		rec.order.ExchangeID = u.OrderID
		l.mu.Lock()
		l.byID[u.OrderID] = rec
		l.mu.Unlock()
	}

	filled := rec.order.FilledQty
	if u.CumQty.GreaterThan(filled) {
		filled = u.CumQty
	}
	if to == schema.StatusFilled && !l.fullyFilled(rec.order.Intent, filled) {
		to = schema.StatusPartiallyFilled
	}
	// An acknowledgement that already carries fills is a partial fill.
	if to == schema.StatusAcknowledged && filled.IsPositive() {
		to = schema.StatusPartiallyFilled
	}

	l.transitionLocked(rec, to, func(o *schema.Order) {
		o.FilledQty = filled
		if u.AvgPrice.IsPositive() {
			o.AvgPrice = u.AvgPrice
		}
		if u.Reason != "" {
			o.Reason = u.Reason
		}
		if to.Acknowledged() {
			o.Ambiguous = false
			if strings.HasPrefix(o.Reason, "outcome unknown") {
				o.Reason = ""
			}
		}
	})
}

func (l *Ledger) fullyFilled(intent schema.OrderIntent, filled decimal.Decimal) bool {
	remainder := intent.Quantity.Sub(filled)
	if !remainder.IsPositive() {
		return true
	}
	step := l.stepFor(intent.Symbol)
	return step.IsPositive() && remainder.LessThan(step)
}

// transitionLocked moves rec to status to. Lower ranks and changes out of a terminal state are
// refused; a same-rank update is published only when it changed the fill.
func (l *Ledger) transitionLocked(rec *record, to schema.OrderStatus, mutate func(*schema.Order)) bool {
	from := rec.order.Status
	if from.Terminal() {
		if to != from {
			l.logger.Debug("ignoring transition out of terminal state",
				observability.F("key", rec.order.IdempotencyKey),
				observability.F("from", string(from)),
				observability.F("to", string(to)))
		}
		return false
	}
	if to.Rank() < from.Rank() {
		return false
	}
	if to.Rank() == from.Rank() && to != from {
		return false
	}
	before := rec.order.FilledQty
	if mutate != nil {
		mutate(&rec.order)
	}
	if rec.order.FilledQty.LessThan(before) {
		rec.order.FilledQty = before
	}
	if to == from && rec.order.FilledQty.Equal(before) {
		return false
	}
	now := l.clock.Now()
	rec.order.Status = to
	rec.order.UpdatedAt = now
	if _, seen := rec.order.Transitions[to]; !seen {
		rec.order.Transitions[to] = now
	}
	l.publishLocked(rec, from)
	rec.signalLocked()
	l.transitions.Add(context.Background(), 1, metric.WithAttributes(
		telemetry.With(telemetry.AttrOrderStatus.String(string(to)))...))
	return true
}

func (l *Ledger) publishLocked(rec *record, from schema.OrderStatus) {
	if l.bus == nil {
		return
	}
	l.mu.RLock()
	seq := l.seqByKey[rec.order.IdempotencyKey]
	l.mu.RUnlock()
	evt := schema.NewEvent("ledger", rec.order.Intent.Symbol, seq, schema.OrderTransition{
		From:  from,
		To:    rec.order.Status,
		Order: rec.snapshotLocked(),
	})
	evt.Stream = rec.order.IdempotencyKey
	evt.EventTime = rec.order.UpdatedAt
	evt.Received = rec.order.UpdatedAt
	if err := l.bus.Publish(context.Background(), evt); err != nil {
		l.logger.Warn("publish order transition failed",
			observability.F("key", rec.order.IdempotencyKey), observability.Err(err))
	}
}

// Get returns a snapshot of the order.
func (l *Ledger) Get(key string) (schema.Order, bool) {
	rec, ok := l.lookup(Ref{Key: key})
	if !ok {
		return schema.Order{}, false
	}
	return rec.snapshot(), true
}

// Handle returns a handle for a known key.
func (l *Ledger) Handle(key string) (*Handle, bool) {
	rec, ok := l.lookup(Ref{Key: key})
	if !ok {
		return nil, false
	}
	return &Handle{rec: rec, replay: true}, true
}

// List returns every order in creation order.
func (l *Ledger) List() []schema.Order {
	l.mu.RLock()
	type keyed struct {
		seq uint64
		rec *record
	}
	recs := make([]keyed, 0, len(l.records))
	for key, rec := range l.records {
		recs = append(recs, keyed{seq: l.seqByKey[key], rec: rec})
	}
	l.mu.RUnlock()
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })
	out := make([]schema.Order, 0, len(recs))
	for _, k := range recs {
		out = append(out, k.rec.snapshot())
	}
	return out
}

// OnUpdate subscribes to transitions. The returned func unsubscribes and closes the channel.
func (l *Ledger) OnUpdate(ctx context.Context) (<-chan schema.OrderTransition, func()) {
	out := make(chan schema.OrderTransition, 64)
	if l.bus == nil {
		close(out)
		return out, func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	sub, err := l.bus.Subscribe(ctx, bus.SubscribeOptions{Name: "ledger-updates", Buffer: 256}, schema.EventOrderTransition)
	if err != nil {
		cancel()
		close(out)
		return out, func() {}
	}
	go func() {
		defer close(out)
		for evt := range sub.C {
			tr, ok := evt.Payload.(schema.OrderTransition)
			if !ok {
				continue
			}
			select {
			case out <- tr:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, func() {
		l.bus.Unsubscribe(sub.ID)
		cancel()
	}
}

// Run applies execution reports from the bus until ctx ends.
func (l *Ledger) Run(ctx context.Context) error {
	if l.bus == nil {
		<-ctx.Done()
		return nil
	}
	sub, err := l.bus.Subscribe(ctx, bus.SubscribeOptions{Name: "ledger", Buffer: 512}, schema.EventOrderUpdate)
	if err != nil {
		return fmt.Errorf("ledger subscribe: %w", err)
	}
	defer l.bus.Unsubscribe(sub.ID)
	for evt := range sub.C {
		update, ok := evt.Payload.(schema.OrderUpdate)
		if !ok {
			continue
		}
		if err := l.Apply(update); err != nil {
			l.logger.Debug("execution report not applied",
				observability.F("client_id", update.ClientOrderID),
				observability.Err(err))
		}
	}
	return nil
}

// Close stops reconciliation and waits for in-flight dispatches to finish.
func (l *Ledger) Close() {
	l.once.Do(func() {
		close(l.stop)
		<-l.stopped
		l.qmu.Lock()
		l.closed = true
		close(l.queue)
		l.qmu.Unlock()
		<-l.drained
	})
}
