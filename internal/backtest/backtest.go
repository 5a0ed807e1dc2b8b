package backtest

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/coachpo/tradewire/errs"
	"github.com/coachpo/tradewire/internal/decider"
	"github.com/coachpo/tradewire/internal/ledger"
	"github.com/coachpo/tradewire/internal/observability"
	"github.com/coachpo/tradewire/internal/schema"
)

// Feeder yields replayed market events in time order and io.EOF at the end.
type Feeder interface {
	Next() (schema.Event, error)
}

// Evaluator turns a market event into submitted orders.
type Evaluator interface {
	Evaluate(ctx context.Context, evt schema.Event) []*ledger.Handle
}

type engineConfig struct {
	Clock  *VirtualClock
	Settle time.Duration
	Logger observability.Logger
}

// EngineOption configures optional engine behaviour.
type EngineOption func(*engineConfig)

// WithClock overrides the virtual clock advanced by event time.
func WithClock(clock *VirtualClock) EngineOption {
	return func(cfg *engineConfig) {
		if clock != nil {
			cfg.Clock = clock
		}
	}
}

// WithSettleTimeout bounds the wall time spent waiting for one order to be acknowledged.
func WithSettleTimeout(d time.Duration) EngineOption {
	return func(cfg *engineConfig) {
		if d > 0 {
			cfg.Settle = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l observability.Logger) EngineOption {
	return func(cfg *engineConfig) {
		if l != nil {
			cfg.Logger = l
		}
	}
}

// Engine orchestrates a backtest run by replaying market events and recording analytics. Each
// event is applied to the exchange before the deciders see it, and every order it triggers is
// acknowledged before the next event.
type Engine struct {
	feeder   Feeder
	exchange *SimulatedExchange
	eval     Evaluator
	clock    *VirtualClock
	settle   time.Duration
	logger   observability.Logger

	analytics   *Analytics
	analyticsMu sync.Mutex
}

// NewEngine creates a new backtest engine and registers it as the exchange's fill observer.
func NewEngine(feeder Feeder, exchange *SimulatedExchange, eval Evaluator, opts ...EngineOption) *Engine {
	cfg := engineConfig{
		Clock:  NewVirtualClock(time.Unix(0, 0)),
		Settle: 5 * time.Second,
		Logger: observability.Log(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	eng := &Engine{
		feeder:    feeder,
		exchange:  exchange,
		eval:      eval,
		clock:     cfg.Clock,
		settle:    cfg.Settle,
		logger:    cfg.Logger,
		analytics: newAnalytics(),
	}
	exchange.setObserver(eng)
	return eng
}

// Run replays until the feeder is exhausted or ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		evt, err := e.feeder.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := e.step(ctx, evt); err != nil {
			return err
		}
	}
}

func (e *Engine) step(ctx context.Context, evt schema.Event) error {
	if !evt.EventTime.IsZero() {
		e.clock.AdvanceTo(evt.EventTime)
	}
	e.exchange.OnTrade(ctx, evt)

	e.analyticsMu.Lock()
	e.analytics.Events++
	if price, ok := decider.PriceOf(evt); ok {
		e.analytics.mark(evt.Symbol, price)
	}
	e.analyticsMu.Unlock()

	if e.eval == nil {
		return nil
	}
	for _, h := range e.eval.Evaluate(ctx, evt) {
		if err := e.await(ctx, h); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) await(ctx context.Context, h *ledger.Handle) error {
	timer := time.NewTimer(e.settle)
	defer timer.Stop()
	select {
	case <-h.Acked():
	case <-h.Done():
	case <-ctx.Done():
	case <-timer.C:
		return errs.New(scope, errs.CodeUnavailable, errs.WithMessage("order not acknowledged in time"))
	}
	return nil
}

// Analytics returns a snapshot of the current backtest analytics.
func (e *Engine) Analytics() Analytics {
	e.analyticsMu.Lock()
	defer e.analyticsMu.Unlock()
	return e.analytics.clone()
}

// OnOrderSubmitted is invoked by the simulated exchange when a new order is processed.
func (e *Engine) OnOrderSubmitted(_ schema.OrderIntent) {
	e.analyticsMu.Lock()
	e.analytics.recordOrder()
	e.analyticsMu.Unlock()
}

// OnFill updates analytics in response to simulated executions.
func (e *Engine) OnFill(fill Fill) {
	e.analyticsMu.Lock()
	e.analytics.recordFill(fill)
	e.analyticsMu.Unlock()
}
