package decider

import (
	"context"
	"sync"

	"github.com/coachpo/tradewire/internal/importer"
	"github.com/coachpo/tradewire/internal/observability"
	"github.com/coachpo/tradewire/internal/schema"
)

type rule struct {
	params importer.Params
	armed  bool
}

// Thresholds fires a market order the first time a symbol's price reaches a rule's stop (at or
// below) or take (at or above) level. A fired rule stays disarmed until Rearm.
type Thresholds struct {
	mu     sync.Mutex
	rules  map[string][]*rule
	logger observability.Logger
}

// NewThresholds arms one rule per parameter row.
func NewThresholds(params []importer.Params, logger observability.Logger) *Thresholds {
	if logger == nil {
		logger = observability.Log()
	}
	t := &Thresholds{rules: make(map[string][]*rule), logger: logger}
	for _, p := range params {
		t.rules[p.Symbol] = append(t.rules[p.Symbol], &rule{params: p, armed: true})
	}
	return t
}

func (t *Thresholds) Name() string { return "thresholds" }

// Decide checks every armed rule for the event's symbol.
func (t *Thresholds) Decide(_ context.Context, evt schema.Event) ([]schema.OrderIntent, error) {
	price, ok := PriceOf(evt)
	if !ok {
		return nil, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []schema.OrderIntent
	for _, r := range t.rules[evt.Symbol] {
		if !r.armed {
			continue
		}
		p := r.params
		hitStop := !p.Stop.IsZero() && price.LessThanOrEqual(p.Stop)
		hitTake := !p.Take.IsZero() && price.GreaterThanOrEqual(p.Take)
		if !hitStop && !hitTake {
			continue
		}
		r.armed = false
		level := "take"
		if hitStop {
			level = "stop"
		}
		t.logger.Info("threshold reached",
			observability.F("strategy", p.Strategy),
			observability.F("symbol", p.Symbol),
			observability.F("level", level),
			observability.F("price", price.String()))
		out = append(out, schema.OrderIntent{
			Symbol:      p.Symbol,
			Side:        p.Side,
			Type:        schema.OrderTypeMarket,
			Quantity:    p.Quantity,
			ReduceOnly:  p.ReduceOnly,
			StrategyKey: p.Strategy,
		})
	}
	return out, nil
}

// Rearm re-enables the rules of a strategy, or every rule when strategy is empty. It returns the
// number of rules re-armed.
func (t *Thresholds) Rearm(strategy string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, rules := range t.rules {
		for _, r := range rules {
			if r.armed || (strategy != "" && r.params.Strategy != strategy) {
				continue
			}
			r.armed = true
			n++
		}
	}
	return n
}

// Armed reports how many rules can still fire.
func (t *Thresholds) Armed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, rules := range t.rules {
		for _, r := range rules {
			if r.armed {
				n++
			}
		}
	}
	return n
}
