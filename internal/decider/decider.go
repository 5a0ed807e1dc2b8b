// Package decider holds the pluggable decision functions that turn market events into order
// intents. Deciders hold no exchange state; the coordinator owns submission.
package decider

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradewire/internal/schema"
)

// Decider maps one market event to zero or more intents. Returned intents may leave
// IdempotencyKey, Source and ReceivedAt empty; the coordinator fills them.
type Decider interface {
	Name() string
	Decide(ctx context.Context, evt schema.Event) ([]schema.OrderIntent, error)
}

// Func adapts a plain function into a Decider.
type Func struct {
	Label string
	Fn    func(ctx context.Context, evt schema.Event) ([]schema.OrderIntent, error)
}

func (f Func) Name() string { return f.Label }

func (f Func) Decide(ctx context.Context, evt schema.Event) ([]schema.OrderIntent, error) {
	if f.Fn == nil {
		return nil, nil
	}
	return f.Fn(ctx, evt)
}

// PriceOf extracts the reference price of a market event.
func PriceOf(evt schema.Event) (decimal.Decimal, bool) {
	switch p := evt.Payload.(type) {
	case schema.Trade:
		return p.Price, p.Price.IsPositive()
	case schema.Ticker:
		if p.Last.IsPositive() {
			return p.Last, true
		}
		if p.BidPrice.IsPositive() && p.AskPrice.IsPositive() {
			return p.BidPrice.Add(p.AskPrice).Div(decimal.NewFromInt(2)), true
		}
	case schema.Kline:
		return p.Close, p.Close.IsPositive()
	}
	return decimal.Zero, false
}
