package coordinator

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/coachpo/tradewire/errs"
	"github.com/coachpo/tradewire/internal/bus"
	"github.com/coachpo/tradewire/internal/decider"
	"github.com/coachpo/tradewire/internal/ledger"
	"github.com/coachpo/tradewire/internal/observability"
	"github.com/coachpo/tradewire/internal/schema"
)

// triggerNamespace scopes derived market-trigger keys.
var triggerNamespace = uuid.MustParse("6f1c2a7e-5d0b-4c1e-9a53-7b4e2f8d9c10")

// Subscriber is the bus surface the trigger loop needs.
type Subscriber interface {
	Subscribe(ctx context.Context, opts bus.SubscribeOptions, types ...schema.EventType) (*bus.Subscription, error)
	Unsubscribe(id bus.SubscriptionID)
}

// Run feeds trade, ticker and kline events to every decider and submits the intents they
// produce until ctx ends.
func (c *Coordinator) Run(ctx context.Context, b Subscriber) error {
	if len(c.deciders) == 0 {
		<-ctx.Done()
		return nil
	}
	sub, err := b.Subscribe(ctx, bus.SubscribeOptions{Name: "coordinator", Buffer: 1024, Mode: bus.Lossless},
		schema.EventTrade, schema.EventTicker, schema.EventKline)
	if err != nil {
		return fmt.Errorf("coordinator subscribe: %w", err)
	}
	defer b.Unsubscribe(sub.ID)
	for evt := range sub.C {
		c.OnEvent(ctx, evt)
	}
	return nil
}

// OnEvent runs the deciders over one event. Decider failures are logged and do not stop the loop.
func (c *Coordinator) OnEvent(ctx context.Context, evt schema.Event) {
	_ = c.Evaluate(ctx, evt)
}

// Evaluate is OnEvent returning the handles of the orders it submitted or replayed.
func (c *Coordinator) Evaluate(ctx context.Context, evt schema.Event) []*ledger.Handle {
	var handles []*ledger.Handle
	for _, d := range c.deciders {
		intents, err := d.Decide(ctx, evt)
		if err != nil {
			c.logger.Warn("decider failed",
				observability.F("decider", d.Name()),
				observability.F("symbol", evt.Symbol),
				observability.Err(err))
			continue
		}
		for i, intent := range intents {
			if h := c.trigger(ctx, d, evt, i, intent); h != nil {
				handles = append(handles, h)
			}
		}
	}
	return handles
}

func (c *Coordinator) trigger(ctx context.Context, d decider.Decider, evt schema.Event, idx int, intent schema.OrderIntent) *ledger.Handle {
	intent.Source = schema.SourceMarketTrigger
	intent.ReceivedAt = c.clock.Now()
	if intent.Symbol == "" {
		intent.Symbol = evt.Symbol
	}
	if intent.IdempotencyKey == "" {
		intent.IdempotencyKey = TriggerKey(d.Name(), evt, idx)
	}
	h, err := c.Handle(ctx, intent)
	switch {
	case err == nil && h.Replay():
		c.logger.Debug("market trigger replayed", observability.F("key", intent.IdempotencyKey))
	case err == nil:
	case errs.Is(err, errs.CodeConflict):
		c.logger.Info("market trigger skipped: execution key busy",
			observability.F("decider", d.Name()),
			observability.F("exclusion_key", intent.ExclusionKey()))
	default:
		c.logger.Warn("market trigger not submitted",
			observability.F("decider", d.Name()),
			observability.F("key", intent.IdempotencyKey),
			observability.Err(err))
	}
	if err != nil {
		return nil
	}
	return h
}

// TriggerKey derives a stable idempotency key from the decider and the event that fired it, so a
// redelivered event maps onto the same order.
func TriggerKey(deciderName string, evt schema.Event, idx int) string {
	parts := []string{
		deciderName,
		evt.Channel,
		evt.Stream,
		evt.Symbol,
		string(evt.Type),
		strconv.FormatUint(evt.Seq, 10),
		strconv.FormatInt(evt.EventTime.UnixMilli(), 10),
		strconv.Itoa(idx),
	}
	return uuid.NewSHA1(triggerNamespace, []byte(strings.Join(parts, "|"))).String()
}
