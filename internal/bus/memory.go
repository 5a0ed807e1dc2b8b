package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradewire/errs"
	"github.com/coachpo/tradewire/internal/observability"
	"github.com/coachpo/tradewire/internal/schema"
	"github.com/coachpo/tradewire/internal/telemetry"
)

// MemoryBus is an in-memory implementation of Bus.
type MemoryBus struct {
	cfg    MemoryConfig
	logger observability.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[schema.EventType]map[SubscriptionID]*subscriber
	byID         map[SubscriptionID]*subscriber
	shutdownOnce sync.Once
	nextID       atomic.Uint64

	delivered metric.Int64Counter
	dropped   metric.Int64Counter
}

type subscriber struct {
	id     SubscriptionID
	name   string
	mode   Mode
	types  []schema.EventType
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	ch      chan schema.Event
	closed  bool
	dropped atomic.Uint64
}

// NewMemoryBus constructs a memory-backed bus.
func NewMemoryBus(cfg MemoryConfig, logger observability.Logger) *MemoryBus {
	if logger == nil {
		logger = observability.Log()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &MemoryBus{
		cfg:         cfg.normalize(),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[schema.EventType]map[SubscriptionID]*subscriber),
		byID:        make(map[SubscriptionID]*subscriber),
	}
	meter := telemetry.Meter()
	b.delivered, _ = meter.Int64Counter(telemetry.MetricBusDelivered,
		metric.WithDescription("Events delivered to subscribers"),
		metric.WithUnit("{event}"))
	b.dropped, _ = meter.Int64Counter(telemetry.MetricBusDropped,
		metric.WithDescription("Events evicted from slow drop-oldest subscribers"),
		metric.WithUnit("{event}"))
	return b
}

// Publish fans the event out to every subscriber of its type and returns once each delivery has
// been buffered or dropped.
func (b *MemoryBus) Publish(ctx context.Context, evt schema.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := evt.Validate(); err != nil {
		return errs.New("bus/publish", errs.CodeInvalid, errs.WithMessage(err.Error()))
	}
	if b.ctx.Err() != nil {
		return errs.New("bus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}

	b.mu.RLock()
	subMap := b.subscribers[evt.Type]
	subs := make([]*subscriber, 0, len(subMap))
	for _, sub := range subMap {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	switch len(subs) {
	case 0:
		return nil
	case 1:
		return b.deliver(ctx, subs[0], evt)
	}

	p := concpool.New().WithErrors().WithMaxGoroutines(b.cfg.FanoutWorkers)
	for _, sub := range subs {
		sub := sub
		p.Go(func() error {
			return b.deliver(ctx, sub, evt)
		})
	}
	return p.Wait()
}

func (b *MemoryBus) deliver(ctx context.Context, sub *subscriber, evt schema.Event) error {
	sub.mu.RLock()
	defer sub.mu.RUnlock()
	if sub.closed {
		return nil
	}
	attrs := metric.WithAttributes(telemetry.With(telemetry.AttrEventType.String(string(evt.Type)))...)

	if sub.mode == Lossless {
		select {
		case sub.ch <- evt:
			b.delivered.Add(ctx, 1, attrs)
			return nil
		case <-sub.ctx.Done():
			return nil
		case <-b.ctx.Done():
			return errs.New("bus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
		case <-ctx.Done():
			return fmt.Errorf("deliver to %s: %w", sub.name, ctx.Err())
		}
	}

	select {
	case sub.ch <- evt:
		b.delivered.Add(ctx, 1, attrs)
		return nil
	default:
	}
	// Buffer full: evict the oldest event, then retry once.
	select {
	case <-sub.ch:
		sub.dropped.Add(1)
		b.dropped.Add(ctx, 1, attrs)
		b.logger.Warn("bus subscriber buffer full; dropped oldest event",
			observability.F("subscriber", sub.name),
			observability.F("type", string(evt.Type)),
			observability.F("symbol", evt.Symbol))
	default:
	}
	select {
	case sub.ch <- evt:
		b.delivered.Add(ctx, 1, attrs)
	default:
		sub.dropped.Add(1)
		b.dropped.Add(ctx, 1, attrs)
	}
	return nil
}

// Subscribe registers for the given event types.
func (b *MemoryBus) Subscribe(ctx context.Context, opts SubscribeOptions, types ...schema.EventType) (*Subscription, error) {
	if len(types) == 0 {
		return nil, errs.New("bus/subscribe", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	if b.ctx.Err() != nil {
		return nil, errs.New("bus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = b.cfg.BufferSize
	}
	id := SubscriptionID(fmt.Sprintf("sub-%d", b.nextID.Add(1)))
	name := opts.Name
	if name == "" {
		name = string(id)
	}
	sctx, cancel := context.WithCancel(ctx)
	sub := &subscriber{
		id:     id,
		name:   name,
		mode:   opts.Mode,
		types:  append([]schema.EventType(nil), types...),
		ctx:    sctx,
		cancel: cancel,
		ch:     make(chan schema.Event, buffer),
	}

	b.mu.Lock()
	for _, typ := range types {
		if _, ok := b.subscribers[typ]; !ok {
			b.subscribers[typ] = make(map[SubscriptionID]*subscriber)
		}
		b.subscribers[typ][id] = sub
	}
	b.byID[id] = sub
	b.mu.Unlock()

	go b.observe(sub)
	return &Subscription{ID: id, C: sub.ch, sub: sub}, nil
}

// Unsubscribe removes the subscription and closes its channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	b.mu.RLock()
	sub := b.byID[id]
	b.mu.RUnlock()
	if sub != nil {
		sub.cancel()
	}
}

// SubscriberCount reports live subscriptions for the event type.
func (b *MemoryBus) SubscriberCount(typ schema.EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[typ])
}

// Stats lists live subscriptions ordered by ID.
func (b *MemoryBus) Stats() []SubscriptionStats {
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.byID))
	for _, sub := range b.byID {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })

	out := make([]SubscriptionStats, 0, len(subs))
	for _, sub := range subs {
		out = append(out, SubscriptionStats{
			ID:       sub.id,
			Name:     sub.name,
			Mode:     sub.mode.String(),
			Types:    append([]schema.EventType(nil), sub.types...),
			Buffered: len(sub.ch),
			Capacity: cap(sub.ch),
			Dropped:  sub.dropped.Load(),
		})
	}
	return out
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		subs := make([]*subscriber, 0, len(b.byID))
		for _, sub := range b.byID {
			subs = append(subs, sub)
		}
		b.mu.Unlock()
		for _, sub := range subs {
			sub.cancel()
		}
	})
}

func (b *MemoryBus) observe(sub *subscriber) {
	select {
	case <-sub.ctx.Done():
	case <-b.ctx.Done():
		sub.cancel()
	}
	b.mu.Lock()
	for _, typ := range sub.types {
		if subs := b.subscribers[typ]; subs != nil {
			delete(subs, sub.id)
			if len(subs) == 0 {
				delete(b.subscribers, typ)
			}
		}
	}
	delete(b.byID, sub.id)
	b.mu.Unlock()

	sub.mu.Lock()
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
	sub.mu.Unlock()
}
