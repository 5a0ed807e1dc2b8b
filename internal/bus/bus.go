// Package bus is the in-process publish/subscribe fabric for market events and order transitions.
package bus

import (
	"context"

	"github.com/coachpo/tradewire/internal/schema"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Mode selects what happens when a subscriber falls behind.
type Mode int

const (
	// Lossless blocks the publisher until the subscriber has room.
	Lossless Mode = iota
	// DropOldest evicts the oldest buffered event. Suited to read-only observers.
	DropOldest
)

func (m Mode) String() string {
	if m == DropOldest {
		return "drop_oldest"
	}
	return "lossless"
}

// SubscribeOptions configures a subscription.
type SubscribeOptions struct {
	Name   string
	Buffer int
	Mode   Mode
}

// Subscription is a live registration. C is closed on Unsubscribe, context cancellation or Close.
type Subscription struct {
	ID SubscriptionID
	C  <-chan schema.Event

	sub *subscriber
}

// Dropped reports how many events were evicted for this subscriber.
func (s *Subscription) Dropped() uint64 {
	if s == nil || s.sub == nil {
		return 0
	}
	return s.sub.dropped.Load()
}

// SubscriptionStats describes one live subscription.
type SubscriptionStats struct {
	ID       SubscriptionID     `json:"id"`
	Name     string             `json:"name"`
	Mode     string             `json:"mode"`
	Types    []schema.EventType `json:"types"`
	Buffered int                `json:"buffered"`
	Capacity int                `json:"capacity"`
	Dropped  uint64             `json:"dropped"`
}

// Bus delivers events to interested subscribers. Events from one publisher reach each subscriber in
// publish order.
type Bus interface {
	Publish(ctx context.Context, evt schema.Event) error
	Subscribe(ctx context.Context, opts SubscribeOptions, types ...schema.EventType) (*Subscription, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// MemoryConfig configures the in-memory bus buffers.
type MemoryConfig struct {
	BufferSize    int
	FanoutWorkers int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	return c
}
