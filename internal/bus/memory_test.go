package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradewire/errs"
	"github.com/coachpo/tradewire/internal/schema"
)

func tradeEvent(seq uint64) schema.Event {
	return schema.NewEvent("market", "BTCUSDT", seq, schema.Trade{
		AggID: seq,
		Price: decimal.NewFromInt(100),
		Qty:   decimal.NewFromInt(1),
	})
}

func TestMemoryBusDeliversInPublishOrder(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 16}, nil)
	defer bus.Close()

	sub, err := bus.Subscribe(context.Background(), SubscribeOptions{Name: "reader"}, schema.EventTrade)
	require.NoError(t, err)

	for i := uint64(1); i <= 10; i++ {
		require.NoError(t, bus.Publish(context.Background(), tradeEvent(i)))
	}
	for i := uint64(1); i <= 10; i++ {
		evt := <-sub.C
		require.Equal(t, i, evt.Seq)
	}
}

func TestMemoryBusFiltersByType(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{}, nil)
	defer bus.Close()

	trades, err := bus.Subscribe(context.Background(), SubscribeOptions{}, schema.EventTrade)
	require.NoError(t, err)
	both, err := bus.Subscribe(context.Background(), SubscribeOptions{}, schema.EventTrade, schema.EventStreamReconnected)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(),
		schema.NewEvent("market", "", 0, schema.StreamReconnected{Attempt: 1})))
	require.NoError(t, bus.Publish(context.Background(), tradeEvent(1)))

	first := <-both.C
	require.Equal(t, schema.EventStreamReconnected, first.Type)
	second := <-both.C
	require.Equal(t, schema.EventTrade, second.Type)

	only := <-trades.C
	require.Equal(t, schema.EventTrade, only.Type)
	select {
	case evt := <-trades.C:
		t.Fatalf("unexpected event %v", evt.Type)
	default:
	}
}

func TestMemoryBusDropOldestKeepsNewest(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{}, nil)
	defer bus.Close()

	sub, err := bus.Subscribe(context.Background(), SubscribeOptions{Buffer: 2, Mode: DropOldest}, schema.EventTrade)
	require.NoError(t, err)

	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, bus.Publish(context.Background(), tradeEvent(i)))
	}
	require.Equal(t, uint64(3), sub.Dropped())
	require.Equal(t, uint64(4), (<-sub.C).Seq)
	require.Equal(t, uint64(5), (<-sub.C).Seq)
}

func TestMemoryBusLosslessBlocksUntilConsumed(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{}, nil)
	defer bus.Close()

	sub, err := bus.Subscribe(context.Background(), SubscribeOptions{Buffer: 1}, schema.EventTrade)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), tradeEvent(1)))

	done := make(chan error, 1)
	go func() {
		done <- bus.Publish(context.Background(), tradeEvent(2))
	}()

	select {
	case <-done:
		t.Fatal("publish returned while subscriber buffer was full")
	case <-time.After(50 * time.Millisecond):
	}

	require.Equal(t, uint64(1), (<-sub.C).Seq)
	require.NoError(t, <-done)
	require.Equal(t, uint64(2), (<-sub.C).Seq)
	require.Zero(t, sub.Dropped())
}

func TestMemoryBusLosslessHonoursPublisherContext(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{}, nil)
	defer bus.Close()

	_, err := bus.Subscribe(context.Background(), SubscribeOptions{Buffer: 1}, schema.EventTrade)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), tradeEvent(1)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = bus.Publish(ctx, tradeEvent(2))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryBusFanoutToManySubscribers(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{FanoutWorkers: 2}, nil)
	defer bus.Close()

	const n = 6
	subs := make([]*Subscription, n)
	for i := range subs {
		sub, err := bus.Subscribe(context.Background(), SubscribeOptions{}, schema.EventTrade)
		require.NoError(t, err)
		subs[i] = sub
	}
	require.NoError(t, bus.Publish(context.Background(), tradeEvent(7)))

	var wg sync.WaitGroup
	got := make(chan uint64, n)
	for _, sub := range subs {
		wg.Add(1)
		go func(s *Subscription) {
			defer wg.Done()
			got <- (<-s.C).Seq
		}(sub)
	}
	wg.Wait()
	close(got)
	for seq := range got {
		require.Equal(t, uint64(7), seq)
	}
}

func TestMemoryBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{}, nil)
	defer bus.Close()

	sub, err := bus.Subscribe(context.Background(), SubscribeOptions{}, schema.EventTrade)
	require.NoError(t, err)
	bus.Unsubscribe(sub.ID)

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.C:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, bus.Publish(context.Background(), tradeEvent(1)))
}

func TestMemoryBusCloseRejectsPublish(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{}, nil)
	sub, err := bus.Subscribe(context.Background(), SubscribeOptions{}, schema.EventTrade)
	require.NoError(t, err)

	bus.Close()
	bus.Close()

	err = bus.Publish(context.Background(), tradeEvent(1))
	require.True(t, errs.Is(err, errs.CodeUnavailable))
	_, err = bus.Subscribe(context.Background(), SubscribeOptions{}, schema.EventTrade)
	require.True(t, errs.Is(err, errs.CodeUnavailable))

	require.Eventually(t, func() bool {
		_, ok := <-sub.C
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryBusRejectsMismatchedEnvelope(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{}, nil)
	defer bus.Close()

	evt := tradeEvent(1)
	evt.Type = schema.EventTicker
	err := bus.Publish(context.Background(), evt)
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestMemoryBusStatsReportBacklogAndDrops(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{}, nil)
	defer bus.Close()

	_, err := bus.Subscribe(context.Background(), SubscribeOptions{Name: "dash", Buffer: 2, Mode: DropOldest}, schema.EventTrade)
	require.NoError(t, err)
	require.Equal(t, 1, bus.SubscriberCount(schema.EventTrade))
	require.Zero(t, bus.SubscriberCount(schema.EventKline))

	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, bus.Publish(context.Background(), tradeEvent(seq)))
	}
	stats := bus.Stats()
	require.Len(t, stats, 1)
	require.Equal(t, "dash", stats[0].Name)
	require.Equal(t, "drop_oldest", stats[0].Mode)
	require.Equal(t, 2, stats[0].Buffered)
	require.Equal(t, 2, stats[0].Capacity)
	require.Equal(t, uint64(1), stats[0].Dropped)
}
