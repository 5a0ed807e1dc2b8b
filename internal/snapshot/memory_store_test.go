package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradewire/errs"
	"github.com/coachpo/tradewire/internal/schema"
	"github.com/coachpo/tradewire/internal/testutil/fakes"
)

func tradeAt(channel, symbol string, seq uint64, price int64) schema.Event {
	return schema.NewEvent(channel, symbol, seq, schema.Trade{AggID: seq, Price: decimal.NewFromInt(price), Qty: decimal.NewFromInt(1)})
}

func TestApplyKeepsLatestAndIgnoresOlder(t *testing.T) {
	s := NewMemoryStore(0, fakes.NewFakeClock(time.Unix(1000, 0)))
	key := Key{Channel: "market", Symbol: "BTCUSDT", Type: schema.EventTrade}

	s.Apply(tradeAt("market", "BTCUSDT", 5, 100))
	s.Apply(tradeAt("market", "BTCUSDT", 4, 99))
	s.Apply(tradeAt("market", "BTCUSDT", 6, 101))

	rec, err := s.Get(key)
	require.NoError(t, err)
	require.Equal(t, uint64(6), rec.Seq)
	require.Equal(t, uint64(2), rec.Version)
	require.True(t, rec.Payload.(schema.Trade).Price.Equal(decimal.NewFromInt(101)))
}

func TestReconnectMarksChannelStaleAndAcceptsNewBaseline(t *testing.T) {
	s := NewMemoryStore(0, nil)
	s.Apply(tradeAt("market", "BTCUSDT", 50, 100))
	s.Apply(tradeAt("other", "BTCUSDT", 9, 100))

	s.Apply(schema.NewEvent("market", "", 0, schema.StreamReconnected{Attempt: 1}))
	recs := s.List("BTCUSDT")
	require.Len(t, recs, 2)
	require.Equal(t, "market", recs[0].Key.Channel)
	require.True(t, recs[0].Stale)
	require.False(t, recs[1].Stale)

	s.Apply(tradeAt("market", "BTCUSDT", 1, 105))
	rec, err := s.Get(Key{Channel: "market", Symbol: "BTCUSDT", Type: schema.EventTrade})
	require.NoError(t, err)
	require.False(t, rec.Stale)
	require.Equal(t, uint64(1), rec.Seq)
}

func TestDesyncMarksSymbolStale(t *testing.T) {
	s := NewMemoryStore(0, nil)
	s.Apply(tradeAt("market", "BTCUSDT", 1, 100))
	s.Apply(tradeAt("market", "ETHUSDT", 1, 10))
	s.Apply(schema.NewEvent("market", "ETHUSDT", 0, schema.StreamError{Code: schema.StreamErrDesync, Expected: 2, Got: 4}))

	for _, rec := range s.List("") {
		require.Equal(t, rec.Key.Symbol == "ETHUSDT", rec.Stale, rec.Key.Symbol)
	}
}

func TestTTLAgingAndPrune(t *testing.T) {
	clk := fakes.NewFakeClock(time.Unix(1000, 0))
	s := NewMemoryStore(time.Minute, clk)
	s.Apply(tradeAt("market", "BTCUSDT", 1, 100))

	clk.Advance(2 * time.Minute)
	recs := s.List("")
	require.Len(t, recs, 1)
	require.True(t, recs[0].Stale)

	require.Equal(t, 1, s.Prune(90*time.Second))
	require.Empty(t, s.List(""))
}

func TestGetValidatesKey(t *testing.T) {
	s := NewMemoryStore(0, nil)
	_, err := s.Get(Key{Channel: "market", Symbol: "BTCUSDT", Type: schema.EventBookUpdate})
	require.True(t, errs.Is(err, errs.CodeInvalid))
	_, err = s.Get(Key{Channel: "market", Symbol: "BTCUSDT", Type: schema.EventTrade})
	require.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestRunStopsWhenChannelCloses(t *testing.T) {
	s := NewMemoryStore(0, nil)
	ch := make(chan schema.Event, 2)
	ch <- tradeAt("market", "BTCUSDT", 1, 100)
	close(ch)
	require.NoError(t, s.Run(context.Background(), ch))
	require.Len(t, s.List(""), 1)
}
