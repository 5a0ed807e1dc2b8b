package schema

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradewire/errs"
)

func validIntent() OrderIntent {
	return OrderIntent{
		Symbol:         "BTCUSDT",
		Side:           SideBuy,
		Type:           OrderTypeMarket,
		Quantity:       decimal.RequireFromString("0.010"),
		IdempotencyKey: "wh-abc_123",
		Source:         SourceWebhookTrigger,
	}
}

func TestIntentValidation(t *testing.T) {
	require.NoError(t, validIntent().Validate())

	cases := map[string]func(*OrderIntent){
		"lower symbol":      func(i *OrderIntent) { i.Symbol = "btcusdt" },
		"zero quantity":     func(i *OrderIntent) { i.Quantity = decimal.Zero },
		"market with price": func(i *OrderIntent) { i.Price = decimal.NewFromInt(1) },
		"limit no price":    func(i *OrderIntent) { i.Type = OrderTypeLimit },
		"bad side":          func(i *OrderIntent) { i.Side = "HOLD" },
		"bad key":           func(i *OrderIntent) { i.IdempotencyKey = "has space" },
		"long key":          func(i *OrderIntent) { i.IdempotencyKey = "0123456789012345678901234567890123456" },
		"no source":         func(i *OrderIntent) { i.Source = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			intent := validIntent()
			mutate(&intent)
			err := intent.Validate()
			require.True(t, errs.Is(err, errs.CodeInvalid), "got %v", err)
		})
	}
}

func TestExclusionKeyPrefersStrategy(t *testing.T) {
	i := validIntent()
	require.Equal(t, "BTCUSDT", i.ExclusionKey())
	i.StrategyKey = "momo"
	require.Equal(t, "momo", i.ExclusionKey())
}

func TestStatusRanksAreMonotonic(t *testing.T) {
	order := []OrderStatus{StatusCreated, StatusSubmitted, StatusAcknowledged, StatusPartiallyFilled, StatusFilled}
	for i := 1; i < len(order); i++ {
		require.Greater(t, order[i].Rank(), order[i-1].Rank())
	}
	for _, s := range []OrderStatus{StatusFilled, StatusCanceled, StatusRejected, StatusExpired} {
		require.True(t, s.Terminal())
	}
	require.False(t, StatusSubmitted.Acknowledged())
	require.True(t, StatusRejected.Acknowledged())

	got, ok := StatusFromExchange("new")
	require.True(t, ok)
	require.Equal(t, StatusAcknowledged, got)
	got, ok = StatusFromExchange("EXPIRED_IN_MATCH")
	require.True(t, ok)
	require.Equal(t, StatusExpired, got)
	_, ok = StatusFromExchange("PENDING_NEW")
	require.False(t, ok)
}

func TestNewEventTagsFromPayload(t *testing.T) {
	ev := NewEvent("market", "BTCUSDT", 7, Trade{AggID: 7})
	require.Equal(t, EventTrade, ev.Type)
	require.NoError(t, ev.Validate())

	ev.Type = EventTicker
	require.Error(t, ev.Validate())
	require.Error(t, Event{Type: EventTrade}.Validate())
}
