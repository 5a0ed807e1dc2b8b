package backtest

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradewire/errs"
	"github.com/coachpo/tradewire/internal/bus"
	"github.com/coachpo/tradewire/internal/coordinator"
	"github.com/coachpo/tradewire/internal/decider"
	"github.com/coachpo/tradewire/internal/importer"
	"github.com/coachpo/tradewire/internal/ledger"
	"github.com/coachpo/tradewire/internal/observability"
	"github.com/coachpo/tradewire/internal/rest"
	"github.com/coachpo/tradewire/internal/schema"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func requireDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

func trades(t *testing.T, prices ...string) *importer.TradeFeeder {
	t.Helper()
	var sb strings.Builder
	sb.WriteString("timestamp_ms,price,qty,symbol\n")
	for i, p := range prices {
		sb.WriteString(strconv.FormatInt(1_700_000_000_000+int64(i)*1000, 10))
		sb.WriteString("," + p + ",0.5,btcusdt\n")
	}
	feeder, err := importer.NewTradeFeeder(strings.NewReader(sb.String()), "replay")
	require.NoError(t, err)
	return feeder
}

type harness struct {
	bus      *bus.MemoryBus
	ledger   *ledger.Ledger
	exchange *SimulatedExchange
	clock    *VirtualClock
}

func newHarness(t *testing.T, opts ...ExchangeOption) *harness {
	t.Helper()
	b := bus.NewMemoryBus(bus.MemoryConfig{}, observability.Nop())
	clk := NewVirtualClock(time.Unix(0, 0))
	ex := NewSimulatedExchange(clk, append([]ExchangeOption{WithPublisher(b)}, opts...)...)
	l := ledger.New(ledger.Config{}, ex, b, ledger.WithLogger(observability.Nop()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()
	require.Eventually(t, func() bool { return b.SubscriberCount(schema.EventOrderUpdate) == 1 },
		2*time.Second, 5*time.Millisecond)
	t.Cleanup(func() {
		cancel()
		<-done
		l.Close()
		b.Close()
	})
	return &harness{bus: b, ledger: l, exchange: ex, clock: clk}
}

func TestEngineReplaysThresholdsIntoFills(t *testing.T) {
	h := newHarness(t, WithFees(ProportionalFee{Rate: dec("0.001")}))
	thresholds := decider.NewThresholds([]importer.Params{
		{Strategy: "dip", Symbol: "BTCUSDT", Side: schema.SideBuy, Quantity: dec("2"), Stop: dec("95")},
		{Strategy: "rip", Symbol: "BTCUSDT", Side: schema.SideSell, Quantity: dec("2"), Take: dec("105")},
	}, observability.Nop())
	coord := coordinator.New(h.ledger, coordinator.WithDeciders(thresholds), coordinator.WithLogger(observability.Nop()))

	engine := NewEngine(trades(t, "100", "96", "95", "101", "105", "104"), h.exchange, coord,
		WithClock(h.clock), WithLogger(observability.Nop()))
	require.NoError(t, engine.Run(context.Background()))

	stats := engine.Analytics()
	require.Equal(t, 6, stats.Events)
	require.Equal(t, 2, stats.TotalOrders)
	require.Equal(t, 2, stats.FilledOrders)
	requireDec(t, "4", stats.TotalVolume)
	requireDec(t, "0", stats.Position("BTCUSDT"))
	requireDec(t, "20", stats.GrossPnL)
	requireDec(t, "0.4", stats.Fees)
	requireDec(t, "19.6", stats.NetPnL)
	require.Equal(t, 0, thresholds.Armed())

	orders := h.ledger.List()
	require.Len(t, orders, 2)
	for _, o := range orders {
		require.Equal(t, schema.StatusFilled, o.Status)
	}
	require.True(t, h.clock.Now().Equal(time.UnixMilli(1_700_000_005_000)))
}

func TestEngineRestingLimitFillsOnCross(t *testing.T) {
	h := newHarness(t)
	once := decider.Func{Label: "bid", Fn: func(_ context.Context, evt schema.Event) ([]schema.OrderIntent, error) {
		trade, ok := evt.Payload.(schema.Trade)
		if !ok || !trade.Price.Equal(dec("100")) {
			return nil, nil
		}
		return []schema.OrderIntent{{
			Side: schema.SideBuy, Type: schema.OrderTypeLimit,
			Quantity: dec("1"), Price: dec("90"), TimeInForce: "GTC",
		}}, nil
	}}
	coord := coordinator.New(h.ledger, coordinator.WithDeciders(once), coordinator.WithLogger(observability.Nop()))

	engine := NewEngine(trades(t, "100", "95"), h.exchange, coord, WithClock(h.clock))
	require.NoError(t, engine.Run(context.Background()))
	require.Equal(t, 1, h.exchange.Resting("BTCUSDT"))
	require.Equal(t, 0, engine.Analytics().FilledOrders)

	engine = NewEngine(trades(t, "89"), h.exchange, coord, WithClock(h.clock))
	require.NoError(t, engine.Run(context.Background()))
	require.Equal(t, 0, h.exchange.Resting("BTCUSDT"))

	stats := engine.Analytics()
	require.Equal(t, 1, stats.FilledOrders)
	requireDec(t, "1", stats.Position("BTCUSDT"))
	requireDec(t, "-1", stats.GrossPnL)

	require.Eventually(t, func() bool {
		orders := h.ledger.List()
		return len(orders) == 1 && orders[0].Status == schema.StatusFilled
	}, 2*time.Second, 5*time.Millisecond)
	requireDec(t, "90", h.ledger.List()[0].AvgPrice)
}

func TestSimulatedExchangeOrders(t *testing.T) {
	ex := NewSimulatedExchange(NewVirtualClock(time.Unix(0, 0)), WithSlippage(BasisPointSlippage{BPS: dec("10")}))
	ctx := context.Background()

	market := schema.OrderIntent{Symbol: "BTCUSDT", Side: schema.SideBuy, Type: schema.OrderTypeMarket,
		Quantity: dec("1"), IdempotencyKey: "m-1"}
	_, err := ex.PlaceOrder(ctx, market)
	require.True(t, errs.Is(err, errs.CodeRejected), "no price yet")

	ex.OnTrade(ctx, schema.NewEvent("replay", "BTCUSDT", 1, schema.Trade{Price: dec("100"), Qty: dec("1")}))
	mid, ok := ex.Mid("BTCUSDT")
	require.True(t, ok)
	requireDec(t, "100", mid)

	market.IdempotencyKey = "m-2"
	resp, err := ex.PlaceOrder(ctx, market)
	require.NoError(t, err)
	require.Equal(t, "FILLED", resp.Status)
	requireDec(t, "100.1", resp.AvgPrice)

	_, err = ex.PlaceOrder(ctx, market)
	e, ok := errs.As(err)
	require.True(t, ok)
	require.Equal(t, errs.ReasonDuplicateOrder, e.Reason)

	marketableLimit := schema.OrderIntent{Symbol: "BTCUSDT", Side: schema.SideSell, Type: schema.OrderTypeLimit,
		Quantity: dec("1"), Price: dec("99"), IdempotencyKey: "l-1"}
	resp, err = ex.PlaceOrder(ctx, marketableLimit)
	require.NoError(t, err)
	require.Equal(t, "FILLED", resp.Status)
	requireDec(t, "100", resp.AvgPrice)

	resting := schema.OrderIntent{Symbol: "BTCUSDT", Side: schema.SideSell, Type: schema.OrderTypeLimit,
		Quantity: dec("1"), Price: dec("120"), IdempotencyKey: "l-2"}
	resp, err = ex.PlaceOrder(ctx, resting)
	require.NoError(t, err)
	require.Equal(t, "NEW", resp.Status)

	resp, err = ex.QueryOrder(ctx, "BTCUSDT", "", resp.OrderID)
	require.NoError(t, err)
	require.Equal(t, "l-2", resp.ClientOrderID)

	resp, err = ex.CancelOrder(ctx, "BTCUSDT", "l-2", 0)
	require.NoError(t, err)
	require.Equal(t, "CANCELED", resp.Status)

	_, err = ex.CancelOrder(ctx, "BTCUSDT", "l-2", 0)
	e, ok = errs.As(err)
	require.True(t, ok)
	require.Equal(t, errs.ReasonOrderNotFound, e.Reason)

	_, err = ex.QueryOrder(ctx, "BTCUSDT", "missing", 0)
	require.True(t, errs.Is(err, errs.CodeRejected))
}

func TestOrderBookCrossKeepsPriority(t *testing.T) {
	ob := NewOrderBook()
	add := func(key string, side schema.Side, price string) {
		ob.Add(&simOrder{
			intent: schema.OrderIntent{Side: side, Price: dec(price)},
			resp:   restResp(key),
		})
	}
	add("b1", schema.SideBuy, "98")
	add("b2", schema.SideBuy, "99")
	add("b3", schema.SideBuy, "97")
	add("a1", schema.SideSell, "103")
	add("a2", schema.SideSell, "101")

	crossed := ob.Cross(dec("98"))
	require.Len(t, crossed, 2)
	require.Equal(t, "b2", crossed[0].resp.ClientOrderID)
	require.Equal(t, "b1", crossed[1].resp.ClientOrderID)

	crossed = ob.Cross(dec("102"))
	require.Len(t, crossed, 1)
	require.Equal(t, "a2", crossed[0].resp.ClientOrderID)

	require.True(t, ob.Remove("a1"))
	require.False(t, ob.Remove("a1"))
	require.Equal(t, 1, ob.Len())
}

func restResp(clientID string) rest.OrderResponse {
	return rest.OrderResponse{ClientOrderID: clientID}
}

func TestVirtualClockFiresTimers(t *testing.T) {
	clk := NewVirtualClock(time.Unix(100, 0))
	ch := clk.After(time.Minute)
	clk.AdvanceTo(time.Unix(130, 0))
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}
	clk.AdvanceTo(time.Unix(120, 0))
	require.True(t, clk.Now().Equal(time.Unix(130, 0)), "clock never moves backwards")
	clk.Advance(30 * time.Second)
	select {
	case at := <-ch:
		require.True(t, at.Equal(time.Unix(160, 0)))
	default:
		t.Fatal("timer did not fire")
	}
}
