package stream

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradewire/errs"
	"github.com/coachpo/tradewire/internal/schema"
)

func marketChannel(fx *fakeExchange, streams ...string) ChannelConfig {
	return ChannelConfig{Name: "market", Kind: KindMarket, URL: fx.url("/stream"), Streams: streams}
}

func TestManagerSubscribesAndPublishesInOrder(t *testing.T) {
	fx := newFakeExchange(t)
	rec := newRecorder()
	mgr, _, _ := startManager(t, []ChannelConfig{marketChannel(fx, "btcusdt@aggTrade", "btcusdt@depth@100ms")}, rec)

	sc := fx.accept(t)
	sub := sc.next(t)
	require.Equal(t, "SUBSCRIBE", sub.Method)
	require.Equal(t, []string{"btcusdt@aggTrade", "btcusdt@depth@100ms"}, sub.streams(t))
	require.Eventually(t, func() bool {
		state, _ := mgr.State("market")
		return state == StateSubscribed
	}, 2*time.Second, 5*time.Millisecond)

	for id := uint64(10); id <= 12; id++ {
		sc.send(t, aggTradeMsg(id))
	}
	for id := uint64(10); id <= 12; id++ {
		evt := rec.next(t)
		require.Equal(t, schema.EventTrade, evt.Type)
		require.Equal(t, "market", evt.Channel)
		require.Equal(t, "btcusdt@aggTrade", evt.Stream)
		require.Equal(t, "BTCUSDT", evt.Symbol)
		require.Equal(t, id, evt.Seq)
		trade := evt.Payload.(schema.Trade)
		require.Equal(t, "100.5", trade.Price.String())
		require.True(t, trade.BuyerMaker)
	}
	state, ok := mgr.State("market")
	require.True(t, ok)
	require.Equal(t, StateStreaming, state)
}

func TestManagerChunksLargeSubscriptions(t *testing.T) {
	fx := newFakeExchange(t)
	streams := make([]string, 250)
	for i := range streams {
		streams[i] = fmt.Sprintf("sym%d@aggTrade", i)
	}
	startManager(t, []ChannelConfig{marketChannel(fx, streams...)}, newRecorder())

	sc := fx.accept(t)
	var got []string
	for _, want := range []int{100, 100, 50} {
		req := sc.next(t)
		require.Equal(t, "SUBSCRIBE", req.Method)
		chunk := req.streams(t)
		require.Len(t, chunk, want)
		got = append(got, chunk...)
	}
	require.Equal(t, streams, got)
}

func TestManagerDepthGapPublishesDesyncThenResubscribes(t *testing.T) {
	fx := newFakeExchange(t)
	rec := newRecorder()
	mgr, _, _ := startManager(t, []ChannelConfig{marketChannel(fx, "btcusdt@depth@100ms")}, rec)

	sc := fx.accept(t)
	sc.next(t)

	sc.send(t, depthMsg(91, 100, 90))
	sc.send(t, depthMsg(101, 110, 100))
	require.Equal(t, uint64(100), rec.next(t).Seq)
	require.Equal(t, uint64(110), rec.next(t).Seq)

	// pu=120 does not chain to the last final id 110.
	sc.send(t, depthMsg(121, 130, 120))
	sc.send(t, depthMsg(131, 140, 130))

	evt := rec.next(t)
	require.Equal(t, schema.EventStreamError, evt.Type)
	require.Equal(t, "btcusdt@depth@100ms", evt.Stream)
	serr := evt.Payload.(schema.StreamError)
	require.Equal(t, schema.StreamErrDesync, serr.Code)
	require.Equal(t, uint64(110), serr.Expected)
	require.Equal(t, uint64(120), serr.Got)
	require.False(t, serr.Fatal)

	unsub := sc.next(t)
	require.Equal(t, "UNSUBSCRIBE", unsub.Method)
	require.Equal(t, []string{"btcusdt@depth@100ms"}, unsub.streams(t))
	resub := sc.next(t)
	require.Equal(t, "SUBSCRIBE", resub.Method)

	require.Eventually(t, func() bool {
		state, _ := mgr.State("market")
		return state == StateStreaming
	}, 2*time.Second, 5*time.Millisecond)

	sc.send(t, depthMsg(191, 200, 190))
	fresh := rec.next(t)
	require.Equal(t, schema.EventBookUpdate, fresh.Type)
	require.Equal(t, uint64(200), fresh.Seq)

	status := mgr.States()[0]
	require.Equal(t, 1, status.Desyncs)
}

func TestManagerAggTradeGapIsDesync(t *testing.T) {
	fx := newFakeExchange(t)
	rec := newRecorder()
	startManager(t, []ChannelConfig{marketChannel(fx, "btcusdt@aggTrade")}, rec)

	sc := fx.accept(t)
	sc.next(t)
	sc.send(t, aggTradeMsg(5))
	sc.send(t, aggTradeMsg(7))

	require.Equal(t, uint64(5), rec.next(t).Seq)
	evt := rec.next(t)
	require.Equal(t, schema.EventStreamError, evt.Type)
	serr := evt.Payload.(schema.StreamError)
	require.Equal(t, uint64(6), serr.Expected)
	require.Equal(t, uint64(7), serr.Got)
}

func TestManagerEscalatesRepeatedResyncFailures(t *testing.T) {
	fx := newFakeExchange(t)
	rec := newRecorder()
	startManager(t, []ChannelConfig{marketChannel(fx, "btcusdt@aggTrade")}, rec)

	sc := fx.accept(t)
	sc.next(t)
	fx.rejectMethod("UNSUBSCRIBE")

	sc.send(t, aggTradeMsg(1))
	sc.send(t, aggTradeMsg(3))
	require.Equal(t, schema.EventTrade, rec.next(t).Type)

	first := rec.next(t)
	require.Equal(t, schema.EventStreamError, first.Type)
	require.False(t, first.Payload.(schema.StreamError).Fatal)

	fatal := rec.next(t)
	require.Equal(t, schema.EventStreamError, fatal.Type)
	require.True(t, fatal.Payload.(schema.StreamError).Fatal)

	// The channel reconnects and announces it before any further data.
	sc2 := fx.accept(t)
	reconnected := rec.next(t)
	require.Equal(t, schema.EventStreamReconnected, reconnected.Type)
	require.Equal(t, "SUBSCRIBE", sc2.next(t).Method)
}

func TestManagerReconnectAnnouncesBeforeData(t *testing.T) {
	fx := newFakeExchange(t)
	rec := newRecorder()
	mgr, _, _ := startManager(t, []ChannelConfig{marketChannel(fx, "btcusdt@aggTrade")}, rec)

	sc := fx.accept(t)
	sc.next(t)
	sc.send(t, aggTradeMsg(100))
	require.Equal(t, uint64(100), rec.next(t).Seq)

	require.NoError(t, sc.conn.CloseNow())

	sc2 := fx.accept(t)
	evt := rec.next(t)
	require.Equal(t, schema.EventStreamReconnected, evt.Type)
	require.Equal(t, "market", evt.Channel)
	require.GreaterOrEqual(t, evt.Payload.(schema.StreamReconnected).Attempt, 1)

	require.Equal(t, "SUBSCRIBE", sc2.next(t).Method)
	// Sequence tracking restarts on the new connection.
	sc2.send(t, aggTradeMsg(500))
	data := rec.next(t)
	require.Equal(t, schema.EventTrade, data.Type)
	require.Equal(t, uint64(500), data.Seq)

	require.Equal(t, 1, mgr.States()[0].Reconnects)
}

func TestManagerShutdownUnsubscribesAndCloses(t *testing.T) {
	fx := newFakeExchange(t)
	mgr, cancel, done := startManager(t, []ChannelConfig{marketChannel(fx, "btcusdt@aggTrade", "btcusdt@bookTicker")}, newRecorder())

	sc := fx.accept(t)
	sc.next(t)
	cancel()

	unsub := sc.next(t)
	require.Equal(t, "UNSUBSCRIBE", unsub.Method)
	require.ElementsMatch(t, []string{"btcusdt@aggTrade", "btcusdt@bookTicker"}, unsub.streams(t))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("manager did not stop")
	}
	state, _ := mgr.State("market")
	require.Equal(t, StateDisconnected, state)
}

func TestManagerUserChannelUsesListenKey(t *testing.T) {
	fx := newFakeExchange(t)
	rec := newRecorder()
	keys := &fakeKeys{}
	user := ChannelConfig{Name: "user", Kind: KindUser, URL: fx.url("/ws")}
	_, cancel, done := startManager(t, []ChannelConfig{user}, rec, WithListenKeys(keys))

	sc := fx.accept(t)
	require.Equal(t, "/ws/listen-abc", sc.path)

	sc.send(t, `{"e":"ORDER_TRADE_UPDATE","E":1700000000000,"T":1700000000000,"o":{"s":"BTCUSDT","c":"key-1","S":"BUY","o":"MARKET","f":"GTC","q":"0.010","p":"0","ap":"100.0","sp":"0","x":"TRADE","X":"FILLED","i":42,"l":"0.010","z":"0.010","L":"100.0","n":"0","N":"USDT","T":1700000000001,"t":7,"b":"0","a":"0","m":false,"R":false,"wt":"CONTRACT_PRICE","ot":"MARKET","ps":"BOTH","cp":false,"rp":"0","pP":false,"si":0,"ss":0,"V":"NONE","pm":"NONE","gtd":0}}`)
	evt := rec.next(t)
	require.Equal(t, schema.EventOrderUpdate, evt.Type)
	update := evt.Payload.(schema.OrderUpdate)
	require.Equal(t, "key-1", update.ClientOrderID)
	require.Equal(t, int64(42), update.OrderID)
	require.Equal(t, "FILLED", update.Status)
	require.Equal(t, "0.01", update.CumQty.String())
	require.Equal(t, schema.SideBuy, update.Side)

	cancel()
	<-done
	require.Equal(t, int32(1), keys.closed.Load())
}

func TestManagerLogonBeforeSubscribe(t *testing.T) {
	fx := newFakeExchange(t)
	ch := marketChannel(fx, "btcusdt@aggTrade")
	ch.Auth = true
	startManager(t, []ChannelConfig{ch}, newRecorder(), WithAuthenticator(fakeAuth{}))

	sc := fx.accept(t)
	logon := sc.next(t)
	require.Equal(t, "session.logon", logon.Method)
	require.Contains(t, string(logon.Params), `"signature":"sig"`)
	require.Equal(t, "SUBSCRIBE", sc.next(t).Method)
}

func TestNewManagerValidatesChannels(t *testing.T) {
	rec := newRecorder()
	_, err := NewManager(testConfig(), []ChannelConfig{{Name: "m", Kind: KindMarket, URL: "ws://x"}}, rec)
	require.True(t, errs.Is(err, errs.CodeInvalid))

	_, err = NewManager(testConfig(), []ChannelConfig{{Name: "u", Kind: KindUser, URL: "ws://x"}}, rec)
	require.True(t, errs.Is(err, errs.CodeInvalid))

	_, err = NewManager(testConfig(), []ChannelConfig{{Name: "m", Kind: KindMarket, URL: "ws://x", Streams: []string{"a"}, Auth: true}}, rec)
	require.True(t, errs.Is(err, errs.CodeCredential))

	_, err = NewManager(testConfig(), nil, nil)
	require.True(t, errs.Is(err, errs.CodeInvalid))
}
