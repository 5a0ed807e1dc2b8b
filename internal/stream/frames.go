package stream

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradewire/internal/rest"
	"github.com/coachpo/tradewire/internal/schema"
)

type controlRequest struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
	ID     any    `json:"id"`
}

type rpcError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// probe is decoded first to route a frame. Combined frames carry stream+data, raw user events carry
// e, and RPC replies carry id.
type probe struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	Event  string          `json:"e"`
	Time   int64           `json:"E"`
	ID     json.RawMessage `json:"id"`
	Status int             `json:"status"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (p probe) isRPC() bool {
	return p.Stream == "" && p.Event == "" && len(p.ID) > 0 && string(p.ID) != "null"
}

func rpcKey(raw json.RawMessage) string {
	return strings.Trim(string(raw), `"`)
}

// decoded is a frame ready for sequence checks and publication.
type decoded struct {
	stream    string
	symbol    string
	eventTime time.Time
	payload   schema.Payload
	// seq is the exchange sequence when one exists.
	seq uint64
	// prev links depth diffs to the previous diff.
	prev    uint64
	hasPrev bool
	// listenKeyExpired forces the user channel to reconnect with a fresh key.
	listenKeyExpired bool
}

type eventHeader struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
}

// Binance payloads reuse letters in both cases, so every colliding key is declared explicitly to keep
// case-insensitive field matching from crossing them.

type depthFrame struct {
	Event       string      `json:"e"`
	EventTime   int64       `json:"E"`
	TxTime      int64       `json:"T"`
	Symbol      string      `json:"s"`
	FirstID     uint64      `json:"U"`
	FinalID     uint64      `json:"u"`
	PrevFinalID uint64      `json:"pu"`
	Bids        [][2]string `json:"b"`
	Asks        [][2]string `json:"a"`
}

type aggTradeFrame struct {
	Event      string `json:"e"`
	EventTime  int64  `json:"E"`
	AggID      uint64 `json:"a"`
	Symbol     string `json:"s"`
	Price      string `json:"p"`
	Qty        string `json:"q"`
	FirstID    uint64 `json:"f"`
	LastID     uint64 `json:"l"`
	TradeTime  int64  `json:"T"`
	BuyerMaker bool   `json:"m"`
	Ignore     bool   `json:"M"`
}

type bookTickerFrame struct {
	Event     string `json:"e"`
	UpdateID  uint64 `json:"u"`
	EventTime int64  `json:"E"`
	TxTime    int64  `json:"T"`
	Symbol    string `json:"s"`
	BidPrice  string `json:"b"`
	BidQty    string `json:"B"`
	AskPrice  string `json:"a"`
	AskQty    string `json:"A"`
}

type tickerFrame struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Last      string `json:"c"`
	CloseTime int64  `json:"C"`
	Volume    string `json:"v"`
	Count     int64  `json:"n"`
}

type klineFrame struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		OpenTime    int64  `json:"t"`
		CloseTime   int64  `json:"T"`
		Symbol      string `json:"s"`
		Interval    string `json:"i"`
		FirstID     int64  `json:"f"`
		LastID      int64  `json:"L"`
		Open        string `json:"o"`
		Close       string `json:"c"`
		High        string `json:"h"`
		Low         string `json:"l"`
		Volume      string `json:"v"`
		TakerVolume string `json:"V"`
		QuoteVolume string `json:"q"`
		TakerQuote  string `json:"Q"`
		Count       int64  `json:"n"`
		Closed      bool   `json:"x"`
	} `json:"k"`
}

type orderTradeFrame struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	TxTime    int64  `json:"T"`
	Order     struct {
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		Side          string `json:"S"`
		OrderType     string `json:"o"`
		OrigType      string `json:"ot"`
		TimeInForce   string `json:"f"`
		OrigQty       string `json:"q"`
		Price         string `json:"p"`
		AvgPrice      string `json:"ap"`
		Activation    string `json:"AP"`
		StopPrice     string `json:"sp"`
		ExecType      string `json:"x"`
		Status        string `json:"X"`
		OrderID       int64  `json:"i"`
		LastQty       string `json:"l"`
		CumQty        string `json:"z"`
		LastPrice     string `json:"L"`
		TradeID       int64  `json:"t"`
		TradeTime     int64  `json:"T"`
		Maker         bool   `json:"m"`
		ReduceOnly    bool   `json:"R"`
		RealizedPnL   string `json:"rp"`
	} `json:"o"`
}

func decodeFrame(stream string, data []byte) (decoded, error) {
	var head eventHeader
	if err := json.Unmarshal(data, &head); err != nil {
		return decoded{}, fmt.Errorf("decode event header: %w", err)
	}
	kind := head.Event
	if kind == "" {
		kind = inferStreamType(stream)
	}
	switch kind {
	case "depthUpdate":
		return decodeDepth(stream, data)
	case "aggTrade":
		return decodeAggTrade(stream, data)
	case "bookTicker":
		return decodeBookTicker(stream, data)
	case "24hrTicker", "24hrMiniTicker":
		return decodeTicker(stream, data)
	case "kline":
		return decodeKline(stream, data)
	case "ORDER_TRADE_UPDATE":
		return decodeOrderTrade(stream, data)
	case "listenKeyExpired":
		return decoded{stream: stream, listenKeyExpired: true, eventTime: millis(head.EventTime)}, nil
	case "ACCOUNT_UPDATE", "MARGIN_CALL", "ACCOUNT_CONFIG_UPDATE", "TRADE_LITE":
		return decoded{stream: stream, eventTime: millis(head.EventTime)}, nil
	default:
		return decoded{}, fmt.Errorf("unsupported event %q on stream %q", kind, stream)
	}
}

func inferStreamType(stream string) string {
	stream = strings.ToLower(stream)
	switch {
	case strings.Contains(stream, "@depth"):
		return "depthUpdate"
	case strings.Contains(stream, "@aggtrade"):
		return "aggTrade"
	case strings.Contains(stream, "@bookticker"):
		return "bookTicker"
	case strings.Contains(stream, "@ticker"), strings.Contains(stream, "@miniticker"):
		return "24hrTicker"
	case strings.Contains(stream, "@kline"):
		return "kline"
	default:
		return ""
	}
}

func decodeDepth(stream string, data []byte) (decoded, error) {
	var f depthFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return decoded{}, fmt.Errorf("decode depth update: %w", err)
	}
	bids, err := rest.ParseLevels(f.Bids)
	if err != nil {
		return decoded{}, fmt.Errorf("depth bids: %w", err)
	}
	asks, err := rest.ParseLevels(f.Asks)
	if err != nil {
		return decoded{}, fmt.Errorf("depth asks: %w", err)
	}
	return decoded{
		stream:    stream,
		symbol:    strings.ToUpper(f.Symbol),
		eventTime: millis(f.EventTime),
		seq:       f.FinalID,
		prev:      f.PrevFinalID,
		hasPrev:   true,
		payload: schema.BookUpdate{
			FirstID:     f.FirstID,
			FinalID:     f.FinalID,
			PrevFinalID: f.PrevFinalID,
			Bids:        bids,
			Asks:        asks,
		},
	}, nil
}

func decodeAggTrade(stream string, data []byte) (decoded, error) {
	var f aggTradeFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return decoded{}, fmt.Errorf("decode agg trade: %w", err)
	}
	price, err := decimal.NewFromString(f.Price)
	if err != nil {
		return decoded{}, fmt.Errorf("agg trade price %q: %w", f.Price, err)
	}
	qty, err := decimal.NewFromString(f.Qty)
	if err != nil {
		return decoded{}, fmt.Errorf("agg trade qty %q: %w", f.Qty, err)
	}
	return decoded{
		stream:    stream,
		symbol:    strings.ToUpper(f.Symbol),
		eventTime: millis(f.EventTime),
		seq:       f.AggID,
		payload: schema.Trade{
			AggID:      f.AggID,
			Price:      price,
			Qty:        qty,
			BuyerMaker: f.BuyerMaker,
			TradeTime:  millis(f.TradeTime),
		},
	}, nil
}

func decodeBookTicker(stream string, data []byte) (decoded, error) {
	var f bookTickerFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return decoded{}, fmt.Errorf("decode book ticker: %w", err)
	}
	vals, err := decimals(f.BidPrice, f.BidQty, f.AskPrice, f.AskQty)
	if err != nil {
		return decoded{}, fmt.Errorf("book ticker: %w", err)
	}
	return decoded{
		stream:    stream,
		symbol:    strings.ToUpper(f.Symbol),
		eventTime: millis(f.EventTime),
		seq:       f.UpdateID,
		payload: schema.Ticker{
			UpdateID: f.UpdateID,
			BidPrice: vals[0],
			BidQty:   vals[1],
			AskPrice: vals[2],
			AskQty:   vals[3],
		},
	}, nil
}

func decodeTicker(stream string, data []byte) (decoded, error) {
	var f tickerFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return decoded{}, fmt.Errorf("decode ticker: %w", err)
	}
	vals, err := decimals(f.Last, f.Volume)
	if err != nil {
		return decoded{}, fmt.Errorf("ticker: %w", err)
	}
	return decoded{
		stream:    stream,
		symbol:    strings.ToUpper(f.Symbol),
		eventTime: millis(f.EventTime),
		payload:   schema.Ticker{Last: vals[0], Volume: vals[1]},
	}, nil
}

func decodeKline(stream string, data []byte) (decoded, error) {
	var f klineFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return decoded{}, fmt.Errorf("decode kline: %w", err)
	}
	k := f.Kline
	vals, err := decimals(k.Open, k.High, k.Low, k.Close, k.Volume)
	if err != nil {
		return decoded{}, fmt.Errorf("kline: %w", err)
	}
	return decoded{
		stream:    stream,
		symbol:    strings.ToUpper(f.Symbol),
		eventTime: millis(f.EventTime),
		payload: schema.Kline{
			Interval:  k.Interval,
			OpenTime:  millis(k.OpenTime),
			CloseTime: millis(k.CloseTime),
			Open:      vals[0],
			High:      vals[1],
			Low:       vals[2],
			Close:     vals[3],
			Volume:    vals[4],
			Closed:    k.Closed,
		},
	}, nil
}

func decodeOrderTrade(stream string, data []byte) (decoded, error) {
	var f orderTradeFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return decoded{}, fmt.Errorf("decode order trade update: %w", err)
	}
	o := f.Order
	vals, err := decimals(o.OrigQty, o.CumQty, o.LastQty, o.LastPrice, o.AvgPrice)
	if err != nil {
		return decoded{}, fmt.Errorf("order trade update %s: %w", o.ClientOrderID, err)
	}
	side, err := schema.ParseSide(o.Side)
	if err != nil {
		return decoded{}, fmt.Errorf("order trade update %s: %w", o.ClientOrderID, err)
	}
	txTime := o.TradeTime
	if txTime == 0 {
		txTime = f.TxTime
	}
	return decoded{
		stream:    stream,
		symbol:    strings.ToUpper(o.Symbol),
		eventTime: millis(f.EventTime),
		payload: schema.OrderUpdate{
			Symbol:        strings.ToUpper(o.Symbol),
			ClientOrderID: o.ClientOrderID,
			OrderID:       o.OrderID,
			Side:          side,
			ExecType:      o.ExecType,
			Status:        o.Status,
			OrigQty:       vals[0],
			CumQty:        vals[1],
			LastQty:       vals[2],
			LastPrice:     vals[3],
			AvgPrice:      vals[4],
			TradeID:       o.TradeID,
			TransactTime:  millis(txTime),
		},
	}, nil
}

func decimals(raw ...string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(raw))
	for i, s := range raw {
		if s == "" {
			continue
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("parse decimal %q: %w", s, err)
		}
		out[i] = d
	}
	return out, nil
}

func millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
