// Package schema defines the event, intent and order types shared across the engine.
package schema

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// EventType tags the payload carried by an Event.
type EventType string

const (
	EventBookUpdate        EventType = "book_update"
	EventTrade             EventType = "trade"
	EventTicker            EventType = "ticker"
	EventKline             EventType = "kline"
	EventStreamError       EventType = "stream_error"
	EventStreamReconnected EventType = "stream_reconnected"
	EventOrderUpdate       EventType = "order_update"
	EventOrderTransition   EventType = "order_transition"
)

// MarketTypes lists the event types produced by market data channels.
var MarketTypes = []EventType{
	EventBookUpdate, EventTrade, EventTicker, EventKline, EventStreamError, EventStreamReconnected,
}

// Payload is the closed set of event bodies. Only types in this package implement it.
type Payload interface {
	Type() EventType
	sealed()
}

// Event is the envelope published on the bus.
type Event struct {
	Type      EventType `json:"type"`
	Channel   string    `json:"channel"`
	Stream    string    `json:"stream,omitempty"`
	Symbol    string    `json:"symbol,omitempty"`
	Seq       uint64    `json:"seq,omitempty"`
	EventTime time.Time `json:"eventTime"`
	Received  time.Time `json:"received"`
	Payload   Payload   `json:"payload"`
}

// NewEvent builds an envelope whose Type always matches the payload.
func NewEvent(channel, symbol string, seq uint64, payload Payload) Event {
	return Event{
		Type:    payload.Type(),
		Channel: channel,
		Symbol:  symbol,
		Seq:     seq,
		Payload: payload,
	}
}

// Validate checks the envelope and payload tag agree.
func (e Event) Validate() error {
	if e.Payload == nil {
		return fmt.Errorf("event %s: payload missing", e.Type)
	}
	if e.Payload.Type() != e.Type {
		return fmt.Errorf("event type %s does not match payload %s", e.Type, e.Payload.Type())
	}
	return nil
}

// Level is one price level of an order book side.
type Level struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

// BookUpdate is an incremental depth diff. FirstID and FinalID bound the exchange update ids and
// PrevFinalID links to the previous diff on the same stream.
type BookUpdate struct {
	FirstID     uint64  `json:"firstId"`
	FinalID     uint64  `json:"finalId"`
	PrevFinalID uint64  `json:"prevFinalId"`
	Bids        []Level `json:"bids"`
	Asks        []Level `json:"asks"`
}

// Trade is an aggregated trade print.
type Trade struct {
	AggID      uint64          `json:"aggId"`
	Price      decimal.Decimal `json:"price"`
	Qty        decimal.Decimal `json:"qty"`
	BuyerMaker bool            `json:"buyerMaker"`
	TradeTime  time.Time       `json:"tradeTime"`
}

// Ticker carries best bid/ask and, for rolling tickers, the last price.
type Ticker struct {
	UpdateID uint64          `json:"updateId,omitempty"`
	Last     decimal.Decimal `json:"last"`
	BidPrice decimal.Decimal `json:"bidPrice"`
	BidQty   decimal.Decimal `json:"bidQty"`
	AskPrice decimal.Decimal `json:"askPrice"`
	AskQty   decimal.Decimal `json:"askQty"`
	Volume   decimal.Decimal `json:"volume"`
}

// Kline is a candlestick update.
type Kline struct {
	Interval  string          `json:"interval"`
	OpenTime  time.Time       `json:"openTime"`
	CloseTime time.Time       `json:"closeTime"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	Closed    bool            `json:"closed"`
}

// StreamErrorCode classifies stream failures.
type StreamErrorCode string

const (
	StreamErrDesync    StreamErrorCode = "desync"
	StreamErrTransport StreamErrorCode = "transport"
	StreamErrProtocol  StreamErrorCode = "protocol"
	StreamErrExchange  StreamErrorCode = "exchange"
)

// StreamError reports a channel failure. Desync errors carry the expected and observed sequence.
type StreamError struct {
	Code     StreamErrorCode `json:"code"`
	Message  string          `json:"message"`
	Expected uint64          `json:"expected,omitempty"`
	Got      uint64          `json:"got,omitempty"`
	Fatal    bool            `json:"fatal,omitempty"`
}

// StreamReconnected tells consumers prior sequence state is void.
type StreamReconnected struct {
	Attempt  int           `json:"attempt"`
	Downtime time.Duration `json:"downtime"`
}

func (BookUpdate) Type() EventType        { return EventBookUpdate }
func (Trade) Type() EventType             { return EventTrade }
func (Ticker) Type() EventType            { return EventTicker }
func (Kline) Type() EventType             { return EventKline }
func (StreamError) Type() EventType       { return EventStreamError }
func (StreamReconnected) Type() EventType { return EventStreamReconnected }
func (OrderUpdate) Type() EventType       { return EventOrderUpdate }
func (OrderTransition) Type() EventType   { return EventOrderTransition }

func (BookUpdate) sealed()        {}
func (Trade) sealed()             {}
func (Ticker) sealed()            {}
func (Kline) sealed()             {}
func (StreamError) sealed()       {}
func (StreamReconnected) sealed() {}
func (OrderUpdate) sealed()       {}
func (OrderTransition) sealed()   {}
