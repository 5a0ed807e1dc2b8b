package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is a stage of the order lifecycle.
type OrderStatus string

const (
	StatusCreated         OrderStatus = "CREATED"
	StatusSubmitted       OrderStatus = "SUBMITTED"
	StatusAcknowledged    OrderStatus = "ACKNOWLEDGED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// Rank orders lifecycle stages; a transition never lowers it.
func (s OrderStatus) Rank() int {
	switch s {
	case StatusCreated:
		return 0
	case StatusSubmitted:
		return 1
	case StatusAcknowledged:
		return 2
	case StatusPartiallyFilled:
		return 3
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return 4
	default:
		return -1
	}
}

// Terminal reports whether no further transitions are possible.
func (s OrderStatus) Terminal() bool { return s.Rank() == 4 }

// Acknowledged reports whether the exchange has confirmed or resolved the order.
func (s OrderStatus) Acknowledged() bool { return s.Rank() >= 2 }

// StatusFromExchange maps exchange order states onto the lifecycle.
func StatusFromExchange(status string) (OrderStatus, bool) {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "NEW":
		return StatusAcknowledged, true
	case "PARTIALLY_FILLED":
		return StatusPartiallyFilled, true
	case "FILLED":
		return StatusFilled, true
	case "CANCELED":
		return StatusCanceled, true
	case "REJECTED":
		return StatusRejected, true
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return StatusExpired, true
	default:
		return "", false
	}
}

// Order is a read-only snapshot of a ledger record.
type Order struct {
	IdempotencyKey string                    `json:"idempotencyKey"`
	ExchangeID     int64                     `json:"exchangeId,omitempty"`
	Intent         OrderIntent               `json:"intent"`
	Status         OrderStatus               `json:"status"`
	FilledQty      decimal.Decimal           `json:"filledQty"`
	AvgPrice       decimal.Decimal           `json:"avgPrice"`
	Reason         string                    `json:"reason,omitempty"`
	Ambiguous      bool                      `json:"ambiguous,omitempty"`
	Transitions    map[OrderStatus]time.Time `json:"transitions"`
	UpdatedAt      time.Time                 `json:"updatedAt"`
}

// OrderUpdate is an exchange execution report for one order.
type OrderUpdate struct {
	Symbol        string          `json:"symbol"`
	ClientOrderID string          `json:"clientOrderId"`
	OrderID       int64           `json:"orderId"`
	Side          Side            `json:"side"`
	ExecType      string          `json:"execType"`
	Status        string          `json:"status"`
	OrigQty       decimal.Decimal `json:"origQty"`
	CumQty        decimal.Decimal `json:"cumQty"`
	LastQty       decimal.Decimal `json:"lastQty"`
	LastPrice     decimal.Decimal `json:"lastPrice"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	TradeID       int64           `json:"tradeId,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	TransactTime  time.Time       `json:"transactTime"`
}

// OrderTransition is published by the ledger each time an order changes stage.
type OrderTransition struct {
	From  OrderStatus `json:"from"`
	To    OrderStatus `json:"to"`
	Order Order       `json:"order"`
}
