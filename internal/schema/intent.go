package schema

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradewire/errs"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide accepts buy/sell in any case.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return SideBuy, nil
	case "SELL":
		return SideSell, nil
	default:
		return "", errs.New("schema", errs.CodeInvalid, errs.WithMessage("unsupported side "+s))
	}
}

// OrderType is market or limit.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// Source tags where an intent originated.
type Source string

const (
	SourceMarketTrigger  Source = "market_trigger"
	SourceWebhookTrigger Source = "webhook_trigger"
)

var clientIDPattern = regexp.MustCompile(`^[.A-Z:/a-z0-9_-]{1,36}$`)

// ValidateIdempotencyKey enforces the exchange's newClientOrderId alphabet.
func ValidateIdempotencyKey(key string) error {
	if !clientIDPattern.MatchString(key) {
		return errs.New("schema", errs.CodeInvalid, errs.WithMessage("idempotency key must match "+clientIDPattern.String()))
	}
	return nil
}

// OrderIntent is a request to trade, produced by a webhook or a market trigger.
type OrderIntent struct {
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Type           OrderType       `json:"type"`
	Quantity       decimal.Decimal `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	TimeInForce    string          `json:"timeInForce,omitempty"`
	ReduceOnly     bool            `json:"reduceOnly,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	StrategyKey    string          `json:"strategyKey,omitempty"`
	Source         Source          `json:"source"`
	ReceivedAt     time.Time       `json:"receivedAt"`
}

// ExclusionKey is the key the coordinator serializes on.
func (i OrderIntent) ExclusionKey() string {
	if k := strings.TrimSpace(i.StrategyKey); k != "" {
		return k
	}
	return i.Symbol
}

// Validate checks the fields needed to place the order.
func (i OrderIntent) Validate() error {
	invalid := func(msg string) error {
		return errs.New("schema", errs.CodeInvalid, errs.WithMessage(msg))
	}
	if strings.TrimSpace(i.Symbol) == "" || strings.ToUpper(i.Symbol) != i.Symbol {
		return invalid("symbol must be non-empty upper case")
	}
	if i.Side != SideBuy && i.Side != SideSell {
		return invalid("side must be BUY or SELL")
	}
	if !i.Quantity.IsPositive() {
		return invalid("quantity must be >0")
	}
	switch i.Type {
	case OrderTypeMarket:
		if !i.Price.IsZero() {
			return invalid("market order must not carry a price")
		}
	case OrderTypeLimit:
		if !i.Price.IsPositive() {
			return invalid("limit order requires price >0")
		}
	default:
		return invalid("order type must be MARKET or LIMIT")
	}
	if i.Source != SourceMarketTrigger && i.Source != SourceWebhookTrigger {
		return invalid("unknown intent source")
	}
	return ValidateIdempotencyKey(i.IdempotencyKey)
}
