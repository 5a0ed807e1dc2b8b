package webhook

import (
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradewire/errs"
	"github.com/coachpo/tradewire/internal/schema"
)

// keyNamespace scopes keys derived from request bodies.
var keyNamespace = uuid.MustParse("0b7d3f52-9c61-4e8a-b2f4-1d6a5c9e8f37")

// Payload is the inbound signal body.
type Payload struct {
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	Signal         string          `json:"signal"`
	Quantity       decimal.Decimal `json:"quantity"`
	Type           string          `json:"type"`
	Price          decimal.Decimal `json:"price"`
	TimeInForce    string          `json:"timeInForce"`
	ReduceOnly     bool            `json:"reduceOnly"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Strategy       string          `json:"strategy"`
	Timestamp      json.RawMessage `json:"timestamp"`
}

// Defaults fill fields a sender may omit, such as alerts that carry only a signal.
type Defaults struct {
	Symbol   string          `yaml:"symbol"`
	Quantity decimal.Decimal `yaml:"quantity"`
	Strategy string          `yaml:"strategy"`
}

func invalid(msg string) error {
	return errs.New(scope, errs.CodeInvalid, errs.WithMessage(msg))
}

// decodePayload parses body. Decoding failures are malformed requests, not validation failures.
func decodePayload(body []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Payload{}, err
	}
	return p, nil
}

// intent builds the order intent. The idempotency key falls back to a UUIDv5 of the raw body so a
// redelivered alert maps onto the same order.
func (p Payload) intent(body []byte, defaults Defaults, now time.Time) (schema.OrderIntent, error) {
	side, reduceOnly, err := resolveSide(p.Side, p.Signal)
	if err != nil {
		return schema.OrderIntent{}, err
	}
	intent := schema.OrderIntent{
		Symbol:         strings.ToUpper(strings.TrimSpace(p.Symbol)),
		Side:           side,
		Type:           schema.OrderType(strings.ToUpper(strings.TrimSpace(p.Type))),
		Quantity:       p.Quantity,
		Price:          p.Price,
		TimeInForce:    strings.ToUpper(strings.TrimSpace(p.TimeInForce)),
		ReduceOnly:     p.ReduceOnly || reduceOnly,
		IdempotencyKey: strings.TrimSpace(p.IdempotencyKey),
		StrategyKey:    strings.TrimSpace(p.Strategy),
		Source:         schema.SourceWebhookTrigger,
		ReceivedAt:     now,
	}
	if intent.Symbol == "" {
		intent.Symbol = strings.ToUpper(defaults.Symbol)
	}
	if intent.Quantity.IsZero() {
		intent.Quantity = defaults.Quantity
	}
	if intent.StrategyKey == "" {
		intent.StrategyKey = defaults.Strategy
	}
	if intent.Type == "" {
		intent.Type = schema.OrderTypeMarket
		if intent.Price.IsPositive() {
			intent.Type = schema.OrderTypeLimit
		}
	}
	if intent.Type == schema.OrderTypeLimit && intent.TimeInForce == "" {
		intent.TimeInForce = "GTC"
	}
	if intent.IdempotencyKey == "" {
		intent.IdempotencyKey = uuid.NewSHA1(keyNamespace, body).String()
	}
	if err := intent.Validate(); err != nil {
		return schema.OrderIntent{}, err
	}
	return intent, nil
}

// cancels reports whether the payload asks to cancel the order named by IdempotencyKey.
func (p Payload) cancels() bool {
	return strings.EqualFold(strings.TrimSpace(p.Signal), "cancel")
}

// resolveSide maps side and the signal vocabulary. Closing signals are reduce-only.
func resolveSide(side, signal string) (schema.Side, bool, error) {
	var fromSignal schema.Side
	reduceOnly := false
	switch strings.ToLower(strings.TrimSpace(signal)) {
	case "":
	case "buy", "long":
		fromSignal = schema.SideBuy
	case "sell", "short":
		fromSignal = schema.SideSell
	case "close_long":
		fromSignal, reduceOnly = schema.SideSell, true
	case "close_short":
		fromSignal, reduceOnly = schema.SideBuy, true
	default:
		return "", false, invalid("unknown signal " + signal)
	}
	if strings.TrimSpace(side) == "" {
		if fromSignal == "" {
			return "", false, invalid("side or signal required")
		}
		return fromSignal, reduceOnly, nil
	}
	parsed, err := schema.ParseSide(side)
	if err != nil {
		return "", false, err
	}
	if fromSignal != "" && fromSignal != parsed {
		return "", false, invalid("side " + side + " contradicts signal " + signal)
	}
	return parsed, reduceOnly, nil
}

// parseTimestamp accepts epoch seconds, epoch milliseconds, or an RFC 3339 string.
func parseTimestamp(raw json.RawMessage) (time.Time, bool, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return time.Time{}, false, nil
	}
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = strings.TrimSpace(unquoted)
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, true, nil
		}
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil || n <= 0 {
		return time.Time{}, false, invalid("timestamp must be epoch seconds, epoch milliseconds or RFC 3339")
	}
	if n >= 1e12 {
		return time.UnixMilli(int64(n)), true, nil
	}
	sec := int64(n)
	return time.Unix(sec, int64((n-float64(sec))*1e9)), true, nil
}
