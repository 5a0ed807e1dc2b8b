package rest

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradewire/errs"
	"github.com/coachpo/tradewire/internal/ratelimit"
	"github.com/coachpo/tradewire/internal/schema"
)

const (
	pathOrder        = "/fapi/v1/order"
	pathOpenOrders   = "/fapi/v1/openOrders"
	pathAccount      = "/fapi/v3/account"
	pathExchangeInfo = "/fapi/v1/exchangeInfo"
	pathDepth        = "/fapi/v1/depth"
	pathListenKey    = "/fapi/v1/listenKey"
	pathTime         = "/fapi/v1/time"
)

// OrderResponse is the exchange view of one order.
type OrderResponse struct {
	OrderID       int64           `json:"orderId"`
	Symbol        string          `json:"symbol"`
	Status        string          `json:"status"`
	ClientOrderID string          `json:"clientOrderId"`
	Price         decimal.Decimal `json:"price"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	OrigQty       decimal.Decimal `json:"origQty"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
	CumQuote      decimal.Decimal `json:"cumQuote"`
	TimeInForce   string          `json:"timeInForce"`
	Type          string          `json:"type"`
	ReduceOnly    bool            `json:"reduceOnly"`
	Side          string          `json:"side"`
	UpdateTime    int64           `json:"updateTime"`
}

// Update converts the response into an execution report for ledger reconciliation.
func (o OrderResponse) Update() schema.OrderUpdate {
	side, _ := schema.ParseSide(o.Side)
	return schema.OrderUpdate{
		Symbol:        o.Symbol,
		ClientOrderID: o.ClientOrderID,
		OrderID:       o.OrderID,
		Side:          side,
		ExecType:      "REST",
		Status:        o.Status,
		OrigQty:       o.OrigQty,
		CumQty:        o.ExecutedQty,
		AvgPrice:      o.AvgPrice,
		TransactTime:  time.UnixMilli(o.UpdateTime),
	}
}

// PlaceOrder submits the intent. The idempotency key travels as newClientOrderId so a retry after
// an ambiguous timeout cannot open a second order.
func (c *Client) PlaceOrder(ctx context.Context, intent schema.OrderIntent) (OrderResponse, error) {
	params := url.Values{}
	params.Set("symbol", intent.Symbol)
	params.Set("side", string(intent.Side))
	params.Set("type", string(intent.Type))
	params.Set("quantity", intent.Quantity.String())
	params.Set("newClientOrderId", intent.IdempotencyKey)
	params.Set("newOrderRespType", "RESULT")
	if intent.Type == schema.OrderTypeLimit {
		params.Set("price", intent.Price.String())
		tif := strings.ToUpper(strings.TrimSpace(intent.TimeInForce))
		if tif == "" {
			tif = "GTC"
		}
		params.Set("timeInForce", tif)
	}
	if intent.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	var out OrderResponse
	err := c.callJSON(ctx, Request{
		Method:   http.MethodPost,
		Path:     pathOrder,
		Params:   params,
		Class:    ratelimit.ClassOrder,
		Weight:   1,
		Security: SecuritySigned,
	}, &out)
	return out, err
}

// CancelOrder cancels by client id, or by exchange id when clientID is empty.
func (c *Client) CancelOrder(ctx context.Context, symbol, clientID string, orderID int64) (OrderResponse, error) {
	params, err := orderRef(symbol, clientID, orderID)
	if err != nil {
		return OrderResponse{}, err
	}
	var out OrderResponse
	err = c.callJSON(ctx, Request{
		Method:   http.MethodDelete,
		Path:     pathOrder,
		Params:   params,
		Class:    ratelimit.ClassOrder,
		Weight:   1,
		Security: SecuritySigned,
	}, &out)
	return out, err
}

// QueryOrder fetches the current state of one order.
func (c *Client) QueryOrder(ctx context.Context, symbol, clientID string, orderID int64) (OrderResponse, error) {
	params, err := orderRef(symbol, clientID, orderID)
	if err != nil {
		return OrderResponse{}, err
	}
	var out OrderResponse
	err = c.callJSON(ctx, Request{
		Method:   http.MethodGet,
		Path:     pathOrder,
		Params:   params,
		Class:    ratelimit.ClassQuery,
		Weight:   1,
		Security: SecuritySigned,
	}, &out)
	return out, err
}

// OpenOrders lists resting orders, optionally for one symbol.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]OrderResponse, error) {
	params := url.Values{}
	weight := 40
	if symbol != "" {
		params.Set("symbol", symbol)
		weight = 1
	}
	var out []OrderResponse
	err := c.callJSON(ctx, Request{
		Method:   http.MethodGet,
		Path:     pathOpenOrders,
		Params:   params,
		Class:    ratelimit.ClassQuery,
		Weight:   weight,
		Security: SecuritySigned,
	}, &out)
	return out, err
}

// Position is an open futures position.
type Position struct {
	Symbol           string          `json:"symbol"`
	PositionSide     string          `json:"positionSide"`
	PositionAmt      decimal.Decimal `json:"positionAmt"`
	UnrealizedProfit decimal.Decimal `json:"unrealizedProfit"`
	Notional         decimal.Decimal `json:"notional"`
}

// Asset is a margin asset balance.
type Asset struct {
	Asset            string          `json:"asset"`
	WalletBalance    decimal.Decimal `json:"walletBalance"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
}

// Account is the futures account summary.
type Account struct {
	TotalWalletBalance decimal.Decimal `json:"totalWalletBalance"`
	AvailableBalance   decimal.Decimal `json:"availableBalance"`
	Assets             []Asset         `json:"assets"`
	Positions          []Position      `json:"positions"`
}

// Account fetches balances and positions. It doubles as the credential probe.
func (c *Client) Account(ctx context.Context) (Account, error) {
	var out Account
	err := c.callJSON(ctx, Request{
		Method:   http.MethodGet,
		Path:     pathAccount,
		Class:    ratelimit.ClassQuery,
		Weight:   5,
		Security: SecuritySigned,
	}, &out)
	return out, err
}

// SymbolRules carries the precision filters of a symbol.
type SymbolRules struct {
	Symbol   string
	StepSize decimal.Decimal
	MinQty   decimal.Decimal
	TickSize decimal.Decimal
}

type exchangeInfo struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Filters []struct {
			FilterType string          `json:"filterType"`
			StepSize   decimal.Decimal `json:"stepSize"`
			MinQty     decimal.Decimal `json:"minQty"`
			TickSize   decimal.Decimal `json:"tickSize"`
		} `json:"filters"`
	} `json:"symbols"`
}

// ExchangeInfo returns precision rules keyed by symbol.
func (c *Client) ExchangeInfo(ctx context.Context) (map[string]SymbolRules, error) {
	var info exchangeInfo
	if err := c.callJSON(ctx, Request{
		Method: http.MethodGet,
		Path:   pathExchangeInfo,
		Class:  ratelimit.ClassMarket,
		Weight: 1,
	}, &info); err != nil {
		return nil, err
	}
	out := make(map[string]SymbolRules, len(info.Symbols))
	for _, s := range info.Symbols {
		rules := SymbolRules{Symbol: s.Symbol}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				rules.StepSize = f.StepSize
				rules.MinQty = f.MinQty
			case "PRICE_FILTER":
				rules.TickSize = f.TickSize
			}
		}
		out[s.Symbol] = rules
	}
	return out, nil
}

// DepthSnapshot is a REST order book snapshot.
type DepthSnapshot struct {
	LastUpdateID uint64
	Bids         []schema.Level
	Asks         []schema.Level
}

type depthResponse struct {
	LastUpdateID uint64      `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

// Depth fetches a book snapshot used to seed local books.
func (c *Client) Depth(ctx context.Context, symbol string, limit int) (DepthSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(limit))
	weight := 5
	switch {
	case limit > 500:
		weight = 20
	case limit > 100:
		weight = 10
	}
	var raw depthResponse
	if err := c.callJSON(ctx, Request{
		Method: http.MethodGet,
		Path:   pathDepth,
		Params: params,
		Class:  ratelimit.ClassMarket,
		Weight: weight,
	}, &raw); err != nil {
		return DepthSnapshot{}, err
	}
	bids, err := ParseLevels(raw.Bids)
	if err != nil {
		return DepthSnapshot{}, err
	}
	asks, err := ParseLevels(raw.Asks)
	if err != nil {
		return DepthSnapshot{}, err
	}
	return DepthSnapshot{LastUpdateID: raw.LastUpdateID, Bids: bids, Asks: asks}, nil
}

// ParseLevels converts [price, qty] string pairs.
func ParseLevels(raw [][2]string) ([]schema.Level, error) {
	out := make([]schema.Level, 0, len(raw))
	for _, pair := range raw {
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, errs.New(scope, errs.CodeTransient, errs.WithMessage("bad price level"), errs.WithCause(err))
		}
		qty, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, errs.New(scope, errs.CodeTransient, errs.WithMessage("bad qty level"), errs.WithCause(err))
		}
		out = append(out, schema.Level{Price: price, Qty: qty})
	}
	return out, nil
}

// CreateListenKey opens or extends the user data stream key.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := c.callJSON(ctx, Request{
		Method:   http.MethodPost,
		Path:     pathListenKey,
		Class:    ratelimit.ClassQuery,
		Weight:   1,
		Security: SecurityAPIKey,
	}, &out); err != nil {
		return "", err
	}
	if out.ListenKey == "" {
		return "", errs.New(scope, errs.CodeTransient, errs.WithMessage("empty listen key"))
	}
	return out.ListenKey, nil
}

// KeepAliveListenKey extends the listen key validity.
func (c *Client) KeepAliveListenKey(ctx context.Context) error {
	_, err := c.Call(ctx, Request{
		Method:   http.MethodPut,
		Path:     pathListenKey,
		Class:    ratelimit.ClassQuery,
		Weight:   1,
		Security: SecurityAPIKey,
	})
	return err
}

// CloseListenKey closes the user data stream.
func (c *Client) CloseListenKey(ctx context.Context) error {
	_, err := c.Call(ctx, Request{
		Method:   http.MethodDelete,
		Path:     pathListenKey,
		Class:    ratelimit.ClassQuery,
		Weight:   1,
		Security: SecurityAPIKey,
	})
	return err
}

// ServerTime returns exchange time.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	var out struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := c.callJSON(ctx, Request{
		Method: http.MethodGet,
		Path:   pathTime,
		Class:  ratelimit.ClassMarket,
		Weight: 1,
	}, &out); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(out.ServerTime), nil
}

func (c *Client) callJSON(ctx context.Context, req Request, out any) error {
	resp, err := c.Call(ctx, req)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

func orderRef(symbol, clientID string, orderID int64) (url.Values, error) {
	if symbol == "" || (clientID == "" && orderID == 0) {
		return nil, errs.New(scope, errs.CodeInvalid, errs.WithMessage("symbol and order reference required"))
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	if orderID != 0 {
		params.Set("orderId", strconv.FormatInt(orderID, 10))
	} else {
		params.Set("origClientOrderId", clientID)
	}
	return params, nil
}
