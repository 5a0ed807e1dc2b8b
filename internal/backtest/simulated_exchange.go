package backtest

import (
	"context"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradewire/errs"
	"github.com/coachpo/tradewire/internal/clock"
	"github.com/coachpo/tradewire/internal/rest"
	"github.com/coachpo/tradewire/internal/schema"
)

const scope = "backtest"

// Publisher receives execution reports for resting orders filled by later trades.
type Publisher interface {
	Publish(ctx context.Context, evt schema.Event) error
}

type simOrder struct {
	intent schema.OrderIntent
	resp   rest.OrderResponse
}

// ExchangeOption configures a SimulatedExchange.
type ExchangeOption func(*SimulatedExchange)

// WithFees sets the fee model.
func WithFees(f FeeModel) ExchangeOption {
	return func(se *SimulatedExchange) {
		if f != nil {
			se.fees = f
		}
	}
}

// WithSlippage sets the market order slippage model.
func WithSlippage(s SlippageModel) ExchangeOption {
	return func(se *SimulatedExchange) {
		if s != nil {
			se.slippage = s
		}
	}
}

// WithPublisher routes fills of resting orders to the ledger through the bus.
func WithPublisher(p Publisher) ExchangeOption {
	return func(se *SimulatedExchange) { se.pub = p }
}

// SimulatedExchange fills orders against replayed trade prices. It implements the ledger's
// Exchange: market orders fill at the last trade price, marketable limits fill at once and other
// limits rest until a trade crosses them.
type SimulatedExchange struct {
	clock    clock.Clock
	fees     FeeModel
	slippage SlippageModel
	pub      Publisher

	mu       sync.Mutex
	observer FillObserver
	nextID   int64
	last     map[string]decimal.Decimal
	books    map[string]*OrderBook
	orders   map[string]*simOrder
	byID     map[int64]*simOrder
}

// NewSimulatedExchange creates a simulated exchange timed by clk.
func NewSimulatedExchange(clk clock.Clock, opts ...ExchangeOption) *SimulatedExchange {
	se := &SimulatedExchange{
		clock:    clock.OrReal(clk),
		fees:     ProportionalFee{},
		slippage: BasisPointSlippage{},
		last:     make(map[string]decimal.Decimal),
		books:    make(map[string]*OrderBook),
		orders:   make(map[string]*simOrder),
		byID:     make(map[int64]*simOrder),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(se)
		}
	}
	return se
}

func (se *SimulatedExchange) setObserver(o FillObserver) {
	se.mu.Lock()
	se.observer = o
	se.mu.Unlock()
}

// Mid returns the last trade price, serving as the risk reference price.
func (se *SimulatedExchange) Mid(symbol string) (decimal.Decimal, bool) {
	se.mu.Lock()
	defer se.mu.Unlock()
	p, ok := se.last[symbol]
	return p, ok
}

// Resting reports how many limit orders wait in the book for symbol.
func (se *SimulatedExchange) Resting(symbol string) int {
	se.mu.Lock()
	defer se.mu.Unlock()
	if ob, ok := se.books[symbol]; ok {
		return ob.Len()
	}
	return 0
}

// PlaceOrder accepts the intent and fills it immediately when it is marketable.
func (se *SimulatedExchange) PlaceOrder(_ context.Context, intent schema.OrderIntent) (rest.OrderResponse, error) {
	se.mu.Lock()
	defer se.mu.Unlock()

	if _, dup := se.orders[intent.IdempotencyKey]; dup {
		return rest.OrderResponse{}, errs.New(scope, errs.CodeRejected,
			errs.WithReason(errs.ReasonDuplicateOrder), errs.WithMessage("duplicate client order id"))
	}
	last, priced := se.last[intent.Symbol]
	if intent.Type == schema.OrderTypeMarket && !priced {
		return rest.OrderResponse{}, errs.New(scope, errs.CodeRejected,
			errs.WithMessage("no trade price yet for "+intent.Symbol))
	}

	se.nextID++
	o := &simOrder{
		intent: intent,
		resp: rest.OrderResponse{
			OrderID:       se.nextID,
			Symbol:        intent.Symbol,
			Status:        "NEW",
			ClientOrderID: intent.IdempotencyKey,
			Price:         intent.Price,
			OrigQty:       intent.Quantity,
			TimeInForce:   intent.TimeInForce,
			Type:          string(intent.Type),
			ReduceOnly:    intent.ReduceOnly,
			Side:          string(intent.Side),
			UpdateTime:    se.clock.Now().UnixMilli(),
		},
	}
	se.orders[intent.IdempotencyKey] = o
	se.byID[o.resp.OrderID] = o
	if se.observer != nil {
		se.observer.OnOrderSubmitted(intent)
	}

	switch {
	case intent.Type == schema.OrderTypeMarket:
		se.fillLocked(o, se.slippage.Adjust(intent.Side, last))
	case priced && marketable(intent, last):
		se.fillLocked(o, bestOf(intent, last))
	default:
		ob, ok := se.books[intent.Symbol]
		if !ok {
			ob = NewOrderBook()
			se.books[intent.Symbol] = ob
		}
		ob.Add(o)
	}
	return o.resp, nil
}

// CancelOrder cancels a resting order.
func (se *SimulatedExchange) CancelOrder(_ context.Context, symbol, clientID string, orderID int64) (rest.OrderResponse, error) {
	se.mu.Lock()
	defer se.mu.Unlock()
	o, err := se.lookupLocked(clientID, orderID)
	if err != nil {
		return rest.OrderResponse{}, err
	}
	ob := se.books[symbol]
	if ob == nil || !ob.Remove(o.resp.ClientOrderID) {
		return rest.OrderResponse{}, errs.New(scope, errs.CodeRejected,
			errs.WithReason(errs.ReasonOrderNotFound), errs.WithMessage("order is not open"))
	}
	o.resp.Status = "CANCELED"
	o.resp.UpdateTime = se.clock.Now().UnixMilli()
	return o.resp, nil
}

// QueryOrder returns the current state of an order.
func (se *SimulatedExchange) QueryOrder(_ context.Context, _ string, clientID string, orderID int64) (rest.OrderResponse, error) {
	se.mu.Lock()
	defer se.mu.Unlock()
	o, err := se.lookupLocked(clientID, orderID)
	if err != nil {
		return rest.OrderResponse{}, err
	}
	return o.resp, nil
}

// OnTrade records the trade price and fills every resting order it crosses. Reports for those
// fills go to the publisher.
func (se *SimulatedExchange) OnTrade(ctx context.Context, evt schema.Event) {
	trade, ok := evt.Payload.(schema.Trade)
	if !ok || !trade.Price.IsPositive() {
		return
	}
	symbol := strings.ToUpper(evt.Symbol)

	se.mu.Lock()
	se.last[symbol] = trade.Price
	var filled []*simOrder
	if ob, ok := se.books[symbol]; ok {
		for _, o := range ob.Cross(trade.Price) {
			se.fillLocked(o, o.intent.Price)
			filled = append(filled, o)
		}
	}
	updates := make([]schema.Event, 0, len(filled))
	for _, o := range filled {
		update := o.resp.Update()
		update.ExecType = "TRADE"
		update.LastQty = o.resp.ExecutedQty
		update.LastPrice = o.resp.AvgPrice
		updates = append(updates, schema.NewEvent(evt.Channel, symbol, 0, update))
	}
	pub := se.pub
	se.mu.Unlock()

	if pub == nil {
		return
	}
	for _, u := range updates {
		_ = pub.Publish(ctx, u)
	}
}

func (se *SimulatedExchange) fillLocked(o *simOrder, price decimal.Decimal) {
	qty := o.intent.Quantity
	o.resp.Status = "FILLED"
	o.resp.ExecutedQty = qty
	o.resp.AvgPrice = price
	o.resp.CumQuote = qty.Mul(price)
	o.resp.UpdateTime = se.clock.Now().UnixMilli()
	if se.observer != nil {
		se.observer.OnFill(Fill{
			ClientOrderID: o.resp.ClientOrderID,
			Symbol:        o.intent.Symbol,
			Side:          o.intent.Side,
			Qty:           qty,
			Price:         price,
			Fee:           se.fees.Fee(qty, price),
		})
	}
}

func (se *SimulatedExchange) lookupLocked(clientID string, orderID int64) (*simOrder, error) {
	if clientID != "" {
		if o, ok := se.orders[clientID]; ok {
			return o, nil
		}
	} else if o, ok := se.byID[orderID]; ok {
		return o, nil
	}
	return nil, errs.New(scope, errs.CodeRejected,
		errs.WithReason(errs.ReasonOrderNotFound), errs.WithMessage("unknown order"))
}

func marketable(intent schema.OrderIntent, last decimal.Decimal) bool {
	if intent.Side == schema.SideBuy {
		return intent.Price.GreaterThanOrEqual(last)
	}
	return intent.Price.LessThanOrEqual(last)
}

// bestOf is the execution price of a marketable limit: the trade price, never worse than the limit.
func bestOf(intent schema.OrderIntent, last decimal.Decimal) decimal.Decimal {
	if intent.Side == schema.SideBuy {
		return decimal.Min(intent.Price, last)
	}
	return decimal.Max(intent.Price, last)
}
