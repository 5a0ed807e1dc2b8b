package backtest

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradewire/internal/schema"
)

// OrderBook holds resting simulated limit orders for a single instrument.
type OrderBook struct {
	bids []*simOrder
	asks []*simOrder
}

// NewOrderBook creates an empty book.
func NewOrderBook() *OrderBook {
	return &OrderBook{}
}

// Add rests an order, keeping bids best-first (highest) and asks best-first (lowest). Equal prices
// keep arrival order.
func (ob *OrderBook) Add(o *simOrder) {
	switch o.intent.Side {
	case schema.SideBuy:
		ob.bids = append(ob.bids, o)
		sort.SliceStable(ob.bids, func(i, j int) bool {
			return ob.bids[i].intent.Price.GreaterThan(ob.bids[j].intent.Price)
		})
	case schema.SideSell:
		ob.asks = append(ob.asks, o)
		sort.SliceStable(ob.asks, func(i, j int) bool {
			return ob.asks[i].intent.Price.LessThan(ob.asks[j].intent.Price)
		})
	}
}

// Remove drops the order with the client id and reports whether it was resting.
func (ob *OrderBook) Remove(clientID string) bool {
	for _, side := range []*[]*simOrder{&ob.bids, &ob.asks} {
		for i, o := range *side {
			if o.resp.ClientOrderID == clientID {
				*side = append((*side)[:i], (*side)[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Cross removes and returns every resting order a trade at price executes: bids at or above it and
// asks at or below it.
func (ob *OrderBook) Cross(price decimal.Decimal) []*simOrder {
	var out []*simOrder
	n := 0
	for n < len(ob.bids) && ob.bids[n].intent.Price.GreaterThanOrEqual(price) {
		n++
	}
	out = append(out, ob.bids[:n]...)
	ob.bids = ob.bids[n:]

	n = 0
	for n < len(ob.asks) && ob.asks[n].intent.Price.LessThanOrEqual(price) {
		n++
	}
	out = append(out, ob.asks[:n]...)
	ob.asks = ob.asks[n:]
	return out
}

// Len reports the number of resting orders.
func (ob *OrderBook) Len() int { return len(ob.bids) + len(ob.asks) }
