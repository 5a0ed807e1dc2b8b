// Package backtest replays historical trades through the deciders, coordinator and ledger against a
// simulated exchange and reports the resulting performance.
package backtest

import (
	"maps"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradewire/internal/schema"
)

// Analytics summarises a replay. PnL is quote-currency, marked to the last trade of each symbol.
type Analytics struct {
	Events       int             `json:"events"`
	TotalOrders  int             `json:"totalOrders"`
	FilledOrders int             `json:"filledOrders"`
	TotalVolume  decimal.Decimal `json:"totalVolume"`
	RealizedPnL  decimal.Decimal `json:"realizedPnl"`
	GrossPnL     decimal.Decimal `json:"grossPnl"`
	Fees         decimal.Decimal `json:"fees"`
	NetPnL       decimal.Decimal `json:"netPnl"`
	MaxDrawdown  decimal.Decimal `json:"maxDrawdown"`

	book  map[string]position
	marks map[string]decimal.Decimal
	peak  decimal.Decimal
}

// position is a signed quantity with its average entry. Short positions have negative qty.
type position struct {
	qty   decimal.Decimal
	entry decimal.Decimal
}

func (p position) unrealized(mark decimal.Decimal) decimal.Decimal {
	if p.qty.IsZero() || !mark.IsPositive() {
		return decimal.Zero
	}
	return mark.Sub(p.entry).Mul(p.qty)
}

// apply folds a signed fill into the position and returns the PnL it realises.
func (p position) apply(signed, price decimal.Decimal) (position, decimal.Decimal) {
	if p.qty.IsZero() || p.qty.Sign() == signed.Sign() {
		total := p.qty.Add(signed)
		cost := p.entry.Mul(p.qty.Abs()).Add(price.Mul(signed.Abs()))
		return position{qty: total, entry: cost.Div(total.Abs())}, decimal.Zero
	}
	closing := decimal.Min(p.qty.Abs(), signed.Abs())
	realized := price.Sub(p.entry).Mul(closing)
	if p.qty.IsNegative() {
		realized = realized.Neg()
	}
	rest := p.qty.Add(signed)
	switch {
	case rest.IsZero():
		return position{}, realized
	case rest.Sign() == p.qty.Sign():
		return position{qty: rest, entry: p.entry}, realized
	default:
		// Flipped through flat: the remainder opens at the fill price.
		return position{qty: rest, entry: price}, realized
	}
}

func newAnalytics() *Analytics {
	return &Analytics{
		book:  make(map[string]position),
		marks: make(map[string]decimal.Decimal),
	}
}

func (a *Analytics) clone() Analytics {
	out := *a
	out.book = maps.Clone(a.book)
	out.marks = maps.Clone(a.marks)
	return out
}

// Position returns the open quantity for symbol; negative is short.
func (a Analytics) Position(symbol string) decimal.Decimal {
	return a.book[symbol].qty
}

func (a *Analytics) recordOrder() { a.TotalOrders++ }

func (a *Analytics) mark(symbol string, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	a.marks[symbol] = price
	a.revalue()
}

func (a *Analytics) recordFill(f Fill) {
	if !f.Qty.IsPositive() {
		return
	}
	signed := f.Qty
	switch f.Side {
	case schema.SideBuy:
	case schema.SideSell:
		signed = signed.Neg()
	default:
		return
	}
	next, realized := a.book[f.Symbol].apply(signed, f.Price)
	if next.qty.IsZero() {
		delete(a.book, f.Symbol)
	} else {
		a.book[f.Symbol] = next
	}
	a.RealizedPnL = a.RealizedPnL.Add(realized)
	a.TotalVolume = a.TotalVolume.Add(f.Qty)
	a.Fees = a.Fees.Add(f.Fee)
	a.FilledOrders++
	a.marks[f.Symbol] = f.Price
	a.revalue()
}

func (a *Analytics) revalue() {
	gross := a.RealizedPnL
	for symbol, p := range a.book {
		gross = gross.Add(p.unrealized(a.marks[symbol]))
	}
	a.GrossPnL = gross
	a.NetPnL = gross.Sub(a.Fees)
	if gross.GreaterThan(a.peak) {
		a.peak = gross
	}
	if dd := a.peak.Sub(gross); dd.GreaterThan(a.MaxDrawdown) {
		a.MaxDrawdown = dd
	}
}
