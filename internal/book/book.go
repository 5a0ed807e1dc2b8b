// Package book maintains local order books from depth snapshots and streamed diffs.
package book

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradewire/internal/schema"
)

// Book is one symbol's price ladder.
type Book struct {
	Symbol       string
	LastUpdateID uint64
	bids         map[string]schema.Level
	asks         map[string]schema.Level
}

func newBook(symbol string) *Book {
	return &Book{
		Symbol: symbol,
		bids:   make(map[string]schema.Level),
		asks:   make(map[string]schema.Level),
	}
}

func (b *Book) seed(lastUpdateID uint64, bids, asks []schema.Level) {
	b.LastUpdateID = lastUpdateID
	b.bids = make(map[string]schema.Level, len(bids))
	b.asks = make(map[string]schema.Level, len(asks))
	applyLevels(b.bids, bids)
	applyLevels(b.asks, asks)
}

func (b *Book) apply(u schema.BookUpdate) {
	applyLevels(b.bids, u.Bids)
	applyLevels(b.asks, u.Asks)
	b.LastUpdateID = u.FinalID
}

// A zero quantity removes the level.
func applyLevels(side map[string]schema.Level, levels []schema.Level) {
	for _, lvl := range levels {
		key := lvl.Price.String()
		if lvl.Qty.IsZero() {
			delete(side, key)
			continue
		}
		side[key] = lvl
	}
}

func sortedLevels(side map[string]schema.Level, desc bool, limit int) []schema.Level {
	out := make([]schema.Level, 0, len(side))
	for _, lvl := range side {
		out = append(out, lvl)
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// View is a read-only copy of a book for callers outside the keeper.
type View struct {
	Symbol       string         `json:"symbol"`
	Synced       bool           `json:"synced"`
	LastUpdateID uint64         `json:"lastUpdateId"`
	Bids         []schema.Level `json:"bids"`
	Asks         []schema.Level `json:"asks"`
}

// Mid returns the midpoint of the best bid and ask.
func (v View) Mid() (decimal.Decimal, bool) {
	if len(v.Bids) == 0 || len(v.Asks) == 0 {
		return decimal.Zero, false
	}
	return v.Bids[0].Price.Add(v.Asks[0].Price).Div(decimal.NewFromInt(2)), true
}
