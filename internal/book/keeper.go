package book

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/tradewire/internal/observability"
	"github.com/coachpo/tradewire/internal/rest"
	"github.com/coachpo/tradewire/internal/schema"
)

// DepthSource fetches REST depth snapshots.
type DepthSource interface {
	Depth(ctx context.Context, symbol string, limit int) (rest.DepthSnapshot, error)
}

// Option configures a Keeper.
type Option func(*Keeper)

// WithLogger sets the logger.
func WithLogger(l observability.Logger) Option {
	return func(k *Keeper) {
		if l != nil {
			k.logger = l
		}
	}
}

// WithDepthLimit sets the snapshot depth requested when seeding.
func WithDepthLimit(n int) Option {
	return func(k *Keeper) {
		if n > 0 {
			k.limit = n
		}
	}
}

type state struct {
	book    *Book
	channel string
	synced  bool
	seeding bool
	// epoch invalidates snapshots requested before a reset.
	epoch   uint64
	pending []schema.BookUpdate
}

type seedResult struct {
	symbol string
	epoch  uint64
	snap   rest.DepthSnapshot
	err    error
}

// Keeper seeds books from snapshots, applies diffs and discards state whenever the stream reports a
// reconnect or a sequence gap.
type Keeper struct {
	src    DepthSource
	logger observability.Logger
	limit  int

	mu     sync.RWMutex
	states map[string]*state

	seeds chan seedResult
}

// NewKeeper constructs a keeper backed by src.
func NewKeeper(src DepthSource, opts ...Option) *Keeper {
	k := &Keeper{
		src:    src,
		logger: observability.Log(),
		limit:  1000,
		states: make(map[string]*state),
		seeds:  make(chan seedResult, 16),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(k)
		}
	}
	return k
}

// Run consumes events until ctx is cancelled or events closes.
func (k *Keeper) Run(ctx context.Context, events <-chan schema.Event) error {
	var wg conc.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case res := <-k.seeds:
			k.onSeed(res)
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			k.handle(ctx, &wg, evt)
		}
	}
}

// handle applies one event. Snapshot fetches are started on wg.
func (k *Keeper) handle(ctx context.Context, wg *conc.WaitGroup, evt schema.Event) {
	switch p := evt.Payload.(type) {
	case schema.BookUpdate:
		k.onDiff(ctx, wg, evt.Channel, evt.Symbol, p)
	case schema.StreamReconnected:
		k.resetChannel(evt.Channel, "stream reconnected")
	case schema.StreamError:
		if evt.Symbol != "" {
			k.resetSymbol(evt.Symbol, "stream error: "+string(p.Code))
			return
		}
		k.resetChannel(evt.Channel, "stream error: "+string(p.Code))
	}
}

func (k *Keeper) onDiff(ctx context.Context, wg *conc.WaitGroup, channel, symbol string, u schema.BookUpdate) {
	k.mu.Lock()
	st, ok := k.states[symbol]
	if !ok {
		st = &state{book: newBook(symbol)}
		k.states[symbol] = st
	}
	st.channel = channel

	if st.synced {
		if u.FinalID <= st.book.LastUpdateID {
			k.mu.Unlock()
			return
		}
		if u.PrevFinalID != 0 && u.PrevFinalID != st.book.LastUpdateID {
			k.logger.Warn("book diff does not chain; reseeding",
				observability.F("symbol", symbol),
				observability.F("last", st.book.LastUpdateID),
				observability.F("pu", u.PrevFinalID))
			k.resetLocked(st)
			st.pending = append(st.pending, u)
			k.startSeedLocked(ctx, wg, st)
			k.mu.Unlock()
			return
		}
		st.book.apply(u)
		k.mu.Unlock()
		return
	}

	st.pending = append(st.pending, u)
	k.startSeedLocked(ctx, wg, st)
	k.mu.Unlock()
}

func (k *Keeper) startSeedLocked(ctx context.Context, wg *conc.WaitGroup, st *state) {
	if st.seeding || k.src == nil {
		return
	}
	st.seeding = true
	symbol, epoch := st.book.Symbol, st.epoch
	wg.Go(func() {
		snap, err := k.src.Depth(ctx, symbol, k.limit)
		select {
		case k.seeds <- seedResult{symbol: symbol, epoch: epoch, snap: snap, err: err}:
		case <-ctx.Done():
		}
	})
}

func (k *Keeper) onSeed(res seedResult) {
	k.mu.Lock()
	defer k.mu.Unlock()
	st, ok := k.states[res.symbol]
	if !ok || st.epoch != res.epoch {
		return
	}
	st.seeding = false
	if res.err != nil {
		k.logger.Warn("book snapshot failed", observability.F("symbol", res.symbol), observability.Err(res.err))
		return
	}
	lid := res.snap.LastUpdateID
	st.book.seed(lid, res.snap.Bids, res.snap.Asks)

	applied := false
	for _, u := range st.pending {
		if u.FinalID < lid {
			continue
		}
		if !applied {
			// First diff must straddle the snapshot.
			if u.FirstID > lid+1 {
				k.logger.Warn("book snapshot older than buffered diffs; reseeding on next diff",
					observability.F("symbol", res.symbol),
					observability.F("snapshot", lid),
					observability.F("first", u.FirstID))
				st.pending = nil
				return
			}
			applied = true
		}
		st.book.apply(u)
	}
	st.pending = nil
	st.synced = true
	k.logger.Info("book synced",
		observability.F("symbol", res.symbol),
		observability.F("last_update_id", st.book.LastUpdateID))
}

func (k *Keeper) resetChannel(channel, reason string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, st := range k.states {
		if channel == "" || st.channel == channel {
			k.resetLocked(st)
		}
	}
	k.logger.Info("books discarded", observability.F("channel", channel), observability.F("reason", reason))
}

func (k *Keeper) resetSymbol(symbol, reason string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if st, ok := k.states[symbol]; ok {
		k.resetLocked(st)
		k.logger.Info("book discarded", observability.F("symbol", symbol), observability.F("reason", reason))
	}
}

func (k *Keeper) resetLocked(st *state) {
	st.book = newBook(st.book.Symbol)
	st.synced = false
	st.seeding = false
	st.pending = nil
	st.epoch++
}

// Synced reports whether the symbol's book is live.
func (k *Keeper) Synced(symbol string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	st, ok := k.states[symbol]
	return ok && st.synced
}

// Top returns the best bid and ask of a synced book.
func (k *Keeper) Top(symbol string) (bid, ask schema.Level, ok bool) {
	v, found := k.View(symbol, 1)
	if !found || !v.Synced || len(v.Bids) == 0 || len(v.Asks) == 0 {
		return schema.Level{}, schema.Level{}, false
	}
	return v.Bids[0], v.Asks[0], true
}

// Mid returns the midpoint of a synced book.
func (k *Keeper) Mid(symbol string) (decimal.Decimal, bool) {
	v, ok := k.View(symbol, 1)
	if !ok || !v.Synced {
		return decimal.Zero, false
	}
	return v.Mid()
}

// View copies up to depth levels per side.
func (k *Keeper) View(symbol string, depth int) (View, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	st, ok := k.states[symbol]
	if !ok {
		return View{}, false
	}
	return View{
		Symbol:       symbol,
		Synced:       st.synced,
		LastUpdateID: st.book.LastUpdateID,
		Bids:         sortedLevels(st.book.bids, true, depth),
		Asks:         sortedLevels(st.book.asks, false, depth),
	}, true
}
