package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradewire/internal/schema"
)

type record struct {
	mu    sync.Mutex
	order schema.Order

	acked     chan struct{}
	done      chan struct{}
	ackedOnce sync.Once
	doneOnce  sync.Once

	createdAt     time.Time
	submittedAt   time.Time
	lastReconcile time.Time
	reconciling   bool
	reconcileNow  bool
}

func newRecord(intent schema.OrderIntent, now time.Time) *record {
	return &record{
		order: schema.Order{
			IdempotencyKey: intent.IdempotencyKey,
			Intent:         intent,
			Status:         schema.StatusCreated,
			FilledQty:      decimal.Zero,
			AvgPrice:       decimal.Zero,
			Transitions:    map[schema.OrderStatus]time.Time{schema.StatusCreated: now},
			UpdatedAt:      now,
		},
		acked:     make(chan struct{}),
		done:      make(chan struct{}),
		createdAt: now,
	}
}

// snapshotLocked copies the order; the caller holds r.mu.
func (r *record) snapshotLocked() schema.Order {
	out := r.order
	out.Transitions = make(map[schema.OrderStatus]time.Time, len(r.order.Transitions))
	for k, v := range r.order.Transitions {
		out.Transitions[k] = v
	}
	return out
}

func (r *record) snapshot() schema.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *record) signalLocked() {
	if r.order.Status.Acknowledged() {
		r.ackedOnce.Do(func() { close(r.acked) })
	}
	if r.order.Status.Terminal() {
		r.doneOnce.Do(func() { close(r.done) })
	}
}

// Handle tracks one submitted order.
type Handle struct {
	rec    *record
	replay bool
}

// Key returns the idempotency key.
func (h *Handle) Key() string { return h.rec.order.IdempotencyKey }

// Replay reports whether Submit found an existing order for the key.
func (h *Handle) Replay() bool { return h.replay }

// Snapshot returns the current order state.
func (h *Handle) Snapshot() schema.Order { return h.rec.snapshot() }

// Acked is closed once the order is acknowledged or resolved.
func (h *Handle) Acked() <-chan struct{} { return h.rec.acked }

// Done is closed once the order is terminal.
func (h *Handle) Done() <-chan struct{} { return h.rec.done }

// Wait blocks until the order is terminal or ctx ends, returning the latest snapshot either way.
func (h *Handle) Wait(ctx context.Context) (schema.Order, error) {
	select {
	case <-h.rec.done:
		return h.Snapshot(), nil
	case <-ctx.Done():
		return h.Snapshot(), ctx.Err()
	}
}
