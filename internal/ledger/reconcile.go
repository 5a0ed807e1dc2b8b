package ledger

import (
	"context"

	"github.com/coachpo/tradewire/errs"
	"github.com/coachpo/tradewire/internal/observability"
	"github.com/coachpo/tradewire/internal/schema"
)

func (l *Ledger) reconcileLoop() {
	defer close(l.stopped)
	for {
		select {
		case <-l.stop:
			return
		case <-l.clock.After(l.cfg.ReconcileInterval):
		}
		l.reconcileDue()
	}
}

// reconcileDue queries the exchange for every ambiguous order whose outcome has been unknown for
// at least ReconcileAfter.
func (l *Ledger) reconcileDue() {
	now := l.clock.Now()
	l.mu.RLock()
	recs := make([]*record, 0, len(l.records))
	for _, rec := range l.records {
		recs = append(recs, rec)
	}
	l.mu.RUnlock()

	for _, rec := range recs {
		rec.mu.Lock()
		due := rec.order.Ambiguous &&
			!rec.order.Status.Terminal() &&
			!rec.reconciling &&
			(rec.reconcileNow || now.Sub(rec.submittedAt) >= l.cfg.ReconcileAfter) &&
			(rec.lastReconcile.IsZero() || now.Sub(rec.lastReconcile) >= l.cfg.ReconcileInterval)
		if due {
			rec.reconciling = true
			rec.lastReconcile = now
		}
		rec.mu.Unlock()
		if !due {
			continue
		}
		if !l.tryEnqueue(func() { l.reconcile(rec) }) {
			rec.mu.Lock()
			rec.reconciling = false
			rec.mu.Unlock()
		}
	}
}

func (l *Ledger) tryEnqueue(job func()) bool {
	l.qmu.RLock()
	defer l.qmu.RUnlock()
	if l.closed {
		return false
	}
	select {
	case l.queue <- job:
		return true
	default:
		return false
	}
}

func (l *Ledger) reconcile(rec *record) {
	rec.mu.Lock()
	symbol, key, submittedAt := rec.order.Intent.Symbol, rec.order.IdempotencyKey, rec.submittedAt
	rec.mu.Unlock()

	resp, err := l.ex.QueryOrder(context.Background(), symbol, key, 0)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.reconciling = false
	if err == nil {
		rec.reconcileNow = false
		l.applyLocked(rec, resp.Update())
		l.logger.Info("order reconciled",
			observability.F("key", key),
			observability.F("status", string(rec.order.Status)))
		return
	}
	if e, ok := errs.As(err); ok && e.Reason == errs.ReasonOrderNotFound {
		if l.clock.Now().Sub(submittedAt) >= l.cfg.UnknownGrace {
			l.transitionLocked(rec, schema.StatusExpired, func(o *schema.Order) {
				o.Reason = "never reached exchange"
				o.Ambiguous = false
			})
		}
		return
	}
	l.logger.Warn("order reconciliation failed",
		observability.F("key", key), observability.Err(err))
}
