package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"order_sync/internal/domain"
	"order_sync/internal/infra"
)

// resyncOrder fetches the authoritative order record from the REST
// collaborator and replaces local state wholesale. It runs inside the
// order's worker goroutine: further events for this order buffer on the
// worker queue and replay in arrival order once the merge completes, while
// unrelated orders keep processing.
//
// Transient failures are retried with exponential backoff up to the
// configured attempt count; exhaustion fatally desynchronizes the order.
func (r *Reconciler) resyncOrder(ctx context.Context, w *orderWorker) {
	if w.fatal {
		return
	}
	if r.source == nil {
		slog.Error("No snapshot source configured, cannot resync",
			slog.String("order_id", w.id.String()))
		r.markFatal(w, errors.New("no snapshot source"), 0)
		return
	}

	infra.GlobalMetrics.RecordResync()

	var lastErr error
	for attempt := 1; attempt <= r.cfg.ResyncMaxAttempts; attempt++ {
		qctx, cancel := context.WithTimeout(ctx, r.cfg.ResyncTimeout)
		snap, err := r.source.QueryOrder(qctx, w.symbol, w.id)
		cancel()

		switch {
		case err == nil:
			r.mergeSnapshot(ctx, w, snap)
			return

		case errors.Is(err, domain.ErrOrderNotFound):
			r.closeUnknown(ctx, w)
			return

		case ctx.Err() != nil:
			return
		}

		// Timeouts and collaborator errors are transient here; only the
		// exchange giving a definitive answer ends the loop early.
		lastErr = err
		slog.Warn("Resync attempt failed",
			slog.String("order_id", w.id.String()),
			slog.Int("attempt", attempt),
			slog.Any("error", err))

		if attempt == r.cfg.ResyncMaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(infra.CalculateBackoff(attempt)):
		}
	}

	r.markFatal(w, lastErr, r.cfg.ResyncMaxAttempts)
}

// mergeSnapshot replaces local state with the authoritative record and
// publishes the single synthetic transition carrying the net change.
func (r *Reconciler) mergeSnapshot(ctx context.Context, w *orderWorker, snap domain.OrderSnapshot) {
	w.mu.Lock()
	merged, tr := domain.Resynced(w.state, snap)
	w.state = merged
	terminal := merged.Terminal()
	w.mu.Unlock()

	slog.Info("Order resynchronized",
		slog.String("order_id", w.id.String()),
		slog.String("status", string(merged.Status)),
		slog.String("delta_qty", tr.DeltaQty.String()))

	r.publish(ctx, tr)
	if terminal {
		r.scheduleRetire(w)
	}
}

// closeUnknown handles an order the exchange no longer recognizes: it is
// treated as implicitly canceled at the last confirmed cumulative quantity.
func (r *Reconciler) closeUnknown(ctx context.Context, w *orderWorker) {
	w.mu.Lock()
	state := w.state
	var tr domain.Transition
	if state != nil {
		tr = domain.ImplicitlyCanceled(state)
	}
	w.mu.Unlock()

	if state == nil {
		// Seeded from the audit log but never materialized; nothing to
		// publish, just stop tracking.
		slog.Info("Untracked order unknown to exchange, retiring",
			slog.String("order_id", w.id.String()))
		r.scheduleRetire(w)
		return
	}

	slog.Warn("Order unknown to exchange, implicitly canceled",
		slog.String("order_id", w.id.String()),
		slog.Bool("had_fills", tr.HadFills))
	r.publish(ctx, tr)
	r.scheduleRetire(w)
}

// markFatal marks the order unreliable and surfaces the condition to the
// operator. Other orders continue processing unaffected.
func (r *Reconciler) markFatal(w *orderWorker, cause error, attempts int) {
	w.fatal = true
	err := &domain.FatalDesyncError{OrderID: w.id, Attempts: attempts, Err: cause}
	slog.Error("FATAL_DESYNC", slog.Any("error", err))
	infra.GlobalMetrics.RecordResyncFailed()
}
