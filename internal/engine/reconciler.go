package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"order_sync/internal/domain"
	"order_sync/internal/event"
	"order_sync/internal/infra"
	"order_sync/pkg/ident"
)

// Config tunes the reconciler. Zero values fall back to defaults.
type Config struct {
	InboxSize         int
	OrderQueueSize    int
	SubscriberBuffer  int
	RetireGrace       time.Duration
	ResyncTimeout     time.Duration
	ResyncMaxAttempts int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		InboxSize:         1024,
		OrderQueueSize:    256,
		SubscriberBuffer:  64,
		RetireGrace:       30 * time.Second,
		ResyncTimeout:     10 * time.Second,
		ResyncMaxAttempts: 5,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.InboxSize <= 0 {
		c.InboxSize = def.InboxSize
	}
	if c.OrderQueueSize <= 0 {
		c.OrderQueueSize = def.OrderQueueSize
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = def.SubscriberBuffer
	}
	if c.RetireGrace <= 0 {
		c.RetireGrace = def.RetireGrace
	}
	if c.ResyncTimeout <= 0 {
		c.ResyncTimeout = def.ResyncTimeout
	}
	if c.ResyncMaxAttempts <= 0 {
		c.ResyncMaxAttempts = def.ResyncMaxAttempts
	}
	return c
}

// Reconciler turns the stream of order-update notifications into an
// authoritative, monotonically consistent view of every order's lifecycle.
//
// A dispatcher goroutine reads the inbox and fans events out by order_id to
// per-order workers: events for the same order are processed strictly one at
// a time, while different orders proceed in parallel. The worker table is
// owned exclusively by the reconciler.
type Reconciler struct {
	cfg    Config
	inbox  chan event.Event
	source domain.SnapshotSource
	store  domain.AuditStore
	hub    *subscriberHub

	mu      sync.RWMutex // guards orders for external reads
	orders  map[ident.ID]*orderWorker
	retired chan ident.ID

	runCtx context.Context
	wg     sync.WaitGroup
}

// orderWorker serializes all processing for a single order_id.
type orderWorker struct {
	id     ident.ID
	symbol string
	queue  chan workerMsg

	// pending holds overflow once queue fills, e.g. while the worker is
	// parked inside a resync round trip. Senders never block on it, so a
	// slow order cannot stall the dispatcher.
	pendingMu sync.Mutex
	pending   []workerMsg

	mu    sync.RWMutex // guards state for external snapshot reads
	state *domain.OrderState
	fatal bool // set after exhausted resync retries; order is unreliable
}

type workerMsg struct {
	ev     *event.OrderUpdateEvent
	resync bool
	retire bool
}

// enqueue hands a message to the worker without ever blocking the caller.
// Once anything has spilled to pending, later messages spill too, keeping
// arrival order: everything in queue is older than everything in pending.
func (w *orderWorker) enqueue(msg workerMsg) {
	w.pendingMu.Lock()
	if len(w.pending) > 0 {
		w.pending = append(w.pending, msg)
		w.pendingMu.Unlock()
		return
	}
	w.pendingMu.Unlock()

	select {
	case w.queue <- msg:
	default:
		w.pendingMu.Lock()
		w.pending = append(w.pending, msg)
		w.pendingMu.Unlock()
	}
}

func (w *orderWorker) takePending() (workerMsg, bool) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	if len(w.pending) == 0 {
		return workerMsg{}, false
	}
	msg := w.pending[0]
	w.pending = w.pending[1:]
	return msg, true
}

// drainAndRelease returns every still-buffered pooled event before the
// worker goroutine exits.
func (w *orderWorker) drainAndRelease() {
	for {
		select {
		case msg := <-w.queue:
			event.ReleaseOrderUpdateEvent(msg.ev)
		default:
			w.pendingMu.Lock()
			for _, msg := range w.pending {
				event.ReleaseOrderUpdateEvent(msg.ev)
			}
			w.pending = nil
			w.pendingMu.Unlock()
			return
		}
	}
}

// NewReconciler creates a reconciler. source may be nil (desyncs then become
// fatal immediately); store may be nil (no audit log).
func NewReconciler(cfg Config, source domain.SnapshotSource, store domain.AuditStore) *Reconciler {
	cfg = cfg.withDefaults()
	return &Reconciler{
		cfg:     cfg,
		inbox:   make(chan event.Event, cfg.InboxSize),
		source:  source,
		store:   store,
		hub:     newSubscriberHub(cfg.SubscriberBuffer),
		orders:  make(map[ident.ID]*orderWorker),
		retired: make(chan ident.ID, 64),
	}
}

// Inbox returns the event channel. External workers send events here.
func (r *Reconciler) Inbox() chan<- event.Event {
	return r.inbox
}

// SubscribeAll delivers every accepted transition.
func (r *Reconciler) SubscribeAll() *Subscription {
	return r.hub.subscribeAll()
}

// Subscribe delivers transitions for a single order.
func (r *Reconciler) Subscribe(orderID ident.ID) *Subscription {
	return r.hub.subscribeOrder(orderID)
}

// Run starts the dispatcher loop. This MUST be run in a single goroutine,
// before any events are sent to the inbox.
func (r *Reconciler) Run(ctx context.Context) {
	r.runCtx = ctx
	slog.Info("Reconciler started")

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("CRITICAL_PANIC_DETECTED", slog.Any("panic", rec))
			r.DumpState("panic_dump.json")
			panic(fmt.Sprintf("HALTED: %v", rec))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Reconciler stopping...")
			r.wg.Wait()
			r.hub.closeAll()
			return
		case ev := <-r.inbox:
			r.dispatch(ev)
		case id := <-r.retired:
			r.mu.Lock()
			delete(r.orders, id)
			r.mu.Unlock()
		}
	}
}

func (r *Reconciler) dispatch(ev event.Event) {
	switch e := ev.(type) {
	case *event.OrderUpdateEvent:
		r.dispatchUpdate(e)
	case *event.StreamReconnectedEvent:
		r.resyncAllOpen()
	case *event.ResyncRequestEvent:
		w := r.lookupOrCreate(e.OrderID, e.Symbol)
		w.enqueue(workerMsg{resync: true})
	default:
		slog.Warn("Unknown event type", slog.Any("type", ev.GetType()))
	}
}

func (r *Reconciler) dispatchUpdate(ev *event.OrderUpdateEvent) {
	if err := ev.Validate(); err != nil {
		slog.Warn("Malformed event dropped",
			slog.String("symbol", ev.Symbol),
			slog.String("order_id", ev.OrderID.String()),
			slog.Any("error", err))
		infra.GlobalMetrics.RecordMalformed()
		event.ReleaseOrderUpdateEvent(ev)
		return
	}

	r.mu.RLock()
	w, ok := r.orders[ev.OrderID]
	r.mu.RUnlock()

	if !ok {
		if ev.Action != event.ActionNew {
			// Most likely a late duplicate for a retired order. Without a
			// placement event there is nothing to reconcile against.
			slog.Warn("Event for unknown order dropped",
				slog.String("order_id", ev.OrderID.String()),
				slog.String("action", string(ev.Action)))
			infra.GlobalMetrics.RecordStale()
			event.ReleaseOrderUpdateEvent(ev)
			return
		}
		w = r.lookupOrCreate(ev.OrderID, ev.Symbol)
	}

	w.enqueue(workerMsg{ev: ev})
}

// lookupOrCreate returns the worker for an order, starting one if needed.
// Only the dispatcher goroutine creates workers.
func (r *Reconciler) lookupOrCreate(id ident.ID, symbol string) *orderWorker {
	r.mu.RLock()
	w, ok := r.orders[id]
	r.mu.RUnlock()
	if ok {
		return w
	}

	w = &orderWorker{
		id:     id,
		symbol: symbol,
		queue:  make(chan workerMsg, r.cfg.OrderQueueSize),
	}
	r.mu.Lock()
	r.orders[id] = w
	r.mu.Unlock()

	r.wg.Add(1)
	go r.runWorker(r.runCtx, w)
	return w
}

// resyncAllOpen enqueues a resync on every tracked order after a push
// channel reconnect. enqueue never blocks, so one stuck order cannot stall
// the others.
func (r *Reconciler) resyncAllOpen() {
	r.mu.RLock()
	workers := make([]*orderWorker, 0, len(r.orders))
	for _, w := range r.orders {
		workers = append(workers, w)
	}
	r.mu.RUnlock()

	slog.Info("Stream reconnected, resyncing tracked orders", slog.Int("orders", len(workers)))
	for _, w := range workers {
		w.enqueue(workerMsg{resync: true})
	}
}

func (r *Reconciler) runWorker(ctx context.Context, w *orderWorker) {
	defer r.wg.Done()
	defer w.drainAndRelease()
	for {
		// Queue first: anything in it is older than anything in pending.
		select {
		case <-ctx.Done():
			return
		case msg := <-w.queue:
			if r.handleMsg(ctx, w, msg) {
				return
			}
			continue
		default:
		}

		if msg, ok := w.takePending(); ok {
			if r.handleMsg(ctx, w, msg) {
				return
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case msg := <-w.queue:
			if r.handleMsg(ctx, w, msg) {
				return
			}
		}
	}
}

// handleMsg processes one worker message; true means the worker must exit.
func (r *Reconciler) handleMsg(ctx context.Context, w *orderWorker, msg workerMsg) bool {
	switch {
	case msg.retire:
		r.retire(ctx, w)
		return true
	case msg.resync:
		r.resyncOrder(ctx, w)
	case msg.ev != nil:
		r.processEvent(ctx, w, msg.ev)
	}
	return false
}

func (r *Reconciler) processEvent(ctx context.Context, w *orderWorker, ev *event.OrderUpdateEvent) {
	defer event.ReleaseOrderUpdateEvent(ev)
	start := time.Now()

	if w.fatal {
		slog.Warn("Event dropped for fatally desynchronized order",
			slog.String("order_id", w.id.String()))
		infra.GlobalMetrics.RecordError()
		return
	}

	if w.state == nil {
		if ev.Action != event.ActionNew {
			slog.Warn("Non-placement event before order known, resyncing",
				slog.String("order_id", w.id.String()),
				slog.String("action", string(ev.Action)))
			r.resyncOrder(ctx, w)
			return
		}
		state, tr, err := domain.NewFromEvent(ev)
		if err != nil {
			slog.Warn("Placement event rejected", slog.Any("error", err))
			infra.GlobalMetrics.RecordMalformed()
			return
		}
		w.mu.Lock()
		w.state = state
		w.mu.Unlock()
		r.publish(ctx, tr)
		infra.GlobalMetrics.RecordApplied(time.Since(start).Nanoseconds())
		return
	}

	w.mu.Lock()
	tr, err := w.state.Apply(ev)
	terminal := w.state.Terminal()
	w.mu.Unlock()

	switch e := err.(type) {
	case nil:
		if tr.Kind != domain.TransitionNone {
			r.publish(ctx, tr)
		}
		infra.GlobalMetrics.RecordApplied(time.Since(start).Nanoseconds())
		if terminal {
			if tr.Kind == domain.TransitionFilled {
				infra.GlobalMetrics.RecordOrderFilled()
			}
			r.scheduleRetire(w)
		}

	case *domain.StaleEventError:
		// Benign replay: idempotency means dropping is correct.
		slog.Debug("Stale event dropped", slog.String("order_id", w.id.String()))
		infra.GlobalMetrics.RecordStale()

	case *domain.OutOfOrderError, *domain.TerminalViolationError:
		slog.Warn("Order desynchronized",
			slog.String("order_id", w.id.String()),
			slog.Any("error", e))
		infra.GlobalMetrics.RecordDesync()
		r.resyncOrder(ctx, w)

	default:
		slog.Error("Event apply failed",
			slog.String("order_id", w.id.String()),
			slog.Any("error", err))
		infra.GlobalMetrics.RecordError()
	}
}

func (r *Reconciler) publish(ctx context.Context, tr domain.Transition) {
	r.hub.publish(tr)
	if r.store != nil {
		if err := r.store.AppendTransition(ctx, tr); err != nil {
			slog.Error("Audit append failed",
				slog.String("order_id", tr.OrderID.String()),
				slog.Any("error", err))
		}
	}
}

// scheduleRetire keeps terminal state around for a grace window so late
// duplicate terminal events are still absorbed as stale instead of looking
// like unknown orders.
func (r *Reconciler) scheduleRetire(w *orderWorker) {
	time.AfterFunc(r.cfg.RetireGrace, func() {
		w.enqueue(workerMsg{retire: true})
	})
}

func (r *Reconciler) retire(ctx context.Context, w *orderWorker) {
	w.mu.RLock()
	state := w.state
	w.mu.RUnlock()

	if state != nil && r.store != nil {
		if err := r.store.UpsertOrder(ctx, state.Snapshot()); err != nil {
			slog.Error("Order archive failed",
				slog.String("order_id", w.id.String()),
				slog.Any("error", err))
		}
	}
	infra.GlobalMetrics.RecordOrderRetired()

	select {
	case r.retired <- w.id:
	case <-ctx.Done():
	}
}

// GetOrderState returns a snapshot of one order's state (external read).
func (r *Reconciler) GetOrderState(id ident.ID) (domain.OrderSnapshot, bool) {
	r.mu.RLock()
	w, ok := r.orders[id]
	r.mu.RUnlock()
	if !ok {
		return domain.OrderSnapshot{}, false
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.state == nil {
		return domain.OrderSnapshot{}, false
	}
	return w.state.Snapshot(), true
}

// OpenOrders returns snapshots of every tracked, non-terminal order.
func (r *Reconciler) OpenOrders() []domain.OrderSnapshot {
	r.mu.RLock()
	workers := make([]*orderWorker, 0, len(r.orders))
	for _, w := range r.orders {
		workers = append(workers, w)
	}
	r.mu.RUnlock()

	open := make([]domain.OrderSnapshot, 0, len(workers))
	for _, w := range workers {
		w.mu.RLock()
		if w.state != nil && w.state.IsOpen() {
			open = append(open, w.state.Snapshot())
		}
		w.mu.RUnlock()
	}
	return open
}

// DumpState writes the entire internal state to a file (for post-mortem).
func (r *Reconciler) DumpState(filename string) {
	slog.Info("Dumping internal state...", slog.String("file", filename))

	r.mu.RLock()
	orders := make(map[string]domain.OrderSnapshot, len(r.orders))
	for id, w := range r.orders {
		w.mu.RLock()
		if w.state != nil {
			orders[id.String()] = w.state.Snapshot()
		}
		w.mu.RUnlock()
	}
	r.mu.RUnlock()

	b, err := json.MarshalIndent(orders, "", "  ")
	if err != nil {
		slog.Error("Failed to marshal state", slog.Any("error", err))
		return
	}

	if err := os.WriteFile(filename, b, 0644); err != nil {
		slog.Error("Failed to write state dump", slog.Any("error", err))
	}
}
