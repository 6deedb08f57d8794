package engine

import (
	"log/slog"
	"sync"

	"order_sync/internal/domain"
	"order_sync/internal/infra"
	"order_sync/pkg/ident"
)

// Subscription is a per-consumer stream of transitions. Transitions for a
// single order always arrive in the sequence they were accepted; the
// per-order Seq lets a consumer discard anything it has already applied.
//
// Delivery on C is buffered and lossy: when the buffer is full the
// transition is dropped rather than blocking the reconciler. A dropped
// transition shows up as a gap in the per-order Seq, and the current state
// is always recoverable through GetOrderState.
type Subscription struct {
	C <-chan domain.Transition

	hub     *subscriberHub
	ch      chan domain.Transition
	orderID ident.ID
	all     bool
	once    sync.Once
}

// Close detaches the subscription. The channel is closed; pending buffered
// transitions remain readable.
func (s *Subscription) Close() {
	s.hub.remove(s)
	s.closeChan()
}

func (s *Subscription) closeChan() {
	s.once.Do(func() {
		close(s.ch)
	})
}

// subscriberHub fans accepted transitions out to consumers. Channels are
// buffered; a consumer that falls behind loses transitions (logged) and can
// detect the gap from the per-order Seq, then recover via GetOrderState.
type subscriberHub struct {
	mu       sync.RWMutex
	buf      int
	all      map[*Subscription]struct{}
	perOrder map[ident.ID]map[*Subscription]struct{}
	closed   bool
}

func newSubscriberHub(buf int) *subscriberHub {
	return &subscriberHub{
		buf:      buf,
		all:      make(map[*Subscription]struct{}),
		perOrder: make(map[ident.ID]map[*Subscription]struct{}),
	}
}

func (h *subscriberHub) subscribeAll() *Subscription {
	ch := make(chan domain.Transition, h.buf)
	sub := &Subscription{C: ch, ch: ch, hub: h, all: true}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.closeChan()
		return sub
	}
	h.all[sub] = struct{}{}
	return sub
}

func (h *subscriberHub) subscribeOrder(orderID ident.ID) *Subscription {
	ch := make(chan domain.Transition, h.buf)
	sub := &Subscription{C: ch, ch: ch, hub: h, orderID: orderID}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.closeChan()
		return sub
	}
	subs, ok := h.perOrder[orderID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.perOrder[orderID] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

func (h *subscriberHub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if sub.all {
		delete(h.all, sub)
		return
	}
	if subs, ok := h.perOrder[sub.orderID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.perOrder, sub.orderID)
		}
	}
}

func (h *subscriberHub) publish(tr domain.Transition) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}

	for sub := range h.all {
		h.send(sub, tr)
	}
	for sub := range h.perOrder[tr.OrderID] {
		h.send(sub, tr)
	}
}

func (h *subscriberHub) send(sub *Subscription, tr domain.Transition) {
	select {
	case sub.ch <- tr:
	default:
		slog.Warn("Subscriber buffer full, transition dropped",
			slog.String("order_id", tr.OrderID.String()),
			slog.Uint64("seq", tr.Seq))
		infra.GlobalMetrics.RecordError()
	}
}

func (h *subscriberHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.all {
		sub.closeChan()
	}
	for _, subs := range h.perOrder {
		for sub := range subs {
			sub.closeChan()
		}
	}
	h.all = nil
	h.perOrder = nil
}
