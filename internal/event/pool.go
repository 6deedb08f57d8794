package event

import (
	"sync"
)

// orderUpdatePool provides sync.Pool for high-frequency event allocation.
// Use this to reduce GC pressure on the decode hotpath.
//
// Usage:
//
//	ev := AcquireOrderUpdateEvent()
//	ev.Symbol = "ETHBTC"
//	// ... use event ...
//	ReleaseOrderUpdateEvent(ev)  // Return to pool after processing
var orderUpdatePool = sync.Pool{
	New: func() interface{} {
		return &OrderUpdateEvent{}
	},
}

// AcquireOrderUpdateEvent gets an OrderUpdateEvent from the pool.
// The returned event has zero values and must be initialized.
func AcquireOrderUpdateEvent() *OrderUpdateEvent {
	return orderUpdatePool.Get().(*OrderUpdateEvent)
}

// ReleaseOrderUpdateEvent returns an OrderUpdateEvent to the pool.
// The event is reset to zero values before being pooled.
func ReleaseOrderUpdateEvent(ev *OrderUpdateEvent) {
	if ev == nil {
		return
	}
	*ev = OrderUpdateEvent{}
	orderUpdatePool.Put(ev)
}

// Warmup pre-allocates event objects to reduce GC pressure at startup.
// It acquires and releases a batch of events.
func Warmup() {
	const batchSize = 1000

	evs := make([]*OrderUpdateEvent, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		evs = append(evs, AcquireOrderUpdateEvent())
	}
	for _, ev := range evs {
		ReleaseOrderUpdateEvent(ev)
	}
}
