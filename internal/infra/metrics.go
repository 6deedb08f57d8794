package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight observability without external dependencies.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Counters
	eventsApplied   atomic.Uint64
	staleDropped    atomic.Uint64
	malformedEvents atomic.Uint64
	desyncs         atomic.Uint64
	resyncsStarted  atomic.Uint64
	resyncsFailed   atomic.Uint64
	ordersFilled    atomic.Uint64
	ordersRetired   atomic.Uint64
	errorsTotal     atomic.Uint64

	// Latency tracking
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64

	// Gauges
	activeConnections atomic.Int32
	circuitOpen       atomic.Int32 // 1 = open, 0 = closed
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordApplied records an accepted event with its processing latency.
func (m *Metrics) RecordApplied(latencyNs int64) {
	m.eventsApplied.Add(1)
	m.latencySumNs.Add(latencyNs)
	m.latencyCount.Add(1)
}

// RecordStale records a duplicate/replayed event dropped for idempotency.
func (m *Metrics) RecordStale() {
	m.staleDropped.Add(1)
}

// RecordMalformed records an inconsistent payload dropped at validation.
func (m *Metrics) RecordMalformed() {
	m.malformedEvents.Add(1)
}

// RecordDesync records a detected desynchronization.
func (m *Metrics) RecordDesync() {
	m.desyncs.Add(1)
}

// RecordResync records a started resynchronization.
func (m *Metrics) RecordResync() {
	m.resyncsStarted.Add(1)
}

// RecordResyncFailed records a resynchronization that exhausted its retries.
func (m *Metrics) RecordResyncFailed() {
	m.resyncsFailed.Add(1)
}

// RecordOrderFilled records a fully filled order.
func (m *Metrics) RecordOrderFilled() {
	m.ordersFilled.Add(1)
}

// RecordOrderRetired records an order evicted from the hot working set.
func (m *Metrics) RecordOrderRetired() {
	m.ordersRetired.Add(1)
}

// RecordError records an error occurrence.
func (m *Metrics) RecordError() {
	m.errorsTotal.Add(1)
}

// SetActiveConnections sets the current active connection count.
func (m *Metrics) SetActiveConnections(count int32) {
	m.activeConnections.Store(count)
}

// IncrementConnections increments active connections by 1.
func (m *Metrics) IncrementConnections() {
	m.activeConnections.Add(1)
}

// DecrementConnections decrements active connections by 1.
func (m *Metrics) DecrementConnections() {
	m.activeConnections.Add(-1)
}

// SetCircuitState sets the circuit breaker state (true = open).
func (m *Metrics) SetCircuitState(open bool) {
	if open {
		m.circuitOpen.Store(1)
	} else {
		m.circuitOpen.Store(0)
	}
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	EventsApplied     uint64
	StaleDropped      uint64
	MalformedEvents   uint64
	Desyncs           uint64
	ResyncsStarted    uint64
	ResyncsFailed     uint64
	OrdersFilled      uint64
	OrdersRetired     uint64
	ErrorsTotal       uint64
	AvgLatencyNs      int64
	ActiveConnections int32
	CircuitOpen       bool
	Timestamp         time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.latencyCount.Load()
	if count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		EventsApplied:     m.eventsApplied.Load(),
		StaleDropped:      m.staleDropped.Load(),
		MalformedEvents:   m.malformedEvents.Load(),
		Desyncs:           m.desyncs.Load(),
		ResyncsStarted:    m.resyncsStarted.Load(),
		ResyncsFailed:     m.resyncsFailed.Load(),
		OrdersFilled:      m.ordersFilled.Load(),
		OrdersRetired:     m.ordersRetired.Load(),
		ErrorsTotal:       m.errorsTotal.Load(),
		AvgLatencyNs:      avgLatency,
		ActiveConnections: m.activeConnections.Load(),
		CircuitOpen:       m.circuitOpen.Load() == 1,
		Timestamp:         time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.eventsApplied.Store(0)
	m.staleDropped.Store(0)
	m.malformedEvents.Store(0)
	m.desyncs.Store(0)
	m.resyncsStarted.Store(0)
	m.resyncsFailed.Store(0)
	m.ordersFilled.Store(0)
	m.ordersRetired.Store(0)
	m.errorsTotal.Store(0)
	m.latencySumNs.Store(0)
	m.latencyCount.Store(0)
	m.activeConnections.Store(0)
	m.circuitOpen.Store(0)
}
