package infra

import (
	"testing"
)

func TestMetrics_RecordApplied(t *testing.T) {
	m := &Metrics{}

	m.RecordApplied(1000)
	m.RecordApplied(2000)
	m.RecordApplied(3000)

	snap := m.Snapshot()

	if snap.EventsApplied != 3 {
		t.Errorf("Expected 3 events, got %d", snap.EventsApplied)
	}

	// Average latency: (1000 + 2000 + 3000) / 3 = 2000
	if snap.AvgLatencyNs != 2000 {
		t.Errorf("Expected avg latency 2000, got %d", snap.AvgLatencyNs)
	}
}

func TestMetrics_ReconcileCounters(t *testing.T) {
	m := &Metrics{}

	m.RecordStale()
	m.RecordStale()
	m.RecordMalformed()
	m.RecordDesync()
	m.RecordResync()
	m.RecordResyncFailed()
	m.RecordOrderFilled()
	m.RecordOrderRetired()

	snap := m.Snapshot()
	if snap.StaleDropped != 2 {
		t.Errorf("Expected 2 stale drops, got %d", snap.StaleDropped)
	}
	if snap.MalformedEvents != 1 {
		t.Errorf("Expected 1 malformed, got %d", snap.MalformedEvents)
	}
	if snap.Desyncs != 1 || snap.ResyncsStarted != 1 || snap.ResyncsFailed != 1 {
		t.Errorf("Unexpected resync counters: %+v", snap)
	}
	if snap.OrdersFilled != 1 || snap.OrdersRetired != 1 {
		t.Errorf("Unexpected order counters: %+v", snap)
	}
}

func TestMetrics_Connections(t *testing.T) {
	m := &Metrics{}

	m.IncrementConnections()
	m.IncrementConnections()
	m.IncrementConnections()

	snap := m.Snapshot()
	if snap.ActiveConnections != 3 {
		t.Errorf("Expected 3 connections, got %d", snap.ActiveConnections)
	}

	m.DecrementConnections()
	snap = m.Snapshot()
	if snap.ActiveConnections != 2 {
		t.Errorf("Expected 2 connections, got %d", snap.ActiveConnections)
	}
}

func TestMetrics_CircuitState(t *testing.T) {
	m := &Metrics{}

	snap := m.Snapshot()
	if snap.CircuitOpen {
		t.Error("Expected circuit closed initially")
	}

	m.SetCircuitState(true)
	snap = m.Snapshot()
	if !snap.CircuitOpen {
		t.Error("Expected circuit open")
	}

	m.SetCircuitState(false)
	snap = m.Snapshot()
	if snap.CircuitOpen {
		t.Error("Expected circuit closed")
	}
}

func TestMetrics_Reset(t *testing.T) {
	m := &Metrics{}

	m.RecordApplied(1000)
	m.RecordError()
	m.IncrementConnections()

	m.Reset()
	snap := m.Snapshot()

	if snap.EventsApplied != 0 {
		t.Error("Expected 0 events after reset")
	}
	if snap.ErrorsTotal != 0 {
		t.Error("Expected 0 errors after reset")
	}
	if snap.ActiveConnections != 0 {
		t.Error("Expected 0 connections after reset")
	}
}
