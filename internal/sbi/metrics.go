package sbi

import (
	"fmt"
	"sync"
)

// SBIMetrics tracks in-memory counters for traffic between the controller
// and device controls. All counters are concurrency-safe.
type SBIMetrics struct {
	mu sync.Mutex

	// Controller → device commands
	NumRouteSent uint64
	NumClearSent uint64
	NumRejected  uint64
	NumAcksOK    uint64
	NumAcksError uint64
	NumLateAcks  uint64

	// Device → controller notifications
	NumEventsDelivered uint64
}

// NewSBIMetrics creates a new SBIMetrics instance with all counters initialized to zero.
func NewSBIMetrics() *SBIMetrics {
	return &SBIMetrics{}
}

// IncRouteSent increments the RouteSent counter.
func (m *SBIMetrics) IncRouteSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.NumRouteSent++
}

// IncClearSent increments the ClearSent counter.
func (m *SBIMetrics) IncClearSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.NumClearSent++
}

// IncRejected increments the Rejected counter.
func (m *SBIMetrics) IncRejected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.NumRejected++
}

// IncAck increments AcksOK or AcksError depending on err.
func (m *SBIMetrics) IncAck(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.NumAcksError++
		return
	}
	m.NumAcksOK++
}

// IncLateAck counts acknowledgements that arrived after their intent settled.
func (m *SBIMetrics) IncLateAck() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.NumLateAcks++
}

// IncEventsDelivered increments the EventsDelivered counter.
func (m *SBIMetrics) IncEventsDelivered() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.NumEventsDelivered++
}

// SBIMetricsSnapshot is a snapshot of current metrics values.
// It's safe to read without holding the mutex.
type SBIMetricsSnapshot struct {
	NumRouteSent       uint64
	NumClearSent       uint64
	NumRejected        uint64
	NumAcksOK          uint64
	NumAcksError       uint64
	NumLateAcks        uint64
	NumEventsDelivered uint64
}

// Snapshot returns a snapshot of the current metrics values.
func (m *SBIMetrics) Snapshot() SBIMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return SBIMetricsSnapshot{
		NumRouteSent:       m.NumRouteSent,
		NumClearSent:       m.NumClearSent,
		NumRejected:        m.NumRejected,
		NumAcksOK:          m.NumAcksOK,
		NumAcksError:       m.NumAcksError,
		NumLateAcks:        m.NumLateAcks,
		NumEventsDelivered: m.NumEventsDelivered,
	}
}

// String returns a human-readable string representation of the metrics.
func (m *SBIMetrics) String() string {
	snap := m.Snapshot()
	return fmt.Sprintf("SBI metrics: route=%d clear=%d rejected=%d ack_ok=%d ack_err=%d late_acks=%d events=%d",
		snap.NumRouteSent,
		snap.NumClearSent,
		snap.NumRejected,
		snap.NumAcksOK,
		snap.NumAcksError,
		snap.NumLateAcks,
		snap.NumEventsDelivered,
	)
}
