package pipeline

import (
	"sync/atomic"
)

// Metrics contains per-pipeline counters.
type Metrics struct {
	Link string

	// Frame counters (using atomic for thread-safety)
	Received      atomic.Uint64
	Corrupt       atomic.Uint64
	OutOfSequence atomic.Uint64
	Idle          atomic.Uint64
	Routed        atomic.Uint64
	Unrouted      atomic.Uint64
	Archived      atomic.Uint64
	ArchiveErrors atomic.Uint64

	// Packet counters
	Packets      atomic.Uint64
	Reported     atomic.Uint64
	ReportErrors atomic.Uint64
}

// NewMetrics creates a new metrics instance.
func NewMetrics(link string) *Metrics {
	return &Metrics{Link: link}
}

// Reset resets all counters to zero.
func (m *Metrics) Reset() {
	m.Received.Store(0)
	m.Corrupt.Store(0)
	m.OutOfSequence.Store(0)
	m.Idle.Store(0)
	m.Routed.Store(0)
	m.Unrouted.Store(0)
	m.Archived.Store(0)
	m.ArchiveErrors.Store(0)
	m.Packets.Store(0)
	m.Reported.Store(0)
	m.ReportErrors.Store(0)
}
