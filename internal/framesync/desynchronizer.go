package framesync

import (
	"log/slog"
	"sync"

	"firestige.xyz/skylink/internal/metrics"
)

// State is the synchronization state of a Desynchronizer.
type State int

const (
	Unsynchronized State = iota
	Synchronized
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Unsynchronized:
		return "UNSYNCHRONIZED"
	case Synchronized:
		return "SYNCHRONIZED"
	default:
		return "State(?)"
	}
}

// DefaultStallThreshold is the number of consecutive reads without progress on the
// rear fragment that forces a reset.
const DefaultStallThreshold = 2

// Option configures a Desynchronizer.
type Option func(*Desynchronizer)

// WithMaxFrameSize overrides DefaultMaxFrameSize.
func WithMaxFrameSize(n int) Option {
	return func(d *Desynchronizer) { d.maxFrame = n }
}

// WithStallThreshold overrides DefaultStallThreshold.
func WithStallThreshold(n int) Option {
	return func(d *Desynchronizer) { d.stallThreshold = n }
}

// Stats is a point-in-time view of a Desynchronizer.
type Stats struct {
	State   string `json:"state"`
	Frames  uint64 `json:"frames"`
	Resets  uint64 `json:"resets"`
	Garbage uint64 `json:"garbage_bytes"`
	Pending int    `json:"pending_bytes"`
}

// Desynchronizer recovers frame payloads from arbitrary chunks of a byte stream.
//
// Feed is meant to be called from a single reader goroutine; State and Stats may be
// read concurrently.
type Desynchronizer struct {
	name           string
	marker         []byte
	width          int
	maxFrame       int
	stallThreshold int

	mu            sync.Mutex
	state         State
	rear          []byte
	lastRequired  int
	lastRemaining int
	strikes       int

	frames  uint64
	resets  uint64
	garbage uint64
}

// NewDesynchronizer creates a Desynchronizer for the framing produced by s.
// name labels logs and metrics.
func NewDesynchronizer(name string, s Syncer, opts ...Option) *Desynchronizer {
	d := &Desynchronizer{
		name:           name,
		marker:         append([]byte(nil), s.Marker...),
		width:          s.LengthWidth,
		maxFrame:       DefaultMaxFrameSize,
		stallThreshold: DefaultStallThreshold,
	}
	for _, opt := range opts {
		opt(d)
	}
	metrics.SyncState.WithLabelValues(name).Set(metrics.SyncStateUnsynchronized)
	return d
}

// Feed consumes the next chunk of the stream and returns the payloads it completed.
// Nothing is returned until the stream synchronizes, or for a chunk in which
// synchronization was lost.
func (d *Desynchronizer) Feed(chunk []byte) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	buf := chunk
	if len(d.rear) > 0 {
		buf = make([]byte, 0, len(d.rear)+len(chunk))
		buf = append(append(buf, d.rear...), chunk...)
		d.rear = nil
	}

	res := Desync(buf, d.marker, d.width, d.maxFrame)
	d.garbage += uint64(res.Garbage)

	if len(res.Lead) > 0 && d.state == Synchronized {
		slog.Warn("synchronization lost", "source", d.name, "lead_bytes", len(res.Lead),
			"dropped_frames", len(res.Frames))
		d.garbage += uint64(len(res.Lead))
		d.reset("lost_sync")
		return nil
	}
	if len(res.Lead) > 0 {
		d.garbage += uint64(len(res.Lead))
	}

	d.rear = res.Rear
	if d.stalled(res) {
		slog.Warn("rear fragment not progressing, resetting", "source", d.name,
			"required", res.RearRequired, "actual", res.RearActual)
		d.reset("stall")
		return nil
	}

	if len(res.Frames) == 0 {
		return nil
	}
	if d.state == Unsynchronized {
		slog.Info("synchronized", "source", d.name)
		d.state = Synchronized
		metrics.SyncState.WithLabelValues(d.name).Set(metrics.SyncStateSynchronized)
	}
	d.frames += uint64(len(res.Frames))
	return res.Frames
}

// stalled updates the strike count and reports whether the threshold was reached.
func (d *Desynchronizer) stalled(res Result) bool {
	if len(res.Frames) > 0 || len(res.Rear) == 0 {
		d.strikes, d.lastRequired, d.lastRemaining = 0, 0, 0
		return false
	}
	remaining := res.Remaining()
	if d.lastRequired == res.RearRequired && remaining >= d.lastRemaining {
		d.strikes++
	} else {
		d.strikes = 0
	}
	d.lastRequired, d.lastRemaining = res.RearRequired, remaining
	return d.stallThreshold > 0 && d.strikes >= d.stallThreshold
}

// Reset drops any partial frame and returns to Unsynchronized.
func (d *Desynchronizer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reset("manual")
}

func (d *Desynchronizer) reset(reason string) {
	d.state = Unsynchronized
	d.rear = nil
	d.strikes, d.lastRequired, d.lastRemaining = 0, 0, 0
	d.resets++
	metrics.SyncState.WithLabelValues(d.name).Set(metrics.SyncStateUnsynchronized)
	metrics.SyncResetsTotal.WithLabelValues(d.name, reason).Inc()
}

// State returns the current synchronization state.
func (d *Desynchronizer) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Stats returns counters for the control plane.
func (d *Desynchronizer) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		State:   d.state.String(),
		Frames:  d.frames,
		Resets:  d.resets,
		Garbage: d.garbage,
		Pending: len(d.rear),
	}
}
