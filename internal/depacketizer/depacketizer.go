package depacketizer

import (
	"log/slog"

	"firestige.xyz/skylink/internal/ccsds"
	"firestige.xyz/skylink/internal/core"
	"firestige.xyz/skylink/internal/metrics"
)

// Config configures a Depacketizer.
type Config struct {
	Name                  string
	VCID                  core.VCID
	EnforceSequence       bool // drop out-of-sequence frames and their carry-over
	SecondaryHeaderLength int
	Layout                ccsds.FrameLayout
	MaxPending            int
}

// Depacketizer applies the frame drop policy of one virtual channel processor and
// feeds the surviving frames through a Translator.
//
// It is not safe for concurrent use; frames must arrive in tagger order.
type Depacketizer struct {
	Name            string
	VCID            core.VCID
	EnforceSequence bool

	translator Translator
	state      State
	logger     *slog.Logger
}

// New creates a Depacketizer.
func New(cfg Config) *Depacketizer {
	return &Depacketizer{
		Name:            cfg.Name,
		VCID:            cfg.VCID,
		EnforceSequence: cfg.EnforceSequence,
		translator: Translator{
			Layout:                cfg.Layout,
			SecondaryHeaderLength: cfg.SecondaryHeaderLength,
			MaxPending:            cfg.MaxPending,
		},
		logger: slog.With("processor", cfg.Name, "vcid", cfg.VCID.String()),
	}
}

// Process returns the packets completed by tf.
func (d *Depacketizer) Process(tf core.TaggedFrame) []ccsds.Packet {
	switch {
	case tf.Corrupt:
		d.drop(tf, "corrupt")
		return nil
	case tf.OutOfSequence && d.EnforceSequence:
		d.drop(tf, "out_of_sequence")
		return nil
	}

	next, packets, err := d.translator.Step(d.state, tf.Frame)
	d.noteDiscards(next, tf)
	d.state = next
	if err != nil {
		d.logger.Warn("malformed frame", "channel_counter", tf.ChannelCounter, "error", err)
		metrics.FramesDroppedTotal.WithLabelValues(d.Name, "malformed").Inc()
		return nil
	}

	if len(packets) > 0 {
		metrics.PacketsEmittedTotal.WithLabelValues(d.Name).Add(float64(len(packets)))
		d.logger.Debug("packets reassembled", "count", len(packets), "channel_counter", tf.ChannelCounter)
	}
	return packets
}

// Reset discards any carry-over.
func (d *Depacketizer) Reset() {
	d.state = State{Discarded: d.state.Discarded}
}

// Pending returns the number of carried-over bytes.
func (d *Depacketizer) Pending() int {
	return len(d.state.Pending)
}

// Discarded returns how many partial packets have been thrown away.
func (d *Depacketizer) Discarded() uint64 {
	return d.state.Discarded
}

func (d *Depacketizer) drop(tf core.TaggedFrame, reason string) {
	if n := len(d.state.Pending); n > 0 {
		d.logger.Warn("dropping frame and pending partial packet", "reason", reason,
			"channel_counter", tf.ChannelCounter, "pending_bytes", n)
		d.state.Discarded++
		metrics.CarryOverDiscardsTotal.WithLabelValues(d.Name).Inc()
	} else {
		d.logger.Warn("dropping frame", "reason", reason, "channel_counter", tf.ChannelCounter)
	}
	metrics.FramesDroppedTotal.WithLabelValues(d.Name, reason).Inc()
	d.Reset()
}

func (d *Depacketizer) noteDiscards(next State, tf core.TaggedFrame) {
	if n := next.Discarded - d.state.Discarded; n > 0 {
		d.logger.Warn("discarded incomplete packet", "channel_counter", tf.ChannelCounter,
			"pending_bytes", len(d.state.Pending))
		metrics.CarryOverDiscardsTotal.WithLabelValues(d.Name).Add(float64(n))
	}
}
