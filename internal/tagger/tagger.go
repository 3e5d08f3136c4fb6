// Package tagger implements the per-virtual-channel frame integrity tagger.
package tagger

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"firestige.xyz/skylink/internal/ccsds"
	"firestige.xyz/skylink/internal/core"
	"firestige.xyz/skylink/internal/metrics"
)

// Config configures a Tagger.
type Config struct {
	Link            string      // label for metrics and logs
	VirtualChannels []core.VCID // channels with sequence tracking
	CheckECF        bool        // verify the frame error control field
	Layout          ccsds.FrameLayout
}

type channelState struct {
	last        uint32
	losses      uint64
	corruptions uint64
	primed      bool
}

// Tagger annotates raw frames with corruption, sequence and idle flags.
//
// Tag must be called in frame arrival order. Snapshot is safe to call concurrently.
type Tagger struct {
	mu       sync.Mutex
	cfg      Config
	absolute uint64
	channels map[core.VCID]*channelState
	now      func() time.Time
}

// New creates a Tagger with state for every configured channel plus the Unknown bucket.
func New(cfg Config) *Tagger {
	if cfg.Link == "" {
		cfg.Link = "default"
	}
	channels := make(map[core.VCID]*channelState, len(cfg.VirtualChannels)+1)
	for _, v := range cfg.VirtualChannels {
		channels[v] = &channelState{}
	}
	channels[core.UnknownVCID] = &channelState{}
	return &Tagger{
		cfg:      cfg,
		channels: channels,
		now:      time.Now,
	}
}

// Tag parses raw and returns it as a TaggedFrame. The frame bytes are copied.
// A frame that cannot be parsed is reported corrupt on the Unknown channel.
func (t *Tagger) Tag(raw []byte) core.TaggedFrame {
	t.mu.Lock()
	defer t.mu.Unlock()

	tf := core.TaggedFrame{
		Frame:      append([]byte(nil), raw...),
		ReceivedAt: t.now(),
	}

	frame, err := ccsds.ParseAOS(tf.Frame, t.cfg.Layout)
	if err != nil {
		slog.Warn("could not decode AOS frame, assuming corrupt", "link", t.cfg.Link, "len", len(raw), "error", err)
		tf.VCID = core.UnknownVCID
		tf.Corrupt = true
		tf.OutOfSequence = true
		t.channels[core.UnknownVCID].corruptions++
		t.count(&tf)
		return tf
	}

	tf.VCID = frame.VCID
	tf.ChannelCounter = frame.FrameCount
	tf.Idle = frame.Idle()

	st, known := t.channels[frame.VCID]

	if t.cfg.CheckECF && !frame.CheckECF() {
		tf.Corrupt = true
		if !known {
			tf.VCID = core.UnknownVCID
			st = t.channels[core.UnknownVCID]
		}
		st.corruptions++
		ecf, _ := frame.ECF()
		slog.Error("ECF mismatch", "link", t.cfg.Link, "vcid", tf.VCID.String(), "expected", ecf,
			"channel_counter", tf.ChannelCounter)
	}

	if !known || tf.VCID == core.UnknownVCID {
		// Junk frame: no sequence history to compare against. Idle fill carries none either.
		tf.OutOfSequence = !tf.Idle
		if !tf.Corrupt && !tf.Idle {
			t.channels[core.UnknownVCID].losses++
		}
		t.count(&tf)
		return tf
	}

	expected := (st.last + 1) % ccsds.FrameCounterModulo
	if st.primed && !tf.Idle && tf.ChannelCounter != expected {
		tf.OutOfSequence = true
		st.losses++
		slog.Warn("out of sequence frame", "link", t.cfg.Link, "vcid", tf.VCID.String(),
			"expected", expected, "channel_counter", tf.ChannelCounter)
	}
	st.primed = true
	st.last = tf.ChannelCounter
	t.count(&tf)
	return tf
}

// count advances the absolute counter, stamps the frame and updates metrics.
func (t *Tagger) count(tf *core.TaggedFrame) {
	t.absolute++
	tf.AbsoluteCounter = t.absolute

	vcid := tf.VCID.String()
	metrics.FramesTaggedTotal.WithLabelValues(t.cfg.Link, vcid).Inc()
	if tf.Corrupt {
		metrics.FrameCorruptionsTotal.WithLabelValues(t.cfg.Link, vcid).Inc()
	}
	if tf.OutOfSequence {
		metrics.FrameLossesTotal.WithLabelValues(t.cfg.Link, vcid).Inc()
	}
}

// ChannelStats is the tagger state of one virtual channel.
type ChannelStats struct {
	VCID        core.VCID `json:"vcid"`
	LastCounter uint32    `json:"last_counter"`
	Losses      uint64    `json:"losses"`
	Corruptions uint64    `json:"corruptions"`
	Primed      bool      `json:"primed"`
}

// Stats is a point-in-time copy of the tagger state.
type Stats struct {
	AbsoluteCounter uint64         `json:"absolute_counter"`
	Channels        []ChannelStats `json:"channels"`
}

// Channel returns the stats for vcid.
func (s Stats) Channel(vcid core.VCID) (ChannelStats, bool) {
	for _, c := range s.Channels {
		if c.VCID == vcid {
			return c, true
		}
	}
	return ChannelStats{}, false
}

// Snapshot returns the current counters, ordered by VCID with Unknown last.
func (t *Tagger) Snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := Stats{
		AbsoluteCounter: t.absolute,
		Channels:        make([]ChannelStats, 0, len(t.channels)),
	}
	for vcid, st := range t.channels {
		out.Channels = append(out.Channels, ChannelStats{
			VCID:        vcid,
			LastCounter: st.last,
			Losses:      st.losses,
			Corruptions: st.corruptions,
			Primed:      st.primed,
		})
	}
	sort.Slice(out.Channels, func(i, j int) bool {
		return out.Channels[i].VCID < out.Channels[j].VCID
	})
	return out
}

// VirtualChannels returns the configured channels.
func (t *Tagger) VirtualChannels() []core.VCID {
	return append([]core.VCID(nil), t.cfg.VirtualChannels...)
}
