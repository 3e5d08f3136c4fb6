package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"firestige.xyz/skylink/internal/ccsds"
	"firestige.xyz/skylink/internal/core"
	"firestige.xyz/skylink/internal/depacketizer"
	"firestige.xyz/skylink/internal/metrics"
	"firestige.xyz/skylink/internal/packettag"
)

// ProcessorConfig configures the packet processor of one virtual channel.
type ProcessorConfig struct {
	Name                  string
	VCID                  core.VCID
	EnforceSequence       bool
	SecondaryHeaderLength int
	MaxPending            int
}

// ProcessorStats is a point-in-time view of one processor.
type ProcessorStats struct {
	Name      string    `json:"name"`
	VCID      core.VCID `json:"vcid"`
	Frames    uint64    `json:"frames"`
	Packets   uint64    `json:"packets"`
	Unknown   uint64    `json:"unknown_apid"`
	Pending   int       `json:"pending_bytes"`
	Discarded uint64    `json:"discarded"`
}

// work is one unit on a processor queue: a frame, or a request to drop carry-over.
type work struct {
	frame core.TaggedFrame
	reset bool
}

// processor turns the frames of one virtual channel into tagged packets. It owns its
// depacketizer and packet tagger and runs them on a single goroutine, so frames of a
// channel are handled strictly in tagger order.
type processor struct {
	cfg     ProcessorConfig
	depack  *depacketizer.Depacketizer
	tagger  *packettag.Tagger
	in      chan work
	done    chan struct{}
	send    func(*core.TaggedPacket)
	metrics *Metrics

	frames    atomic.Uint64
	packets   atomic.Uint64
	unknown   atomic.Uint64
	pending   atomic.Int64
	discarded atomic.Uint64
}

func newProcessor(pc ProcessorConfig, cfg Config, send func(*core.TaggedPacket), m *Metrics) *processor {
	return &processor{
		cfg: pc,
		depack: depacketizer.New(depacketizer.Config{
			Name:                  pc.Name,
			VCID:                  pc.VCID,
			EnforceSequence:       pc.EnforceSequence,
			SecondaryHeaderLength: pc.SecondaryHeaderLength,
			Layout:                cfg.Layout,
			MaxPending:            pc.MaxPending,
		}),
		tagger: packettag.NewTagger(packettag.Config{
			ProcessorName: pc.Name,
			VCID:          pc.VCID,
			PassID:        cfg.PassID,
			SVIdentifier:  cfg.SVIdentifier,
			Dictionary:    cfg.Dictionary,
			Decoder:       cfg.Decoder,
			Alarms:        cfg.Alarms,
		}),
		in:      make(chan work, cfg.BufferSize),
		done:    make(chan struct{}),
		send:    send,
		metrics: m,
	}
}

func (p *processor) run() {
	defer close(p.done)

	for w := range p.in {
		if w.reset {
			p.depack.Reset()
			p.pending.Store(0)
			slog.Info("processor carry-over reset", "processor", p.cfg.Name, "vcid", p.cfg.VCID.String())
			continue
		}
		start := time.Now()
		p.handle(w.frame)
		metrics.ProcessorLatencySeconds.WithLabelValues(p.cfg.Name).Observe(time.Since(start).Seconds())
	}
}

func (p *processor) handle(tf core.TaggedFrame) {
	p.frames.Add(1)
	packets := p.depack.Process(tf)
	p.pending.Store(int64(p.depack.Pending()))
	p.discarded.Store(p.depack.Discarded())
	if len(packets) == 0 {
		return
	}

	tagged := p.tagger.Tag(packets)
	p.unknown.Store(p.tagger.Unknown())
	for i := range tagged {
		p.send(&tagged[i])
	}
	p.packets.Add(uint64(len(tagged)))
	p.metrics.Packets.Add(uint64(len(tagged)))

	if slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		slog.Debug("frame depacketized",
			"processor", p.cfg.Name,
			"channel_counter", tf.ChannelCounter,
			"packets", len(packets),
			"tagged", len(tagged),
			"apids", apids(packets))
	}
}

func (p *processor) stats() ProcessorStats {
	return ProcessorStats{
		Name:      p.cfg.Name,
		VCID:      p.cfg.VCID,
		Frames:    p.frames.Load(),
		Packets:   p.packets.Load(),
		Unknown:   p.unknown.Load(),
		Pending:   int(p.pending.Load()),
		Discarded: p.discarded.Load(),
	}
}

func apids(packets []ccsds.Packet) []uint16 {
	out := make([]uint16, len(packets))
	for i, pkt := range packets {
		out[i] = pkt.Header.APID
	}
	return out
}
