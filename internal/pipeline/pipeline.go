// Package pipeline implements the per-link frame processing engine:
// frame tagger → VCID router → per-VCID processors → reporters.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/skylink/internal/ccsds"
	"firestige.xyz/skylink/internal/core"
	"firestige.xyz/skylink/internal/packettag"
	"firestige.xyz/skylink/internal/reporter"
	"firestige.xyz/skylink/internal/source"
	"firestige.xyz/skylink/internal/tagger"
)

const defaultBufferSize = 1024

// FrameArchive stores tagged frames. *archive.Archive implements it.
type FrameArchive interface {
	Write(tf core.TaggedFrame) error
}

// Config contains pipeline configuration.
type Config struct {
	Link            string
	Layout          ccsds.FrameLayout
	CheckECF        bool
	VirtualChannels []core.VCID
	Processors      []ProcessorConfig

	Dictionary   packettag.Dictionary
	Decoder      packettag.FieldDecoder
	Alarms       packettag.AlarmChecker
	PassID       string
	SVIdentifier string

	Reporters    []reporter.Reporter
	Fallback     reporter.Reporter // receives packets a primary reporter failed to deliver
	BatchSize    int
	BatchTimeout time.Duration

	Archive    FrameArchive // optional
	BufferSize int          // per-processor frame queue
}

// Pipeline tags every frame of one link and fans the frames of each configured
// virtual channel out to that channel's processor.
type Pipeline struct {
	cfg     Config
	tagger  atomic.Pointer[tagger.Tagger]
	metrics *Metrics

	processors map[core.VCID]*processor
	order      []*processor
	queues     []*reportQueue

	// mu serializes Submit so frames are tagged and queued in arrival order.
	mu      sync.Mutex
	started bool
	stopped bool
}

// New validates cfg and creates a pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Link == "" {
		cfg.Link = "default"
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}

	configured := make(map[core.VCID]bool, len(cfg.VirtualChannels))
	for _, v := range cfg.VirtualChannels {
		if !v.Valid() {
			return nil, fmt.Errorf("%w: virtual channel %d out of range", core.ErrConfigInvalid, v)
		}
		configured[v] = true
	}

	p := &Pipeline{
		cfg:        cfg,
		metrics:    NewMetrics(cfg.Link),
		processors: make(map[core.VCID]*processor, len(cfg.Processors)),
	}
	p.tagger.Store(p.newTagger())

	for _, r := range cfg.Reporters {
		p.queues = append(p.queues, newReportQueue(r, cfg.Fallback, cfg.BatchSize, cfg.BatchTimeout, p.metrics))
	}

	for _, pc := range cfg.Processors {
		if !configured[pc.VCID] {
			return nil, fmt.Errorf("%w: processor %q uses virtual channel %s which is not configured",
				core.ErrConfigInvalid, pc.Name, pc.VCID)
		}
		if _, dup := p.processors[pc.VCID]; dup {
			return nil, fmt.Errorf("%w: more than one processor for virtual channel %s",
				core.ErrConfigInvalid, pc.VCID)
		}
		if pc.SecondaryHeaderLength < 0 {
			return nil, fmt.Errorf("%w: processor %q secondary header length is negative",
				core.ErrConfigInvalid, pc.Name)
		}
		if pc.Name == "" {
			pc.Name = "VCID " + pc.VCID.String()
		}
		proc := newProcessor(pc, cfg, p.send, p.metrics)
		p.processors[pc.VCID] = proc
		p.order = append(p.order, proc)
	}
	return p, nil
}

func (p *Pipeline) newTagger() *tagger.Tagger {
	return tagger.New(tagger.Config{
		Link:            p.cfg.Link,
		VirtualChannels: p.cfg.VirtualChannels,
		CheckECF:        p.cfg.CheckECF,
		Layout:          p.cfg.Layout,
	})
}

// send hands a tagged packet to every reporter.
func (p *Pipeline) send(pkt *core.TaggedPacket) {
	for _, q := range p.queues {
		q.push(pkt)
	}
}

// Start starts the reporters and the processor goroutines.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return core.ErrPipelineStopped
	}
	if p.started {
		return nil
	}

	slog.Info("pipeline starting", "link", p.cfg.Link, "processors", len(p.order), "reporters", len(p.queues))

	for _, r := range p.cfg.Reporters {
		if err := r.Start(ctx); err != nil {
			return fmt.Errorf("failed to start reporter %s: %w", r.Name(), err)
		}
	}
	if p.cfg.Fallback != nil {
		if err := p.cfg.Fallback.Start(ctx); err != nil {
			return fmt.Errorf("failed to start fallback reporter %s: %w", p.cfg.Fallback.Name(), err)
		}
	}
	for _, q := range p.queues {
		q.start(ctx)
	}
	for _, proc := range p.order {
		go proc.run()
	}
	p.started = true
	return nil
}

// Stop drains the processors, flushes and stops the reporters. Frames submitted
// before Stop are fully processed.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil
	}
	p.stopped = true
	if !p.started {
		return nil
	}

	slog.Info("pipeline stopping", "link", p.cfg.Link)

	for _, proc := range p.order {
		close(proc.in)
	}
	for _, proc := range p.order {
		<-proc.done
	}
	for _, q := range p.queues {
		q.close()
	}

	ctx := context.Background()
	reporters := p.cfg.Reporters
	if p.cfg.Fallback != nil {
		reporters = append(append([]reporter.Reporter(nil), reporters...), p.cfg.Fallback)
	}
	for _, r := range reporters {
		if err := r.Flush(ctx); err != nil {
			slog.Error("reporter flush failed", "reporter", r.Name(), "error", err)
		}
		if err := r.Stop(ctx); err != nil {
			slog.Error("reporter stop failed", "reporter", r.Name(), "error", err)
		}
	}

	slog.Info("pipeline stopped", "link", p.cfg.Link,
		"frames", p.metrics.Received.Load(),
		"packets", p.metrics.Packets.Load(),
		"reported", p.metrics.Reported.Load())
	return nil
}

// Submit tags raw and queues it on the processor of its virtual channel. Frames of
// channels without a processor are only archived and counted. Submit blocks while
// the processor queue is full.
func (p *Pipeline) Submit(ctx context.Context, raw []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.stopped {
		return core.ErrPipelineStopped
	}

	tf := p.tagger.Load().Tag(raw)
	p.metrics.Received.Add(1)
	if tf.Corrupt {
		p.metrics.Corrupt.Add(1)
	}
	if tf.OutOfSequence {
		p.metrics.OutOfSequence.Add(1)
	}
	if tf.Idle {
		p.metrics.Idle.Add(1)
	}

	if p.cfg.Archive != nil {
		if err := p.cfg.Archive.Write(tf); err != nil {
			p.metrics.ArchiveErrors.Add(1)
			slog.Warn("failed to archive frame", "vcid", tf.VCID.String(),
				"absolute_counter", tf.AbsoluteCounter, "error", err)
		} else {
			p.metrics.Archived.Add(1)
		}
	}

	proc, ok := p.processors[tf.VCID]
	if !ok {
		p.metrics.Unrouted.Add(1)
		return nil
	}
	select {
	case proc.in <- work{frame: tf}:
		p.metrics.Routed.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset replaces the frame tagger with a fresh one and drops every processor's
// carry-over, as at the start of a new pass.
func (p *Pipeline) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.tagger.Store(p.newTagger())
	if !p.started || p.stopped {
		return nil
	}
	for _, proc := range p.order {
		select {
		case proc.in <- work{reset: true}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	slog.Info("pipeline reset", "link", p.cfg.Link)
	return nil
}

// Run submits every frame of src until the source is exhausted or ctx is done.
// It does not stop the pipeline.
func (p *Pipeline) Run(ctx context.Context, src source.Source) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan []byte, p.cfg.BufferSize)
	errCh := make(chan error, 1)
	go func() {
		errCh <- src.Frames(runCtx, frames)
		close(frames)
	}()

	slog.Info("source started", "link", p.cfg.Link, "source", src.Name())

	var submitErr error
	for raw := range frames {
		if submitErr != nil {
			// Keep draining so the source can observe cancellation and return.
			continue
		}
		if err := p.Submit(runCtx, raw); err != nil {
			submitErr = err
			cancel()
		}
	}
	srcErr := <-errCh

	if ctx.Err() != nil {
		return nil
	}
	if submitErr != nil {
		return submitErr
	}
	if srcErr != nil {
		return fmt.Errorf("source %s failed: %w", src.Name(), srcErr)
	}
	slog.Info("source finished", "link", p.cfg.Link, "source", src.Name())
	return nil
}

// Tagger returns the current frame tagger.
func (p *Pipeline) Tagger() *tagger.Tagger {
	return p.tagger.Load()
}

// Stats returns pipeline statistics.
func (p *Pipeline) Stats() Stats {
	st := Stats{
		Link:          p.cfg.Link,
		Received:      p.metrics.Received.Load(),
		Corrupt:       p.metrics.Corrupt.Load(),
		OutOfSequence: p.metrics.OutOfSequence.Load(),
		Idle:          p.metrics.Idle.Load(),
		Routed:        p.metrics.Routed.Load(),
		Unrouted:      p.metrics.Unrouted.Load(),
		Archived:      p.metrics.Archived.Load(),
		ArchiveErrors: p.metrics.ArchiveErrors.Load(),
		Packets:       p.metrics.Packets.Load(),
		Reported:      p.metrics.Reported.Load(),
		ReportErrors:  p.metrics.ReportErrors.Load(),
		Tagger:        p.tagger.Load().Snapshot(),
		Processors:    make([]ProcessorStats, 0, len(p.order)),
	}
	for _, proc := range p.order {
		st.Processors = append(st.Processors, proc.stats())
	}
	return st
}

// Stats represents pipeline statistics.
type Stats struct {
	Link          string           `json:"link"`
	Received      uint64           `json:"received"`
	Corrupt       uint64           `json:"corrupt"`
	OutOfSequence uint64           `json:"out_of_sequence"`
	Idle          uint64           `json:"idle"`
	Routed        uint64           `json:"routed"`
	Unrouted      uint64           `json:"unrouted"`
	Archived      uint64           `json:"archived"`
	ArchiveErrors uint64           `json:"archive_errors"`
	Packets       uint64           `json:"packets"`
	Reported      uint64           `json:"reported"`
	ReportErrors  uint64           `json:"report_errors"`
	Tagger        tagger.Stats     `json:"tagger"`
	Processors    []ProcessorStats `json:"processors"`
}
