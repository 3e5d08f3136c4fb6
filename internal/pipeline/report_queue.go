package pipeline

import (
	"context"
	"log/slog"
	"time"

	"firestige.xyz/skylink/internal/core"
	"firestige.xyz/skylink/internal/metrics"
	"firestige.xyz/skylink/internal/reporter"
)

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = 50 * time.Millisecond
	reportQueueDepth    = 10000
)

// reportQueue feeds one reporter in batches. A batch goes out when it is full or
// when its oldest packet has waited batchTimeout. Packets the reporter rejects are
// handed to the fallback one at a time.
type reportQueue struct {
	to       reporter.Reporter
	fallback reporter.Reporter
	size     int
	maxAge   time.Duration
	stats    *Metrics

	in   chan *core.TaggedPacket
	done chan struct{}
}

func newReportQueue(to, fallback reporter.Reporter, size int, maxAge time.Duration, stats *Metrics) *reportQueue {
	if size <= 0 {
		size = defaultBatchSize
	}
	if maxAge <= 0 {
		maxAge = defaultBatchTimeout
	}
	if stats == nil {
		stats = NewMetrics("")
	}
	return &reportQueue{
		to:       to,
		fallback: fallback,
		size:     size,
		maxAge:   maxAge,
		stats:    stats,
		in:       make(chan *core.TaggedPacket, reportQueueDepth),
		done:     make(chan struct{}),
	}
}

func (q *reportQueue) start(ctx context.Context) {
	go q.run(ctx)
}

// push blocks while the queue is full.
func (q *reportQueue) push(pkt *core.TaggedPacket) {
	q.in <- pkt
}

// close delivers everything queued and returns once the reporter has seen it.
func (q *reportQueue) close() {
	close(q.in)
	<-q.done
}

func (q *reportQueue) run(ctx context.Context) {
	defer close(q.done)

	pending := make([]*core.TaggedPacket, 0, q.size)
	age := time.NewTimer(q.maxAge)
	age.Stop()
	defer age.Stop()

	deliver := func() {
		age.Stop()
		if len(pending) > 0 {
			q.deliver(ctx, pending)
			pending = pending[:0]
		}
	}

	for {
		select {
		case pkt, ok := <-q.in:
			if !ok {
				deliver()
				return
			}
			if len(pending) == 0 {
				age.Reset(q.maxAge)
			}
			pending = append(pending, pkt)
			if len(pending) >= q.size {
				deliver()
			}
		case <-age.C:
			deliver()
		}
	}
}

func (q *reportQueue) deliver(ctx context.Context, batch []*core.TaggedPacket) {
	name := q.to.Name()
	metrics.ReporterBatchSize.WithLabelValues(name).Observe(float64(len(batch)))

	var rejected []*core.TaggedPacket
	var lastErr error
	if br, ok := q.to.(reporter.BatchReporter); ok {
		if err := br.ReportBatch(ctx, batch); err != nil {
			rejected, lastErr = batch, err
			metrics.ReporterErrorsTotal.WithLabelValues(name, "batch").Inc()
		}
	} else {
		for _, pkt := range batch {
			if err := q.to.Report(ctx, pkt); err != nil {
				rejected, lastErr = append(rejected, pkt), err
				metrics.ReporterErrorsTotal.WithLabelValues(name, "report").Inc()
			}
		}
	}
	q.stats.Reported.Add(uint64(len(batch) - len(rejected)))
	if len(rejected) == 0 {
		return
	}

	q.stats.ReportErrors.Add(uint64(len(rejected)))
	slog.Warn("reporter rejected packets", "reporter", name,
		"batch", len(batch), "rejected", len(rejected), "error", lastErr)
	if q.fallback == nil {
		return
	}
	for _, pkt := range rejected {
		if err := q.fallback.Report(ctx, pkt); err != nil {
			q.stats.ReportErrors.Add(1)
			metrics.ReporterErrorsTotal.WithLabelValues(q.fallback.Name(), "fallback").Inc()
			slog.Warn("fallback reporter failed", "reporter", q.fallback.Name(), "error", err)
			continue
		}
		q.stats.Reported.Add(1)
	}
}
