package reporter

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"firestige.xyz/skylink/internal/core"
)

// ConsoleConfig represents console reporter configuration.
type ConsoleConfig struct {
	Format string `mapstructure:"format"` // "json" or "text", default "text"
}

// ConsoleReporter prints packets for debugging and offline replay.
type ConsoleReporter struct {
	name          string
	format        string
	out           io.Writer
	mu            sync.Mutex
	reportedCount atomic.Uint64
}

// NewConsoleReporter creates a console reporter writing to stdout.
func NewConsoleReporter() *ConsoleReporter {
	return NewConsoleReporterTo(os.Stdout)
}

// NewConsoleReporterTo creates a console reporter writing to w.
func NewConsoleReporterTo(w io.Writer) *ConsoleReporter {
	return &ConsoleReporter{name: "console", format: "text", out: w}
}

// Name returns the reporter name.
func (r *ConsoleReporter) Name() string {
	return r.name
}

// Init initializes the reporter with configuration.
func (r *ConsoleReporter) Init(config map[string]any) error {
	if config == nil {
		return nil
	}
	cfg := ConsoleConfig{Format: r.format}
	if err := decodeConfig(config, &cfg); err != nil {
		return fmt.Errorf("invalid console reporter config: %w", err)
	}
	if cfg.Format != "json" && cfg.Format != "text" {
		return fmt.Errorf("invalid format %q, must be json or text", cfg.Format)
	}
	r.format = cfg.Format
	return nil
}

// Start starts the reporter.
func (r *ConsoleReporter) Start(ctx context.Context) error {
	slog.Info("console reporter started", "format", r.format)
	return nil
}

// Stop stops the reporter.
func (r *ConsoleReporter) Stop(ctx context.Context) error {
	slog.Info("console reporter stopped", "total_reported", r.reportedCount.Load())
	return nil
}

// Report writes one line per packet.
func (r *ConsoleReporter) Report(ctx context.Context, pkt *core.TaggedPacket) error {
	if pkt == nil {
		return fmt.Errorf("nil packet")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	if r.format == "json" {
		err = r.reportJSON(pkt)
	} else {
		err = r.reportText(pkt)
	}
	if err == nil {
		r.reportedCount.Add(1)
	}
	return err
}

func (r *ConsoleReporter) reportJSON(pkt *core.TaggedPacket) error {
	data, err := Marshal(pkt)
	if err != nil {
		return fmt.Errorf("json marshal failed: %w", err)
	}
	_, err = fmt.Fprintln(r.out, string(data))
	return err
}

func (r *ConsoleReporter) reportText(pkt *core.TaggedPacket) error {
	_, err := fmt.Fprintf(r.out, "[%s] vcid=%s apid=%d name=%s processor=%q counter=%d seq=%d len=%d\n",
		pkt.TimeProcessed.Format("15:04:05.000"),
		pkt.VCID,
		pkt.APID,
		pkt.PacketName,
		pkt.ProcessorName,
		pkt.ProcessorCounter,
		pkt.PrimaryHeader["sequence_count"],
		len(pkt.Data),
	)
	return err
}

// Flush is a no-op for the console reporter.
func (r *ConsoleReporter) Flush(ctx context.Context) error {
	return nil
}

// Reported returns the number of packets written.
func (r *ConsoleReporter) Reported() uint64 {
	return r.reportedCount.Load()
}
