package pipeline

import (
	"time"

	"firestige.xyz/skylink/internal/ccsds"
	"firestige.xyz/skylink/internal/core"
	"firestige.xyz/skylink/internal/packettag"
	"firestige.xyz/skylink/internal/reporter"
)

// Builder provides a fluent interface for building pipelines.
// This is an alternative to using Config directly.
type Builder struct {
	config Config
}

// NewBuilder creates a new pipeline builder with the default frame layout.
func NewBuilder() *Builder {
	return &Builder{
		config: Config{
			Layout:     ccsds.DefaultFrameLayout,
			BufferSize: defaultBufferSize,
		},
	}
}

// WithLink sets the link name.
func (b *Builder) WithLink(name string) *Builder {
	b.config.Link = name
	return b
}

// WithLayout sets the transfer frame layout.
func (b *Builder) WithLayout(layout ccsds.FrameLayout) *Builder {
	b.config.Layout = layout
	return b
}

// WithCheckECF enables frame error control verification.
func (b *Builder) WithCheckECF(check bool) *Builder {
	b.config.CheckECF = check
	return b
}

// WithVirtualChannels sets the channels tracked by the frame tagger.
func (b *Builder) WithVirtualChannels(vcids ...core.VCID) *Builder {
	b.config.VirtualChannels = vcids
	return b
}

// WithProcessor adds a virtual channel processor.
func (b *Builder) WithProcessor(pc ProcessorConfig) *Builder {
	b.config.Processors = append(b.config.Processors, pc)
	return b
}

// WithDictionary sets the APID dictionary.
func (b *Builder) WithDictionary(d packettag.Dictionary) *Builder {
	b.config.Dictionary = d
	return b
}

// WithAlarms sets the field decoder and alarm checker.
func (b *Builder) WithAlarms(dec packettag.FieldDecoder, alarms packettag.AlarmChecker) *Builder {
	b.config.Decoder = dec
	b.config.Alarms = alarms
	return b
}

// WithPass sets the pass and space vehicle identifiers stamped on packets.
func (b *Builder) WithPass(passID, svIdentifier string) *Builder {
	b.config.PassID = passID
	b.config.SVIdentifier = svIdentifier
	return b
}

// WithReporters sets the reporter chain.
func (b *Builder) WithReporters(reporters ...reporter.Reporter) *Builder {
	b.config.Reporters = reporters
	return b
}

// WithFallback sets the fallback reporter.
func (b *Builder) WithFallback(r reporter.Reporter) *Builder {
	b.config.Fallback = r
	return b
}

// WithBatching sets the reporter batch size and timeout.
func (b *Builder) WithBatching(size int, timeout time.Duration) *Builder {
	b.config.BatchSize = size
	b.config.BatchTimeout = timeout
	return b
}

// WithArchive sets the frame archive.
func (b *Builder) WithArchive(a FrameArchive) *Builder {
	b.config.Archive = a
	return b
}

// WithBufferSize sets the per-processor frame queue size.
func (b *Builder) WithBufferSize(size int) *Builder {
	b.config.BufferSize = size
	return b
}

// Build creates the pipeline.
func (b *Builder) Build() (*Pipeline, error) {
	return New(b.config)
}
