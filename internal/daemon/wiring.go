package daemon

import (
	"fmt"
	"log/slog"
	"time"

	"firestige.xyz/skylink/internal/archive"
	"firestige.xyz/skylink/internal/ccsds"
	"firestige.xyz/skylink/internal/config"
	"firestige.xyz/skylink/internal/core"
	"firestige.xyz/skylink/internal/packettag"
	"firestige.xyz/skylink/internal/pipeline"
	"firestige.xyz/skylink/internal/reporter"
	"firestige.xyz/skylink/internal/source"
	"firestige.xyz/skylink/internal/uplink"
)

// Link is the assembled downlink: pipeline plus optional frame archive.
type Link struct {
	Pipeline *pipeline.Pipeline
	Archive  *archive.Archive // nil when archiving is disabled
}

// Close stops the pipeline, then closes the archive.
func (l *Link) Close() error {
	err := l.Pipeline.Stop()
	if l.Archive != nil {
		if cerr := l.Archive.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// FrameLayout converts the configured frame layout.
func FrameLayout(fc config.FrameConfig) ccsds.FrameLayout {
	return ccsds.FrameLayout{
		InsertZoneLength:   fc.InsertZoneLength,
		HeaderErrorControl: fc.HeaderErrorControl,
		OperationalControl: fc.OperationalControl,
		ErrorControl:       fc.ErrorControl,
	}
}

// BuildLink assembles the pipeline described by cfg around already initialised
// reporters.
func BuildLink(cfg *config.GlobalConfig, reporters []reporter.Reporter, fallback reporter.Reporter) (*Link, error) {
	var dict packettag.Dictionary = packettag.APIDDictionary{}
	if cfg.Dictionary.Path != "" {
		d, err := packettag.LoadDictionary(cfg.Dictionary.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to load dictionary: %w", err)
		}
		slog.Info("apid dictionary loaded", "path", cfg.Dictionary.Path, "packets", len(d))
		dict = d
	}

	b := pipeline.NewBuilder().
		WithLink(cfg.Link.Name).
		WithLayout(FrameLayout(cfg.Link.Frame)).
		WithCheckECF(cfg.Link.Frame.CheckECF).
		WithVirtualChannels(config.VCIDs(cfg.Link.VirtualChannels)...).
		WithDictionary(dict).
		WithPass(cfg.Link.PassID, cfg.Link.SVIdentifier).
		WithReporters(reporters...).
		WithBatching(cfg.Reporters.BatchSize, config.Duration(cfg.Reporters.BatchTimeout, 0)).
		WithBufferSize(cfg.Link.BufferSize)
	if fallback != nil {
		b.WithFallback(fallback)
	}
	for _, pc := range cfg.Processors {
		b.WithProcessor(pipeline.ProcessorConfig{
			Name:                  pc.Name,
			VCID:                  core.VCID(pc.VCID),
			EnforceSequence:       pc.EnforceSequence,
			SecondaryHeaderLength: pc.SecondaryHeaderLength,
			MaxPending:            pc.MaxPending,
		})
	}

	link := &Link{}
	if cfg.Archive.Enabled {
		a, err := archive.New(archive.Config{
			Dir:             cfg.Archive.Dir,
			VirtualChannels: config.VCIDs(cfg.Archive.VirtualChannels),
			PassID:          cfg.Link.PassID,
			SVIdentifier:    cfg.Link.SVIdentifier,
			MaxSizeMB:       cfg.Archive.Rotation.MaxSizeMB,
			MaxBackups:      cfg.Archive.Rotation.MaxBackups,
			MaxAgeDays:      cfg.Archive.Rotation.MaxAgeDays,
			Compress:        cfg.Archive.Rotation.Compress,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create frame archive: %w", err)
		}
		link.Archive = a
		b.WithArchive(a)
	}

	p, err := b.Build()
	if err != nil {
		if link.Archive != nil {
			link.Archive.Close()
		}
		return nil, err
	}
	link.Pipeline = p
	return link, nil
}

// BuildReporters creates and initialises the configured reporter outputs and the
// optional fallback. Kafka outputs inherit the shared reporters.kafka settings.
func BuildReporters(rc config.ReportersConfig) ([]reporter.Reporter, reporter.Reporter, error) {
	var outputs []reporter.Reporter
	for i, out := range rc.Outputs {
		r, err := newReporter(rc, out)
		if err != nil {
			return nil, nil, fmt.Errorf("reporter %d: %w", i, err)
		}
		outputs = append(outputs, r)
	}

	var fallback reporter.Reporter
	if rc.Fallback != nil {
		r, err := newReporter(rc, *rc.Fallback)
		if err != nil {
			return nil, nil, fmt.Errorf("fallback reporter: %w", err)
		}
		fallback = r
	}
	return outputs, fallback, nil
}

func newReporter(rc config.ReportersConfig, out config.ReporterConfig) (reporter.Reporter, error) {
	r, err := reporter.New(out.Type)
	if err != nil {
		return nil, err
	}
	if err := r.Init(reporterOptions(rc, out)); err != nil {
		return nil, fmt.Errorf("failed to init %s reporter: %w", out.Type, err)
	}
	return r, nil
}

// reporterOptions merges the shared kafka connection settings under the output's
// own options.
func reporterOptions(rc config.ReportersConfig, out config.ReporterConfig) map[string]any {
	opts := make(map[string]any, len(out.Config)+4)
	for k, v := range out.Config {
		opts[k] = v
	}
	if out.Type != "kafka" {
		return opts
	}

	kc := rc.Kafka
	if _, ok := opts["brokers"]; !ok && len(kc.Brokers) > 0 {
		opts["brokers"] = kc.Brokers
	}
	if _, ok := opts["compression"]; !ok && kc.Compression != "" {
		opts["compression"] = kc.Compression
	}
	if _, ok := opts["sasl"]; !ok && kc.SASL.Enabled {
		opts["sasl"] = map[string]any{
			"enabled":   true,
			"mechanism": kc.SASL.Mechanism,
			"username":  kc.SASL.Username,
			"password":  kc.SASL.Password,
		}
	}
	if _, ok := opts["tls"]; !ok && kc.TLS.Enabled {
		opts["tls"] = map[string]any{
			"enabled":              true,
			"ca_cert":              kc.TLS.CACert,
			"client_cert":          kc.TLS.ClientCert,
			"client_key":           kc.TLS.ClientKey,
			"insecure_skip_verify": kc.TLS.InsecureSkipVerify,
		}
	}
	return opts
}

// BuildSources creates every configured frame source.
func BuildSources(cfg *config.GlobalConfig) ([]source.Source, error) {
	sources := make([]source.Source, 0, len(cfg.Sources))
	for i, sc := range cfg.Sources {
		src, err := BuildSource(sc, cfg.Link.Sync)
		if err != nil {
			return nil, fmt.Errorf("sources[%d]: %w", i, err)
		}
		sources = append(sources, src)
	}
	return sources, nil
}

// BuildSource creates one frame source. Stream sources use the link sync framing.
func BuildSource(sc config.SourceConfig, sync config.SyncConfig) (source.Source, error) {
	syncer, err := sync.Syncer()
	if err != nil {
		return nil, err
	}

	switch sc.Type {
	case "tcp":
		return source.NewTCPSource(source.TCPConfig{
			Name:           sc.Name,
			Mode:           sc.Mode,
			Address:        sc.Address,
			Syncer:         syncer,
			ReadSize:       sc.ReadSize,
			ReconnectDelay: config.Duration(sc.ReconnectDelay, 0),
			MaxFrameSize:   sync.MaxFrameSize,
			StallThreshold: sync.StallThreshold,
		})
	case "file":
		fc := source.FileConfig{Path: sc.Path, FrameSize: sc.FrameSize}
		if sc.FrameSize <= 0 {
			fc.Syncer = &syncer
		}
		return source.NewFileSource(fc)
	case "pcap":
		pc := source.PcapConfig{Path: sc.Path, Transport: sc.Transport, Port: uint16(sc.Port)}
		if sc.Transport == "tcp" || sc.Sync {
			pc.Syncer = &syncer
		}
		return source.NewPcapSource(pc)
	case "archive":
		return source.NewArchiveSource(sc.Path), nil
	default:
		return nil, fmt.Errorf("unsupported source type %q", sc.Type)
	}
}

// BuildUplink creates the command encoder and TCP link.
func BuildUplink(cfg *config.GlobalConfig) (*uplink.Encoder, *uplink.TCPLink, error) {
	u := cfg.Uplink
	enc := &uplink.Encoder{APIDBase: uint16(u.APIDBase), PadTo: u.PadTo}
	if u.Sync {
		syncer, err := cfg.Link.Sync.Syncer()
		if err != nil {
			return nil, nil, err
		}
		enc.Syncer = &syncer
	}
	link, err := uplink.NewTCPLink(uplink.TCPLinkConfig{
		Mode:         u.Mode,
		Address:      u.Address,
		WriteTimeout: config.Duration(u.WriteTimeout, 5*time.Second),
	})
	if err != nil {
		return nil, nil, err
	}
	return enc, link, nil
}
