package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"firestige.xyz/skylink/internal/config"
	"firestige.xyz/skylink/internal/core"
	"firestige.xyz/skylink/internal/daemon"
	logpkg "firestige.xyz/skylink/internal/log"
	"firestige.xyz/skylink/internal/reporter"
)

// replayOptions are the flags of the replay command.
type replayOptions struct {
	ConfigFile string // empty = built-in defaults
	File       string
	FrameSize  int
	Pcap       string
	Transport  string
	Port       int
	Sync       bool
	Archive    string
	VCIDs      []int // nil = link.virtual_channels from the config
	NoECFCheck bool
	Format     string
}

var (
	replayOpts     replayOptions
	replayVCIDs    []int
	replayLogLevel string
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Process recorded frames offline and print the packets",
	Long: `Run the downlink pipeline over a recording and print every reassembled packet
to stdout. Statistics are written to stderr when the input is exhausted.

Exactly one input is required: a frame file (fixed-size frames with --frame-size,
otherwise a sync-marked stream), a pcap capture, or a frame archive. Link
settings, processors and the APID dictionary come from --config when that flag
is given; otherwise built-in defaults are used.`,
	Example: `  skylink replay --file pass.bin --frame-size 1115 --vcid 1,2
  skylink replay --pcap pass.pcap --transport udp --port 5000 --vcid 1
  skylink replay --archive /var/lib/skylink/archive/frames-2024-01-15.bin -c /etc/skylink/config.yml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		level, err := logpkg.ParseLevel(replayLogLevel)
		if err != nil {
			return err
		}
		handler, err := logpkg.NewHandler(cmd.ErrOrStderr(), "text", level)
		if err != nil {
			return err
		}
		slog.SetDefault(slog.New(handler))

		opts := replayOpts
		if cmd.Flags().Changed("config") {
			opts.ConfigFile = configFile
		}
		if cmd.Flags().Changed("vcid") {
			opts.VCIDs = replayVCIDs
		}
		return runReplay(cmd.Context(), opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

func init() {
	f := replayCmd.Flags()
	f.StringVar(&replayOpts.File, "file", "", "frame file")
	f.IntVar(&replayOpts.FrameSize, "frame-size", 0, "fixed frame size of --file (0 = sync-marked stream)")
	f.StringVar(&replayOpts.Pcap, "pcap", "", "pcap capture")
	f.StringVar(&replayOpts.Transport, "transport", "udp", "pcap transport: udp or tcp")
	f.IntVar(&replayOpts.Port, "port", 0, "pcap destination port filter (0 = any)")
	f.BoolVar(&replayOpts.Sync, "sync", false, "pcap udp datagrams carry a sync-marked stream")
	f.StringVar(&replayOpts.Archive, "archive", "", "frame archive file")
	f.IntSliceVar(&replayVCIDs, "vcid", []int{0}, "virtual channels to reassemble")
	f.BoolVar(&replayOpts.NoECFCheck, "no-ecf-check", false, "accept frames with a bad error control field")
	f.StringVar(&replayOpts.Format, "format", "text", "packet output format: text or json")
	f.StringVar(&replayLogLevel, "log-level", "warn", "log level: debug, info, warn or error")
	replayCmd.MarkFlagsMutuallyExclusive("file", "pcap", "archive")
	replayCmd.MarkFlagsOneRequired("file", "pcap", "archive")
}

func runReplay(ctx context.Context, opts replayOptions, out, errOut io.Writer) error {
	cfg, err := replayConfig(opts)
	if err != nil {
		return err
	}

	src, err := daemon.BuildSource(replaySource(opts), cfg.Link.Sync)
	if err != nil {
		return fmt.Errorf("failed to open input: %w", err)
	}

	console := reporter.NewConsoleReporterTo(out)
	if err := console.Init(map[string]any{"format": opts.Format}); err != nil {
		return err
	}

	link, err := daemon.BuildLink(cfg, []reporter.Reporter{console}, nil)
	if err != nil {
		return fmt.Errorf("failed to build link: %w", err)
	}
	if err := link.Pipeline.Start(ctx); err != nil {
		link.Close()
		return err
	}

	runErr := link.Pipeline.Run(ctx, src)
	closeErr := link.Close()

	stats, err := json.MarshalIndent(link.Pipeline.Stats(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format stats: %w", err)
	}
	fmt.Fprintln(errOut, string(stats))
	return errors.Join(runErr, closeErr)
}

// replayConfig loads the link settings and fits them to an offline run: no
// configured sources, no archive, one processor per replayed virtual channel.
func replayConfig(opts replayOptions) (*config.GlobalConfig, error) {
	var (
		cfg *config.GlobalConfig
		err error
	)
	if opts.ConfigFile != "" {
		cfg, err = config.Load(opts.ConfigFile)
	} else {
		cfg, err = config.Default()
	}
	if err != nil {
		return nil, err
	}

	cfg.Sources = nil
	cfg.Archive.Enabled = false
	if opts.NoECFCheck {
		cfg.Link.Frame.CheckECF = false
	}
	if opts.VCIDs != nil {
		cfg.Link.VirtualChannels = opts.VCIDs
	} else if opts.ConfigFile == "" {
		cfg.Link.VirtualChannels = []int{0}
	}

	configured := make(map[int]config.ProcessorConfig, len(cfg.Processors))
	for _, pc := range cfg.Processors {
		configured[pc.VCID] = pc
	}
	cfg.Processors = cfg.Processors[:0]
	for _, v := range cfg.Link.VirtualChannels {
		if v < 0 || v > int(core.MaxVCID) {
			return nil, fmt.Errorf("%w: vcid %d out of range 0..%d", core.ErrConfigInvalid, v, core.MaxVCID)
		}
		pc, ok := configured[v]
		if !ok {
			pc = config.ProcessorConfig{Name: fmt.Sprintf("VCID %d", v), VCID: v}
		}
		cfg.Processors = append(cfg.Processors, pc)
	}
	return cfg, nil
}

func replaySource(opts replayOptions) config.SourceConfig {
	switch {
	case opts.File != "":
		return config.SourceConfig{Type: "file", Name: opts.File, Path: opts.File, FrameSize: opts.FrameSize}
	case opts.Pcap != "":
		return config.SourceConfig{
			Type: "pcap", Name: opts.Pcap, Path: opts.Pcap,
			Transport: opts.Transport, Port: opts.Port, Sync: opts.Sync,
		}
	default:
		return config.SourceConfig{Type: "archive", Name: opts.Archive, Path: opts.Archive}
	}
}
