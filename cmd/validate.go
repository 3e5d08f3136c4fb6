package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/skylink/internal/config"
	"firestige.xyz/skylink/internal/daemon"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Load the configuration file given by --config, apply defaults and check it,
including that every configured source can be built.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(configFile, cmd.OutOrStdout())
	},
}

func runValidate(path string, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if _, err := daemon.BuildSources(cfg); err != nil {
		return fmt.Errorf("invalid source: %w", err)
	}

	fmt.Fprintf(out, "✓ Configuration is valid: %s\n", path)
	fmt.Fprintf(out, "  link:               %s (virtual channels %v)\n", cfg.Link.Name, cfg.Link.VirtualChannels)
	fmt.Fprintf(out, "  processors:         %d\n", len(cfg.Processors))
	fmt.Fprintf(out, "  sources:            %d\n", len(cfg.Sources))
	fmt.Fprintf(out, "  reporters:          %d\n", len(cfg.Reporters.Outputs))
	fmt.Fprintf(out, "  archive:            %t\n", cfg.Archive.Enabled)
	fmt.Fprintf(out, "  uplink:             %t\n", cfg.Uplink.Enabled)
	return nil
}
