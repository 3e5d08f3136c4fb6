package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/skylink/internal/daemon"
)

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the skylink daemon",
	Long: `Stop the skylink daemon gracefully.

This command sends daemon.shutdown over the Unix Domain Socket. The daemon stops
its sources, drains the pipeline, flushes reporters and exits. When the socket
is unusable, the daemon recorded in the PID file is sent SIGTERM instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd.Context(), newControlClient(), stopPIDFile, stopTimeout, cmd.OutOrStdout())
	},
}

var (
	stopPIDFile string
	stopTimeout time.Duration
)

func init() {
	stopCmd.Flags().StringVarP(&stopPIDFile, "pidfile", "p", "/var/run/skylink.pid",
		"PID file used when the control socket is unusable")
	stopCmd.Flags().DurationVar(&stopTimeout, "timeout", 30*time.Second,
		"how long to wait for the daemon to exit after SIGTERM")
}

func runStop(ctx context.Context, client ControlClient, pidFile string, timeout time.Duration, out io.Writer) error {
	resp, err := client.Shutdown(ctx)
	if err == nil {
		if err := checkResponse("daemon.shutdown", resp); err != nil {
			return err
		}
		fmt.Fprintln(out, "✓ Shutdown requested")
		return nil
	}

	fmt.Fprintf(out, "control socket unavailable (%v), signalling PID file %s\n", err, pidFile)
	if err := daemon.StopByPID(pidFile, timeout); err != nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}
	fmt.Fprintln(out, "✓ Daemon stopped")
	return nil
}
