package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/skylink/internal/daemon"
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload configuration",
	Long: `Send SIGHUP to the daemon recorded in the PID file. The daemon re-reads its
config file and applies the log settings; other changes need a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReload(reloadPIDFile, cmd.OutOrStdout())
	},
}

var reloadPIDFile string

func init() {
	reloadCmd.Flags().StringVarP(&reloadPIDFile, "pidfile", "p", "/var/run/skylink.pid",
		"PID file of the running daemon")
}

// runReload signals the daemon to reload.
func runReload(pidFile string, out io.Writer) error {
	if err := daemon.SignalReload(pidFile); err != nil {
		return fmt.Errorf("failed to reload: %w", err)
	}
	fmt.Fprintln(out, "✓ Reload signal sent")
	return nil
}
