package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and link status",
	Long: `Query the skylink daemon for its overall status.

Shows: version, uptime, uplink availability, and the link statistics
(frame counters per virtual channel, processor counters, stream sync state).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd.Context(), newControlClient(), cmd.OutOrStdout())
	},
}

// runStatus prints daemon.status and link.status as one JSON document.
func runStatus(ctx context.Context, client ControlClient, out io.Writer) error {
	resp, err := client.DaemonStatus(ctx)
	if err != nil {
		return fmt.Errorf("daemon is not running or socket is inaccessible: %w", err)
	}
	if err := checkResponse("daemon.status", resp); err != nil {
		return err
	}

	link, err := client.LinkStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to query link status: %w", err)
	}

	resultJSON, err := json.MarshalIndent(map[string]any{
		"daemon": resp.Result,
		"link":   link,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format result: %w", err)
	}
	fmt.Fprintln(out, string(resultJSON))
	return nil
}
