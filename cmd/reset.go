package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset link counters and reassembly state",
	Long: `Reset the running link: frame counters start over, partial packets held by the
depacketizers are dropped and stream sources resynchronize on the next marker.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReset(cmd.Context(), newControlClient(), cmd.OutOrStdout())
	},
}

func runReset(ctx context.Context, client ControlClient, out io.Writer) error {
	resp, err := client.LinkReset(ctx)
	if err != nil {
		return fmt.Errorf("failed to reset link: %w", err)
	}
	if err := checkResponse("link.reset", resp); err != nil {
		return err
	}
	fmt.Fprintln(out, "✓ Link reset")
	return nil
}
