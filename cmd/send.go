package cmd

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"firestige.xyz/skylink/internal/command"
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send one command over the daemon's uplink",
	Example: `  skylink send --apid 5 --data 0a0b0c
  skylink send --apid 5 --data "0x0a 0b 0c" --sequence 7`,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := parseHex(sendData)
		if err != nil {
			return err
		}
		params := command.UplinkSendParams{APID: sendAPID, Data: data}
		if cmd.Flags().Changed("sequence") {
			seq := sendSequence
			params.Sequence = &seq
		}
		return runSend(cmd.Context(), newControlClient(), params, cmd.OutOrStdout())
	},
}

var (
	sendAPID     uint16
	sendData     string
	sendSequence uint16
)

func init() {
	sendCmd.Flags().Uint16Var(&sendAPID, "apid", 0, "command APID (added to uplink.apid_base)")
	sendCmd.Flags().StringVar(&sendData, "data", "", "command payload as hex")
	sendCmd.Flags().Uint16Var(&sendSequence, "sequence", 0, "explicit sequence count (default: next for the APID)")
	sendCmd.MarkFlagRequired("data")
}

func runSend(ctx context.Context, client ControlClient, params command.UplinkSendParams, out io.Writer) error {
	resp, err := client.UplinkSend(ctx, params)
	if err != nil {
		return fmt.Errorf("failed to send command: %w", err)
	}
	if err := checkResponse("uplink.send", resp); err != nil {
		return err
	}
	var result struct {
		Bytes int `json:"bytes"`
	}
	if err := resp.Decode(&result); err != nil {
		return fmt.Errorf("invalid uplink.send result: %w", err)
	}
	fmt.Fprintf(out, "✓ Command sent (%d bytes)\n", result.Bytes)
	return nil
}

// parseHex accepts an optional 0x prefix and ignores whitespace.
func parseHex(s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}
	return data, nil
}
