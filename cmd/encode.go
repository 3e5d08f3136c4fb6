package cmd

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/skylink/internal/framesync"
	"firestige.xyz/skylink/internal/uplink"
)

// encodeOptions are the flags of the encode command.
type encodeOptions struct {
	APID     uint16
	APIDBase uint16
	Data     string
	Sequence *uint16
	PadTo    int
	Sync     bool
	Marker   string
	Width    int
}

var encodeOpts encodeOptions

var encodeCmd = &cobra.Command{
	Use:   "encode",
	Short: "Encode a command packet offline and print it as hex",
	Long: `Encode one telecommand space packet the way the uplink does and print the
result as hex. With --sync the packet is wrapped with the sync marker and length.`,
	Example: `  skylink encode --apid 5 --data 0a0b0c
  skylink encode --apid 5 --data 0a0b0c --pad-to 64 --sync`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := encodeOpts
		if cmd.Flags().Changed("sequence") {
			seq, _ := cmd.Flags().GetUint16("sequence")
			opts.Sequence = &seq
		}
		return runEncode(opts, cmd.OutOrStdout())
	},
}

func init() {
	f := encodeCmd.Flags()
	f.Uint16Var(&encodeOpts.APID, "apid", 0, "command APID")
	f.Uint16Var(&encodeOpts.APIDBase, "apid-base", 0, "APID offset added to --apid")
	f.StringVar(&encodeOpts.Data, "data", "", "command payload as hex")
	f.Uint16("sequence", 0, "sequence count (default 0)")
	f.IntVar(&encodeOpts.PadTo, "pad-to", 0, "zero-pad the packet to this many bytes")
	f.BoolVar(&encodeOpts.Sync, "sync", false, "wrap the packet with the sync marker and length")
	f.StringVar(&encodeOpts.Marker, "marker", "0xBEEF", "sync marker as hex")
	f.IntVar(&encodeOpts.Width, "length-width", framesync.DefaultLengthWidth, "sync length field width in bytes")
	encodeCmd.MarkFlagRequired("data")
}

func runEncode(opts encodeOptions, out io.Writer) error {
	data, err := parseHex(opts.Data)
	if err != nil {
		return err
	}

	enc := &uplink.Encoder{APIDBase: opts.APIDBase, PadTo: opts.PadTo}
	if opts.Sync {
		marker, err := framesync.ParseMarker(opts.Marker)
		if err != nil {
			return err
		}
		syncer, err := framesync.NewSyncer(marker, opts.Width)
		if err != nil {
			return err
		}
		enc.Syncer = &syncer
	}

	frame, err := enc.Frame(uplink.Command{APID: opts.APID, Data: data, Sequence: opts.Sequence})
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}
	fmt.Fprintln(out, hex.EncodeToString(frame))
	return nil
}
