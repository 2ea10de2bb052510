package cmd

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/dimaryaz/jdmtool/internal/ngt"
)

var ngtCmd = &cobra.Command{
	Use:   "ngt",
	Short: "Decode Garmin NGT USB protocol packets",
}

var ngtDecodeCmd = &cobra.Command{
	Use:                   "decode PACKET_FILE",
	Short:                 "Decode a raw NGT packet into its framed messages",
	Args:                  cobra.ExactArgs(1),
	DisableFlagsInUseLine: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		packet, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		msgs, err := ngt.DecodeMessages(packet)
		if err != nil {
			return errors.Wrap(err, "decoding packet")
		}

		for i, m := range msgs {
			fmt.Printf("message %d: type=0x%04x len=%d\n", i, m.Type, len(m.Data))
			if block, err := ngt.UnwrapDataBlock(m.Data); err == nil {
				fmt.Printf("  data block: type=0x%08x len=%d\n", block.Type, len(block.Data))
			}
		}
		return nil
	},
}

func init() {
	ngtCmd.AddCommand(ngtDecodeCmd)
	rootCmd.AddCommand(ngtCmd)
}
