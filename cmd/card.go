package cmd

import (
	"bufio"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dimaryaz/jdmtool/internal/cardproto"
	"github.com/dimaryaz/jdmtool/internal/discovery"
	"github.com/dimaryaz/jdmtool/internal/orchestrator"
)

var cardCmd = &cobra.Command{
	Use:   "card",
	Short: "Detect and program a USB data-card device",
}

var cardDetectCmd = &cobra.Command{
	Use:                   "detect",
	Short:                 "Print the connected programmer's firmware version and card status",
	Args:                  cobra.NoArgs,
	DisableFlagsInUseLine: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, closeFn, err := discovery.Open()
		if err != nil {
			return err
		}
		defer closeFn()

		version, err := dev.FirmwareVersion()
		if err != nil {
			return err
		}
		fmt.Printf("Firmware version: %s\n", version)

		desc, err := dev.FirmwareDescription()
		if err != nil {
			return err
		}
		fmt.Printf("Firmware: %s\n", desc)

		hasCard, err := dev.HasCard()
		if err != nil {
			return err
		}
		if !hasCard {
			fmt.Println("No card")
			return nil
		}
		if err := dev.InitDataCard(); err != nil {
			return err
		}

		fmt.Printf("Card type: %s\n", dev.CardType().Name)
		fmt.Printf("Card size: %d bytes\n", dev.TotalSize())

		iids, err := dev.ChipIIDs()
		if err != nil {
			return err
		}
		for _, iid := range iids {
			info, ok := cardproto.LookupIID(byte(iid>>24), byte(iid>>8))
			if ok {
				fmt.Printf("  chip IID: 0x%08x (%s)\n", iid, info.Description)
			} else {
				fmt.Printf("  chip IID: 0x%08x (unknown)\n", iid)
			}
		}
		return nil
	},
}

var cardWriteCmd = &cobra.Command{
	Use:                   "write FILE",
	Short:                 "Write a raw database image to the inserted data card",
	Args:                  cobra.ExactArgs(1),
	DisableFlagsInUseLine: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		dev, closeFn, err := discovery.Open()
		if err != nil {
			return err
		}
		defer closeFn()

		if err := dev.CheckCard(); err != nil {
			return err
		}
		if err := dev.InitDataCard(); err != nil {
			return err
		}
		if err := dev.CheckSupportsWrite(); err != nil {
			return err
		}

		log := zerolog.New(os.Stderr).With().Timestamp().Logger()
		progress := func(done, total int) {
			fmt.Printf("\rwriting sector %d/%d", done, total)
		}
		err = orchestrator.DataCardTransfer(log, dev, payload, 0, 0, cardFullErase, progress)
		fmt.Println()
		if err != nil {
			return errors.Wrap(err, "transferring to card")
		}
		fmt.Println("Done")
		return nil
	},
}

var cardReadCmd = &cobra.Command{
	Use:                   "read FILE",
	Short:                 "Read the inserted data card's contents to a file",
	Args:                  cobra.ExactArgs(1),
	DisableFlagsInUseLine: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, closeFn, err := discovery.Open()
		if err != nil {
			return err
		}
		defer closeFn()

		if err := dev.CheckCard(); err != nil {
			return err
		}
		if err := dev.InitDataCard(); err != nil {
			return err
		}

		f, err := os.Create(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		w := bufio.NewWriter(f)
		numSectors := dev.TotalSectors()
		reader := dev.ReadBlocks(0, numSectors)
		for {
			block, done, err := reader.Next()
			if err != nil {
				return errors.Wrap(err, "reading card")
			}
			if done {
				break
			}
			if _, err := w.Write(block); err != nil {
				return err
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Println("Done")
		return nil
	},
}

var cardFullErase bool

func init() {
	cardWriteCmd.Flags().BoolVar(&cardFullErase, "full-erase", false, "erase every sector instead of only non-blank ones")
	cardCmd.AddCommand(cardDetectCmd, cardWriteCmd, cardReadCmd)
	rootCmd.AddCommand(cardCmd)
}
