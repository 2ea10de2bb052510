package cmd

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/dimaryaz/jdmtool/internal/taws"
)

var tawsCmd = &cobra.Command{
	Use:   "taws",
	Short: "Work with TAWS data-card images",
}

var tawsExtractCmd = &cobra.Command{
	Use:                   "extract PHYSICAL_IMAGE LOGICAL_IMAGE",
	Short:                 "Extract the logical image encoded by a physical TAWS card image",
	Args:                  cobra.ExactArgs(2),
	DisableFlagsInUseLine: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer src.Close()

		info, err := src.Stat()
		if err != nil {
			return err
		}

		dest, err := os.Create(args[1])
		if err != nil {
			return err
		}
		defer dest.Close()

		badSectors, err := taws.ExtractLogical(dest, src, info.Size())
		if err != nil {
			return errors.Wrap(err, "extracting logical image")
		}
		fmt.Printf("Extracted logical image, %d bad sectors skipped\n", len(badSectors))
		return nil
	},
}

var tawsBuildCmd = &cobra.Command{
	Use:                   "build LOGICAL_IMAGE PHYSICAL_IMAGE",
	Short:                 "Write a logical payload into an existing physical TAWS image",
	Args:                  cobra.ExactArgs(2),
	DisableFlagsInUseLine: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer src.Close()

		dest, err := os.OpenFile(args[1], os.O_RDWR, 0)
		if err != nil {
			return err
		}
		defer dest.Close()

		info, err := dest.Stat()
		if err != nil {
			return err
		}

		if err := taws.BuildImage(dest, src, info.Size(), tawsStartingSector); err != nil {
			return errors.Wrap(err, "building physical image")
		}
		fmt.Println("Done")
		return nil
	},
}

var tawsSetSerialCmd = &cobra.Command{
	Use:                   "write-serial LOGICAL_IMAGE SERIAL",
	Short:                 "Overwrite the serial number in a logical TAWS image's first block",
	Args:                  cobra.ExactArgs(2),
	DisableFlagsInUseLine: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		var serial uint32
		if _, err := fmt.Sscanf(args[1], "%d", &serial); err != nil {
			return errors.Wrap(err, "parsing serial number")
		}

		f, err := os.OpenFile(args[0], os.O_RDWR, 0)
		if err != nil {
			return err
		}
		defer f.Close()

		header := make([]byte, taws.OffsetSerial+4)
		if _, err := f.ReadAt(header, 0); err != nil {
			return errors.Wrap(err, "reading header block")
		}

		updated := taws.WriteSerial(header, serial)
		if _, err := f.WriteAt(updated, 0); err != nil {
			return errors.Wrap(err, "writing header block")
		}
		fmt.Println("Done")
		return nil
	},
}

var tawsVerifyCmd = &cobra.Command{
	Use:                   "verify PHYSICAL_IMAGE",
	Short:                 "Verify every physical block's footer checksum in a TAWS image",
	Args:                  cobra.ExactArgs(1),
	DisableFlagsInUseLine: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return err
		}

		layout, err := taws.LayoutForSize(info.Size())
		if err != nil {
			return err
		}
		sectorCount := int(info.Size() / taws.SectorSize)

		data := make([]byte, layout.BlockSize)
		footer := make([]byte, layout.FooterSize)
		bad := 0
		for sector := 0; sector < sectorCount; sector++ {
			base := int64(sector) * taws.SectorSize
			for block := 0; block < layout.BlocksPerSector; block++ {
				offset := base + int64(block*(layout.BlockSize+layout.FooterSize))
				if _, err := f.ReadAt(data, offset); err != nil {
					return errors.Wrapf(err, "reading sector %d block %d", sector, block)
				}
				if _, err := f.ReadAt(footer, offset+int64(layout.BlockSize)); err != nil {
					return errors.Wrapf(err, "reading sector %d block %d footer", sector, block)
				}
				if _, ok := taws.ParseFooterIndex(footer); !ok {
					continue
				}
				if err := taws.VerifyBlock(data, footer); err != nil {
					fmt.Printf("sector %d block %d: %v\n", sector, block, err)
					bad++
				}
			}
		}
		if bad > 0 {
			return errors.Errorf("%d blocks failed verification", bad)
		}
		fmt.Println("All blocks verified")
		return nil
	},
}

var tawsStartingSector int

func init() {
	tawsBuildCmd.Flags().IntVar(&tawsStartingSector, "starting-sector", 0, "logical sector number to start writing at")
	tawsCmd.AddCommand(tawsExtractCmd, tawsBuildCmd, tawsSetSerialCmd, tawsVerifyCmd)
	rootCmd.AddCommand(tawsCmd)
}
