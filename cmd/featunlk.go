package cmd

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/dimaryaz/jdmtool/internal/featunlk"
)

var featunlkCmd = &cobra.Command{
	Use:   "featunlk",
	Short: "Inspect a Garmin feat_unlk.dat feature-unlock file",
}

var featunlkVerifyCmd = &cobra.Command{
	Use:                   "verify FEAT_UNLK_DAT FEATURE_NAME",
	Short:                 "Verify one feature slot's checksums and print its decoded fields",
	Args:                  cobra.ExactArgs(2),
	DisableFlagsInUseLine: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, name := args[0], args[1]

		var feature featunlk.Feature
		found := false
		for _, f := range featunlk.Features {
			if f.Name == name {
				feature = f
				found = true
				break
			}
		}
		if !found {
			return errors.Errorf("unknown feature %q", name)
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		slotBytes := make([]byte, featunlk.SlotStride)
		if _, err := f.ReadAt(slotBytes, int64(feature.Offset)); err != nil {
			return errors.Wrapf(err, "reading %s slot", name)
		}

		info, err := featunlk.VerifySlot(feature, slotBytes)
		if err != nil {
			return err
		}
		if info.Empty {
			fmt.Printf("%s: empty slot\n", name)
			return nil
		}
		fmt.Printf("%s: security id 0x%04x, volume id 0x%08x, file crc 0x%08x\n",
			name, info.SecurityID, info.VolumeID, info.FileCRC)
		return nil
	},
}

func init() {
	featunlkCmd.AddCommand(featunlkVerifyCmd)
	rootCmd.AddCommand(featunlkCmd)
}
