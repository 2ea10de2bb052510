package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dimaryaz/jdmtool/internal/sfx"
)

var dsfCmd = &cobra.Command{
	Use:   "dsf",
	Short: "Inspect Avidyne DSF self-extracting archive scripts",
}

var dsfInspectCmd = &cobra.Command{
	Use:                   "inspect FILE",
	Short:                 "Print the sections of a .dsf or .dsf.txt file",
	Args:                  cobra.ExactArgs(1),
	DisableFlagsInUseLine: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		var file *sfx.File
		if dsfText {
			file, err = sfx.ParseScript(f)
		} else {
			file, err = sfx.ReadBinary(f)
		}
		if err != nil {
			return err
		}

		fmt.Printf("Version: %s\n", file.Version)
		fmt.Printf("Sections: %d\n", len(file.Sections))
		for i, section := range file.Sections {
			ctx := section.Context()
			fmt.Printf("  [%d] kind=%d header=%q param=%q", i, section.Kind(), ctx.Header, ctx.Param)
			if ctx.ConditionalInfo != nil {
				fmt.Printf(" bitmask=0x%x conditional=%q", ctx.Bitmask, *ctx.ConditionalInfo)
			}
			fmt.Println()
		}
		return nil
	},
}

var dsfText bool

func init() {
	dsfInspectCmd.Flags().BoolVar(&dsfText, "text", false, "parse as a human-readable .dsf.txt script instead of binary wire format")
	dsfCmd.AddCommand(dsfInspectCmd)
	rootCmd.AddCommand(dsfCmd)
}
