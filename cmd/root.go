// Package cmd wires the jdmtool command-line interface: one Cobra
// command per verb, each a thin adapter over the internal codec,
// transport, and orchestrator packages.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "jdmtool",
	Short: "Manage Jeppesen aeronautical navigation databases",
	Long: `jdmtool lists the navigation database products in an already-downloaded
Jeppesen services.xml catalog and writes already-downloaded service files to
USB flash-card programmers or mounted filesystems. It does not log in to
Jeppesen's service or download products itself.`,
	DisableFlagsInUseLine: true,
	SilenceUsage:          true,
}

// servicesXMLPath is shared by every command that reads the catalog.
var servicesXMLPath string

// downloadsDir is shared by every command that reads already-fetched
// service files.
var downloadsDir string

func init() {
	rootCmd.PersistentFlags().StringVar(&servicesXMLPath, "services-xml", "", "path to a downloaded services.xml (default: the config dir's cached copy)")
	rootCmd.PersistentFlags().StringVar(&downloadsDir, "downloads-dir", "", "directory holding downloaded service files (default: the config dir's downloads/ subdirectory)")
}

// Execute runs the root command, printing any error returned and
// exiting 1, per spec.md §6.5's exit-code convention.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
