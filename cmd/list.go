package cmd

import (
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/dimaryaz/jdmtool/internal/catalog"
)

var listCmd = &cobra.Command{
	Use:                   "list",
	Short:                 "List the services available in the cached catalog",
	Args:                  cobra.NoArgs,
	DisableFlagsInUseLine: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolveServicesXML()
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		groups, err := catalog.LoadServices(f)
		if err != nil {
			return err
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Unique Service ID", "Service Code", "Version", "Category"})
		for _, g := range groups {
			uid, code, version, err := g.Fingerprint()
			if err != nil {
				return err
			}
			category := "simple"
			if g.IsChartView() {
				category = "chartview"
			}
			t.AppendRow(table.Row{uid, code, version, category})
		}
		t.Render()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
