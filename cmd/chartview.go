package cmd

import (
	"archive/zip"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/dimaryaz/jdmtool/internal/chartview"
)

var chartviewCmd = &cobra.Command{
	Use:   "chartview",
	Short: "Merge ChartView subscription archives",
}

var chartviewMergeCmd = &cobra.Command{
	Use:                   "merge OUT_CHARTS_BIN REGION_ZIP...",
	Short:                 "Merge one or more ChartView region archives into a single charts.bin",
	Args:                  cobra.MinimumNArgs(2),
	DisableFlagsInUseLine: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		destPath := args[0]
		zipPaths := args[1:]

		var sources []chartview.Source
		var closers []func() error
		defer func() {
			for _, c := range closers {
				_ = c()
			}
		}()

		for _, p := range zipPaths {
			rc, err := zip.OpenReader(p)
			if err != nil {
				return errors.Wrapf(err, "opening %s", p)
			}
			closers = append(closers, rc.Close)
			sources = append(sources, chartview.OpenZipSource(p, &rc.Reader))
		}

		dest, err := os.Create(destPath)
		if err != nil {
			return err
		}
		defer dest.Close()

		result, err := chartview.MergeChartsBin(dest, sources)
		if err != nil {
			return errors.Wrap(err, "merging charts.bin")
		}

		fmt.Printf("Merged %d charts (begin date %s) into %s\n", len(result.Records), result.DBBeginDate, destPath)
		return nil
	},
}

func init() {
	chartviewCmd.AddCommand(chartviewMergeCmd)
	rootCmd.AddCommand(chartviewCmd)
}
