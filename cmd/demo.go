package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/civicpulse/heatmap-cli/internal/export"
	"github.com/civicpulse/heatmap-cli/internal/heatmap"
)

var (
	demoFormat string
	demoOutput string
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Write the built-in demo dataset in an export format",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := export.ParseFormat(demoFormat)
		if err != nil {
			return err
		}
		ds := heatmap.DemoDataset()

		if demoOutput == "" {
			return export.Write(cmd.OutOrStdout(), format, ds)
		}
		f, err := os.Create(demoOutput)
		if err != nil {
			return eris.Wrapf(err, "create %s", demoOutput)
		}
		if err := export.Write(f, format, ds); err != nil {
			_ = f.Close()
			return err
		}
		return eris.Wrapf(f.Close(), "close %s", demoOutput)
	},
}

func init() {
	demoCmd.Flags().StringVar(&demoFormat, "format", "json", "output format (json, csv, geojson, xlsx)")
	demoCmd.Flags().StringVarP(&demoOutput, "output", "o", "", "output file (default stdout)")
	rootCmd.AddCommand(demoCmd)
}
