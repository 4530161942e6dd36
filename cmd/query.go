package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/civicpulse/heatmap-cli/internal/export"
	"github.com/civicpulse/heatmap-cli/internal/geo"
	"github.com/civicpulse/heatmap-cli/internal/heatmap"
	"github.com/civicpulse/heatmap-cli/internal/orchestrator"
)

var (
	queryBounds string
	queryFormat string
	queryOutput string
	queryDepth  int
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Fetch the heatmap for a viewport once and print a summary",
	Example: `  heatmap-cli query --bounds 77.10,28.50,77.35,28.75
  heatmap-cli query --bounds 72.7,18.9,73.0,19.2 --format geojson --output mumbai.geojson`,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer env.Close()

		bounds := env.Home
		if queryBounds != "" {
			bounds, err = geo.ParseBounds(queryBounds)
			if err != nil {
				return err
			}
		}
		if cmd.Flags().Changed("depth") {
			ac := env.Orchestrator.Snapshot().Analytics
			ac.HistoricalDepth = queryDepth
			ac.RefreshInterval = 0
			if err := env.Orchestrator.SetAnalyticsConfig(ac); err != nil {
				return err
			}
		}

		if err := env.Orchestrator.SetBounds(bounds); err != nil {
			return err
		}
		env.Orchestrator.Wait()
		st := env.Orchestrator.Snapshot()

		if queryFormat != "" {
			return writeExport(cmd.OutOrStdout(), env.Orchestrator, queryFormat, queryOutput)
		}
		return printSummary(cmd.OutOrStdout(), st)
	},
}

// writeExport exports the current snapshot to path, or to w when path is empty.
func writeExport(w io.Writer, o *orchestrator.Orchestrator, rawFormat, path string) error {
	format, err := export.ParseFormat(rawFormat)
	if err != nil {
		return err
	}
	if path == "" {
		return o.Export(w, format)
	}

	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "create %s", path)
	}
	if err := o.Export(f, format); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		return eris.Wrapf(err, "close %s", path)
	}
	zap.L().Info("export written", zap.String("path", path), zap.String("format", string(format)))
	return nil
}

func printSummary(w io.Writer, st orchestrator.State) error {
	if st.Status == orchestrator.StatusError {
		return eris.Errorf("query failed: %s", st.Error)
	}
	if st.DemoNotice != "" {
		fmt.Fprintln(w, st.DemoNotice)
	}
	fmt.Fprintf(w, "Bounds:     %s\n", st.Bounds)
	if st.Dataset == nil {
		fmt.Fprintln(w, "No data.")
		return nil
	}
	fmt.Fprintf(w, "Points:     %d\n", len(st.Dataset.DataPoints))
	fmt.Fprintf(w, "Clusters:   %d\n", len(st.Dataset.Clusters))
	fmt.Fprintf(w, "Anomalies:  %d\n", len(st.Dataset.Anomalies))
	if !st.Dataset.FetchedAt.IsZero() {
		fmt.Fprintf(w, "Fetched at: %s\n", st.Dataset.FetchedAt.Format("2006-01-02 15:04:05 MST"))
	}

	legend := heatmap.Legend(st.Dataset)
	if len(legend) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CATEGORY\tCOUNT\tMAX URGENCY")
	for _, e := range legend {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", e.Label, e.Count, e.MaxUrgency)
	}
	return tw.Flush()
}

func init() {
	queryCmd.Flags().StringVar(&queryBounds, "bounds", "", "viewport as west,south,east,north (default from region config)")
	queryCmd.Flags().StringVar(&queryFormat, "format", "", "export format instead of a summary (json, csv, geojson, xlsx)")
	queryCmd.Flags().StringVarP(&queryOutput, "output", "o", "", "export file path (default stdout)")
	queryCmd.Flags().IntVar(&queryDepth, "depth", 0, "historical depth in days (0 = unbounded)")
	rootCmd.AddCommand(queryCmd)
}
