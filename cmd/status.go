package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/microfetch/microfetch-pipeline/internal/model"
	"github.com/microfetch/microfetch-pipeline/internal/monitoring"
)

var (
	statusLookback int
	statusJSON     bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show record, taxon and sync counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		snap, err := env.Collector.Collect(cmd.Context(), statusLookback)
		if err != nil {
			return err
		}
		if statusJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}
		return printSnapshot(cmd.OutOrStdout(), snap)
	},
}

func printSnapshot(out io.Writer, snap *monitoring.Snapshot) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "taxa\t%d (%d due)\n", snap.TaxaTotal, snap.TaxaDue)
	fmt.Fprintf(w, "unfiltered\t%d\n", snap.Unfiltered)
	for _, state := range []model.AssemblyResult{
		model.AssemblySkipped, model.AssemblyWaiting, model.AssemblyUnderConsideration,
		model.AssemblyInProgress, model.AssemblySuccess, model.AssemblyFail,
	} {
		fmt.Fprintf(w, "%s\t%d\n", state, snap.Records[state])
	}
	fmt.Fprintf(w, "syncs (last %dh)\t%d complete, %d failed, %d running\n",
		snap.LookbackHours, snap.SyncComplete, snap.SyncFailed, snap.SyncRunning)
	return w.Flush()
}

func init() {
	statusCmd.Flags().IntVar(&statusLookback, "lookback", 24, "sync history window in hours")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the snapshot as JSON")
	rootCmd.AddCommand(statusCmd)
}
