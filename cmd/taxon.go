package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/microfetch/microfetch-pipeline/internal/model"
	"github.com/microfetch/microfetch-pipeline/internal/store"
)

var taxonCmd = &cobra.Command{
	Use:   "taxon",
	Short: "Manage tracked taxa",
}

var taxonAddCmd = &cobra.Command{
	Use:   "add <ids,...>",
	Short: "Register taxa for periodic sync",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids, err := parseTaxonIDs(args[0])
		if err != nil {
			return err
		}
		st, err := openMigratedStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		for _, id := range ids {
			existing, err := st.GetTaxon(cmd.Context(), id)
			if err != nil {
				return err
			}
			if existing != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "taxon %d already registered\n", id)
				continue
			}
			if _, err := st.UpsertTaxon(cmd.Context(), model.Taxon{ID: id, TimeAdded: time.Now().UTC()}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered taxon %d\n", id)
		}
		return nil
	},
}

var taxonListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered taxa",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openMigratedStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		taxa, err := st.ListTaxa(cmd.Context())
		if err != nil {
			return err
		}
		return printTaxa(cmd.OutOrStdout(), taxa)
	},
}

func printTaxa(out io.Writer, taxa []model.Taxon) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TAXON\tADDED\tLAST SYNCED")
	for _, t := range taxa {
		last := "never"
		if t.LastSyncedAt != nil {
			last = t.LastSyncedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", t.ID, t.TimeAdded.UTC().Format(time.DateOnly), last)
	}
	return w.Flush()
}

// openMigratedStore opens the store without wiring the sync stack.
func openMigratedStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

func init() {
	taxonCmd.AddCommand(taxonAddCmd, taxonListCmd)
	rootCmd.AddCommand(taxonCmd)
}
