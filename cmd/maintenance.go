package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var filterPendingCmd = &cobra.Command{
	Use:   "filter-pending",
	Short: "Apply the filter chain to records that have not been filtered",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Engine.FilterPending(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "filtered %d records\n", n)
		return nil
	},
}

var reclaimCmd = &cobra.Command{
	Use:   "reclaim",
	Short: "Return expired leases to waiting",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Leases.ReclaimStale(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "reclaimed under_consideration=%d in_progress=%d\n",
			res.UnderConsideration, res.InProgress)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := initStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(filterPendingCmd, reclaimCmd, migrateCmd)
}
