package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var syncTaxa string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one reconciliation cycle, or sync the given taxa now",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if syncTaxa == "" {
			res, err := env.Loop.Tick(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "taxa due=%d synced=%d failed=%d  records fetched=%d new=%d passed=%d repaired=%d  leases reclaimed=%d\n",
				res.Sync.Due, res.Sync.Synced, res.Sync.Failed,
				res.Sync.Fetched, res.Sync.New, res.Sync.Passed, res.Sync.Repaired, res.Reclaim.Total())
			return err
		}

		ids, err := parseTaxonIDs(syncTaxa)
		if err != nil {
			return err
		}
		if _, err := env.Engine.FilterPending(ctx); err != nil {
			return err
		}
		var failed int
		for _, id := range ids {
			taxon, err := env.Store.GetTaxon(ctx, id)
			if err != nil {
				return err
			}
			if taxon == nil {
				return eris.Errorf("taxon %d is not registered (run: microfetch taxon add %d)", id, id)
			}
			res, err := env.Engine.SyncTaxon(ctx, *taxon)
			if err != nil {
				return err
			}
			if res.Err != nil {
				failed++
				zap.L().Error("taxon sync failed", zap.Int64("taxon_id", id), zap.Error(res.Err))
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "taxon %d: fetched=%d new=%d passed=%d partial=%t\n", id, res.Fetched, res.New, res.Passed, res.Partial)
		}
		if failed > 0 {
			return eris.Errorf("%d of %d taxa failed to sync", failed, len(ids))
		}
		return nil
	},
}

// parseTaxonIDs parses a comma-separated list of positive taxon ids.
func parseTaxonIDs(s string) ([]int64, error) {
	var ids []int64
	seen := make(map[int64]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, eris.Errorf("invalid taxon id %q", part)
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, eris.New("no taxon ids given")
	}
	return ids, nil
}

func init() {
	syncCmd.Flags().StringVar(&syncTaxa, "taxon", "", "comma-separated taxon ids to sync regardless of schedule")
	rootCmd.AddCommand(syncCmd)
}
