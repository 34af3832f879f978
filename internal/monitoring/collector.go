package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/microfetch/microfetch-pipeline/internal/model"
	"github.com/microfetch/microfetch-pipeline/internal/store"
)

// syncLogWindow caps how many sync runs are scanned per snapshot.
const syncLogWindow = 10000

// Snapshot holds a point-in-time view of pipeline state.
type Snapshot struct {
	// Records by assembly_result; unfiltered records are keyed "".
	Records            map[model.AssemblyResult]int64 `json:"records"`
	Unfiltered         int64                          `json:"unfiltered"`
	Waiting            int64                          `json:"waiting"`
	UnderConsideration int64                          `json:"under_consideration"`
	InProgress         int64                          `json:"in_progress"`

	// Taxa.
	TaxaTotal int `json:"taxa_total"`
	TaxaDue   int `json:"taxa_due"`

	// Sync runs started within the lookback window.
	SyncTotal    int     `json:"sync_total"`
	SyncComplete int     `json:"sync_complete"`
	SyncFailed   int     `json:"sync_failed"`
	SyncRunning  int     `json:"sync_running"`
	SyncFailRate float64 `json:"sync_fail_rate"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers snapshots from the store.
type Collector struct {
	store           store.Store
	refreshInterval time.Duration
	now             func() time.Time
}

// NewCollector creates a collector. refreshInterval decides which taxa
// count as due.
func NewCollector(st store.Store, refreshInterval time.Duration) *Collector {
	return &Collector{
		store:           st,
		refreshInterval: refreshInterval,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	now := c.now()
	snap := &Snapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}

	counts, err := c.store.CountByAssembly(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count records")
	}
	snap.Records = counts
	snap.Unfiltered = counts[""]
	snap.Waiting = counts[model.AssemblyWaiting]
	snap.UnderConsideration = counts[model.AssemblyUnderConsideration]
	snap.InProgress = counts[model.AssemblyInProgress]

	taxa, err := c.store.ListTaxa(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list taxa")
	}
	snap.TaxaTotal = len(taxa)
	cutoff := now.Add(-c.refreshInterval)
	for _, t := range taxa {
		if t.LastSyncedAt == nil || t.LastSyncedAt.Before(cutoff) {
			snap.TaxaDue++
		}
	}

	runs, err := c.store.ListSyncs(ctx, syncLogWindow)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list sync runs")
	}
	since := now.Add(-time.Duration(lookbackHours) * time.Hour)
	for _, r := range runs {
		if r.StartedAt.Before(since) {
			continue
		}
		snap.SyncTotal++
		switch r.Status {
		case model.SyncComplete:
			snap.SyncComplete++
		case model.SyncFailed:
			snap.SyncFailed++
		case model.SyncRunning:
			snap.SyncRunning++
		}
	}
	if finished := snap.SyncComplete + snap.SyncFailed; finished > 0 {
		snap.SyncFailRate = float64(snap.SyncFailed) / float64(finished)
	}

	return snap, nil
}
