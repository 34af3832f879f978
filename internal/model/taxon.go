package model

import (
	"encoding/json"
	"time"
)

// Taxon is a taxonomic group whose archive records are tracked.
type Taxon struct {
	ID                  int64           `json:"id"`
	LastSyncedAt        *time.Time      `json:"last_synced_at"`
	TimeAdded           time.Time       `json:"time_added"`
	PostAssemblyFilters json.RawMessage `json:"post_assembly_filters,omitempty"`
}

// SyncStatus is the outcome of one taxon sync attempt.
type SyncStatus string

const (
	SyncRunning  SyncStatus = "running"
	SyncComplete SyncStatus = "complete"
	SyncFailed   SyncStatus = "failed"
)

// SyncRun is one entry of the persisted sync log.
type SyncRun struct {
	ID             string     `json:"id"`
	TaxonID        int64      `json:"taxon_id"`
	Status         SyncStatus `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	RecordsFetched int        `json:"records_fetched"`
	RecordsNew     int        `json:"records_new"`
	RecordsPassed  int        `json:"records_passed"`
	Error          string     `json:"error,omitempty"`
}

// SyncCounts are the totals written when a sync run completes.
type SyncCounts struct {
	Fetched int `json:"fetched"`
	New     int `json:"new"`
	Passed  int `json:"passed"`
}
