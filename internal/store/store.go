package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/microfetch/microfetch-pipeline/internal/model"
)

// RecordFilter specifies criteria for selecting records.
type RecordFilter struct {
	TaxonID         *int64               `json:"taxon_id,omitempty"`
	AssemblyResult  model.AssemblyResult `json:"assembly_result,omitempty"`
	PassedFilter    *bool                `json:"passed_filter,omitempty"`
	PassedScreening *bool                `json:"passed_screening,omitempty"`
	Limit           int                  `json:"limit,omitempty"`
	Offset          int                  `json:"offset,omitempty"`
}

// Store defines the persistence interface for taxa, records and caches.
// Lease transitions are single conditional statements; the bool result
// reports whether the guarded row was updated.
type Store interface {
	// Taxa
	UpsertTaxon(ctx context.Context, taxon model.Taxon) (*model.Taxon, error)
	GetTaxon(ctx context.Context, id int64) (*model.Taxon, error)
	ListTaxa(ctx context.Context) ([]model.Taxon, error)
	DueTaxa(ctx context.Context, cutoff time.Time) ([]model.Taxon, error)
	MarkTaxonSynced(ctx context.Context, id int64, at time.Time) error

	// Records
	RecordIDs(ctx context.Context, taxonID int64) (map[string]struct{}, error)
	ExistingIDs(ctx context.Context, ids []string) (map[string]struct{}, error)
	UpsertNew(ctx context.Context, records []model.Record) (int64, error)
	MarkFiltered(ctx context.Context, id string, passed bool, reason string, now time.Time) (bool, error)
	PendingFilter(ctx context.Context, limit int) ([]model.Record, error)
	GetRecord(ctx context.Context, id string) (*model.Record, error)
	SelectRecords(ctx context.Context, filter RecordFilter) ([]model.Record, error)
	CountByAssembly(ctx context.Context) (map[model.AssemblyResult]int64, error)

	// Lease
	ClaimOldestWaiting(ctx context.Context, now time.Time) (*model.Record, error)
	Transition(ctx context.Context, id string, from, to model.AssemblyResult, now time.Time) (bool, error)
	CompleteAssembly(ctx context.Context, id string, result model.AssemblyResult, artifacts model.Artifacts) (bool, error)
	SetScreening(ctx context.Context, id string, passed bool, message string) (bool, error)
	ReclaimStale(ctx context.Context, state model.AssemblyResult, cutoff, now time.Time) (int64, error)

	// Country coordinate cache
	GetCountryCoordinate(ctx context.Context, country string) (*model.CountryCoordinate, error)
	PutCountryCoordinate(ctx context.Context, c model.CountryCoordinate) error

	// Sync log
	StartSync(ctx context.Context, taxonID int64, at time.Time) (string, error)
	CompleteSync(ctx context.Context, runID string, counts model.SyncCounts, at time.Time) error
	FailSync(ctx context.Context, runID string, syncErr error, at time.Time) error
	ListSyncs(ctx context.Context, limit int) ([]model.SyncRun, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// recordColumns is the column order shared by inserts and scans.
var recordColumns = []string{
	"id", "taxon_id",
	"sample_accession", "secondary_sample_accession", "experiment_accession", "run_accession",
	"scientific_name", "instrument_platform", "instrument_model",
	"library_strategy", "library_source", "library_layout", "library_selection",
	"read_count", "base_count", "fastq_ftp", "fastq_bytes",
	"country", "lat", "lon", "lat_lon_interpolated",
	"collection_date", "first_public",
	"passed_filter", "filter_failed",
	"time_fetched", "waiting_since", "assembly_result",
	"assembled_genome_url", "assembly_report_url", "assembly_error", "assembly_report",
	"passed_screening", "screening_message",
}

// insertColumns are written by discovery. A record arrives already
// filtered; lease and artifact columns start at their defaults.
var insertColumns = []string{
	"id", "taxon_id",
	"sample_accession", "secondary_sample_accession", "experiment_accession", "run_accession",
	"scientific_name", "instrument_platform", "instrument_model",
	"library_strategy", "library_source", "library_layout", "library_selection",
	"read_count", "base_count", "fastq_ftp", "fastq_bytes",
	"country", "lat", "lon", "lat_lon_interpolated",
	"collection_date", "first_public", "time_fetched",
	"passed_filter", "filter_failed", "waiting_since", "assembly_result",
}

func insertValues(r *model.Record) []any {
	return []any{
		r.ID, r.TaxonID,
		r.SampleAccession, r.SecondarySampleAccession, r.ExperimentAccession, r.RunAccession,
		r.ScientificName, r.InstrumentPlatform, r.InstrumentModel,
		r.LibraryStrategy, r.LibrarySource, r.LibraryLayout, r.LibrarySelection,
		r.ReadCount, r.BaseCount, r.FastqFTP, r.FastqBytes,
		r.Country, r.Lat, r.Lon, r.LatLonInterpolated,
		r.CollectionDate, r.FirstPublic, r.TimeFetched,
		r.PassedFilter, r.FilterFailed, r.WaitingSince, nullableResult(r.AssemblyResult),
	}
}

func nullableResult(a model.AssemblyResult) any {
	if a == "" {
		return nil
	}
	return string(a)
}

type scannable interface {
	Scan(dest ...any) error
}

// recordScan holds the nullable intermediates of a record row.
type recordScan struct {
	rec            model.Record
	assemblyResult *string
	report         []byte
}

func (s *recordScan) dest() []any {
	r := &s.rec
	return []any{
		&r.ID, &r.TaxonID,
		&r.SampleAccession, &r.SecondarySampleAccession, &r.ExperimentAccession, &r.RunAccession,
		&r.ScientificName, &r.InstrumentPlatform, &r.InstrumentModel,
		&r.LibraryStrategy, &r.LibrarySource, &r.LibraryLayout, &r.LibrarySelection,
		&r.ReadCount, &r.BaseCount, &r.FastqFTP, &r.FastqBytes,
		&r.Country, &r.Lat, &r.Lon, &r.LatLonInterpolated,
		&r.CollectionDate, &r.FirstPublic,
		&r.PassedFilter, &r.FilterFailed,
		&r.TimeFetched, &r.WaitingSince, &s.assemblyResult,
		&r.AssembledGenomeURL, &r.AssemblyReportURL, &r.AssemblyError, &s.report,
		&r.PassedScreening, &r.ScreeningMessage,
	}
}

func scanRecord(row scannable) (*model.Record, error) {
	var s recordScan
	if err := row.Scan(s.dest()...); err != nil {
		return nil, err
	}
	if s.assemblyResult != nil {
		s.rec.AssemblyResult = model.AssemblyResult(*s.assemblyResult)
	}
	if len(s.report) > 0 {
		if err := json.Unmarshal(s.report, &s.rec.AssemblyReport); err != nil {
			return nil, eris.Wrapf(err, "decode assembly report for %s", s.rec.ID)
		}
	}
	return &s.rec, nil
}

func marshalReport(report map[string]any) ([]byte, error) {
	if len(report) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(report)
	return b, eris.Wrap(err, "encode assembly report")
}

const (
	defaultLimit = 100
	maxLimit     = 10000
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

// filteredState maps a filter outcome to the record's initial lease state.
func filteredState(passed bool, now time.Time) (model.AssemblyResult, *time.Time) {
	if passed {
		return model.AssemblyWaiting, &now
	}
	return model.AssemblySkipped, nil
}

// recordWhere builds a WHERE clause for filter using the driver's
// placeholder style.
func recordWhere(filter RecordFilter, placeholder func(n int) string) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, cond+" = "+placeholder(len(args)))
	}
	if filter.TaxonID != nil {
		add("taxon_id", *filter.TaxonID)
	}
	if filter.AssemblyResult != "" {
		add("assembly_result", string(filter.AssemblyResult))
	}
	if filter.PassedFilter != nil {
		add("passed_filter", *filter.PassedFilter)
	}
	if filter.PassedScreening != nil {
		add("passed_screening", *filter.PassedScreening)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

const syncRunColumns = "id, taxon_id, status, started_at, completed_at, records_fetched, records_new, records_passed, error"

func scanSyncRun(row scannable) (*model.SyncRun, error) {
	var r model.SyncRun
	var status string
	if err := row.Scan(&r.ID, &r.TaxonID, &status, &r.StartedAt, &r.CompletedAt,
		&r.RecordsFetched, &r.RecordsNew, &r.RecordsPassed, &r.Error); err != nil {
		return nil, err
	}
	r.Status = model.SyncStatus(status)
	return &r, nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
