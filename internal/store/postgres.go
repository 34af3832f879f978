package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/microfetch/microfetch-pipeline/internal/db"
	"github.com/microfetch/microfetch-pipeline/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS taxa (
	id                    BIGINT PRIMARY KEY,
	last_synced_at        TIMESTAMPTZ,
	time_added            TIMESTAMPTZ NOT NULL DEFAULT now(),
	post_assembly_filters JSONB
);

CREATE TABLE IF NOT EXISTS records (
	id                         TEXT PRIMARY KEY,
	taxon_id                   BIGINT NOT NULL REFERENCES taxa(id),
	sample_accession           TEXT NOT NULL DEFAULT '',
	secondary_sample_accession TEXT NOT NULL DEFAULT '',
	experiment_accession       TEXT NOT NULL DEFAULT '',
	run_accession              TEXT NOT NULL DEFAULT '',
	scientific_name            TEXT NOT NULL DEFAULT '',
	instrument_platform        TEXT NOT NULL DEFAULT '',
	instrument_model           TEXT NOT NULL DEFAULT '',
	library_strategy           TEXT NOT NULL DEFAULT '',
	library_source             TEXT NOT NULL DEFAULT '',
	library_layout             TEXT NOT NULL DEFAULT '',
	library_selection          TEXT NOT NULL DEFAULT '',
	read_count                 BIGINT,
	base_count                 BIGINT,
	fastq_ftp                  TEXT NOT NULL DEFAULT '',
	fastq_bytes                TEXT NOT NULL DEFAULT '',
	country                    TEXT NOT NULL DEFAULT '',
	lat                        DOUBLE PRECISION,
	lon                        DOUBLE PRECISION,
	lat_lon_interpolated       BOOLEAN NOT NULL DEFAULT false,
	collection_date            TEXT NOT NULL DEFAULT '',
	first_public               TEXT NOT NULL DEFAULT '',
	passed_filter              BOOLEAN,
	filter_failed              TEXT NOT NULL DEFAULT '',
	time_fetched               TIMESTAMPTZ NOT NULL DEFAULT now(),
	waiting_since              TIMESTAMPTZ,
	assembly_result            TEXT CHECK (assembly_result IN
		('skipped', 'waiting', 'under_consideration', 'in_progress', 'success', 'fail')),
	assembled_genome_url       TEXT NOT NULL DEFAULT '',
	assembly_report_url        TEXT NOT NULL DEFAULT '',
	assembly_error             TEXT NOT NULL DEFAULT '',
	assembly_report            JSONB,
	passed_screening           BOOLEAN,
	screening_message          TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_records_taxon_id ON records(taxon_id);
CREATE INDEX IF NOT EXISTS idx_records_assembly_waiting ON records(assembly_result, waiting_since);
CREATE INDEX IF NOT EXISTS idx_records_pending_filter ON records(time_fetched) WHERE passed_filter IS NULL;

CREATE TABLE IF NOT EXISTS country_coordinates (
	country    TEXT PRIMARY KEY,
	lat        DOUBLE PRECISION NOT NULL,
	lon        DOUBLE PRECISION NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sync_runs (
	id              TEXT PRIMARY KEY,
	taxon_id        BIGINT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'running',
	started_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at    TIMESTAMPTZ,
	records_fetched INTEGER NOT NULL DEFAULT 0,
	records_new     INTEGER NOT NULL DEFAULT 0,
	records_passed  INTEGER NOT NULL DEFAULT 0,
	error           TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sync_runs_started_at ON sync_runs(started_at DESC);
`

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const taxonColumns = "id, last_synced_at, time_added, post_assembly_filters"

func scanTaxon(row scannable) (*model.Taxon, error) {
	var t model.Taxon
	var filters []byte
	if err := row.Scan(&t.ID, &t.LastSyncedAt, &t.TimeAdded, &filters); err != nil {
		return nil, err
	}
	if len(filters) > 0 {
		t.PostAssemblyFilters = json.RawMessage(filters)
	}
	return &t, nil
}

func rawJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// UpsertTaxon registers a taxon or replaces its post-assembly filters.
// last_synced_at is never touched here.
func (s *PostgresStore) UpsertTaxon(ctx context.Context, taxon model.Taxon) (*model.Taxon, error) {
	added := taxon.TimeAdded
	if added.IsZero() {
		added = time.Now().UTC()
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO taxa (id, time_added, post_assembly_filters) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET post_assembly_filters = EXCLUDED.post_assembly_filters
		RETURNING `+taxonColumns,
		taxon.ID, added, rawJSON(taxon.PostAssemblyFilters),
	)
	t, err := scanTaxon(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: upsert taxon %d", taxon.ID)
	}
	return t, nil
}

// GetTaxon returns the taxon or nil if it is not registered.
func (s *PostgresStore) GetTaxon(ctx context.Context, id int64) (*model.Taxon, error) {
	t, err := scanTaxon(s.pool.QueryRow(ctx, `SELECT `+taxonColumns+` FROM taxa WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get taxon %d", id)
	}
	return t, nil
}

// ListTaxa returns every registered taxon.
func (s *PostgresStore) ListTaxa(ctx context.Context) ([]model.Taxon, error) {
	return s.queryTaxa(ctx, `SELECT `+taxonColumns+` FROM taxa ORDER BY id`)
}

// DueTaxa returns taxa never synced or last synced before cutoff.
func (s *PostgresStore) DueTaxa(ctx context.Context, cutoff time.Time) ([]model.Taxon, error) {
	return s.queryTaxa(ctx,
		`SELECT `+taxonColumns+` FROM taxa
		WHERE last_synced_at IS NULL OR last_synced_at < $1
		ORDER BY last_synced_at NULLS FIRST, id`,
		cutoff,
	)
}

func (s *PostgresStore) queryTaxa(ctx context.Context, query string, args ...any) ([]model.Taxon, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query taxa")
	}
	defer rows.Close()

	var taxa []model.Taxon
	for rows.Next() {
		t, err := scanTaxon(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan taxon")
		}
		taxa = append(taxa, *t)
	}
	return taxa, eris.Wrap(rows.Err(), "postgres: iterate taxa")
}

// MarkTaxonSynced records a completed sync checkpoint.
func (s *PostgresStore) MarkTaxonSynced(ctx context.Context, id int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE taxa SET last_synced_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark taxon %d synced", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: taxon not found: %d", id)
	}
	return nil
}

// RecordIDs returns the set of record ids stored for a taxon.
func (s *PostgresStore) RecordIDs(ctx context.Context, taxonID int64) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM records WHERE taxon_id = $1`, taxonID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: record ids for taxon %d", taxonID)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan record id")
		}
		ids[id] = struct{}{}
	}
	return ids, eris.Wrap(rows.Err(), "postgres: iterate record ids")
}

// ExistingIDs returns the subset of ids already stored under any taxon.
func (s *PostgresStore) ExistingIDs(ctx context.Context, ids []string) (map[string]struct{}, error) {
	found := make(map[string]struct{})
	if len(ids) == 0 {
		return found, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT id FROM records WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: existing record ids")
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan record id")
		}
		found[id] = struct{}{}
	}
	return found, eris.Wrap(rows.Err(), "postgres: iterate record ids")
}

// UpsertNew inserts records whose id is not yet stored. Existing rows are
// left untouched. It returns the number of rows inserted.
func (s *PostgresStore) UpsertNew(ctx context.Context, records []model.Record) (int64, error) {
	rows := make([][]any, len(records))
	for i := range records {
		rows[i] = insertValues(&records[i])
	}
	n, err := db.InsertNew(ctx, s.pool, db.InsertSpec{
		Table:   "records",
		Columns: insertColumns,
		Key:     []string{"id"},
	}, rows)
	return n, eris.Wrap(err, "postgres: insert records")
}

// MarkFiltered stores a filter outcome once. Passing records enter
// waiting with waiting_since = now; failing records become skipped.
func (s *PostgresStore) MarkFiltered(ctx context.Context, id string, passed bool, reason string, now time.Time) (bool, error) {
	state, since := filteredState(passed, now)
	tag, err := s.pool.Exec(ctx,
		`UPDATE records SET passed_filter = $2, filter_failed = $3, assembly_result = $4, waiting_since = $5
		WHERE id = $1 AND passed_filter IS NULL`,
		id, passed, reason, string(state), since,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: mark filtered %s", id)
	}
	return tag.RowsAffected() == 1, nil
}

// PendingFilter returns records that have not been through the filter chain.
func (s *PostgresStore) PendingFilter(ctx context.Context, limit int) ([]model.Record, error) {
	return s.queryRecords(ctx,
		`SELECT `+strings.Join(recordColumns, ", ")+` FROM records
		WHERE passed_filter IS NULL ORDER BY time_fetched, id LIMIT $1`,
		clampLimit(limit),
	)
}

// GetRecord returns the record or nil if it does not exist.
func (s *PostgresStore) GetRecord(ctx context.Context, id string) (*model.Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+strings.Join(recordColumns, ", ")+` FROM records WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get record %s", id)
	}
	return rec, nil
}

// SelectRecords lists records matching filter.
func (s *PostgresStore) SelectRecords(ctx context.Context, filter RecordFilter) ([]model.Record, error) {
	where, args := recordWhere(filter, func(n int) string { return fmt.Sprintf("$%d", n) })
	args = append(args, clampLimit(filter.Limit), filter.Offset)
	query := fmt.Sprintf(`SELECT %s FROM records%s ORDER BY time_fetched, id LIMIT $%d OFFSET $%d`,
		strings.Join(recordColumns, ", "), where, len(args)-1, len(args))
	return s.queryRecords(ctx, query, args...)
}

func (s *PostgresStore) queryRecords(ctx context.Context, query string, args ...any) ([]model.Record, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query records")
	}
	defer rows.Close()

	var records []model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		records = append(records, *rec)
	}
	return records, eris.Wrap(rows.Err(), "postgres: iterate records")
}

// CountByAssembly returns record counts per assembly state. Records not yet
// filtered are counted under the empty state.
func (s *PostgresStore) CountByAssembly(ctx context.Context) (map[model.AssemblyResult]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT COALESCE(assembly_result, ''), count(*) FROM records GROUP BY 1`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count records")
	}
	defer rows.Close()

	counts := make(map[model.AssemblyResult]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan count")
		}
		counts[model.AssemblyResult(state)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: iterate counts")
}

// ClaimOldestWaiting moves the oldest waiting record to
// under_consideration and returns it, or nil if none is eligible.
// SKIP LOCKED lets concurrent claimers pass over a row another claimer holds.
func (s *PostgresStore) ClaimOldestWaiting(ctx context.Context, now time.Time) (*model.Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		`UPDATE records SET assembly_result = 'under_consideration', waiting_since = $1
		WHERE assembly_result = 'waiting' AND id = (
			SELECT id FROM records
			WHERE assembly_result = 'waiting' AND passed_filter = true
			ORDER BY waiting_since, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+strings.Join(recordColumns, ", "),
		now,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: claim waiting record")
	}
	return rec, nil
}

// Transition moves a record from one state to another and refreshes
// waiting_since, only if it is currently in from.
func (s *PostgresStore) Transition(ctx context.Context, id string, from, to model.AssemblyResult, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE records SET assembly_result = $3, waiting_since = $4 WHERE id = $1 AND assembly_result = $2`,
		id, string(from), string(to), now,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: transition %s %s->%s", id, from, to)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteAssembly stores a terminal result and artifacts for an
// in_progress record.
func (s *PostgresStore) CompleteAssembly(ctx context.Context, id string, result model.AssemblyResult, artifacts model.Artifacts) (bool, error) {
	report, err := marshalReport(artifacts.Report)
	if err != nil {
		return false, eris.Wrap(err, "postgres: complete assembly")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE records SET assembly_result = $2, assembled_genome_url = $3, assembly_report_url = $4,
			assembly_error = $5, assembly_report = $6
		WHERE id = $1 AND assembly_result = 'in_progress'`,
		id, string(result), artifacts.AssembledGenomeURL, artifacts.AssemblyReportURL,
		artifacts.AssemblyError, report,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: complete assembly %s", id)
	}
	return tag.RowsAffected() == 1, nil
}

// SetScreening stores a post-assembly screening verdict for a successfully
// assembled record.
func (s *PostgresStore) SetScreening(ctx context.Context, id string, passed bool, message string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE records SET passed_screening = $2, screening_message = $3
		WHERE id = $1 AND assembly_result = 'success'`,
		id, passed, message,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: set screening %s", id)
	}
	return tag.RowsAffected() == 1, nil
}

// ReclaimStale reverts records held in state since before cutoff to waiting.
func (s *PostgresStore) ReclaimStale(ctx context.Context, state model.AssemblyResult, cutoff, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE records SET assembly_result = 'waiting', waiting_since = $3
		WHERE assembly_result = $1 AND waiting_since < $2`,
		string(state), cutoff, now,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: reclaim %s", state)
	}
	return tag.RowsAffected(), nil
}

// GetCountryCoordinate returns the cached coordinate or nil on a miss.
func (s *PostgresStore) GetCountryCoordinate(ctx context.Context, country string) (*model.CountryCoordinate, error) {
	var c model.CountryCoordinate
	err := s.pool.QueryRow(ctx,
		`SELECT country, lat, lon FROM country_coordinates WHERE country = $1`, country,
	).Scan(&c.Country, &c.Lat, &c.Lon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get country coordinate %q", country)
	}
	return &c, nil
}

// PutCountryCoordinate creates or overwrites a cache entry.
func (s *PostgresStore) PutCountryCoordinate(ctx context.Context, c model.CountryCoordinate) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO country_coordinates (country, lat, lon, updated_at) VALUES ($1, $2, $3, now())
		ON CONFLICT (country) DO UPDATE SET lat = EXCLUDED.lat, lon = EXCLUDED.lon, updated_at = now()`,
		c.Country, c.Lat, c.Lon,
	)
	return eris.Wrapf(err, "postgres: put country coordinate %q", c.Country)
}

// StartSync opens a sync log entry and returns its id.
func (s *PostgresStore) StartSync(ctx context.Context, taxonID int64, at time.Time) (string, error) {
	id := uuid.New().String()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_runs (id, taxon_id, status, started_at) VALUES ($1, $2, $3, $4)`,
		id, taxonID, string(model.SyncRunning), at,
	)
	if err != nil {
		return "", eris.Wrapf(err, "postgres: start sync for taxon %d", taxonID)
	}
	return id, nil
}

// CompleteSync closes a sync log entry with its counts.
func (s *PostgresStore) CompleteSync(ctx context.Context, runID string, counts model.SyncCounts, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sync_runs SET status = $2, completed_at = $3, records_fetched = $4, records_new = $5, records_passed = $6
		WHERE id = $1`,
		runID, string(model.SyncComplete), at, counts.Fetched, counts.New, counts.Passed,
	)
	return eris.Wrapf(err, "postgres: complete sync %s", runID)
}

// FailSync closes a sync log entry with an error message.
func (s *PostgresStore) FailSync(ctx context.Context, runID string, syncErr error, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sync_runs SET status = $2, completed_at = $3, error = $4 WHERE id = $1`,
		runID, string(model.SyncFailed), at, errorText(syncErr),
	)
	return eris.Wrapf(err, "postgres: fail sync %s", runID)
}

// ListSyncs returns the most recent sync log entries.
func (s *PostgresStore) ListSyncs(ctx context.Context, limit int) ([]model.SyncRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+syncRunColumns+` FROM sync_runs ORDER BY started_at DESC, id LIMIT $1`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list syncs")
	}
	defer rows.Close()

	var runs []model.SyncRun
	for rows.Next() {
		run, err := scanSyncRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan sync run")
		}
		runs = append(runs, *run)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: iterate sync runs")
}
