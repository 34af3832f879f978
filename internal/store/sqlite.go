package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/microfetch/microfetch-pipeline/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. All statements
// share one connection, so conditional updates are serialized.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", withTimeFormat(dsn))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// withTimeFormat makes the driver write sortable UTC timestamps so that
// range comparisons on DATETIME columns order correctly.
func withTimeFormat(dsn string) string {
	if strings.Contains(dsn, "_time_format=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_time_format=sqlite"
}

func utc(t time.Time) time.Time { return t.UTC() }

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS taxa (
	id                    INTEGER PRIMARY KEY,
	last_synced_at        DATETIME,
	time_added            DATETIME NOT NULL,
	post_assembly_filters TEXT
);

CREATE TABLE IF NOT EXISTS records (
	id                         TEXT PRIMARY KEY,
	taxon_id                   INTEGER NOT NULL REFERENCES taxa(id),
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
	read_count                 INTEGER,
	base_count                 INTEGER,
	fastq_ftp                  TEXT NOT NULL DEFAULT '',
	fastq_bytes                TEXT NOT NULL DEFAULT '',
	country                    TEXT NOT NULL DEFAULT '',
	lat                        REAL,
	lon                        REAL,
	lat_lon_interpolated       INTEGER NOT NULL DEFAULT 0,
	collection_date            TEXT NOT NULL DEFAULT '',
	first_public               TEXT NOT NULL DEFAULT '',
	passed_filter              INTEGER,
	filter_failed              TEXT NOT NULL DEFAULT '',
	time_fetched               DATETIME NOT NULL,
	waiting_since              DATETIME,
	assembly_result            TEXT CHECK (assembly_result IN
		('skipped', 'waiting', 'under_consideration', 'in_progress', 'success', 'fail')),
	assembled_genome_url       TEXT NOT NULL DEFAULT '',
	assembly_report_url        TEXT NOT NULL DEFAULT '',
	assembly_error             TEXT NOT NULL DEFAULT '',
	assembly_report            TEXT,
	passed_screening           INTEGER,
	screening_message          TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_records_taxon_id ON records(taxon_id);
CREATE INDEX IF NOT EXISTS idx_records_assembly_waiting ON records(assembly_result, waiting_since);

CREATE TABLE IF NOT EXISTS country_coordinates (
	country    TEXT PRIMARY KEY,
	lat        REAL NOT NULL,
	lon        REAL NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_runs (
	id              TEXT PRIMARY KEY,
	taxon_id        INTEGER NOT NULL,
	status          TEXT NOT NULL DEFAULT 'running',
	started_at      DATETIME NOT NULL,
	completed_at    DATETIME,
	records_fetched INTEGER NOT NULL DEFAULT 0,
	records_new     INTEGER NOT NULL DEFAULT 0,
	records_passed  INTEGER NOT NULL DEFAULT 0,
	error           TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sync_runs_started_at ON sync_runs(started_at);
`

// Migrate creates the schema if it does not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func rawJSONText(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// UpsertTaxon registers a taxon or replaces its post-assembly filters.
func (s *SQLiteStore) UpsertTaxon(ctx context.Context, taxon model.Taxon) (*model.Taxon, error) {
	added := taxon.TimeAdded
	if added.IsZero() {
		added = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO taxa (id, time_added, post_assembly_filters) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET post_assembly_filters = excluded.post_assembly_filters`,
		taxon.ID, utc(added), rawJSONText(taxon.PostAssemblyFilters),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: upsert taxon %d", taxon.ID)
	}
	return s.GetTaxon(ctx, taxon.ID)
}

// GetTaxon returns the taxon or nil if it is not registered.
func (s *SQLiteStore) GetTaxon(ctx context.Context, id int64) (*model.Taxon, error) {
	t, err := scanTaxon(s.db.QueryRowContext(ctx, `SELECT `+taxonColumns+` FROM taxa WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get taxon %d", id)
	}
	return t, nil
}

// ListTaxa returns every registered taxon.
func (s *SQLiteStore) ListTaxa(ctx context.Context) ([]model.Taxon, error) {
	return s.queryTaxa(ctx, `SELECT `+taxonColumns+` FROM taxa ORDER BY id`)
}

// DueTaxa returns taxa never synced or last synced before cutoff.
func (s *SQLiteStore) DueTaxa(ctx context.Context, cutoff time.Time) ([]model.Taxon, error) {
	return s.queryTaxa(ctx,
		`SELECT `+taxonColumns+` FROM taxa
		WHERE last_synced_at IS NULL OR last_synced_at < ?
		ORDER BY last_synced_at NULLS FIRST, id`,
		utc(cutoff),
	)
}

func (s *SQLiteStore) queryTaxa(ctx context.Context, query string, args ...any) ([]model.Taxon, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query taxa")
	}
	defer rows.Close() //nolint:errcheck

	var taxa []model.Taxon
	for rows.Next() {
		t, err := scanTaxon(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan taxon")
		}
		taxa = append(taxa, *t)
	}
	return taxa, eris.Wrap(rows.Err(), "sqlite: iterate taxa")
}

// MarkTaxonSynced records a completed sync checkpoint.
func (s *SQLiteStore) MarkTaxonSynced(ctx context.Context, id int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE taxa SET last_synced_at = ? WHERE id = ?`, utc(at), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark taxon %d synced", id)
	}
	return checkRowsAffected(res, "taxon", fmt.Sprint(id))
}

// RecordIDs returns the set of record ids stored for a taxon.
func (s *SQLiteStore) RecordIDs(ctx context.Context, taxonID int64) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM records WHERE taxon_id = ?`, taxonID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: record ids for taxon %d", taxonID)
	}
	defer rows.Close() //nolint:errcheck

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record id")
		}
		ids[id] = struct{}{}
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: iterate record ids")
}

// existingChunk keeps IN lists under SQLite's variable limit.
const existingChunk = 500

// ExistingIDs returns the subset of ids already stored under any taxon.
func (s *SQLiteStore) ExistingIDs(ctx context.Context, ids []string) (map[string]struct{}, error) {
	found := make(map[string]struct{})
	for start := 0; start < len(ids); start += existingChunk {
		chunk := ids[start:min(start+existingChunk, len(ids))]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(chunk)), ", ")
		rows, err := s.db.QueryContext(ctx, `SELECT id FROM records WHERE id IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: existing record ids")
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close() //nolint:errcheck
				return nil, eris.Wrap(err, "sqlite: scan record id")
			}
			found[id] = struct{}{}
		}
		err = rows.Err()
		rows.Close() //nolint:errcheck
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: iterate record ids")
		}
	}
	return found, nil
}

// UpsertNew inserts records whose id is not yet stored and returns the
// number inserted.
func (s *SQLiteStore) UpsertNew(ctx context.Context, records []model.Record) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin insert records")
	}
	defer tx.Rollback() //nolint:errcheck

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(insertColumns)), ", ")
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO records (%s) VALUES (%s) ON CONFLICT (id) DO NOTHING`,
		strings.Join(insertColumns, ", "), placeholders))
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare insert records")
	}
	defer stmt.Close() //nolint:errcheck

	var inserted int64
	for i := range records {
		r := records[i]
		r.TimeFetched = utc(r.TimeFetched)
		if r.WaitingSince != nil {
			since := utc(*r.WaitingSince)
			r.WaitingSince = &since
		}
		res, err := stmt.ExecContext(ctx, insertValues(&r)...)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert record %s", r.ID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: rows affected")
		}
		inserted += n
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit insert records")
	}
	return inserted, nil
}

// MarkFiltered stores a filter outcome once.
func (s *SQLiteStore) MarkFiltered(ctx context.Context, id string, passed bool, reason string, now time.Time) (bool, error) {
	state, since := filteredState(passed, utc(now))
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET passed_filter = ?, filter_failed = ?, assembly_result = ?, waiting_since = ?
		WHERE id = ? AND passed_filter IS NULL`,
		passed, reason, string(state), since, id,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: mark filtered %s", id)
	}
	return updatedOne(res)
}

// PendingFilter returns records that have not been through the filter chain.
func (s *SQLiteStore) PendingFilter(ctx context.Context, limit int) ([]model.Record, error) {
	return s.queryRecords(ctx,
		`SELECT `+strings.Join(recordColumns, ", ")+` FROM records
		WHERE passed_filter IS NULL ORDER BY time_fetched, id LIMIT ?`,
		clampLimit(limit),
	)
}

// GetRecord returns the record or nil if it does not exist.
func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*model.Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+strings.Join(recordColumns, ", ")+` FROM records WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get record %s", id)
	}
	return rec, nil
}

// SelectRecords lists records matching filter.
func (s *SQLiteStore) SelectRecords(ctx context.Context, filter RecordFilter) ([]model.Record, error) {
	where, args := recordWhere(filter, func(int) string { return "?" })
	args = append(args, clampLimit(filter.Limit), filter.Offset)
	query := fmt.Sprintf(`SELECT %s FROM records%s ORDER BY time_fetched, id LIMIT ? OFFSET ?`,
		strings.Join(recordColumns, ", "), where)
	return s.queryRecords(ctx, query, args...)
}

func (s *SQLiteStore) queryRecords(ctx context.Context, query string, args ...any) ([]model.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query records")
	}
	defer rows.Close() //nolint:errcheck

	var records []model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		records = append(records, *rec)
	}
	return records, eris.Wrap(rows.Err(), "sqlite: iterate records")
}

// CountByAssembly returns record counts per assembly state.
func (s *SQLiteStore) CountByAssembly(ctx context.Context) (map[model.AssemblyResult]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT COALESCE(assembly_result, ''), count(*) FROM records GROUP BY 1`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count records")
	}
	defer rows.Close() //nolint:errcheck

	counts := make(map[model.AssemblyResult]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan count")
		}
		counts[model.AssemblyResult(state)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: iterate counts")
}

// ClaimOldestWaiting moves the oldest waiting record to
// under_consideration and returns it, or nil if none is eligible.
func (s *SQLiteStore) ClaimOldestWaiting(ctx context.Context, now time.Time) (*model.Record, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`UPDATE records SET assembly_result = 'under_consideration', waiting_since = ?
		WHERE assembly_result = 'waiting' AND id = (
			SELECT id FROM records
			WHERE assembly_result = 'waiting' AND passed_filter = 1
			ORDER BY waiting_since, id
			LIMIT 1
		)
		RETURNING id`,
		utc(now),
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: claim waiting record")
	}
	return s.GetRecord(ctx, id)
}

// Transition moves a record from one state to another only if it is
// currently in from.
func (s *SQLiteStore) Transition(ctx context.Context, id string, from, to model.AssemblyResult, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET assembly_result = ?, waiting_since = ? WHERE id = ? AND assembly_result = ?`,
		string(to), utc(now), id, string(from),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: transition %s %s->%s", id, from, to)
	}
	return updatedOne(res)
}

// CompleteAssembly stores a terminal result and artifacts for an
// in_progress record.
func (s *SQLiteStore) CompleteAssembly(ctx context.Context, id string, result model.AssemblyResult, artifacts model.Artifacts) (bool, error) {
	report, err := marshalReport(artifacts.Report)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: complete assembly")
	}
	var reportText any
	if report != nil {
		reportText = string(report)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET assembly_result = ?, assembled_genome_url = ?, assembly_report_url = ?,
			assembly_error = ?, assembly_report = ?
		WHERE id = ? AND assembly_result = 'in_progress'`,
		string(result), artifacts.AssembledGenomeURL, artifacts.AssemblyReportURL,
		artifacts.AssemblyError, reportText, id,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: complete assembly %s", id)
	}
	return updatedOne(res)
}

// SetScreening stores a screening verdict for a successfully assembled record.
func (s *SQLiteStore) SetScreening(ctx context.Context, id string, passed bool, message string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET passed_screening = ?, screening_message = ?
		WHERE id = ? AND assembly_result = 'success'`,
		passed, message, id,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: set screening %s", id)
	}
	return updatedOne(res)
}

// ReclaimStale reverts records held in state since before cutoff to waiting.
func (s *SQLiteStore) ReclaimStale(ctx context.Context, state model.AssemblyResult, cutoff, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET assembly_result = 'waiting', waiting_since = ?
		WHERE assembly_result = ? AND waiting_since < ?`,
		utc(now), string(state), utc(cutoff),
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: reclaim %s", state)
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

// GetCountryCoordinate returns the cached coordinate or nil on a miss.
func (s *SQLiteStore) GetCountryCoordinate(ctx context.Context, country string) (*model.CountryCoordinate, error) {
	var c model.CountryCoordinate
	err := s.db.QueryRowContext(ctx,
		`SELECT country, lat, lon FROM country_coordinates WHERE country = ?`, country,
	).Scan(&c.Country, &c.Lat, &c.Lon)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get country coordinate %q", country)
	}
	return &c, nil
}

// PutCountryCoordinate creates or overwrites a cache entry.
func (s *SQLiteStore) PutCountryCoordinate(ctx context.Context, c model.CountryCoordinate) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO country_coordinates (country, lat, lon, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (country) DO UPDATE SET lat = excluded.lat, lon = excluded.lon, updated_at = excluded.updated_at`,
		c.Country, c.Lat, c.Lon, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: put country coordinate %q", c.Country)
}

// StartSync opens a sync log entry and returns its id.
func (s *SQLiteStore) StartSync(ctx context.Context, taxonID int64, at time.Time) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_runs (id, taxon_id, status, started_at) VALUES (?, ?, ?, ?)`,
		id, taxonID, string(model.SyncRunning), utc(at),
	)
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: start sync for taxon %d", taxonID)
	}
	return id, nil
}

// CompleteSync closes a sync log entry with its counts.
func (s *SQLiteStore) CompleteSync(ctx context.Context, runID string, counts model.SyncCounts, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_runs SET status = ?, completed_at = ?, records_fetched = ?, records_new = ?, records_passed = ?
		WHERE id = ?`,
		string(model.SyncComplete), utc(at), counts.Fetched, counts.New, counts.Passed, runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete sync %s", runID)
	}
	return checkRowsAffected(res, "sync run", runID)
}

// FailSync closes a sync log entry with an error message.
func (s *SQLiteStore) FailSync(ctx context.Context, runID string, syncErr error, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sync_runs SET status = ?, completed_at = ?, error = ? WHERE id = ?`,
		string(model.SyncFailed), utc(at), errorText(syncErr), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail sync %s", runID)
	}
	return checkRowsAffected(res, "sync run", runID)
}

// ListSyncs returns the most recent sync log entries.
func (s *SQLiteStore) ListSyncs(ctx context.Context, limit int) ([]model.SyncRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+syncRunColumns+` FROM sync_runs ORDER BY started_at DESC, id LIMIT ?`,
		clampLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list syncs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.SyncRun
	for rows.Next() {
		run, err := scanSyncRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan sync run")
		}
		runs = append(runs, *run)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: iterate sync runs")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

func updatedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "rows affected")
	}
	return n == 1, nil
}
