package taxonsync

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microfetch/microfetch-pipeline/internal/archive"
	"github.com/microfetch/microfetch-pipeline/internal/config"
	"github.com/microfetch/microfetch-pipeline/internal/filter"
	"github.com/microfetch/microfetch-pipeline/internal/model"
	"github.com/microfetch/microfetch-pipeline/internal/store"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeArchive struct {
	mu       sync.Mutex
	rows     map[int64][]archive.Row
	errs     map[int64]error
	links    map[int64][]string
	byAcc    map[string]archive.Row
	failAcc  map[string]bool
	partial  map[int64][]int
	queries  []archive.Query
	requests [][]string
}

func newFakeArchive() *fakeArchive {
	return &fakeArchive{
		rows:    make(map[int64][]archive.Row),
		errs:    make(map[int64]error),
		links:   make(map[int64][]string),
		byAcc:   make(map[string]archive.Row),
		failAcc: make(map[string]bool),
		partial: make(map[int64][]int),
	}
}

func (f *fakeArchive) ResultType() string { return "read_run" }

func (f *fakeArchive) Paginate(_ context.Context, q archive.Query, fn func([]archive.Row) error) (int, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	rows, err, skipped := f.rows[q.TaxonID], f.errs[q.TaxonID], f.partial[q.TaxonID]
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if len(rows) > 0 {
		if err := fn(rows); err != nil {
			return 0, err
		}
	}
	if len(skipped) > 0 {
		return len(rows), &archive.PartialError{Offsets: skipped}
	}
	return len(rows), nil
}

func (f *fakeArchive) LinkedAccessions(_ context.Context, taxonID int64, _ string) ([]string, error) {
	if err := f.errs[taxonID]; err != nil {
		return nil, err
	}
	return f.links[taxonID], nil
}

func (f *fakeArchive) FetchByAccessions(_ context.Context, accs []string, accType string) ([]archive.Row, []archive.ChunkFailure, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, accs)
	var rows []archive.Row
	var failures []archive.ChunkFailure
	for i, acc := range accs {
		if f.failAcc[acc] {
			failures = append(failures, archive.ChunkFailure{Offset: i, Accessions: []string{acc}, Err: errors.New("chunk failed")})
			continue
		}
		if r, ok := f.byAcc[acc]; ok {
			rows = append(rows, r)
		}
	}
	return rows, failures, nil
}

type fakeGeocoder struct {
	coords map[string]*model.Coordinate
	asked  []string
}

func (g *fakeGeocoder) ResolveAll(_ context.Context, countries []string) (map[string]*model.Coordinate, error) {
	g.asked = append(g.asked, countries...)
	out := make(map[string]*model.Coordinate)
	for _, c := range countries {
		out[c] = g.coords[c]
	}
	return out, nil
}

func row(n, strategy string) archive.Row {
	return archive.Row{
		"sample_accession":     "SAMEA" + n,
		"experiment_accession": "ERX" + n,
		"run_accession":        "ERR" + n,
		"library_strategy":     strategy,
		"instrument_platform":  "ILLUMINA",
		"library_source":       "GENOMIC",
		"library_layout":       "PAIRED",
		"base_count":           "200000000",
		"collection_date":      "2023-01-10",
		"first_public":         "2023-02-01",
	}
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "sync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func testChain(t *testing.T) *filter.Chain {
	t.Helper()
	chain, err := filter.Default(config.FiltersConfig{
		LibraryStrategy: "WGS",
		Platform:        "ILLUMINA",
		LibrarySource:   "GENOMIC",
		LibraryLayout:   "PAIRED",
		GenomeSize:      5_000_000,
		MinDepth:        20,
	})
	require.NoError(t, err)
	return chain
}

func newTestEngine(t *testing.T, st store.Store, arc Archive, geo Geocoder, opts Options) (*Engine, *time.Time) {
	t.Helper()
	now := t0
	e := NewEngine(st, arc, geo, testChain(t), opts)
	e.now = func() time.Time { return now }
	return e, &now
}

func register(t *testing.T, st store.Store, ids ...int64) {
	t.Helper()
	for _, id := range ids {
		_, err := st.UpsertTaxon(context.Background(), model.Taxon{ID: id, TimeAdded: t0.Add(-time.Hour)})
		require.NoError(t, err)
	}
}

func TestRunDue_NewTaxon(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	register(t, st, 755)

	arc := newFakeArchive()
	arc.rows[755] = []archive.Row{row("1", "WGS"), row("2", "AMPLICON"), row("1", "WGS")}
	e, _ := newTestEngine(t, st, arc, nil, Options{Pushdown: true})

	sum, err := e.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Due: 1, Synced: 1, Fetched: 3, New: 2, Passed: 1}, sum)

	require.Len(t, arc.queries, 1)
	assert.True(t, DefaultEpoch.Equal(arc.queries[0].Since))
	assert.Len(t, arc.queries[0].Predicates, 4)

	good, err := st.GetRecord(ctx, "SAMEA1_ERX1_ERR1")
	require.NoError(t, err)
	require.NotNil(t, good)
	assert.Equal(t, model.AssemblyWaiting, good.AssemblyResult)
	require.NotNil(t, good.WaitingSince)
	assert.True(t, t0.Equal(*good.WaitingSince))
	assert.True(t, *good.PassedFilter)

	amp, err := st.GetRecord(ctx, "SAMEA2_ERX2_ERR2")
	require.NoError(t, err)
	require.NotNil(t, amp)
	assert.Equal(t, model.AssemblySkipped, amp.AssemblyResult)
	assert.False(t, *amp.PassedFilter)
	assert.Equal(t, "library_strategy=WGS", amp.FilterFailed)
	assert.Nil(t, amp.WaitingSince)

	taxon, err := st.GetTaxon(ctx, 755)
	require.NoError(t, err)
	require.NotNil(t, taxon.LastSyncedAt)
	assert.True(t, t0.Equal(*taxon.LastSyncedAt))

	runs, err := st.ListSyncs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.SyncComplete, runs[0].Status)
	assert.Equal(t, 2, runs[0].RecordsNew)
	assert.Equal(t, 1, runs[0].RecordsPassed)
}

func TestRunDue_IdempotentRediscovery(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	register(t, st, 755)

	arc := newFakeArchive()
	arc.rows[755] = []archive.Row{row("1", "WGS"), row("2", "WGS")}
	e, now := newTestEngine(t, st, arc, nil, Options{RefreshInterval: time.Hour})

	_, err := e.RunDue(ctx)
	require.NoError(t, err)

	// Not due again until the refresh interval passes.
	sum, err := e.RunDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Due)

	*now = t0.Add(2 * time.Hour)
	arc.rows[755] = append(arc.rows[755], row("3", "WGS"))
	sum, err = e.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Fetched)
	assert.Equal(t, 1, sum.New)

	// Incremental query starts at the last sync date.
	assert.Equal(t, "2024-03-01", arc.queries[1].Since.Format(time.DateOnly))

	first, err := st.GetRecord(ctx, "SAMEA1_ERX1_ERR1")
	require.NoError(t, err)
	assert.True(t, t0.Equal(*first.WaitingSince), "rediscovery must not touch existing records")

	counts, err := st.CountByAssembly(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts[model.AssemblyWaiting])
}

func TestRunDue_ArchiveFailureIsolatedPerTaxon(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	register(t, st, 561, 562)

	arc := newFakeArchive()
	arc.errs[561] = errors.New("archive unavailable")
	arc.rows[562] = []archive.Row{row("9", "WGS")}
	e, _ := newTestEngine(t, st, arc, nil, Options{})

	var observed []TaxonResult
	e.SetRecorder(recorderFunc(func(r TaxonResult) { observed = append(observed, r) }))

	sum, err := e.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 1, sum.Synced)
	require.Len(t, observed, 2)

	failed, err := st.GetTaxon(ctx, 561)
	require.NoError(t, err)
	assert.Nil(t, failed.LastSyncedAt)

	ok, err := st.GetTaxon(ctx, 562)
	require.NoError(t, err)
	assert.NotNil(t, ok.LastSyncedAt)

	runs, err := st.ListSyncs(ctx, 10)
	require.NoError(t, err)
	statuses := map[int64]model.SyncStatus{}
	for _, r := range runs {
		statuses[r.TaxonID] = r.Status
	}
	assert.Equal(t, model.SyncFailed, statuses[561])
	assert.Equal(t, model.SyncComplete, statuses[562])
}

type recorderFunc func(TaxonResult)

func (f recorderFunc) ObserveSync(r TaxonResult) { f(r) }

// failingStore fails UpsertNew.
type failingStore struct {
	store.Store
}

func (failingStore) UpsertNew(context.Context, []model.Record) (int64, error) {
	return 0, errors.New("database is locked")
}

func TestRunDue_StoreFailureAbortsCycle(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	register(t, st, 1, 2)

	arc := newFakeArchive()
	arc.rows[1] = []archive.Row{row("1", "WGS")}
	arc.rows[2] = []archive.Row{row("2", "WGS")}
	e, _ := newTestEngine(t, failingStore{st}, arc, nil, Options{})

	_, err := e.RunDue(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	assert.Len(t, arc.queries, 1, "cycle stops at the first store failure")

	taxon, err := st.GetTaxon(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, taxon.LastSyncedAt)
}

// noMarkStore rejects per-record filter updates.
type noMarkStore struct {
	store.Store
}

func (noMarkStore) MarkFiltered(context.Context, string, bool, string, time.Time) (bool, error) {
	return false, errors.New("disk I/O error")
}

func TestSyncTaxon_InsertsRecordsAlreadyFiltered(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	register(t, st, 755)

	arc := newFakeArchive()
	arc.rows[755] = []archive.Row{row("1", "WGS"), row("2", "AMPLICON")}
	e, _ := newTestEngine(t, noMarkStore{st}, arc, nil, Options{})

	sum, err := e.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Synced)
	assert.Equal(t, 2, sum.New)
	assert.Equal(t, 1, sum.Passed)

	counts, err := st.CountByAssembly(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[model.AssemblyWaiting])
	assert.Equal(t, int64(1), counts[model.AssemblySkipped])
	assert.Zero(t, counts[""])

	pending, err := st.PendingFilter(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	claimed, err := st.ClaimOldestWaiting(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "SAMEA1_ERX1_ERR1", claimed.ID)
}

func TestRunDue_RepairsUnfilteredRecords(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	register(t, st, 755)
	require.NoError(t, st.MarkTaxonSynced(ctx, 755, t0))

	// Rows stored without an outcome, as left by an interrupted write.
	recs := []model.Record{row("1", "WGS").Record(755, t0), row("2", "RNA-Seq").Record(755, t0)}
	_, err := st.UpsertNew(ctx, recs)
	require.NoError(t, err)

	arc := newFakeArchive()
	e, _ := newTestEngine(t, st, arc, nil, Options{RefreshInterval: time.Hour})

	sum, err := e.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Repaired)
	assert.Zero(t, sum.Due)
	assert.Empty(t, arc.queries)

	counts, err := st.CountByAssembly(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[model.AssemblyWaiting])
	assert.Equal(t, int64(1), counts[model.AssemblySkipped])

	claimed, err := st.ClaimOldestWaiting(ctx, t0.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, claimed)
}

func TestRunDue_RepairFailureAbortsCycle(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	register(t, st, 755)
	_, err := st.UpsertNew(ctx, []model.Record{row("1", "WGS").Record(755, t0)})
	require.NoError(t, err)

	arc := newFakeArchive()
	e, _ := newTestEngine(t, noMarkStore{st}, arc, nil, Options{})

	_, err = e.RunDue(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.Empty(t, arc.queries)
}

func TestSyncTaxon_PartialPagesKeepCheckpoint(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	register(t, st, 755)

	arc := newFakeArchive()
	arc.rows[755] = []archive.Row{row("1", "WGS")}
	arc.partial[755] = []int{2}
	e, now := newTestEngine(t, st, arc, nil, Options{RefreshInterval: time.Hour})

	res, err := e.SyncTaxon(ctx, model.Taxon{ID: 755})
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.True(t, res.Partial)
	assert.Equal(t, 1, res.New)

	taxon, err := st.GetTaxon(ctx, 755)
	require.NoError(t, err)
	assert.Nil(t, taxon.LastSyncedAt)

	// The next cycle queries from the same lower bound and picks up the rest.
	delete(arc.partial, 755)
	arc.rows[755] = append(arc.rows[755], row("3", "WGS"))
	*now = t0.Add(time.Minute)
	sum, err := e.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.New)
	require.Len(t, arc.queries, 2)
	assert.True(t, DefaultEpoch.Equal(arc.queries[1].Since))

	taxon, err = st.GetTaxon(ctx, 755)
	require.NoError(t, err)
	assert.NotNil(t, taxon.LastSyncedAt)
}

func TestRunDue_OverlappingTaxaCountRecordsOnce(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	register(t, st, 561, 562)

	arc := newFakeArchive()
	arc.rows[561] = []archive.Row{row("1", "WGS"), row("2", "WGS")}
	arc.rows[562] = []archive.Row{row("2", "WGS")}
	e, _ := newTestEngine(t, st, arc, nil, Options{})

	sum, err := e.RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Synced)
	assert.Equal(t, 3, sum.Fetched)
	assert.Equal(t, 2, sum.New)
	assert.Equal(t, 2, sum.Passed)

	runs, err := st.ListSyncs(ctx, 10)
	require.NoError(t, err)
	newTotal, passedTotal := 0, 0
	for _, r := range runs {
		newTotal += r.RecordsNew
		passedTotal += r.RecordsPassed
	}
	assert.Equal(t, 2, newTotal)
	assert.Equal(t, 2, passedTotal)
}

func TestSyncTaxon_GeocodesMissingCoordinates(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	register(t, st, 755)

	withCountry := row("1", "WGS")
	withCountry["country"] = "Kenya: Nairobi"
	withCoords := row("2", "WGS")
	withCoords["country"] = "Kenya"
	withCoords["lat"] = "-1.0"
	withCoords["lon"] = "36.0"
	unknown := row("3", "WGS")
	unknown["country"] = "Atlantis"

	arc := newFakeArchive()
	arc.rows[755] = []archive.Row{withCountry, withCoords, unknown}
	geo := &fakeGeocoder{coords: map[string]*model.Coordinate{"Kenya: Nairobi": {Lat: 0.17, Lon: 37.9}}}
	e, _ := newTestEngine(t, st, arc, geo, Options{})

	_, err := e.SyncTaxon(ctx, model.Taxon{ID: 755})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Kenya: Nairobi", "Atlantis"}, geo.asked)

	r1, err := st.GetRecord(ctx, "SAMEA1_ERX1_ERR1")
	require.NoError(t, err)
	require.True(t, r1.HasCoordinates())
	assert.InDelta(t, 0.17, *r1.Lat, 1e-9)
	assert.True(t, r1.LatLonInterpolated)

	r2, err := st.GetRecord(ctx, "SAMEA2_ERX2_ERR2")
	require.NoError(t, err)
	assert.InDelta(t, -1.0, *r2.Lat, 1e-9)
	assert.False(t, r2.LatLonInterpolated)

	r3, err := st.GetRecord(ctx, "SAMEA3_ERX3_ERR3")
	require.NoError(t, err)
	assert.False(t, r3.HasCoordinates())
	assert.False(t, r3.LatLonInterpolated)
}

func TestSyncTaxon_LinksDiscovery(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	register(t, st, 755)

	existing := row("1", "WGS").Record(755, t0)
	_, err := st.UpsertNew(ctx, []model.Record{existing})
	require.NoError(t, err)

	arc := newFakeArchive()
	arc.links[755] = []string{"ERR1", "ERR2", "ERR3", "ERR2"}
	arc.byAcc["ERR2"] = row("2", "WGS")
	arc.byAcc["ERR3"] = row("3", "WGS")
	arc.failAcc["ERR3"] = true
	e, _ := newTestEngine(t, st, arc, nil, Options{Discovery: DiscoveryLinks})

	res, err := e.SyncTaxon(ctx, model.Taxon{ID: 755})
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, [][]string{{"ERR2", "ERR3"}}, arc.requests)
	assert.Equal(t, 1, res.New)

	rec, err := st.GetRecord(ctx, "SAMEA2_ERX2_ERR2")
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestFilterPending(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	register(t, st, 755)

	recs := []model.Record{row("1", "WGS").Record(755, t0), row("2", "RNA-Seq").Record(755, t0)}
	_, err := st.UpsertNew(ctx, recs)
	require.NoError(t, err)

	e, _ := newTestEngine(t, st, newFakeArchive(), nil, Options{})
	n, err := e.FilterPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	counts, err := st.CountByAssembly(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[model.AssemblyWaiting])
	assert.Equal(t, int64(1), counts[model.AssemblySkipped])
	assert.Zero(t, counts[""])

	n, err = e.FilterPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOptionsFromConfig(t *testing.T) {
	opts, err := OptionsFromConfig(
		config.SyncConfig{RefreshInterval: time.Hour, Epoch: "2023-01-01"},
		config.ArchiveConfig{Discovery: "links", Pushdown: true},
	)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), opts.Epoch)
	assert.Equal(t, DiscoveryLinks, opts.Discovery)
	assert.True(t, opts.Pushdown)

	_, err = OptionsFromConfig(config.SyncConfig{Epoch: "June"}, config.ArchiveConfig{})
	assert.Error(t, err)
}
