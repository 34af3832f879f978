// Package taxonsync discovers new archive records for registered taxa,
// geocodes and filters them, and persists them as leasable work.
package taxonsync

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/microfetch/microfetch-pipeline/internal/archive"
	"github.com/microfetch/microfetch-pipeline/internal/config"
	"github.com/microfetch/microfetch-pipeline/internal/filter"
	"github.com/microfetch/microfetch-pipeline/internal/model"
	"github.com/microfetch/microfetch-pipeline/internal/store"
)

// Discovery modes.
const (
	DiscoverySearch = "search"
	DiscoveryLinks  = "links"
)

// DefaultEpoch is the first_public lower bound for taxa never synced.
var DefaultEpoch = time.Date(2022, 6, 18, 0, 0, 0, 0, time.UTC)

// Archive is the subset of the archive client the engine uses.
type Archive interface {
	ResultType() string
	Paginate(ctx context.Context, q archive.Query, fn func([]archive.Row) error) (int, error)
	LinkedAccessions(ctx context.Context, taxonID int64, resultType string) ([]string, error)
	FetchByAccessions(ctx context.Context, accessions []string, accessionType string) ([]archive.Row, []archive.ChunkFailure, error)
}

// Geocoder resolves country values to coordinates.
type Geocoder interface {
	ResolveAll(ctx context.Context, countries []string) (map[string]*model.Coordinate, error)
}

// Chain is the record filter chain.
type Chain interface {
	Apply(records []*model.Record) ([]filter.Outcome, error)
	Pushdown() []archive.Predicate
}

// Recorder observes per-taxon results.
type Recorder interface {
	ObserveSync(result TaxonResult)
}

// Options tunes an Engine.
type Options struct {
	RefreshInterval time.Duration
	Epoch           time.Time
	Discovery       string
	Pushdown        bool
}

// OptionsFromConfig builds engine options from configuration.
func OptionsFromConfig(sync config.SyncConfig, arc config.ArchiveConfig) (Options, error) {
	opts := Options{
		RefreshInterval: sync.RefreshInterval,
		Epoch:           DefaultEpoch,
		Discovery:       arc.Discovery,
		Pushdown:        arc.Pushdown,
	}
	if sync.Epoch != "" {
		epoch, err := time.Parse(time.DateOnly, sync.Epoch)
		if err != nil {
			return opts, eris.Wrapf(err, "taxonsync: parse epoch %q", sync.Epoch)
		}
		opts.Epoch = epoch
	}
	return opts, nil
}

// TaxonResult summarises one taxon sync attempt. Err is set when the
// archive could not be read; the taxon checkpoint is then left unchanged.
// Partial is set when some result pages were unreadable: the records that
// did arrive are stored but the checkpoint is not advanced.
type TaxonResult struct {
	TaxonID int64
	RunID   string
	Fetched int
	New     int
	Passed  int
	Partial bool
	Err     error
}

// Summary aggregates a RunDue cycle.
type Summary struct {
	Repaired int `json:"repaired"`
	Due      int `json:"due"`
	Synced   int `json:"synced"`
	Failed   int `json:"failed"`
	Fetched  int `json:"fetched"`
	New      int `json:"new"`
	Passed   int `json:"passed"`
}

// Engine runs taxon syncs.
type Engine struct {
	store    store.Store
	archive  Archive
	geocoder Geocoder
	chain    Chain
	opts     Options
	recorder Recorder
	now      func() time.Time
	log      *zap.Logger
}

// NewEngine creates an Engine.
func NewEngine(st store.Store, arc Archive, geo Geocoder, chain Chain, opts Options) *Engine {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 7 * 24 * time.Hour
	}
	if opts.Epoch.IsZero() {
		opts.Epoch = DefaultEpoch
	}
	if opts.Discovery == "" {
		opts.Discovery = DiscoverySearch
	}
	return &Engine{
		store:    st,
		archive:  arc,
		geocoder: geo,
		chain:    chain,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
		log:      zap.L().With(zap.String("component", "taxonsync")),
	}
}

// SetRecorder registers an observer for taxon results.
func (e *Engine) SetRecorder(r Recorder) {
	e.recorder = r
}

// RunDue syncs every taxon never synced or last synced more than the
// refresh interval ago. Records stored without a filter outcome are
// filtered first. An archive failure is confined to its taxon; a store
// failure ends the cycle with an error.
func (e *Engine) RunDue(ctx context.Context) (Summary, error) {
	var sum Summary
	repaired, err := e.FilterPending(ctx)
	sum.Repaired = repaired
	if err != nil {
		return sum, err
	}

	due, err := e.store.DueTaxa(ctx, e.now().Add(-e.opts.RefreshInterval))
	if err != nil {
		return sum, eris.Wrap(err, "taxonsync: list due taxa")
	}
	sum.Due = len(due)
	if len(due) == 0 {
		e.log.Debug("no taxa due")
		return sum, nil
	}
	e.log.Info("syncing due taxa", zap.Int("count", len(due)))

	for _, taxon := range due {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		res, err := e.SyncTaxon(ctx, taxon)
		if err != nil {
			return sum, err
		}
		sum.Fetched += res.Fetched
		sum.New += res.New
		sum.Passed += res.Passed
		if res.Err != nil {
			sum.Failed++
		} else {
			sum.Synced++
		}
	}
	return sum, nil
}

// SyncTaxon discovers, filters and stores new records for one taxon.
func (e *Engine) SyncTaxon(ctx context.Context, taxon model.Taxon) (TaxonResult, error) {
	log := e.log.With(zap.Int64("taxon_id", taxon.ID))
	res := TaxonResult{TaxonID: taxon.ID}
	start := e.now()

	runID, err := e.store.StartSync(ctx, taxon.ID, start)
	if err != nil {
		return res, eris.Wrapf(err, "taxonsync: start sync for taxon %d", taxon.ID)
	}
	res.RunID = runID

	known, err := e.store.RecordIDs(ctx, taxon.ID)
	if err != nil {
		return res, eris.Wrapf(err, "taxonsync: known records for taxon %d", taxon.ID)
	}

	rows, err := e.discover(ctx, taxon, known)
	var partial *archive.PartialError
	if eris.As(err, &partial) {
		res.Partial = true
		log.Warn("skipped unreadable result pages, keeping checkpoint", zap.Ints("offsets", partial.Offsets))
		err = nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Err = err
		log.Error("archive query failed", zap.Error(err))
		if ferr := e.store.FailSync(ctx, runID, err, e.now()); ferr != nil {
			return res, eris.Wrapf(ferr, "taxonsync: record failure for taxon %d", taxon.ID)
		}
		e.observe(res)
		return res, nil
	}
	res.Fetched = len(rows)

	fetched := e.now()
	records := make([]model.Record, 0, len(rows))
	for _, row := range rows {
		id := row.ID()
		if _, ok := known[id]; ok {
			continue
		}
		known[id] = struct{}{}
		records = append(records, row.Record(taxon.ID, fetched))
	}
	records, err = e.dropStored(ctx, records)
	if err != nil {
		return res, err
	}

	if len(records) > 0 {
		if err := e.geocode(ctx, records); err != nil {
			return res, err
		}
		passed, err := e.classify(records)
		if err != nil {
			return res, err
		}
		n, err := e.store.UpsertNew(ctx, records)
		if err != nil {
			return res, eris.Wrapf(err, "taxonsync: store records for taxon %d", taxon.ID)
		}
		res.New = int(n)
		res.Passed = min(passed, res.New)
	}

	done := e.now()
	if !res.Partial {
		if err := e.store.MarkTaxonSynced(ctx, taxon.ID, done); err != nil {
			return res, eris.Wrapf(err, "taxonsync: checkpoint taxon %d", taxon.ID)
		}
	}
	if err := e.store.CompleteSync(ctx, runID, model.SyncCounts{
		Fetched: res.Fetched, New: res.New, Passed: res.Passed,
	}, done); err != nil {
		return res, eris.Wrapf(err, "taxonsync: complete sync for taxon %d", taxon.ID)
	}

	log.Info("taxon synced",
		zap.Int("fetched", res.Fetched),
		zap.Int("new", res.New),
		zap.Int("passed", res.Passed),
		zap.Duration("elapsed", done.Sub(start)),
	)
	e.observe(res)
	return res, nil
}

func (e *Engine) observe(res TaxonResult) {
	if e.recorder != nil {
		e.recorder.ObserveSync(res)
	}
}

// since returns the first_public lower bound for a taxon.
func (e *Engine) since(taxon model.Taxon) time.Time {
	if taxon.LastSyncedAt == nil {
		return e.opts.Epoch
	}
	return taxon.LastSyncedAt.UTC().Truncate(24 * time.Hour)
}

func (e *Engine) discover(ctx context.Context, taxon model.Taxon, known map[string]struct{}) ([]archive.Row, error) {
	if e.opts.Discovery == DiscoveryLinks {
		return e.discoverLinks(ctx, taxon, known)
	}

	q := archive.Query{TaxonID: taxon.ID, Since: e.since(taxon)}
	if e.opts.Pushdown {
		q.Predicates = e.chain.Pushdown()
	}
	var rows []archive.Row
	_, err := e.archive.Paginate(ctx, q, func(page []archive.Row) error {
		rows = append(rows, page...)
		return nil
	})
	return rows, err
}

// accessionTypes maps a result type to its includeAccessionType value.
var accessionTypes = map[string]string{
	"read_run":        "run",
	"read_experiment": "experiment",
	"sample":          "sample",
}

// discoverLinks walks the taxon link endpoint and fetches only accessions
// not already stored.
func (e *Engine) discoverLinks(ctx context.Context, taxon model.Taxon, known map[string]struct{}) ([]archive.Row, error) {
	resultType := e.archive.ResultType()
	accs, err := e.archive.LinkedAccessions(ctx, taxon.ID, resultType)
	var partial *archive.PartialError
	if err != nil && !eris.As(err, &partial) {
		return nil, err
	}

	seen := make(map[string]struct{}, len(known))
	if resultType == "read_run" {
		// Stored ids end with the run accession.
		for id := range known {
			if i := strings.LastIndexByte(id, '_'); i >= 0 {
				seen[id[i+1:]] = struct{}{}
			}
		}
	}
	var fresh []string
	for _, acc := range accs {
		if _, ok := seen[acc]; ok {
			continue
		}
		seen[acc] = struct{}{}
		fresh = append(fresh, acc)
	}
	if len(fresh) == 0 {
		return nil, err
	}

	accType := accessionTypes[resultType]
	if accType == "" {
		accType = resultType
	}
	rows, failures, ferr := e.archive.FetchByAccessions(ctx, fresh, accType)
	if ferr != nil {
		return nil, ferr
	}
	for _, f := range failures {
		e.log.Warn("skipped accession chunk",
			zap.Int64("taxon_id", taxon.ID),
			zap.Int("offset", f.Offset),
			zap.Int("size", len(f.Accessions)),
			zap.Error(f.Err),
		)
	}
	return rows, err
}

// geocode fills coordinates for records that have a country but no
// archive-supplied lat/lon.
func (e *Engine) geocode(ctx context.Context, records []model.Record) error {
	if e.geocoder == nil {
		return nil
	}
	var countries []string
	for i := range records {
		if !records[i].HasCoordinates() && records[i].Country != "" {
			countries = append(countries, records[i].Country)
		}
	}
	if len(countries) == 0 {
		return nil
	}

	coords, err := e.geocoder.ResolveAll(ctx, countries)
	if err != nil {
		return eris.Wrap(err, "taxonsync: geocode")
	}
	for i := range records {
		r := &records[i]
		if r.HasCoordinates() {
			continue
		}
		if c := coords[r.Country]; c != nil {
			lat, lon := c.Lat, c.Lon
			r.Lat, r.Lon = &lat, &lon
			r.LatLonInterpolated = true
		}
	}
	return nil
}

// dropStored removes records already stored, possibly under another
// registered taxon whose subtree overlaps this one.
func (e *Engine) dropStored(ctx context.Context, records []model.Record) ([]model.Record, error) {
	if len(records) == 0 {
		return records, nil
	}
	ids := make([]string, len(records))
	for i := range records {
		ids[i] = records[i].ID
	}
	stored, err := e.store.ExistingIDs(ctx, ids)
	if err != nil {
		return nil, eris.Wrap(err, "taxonsync: look up stored records")
	}
	if len(stored) == 0 {
		return records, nil
	}
	fresh := records[:0]
	for _, r := range records {
		if _, ok := stored[r.ID]; !ok {
			fresh = append(fresh, r)
		}
	}
	e.log.Debug("records already stored under another taxon", zap.Int("count", len(stored)))
	return fresh, nil
}

// classify runs the chain and sets each record's filter outcome and
// initial assembly state. It returns the number that passed.
func (e *Engine) classify(records []model.Record) (int, error) {
	ptrs := make([]*model.Record, len(records))
	for i := range records {
		ptrs[i] = &records[i]
	}
	outcomes, err := e.chain.Apply(ptrs)
	if err != nil {
		return 0, eris.Wrap(err, "taxonsync: apply filters")
	}

	now := e.now()
	passed := 0
	for i, o := range outcomes {
		r := &records[i]
		ok := o.Passed
		r.PassedFilter = &ok
		r.FilterFailed = o.FailedName
		if ok {
			since := now
			r.WaitingSince = &since
			r.AssemblyResult = model.AssemblyWaiting
			passed++
		} else {
			r.WaitingSince = nil
			r.AssemblyResult = model.AssemblySkipped
		}
	}
	return passed, nil
}

// pendingBatch bounds each FilterPending pass.
const pendingBatch = 1000

// FilterPending filters records stored without a filter outcome and
// returns how many it filtered.
func (e *Engine) FilterPending(ctx context.Context) (int, error) {
	total := 0
	for {
		pending, err := e.store.PendingFilter(ctx, pendingBatch)
		if err != nil {
			return total, eris.Wrap(err, "taxonsync: list pending records")
		}
		if len(pending) == 0 {
			return total, nil
		}
		if _, err := e.classify(pending); err != nil {
			return total, err
		}
		for i := range pending {
			r := &pending[i]
			if _, err := e.store.MarkFiltered(ctx, r.ID, *r.PassedFilter, r.FilterFailed, e.now()); err != nil {
				return total, eris.Wrapf(err, "taxonsync: store filter outcome for %s", r.ID)
			}
		}
		total += len(pending)
		if len(pending) < pendingBatch {
			e.log.Info("filtered pending records", zap.Int("count", total))
			return total, nil
		}
	}
}
