package main

import (
	"context"
	"net/http"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/microfetch/microfetch-pipeline/internal/archive"
	"github.com/microfetch/microfetch-pipeline/internal/filter"
	"github.com/microfetch/microfetch-pipeline/internal/lease"
	"github.com/microfetch/microfetch-pipeline/internal/monitoring"
	"github.com/microfetch/microfetch-pipeline/internal/reconcile"
	"github.com/microfetch/microfetch-pipeline/internal/store"
	"github.com/microfetch/microfetch-pipeline/internal/taxonsync"
	"github.com/microfetch/microfetch-pipeline/pkg/geocode"
)

// env holds the wired components shared by commands.
type env struct {
	Store     store.Store
	Engine    *taxonsync.Engine
	Leases    *lease.Manager
	Metrics   *monitoring.Metrics
	Collector *monitoring.Collector
	Checker   *monitoring.Checker
	Loop      *reconcile.Loop
}

// initEnv opens the store, runs migrations and wires the sync engine, lease
// manager and monitoring.
func initEnv(ctx context.Context) (*env, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "init store")
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "migrate store")
	}

	metrics := monitoring.NewMetrics()

	provider, err := geocode.NewProvider(cfg.Geocode, &http.Client{Timeout: cfg.Archive.Timeout})
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "init geocoder")
	}
	if !provider.Available() {
		zap.L().Warn("geocode provider not configured, coordinates will not be interpolated",
			zap.String("provider", provider.Name()))
	}
	resolver := geocode.NewResolver(st, provider,
		geocode.WithConcurrency(cfg.Geocode.Concurrency),
		geocode.WithObserver(metrics.ObserveGeocode),
	)

	chain, err := filter.FromConfig(cfg.Filters)
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "init filter chain")
	}
	zap.L().Info("filter chain loaded", zap.Strings("filters", chain.Names()))

	opts, err := taxonsync.OptionsFromConfig(cfg.Sync, cfg.Archive)
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	engine := taxonsync.NewEngine(st, archive.New(cfg.Archive), resolver, chain, opts)
	engine.SetRecorder(metrics)

	leases := lease.NewManager(st, cfg.Lease)
	leases.SetRecorder(metrics)

	collector := monitoring.NewCollector(st, opts.RefreshInterval)
	checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), metrics, cfg.Monitoring)

	return &env{
		Store:     st,
		Engine:    engine,
		Leases:    leases,
		Metrics:   metrics,
		Collector: collector,
		Checker:   checker,
		Loop:      reconcile.New(engine, leases, checker, cfg.Reconcile),
	}, nil
}

// Close releases the store.
func (e *env) Close() {
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}
