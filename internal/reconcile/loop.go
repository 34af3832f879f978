// Package reconcile drives periodic taxon syncs and stale lease reclaim.
package reconcile

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/microfetch/microfetch-pipeline/internal/config"
	"github.com/microfetch/microfetch-pipeline/internal/lease"
	"github.com/microfetch/microfetch-pipeline/internal/monitoring"
	"github.com/microfetch/microfetch-pipeline/internal/taxonsync"
)

// DefaultInterval is the base tick interval.
const DefaultInterval = 30 * time.Second

// Syncer refreshes due taxa.
type Syncer interface {
	RunDue(ctx context.Context) (taxonsync.Summary, error)
}

// Reclaimer returns stale leases to waiting.
type Reclaimer interface {
	ReclaimStale(ctx context.Context) (lease.ReclaimResult, error)
}

// Refresher updates monitoring state after a cycle.
type Refresher interface {
	Check(ctx context.Context) (*monitoring.Snapshot, error)
}

// Result is the outcome of one tick.
type Result struct {
	Sync    taxonsync.Summary
	Reclaim lease.ReclaimResult
}

// Loop runs sync, reclaim and monitoring refresh on a jittered ticker.
type Loop struct {
	syncer    Syncer
	reclaimer Reclaimer
	refresher Refresher
	interval  time.Duration
	jitter    float64
	log       *zap.Logger
}

// New creates a Loop. refresher may be nil.
func New(syncer Syncer, reclaimer Reclaimer, refresher Refresher, cfg config.ReconcileConfig) *Loop {
	l := &Loop{
		syncer:    syncer,
		reclaimer: reclaimer,
		refresher: refresher,
		interval:  cfg.Interval,
		jitter:    cfg.Jitter,
		log:       zap.L().With(zap.String("component", "reconcile")),
	}
	if l.interval <= 0 {
		l.interval = DefaultInterval
	}
	if l.jitter < 0 || l.jitter >= 1 {
		l.jitter = 0
	}
	return l
}

// nextInterval returns the base interval offset by up to ±jitter.
func (l *Loop) nextInterval() time.Duration {
	if l.jitter == 0 {
		return l.interval
	}
	span := time.Duration(float64(l.interval) * l.jitter)
	//nolint:gosec // G404: polling jitter needs no cryptographic randomness
	return l.interval - span + time.Duration(rand.Int64N(int64(2*span)+1))
}

// Run ticks until ctx is cancelled. Tick errors are logged and the cycle is
// retried on the next tick.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("starting reconciliation loop",
		zap.Duration("interval", l.interval),
		zap.Float64("jitter", l.jitter),
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.log.Info("reconciliation loop stopped")
			return nil
		case <-timer.C:
			if _, err := l.Tick(ctx); err != nil && ctx.Err() == nil {
				l.log.Error("reconcile tick failed", zap.Error(err))
			}
			timer.Reset(l.nextInterval())
		}
	}
}

// Tick runs one cycle: sync due taxa, reclaim stale leases, refresh
// monitoring. A sync failure does not prevent reclaim.
func (l *Loop) Tick(ctx context.Context) (Result, error) {
	var res Result
	var errs []error

	summary, err := l.syncer.RunDue(ctx)
	res.Sync = summary
	if err != nil {
		errs = append(errs, eris.Wrap(err, "reconcile: sync"))
	}

	reclaimed, err := l.reclaimer.ReclaimStale(ctx)
	res.Reclaim = reclaimed
	if err != nil {
		errs = append(errs, eris.Wrap(err, "reconcile: reclaim"))
	}

	if l.refresher != nil {
		if _, err := l.refresher.Check(ctx); err != nil {
			l.log.Warn("monitoring refresh failed", zap.Error(err))
		}
	}

	if summary.Due > 0 || summary.Repaired > 0 || reclaimed.Total() > 0 {
		l.log.Info("reconcile tick complete",
			zap.Int("taxa_due", summary.Due),
			zap.Int("taxa_synced", summary.Synced),
			zap.Int("taxa_failed", summary.Failed),
			zap.Int("records_new", summary.New),
			zap.Int("records_repaired", summary.Repaired),
			zap.Int64("leases_reclaimed", reclaimed.Total()),
		)
	}

	if len(errs) > 0 {
		return res, errors.Join(errs...)
	}
	return res, nil
}
