// Package lease hands waiting records to external assembly workers and
// enforces the assembly state machine:
//
//	waiting -> under_consideration -> in_progress -> success | fail
//
// Every transition is a single conditional update on the prior state, so
// concurrent or late requests cannot move a record twice.
package lease

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/microfetch/microfetch-pipeline/internal/config"
	"github.com/microfetch/microfetch-pipeline/internal/model"
	"github.com/microfetch/microfetch-pipeline/internal/store"
)

var (
	// ErrInvalidTransition is returned when a record is not in the state the
	// requested transition starts from.
	ErrInvalidTransition = eris.New("lease: invalid state transition")

	// ErrNotFound is returned for unknown record ids.
	ErrNotFound = eris.New("lease: record not found")

	// ErrInvalidResult is returned when a report carries a non-terminal result.
	ErrInvalidResult = eris.New("lease: assembly result must be success or fail")

	// ErrInvalidReport is returned when a structured report has unknown fields.
	ErrInvalidReport = eris.New("lease: invalid assembly report")
)

// Default lease timeouts.
const (
	DefaultConsiderationTimeout = 10 * time.Minute
	DefaultAssemblyTimeout      = 7 * 24 * time.Hour
)

// ReclaimResult counts records returned to waiting by ReclaimStale.
type ReclaimResult struct {
	UnderConsideration int64 `json:"under_consideration"`
	InProgress         int64 `json:"in_progress"`
}

// Total is the number of records reclaimed.
func (r ReclaimResult) Total() int64 {
	return r.UnderConsideration + r.InProgress
}

// Recorder observes lease events.
type Recorder interface {
	ObserveLease(event string)
	ObserveReclaim(res ReclaimResult)
}

// Lease events reported to a Recorder.
const (
	EventClaimed   = "claimed"
	EventEmpty     = "empty"
	EventConfirmed = "confirmed"
	EventSucceeded = "succeeded"
	EventFailed    = "failed"
	EventScreened  = "screened"
	EventRejected  = "rejected"
)

// Manager implements the lease protocol on top of a Store.
type Manager struct {
	store                store.Store
	considerationTimeout time.Duration
	assemblyTimeout      time.Duration
	recorder             Recorder
	now                  func() time.Time
	log                  *zap.Logger
}

// NewManager creates a Manager with the configured timeouts.
func NewManager(st store.Store, cfg config.LeaseConfig) *Manager {
	m := &Manager{
		store:                st,
		considerationTimeout: cfg.ConsiderationTimeout,
		assemblyTimeout:      cfg.AssemblyTimeout,
		now:                  func() time.Time { return time.Now().UTC() },
		log:                  zap.L().With(zap.String("component", "lease")),
	}
	if m.considerationTimeout <= 0 {
		m.considerationTimeout = DefaultConsiderationTimeout
	}
	if m.assemblyTimeout <= 0 {
		m.assemblyTimeout = DefaultAssemblyTimeout
	}
	return m
}

// SetRecorder registers an observer for lease events.
func (m *Manager) SetRecorder(r Recorder) {
	m.recorder = r
}

func (m *Manager) observe(event string) {
	if m.recorder != nil {
		m.recorder.ObserveLease(event)
	}
}

// RequestCandidate claims the record that has waited longest and moves it
// to under_consideration. It reports false when no record is waiting.
func (m *Manager) RequestCandidate(ctx context.Context) (*model.Record, bool, error) {
	rec, err := m.store.ClaimOldestWaiting(ctx, m.now())
	if err != nil {
		return nil, false, eris.Wrap(err, "lease: claim candidate")
	}
	if rec == nil {
		m.observe(EventEmpty)
		return nil, false, nil
	}
	m.log.Info("candidate offered", zap.String("record_id", rec.ID))
	m.observe(EventClaimed)
	return rec, true, nil
}

// Confirm accepts an offered record for assembly, moving it from
// under_consideration to in_progress.
func (m *Manager) Confirm(ctx context.Context, id string) (*model.Record, error) {
	if err := m.transition(ctx, id, model.AssemblyUnderConsideration, model.AssemblyInProgress); err != nil {
		return nil, err
	}
	m.log.Info("assembly confirmed", zap.String("record_id", id))
	m.observe(EventConfirmed)
	return m.get(ctx, id)
}

// ReportAssembly stores the terminal result of an in_progress assembly.
func (m *Manager) ReportAssembly(ctx context.Context, id string, result model.AssemblyResult, artifacts model.Artifacts) (*model.Record, error) {
	if result != model.AssemblySuccess && result != model.AssemblyFail {
		return nil, ErrInvalidResult
	}
	if err := model.ValidateReport(artifacts.Report); err != nil {
		return nil, eris.Wrapf(ErrInvalidReport, "%v", err)
	}

	ok, err := m.store.CompleteAssembly(ctx, id, result, artifacts)
	if err != nil {
		return nil, eris.Wrapf(err, "lease: report assembly for %s", id)
	}
	if !ok {
		return nil, m.rejected(ctx, id, model.AssemblyInProgress)
	}

	m.log.Info("assembly reported", zap.String("record_id", id), zap.String("result", string(result)))
	if result == model.AssemblySuccess {
		m.observe(EventSucceeded)
	} else {
		m.observe(EventFailed)
	}
	return m.get(ctx, id)
}

// ReportScreening stores the post-assembly screening verdict of a
// successfully assembled record.
func (m *Manager) ReportScreening(ctx context.Context, id string, passed bool, message string) (*model.Record, error) {
	ok, err := m.store.SetScreening(ctx, id, passed, message)
	if err != nil {
		return nil, eris.Wrapf(err, "lease: report screening for %s", id)
	}
	if !ok {
		return nil, m.rejected(ctx, id, model.AssemblySuccess)
	}
	m.observe(EventScreened)
	return m.get(ctx, id)
}

// ReclaimStale returns records whose lease expired to waiting:
// under_consideration past the consideration timeout and in_progress past
// the assembly timeout.
func (m *Manager) ReclaimStale(ctx context.Context) (ReclaimResult, error) {
	var res ReclaimResult
	now := m.now()

	n, err := m.store.ReclaimStale(ctx, model.AssemblyUnderConsideration, now.Add(-m.considerationTimeout), now)
	if err != nil {
		return res, eris.Wrap(err, "lease: reclaim under_consideration")
	}
	res.UnderConsideration = n

	n, err = m.store.ReclaimStale(ctx, model.AssemblyInProgress, now.Add(-m.assemblyTimeout), now)
	if err != nil {
		return res, eris.Wrap(err, "lease: reclaim in_progress")
	}
	res.InProgress = n

	if res.Total() > 0 {
		m.log.Warn("reclaimed stale leases",
			zap.Int64("under_consideration", res.UnderConsideration),
			zap.Int64("in_progress", res.InProgress),
		)
	}
	if m.recorder != nil {
		m.recorder.ObserveReclaim(res)
	}
	return res, nil
}

func (m *Manager) transition(ctx context.Context, id string, from, to model.AssemblyResult) error {
	ok, err := m.store.Transition(ctx, id, from, to, m.now())
	if err != nil {
		return eris.Wrapf(err, "lease: %s -> %s for %s", from, to, id)
	}
	if !ok {
		return m.rejected(ctx, id, from)
	}
	return nil
}

// rejected explains why a guarded update matched no row.
func (m *Manager) rejected(ctx context.Context, id string, want model.AssemblyResult) error {
	rec, err := m.store.GetRecord(ctx, id)
	if err != nil {
		return eris.Wrapf(err, "lease: load %s", id)
	}
	if rec == nil {
		return ErrNotFound
	}
	m.log.Warn("rejected transition",
		zap.String("record_id", id),
		zap.String("state", string(rec.AssemblyResult)),
		zap.String("required", string(want)),
	)
	m.observe(EventRejected)
	return eris.Wrapf(ErrInvalidTransition, "record %s is %s, not %s", id, stateName(rec.AssemblyResult), want)
}

func (m *Manager) get(ctx context.Context, id string) (*model.Record, error) {
	rec, err := m.store.GetRecord(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "lease: load %s", id)
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec, nil
}

func stateName(s model.AssemblyResult) string {
	if s == "" {
		return "unfiltered"
	}
	return string(s)
}
