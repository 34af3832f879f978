// Package filter runs discovered records through an ordered chain of
// quality filters.
package filter

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/microfetch/microfetch-pipeline/internal/archive"
	"github.com/microfetch/microfetch-pipeline/internal/model"
)

// Filter is a named predicate over a batch of records. Apply returns one
// pass/fail flag per input record, in input order.
type Filter interface {
	Name() string
	Apply(records []*model.Record) ([]bool, error)
}

// Pushdowner is implemented by filters the archive can evaluate in its query.
type Pushdowner interface {
	Pushdown() (archive.Predicate, bool)
}

// ConfigError reports a filter that cannot run because it is misconfigured.
// The chain treats such a filter as passed.
type ConfigError struct {
	Filter string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("filter %q misconfigured: %s", e.Filter, e.Reason)
}

// Outcome is the chain verdict for one record. FailedName is empty when the
// record passed.
type Outcome struct {
	Passed     bool   `json:"passed"`
	FailedName string `json:"failed_name,omitempty"`
}

// Chain applies filters in order.
type Chain struct {
	filters []Filter
	log     *zap.Logger
}

// NewChain creates a chain running filters in the given order.
func NewChain(filters ...Filter) *Chain {
	return &Chain{
		filters: filters,
		log:     zap.L().With(zap.String("component", "filter")),
	}
}

// Names returns the filter names in chain order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.filters))
	for i, f := range c.filters {
		names[i] = f.Name()
	}
	return names
}

// Apply runs the chain over records and returns an outcome per record. Each
// filter only sees records that passed every earlier filter, and a failing
// record is labelled with the first filter it failed. PassedFilter and
// FilterFailed are set on the records as well.
func (c *Chain) Apply(records []*model.Record) ([]Outcome, error) {
	outcomes := make([]Outcome, len(records))
	active := make([]int, len(records))
	for i := range records {
		outcomes[i].Passed = true
		active[i] = i
	}

	for _, f := range c.filters {
		if len(active) == 0 {
			break
		}
		batch := make([]*model.Record, len(active))
		for j, idx := range active {
			batch[j] = records[idx]
		}

		passed, err := f.Apply(batch)
		if err != nil {
			var cfgErr *ConfigError
			if errors.As(err, &cfgErr) {
				c.log.Warn("skipping misconfigured filter",
					zap.String("filter", f.Name()),
					zap.String("reason", cfgErr.Reason),
				)
				continue
			}
			return nil, eris.Wrapf(err, "filter: %s", f.Name())
		}
		if len(passed) != len(batch) {
			return nil, eris.Errorf("filter: %s returned %d results for %d records", f.Name(), len(passed), len(batch))
		}

		next := active[:0]
		for j, idx := range active {
			if passed[j] {
				next = append(next, idx)
				continue
			}
			outcomes[idx] = Outcome{Passed: false, FailedName: f.Name()}
		}
		active = next
	}

	for i, rec := range records {
		passed := outcomes[i].Passed
		rec.PassedFilter = &passed
		rec.FilterFailed = outcomes[i].FailedName
	}
	return outcomes, nil
}

// Pushdown returns the predicates of filters the archive can evaluate.
func (c *Chain) Pushdown() []archive.Predicate {
	var preds []archive.Predicate
	for _, f := range c.filters {
		p, ok := f.(Pushdowner)
		if !ok {
			continue
		}
		if pred, ok := p.Pushdown(); ok {
			preds = append(preds, pred)
		}
	}
	return preds
}
