package filter

import (
	"slices"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/microfetch/microfetch-pipeline/internal/archive"
	"github.com/microfetch/microfetch-pipeline/internal/model"
)

// fieldGetters exposes the record fields a Match or Present filter may test.
var fieldGetters = map[string]func(*model.Record) string{
	"library_strategy":    func(r *model.Record) string { return r.LibraryStrategy },
	"instrument_platform": func(r *model.Record) string { return r.InstrumentPlatform },
	"instrument_model":    func(r *model.Record) string { return r.InstrumentModel },
	"library_source":      func(r *model.Record) string { return r.LibrarySource },
	"library_layout":      func(r *model.Record) string { return r.LibraryLayout },
	"library_selection":   func(r *model.Record) string { return r.LibrarySelection },
	"scientific_name":     func(r *model.Record) string { return r.ScientificName },
	"country":             func(r *model.Record) string { return r.Country },
	"collection_date":     func(r *model.Record) string { return r.CollectionDate },
	"fastq_ftp":           func(r *model.Record) string { return r.FastqFTP },
}

func getter(field string) (func(*model.Record) string, error) {
	get, ok := fieldGetters[field]
	if !ok {
		return nil, eris.Errorf("filter: unsupported field %q", field)
	}
	return get, nil
}

// Match passes records whose field equals one of Values.
type Match struct {
	name   string
	field  string
	values []string
	get    func(*model.Record) string
}

// NewMatch creates a Match filter named "<field>=<value>" for a single value.
func NewMatch(field string, values ...string) (*Match, error) {
	get, err := getter(field)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, eris.Errorf("filter: match on %q needs at least one value", field)
	}
	return &Match{
		name:   field + "=" + strings.Join(values, "|"),
		field:  field,
		values: values,
		get:    get,
	}, nil
}

// Name implements Filter.
func (m *Match) Name() string { return m.name }

// Apply implements Filter.
func (m *Match) Apply(records []*model.Record) ([]bool, error) {
	out := make([]bool, len(records))
	for i, r := range records {
		out[i] = slices.Contains(m.values, m.get(r))
	}
	return out, nil
}

// Pushdown implements Pushdowner for single-value matches.
func (m *Match) Pushdown() (archive.Predicate, bool) {
	if len(m.values) != 1 {
		return archive.Predicate{}, false
	}
	return archive.Predicate{Field: m.field, Value: m.values[0]}, true
}

// Present passes records whose field is non-empty.
type Present struct {
	field string
	get   func(*model.Record) string
}

// NewPresent creates a Present filter named "<field> present".
func NewPresent(field string) (*Present, error) {
	get, err := getter(field)
	if err != nil {
		return nil, err
	}
	return &Present{field: field, get: get}, nil
}

// Name implements Filter.
func (p *Present) Name() string { return p.field + " present" }

// Apply implements Filter.
func (p *Present) Apply(records []*model.Record) ([]bool, error) {
	out := make([]bool, len(records))
	for i, r := range records {
		out[i] = strings.TrimSpace(p.get(r)) != ""
	}
	return out, nil
}

// CoverageName is the name of the sequencing depth filter.
const CoverageName = "base_count size"

// Coverage passes records sequenced to at least MinDepth over a genome of
// GenomeSize bases. Records without a base count fail.
type Coverage struct {
	GenomeSize int64
	MinDepth   float64
}

// Name implements Filter.
func (c *Coverage) Name() string { return CoverageName }

// Apply implements Filter. An unset genome size or depth is a ConfigError.
func (c *Coverage) Apply(records []*model.Record) ([]bool, error) {
	if c.GenomeSize <= 0 {
		return nil, &ConfigError{Filter: CoverageName, Reason: "genome size not set"}
	}
	if c.MinDepth <= 0 {
		return nil, &ConfigError{Filter: CoverageName, Reason: "minimum depth not set"}
	}
	need := float64(c.GenomeSize) * c.MinDepth
	out := make([]bool, len(records))
	for i, r := range records {
		out[i] = r.BaseCount != nil && float64(*r.BaseCount) >= need
	}
	return out, nil
}

// DateName is the name of the collection date filter.
const DateName = "date acceptable"

// DefaultDateSentinels are placeholder collection dates submitters use when
// the real date is unknown.
var DefaultDateSentinels = []string{"1000-01-01", "1800-01-01"}

// NotSentinel fails records whose collection date is a known placeholder.
type NotSentinel struct {
	Sentinels []string
}

// Name implements Filter.
func (n *NotSentinel) Name() string { return DateName }

// Apply implements Filter.
func (n *NotSentinel) Apply(records []*model.Record) ([]bool, error) {
	sentinels := n.Sentinels
	if len(sentinels) == 0 {
		sentinels = DefaultDateSentinels
	}
	out := make([]bool, len(records))
	for i, r := range records {
		out[i] = !slices.Contains(sentinels, strings.TrimSpace(r.CollectionDate))
	}
	return out, nil
}
