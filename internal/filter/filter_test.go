package filter

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microfetch/microfetch-pipeline/internal/archive"
	"github.com/microfetch/microfetch-pipeline/internal/config"
	"github.com/microfetch/microfetch-pipeline/internal/model"
)

func defaultConfig() config.FiltersConfig {
	return config.FiltersConfig{
		LibraryStrategy: "WGS",
		Platform:        "ILLUMINA",
		LibrarySource:   "GENOMIC",
		LibraryLayout:   "PAIRED",
		GenomeSize:      5_000_000,
		MinDepth:        20,
	}
}

func goodRecord(id string) *model.Record {
	bases := int64(150_000_000)
	return &model.Record{
		ID:                 id,
		LibraryStrategy:    "WGS",
		InstrumentPlatform: "ILLUMINA",
		LibrarySource:      "GENOMIC",
		LibraryLayout:      "PAIRED",
		BaseCount:          &bases,
		CollectionDate:     "2023-04-01",
	}
}

// countingFilter records how many records it was asked to judge.
type countingFilter struct {
	name string
	pass func(*model.Record) bool
	seen []int
	err  error
}

func (f *countingFilter) Name() string { return f.name }

func (f *countingFilter) Apply(records []*model.Record) ([]bool, error) {
	f.seen = append(f.seen, len(records))
	if f.err != nil {
		return nil, f.err
	}
	out := make([]bool, len(records))
	for i, r := range records {
		out[i] = f.pass(r)
	}
	return out, nil
}

func TestDefaultChain_PassesGoodRecord(t *testing.T) {
	chain, err := Default(defaultConfig())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"library_strategy=WGS",
		"instrument_platform=ILLUMINA",
		"library_source=GENOMIC",
		"library_layout=PAIRED",
		CoverageName,
		DateName,
	}, chain.Names())

	rec := goodRecord("a")
	outcomes, err := chain.Apply([]*model.Record{rec})
	require.NoError(t, err)
	assert.Equal(t, []Outcome{{Passed: true}}, outcomes)
	require.NotNil(t, rec.PassedFilter)
	assert.True(t, *rec.PassedFilter)
	assert.Empty(t, rec.FilterFailed)
}

func TestDefaultChain_AmpliconRejected(t *testing.T) {
	chain, err := Default(defaultConfig())
	require.NoError(t, err)

	rec := goodRecord("amp")
	rec.LibraryStrategy = "AMPLICON"
	rec.InstrumentPlatform = "OXFORD_NANOPORE"

	outcomes, err := chain.Apply([]*model.Record{rec})
	require.NoError(t, err)
	assert.Equal(t, Outcome{Passed: false, FailedName: "library_strategy=WGS"}, outcomes[0])
	assert.False(t, *rec.PassedFilter)
	assert.Equal(t, "library_strategy=WGS", rec.FilterFailed)
}

func TestDefaultChain_FirstFailureWins(t *testing.T) {
	chain, err := Default(defaultConfig())
	require.NoError(t, err)

	lowDepth := goodRecord("low")
	small := int64(1000)
	lowDepth.BaseCount = &small

	noBases := goodRecord("none")
	noBases.BaseCount = nil

	sentinel := goodRecord("sentinel")
	sentinel.CollectionDate = "1800-01-01"

	single := goodRecord("single")
	single.LibraryLayout = "SINGLE"

	outcomes, err := chain.Apply([]*model.Record{lowDepth, noBases, sentinel, single, goodRecord("ok")})
	require.NoError(t, err)
	assert.Equal(t, []Outcome{
		{FailedName: CoverageName},
		{FailedName: CoverageName},
		{FailedName: DateName},
		{FailedName: "library_layout=PAIRED"},
		{Passed: true},
	}, outcomes)
}

func TestChain_ConfigErrorIsVacuousPass(t *testing.T) {
	cfg := defaultConfig()
	cfg.GenomeSize = 0

	chain, err := Default(cfg)
	require.NoError(t, err)

	rec := goodRecord("a")
	rec.BaseCount = nil
	outcomes, err := chain.Apply([]*model.Record{rec})
	require.NoError(t, err)
	assert.True(t, outcomes[0].Passed)
}

func TestChain_ShrinkingWorkingSet(t *testing.T) {
	first := &countingFilter{name: "first", pass: func(r *model.Record) bool { return r.ID != "b" }}
	second := &countingFilter{name: "second", pass: func(r *model.Record) bool { return r.ID == "c" }}
	third := &countingFilter{name: "third", pass: func(*model.Record) bool { return false }}
	fourth := &countingFilter{name: "fourth", pass: func(*model.Record) bool { return true }}

	chain := NewChain(first, second, third, fourth)
	outcomes, err := chain.Apply([]*model.Record{{ID: "a"}, {ID: "b"}, {ID: "c"}})
	require.NoError(t, err)

	assert.Equal(t, []int{3}, first.seen)
	assert.Equal(t, []int{2}, second.seen)
	assert.Equal(t, []int{1}, third.seen)
	assert.Empty(t, fourth.seen, "filters after an empty working set are skipped")
	assert.Equal(t, []Outcome{
		{FailedName: "second"},
		{FailedName: "first"},
		{FailedName: "third"},
	}, outcomes)
}

func TestChain_Deterministic(t *testing.T) {
	chain, err := Default(defaultConfig())
	require.NoError(t, err)

	build := func() []*model.Record {
		a := goodRecord("a")
		b := goodRecord("b")
		b.LibrarySource = "METAGENOMIC"
		return []*model.Record{a, b}
	}
	first, err := chain.Apply(build())
	require.NoError(t, err)
	second, err := chain.Apply(build())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestChain_FilterErrorAborts(t *testing.T) {
	broken := &countingFilter{name: "broken", err: errors.New("boom")}
	_, err := NewChain(broken).Apply([]*model.Record{{ID: "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "filter: broken")
}

func TestChain_Pushdown(t *testing.T) {
	chain, err := Default(defaultConfig())
	require.NoError(t, err)

	assert.Equal(t, []archive.Predicate{
		{Field: "library_strategy", Value: "WGS"},
		{Field: "instrument_platform", Value: "ILLUMINA"},
		{Field: "library_source", Value: "GENOMIC"},
		{Field: "library_layout", Value: "PAIRED"},
	}, chain.Pushdown())

	multi, err := NewMatch("library_layout", "PAIRED", "SINGLE")
	require.NoError(t, err)
	assert.Empty(t, NewChain(multi).Pushdown())
}

func TestNewMatch_Errors(t *testing.T) {
	_, err := NewMatch("bogus", "x")
	assert.Error(t, err)
	_, err = NewMatch("library_strategy")
	assert.Error(t, err)
}

func TestPresent(t *testing.T) {
	p, err := NewPresent("country")
	require.NoError(t, err)
	got, err := p.Apply([]*model.Record{{Country: "Kenya"}, {Country: "  "}})
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false}, got)
	assert.Equal(t, "country present", p.Name())
}

func TestParse(t *testing.T) {
	chain, err := Parse([]byte(`
filters:
  - type: match
    field: library_strategy
    value: WGS
  - type: match
    field: library_layout
    values: [PAIRED, SINGLE]
  - type: present
    field: country
  - type: coverage
    genome_size: 2000000
    min_depth: 30
  - type: not_sentinel
    values: ["1900-01-01"]
`))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"library_strategy=WGS",
		"library_layout=PAIRED|SINGLE",
		"country present",
		CoverageName,
		DateName,
	}, chain.Names())

	rec := goodRecord("a")
	rec.Country = "Kenya"
	rec.CollectionDate = "1900-01-01"
	outcomes, err := chain.Apply([]*model.Record{rec})
	require.NoError(t, err)
	assert.Equal(t, DateName, outcomes[0].FailedName)
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse([]byte("filters: ["))
	assert.Error(t, err)

	_, err = Parse([]byte("filters:\n  - type: regex\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown filter type")
}

func TestFromConfig_ChainFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "filters.yaml")
	require.NoError(t, os.WriteFile(path, []byte("filters:\n  - type: present\n    field: fastq_ftp\n"), 0o600))

	cfg := defaultConfig()
	cfg.ChainFile = path
	chain, err := FromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"fastq_ftp present"}, chain.Names())

	cfg.ChainFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = FromConfig(cfg)
	assert.Error(t, err)
}
