package filter

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/microfetch/microfetch-pipeline/internal/config"
)

// Spec describes one filter in a chain file.
type Spec struct {
	Type       string   `yaml:"type"`
	Field      string   `yaml:"field,omitempty"`
	Value      string   `yaml:"value,omitempty"`
	Values     []string `yaml:"values,omitempty"`
	GenomeSize int64    `yaml:"genome_size,omitempty"`
	MinDepth   float64  `yaml:"min_depth,omitempty"`
}

type chainFile struct {
	Filters []Spec `yaml:"filters"`
}

// Build creates a Filter from its spec.
func (s Spec) Build() (Filter, error) {
	switch s.Type {
	case "match":
		values := s.Values
		if s.Value != "" {
			values = append([]string{s.Value}, values...)
		}
		return NewMatch(s.Field, values...)
	case "present":
		return NewPresent(s.Field)
	case "coverage":
		return &Coverage{GenomeSize: s.GenomeSize, MinDepth: s.MinDepth}, nil
	case "not_sentinel":
		return &NotSentinel{Sentinels: s.Values}, nil
	default:
		return nil, eris.Errorf("filter: unknown filter type %q", s.Type)
	}
}

// Parse builds a chain from YAML of the form
//
//	filters:
//	  - type: match
//	    field: library_strategy
//	    value: WGS
//	  - type: coverage
//	    genome_size: 5000000
//	    min_depth: 20
func Parse(data []byte) (*Chain, error) {
	var cf chainFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, eris.Wrap(err, "filter: parse chain")
	}
	filters := make([]Filter, 0, len(cf.Filters))
	for i, s := range cf.Filters {
		f, err := s.Build()
		if err != nil {
			return nil, eris.Wrapf(err, "filter: chain entry %d", i)
		}
		filters = append(filters, f)
	}
	return NewChain(filters...), nil
}

// LoadFile reads a chain file.
func LoadFile(path string) (*Chain, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "filter: read chain file %s", path)
	}
	return Parse(data)
}

// Default returns the standard chain: WGS Illumina paired genomic reads
// with enough coverage and a real collection date.
func Default(cfg config.FiltersConfig) (*Chain, error) {
	var filters []Filter
	for _, m := range []struct{ field, value string }{
		{"library_strategy", cfg.LibraryStrategy},
		{"instrument_platform", cfg.Platform},
		{"library_source", cfg.LibrarySource},
		{"library_layout", cfg.LibraryLayout},
	} {
		if m.value == "" {
			continue
		}
		f, err := NewMatch(m.field, m.value)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	filters = append(filters,
		&Coverage{GenomeSize: cfg.GenomeSize, MinDepth: cfg.MinDepth},
		&NotSentinel{Sentinels: cfg.DateSentinels},
	)
	return NewChain(filters...), nil
}

// FromConfig loads the chain file when configured, otherwise the default chain.
func FromConfig(cfg config.FiltersConfig) (*Chain, error) {
	if cfg.ChainFile != "" {
		return LoadFile(cfg.ChainFile)
	}
	return Default(cfg)
}
