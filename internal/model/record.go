package model

import (
	"strings"
	"time"
)

// AssemblyResult is the lease/assembly lifecycle state of a record.
type AssemblyResult string

const (
	AssemblySkipped            AssemblyResult = "skipped"
	AssemblyWaiting            AssemblyResult = "waiting"
	AssemblyUnderConsideration AssemblyResult = "under_consideration"
	AssemblyInProgress         AssemblyResult = "in_progress"
	AssemblySuccess            AssemblyResult = "success"
	AssemblyFail               AssemblyResult = "fail"
)

// Valid reports whether r is a known state.
func (r AssemblyResult) Valid() bool {
	switch r {
	case AssemblySkipped, AssemblyWaiting, AssemblyUnderConsideration,
		AssemblyInProgress, AssemblySuccess, AssemblyFail:
		return true
	}
	return false
}

// Terminal reports whether no further transition can leave r.
func (r AssemblyResult) Terminal() bool {
	return r == AssemblySkipped || r == AssemblySuccess || r == AssemblyFail
}

// Record is one archived sample/experiment/run triple discovered for a taxon.
type Record struct {
	ID      string `json:"id"`
	TaxonID int64  `json:"taxon_id"`

	SampleAccession          string `json:"sample_accession"`
	SecondarySampleAccession string `json:"secondary_sample_accession,omitempty"`
	ExperimentAccession      string `json:"experiment_accession"`
	RunAccession             string `json:"run_accession"`

	ScientificName     string `json:"scientific_name,omitempty"`
	InstrumentPlatform string `json:"instrument_platform"`
	InstrumentModel    string `json:"instrument_model,omitempty"`
	LibraryStrategy    string `json:"library_strategy"`
	LibrarySource      string `json:"library_source"`
	LibraryLayout      string `json:"library_layout"`
	LibrarySelection   string `json:"library_selection,omitempty"`
	ReadCount          *int64 `json:"read_count,omitempty"`
	BaseCount          *int64 `json:"base_count,omitempty"`
	FastqFTP           string `json:"fastq_ftp,omitempty"`
	FastqBytes         string `json:"fastq_bytes,omitempty"`

	Country            string   `json:"country,omitempty"`
	Lat                *float64 `json:"lat,omitempty"`
	Lon                *float64 `json:"lon,omitempty"`
	LatLonInterpolated bool     `json:"lat_lon_interpolated"`

	CollectionDate string `json:"collection_date,omitempty"`
	FirstPublic    string `json:"first_public,omitempty"`

	PassedFilter *bool  `json:"passed_filter"`
	FilterFailed string `json:"filter_failed"`

	TimeFetched    time.Time      `json:"time_fetched"`
	WaitingSince   *time.Time     `json:"waiting_since,omitempty"`
	AssemblyResult AssemblyResult `json:"assembly_result"`

	AssembledGenomeURL string         `json:"assembled_genome_url,omitempty"`
	AssemblyReportURL  string         `json:"assembly_report_url,omitempty"`
	AssemblyError      string         `json:"assembly_error,omitempty"`
	AssemblyReport     map[string]any `json:"assembly_report,omitempty"`

	PassedScreening  *bool  `json:"passed_screening"`
	ScreeningMessage string `json:"screening_message,omitempty"`
}

// RecordID derives the natural key of a record from its accessions. Missing
// parts keep their position so distinct triples never collide.
func RecordID(sample, experiment, run string) string {
	return strings.Join([]string{sample, experiment, run}, "_")
}

// HasCoordinates reports whether both lat and lon are known.
func (r *Record) HasCoordinates() bool {
	return r.Lat != nil && r.Lon != nil
}

// Artifacts is a worker's assembly report payload.
type Artifacts struct {
	AssembledGenomeURL string         `json:"assembled_genome_url,omitempty"`
	AssemblyReportURL  string         `json:"assembly_report_url,omitempty"`
	AssemblyError      string         `json:"assembly_error,omitempty"`
	Report             map[string]any `json:"report,omitempty"`
}

// Coordinate is a resolved latitude/longitude pair.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// CountryCoordinate is a persisted geocode cache entry.
type CountryCoordinate struct {
	Country string  `json:"country"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}
