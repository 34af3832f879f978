package archive

import (
	"strconv"
	"strings"
	"time"

	"github.com/microfetch/microfetch-pipeline/internal/model"
)

// Row is one archive result with field values as returned.
type Row map[string]string

// Fields requested for read_run results.
var Fields = []string{
	"run_accession", "experiment_accession", "sample_accession", "secondary_sample_accession",
	"tax_id", "scientific_name",
	"instrument_platform", "instrument_model",
	"library_strategy", "library_source", "library_layout", "library_selection",
	"read_count", "base_count", "fastq_ftp", "fastq_bytes",
	"country", "lat", "lon", "collection_date", "first_public",
}

// ID returns the composite record id for the row.
func (r Row) ID() string {
	return model.RecordID(r["sample_accession"], r["experiment_accession"], r["run_accession"])
}

// Record converts the row into a record owned by taxonID. Unparseable
// numeric fields are left unset.
func (r Row) Record(taxonID int64, fetched time.Time) model.Record {
	return model.Record{
		ID:                       r.ID(),
		TaxonID:                  taxonID,
		SampleAccession:          r["sample_accession"],
		SecondarySampleAccession: r["secondary_sample_accession"],
		ExperimentAccession:      r["experiment_accession"],
		RunAccession:             r["run_accession"],
		ScientificName:           r["scientific_name"],
		InstrumentPlatform:       r["instrument_platform"],
		InstrumentModel:          r["instrument_model"],
		LibraryStrategy:          r["library_strategy"],
		LibrarySource:            r["library_source"],
		LibraryLayout:            r["library_layout"],
		LibrarySelection:         r["library_selection"],
		ReadCount:                parseInt(r["read_count"]),
		BaseCount:                parseInt(r["base_count"]),
		FastqFTP:                 r["fastq_ftp"],
		FastqBytes:               r["fastq_bytes"],
		Country:                  r["country"],
		Lat:                      parseFloat(r["lat"]),
		Lon:                      parseFloat(r["lon"]),
		CollectionDate:           r["collection_date"],
		FirstPublic:              r["first_public"],
		TimeFetched:              fetched.UTC(),
	}
}

func parseInt(s string) *int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}

func parseFloat(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &f
}
