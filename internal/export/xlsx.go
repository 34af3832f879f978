// Package export writes record listings as spreadsheets and GeoJSON.
package export

import (
	"io"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/microfetch/microfetch-pipeline/internal/model"
)

// SheetName is the worksheet written by XLSX.
const SheetName = "records"

// Columns is the header row of a spreadsheet export.
var Columns = []string{
	"id", "taxon_id", "sample_accession", "experiment_accession", "run_accession",
	"scientific_name", "instrument_platform", "library_strategy", "library_layout",
	"base_count", "country", "lat", "lon", "lat_lon_interpolated", "collection_date",
	"passed_filter", "filter_failed", "assembly_result", "waiting_since",
	"assembled_genome_url", "passed_screening",
}

// XLSX writes records to w as a single-sheet workbook.
func XLSX(w io.Writer, records []model.Record) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(SheetName)
	if err != nil {
		return eris.Wrap(err, "export: add sheet")
	}

	header := sheet.AddRow()
	for _, c := range Columns {
		header.AddCell().SetString(c)
	}
	for i := range records {
		row := sheet.AddRow()
		for _, v := range cells(&records[i]) {
			row.AddCell().SetString(v)
		}
	}

	return eris.Wrap(f.Write(w), "export: write xlsx")
}

// cells renders a record in Columns order.
func cells(r *model.Record) []string {
	return []string{
		r.ID,
		strconv.FormatInt(r.TaxonID, 10),
		r.SampleAccession,
		r.ExperimentAccession,
		r.RunAccession,
		r.ScientificName,
		r.InstrumentPlatform,
		r.LibraryStrategy,
		r.LibraryLayout,
		formatInt(r.BaseCount),
		r.Country,
		formatFloat(r.Lat),
		formatFloat(r.Lon),
		strconv.FormatBool(r.LatLonInterpolated),
		r.CollectionDate,
		formatBool(r.PassedFilter),
		r.FilterFailed,
		string(r.AssemblyResult),
		formatTime(r.WaitingSince),
		r.AssembledGenomeURL,
		formatBool(r.PassedScreening),
	}
}

func formatInt(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func formatBool(v *bool) string {
	if v == nil {
		return ""
	}
	return strconv.FormatBool(*v)
}

func formatTime(v *time.Time) string {
	if v == nil {
		return ""
	}
	return v.UTC().Format(time.RFC3339)
}
