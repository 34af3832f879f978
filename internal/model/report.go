package model

import (
	"sort"

	"github.com/rotisserie/eris"
)

// ReportFields are the accepted keys of a structured post-assembly report.
var ReportFields = []string{
	"genome_size",
	"contig_count",
	"n50",
	"largest_contig",
	"gc_content",
	"coverage_depth",
	"completeness",
	"contamination",
	"species",
	"mlst_st",
}

var reportFieldSet = func() map[string]bool {
	m := make(map[string]bool, len(ReportFields))
	for _, f := range ReportFields {
		m[f] = true
	}
	return m
}()

// ValidateReport rejects reports carrying keys outside ReportFields.
func ValidateReport(report map[string]any) error {
	var unknown []string
	for k := range report {
		if !reportFieldSet[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return eris.Errorf("model: unknown report fields %v", unknown)
	}
	return nil
}
