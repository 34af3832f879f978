package main

import (
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/microfetch/microfetch-pipeline/internal/export"
	"github.com/microfetch/microfetch-pipeline/internal/model"
	"github.com/microfetch/microfetch-pipeline/internal/store"
)

// exportPageSize is the page size used to stream records out of the store.
const exportPageSize = 5000

var (
	exportFormat   string
	exportOut      string
	exportTaxon    int64
	exportAssembly string
	exportPassed   bool
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Inspect and export records",
}

var recordsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export records as xlsx or GeoJSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		write, err := exportWriter(exportFormat)
		if err != nil {
			return err
		}
		filter, err := exportFilter(cmd)
		if err != nil {
			return err
		}

		st, err := openMigratedStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		var records []model.Record
		for {
			page, err := st.SelectRecords(cmd.Context(), filter)
			if err != nil {
				return err
			}
			records = append(records, page...)
			if len(page) < filter.Limit {
				break
			}
			filter.Offset += len(page)
		}

		out := cmd.OutOrStdout()
		if exportOut != "" {
			f, err := os.Create(exportOut)
			if err != nil {
				return eris.Wrap(err, "create export file")
			}
			defer f.Close() //nolint:errcheck
			out = f
		}
		if err := write(out, records); err != nil {
			return err
		}
		zap.L().Info("records exported",
			zap.String("format", exportFormat),
			zap.Int("records", len(records)),
		)
		return nil
	},
}

func exportWriter(format string) (func(io.Writer, []model.Record) error, error) {
	switch format {
	case "xlsx":
		return export.XLSX, nil
	case "geojson":
		return export.GeoJSON, nil
	default:
		return nil, eris.Errorf("unsupported export format %q (want xlsx or geojson)", format)
	}
}

func exportFilter(cmd *cobra.Command) (store.RecordFilter, error) {
	f := store.RecordFilter{Limit: exportPageSize}
	if cmd.Flags().Changed("taxon") {
		f.TaxonID = &exportTaxon
	}
	if exportAssembly != "" {
		state := model.AssemblyResult(exportAssembly)
		if !state.Valid() {
			return f, eris.Errorf("invalid assembly result %q", exportAssembly)
		}
		f.AssemblyResult = state
	}
	if cmd.Flags().Changed("passed-filter") {
		f.PassedFilter = &exportPassed
	}
	return f, nil
}

func init() {
	recordsExportCmd.Flags().StringVar(&exportFormat, "format", "xlsx", "output format: xlsx or geojson")
	recordsExportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output file (default stdout)")
	recordsExportCmd.Flags().Int64Var(&exportTaxon, "taxon", 0, "only records of this taxon")
	recordsExportCmd.Flags().StringVar(&exportAssembly, "assembly-result", "", "only records in this assembly state")
	recordsExportCmd.Flags().BoolVar(&exportPassed, "passed-filter", false, "only records with this filter outcome")
	recordsCmd.AddCommand(recordsExportCmd)
	rootCmd.AddCommand(recordsCmd)
}
