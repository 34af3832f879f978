package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microfetch/microfetch-pipeline/internal/model"
	"github.com/microfetch/microfetch-pipeline/internal/monitoring"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"serve", "sync", "filter-pending", "reclaim", "taxon", "records", "fastq", "migrate", "status"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "microfetch", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
	assert.NotNil(t, serveCmd.Flags().Lookup("no-reconcile"))
}

func TestSyncCommand_Flags(t *testing.T) {
	assert.NotNil(t, syncCmd.Flags().Lookup("taxon"))
}

func TestRecordsExport_Flags(t *testing.T) {
	for _, name := range []string{"format", "out", "taxon", "assembly-result", "passed-filter"} {
		assert.NotNil(t, recordsExportCmd.Flags().Lookup(name), "records export should have --%s", name)
	}
	assert.Equal(t, "xlsx", recordsExportCmd.Flags().Lookup("format").DefValue)
}

func TestParseTaxonIDs(t *testing.T) {
	tests := []struct {
		in      string
		want    []int64
		wantErr bool
	}{
		{in: "755", want: []int64{755}},
		{in: "755, 1280,755,", want: []int64{755, 1280}},
		{in: "", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "-4", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseTaxonIDs(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExportWriter(t *testing.T) {
	for _, f := range []string{"xlsx", "geojson"} {
		w, err := exportWriter(f)
		require.NoError(t, err)
		assert.NotNil(t, w)
	}
	_, err := exportWriter("csv")
	assert.Error(t, err)
}

func TestPrintSnapshot(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printSnapshot(&buf, &monitoring.Snapshot{
		TaxaTotal:     2,
		TaxaDue:       1,
		Records:       map[model.AssemblyResult]int64{model.AssemblyWaiting: 9},
		LookbackHours: 24,
		SyncComplete:  3,
	}))
	out := buf.String()
	assert.Contains(t, out, "2 (1 due)")
	assert.Regexp(t, `waiting\s+9`, out)
	assert.Regexp(t, `success\s+0`, out)
	assert.Contains(t, out, "3 complete")
}

func TestPrintTaxa(t *testing.T) {
	synced := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	require.NoError(t, printTaxa(&buf, []model.Taxon{
		{ID: 755, TimeAdded: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
		{ID: 1280, TimeAdded: time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), LastSyncedAt: &synced},
	}))
	assert.Regexp(t, `755\s+2024-01-02\s+never`, buf.String())
	assert.Contains(t, buf.String(), "2024-05-01T08:00:00Z")
}

func TestTaxonAddAndExport_SQLite(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MICROFETCH_STORE_DRIVER", "sqlite")
	t.Setenv("MICROFETCH_STORE_DATABASE_URL", filepath.Join(dir, "cli.db"))
	t.Setenv("MICROFETCH_LOG_LEVEL", "error")

	run := func(args ...string) string {
		t.Helper()
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetArgs(args)
		require.NoError(t, rootCmd.Execute())
		return out.String()
	}

	assert.Contains(t, run("taxon", "add", "755,1280"), "registered taxon 1280")
	assert.Contains(t, run("taxon", "add", "755"), "already registered")
	assert.Regexp(t, `1280\s+\S+\s+never`, run("taxon", "list"))

	out := run("records", "export", "--format", "geojson")
	var fc map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &fc))
	assert.Equal(t, "FeatureCollection", fc["type"])
}
