package archive

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/microfetch/microfetch-pipeline/internal/config"
	"github.com/microfetch/microfetch-pipeline/internal/resilience"
)

func newTestClient(t *testing.T, h http.HandlerFunc, pageSize, batchSize int) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(config.ArchiveConfig{
		BaseURL:   srv.URL,
		PageSize:  pageSize,
		BatchSize: batchSize,
	},
		WithLimiter(rate.NewLimiter(rate.Inf, 1)),
		WithPolicy(resilience.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}),
	)
}

func rowsJSON(runs ...string) string {
	parts := make([]string, len(runs))
	for i, r := range runs {
		parts[i] = `{"sample_accession":"S` + r + `","experiment_accession":"X` + r + `","run_accession":"R` + r + `","library_strategy":"WGS","base_count":"1000"}`
	}
	return "[" + strings.Join(parts, ",") + "]"
}

var testQuery = Query{TaxonID: 755, Since: time.Date(2022, 6, 18, 0, 0, 0, 0, time.UTC)}

func TestQuery_String(t *testing.T) {
	q := Query{
		TaxonID: 755,
		Since:   time.Date(2024, 3, 1, 23, 0, 0, 0, time.UTC),
		Predicates: []Predicate{
			{Field: "library_strategy", Value: "WGS"},
			{Field: "instrument_platform", Value: "ILLUMINA"},
		},
	}
	assert.Equal(t,
		`tax_tree(755) AND first_public>=2024-03-01 AND instrument_platform="ILLUMINA" AND library_strategy="WGS"`,
		q.String())
}

func TestFetchPage_SendsQuery(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "read_run", q.Get("result"))
		assert.Equal(t, "tax_tree(755) AND first_public>=2022-06-18", q.Get("query"))
		assert.Equal(t, "json", q.Get("format"))
		assert.Equal(t, "2", q.Get("limit"))
		assert.Equal(t, "4", q.Get("offset"))
		assert.Contains(t, q.Get("fields"), "run_accession")
		_, _ = w.Write([]byte(rowsJSON("1", "2")))
	}, 2, 10)

	rows, err := c.FetchPage(context.Background(), testQuery, 4, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "S1_X1_R1", rows[0].ID())
}

func TestFetchPage_EndOfResults(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"no content", http.StatusNoContent, ""},
		{"empty array", http.StatusOK, "[]"},
		{"empty body", http.StatusOK, ""},
		{"offset out of range", http.StatusBadRequest, "Invalid offset: must be less than the result count"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}, 10, 10)

			rows, err := c.FetchPage(context.Background(), testQuery, 100, 10)
			assert.ErrorIs(t, err, ErrEndOfResults)
			assert.Empty(t, rows)
		})
	}
}

func TestFetchPage_MalformedJSONIsSoft(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"not": "an array"`))
	}, 10, 10)

	rows, err := c.FetchPage(context.Background(), testQuery, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestFetchPage_RetriesTransient(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(rowsJSON("1")))
	}, 10, 10)

	rows, err := c.FetchPage(context.Background(), testQuery, 0, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchPage_ExhaustedRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}, 10, 10)

	_, err := c.FetchPage(context.Background(), testQuery, 0, 10)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchPage_PermanentErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("invalid query"))
	}, 10, 10)

	_, err := c.FetchPage(context.Background(), testQuery, 0, 10)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPaginate(t *testing.T) {
	all := []string{"1", "2", "3", "4", "5"}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if offset >= len(all) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_, _ = w.Write([]byte(rowsJSON(all[offset:min(offset+limit, len(all))]...)))
	}, 2, 10)

	var pages [][]Row
	n, err := c.Paginate(context.Background(), testQuery, func(rows []Row) error {
		pages = append(pages, rows)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	require.Len(t, pages, 3)
	assert.Len(t, pages[2], 1)
}

func TestPaginate_ExactMultipleEndsOnEmptyPage(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Query().Get("offset") == "0" {
			_, _ = w.Write([]byte(rowsJSON("1", "2")))
			return
		}
		_, _ = w.Write([]byte("[]"))
	}, 2, 10)

	n, err := c.Paginate(context.Background(), testQuery, func([]Row) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPaginate_SkipsMalformedPageAndContinues(t *testing.T) {
	var offsets []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		offset := r.URL.Query().Get("offset")
		offsets = append(offsets, offset)
		switch offset {
		case "0":
			_, _ = w.Write([]byte(rowsJSON("1", "2")))
		case "2":
			_, _ = w.Write([]byte(`[{"run_accession":"ERR3"`))
		case "4":
			_, _ = w.Write([]byte(rowsJSON("5")))
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}, 2, 10)

	var got []string
	n, err := c.Paginate(context.Background(), testQuery, func(rows []Row) error {
		for _, r := range rows {
			got = append(got, r["run_accession"])
		}
		return nil
	})
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"0", "2", "4"}, offsets)
	assert.Equal(t, []string{"ERR1", "ERR2", "ERR5"}, got)

	var partial *PartialError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, []int{2}, partial.Offsets)
}

func TestPaginate_GivesUpAfterMalformedRun(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`<html>maintenance</html>`))
	}, 2, 10)

	n, err := c.Paginate(context.Background(), testQuery, func([]Row) error { return nil })
	assert.Zero(t, n)
	assert.Equal(t, int32(maxMalformedRun), calls.Load())

	var partial *PartialError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, []int{0, 2, 4}, partial.Offsets)
}

func TestLinkedAccessions_SkipsMalformedPage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("offset") {
		case "0":
			_, _ = w.Write([]byte(`[{"run_accession":"ERR1"},{"run_accession":"ERR2"}]`))
		case "2":
			_, _ = w.Write([]byte(`[{"run_acc`))
		default:
			_, _ = w.Write([]byte(`[{"run_accession":"ERR5"}]`))
		}
	}, 2, 10)

	accs, err := c.LinkedAccessions(context.Background(), 755, "read_run")
	assert.Equal(t, []string{"ERR1", "ERR2", "ERR5"}, accs)
	var partial *PartialError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, []int{2}, partial.Offsets)
}

func TestLinkedAccessions(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/links/taxon", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "755", q.Get("accession"))
		assert.Equal(t, "read_run", q.Get("result"))
		assert.Equal(t, "true", q.Get("subtree"))
		switch q.Get("offset") {
		case "0":
			_, _ = w.Write([]byte(`[{"run_accession":"ERR1"},{"run_accession":"ERR2"}]`))
		default:
			_, _ = w.Write([]byte(`[{"accession":"ERR3"}]`))
		}
	}, 2, 10)

	accs, err := c.LinkedAccessions(context.Background(), 755, "read_run")
	require.NoError(t, err)
	assert.Equal(t, []string{"ERR1", "ERR2", "ERR3"}, accs)
}

func TestFetchByAccessions_ChunkFailureIsolated(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "run_accession", r.PostForm.Get("includeAccessionType"))
		accs := strings.Split(r.PostForm.Get("includeAccessions"), ",")
		if accs[0] == "3" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(rowsJSON(accs...)))
	}, 10, 2)

	rows, failures, err := c.FetchByAccessions(context.Background(), []string{"1", "2", "3", "4", "5"}, "run_accession")
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	require.Len(t, failures, 1)
	assert.Equal(t, 2, failures[0].Offset)
	assert.Equal(t, []string{"3", "4"}, failures[0].Accessions)
	assert.Error(t, failures[0].Err)
}

func TestRow_Record(t *testing.T) {
	row := Row{
		"sample_accession":     "SAMEA1",
		"experiment_accession": "ERX1",
		"run_accession":        "ERR1",
		"base_count":           "5000000",
		"read_count":           "",
		"lat":                  "-1.28",
		"lon":                  "bad",
		"country":              "Kenya: Nairobi",
	}
	fetched := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	rec := row.Record(755, fetched)
	assert.Equal(t, "SAMEA1_ERX1_ERR1", rec.ID)
	assert.Equal(t, int64(755), rec.TaxonID)
	require.NotNil(t, rec.BaseCount)
	assert.Equal(t, int64(5000000), *rec.BaseCount)
	assert.Nil(t, rec.ReadCount)
	require.NotNil(t, rec.Lat)
	assert.InDelta(t, -1.28, *rec.Lat, 1e-9)
	assert.Nil(t, rec.Lon)
	assert.Equal(t, fetched, rec.TimeFetched)
	assert.Nil(t, rec.PassedFilter)
}
