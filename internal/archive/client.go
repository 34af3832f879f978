// Package archive queries the ENA portal API for sequencing read records.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/microfetch/microfetch-pipeline/internal/config"
	"github.com/microfetch/microfetch-pipeline/internal/resilience"
)

// DefaultBaseURL is the ENA portal API root.
const DefaultBaseURL = "https://www.ebi.ac.uk/ena/portal/api"

// ErrEndOfResults signals that the requested page lies past the last result.
var ErrEndOfResults = eris.New("archive: end of results")

// ChunkFailure records an accession chunk that could not be fetched.
type ChunkFailure struct {
	Offset     int
	Accessions []string
	Err        error
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for archive requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithPolicy overrides the retry policy.
func WithPolicy(p resilience.Policy) Option {
	return func(c *Client) { c.policy = p }
}

// WithLimiter overrides the request rate limiter.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// Client talks to the archive's search and taxon-link endpoints.
type Client struct {
	baseURL    string
	resultType string
	pageSize   int
	batchSize  int

	http    *http.Client
	limiter *rate.Limiter
	policy  resilience.Policy
	log     *zap.Logger
}

// New creates a Client from configuration.
func New(cfg config.ArchiveConfig, opts ...Option) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	resultType := cfg.ResultType
	if resultType == "" {
		resultType = "read_run"
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10000
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}

	c := &Client{
		baseURL:    baseURL,
		resultType: resultType,
		pageSize:   pageSize,
		batchSize:  batchSize,
		http:       &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), max(1, int(rps))),
		policy:     resilience.FromConfig(cfg.Retry),
		log:        zap.L().With(zap.String("component", "archive")),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.policy.OnRetry == nil {
		c.policy.OnRetry = resilience.LogRetry("archive", "request")
	}
	return c
}

// ResultType returns the archive result type this client requests.
func (c *Client) ResultType() string {
	return c.resultType
}

// FetchPage returns up to limit rows matching q starting at offset. It
// returns ErrEndOfResults when the archive reports nothing at that offset.
// A malformed response is logged and yields an empty page.
func (c *Client) FetchPage(ctx context.Context, q Query, offset, limit int) ([]Row, error) {
	rows, _, err := c.fetchPage(ctx, q, offset, limit)
	return rows, err
}

// fetchPage is FetchPage that also reports whether the body was unreadable.
func (c *Client) fetchPage(ctx context.Context, q Query, offset, limit int) ([]Row, bool, error) {
	params := url.Values{
		"result": {c.resultType},
		"query":  {q.String()},
		"fields": {strings.Join(Fields, ",")},
		"format": {"json"},
		"limit":  {strconv.Itoa(limit)},
		"offset": {strconv.Itoa(offset)},
	}
	body, err := c.do(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/search?"+params.Encode(), nil)
	})
	if err != nil {
		return nil, false, err
	}
	if body == nil {
		return nil, false, ErrEndOfResults
	}

	var rows []Row
	if err := json.Unmarshal(body, &rows); err != nil {
		c.log.Warn("malformed search response",
			zap.Int64("taxon_id", q.TaxonID),
			zap.Int("offset", offset),
			zap.Error(err),
		)
		return nil, true, nil
	}
	if len(rows) == 0 {
		return nil, false, ErrEndOfResults
	}
	return rows, false, nil
}

// maxMalformedRun is how many unreadable pages in a row Paginate tolerates
// before giving up on the rest of the result set.
const maxMalformedRun = 3

// PartialError reports pages Paginate had to skip. Rows from the readable
// pages were still delivered.
type PartialError struct {
	Offsets []int
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("archive: %d unreadable result page(s) at offsets %v", len(e.Offsets), e.Offsets)
}

// Paginate walks every page of q, calling fn for each, until the archive
// reports the end of results or returns a short page. Unreadable pages are
// skipped and reported as a *PartialError once the walk ends. It returns the
// total number of rows delivered.
func (c *Client) Paginate(ctx context.Context, q Query, fn func([]Row) error) (int, error) {
	total := 0
	var skipped []int
	run := 0
	done := func() (int, error) {
		if len(skipped) > 0 {
			return total, &PartialError{Offsets: skipped}
		}
		return total, nil
	}

	for offset := 0; ; offset += c.pageSize {
		rows, malformed, err := c.fetchPage(ctx, q, offset, c.pageSize)
		if eris.Is(err, ErrEndOfResults) {
			return done()
		}
		if err != nil {
			return total, eris.Wrapf(err, "archive: page at offset %d", offset)
		}
		if malformed {
			skipped = append(skipped, offset)
			if run++; run >= maxMalformedRun {
				return done()
			}
			continue
		}
		run = 0
		if err := fn(rows); err != nil {
			return total, err
		}
		total += len(rows)
		if len(rows) < c.pageSize {
			return done()
		}
	}
}

// accessionField maps a result type to the id field of its rows.
var accessionField = map[string]string{
	"read_run":        "run_accession",
	"read_experiment": "experiment_accession",
	"sample":          "sample_accession",
}

// LinkedAccessions lists accessions of resultType linked to the taxon
// subtree.
func (c *Client) LinkedAccessions(ctx context.Context, taxonID int64, resultType string) ([]string, error) {
	field := accessionField[resultType]
	var out []string
	var skipped []int
	run := 0
	done := func() ([]string, error) {
		if len(skipped) > 0 {
			return out, &PartialError{Offsets: skipped}
		}
		return out, nil
	}
	for offset := 0; ; offset += c.pageSize {
		params := url.Values{
			"accession": {strconv.FormatInt(taxonID, 10)},
			"result":    {resultType},
			"subtree":   {"true"},
			"format":    {"json"},
			"limit":     {strconv.Itoa(c.pageSize)},
			"offset":    {strconv.Itoa(offset)},
		}
		body, err := c.do(ctx, func() (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/links/taxon?"+params.Encode(), nil)
		})
		if err != nil {
			return out, eris.Wrapf(err, "archive: links for taxon %d", taxonID)
		}
		if body == nil {
			return done()
		}

		var rows []Row
		if err := json.Unmarshal(body, &rows); err != nil {
			c.log.Warn("malformed links response", zap.Int64("taxon_id", taxonID), zap.Int("offset", offset), zap.Error(err))
			skipped = append(skipped, offset)
			if run++; run >= maxMalformedRun {
				return done()
			}
			continue
		}
		run = 0
		for _, r := range rows {
			acc := r[field]
			if acc == "" {
				acc = r["accession"]
			}
			if acc != "" {
				out = append(out, acc)
			}
		}
		if len(rows) < c.pageSize {
			return done()
		}
	}
}

// FetchByAccessions fetches full rows for the given accessions in chunks of
// the configured batch size. A failed chunk is reported and skipped; the
// error return is reserved for context cancellation.
func (c *Client) FetchByAccessions(ctx context.Context, accessions []string, accessionType string) ([]Row, []ChunkFailure, error) {
	var rows []Row
	var failures []ChunkFailure
	for start := 0; start < len(accessions); start += c.batchSize {
		if err := ctx.Err(); err != nil {
			return rows, failures, eris.Wrap(err, "archive: fetch by accessions")
		}
		chunk := accessions[start:min(start+c.batchSize, len(accessions))]

		got, err := c.fetchChunk(ctx, chunk, accessionType)
		if err != nil {
			c.log.Error("accession chunk failed",
				zap.Int("offset", start),
				zap.Int("size", len(chunk)),
				zap.Error(err),
			)
			failures = append(failures, ChunkFailure{Offset: start, Accessions: chunk, Err: err})
			continue
		}
		rows = append(rows, got...)
	}
	return rows, failures, nil
}

func (c *Client) fetchChunk(ctx context.Context, chunk []string, accessionType string) ([]Row, error) {
	form := url.Values{
		"result":               {c.resultType},
		"includeAccessions":    {strings.Join(chunk, ",")},
		"includeAccessionType": {accessionType},
		"fields":               {strings.Join(Fields, ",")},
		"format":               {"json"},
		"limit":                {"0"},
	}
	encoded := form.Encode()
	body, err := c.do(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewBufferString(encoded))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil || body == nil {
		return nil, err
	}

	var rows []Row
	if err := json.Unmarshal(body, &rows); err != nil {
		c.log.Warn("malformed accession response", zap.Int("size", len(chunk)), zap.Error(err))
		return nil, nil
	}
	return rows, nil
}

// do sends a request built by newReq with rate limiting and retries. It
// returns a nil body for responses that carry no results.
func (c *Client) do(ctx context.Context, newReq func() (*http.Request, error)) ([]byte, error) {
	return resilience.DoVal(ctx, c.policy, func(ctx context.Context) ([]byte, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "archive: rate limiter")
		}
		req, err := newReq()
		if err != nil {
			return nil, eris.Wrap(err, "archive: build request")
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrap(err, "archive: request"), 0)
		}
		defer resp.Body.Close() //nolint:errcheck

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrap(err, "archive: read body"), 0)
		}

		switch {
		case resp.StatusCode == http.StatusNoContent:
			return nil, nil
		case resp.StatusCode == http.StatusBadRequest && outOfRange(body):
			return nil, nil
		case resp.StatusCode != http.StatusOK:
			return nil, resilience.StatusError("archive", resp.StatusCode, body)
		}
		if len(bytes.TrimSpace(body)) == 0 {
			return nil, nil
		}
		return body, nil
	})
}

// outOfRange reports whether a 400 body complains about the paging offset,
// which the archive uses to mean no more results.
func outOfRange(body []byte) bool {
	msg := strings.ToLower(string(body))
	return strings.Contains(msg, "offset")
}
