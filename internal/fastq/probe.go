// Package fastq checks that a record's fastq files are still served by the
// archive FTP mirror and match the sizes the archive advertises.
package fastq

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/microfetch/microfetch-pipeline/internal/config"
	"github.com/microfetch/microfetch-pipeline/internal/model"
)

// File is the probe outcome for one fastq link.
type File struct {
	URL      string `json:"url"`
	Expected *int64 `json:"expected_bytes,omitempty"`
	Size     int64  `json:"size"`
	Match    bool   `json:"match"`
	Error    string `json:"error,omitempty"`
}

// conn is the subset of *ftp.ServerConn used by the prober.
type conn interface {
	Login(user, password string) error
	FileSize(path string) (int64, error)
	Quit() error
}

type dialFunc func(ctx context.Context, host string, timeout time.Duration) (conn, error)

func dialFTP(ctx context.Context, host string, timeout time.Duration) (conn, error) {
	return ftp.Dial(host, ftp.DialWithTimeout(timeout), ftp.DialWithContext(ctx))
}

// Prober sizes fastq files over FTP.
type Prober struct {
	cfg  config.FTPConfig
	dial dialFunc
}

// NewProber creates a Prober.
func NewProber(cfg config.FTPConfig) *Prober {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.User == "" {
		cfg.User = "anonymous"
		cfg.Password = "anonymous@"
	}
	return &Prober{cfg: cfg, dial: dialFTP}
}

// Links splits a record's fastq_ftp field into FTP URLs. The archive lists
// them without a scheme, separated by ';'.
func Links(rec *model.Record) []string {
	var out []string
	for _, l := range strings.Split(rec.FastqFTP, ";") {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if !strings.Contains(l, "://") {
			l = "ftp://" + l
		}
		out = append(out, l)
	}
	return out
}

// expectedSizes parses the ';'-separated fastq_bytes field.
func expectedSizes(rec *model.Record) []*int64 {
	var out []*int64
	for _, s := range strings.Split(rec.FastqBytes, ";") {
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			out = append(out, nil)
			continue
		}
		out = append(out, &n)
	}
	return out
}

// parseFTPURL extracts host (with port) and path from an FTP URL.
func parseFTPURL(rawURL string) (host string, path string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", eris.Wrap(err, "fastq: parse ftp url")
	}
	if u.Scheme != "ftp" {
		return "", "", eris.Errorf("fastq: expected ftp scheme, got %q", u.Scheme)
	}

	host = u.Host
	if _, _, splitErr := net.SplitHostPort(host); splitErr != nil {
		host = net.JoinHostPort(host, "21")
	}

	path = u.Path
	if path == "" {
		return "", "", eris.New("fastq: empty path in ftp url")
	}

	return host, path, nil
}

// Probe sizes every fastq link of rec. Per-file failures are reported in
// the result; an error is returned only when rec has no links.
func (p *Prober) Probe(ctx context.Context, rec *model.Record) ([]File, error) {
	links := Links(rec)
	if len(links) == 0 {
		return nil, eris.Errorf("fastq: record %s has no fastq links", rec.ID)
	}
	expected := expectedSizes(rec)

	files := make([]File, len(links))
	for i, link := range links {
		files[i].URL = link
		if i < len(expected) {
			files[i].Expected = expected[i]
		}
		size, err := p.size(ctx, link)
		if err != nil {
			files[i].Error = err.Error()
			zap.L().Warn("fastq: probe failed",
				zap.String("record_id", rec.ID),
				zap.String("url", link),
				zap.Error(err),
			)
			continue
		}
		files[i].Size = size
		files[i].Match = files[i].Expected == nil || *files[i].Expected == size
	}
	return files, nil
}

func (p *Prober) size(ctx context.Context, link string) (int64, error) {
	host, path, err := parseFTPURL(link)
	if err != nil {
		return 0, err
	}

	zap.L().Debug("fastq: connecting", zap.String("host", host), zap.String("path", path))

	c, err := p.dial(ctx, host, p.cfg.Timeout)
	if err != nil {
		return 0, eris.Wrap(err, "fastq: ftp dial")
	}
	defer c.Quit() //nolint:errcheck

	if err := c.Login(p.cfg.User, p.cfg.Password); err != nil {
		return 0, eris.Wrap(err, "fastq: ftp login")
	}

	size, err := c.FileSize(path)
	if err != nil {
		return 0, eris.Wrapf(err, "fastq: size %s", path)
	}
	return size, nil
}
