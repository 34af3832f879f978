// Package geocode resolves free-text country names to coordinates, caching
// every successful lookup so each country costs at most one provider call.
package geocode

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/microfetch/microfetch-pipeline/internal/config"
	"github.com/microfetch/microfetch-pipeline/internal/model"
)

// Provider represents a single geocoding backend. Geocode returns nil, nil
// when the provider has no candidate for the query.
type Provider interface {
	Name() string
	Geocode(ctx context.Context, query string) (*model.Coordinate, error)
	Available() bool
}

// NewProvider builds the provider named in cfg.
func NewProvider(cfg config.GeocodeConfig, hc *http.Client) (Provider, error) {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	limiter := rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))

	switch strings.ToLower(cfg.Provider) {
	case "", "nominatim":
		return &Nominatim{
			baseURL:    strings.TrimRight(orDefault(cfg.BaseURL, nominatimURL), "/"),
			userAgent:  cfg.UserAgent,
			httpClient: hc,
			limiter:    limiter,
		}, nil
	case "google":
		return &Google{
			baseURL:    orDefault(cfg.BaseURL, googleGeocodeURL),
			apiKey:     cfg.GoogleAPIKey,
			httpClient: hc,
			limiter:    limiter,
		}, nil
	default:
		return nil, eris.Errorf("geocode: unknown provider %q", cfg.Provider)
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
