package geocode

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/microfetch/microfetch-pipeline/internal/model"
	"github.com/microfetch/microfetch-pipeline/internal/resilience"
)

const googleGeocodeURL = "https://maps.googleapis.com/maps/api/geocode/json"

// Google geocodes via the Google Geocoding API.
type Google struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

type googleResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Results      []struct {
		Geometry struct {
			Location struct {
				Lat float64 `json:"lat"`
				Lng float64 `json:"lng"`
			} `json:"location"`
		} `json:"geometry"`
	} `json:"results"`
}

// coordinate returns the first result, or nil for ZERO_RESULTS.
func (r *googleResponse) coordinate() (*model.Coordinate, error) {
	switch r.Status {
	case "ZERO_RESULTS":
		return nil, nil
	case "OK":
		if len(r.Results) == 0 {
			return nil, nil
		}
		loc := r.Results[0].Geometry.Location
		return &model.Coordinate{Lat: loc.Lat, Lon: loc.Lng}, nil
	default:
		return nil, eris.Errorf("geocode: google status %s: %s", r.Status, r.ErrorMessage)
	}
}

// Name implements Provider.
func (g *Google) Name() string { return "google" }

// Available implements Provider.
func (g *Google) Available() bool { return g.apiKey != "" }

// Geocode implements Provider.
func (g *Google) Geocode(ctx context.Context, query string) (*model.Coordinate, error) {
	if !g.Available() {
		return nil, eris.New("geocode: google api key not configured")
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "geocode: google rate limit")
	}

	u := g.baseURL + "?" + url.Values{"address": {query}, "key": {g.apiKey}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: google build request")
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: google request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, resilience.StatusError("geocode: google", resp.StatusCode, body)
	}
	var out googleResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, eris.Wrap(err, "geocode: google decode response")
	}
	return out.coordinate()
}
