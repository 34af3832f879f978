package geocode

import (
	"context"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/unicode/norm"

	"github.com/microfetch/microfetch-pipeline/internal/model"
	"github.com/microfetch/microfetch-pipeline/internal/resilience"
)

// Cache persists resolved country coordinates. A nil result from
// GetCountryCoordinate is a miss.
type Cache interface {
	GetCountryCoordinate(ctx context.Context, country string) (*model.CountryCoordinate, error)
	PutCountryCoordinate(ctx context.Context, c model.CountryCoordinate) error
}

// Lookup outcomes reported to an observer.
const (
	OutcomeHit      = "hit"
	OutcomeResolved = "resolved"
	OutcomeNotFound = "not_found"
	OutcomeError    = "error"
)

// Option configures a Resolver.
type Option func(*Resolver)

// WithConcurrency bounds parallel provider calls in ResolveAll.
func WithConcurrency(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithBreaker replaces the provider circuit breaker.
func WithBreaker(b *resilience.Breaker) Option {
	return func(r *Resolver) { r.breaker = b }
}

// WithObserver registers a callback for every lookup outcome.
func WithObserver(fn func(outcome string)) Option {
	return func(r *Resolver) { r.observe = fn }
}

// Resolver turns country names into coordinates, consulting the cache
// before the provider.
type Resolver struct {
	cache       Cache
	provider    Provider
	breaker     *resilience.Breaker
	group       singleflight.Group
	concurrency int
	observe     func(string)
	log         *zap.Logger
}

// NewResolver creates a Resolver backed by cache and provider.
func NewResolver(cache Cache, provider Provider, opts ...Option) *Resolver {
	r := &Resolver{
		cache:       cache,
		provider:    provider,
		concurrency: 2,
		observe:     func(string) {},
		log:         zap.L().With(zap.String("component", "geocode")),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.breaker == nil {
		r.breaker = resilience.NewBreaker(resilience.BreakerConfig{
			Name:             "geocode:" + provider.Name(),
			FailureThreshold: 5,
			Cooldown:         time.Minute,
		})
	}
	return r
}

// NormalizeCountry reduces an archive country value such as
// "United Kingdom: Oxford" to its country part.
func NormalizeCountry(raw string) string {
	country, _, _ := strings.Cut(raw, ":")
	country = html.UnescapeString(country)
	country = strings.Join(strings.Fields(country), " ")
	return norm.NFC.String(country)
}

// Resolve returns the coordinate for country, or nil when none can be
// found. Provider failures are logged and not cached; the error return is
// reserved for cache failures.
func (r *Resolver) Resolve(ctx context.Context, country string) (*model.Coordinate, error) {
	key := NormalizeCountry(country)
	if key == "" {
		return nil, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.resolve(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	coord, _ := v.(*model.Coordinate)
	return coord, nil
}

func (r *Resolver) resolve(ctx context.Context, country string) (*model.Coordinate, error) {
	cached, err := r.cache.GetCountryCoordinate(ctx, country)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: read cache")
	}
	if cached != nil {
		r.observe(OutcomeHit)
		return &model.Coordinate{Lat: cached.Lat, Lon: cached.Lon}, nil
	}

	if !r.provider.Available() {
		r.log.Warn("geocode provider not configured", zap.String("provider", r.provider.Name()))
		r.observe(OutcomeError)
		return nil, nil
	}

	coord, err := resilience.Execute(ctx, r.breaker, func(ctx context.Context) (*model.Coordinate, error) {
		return r.provider.Geocode(ctx, country)
	})
	if err != nil {
		r.log.Warn("geocode lookup failed",
			zap.String("country", country),
			zap.String("provider", r.provider.Name()),
			zap.Error(err),
		)
		r.observe(OutcomeError)
		return nil, nil
	}
	if coord == nil {
		r.log.Info("no coordinate for country", zap.String("country", country))
		r.observe(OutcomeNotFound)
		return nil, nil
	}

	if err := r.cache.PutCountryCoordinate(ctx, model.CountryCoordinate{
		Country: country, Lat: coord.Lat, Lon: coord.Lon,
	}); err != nil {
		return nil, eris.Wrap(err, "geocode: write cache")
	}
	r.observe(OutcomeResolved)
	return coord, nil
}

// ResolveAll resolves a batch of country values. Each distinct normalised
// country is looked up once. The result is keyed by the raw input values;
// values with no coordinate map to nil.
func (r *Resolver) ResolveAll(ctx context.Context, countries []string) (map[string]*model.Coordinate, error) {
	byKey := make(map[string][]string)
	for _, c := range countries {
		key := NormalizeCountry(c)
		if key == "" {
			continue
		}
		byKey[key] = append(byKey[key], c)
	}

	var mu sync.Mutex
	out := make(map[string]*model.Coordinate, len(countries))

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(r.concurrency)
	for key, raws := range byKey {
		eg.Go(func() error {
			coord, err := r.Resolve(gctx, key)
			if err != nil {
				return err
			}
			mu.Lock()
			for _, raw := range raws {
				out[raw] = coord
			}
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
