package geocode

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/microfetch/microfetch-pipeline/internal/model"
)

// memCache is an in-memory Cache.
type memCache struct {
	mu      sync.Mutex
	entries map[string]model.CountryCoordinate
	puts    int
	getErr  error
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]model.CountryCoordinate)}
}

func (c *memCache) GetCountryCoordinate(_ context.Context, country string) (*model.CountryCoordinate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, c.getErr
	}
	e, ok := c.entries[country]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (c *memCache) PutCountryCoordinate(_ context.Context, cc model.CountryCoordinate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cc.Country] = cc
	c.puts++
	return nil
}

// stubProvider answers from a fixed table and counts calls per query.
type stubProvider struct {
	mu      sync.Mutex
	answers map[string]*model.Coordinate
	calls   map[string]int
	total   atomic.Int32
	fail    bool
	block   chan struct{}
}

func newStubProvider(answers map[string]*model.Coordinate) *stubProvider {
	return &stubProvider{answers: answers, calls: make(map[string]int)}
}

func (p *stubProvider) Name() string    { return "stub" }
func (p *stubProvider) Available() bool { return true }

func (p *stubProvider) Geocode(ctx context.Context, query string) (*model.Coordinate, error) {
	p.total.Add(1)
	p.mu.Lock()
	p.calls[query]++
	p.mu.Unlock()
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.fail {
		return nil, errors.New("provider down")
	}
	return p.answers[query], nil
}

func (p *stubProvider) callsFor(query string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[query]
}
