package cache

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/pricequorum/pricequorum/internal/metrics"
	"github.com/pricequorum/pricequorum/internal/oracle"
)

// ProduceFunc computes a fresh reading on a cache miss.
type ProduceFunc func(ctx context.Context) (oracle.PriceReading, error)

// Backend is the slice of the cache the fetcher needs. *PriceCache
// satisfies it.
type Backend interface {
	Get(ctx context.Context, symbol string) (oracle.PriceReading, bool, error)
	Put(ctx context.Context, reading oracle.PriceReading) error
	Delete(ctx context.Context, symbol string) error
}

// CachedFetcher is the two-tier read path: cache first, producer on a
// miss, cache fill on the way out. Misses for the same symbol are
// collapsed so at most one producer runs per symbol at a time; callers
// that arrive during the flight share its outcome, success or error.
type CachedFetcher struct {
	cache   Backend
	group   singleflight.Group
	metrics *metrics.Registry
	log     zerolog.Logger
}

// NewCachedFetcher wires the cache and the metrics registry.
func NewCachedFetcher(c Backend, m *metrics.Registry) *CachedFetcher {
	return &CachedFetcher{
		cache:   c,
		metrics: m,
		log:     log.With().Str("module", "fetcher").Logger(),
	}
}

// Get returns the cached reading for symbol or produces one. A cache
// backend failure downgrades to a miss. The producing call runs under
// the context of the caller that opened the flight; a waiter whose own
// context ends leaves the flight without disturbing it, and a finished
// flight never poisons the key, so the next caller simply retries.
func (f *CachedFetcher) Get(ctx context.Context, symbol string, produce ProduceFunc) (oracle.PriceReading, error) {
	reading, found, err := f.cache.Get(ctx, symbol)
	if err != nil {
		f.log.Warn().Err(err).Str("symbol", symbol).Msg("cache read failed, bypassing")
	} else if found {
		f.metrics.RecordCacheHit("price")
		return reading, nil
	}
	f.metrics.RecordCacheMiss("price")

	ch := f.group.DoChan(symbol, func() (interface{}, error) {
		// Another flight may have filled the key between our miss and
		// this flight starting.
		if reading, found, err := f.cache.Get(ctx, symbol); err == nil && found {
			return reading, nil
		}

		reading, err := produce(ctx)
		if err != nil {
			return nil, err
		}

		if err := f.cache.Put(ctx, reading); err != nil {
			f.log.Warn().Err(err).Str("symbol", symbol).Msg("cache fill failed")
		}
		return reading, nil
	})

	select {
	case <-ctx.Done():
		return oracle.PriceReading{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return oracle.PriceReading{}, res.Err
		}
		return res.Val.(oracle.PriceReading), nil
	}
}

// Invalidate drops a symbol's cache entry. Errors are logged only; a
// failed invalidation just means the TTL does the job instead.
func (f *CachedFetcher) Invalidate(ctx context.Context, symbol string) {
	if err := f.cache.Delete(ctx, symbol); err != nil {
		f.log.Warn().Err(err).Str("symbol", symbol).Msg("cache invalidation failed")
	}
}
