package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pricequorum/pricequorum/internal/oracle"
)

// DefaultTTL bounds how long a consensus reading may be served without
// re-aggregating.
const DefaultTTL = 10 * time.Second

const keyPrefix = "price:"

// Stats summarizes the cache backend state.
type Stats struct {
	Entries     int64 `json:"entries"`
	MemoryBytes int64 `json:"memory_bytes"`
	TTLSeconds  int64 `json:"ttl_seconds"`
}

// PriceCache stores readings in Redis under "price:{symbol}" with an
// absolute TTL. Backend failures are returned to the caller, which is
// expected to treat them as a bypass, not a fatal condition.
type PriceCache struct {
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

// NewPriceCache connects to Redis and verifies the connection.
func NewPriceCache(redisURL string, ttl time.Duration) (*PriceCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.PoolSize = 10
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewPriceCacheFromClient(client, ttl), nil
}

// NewPriceCacheFromClient wraps an existing Redis client. Used with
// mock clients in tests.
func NewPriceCacheFromClient(client *redis.Client, ttl time.Duration) *PriceCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &PriceCache{
		client: client,
		ttl:    ttl,
		log:    log.With().Str("module", "cache").Logger(),
	}
}

func cacheKey(symbol string) string { return keyPrefix + symbol }

// TTL returns the configured entry lifetime.
func (c *PriceCache) TTL() time.Duration { return c.ttl }

// Get returns the cached reading for a symbol. An expired or absent
// key is a miss, not an error.
func (c *PriceCache) Get(ctx context.Context, symbol string) (oracle.PriceReading, bool, error) {
	val, err := c.client.Get(ctx, cacheKey(symbol)).Result()
	if err != nil {
		if err == redis.Nil {
			return oracle.PriceReading{}, false, nil // miss
		}
		return oracle.PriceReading{}, false, fmt.Errorf("redis get: %w", err)
	}

	var reading oracle.PriceReading
	if err := json.Unmarshal([]byte(val), &reading); err != nil {
		return oracle.PriceReading{}, false, fmt.Errorf("unmarshal cached reading: %w", err)
	}
	return reading, true, nil
}

// Put stores a reading under its symbol with the cache TTL.
func (c *PriceCache) Put(ctx context.Context, reading oracle.PriceReading) error {
	data, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("marshal reading: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(reading.Symbol), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// PutBatch stores several readings in one round trip.
func (c *PriceCache) PutBatch(ctx context.Context, readings []oracle.PriceReading) error {
	if len(readings) == 0 {
		return nil
	}

	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, reading := range readings {
			data, err := json.Marshal(reading)
			if err != nil {
				return fmt.Errorf("marshal reading %s: %w", reading.Symbol, err)
			}
			pipe.Set(ctx, cacheKey(reading.Symbol), data, c.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis pipelined set: %w", err)
	}
	return nil
}

// GetBatch returns the cached readings present for the given symbols.
func (c *PriceCache) GetBatch(ctx context.Context, symbols []string) (map[string]oracle.PriceReading, error) {
	if len(symbols) == 0 {
		return map[string]oracle.PriceReading{}, nil
	}

	keys := make([]string, len(symbols))
	for i, s := range symbols {
		keys[i] = cacheKey(s)
	}

	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	found := make(map[string]oracle.PriceReading, len(symbols))
	for i, val := range vals {
		raw, ok := val.(string)
		if !ok {
			continue // miss
		}
		var reading oracle.PriceReading
		if err := json.Unmarshal([]byte(raw), &reading); err != nil {
			c.log.Warn().Err(err).Str("symbol", symbols[i]).Msg("dropping unreadable cache entry")
			continue
		}
		found[symbols[i]] = reading
	}
	return found, nil
}

// Delete evicts one symbol.
func (c *PriceCache) Delete(ctx context.Context, symbol string) error {
	if err := c.client.Del(ctx, cacheKey(symbol)).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// Clear evicts every cached reading and reports how many were removed.
func (c *PriceCache) Clear(ctx context.Context) (int64, error) {
	keys, err := c.client.Keys(ctx, keyPrefix+"*").Result()
	if err != nil {
		return 0, fmt.Errorf("redis keys: %w", err)
	}
	if len(keys) == 0 {
		return 0, nil
	}

	removed, err := c.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis clear: %w", err)
	}
	return removed, nil
}

// Stats reports entry count and backend memory use.
func (c *PriceCache) Stats(ctx context.Context) (Stats, error) {
	keys, err := c.client.Keys(ctx, keyPrefix+"*").Result()
	if err != nil {
		return Stats{}, fmt.Errorf("redis keys: %w", err)
	}

	info, err := c.client.Info(ctx, "memory").Result()
	if err != nil {
		return Stats{}, fmt.Errorf("redis info: %w", err)
	}

	return Stats{
		Entries:     int64(len(keys)),
		MemoryBytes: parseUsedMemory(info),
		TTLSeconds:  int64(c.ttl / time.Second),
	}, nil
}

// Healthy pings the backend.
func (c *PriceCache) Healthy(ctx context.Context) bool {
	pong, err := c.client.Ping(ctx).Result()
	return err == nil && pong == "PONG"
}

// Close releases the client's connection pool.
func (c *PriceCache) Close() error {
	return c.client.Close()
}

var _ Backend = (*PriceCache)(nil)

// parseUsedMemory extracts used_memory from INFO memory output.
func parseUsedMemory(info string) int64 {
	for _, line := range strings.Split(info, "\n") {
		if rest, ok := strings.CutPrefix(line, "used_memory:"); ok {
			n, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
			if err != nil {
				return 0
			}
			return n
		}
	}
	return 0
}
