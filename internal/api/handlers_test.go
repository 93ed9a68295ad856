package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricequorum/pricequorum/internal/cache"
	"github.com/pricequorum/pricequorum/internal/metrics"
	"github.com/pricequorum/pricequorum/internal/oracle"
	"github.com/pricequorum/pricequorum/internal/store"
)

const (
	kindA oracle.OracleKind = "SourceA"
	kindB oracle.OracleKind = "SourceB"
)

type fakeAdapter struct {
	kind    oracle.OracleKind
	reading oracle.PriceReading
	err     error
	fetches int32
}

func (f *fakeAdapter) Kind() oracle.OracleKind            { return f.kind }
func (f *fakeAdapter) Register(symbol, addr string) error { return nil }
func (f *fakeAdapter) Symbols() []string                  { return []string{f.reading.Symbol} }
func (f *fakeAdapter) Healthy(ctx context.Context) bool   { return f.err == nil }

func (f *fakeAdapter) Fetch(ctx context.Context, symbol string) (oracle.PriceReading, error) {
	atomic.AddInt32(&f.fetches, 1)
	if f.err != nil {
		return oracle.PriceReading{}, f.err
	}
	r := f.reading
	r.Symbol = symbol
	return r, nil
}

func liveReading(kind oracle.OracleKind, price string) oracle.PriceReading {
	return oracle.PriceReading{
		Symbol:     "BTC/USD",
		Price:      decimal.RequireFromString(price),
		Confidence: decimal.NewFromInt(10),
		Timestamp:  time.Now().Unix(),
		Source:     kind,
	}
}

// stubCache satisfies both cache.Backend and the server's Cache.
type stubCache struct {
	mu       sync.Mutex
	entries  map[string]oracle.PriceReading
	healthy  bool
	statsErr error
	clears   int
}

func newStubCache() *stubCache {
	return &stubCache{entries: make(map[string]oracle.PriceReading), healthy: true}
}

func (s *stubCache) Get(ctx context.Context, symbol string) (oracle.PriceReading, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.entries[symbol]
	return r, ok, nil
}

func (s *stubCache) Put(ctx context.Context, reading oracle.PriceReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[reading.Symbol] = reading
	return nil
}

func (s *stubCache) Delete(ctx context.Context, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, symbol)
	return nil
}

func (s *stubCache) GetBatch(ctx context.Context, symbols []string) (map[string]oracle.PriceReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := make(map[string]oracle.PriceReading)
	for _, symbol := range symbols {
		if r, ok := s.entries[symbol]; ok {
			found[symbol] = r
		}
	}
	return found, nil
}

func (s *stubCache) Clear(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
	n := int64(len(s.entries))
	s.entries = make(map[string]oracle.PriceReading)
	return n, nil
}

func (s *stubCache) Stats(ctx context.Context) (cache.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statsErr != nil {
		return cache.Stats{}, s.statsErr
	}
	return cache.Stats{Entries: int64(len(s.entries)), MemoryBytes: 4096, TTLSeconds: 10}, nil
}

func (s *stubCache) Healthy(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

// stubStore records writes and serves canned reads.
type stubStore struct {
	mu       sync.Mutex
	appends  []oracle.PriceReading
	alerts   []store.DeviationAlert
	records  []store.HistoryRecord
	health   []store.OracleHealthRow
	stats    store.PriceStats
	healthy  bool
	queryErr error

	rangeCalls  [][2]int64
	recentCalls []int
	statsCalls  [][2]int64
}

func newStubStore() *stubStore { return &stubStore{healthy: true} }

func (s *stubStore) Migrate(ctx context.Context) error { return nil }

func (s *stubStore) Append(ctx context.Context, r oracle.PriceReading) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends = append(s.appends, r)
	return int64(len(s.appends)), nil
}

func (s *stubStore) AppendBatch(ctx context.Context, rs []oracle.PriceReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends = append(s.appends, rs...)
	return nil
}

func (s *stubStore) GetRecent(ctx context.Context, symbol string, limit int) ([]store.HistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recentCalls = append(s.recentCalls, limit)
	return s.records, s.queryErr
}

func (s *stubStore) GetRange(ctx context.Context, symbol string, start, end int64) ([]store.HistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rangeCalls = append(s.rangeCalls, [2]int64{start, end})
	return s.records, s.queryErr
}

func (s *stubStore) GetStats(ctx context.Context, symbol string, start, end int64) (store.PriceStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statsCalls = append(s.statsCalls, [2]int64{start, end})
	return s.stats, s.queryErr
}

func (s *stubStore) UpsertHealth(ctx context.Context, obs store.HealthObservation) error { return nil }

func (s *stubStore) GetHealth(ctx context.Context, source string) (*store.OracleHealthRow, error) {
	return nil, nil
}

func (s *stubStore) GetAllHealth(ctx context.Context) ([]store.OracleHealthRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health, s.queryErr
}

func (s *stubStore) AppendDeviationAlert(ctx context.Context, a store.DeviationAlert) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return int64(len(s.alerts)), nil
}

func (s *stubStore) GetDeviationAlerts(ctx context.Context, limit int) ([]store.DeviationAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alerts, s.queryErr
}

func (s *stubStore) PruneBefore(ctx context.Context, ts int64) (int64, error) { return 0, nil }

func (s *stubStore) Healthy(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

func (s *stubStore) Close() error { return nil }

func (s *stubStore) appendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.appends)
}

func (s *stubStore) alertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

type testEnv struct {
	server  *Server
	cache   *stubCache
	store   *stubStore
	tracker *oracle.HealthTracker
}

func newTestEnv(t *testing.T, adapters ...oracle.SourceAdapter) *testEnv {
	t.Helper()

	sc := newStubCache()
	st := newStubStore()
	tracker := oracle.NewHealthTracker()
	registry := metrics.NewRegistry()

	agg := oracle.NewAggregator(oracle.DefaultConsensusConfig(), tracker, adapters...)
	fetcher := cache.NewCachedFetcher(sc, registry)

	srv := NewServer("127.0.0.1:0", Deps{
		Fetcher:    fetcher,
		Aggregator: agg,
		Cache:      sc,
		Store:      st,
		Tracker:    tracker,
		Metrics:    registry,
	})

	return &testEnv{server: srv, cache: sc, store: st, tracker: tracker}
}

func (e *testEnv) do(t *testing.T, method, path string) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)

	var resp apiResponse
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func dataMap(t *testing.T, resp apiResponse) map[string]interface{} {
	t.Helper()
	m, ok := resp.Data.(map[string]interface{})
	require.True(t, ok, "data is not an object: %v", resp.Data)
	return m
}

func TestPriceEndpoint(t *testing.T) {
	env := newTestEnv(t,
		&fakeAdapter{kind: kindA, reading: liveReading(kindA, "50000")},
		&fakeAdapter{kind: kindB, reading: liveReading(kindB, "50100")},
	)

	rec, resp := env.do(t, http.MethodGet, "/api/v1/price/btc-usd")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.True(t, resp.Success)

	data := dataMap(t, resp)
	assert.Equal(t, "BTC/USD", data["symbol"], "public dash form canonicalizes to slash form")
	assert.Equal(t, "50050", data["price"])
	assert.Equal(t, "Aggregate", data["source"])

	// The served reading lands in history write-behind.
	require.Eventually(t, func() bool { return env.store.appendCount() == 1 },
		time.Second, 5*time.Millisecond)
}

func TestPriceEndpointServedFromCache(t *testing.T) {
	adapter := &fakeAdapter{kind: kindA, reading: liveReading(kindA, "50000")}
	env := newTestEnv(t, adapter)

	cached := liveReading(oracle.Aggregate, "49999")
	env.cache.entries["BTC/USD"] = cached

	rec, resp := env.do(t, http.MethodGet, "/api/v1/price/BTC-USD")
	require.Equal(t, http.StatusOK, rec.Code)

	data := dataMap(t, resp)
	assert.Equal(t, "49999", data["price"])
	assert.Zero(t, atomic.LoadInt32(&adapter.fetches), "cache hit skips the aggregator")
}

func TestPriceEndpointNoData(t *testing.T) {
	env := newTestEnv(t,
		&fakeAdapter{kind: kindA, err: errors.New("rpc down")},
		&fakeAdapter{kind: kindB, err: errors.New("rpc down")},
	)

	rec, resp := env.do(t, http.MethodGet, "/api/v1/price/BTC-USD")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
}

func TestPriceEndpointAllStale(t *testing.T) {
	stale := liveReading(kindA, "50000")
	stale.Timestamp = time.Now().Unix() - 300

	env := newTestEnv(t, &fakeAdapter{kind: kindA, reading: stale})

	rec, _ := env.do(t, http.MethodGet, "/api/v1/price/BTC-USD")
	assert.Equal(t, http.StatusNotFound, rec.Code, "all stale surfaces as no price data")
}

func TestPriceEndpointDeviation(t *testing.T) {
	env := newTestEnv(t,
		&fakeAdapter{kind: kindA, reading: liveReading(kindA, "50000")},
		&fakeAdapter{kind: kindB, reading: liveReading(kindB, "51100")},
	)

	rec, resp := env.do(t, http.MethodGet, "/api/v1/price/BTC-USD")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.False(t, resp.Success)

	require.Eventually(t, func() bool { return env.store.alertCount() == 1 },
		time.Second, 5*time.Millisecond)

	env.store.mu.Lock()
	alert := env.store.alerts[0]
	env.store.mu.Unlock()
	assert.Equal(t, "BTC/USD", alert.Symbol)
	assert.Equal(t, int64(108), alert.DeviationBps)
	assert.Equal(t, int64(100), alert.ThresholdBps)
	assert.Equal(t, "Aggregate", alert.Source2)
}

func TestPriceEndpointSingleFlight(t *testing.T) {
	adapter := &fakeAdapter{kind: kindA, reading: liveReading(kindA, "50000")}
	env := newTestEnv(t, adapter)

	const concurrency = 50
	var wg sync.WaitGroup
	codes := make([]int, concurrency)

	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(i int) {
			defer wg.Done()
			rec, _ := env.do(t, http.MethodGet, "/api/v1/price/ETH-USD")
			codes[i] = rec.Code
		}(i)
	}
	wg.Wait()

	for _, code := range codes {
		assert.Equal(t, http.StatusOK, code)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&adapter.fetches),
		"concurrent cold-cache reads collapse into one fan-out")
}

func TestPricesBatch(t *testing.T) {
	adapter := &fakeAdapter{kind: kindA, reading: liveReading(kindA, "3000")}
	env := newTestEnv(t, adapter)
	env.cache.entries["BTC/USD"] = liveReading(oracle.Aggregate, "50000")

	rec, resp := env.do(t, http.MethodGet, "/api/v1/prices?symbols=BTC-USD,ETH-USD")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	data := dataMap(t, resp)
	prices, ok := data["prices"].(map[string]interface{})
	require.True(t, ok)
	assert.Len(t, prices, 2)
	assert.Contains(t, prices, "BTC/USD")
	assert.Contains(t, prices, "ETH/USD")
}

func TestPricesBatchPartialFailure(t *testing.T) {
	env := newTestEnv(t, &fakeAdapter{kind: kindA, err: errors.New("rpc down")})
	env.cache.entries["BTC/USD"] = liveReading(oracle.Aggregate, "50000")

	rec, resp := env.do(t, http.MethodGet, "/api/v1/prices?symbols=BTC-USD,ETH-USD")
	require.Equal(t, http.StatusOK, rec.Code)

	data := dataMap(t, resp)
	prices := data["prices"].(map[string]interface{})
	failures := data["errors"].(map[string]interface{})
	assert.Len(t, prices, 1)
	assert.Contains(t, failures, "ETH/USD")
}

func TestPricesBatchValidation(t *testing.T) {
	env := newTestEnv(t)

	rec, _ := env.do(t, http.MethodGet, "/api/v1/prices")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = env.do(t, http.MethodGet, "/api/v1/prices?symbols=%2C%2C")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.store.records = []store.HistoryRecord{
		{ID: 2, Symbol: "BTC/USD", Price: decimal.RequireFromString("50100"), Timestamp: 60},
		{ID: 1, Symbol: "BTC/USD", Price: decimal.RequireFromString("50000"), Timestamp: 0},
	}

	t.Run("recent with limit", func(t *testing.T) {
		rec, resp := env.do(t, http.MethodGet, "/api/v1/price/BTC-USD/history?limit=2")
		require.Equal(t, http.StatusOK, rec.Code)

		data := dataMap(t, resp)
		assert.Equal(t, float64(2), data["count"])
		assert.Equal(t, []int{2}, env.store.recentCalls)
	})

	t.Run("range when bounds given", func(t *testing.T) {
		rec, _ := env.do(t, http.MethodGet, "/api/v1/price/BTC-USD/history?start=100&end=200")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, env.store.rangeCalls, 1)
		assert.Equal(t, [2]int64{100, 200}, env.store.rangeCalls[0])
	})
}

func TestStatsEndpointDefaultWindow(t *testing.T) {
	env := newTestEnv(t)

	rec, _ := env.do(t, http.MethodGet, "/api/v1/price/BTC-USD/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, env.store.statsCalls, 1)
	window := env.store.statsCalls[0]
	assert.Equal(t, int64(3600), window[1]-window[0], "default window is the last hour")
}

func TestHealthEndpoint(t *testing.T) {
	adapter := &fakeAdapter{kind: kindA, reading: liveReading(kindA, "50000")}

	t.Run("degraded before any observation", func(t *testing.T) {
		env := newTestEnv(t, adapter)
		rec, resp := env.do(t, http.MethodGet, "/api/v1/health")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "degraded", dataMap(t, resp)["status"])
	})

	t.Run("healthy after successful fetch", func(t *testing.T) {
		env := newTestEnv(t, adapter)
		env.tracker.Record(kindA, true)
		rec, resp := env.do(t, http.MethodGet, "/api/v1/health")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "healthy", dataMap(t, resp)["status"])
	})

	t.Run("failing source is unhealthy", func(t *testing.T) {
		env := newTestEnv(t, adapter)
		env.tracker.Record(kindA, false)
		rec, resp := env.do(t, http.MethodGet, "/api/v1/health")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.False(t, resp.Success, "a 503 body must not claim success")
		assert.Equal(t, "unhealthy", dataMap(t, resp)["status"])
	})

	t.Run("dead database is unhealthy", func(t *testing.T) {
		env := newTestEnv(t, adapter)
		env.tracker.Record(kindA, true)
		env.store.healthy = false
		rec, _ := env.do(t, http.MethodGet, "/api/v1/health")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("dead cache only degrades", func(t *testing.T) {
		env := newTestEnv(t, adapter)
		env.tracker.Record(kindA, true)
		env.cache.healthy = false
		rec, resp := env.do(t, http.MethodGet, "/api/v1/health")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "degraded", dataMap(t, resp)["status"])
	})
}

func TestOracleHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now()
	env.store.health = []store.OracleHealthRow{
		{ID: 1, Source: "Pyth", IsHealthy: true, TotalRequests: 120, UpdatedAt: now},
		{ID: 2, Source: "Switchboard", IsHealthy: false, ConsecutiveFailures: 4, UpdatedAt: now},
	}

	rec, resp := env.do(t, http.MethodGet, "/api/v1/health/oracles")
	require.Equal(t, http.StatusOK, rec.Code)

	data := dataMap(t, resp)
	oracles := data["oracles"].([]interface{})
	assert.Len(t, oracles, 2)
}

func TestCacheAdminEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.cache.entries["BTC/USD"] = liveReading(oracle.Aggregate, "50000")

	rec, resp := env.do(t, http.MethodGet, "/api/v1/admin/cache/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), dataMap(t, resp)["entries"])

	rec, resp = env.do(t, http.MethodPost, "/api/v1/admin/cache/clear")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), dataMap(t, resp)["cleared"])

	rec, resp = env.do(t, http.MethodGet, "/api/v1/admin/cache/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), dataMap(t, resp)["entries"])

	rec, _ = env.do(t, http.MethodGet, "/api/v1/admin/cache/clear")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAlertsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.store.alerts = []store.DeviationAlert{{
		ID: 1, Symbol: "BTC/USD", Source1: "SourceB", Source2: "Aggregate",
		Price1: decimal.RequireFromString("51100"), Price2: decimal.RequireFromString("50550"),
		DeviationBps: 108, ThresholdBps: 100,
	}}

	rec, resp := env.do(t, http.MethodGet, "/api/v1/admin/alerts")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), dataMap(t, resp)["count"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, &fakeAdapter{kind: kindA, reading: liveReading(kindA, "50000")})
	env.do(t, http.MethodGet, "/api/v1/price/BTC-USD")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pricequorum_cache_misses_total")
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestEnv(t)
	rec, _ := env.do(t, http.MethodGet, "/api/v1/health")
	assert.Len(t, rec.Header().Get("X-Request-ID"), 8)
}

func TestCanonicalSymbol(t *testing.T) {
	tests := []struct{ in, want string }{
		{"btc-usd", "BTC/USD"},
		{"BTC-USD", "BTC/USD"},
		{"BTC/USD", "BTC/USD"},
		{"sol-usd", "SOL/USD"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, canonicalSymbol(tt.in))
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"no price data", oracle.ErrNoPriceData, http.StatusNotFound},
		{"no feed", oracle.ErrNoFeed, http.StatusNotFound},
		{"deviation", &oracle.DeviationError{}, http.StatusConflict},
		{"stale", oracle.ErrStale, http.StatusServiceUnavailable},
		{"backend", errors.New("pg down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, msg := statusForError(tt.err)
			assert.Equal(t, tt.want, status)
			if tt.want == http.StatusInternalServerError {
				assert.Equal(t, "internal server error", msg, "internals never leak")
			}
		})
	}
}
