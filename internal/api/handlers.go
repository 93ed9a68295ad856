package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/pricequorum/pricequorum/internal/cache"
	"github.com/pricequorum/pricequorum/internal/oracle"
	"github.com/pricequorum/pricequorum/internal/store"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
	defaultAlertLimit   = 50
	defaultStatsWindow  = time.Hour
	maxBatchSymbols     = 50
)

// handlePrice serves the current consensus price for one symbol,
// cached when fresh, aggregated on a miss.
func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	symbol := canonicalSymbol(mux.Vars(r)["symbol"])

	reading, err := s.fetchPrice(r.Context(), symbol)
	if err != nil {
		status, msg := statusForError(err)
		writeError(w, status, msg)
		return
	}

	writeJSON(w, http.StatusOK, reading)
}

// handlePrices serves a batch of symbols: one MGET for the cached
// ones, concurrent read-through for the rest. Partial failure is not
// an error; each symbol reports its own outcome.
func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("symbols")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "symbols parameter is required")
		return
	}

	var symbols []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			symbols = append(symbols, canonicalSymbol(part))
		}
	}
	if len(symbols) == 0 {
		writeError(w, http.StatusBadRequest, "symbols parameter is empty")
		return
	}
	if len(symbols) > maxBatchSymbols {
		writeError(w, http.StatusBadRequest, "too many symbols requested")
		return
	}

	prices, err := s.cache.GetBatch(r.Context(), symbols)
	if err != nil {
		s.log.Warn().Err(err).Msg("batch cache read failed, bypassing")
		prices = map[string]oracle.PriceReading{}
	}
	for range prices {
		s.metrics.RecordCacheHit("price")
	}

	var (
		mu       sync.Mutex
		failures = map[string]string{}
	)
	g, ctx := errgroup.WithContext(r.Context())
	for _, symbol := range symbols {
		if _, hit := prices[symbol]; hit {
			continue
		}
		symbol := symbol
		g.Go(func() error {
			reading, err := s.fetchPrice(ctx, symbol)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[symbol] = err.Error()
				return nil
			}
			prices[symbol] = reading
			return nil
		})
	}
	_ = g.Wait()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"prices": prices,
		"errors": failures,
	})
}

// fetchPrice is the read path for one symbol: cache in front,
// consensus production behind the per-symbol single-flight.
func (s *Server) fetchPrice(ctx context.Context, symbol string) (oracle.PriceReading, error) {
	return s.fetcher.Get(ctx, symbol, s.produce(symbol))
}

// produce returns the miss-path producer for a symbol: run consensus,
// persist the served reading write-behind, account for the outcome.
func (s *Server) produce(symbol string) cache.ProduceFunc {
	return func(ctx context.Context) (oracle.PriceReading, error) {
		start := time.Now()
		consensus, err := s.aggregator.Consensus(ctx, symbol)
		s.metrics.ConsensusDuration.Observe(time.Since(start).Seconds())

		if err != nil {
			s.metrics.ConsensusFailures.WithLabelValues(failureReason(err)).Inc()

			var dev *oracle.DeviationError
			if errors.As(err, &dev) {
				s.persistAlert(dev)
			}
			return oracle.PriceReading{}, err
		}

		s.appendHistory(consensus)
		return consensus, nil
	}
}

// appendHistory records a served consensus reading. Appends are
// write-behind: a store failure is logged, never surfaced, so a sick
// database cannot take the price surface down with it.
func (s *Server) appendHistory(reading oracle.PriceReading) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if _, err := s.store.Append(ctx, reading); err != nil {
			s.log.Error().Err(err).Str("symbol", reading.Symbol).Msg("history append failed")
			return
		}
		s.metrics.HistoryAppends.Inc()
	}()
}

// persistAlert records a deviation rejection best-effort.
func (s *Server) persistAlert(dev *oracle.DeviationError) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		alert := store.DeviationAlert{
			Symbol:       dev.Symbol,
			Source1:      string(dev.OffenderSource),
			Price1:       dev.OffenderPrice,
			Source2:      string(dev.AnchorSource),
			Price2:       dev.AnchorPrice,
			DeviationBps: dev.DeviationBps,
			ThresholdBps: dev.ThresholdBps,
			Timestamp:    dev.Timestamp,
		}
		if _, err := s.store.AppendDeviationAlert(ctx, alert); err != nil {
			s.log.Error().Err(err).Str("symbol", dev.Symbol).Msg("deviation alert write failed")
			return
		}
		s.metrics.DeviationAlerts.Inc()
	}()
}

// failureReason maps a consensus error onto its metrics label.
func failureReason(err error) string {
	switch {
	case errors.Is(err, oracle.ErrPriceDeviation):
		return "price_deviation"
	case errors.Is(err, oracle.ErrNoPriceData):
		return "no_price_data"
	case errors.Is(err, oracle.ErrStale):
		return "stale"
	default:
		return "other"
	}
}

// handleHistory lists persisted consensus readings for a symbol:
// a time range when bounds are given, the newest rows otherwise.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	symbol := canonicalSymbol(mux.Vars(r)["symbol"])
	q := r.URL.Query()

	limit := queryInt(q.Get("limit"), defaultHistoryLimit)
	if limit < 1 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}

	var (
		records []store.HistoryRecord
		err     error
	)
	if q.Get("start") != "" || q.Get("end") != "" {
		start := queryInt64(q.Get("start"), 0)
		end := queryInt64(q.Get("end"), time.Now().Unix())
		records, err = s.store.GetRange(r.Context(), symbol, start, end)
	} else {
		records, err = s.store.GetRecent(r.Context(), symbol, limit)
	}
	if err != nil {
		s.log.Error().Err(err).Str("symbol", symbol).Msg("history query failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol":  symbol,
		"count":   len(records),
		"history": records,
	})
}

// handleStats aggregates a symbol's history over a window, the last
// hour by default.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	symbol := canonicalSymbol(mux.Vars(r)["symbol"])
	q := r.URL.Query()

	end := queryInt64(q.Get("end"), time.Now().Unix())
	start := queryInt64(q.Get("start"), end-int64(defaultStatsWindow/time.Second))

	stats, err := s.store.GetStats(r.Context(), symbol, start, end)
	if err != nil {
		s.log.Error().Err(err).Str("symbol", symbol).Msg("stats query failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol": symbol,
		"start":  start,
		"end":    end,
		"stats":  stats,
	})
}

type checkResult struct {
	Status  string `json:"status"` // pass | warn | fail
	Message string `json:"message,omitempty"`
}

// handleHealth reports overall liveness: the database, the cache
// backend and the in-memory view of every oracle source. Any hard
// failure makes the whole response 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]checkResult{}

	if s.store.Healthy(r.Context()) {
		checks["database"] = checkResult{Status: "pass"}
	} else {
		checks["database"] = checkResult{Status: "fail", Message: "database unreachable"}
	}

	if s.cache.Healthy(r.Context()) {
		checks["cache"] = checkResult{Status: "pass"}
	} else {
		// Cache loss degrades to direct aggregation, it does not down
		// the service.
		checks["cache"] = checkResult{Status: "warn", Message: "cache unreachable, serving uncached"}
	}

	snapshot := s.tracker.Snapshot()
	for _, adapter := range s.aggregator.Adapters() {
		kind := adapter.Kind()
		name := "oracle:" + strings.ToLower(string(kind))

		h, seen := snapshot[kind]
		switch {
		case !seen:
			checks[name] = checkResult{Status: "warn", Message: "no observations yet"}
		case h.Healthy:
			checks[name] = checkResult{Status: "pass"}
		default:
			checks[name] = checkResult{
				Status:  "fail",
				Message: "source failing, streak " + strconv.FormatUint(uint64(h.ErrorCount), 10),
			}
		}
	}

	status := "healthy"
	code := http.StatusOK
	for _, c := range checks {
		if c.Status == "fail" {
			status, code = "unhealthy", http.StatusServiceUnavailable
			break
		}
		if c.Status == "warn" {
			status = "degraded"
		}
	}

	writeJSON(w, code, map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// handleOracleHealth serves the durable per-source rows.
func (s *Server) handleOracleHealth(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.GetAllHealth(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("oracle health query failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"oracles": rows,
	})
}

// handleCacheClear evicts every cached reading.
func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	removed, err := s.cache.Clear(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("cache clear failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.log.Info().Int64("removed", removed).Msg("cache cleared")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cleared": removed,
	})
}

// handleCacheStats reports entry count, memory use and TTL.
func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cache.Stats(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("cache stats failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleAlerts lists recent deviation alerts.
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r.URL.Query().Get("limit"), defaultAlertLimit)
	if limit < 1 || limit > maxHistoryLimit {
		limit = defaultAlertLimit
	}

	alerts, err := s.store.GetDeviationAlerts(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("alerts query failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(alerts),
		"alerts": alerts,
	})
}

func queryInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func queryInt64(raw string, def int64) int64 {
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}
