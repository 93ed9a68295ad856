package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pricequorum/pricequorum/internal/cache"
	"github.com/pricequorum/pricequorum/internal/metrics"
	"github.com/pricequorum/pricequorum/internal/oracle"
	"github.com/pricequorum/pricequorum/internal/store"
)

// Cache is the slice of the price cache the HTTP surface touches
// directly: the admin endpoints, the health probe and the batched
// price endpoint. *cache.PriceCache satisfies it; the read-through
// path goes through the CachedFetcher instead.
type Cache interface {
	GetBatch(ctx context.Context, symbols []string) (map[string]oracle.PriceReading, error)
	Clear(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (cache.Stats, error)
	Healthy(ctx context.Context) bool
}

// Deps collects everything the server serves from. All fields are
// required.
type Deps struct {
	Fetcher    *cache.CachedFetcher
	Aggregator *oracle.Aggregator
	Cache      Cache
	Store      store.HistoryStore
	Tracker    *oracle.HealthTracker
	Metrics    *metrics.Registry
}

// Server is the HTTP front-end: routing, middleware and the JSON
// envelope around the consensus pipeline.
type Server struct {
	router     *mux.Router
	server     *http.Server
	fetcher    *cache.CachedFetcher
	aggregator *oracle.Aggregator
	cache      Cache
	store      store.HistoryStore
	tracker    *oracle.HealthTracker
	metrics    *metrics.Registry
	log        zerolog.Logger
}

// NewServer builds the router and binds it to addr. Start must be
// called to begin serving.
func NewServer(addr string, deps Deps) *Server {
	s := &Server{
		fetcher:    deps.Fetcher,
		aggregator: deps.Aggregator,
		cache:      deps.Cache,
		store:      deps.Store,
		tracker:    deps.Tracker,
		metrics:    deps.Metrics,
		log:        log.With().Str("module", "api").Logger(),
	}

	s.router = mux.NewRouter()
	s.registerRoutes()

	handler := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(s.router)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) registerRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(
		s.requestIDMiddleware,
		s.loggingMiddleware,
		s.metricsMiddleware,
		s.timeoutMiddleware,
		s.jsonContentTypeMiddleware,
	)

	api.HandleFunc("/price/{symbol}", s.handlePrice).Methods(http.MethodGet)
	api.HandleFunc("/price/{symbol}/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/price/{symbol}/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/prices", s.handlePrices).Methods(http.MethodGet)

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/health/oracles", s.handleOracleHealth).Methods(http.MethodGet)

	api.HandleFunc("/admin/cache/clear", s.handleCacheClear).Methods(http.MethodPost)
	api.HandleFunc("/admin/cache/stats", s.handleCacheStats).Methods(http.MethodGet)
	api.HandleFunc("/admin/alerts", s.handleAlerts).Methods(http.MethodGet)

	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start begins serving and blocks until the listener closes.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("http server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.server.Shutdown(ctx)
}
