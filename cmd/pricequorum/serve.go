package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/pricequorum/pricequorum/internal/api"
	"github.com/pricequorum/pricequorum/internal/cache"
	"github.com/pricequorum/pricequorum/internal/config"
	"github.com/pricequorum/pricequorum/internal/metrics"
	"github.com/pricequorum/pricequorum/internal/oracle"
	"github.com/pricequorum/pricequorum/internal/solana"
	"github.com/pricequorum/pricequorum/internal/store"
)

var (
	servePort  int
	serveFeeds string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the price oracle service",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port; overrides SERVER_PORT")
	serveCmd.Flags().StringVar(&serveFeeds, "feeds", "", "feed registry file; overrides FEEDS_FILE")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.ServerPort = servePort
	}
	if serveFeeds != "" {
		cfg.FeedsFile = serveFeeds
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	feeds, err := config.LoadFeeds(cfg.FeedsFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}

	priceCache, err := cache.NewPriceCache(cfg.RedisURL, cfg.CacheTTL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer priceCache.Close()

	rpc := solana.NewClient(cfg.SolanaRPCURL, float64(cfg.RPCRateLimit))
	pyth := oracle.NewPythAdapter(rpc)
	switchboard := oracle.NewSwitchboardAdapter(rpc)

	var subs []solana.Subscription
	for _, entry := range feeds.Feeds {
		if entry.Pyth != "" {
			if err := pyth.Register(entry.Symbol, entry.Pyth); err != nil {
				return err
			}
			subs = append(subs, solana.Subscription{Symbol: entry.Symbol, Address: entry.Pyth})
		}
		if entry.Switchboard != "" {
			if err := switchboard.Register(entry.Symbol, entry.Switchboard); err != nil {
				return err
			}
			subs = append(subs, solana.Subscription{Symbol: entry.Symbol, Address: entry.Switchboard})
		}
	}

	tracker := oracle.NewHealthTracker()
	registry := metrics.NewRegistry()
	observer := api.NewSourceObserver(tracker, st, registry)
	aggregator := oracle.NewAggregator(cfg.Consensus(), observer, pyth, switchboard)
	fetcher := cache.NewCachedFetcher(priceCache, registry)

	server := api.NewServer(cfg.ListenAddr(), api.Deps{
		Fetcher:    fetcher,
		Aggregator: aggregator,
		Cache:      priceCache,
		Store:      st,
		Tracker:    tracker,
		Metrics:    registry,
	})

	watcher := solana.NewWatcher(cfg.SolanaWSURL, subs, func(symbol string) {
		invalCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		fetcher.Invalidate(invalCtx, symbol)
	})
	go watcher.Run(ctx)

	sweeper := store.NewSweeper(st,
		time.Duration(cfg.RetentionDays)*24*time.Hour, cfg.SweepInterval)
	go sweeper.Run(ctx)

	log.Info().
		Str("addr", cfg.ListenAddr()).
		Int("feeds", len(feeds.Feeds)).
		Msg("starting pricequorum")

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
