package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/pricequorum/pricequorum/internal/oracle"
)

const (
	defaultRedisURL      = "redis://127.0.0.1"
	defaultServerHost    = "0.0.0.0"
	defaultServerPort    = 8080
	defaultCacheTTL      = 10 * time.Second
	defaultFeedsFile     = "feeds.yaml"
	defaultLogLevel      = "info"
	defaultRPCRateLimit  = 10
	defaultRetentionDays = 30
	defaultSweepInterval = time.Hour
)

var validate = validator.New()

// ErrMissingEnv reports a required environment variable that was not
// set.
var ErrMissingEnv = errors.New("missing required environment variable")

// Config holds every runtime parameter of the service. Required fields
// come from the environment; the rest fall back to defaults.
type Config struct {
	SolanaRPCURL string `validate:"required,url"`
	SolanaWSURL  string `validate:"required,url"`
	DatabaseURL  string `validate:"required"`
	RedisURL     string `validate:"required"`

	ServerHost string `validate:"required"`
	ServerPort int    `validate:"gte=1,lte=65535"`

	MaxPriceAgeSeconds int64 `validate:"gt=0"`
	MaxConfidenceBps   int64 `validate:"gte=0"`
	MaxDeviationBps    int64 `validate:"gte=0"`

	CacheTTL  time.Duration `validate:"gt=0"`
	FeedsFile string        `validate:"required"`
	LogLevel  string

	RPCRateLimit int `validate:"gt=0"`

	RetentionDays int           `validate:"gte=0"`
	SweepInterval time.Duration `validate:"gt=0"`
}

// FromEnv builds a Config from the process environment, applying
// defaults for everything optional.
func FromEnv() (Config, error) {
	cfg := Config{
		SolanaRPCURL: os.Getenv("SOLANA_RPC_URL"),
		SolanaWSURL:  os.Getenv("SOLANA_WS_URL"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisURL:     envStr("REDIS_URL", defaultRedisURL),

		ServerHost: envStr("SERVER_HOST", defaultServerHost),
		ServerPort: envInt("SERVER_PORT", defaultServerPort),

		MaxPriceAgeSeconds: envInt64("MAX_PRICE_AGE_SECONDS", oracle.DefaultMaxPriceAgeSeconds),
		MaxConfidenceBps:   envInt64("MAX_CONFIDENCE_BPS", oracle.DefaultMaxConfidenceBps),
		MaxDeviationBps:    envInt64("MAX_DEVIATION_BPS", oracle.DefaultMaxDeviationBps),

		CacheTTL:  time.Duration(envInt64("CACHE_TTL_SECONDS", int64(defaultCacheTTL/time.Second))) * time.Second,
		FeedsFile: envStr("FEEDS_FILE", defaultFeedsFile),
		LogLevel:  envStr("LOG_LEVEL", defaultLogLevel),

		RPCRateLimit: envInt("RPC_RATE_LIMIT", defaultRPCRateLimit),

		RetentionDays: envInt("RETENTION_DAYS", defaultRetentionDays),
		SweepInterval: time.Duration(envInt64("RETENTION_SWEEP_INTERVAL_SECONDS", int64(defaultSweepInterval/time.Second))) * time.Second,
	}

	if cfg.SolanaRPCURL == "" {
		return cfg, fmt.Errorf("%w: SOLANA_RPC_URL", ErrMissingEnv)
	}
	if cfg.SolanaWSURL == "" {
		return cfg, fmt.Errorf("%w: SOLANA_WS_URL", ErrMissingEnv)
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("%w: DATABASE_URL", ErrMissingEnv)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate returns an error if any field is out of range.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ListenAddr joins host and port into a dialable address.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.ServerHost, strconv.Itoa(c.ServerPort))
}

// Consensus maps the validation thresholds onto the oracle layer's
// config type.
func (c Config) Consensus() oracle.ConsensusConfig {
	return oracle.ConsensusConfig{
		MaxPriceAgeSeconds: c.MaxPriceAgeSeconds,
		MaxConfidenceBps:   c.MaxConfidenceBps,
		MaxDeviationBps:    c.MaxDeviationBps,
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}
