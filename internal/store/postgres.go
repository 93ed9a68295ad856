package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pricequorum/pricequorum/internal/oracle"
)

const defaultStoreTimeout = 5 * time.Second

// postgresStore implements HistoryStore over PostgreSQL.
type postgresStore struct {
	db      *sqlx.DB
	timeout time.Duration
	log     zerolog.Logger
}

// NewPostgresStore opens a pooled connection and verifies it.
func NewPostgresStore(databaseURL string) (HistoryStore, error) {
	db, err := sqlx.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres connection failed: %w", err)
	}

	return NewPostgresStoreFromDB(db, defaultStoreTimeout), nil
}

// NewPostgresStoreFromDB wraps an existing database handle. Used with
// mock handles in tests.
func NewPostgresStoreFromDB(db *sqlx.DB, timeout time.Duration) HistoryStore {
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	return &postgresStore{
		db:      db,
		timeout: timeout,
		log:     log.With().Str("module", "store").Logger(),
	}
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS price_history (
		id BIGSERIAL PRIMARY KEY,
		symbol TEXT NOT NULL,
		price NUMERIC NOT NULL,
		confidence NUMERIC NOT NULL,
		source TEXT NOT NULL,
		timestamp BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_price_history_symbol_ts
		ON price_history (symbol, timestamp DESC)`,
	`CREATE TABLE IF NOT EXISTS oracle_health (
		id BIGSERIAL PRIMARY KEY,
		source TEXT NOT NULL UNIQUE,
		is_healthy BOOLEAN NOT NULL,
		last_success_at TIMESTAMPTZ,
		last_failure_at TIMESTAMPTZ,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		total_requests BIGINT NOT NULL DEFAULT 0,
		total_failures BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS price_deviation_alerts (
		id BIGSERIAL PRIMARY KEY,
		symbol TEXT NOT NULL,
		source1 TEXT NOT NULL,
		price1 NUMERIC NOT NULL,
		source2 TEXT NOT NULL,
		price2 NUMERIC NOT NULL,
		deviation_bps BIGINT NOT NULL,
		threshold_bps BIGINT NOT NULL,
		timestamp BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_deviation_alerts_created
		ON price_deviation_alerts (created_at DESC)`,
}

// Migrate creates the schema. Every statement is idempotent, so
// re-running on startup is safe.
func (s *postgresStore) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	for _, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	s.log.Info().Msg("schema migration complete")
	return nil
}

// Append persists one reading and returns the assigned id.
func (s *postgresStore) Append(ctx context.Context, reading oracle.PriceReading) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		INSERT INTO price_history (symbol, price, confidence, source, timestamp)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	var id int64
	err := s.db.QueryRowxContext(ctx, query,
		reading.Symbol, reading.Price, reading.Confidence,
		string(reading.Source), reading.Timestamp).
		Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert price: %w", err)
	}

	return id, nil
}

// AppendBatch persists several readings in one transaction; either
// every row lands or none do.
func (s *postgresStore) AppendBatch(ctx context.Context, readings []oracle.PriceReading) error {
	if len(readings) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout*time.Duration(len(readings)/100+1))
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO price_history (symbol, price, confidence, source, timestamp)
		VALUES ($1, $2, $3, $4, $5)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, reading := range readings {
		_, err := stmt.ExecContext(ctx,
			reading.Symbol, reading.Price, reading.Confidence,
			string(reading.Source), reading.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to insert price in batch: %w", err)
		}
	}

	return tx.Commit()
}

// GetRecent returns up to limit rows for a symbol, newest first.
func (s *postgresStore) GetRecent(ctx context.Context, symbol string, limit int) ([]HistoryRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT id, symbol, price, confidence, source, timestamp, created_at
		FROM price_history
		WHERE symbol = $1
		ORDER BY timestamp DESC
		LIMIT $2`

	rows, err := s.db.QueryxContext(ctx, query, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query price history: %w", err)
	}
	defer rows.Close()

	return scanHistory(rows)
}

// GetRange returns rows within [start, end], oldest first.
func (s *postgresStore) GetRange(ctx context.Context, symbol string, start, end int64) ([]HistoryRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT id, symbol, price, confidence, source, timestamp, created_at
		FROM price_history
		WHERE symbol = $1 AND timestamp >= $2 AND timestamp <= $3
		ORDER BY timestamp ASC`

	rows, err := s.db.QueryxContext(ctx, query, symbol, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query price range: %w", err)
	}
	defer rows.Close()

	return scanHistory(rows)
}

// GetStats aggregates a symbol's prices within [start, end].
func (s *postgresStore) GetStats(ctx context.Context, symbol string, start, end int64) (PriceStats, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT MIN(price), MAX(price), AVG(price), STDDEV(price), COUNT(*)
		FROM price_history
		WHERE symbol = $1 AND timestamp >= $2 AND timestamp <= $3`

	var stats PriceStats
	err := s.db.QueryRowxContext(ctx, query, symbol, start, end).
		Scan(&stats.Min, &stats.Max, &stats.Mean, &stats.StdDev, &stats.Count)
	if err != nil {
		return PriceStats{}, fmt.Errorf("failed to query price stats: %w", err)
	}

	return stats, nil
}

// UpsertHealth merges one observation into the source's health row:
// total_requests always advances, the failure streak resets on success
// and grows on failure.
func (s *postgresStore) UpsertHealth(ctx context.Context, obs HealthObservation) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var successAt, failureAt *time.Time
	initialStreak, initialFailures := 0, 0
	if obs.Healthy {
		successAt = &obs.ObservedAt
	} else {
		failureAt = &obs.ObservedAt
		initialStreak, initialFailures = 1, 1
	}

	query := `
		INSERT INTO oracle_health (
			source, is_healthy, last_success_at, last_failure_at,
			consecutive_failures, total_requests, total_failures, updated_at
		) VALUES ($1, $2, $3, $4, $5, 1, $6, NOW())
		ON CONFLICT (source) DO UPDATE SET
			is_healthy = EXCLUDED.is_healthy,
			last_success_at = COALESCE(EXCLUDED.last_success_at, oracle_health.last_success_at),
			last_failure_at = COALESCE(EXCLUDED.last_failure_at, oracle_health.last_failure_at),
			consecutive_failures = CASE WHEN EXCLUDED.is_healthy THEN 0 ELSE oracle_health.consecutive_failures + 1 END,
			total_requests = oracle_health.total_requests + 1,
			total_failures = oracle_health.total_failures + CASE WHEN EXCLUDED.is_healthy THEN 0 ELSE 1 END,
			updated_at = NOW()`

	_, err := s.db.ExecContext(ctx, query,
		obs.Source, obs.Healthy, successAt, failureAt, initialStreak, initialFailures)
	if err != nil {
		return fmt.Errorf("failed to upsert oracle health: %w", err)
	}

	return nil
}

// GetHealth returns the health row for one source, or nil when the
// source has never been observed.
func (s *postgresStore) GetHealth(ctx context.Context, source string) (*OracleHealthRow, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT id, source, is_healthy, last_success_at, last_failure_at,
			consecutive_failures, total_requests, total_failures, updated_at
		FROM oracle_health
		WHERE source = $1`

	var row OracleHealthRow
	err := s.db.QueryRowxContext(ctx, query, source).StructScan(&row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get oracle health: %w", err)
	}

	return &row, nil
}

// GetAllHealth returns every source's health row.
func (s *postgresStore) GetAllHealth(ctx context.Context) ([]OracleHealthRow, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT id, source, is_healthy, last_success_at, last_failure_at,
			consecutive_failures, total_requests, total_failures, updated_at
		FROM oracle_health
		ORDER BY source`

	var rows []OracleHealthRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list oracle health: %w", err)
	}

	return rows, nil
}

// AppendDeviationAlert persists one alert and returns the assigned id.
func (s *postgresStore) AppendDeviationAlert(ctx context.Context, alert DeviationAlert) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		INSERT INTO price_deviation_alerts (
			symbol, source1, price1, source2, price2,
			deviation_bps, threshold_bps, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	var id int64
	err := s.db.QueryRowxContext(ctx, query,
		alert.Symbol, alert.Source1, alert.Price1, alert.Source2, alert.Price2,
		alert.DeviationBps, alert.ThresholdBps, alert.Timestamp).
		Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert deviation alert: %w", err)
	}

	return id, nil
}

// GetDeviationAlerts returns the most recent alerts, newest first.
func (s *postgresStore) GetDeviationAlerts(ctx context.Context, limit int) ([]DeviationAlert, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT id, symbol, source1, price1, source2, price2,
			deviation_bps, threshold_bps, timestamp, created_at
		FROM price_deviation_alerts
		ORDER BY created_at DESC
		LIMIT $1`

	var alerts []DeviationAlert
	if err := s.db.SelectContext(ctx, &alerts, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list deviation alerts: %w", err)
	}

	return alerts, nil
}

// PruneBefore deletes history rows older than ts and reports how many
// went away.
func (s *postgresStore) PruneBefore(ctx context.Context, ts int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `DELETE FROM price_history WHERE timestamp < $1`, ts)
	if err != nil {
		return 0, fmt.Errorf("failed to prune price history: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned rows: %w", err)
	}
	return deleted, nil
}

// Healthy runs a trivial probe against the backend.
func (s *postgresStore) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var one int
	return s.db.QueryRowxContext(ctx, `SELECT 1`).Scan(&one) == nil
}

// Close releases the connection pool.
func (s *postgresStore) Close() error {
	return s.db.Close()
}

func scanHistory(rows *sqlx.Rows) ([]HistoryRecord, error) {
	var records []HistoryRecord

	for rows.Next() {
		var rec HistoryRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return records, nil
}
