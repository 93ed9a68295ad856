package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pricequorum/pricequorum/internal/oracle"
)

// HistoryRecord is one persisted consensus reading. IDs are assigned
// by the store and rows are never updated; the retention sweep is the
// only delete path.
type HistoryRecord struct {
	ID         int64           `db:"id" json:"id"`
	Symbol     string          `db:"symbol" json:"symbol"`
	Price      decimal.Decimal `db:"price" json:"price"`
	Confidence decimal.Decimal `db:"confidence" json:"confidence"`
	Source     string          `db:"source" json:"source"`
	Timestamp  int64           `db:"timestamp" json:"timestamp"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
}

// Reading converts the record back to its live form.
func (r HistoryRecord) Reading() oracle.PriceReading {
	return oracle.PriceReading{
		Symbol:     r.Symbol,
		Price:      r.Price,
		Confidence: r.Confidence,
		Timestamp:  r.Timestamp,
		Source:     oracle.OracleKind(r.Source),
	}
}

// PriceStats aggregates a symbol's history over a window. The numeric
// fields are null when the window is empty.
type PriceStats struct {
	Min    decimal.NullDecimal `json:"min"`
	Max    decimal.NullDecimal `json:"max"`
	Mean   decimal.NullDecimal `json:"mean"`
	StdDev decimal.NullDecimal `json:"stddev"`
	Count  int64               `json:"count"`
}

// OracleHealthRow is the durable per-source health record.
type OracleHealthRow struct {
	ID                  int64      `db:"id" json:"id"`
	Source              string     `db:"source" json:"source"`
	IsHealthy           bool       `db:"is_healthy" json:"is_healthy"`
	LastSuccessAt       *time.Time `db:"last_success_at" json:"last_success_at"`
	LastFailureAt       *time.Time `db:"last_failure_at" json:"last_failure_at"`
	ConsecutiveFailures int        `db:"consecutive_failures" json:"consecutive_failures"`
	TotalRequests       int64      `db:"total_requests" json:"total_requests"`
	TotalFailures       int64      `db:"total_failures" json:"total_failures"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

// HealthObservation is one probe or fetch outcome to merge into a
// source's health row.
type HealthObservation struct {
	Source     string
	Healthy    bool
	ObservedAt time.Time
}

// DeviationAlert records a consensus rejection: the offending reading
// against the consensus anchor, with the spread and active threshold.
type DeviationAlert struct {
	ID           int64           `db:"id" json:"id"`
	Symbol       string          `db:"symbol" json:"symbol"`
	Source1      string          `db:"source1" json:"source1"`
	Price1       decimal.Decimal `db:"price1" json:"price1"`
	Source2      string          `db:"source2" json:"source2"`
	Price2       decimal.Decimal `db:"price2" json:"price2"`
	DeviationBps int64           `db:"deviation_bps" json:"deviation_bps"`
	ThresholdBps int64           `db:"threshold_bps" json:"threshold_bps"`
	Timestamp    int64           `db:"timestamp" json:"timestamp"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
}

// HistoryStore persists served readings, oracle health and deviation
// alerts. Every method is atomic: it either completes or returns an
// error with nothing partially written.
type HistoryStore interface {
	Migrate(ctx context.Context) error

	Append(ctx context.Context, reading oracle.PriceReading) (int64, error)
	AppendBatch(ctx context.Context, readings []oracle.PriceReading) error
	GetRecent(ctx context.Context, symbol string, limit int) ([]HistoryRecord, error)
	GetRange(ctx context.Context, symbol string, start, end int64) ([]HistoryRecord, error)
	GetStats(ctx context.Context, symbol string, start, end int64) (PriceStats, error)

	UpsertHealth(ctx context.Context, obs HealthObservation) error
	GetHealth(ctx context.Context, source string) (*OracleHealthRow, error)
	GetAllHealth(ctx context.Context) ([]OracleHealthRow, error)

	AppendDeviationAlert(ctx context.Context, alert DeviationAlert) (int64, error)
	GetDeviationAlerts(ctx context.Context, limit int) ([]DeviationAlert, error)

	PruneBefore(ctx context.Context, ts int64) (int64, error)
	Healthy(ctx context.Context) bool
	Close() error
}
