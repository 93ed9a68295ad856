package oracle

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// OracleKind identifies which vendor produced a reading. The textual
// value is what gets persisted, so renaming a kind is a schema change.
type OracleKind string

const (
	Pyth        OracleKind = "Pyth"
	Switchboard OracleKind = "Switchboard"
	Aggregate   OracleKind = "Aggregate"
)

// PriceReading is the normalized output of every adapter and of the
// aggregator itself. Prices and confidences are exact decimals in the
// quote asset; timestamps are Unix seconds as published by the source.
type PriceReading struct {
	Symbol     string          `json:"symbol"`
	Price      decimal.Decimal `json:"price"`
	Confidence decimal.Decimal `json:"confidence"`
	Timestamp  int64           `json:"timestamp"`
	Source     OracleKind      `json:"source"`
}

// AgeSeconds returns how old the reading is relative to now.
func (r PriceReading) AgeSeconds(now time.Time) int64 {
	return now.Unix() - r.Timestamp
}

// Stock consensus tunables.
const (
	DefaultMaxPriceAgeSeconds int64 = 30
	DefaultMaxConfidenceBps   int64 = 100
	DefaultMaxDeviationBps    int64 = 100
)

// ConsensusConfig holds the aggregator tunables. Immutable after startup.
type ConsensusConfig struct {
	MaxPriceAgeSeconds int64
	MaxConfidenceBps   int64
	MaxDeviationBps    int64
}

// DefaultConsensusConfig returns the stock tunables: readings no older
// than 30s, confidence and inter-source deviation both capped at 100 bps.
func DefaultConsensusConfig() ConsensusConfig {
	return ConsensusConfig{
		MaxPriceAgeSeconds: DefaultMaxPriceAgeSeconds,
		MaxConfidenceBps:   DefaultMaxConfidenceBps,
		MaxDeviationBps:    DefaultMaxDeviationBps,
	}
}

var bpsScale = decimal.NewFromInt(10_000)

// ConfidenceBps expresses a confidence interval as basis points of the
// price, rounded down. A zero price yields zero by definition, so a
// source reporting price=0 is never rejected on confidence grounds.
func ConfidenceBps(price, confidence decimal.Decimal) int64 {
	if price.IsZero() || price.IsNegative() {
		return 0
	}
	return floorBps(confidence, price)
}

// DeviationBps expresses the absolute spread between a price and an
// anchor as basis points of the anchor, rounded down. Zero anchor
// yields zero.
func DeviationBps(price, anchor decimal.Decimal) int64 {
	if anchor.IsZero() {
		return 0
	}
	return floorBps(price.Sub(anchor).Abs(), anchor)
}

// floorBps computes floor(num * 10000 / den) without going through a
// lossy intermediate; QuoRem with precision 0 is an exact integer
// division on the scaled numerator.
func floorBps(num, den decimal.Decimal) int64 {
	q, _ := num.Mul(bpsScale).QuoRem(den, 0)
	if q.Cmp(decimal.NewFromInt(math.MaxInt64)) > 0 {
		return math.MaxInt64
	}
	return q.IntPart()
}
