package oracle

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Sentinel errors for the fetch and consensus paths. Callers branch on
// these with errors.Is; details ride along in the wrapping message.
var (
	ErrNoFeed         = errors.New("no feed registered for symbol")
	ErrInvalidAddress = errors.New("invalid feed address")
	ErrNoCurrentValue = errors.New("feed has no current value")
	ErrDecode         = errors.New("malformed account data")
	ErrStale          = errors.New("reading is stale")
	ErrLowConfidence  = errors.New("confidence interval too wide")
	ErrNoPriceData    = errors.New("no price data available")
	ErrPriceDeviation = errors.New("price deviation exceeds threshold")
)

// DeviationError reports a consensus rejection: one surviving reading
// sat further from the median than the configured bound. It unwraps to
// ErrPriceDeviation and carries everything needed to persist an alert.
type DeviationError struct {
	Symbol         string
	OffenderSource OracleKind
	OffenderPrice  decimal.Decimal
	AnchorSource   OracleKind
	AnchorPrice    decimal.Decimal
	DeviationBps   int64
	ThresholdBps   int64
	Timestamp      int64
}

func (e *DeviationError) Error() string {
	return fmt.Sprintf("price deviation for %s: %s at %s deviates %d bps from consensus %s (max %d bps)",
		e.Symbol, e.OffenderSource, e.OffenderPrice, e.DeviationBps, e.AnchorPrice, e.ThresholdBps)
}

func (e *DeviationError) Unwrap() error { return ErrPriceDeviation }
