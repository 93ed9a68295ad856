package oracle

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// HealthRecorder receives one observation per adapter fetch. The
// in-memory HealthTracker satisfies it; the service composes it with
// the durable store upsert and metrics.
type HealthRecorder interface {
	Record(source OracleKind, ok bool)
}

// Aggregator fans a symbol out to every registered source, validates
// what comes back and reduces the survivors to a median consensus.
// Adapters are fixed at construction; the aggregator itself holds no
// mutable state and is safe for concurrent use.
type Aggregator struct {
	adapters []SourceAdapter
	cfg      ConsensusConfig
	health   HealthRecorder
	log      zerolog.Logger
	now      func() time.Time
}

// NewAggregator wires the adapters and the shared health recorder.
func NewAggregator(cfg ConsensusConfig, health HealthRecorder, adapters ...SourceAdapter) *Aggregator {
	return &Aggregator{
		adapters: adapters,
		cfg:      cfg,
		health:   health,
		log:      log.With().Str("module", "aggregator").Logger(),
		now:      time.Now,
	}
}

// Adapters returns the registered source adapters.
func (a *Aggregator) Adapters() []SourceAdapter { return a.adapters }

// Config returns the active consensus tunables.
func (a *Aggregator) Config() ConsensusConfig { return a.cfg }

// Consensus produces the median reading for a symbol.
//
// Every adapter is queried concurrently; per-source failures are
// recorded against the health tracker and swallowed. The readings that
// remain are checked for staleness and confidence width, sorted, and
// reduced to the median (the arithmetic mean of the two middle readings
// for even counts — confidence included). If any survivor then sits
// more than MaxDeviationBps from that median, the whole request is
// refused with a DeviationError rather than served from disagreeing
// sources.
func (a *Aggregator) Consensus(ctx context.Context, symbol string) (PriceReading, error) {
	readings := a.fetchAll(ctx, symbol)
	if len(readings) == 0 {
		return PriceReading{}, fmt.Errorf("%w: %s: all sources failed", ErrNoPriceData, symbol)
	}

	survivors, reasons := a.validate(readings)
	if len(survivors) == 0 {
		return PriceReading{}, fmt.Errorf("%w: %s: %s", ErrNoPriceData, symbol, strings.Join(reasons, "; "))
	}

	consensus := medianConsensus(symbol, survivors)

	if err := a.checkDeviation(survivors, consensus); err != nil {
		return PriceReading{}, err
	}

	a.log.Debug().
		Str("symbol", symbol).
		Str("price", consensus.Price.String()).
		Int("sources", len(survivors)).
		Msg("consensus computed")

	return consensus, nil
}

// fetchAll queries every adapter concurrently. Results land in
// adapter-registration order so downstream tie-breaks are stable.
func (a *Aggregator) fetchAll(ctx context.Context, symbol string) []PriceReading {
	results := make([]*PriceReading, len(a.adapters))

	var g errgroup.Group
	for i, adapter := range a.adapters {
		i, adapter := i, adapter
		g.Go(func() error {
			reading, err := adapter.Fetch(ctx, symbol)
			if err != nil {
				a.health.Record(adapter.Kind(), false)
				a.log.Warn().Err(err).
					Str("symbol", symbol).
					Str("source", string(adapter.Kind())).
					Msg("source fetch failed")
				return nil
			}
			a.health.Record(adapter.Kind(), true)
			results[i] = &reading
			return nil
		})
	}
	_ = g.Wait()

	readings := make([]PriceReading, 0, len(results))
	for _, r := range results {
		if r != nil {
			readings = append(readings, *r)
		}
	}
	return readings
}

// validate drops stale and wide-confidence readings, collecting a
// reason string per discard for the NoPriceData error.
func (a *Aggregator) validate(readings []PriceReading) ([]PriceReading, []string) {
	var (
		survivors []PriceReading
		reasons   []string
	)
	now := a.now()

	for _, r := range readings {
		if age := r.AgeSeconds(now); age > a.cfg.MaxPriceAgeSeconds {
			reasons = append(reasons, fmt.Sprintf("%s: %v (age %ds, max %ds)", r.Source, ErrStale, age, a.cfg.MaxPriceAgeSeconds))
			a.log.Warn().
				Str("symbol", r.Symbol).
				Str("source", string(r.Source)).
				Int64("age_seconds", age).
				Msg("discarding stale reading")
			continue
		}
		if bps := ConfidenceBps(r.Price, r.Confidence); bps > a.cfg.MaxConfidenceBps {
			reasons = append(reasons, fmt.Sprintf("%s: %v (%d bps, max %d bps)", r.Source, ErrLowConfidence, bps, a.cfg.MaxConfidenceBps))
			a.log.Warn().
				Str("symbol", r.Symbol).
				Str("source", string(r.Source)).
				Int64("confidence_bps", bps).
				Msg("discarding wide-confidence reading")
			continue
		}
		survivors = append(survivors, r)
	}
	return survivors, reasons
}

// medianConsensus reduces survivors to one Aggregate reading: median
// price and confidence (mean of the two middles for even counts, ties
// keep input order), newest survivor timestamp.
func medianConsensus(symbol string, survivors []PriceReading) PriceReading {
	sorted := make([]PriceReading, len(survivors))
	copy(sorted, survivors)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Price.LessThan(sorted[j].Price)
	})

	var price, confidence decimal.Decimal
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		price = sorted[mid].Price
		confidence = sorted[mid].Confidence
	} else {
		// Halve by multiplying with 0.5: always exact in decimal,
		// whereas Div rounds at the configured division precision.
		half := decimal.New(5, -1)
		price = sorted[mid-1].Price.Add(sorted[mid].Price).Mul(half)
		confidence = sorted[mid-1].Confidence.Add(sorted[mid].Confidence).Mul(half)
	}

	latest := survivors[0].Timestamp
	for _, r := range survivors[1:] {
		if r.Timestamp > latest {
			latest = r.Timestamp
		}
	}

	return PriceReading{
		Symbol:     symbol,
		Price:      price,
		Confidence: confidence,
		Timestamp:  latest,
		Source:     Aggregate,
	}
}

// checkDeviation rejects the consensus when any survivor deviates from
// it beyond the configured bound. The error names the worst offender so
// the caller can persist an alert.
func (a *Aggregator) checkDeviation(survivors []PriceReading, consensus PriceReading) error {
	var (
		worst    PriceReading
		worstBps int64 = -1
	)
	for _, r := range survivors {
		if bps := DeviationBps(r.Price, consensus.Price); bps > worstBps {
			worst, worstBps = r, bps
		}
	}

	if worstBps > a.cfg.MaxDeviationBps {
		a.log.Warn().
			Str("symbol", consensus.Symbol).
			Str("source", string(worst.Source)).
			Int64("deviation_bps", worstBps).
			Int64("max_bps", a.cfg.MaxDeviationBps).
			Msg("consensus rejected on deviation")
		return &DeviationError{
			Symbol:         consensus.Symbol,
			OffenderSource: worst.Source,
			OffenderPrice:  worst.Price,
			AnchorSource:   consensus.Source,
			AnchorPrice:    consensus.Price,
			DeviationBps:   worstBps,
			ThresholdBps:   a.cfg.MaxDeviationBps,
			Timestamp:      consensus.Timestamp,
		}
	}
	return nil
}
