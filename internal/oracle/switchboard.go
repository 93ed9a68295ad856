package oracle

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Switchboard-style aggregator account layout (little-endian). Values
// are SwitchboardDecimal pairs: a signed 128-bit mantissa followed by
// a base-10 scale.
//
//	offset  size  field
//	0       8     account discriminator
//	8       8     latest round open timestamp (int64)
//	16      16    latest round result mantissa (int128)
//	32      4     latest round result scale (uint32)
//	36      16    latest round std deviation mantissa (int128)
//	52      4     latest round std deviation scale (uint32)
//	56      4     latest round success count (uint32)
//	60      4     latest round error count (uint32)
//	64      4     min oracle results (uint32)
//	68      32    feed name, zero padded
const (
	sbAccountSize = 100

	sbOffRoundOpenTS  = 8
	sbOffResultMant   = 16
	sbOffResultScale  = 32
	sbOffStdDevMant   = 36
	sbOffStdDevScale  = 52
	sbOffNumSuccess   = 56
	sbOffNumError     = 60
	sbOffMinResults   = 64
	sbOffName         = 68
	sbNameLen         = 32
	sbMaxDecimalScale = 38
)

var sbDiscriminator = [8]byte{217, 230, 65, 101, 201, 162, 27, 125}

// switchboardFreshness bounds how old the latest round may be for the
// health probe to vouch for the feed.
const switchboardFreshness = 60 * time.Second

// SwitchboardAdapter reads Switchboard-style aggregator accounts: each
// value is a decimal mantissa with its own scale, the confirmed round
// carries a standard deviation that doubles as the confidence, and the
// round open timestamp is the publish time.
type SwitchboardAdapter struct {
	rpc   AccountReader
	feeds *feedRegistry
	log   zerolog.Logger
	now   func() time.Time
}

// NewSwitchboardAdapter creates an adapter over the given RPC account reader.
func NewSwitchboardAdapter(rpc AccountReader) *SwitchboardAdapter {
	return &SwitchboardAdapter{
		rpc:   rpc,
		feeds: newFeedRegistry(),
		log:   log.With().Str("module", "switchboard").Logger(),
		now:   time.Now,
	}
}

// Kind returns the vendor tag carried by readings from this adapter.
func (a *SwitchboardAdapter) Kind() OracleKind { return Switchboard }

// Register maps a symbol to its aggregator account address. Startup only.
func (a *SwitchboardAdapter) Register(symbol, feedAddress string) error {
	if err := a.feeds.add(symbol, feedAddress); err != nil {
		return fmt.Errorf("register switchboard feed %s: %w", symbol, err)
	}
	a.log.Info().Str("symbol", symbol).Str("address", feedAddress).Msg("registered aggregator feed")
	return nil
}

// Symbols lists registered symbols in registration order.
func (a *SwitchboardAdapter) Symbols() []string { return a.feeds.list() }

// Fetch resolves the symbol's aggregator account, reads it over RPC
// and normalizes the latest confirmed round into a PriceReading.
func (a *SwitchboardAdapter) Fetch(ctx context.Context, symbol string) (PriceReading, error) {
	acct, err := a.fetchAccount(ctx, symbol)
	if err != nil {
		return PriceReading{}, err
	}

	if acct.numSuccess == 0 {
		return PriceReading{}, fmt.Errorf("%w: no confirmed round", ErrNoCurrentValue)
	}
	if acct.roundOpenTS <= 0 {
		return PriceReading{}, fmt.Errorf("%w: round has no open timestamp", ErrNoCurrentValue)
	}
	if acct.result.Sign() < 0 {
		return PriceReading{}, fmt.Errorf("%w: negative round result", ErrDecode)
	}

	price := scaleByExponent(acct.result, -int32(acct.resultScale))
	confidence := scaleByExponent(new(big.Int).Abs(acct.stdDev), -int32(acct.stdDevScale))

	return PriceReading{
		Symbol:     symbol,
		Price:      price,
		Confidence: confidence,
		Timestamp:  acct.roundOpenTS,
		Source:     Switchboard,
	}, nil
}

// AggregatorInfo describes a registered feed's latest round for the
// diagnostics surface.
type AggregatorInfo struct {
	Symbol           string `json:"symbol"`
	Name             string `json:"name"`
	MinOracleResults uint32 `json:"min_oracle_results"`
	NumSuccess       uint32 `json:"num_success"`
	NumError         uint32 `json:"num_error"`
	RoundOpenTS      int64  `json:"round_open_timestamp"`
	RoundAgeSeconds  int64  `json:"round_age_seconds"`
}

// AggregatorInfo fetches feed metadata without normalizing a price.
func (a *SwitchboardAdapter) AggregatorInfo(ctx context.Context, symbol string) (AggregatorInfo, error) {
	acct, err := a.fetchAccount(ctx, symbol)
	if err != nil {
		return AggregatorInfo{}, err
	}

	return AggregatorInfo{
		Symbol:           symbol,
		Name:             string(bytes.TrimRight(acct.name[:], "\x00")),
		MinOracleResults: acct.minResults,
		NumSuccess:       acct.numSuccess,
		NumError:         acct.numError,
		RoundOpenTS:      acct.roundOpenTS,
		RoundAgeSeconds:  a.now().Unix() - acct.roundOpenTS,
	}, nil
}

// Healthy probes one registered feed and additionally requires the
// latest round to be recent, since the round timestamp is part of the
// vendor contract here.
func (a *SwitchboardAdapter) Healthy(ctx context.Context) bool {
	symbols := a.feeds.list()
	if len(symbols) == 0 {
		a.log.Warn().Msg("health probe with no registered feeds")
		return false
	}
	reading, err := a.Fetch(ctx, symbols[0])
	if err != nil {
		a.log.Warn().Err(err).Str("symbol", symbols[0]).Msg("health probe failed")
		return false
	}
	if age := reading.AgeSeconds(a.now()); age > int64(switchboardFreshness/time.Second) {
		a.log.Warn().Int64("age_seconds", age).Str("symbol", symbols[0]).Msg("latest round too old")
		return false
	}
	return true
}

func (a *SwitchboardAdapter) fetchAccount(ctx context.Context, symbol string) (sbAggregatorAccount, error) {
	addr, ok := a.feeds.lookup(symbol)
	if !ok {
		return sbAggregatorAccount{}, fmt.Errorf("%w: %s", ErrNoFeed, symbol)
	}

	data, err := a.rpc.AccountData(ctx, addr)
	if err != nil {
		return sbAggregatorAccount{}, fmt.Errorf("fetch switchboard account %s: %w", addr, err)
	}

	acct, err := decodeSbAggregatorAccount(data)
	if err != nil {
		return sbAggregatorAccount{}, fmt.Errorf("switchboard account %s: %w", addr, err)
	}
	return acct, nil
}

type sbAggregatorAccount struct {
	roundOpenTS int64
	result      *big.Int
	resultScale uint32
	stdDev      *big.Int
	stdDevScale uint32
	numSuccess  uint32
	numError    uint32
	minResults  uint32
	name        [sbNameLen]byte
}

func decodeSbAggregatorAccount(data []byte) (sbAggregatorAccount, error) {
	var acct sbAggregatorAccount

	if len(data) < sbAccountSize {
		return acct, fmt.Errorf("%w: account too short (%d bytes)", ErrDecode, len(data))
	}
	if !bytes.Equal(data[:8], sbDiscriminator[:]) {
		return acct, fmt.Errorf("%w: bad discriminator", ErrDecode)
	}

	acct.roundOpenTS = int64(binary.LittleEndian.Uint64(data[sbOffRoundOpenTS:]))
	acct.result = readInt128(data[sbOffResultMant:])
	acct.resultScale = binary.LittleEndian.Uint32(data[sbOffResultScale:])
	acct.stdDev = readInt128(data[sbOffStdDevMant:])
	acct.stdDevScale = binary.LittleEndian.Uint32(data[sbOffStdDevScale:])
	acct.numSuccess = binary.LittleEndian.Uint32(data[sbOffNumSuccess:])
	acct.numError = binary.LittleEndian.Uint32(data[sbOffNumError:])
	acct.minResults = binary.LittleEndian.Uint32(data[sbOffMinResults:])
	copy(acct.name[:], data[sbOffName:sbOffName+sbNameLen])

	if acct.resultScale > sbMaxDecimalScale || acct.stdDevScale > sbMaxDecimalScale {
		return acct, fmt.Errorf("%w: implausible decimal scale %d", ErrDecode, acct.resultScale)
	}

	return acct, nil
}

// readInt128 assembles a little-endian two's-complement 128-bit integer
// from 16 bytes: unsigned low word plus sign-carrying high word.
func readInt128(b []byte) *big.Int {
	lo := new(big.Int).SetUint64(binary.LittleEndian.Uint64(b[:8]))
	hi := new(big.Int).SetInt64(int64(binary.LittleEndian.Uint64(b[8:16])))
	return hi.Lsh(hi, 64).Add(hi, lo)
}

var _ SourceAdapter = (*SwitchboardAdapter)(nil)
