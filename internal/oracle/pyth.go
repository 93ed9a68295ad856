package oracle

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Pyth price account layout (v2, little-endian). Only the fields the
// adapter reads are listed; the account is at least 240 bytes.
const (
	pythMagic       = 0xa1b2c3d4
	pythVersion     = 2
	pythAccountType = 3 // price account
	pythMinSize     = 240

	pythOffMagic       = 0
	pythOffVersion     = 4
	pythOffAccountType = 8
	pythOffExponent    = 20
	pythOffPublishTime = 96
	pythOffAggPrice    = 208
	pythOffAggConf     = 216
	pythOffAggStatus   = 224
)

// Aggregate price status values published by the vendor.
const (
	pythStatusUnknown = 0
	pythStatusTrading = 1
)

// PythAdapter reads Pyth-style price accounts: a fixed exponent shared
// by the price and its confidence interval, plus a publish time in
// Unix seconds.
type PythAdapter struct {
	rpc   AccountReader
	feeds *feedRegistry
	log   zerolog.Logger
}

// NewPythAdapter creates an adapter over the given RPC account reader.
func NewPythAdapter(rpc AccountReader) *PythAdapter {
	return &PythAdapter{
		rpc:   rpc,
		feeds: newFeedRegistry(),
		log:   log.With().Str("module", "pyth").Logger(),
	}
}

// Kind returns the vendor tag carried by readings from this adapter.
func (a *PythAdapter) Kind() OracleKind { return Pyth }

// Register maps a symbol to its price account address. Startup only.
func (a *PythAdapter) Register(symbol, feedAddress string) error {
	if err := a.feeds.add(symbol, feedAddress); err != nil {
		return fmt.Errorf("register pyth feed %s: %w", symbol, err)
	}
	a.log.Info().Str("symbol", symbol).Str("address", feedAddress).Msg("registered price feed")
	return nil
}

// Symbols lists registered symbols in registration order.
func (a *PythAdapter) Symbols() []string { return a.feeds.list() }

// Fetch resolves the symbol's price account, reads it over RPC and
// normalizes the aggregate price into a PriceReading.
func (a *PythAdapter) Fetch(ctx context.Context, symbol string) (PriceReading, error) {
	addr, ok := a.feeds.lookup(symbol)
	if !ok {
		return PriceReading{}, fmt.Errorf("%w: %s", ErrNoFeed, symbol)
	}

	data, err := a.rpc.AccountData(ctx, addr)
	if err != nil {
		return PriceReading{}, fmt.Errorf("fetch pyth account %s: %w", addr, err)
	}

	acct, err := decodePythPriceAccount(data)
	if err != nil {
		return PriceReading{}, fmt.Errorf("pyth account %s: %w", addr, err)
	}

	if acct.aggStatus != pythStatusTrading {
		return PriceReading{}, fmt.Errorf("%w: aggregate status %d", ErrNoCurrentValue, acct.aggStatus)
	}
	if acct.publishTime <= 0 {
		return PriceReading{}, fmt.Errorf("%w: no publish time", ErrNoCurrentValue)
	}
	if acct.aggPrice < 0 {
		return PriceReading{}, fmt.Errorf("%w: negative aggregate price %d", ErrDecode, acct.aggPrice)
	}

	price := scaleByExponent(big.NewInt(acct.aggPrice), acct.exponent)
	confidence := scaleByExponent(new(big.Int).SetUint64(acct.aggConf), acct.exponent)

	return PriceReading{
		Symbol:     symbol,
		Price:      price,
		Confidence: confidence,
		Timestamp:  acct.publishTime,
		Source:     Pyth,
	}, nil
}

// Healthy probes one registered feed. Pyth accounts do not carry a
// freshness guarantee the probe can hold them to, so success alone
// counts; staleness is enforced later, at validation time.
func (a *PythAdapter) Healthy(ctx context.Context) bool {
	symbols := a.feeds.list()
	if len(symbols) == 0 {
		a.log.Warn().Msg("health probe with no registered feeds")
		return false
	}
	_, err := a.Fetch(ctx, symbols[0])
	if err != nil {
		a.log.Warn().Err(err).Str("symbol", symbols[0]).Msg("health probe failed")
		return false
	}
	return true
}

type pythPriceAccount struct {
	exponent    int32
	publishTime int64
	aggPrice    int64
	aggConf     uint64
	aggStatus   uint32
}

func decodePythPriceAccount(data []byte) (pythPriceAccount, error) {
	var acct pythPriceAccount

	if len(data) < pythMinSize {
		return acct, fmt.Errorf("%w: account too short (%d bytes)", ErrDecode, len(data))
	}
	if magic := binary.LittleEndian.Uint32(data[pythOffMagic:]); magic != pythMagic {
		return acct, fmt.Errorf("%w: bad magic 0x%x", ErrDecode, magic)
	}
	if ver := binary.LittleEndian.Uint32(data[pythOffVersion:]); ver != pythVersion {
		return acct, fmt.Errorf("%w: unsupported version %d", ErrDecode, ver)
	}
	if atype := binary.LittleEndian.Uint32(data[pythOffAccountType:]); atype != pythAccountType {
		return acct, fmt.Errorf("%w: not a price account (type %d)", ErrDecode, atype)
	}

	acct.exponent = int32(binary.LittleEndian.Uint32(data[pythOffExponent:]))
	acct.publishTime = int64(binary.LittleEndian.Uint64(data[pythOffPublishTime:]))
	acct.aggPrice = int64(binary.LittleEndian.Uint64(data[pythOffAggPrice:]))
	acct.aggConf = binary.LittleEndian.Uint64(data[pythOffAggConf:])
	acct.aggStatus = binary.LittleEndian.Uint32(data[pythOffAggStatus:])

	return acct, nil
}

var _ SourceAdapter = (*PythAdapter)(nil)
