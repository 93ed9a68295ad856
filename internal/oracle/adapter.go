package oracle

import (
	"context"
	"fmt"
	"math/big"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
)

// SourceAdapter is implemented once per oracle vendor. Registration
// happens at startup; after that the registry is read-only and Fetch
// may be called from any number of goroutines.
type SourceAdapter interface {
	Kind() OracleKind
	Register(symbol, feedAddress string) error
	Symbols() []string
	Fetch(ctx context.Context, symbol string) (PriceReading, error)
	Healthy(ctx context.Context) bool
}

// AccountReader supplies raw on-chain account bytes for a feed address.
// *solana.Client satisfies it.
type AccountReader interface {
	AccountData(ctx context.Context, address string) ([]byte, error)
}

// feedRegistry maps symbol to feed address. add is startup-only, so
// lookups need no lock.
type feedRegistry struct {
	addrs   map[string]string
	symbols []string
}

func newFeedRegistry() *feedRegistry {
	return &feedRegistry{addrs: make(map[string]string)}
}

func (r *feedRegistry) add(symbol, address string) error {
	raw, err := base58.Decode(address)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidAddress, address, err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("%w: %s: expected 32 bytes, got %d", ErrInvalidAddress, address, len(raw))
	}
	if _, exists := r.addrs[symbol]; !exists {
		r.symbols = append(r.symbols, symbol)
	}
	r.addrs[symbol] = address
	return nil
}

func (r *feedRegistry) lookup(symbol string) (string, bool) {
	addr, ok := r.addrs[symbol]
	return addr, ok
}

func (r *feedRegistry) list() []string {
	out := make([]string, len(r.symbols))
	copy(out, r.symbols)
	return out
}

// scaleByExponent turns an integer mantissa into an exact decimal by
// shifting the decimal point expo places: right for negative exponents,
// left for positive. No binary floating point is involved.
func scaleByExponent(mantissa *big.Int, expo int32) decimal.Decimal {
	return decimal.NewFromBigInt(mantissa, expo)
}
