package oracle

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A real 32-byte base58 account address.
const testFeedAddr = "GVXRSBjFk6e6J3NbVPXohDJetcTjaeeuykUpbQF8UoMU"

type stubReader struct {
	data []byte
	err  error
}

func (s *stubReader) AccountData(ctx context.Context, address string) ([]byte, error) {
	return s.data, s.err
}

func buildPythAccount(price int64, conf uint64, expo int32, publishTime int64, status uint32) []byte {
	data := make([]byte, pythMinSize)
	binary.LittleEndian.PutUint32(data[pythOffMagic:], pythMagic)
	binary.LittleEndian.PutUint32(data[pythOffVersion:], pythVersion)
	binary.LittleEndian.PutUint32(data[pythOffAccountType:], pythAccountType)
	binary.LittleEndian.PutUint32(data[pythOffExponent:], uint32(expo))
	binary.LittleEndian.PutUint64(data[pythOffPublishTime:], uint64(publishTime))
	binary.LittleEndian.PutUint64(data[pythOffAggPrice:], uint64(price))
	binary.LittleEndian.PutUint64(data[pythOffAggConf:], conf)
	binary.LittleEndian.PutUint32(data[pythOffAggStatus:], status)
	return data
}

func newTestPyth(t *testing.T, data []byte, err error) *PythAdapter {
	t.Helper()
	adapter := NewPythAdapter(&stubReader{data: data, err: err})
	require.NoError(t, adapter.Register("BTC/USD", testFeedAddr))
	return adapter
}

func TestPythFetchNormalizes(t *testing.T) {
	// 5_000_012_345 * 10^-5 = 50000.12345
	data := buildPythAccount(5_000_012_345, 1_000_000, -5, 1_700_000_000, pythStatusTrading)
	adapter := newTestPyth(t, data, nil)

	got, err := adapter.Fetch(context.Background(), "BTC/USD")
	require.NoError(t, err)

	assert.Equal(t, "BTC/USD", got.Symbol)
	assert.Equal(t, Pyth, got.Source)
	assert.True(t, got.Price.Equal(dec("50000.12345")), "price %s", got.Price)
	assert.True(t, got.Confidence.Equal(dec("10")), "confidence %s", got.Confidence)
	assert.Equal(t, int64(1_700_000_000), got.Timestamp)
}

func TestPythFetchPositiveExponent(t *testing.T) {
	data := buildPythAccount(5, 1, 3, 1_700_000_000, pythStatusTrading)
	adapter := newTestPyth(t, data, nil)

	got, err := adapter.Fetch(context.Background(), "BTC/USD")
	require.NoError(t, err)
	assert.True(t, got.Price.Equal(dec("5000")))
	assert.True(t, got.Confidence.Equal(dec("1000")))
}

func TestPythFetchErrors(t *testing.T) {
	valid := buildPythAccount(100, 1, 0, 1_700_000_000, pythStatusTrading)

	tests := []struct {
		name    string
		mutate  func([]byte) []byte
		rpcErr  error
		wantErr error
	}{
		{
			name:    "rpc failure propagates",
			rpcErr:  errors.New("connection refused"),
			wantErr: nil, // wrapped transport error, no sentinel
		},
		{
			name:    "account too short",
			mutate:  func(d []byte) []byte { return d[:100] },
			wantErr: ErrDecode,
		},
		{
			name: "bad magic",
			mutate: func(d []byte) []byte {
				binary.LittleEndian.PutUint32(d[pythOffMagic:], 0xdeadbeef)
				return d
			},
			wantErr: ErrDecode,
		},
		{
			name: "unsupported version",
			mutate: func(d []byte) []byte {
				binary.LittleEndian.PutUint32(d[pythOffVersion:], 9)
				return d
			},
			wantErr: ErrDecode,
		},
		{
			name: "not a price account",
			mutate: func(d []byte) []byte {
				binary.LittleEndian.PutUint32(d[pythOffAccountType:], 1)
				return d
			},
			wantErr: ErrDecode,
		},
		{
			name: "status not trading",
			mutate: func(d []byte) []byte {
				binary.LittleEndian.PutUint32(d[pythOffAggStatus:], pythStatusUnknown)
				return d
			},
			wantErr: ErrNoCurrentValue,
		},
		{
			name: "zero publish time",
			mutate: func(d []byte) []byte {
				binary.LittleEndian.PutUint64(d[pythOffPublishTime:], 0)
				return d
			},
			wantErr: ErrNoCurrentValue,
		},
		{
			name: "negative aggregate price",
			mutate: func(d []byte) []byte {
				binary.LittleEndian.PutUint64(d[pythOffAggPrice:], uint64(18446744073709551615)) // -1
				return d
			},
			wantErr: ErrDecode,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := make([]byte, len(valid))
			copy(data, valid)
			if tt.mutate != nil {
				data = tt.mutate(data)
			}

			adapter := newTestPyth(t, data, tt.rpcErr)
			_, err := adapter.Fetch(context.Background(), "BTC/USD")
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestPythFetchUnregisteredSymbol(t *testing.T) {
	adapter := NewPythAdapter(&stubReader{})
	_, err := adapter.Fetch(context.Background(), "DOGE/USD")
	assert.ErrorIs(t, err, ErrNoFeed)
}

func TestPythRegisterRejectsBadAddress(t *testing.T) {
	adapter := NewPythAdapter(&stubReader{})

	tests := []struct {
		name string
		addr string
	}{
		{"not base58", "not-a-valid-address!!"},
		{"wrong length", "3yZe7d"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := adapter.Register("BTC/USD", tt.addr)
			assert.ErrorIs(t, err, ErrInvalidAddress)
		})
	}
}

func TestPythHealthy(t *testing.T) {
	t.Run("no feeds registered", func(t *testing.T) {
		adapter := NewPythAdapter(&stubReader{})
		assert.False(t, adapter.Healthy(context.Background()))
	})

	t.Run("fetch succeeds", func(t *testing.T) {
		data := buildPythAccount(100, 1, 0, 1_700_000_000, pythStatusTrading)
		adapter := newTestPyth(t, data, nil)
		assert.True(t, adapter.Healthy(context.Background()))
	})

	t.Run("fetch fails", func(t *testing.T) {
		adapter := newTestPyth(t, nil, errors.New("rpc down"))
		assert.False(t, adapter.Healthy(context.Background()))
	})
}

func TestPythSymbolsRegistrationOrder(t *testing.T) {
	adapter := NewPythAdapter(&stubReader{})
	require.NoError(t, adapter.Register("BTC/USD", testFeedAddr))
	require.NoError(t, adapter.Register("ETH/USD", "JBu1AL4obBcCMqKBBxhpWCNUt136ijcuMZLFvTP7iWdB"))
	// Re-registering replaces the address without duplicating the symbol.
	require.NoError(t, adapter.Register("BTC/USD", testFeedAddr))

	assert.Equal(t, []string{"BTC/USD", "ETH/USD"}, adapter.Symbols())
}
