package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantdesk/quantdesk/internal/config"
	"github.com/quantdesk/quantdesk/internal/market"
)

func newTestBinanceAdapter(t *testing.T) *BinanceAdapter {
	t.Helper()
	return NewBinanceAdapter(config.BinanceConfig{}, market.DefaultCatalog(), DefaultBackoff(), 16)
}

func TestBinanceAdapterIdentity(t *testing.T) {
	b := newTestBinanceAdapter(t)
	defer b.Close()

	assert.Equal(t, "binance", b.Name())
	assert.Equal(t, market.ClassCrypto, b.Class())
	assert.Equal(t, StateDisconnected, b.State())
}

func TestBinanceSubscribeIgnoresEquities(t *testing.T) {
	b := newTestBinanceAdapter(t)
	defer b.Close()

	err := b.Subscribe(context.Background(), []market.Symbol{
		{ID: "AAPL", Class: market.ClassEquity},
		{ID: "MSFT", Class: market.ClassEquity},
	})
	require.NoError(t, err)

	// Nothing crypto was requested, so no stream should have started
	assert.Equal(t, StateDisconnected, b.State())
	assert.Empty(t, b.subscribed)
}

func TestBinanceCloseIsIdempotent(t *testing.T) {
	b := newTestBinanceAdapter(t)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, open := <-b.Events()
	assert.False(t, open, "event channel should be closed")

	err := b.Subscribe(context.Background(), []market.Symbol{{ID: "BTC-USD", Class: market.ClassCrypto}})
	assert.Error(t, err)
}

func TestConvertStatEvent(t *testing.T) {
	b := newTestBinanceAdapter(t)
	defer b.Close()

	mapping := map[string]market.Symbol{
		"BTCUSDT": {ID: "BTC-USD", Class: market.ClassCrypto},
	}
	now := time.Now().Truncate(time.Millisecond)

	tests := []struct {
		name  string
		event *binance.WsMarketStatEvent
		ok    bool
	}{
		{
			name: "known symbol",
			event: &binance.WsMarketStatEvent{
				Symbol:     "BTCUSDT",
				LastPrice:  "50000.50",
				BidPrice:   "50000.00",
				AskPrice:   "50001.00",
				BaseVolume: "1234.5",
				Time:       now.UnixMilli(),
			},
			ok: true,
		},
		{
			name: "unknown symbol",
			event: &binance.WsMarketStatEvent{
				Symbol:    "DOGEUSDT",
				LastPrice: "0.2",
				Time:      now.UnixMilli(),
			},
			ok: false,
		},
		{
			name: "zero price",
			event: &binance.WsMarketStatEvent{
				Symbol:    "BTCUSDT",
				LastPrice: "0",
				Time:      now.UnixMilli(),
			},
			ok: false,
		},
		{
			name:  "nil event",
			event: nil,
			ok:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, ok := b.convertStatEvent(tt.event, mapping)
			require.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, "BTC-USD", q.Symbol)
			assert.Equal(t, 50000.50, q.Price)
			assert.Equal(t, 50000.00, q.Bid)
			assert.Equal(t, 50001.00, q.Ask)
			assert.Equal(t, 1234.5, q.Volume)
			assert.Equal(t, "binance", q.Provider)
			assert.True(t, q.Timestamp.Equal(now))
		})
	}
}

func TestMapBinanceError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected error
	}{
		{
			name:     "nil error",
			err:      nil,
			expected: nil,
		},
		{
			name:     "http 429",
			err:      errors.New("<APIError> code=429, msg=Too Many Requests"),
			expected: market.ErrRateLimited,
		},
		{
			name:     "request weight exceeded",
			err:      errors.New("<APIError> code=-1003, msg=Way too much request weight used"),
			expected: market.ErrRateLimited,
		},
		{
			name:     "invalid symbol",
			err:      errors.New("<APIError> code=-1121, msg=Invalid symbol."),
			expected: market.ErrNoData,
		},
		{
			name:     "network failure",
			err:      errors.New("dial tcp: connection refused"),
			expected: market.ErrProviderUnavailable,
		},
		{
			name:     "server error",
			err:      errors.New("<APIError> code=-1001, msg=Internal error"),
			expected: market.ErrProviderUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mapped := mapBinanceError(tt.err)
			if tt.expected == nil {
				assert.NoError(t, mapped)
				return
			}
			assert.ErrorIs(t, mapped, tt.expected)
			// Raw vendor text is carried along for logs
			assert.Contains(t, mapped.Error(), tt.err.Error())
		})
	}
}

func TestBinanceInterval(t *testing.T) {
	tests := []struct {
		tf       market.Timeframe
		expected string
	}{
		{market.TF1m, "1m"},
		{market.TF5m, "5m"},
		{market.TF15m, "15m"},
		{market.TF1h, "1h"},
		{market.TF4h, "4h"},
		{market.TF1D, "1d"},
	}

	for _, tt := range tests {
		t.Run(string(tt.tf), func(t *testing.T) {
			assert.Equal(t, tt.expected, binanceInterval(tt.tf))
		})
	}
}

func TestParseFloat(t *testing.T) {
	assert.Equal(t, 50000.5, parseFloat("50000.5"))
	assert.Equal(t, 50000.5, parseFloat(" 50000.5 "))
	assert.Equal(t, 0.0, parseFloat("not a number"))
	assert.Equal(t, 0.0, parseFloat(""))
}
