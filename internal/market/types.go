// Package market defines the common data model shared by providers, the
// data manager, and the agent tool surface: symbols, quotes, candles, and
// the typed errors callers see instead of raw transport failures.
package market

import (
	"fmt"
	"strings"
	"time"
)

// Class identifies the market a symbol trades on.
type Class string

const (
	ClassEquity Class = "equity"
	ClassCrypto Class = "crypto"
)

// Symbol is an opaque canonical identifier plus its market class.
// Immutable once created.
type Symbol struct {
	ID    string `json:"id" yaml:"symbol"`
	Class Class  `json:"class" yaml:"class"`
}

// Quote is the latest known price snapshot for a symbol. Only the most
// recent quote per symbol is retained; staleness is arbitrated by Timestamp.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Bid       float64   `json:"bid,omitempty"`
	Ask       float64   `json:"ask,omitempty"`
	Volume    float64   `json:"volume,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Provider  string    `json:"provider"`
}

// Candle is one OHLCV bar. Uniqueness key is (Symbol, Timeframe, OpenTime).
type Candle struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	OpenTime  time.Time `json:"open_time"`
}

// Timeframe is the closed set of supported bar intervals.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
	TF4h  Timeframe = "4h"
	TF1D  Timeframe = "1D"
)

// Timeframes returns all supported timeframes in ascending order.
func Timeframes() []Timeframe {
	return []Timeframe{TF1m, TF5m, TF15m, TF1h, TF4h, TF1D}
}

// ParseTimeframe normalizes a user-supplied timeframe string.
func ParseTimeframe(s string) (Timeframe, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1m":
		return TF1m, nil
	case "5m":
		return TF5m, nil
	case "15m":
		return TF15m, nil
	case "1h", "60m":
		return TF1h, nil
	case "4h":
		return TF4h, nil
	case "1d", "d", "day":
		return TF1D, nil
	default:
		return "", fmt.Errorf("unsupported timeframe %q", s)
	}
}

// Duration returns the bucket length of one bar.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TF1m:
		return time.Minute
	case TF5m:
		return 5 * time.Minute
	case TF15m:
		return 15 * time.Minute
	case TF1h:
		return time.Hour
	case TF4h:
		return 4 * time.Hour
	case TF1D:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Truncate rounds t down to the start of the bar containing it.
func (tf Timeframe) Truncate(t time.Time) time.Time {
	d := tf.Duration()
	if d == 0 {
		return t
	}
	return t.UTC().Truncate(d)
}
