package indicators

import (
	"errors"
	"testing"
	"time"

	"github.com/quantdesk/quantdesk/internal/market"
)

func risingCandles(n int, start, step float64) []market.Candle {
	base := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	out := make([]market.Candle, n)
	for i := range out {
		close := start + float64(i)*step
		out[i] = market.Candle{
			Symbol:    "AAPL",
			Timeframe: market.TF1D,
			Open:      close - step/2,
			High:      close + step,
			Low:       close - step,
			Close:     close,
			Volume:    1000 + float64(i),
			OpenTime:  base.AddDate(0, 0, i),
		}
	}
	return out
}

func TestSummarize(t *testing.T) {
	engine := NewEngine()

	candles := risingCandles(60, 100, 1)
	summary, err := engine.Summarize(candles)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if summary.Symbol != "AAPL" {
		t.Errorf("Expected symbol AAPL, got %s", summary.Symbol)
	}
	if summary.Timeframe != market.TF1D {
		t.Errorf("Expected timeframe 1D, got %s", summary.Timeframe)
	}
	if summary.Bars != 60 {
		t.Errorf("Expected 60 bars, got %d", summary.Bars)
	}
	if summary.LastClose != 159 {
		t.Errorf("Expected last close 159, got %.2f", summary.LastClose)
	}

	if summary.RSI == nil || summary.MACD == nil || summary.Bollinger == nil {
		t.Fatal("Expected RSI, MACD, and Bollinger on a 60-bar series")
	}
	if summary.SMA == nil || summary.EMA == nil || summary.ATR == nil || summary.ADX == nil {
		t.Fatal("Expected SMA, EMA, ATR, and ADX on a 60-bar series")
	}

	if summary.Signal != "bullish" {
		t.Errorf("Expected bullish signal for a steady uptrend, got %s", summary.Signal)
	}
}

func TestSummarizeShortSeries(t *testing.T) {
	engine := NewEngine()

	summary, err := engine.Summarize(risingCandles(5, 100, 1))
	if err != nil {
		t.Fatalf("Short series should not fail the summary: %v", err)
	}

	if summary.Bars != 5 {
		t.Errorf("Expected 5 bars, got %d", summary.Bars)
	}
	if summary.RSI != nil || summary.MACD != nil || summary.Bollinger != nil || summary.ADX != nil {
		t.Error("Indicators needing more history should be omitted on a 5-bar series")
	}
}

func TestSummarizeEmpty(t *testing.T) {
	engine := NewEngine()

	_, err := engine.Summarize(nil)
	if !errors.Is(err, ErrInsufficientData) {
		t.Errorf("Expected ErrInsufficientData, got %v", err)
	}
}
