package indicators

import (
	"github.com/quantdesk/quantdesk/internal/market"
)

// Summary bundles every indicator computed over one candle series. Fields
// are nil when the series is too short for that indicator.
type Summary struct {
	Symbol    string           `json:"symbol"`
	Timeframe market.Timeframe `json:"timeframe"`
	Bars      int              `json:"bars"`
	LastClose float64          `json:"last_close"`
	RSI       *RSIResult       `json:"rsi,omitempty"`
	MACD      *MACDResult      `json:"macd,omitempty"`
	Bollinger *BollingerResult `json:"bollinger,omitempty"`
	SMA       *SMAResult       `json:"sma,omitempty"`
	EMA       *EMAResult       `json:"ema,omitempty"`
	ATR       *ATRResult       `json:"atr,omitempty"`
	ADX       *ADXResult       `json:"adx,omitempty"`
	Signal    string           `json:"signal"` // "bullish", "bearish", "mixed"
}

// Summarize computes all indicators with default periods over the candles.
// Indicators the series is too short for are omitted rather than failing
// the whole summary.
func (e *Engine) Summarize(candles []market.Candle) (Summary, error) {
	if len(candles) == 0 {
		return Summary{}, insufficientData("summary", 1, 0)
	}

	highs, lows, closes := Series(candles)
	s := Summary{
		Symbol:    candles[0].Symbol,
		Timeframe: candles[0].Timeframe,
		Bars:      len(candles),
		LastClose: closes[len(closes)-1],
	}

	bullish, bearish := 0, 0

	if r, err := e.RSI(closes, 0); err == nil {
		s.RSI = &r
		switch r.Signal {
		case "oversold":
			bullish++
		case "overbought":
			bearish++
		}
	}

	if m, err := e.MACD(closes, 0, 0, 0); err == nil {
		s.MACD = &m
		if m.Histogram > 0 {
			bullish++
		} else if m.Histogram < 0 {
			bearish++
		}
	}

	if b, err := e.Bollinger(closes, 0); err == nil {
		s.Bollinger = &b
		switch b.Signal {
		case "buy":
			bullish++
		case "sell":
			bearish++
		}
	}

	if sma, err := e.SMA(closes, 0); err == nil {
		s.SMA = &sma
		switch sma.Trend {
		case "bullish":
			bullish++
		case "bearish":
			bearish++
		}
	}

	if ema, err := e.EMA(closes, 0); err == nil {
		s.EMA = &ema
		switch ema.Trend {
		case "bullish":
			bullish++
		case "bearish":
			bearish++
		}
	}

	if atr, err := e.ATR(highs, lows, closes); err == nil {
		s.ATR = &atr
	}

	if adx, err := e.ADX(highs, lows, closes, 0); err == nil {
		s.ADX = &adx
	}

	s.Signal = "mixed"
	if bullish > bearish {
		s.Signal = "bullish"
	} else if bearish > bullish {
		s.Signal = "bearish"
	}

	e.log.Debug().
		Str("symbol", s.Symbol).
		Int("bars", s.Bars).
		Int("bullish", bullish).
		Int("bearish", bearish).
		Str("signal", s.Signal).
		Msg("Indicator summary computed")

	return s, nil
}
