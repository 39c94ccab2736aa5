package indicators

import (
	"github.com/cinar/indicator/v2/trend"
)

// SMAResult is the latest Simple Moving Average with a price trend
type SMAResult struct {
	Value  float64 `json:"value"`
	Period int     `json:"period"`
	Trend  string  `json:"trend"` // "bullish", "bearish", "neutral"
}

// SMA computes the Simple Moving Average over closing prices
func (e *Engine) SMA(closes []float64, period int) (SMAResult, error) {
	if period <= 0 {
		period = DefaultSMAPeriod
	}
	if len(closes) < period {
		return SMAResult{}, insufficientData("sma", period, len(closes))
	}

	values := collect(trend.NewSmaWithPeriod[float64](period).Compute(sliceToChan(closes)))
	if len(values) == 0 {
		return SMAResult{}, insufficientData("sma", period, len(closes))
	}

	current := values[len(values)-1]
	price := closes[len(closes)-1]

	direction := "neutral"
	if price > current {
		direction = "bullish"
	} else if price < current {
		direction = "bearish"
	}

	e.log.Debug().
		Float64("sma", current).
		Int("period", period).
		Str("trend", direction).
		Msg("SMA calculated")

	return SMAResult{Value: current, Period: period, Trend: direction}, nil
}
