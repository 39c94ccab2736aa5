package indicators

import (
	"github.com/cinar/indicator/v2/trend"
)

// EMAResult is the latest Exponential Moving Average with a price trend
type EMAResult struct {
	Value  float64 `json:"value"`
	Period int     `json:"period"`
	Trend  string  `json:"trend"` // "bullish", "bearish", "neutral"
}

// EMA computes the Exponential Moving Average over closing prices
func (e *Engine) EMA(closes []float64, period int) (EMAResult, error) {
	if period <= 0 {
		period = DefaultEMAPeriod
	}
	if len(closes) < period {
		return EMAResult{}, insufficientData("ema", period, len(closes))
	}

	values := collect(trend.NewEmaWithPeriod[float64](period).Compute(sliceToChan(closes)))
	if len(values) == 0 {
		return EMAResult{}, insufficientData("ema", period, len(closes))
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
		Float64("ema", current).
		Int("period", period).
		Str("trend", direction).
		Msg("EMA calculated")

	return EMAResult{Value: current, Period: period, Trend: direction}, nil
}
