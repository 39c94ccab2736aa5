package indicators

import (
	"github.com/cinar/indicator/v2/momentum"
)

// RSIResult is the latest Relative Strength Index value with its signal
type RSIResult struct {
	Value  float64 `json:"value"`
	Period int     `json:"period"`
	Signal string  `json:"signal"` // "oversold", "overbought", "neutral"
}

// RSI computes the Relative Strength Index over closing prices
func (e *Engine) RSI(closes []float64, period int) (RSIResult, error) {
	if period <= 0 {
		period = DefaultRSIPeriod
	}
	if len(closes) < period+1 {
		return RSIResult{}, insufficientData("rsi", period+1, len(closes))
	}

	values := collect(momentum.NewRsiWithPeriod[float64](period).Compute(sliceToChan(closes)))
	if len(values) == 0 {
		return RSIResult{}, insufficientData("rsi", period+1, len(closes))
	}

	current := values[len(values)-1]
	signal := "neutral"
	switch {
	case current < 30:
		signal = "oversold"
	case current > 70:
		signal = "overbought"
	}

	e.log.Debug().
		Float64("rsi", current).
		Int("period", period).
		Str("signal", signal).
		Msg("RSI calculated")

	return RSIResult{Value: current, Period: period, Signal: signal}, nil
}
