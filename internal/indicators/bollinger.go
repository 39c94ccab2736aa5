package indicators

import (
	"github.com/cinar/indicator/v2/volatility"
)

// BollingerResult is the latest band snapshot with a price-position signal
type BollingerResult struct {
	Upper  float64 `json:"upper"`
	Middle float64 `json:"middle"`
	Lower  float64 `json:"lower"`
	Width  float64 `json:"width"`  // band width as a percentage of the middle band
	Signal string  `json:"signal"` // "buy", "sell", "neutral"
}

// Bollinger computes Bollinger Bands over closing prices. The band
// multiplier is the library's fixed two standard deviations.
func (e *Engine) Bollinger(closes []float64, period int) (BollingerResult, error) {
	if period <= 0 {
		period = DefaultBollingerPeriod
	}
	if len(closes) < period {
		return BollingerResult{}, insufficientData("bollinger", period, len(closes))
	}

	lowerChan, middleChan, upperChan := volatility.NewBollingerBandsWithPeriod[float64](period).Compute(sliceToChan(closes))

	var lower, middle, upper []float64
	for {
		l, lok := <-lowerChan
		m, mok := <-middleChan
		u, uok := <-upperChan
		if !lok || !mok || !uok {
			break
		}
		lower = append(lower, l)
		middle = append(middle, m)
		upper = append(upper, u)
	}
	if len(middle) == 0 {
		return BollingerResult{}, insufficientData("bollinger", period, len(closes))
	}

	currentUpper := upper[len(upper)-1]
	currentMiddle := middle[len(middle)-1]
	currentLower := lower[len(lower)-1]
	currentPrice := closes[len(closes)-1]

	width := 0.0
	if currentMiddle != 0 {
		width = ((currentUpper - currentLower) / currentMiddle) * 100
	}

	signal := "neutral"
	if currentPrice <= currentLower {
		signal = "buy"
	} else if currentPrice >= currentUpper {
		signal = "sell"
	}

	e.log.Debug().
		Float64("upper", currentUpper).
		Float64("middle", currentMiddle).
		Float64("lower", currentLower).
		Str("signal", signal).
		Msg("Bollinger Bands calculated")

	return BollingerResult{
		Upper:  currentUpper,
		Middle: currentMiddle,
		Lower:  currentLower,
		Width:  width,
		Signal: signal,
	}, nil
}
