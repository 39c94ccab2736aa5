package indicators

import (
	"fmt"
	"math"
)

// ADXResult is the latest Average Directional Index with a trend-strength
// classification
type ADXResult struct {
	Value    float64 `json:"value"`
	Strength string  `json:"strength"` // "weak", "strong", "very_strong"
}

// ADX computes the Average Directional Index from high/low/close series.
// The indicator library does not ship ADX, so the calculation is done here
// with Wilder's smoothing.
func (e *Engine) ADX(highs, lows, closes []float64, period int) (ADXResult, error) {
	if len(highs) != len(lows) || len(highs) != len(closes) {
		return ADXResult{}, fmt.Errorf("high, low, and close series must have the same length")
	}
	if period <= 0 {
		period = DefaultADXPeriod
	}
	if minBars := period * 2; len(closes) < minBars {
		return ADXResult{}, insufficientData("adx", minBars, len(closes))
	}

	adx := computeADX(highs, lows, closes, period)
	if adx == 0 {
		return ADXResult{}, fmt.Errorf("adx calculation produced no value")
	}

	strength := "weak"
	if adx >= 25 && adx < 50 {
		strength = "strong"
	} else if adx >= 50 {
		strength = "very_strong"
	}

	e.log.Debug().
		Float64("adx", adx).
		Str("strength", strength).
		Msg("ADX calculated")

	return ADXResult{Value: adx, Strength: strength}, nil
}

func computeADX(high, low, close []float64, period int) float64 {
	n := len(close)
	if n < period*2 {
		return 0
	}

	tr := make([]float64, n)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)

	for i := 1; i < n; i++ {
		tr[i] = math.Max(high[i]-low[i],
			math.Max(math.Abs(high[i]-close[i-1]),
				math.Abs(low[i]-close[i-1])))

		upMove := high[i] - high[i-1]
		downMove := low[i-1] - low[i]

		if upMove > downMove && upMove > 0 {
			plusDM[i] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i] = downMove
		}
	}

	smoothTR := smoothWilder(tr, period)
	smoothPlusDM := smoothWilder(plusDM, period)
	smoothMinusDM := smoothWilder(minusDM, period)

	dx := make([]float64, n)
	for i := period; i < n; i++ {
		if smoothTR[i] == 0 {
			continue
		}
		plusDI := 100 * smoothPlusDM[i] / smoothTR[i]
		minusDI := 100 * smoothMinusDM[i] / smoothTR[i]
		if diSum := plusDI + minusDI; diSum != 0 {
			dx[i] = 100 * math.Abs(plusDI-minusDI) / diSum
		}
	}

	adxValues := smoothWilder(dx, period)
	return adxValues[n-1]
}

// smoothWilder seeds with a simple average, then applies Wilder's smoothing
func smoothWilder(data []float64, period int) []float64 {
	n := len(data)
	result := make([]float64, n)
	if n < period {
		return result
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += data[i]
	}
	result[period-1] = sum / float64(period)

	for i := period; i < n; i++ {
		result[i] = (result[i-1]*float64(period-1) + data[i]) / float64(period)
	}

	return result
}
