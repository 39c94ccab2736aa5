package indicators

import (
	"fmt"

	"github.com/cinar/indicator/v2/trend"
)

// MACDResult is the latest MACD/signal pair with crossover detection
type MACDResult struct {
	MACD      float64 `json:"macd"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
	Crossover string  `json:"crossover"` // "bullish", "bearish", "none"
}

// MACD computes the Moving Average Convergence Divergence over closing
// prices. Zero periods take the conventional 12/26/9.
func (e *Engine) MACD(closes []float64, fast, slow, signalPeriod int) (MACDResult, error) {
	if fast <= 0 {
		fast = DefaultMACDFast
	}
	if slow <= 0 {
		slow = DefaultMACDSlow
	}
	if signalPeriod <= 0 {
		signalPeriod = DefaultMACDSignal
	}
	if fast >= slow {
		return MACDResult{}, fmt.Errorf("fast period (%d) must be less than slow period (%d)", fast, slow)
	}
	if minBars := slow + signalPeriod; len(closes) < minBars {
		return MACDResult{}, insufficientData("macd", minBars, len(closes))
	}

	macdChan, signalChan := trend.NewMacdWithPeriod[float64](fast, slow, signalPeriod).Compute(sliceToChan(closes))

	var macdValues, signalValues []float64
	for {
		m, mok := <-macdChan
		s, sok := <-signalChan
		if !mok || !sok {
			break
		}
		macdValues = append(macdValues, m)
		signalValues = append(signalValues, s)
	}
	if len(macdValues) == 0 {
		return MACDResult{}, insufficientData("macd", slow+signalPeriod, len(closes))
	}

	currentMACD := macdValues[len(macdValues)-1]
	currentSignal := signalValues[len(signalValues)-1]
	histogram := currentMACD - currentSignal

	crossover := "none"
	if len(macdValues) >= 2 {
		prevHistogram := macdValues[len(macdValues)-2] - signalValues[len(signalValues)-2]
		if prevHistogram <= 0 && histogram > 0 {
			crossover = "bullish"
		}
		if prevHistogram >= 0 && histogram < 0 {
			crossover = "bearish"
		}
	}

	e.log.Debug().
		Float64("macd", currentMACD).
		Float64("signal", currentSignal).
		Float64("histogram", histogram).
		Str("crossover", crossover).
		Msg("MACD calculated")

	return MACDResult{
		MACD:      currentMACD,
		Signal:    currentSignal,
		Histogram: histogram,
		Crossover: crossover,
	}, nil
}
