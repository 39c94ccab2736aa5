package indicators

import (
	"fmt"

	"github.com/cinar/indicator/v2/volatility"
)

// ATRResult is the latest Average True Range, also expressed relative to
// the closing price
type ATRResult struct {
	Value   float64 `json:"value"`
	Percent float64 `json:"percent"` // ATR as a percentage of the last close
}

// ATR computes the Average True Range from high/low/close series. The
// smoothing period is the library's default fourteen bars.
func (e *Engine) ATR(highs, lows, closes []float64) (ATRResult, error) {
	if len(highs) != len(lows) || len(highs) != len(closes) {
		return ATRResult{}, fmt.Errorf("high, low, and close series must have the same length")
	}
	if len(closes) < DefaultATRPeriod+1 {
		return ATRResult{}, insufficientData("atr", DefaultATRPeriod+1, len(closes))
	}

	values := collect(volatility.NewAtr[float64]().Compute(
		sliceToChan(highs), sliceToChan(lows), sliceToChan(closes)))
	if len(values) == 0 {
		return ATRResult{}, insufficientData("atr", DefaultATRPeriod+1, len(closes))
	}

	current := values[len(values)-1]
	price := closes[len(closes)-1]
	percent := 0.0
	if price != 0 {
		percent = current / price * 100
	}

	e.log.Debug().
		Float64("atr", current).
		Float64("percent", percent).
		Msg("ATR calculated")

	return ATRResult{Value: current, Percent: percent}, nil
}
