package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/quantdesk/quantdesk/internal/indicators"
	"github.com/quantdesk/quantdesk/internal/market"
)

const technicalAnalysisSchema = `{
	"type": "object",
	"properties": {
		"symbol": {
			"type": "string",
			"description": "The stock or crypto symbol to analyze"
		},
		"timeframe": {
			"type": "string",
			"description": "Timeframe for the analysis",
			"enum": ["1m", "5m", "15m", "1h", "4h", "1D"],
			"default": "1D"
		},
		"indicators": {
			"type": "array",
			"items": {
				"type": "string",
				"enum": ["rsi", "macd", "bollinger", "sma", "ema", "atr", "all"]
			},
			"description": "Indicators to calculate",
			"default": ["all"]
		}
	},
	"required": ["symbol"]
}`

// analysisBars is how many bars the analysis fetches; enough history for
// the slowest default indicator (MACD needs 35, ADX 28)
const analysisBars = 120

type technicalAnalysisArgs struct {
	Symbol     string   `json:"symbol"`
	Timeframe  string   `json:"timeframe"`
	Indicators []string `json:"indicators"`
}

type technicalAnalysisResult struct {
	Symbol     string                 `json:"symbol"`
	Timeframe  market.Timeframe       `json:"timeframe"`
	LastClose  float64                `json:"last_close"`
	Bars       int                    `json:"bars"`
	Indicators map[string]interface{} `json:"indicators"`
	Signal     string                 `json:"signal,omitempty"`
}

func (r *Registry) technicalAnalysis(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	args := technicalAnalysisArgs{Timeframe: "1D", Indicators: []string{"all"}}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToolArgs, err)
	}
	if len(args.Indicators) == 0 {
		args.Indicators = []string{"all"}
	}

	symbol := strings.ToUpper(strings.TrimSpace(args.Symbol))
	timeframe, err := market.ParseTimeframe(args.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToolArgs, err)
	}

	from := time.Now().Add(-time.Duration(analysisBars) * timeframe.Duration())
	candles, err := r.data.GetCandles(ctx, symbol, timeframe, from, time.Time{}, analysisBars)
	if err != nil {
		return nil, fmt.Errorf("candles for %s: %w", symbol, err)
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("candles for %s: %w", symbol, market.ErrNoData)
	}

	wantAll := false
	selected := make(map[string]bool, len(args.Indicators))
	for _, name := range args.Indicators {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "all" {
			wantAll = true
			continue
		}
		selected[name] = true
	}

	result := technicalAnalysisResult{
		Symbol:     symbol,
		Timeframe:  timeframe,
		LastClose:  candles[len(candles)-1].Close,
		Bars:       len(candles),
		Indicators: make(map[string]interface{}),
	}

	if wantAll {
		summary, err := r.engine.Summarize(candles)
		if err != nil {
			return nil, fmt.Errorf("analysis for %s: %w", symbol, err)
		}
		if summary.RSI != nil {
			result.Indicators["rsi"] = summary.RSI
		}
		if summary.MACD != nil {
			result.Indicators["macd"] = summary.MACD
		}
		if summary.Bollinger != nil {
			result.Indicators["bollinger"] = summary.Bollinger
		}
		if summary.SMA != nil {
			result.Indicators["sma"] = summary.SMA
		}
		if summary.EMA != nil {
			result.Indicators["ema"] = summary.EMA
		}
		if summary.ATR != nil {
			result.Indicators["atr"] = summary.ATR
		}
		if summary.ADX != nil {
			result.Indicators["adx"] = summary.ADX
		}
		result.Signal = summary.Signal
		return result, nil
	}

	highs, lows, closes := indicators.Series(candles)
	for name := range selected {
		switch name {
		case "rsi":
			setIndicator(result.Indicators, name)(r.engine.RSI(closes, 0))
		case "macd":
			setIndicator(result.Indicators, name)(r.engine.MACD(closes, 0, 0, 0))
		case "bollinger":
			setIndicator(result.Indicators, name)(r.engine.Bollinger(closes, 0))
		case "sma":
			setIndicator(result.Indicators, name)(r.engine.SMA(closes, 0))
		case "ema":
			setIndicator(result.Indicators, name)(r.engine.EMA(closes, 0))
		case "atr":
			setIndicator(result.Indicators, name)(r.engine.ATR(highs, lows, closes))
		}
	}

	return result, nil
}

// setIndicator stores a computed value, or the error text when the series
// was too short, so the model sees why an indicator is missing
func setIndicator(dst map[string]interface{}, name string) func(v interface{}, err error) {
	return func(v interface{}, err error) {
		if err != nil {
			dst[name] = map[string]string{"error": err.Error()}
			return
		}
		dst[name] = v
	}
}
