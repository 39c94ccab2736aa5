package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/quantdesk/quantdesk/internal/market"
)

const priceLookupSchema = `{
	"type": "object",
	"properties": {
		"symbol": {
			"type": "string",
			"description": "The stock symbol (e.g., AAPL, MSFT) or crypto symbol (e.g., BTC-USD)"
		},
		"timeframe": {
			"type": "string",
			"description": "Timeframe for the historical summary",
			"enum": ["1m", "5m", "15m", "1h", "4h", "1D"],
			"default": "1D"
		},
		"days_back": {
			"type": "integer",
			"description": "Number of days of history to summarize",
			"minimum": 1,
			"maximum": 365,
			"default": 30
		}
	},
	"required": ["symbol"]
}`

type priceLookupArgs struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	DaysBack  int    `json:"days_back"`
}

type historicalSummary struct {
	LatestClose float64 `json:"latest_close"`
	PeriodHigh  float64 `json:"period_high"`
	PeriodLow   float64 `json:"period_low"`
	PeriodAvg   float64 `json:"period_avg"`
	TotalVolume float64 `json:"total_volume"`
	DataPoints  int     `json:"data_points"`
}

type priceLookupResult struct {
	Symbol            string             `json:"symbol"`
	CurrentPrice      float64            `json:"current_price"`
	Bid               float64            `json:"bid,omitempty"`
	Ask               float64            `json:"ask,omitempty"`
	AsOf              time.Time          `json:"as_of"`
	Provider          string             `json:"provider,omitempty"`
	HistoricalSummary *historicalSummary `json:"historical_summary,omitempty"`
}

func (r *Registry) priceLookup(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	args := priceLookupArgs{Timeframe: "1D", DaysBack: 30}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToolArgs, err)
	}

	symbol := strings.ToUpper(strings.TrimSpace(args.Symbol))
	timeframe, err := market.ParseTimeframe(args.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToolArgs, err)
	}

	quote, err := r.data.GetQuote(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("quote for %s: %w", symbol, err)
	}

	result := priceLookupResult{
		Symbol:       symbol,
		CurrentPrice: quote.Price,
		Bid:          quote.Bid,
		Ask:          quote.Ask,
		AsOf:         quote.Timestamp,
		Provider:     quote.Provider,
	}

	// The quote alone answers most price questions, so a failed history
	// fetch degrades to a quote-only result instead of erroring
	from := time.Now().AddDate(0, 0, -args.DaysBack)
	candles, err := r.data.GetCandles(ctx, symbol, timeframe, from, time.Time{}, args.DaysBack)
	if err == nil && len(candles) > 0 {
		result.HistoricalSummary = summarizeCandles(candles)
	}

	return result, nil
}

func summarizeCandles(candles []market.Candle) *historicalSummary {
	s := &historicalSummary{
		LatestClose: candles[len(candles)-1].Close,
		PeriodHigh:  candles[0].High,
		PeriodLow:   candles[0].Low,
		DataPoints:  len(candles),
	}
	var closeSum float64
	for _, c := range candles {
		if c.High > s.PeriodHigh {
			s.PeriodHigh = c.High
		}
		if c.Low < s.PeriodLow {
			s.PeriodLow = c.Low
		}
		closeSum += c.Close
		s.TotalVolume += c.Volume
	}
	s.PeriodAvg = closeSum / float64(len(candles))
	return s
}
