package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/quantdesk/quantdesk/internal/market"
)

const historicalFetchSchema = `{
	"type": "object",
	"properties": {
		"symbol": {
			"type": "string",
			"description": "The stock or crypto symbol"
		},
		"timeframe": {
			"type": "string",
			"description": "Bar interval",
			"enum": ["1m", "5m", "15m", "1h", "4h", "1D"],
			"default": "1D"
		},
		"start": {
			"type": "string",
			"description": "Window start as RFC 3339 timestamp or YYYY-MM-DD date"
		},
		"end": {
			"type": "string",
			"description": "Window end as RFC 3339 timestamp or YYYY-MM-DD date"
		},
		"limit": {
			"type": "integer",
			"description": "Maximum number of candles",
			"minimum": 1,
			"maximum": 500,
			"default": 100
		}
	},
	"required": ["symbol"]
}`

type historicalFetchArgs struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Start     string `json:"start"`
	End       string `json:"end"`
	Limit     int    `json:"limit"`
}

type candleRow struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

type historicalFetchResult struct {
	Symbol    string           `json:"symbol"`
	Timeframe market.Timeframe `json:"timeframe"`
	Candles   []candleRow      `json:"candles"`
	Count     int              `json:"count"`
}

func (r *Registry) historicalFetch(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	args := historicalFetchArgs{Timeframe: "1D", Limit: 100}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToolArgs, err)
	}

	symbol := strings.ToUpper(strings.TrimSpace(args.Symbol))
	timeframe, err := market.ParseTimeframe(args.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToolArgs, err)
	}

	start, err := parseFlexibleTime(args.Start)
	if err != nil {
		return nil, fmt.Errorf("%w: start: %v", ErrInvalidToolArgs, err)
	}
	end, err := parseFlexibleTime(args.End)
	if err != nil {
		return nil, fmt.Errorf("%w: end: %v", ErrInvalidToolArgs, err)
	}
	if start.IsZero() {
		start = time.Now().AddDate(0, 0, -30)
	}

	candles, err := r.data.GetCandles(ctx, symbol, timeframe, start, end, args.Limit)
	if err != nil {
		return nil, fmt.Errorf("candles for %s: %w", symbol, err)
	}

	rows := make([]candleRow, 0, len(candles))
	for _, c := range candles {
		rows = append(rows, candleRow{
			OpenTime: c.OpenTime,
			Open:     c.Open,
			High:     c.High,
			Low:      c.Low,
			Close:    c.Close,
			Volume:   c.Volume,
		})
	}

	return historicalFetchResult{
		Symbol:    symbol,
		Timeframe: timeframe,
		Candles:   rows,
		Count:     len(rows),
	}, nil
}

// parseFlexibleTime accepts RFC 3339 timestamps and bare dates; empty
// input is the zero time
func parseFlexibleTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}
