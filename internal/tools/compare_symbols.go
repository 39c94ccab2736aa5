package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantdesk/quantdesk/internal/market"
)

const compareSymbolsSchema = `{
	"type": "object",
	"properties": {
		"symbols": {
			"type": "array",
			"items": {"type": "string"},
			"minItems": 2,
			"maxItems": 10,
			"description": "Symbols to compare"
		},
		"timeframe": {
			"type": "string",
			"description": "Bar interval for the period statistics",
			"enum": ["1m", "5m", "15m", "1h", "4h", "1D"],
			"default": "1D"
		},
		"days_back": {
			"type": "integer",
			"description": "Comparison period in days",
			"minimum": 1,
			"maximum": 365,
			"default": 30
		}
	},
	"required": ["symbols"]
}`

type compareSymbolsArgs struct {
	Symbols   []string `json:"symbols"`
	Timeframe string   `json:"timeframe"`
	DaysBack  int      `json:"days_back"`
}

type comparisonEntry struct {
	Symbol          string    `json:"symbol"`
	CurrentPrice    float64   `json:"current_price,omitempty"`
	AsOf            time.Time `json:"as_of,omitempty"`
	PeriodChange    float64   `json:"period_change,omitempty"`
	PeriodChangePct float64   `json:"period_change_pct,omitempty"`
	PeriodHigh      float64   `json:"period_high,omitempty"`
	PeriodLow       float64   `json:"period_low,omitempty"`
	Error           string    `json:"error,omitempty"`
}

type compareSymbolsResult struct {
	Timeframe market.Timeframe  `json:"timeframe"`
	DaysBack  int               `json:"days_back"`
	Entries   []comparisonEntry `json:"entries"`
}

// compareSymbols gathers each symbol concurrently. A failing symbol is
// reported in its entry; it never fails the whole comparison.
func (r *Registry) compareSymbols(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	args := compareSymbolsArgs{Timeframe: "1D", DaysBack: 30}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToolArgs, err)
	}

	timeframe, err := market.ParseTimeframe(args.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToolArgs, err)
	}

	entries := make([]comparisonEntry, len(args.Symbols))
	g, gctx := errgroup.WithContext(ctx)

	for i, s := range args.Symbols {
		i, symbol := i, strings.ToUpper(strings.TrimSpace(s))
		g.Go(func() error {
			entries[i] = r.compareOne(gctx, symbol, timeframe, args.DaysBack)
			return nil
		})
	}
	_ = g.Wait()

	return compareSymbolsResult{
		Timeframe: timeframe,
		DaysBack:  args.DaysBack,
		Entries:   entries,
	}, nil
}

func (r *Registry) compareOne(ctx context.Context, symbol string, timeframe market.Timeframe, daysBack int) comparisonEntry {
	entry := comparisonEntry{Symbol: symbol}

	quote, err := r.data.GetQuote(ctx, symbol)
	if err != nil {
		entry.Error = err.Error()
		return entry
	}
	entry.CurrentPrice = quote.Price
	entry.AsOf = quote.Timestamp

	from := time.Now().AddDate(0, 0, -daysBack)
	candles, err := r.data.GetCandles(ctx, symbol, timeframe, from, time.Time{}, daysBack*2)
	if err != nil || len(candles) == 0 {
		// Quote-only entry: period statistics need history
		return entry
	}

	baseline := candles[0].Close
	entry.PeriodHigh = candles[0].High
	entry.PeriodLow = candles[0].Low
	for _, c := range candles {
		if c.High > entry.PeriodHigh {
			entry.PeriodHigh = c.High
		}
		if c.Low < entry.PeriodLow {
			entry.PeriodLow = c.Low
		}
	}
	if baseline != 0 {
		entry.PeriodChange = quote.Price - baseline
		entry.PeriodChangePct = entry.PeriodChange / baseline * 100
	}

	return entry
}
