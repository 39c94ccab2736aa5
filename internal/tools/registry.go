// Package tools holds the fixed set of capabilities the agent may invoke.
// The registry is closed: every tool is enumerated at build time with an
// embedded JSON Schema, and dispatch is a switch over the known names.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/quantdesk/quantdesk/internal/indicators"
	"github.com/quantdesk/quantdesk/internal/llm"
	"github.com/quantdesk/quantdesk/internal/market"
	"github.com/quantdesk/quantdesk/internal/metrics"
	"github.com/quantdesk/quantdesk/internal/news"
)

// Tool names
const (
	ToolPriceLookup       = "price_lookup"
	ToolTechnicalAnalysis = "technical_analysis"
	ToolNewsSearch        = "news_search"
	ToolHistoricalFetch   = "historical_fetch"
	ToolCompareSymbols    = "compare_symbols"
)

// DataSource is the market-data read surface the tools consume
type DataSource interface {
	GetQuote(ctx context.Context, symbol string) (market.Quote, error)
	GetCandles(ctx context.Context, symbol string, timeframe market.Timeframe, from, to time.Time, limit int) ([]market.Candle, error)
}

// NewsSource returns recent company news for a symbol
type NewsSource interface {
	CompanyNews(ctx context.Context, symbol string, from, to time.Time) ([]news.Article, error)
}

// Tool is one registered capability
type Tool struct {
	Name        string
	Description string
	rawSchema   json.RawMessage
	schema      *jsonschema.Schema
}

// validate checks raw arguments against the compiled schema
func (t *Tool) validate(raw json.RawMessage) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %v", err)
	}
	return t.schema.Validate(v)
}

// Registry is the closed tool set, built once with its read dependencies.
// The news source may be nil; news_search then reports itself unavailable.
type Registry struct {
	data   DataSource
	news   NewsSource
	engine *indicators.Engine
	tools  []Tool
	byName map[string]*Tool
	log    zerolog.Logger
}

// NewRegistry compiles every tool schema and wires the dependencies.
// Schema compilation failures are programming errors and fail construction.
func NewRegistry(data DataSource, newsSource NewsSource, engine *indicators.Engine) (*Registry, error) {
	if data == nil {
		return nil, fmt.Errorf("tool registry requires a data source")
	}
	if engine == nil {
		engine = indicators.NewEngine()
	}

	r := &Registry{
		data:   data,
		news:   newsSource,
		engine: engine,
		log:    log.With().Str("component", "tools").Logger(),
	}

	declarations := []struct {
		name        string
		description string
		schema      string
	}{
		{ToolPriceLookup, "Get the current price and a historical summary for a stock or crypto symbol", priceLookupSchema},
		{ToolTechnicalAnalysis, "Calculate technical indicators (RSI, MACD, Bollinger Bands, moving averages, ATR) for a symbol", technicalAnalysisSchema},
		{ToolNewsSearch, "Search recent financial news about a company or symbol", newsSearchSchema},
		{ToolHistoricalFetch, "Fetch raw OHLCV candles for a symbol over a time window", historicalFetchSchema},
		{ToolCompareSymbols, "Compare current prices and period performance across several symbols", compareSymbolsSchema},
	}

	r.tools = make([]Tool, 0, len(declarations))
	r.byName = make(map[string]*Tool, len(declarations))
	for _, d := range declarations {
		compiled, err := compileSchema(d.name, d.schema)
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema for %s: %w", d.name, err)
		}
		r.tools = append(r.tools, Tool{
			Name:        d.name,
			Description: d.description,
			rawSchema:   json.RawMessage(d.schema),
			schema:      compiled,
		})
	}
	for i := range r.tools {
		r.byName[r.tools[i].Name] = &r.tools[i]
	}

	return r, nil
}

func compileSchema(name, schema string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name+".json", strings.NewReader(schema)); err != nil {
		return nil, err
	}
	return compiler.Compile(name + ".json")
}

// Names returns the registered tool names in declaration order
func (r *Registry) Names() []string {
	names := make([]string, len(r.tools))
	for i, t := range r.tools {
		names[i] = t.Name
	}
	return names
}

// Specs returns the tool declarations in the chat-completions wire form
func (r *Registry) Specs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, len(r.tools))
	for i, t := range r.tools {
		specs[i] = llm.NewToolSpec(t.Name, t.Description, t.rawSchema)
	}
	return specs
}

// Execute validates the arguments and dispatches one tool call. The
// returned string is the JSON observation fed back to the model; errors
// are values the caller records the same way.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (string, error) {
	tool, ok := r.byName[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}

	if err := tool.validate(args); err != nil {
		metrics.RecordToolCall(name, "invalid_args", 0)
		return "", fmt.Errorf("%w: %v", ErrInvalidToolArgs, err)
	}

	start := time.Now()
	var result interface{}
	var err error

	switch name {
	case ToolPriceLookup:
		result, err = r.priceLookup(ctx, args)
	case ToolTechnicalAnalysis:
		result, err = r.technicalAnalysis(ctx, args)
	case ToolNewsSearch:
		result, err = r.newsSearch(ctx, args)
	case ToolHistoricalFetch:
		result, err = r.historicalFetch(ctx, args)
	case ToolCompareSymbols:
		result, err = r.compareSymbols(ctx, args)
	}

	durationMs := float64(time.Since(start).Milliseconds())
	if err != nil {
		metrics.RecordToolCall(name, "error", durationMs)
		r.log.Debug().Err(err).Str("tool", name).Msg("Tool call failed")
		return "", err
	}

	payload, err := json.Marshal(result)
	if err != nil {
		metrics.RecordToolCall(name, "error", durationMs)
		return "", fmt.Errorf("failed to encode %s result: %w", name, err)
	}

	metrics.RecordToolCall(name, "ok", durationMs)
	r.log.Debug().
		Str("tool", name).
		Float64("duration_ms", durationMs).
		Int("result_bytes", len(payload)).
		Msg("Tool call completed")

	return string(payload), nil
}
