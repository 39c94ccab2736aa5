package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded cardinality constants for metric labels.
// These ensure metrics don't have unbounded label values which can cause memory issues.
const (
	// Provider API error categories (bounded set)
	ProviderErrorTimeout     = "timeout"
	ProviderErrorRateLimit   = "rate_limit"
	ProviderErrorAuth        = "authentication"
	ProviderErrorNetwork     = "network"
	ProviderErrorInvalidReq  = "invalid_request"
	ProviderErrorServerError = "server_error"
	ProviderErrorNoData      = "no_data"
	ProviderErrorOther       = "other"

	// Agent turn outcomes (bounded set)
	TurnOutcomeAnswered  = "answered"
	TurnOutcomeTruncated = "truncated"
	TurnOutcomeCancelled = "cancelled"
	TurnOutcomeFailed    = "failed"

	// Tool call results (bounded set)
	ToolResultOK          = "ok"
	ToolResultError       = "error"
	ToolResultTimeout     = "timeout"
	ToolResultInvalidArgs = "invalid_args"
)

// NormalizeProviderError maps arbitrary provider error messages to a bounded set
func NormalizeProviderError(err error) string {
	if err == nil {
		return ""
	}
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "no data"):
		return ProviderErrorNoData
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return ProviderErrorTimeout
	case strings.Contains(errStr, "rate") || strings.Contains(errStr, "429"):
		return ProviderErrorRateLimit
	case strings.Contains(errStr, "auth") || strings.Contains(errStr, "401") || strings.Contains(errStr, "403"):
		return ProviderErrorAuth
	case strings.Contains(errStr, "network") || strings.Contains(errStr, "connection"):
		return ProviderErrorNetwork
	case strings.Contains(errStr, "400") || strings.Contains(errStr, "invalid"):
		return ProviderErrorInvalidReq
	case strings.Contains(errStr, "500") || strings.Contains(errStr, "502") || strings.Contains(errStr, "503"):
		return ProviderErrorServerError
	default:
		return ProviderErrorOther
	}
}

// Market Data Metrics
var (
	// Quotes applied to the cache
	QuotesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantdesk_quotes_applied_total",
		Help: "Total number of quotes applied to the cache",
	}, []string{"provider"})

	// Quotes dropped for arriving out of order
	QuotesDroppedStale = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantdesk_quotes_dropped_stale_total",
		Help: "Total number of quotes dropped because a newer quote was already cached",
	}, []string{"provider"})

	// Stream events dropped on buffer overflow
	StreamEventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantdesk_stream_events_dropped_total",
		Help: "Total number of stream events dropped because the event buffer was full",
	}, []string{"provider"})

	// Adapter connection state (0=disconnected, 1=connecting, 2=connected, 3=backoff)
	AdapterState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quantdesk_adapter_state",
		Help: "Provider adapter connection state (0=disconnected, 1=connecting, 2=connected, 3=backoff)",
	}, []string{"provider"})

	// Adapter reconnect attempts
	AdapterReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantdesk_adapter_reconnects_total",
		Help: "Total number of adapter reconnect attempts",
	}, []string{"provider"})

	// Quote cache lookups
	QuoteCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quantdesk_quote_cache_hits_total",
		Help: "Total number of quote lookups served from the cache",
	})

	QuoteCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quantdesk_quote_cache_misses_total",
		Help: "Total number of quote lookups that missed the cache",
	})

	// Candles merged into the in-memory series
	CandlesMerged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantdesk_candles_merged_total",
		Help: "Total number of new candles merged into memory",
	}, []string{"timeframe"})

	// Candle backfill requests
	CandleBackfills = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantdesk_candle_backfills_total",
		Help: "Total number of candle backfill requests by source",
	}, []string{"source"})

	// Provider REST API latency
	ProviderAPILatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quantdesk_provider_api_latency_ms",
		Help:    "Provider REST API latency in milliseconds",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"provider", "endpoint"})

	// Provider REST API errors
	ProviderAPIErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantdesk_provider_api_errors_total",
		Help: "Total provider REST API errors",
	}, []string{"provider", "error_type"})
)

// Agent Metrics
var (
	// Tool executions
	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantdesk_tool_calls_total",
		Help: "Total number of tool executions by result",
	}, []string{"tool", "result"})

	// Tool call duration
	ToolCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quantdesk_tool_call_duration_ms",
		Help:    "Tool call duration in milliseconds",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500},
	}, []string{"tool"})

	// Agent turns by outcome
	AgentTurns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantdesk_agent_turns_total",
		Help: "Total number of agent turns by outcome",
	}, []string{"outcome"})

	// Iterations used per turn
	AgentIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quantdesk_agent_iterations_per_turn",
		Help:    "Number of reasoning iterations used per agent turn",
		Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
	})

	// Active sessions
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quantdesk_active_sessions",
		Help: "Number of currently active agent sessions",
	})

	// LLM requests
	LLMRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantdesk_llm_requests_total",
		Help: "Total number of LLM completion requests by status",
	}, []string{"model", "status"})

	// LLM request duration
	LLMRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quantdesk_llm_request_duration_ms",
		Help:    "LLM request duration in milliseconds",
		Buckets: []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000},
	})
)

// System Health Metrics
var (
	// API request duration
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quantdesk_api_request_duration_ms",
		Help:    "API request duration in milliseconds",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"method", "path", "status_code"})

	// HTTP requests
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantdesk_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status_code"})

	// WebSocket clients
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quantdesk_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// WebSocket messages broadcast
	WebSocketMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quantdesk_websocket_messages_total",
		Help: "Total number of WebSocket messages broadcast",
	})

	// Errors
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quantdesk_errors_total",
		Help: "Total number of errors by type",
	}, []string{"type", "component"})

	// Database connections
	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quantdesk_database_connections_active",
		Help: "Number of active database connections",
	})

	DatabaseConnectionsIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quantdesk_database_connections_idle",
		Help: "Number of idle database connections",
	})

	// Database query duration
	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quantdesk_database_query_duration_ms",
		Help:    "Database query duration in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	}, []string{"query_type"})

	// News cache lookups
	NewsCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quantdesk_news_cache_hits_total",
		Help: "Total number of news lookups served from Redis",
	})

	NewsCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quantdesk_news_cache_misses_total",
		Help: "Total number of news lookups that reached the upstream API",
	})

	// NATS messages
	NATSMessagesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quantdesk_nats_messages_published_total",
		Help: "Total number of NATS messages published",
	})

	// Candle store size
	CandleRowsStored = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quantdesk_candle_rows_stored",
		Help: "Number of candle rows persisted in the store",
	})

	// Symbols with persisted history
	CandleSymbolsTracked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quantdesk_candle_symbols_tracked",
		Help: "Number of distinct symbols with persisted candle history",
	})
)

// Helper functions to update metrics

// RecordQuoteApplied records a quote accepted into the cache
func RecordQuoteApplied(provider string) {
	QuotesApplied.WithLabelValues(provider).Inc()
}

// RecordQuoteDropped records a quote dropped for being older than the cached one
func RecordQuoteDropped(provider string) {
	QuotesDroppedStale.WithLabelValues(provider).Inc()
}

// RecordStreamDrop records a stream event dropped on buffer overflow
func RecordStreamDrop(provider string) {
	StreamEventsDropped.WithLabelValues(provider).Inc()
}

// SetAdapterState sets the adapter connection state gauge
func SetAdapterState(provider string, state float64) {
	AdapterState.WithLabelValues(provider).Set(state)
}

// RecordReconnect records an adapter reconnect attempt
func RecordReconnect(provider string) {
	AdapterReconnects.WithLabelValues(provider).Inc()
}

// RecordQuoteCacheLookup records a quote cache hit or miss
func RecordQuoteCacheLookup(hit bool) {
	if hit {
		QuoteCacheHits.Inc()
	} else {
		QuoteCacheMisses.Inc()
	}
}

// RecordCandlesMerged records candles merged into memory
func RecordCandlesMerged(timeframe string, count int) {
	if count > 0 {
		CandlesMerged.WithLabelValues(timeframe).Add(float64(count))
	}
}

// RecordCandleBackfill records a backfill request by source (store, provider)
func RecordCandleBackfill(source string) {
	CandleBackfills.WithLabelValues(source).Inc()
}

// RecordProviderAPICall records a provider REST call with normalized error category
func RecordProviderAPICall(provider, endpoint string, durationMs float64, err error) {
	ProviderAPILatency.WithLabelValues(provider, endpoint).Observe(durationMs)
	if err != nil {
		errorCategory := NormalizeProviderError(err)
		ProviderAPIErrors.WithLabelValues(provider, errorCategory).Inc()
	}
}

// RecordToolCall records a tool execution
func RecordToolCall(tool, result string, durationMs float64) {
	ToolCalls.WithLabelValues(tool, result).Inc()
	ToolCallDuration.WithLabelValues(tool).Observe(durationMs)
}

// RecordAgentTurn records a completed agent turn
func RecordAgentTurn(outcome string, iterations int) {
	AgentTurns.WithLabelValues(outcome).Inc()
	AgentIterations.Observe(float64(iterations))
}

// UpdateActiveSessions updates the number of active agent sessions
func UpdateActiveSessions(count int) {
	ActiveSessions.Set(float64(count))
}

// RecordLLMRequest records an LLM completion request
func RecordLLMRequest(model, status string, durationMs float64) {
	LLMRequests.WithLabelValues(model, status).Inc()
	LLMRequestDuration.Observe(durationMs)
}

// RecordAPIRequest records an API request with duration
func RecordAPIRequest(method, path, statusCode string, durationMs float64) {
	APIRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationMs)
	HTTPRequests.WithLabelValues(method, path, statusCode).Inc()
}

// RecordError records an error
func RecordError(errorType, component string) {
	Errors.WithLabelValues(errorType, component).Inc()
}

// UpdateDatabaseConnections updates database connection metrics
func UpdateDatabaseConnections(active, idle int32) {
	DatabaseConnectionsActive.Set(float64(active))
	DatabaseConnectionsIdle.Set(float64(idle))
}

// RecordDatabaseQuery records a database query
func RecordDatabaseQuery(queryType string, durationMs float64) {
	DatabaseQueryDuration.WithLabelValues(queryType).Observe(durationMs)
}

// RecordNewsCacheLookup records a news cache hit or miss
func RecordNewsCacheLookup(hit bool) {
	if hit {
		NewsCacheHits.Inc()
	} else {
		NewsCacheMisses.Inc()
	}
}

// RecordBusPublish records a NATS message publication
func RecordBusPublish() {
	NATSMessagesPublished.Inc()
}
