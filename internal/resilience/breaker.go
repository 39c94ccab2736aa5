package resilience

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

// Circuit breaker states for Prometheus metrics
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"

	// Metric result labels
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Circuit breaker thresholds, tuned per dependency
const (
	// Provider REST settings (one-shot quote and backfill calls)
	ProviderMinRequests     = 5
	ProviderFailureRatio    = 0.6
	ProviderOpenTimeout     = 30 * time.Second
	ProviderHalfOpenMaxReqs = 3
	ProviderCountInterval   = 10 * time.Second

	// LLM settings (longer recovery, model calls are slow)
	LLMMinRequests     = 3
	LLMFailureRatio    = 0.6
	LLMOpenTimeout     = 60 * time.Second
	LLMHalfOpenMaxReqs = 2
	LLMCountInterval   = 10 * time.Second

	// Candle store settings (quick recovery for DB connections)
	DBMinRequests     = 10
	DBFailureRatio    = 0.6
	DBOpenTimeout     = 15 * time.Second
	DBHalfOpenMaxReqs = 5
	DBCountInterval   = 10 * time.Second
)

// BreakerManager manages circuit breakers for the outbound dependencies
type BreakerManager struct {
	provider *gobreaker.CircuitBreaker
	llm      *gobreaker.CircuitBreaker
	database *gobreaker.CircuitBreaker
	metrics  *BreakerMetrics
}

// BreakerMetrics holds Prometheus metrics for circuit breakers
type BreakerMetrics struct {
	state    *prometheus.GaugeVec
	requests *prometheus.CounterVec
	failures *prometheus.CounterVec
}

var (
	// Global metrics instance (singleton)
	globalMetrics *BreakerMetrics
	metricsOnce   sync.Once
)

// initMetrics initializes the global metrics instance exactly once
func initMetrics() {
	metricsOnce.Do(func() {
		globalMetrics = &BreakerMetrics{
			state: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "quantdesk_circuit_breaker_state",
					Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
				},
				[]string{"service"},
			),
			requests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "quantdesk_circuit_breaker_requests_total",
					Help: "Total number of requests through circuit breaker",
				},
				[]string{"service", "result"},
			),
			failures: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "quantdesk_circuit_breaker_failures_total",
					Help: "Total number of failures tracked by circuit breaker",
				},
				[]string{"service"},
			),
		}
	})
}

// ServiceSettings holds circuit breaker configuration for a single service
type ServiceSettings struct {
	MinRequests     uint32
	FailureRatio    float64
	OpenTimeout     time.Duration
	HalfOpenMaxReqs uint32
	CountInterval   time.Duration
}

// NewBreakerManager creates a circuit breaker manager with default settings
func NewBreakerManager() *BreakerManager {
	return NewBreakerManagerWithSettings(nil, nil, nil)
}

// NewBreakerManagerWithSettings creates a circuit breaker manager with
// Prometheus metrics. Nil settings fall back to the constants above.
func NewBreakerManagerWithSettings(providerSettings, llmSettings, dbSettings *ServiceSettings) *BreakerManager {
	initMetrics()

	manager := &BreakerManager{
		metrics: globalMetrics,
	}

	if providerSettings == nil {
		providerSettings = &ServiceSettings{
			MinRequests:     ProviderMinRequests,
			FailureRatio:    ProviderFailureRatio,
			OpenTimeout:     ProviderOpenTimeout,
			HalfOpenMaxReqs: ProviderHalfOpenMaxReqs,
			CountInterval:   ProviderCountInterval,
		}
	}
	if llmSettings == nil {
		llmSettings = &ServiceSettings{
			MinRequests:     LLMMinRequests,
			FailureRatio:    LLMFailureRatio,
			OpenTimeout:     LLMOpenTimeout,
			HalfOpenMaxReqs: LLMHalfOpenMaxReqs,
			CountInterval:   LLMCountInterval,
		}
	}
	if dbSettings == nil {
		dbSettings = &ServiceSettings{
			MinRequests:     DBMinRequests,
			FailureRatio:    DBFailureRatio,
			OpenTimeout:     DBOpenTimeout,
			HalfOpenMaxReqs: DBHalfOpenMaxReqs,
			CountInterval:   DBCountInterval,
		}
	}

	manager.provider = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "provider",
		MaxRequests: providerSettings.HalfOpenMaxReqs,
		Interval:    providerSettings.CountInterval,
		Timeout:     providerSettings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= providerSettings.MinRequests && failureRatio >= providerSettings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			manager.updateMetrics("provider", to)
		},
	})

	manager.llm = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm",
		MaxRequests: llmSettings.HalfOpenMaxReqs,
		Interval:    llmSettings.CountInterval,
		Timeout:     llmSettings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= llmSettings.MinRequests && failureRatio >= llmSettings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			manager.updateMetrics("llm", to)
		},
	})

	manager.database = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "database",
		MaxRequests: dbSettings.HalfOpenMaxReqs,
		Interval:    dbSettings.CountInterval,
		Timeout:     dbSettings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= dbSettings.MinRequests && failureRatio >= dbSettings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			manager.updateMetrics("database", to)
		},
	})

	manager.updateMetrics("provider", manager.provider.State())
	manager.updateMetrics("llm", manager.llm.State())
	manager.updateMetrics("database", manager.database.State())

	return manager
}

// NewPassthroughBreakerManager creates a circuit breaker manager that never
// trips. Useful in tests that exercise other components without the breaker
// interfering.
func NewPassthroughBreakerManager() *BreakerManager {
	initMetrics()

	manager := &BreakerManager{
		metrics: globalMetrics,
	}

	neverTrip := func(counts gobreaker.Counts) bool {
		return false
	}

	manager.provider = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "provider_passthrough",
		MaxRequests: 1000,
		Interval:    0,
		Timeout:     1 * time.Millisecond,
		ReadyToTrip: neverTrip,
	})

	manager.llm = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm_passthrough",
		MaxRequests: 1000,
		Interval:    0,
		Timeout:     1 * time.Millisecond,
		ReadyToTrip: neverTrip,
	})

	manager.database = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "database_passthrough",
		MaxRequests: 1000,
		Interval:    0,
		Timeout:     1 * time.Millisecond,
		ReadyToTrip: neverTrip,
	})

	return manager
}

// Provider returns the market data provider circuit breaker
func (m *BreakerManager) Provider() *gobreaker.CircuitBreaker {
	return m.provider
}

// LLM returns the LLM circuit breaker
func (m *BreakerManager) LLM() *gobreaker.CircuitBreaker {
	return m.llm
}

// Database returns the candle store circuit breaker
func (m *BreakerManager) Database() *gobreaker.CircuitBreaker {
	return m.database
}

// updateMetrics updates Prometheus metrics for a circuit breaker state change
func (m *BreakerManager) updateMetrics(service string, state gobreaker.State) {
	var stateValue float64
	switch state {
	case gobreaker.StateClosed:
		stateValue = 0
	case gobreaker.StateOpen:
		stateValue = 1
	case gobreaker.StateHalfOpen:
		stateValue = 2
	}
	m.metrics.state.WithLabelValues(service).Set(stateValue)
}

// RecordRequest records a request result for metrics
func (m *BreakerMetrics) RecordRequest(service string, success bool) {
	result := ResultSuccess
	if !success {
		result = ResultFailure
		m.failures.WithLabelValues(service).Inc()
	}
	m.requests.WithLabelValues(service, result).Inc()
}

// Metrics returns the metrics instance for manual recording
func (m *BreakerManager) Metrics() *BreakerMetrics {
	return m.metrics
}
