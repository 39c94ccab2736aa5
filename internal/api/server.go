// Package api exposes the REST and WebSocket surface: quotes, candles,
// indicators, news, agent queries, and session management.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/quantdesk/quantdesk/internal/agent"
	"github.com/quantdesk/quantdesk/internal/config"
	"github.com/quantdesk/quantdesk/internal/data"
	"github.com/quantdesk/quantdesk/internal/indicators"
	"github.com/quantdesk/quantdesk/internal/market"
	"github.com/quantdesk/quantdesk/internal/metrics"
	"github.com/quantdesk/quantdesk/internal/news"
	"github.com/quantdesk/quantdesk/internal/state"
)

// MarketData is the slice of the data manager the API serves.
type MarketData interface {
	GetQuote(ctx context.Context, symbol string) (market.Quote, error)
	GetCandles(ctx context.Context, symbol string, tf market.Timeframe, from, to time.Time, limit int) ([]market.Candle, error)
	Subscribe(ctx context.Context, ids ...string) error
	Unsubscribe(ctx context.Context, ids ...string) error
	ProviderStatus() []data.ProviderStatus
}

// QueryRunner executes one agent turn against a session.
type QueryRunner interface {
	Run(ctx context.Context, sess *state.Session, query string) (*agent.Turn, error)
}

// NewsSource returns recent company news for a symbol.
type NewsSource interface {
	CompanyNews(ctx context.Context, symbol string, from, to time.Time) ([]news.Article, error)
}

// HealthChecker reports backing-store health for the status endpoints.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Deps carries the server's collaborators. News, DB, and Hub are optional.
type Deps struct {
	Market   MarketData
	Agent    QueryRunner
	Sessions *state.Store
	Engine   *indicators.Engine
	News     NewsSource
	DB       HealthChecker
	Hub      *Hub
}

// Server is the REST API server.
type Server struct {
	router  *gin.Engine
	deps    Deps
	turns   turnRegistry
	addr    string
	server  *http.Server
	log     zerolog.Logger
	started time.Time
}

// NewServer builds the router with middleware and routes wired.
func NewServer(cfg config.ServerConfig, deps Deps, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggerMiddleware(log))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	if cfg.RateLimit > 0 {
		router.Use(rateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))
	}

	s := &Server{
		router:  router,
		deps:    deps,
		turns:   turnRegistry{cancels: make(map[string]context.CancelFunc)},
		addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		log:     log.With().Str("component", "api").Logger(),
		started: time.Now().UTC(),
	}
	s.setupRoutes()
	return s
}

// Start serves until Stop is called. Blocks.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second, // agent turns can run long
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info().Str("addr", s.addr).Msg("Starting API server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info().Msg("Stopping API server")
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop server: %w", err)
		}
	}
	return nil
}

func (s *Server) setupRoutes() {
	s.router.GET("/", s.handleRoot)
	s.router.GET("/health", s.handleHealth)
	if s.deps.Hub != nil {
		s.router.GET("/ws", s.deps.Hub.Handler())
	}

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/quotes/:symbol", s.handleGetQuote)
		v1.GET("/candles/:symbol", s.handleGetCandles)
		v1.GET("/indicators/:symbol", s.handleGetIndicators)
		v1.GET("/news/:symbol", s.handleGetNews)

		v1.POST("/agent/query", s.handleAgentQuery)

		sessions := v1.Group("/sessions")
		{
			sessions.POST("/:id/cancel", s.handleCancelTurn)
			sessions.GET("/:id/history", s.handleSessionHistory)
			sessions.DELETE("/:id", s.handleDeleteSession)
			sessions.GET("/:id/watchlist", s.handleGetWatchlist)
			sessions.PUT("/:id/watchlist", s.handlePutWatchlist)
		}
	}
}

// turnRegistry tracks the cancel function of each session's running turn so
// the cancel endpoint can reach in-flight queries.
type turnRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func (r *turnRegistry) register(sessionID string, cancel context.CancelFunc) {
	r.mu.Lock()
	r.cancels[sessionID] = cancel
	r.mu.Unlock()
}

func (r *turnRegistry) unregister(sessionID string) {
	r.mu.Lock()
	delete(r.cancels, sessionID)
	r.mu.Unlock()
}

func (r *turnRegistry) cancel(sessionID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[sessionID]
	delete(r.cancels, sessionID)
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// loggerMiddleware logs each request and feeds the request metrics.
func loggerMiddleware(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()
		metrics.RecordAPIRequest(c.Request.Method, c.FullPath(), strconv.Itoa(statusCode), float64(latency.Milliseconds()))

		logEvent := log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", query).
			Int("status", statusCode).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP())
		if len(c.Errors) > 0 {
			logEvent.Str("errors", c.Errors.String())
		}
		logEvent.Msg("API request")
	}
}

const (
	limiterMaxEntries = 4096
	limiterIdleEvict  = 10 * time.Minute
)

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimitMiddleware enforces a per-client-IP token bucket. Idle entries
// are pruned once the table grows large.
func rateLimitMiddleware(rps float64, burst int) gin.HandlerFunc {
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}

	var mu sync.Mutex
	limiters := make(map[string]*ipLimiter)

	return func(c *gin.Context) {
		ip := c.ClientIP()
		now := time.Now()

		mu.Lock()
		lim, ok := limiters[ip]
		if !ok {
			if len(limiters) >= limiterMaxEntries {
				for key, entry := range limiters {
					if now.Sub(entry.lastSeen) > limiterIdleEvict {
						delete(limiters, key)
					}
				}
			}
			lim = &ipLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
			limiters[ip] = lim
		}
		lim.lastSeen = now
		allowed := lim.limiter.Allow()
		mu.Unlock()

		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
