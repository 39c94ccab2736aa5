package api

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quantdesk/quantdesk/internal/agent"
	"github.com/quantdesk/quantdesk/internal/llm"
	"github.com/quantdesk/quantdesk/internal/market"
	"github.com/quantdesk/quantdesk/internal/state"
)

// statusClientClosedRequest is nginx's code for a request the client
// abandoned; used when a turn is cancelled mid-flight.
const statusClientClosedRequest = 499

const apiVersion = "1.0.0"

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "QuantDesk API",
		"version": apiVersion,
		"status":  "running",
		"time":    time.Now().UTC(),
	})
}

// handleHealth is the load-balancer probe: cheap, no provider calls.
func (s *Server) handleHealth(c *gin.Context) {
	if s.deps.DB != nil {
		if err := s.deps.DB.Health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database unavailable",
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	dbStatus := "not_configured"
	if s.deps.DB != nil {
		dbStatus = "healthy"
		if err := s.deps.DB.Health(c.Request.Context()); err != nil {
			dbStatus = "unhealthy"
			s.log.Warn().Err(err).Msg("Database health check failed")
		}
	}

	providers := s.deps.Market.ProviderStatus()
	systemStatus := "healthy"
	for _, p := range providers {
		if p.State != "connected" {
			systemStatus = "degraded"
			break
		}
	}
	if dbStatus == "unhealthy" {
		systemStatus = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    systemStatus,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.started).Seconds(),
		"version":   apiVersion,
		"providers": providers,
		"sessions":  s.deps.Sessions.Len(),
		"components": gin.H{
			"database": gin.H{"status": dbStatus},
		},
		"system": gin.H{
			"goroutines": runtime.NumGoroutine(),
			"memory": gin.H{
				"alloc_mb": toMB(memStats.Alloc),
				"sys_mb":   toMB(memStats.Sys),
				"num_gc":   memStats.NumGC,
			},
			"go_version": runtime.Version(),
		},
	})
}

func (s *Server) handleGetQuote(c *gin.Context) {
	symbol := c.Param("symbol")

	quote, err := s.deps.Market.GetQuote(c.Request.Context(), symbol)
	if err != nil {
		c.JSON(marketErrStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, quote)
}

func (s *Server) handleGetCandles(c *gin.Context) {
	symbol := c.Param("symbol")

	tf, err := market.ParseTimeframe(c.DefaultQuery("timeframe", string(market.TF1D)))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	start, ok := parseTimeQuery(c, "start")
	if !ok {
		return
	}
	end, ok := parseTimeQuery(c, "end")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	candles, err := s.deps.Market.GetCandles(c.Request.Context(), symbol, tf, start, end, limit)
	if err != nil {
		c.JSON(marketErrStatus(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"symbol":    symbol,
		"timeframe": tf,
		"candles":   candles,
		"count":     len(candles),
	})
}

func (s *Server) handleGetIndicators(c *gin.Context) {
	symbol := c.Param("symbol")

	tf, err := market.ParseTimeframe(c.DefaultQuery("timeframe", string(market.TF1D)))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	daysBack, _ := strconv.Atoi(c.DefaultQuery("days_back", "30"))
	if daysBack <= 0 {
		daysBack = 30
	}

	to := time.Now().UTC()
	from := to.AddDate(0, 0, -daysBack)
	candles, err := s.deps.Market.GetCandles(c.Request.Context(), symbol, tf, from, to, 0)
	if err != nil {
		c.JSON(marketErrStatus(err), gin.H{"error": err.Error()})
		return
	}

	summary, err := s.deps.Engine.Summarize(candles)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleGetNews(c *gin.Context) {
	if s.deps.News == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "news source not configured"})
		return
	}
	symbol := c.Param("symbol")

	daysBack, _ := strconv.Atoi(c.DefaultQuery("days_back", "7"))
	if daysBack <= 0 {
		daysBack = 7
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "5"))
	if limit <= 0 {
		limit = 5
	}

	to := time.Now().UTC()
	from := to.AddDate(0, 0, -daysBack)
	articles, err := s.deps.News.CompanyNews(c.Request.Context(), symbol, from, to)
	if err != nil {
		c.JSON(marketErrStatus(err), gin.H{"error": err.Error()})
		return
	}
	if len(articles) > limit {
		articles = articles[:limit]
	}

	c.JSON(http.StatusOK, gin.H{
		"symbol":   symbol,
		"articles": articles,
		"count":    len(articles),
	})
}

type agentQueryRequest struct {
	SessionID string `json:"session_id"`
	Query     string `json:"query" binding:"required"`
}

func (s *Server) handleAgentQuery(c *gin.Context) {
	var req agentQueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query is required"})
		return
	}

	sess := s.deps.Sessions.GetOrCreate(req.SessionID)

	// Cancelable per-session so POST /sessions/:id/cancel can reach it.
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	s.turns.register(sess.ID(), cancel)
	defer s.turns.unregister(sess.ID())

	turn, err := s.deps.Agent.Run(ctx, sess, req.Query)
	if err != nil {
		switch {
		case errors.Is(err, state.ErrTurnActive):
			c.JSON(http.StatusConflict, gin.H{"error": "a query is already running for this session"})
		case errors.Is(err, agent.ErrCancelled):
			c.JSON(statusClientClosedRequest, gin.H{"error": "query cancelled"})
		case errors.Is(err, llm.ErrUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "language model unavailable"})
		case errors.Is(err, market.ErrRateLimited):
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limited upstream, retry shortly"})
		default:
			s.log.Error().Err(err).Str("session_id", sess.ID()).Msg("Agent query failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": sess.ID(),
		"answer":     turn.Answer,
		"truncated":  turn.Truncated,
		"iterations": turn.Iterations,
		"tool_calls": turn.ToolCalls,
		"elapsed_ms": turn.Elapsed().Milliseconds(),
	})
}

func (s *Server) handleCancelTurn(c *gin.Context) {
	id := c.Param("id")
	if !s.turns.cancel(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no query running for this session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": id, "cancelled": true})
}

func (s *Server) handleSessionHistory(c *gin.Context) {
	id := c.Param("id")
	sess, err := s.deps.Sessions.Get(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	history := sess.History()
	entries := make([]gin.H, 0, len(history))
	for _, msg := range history {
		entries = append(entries, gin.H{
			"role":    msg.Role,
			"content": msg.Content,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": id,
		"history":    entries,
		"count":      len(entries),
	})
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	id := c.Param("id")
	s.turns.cancel(id)
	// Ending an already-gone session is still a successful delete.
	_ = s.deps.Sessions.End(id)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleGetWatchlist(c *gin.Context) {
	id := c.Param("id")
	sess, err := s.deps.Sessions.Get(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": id,
		"symbols":    sess.Watchlist(),
	})
}

type watchlistRequest struct {
	Symbols []string `json:"symbols"`
}

// handlePutWatchlist replaces the session watch-list and subscribes the new
// symbols for streaming.
func (s *Server) handlePutWatchlist(c *gin.Context) {
	var req watchlistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbols must be a string array"})
		return
	}

	if len(req.Symbols) > 0 {
		if err := s.deps.Market.Subscribe(c.Request.Context(), req.Symbols...); err != nil {
			c.JSON(marketErrStatus(err), gin.H{"error": err.Error()})
			return
		}
	}

	sess := s.deps.Sessions.GetOrCreate(c.Param("id"))
	for _, old := range sess.Watchlist() {
		sess.Unwatch(old)
	}
	for _, sym := range req.Symbols {
		sess.Watch(sym)
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": sess.ID(),
		"symbols":    sess.Watchlist(),
	})
}

// marketErrStatus maps the typed market errors onto HTTP codes.
func marketErrStatus(err error) int {
	switch {
	case errors.Is(err, market.ErrNoData):
		return http.StatusNotFound
	case errors.Is(err, market.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, market.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// parseTimeQuery reads an optional RFC3339 query parameter. A missing
// parameter yields the zero time; a malformed one writes a 400 and
// reports failure.
func parseTimeQuery(c *gin.Context, key string) (time.Time, bool) {
	raw := c.Query(key)
	if raw == "" {
		return time.Time{}, true
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": key + " must be RFC3339"})
		return time.Time{}, false
	}
	return ts.UTC(), true
}

func toMB(b uint64) float64 {
	return float64(b) / 1024 / 1024
}
