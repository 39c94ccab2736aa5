package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantdesk/quantdesk/internal/agent"
	"github.com/quantdesk/quantdesk/internal/config"
	"github.com/quantdesk/quantdesk/internal/data"
	"github.com/quantdesk/quantdesk/internal/indicators"
	"github.com/quantdesk/quantdesk/internal/llm"
	"github.com/quantdesk/quantdesk/internal/market"
	"github.com/quantdesk/quantdesk/internal/news"
	"github.com/quantdesk/quantdesk/internal/state"
)

type fakeMarket struct {
	quotes     map[string]market.Quote
	quoteErr   map[string]error
	candles    []market.Candle
	candlesErr error
	subscribed [][]string
	subErr     error
	statuses   []data.ProviderStatus
}

func (f *fakeMarket) GetQuote(ctx context.Context, symbol string) (market.Quote, error) {
	if err, ok := f.quoteErr[symbol]; ok {
		return market.Quote{}, err
	}
	q, ok := f.quotes[symbol]
	if !ok {
		return market.Quote{}, fmt.Errorf("%w: no quote for %s", market.ErrNoData, symbol)
	}
	return q, nil
}

func (f *fakeMarket) GetCandles(ctx context.Context, symbol string, tf market.Timeframe, from, to time.Time, limit int) ([]market.Candle, error) {
	if f.candlesErr != nil {
		return nil, f.candlesErr
	}
	if len(f.candles) == 0 {
		return nil, fmt.Errorf("%w: no candles for %s", market.ErrNoData, symbol)
	}
	return f.candles, nil
}

func (f *fakeMarket) Subscribe(ctx context.Context, ids ...string) error {
	if f.subErr != nil {
		return f.subErr
	}
	f.subscribed = append(f.subscribed, ids)
	return nil
}

func (f *fakeMarket) Unsubscribe(ctx context.Context, ids ...string) error { return nil }

func (f *fakeMarket) ProviderStatus() []data.ProviderStatus { return f.statuses }

type fakeAgent struct {
	fn func(ctx context.Context, sess *state.Session, query string) (*agent.Turn, error)
}

func (f *fakeAgent) Run(ctx context.Context, sess *state.Session, query string) (*agent.Turn, error) {
	return f.fn(ctx, sess, query)
}

type fakeNewsSource struct {
	articles []news.Article
	err      error
}

func (f *fakeNewsSource) CompanyNews(ctx context.Context, symbol string, from, to time.Time) ([]news.Article, error) {
	return f.articles, f.err
}

type fakeHealth struct{ err error }

func (f *fakeHealth) Health(ctx context.Context) error { return f.err }

func testQuote(symbol string, price float64) market.Quote {
	return market.Quote{
		Symbol:    symbol,
		Price:     price,
		Bid:       price - 0.02,
		Ask:       price + 0.02,
		Timestamp: time.Date(2025, 8, 25, 15, 30, 0, 0, time.UTC),
		Provider:  "alpaca",
	}
}

func risingCandles(symbol string, n int) []market.Candle {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	out := make([]market.Candle, 0, n)
	for i := 0; i < n; i++ {
		px := 100 + float64(i)
		out = append(out, market.Candle{
			Symbol:    symbol,
			Timeframe: market.TF1D,
			Open:      px - 1,
			High:      px + 1,
			Low:       px - 2,
			Close:     px,
			Volume:    1_000_000,
			OpenTime:  today.Add(-time.Duration(n-1-i) * 24 * time.Hour),
		})
	}
	return out
}

func newTestServer(t *testing.T, mutate func(*Deps)) *Server {
	t.Helper()

	store := state.NewStore(config.SessionsConfig{}, 40, zerolog.Nop())
	deps := Deps{
		Market: &fakeMarket{
			quotes: map[string]market.Quote{"AAPL": testQuote("AAPL", 190.12)},
			statuses: []data.ProviderStatus{
				{Provider: "alpaca", Class: market.ClassEquity, State: "connected"},
			},
		},
		Agent: &fakeAgent{fn: func(ctx context.Context, sess *state.Session, query string) (*agent.Turn, error) {
			return &agent.Turn{ID: "turn-1", Query: query, Answer: "AAPL is trading at 190.12.", Iterations: 1}, nil
		}},
		Sessions: store,
		Engine:   indicators.NewEngine(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	return NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 0}, deps, zerolog.Nop())
}

func doRequest(s *Server, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestRoot(t *testing.T) {
	s := newTestServer(t, nil)
	w := doRequest(s, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "QuantDesk API", body["service"])
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	w := doRequest(s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	s = newTestServer(t, func(d *Deps) { d.DB = &fakeHealth{err: fmt.Errorf("down")} })
	w = doRequest(s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStatus(t *testing.T) {
	s := newTestServer(t, nil)
	w := doRequest(s, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.NotNil(t, body["providers"])

	// A provider off the connected state degrades the system status.
	s = newTestServer(t, func(d *Deps) {
		d.Market = &fakeMarket{statuses: []data.ProviderStatus{
			{Provider: "alpaca", Class: market.ClassEquity, State: "backoff"},
		}}
	})
	w = doRequest(s, http.MethodGet, "/api/v1/status", nil)
	body = decodeBody(t, w)
	assert.Equal(t, "degraded", body["status"])
}

func TestGetQuote(t *testing.T) {
	tests := []struct {
		name           string
		symbol         string
		err            error
		expectedStatus int
	}{
		{name: "known symbol", symbol: "AAPL", expectedStatus: http.StatusOK},
		{name: "no data", symbol: "ZZZZ", expectedStatus: http.StatusNotFound},
		{name: "provider down", symbol: "MSFT", err: fmt.Errorf("%w: backoff", market.ErrProviderUnavailable), expectedStatus: http.StatusServiceUnavailable},
		{name: "rate limited", symbol: "GOOG", err: fmt.Errorf("%w: slow down", market.ErrRateLimited), expectedStatus: http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, func(d *Deps) {
				fm := d.Market.(*fakeMarket)
				if tt.err != nil {
					fm.quoteErr = map[string]error{tt.symbol: tt.err}
				}
			})
			w := doRequest(s, http.MethodGet, "/api/v1/quotes/"+tt.symbol, nil)
			require.Equal(t, tt.expectedStatus, w.Code)
			if tt.expectedStatus == http.StatusOK {
				body := decodeBody(t, w)
				assert.Equal(t, "AAPL", body["symbol"])
				assert.Equal(t, 190.12, body["price"])
			}
		})
	}
}

func TestGetCandles(t *testing.T) {
	s := newTestServer(t, func(d *Deps) {
		d.Market.(*fakeMarket).candles = risingCandles("AAPL", 5)
	})

	w := doRequest(s, http.MethodGet, "/api/v1/candles/AAPL?timeframe=1D&limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(5), body["count"])
	assert.Equal(t, "1D", body["timeframe"])

	w = doRequest(s, http.MethodGet, "/api/v1/candles/AAPL?timeframe=7m", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(s, http.MethodGet, "/api/v1/candles/AAPL?start=yesterday", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetIndicators(t *testing.T) {
	s := newTestServer(t, func(d *Deps) {
		d.Market.(*fakeMarket).candles = risingCandles("AAPL", 60)
	})

	w := doRequest(s, http.MethodGet, "/api/v1/indicators/AAPL?days_back=60", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "AAPL", body["symbol"])
	assert.NotEmpty(t, body["signal"])
	assert.NotNil(t, body["rsi"])
}

func TestGetNews(t *testing.T) {
	s := newTestServer(t, nil)
	w := doRequest(s, http.MethodGet, "/api/v1/news/AAPL", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code, "no news source configured")

	articles := make([]news.Article, 8)
	for i := range articles {
		articles[i] = news.Article{ID: int64(i), Headline: fmt.Sprintf("headline %d", i), Source: "wire"}
	}
	s = newTestServer(t, func(d *Deps) { d.News = &fakeNewsSource{articles: articles} })

	w = doRequest(s, http.MethodGet, "/api/v1/news/AAPL?limit=3", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(3), body["count"])
}

func TestAgentQuery(t *testing.T) {
	s := newTestServer(t, nil)

	w := doRequest(s, http.MethodPost, "/api/v1/agent/query", map[string]any{
		"session_id": "sess-1",
		"query":      "what is the price of AAPL?",
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "sess-1", body["session_id"])
	assert.Contains(t, body["answer"], "190.12")
	assert.Equal(t, float64(1), body["iterations"])

	// Missing query is a 400 before any agent work.
	w = doRequest(s, http.MethodPost, "/api/v1/agent/query", map[string]any{"session_id": "sess-1"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAgentQueryErrors(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
	}{
		{name: "turn already active", err: state.ErrTurnActive, expectedStatus: http.StatusConflict},
		{name: "llm unavailable", err: fmt.Errorf("%w: 500", llm.ErrUnavailable), expectedStatus: http.StatusServiceUnavailable},
		{name: "rate limited", err: fmt.Errorf("%w: 429", market.ErrRateLimited), expectedStatus: http.StatusTooManyRequests},
		{name: "cancelled", err: fmt.Errorf("%w: context canceled", agent.ErrCancelled), expectedStatus: statusClientClosedRequest},
		{name: "unexpected", err: fmt.Errorf("boom"), expectedStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, func(d *Deps) {
				d.Agent = &fakeAgent{fn: func(ctx context.Context, sess *state.Session, query string) (*agent.Turn, error) {
					return nil, tt.err
				}}
			})
			w := doRequest(s, http.MethodPost, "/api/v1/agent/query", map[string]any{"query": "hi"})
			require.Equal(t, tt.expectedStatus, w.Code)
		})
	}
}

func TestCancelRunningTurn(t *testing.T) {
	blocking := &fakeAgent{fn: func(ctx context.Context, sess *state.Session, query string) (*agent.Turn, error) {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %v", agent.ErrCancelled, ctx.Err())
	}}
	s := newTestServer(t, func(d *Deps) { d.Agent = blocking })

	results := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		results <- doRequest(s, http.MethodPost, "/api/v1/agent/query", map[string]any{
			"session_id": "sess-cancel",
			"query":      "long running analysis",
		})
	}()

	// Wait for the turn to register before cancelling it.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.turns.mu.Lock()
		_, running := s.turns.cancels["sess-cancel"]
		s.turns.mu.Unlock()
		if running {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	w := doRequest(s, http.MethodPost, "/api/v1/sessions/sess-cancel/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)

	select {
	case qw := <-results:
		require.Equal(t, statusClientClosedRequest, qw.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("query never returned after cancel")
	}

	// Nothing left to cancel.
	w = doRequest(s, http.MethodPost, "/api/v1/sessions/sess-cancel/cancel", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionHistory(t *testing.T) {
	s := newTestServer(t, nil)

	sess := s.deps.Sessions.GetOrCreate("sess-h")
	require.NoError(t, sess.BeginTurn())
	sess.EndTurn("what moved today?", "Tech led the rally.")

	w := doRequest(s, http.MethodGet, "/api/v1/sessions/sess-h/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(2), body["count"])

	w = doRequest(s, http.MethodGet, "/api/v1/sessions/missing/history", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteSession(t *testing.T) {
	s := newTestServer(t, nil)
	s.deps.Sessions.GetOrCreate("sess-d")

	w := doRequest(s, http.MethodDelete, "/api/v1/sessions/sess-d", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doRequest(s, http.MethodGet, "/api/v1/sessions/sess-d/history", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestWatchlistRoundTrip(t *testing.T) {
	fm := &fakeMarket{quotes: map[string]market.Quote{}}
	s := newTestServer(t, func(d *Deps) { d.Market = fm })

	w := doRequest(s, http.MethodPut, "/api/v1/sessions/sess-w/watchlist", map[string]any{
		"symbols": []string{"aapl", "msft"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, []interface{}{"AAPL", "MSFT"}, body["symbols"])
	require.Len(t, fm.subscribed, 1)

	// Replace drops the old list entirely.
	w = doRequest(s, http.MethodPut, "/api/v1/sessions/sess-w/watchlist", map[string]any{
		"symbols": []string{"tsla"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	body = decodeBody(t, w)
	assert.Equal(t, []interface{}{"TSLA"}, body["symbols"])

	w = doRequest(s, http.MethodGet, "/api/v1/sessions/sess-w/watchlist", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decodeBody(t, w)
	assert.Equal(t, []interface{}{"TSLA"}, body["symbols"])
}

func TestWatchlistSubscribeFailure(t *testing.T) {
	s := newTestServer(t, func(d *Deps) {
		d.Market = &fakeMarket{subErr: fmt.Errorf("%w: no provider for XAU", market.ErrProviderUnavailable)}
	})

	w := doRequest(s, http.MethodPut, "/api/v1/sessions/sess-x/watchlist", map[string]any{
		"symbols": []string{"XAU"},
	})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRateLimit(t *testing.T) {
	store := state.NewStore(config.SessionsConfig{}, 40, zerolog.Nop())
	deps := Deps{
		Market:   &fakeMarket{quotes: map[string]market.Quote{"AAPL": testQuote("AAPL", 190.12)}},
		Agent:    &fakeAgent{fn: func(ctx context.Context, sess *state.Session, query string) (*agent.Turn, error) { return &agent.Turn{}, nil }},
		Sessions: store,
		Engine:   indicators.NewEngine(),
	}
	s := NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 0, RateLimit: 1, RateBurst: 2}, deps, zerolog.Nop())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := doRequest(s, http.MethodGet, "/api/v1/quotes/AAPL", nil)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
