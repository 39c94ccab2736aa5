package data

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantdesk/quantdesk/internal/config"
	"github.com/quantdesk/quantdesk/internal/market"
	"github.com/quantdesk/quantdesk/internal/provider"
)

// fakeAdapter scripts one provider: controllable state, recorded
// subscription calls, and an event channel tests push into.
type fakeAdapter struct {
	name   string
	class  market.Class
	events chan provider.Event

	mu           sync.Mutex
	state        provider.ConnectionState
	subscribes   [][]market.Symbol
	unsubscribes [][]market.Symbol
	quoteFn      func(sym market.Symbol) (market.Quote, error)
	quoteCalls   int
	candlesFn    func(sym market.Symbol, tf market.Timeframe, from, to time.Time, limit int) ([]market.Candle, error)
	candleCalls  int
	closeOnce    sync.Once
}

func newFakeAdapter(name string, class market.Class) *fakeAdapter {
	return &fakeAdapter{
		name:   name,
		class:  class,
		state:  provider.StateConnected,
		events: make(chan provider.Event, 16),
	}
}

func (f *fakeAdapter) Name() string        { return f.name }
func (f *fakeAdapter) Class() market.Class { return f.class }

func (f *fakeAdapter) Subscribe(ctx context.Context, symbols []market.Symbol) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribes = append(f.subscribes, symbols)
	return nil
}

func (f *fakeAdapter) Unsubscribe(ctx context.Context, symbols []market.Symbol) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribes = append(f.unsubscribes, symbols)
	return nil
}

func (f *fakeAdapter) Events() <-chan provider.Event { return f.events }

func (f *fakeAdapter) State() provider.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeAdapter) setState(s provider.ConnectionState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeAdapter) QuoteOnce(ctx context.Context, sym market.Symbol) (market.Quote, error) {
	f.mu.Lock()
	f.quoteCalls++
	fn := f.quoteFn
	f.mu.Unlock()
	if fn == nil {
		return market.Quote{}, fmt.Errorf("%w: no quote for %s", market.ErrNoData, sym.ID)
	}
	return fn(sym)
}

func (f *fakeAdapter) Candles(ctx context.Context, sym market.Symbol, tf market.Timeframe, from, to time.Time, limit int) ([]market.Candle, error) {
	f.mu.Lock()
	f.candleCalls++
	fn := f.candlesFn
	f.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("%w: no candles for %s", market.ErrNoData, sym.ID)
	}
	return fn(sym, tf, from, to, limit)
}

func (f *fakeAdapter) Close() error {
	f.closeOnce.Do(func() { close(f.events) })
	return nil
}

func (f *fakeAdapter) quoteOnceCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quoteCalls
}

func (f *fakeAdapter) lastSubscribe() []market.Symbol {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subscribes) == 0 {
		return nil
	}
	return f.subscribes[len(f.subscribes)-1]
}

func (f *fakeAdapter) emitQuote(t *testing.T, q market.Quote) {
	t.Helper()
	select {
	case f.events <- provider.Event{Type: provider.EventQuote, Provider: f.name, Quote: q}:
	case <-time.After(time.Second):
		t.Fatal("adapter event channel blocked")
	}
}

func (f *fakeAdapter) emitState(t *testing.T, s provider.ConnectionState, err error) {
	t.Helper()
	select {
	case f.events <- provider.Event{Type: provider.EventState, Provider: f.name, State: s, Err: err}:
	case <-time.After(time.Second):
		t.Fatal("adapter event channel blocked")
	}
}

// fakeAlerter records provider health notifications.
type fakeAlerter struct {
	mu        sync.Mutex
	down      []string
	recovered []string
}

func (a *fakeAlerter) ProviderDown(provider string, consecutive int, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.down = append(a.down, fmt.Sprintf("%s:%d", provider, consecutive))
}

func (a *fakeAlerter) ProviderRecovered(provider string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recovered = append(a.recovered, provider)
}

func (a *fakeAlerter) snapshot() ([]string, []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.down...), append([]string(nil), a.recovered...)
}

func newTestManager(t *testing.T, adapters []provider.Adapter, store Store, alerter Alerter, mutate func(*config.MarketConfig)) *Manager {
	t.Helper()
	cfg := config.MarketConfig{
		FirstTickTimeout: 500,
		Backoff:          config.BackoffConfig{AlertAfter: 2},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m := NewManager(cfg, market.DefaultCatalog(), adapters, store, alerter, zerolog.Nop())
	m.Start(context.Background())
	t.Cleanup(m.Close)
	return m
}

func streamQuote(symbol string, price float64, ts time.Time) market.Quote {
	return market.Quote{
		Symbol:    symbol,
		Price:     price,
		Timestamp: ts,
		Provider:  "alpaca",
	}
}

// waitForPrice polls GetQuote until the cached price matches, failing if a
// forbidden price ever shows up or the deadline passes.
func waitForPrice(t *testing.T, m *Manager, symbol string, want float64, forbidden float64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		q, err := m.GetQuote(context.Background(), symbol)
		if err == nil {
			if forbidden != 0 && q.Price == forbidden {
				t.Fatalf("cache regressed to stale price %.2f", forbidden)
			}
			if q.Price == want {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("price %.2f never became visible for %s", want, symbol)
}

func TestGetQuoteFirstTick(t *testing.T) {
	ad := newFakeAdapter("alpaca", market.ClassEquity)
	m := newTestManager(t, []provider.Adapter{ad}, nil, nil, nil)
	require.NoError(t, m.Subscribe(context.Background(), "AAPL"))

	ts := time.Date(2025, 8, 25, 15, 30, 0, 0, time.UTC)
	go func() {
		time.Sleep(50 * time.Millisecond)
		ad.emitQuote(t, streamQuote("AAPL", 190.12, ts))
	}()

	start := time.Now()
	q, err := m.GetQuote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 190.12, q.Price)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "should return on the tick, not the timeout")

	// Now cached: a second call never blocks or calls REST.
	q, err = m.GetQuote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 190.12, q.Price)
	assert.Equal(t, 0, ad.quoteOnceCalls())
}

func TestGetQuoteBackoffUnavailable(t *testing.T) {
	ad := newFakeAdapter("alpaca", market.ClassEquity)
	ad.setState(provider.StateBackoff)
	ad.quoteFn = func(sym market.Symbol) (market.Quote, error) {
		return market.Quote{}, fmt.Errorf("%w: stream down", market.ErrProviderUnavailable)
	}
	m := newTestManager(t, []provider.Adapter{ad}, nil, nil, nil)

	start := time.Now()
	_, err := m.GetQuote(context.Background(), "AAPL")
	require.ErrorIs(t, err, market.ErrProviderUnavailable)
	assert.Less(t, time.Since(start), time.Second, "failure must be bounded, not hang")
}

func TestGetQuoteRESTFallback(t *testing.T) {
	ad := newFakeAdapter("alpaca", market.ClassEquity)
	ts := time.Date(2025, 8, 25, 15, 30, 0, 0, time.UTC)
	ad.quoteFn = func(sym market.Symbol) (market.Quote, error) {
		return streamQuote(sym.ID, 190.12, ts), nil
	}
	m := newTestManager(t, []provider.Adapter{ad}, nil, nil, nil)

	// Not subscribed: no first-tick wait, straight to REST.
	q, err := m.GetQuote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 190.12, q.Price)
	assert.Equal(t, 1, ad.quoteOnceCalls())

	// REST result is cached for the next caller.
	_, err = m.GetQuote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 1, ad.quoteOnceCalls())
}

func TestGetQuoteNoData(t *testing.T) {
	ad := newFakeAdapter("alpaca", market.ClassEquity)
	m := newTestManager(t, []provider.Adapter{ad}, nil, nil, nil)

	_, err := m.GetQuote(context.Background(), "AAPL")
	require.ErrorIs(t, err, market.ErrNoData)
}

func TestGetQuoteNoProviderForClass(t *testing.T) {
	ad := newFakeAdapter("alpaca", market.ClassEquity)
	m := newTestManager(t, []provider.Adapter{ad}, nil, nil, nil)

	_, err := m.GetQuote(context.Background(), "BTC-USD")
	require.ErrorIs(t, err, market.ErrProviderUnavailable)
}

func TestOutOfOrderQuoteDropped(t *testing.T) {
	ad := newFakeAdapter("alpaca", market.ClassEquity)
	m := newTestManager(t, []provider.Adapter{ad}, nil, nil, nil)

	base := time.Date(2025, 8, 25, 15, 30, 0, 0, time.UTC)
	ad.emitQuote(t, streamQuote("AAPL", 190.12, base))
	waitForPrice(t, m, "AAPL", 190.12, 0)

	// Older tick must never regress the cache; a newer one still applies.
	ad.emitQuote(t, streamQuote("AAPL", 170.00, base.Add(-time.Minute)))
	ad.emitQuote(t, streamQuote("AAPL", 190.50, base.Add(time.Minute)))
	waitForPrice(t, m, "AAPL", 190.50, 170.00)

	q, err := m.GetQuote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, base.Add(time.Minute), q.Timestamp)
}

func TestListenerFanOut(t *testing.T) {
	ad := newFakeAdapter("alpaca", market.ClassEquity)
	m := newTestManager(t, []provider.Adapter{ad}, nil, nil, nil)

	ch := make(chan market.Quote, 4)
	m.AddListener(ch)

	base := time.Date(2025, 8, 25, 15, 30, 0, 0, time.UTC)
	ad.emitQuote(t, streamQuote("AAPL", 190.12, base))
	ad.emitQuote(t, streamQuote("AAPL", 190.20, base.Add(time.Second)))

	for i, want := range []float64{190.12, 190.20} {
		select {
		case q := <-ch:
			assert.Equal(t, want, q.Price, "listener quote %d", i)
		case <-time.After(2 * time.Second):
			t.Fatal("listener did not receive quote")
		}
	}
}

func TestSlowListenerDropsNotBlocks(t *testing.T) {
	ad := newFakeAdapter("alpaca", market.ClassEquity)
	m := newTestManager(t, []provider.Adapter{ad}, nil, nil, nil)

	ch := make(chan market.Quote, 1) // nobody drains it
	m.AddListener(ch)

	base := time.Date(2025, 8, 25, 15, 30, 0, 0, time.UTC)
	ad.emitQuote(t, streamQuote("AAPL", 190.12, base))
	ad.emitQuote(t, streamQuote("AAPL", 190.20, base.Add(time.Second)))

	// When the second quote is visible, both events were consumed even
	// though the listener buffer only held one.
	waitForPrice(t, m, "AAPL", 190.20, 0)
	assert.Equal(t, 1, len(ch))
}

func TestSubscribeRoutesByClass(t *testing.T) {
	equities := newFakeAdapter("alpaca", market.ClassEquity)
	crypto := newFakeAdapter("binance", market.ClassCrypto)
	m := newTestManager(t, []provider.Adapter{equities, crypto}, nil, nil, nil)

	require.NoError(t, m.Subscribe(context.Background(), "AAPL", "BTC-USD"))

	eq := equities.lastSubscribe()
	require.Len(t, eq, 1)
	assert.Equal(t, "AAPL", eq[0].ID)

	cr := crypto.lastSubscribe()
	require.Len(t, cr, 1)
	assert.Equal(t, "BTC-USD", cr[0].ID)

	// Adding a symbol re-pushes the complete equity set.
	require.NoError(t, m.Subscribe(context.Background(), "MSFT"))
	eq = equities.lastSubscribe()
	ids := []string{eq[0].ID, eq[1].ID}
	assert.ElementsMatch(t, []string{"AAPL", "MSFT"}, ids)
	require.Len(t, crypto.lastSubscribe(), 1, "crypto set untouched")
}

func TestSubscribeUnknownClassFails(t *testing.T) {
	equities := newFakeAdapter("alpaca", market.ClassEquity)
	m := newTestManager(t, []provider.Adapter{equities}, nil, nil, nil)

	err := m.Subscribe(context.Background(), "BTC-USD")
	require.ErrorIs(t, err, market.ErrProviderUnavailable)
	assert.Empty(t, equities.subscribes)
}

func TestUnsubscribe(t *testing.T) {
	ad := newFakeAdapter("alpaca", market.ClassEquity)
	m := newTestManager(t, []provider.Adapter{ad}, nil, nil, nil)

	require.NoError(t, m.Subscribe(context.Background(), "AAPL", "MSFT"))
	require.NoError(t, m.Unsubscribe(context.Background(), "AAPL"))

	ad.mu.Lock()
	defer ad.mu.Unlock()
	require.Len(t, ad.unsubscribes, 1)
	require.Len(t, ad.unsubscribes[0], 1)
	assert.Equal(t, "AAPL", ad.unsubscribes[0][0].ID)
}

func TestWatchSubscribesList(t *testing.T) {
	ad := newFakeAdapter("alpaca", market.ClassEquity)
	m := newTestManager(t, []provider.Adapter{ad}, nil, nil, nil)

	require.NoError(t, m.Watch(context.Background(), []string{"AAPL", "MSFT"}))
	assert.Len(t, ad.lastSubscribe(), 2)

	require.NoError(t, m.Watch(context.Background(), nil), "empty watch-list is a no-op")
}

func TestProviderStatus(t *testing.T) {
	equities := newFakeAdapter("alpaca", market.ClassEquity)
	crypto := newFakeAdapter("binance", market.ClassCrypto)
	crypto.setState(provider.StateBackoff)
	m := newTestManager(t, []provider.Adapter{equities, crypto}, nil, nil, nil)

	require.NoError(t, m.Subscribe(context.Background(), "AAPL"))

	statuses := m.ProviderStatus()
	require.Len(t, statuses, 2)

	byName := map[string]ProviderStatus{}
	for _, s := range statuses {
		byName[s.Provider] = s
	}
	assert.Equal(t, "connected", byName["alpaca"].State)
	assert.Equal(t, []string{"AAPL"}, byName["alpaca"].Subscribed)
	assert.Equal(t, "backoff", byName["binance"].State)
	assert.Empty(t, byName["binance"].Subscribed)
}

func TestProviderDownAlerting(t *testing.T) {
	ad := newFakeAdapter("alpaca", market.ClassEquity)
	alerter := &fakeAlerter{}
	newTestManager(t, []provider.Adapter{ad}, nil, alerter, nil)

	streamErr := fmt.Errorf("stream reset")
	ad.emitState(t, provider.StateBackoff, streamErr)
	ad.emitState(t, provider.StateBackoff, streamErr)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if down, _ := alerter.snapshot(); len(down) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	down, recovered := alerter.snapshot()
	require.Equal(t, []string{"alpaca:2"}, down, "one alert at the threshold, not per failure")
	assert.Empty(t, recovered)

	// A third failure does not re-alert.
	ad.emitState(t, provider.StateBackoff, streamErr)

	// Recovery resets the cycle and notifies once.
	ad.emitState(t, provider.StateConnected, nil)
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, rec := alerter.snapshot(); len(rec) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	down, recovered = alerter.snapshot()
	assert.Equal(t, []string{"alpaca:2"}, down)
	assert.Equal(t, []string{"alpaca"}, recovered)
}
