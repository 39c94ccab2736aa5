// Package data implements the provider-agnostic market data surface: a
// sharded quote cache fed by streaming adapters, candle series merged from
// memory, store, and REST backfill, and bounded fan-out to listeners.
// Callers see typed errors, never raw vendor failures.
package data

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantdesk/quantdesk/internal/config"
	"github.com/quantdesk/quantdesk/internal/market"
	"github.com/quantdesk/quantdesk/internal/metrics"
	"github.com/quantdesk/quantdesk/internal/provider"
)

const (
	defaultFirstTickTimeout = 2 * time.Second
	defaultAlertAfter       = 5
	persistTimeout          = 5 * time.Second
)

// Store is the optional candle persistence hook. A nil store means
// provider-only backfill.
type Store interface {
	LoadCandles(ctx context.Context, symbol string, tf market.Timeframe, from, to time.Time, limit int) ([]market.Candle, error)
	AppendCandles(ctx context.Context, candles []market.Candle) (int, error)
}

// Alerter receives operational notifications about provider health. A nil
// alerter disables alerts.
type Alerter interface {
	ProviderDown(provider string, consecutive int, err error)
	ProviderRecovered(provider string)
}

// ProviderStatus is one adapter's health snapshot for the status surfaces.
type ProviderStatus struct {
	Provider   string       `json:"provider"`
	Class      market.Class `json:"class"`
	State      string       `json:"state"`
	Subscribed []string     `json:"subscribed,omitempty"`
}

// Manager routes quote and candle queries to the right adapter per market
// class, owns the caches, and supervises one event-consumer goroutine per
// adapter.
type Manager struct {
	catalog *market.Catalog
	quotes  *market.QuoteCache
	candles *market.CandleCache
	store   Store
	alerter Alerter

	adapters []provider.Adapter
	byClass  map[market.Class]provider.Adapter

	firstTickTimeout time.Duration
	alertAfter       int

	subMu      sync.Mutex
	subscribed map[string]market.Symbol

	waitersMu sync.Mutex
	waiters   map[string][]chan market.Quote

	listenersMu     sync.RWMutex
	listeners       []chan<- market.Quote
	candleListeners []chan<- market.Candle

	alertMu  sync.Mutex
	failures map[string]int
	alerted  map[string]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    zerolog.Logger
}

// NewManager wires the manager to its adapters. Each market class is
// served by exactly one adapter; duplicate classes keep the first and log
// the rest.
func NewManager(cfg config.MarketConfig, catalog *market.Catalog, adapters []provider.Adapter, store Store, alerter Alerter, log zerolog.Logger) *Manager {
	managerLog := log.With().Str("component", "data").Logger()

	firstTick := cfg.GetFirstTickTimeout()
	if firstTick <= 0 {
		firstTick = defaultFirstTickTimeout
	}
	alertAfter := cfg.Backoff.AlertAfter
	if alertAfter <= 0 {
		alertAfter = defaultAlertAfter
	}

	byClass := make(map[market.Class]provider.Adapter, len(adapters))
	for _, ad := range adapters {
		if existing, ok := byClass[ad.Class()]; ok {
			managerLog.Warn().
				Str("class", string(ad.Class())).
				Str("kept", existing.Name()).
				Str("ignored", ad.Name()).
				Msg("Duplicate adapter for market class")
			continue
		}
		byClass[ad.Class()] = ad
	}

	return &Manager{
		catalog:          catalog,
		quotes:           market.NewQuoteCache(),
		candles:          market.NewCandleCache(cfg.MaxCandles),
		store:            store,
		alerter:          alerter,
		adapters:         adapters,
		byClass:          byClass,
		firstTickTimeout: firstTick,
		alertAfter:       alertAfter,
		subscribed:       make(map[string]market.Symbol),
		waiters:          make(map[string][]chan market.Quote),
		failures:         make(map[string]int),
		alerted:          make(map[string]bool),
		log:              managerLog,
	}
}

// SetAlerter installs the operational alert sink. Must be called before
// Start; the consumers read the field without a lock.
func (m *Manager) SetAlerter(a Alerter) {
	m.alerter = a
}

// Start launches one event consumer per adapter. Call Close to stop.
func (m *Manager) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	for _, ad := range m.adapters {
		m.wg.Add(1)
		go m.consumeEvents(runCtx, ad)
	}
	m.log.Info().Int("adapters", len(m.adapters)).Msg("Data manager started")
}

// Close stops the consumers and shuts the adapters down.
func (m *Manager) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	for _, ad := range m.adapters {
		if err := ad.Close(); err != nil {
			m.log.Warn().Err(err).Str("provider", ad.Name()).Msg("Adapter close failed")
		}
	}
	m.wg.Wait()
	m.log.Info().Msg("Data manager stopped")
}

// Watch subscribes the configured watch-list at startup.
func (m *Manager) Watch(ctx context.Context, watchlist []string) error {
	if len(watchlist) == 0 {
		return nil
	}
	if err := m.Subscribe(ctx, watchlist...); err != nil {
		return err
	}
	m.log.Info().Strs("symbols", watchlist).Msg("Watch-list subscribed")
	return nil
}

// Subscribe adds symbols to the streamed set and pushes the updated set to
// the owning adapters. Symbols whose market class has no adapter fail the
// whole call before any adapter is touched.
func (m *Manager) Subscribe(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	syms := make([]market.Symbol, 0, len(ids))
	for _, id := range ids {
		sym := m.catalog.Lookup(id)
		if _, ok := m.byClass[sym.Class]; !ok {
			return fmt.Errorf("%w: no provider for %s (%s)", market.ErrProviderUnavailable, sym.ID, sym.Class)
		}
		syms = append(syms, sym)
	}

	m.subMu.Lock()
	classes := make(map[market.Class]bool)
	for _, sym := range syms {
		m.subscribed[sym.ID] = sym
		classes[sym.Class] = true
	}
	sets := m.classSetsLocked(classes)
	m.subMu.Unlock()

	return m.pushSubscriptions(ctx, classes, sets)
}

// Unsubscribe removes symbols from the streamed set.
func (m *Manager) Unsubscribe(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	m.subMu.Lock()
	classes := make(map[market.Class]bool)
	removed := make([]market.Symbol, 0, len(ids))
	for _, id := range ids {
		sym := m.catalog.Lookup(id)
		if _, ok := m.subscribed[sym.ID]; !ok {
			continue
		}
		delete(m.subscribed, sym.ID)
		removed = append(removed, sym)
		classes[sym.Class] = true
	}
	m.subMu.Unlock()

	var errs []error
	for class := range classes {
		adapter := m.byClass[class]
		classSyms := make([]market.Symbol, 0, len(removed))
		for _, sym := range removed {
			if sym.Class == class {
				classSyms = append(classSyms, sym)
			}
		}
		if err := adapter.Unsubscribe(ctx, classSyms); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe on %s: %w", adapter.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// classSetsLocked snapshots the full subscribed set for each touched
// class. Callers hold subMu.
func (m *Manager) classSetsLocked(classes map[market.Class]bool) map[market.Class][]market.Symbol {
	sets := make(map[market.Class][]market.Symbol, len(classes))
	for _, sym := range m.subscribed {
		if classes[sym.Class] {
			sets[sym.Class] = append(sets[sym.Class], sym)
		}
	}
	return sets
}

// pushSubscriptions hands each touched adapter its complete symbol set.
// Adapters replace their streamed set wholesale, so partial updates are
// never visible.
func (m *Manager) pushSubscriptions(ctx context.Context, classes map[market.Class]bool, sets map[market.Class][]market.Symbol) error {
	var errs []error
	for class := range classes {
		adapter := m.byClass[class]
		if err := adapter.Subscribe(ctx, sets[class]); err != nil {
			errs = append(errs, fmt.Errorf("subscribe on %s: %w", adapter.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// GetQuote returns the freshest quote for a symbol: cached value first,
// then a bounded wait for the first streamed tick, then a one-shot REST
// fetch. Callers always get a typed error.
func (m *Manager) GetQuote(ctx context.Context, symbol string) (market.Quote, error) {
	sym := m.catalog.Lookup(symbol)

	if q, ok := m.quotes.Get(sym.ID); ok {
		metrics.RecordQuoteCacheLookup(true)
		return q, nil
	}
	metrics.RecordQuoteCacheLookup(false)

	adapter, ok := m.byClass[sym.Class]
	if !ok {
		return market.Quote{}, fmt.Errorf("%w: no provider for %s (%s)", market.ErrProviderUnavailable, sym.ID, sym.Class)
	}

	if adapter.State() == provider.StateConnected && m.isSubscribed(sym.ID) {
		if q, ok := m.awaitFirstTick(ctx, sym.ID); ok {
			return q, nil
		}
		if err := ctx.Err(); err != nil {
			return market.Quote{}, fmt.Errorf("%w: %v", market.ErrNoData, err)
		}
	}

	q, err := adapter.QuoteOnce(ctx, sym)
	if err == nil {
		m.quotes.Apply(q)
		return q, nil
	}

	switch {
	case errors.Is(err, market.ErrRateLimited),
		errors.Is(err, market.ErrProviderUnavailable),
		errors.Is(err, market.ErrNoData):
		return market.Quote{}, err
	case adapter.State() != provider.StateConnected:
		return market.Quote{}, fmt.Errorf("%w: %s is %s", market.ErrProviderUnavailable, adapter.Name(), adapter.State())
	default:
		return market.Quote{}, fmt.Errorf("%w: %s has no quote for %s", market.ErrNoData, adapter.Name(), sym.ID)
	}
}

// awaitFirstTick blocks until a streamed quote for the symbol lands,
// bounded by the first-tick timeout and the caller's context.
func (m *Manager) awaitFirstTick(ctx context.Context, symbol string) (market.Quote, bool) {
	ch := m.addWaiter(symbol)
	defer m.removeWaiter(symbol, ch)

	// A tick may have landed between the cache miss and registering the
	// waiter.
	if q, ok := m.quotes.Get(symbol); ok {
		return q, true
	}

	timer := time.NewTimer(m.firstTickTimeout)
	defer timer.Stop()

	select {
	case q := <-ch:
		return q, true
	case <-timer.C:
		return market.Quote{}, false
	case <-ctx.Done():
		return market.Quote{}, false
	}
}

func (m *Manager) addWaiter(symbol string) chan market.Quote {
	ch := make(chan market.Quote, 1)
	m.waitersMu.Lock()
	m.waiters[symbol] = append(m.waiters[symbol], ch)
	m.waitersMu.Unlock()
	return ch
}

func (m *Manager) removeWaiter(symbol string, ch chan market.Quote) {
	m.waitersMu.Lock()
	defer m.waitersMu.Unlock()
	ws := m.waiters[symbol]
	for i, w := range ws {
		if w == ch {
			m.waiters[symbol] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(m.waiters[symbol]) == 0 {
		delete(m.waiters, symbol)
	}
}

func (m *Manager) notifyWaiters(q market.Quote) {
	m.waitersMu.Lock()
	ws := m.waiters[q.Symbol]
	delete(m.waiters, q.Symbol)
	m.waitersMu.Unlock()

	for _, ch := range ws {
		ch <- q // buffered, single send per waiter
	}
}

func (m *Manager) isSubscribed(id string) bool {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	_, ok := m.subscribed[id]
	return ok
}

// AddListener registers a quote fan-out channel. Sends are non-blocking:
// a full channel drops the quote for that listener only.
func (m *Manager) AddListener(ch chan<- market.Quote) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, ch)
}

// AddCandleListener registers a candle fan-out channel fed by backfills.
func (m *Manager) AddCandleListener(ch chan<- market.Candle) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.candleListeners = append(m.candleListeners, ch)
}

// ProviderStatus snapshots every adapter's connection state and streamed
// symbols.
func (m *Manager) ProviderStatus() []ProviderStatus {
	m.subMu.Lock()
	byClass := make(map[market.Class][]string)
	for _, sym := range m.subscribed {
		byClass[sym.Class] = append(byClass[sym.Class], sym.ID)
	}
	m.subMu.Unlock()

	out := make([]ProviderStatus, 0, len(m.adapters))
	for _, ad := range m.adapters {
		out = append(out, ProviderStatus{
			Provider:   ad.Name(),
			Class:      ad.Class(),
			State:      ad.State().String(),
			Subscribed: byClass[ad.Class()],
		})
	}
	return out
}

// consumeEvents is the single reader of one adapter's event channel. It
// applies quotes to the cache, wakes first-tick waiters, fans out to
// listeners, and turns state transitions into health alerts.
func (m *Manager) consumeEvents(ctx context.Context, adapter provider.Adapter) {
	defer m.wg.Done()

	events := adapter.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case provider.EventQuote:
				m.applyQuote(ev.Quote)
			case provider.EventState:
				m.handleStateEvent(ev)
			}
		}
	}
}

func (m *Manager) applyQuote(q market.Quote) {
	if !m.quotes.Apply(q) {
		metrics.RecordQuoteDropped(q.Provider)
		m.log.Debug().
			Str("symbol", q.Symbol).
			Time("ts", q.Timestamp).
			Msg("Dropped out-of-order quote")
		return
	}
	metrics.RecordQuoteApplied(q.Provider)
	m.notifyWaiters(q)
	m.fanOutQuote(q)
}

func (m *Manager) fanOutQuote(q market.Quote) {
	m.listenersMu.RLock()
	defer m.listenersMu.RUnlock()
	for _, ch := range m.listeners {
		select {
		case ch <- q:
		default:
			metrics.RecordError("listener_overflow", "data")
			m.log.Warn().Str("symbol", q.Symbol).Msg("Listener full, quote dropped")
		}
	}
}

func (m *Manager) fanOutCandles(candles []market.Candle) {
	m.listenersMu.RLock()
	defer m.listenersMu.RUnlock()
	if len(m.candleListeners) == 0 {
		return
	}
	for _, ch := range m.candleListeners {
		for _, c := range candles {
			select {
			case ch <- c:
			default:
				metrics.RecordError("listener_overflow", "data")
				m.log.Warn().Str("symbol", c.Symbol).Msg("Candle listener full, bar dropped")
			}
		}
	}
}

// handleStateEvent drives provider-health alerting: alertAfter consecutive
// failures raise one down alert, the next Connected raises the recovery.
func (m *Manager) handleStateEvent(ev provider.Event) {
	switch ev.State {
	case provider.StateConnected:
		m.alertMu.Lock()
		m.failures[ev.Provider] = 0
		wasAlerted := m.alerted[ev.Provider]
		delete(m.alerted, ev.Provider)
		m.alertMu.Unlock()

		m.log.Info().Str("provider", ev.Provider).Msg("Provider connected")
		if wasAlerted && m.alerter != nil {
			m.alerter.ProviderRecovered(ev.Provider)
		}

	case provider.StateBackoff:
		m.alertMu.Lock()
		m.failures[ev.Provider]++
		count := m.failures[ev.Provider]
		shouldAlert := count >= m.alertAfter && !m.alerted[ev.Provider]
		if shouldAlert {
			m.alerted[ev.Provider] = true
		}
		m.alertMu.Unlock()

		m.log.Warn().
			Str("provider", ev.Provider).
			Int("consecutive_failures", count).
			Err(ev.Err).
			Msg("Provider in backoff")
		if shouldAlert && m.alerter != nil {
			m.alerter.ProviderDown(ev.Provider, count, ev.Err)
		}

	case provider.StateDisconnected:
		m.log.Info().Str("provider", ev.Provider).Msg("Provider disconnected")
	}
}
