package provider

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/quantdesk/quantdesk/internal/config"
	"github.com/quantdesk/quantdesk/internal/market"
	"github.com/quantdesk/quantdesk/internal/metrics"
)

const binanceName = "binance"

// BinanceAdapter streams 24hr ticker statistics for crypto symbols over the
// Binance combined websocket and serves one-shot quotes and candle history
// over REST.
type BinanceAdapter struct {
	client  *binance.Client
	catalog *market.Catalog
	log     zerolog.Logger

	tracker *Tracker
	backoff Backoff
	events  chan Event
	limiter *rate.Limiter

	// baseCtx bounds the stream goroutine's lifetime: created at
	// construction, cancelled only by Close. Subscriber contexts bound
	// the subscribe call, never the stream.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu         sync.Mutex
	subscribed map[string]market.Symbol // native ticker -> canonical symbol
	cancel     context.CancelFunc
	streamDone chan struct{}
	wg         sync.WaitGroup
	closed     bool
}

// NewBinanceAdapter creates the crypto provider adapter
func NewBinanceAdapter(cfg config.BinanceConfig, catalog *market.Catalog, backoff Backoff, eventBuffer int) *BinanceAdapter {
	client := binance.NewClient(cfg.APIKey, cfg.SecretKey)
	if cfg.Testnet {
		binance.UseTestnet = true
	}
	if eventBuffer <= 0 {
		eventBuffer = 1024
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())

	return &BinanceAdapter{
		client:     client,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		catalog:    catalog,
		log:        config.NewProviderLogger(binanceName),
		tracker:    NewTracker(binanceName),
		backoff:    backoff,
		events:     make(chan Event, eventBuffer),
		// Public market data weight allows ~20 req/s; stay under it
		limiter:    rate.NewLimiter(rate.Limit(18), 5),
		subscribed: make(map[string]market.Symbol),
	}
}

// Name implements Adapter
func (b *BinanceAdapter) Name() string { return binanceName }

// Class implements Adapter
func (b *BinanceAdapter) Class() market.Class { return market.ClassCrypto }

// Events implements Adapter
func (b *BinanceAdapter) Events() <-chan Event { return b.events }

// State implements Adapter
func (b *BinanceAdapter) State() ConnectionState { return b.tracker.State() }

// Subscribe adds symbols to the streamed set and restarts the combined
// stream. A combined Binance stream is fixed at dial time, so any change to
// the set requires a reconnect.
func (b *BinanceAdapter) Subscribe(ctx context.Context, symbols []market.Symbol) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("binance adapter closed")
	}

	for _, sym := range symbols {
		if sym.Class != market.ClassCrypto {
			continue
		}
		native := b.catalog.Native(binanceName, sym.ID)
		b.subscribed[native] = sym
	}

	b.restartLocked()
	return nil
}

// Unsubscribe removes symbols from the streamed set and restarts the stream
// with the remainder.
func (b *BinanceAdapter) Unsubscribe(ctx context.Context, symbols []market.Symbol) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("binance adapter closed")
	}

	for _, sym := range symbols {
		native := b.catalog.Native(binanceName, sym.ID)
		delete(b.subscribed, native)
	}

	b.restartLocked()
	return nil
}

// restartLocked tears down the current stream goroutine, waits for it to
// exit, and starts a new one for the present subscription set. The stream
// runs on the adapter's base context so it outlives the subscriber's call.
// Callers hold b.mu.
func (b *BinanceAdapter) restartLocked() {
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
		// Join the old session so its Disconnected transition cannot
		// race the replacement's Connecting/Connected.
		<-b.streamDone
		b.streamDone = nil
	}

	if len(b.subscribed) == 0 {
		b.tracker.Disconnected()
		return
	}

	natives := make([]string, 0, len(b.subscribed))
	mapping := make(map[string]market.Symbol, len(b.subscribed))
	for native, sym := range b.subscribed {
		natives = append(natives, native)
		mapping[native] = sym
	}

	runCtx, cancel := context.WithCancel(b.baseCtx)
	done := make(chan struct{})
	b.cancel = cancel
	b.streamDone = done
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(done)
		b.run(runCtx, natives, mapping)
	}()
}

// run owns the websocket connection lifecycle: connect, consume until the
// stream dies, back off, reconnect. It is the only goroutine feeding quote
// events for this adapter.
func (b *BinanceAdapter) run(ctx context.Context, natives []string, mapping map[string]market.Symbol) {
	for {
		if ctx.Err() != nil {
			b.tracker.Disconnected()
			return
		}

		b.tracker.Connecting()
		b.emitState(StateConnecting, nil)

		var errMu sync.Mutex
		var lastErr error
		handler := func(event *binance.WsMarketStatEvent) {
			q, ok := b.convertStatEvent(event, mapping)
			if !ok {
				return
			}
			select {
			case <-ctx.Done():
			case b.events <- Event{Type: EventQuote, Provider: binanceName, Quote: q}:
			default:
				metrics.RecordStreamDrop(binanceName)
				b.log.Warn().Str("symbol", q.Symbol).Msg("Event buffer full, dropping quote")
			}
		}
		errHandler := func(err error) {
			if err == nil {
				return
			}
			errMu.Lock()
			lastErr = err
			errMu.Unlock()
		}

		doneC, stopC, err := binance.WsCombinedMarketStatServe(natives, handler, errHandler)
		if err != nil {
			retries := b.tracker.Failed(err)
			b.emitState(StateBackoff, err)
			delay := b.backoff.Jittered(retries - 1)
			b.log.Warn().
				Err(err).
				Int("retries", retries).
				Dur("delay", delay).
				Msg("Stream connect failed, backing off")
			metrics.RecordReconnect(binanceName)
			if !sleepWithContext(ctx, delay) {
				b.tracker.Disconnected()
				return
			}
			continue
		}

		b.tracker.Connected()
		b.emitState(StateConnected, nil)
		b.log.Info().Int("symbols", len(natives)).Msg("Stream connected")

		select {
		case <-ctx.Done():
			close(stopC)
			<-doneC
			b.tracker.Disconnected()
			b.emitState(StateDisconnected, nil)
			return
		case <-doneC:
		}
		close(stopC)

		errMu.Lock()
		errCopy := lastErr
		errMu.Unlock()

		retries := b.tracker.Failed(errCopy)
		b.emitState(StateBackoff, errCopy)
		delay := b.backoff.Jittered(retries - 1)
		b.log.Warn().
			Err(errCopy).
			Dur("delay", delay).
			Msg("Stream lost, reconnecting after backoff")
		metrics.RecordReconnect(binanceName)
		if !sleepWithContext(ctx, delay) {
			b.tracker.Disconnected()
			return
		}
	}
}

// convertStatEvent translates a 24hr ticker event into a canonical quote
func (b *BinanceAdapter) convertStatEvent(ev *binance.WsMarketStatEvent, mapping map[string]market.Symbol) (market.Quote, bool) {
	if ev == nil {
		return market.Quote{}, false
	}
	sym, ok := mapping[strings.ToUpper(ev.Symbol)]
	if !ok {
		return market.Quote{}, false
	}
	price := parseFloat(ev.LastPrice)
	if price <= 0 {
		return market.Quote{}, false
	}
	return market.Quote{
		Symbol:    sym.ID,
		Price:     price,
		Bid:       parseFloat(ev.BidPrice),
		Ask:       parseFloat(ev.AskPrice),
		Volume:    parseFloat(ev.BaseVolume),
		Timestamp: time.UnixMilli(ev.Time),
		Provider:  binanceName,
	}, true
}

// QuoteOnce fetches a single quote from the 24hr ticker REST endpoint
func (b *BinanceAdapter) QuoteOnce(ctx context.Context, symbol market.Symbol) (market.Quote, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return market.Quote{}, fmt.Errorf("%w: %v", market.ErrProviderUnavailable, err)
	}

	native := b.catalog.Native(binanceName, symbol.ID)
	start := time.Now()
	stats, err := b.client.NewListPriceChangeStatsService().Symbol(native).Do(ctx)
	metrics.RecordProviderAPICall(binanceName, "ticker_24hr", float64(time.Since(start).Milliseconds()), err)
	if err != nil {
		return market.Quote{}, mapBinanceError(err)
	}
	if len(stats) == 0 {
		return market.Quote{}, fmt.Errorf("%s: %w", symbol.ID, market.ErrNoData)
	}

	st := stats[0]
	price := parseFloat(st.LastPrice)
	if price <= 0 {
		return market.Quote{}, fmt.Errorf("%s: %w", symbol.ID, market.ErrNoData)
	}

	return market.Quote{
		Symbol:    symbol.ID,
		Price:     price,
		Bid:       parseFloat(st.BidPrice),
		Ask:       parseFloat(st.AskPrice),
		Volume:    parseFloat(st.Volume),
		Timestamp: time.UnixMilli(st.CloseTime),
		Provider:  binanceName,
	}, nil
}

// Candles fetches historical klines over REST
func (b *BinanceAdapter) Candles(ctx context.Context, symbol market.Symbol, tf market.Timeframe, from, to time.Time, limit int) ([]market.Candle, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", market.ErrProviderUnavailable, err)
	}

	native := b.catalog.Native(binanceName, symbol.ID)
	svc := b.client.NewKlinesService().
		Symbol(native).
		Interval(binanceInterval(tf))
	if !from.IsZero() {
		svc = svc.StartTime(from.UnixMilli())
	}
	if !to.IsZero() {
		svc = svc.EndTime(to.UnixMilli())
	}
	if limit > 0 {
		svc = svc.Limit(limit)
	}

	start := time.Now()
	klines, err := svc.Do(ctx)
	metrics.RecordProviderAPICall(binanceName, "klines", float64(time.Since(start).Milliseconds()), err)
	if err != nil {
		return nil, mapBinanceError(err)
	}
	if len(klines) == 0 {
		return nil, fmt.Errorf("%s %s: %w", symbol.ID, tf, market.ErrNoData)
	}

	out := make([]market.Candle, 0, len(klines))
	for _, kl := range klines {
		if kl == nil {
			continue
		}
		out = append(out, market.Candle{
			Symbol:    symbol.ID,
			Timeframe: tf,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
			OpenTime:  time.UnixMilli(kl.OpenTime),
		})
	}
	return out, nil
}

// Close stops the stream goroutine and closes the event channel
func (b *BinanceAdapter) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.baseCancel()
	b.cancel = nil
	b.mu.Unlock()

	b.wg.Wait()
	close(b.events)
	b.tracker.Disconnected()
	return nil
}

// emitState pushes a lifecycle event without ever blocking the stream
func (b *BinanceAdapter) emitState(state ConnectionState, err error) {
	select {
	case b.events <- Event{Type: EventState, Provider: binanceName, State: state, Err: err}:
	default:
		metrics.RecordStreamDrop(binanceName)
	}
}

// binanceInterval maps a canonical timeframe onto Binance kline intervals
func binanceInterval(tf market.Timeframe) string {
	return strings.ToLower(string(tf))
}

// mapBinanceError translates vendor errors into the typed market errors
func mapBinanceError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") ||
		strings.Contains(msg, "-1003") ||
		strings.Contains(msg, "too many requests"):
		return fmt.Errorf("%w: %v", market.ErrRateLimited, err)
	case strings.Contains(msg, "invalid symbol") ||
		strings.Contains(msg, "-1121"):
		return fmt.Errorf("%w: %v", market.ErrNoData, err)
	default:
		return fmt.Errorf("%w: %v", market.ErrProviderUnavailable, err)
	}
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}
