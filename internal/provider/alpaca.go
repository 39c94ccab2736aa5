package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/quantdesk/quantdesk/internal/config"
	"github.com/quantdesk/quantdesk/internal/market"
	"github.com/quantdesk/quantdesk/internal/metrics"
)

const (
	alpacaName = "alpaca"

	alpacaReadWait         = 100 * time.Second
	alpacaHandshakeTimeout = 10 * time.Second
	alpacaMaxMessageSize   = 1 << 20
)

// alpacaMessage is one envelope from the Alpaca market data stream. Frames
// arrive as JSON arrays of these; the T field discriminates the payload.
type alpacaMessage struct {
	Type       string    `json:"T"`
	Msg        string    `json:"msg"`
	Code       int       `json:"code"`
	Symbol     string    `json:"S"`
	BidPrice   float64   `json:"bp"`
	AskPrice   float64   `json:"ap"`
	BidSize    float64   `json:"bs"`
	AskSize    float64   `json:"as"`
	TradePrice float64   `json:"p"`
	TradeSize  float64   `json:"s"`
	Timestamp  time.Time `json:"t"`
}

// AlpacaAdapter streams equity trades and quotes from the Alpaca websocket
// feed and serves one-shot quotes and bar history over REST.
type AlpacaAdapter struct {
	key       string
	secret    string
	streamURL string
	restURL   string

	httpClient *http.Client
	catalog    *market.Catalog
	log        zerolog.Logger

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
	subscribed map[string]market.Symbol
	cancel     context.CancelFunc
	streamDone chan struct{}
	wg         sync.WaitGroup
	closed     bool
}

// NewAlpacaAdapter creates the equities provider adapter
func NewAlpacaAdapter(cfg config.AlpacaConfig, catalog *market.Catalog, backoff Backoff, eventBuffer int) *AlpacaAdapter {
	streamURL := cfg.StreamURL
	if streamURL == "" {
		streamURL = "wss://stream.data.alpaca.markets/v2/iex"
	}
	restURL := strings.TrimRight(cfg.RestURL, "/")
	if restURL == "" {
		restURL = "https://data.alpaca.markets"
	}
	if eventBuffer <= 0 {
		eventBuffer = 1024
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())

	return &AlpacaAdapter{
		key:        cfg.APIKey,
		secret:     cfg.SecretKey,
		streamURL:  streamURL,
		restURL:    restURL,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		catalog:    catalog,
		log:        config.NewProviderLogger(alpacaName),
		tracker:    NewTracker(alpacaName),
		backoff:    backoff,
		events:     make(chan Event, eventBuffer),
		// Free-tier data API allows 200 req/min
		limiter:    rate.NewLimiter(rate.Limit(3), 3),
		subscribed: make(map[string]market.Symbol),
	}
}

// Name implements Adapter
func (a *AlpacaAdapter) Name() string { return alpacaName }

// Class implements Adapter
func (a *AlpacaAdapter) Class() market.Class { return market.ClassEquity }

// Events implements Adapter
func (a *AlpacaAdapter) Events() <-chan Event { return a.events }

// State implements Adapter
func (a *AlpacaAdapter) State() ConnectionState { return a.tracker.State() }

// Subscribe adds symbols to the streamed set and restarts the stream session
// with the full set. Alpaca supports incremental subscribe messages, but a
// restart keeps one code path for both initial connect and set changes.
func (a *AlpacaAdapter) Subscribe(ctx context.Context, symbols []market.Symbol) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("alpaca adapter closed")
	}

	for _, sym := range symbols {
		if sym.Class != market.ClassEquity {
			continue
		}
		native := a.catalog.Native(alpacaName, sym.ID)
		a.subscribed[native] = sym
	}

	a.restartLocked()
	return nil
}

// Unsubscribe removes symbols from the streamed set
func (a *AlpacaAdapter) Unsubscribe(ctx context.Context, symbols []market.Symbol) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("alpaca adapter closed")
	}

	for _, sym := range symbols {
		native := a.catalog.Native(alpacaName, sym.ID)
		delete(a.subscribed, native)
	}

	a.restartLocked()
	return nil
}

// restartLocked tears down the current stream goroutine, waits for it to
// exit, and starts a new one for the present subscription set. The stream
// runs on the adapter's base context so it outlives the subscriber's call.
// Callers hold a.mu.
func (a *AlpacaAdapter) restartLocked() {
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
		// Join the old session so its Disconnected transition cannot
		// race the replacement's Connecting/Connected.
		<-a.streamDone
		a.streamDone = nil
	}

	if len(a.subscribed) == 0 {
		a.tracker.Disconnected()
		return
	}

	natives := make([]string, 0, len(a.subscribed))
	mapping := make(map[string]market.Symbol, len(a.subscribed))
	for native, sym := range a.subscribed {
		natives = append(natives, native)
		mapping[native] = sym
	}

	runCtx, cancel := context.WithCancel(a.baseCtx)
	done := make(chan struct{})
	a.cancel = cancel
	a.streamDone = done
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer close(done)
		a.run(runCtx, natives, mapping)
	}()
}

// run owns the connection lifecycle: each stream session runs until the
// connection dies, then the loop backs off and reconnects.
func (a *AlpacaAdapter) run(ctx context.Context, natives []string, mapping map[string]market.Symbol) {
	for {
		if ctx.Err() != nil {
			a.tracker.Disconnected()
			return
		}

		a.tracker.Connecting()
		a.emitState(StateConnecting, nil)

		err := a.stream(ctx, natives, mapping)
		if ctx.Err() != nil {
			a.tracker.Disconnected()
			a.emitState(StateDisconnected, nil)
			return
		}

		retries := a.tracker.Failed(err)
		a.emitState(StateBackoff, err)
		delay := a.backoff.Jittered(retries - 1)
		a.log.Warn().
			Err(err).
			Int("retries", retries).
			Dur("delay", delay).
			Msg("Stream lost, reconnecting after backoff")
		metrics.RecordReconnect(alpacaName)
		if !sleepWithContext(ctx, delay) {
			a.tracker.Disconnected()
			return
		}
	}
}

// stream runs one websocket session: dial, authenticate, subscribe, then
// consume messages until the connection breaks. The read loop is the only
// writer into the merged per-symbol quote state.
func (a *AlpacaAdapter) stream(ctx context.Context, natives []string, mapping map[string]market.Symbol) error {
	dialer := websocket.Dialer{HandshakeTimeout: alpacaHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, a.streamURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	conn.SetReadLimit(alpacaMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(alpacaReadWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(alpacaReadWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	// Unblock ReadMessage when the context is cancelled
	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-sessionDone:
		}
	}()

	if err := a.handshake(conn, natives); err != nil {
		return err
	}

	a.tracker.Connected()
	a.emitState(StateConnected, nil)
	a.log.Info().Int("symbols", len(natives)).Msg("Stream connected")

	last := make(map[string]market.Quote, len(mapping))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(alpacaReadWait))

		var msgs []alpacaMessage
		if err := json.Unmarshal(data, &msgs); err != nil {
			a.log.Debug().Err(err).Msg("Unparseable stream frame")
			continue
		}

		for i := range msgs {
			msg := &msgs[i]
			switch msg.Type {
			case "q", "t":
				q, ok := mergeTick(last, msg, mapping)
				if !ok {
					continue
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case a.events <- Event{Type: EventQuote, Provider: alpacaName, Quote: q}:
				default:
					metrics.RecordStreamDrop(alpacaName)
					a.log.Warn().Str("symbol", q.Symbol).Msg("Event buffer full, dropping quote")
				}
			case "error":
				return fmt.Errorf("stream error %d: %s", msg.Code, msg.Msg)
			case "success", "subscription":
				// control traffic after the handshake, nothing to do
			}
		}
	}
}

// handshake performs the connected/auth/subscribe exchange
func (a *AlpacaAdapter) handshake(conn *websocket.Conn, natives []string) error {
	if _, err := a.expect(conn, "connected"); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	auth := map[string]string{"action": "auth", "key": a.key, "secret": a.secret}
	if err := conn.WriteJSON(auth); err != nil {
		return fmt.Errorf("auth write: %w", err)
	}
	if _, err := a.expect(conn, "authenticated"); err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	sub := map[string]any{"action": "subscribe", "trades": natives, "quotes": natives}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe write: %w", err)
	}
	return nil
}

// expect reads one control frame and requires a success message with the
// given text; an error frame is surfaced with its code
func (a *AlpacaAdapter) expect(conn *websocket.Conn, msg string) ([]alpacaMessage, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var msgs []alpacaMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("control frame: %w", err)
	}
	for i := range msgs {
		switch msgs[i].Type {
		case "success":
			if msgs[i].Msg == msg {
				return msgs, nil
			}
		case "error":
			return nil, fmt.Errorf("server error %d: %s", msgs[i].Code, msgs[i].Msg)
		}
	}
	return nil, fmt.Errorf("expected %q, got %s", msg, string(data))
}

// mergeTick folds a trade or quote tick into the per-symbol merged state so
// emitted quotes always carry the latest price and book together.
func mergeTick(last map[string]market.Quote, msg *alpacaMessage, mapping map[string]market.Symbol) (market.Quote, bool) {
	sym, ok := mapping[msg.Symbol]
	if !ok {
		return market.Quote{}, false
	}

	q := last[msg.Symbol]
	q.Symbol = sym.ID
	q.Provider = alpacaName
	q.Timestamp = msg.Timestamp

	switch msg.Type {
	case "t":
		if msg.TradePrice > 0 {
			q.Price = msg.TradePrice
		}
		q.Volume += msg.TradeSize
	case "q":
		q.Bid = msg.BidPrice
		q.Ask = msg.AskPrice
		if q.Price == 0 {
			switch {
			case q.Bid > 0 && q.Ask > 0:
				q.Price = (q.Bid + q.Ask) / 2
			case q.Ask > 0:
				q.Price = q.Ask
			case q.Bid > 0:
				q.Price = q.Bid
			}
		}
	}

	last[msg.Symbol] = q
	if q.Price <= 0 {
		return market.Quote{}, false
	}
	return q, true
}

// QuoteOnce fetches the latest trade and quote over REST
func (a *AlpacaAdapter) QuoteOnce(ctx context.Context, symbol market.Symbol) (market.Quote, error) {
	native := a.catalog.Native(alpacaName, symbol.ID)

	var trade struct {
		Trade struct {
			Timestamp time.Time `json:"t"`
			Price     float64   `json:"p"`
			Size      float64   `json:"s"`
		} `json:"trade"`
	}
	if err := a.doGet(ctx, "/v2/stocks/"+native+"/trades/latest", nil, "trades_latest", &trade); err != nil {
		return market.Quote{}, err
	}
	if trade.Trade.Price <= 0 {
		return market.Quote{}, fmt.Errorf("%s: %w", symbol.ID, market.ErrNoData)
	}

	q := market.Quote{
		Symbol:    symbol.ID,
		Price:     trade.Trade.Price,
		Timestamp: trade.Trade.Timestamp,
		Provider:  alpacaName,
	}

	// Book snapshot is best effort; the trade already gives a usable quote
	var book struct {
		Quote struct {
			BidPrice float64 `json:"bp"`
			AskPrice float64 `json:"ap"`
		} `json:"quote"`
	}
	if err := a.doGet(ctx, "/v2/stocks/"+native+"/quotes/latest", nil, "quotes_latest", &book); err == nil {
		q.Bid = book.Quote.BidPrice
		q.Ask = book.Quote.AskPrice
	}

	return q, nil
}

// Candles fetches historical bars over REST
func (a *AlpacaAdapter) Candles(ctx context.Context, symbol market.Symbol, tf market.Timeframe, from, to time.Time, limit int) ([]market.Candle, error) {
	native := a.catalog.Native(alpacaName, symbol.ID)

	params := url.Values{}
	params.Set("timeframe", alpacaTimeframe(tf))
	if !from.IsZero() {
		params.Set("start", from.UTC().Format(time.RFC3339))
	}
	if !to.IsZero() {
		params.Set("end", to.UTC().Format(time.RFC3339))
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}

	var resp struct {
		Bars []struct {
			Timestamp time.Time `json:"t"`
			Open      float64   `json:"o"`
			High      float64   `json:"h"`
			Low       float64   `json:"l"`
			Close     float64   `json:"c"`
			Volume    float64   `json:"v"`
		} `json:"bars"`
	}
	if err := a.doGet(ctx, "/v2/stocks/"+native+"/bars", params, "bars", &resp); err != nil {
		return nil, err
	}
	if len(resp.Bars) == 0 {
		return nil, fmt.Errorf("%s %s: %w", symbol.ID, tf, market.ErrNoData)
	}

	out := make([]market.Candle, 0, len(resp.Bars))
	for _, bar := range resp.Bars {
		out = append(out, market.Candle{
			Symbol:    symbol.ID,
			Timeframe: tf,
			Open:      bar.Open,
			High:      bar.High,
			Low:       bar.Low,
			Close:     bar.Close,
			Volume:    bar.Volume,
			OpenTime:  bar.Timestamp,
		})
	}
	return out, nil
}

// Close stops the stream goroutine and closes the event channel
func (a *AlpacaAdapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.baseCancel()
	a.cancel = nil
	a.mu.Unlock()

	a.wg.Wait()
	close(a.events)
	a.tracker.Disconnected()
	return nil
}

func (a *AlpacaAdapter) emitState(state ConnectionState, err error) {
	select {
	case a.events <- Event{Type: EventState, Provider: alpacaName, State: state, Err: err}:
	default:
		metrics.RecordStreamDrop(alpacaName)
	}
}

// doGet performs an authenticated data API request and maps HTTP failures
// onto the typed market errors
func (a *AlpacaAdapter) doGet(ctx context.Context, path string, params url.Values, endpoint string, out any) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", market.ErrProviderUnavailable, err)
	}

	u := a.restURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", market.ErrProviderUnavailable, err)
	}
	req.Header.Set("APCA-API-KEY-ID", a.key)
	req.Header.Set("APCA-API-SECRET-KEY", a.secret)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := a.httpClient.Do(req)
	metrics.RecordProviderAPICall(alpacaName, endpoint, float64(time.Since(start).Milliseconds()), err)
	if err != nil {
		return fmt.Errorf("%w: %v", market.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", market.ErrRateLimited, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: status %d", market.ErrNoData, resp.StatusCode)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", market.ErrProviderUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode: %v", market.ErrProviderUnavailable, err)
	}
	return nil
}

// alpacaTimeframe maps a canonical timeframe onto Alpaca bar intervals
func alpacaTimeframe(tf market.Timeframe) string {
	switch tf {
	case market.TF1m:
		return "1Min"
	case market.TF5m:
		return "5Min"
	case market.TF15m:
		return "15Min"
	case market.TF1h:
		return "1Hour"
	case market.TF4h:
		return "4Hour"
	case market.TF1D:
		return "1Day"
	default:
		return "1Day"
	}
}
