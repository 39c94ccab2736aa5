// Package bus publishes normalized market updates to NATS so external
// consumers can ride the same feed the agent sees. Publishing is best
// effort: a lost connection drops messages with a warning and never stalls
// the quote path.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/quantdesk/quantdesk/internal/config"
	"github.com/quantdesk/quantdesk/internal/market"
	"github.com/quantdesk/quantdesk/internal/metrics"
)

const (
	quotePrefix  = "quantdesk.quotes."
	candlePrefix = "quantdesk.candles."

	// TypeQuote and TypeCandle discriminate envelope payloads.
	TypeQuote  = "quote"
	TypeCandle = "candle"
)

// Envelope is the wire frame for every bus message.
type Envelope struct {
	Type      string          `json:"type"`
	Symbol    string          `json:"symbol"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Quote decodes the payload of a quote envelope.
func (e Envelope) Quote() (market.Quote, error) {
	var q market.Quote
	if e.Type != TypeQuote {
		return q, fmt.Errorf("envelope is %q, not a quote", e.Type)
	}
	err := json.Unmarshal(e.Payload, &q)
	return q, err
}

// Candle decodes the payload of a candle envelope.
func (e Envelope) Candle() (market.Candle, error) {
	var c market.Candle
	if e.Type != TypeCandle {
		return c, fmt.Errorf("envelope is %q, not a candle", e.Type)
	}
	err := json.Unmarshal(e.Payload, &c)
	return c, err
}

// Publisher fans market updates out to NATS subjects:
// quantdesk.quotes.<SYMBOL> and quantdesk.candles.<SYMBOL>.<TF>.
type Publisher struct {
	nc  *nats.Conn
	log zerolog.Logger
}

// NewPublisher connects to the configured NATS server. Reconnects are
// unbounded; while disconnected, publishes are dropped.
func NewPublisher(cfg config.NATSConfig, log zerolog.Logger) (*Publisher, error) {
	busLog := log.With().Str("component", "bus").Logger()

	nc, err := nats.Connect(
		cfg.URL,
		nats.Name("quantdesk-server"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				busLog.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			busLog.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	busLog.Info().Str("url", cfg.URL).Msg("Market update bus connected")
	return &Publisher{nc: nc, log: busLog}, nil
}

// PublishQuote sends one quote to its per-symbol subject.
func (p *Publisher) PublishQuote(quote market.Quote) error {
	subject := quotePrefix + subjectToken(quote.Symbol)
	return p.publish(TypeQuote, quote.Symbol, subject, quote)
}

// PublishCandle sends one candle to its per-symbol, per-timeframe subject.
func (p *Publisher) PublishCandle(candle market.Candle) error {
	subject := candlePrefix + subjectToken(candle.Symbol) + "." + string(candle.Timeframe)
	return p.publish(TypeCandle, candle.Symbol, subject, candle)
}

func (p *Publisher) publish(kind, symbol, subject string, payload interface{}) error {
	if !p.nc.IsConnected() {
		return fmt.Errorf("bus not connected, dropping %s for %s", kind, symbol)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	data, err := json.Marshal(Envelope{
		Type:      kind,
		Symbol:    symbol,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	metrics.RecordBusPublish()
	return nil
}

// Run drains a data-manager quote listener channel into NATS until the
// context ends or the channel closes.
func (p *Publisher) Run(ctx context.Context, quotes <-chan market.Quote) {
	for {
		select {
		case <-ctx.Done():
			return
		case quote, ok := <-quotes:
			if !ok {
				return
			}
			if err := p.PublishQuote(quote); err != nil {
				p.log.Warn().Err(err).Str("symbol", quote.Symbol).Msg("Dropped quote publish")
			}
		}
	}
}

// RunCandles drains a candle listener channel into NATS.
func (p *Publisher) RunCandles(ctx context.Context, candles <-chan market.Candle) {
	for {
		select {
		case <-ctx.Done():
			return
		case candle, ok := <-candles:
			if !ok {
				return
			}
			if err := p.PublishCandle(candle); err != nil {
				p.log.Warn().Err(err).Str("symbol", candle.Symbol).Msg("Dropped candle publish")
			}
		}
	}
}

// SubscribeQuotes delivers decoded quote envelopes for one symbol, or for
// every symbol when called with "*".
func (p *Publisher) SubscribeQuotes(symbol string, handler func(Envelope)) (*nats.Subscription, error) {
	subject := quotePrefix + subjectToken(symbol)
	return p.subscribe(subject, handler)
}

// SubscribeCandles delivers decoded candle envelopes for one symbol and
// timeframe; "*" wildcards either token.
func (p *Publisher) SubscribeCandles(symbol, timeframe string, handler func(Envelope)) (*nats.Subscription, error) {
	subject := candlePrefix + subjectToken(symbol) + "." + timeframe
	return p.subscribe(subject, handler)
}

func (p *Publisher) subscribe(subject string, handler func(Envelope)) (*nats.Subscription, error) {
	sub, err := p.nc.Subscribe(subject, func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			p.log.Warn().Err(err).Str("subject", msg.Subject).Msg("Undecodable bus message")
			return
		}
		handler(env)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return sub, nil
}

// Close flushes and closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
		p.log.Info().Msg("Market update bus closed")
	}
}

// subjectToken makes a symbol safe as one NATS subject token. Dots are
// token separators, so BRK.B becomes BRK_B.
func subjectToken(symbol string) string {
	return strings.ReplaceAll(strings.ToUpper(symbol), ".", "_")
}
