// Package provider contains the market data provider adapters. Each adapter
// owns one streaming connection, translates vendor payloads into canonical
// quotes, and reports connection lifecycle changes through its event channel.
// Adapters never surface vendor error types to callers; failures map onto the
// sentinel errors in the market package.
package provider

import (
	"context"
	"time"

	"github.com/quantdesk/quantdesk/internal/market"
)

// EventType discriminates adapter events
type EventType int

const (
	// EventQuote carries a fresh quote from the stream
	EventQuote EventType = iota
	// EventState signals a connection lifecycle change
	EventState
)

// Event is the envelope adapters push into their bounded event channel.
// The data manager is the only consumer.
type Event struct {
	Type     EventType
	Provider string
	Quote    market.Quote
	State    ConnectionState
	Err      error
}

// Adapter is the contract every market data provider implements
type Adapter interface {
	// Name identifies the provider in logs, metrics, and quote attribution
	Name() string

	// Class reports which symbol class this adapter serves
	Class() market.Class

	// Subscribe replaces the streamed symbol set with the given one and
	// (re)starts the stream goroutine. ctx bounds the subscribe call
	// only: the stream itself lives until the set is emptied by
	// Unsubscribe or the adapter is closed.
	Subscribe(ctx context.Context, symbols []market.Symbol) error

	// Unsubscribe removes symbols from the streamed set
	Unsubscribe(ctx context.Context, symbols []market.Symbol) error

	// Events returns the adapter's event channel
	Events() <-chan Event

	// State returns the current connection state
	State() ConnectionState

	// QuoteOnce fetches a single quote over REST, bypassing the stream
	QuoteOnce(ctx context.Context, symbol market.Symbol) (market.Quote, error)

	// Candles fetches historical bars over REST
	Candles(ctx context.Context, symbol market.Symbol, tf market.Timeframe, from, to time.Time, limit int) ([]market.Candle, error)

	// Close stops the stream and releases the event channel
	Close() error
}

// sleepWithContext waits for d or until ctx is done, reporting whether the
// full duration elapsed.
func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
