package data

import (
	"context"
	"fmt"
	"time"

	"github.com/quantdesk/quantdesk/internal/market"
	"github.com/quantdesk/quantdesk/internal/metrics"
)

const defaultCandleLimit = 500

// GetCandles serves a candle window, backfilling from the persisted store
// and then the provider REST API when the in-memory series does not cover
// it. Merging is keyed on (symbol, timeframe, open time), so repeating the
// same backfill never duplicates bars. Returns the most recent limit bars
// within the window.
func (m *Manager) GetCandles(ctx context.Context, symbol string, tf market.Timeframe, from, to time.Time, limit int) ([]market.Candle, error) {
	sym := m.catalog.Lookup(symbol)

	if limit <= 0 {
		limit = defaultCandleLimit
	}
	if to.IsZero() {
		to = time.Now().UTC()
	}
	if from.IsZero() {
		from = to.Add(-time.Duration(limit) * tf.Duration())
	}
	if from.After(to) {
		return nil, fmt.Errorf("candle range starts after it ends: %s > %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}

	var fetchErr error
	if !m.covered(sym.ID, tf, from, to) {
		m.loadFromStore(ctx, sym.ID, tf, from, to, limit)
		if !m.covered(sym.ID, tf, from, to) {
			fetchErr = m.backfillFromProvider(ctx, sym, tf, from, to, limit)
		}
	}

	out := m.candles.Range(sym.ID, tf, from, to)
	if len(out) == 0 {
		if fetchErr != nil {
			return nil, fetchErr
		}
		return nil, fmt.Errorf("%w: no candles for %s %s", market.ErrNoData, sym.ID, tf)
	}
	if fetchErr != nil {
		// Degrade: partial history beats no answer.
		m.log.Debug().Err(fetchErr).Str("symbol", sym.ID).Msg("Serving cached candles, backfill failed")
	}
	return tail(out, limit), nil
}

// covered reports whether the cached series spans [from, to]: the head
// must reach back to from and the newest bar's interval must touch to.
func (m *Manager) covered(symbol string, tf market.Timeframe, from, to time.Time) bool {
	earliest, ok := m.candles.Earliest(symbol, tf)
	if !ok || earliest.After(from) {
		return false
	}
	latest, ok := m.candles.Latest(symbol, tf)
	if !ok {
		return false
	}
	return !latest.Add(tf.Duration()).Before(to)
}

// loadFromStore merges persisted bars into the cache. Store failures only
// degrade to provider backfill.
func (m *Manager) loadFromStore(ctx context.Context, symbol string, tf market.Timeframe, from, to time.Time, limit int) {
	if m.store == nil {
		return
	}
	stored, err := m.store.LoadCandles(ctx, symbol, tf, from, to, limit)
	if err != nil {
		m.log.Warn().Err(err).Str("symbol", symbol).Msg("Candle store load failed")
		return
	}
	if len(stored) == 0 {
		return
	}
	inserted := m.candles.Merge(stored)
	metrics.RecordCandlesMerged(string(tf), inserted)
	metrics.RecordCandleBackfill("store")
	m.log.Debug().
		Str("symbol", symbol).
		Str("timeframe", string(tf)).
		Int("loaded", len(stored)).
		Int("inserted", inserted).
		Msg("Backfilled candles from store")
}

// backfillFromProvider fetches the window over the adapter's REST API and
// merges it. Newly inserted bars fan out to candle listeners and persist
// asynchronously.
func (m *Manager) backfillFromProvider(ctx context.Context, sym market.Symbol, tf market.Timeframe, from, to time.Time, limit int) error {
	adapter, ok := m.byClass[sym.Class]
	if !ok {
		return fmt.Errorf("%w: no provider for %s (%s)", market.ErrProviderUnavailable, sym.ID, sym.Class)
	}

	fetched, err := adapter.Candles(ctx, sym, tf, from, to, limit)
	if err != nil {
		return err // adapters return the typed errors already
	}
	if len(fetched) == 0 {
		return nil
	}

	inserted := m.candles.Merge(fetched)
	metrics.RecordCandlesMerged(string(tf), inserted)
	metrics.RecordCandleBackfill("provider")
	m.log.Debug().
		Str("symbol", sym.ID).
		Str("timeframe", string(tf)).
		Int("fetched", len(fetched)).
		Int("inserted", inserted).
		Msg("Backfilled candles from provider")

	if inserted > 0 {
		m.fanOutCandles(fetched)
		if m.store != nil {
			m.wg.Add(1)
			go m.persistCandles(fetched)
		}
	}
	return nil
}

// persistCandles writes backfilled bars to the store, best effort.
func (m *Manager) persistCandles(candles []market.Candle) {
	defer m.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if _, err := m.store.AppendCandles(ctx, candles); err != nil {
		m.log.Warn().Err(err).Int("bars", len(candles)).Msg("Failed to persist backfilled candles")
	}
}

func tail(candles []market.Candle, limit int) []market.Candle {
	if len(candles) <= limit {
		return candles
	}
	return candles[len(candles)-limit:]
}
