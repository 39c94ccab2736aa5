package market

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

const quoteShardCount = 16

// QuoteCache holds the latest quote per symbol behind sharded locks. Adapters
// are the sole writers (through Apply); everything else only reads. Apply
// enforces non-decreasing timestamps per symbol, so a flaky adapter that
// delivers out of order can never regress the cache.
type QuoteCache struct {
	shards [quoteShardCount]quoteShard
}

type quoteShard struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewQuoteCache creates an empty quote cache.
func NewQuoteCache() *QuoteCache {
	c := &QuoteCache{}
	for i := range c.shards {
		c.shards[i].quotes = make(map[string]Quote)
	}
	return c
}

func (c *QuoteCache) shard(symbol string) *quoteShard {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return &c.shards[h.Sum32()%quoteShardCount]
}

// Apply stores the quote unless a newer one is already cached. Returns true
// if the cache was updated, false if the quote was dropped as stale.
func (c *QuoteCache) Apply(q Quote) bool {
	s := c.shard(q.Symbol)
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.quotes[q.Symbol]; ok && existing.Timestamp.After(q.Timestamp) {
		return false
	}
	s.quotes[q.Symbol] = q
	return true
}

// Get returns the cached quote for a symbol, if any.
func (c *QuoteCache) Get(symbol string) (Quote, bool) {
	s := c.shard(symbol)
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[symbol]
	return q, ok
}

// Len returns the number of cached symbols.
func (c *QuoteCache) Len() int {
	n := 0
	for i := range c.shards {
		c.shards[i].mu.RLock()
		n += len(c.shards[i].quotes)
		c.shards[i].mu.RUnlock()
	}
	return n
}

// CandleCache holds ordered candle series keyed by (symbol, timeframe).
// Merging is idempotent: candles are deduplicated on their OpenTime, so
// re-applying the same backfill range never grows the series.
type CandleCache struct {
	mu        sync.RWMutex
	series    map[candleKey][]Candle
	maxPerKey int
}

type candleKey struct {
	symbol    string
	timeframe Timeframe
}

// NewCandleCache creates a candle cache that retains at most maxPerKey bars
// per (symbol, timeframe), trimming the oldest when the cap is exceeded.
func NewCandleCache(maxPerKey int) *CandleCache {
	if maxPerKey <= 0 {
		maxPerKey = 1000
	}
	return &CandleCache{
		series:    make(map[candleKey][]Candle),
		maxPerKey: maxPerKey,
	}
}

// Merge inserts candles into their series, deduplicating by OpenTime and
// keeping each series sorted ascending. Returns the number of newly inserted
// bars. Bars that already exist are replaced in place (a re-fetched bar may
// carry a corrected close) without changing the series length.
func (c *CandleCache) Merge(candles []Candle) int {
	if len(candles) == 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	inserted := 0
	touched := make(map[candleKey]bool)

	for _, bar := range candles {
		key := candleKey{symbol: bar.Symbol, timeframe: bar.Timeframe}
		series := c.series[key]

		idx := sort.Search(len(series), func(i int) bool {
			return !series[i].OpenTime.Before(bar.OpenTime)
		})
		if idx < len(series) && series[idx].OpenTime.Equal(bar.OpenTime) {
			series[idx] = bar
			continue
		}

		series = append(series, Candle{})
		copy(series[idx+1:], series[idx:])
		series[idx] = bar
		c.series[key] = series
		inserted++
		touched[key] = true
	}

	for key := range touched {
		if series := c.series[key]; len(series) > c.maxPerKey {
			c.series[key] = append([]Candle(nil), series[len(series)-c.maxPerKey:]...)
		}
	}

	return inserted
}

// Range returns the cached candles for a symbol/timeframe within [from, to].
// A zero to means no upper bound.
func (c *CandleCache) Range(symbol string, tf Timeframe, from, to time.Time) []Candle {
	c.mu.RLock()
	defer c.mu.RUnlock()

	series := c.series[candleKey{symbol: symbol, timeframe: tf}]
	out := make([]Candle, 0, len(series))
	for _, bar := range series {
		if bar.OpenTime.Before(from) {
			continue
		}
		if !to.IsZero() && bar.OpenTime.After(to) {
			break
		}
		out = append(out, bar)
	}
	return out
}

// Earliest reports the open time of the oldest cached bar for the series.
func (c *CandleCache) Earliest(symbol string, tf Timeframe) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	series := c.series[candleKey{symbol: symbol, timeframe: tf}]
	if len(series) == 0 {
		return time.Time{}, false
	}
	return series[0].OpenTime, true
}

// Latest reports the open time of the newest cached bar for the series.
func (c *CandleCache) Latest(symbol string, tf Timeframe) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	series := c.series[candleKey{symbol: symbol, timeframe: tf}]
	if len(series) == 0 {
		return time.Time{}, false
	}
	return series[len(series)-1].OpenTime, true
}

// SeriesLen returns the number of cached bars for a series.
func (c *CandleCache) SeriesLen(symbol string, tf Timeframe) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.series[candleKey{symbol: symbol, timeframe: tf}])
}
