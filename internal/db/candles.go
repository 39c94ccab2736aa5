package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"

	"github.com/quantdesk/quantdesk/internal/market"
	"github.com/quantdesk/quantdesk/internal/metrics"
)

// Querier is the slice of pgxpool.Pool the candle store uses. pgxmock
// satisfies it, which keeps the store testable without a live database.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// CandleStore persists OHLCV bars. The uniqueness key is
// (symbol, timeframe, open_time), so re-ingesting a window is idempotent.
type CandleStore struct {
	q Querier
}

// NewCandleStore creates a candle store over an existing pool or mock
func NewCandleStore(q Querier) *CandleStore {
	return &CandleStore{q: q}
}

const insertCandleSQL = `
	INSERT INTO candles (symbol, timeframe, open, high, low, close, volume, open_time)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (symbol, timeframe, open_time) DO NOTHING
`

const selectCandlesSQL = `
	SELECT symbol, timeframe, open, high, low, close, volume, open_time
	FROM candles
	WHERE symbol = $1 AND timeframe = $2 AND open_time >= $3 AND open_time <= $4
	ORDER BY open_time ASC
	LIMIT $5
`

const latestOpenTimeSQL = `
	SELECT COALESCE(MAX(open_time), 'epoch'::timestamptz)
	FROM candles
	WHERE symbol = $1 AND timeframe = $2
`

// AppendCandles inserts candles, skipping bars already present. Returns the
// number of new rows.
func (s *CandleStore) AppendCandles(ctx context.Context, candles []market.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}

	start := time.Now()
	inserted := 0
	for _, c := range candles {
		tag, err := s.q.Exec(ctx, insertCandleSQL,
			c.Symbol,
			string(c.Timeframe),
			c.Open,
			c.High,
			c.Low,
			c.Close,
			c.Volume,
			c.OpenTime.UTC(),
		)
		if err != nil {
			return inserted, fmt.Errorf("failed to insert candle %s %s %s: %w",
				c.Symbol, c.Timeframe, c.OpenTime.UTC().Format(time.RFC3339), err)
		}
		inserted += int(tag.RowsAffected())
	}
	metrics.RecordDatabaseQuery("insert_candle", float64(time.Since(start).Milliseconds()))

	log.Debug().
		Int("candles", len(candles)).
		Int("inserted", inserted).
		Str("symbol", candles[0].Symbol).
		Str("timeframe", string(candles[0].Timeframe)).
		Msg("Candles appended")

	return inserted, nil
}

// LoadCandles returns stored bars for the window in ascending open-time
// order. Zero bounds default to all history; limit <= 0 means the store cap.
func (s *CandleStore) LoadCandles(ctx context.Context, symbol string, tf market.Timeframe, from, to time.Time, limit int) ([]market.Candle, error) {
	if from.IsZero() {
		from = time.Unix(0, 0)
	}
	if to.IsZero() {
		to = time.Now().Add(24 * time.Hour)
	}
	if limit <= 0 {
		limit = 10000
	}

	start := time.Now()
	rows, err := s.q.Query(ctx, selectCandlesSQL, symbol, string(tf), from.UTC(), to.UTC(), limit)
	metrics.RecordDatabaseQuery("select_candles", float64(time.Since(start).Milliseconds()))
	if err != nil {
		return nil, fmt.Errorf("failed to load candles for %s %s: %w", symbol, tf, err)
	}
	defer rows.Close()

	var out []market.Candle
	for rows.Next() {
		var c market.Candle
		var tfStr string
		if err := rows.Scan(&c.Symbol, &tfStr, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.OpenTime); err != nil {
			return nil, fmt.Errorf("failed to scan candle row: %w", err)
		}
		c.Timeframe = market.Timeframe(tfStr)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read candle rows: %w", err)
	}

	return out, nil
}

// LatestOpenTime returns the newest stored bar's open time, or the zero
// epoch when the series is empty. Backfill uses it as its watermark.
func (s *CandleStore) LatestOpenTime(ctx context.Context, symbol string, tf market.Timeframe) (time.Time, error) {
	var latest time.Time
	err := s.q.QueryRow(ctx, latestOpenTimeSQL, symbol, string(tf)).Scan(&latest)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get latest open time for %s %s: %w", symbol, tf, err)
	}
	return latest, nil
}

// Health checks store connectivity
func (s *CandleStore) Health(ctx context.Context) error {
	return s.q.Ping(ctx)
}
