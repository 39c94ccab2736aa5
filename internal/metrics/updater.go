package metrics

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Updater periodically refreshes gauges that are derived from the candle
// store rather than pushed by request paths.
type Updater struct {
	db       *pgxpool.Pool
	interval time.Duration
	stopCh   chan struct{}
}

// NewUpdater creates a new metrics updater
func NewUpdater(db *pgxpool.Pool, interval time.Duration) *Updater {
	return &Updater{
		db:       db,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the metrics update loop
func (u *Updater) Start(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	// Update immediately on start
	u.update(ctx)

	for {
		select {
		case <-ticker.C:
			u.update(ctx)
		case <-u.stopCh:
			log.Info().Msg("Metrics updater stopped")
			return
		case <-ctx.Done():
			log.Info().Msg("Metrics updater context cancelled")
			return
		}
	}
}

// Stop stops the metrics updater
func (u *Updater) Stop() {
	close(u.stopCh)
}

// update fetches and updates all metrics
func (u *Updater) update(ctx context.Context) {
	log.Debug().Msg("Updating metrics from database")

	u.updateCandleMetrics(ctx)
	u.updatePoolMetrics()

	log.Debug().Msg("Metrics updated successfully")
}

// updateCandleMetrics updates candle store size gauges
func (u *Updater) updateCandleMetrics(ctx context.Context) {
	var rows, symbols int64

	query := `
		SELECT
			COUNT(*) as rows,
			COUNT(DISTINCT symbol) as symbols
		FROM candles
	`

	err := u.db.QueryRow(ctx, query).Scan(&rows, &symbols)
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch candle store metrics")
		return
	}

	CandleRowsStored.Set(float64(rows))
	CandleSymbolsTracked.Set(float64(symbols))
}

// updatePoolMetrics updates connection pool gauges
func (u *Updater) updatePoolMetrics() {
	stats := u.db.Stat()
	UpdateDatabaseConnections(stats.AcquiredConns(), stats.IdleConns())
}
