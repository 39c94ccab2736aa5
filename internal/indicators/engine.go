// Package indicators computes technical indicators over candle series and
// classifies the latest values into trading signals.
package indicators

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/quantdesk/quantdesk/internal/config"
	"github.com/quantdesk/quantdesk/internal/market"
)

// Defaults applied when a caller passes period <= 0
const (
	DefaultRSIPeriod       = 14
	DefaultMACDFast        = 12
	DefaultMACDSlow        = 26
	DefaultMACDSignal      = 9
	DefaultBollingerPeriod = 20
	DefaultSMAPeriod       = 20
	DefaultEMAPeriod       = 20
	DefaultATRPeriod       = 14
	DefaultADXPeriod       = 14
)

// ErrInsufficientData reports fewer bars than an indicator needs
var ErrInsufficientData = errors.New("insufficient data")

// Engine computes indicators. Stateless; safe for concurrent use.
type Engine struct {
	log zerolog.Logger
}

// NewEngine creates an indicator engine
func NewEngine() *Engine {
	return &Engine{log: config.NewLogger("indicators")}
}

func insufficientData(name string, need, got int) error {
	return fmt.Errorf("%s needs at least %d bars, got %d: %w", name, need, got, ErrInsufficientData)
}

// Series splits candles into the high/low/close arrays indicators consume
func Series(candles []market.Candle) (highs, lows, closes []float64) {
	highs = make([]float64, len(candles))
	lows = make([]float64, len(candles))
	closes = make([]float64, len(candles))
	for i, c := range candles {
		highs[i] = c.High
		lows[i] = c.Low
		closes[i] = c.Close
	}
	return highs, lows, closes
}

// sliceToChan feeds a slice into the channel form the indicator library
// computes over
func sliceToChan(values []float64) chan float64 {
	c := make(chan float64, len(values))
	for _, v := range values {
		c <- v
	}
	close(c)
	return c
}

func collect(c <-chan float64) []float64 {
	var out []float64
	for v := range c {
		out = append(out, v)
	}
	return out
}
