package indicators

import (
	"errors"
	"testing"
)

func risingSeries(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

func fallingSeries(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start - float64(i)*step
	}
	return out
}

func TestRSISignals(t *testing.T) {
	engine := NewEngine()

	tests := []struct {
		name           string
		closes         []float64
		expectedSignal string
	}{
		{
			name:           "strong uptrend is overbought",
			closes:         risingSeries(16, 10, 2),
			expectedSignal: "overbought",
		},
		{
			name:           "strong downtrend is oversold",
			closes:         fallingSeries(16, 40, 2),
			expectedSignal: "oversold",
		},
		{
			name: "sideways market is neutral",
			closes: []float64{
				20.0, 21.0, 20.5, 20.0, 21.0, 20.5, 20.0, 21.0,
				20.5, 20.0, 21.0, 20.5, 20.0, 21.0, 20.5, 20.0,
			},
			expectedSignal: "neutral",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := engine.RSI(tt.closes, 14)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if result.Value < 0 || result.Value > 100 {
				t.Errorf("RSI %.2f out of [0, 100]", result.Value)
			}
			if result.Signal != tt.expectedSignal {
				t.Errorf("Expected signal %s, got %s (RSI: %.2f)", tt.expectedSignal, result.Signal, result.Value)
			}
			if result.Period != 14 {
				t.Errorf("Expected period 14, got %d", result.Period)
			}
		})
	}
}

func TestRSIDefaults(t *testing.T) {
	engine := NewEngine()

	result, err := engine.RSI(risingSeries(30, 50, 0.5), 0)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if result.Period != DefaultRSIPeriod {
		t.Errorf("Expected default period %d, got %d", DefaultRSIPeriod, result.Period)
	}
}

func TestRSIInsufficientData(t *testing.T) {
	engine := NewEngine()

	_, err := engine.RSI(risingSeries(10, 10, 1), 14)
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !errors.Is(err, ErrInsufficientData) {
		t.Errorf("Expected ErrInsufficientData, got %v", err)
	}

	if _, err := engine.RSI(nil, 14); !errors.Is(err, ErrInsufficientData) {
		t.Errorf("Expected ErrInsufficientData for empty series, got %v", err)
	}
}
