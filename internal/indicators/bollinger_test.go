package indicators

import (
	"errors"
	"testing"
)

// oscillatingSeries alternates between two levels so the bands have width
func oscillatingSeries(n int, low, high float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = low
		} else {
			out[i] = high
		}
	}
	return out
}

func TestBollingerBandStructure(t *testing.T) {
	engine := NewEngine()

	result, err := engine.Bollinger(oscillatingSeries(30, 100, 102), 20)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if result.Upper <= result.Middle {
		t.Errorf("Upper band %.2f should be above middle %.2f", result.Upper, result.Middle)
	}
	if result.Middle <= result.Lower {
		t.Errorf("Middle band %.2f should be above lower %.2f", result.Middle, result.Lower)
	}
	if result.Width <= 0 {
		t.Errorf("Expected positive band width, got %.4f", result.Width)
	}
}

func TestBollingerSignals(t *testing.T) {
	engine := NewEngine()

	flat := func(n int, v float64) []float64 {
		out := make([]float64, n)
		for i := range out {
			out[i] = v
		}
		return out
	}

	tests := []struct {
		name   string
		closes []float64
		want   string
	}{
		{
			name:   "crash below lower band",
			closes: append(flat(24, 100), 80),
			want:   "buy",
		},
		{
			name:   "spike above upper band",
			closes: append(flat(24, 100), 120),
			want:   "sell",
		},
		{
			name:   "price inside bands",
			closes: oscillatingSeries(30, 100, 102),
			want:   "neutral",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := engine.Bollinger(tt.closes, 20)
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if result.Signal != tt.want {
				t.Errorf("Expected %s signal, got %s (price %.2f bands %.2f/%.2f/%.2f)",
					tt.want, result.Signal, tt.closes[len(tt.closes)-1],
					result.Lower, result.Middle, result.Upper)
			}
		})
	}
}

func TestBollingerInsufficientData(t *testing.T) {
	engine := NewEngine()

	_, err := engine.Bollinger(risingSeries(10, 100, 1), 20)
	if !errors.Is(err, ErrInsufficientData) {
		t.Errorf("Expected ErrInsufficientData, got %v", err)
	}
}

func TestBollingerDefaults(t *testing.T) {
	engine := NewEngine()

	result, err := engine.Bollinger(oscillatingSeries(25, 99, 101), 0)
	if err != nil {
		t.Fatalf("Defaults should apply to zero period: %v", err)
	}
	if result.Middle == 0 {
		t.Error("Expected non-zero middle band")
	}
}
