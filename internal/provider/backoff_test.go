package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayGrowth(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: 5 * time.Second}

	tests := []struct {
		name     string
		retries  int
		expected time.Duration
	}{
		{"first attempt", 0, 100 * time.Millisecond},
		{"second attempt", 1, 200 * time.Millisecond},
		{"third attempt", 2, 400 * time.Millisecond},
		{"fourth attempt", 3, 800 * time.Millisecond},
		{"capped", 10, 5 * time.Second},
		{"far past cap", 40, 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, b.Delay(tt.retries))
		})
	}
}

func TestDelayNonDecreasing(t *testing.T) {
	b := Backoff{Base: 50 * time.Millisecond, Max: 2 * time.Second}

	prev := time.Duration(0)
	for retries := 0; retries < 32; retries++ {
		d := b.Delay(retries)
		assert.GreaterOrEqual(t, d, prev, "delay shrank at retry %d", retries)
		assert.LessOrEqual(t, d, b.Max)
		prev = d
	}
}

func TestDelayDefaults(t *testing.T) {
	var b Backoff

	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, time.Minute, b.Delay(20))
}

func TestDelayNegativeRetries(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}

	assert.Equal(t, 100*time.Millisecond, b.Delay(-1))
}

func TestJitteredBounds(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: 5 * time.Second, Jitter: 50 * time.Millisecond}

	for retries := 0; retries < 8; retries++ {
		base := b.Delay(retries)
		for i := 0; i < 20; i++ {
			d := b.Jittered(retries)
			assert.GreaterOrEqual(t, d, base)
			assert.Less(t, d, base+50*time.Millisecond)
		}
	}
}

func TestJitteredWithoutJitter(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}

	assert.Equal(t, b.Delay(3), b.Jittered(3))
}
