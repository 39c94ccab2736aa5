package provider

import (
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: the deterministic part doubles on each
// consecutive failure up to Max, and a small random jitter is added on top so
// restarting adapters don't reconnect in lockstep.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration
}

// DefaultBackoff returns the standard reconnect policy
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   time.Second,
		Max:    time.Minute,
		Jitter: 250 * time.Millisecond,
	}
}

// Delay returns the deterministic delay for the given consecutive failure
// count: min(Base * 2^retries, Max).
func (b Backoff) Delay(retries int) time.Duration {
	if b.Base <= 0 {
		b.Base = time.Second
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	if retries < 0 {
		retries = 0
	}
	// Cap the shift; past this point the doubling has long exceeded any
	// reasonable Max anyway.
	if retries > 30 {
		retries = 30
	}

	d := b.Base << uint(retries)
	if d <= 0 || d > b.Max {
		d = b.Max
	}
	return d
}

// Jittered returns Delay plus a random jitter in [0, Jitter)
func (b Backoff) Jittered(retries int) time.Duration {
	d := b.Delay(retries)
	if b.Jitter <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(b.Jitter)))
}
