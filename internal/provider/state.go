package provider

import (
	"sync"

	"github.com/quantdesk/quantdesk/internal/metrics"
)

// ConnectionState describes where an adapter's streaming connection is in its
// lifecycle.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateBackoff
)

// String returns the lowercase state name
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Tracker holds an adapter's connection state and consecutive failure count.
// The failure count drives the reconnect backoff and resets once a connection
// is established.
type Tracker struct {
	mu       sync.RWMutex
	provider string
	state    ConnectionState
	retries  int
	lastErr  error
}

// NewTracker creates a tracker starting in the disconnected state
func NewTracker(provider string) *Tracker {
	t := &Tracker{provider: provider, state: StateDisconnected}
	metrics.SetAdapterState(provider, float64(StateDisconnected))
	return t
}

// State returns the current connection state
func (t *Tracker) State() ConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Retries returns the consecutive failure count
func (t *Tracker) Retries() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.retries
}

// LastError returns the most recent connection error, if any
func (t *Tracker) LastError() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastErr
}

// Connecting marks the adapter as attempting a connection
func (t *Tracker) Connecting() {
	t.set(StateConnecting)
}

// Connected marks the adapter as connected and resets the failure count
func (t *Tracker) Connected() {
	t.mu.Lock()
	t.state = StateConnected
	t.retries = 0
	t.lastErr = nil
	t.mu.Unlock()
	metrics.SetAdapterState(t.provider, float64(StateConnected))
}

// Failed records a failed attempt or lost connection, increments the failure
// count, and moves the adapter into backoff. It returns the new count.
func (t *Tracker) Failed(err error) int {
	t.mu.Lock()
	t.state = StateBackoff
	t.retries++
	if err != nil {
		t.lastErr = err
	}
	n := t.retries
	t.mu.Unlock()
	metrics.SetAdapterState(t.provider, float64(StateBackoff))
	return n
}

// Disconnected marks the adapter as shut down
func (t *Tracker) Disconnected() {
	t.set(StateDisconnected)
}

func (t *Tracker) set(s ConnectionState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
	metrics.SetAdapterState(t.provider, float64(s))
}
