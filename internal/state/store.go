// Package state keeps per-session conversation state: message history,
// watch-lists, settings, and the single-outstanding-turn guard. A janitor
// goroutine expires sessions that go idle.
package state

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quantdesk/quantdesk/internal/config"
	"github.com/quantdesk/quantdesk/internal/metrics"
)

const (
	defaultIdleTimeout   = 30 * time.Minute
	defaultSweepInterval = time.Minute
	defaultMaxHistory    = 40
)

// Store holds all live sessions keyed by ID. IDs are either generated
// (uuid) or supplied by the caller, e.g. "tg:<chatID>" for Telegram chats.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	idleTimeout   time.Duration
	sweepInterval time.Duration
	maxHistory    int

	stopOnce sync.Once
	stopChan chan struct{}
	log      zerolog.Logger
}

// NewStore creates a session store. maxHistory caps the retained
// conversation entries per session.
func NewStore(cfg config.SessionsConfig, maxHistory int, log zerolog.Logger) *Store {
	idle := cfg.GetIdleTimeout()
	if idle <= 0 {
		idle = defaultIdleTimeout
	}
	sweep := cfg.GetSweepInterval()
	if sweep <= 0 {
		sweep = defaultSweepInterval
	}
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	return &Store{
		sessions:      make(map[string]*Session),
		idleTimeout:   idle,
		sweepInterval: sweep,
		maxHistory:    maxHistory,
		stopChan:      make(chan struct{}),
		log:           log.With().Str("component", "sessions").Logger(),
	}
}

// GetOrCreate returns the session for id, creating it if needed. An empty
// id gets a generated uuid.
func (st *Store) GetOrCreate(id string) *Session {
	if id == "" {
		id = uuid.New().String()
	}

	st.mu.RLock()
	sess, ok := st.sessions[id]
	st.mu.RUnlock()
	if ok {
		return sess
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if sess, ok := st.sessions[id]; ok {
		return sess
	}
	sess = newSession(id, st.maxHistory, time.Now())
	st.sessions[id] = sess
	metrics.UpdateActiveSessions(len(st.sessions))
	st.log.Debug().Str("session_id", id).Msg("Session created")
	return sess
}

// Get returns the session for id or ErrSessionNotFound.
func (st *Store) Get(id string) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	sess, ok := st.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// End removes the session for id.
func (st *Store) End(id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(st.sessions, id)
	metrics.UpdateActiveSessions(len(st.sessions))
	st.log.Debug().Str("session_id", id).Msg("Session ended")
	return nil
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// Run sweeps idle sessions until the context is cancelled or Close is
// called. Meant to run as a goroutine from the composition root.
func (st *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(st.sweepInterval)
	defer ticker.Stop()

	st.log.Info().
		Dur("idle_timeout", st.idleTimeout).
		Dur("sweep_interval", st.sweepInterval).
		Msg("Session janitor started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-st.stopChan:
			return
		case <-ticker.C:
			st.sweep(time.Now())
		}
	}
}

// Close stops the janitor. Safe to call more than once.
func (st *Store) Close() {
	st.stopOnce.Do(func() { close(st.stopChan) })
}

// sweep removes sessions idle past the timeout and returns how many were
// dropped. Sessions with a turn in flight are kept.
func (st *Store) sweep(now time.Time) int {
	cutoff := now.Add(-st.idleTimeout)

	st.mu.Lock()
	defer st.mu.Unlock()

	removed := 0
	for id, sess := range st.sessions {
		if sess.idleSince(cutoff) {
			delete(st.sessions, id)
			removed++
			st.log.Debug().Str("session_id", id).Msg("Session expired")
		}
	}
	if removed > 0 {
		metrics.UpdateActiveSessions(len(st.sessions))
		st.log.Info().Int("removed", removed).Int("remaining", len(st.sessions)).Msg("Swept idle sessions")
	}
	return removed
}
