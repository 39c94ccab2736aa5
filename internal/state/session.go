package state

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quantdesk/quantdesk/internal/llm"
	"github.com/quantdesk/quantdesk/internal/market"
)

// Session is the per-conversation state: bounded message history, a
// watch-list, user settings, and the single-turn guard. All access goes
// through methods serialized by the session mutex, so a Session can be
// shared between the agent loop, the API layer, and the janitor.
type Session struct {
	id string

	mu         sync.Mutex
	history    []llm.Message
	maxHistory int
	watchlist  map[string]struct{}
	timeframe  market.Timeframe
	model      string
	turnActive bool
	createdAt  time.Time
	lastActive time.Time
}

func newSession(id string, maxHistory int, now time.Time) *Session {
	return &Session{
		id:         id,
		maxHistory: maxHistory,
		watchlist:  make(map[string]struct{}),
		timeframe:  market.TF1D,
		createdAt:  now,
		lastActive: now,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

// LastActive returns the time of the most recent session activity.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// BeginTurn claims the session for one agent turn. A second call before
// EndTurn or AbortTurn fails with ErrTurnActive so concurrent queries for
// the same session never interleave history writes.
func (s *Session) BeginTurn() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turnActive {
		return ErrTurnActive
	}
	s.turnActive = true
	s.lastActive = time.Now()
	return nil
}

// EndTurn releases the turn guard and appends the exchange to history.
func (s *Session) EndTurn(query, answer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turnActive = false
	s.lastActive = time.Now()
	s.appendLocked(llm.UserMessage(query))
	s.appendLocked(llm.AssistantMessage(answer))
}

// AbortTurn releases the turn guard without recording anything. Used when
// a turn fails or is cancelled so session state stays as it was.
func (s *Session) AbortTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turnActive = false
	s.lastActive = time.Now()
}

// TurnActive reports whether a turn is currently in flight.
func (s *Session) TurnActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnActive
}

// History returns a copy of the retained conversation messages, oldest
// first.
func (s *Session) History() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Message, len(s.history))
	copy(out, s.history)
	return out
}

// appendLocked adds one message and drops the oldest entries beyond the
// retention bound. Callers hold s.mu.
func (s *Session) appendLocked(msg llm.Message) {
	s.history = append(s.history, msg)
	if s.maxHistory > 0 && len(s.history) > s.maxHistory {
		overflow := len(s.history) - s.maxHistory
		s.history = append(s.history[:0], s.history[overflow:]...)
	}
}

// Watch adds a symbol to the watch-list. Returns false when it was
// already present.
func (s *Session) Watch(symbol string) bool {
	symbol = normalizeSymbol(symbol)
	if symbol == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()
	if _, ok := s.watchlist[symbol]; ok {
		return false
	}
	s.watchlist[symbol] = struct{}{}
	return true
}

// Unwatch removes a symbol from the watch-list. Returns false when it was
// not present.
func (s *Session) Unwatch(symbol string) bool {
	symbol = normalizeSymbol(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()
	if _, ok := s.watchlist[symbol]; !ok {
		return false
	}
	delete(s.watchlist, symbol)
	return true
}

// Watchlist returns the watched symbols in sorted order.
func (s *Session) Watchlist() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.watchlist))
	for symbol := range s.watchlist {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// SetTimeframe updates the session's default chart timeframe.
func (s *Session) SetTimeframe(tf market.Timeframe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeframe = tf
	s.lastActive = time.Now()
}

// Timeframe returns the session's default chart timeframe.
func (s *Session) Timeframe() market.Timeframe {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeframe
}

// SetModel sets a per-session LLM model override. Empty clears it.
func (s *Session) SetModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = strings.TrimSpace(model)
	s.lastActive = time.Now()
}

// Model returns the per-session LLM model override, empty when unset.
func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// idleSince reports whether the session has been inactive past the cutoff.
// Sessions with a turn in flight are never idle.
func (s *Session) idleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.turnActive && s.lastActive.Before(cutoff)
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
