package state

import "errors"

var (
	// ErrSessionNotFound is returned when a lookup references a session
	// that does not exist or has already been ended.
	ErrSessionNotFound = errors.New("session not found")

	// ErrTurnActive is returned by BeginTurn when the session already has
	// an outstanding turn in flight.
	ErrTurnActive = errors.New("turn already active")
)
