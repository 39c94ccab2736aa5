package tools

import "errors"

var (
	// ErrUnknownTool reports a call to a name outside the fixed registry
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidToolArgs reports arguments rejected by the tool's schema.
	// Never retried; the failure text becomes the tool observation.
	ErrInvalidToolArgs = errors.New("invalid tool arguments")

	// ErrToolTimeout reports a tool call that exceeded its per-call budget
	ErrToolTimeout = errors.New("tool timed out")
)
