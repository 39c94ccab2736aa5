package agent

import (
	"encoding/json"
	"time"
)

// ToolCall records one tool invocation inside a turn: what was asked,
// what came back, and how long it took. Error and Result are mutually
// exclusive.
type ToolCall struct {
	ID        string          `json:"id"`
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
	Result    string          `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Elapsed   time.Duration   `json:"elapsed"`
}

// Turn is the full record of one agent exchange: the query, the final
// answer, and every tool call made along the way. Truncated means the
// iteration cap was hit and the answer was synthesized from partial
// observations.
type Turn struct {
	ID         string     `json:"id"`
	Query      string     `json:"query"`
	Answer     string     `json:"answer"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	Truncated  bool       `json:"truncated"`
	Iterations int        `json:"iterations"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
}

// Elapsed returns the wall-clock duration of the turn.
func (t *Turn) Elapsed() time.Duration {
	return t.FinishedAt.Sub(t.StartedAt)
}
