// Package agent runs the plan-act-observe loop: send the conversation to
// the model with the tool catalog, execute requested tool calls
// concurrently, feed observations back, and stop on a direct text answer
// or the iteration cap.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/quantdesk/quantdesk/internal/config"
	"github.com/quantdesk/quantdesk/internal/llm"
	"github.com/quantdesk/quantdesk/internal/metrics"
	"github.com/quantdesk/quantdesk/internal/state"
	"github.com/quantdesk/quantdesk/internal/tools"
)

const (
	defaultMaxIterations = 5
	defaultToolTimeout   = 10 * time.Second
)

// ToolRunner is the slice of the tool registry the agent needs: the specs
// advertised to the model and a dispatcher for requested calls.
type ToolRunner interface {
	Specs() []llm.ToolSpec
	Execute(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// Agent answers natural-language queries by looping between the LLM and
// the tool registry. One turn at a time per session; the loop is bounded
// so a tool-happy model always terminates.
type Agent struct {
	llm           llm.Completer
	tools         ToolRunner
	maxIterations int
	toolTimeout   time.Duration
	log           zerolog.Logger
}

// New builds an agent from the completion client and the tool registry.
func New(completer llm.Completer, runner ToolRunner, cfg config.AgentConfig, log zerolog.Logger) *Agent {
	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}
	toolTimeout := cfg.GetToolTimeout()
	if toolTimeout <= 0 {
		toolTimeout = defaultToolTimeout
	}
	return &Agent{
		llm:           completer,
		tools:         runner,
		maxIterations: maxIterations,
		toolTimeout:   toolTimeout,
		log:           log.With().Str("component", "agent").Logger(),
	}
}

// Run executes one turn for the session. It claims the session's turn
// guard, walks the loop, and on success records the exchange in session
// history. Failed or cancelled turns leave history untouched.
func (a *Agent) Run(ctx context.Context, sess *state.Session, query string) (*Turn, error) {
	if err := sess.BeginTurn(); err != nil {
		return nil, err
	}

	turn := &Turn{
		ID:        uuid.New().String(),
		Query:     query,
		StartedAt: time.Now(),
	}
	log := a.log.With().Str("turn_id", turn.ID).Str("session_id", sess.ID()).Logger()

	history := sess.History()
	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.SystemMessage(systemPrompt))
	messages = append(messages, history...)
	messages = append(messages, llm.UserMessage(query))

	answer, err := a.loop(ctx, log, turn, messages, sess.Model())
	turn.FinishedAt = time.Now()
	if err != nil {
		sess.AbortTurn()
		outcome := "error"
		if errors.Is(err, ErrCancelled) {
			outcome = "cancelled"
		}
		metrics.RecordAgentTurn(outcome, turn.Iterations)
		log.Warn().Err(err).Int("iterations", turn.Iterations).Msg("Turn failed")
		return nil, err
	}

	turn.Answer = answer
	sess.EndTurn(query, answer)

	outcome := "ok"
	if turn.Truncated {
		outcome = "truncated"
	}
	metrics.RecordAgentTurn(outcome, turn.Iterations)
	log.Info().
		Int("iterations", turn.Iterations).
		Int("tool_calls", len(turn.ToolCalls)).
		Bool("truncated", turn.Truncated).
		Dur("elapsed", turn.Elapsed()).
		Msg("Turn complete")
	return turn, nil
}

// loop is the bounded plan-act-observe cycle. Each pass makes one LLM
// round; tool rounds append their observations as tool-role messages.
func (a *Agent) loop(ctx context.Context, log zerolog.Logger, turn *Turn, messages []llm.Message, model string) (string, error) {
	specs := a.tools.Specs()

	for turn.Iterations < a.maxIterations {
		turn.Iterations++

		completion, err := a.llm.Do(ctx, llm.Request{Messages: messages, Tools: specs, Model: model})
		if err != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
			}
			return "", err
		}

		if !completion.HasToolCalls() {
			return completion.Text, nil
		}

		records := a.executeAll(ctx, turn, completion.ToolCalls)
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}

		messages = append(messages, echoToolCalls(records))
		for _, rec := range records {
			messages = append(messages, llm.ToolResultMessage(rec.ID, observation(rec)))
		}
	}

	return a.wrapUp(ctx, log, turn, messages, model)
}

// wrapUp runs once the iteration cap is hit: one forced-text completion,
// and if even that fails, a deterministic digest of the observations.
// Either way the answer is flagged Truncated.
func (a *Agent) wrapUp(ctx context.Context, log zerolog.Logger, turn *Turn, messages []llm.Message, model string) (string, error) {
	turn.Truncated = true
	messages = append(messages, llm.UserMessage(wrapUpPrompt))

	completion, err := a.llm.Do(ctx, llm.Request{
		Messages:   messages,
		Tools:      a.tools.Specs(),
		ToolChoice: llm.ToolChoiceNone,
		Model:      model,
	})
	if err == nil && completion.Text != "" {
		return completion.Text, nil
	}
	if ctx.Err() != nil {
		return "", fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
	if err != nil {
		log.Warn().Err(err).Msg("Forced-text completion failed, answering from observations")
	}
	return fallbackAnswer(turn), nil
}

// executeAll runs one iteration's tool calls concurrently and appends
// their records to the turn. Requests within an iteration are independent
// by contract, so completion order does not matter.
func (a *Agent) executeAll(ctx context.Context, turn *Turn, requests []llm.ToolCallRequest) []ToolCall {
	records := make([]ToolCall, len(requests))

	g, gctx := errgroup.WithContext(ctx)
	for i, req := range requests {
		i, req := i, req
		g.Go(func() error {
			records[i] = a.executeOne(gctx, req)
			return nil
		})
	}
	_ = g.Wait()

	turn.ToolCalls = append(turn.ToolCalls, records...)
	return records
}

// executeOne dispatches a single call under the per-call timeout. Errors
// never escape: they become the call's observation so the model can
// recover or answer without that data.
func (a *Agent) executeOne(ctx context.Context, req llm.ToolCallRequest) ToolCall {
	rec := ToolCall{ID: req.ID, Tool: req.Name, Arguments: req.Arguments}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}

	callCtx, cancel := context.WithTimeout(ctx, a.toolTimeout)
	defer cancel()

	start := time.Now()
	result, err := a.tools.Execute(callCtx, req.Name, req.Arguments)
	rec.Elapsed = time.Since(start)

	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %s exceeded %s", tools.ErrToolTimeout, req.Name, a.toolTimeout)
		}
		rec.Error = err.Error()
		a.log.Debug().Str("tool", req.Name).Dur("elapsed", rec.Elapsed).Err(err).Msg("Tool call errored")
		return rec
	}

	rec.Result = result
	return rec
}

// echoToolCalls rebuilds the assistant message that requested the calls,
// keeping IDs aligned with the tool-role results that follow it.
func echoToolCalls(records []ToolCall) llm.Message {
	calls := make([]llm.ToolCall, len(records))
	for i, rec := range records {
		calls[i] = llm.ToolCall{
			ID:   rec.ID,
			Type: "function",
			Function: llm.FunctionCall{
				Name:      rec.Tool,
				Arguments: string(rec.Arguments),
			},
		}
	}
	return llm.AssistantToolCalls(calls)
}

// observation renders a tool record for the model: the result JSON as-is,
// or an error object it can reason about.
func observation(rec ToolCall) string {
	if rec.Error == "" {
		return rec.Result
	}
	payload, _ := json.Marshal(map[string]string{"error": rec.Error})
	return string(payload)
}

// fallbackAnswer digests gathered observations into a plain-text answer
// when no model synthesis is available.
func fallbackAnswer(turn *Turn) string {
	var b strings.Builder
	b.WriteString("I hit the step limit before completing the analysis. Partial findings:\n")

	succeeded := 0
	for _, call := range turn.ToolCalls {
		if call.Error != "" {
			fmt.Fprintf(&b, "- %s failed: %s\n", call.Tool, call.Error)
			continue
		}
		succeeded++
		fmt.Fprintf(&b, "- %s: %s\n", call.Tool, snippet(call.Result, 400))
	}
	if succeeded == 0 {
		b.WriteString("No tool data could be retrieved for this query.\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func snippet(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
