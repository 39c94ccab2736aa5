package llm

import (
	"encoding/json"
	"strings"
)

// Message roles on the chat-completions wire
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Tool choice modes. Auto lets the model decide; None forces a text answer
// even when tool specs are attached.
const (
	ToolChoiceAuto = "auto"
	ToolChoiceNone = "none"
)

// Message is a single chat message. Assistant messages that request tool
// calls carry them in ToolCalls with empty content; tool-result messages
// echo the ID of the call they answer.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// SystemMessage builds a system-role message
func SystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// UserMessage builds a user-role message
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage builds an assistant-role text message
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// AssistantToolCalls builds the assistant message that echoes requested
// tool calls back into the conversation before their results
func AssistantToolCalls(calls []ToolCall) Message {
	return Message{Role: RoleAssistant, ToolCalls: calls}
}

// ToolResultMessage builds the tool-role message answering one call
func ToolResultMessage(callID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID}
}

// ToolSpec declares one callable function to the model
type ToolSpec struct {
	Type     string       `json:"type"` // always "function"
	Function FunctionSpec `json:"function"`
}

// FunctionSpec carries the function name, description, and its JSON Schema
type FunctionSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// NewToolSpec builds a function tool spec
func NewToolSpec(name, description string, parameters json.RawMessage) ToolSpec {
	return ToolSpec{
		Type: "function",
		Function: FunctionSpec{
			Name:        name,
			Description: description,
			Parameters:  parameters,
		},
	}
}

// ToolCall is the wire form of one model-requested function call
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall holds the requested function name and its JSON-encoded
// argument object
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCallRequest is the decoded form handed to the caller: the raw
// argument bytes stay opaque until schema validation.
type ToolCallRequest struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Completion is one model response: either assistant text or a batch of
// requested tool calls, never both populated at once in practice.
type Completion struct {
	Text         string            `json:"text,omitempty"`
	ToolCalls    []ToolCallRequest `json:"tool_calls,omitempty"`
	FinishReason string            `json:"finish_reason"`
	Model        string            `json:"model"`
	Usage        Usage             `json:"usage"`
}

// HasToolCalls reports whether the model requested tool execution
func (c *Completion) HasToolCalls() bool {
	return len(c.ToolCalls) > 0
}

// Usage is the token accounting block of a completion response
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Request is one completion call. Model overrides the client default when
// set; ToolChoice defaults to auto when tools are attached.
type Request struct {
	Messages   []Message
	Tools      []ToolSpec
	ToolChoice string
	Model      string
}

// chatRequest is the wire request body
type chatRequest struct {
	Model       string     `json:"model"`
	Messages    []Message  `json:"messages"`
	Temperature float64    `json:"temperature,omitempty"`
	MaxTokens   int        `json:"max_tokens,omitempty"`
	Tools       []ToolSpec `json:"tools,omitempty"`
	ToolChoice  string     `json:"tool_choice,omitempty"`
}

// chatResponse is the wire response body
type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int     `json:"index"`
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// errorResponse is the wire error body
type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func toToolCallRequests(calls []ToolCall) []ToolCallRequest {
	out := make([]ToolCallRequest, 0, len(calls))
	for _, tc := range calls {
		args := strings.TrimSpace(tc.Function.Arguments)
		if args == "" {
			args = "{}"
		}
		out = append(out, ToolCallRequest{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(args),
		})
	}
	return out
}
