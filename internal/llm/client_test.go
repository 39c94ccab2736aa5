//nolint:goconst // Test files use repeated strings for clarity
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quantdesk/quantdesk/internal/config"
	"github.com/quantdesk/quantdesk/internal/market"
	"github.com/quantdesk/quantdesk/internal/resilience"
)

const textResponse = `{
	"id": "gen-1",
	"model": "anthropic/claude-3.5-sonnet",
	"choices": [{
		"index": 0,
		"message": {"role": "assistant", "content": "AAPL last traded at 190.12."},
		"finish_reason": "stop"
	}],
	"usage": {"prompt_tokens": 120, "completion_tokens": 18, "total_tokens": 138}
}`

const toolCallResponse = `{
	"id": "gen-2",
	"model": "anthropic/claude-3.5-sonnet",
	"choices": [{
		"index": 0,
		"message": {
			"role": "assistant",
			"content": "",
			"tool_calls": [{
				"id": "call_abc",
				"type": "function",
				"function": {"name": "price_lookup", "arguments": "{\"symbol\": \"AAPL\"}"}
			}]
		},
		"finish_reason": "tool_calls"
	}],
	"usage": {"prompt_tokens": 200, "completion_tokens": 30, "total_tokens": 230}
}`

// fastRetry removes backoff sleeps so error tests return immediately
func fastRetry(maxRetries int) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxRetries:     maxRetries,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		BackoffFactor:  1.0,
	}
}

func newTestClient(serverURL string) *Client {
	client := NewClient(config.LLMConfig{
		BaseURL: serverURL,
		APIKey:  "test-key",
		Model:   "anthropic/claude-3.5-sonnet",
		Referer: "https://quantdesk.example",
		Title:   "QuantDesk",
	}, nil)
	client.retry = fastRetry(0)
	return client
}

func TestCompleteToolCalls(t *testing.T) {
	var captured chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Expected bearer auth, got %q", got)
		}
		if got := r.Header.Get("HTTP-Referer"); got != "https://quantdesk.example" {
			t.Errorf("Expected referer header, got %q", got)
		}
		if got := r.Header.Get("X-Title"); got != "QuantDesk" {
			t.Errorf("Expected title header, got %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(toolCallResponse))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	tools := []ToolSpec{NewToolSpec("price_lookup", "Look up a price", json.RawMessage(`{"type":"object"}`))}

	completion, err := client.Complete(context.Background(), []Message{UserMessage("price of AAPL?")}, tools)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if captured.Model != "anthropic/claude-3.5-sonnet" {
		t.Errorf("Expected configured model on the wire, got %s", captured.Model)
	}
	if len(captured.Tools) != 1 || captured.Tools[0].Function.Name != "price_lookup" {
		t.Errorf("Expected tool spec on the wire, got %+v", captured.Tools)
	}
	if captured.ToolChoice != ToolChoiceAuto {
		t.Errorf("Expected tool_choice auto, got %q", captured.ToolChoice)
	}

	if !completion.HasToolCalls() {
		t.Fatal("Expected tool calls in completion")
	}
	call := completion.ToolCalls[0]
	if call.ID != "call_abc" || call.Name != "price_lookup" {
		t.Errorf("Unexpected tool call: %+v", call)
	}
	var args map[string]string
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		t.Fatalf("Arguments should be valid JSON: %v", err)
	}
	if args["symbol"] != "AAPL" {
		t.Errorf("Expected symbol AAPL in arguments, got %v", args)
	}
	if completion.FinishReason != "tool_calls" {
		t.Errorf("Expected finish_reason tool_calls, got %s", completion.FinishReason)
	}
}

func TestCompleteText(t *testing.T) {
	var captured chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(textResponse))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	completion, err := client.Complete(context.Background(), []Message{UserMessage("hello")}, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if captured.ToolChoice != "" {
		t.Errorf("Expected no tool_choice without tools, got %q", captured.ToolChoice)
	}
	if completion.HasToolCalls() {
		t.Error("Expected a text completion")
	}
	if !strings.Contains(completion.Text, "190.12") {
		t.Errorf("Unexpected text: %s", completion.Text)
	}
	if completion.Usage.TotalTokens != 138 {
		t.Errorf("Expected usage decoded, got %+v", completion.Usage)
	}
}

func TestForcedTextChoice(t *testing.T) {
	var captured chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(textResponse))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	tools := []ToolSpec{NewToolSpec("price_lookup", "Look up a price", json.RawMessage(`{"type":"object"}`))}

	_, err := client.Do(context.Background(), Request{
		Messages:   []Message{UserMessage("summarize")},
		Tools:      tools,
		ToolChoice: ToolChoiceNone,
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if captured.ToolChoice != ToolChoiceNone {
		t.Errorf("Expected tool_choice none, got %q", captured.ToolChoice)
	}
	if len(captured.Tools) != 1 {
		t.Errorf("Tools should stay attached in forced-text mode, got %d", len(captured.Tools))
	}
}

func TestModelOverride(t *testing.T) {
	var captured chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(textResponse))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Do(context.Background(), Request{
		Messages: []Message{UserMessage("hello")},
		Model:    "openai/gpt-4-turbo",
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if captured.Model != "openai/gpt-4-turbo" {
		t.Errorf("Expected model override on the wire, got %s", captured.Model)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		wantErr    error
	}{
		{
			name:       "rate limited",
			statusCode: http.StatusTooManyRequests,
			body:       `{"error": {"message": "Rate limit exceeded", "type": "rate_limit_error"}}`,
			wantErr:    market.ErrRateLimited,
		},
		{
			name:       "server error",
			statusCode: http.StatusInternalServerError,
			body:       `{"error": {"message": "upstream broke", "type": "server_error"}}`,
			wantErr:    ErrUnavailable,
		},
		{
			name:       "bad request",
			statusCode: http.StatusBadRequest,
			body:       `{"error": {"message": "bad payload", "type": "invalid_request_error"}}`,
			wantErr:    ErrUnavailable,
		},
		{
			name:       "unauthorized",
			statusCode: http.StatusUnauthorized,
			body:       `{"error": {"message": "invalid key", "type": "authentication_error"}}`,
			wantErr:    ErrUnavailable,
		},
		{
			name:       "empty choices",
			statusCode: http.StatusOK,
			body:       `{"id": "gen-3", "model": "m", "choices": []}`,
			wantErr:    ErrUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := newTestClient(server.URL)
			_, err := client.Complete(context.Background(), []Message{UserMessage("x")}, nil)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestTransportErrorUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // refuse connections

	client := newTestClient(server.URL)
	_, err := client.Complete(context.Background(), []Message{UserMessage("x")}, nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable for transport failure, got %v", err)
	}
}

func TestRateLimitRetried(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error": {"message": "slow down"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(textResponse))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	client.retry = fastRetry(2)

	completion, err := client.Complete(context.Background(), []Message{UserMessage("x")}, nil)
	if err != nil {
		t.Fatalf("Expected retry to recover, got %v", err)
	}
	if completion.Text == "" {
		t.Error("Expected text after retry")
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("Expected 2 attempts, got %d", got)
	}
}

func TestBreakerOpenFailsFast(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error": {"message": "down"}}`))
	}))
	defer server.Close()

	tripFast := &resilience.ServiceSettings{
		MinRequests:     1,
		FailureRatio:    0.5,
		OpenTimeout:     time.Minute,
		HalfOpenMaxReqs: 1,
		CountInterval:   time.Minute,
	}
	breakers := resilience.NewBreakerManagerWithSettings(nil, tripFast, nil)

	client := NewClient(config.LLMConfig{BaseURL: server.URL, APIKey: "k"}, breakers)
	client.retry = fastRetry(0)

	if _, err := client.Complete(context.Background(), []Message{UserMessage("x")}, nil); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Expected ErrUnavailable on first failure, got %v", err)
	}
	if _, err := client.Complete(context.Background(), []Message{UserMessage("x")}, nil); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Expected ErrUnavailable while breaker is open, got %v", err)
	}

	if got := hits.Load(); got != 1 {
		t.Errorf("Open breaker should not reach the endpoint, got %d hits", got)
	}
}

func TestCancelledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server's background read can observe the
		// client disconnect and cancel r.Context(); otherwise the handler
		// blocks forever and the deferred server.Close deadlocks.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer server.Close()

	client := newTestClient(server.URL)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := client.Complete(ctx, []Message{UserMessage("x")}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestToolCallArgumentsNormalized(t *testing.T) {
	calls := []ToolCall{{
		ID:       "call_1",
		Type:     "function",
		Function: FunctionCall{Name: "news_search", Arguments: "  "},
	}}

	requests := toToolCallRequests(calls)
	if string(requests[0].Arguments) != "{}" {
		t.Errorf("Blank arguments should normalize to {}, got %q", string(requests[0].Arguments))
	}
}
