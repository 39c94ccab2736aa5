package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/quantdesk/quantdesk/internal/config"
	"github.com/quantdesk/quantdesk/internal/market"
	"github.com/quantdesk/quantdesk/internal/metrics"
	"github.com/quantdesk/quantdesk/internal/resilience"
)

// Completer is the completion surface the agent loop depends on
type Completer interface {
	Do(ctx context.Context, req Request) (*Completion, error)
}

// Ensure Client implements Completer
var _ Completer = (*Client)(nil)

// Client talks to an OpenAI-compatible chat-completions endpoint
// (OpenRouter wire: bearer auth plus optional attribution headers).
type Client struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	referer     string
	title       string
	httpClient  *http.Client
	breakers    *resilience.BreakerManager
	retry       resilience.RetryConfig
	log         zerolog.Logger
}

// NewClient creates an LLM client from configuration. The breaker manager
// is optional; without it calls go straight to the endpoint.
func NewClient(cfg config.LLMConfig, breakers *resilience.BreakerManager) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://openrouter.ai/api/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "anthropic/claude-3.5-sonnet"
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 2000
	}
	timeout := cfg.GetTimeout()
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &Client{
		baseURL:     cfg.BaseURL,
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		referer:     cfg.Referer,
		title:       cfg.Title,
		httpClient:  &http.Client{Timeout: timeout},
		breakers:    breakers,
		retry:       resilience.DefaultRetryConfig(),
		log:         log.With().Str("component", "llm").Logger(),
	}
}

// Model returns the default model identifier
func (c *Client) Model() string {
	return c.model
}

// Complete sends one completion round trip with the given tool specs
// attached. The model decides between answering and requesting tools.
func (c *Client) Complete(ctx context.Context, messages []Message, tools []ToolSpec) (*Completion, error) {
	return c.Do(ctx, Request{Messages: messages, Tools: tools})
}

// Do executes one completion request with rate-limit retries under the
// LLM circuit breaker. Rate limiting is the only server answer worth
// retrying; everything else surfaces immediately.
func (c *Client) Do(ctx context.Context, req Request) (*Completion, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	toolChoice := req.ToolChoice
	if toolChoice == "" && len(req.Tools) > 0 {
		toolChoice = ToolChoiceAuto
	}

	body := chatRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		Tools:       req.Tools,
		ToolChoice:  toolChoice,
	}

	var completion *Completion
	err := resilience.WithRetry(ctx, c.retry, func() error {
		result, err := c.execute(ctx, body)
		if err != nil {
			return err
		}
		completion = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return completion, nil
}

// execute runs one attempt through the breaker when one is configured
func (c *Client) execute(ctx context.Context, body chatRequest) (*Completion, error) {
	if c.breakers == nil {
		return c.send(ctx, body)
	}

	result, err := c.breakers.LLM().Execute(func() (interface{}, error) {
		return c.send(ctx, body)
	})
	if err != nil {
		// Breaker rejections never reached send and carry no mapping
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	return result.(*Completion), nil
}

// send performs the HTTP round trip and maps every failure onto the
// typed errors: 429 to market.ErrRateLimited, everything else that is
// not a usable completion to ErrUnavailable.
func (c *Client) send(ctx context.Context, body chatRequest) (*Completion, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.referer != "" {
		req.Header.Set("HTTP-Referer", c.referer)
	}
	if c.title != "" {
		req.Header.Set("X-Title", c.title)
	}

	c.log.Debug().
		Str("model", body.Model).
		Int("messages", len(body.Messages)).
		Int("tools", len(body.Tools)).
		Str("tool_choice", body.ToolChoice).
		Msg("Sending LLM request")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	durationMs := float64(time.Since(start).Milliseconds())
	if err != nil {
		metrics.RecordLLMRequest(body.Model, "error", durationMs)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		metrics.RecordLLMRequest(body.Model, "error", durationMs)
		return nil, fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.mapStatus(resp.StatusCode, raw, body.Model, durationMs)
	}

	var chat chatResponse
	if err := json.Unmarshal(raw, &chat); err != nil {
		metrics.RecordLLMRequest(body.Model, "error", durationMs)
		return nil, fmt.Errorf("%w: parsing response: %v", ErrUnavailable, err)
	}
	if len(chat.Choices) == 0 {
		metrics.RecordLLMRequest(body.Model, "error", durationMs)
		return nil, fmt.Errorf("%w: response contained no choices", ErrUnavailable)
	}

	choice := chat.Choices[0]
	completion := &Completion{
		Text:         choice.Message.Content,
		ToolCalls:    toToolCallRequests(choice.Message.ToolCalls),
		FinishReason: choice.FinishReason,
		Model:        chat.Model,
		Usage:        chat.Usage,
	}

	metrics.RecordLLMRequest(body.Model, "ok", durationMs)
	c.log.Debug().
		Str("model", chat.Model).
		Str("finish_reason", choice.FinishReason).
		Int("tool_calls", len(completion.ToolCalls)).
		Int("prompt_tokens", chat.Usage.PromptTokens).
		Int("completion_tokens", chat.Usage.CompletionTokens).
		Float64("duration_ms", durationMs).
		Msg("LLM request completed")

	return completion, nil
}

func (c *Client) mapStatus(status int, raw []byte, model string, durationMs float64) error {
	message := string(raw)
	var errResp errorResponse
	if err := json.Unmarshal(raw, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}
	if len(message) > 512 {
		message = message[:512]
	}

	if status == http.StatusTooManyRequests {
		metrics.RecordLLMRequest(model, "rate_limited", durationMs)
		return fmt.Errorf("%w: %s", market.ErrRateLimited, message)
	}

	metrics.RecordLLMRequest(model, "error", durationMs)
	return fmt.Errorf("%w: status %d: %s", ErrUnavailable, status, message)
}
