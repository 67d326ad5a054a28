// Package ai forwards manuscript text to an OpenAI-compatible chat endpoint
// and relays the provider's JSON back unchanged. The provider is treated as
// opaque: no schema is imposed on what it returns.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"inkwell/api/internal/metrics"
)

var (
	// ErrDisabled means no API key is configured.
	ErrDisabled = errors.New("ai provider disabled")
	// ErrUnavailable means the circuit breaker is refusing calls.
	ErrUnavailable = errors.New("ai provider unavailable")
	ErrEmptyInput  = errors.New("ai input is empty")
	ErrInputTooBig = errors.New("ai input too large")
)

const maxInputBytes = 256 << 10

// ProviderError carries a non-2xx answer from the provider.
type ProviderError struct {
	Status int
	Body   string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("ai provider returned %d: %s", e.Status, e.Body)
}

type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"required"`
}

type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Collector
	logger  *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) { c.metrics = m }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func New(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("ai")
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ai-provider",
		MaxRequests: 2,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		// A rejected prompt is the caller's problem, not a provider outage.
		IsSuccessful: func(err error) bool {
			var pe *ProviderError
			if errors.As(err, &pe) {
				return pe.Status < 500 && pe.Status != http.StatusTooManyRequests
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return c
}

func (c *Client) Enabled() bool {
	return strings.TrimSpace(c.cfg.APIKey) != ""
}

const extractPrompt = `You read fiction manuscripts. Extract the characters and the episodes (chapters or story beats) from the text.
Reply with a JSON object {"characters":[{"name","role","description"}],"episodes":[{"number","title","synopsis"}]} and nothing else.`

const consistencyPrompt = `You are a continuity editor. Compare the new text against the established story context and list contradictions in names, facts, timeline or character behaviour.
Reply with a JSON object {"issues":[{"severity","quote","explanation","suggestion"}]} and nothing else. Use an empty list when the text is consistent.`

// Extract asks the provider for the characters and episodes in text.
func (c *Client) Extract(ctx context.Context, text string) (json.RawMessage, error) {
	if err := checkInput(text); err != nil {
		return nil, err
	}
	return c.structured(ctx, "extract", []Message{
		{Role: "system", Content: extractPrompt},
		{Role: "user", Content: text},
	})
}

// CheckConsistency checks text against storyContext.
func (c *Client) CheckConsistency(ctx context.Context, text, storyContext string) (json.RawMessage, error) {
	if err := checkInput(text + storyContext); err != nil {
		return nil, err
	}
	user := "Story context:\n" + storyContext + "\n\nNew text:\n" + text
	return c.structured(ctx, "consistency", []Message{
		{Role: "system", Content: consistencyPrompt},
		{Role: "user", Content: user},
	})
}

// Chat relays the provider's full completion response.
func (c *Client) Chat(ctx context.Context, messages []Message) (json.RawMessage, error) {
	if len(messages) == 0 {
		return nil, ErrEmptyInput
	}
	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}
	if total > maxInputBytes {
		return nil, ErrInputTooBig
	}
	return c.complete(ctx, "chat", messages, false)
}

func checkInput(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyInput
	}
	if len(text) > maxInputBytes {
		return ErrInputTooBig
	}
	return nil
}

// structured returns the JSON object the model wrote in its first choice,
// or the whole provider response when the content is not JSON.
func (c *Client) structured(ctx context.Context, op string, messages []Message) (json.RawMessage, error) {
	raw, err := c.complete(ctx, op, messages, true)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || len(resp.Choices) == 0 {
		return raw, nil
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	content = strings.TrimSuffix(strings.TrimPrefix(content, "```json"), "```")
	content = strings.TrimSpace(content)
	if !json.Valid([]byte(content)) {
		c.logger.Debug("model content is not json, relaying full response", zap.String("operation", op))
		return raw, nil
	}
	return json.RawMessage(content), nil
}

type completionRequest struct {
	Model          string            `json:"model"`
	Messages       []Message         `json:"messages"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

func (c *Client) complete(ctx context.Context, op string, messages []Message, jsonMode bool) (json.RawMessage, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}
	req := completionRequest{Model: c.cfg.Model, Messages: messages}
	if jsonMode {
		req.ResponseFormat = map[string]string{"type": "json_object"}
	}

	started := time.Now()
	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, req)
	})
	took := time.Since(started)

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		c.metrics.ObserveAI(op, "rejected", took)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	case err != nil:
		c.metrics.ObserveAI(op, "error", took)
		c.logger.Warn("ai call failed", zap.String("operation", op), zap.Duration("took", took), zap.Error(err))
		return nil, err
	}
	c.metrics.ObserveAI(op, "ok", took)
	c.logger.Debug("ai call", zap.String("operation", op), zap.Duration("took", took))
	return out.(json.RawMessage), nil
}

func (c *Client) post(ctx context.Context, body completionRequest) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call provider: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read provider response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ProviderError{Status: resp.StatusCode, Body: truncate(string(data), 512)}
	}
	if !json.Valid(data) {
		return nil, &ProviderError{Status: http.StatusBadGateway, Body: "provider returned invalid json"}
	}
	return json.RawMessage(data), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
