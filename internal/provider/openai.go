// Package provider implements the OpenAI-compatible completion client.
package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"personabot/internal/domain"
)

// Client talks to an OpenAI-compatible /chat/completions endpoint and
// implements domain.CompletionProvider. Rate-limit headers observed on each
// response feed the snapshot the dispatcher consults before new calls.
type Client struct {
	apiKey  string
	apiBase string
	model   string
	client  *http.Client
	logger  *slog.Logger

	mu   sync.Mutex
	snap domain.RateLimitSnapshot
}

type ClientConfig struct {
	APIKey  string
	APIBase string
	Model   string
	Timeout time.Duration // response header timeout; streams are not bounded by it
	Logger  *slog.Logger
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	lgr := cfg.Logger
	if lgr == nil {
		lgr = slog.Default()
	}
	return &Client{
		apiKey:  cfg.APIKey,
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		model:   cfg.Model,
		client:  newHTTPClient(cfg.Timeout),
		logger:  lgr,
	}
}

func (c *Client) Name() string { return "openai" }

// RateLimit returns the quota observed on the most recent response.
func (c *Client) RateLimit() domain.RateLimitSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("invalid API key")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", domain.ErrProviderUnavailable, resp.StatusCode)
	}
	return nil
}

type oaiRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	Tools       []oaiTool    `json:"tools,omitempty"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature *float64     `json:"temperature,omitempty"`
	Stream      bool         `json:"stream"`
}

type oaiMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type oaiTool struct {
	Type     string      `json:"type"`
	Function oaiFunction `json:"function"`
}

type oaiFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type oaiToolCall struct {
	Index    int           `json:"index"`
	ID       string        `json:"id"`
	Type     string        `json:"type"`
	Function oaiToolCallFn `json:"function"`
}

type oaiToolCallFn struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type oaiStreamEvent struct {
	Choices []oaiStreamChoice `json:"choices"`
}

type oaiStreamChoice struct {
	Delta        oaiDelta `json:"delta"`
	FinishReason string   `json:"finish_reason"`
}

type oaiDelta struct {
	Content   string        `json:"content"`
	ToolCalls []oaiToolCall `json:"tool_calls"`
}

type oaiResponse struct {
	Choices []oaiChoice `json:"choices"`
	Usage   oaiUsage    `json:"usage"`
}

type oaiChoice struct {
	Message      oaiMessage `json:"message"`
	FinishReason string     `json:"finish_reason"`
}

type oaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (c *Client) buildBody(req domain.CompletionRequest, stream bool) oaiRequest {
	model := req.Model
	if model == "" {
		model = c.model
	}

	msgs := make([]oaiMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		om := oaiMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			om.ToolCalls = append(om.ToolCalls, oaiToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: oaiToolCallFn{
					Name:      tc.Name,
					Arguments: string(args),
				},
			})
		}
		msgs = append(msgs, om)
	}

	body := oaiRequest{
		Model:    model,
		Messages: msgs,
		Stream:   stream,
	}
	if req.MaxTokens > 0 {
		body.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		body.Temperature = &req.Temperature
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, oaiTool{
			Type: "function",
			Function: oaiFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return body
}

func (c *Client) post(ctx context.Context, body oaiRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	resp, err := doWithRetry(ctx, c.client, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/chat/completions", bytes.NewReader(jsonBody))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		return req, nil
	}, c.logger)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}

	c.observeHeaders(resp.Header)

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(resp.Header)
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &domain.RateLimitedError{RetryAfter: retryAfter}
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d: %s", domain.ErrProviderUnavailable, resp.StatusCode, string(respBody))
	}
	return resp, nil
}

// StreamCompletion opens one streaming completion. The returned channel
// carries text deltas as they arrive, accumulated tool calls on the final
// chunk, and is closed when the stream ends.
func (c *Client) StreamCompletion(ctx context.Context, req domain.CompletionRequest) (<-chan domain.StreamChunk, error) {
	resp, err := c.post(ctx, c.buildBody(req, true))
	if err != nil {
		return nil, err
	}

	out := make(chan domain.StreamChunk, 64)
	go c.readStream(ctx, resp.Body, out)
	return out, nil
}

func (c *Client) readStream(ctx context.Context, body io.ReadCloser, out chan<- domain.StreamChunk) {
	defer close(out)
	defer body.Close()

	send := func(chunk domain.StreamChunk) bool {
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	acc := make(map[int]*toolCallBuild)
	finishReason := ""

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var ev oaiStreamEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			send(domain.StreamChunk{Err: fmt.Errorf("%w: bad stream event: %v", domain.ErrProviderUnavailable, err)})
			return
		}
		if len(ev.Choices) == 0 {
			continue
		}
		choice := ev.Choices[0]

		if choice.Delta.Content != "" {
			if !send(domain.StreamChunk{Text: choice.Delta.Content}) {
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			b, ok := acc[tc.Index]
			if !ok {
				b = &toolCallBuild{}
				acc[tc.Index] = b
			}
			if tc.ID != "" {
				b.id = tc.ID
			}
			if tc.Function.Name != "" {
				b.name = tc.Function.Name
			}
			b.args.WriteString(tc.Function.Arguments)
		}
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
	}

	if err := scanner.Err(); err != nil {
		send(domain.StreamChunk{Err: fmt.Errorf("%w: stream read: %v", domain.ErrProviderUnavailable, err)})
		return
	}

	final := domain.StreamChunk{Final: true}
	if finishReason == "tool_calls" && len(acc) > 0 {
		final.ToolCalls = assembleToolCalls(acc)
	}
	send(final)
}

type toolCallBuild struct {
	id   string
	name string
	args strings.Builder
}

func assembleToolCalls(acc map[int]*toolCallBuild) []domain.ToolCall {
	indexes := make([]int, 0, len(acc))
	for i := range acc {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	calls := make([]domain.ToolCall, 0, len(acc))
	for _, i := range indexes {
		b := acc[i]
		var args map[string]any
		_ = json.Unmarshal([]byte(b.args.String()), &args)
		if args == nil {
			args = make(map[string]any)
		}
		calls = append(calls, domain.ToolCall{ID: b.id, Name: b.name, Arguments: args})
	}
	return calls
}

// CompletionResult is the non-streaming completion outcome.
type CompletionResult struct {
	Text             string
	ToolCalls        []domain.ToolCall
	PromptTokens     int
	CompletionTokens int
}

// Complete issues a non-streaming completion. Used by the doctor command.
func (c *Client) Complete(ctx context.Context, req domain.CompletionRequest) (*CompletionResult, error) {
	resp, err := c.post(ctx, c.buildBody(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed oaiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", domain.ErrProviderUnavailable, err)
	}
	if len(parsed.Choices) == 0 {
		return &CompletionResult{}, nil
	}

	choice := parsed.Choices[0]
	result := &CompletionResult{
		Text:             choice.Message.Content,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
	}
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		if args == nil {
			args = make(map[string]any)
		}
		result.ToolCalls = append(result.ToolCalls, domain.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return result, nil
}

// observeHeaders folds the x-ratelimit-* response headers into the snapshot.
// Absent headers leave the previous values untouched.
func (c *Client) observeHeaders(h http.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := h.Get("x-ratelimit-remaining-requests"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.snap.RemainingRequests = n
		}
	}
	if v := h.Get("x-ratelimit-remaining-tokens"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.snap.RemainingTokens = n
		}
	}
	if v := h.Get("x-ratelimit-reset-requests"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.snap.ResetAt = time.Now().Add(d)
		}
	}
}

// parseRetryAfter reads the 429 backoff hint: Retry-After in seconds, or the
// reset-requests duration as a fallback.
func parseRetryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if v := h.Get("x-ratelimit-reset-requests"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return 0
}
