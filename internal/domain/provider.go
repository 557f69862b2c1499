package domain

import (
	"context"
	"time"
)

// CompletionProvider is the model-provider boundary: a streaming completion
// call plus a non-streaming variant for health checks and tool follow-ups.
type CompletionProvider interface {
	// StreamCompletion issues one completion request and returns a finite,
	// non-restartable chunk stream. The channel is closed when the stream
	// ends; mid-stream failures arrive as a chunk with Err set.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error)

	// RateLimit reports the provider quota observed on the last response.
	RateLimit() RateLimitSnapshot

	Name() string
	Healthy(ctx context.Context) error
}

// CompletionRequest carries the assembled prompt to the provider.
type CompletionRequest struct {
	Messages    []PromptMessage
	Model       string
	MaxTokens   int
	Temperature float64
	Tools       []ToolDefinition
}

// PromptMessage is one entry of the provider conversation.
type PromptMessage struct {
	Role       string // system | user | assistant | tool
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// StreamChunk is one element of a completion stream. Exactly one of Text,
// ToolCalls, or Err is meaningful; Final marks the last chunk.
type StreamChunk struct {
	Text      string
	ToolCalls []ToolCall
	Final     bool
	Err       error
}

// ToolCall is a structured action request returned by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// ToolDefinition advertises an action the model may request.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// RateLimitSnapshot is the provider quota state observed on the most recent
// response. Zero values mean the provider has not reported yet.
type RateLimitSnapshot struct {
	RemainingRequests int
	RemainingTokens   int
	ResetAt           time.Time
}

// Exhausted reports whether the provider quota is spent and has not reset.
func (s RateLimitSnapshot) Exhausted(now time.Time) bool {
	if s.ResetAt.IsZero() {
		return false
	}
	return s.RemainingRequests == 0 && now.Before(s.ResetAt)
}
