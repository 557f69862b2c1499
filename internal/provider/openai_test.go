package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"personabot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{
		APIKey:  "test-key",
		APIBase: srv.URL,
		Model:   "gpt-4o-mini",
		Logger:  testLogger(),
	})
}

func sseHandler(lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func collect(t *testing.T, stream <-chan domain.StreamChunk) []domain.StreamChunk {
	t.Helper()
	var chunks []domain.StreamChunk
	deadline := time.After(3 * time.Second)
	for {
		select {
		case c, ok := <-stream:
			if !ok {
				return chunks
			}
			chunks = append(chunks, c)
		case <-deadline:
			t.Fatal("stream never closed")
		}
	}
}

func TestStreamCompletion_TextDeltas(t *testing.T) {
	c := testClient(t, sseHandler(
		`{"choices":[{"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"delta":{"content":"lo"}}]}`,
		`{"choices":[{"delta":{"content":" world"},"finish_reason":"stop"}]}`,
	))

	stream, err := c.StreamCompletion(context.Background(), domain.CompletionRequest{
		Messages: []domain.PromptMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	chunks := collect(t, stream)
	var text string
	for _, ch := range chunks {
		if ch.Err != nil {
			t.Fatalf("unexpected chunk error: %v", ch.Err)
		}
		text += ch.Text
	}
	if text != "Hello world" {
		t.Errorf("accumulated %q, want %q", text, "Hello world")
	}
	last := chunks[len(chunks)-1]
	if !last.Final {
		t.Error("last chunk should be Final")
	}
}

func TestStreamCompletion_ToolCallDeltasAccumulated(t *testing.T) {
	c := testClient(t, sseHandler(
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"rename_channel","arguments":"{\"na"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"me\":\"general\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	))

	stream, err := c.StreamCompletion(context.Background(), domain.CompletionRequest{
		Messages: []domain.PromptMessage{{Role: "user", Content: "rename"}},
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	chunks := collect(t, stream)
	last := chunks[len(chunks)-1]
	if !last.Final || len(last.ToolCalls) != 1 {
		t.Fatalf("final chunk should carry 1 tool call, got %+v", last)
	}
	call := last.ToolCalls[0]
	if call.ID != "call_1" || call.Name != "rename_channel" {
		t.Errorf("tool call identity wrong: %+v", call)
	}
	if call.Arguments["name"] != "general" {
		t.Errorf("split JSON arguments not reassembled: %v", call.Arguments)
	}
}

func TestStreamCompletion_RateLimited(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.Header().Set("x-ratelimit-remaining-requests", "0")
		w.Header().Set("x-ratelimit-reset-requests", "7s")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.StreamCompletion(context.Background(), domain.CompletionRequest{
		Messages: []domain.PromptMessage{{Role: "user", Content: "hi"}},
	})
	rl, ok := domain.AsRateLimited(err)
	if !ok {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rl.RetryAfter != 7*time.Second {
		t.Errorf("retry-after = %v, want 7s", rl.RetryAfter)
	}

	snap := c.RateLimit()
	if snap.RemainingRequests != 0 || snap.ResetAt.IsZero() {
		t.Errorf("snapshot not updated from headers: %+v", snap)
	}
	if !snap.Exhausted(time.Now()) {
		t.Error("snapshot should report quota exhausted")
	}
}

func TestStreamCompletion_ClientErrorIsUnavailable(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad request"}}`, http.StatusBadRequest)
	})

	_, err := c.StreamCompletion(context.Background(), domain.CompletionRequest{
		Messages: []domain.PromptMessage{{Role: "user", Content: "hi"}},
	})
	if !errors.Is(err, domain.ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
}

func TestStreamCompletion_RateLimitHeadersOnSuccess(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-ratelimit-remaining-requests", "42")
		w.Header().Set("x-ratelimit-remaining-tokens", "90000")
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"ok\"},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	stream, err := c.StreamCompletion(context.Background(), domain.CompletionRequest{
		Messages: []domain.PromptMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	collect(t, stream)

	snap := c.RateLimit()
	if snap.RemainingRequests != 42 || snap.RemainingTokens != 90000 {
		t.Errorf("snapshot = %+v, want 42 requests / 90000 tokens", snap)
	}
}

func TestComplete_NonStreaming(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"choices":[{"message":{"role":"assistant","content":"pong"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}
		}`)
	})

	res, err := c.Complete(context.Background(), domain.CompletionRequest{
		Messages: []domain.PromptMessage{{Role: "user", Content: "ping"}},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.Text != "pong" {
		t.Errorf("text = %q, want pong", res.Text)
	}
	if res.PromptTokens != 12 || res.CompletionTokens != 3 {
		t.Errorf("usage = %d/%d, want 12/3", res.PromptTokens, res.CompletionTokens)
	}
}

func TestHealthy(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"ok", http.StatusOK, false},
		{"unauthorized", http.StatusUnauthorized, true},
		{"server error", http.StatusInternalServerError, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/models" {
					t.Errorf("health check hit %s, want /models", r.URL.Path)
				}
				w.WriteHeader(tt.status)
			})
			err := c.Healthy(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("Healthy() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	h := http.Header{}
	if got := parseRetryAfter(h); got != 0 {
		t.Errorf("no headers should give 0, got %v", got)
	}

	h.Set("x-ratelimit-reset-requests", "1m30s")
	if got := parseRetryAfter(h); got != 90*time.Second {
		t.Errorf("reset fallback = %v, want 90s", got)
	}

	h.Set("Retry-After", "5")
	if got := parseRetryAfter(h); got != 5*time.Second {
		t.Errorf("Retry-After takes precedence, got %v", got)
	}
}
