package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"
)

const maxTransientRetries = 3

// transientError is a 5xx that may succeed on a fresh attempt.
type transientError struct {
	statusCode int
	body       string
}

func (e *transientError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.statusCode, e.body)
}

// doWithRetry executes an HTTP request with exponential backoff for network
// failures and 5xx responses. 429 is never retried here; the caller turns it
// into backpressure for the dispatcher.
func doWithRetry(ctx context.Context, client *http.Client, buildReq func() (*http.Request, error), logger *slog.Logger) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= maxTransientRetries; attempt++ {
		if attempt > 0 {
			// Jittered quadratic backoff to avoid thundering herd.
			base := time.Duration(attempt*attempt) * time.Second
			jitter := time.Duration(rand.Int64N(int64(base/2 + 1)))
			backoff := base + jitter
			logger.Warn("retrying provider request", "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			if attempt < maxTransientRetries {
				logger.Warn("provider request failed, will retry", "err", err)
				continue
			}
			return nil, fmt.Errorf("request failed after %d retries: %w", maxTransientRetries, err)
		}

		if resp.StatusCode >= 500 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			lastErr = &transientError{statusCode: resp.StatusCode, body: string(body)}
			if attempt < maxTransientRetries {
				logger.Warn("provider server error, will retry", "status", resp.StatusCode)
				continue
			}
			return nil, fmt.Errorf("server error after %d retries: %w", maxTransientRetries, lastErr)
		}

		return resp, nil
	}

	return nil, lastErr
}
