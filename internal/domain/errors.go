package domain

import (
	"errors"
	"fmt"
	"time"
)

// Failure taxonomy. Every component returns one of these; only the dispatcher
// decides between retry and surfacing to the user.
var (
	// ErrContextOverflow: the reserved prompt portions alone exceed the
	// token ceiling, so no amount of history trimming can help.
	ErrContextOverflow = errors.New("context exceeds token ceiling")

	// ErrProviderUnavailable: transport failure or provider outage after
	// the client's own transient retries were spent.
	ErrProviderUnavailable = errors.New("completion provider unavailable")

	// ErrPlatformError: a messaging API call failed (permissions, deleted
	// target, HTTP failure).
	ErrPlatformError = errors.New("platform error")
)

// RateLimitedError reports provider backpressure. The completion client never
// retries on it; the dispatcher owns the backoff policy.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("provider rate limited, retry after %s", e.RetryAfter)
}

// AsRateLimited unwraps err into a RateLimitedError if it is one.
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
