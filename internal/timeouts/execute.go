package timeouts

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeoutExceeded is returned by Execute when the computed deadline
// expires before the call completes.
var ErrTimeoutExceeded = errors.New("timeouts: deadline exceeded")

// maxRetryAttempts bounds total attempts when retry is enabled.
const maxRetryAttempts = 3

// ExecOptions controls one Execute call.
type ExecOptions struct {
	// EnableRetry allows bounded retries on transient failures. Callers must
	// disable it for non-idempotent or streaming operations.
	EnableRetry bool
	RequestID   string
	UserID      string
}

// Execute races fn against the computed deadline. On expiry it cancels the
// underlying call and returns ErrTimeoutExceeded promptly; the abandoned
// attempt drains into a buffered channel so nothing leaks. Transient failures
// are retried only when opts.EnableRetry is set, and timeouts are never
// retried.
func (c *Calculator) Execute(ctx context.Context, fn func(context.Context) (any, error), decision Decision, opts ExecOptions) (any, error) {
	attempts := 1
	if opts.EnableRetry {
		attempts = maxRetryAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := c.runOnce(ctx, fn, decision.Timeout)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, ErrTimeoutExceeded) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		if attempt < attempts {
			c.logger.Warn().
				Err(err).
				Str("request_id", opts.RequestID).
				Str("user_id", opts.UserID).
				Int("attempt", attempt).
				Msg("upstream call failed, retrying")
		}
	}
	return nil, lastErr
}

type callResult struct {
	value any
	err   error
}

func (c *Calculator) runOnce(ctx context.Context, fn func(context.Context) (any, error), timeout time.Duration) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Buffered so the abandoned goroutine can always deliver and exit.
	done := make(chan callResult, 1)
	go func() {
		value, err := fn(callCtx)
		done <- callResult{value: value, err: err}
	}()

	select {
	case res := <-done:
		// A well-behaved fn surfaces the deadline itself; normalize that to
		// the sentinel so the caller and the retry loop see one timeout error.
		if errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrTimeoutExceeded
		}
		return res.value, res.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("timeouts: %w", ctx.Err())
		}
		return nil, ErrTimeoutExceeded
	}
}
