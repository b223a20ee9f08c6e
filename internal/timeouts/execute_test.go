package timeouts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteReturnsResult(t *testing.T) {
	c := NewCalculator(zerolog.Nop())

	result, err := c.Execute(context.Background(), func(ctx context.Context) (any, error) {
		return "ok", nil
	}, Decision{Timeout: time.Second}, ExecOptions{})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestExecuteTimesOutPromptly(t *testing.T) {
	c := NewCalculator(zerolog.Nop())

	start := time.Now()
	_, err := c.Execute(context.Background(), func(ctx context.Context) (any, error) {
		select {
		case <-time.After(5 * time.Second):
			return "too late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, Decision{Timeout: 50 * time.Millisecond}, ExecOptions{})

	assert.ErrorIs(t, err, ErrTimeoutExceeded)
	assert.Less(t, time.Since(start), time.Second, "must not wait for the abandoned call")
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	c := NewCalculator(zerolog.Nop())

	attempts := 0
	result, err := c.Execute(context.Background(), func(ctx context.Context) (any, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("transient")
		}
		return "recovered", nil
	}, Decision{Timeout: time.Second}, ExecOptions{EnableRetry: true})

	require.NoError(t, err)
	assert.Equal(t, "recovered", result)
	assert.Equal(t, 3, attempts)
}

func TestExecuteDoesNotRetryWhenDisabled(t *testing.T) {
	c := NewCalculator(zerolog.Nop())

	attempts := 0
	_, err := c.Execute(context.Background(), func(ctx context.Context) (any, error) {
		attempts++
		return nil, errors.New("transient")
	}, Decision{Timeout: time.Second}, ExecOptions{EnableRetry: false})

	assert.Error(t, err)
	assert.Equal(t, 1, attempts, "non-idempotent calls must not be retried")
}

func TestExecuteDoesNotRetryTimeouts(t *testing.T) {
	c := NewCalculator(zerolog.Nop())

	attempts := 0
	_, err := c.Execute(context.Background(), func(ctx context.Context) (any, error) {
		attempts++
		<-ctx.Done()
		return nil, ctx.Err()
	}, Decision{Timeout: 20 * time.Millisecond}, ExecOptions{EnableRetry: true})

	assert.ErrorIs(t, err, ErrTimeoutExceeded)
	assert.Equal(t, 1, attempts)
}

func TestExecuteHonorsCallerCancellation(t *testing.T) {
	c := NewCalculator(zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Execute(ctx, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, Decision{Timeout: time.Second}, ExecOptions{EnableRetry: true})

	assert.ErrorIs(t, err, context.Canceled)
}

// Monitoring must never change the wrapped function's result: running the
// same input with a broken observer attached yields the identical value.
func TestMonitoringDoesNotAffectResult(t *testing.T) {
	fn := func(ctx context.Context) (any, error) {
		return 42, nil
	}
	decision := Decision{Timeout: time.Second}

	plain := NewCalculator(zerolog.Nop())
	observed := NewCalculator(zerolog.Nop(), WithObserver(panickyObserver{}))

	want, err := plain.Execute(context.Background(), fn, decision, ExecOptions{})
	require.NoError(t, err)

	got, err := observed.Execute(context.Background(), fn, decision, ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, want, got)

	observed.RecordOutcome("m", "low", time.Second, true)
}
