package upstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrlshc/huntaze-edge-governor/internal/breaker"
	"github.com/chrlshc/huntaze-edge-governor/internal/timeouts"
)

func newTestClient(do DoFunc, opts ...Option) (*Client, *breaker.Breaker) {
	b := breaker.New("upstream", breaker.Config{FailureThreshold: 2, CoolDown: time.Hour}, zerolog.Nop())
	calc := timeouts.NewCalculator(zerolog.Nop())
	return NewClient(do, b, calc, zerolog.Nop(), opts...), b
}

func TestCallReturnsUpstreamResult(t *testing.T) {
	client, _ := newTestClient(func(ctx context.Context, req Request) (any, error) {
		return "completion", nil
	})

	result, err := client.Call(context.Background(), Request{Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "completion", result)
	assert.Equal(t, breaker.StateClosed, client.BreakerState())
}

func TestCallSurfacesCircuitOpen(t *testing.T) {
	boom := errors.New("upstream down")
	calls := 0
	client, _ := newTestClient(func(ctx context.Context, req Request) (any, error) {
		calls++
		return nil, boom
	})

	ctx := context.Background()
	_, err := client.Call(ctx, Request{Model: "gpt-4o"})
	require.ErrorIs(t, err, boom)
	_, err = client.Call(ctx, Request{Model: "gpt-4o"})
	require.ErrorIs(t, err, boom)
	require.Equal(t, breaker.StateOpen, client.BreakerState())

	// The breaker now refuses calls without touching the upstream; the
	// caller gets ErrCircuitOpen and applies its own fallback.
	before := calls
	_, err = client.Call(ctx, Request{Model: "gpt-4o"})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, before, calls)
}

func TestCallInvokesTimeoutHook(t *testing.T) {
	var hooked []Request
	client, _ := newTestClient(func(ctx context.Context, req Request) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	},
		WithTimeoutHook(func(req Request) { hooked = append(hooked, req) }),
	)

	// Shrink the deadline so the test does not sit out a real baseline.
	client.calc = timeouts.NewCalculator(zerolog.Nop(),
		timeouts.WithBaseline("tiny", "low", time.Millisecond))

	_, err := client.Call(context.Background(), Request{Model: "tiny", ReasoningEffort: "low", UserID: "u1"})
	require.ErrorIs(t, err, timeouts.ErrTimeoutExceeded)
	require.Len(t, hooked, 1)
	assert.Equal(t, "u1", hooked[0].UserID)
}

func TestCallRespectsRetryFlag(t *testing.T) {
	calls := 0
	client, _ := newTestClient(func(ctx context.Context, req Request) (any, error) {
		calls++
		if calls < 2 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})

	result, err := client.Call(context.Background(), Request{Model: "gpt-4o", EnableRetry: true})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 2, calls)
}
