// Package limiter implements the sliding-window quota enforcer. Counts live
// in the shared counter store so every process behind the load balancer sees
// the same window; the limiter holds no count state of its own.
package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chrlshc/huntaze-edge-governor/internal/breaker"
	"github.com/chrlshc/huntaze-edge-governor/internal/policy"
	"github.com/chrlshc/huntaze-edge-governor/internal/store"
)

// Result is the outcome of a quota check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time

	// Degraded marks a fail-open result produced while the counter store was
	// unavailable. Remaining is informational only in that case; the policy
	// stays visible in headers even when it is not enforced.
	Degraded bool
}

// Limiter checks sliding-window quotas against the counter store, mediated by
// the store circuit breaker.
type Limiter struct {
	store   store.CounterStore
	breaker *breaker.Breaker
	logger  zerolog.Logger

	now func() time.Time
}

// New creates a new sliding window limiter
func New(counterStore store.CounterStore, storeBreaker *breaker.Breaker, logger zerolog.Logger) *Limiter {
	return &Limiter{
		store:   counterStore,
		breaker: storeBreaker,
		logger:  logger,
		now:     time.Now,
	}
}

// Check records this request in the window for (policy, identity) and reports
// whether it fits the quota. The request token is written before counting, so
// a denied request still consumes a slot: a client hammering past the limit
// stays pinned at it instead of resetting the window on every failed attempt.
//
// Any store error, including the breaker refusing the call, fails open.
func (l *Limiter) Check(ctx context.Context, pol policy.Policy, identity string) Result {
	now := l.now()
	key := windowKey(pol, identity)
	token := uuid.New().String()

	var count int64
	err := l.breaker.Execute(ctx, func(ctx context.Context) error {
		var storeErr error
		count, storeErr = l.store.SlidingWindow(ctx, key, token, now, pol.Window)
		return storeErr
	})
	if err != nil {
		if !errors.Is(err, breaker.ErrOpen) {
			l.logger.Warn().
				Err(err).
				Str("policy", pol.Label).
				Msg("sliding window check failed, failing open")
		}
		return Result{
			Allowed:   true,
			Limit:     pol.MaxRequests,
			Remaining: pol.MaxRequests,
			ResetAt:   now.Add(pol.Window),
			Degraded:  true,
		}
	}

	remaining := pol.MaxRequests - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return Result{
		Allowed:   count <= int64(pol.MaxRequests),
		Limit:     pol.MaxRequests,
		Remaining: remaining,
		ResetAt:   now.Add(pol.Window),
	}
}

// SetClock overrides the limiter's clock. Test hook only.
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

func windowKey(pol policy.Policy, identity string) string {
	if pol.Scope == policy.ScopeEndpoint {
		return "ratelimit:" + pol.Label
	}
	return "ratelimit:" + pol.Label + ":" + identity
}
