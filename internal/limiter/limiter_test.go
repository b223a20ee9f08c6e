package limiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrlshc/huntaze-edge-governor/internal/breaker"
	"github.com/chrlshc/huntaze-edge-governor/internal/policy"
	"github.com/chrlshc/huntaze-edge-governor/internal/store"
)

// brokenStore fails every operation, simulating an unreachable counter store.
type brokenStore struct {
	store.CounterStore
}

func (brokenStore) SlidingWindow(ctx context.Context, key, member string, now time.Time, window time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}

func testPolicy() policy.Policy {
	return policy.Policy{Label: "test", Scope: policy.ScopeIdentity, Window: time.Minute, MaxRequests: 5}
}

func newTestLimiter(cs store.CounterStore) (*Limiter, *time.Time) {
	b := breaker.New("store", breaker.Config{FailureThreshold: 100}, zerolog.Nop())
	l := New(cs, b, zerolog.Nop())
	now := time.Now()
	l.SetClock(func() time.Time { return now })
	return l, &now
}

func TestCheckAllowsUpToLimitThenDenies(t *testing.T) {
	l, _ := newTestLimiter(store.NewMemoryStore(zerolog.Nop()))
	pol := testPolicy()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res := l.Check(ctx, pol, "203.0.113.9")
		require.True(t, res.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 4-i, res.Remaining)
		assert.Equal(t, 5, res.Limit)
	}

	res := l.Check(ctx, pol, "203.0.113.9")
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.True(t, res.ResetAt.After(time.Now()))
}

func TestCheckWindowSlides(t *testing.T) {
	l, now := newTestLimiter(store.NewMemoryStore(zerolog.Nop()))
	pol := testPolicy()
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		l.Check(ctx, pol, "id")
	}
	require.False(t, l.Check(ctx, pol, "id").Allowed)

	// After the window elapses the old tokens are evicted.
	*now = now.Add(pol.Window + time.Second)
	res := l.Check(ctx, pol, "id")
	assert.True(t, res.Allowed)
}

func TestCheckDeniedRequestStillConsumesSlot(t *testing.T) {
	ms := store.NewMemoryStore(zerolog.Nop())
	l, _ := newTestLimiter(ms)
	pol := testPolicy()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		l.Check(ctx, pol, "abuser")
	}

	// A sustained-abuse client stays pinned at the limit: the denied
	// attempts keep refreshing the window.
	res := l.Check(ctx, pol, "abuser")
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
}

func TestCheckIdentitiesAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(store.NewMemoryStore(zerolog.Nop()))
	pol := testPolicy()
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		l.Check(ctx, pol, "a")
	}
	require.False(t, l.Check(ctx, pol, "a").Allowed)
	assert.True(t, l.Check(ctx, pol, "b").Allowed)
}

func TestCheckFailsOpenOnStoreError(t *testing.T) {
	l, _ := newTestLimiter(brokenStore{})
	pol := testPolicy()

	res := l.Check(context.Background(), pol, "id")
	assert.True(t, res.Allowed)
	assert.True(t, res.Degraded)
	assert.Equal(t, pol.MaxRequests, res.Remaining, "remaining is informational in degraded mode")
	assert.Equal(t, pol.MaxRequests, res.Limit, "policy stays visible when not enforced")
}

func TestCheckFailsOpenWhenBreakerOpen(t *testing.T) {
	b := breaker.New("store", breaker.Config{FailureThreshold: 1, CoolDown: time.Hour}, zerolog.Nop())
	b.OnFailure()

	ms := store.NewMemoryStore(zerolog.Nop())
	l := New(ms, b, zerolog.Nop())

	res := l.Check(context.Background(), testPolicy(), "id")
	assert.True(t, res.Allowed)
	assert.True(t, res.Degraded)
}
