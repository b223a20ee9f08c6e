// Package breaker provides the circuit breaker guarding calls to the shared
// counter store and the upstream inference API. State is per-process on
// purpose: one instance's dependency hiccup should not require cross-process
// coordination, so each process makes its own failure judgment.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrOpen is returned by Execute when the breaker refuses the call. The
// wrapping caller decides the fallback: fail open for the counter store,
// surface to the caller for the upstream inference API.
var ErrOpen = errors.New("breaker: circuit open")

// State represents the breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config holds the breaker thresholds
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// breaker from closed to open.
	FailureThreshold int

	// CoolDown is how long the breaker stays open before allowing a single
	// half-open probe.
	CoolDown time.Duration
}

// Breaker wraps calls to one protected dependency with closed/open/half-open
// state. It never fails for internal bookkeeping; it only reports the state
// of the protected call.
type Breaker struct {
	mu sync.Mutex

	name   string
	config Config
	logger zerolog.Logger

	state               State
	consecutiveFailures int
	openedAt            time.Time
	probeInFlight       bool

	now func() time.Time
}

// New creates a new breaker for the named dependency
func New(name string, config Config, logger zerolog.Logger) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.CoolDown <= 0 {
		config.CoolDown = 30 * time.Second
	}
	return &Breaker{
		name:   name,
		config: config,
		logger: logger,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Allow reports whether a call to the protected dependency should proceed.
// While open it flips to half-open once the cool-down has elapsed and admits
// exactly one probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.config.CoolDown {
			return false
		}
		b.state = StateHalfOpen
		b.probeInFlight = true
		b.logger.Info().Str("dependency", b.name).Msg("circuit breaker half-open, sending probe")
		return true
	case StateHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default:
		return true
	}
}

// OnSuccess records a successful call to the protected dependency
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.state = StateClosed
		b.consecutiveFailures = 0
		b.probeInFlight = false
		b.logger.Info().Str("dependency", b.name).Msg("circuit breaker closed after successful probe")
	case StateClosed:
		b.consecutiveFailures = 0
	}
}

// OnFailure records a failed call to the protected dependency
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = b.now()
		b.probeInFlight = false
		b.logger.Warn().Str("dependency", b.name).Msg("circuit breaker re-opened after failed probe")
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.state = StateOpen
			b.openedAt = b.now()
			b.logger.Warn().
				Str("dependency", b.name).
				Int("consecutive_failures", b.consecutiveFailures).
				Msg("circuit breaker opened")
		}
	}
}

// State returns the current breaker state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn under the breaker. When the breaker refuses the call, fn is
// not invoked and ErrOpen is returned; otherwise fn's error decides whether
// the call counts as a success or a failure.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.Allow() {
		return ErrOpen
	}
	if err := fn(ctx); err != nil {
		b.OnFailure()
		return err
	}
	b.OnSuccess()
	return nil
}

// SetClock overrides the breaker's clock. Test hook only.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}
