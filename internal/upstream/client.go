// Package upstream wraps calls to the inference API with the protective
// envelope: outbound pacing, the upstream circuit breaker, and the adaptive
// timeout calculator. It does not know the upstream wire protocol; callers
// supply the actual transport as a DoFunc.
package upstream

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/chrlshc/huntaze-edge-governor/internal/breaker"
	"github.com/chrlshc/huntaze-edge-governor/internal/timeouts"
)

// ErrCircuitOpen is surfaced to the caller when the upstream breaker refuses
// the call. Unlike the counter store, silently proceeding here would be
// unsafe, so the caller applies its own fallback (typically a smaller model).
var ErrCircuitOpen = errors.New("upstream: circuit breaker open")

// Request describes one inference call through the envelope.
type Request struct {
	Model           string
	ReasoningEffort string
	TokenCount      int

	// EnableRetry must stay false for non-idempotent or streaming calls.
	EnableRetry bool

	RequestID string
	UserID    string
}

// DoFunc performs the actual upstream call. It must respect ctx cancellation.
type DoFunc func(ctx context.Context, req Request) (any, error)

// TimeoutHook is invoked after a call exceeds its computed deadline, letting
// the governor fold repeated forced timeouts back into abuse tracking.
type TimeoutHook func(req Request)

// Client is the governed envelope around the upstream inference API.
type Client struct {
	do        DoFunc
	breaker   *breaker.Breaker
	calc      *timeouts.Calculator
	pacer     *rate.Limiter
	onTimeout TimeoutHook
	logger    zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithPacer caps the outbound request rate to the upstream.
func WithPacer(limit rate.Limit, burst int) Option {
	return func(c *Client) { c.pacer = rate.NewLimiter(limit, burst) }
}

// WithTimeoutHook registers the forced-timeout feedback hook.
func WithTimeoutHook(hook TimeoutHook) Option {
	return func(c *Client) { c.onTimeout = hook }
}

// NewClient creates a new upstream envelope client
func NewClient(do DoFunc, upstreamBreaker *breaker.Breaker, calc *timeouts.Calculator, logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		do:      do,
		breaker: upstreamBreaker,
		calc:    calc,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call runs one inference request through pacing, the breaker, and the
// adaptive deadline. Latency and outcome are recorded back into the
// calculator on every path that reached the upstream.
func (c *Client) Call(ctx context.Context, req Request) (any, error) {
	if c.pacer != nil {
		if err := c.pacer.Wait(ctx); err != nil {
			return nil, err
		}
	}

	if !c.breaker.Allow() {
		c.logger.Warn().
			Str("model", req.Model).
			Str("request_id", req.RequestID).
			Msg("upstream circuit open, rejecting call")
		return nil, ErrCircuitOpen
	}

	decision := c.calc.Compute(timeouts.Request{
		Model:           req.Model,
		ReasoningEffort: req.ReasoningEffort,
		TokenCount:      req.TokenCount,
	})

	start := time.Now()
	result, err := c.calc.Execute(ctx, func(ctx context.Context) (any, error) {
		return c.do(ctx, req)
	}, decision, timeouts.ExecOptions{
		EnableRetry: req.EnableRetry,
		RequestID:   req.RequestID,
		UserID:      req.UserID,
	})
	latency := time.Since(start)

	c.calc.RecordOutcome(req.Model, req.ReasoningEffort, latency, err == nil)

	if err != nil {
		c.breaker.OnFailure()
		if errors.Is(err, timeouts.ErrTimeoutExceeded) {
			c.logger.Warn().
				Str("model", req.Model).
				Str("request_id", req.RequestID).
				Dur("timeout", decision.Timeout).
				Float64("confidence", decision.Confidence).
				Msg("upstream call exceeded computed deadline")
			if c.onTimeout != nil {
				c.onTimeout(req)
			}
		}
		return nil, err
	}

	c.breaker.OnSuccess()
	return result, nil
}

// BreakerState exposes the upstream breaker state for health reporting
func (c *Client) BreakerState() breaker.State {
	return c.breaker.State()
}
