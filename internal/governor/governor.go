// Package governor is the orchestration entry point of the governance layer:
// it composes identity resolution, the IP abuse tracker, the sliding window
// limiter, and the upstream envelope into one allow/block decision per
// request, and attaches the observability metadata the surrounding
// application emits.
package governor

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chrlshc/huntaze-edge-governor/internal/abuse"
	"github.com/chrlshc/huntaze-edge-governor/internal/breaker"
	"github.com/chrlshc/huntaze-edge-governor/internal/limiter"
	"github.com/chrlshc/huntaze-edge-governor/internal/load"
	"github.com/chrlshc/huntaze-edge-governor/internal/policy"
	"github.com/chrlshc/huntaze-edge-governor/internal/upstream"
)

// forcedTimeoutThreshold is how many consecutive upstream deadline busts by
// one identity count as an abuse signal.
const forcedTimeoutThreshold = 3

// DecisionInput is the transport-independent view of an inbound request.
type DecisionInput struct {
	Path          string
	ClientIP      string
	CorrelationID string
}

// Decision is the governance outcome for one request.
type Decision struct {
	Allowed       bool
	Code          int
	ErrorCode     string
	Reason        string
	RetryAfter    time.Duration
	Policy        policy.Policy
	Quota         limiter.Result
	CorrelationID string
}

// Governor owns the governance components. It is explicitly constructed and
// dependency-injected; there is no process-wide instance.
type Governor struct {
	limiter      *limiter.Limiter
	tracker      *abuse.Tracker
	resolver     *policy.Resolver
	loadTracker  *load.Tracker
	storeBreaker *breaker.Breaker
	metrics      *Metrics
	logger       zerolog.Logger

	mu              sync.Mutex
	timeoutsByIdent map[string]int

	now func() time.Time
}

// New creates a new request governor
func New(lim *limiter.Limiter, tracker *abuse.Tracker, resolver *policy.Resolver, loadTracker *load.Tracker, storeBreaker *breaker.Breaker, metrics *Metrics, logger zerolog.Logger) *Governor {
	return &Governor{
		limiter:         lim,
		tracker:         tracker,
		resolver:        resolver,
		loadTracker:     loadTracker,
		storeBreaker:    storeBreaker,
		metrics:         metrics,
		logger:          logger,
		timeoutsByIdent: make(map[string]int),
		now:             time.Now,
	}
}

// Decide runs the full admission pipeline: block check, then quota check.
// Both the HTTP middleware and the ext_authz adapter go through here.
func (g *Governor) Decide(ctx context.Context, input DecisionInput) Decision {
	correlationID := input.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	pol := g.resolver.Resolve(input.Path)

	g.metrics.BreakerState.WithLabelValues("store").Set(breakerStateValue(g.storeBreaker.State()))

	if input.ClientIP != UnknownIdentity {
		block := g.tracker.CheckIPBlock(ctx, input.ClientIP, correlationID)
		if !block.Allowed {
			if block.Reason == "Invalid IP format" {
				g.metrics.DecisionsTotal.WithLabelValues("deny", "invalid_identity").Inc()
				return Decision{
					Code:          http.StatusForbidden,
					ErrorCode:     codeInvalidIdentity,
					Reason:        block.Reason,
					Policy:        pol,
					CorrelationID: correlationID,
				}
			}
			g.metrics.DecisionsTotal.WithLabelValues("deny", "ip_blocked").Inc()
			g.logger.Info().
				Str("ip", input.ClientIP).
				Str("correlation_id", correlationID).
				Int("violation_count", block.ViolationCount).
				Dur("retry_after", block.RetryAfter).
				Msg("request denied: IP blocked")
			return Decision{
				Code:          http.StatusTooManyRequests,
				ErrorCode:     codeIPBlocked,
				Reason:        block.Reason,
				RetryAfter:    block.RetryAfter,
				Policy:        pol,
				CorrelationID: correlationID,
			}
		}
	}

	start := g.now()
	quota := g.limiter.Check(ctx, pol, input.ClientIP)
	g.metrics.QuotaCheckDuration.Observe(g.now().Sub(start).Seconds())
	if quota.Degraded {
		g.metrics.DegradedTotal.Inc()
	}

	if !quota.Allowed {
		retryAfter := quota.ResetAt.Sub(g.now())
		if retryAfter < 0 {
			retryAfter = 0
		}
		g.metrics.DecisionsTotal.WithLabelValues("deny", "quota_exceeded").Inc()
		g.logger.Info().
			Str("identity", input.ClientIP).
			Str("policy", pol.Label).
			Str("correlation_id", correlationID).
			Msg("request denied: quota exceeded")
		return Decision{
			Code:          http.StatusTooManyRequests,
			ErrorCode:     codeQuotaExceeded,
			Reason:        "Rate limit exceeded, slow down",
			RetryAfter:    retryAfter,
			Policy:        pol,
			Quota:         quota,
			CorrelationID: correlationID,
		}
	}

	g.metrics.DecisionsTotal.WithLabelValues("allow", "ok").Inc()
	return Decision{
		Allowed:       true,
		Code:          http.StatusOK,
		Policy:        pol,
		Quota:         quota,
		CorrelationID: correlationID,
	}
}

// NoteUpstreamTimeout folds a forced upstream timeout back into abuse
// tracking. A single deadline bust is noise; a run of them from one identity
// is treated as a violation. Wired as the upstream client's TimeoutHook.
func (g *Governor) NoteUpstreamTimeout(req upstream.Request) {
	g.metrics.UpstreamTimeouts.Inc()

	identity := req.UserID
	if identity == "" {
		return
	}

	g.mu.Lock()
	g.timeoutsByIdent[identity]++
	count := g.timeoutsByIdent[identity]
	if count >= forcedTimeoutThreshold {
		delete(g.timeoutsByIdent, identity)
	}
	g.mu.Unlock()

	if count < forcedTimeoutThreshold {
		return
	}

	g.logger.Warn().
		Str("identity", identity).
		Int("consecutive_timeouts", count).
		Msg("repeated forced timeouts, recording violation")
	if abuse.ValidIP(identity) {
		g.tracker.TrackViolation(context.Background(), identity, req.RequestID)
	}
}

// NoteUpstreamSuccess clears the consecutive-timeout run for an identity.
func (g *Governor) NoteUpstreamSuccess(identity string) {
	if identity == "" {
		return
	}
	g.mu.Lock()
	delete(g.timeoutsByIdent, identity)
	g.mu.Unlock()
}

// Reset clears the governor's in-process state. Test isolation hook; the
// store-resident windows and violations are owned by the store.
func (g *Governor) Reset() {
	g.mu.Lock()
	g.timeoutsByIdent = make(map[string]int)
	g.mu.Unlock()
	if g.loadTracker != nil {
		g.loadTracker.Reset()
	}
}

func breakerStateValue(s breaker.State) float64 {
	switch s {
	case breaker.StateClosed:
		return 0
	case breaker.StateHalfOpen:
		return 1
	case breaker.StateOpen:
		return 2
	default:
		return 0
	}
}
