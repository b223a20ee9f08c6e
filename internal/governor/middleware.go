package governor

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

// errorBody is the JSON error envelope for denials. It never carries store
// details, only the caller-actionable code, message, and correlation id.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id"`
}

// Middleware governs every request under pathPrefix. Governed responses
// always carry the rate-limit headers, allowed or not; requests outside the
// prefix pass through untouched.
func (g *Governor) Middleware(pathPrefix string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, pathPrefix) {
				next.ServeHTTP(w, r)
				return
			}

			if g.loadTracker != nil {
				g.loadTracker.Begin()
				defer g.loadTracker.End()
			}

			decision := g.Decide(r.Context(), DecisionInput{
				Path:          r.URL.Path,
				ClientIP:      ResolveIdentity(r),
				CorrelationID: r.Header.Get("X-Request-ID"),
			})

			writeRateLimitHeaders(w, decision)

			if !decision.Allowed {
				writeDenial(w, decision)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeRateLimitHeaders attaches the policy headers. The policy must remain
// visible even for denied or degraded (fail-open) decisions.
func writeRateLimitHeaders(w http.ResponseWriter, decision Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(decision.Policy.MaxRequests))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Quota.Remaining))
	if !decision.Quota.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(decision.Quota.ResetAt.Unix(), 10))
	}
	h.Set("X-RateLimit-Policy", decision.Policy.String())
	if decision.Quota.Degraded {
		h.Set("X-RateLimit-Degraded", "true")
	}
	if decision.CorrelationID != "" {
		h.Set("X-Request-ID", decision.CorrelationID)
	}
}

func writeDenial(w http.ResponseWriter, decision Decision) {
	if decision.RetryAfter > 0 {
		seconds := int(decision.RetryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(decision.Code)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:          decision.ErrorCode,
			Message:       decision.Reason,
			CorrelationID: decision.CorrelationID,
		},
	})
}
