// Package policy holds the rate-limit policies and their resolution by route.
package policy

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Scope says what a policy keys its window on.
type Scope string

const (
	ScopeIdentity Scope = "identity"
	ScopeEndpoint Scope = "endpoint"
)

// Policy is an immutable rate-limit policy looked up by route.
type Policy struct {
	Label       string
	Scope       Scope
	Window      time.Duration
	MaxRequests int
}

// String renders the policy for the X-RateLimit-Policy header.
func (p Policy) String() string {
	return fmt.Sprintf("%s;w=%d;limit=%d", p.Label, int(p.Window.Seconds()), p.MaxRequests)
}

// Validate checks the policy is usable
func (p Policy) Validate() error {
	if p.Label == "" {
		return fmt.Errorf("policy label is required")
	}
	if p.Window <= 0 {
		return fmt.Errorf("policy %s: window must be positive", p.Label)
	}
	if p.MaxRequests <= 0 {
		return fmt.Errorf("policy %s: max_requests must be positive", p.Label)
	}
	return nil
}

// Resolver maps request paths to policies by longest matching prefix, falling
// back to the default policy.
type Resolver struct {
	defaultPolicy Policy
	routes        []route
}

type route struct {
	prefix string
	policy Policy
}

// NewResolver creates a resolver with the given default and per-prefix routes.
// Prefixes are matched longest-first so /api/auth wins over /api.
func NewResolver(defaultPolicy Policy, routes map[string]Policy) *Resolver {
	r := &Resolver{defaultPolicy: defaultPolicy}
	for prefix, p := range routes {
		r.routes = append(r.routes, route{prefix: prefix, policy: p})
	}
	sort.Slice(r.routes, func(i, j int) bool {
		return len(r.routes[i].prefix) > len(r.routes[j].prefix)
	})
	return r
}

// Resolve returns the policy for the given request path
func (r *Resolver) Resolve(path string) Policy {
	for _, rt := range r.routes {
		if strings.HasPrefix(path, rt.prefix) {
			return rt.policy
		}
	}
	return r.defaultPolicy
}

// Default returns the resolver's default policy
func (r *Resolver) Default() Policy {
	return r.defaultPolicy
}
