package governor

import (
	"net"
	"net/http"
	"strings"

	"github.com/chrlshc/huntaze-edge-governor/internal/abuse"
)

// UnknownIdentity is the shared synthetic identity used when no source in
// the forwarding chain yields a valid address. It still participates in
// quota checks under one shared bucket; it just cannot be IP-blocked.
const UnknownIdentity = "unknown"

// ResolveIdentity derives the client identity from the request: first entry
// of X-Forwarded-For, then X-Real-IP, then the transport peer address.
// Sources that are present but malformed fall through to the next one.
func ResolveIdentity(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if abuse.ValidIP(first) {
			return first
		}
	}

	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		if abuse.ValidIP(realIP) {
			return realIP
		}
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		host = strings.TrimSpace(r.RemoteAddr)
	}
	if abuse.ValidIP(host) {
		return host
	}

	return UnknownIdentity
}
