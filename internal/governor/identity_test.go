package governor

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveIdentityPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	req.Header.Set("X-Real-IP", "192.0.2.1")
	req.RemoteAddr = "198.51.100.1:4444"

	assert.Equal(t, "203.0.113.9", ResolveIdentity(req))
}

func TestResolveIdentityFallsBackToRealIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Forwarded-For", "not-an-ip")
	req.Header.Set("X-Real-IP", "192.0.2.1")
	req.RemoteAddr = "198.51.100.1:4444"

	assert.Equal(t, "192.0.2.1", ResolveIdentity(req))
}

func TestResolveIdentityFallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "198.51.100.1:4444"

	assert.Equal(t, "198.51.100.1", ResolveIdentity(req))
}

func TestResolveIdentityHandlesBareRemoteAddr(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "2001:db8::1"

	assert.Equal(t, "2001:db8::1", ResolveIdentity(req))
}

func TestResolveIdentityUnknownWhenNothingValid(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Forwarded-For", "garbage")
	req.RemoteAddr = "not-an-address"

	assert.Equal(t, UnknownIdentity, ResolveIdentity(req))
}
