package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolverLongestPrefixWins(t *testing.T) {
	auth := AuthPolicy()
	api := Policy{Label: "api", Scope: ScopeIdentity, Window: time.Minute, MaxRequests: 120}

	r := NewResolver(DefaultPolicy(), map[string]Policy{
		"/api":      api,
		"/api/auth": auth,
	})

	assert.Equal(t, "auth", r.Resolve("/api/auth/login").Label)
	assert.Equal(t, "api", r.Resolve("/api/content").Label)
	assert.Equal(t, "default", r.Resolve("/health").Label)
}

func TestPolicyString(t *testing.T) {
	p := Policy{Label: "default", Window: time.Minute, MaxRequests: 60}
	assert.Equal(t, "default;w=60;limit=60", p.String())
}

func TestPolicyValidate(t *testing.T) {
	assert.Error(t, Policy{Window: time.Minute, MaxRequests: 10}.Validate())
	assert.Error(t, Policy{Label: "x", MaxRequests: 10}.Validate())
	assert.Error(t, Policy{Label: "x", Window: time.Minute}.Validate())
	assert.NoError(t, Policy{Label: "x", Window: time.Minute, MaxRequests: 10}.Validate())
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy(), cfg.Default)
	assert.Empty(t, cfg.Routes)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	data := `
default:
  window: 1m
  max_requests: 60
routes:
  - prefix: /api/auth
    policy:
      label: auth
      window: 1m
      max_requests: 5
whitelist:
  - 10.0.0.1
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 60, cfg.Default.MaxRequests)
	require.Contains(t, cfg.Routes, "/api/auth")
	assert.Equal(t, 5, cfg.Routes["/api/auth"].MaxRequests)
	assert.Equal(t, time.Minute, cfg.Routes["/api/auth"].Window)
	assert.Equal(t, []string{"10.0.0.1"}, cfg.Whitelist)
}

func TestLoadConfigRejectsBadPolicies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	data := `
routes:
  - prefix: /api
    policy:
      window: banana
      max_requests: 5
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfigMergesEnvWhitelist(t *testing.T) {
	t.Setenv(whitelistEnv, "192.0.2.1, 192.0.2.2")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, []string{"192.0.2.1", "192.0.2.2"}, cfg.Whitelist)
}
