package policy

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// whitelistEnv names the environment variable holding extra exempt IPs,
// comma-separated. It merges with the whitelist from the policy file.
const whitelistEnv = "GOVERNOR_IP_WHITELIST"

// Config is the parsed policy file plus the environment whitelist.
type Config struct {
	Default   Policy
	Routes    map[string]Policy
	Whitelist []string
}

type fileConfig struct {
	Default   filePolicy  `yaml:"default"`
	Routes    []fileRoute `yaml:"routes"`
	Whitelist []string    `yaml:"whitelist"`
}

type fileRoute struct {
	Prefix string     `yaml:"prefix"`
	Policy filePolicy `yaml:"policy"`
}

type filePolicy struct {
	Label       string `yaml:"label"`
	Scope       string `yaml:"scope"`
	Window      string `yaml:"window"`
	MaxRequests int    `yaml:"max_requests"`
}

func (fp filePolicy) toPolicy(defaultLabel string) (Policy, error) {
	label := fp.Label
	if label == "" {
		label = defaultLabel
	}
	scope := Scope(fp.Scope)
	if scope == "" {
		scope = ScopeIdentity
	}
	if scope != ScopeIdentity && scope != ScopeEndpoint {
		return Policy{}, fmt.Errorf("policy %s: unknown scope %q", label, fp.Scope)
	}
	window, err := time.ParseDuration(fp.Window)
	if err != nil {
		return Policy{}, fmt.Errorf("policy %s: invalid window %q: %w", label, fp.Window, err)
	}
	p := Policy{
		Label:       label,
		Scope:       scope,
		Window:      window,
		MaxRequests: fp.MaxRequests,
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// LoadConfig parses the YAML policy file at path and merges the environment
// whitelist. An empty path yields the built-in defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		Default: DefaultPolicy(),
		Routes:  make(map[string]Policy),
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read policy file: %w", err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse policy file: %w", err)
		}

		if fc.Default.Window != "" {
			cfg.Default, err = fc.Default.toPolicy("default")
			if err != nil {
				return nil, err
			}
		}
		for _, rt := range fc.Routes {
			if rt.Prefix == "" {
				return nil, fmt.Errorf("policy route with empty prefix")
			}
			p, err := rt.Policy.toPolicy(rt.Prefix)
			if err != nil {
				return nil, err
			}
			cfg.Routes[rt.Prefix] = p
		}
		cfg.Whitelist = append(cfg.Whitelist, fc.Whitelist...)
	}

	if env := os.Getenv(whitelistEnv); env != "" {
		for _, ip := range strings.Split(env, ",") {
			if ip = strings.TrimSpace(ip); ip != "" {
				cfg.Whitelist = append(cfg.Whitelist, ip)
			}
		}
	}

	return cfg, nil
}

// DefaultPolicy is the stricter-by-default policy applied to routes without
// an explicit entry: 60 requests per minute, keyed by identity.
func DefaultPolicy() Policy {
	return Policy{
		Label:       "default",
		Scope:       ScopeIdentity,
		Window:      time.Minute,
		MaxRequests: 60,
	}
}

// AuthPolicy is the tighter policy suggested for authentication endpoints:
// 5 requests per minute.
func AuthPolicy() Policy {
	return Policy{
		Label:       "auth",
		Scope:       ScopeIdentity,
		Window:      time.Minute,
		MaxRequests: 5,
	}
}
