// ABOUTME: Derives the effective gateway auth mode from config and environment
// ABOUTME: Pure resolution plus a fail-fast startup assertion

package auth

import (
	"errors"
	"fmt"
)

// Auth modes.
const (
	ModeToken    = "token"
	ModePassword = "password"
)

// Network exposure modes. "serve" means the gateway is intentionally
// reachable beyond loopback.
const (
	ExposureLocal = "local"
	ExposureServe = "serve"
)

// Environment variables consulted when config leaves a secret unset.
const (
	EnvToken    = "TETHER_GATEWAY_TOKEN"
	EnvPassword = "TETHER_GATEWAY_PASSWORD"
)

// AuthConfig is the raw auth block from configuration.
type AuthConfig struct {
	Mode           string `yaml:"mode,omitempty"`
	Token          string `yaml:"token,omitempty"`
	Password       string `yaml:"password,omitempty"`
	AllowTailscale *bool  `yaml:"allow_tailscale,omitempty"`
}

// Resolved is the effective auth configuration after applying
// precedence: explicit config, then environment, then absence.
type Resolved struct {
	Mode           string
	Token          string
	Password       string
	AllowTailscale bool
}

// Resolve computes the effective auth settings. Mode defaults to
// password when a password is configured, token otherwise. Tailscale
// identity is allowed by default only when the gateway is exposed
// ("serve") and the mode is not password.
func Resolve(cfg AuthConfig, getenv func(string) string, exposure string) Resolved {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}

	token := cfg.Token
	if token == "" {
		token = getenv(EnvToken)
	}
	password := cfg.Password
	if password == "" {
		password = getenv(EnvPassword)
	}

	mode := cfg.Mode
	if mode == "" {
		if password != "" {
			mode = ModePassword
		} else {
			mode = ModeToken
		}
	}

	allowTailscale := exposure == ExposureServe && mode != ModePassword
	if cfg.AllowTailscale != nil {
		allowTailscale = *cfg.AllowTailscale
	}

	return Resolved{
		Mode:           mode,
		Token:          token,
		Password:       password,
		AllowTailscale: allowTailscale,
	}
}

// ErrNotConfigured marks a startup-fatal auth configuration error.
var ErrNotConfigured = errors.New("gateway auth not configured")

// AssertConfigured fails fast when the resolved mode has no usable
// secret. This is a configuration error, not a per-connection auth
// failure.
func (r Resolved) AssertConfigured() error {
	switch r.Mode {
	case ModeToken:
		if r.Token == "" && !r.AllowTailscale {
			return fmt.Errorf("%w: mode=token with no token and tailscale disallowed (set auth.token or %s)", ErrNotConfigured, EnvToken)
		}
	case ModePassword:
		if r.Password == "" {
			return fmt.Errorf("%w: mode=password with no password (set auth.password or %s)", ErrNotConfigured, EnvPassword)
		}
	default:
		return fmt.Errorf("%w: unknown auth mode %q", ErrNotConfigured, r.Mode)
	}
	return nil
}
