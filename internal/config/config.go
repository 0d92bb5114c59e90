// ABOUTME: Configuration loading and parsing for tether-gateway
// ABOUTME: YAML with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/2389/tether-gateway/internal/auth"
)

// Config is the complete tether-gateway configuration.
type Config struct {
	Server  ServerConfig    `yaml:"server"`
	Auth    auth.AuthConfig `yaml:"auth"`
	Store   StoreConfig     `yaml:"store"`
	Audit   AuditConfig     `yaml:"audit"`
	Lock    LockConfig      `yaml:"lock"`
	Policy  PolicyConfig    `yaml:"policy"`
	Logging LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds listener and exposure configuration.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	// Exposure is "local" (loopback only) or "serve" (intentionally
	// reachable beyond loopback, e.g. behind tailscale serve).
	Exposure       string   `yaml:"exposure"`
	TrustedProxies []string `yaml:"trusted_proxies"`
	TLSCertFile    string   `yaml:"tls_cert_file"`
	TLSKeyFile     string   `yaml:"tls_key_file"`
}

// StoreConfig locates the identity and pairing state files.
type StoreConfig struct {
	Dir string `yaml:"dir"`
}

// AuditConfig holds audit log configuration. An empty path disables
// the audit trail.
type AuditConfig struct {
	Path string `yaml:"path"`
}

// LockConfig tunes the single-instance process lock.
type LockConfig struct {
	Dir string `yaml:"dir"`

	Timeout  time.Duration `yaml:"-"`
	StaleAge time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	TimeoutRaw  string `yaml:"timeout"`
	StaleAgeRaw string `yaml:"stale_age"`
}

// PolicyConfig holds per-connection policy returned to clients.
type PolicyConfig struct {
	TickInterval time.Duration `yaml:"-"`

	TickIntervalRaw string `yaml:"tick_interval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a
// parsed Config. Environment variables in the format ${VAR_NAME} are
// expanded; duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to the empty
// string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills unset fields with working defaults.
func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = "127.0.0.1:9400"
	}
	if c.Server.Exposure == "" {
		c.Server.Exposure = auth.ExposureLocal
	}
}

// Validate checks that all required configuration fields are present
// and valid. Returns an error describing the first failure.
func (c *Config) Validate() error {
	if c.Server.Exposure != auth.ExposureLocal && c.Server.Exposure != auth.ExposureServe {
		return fmt.Errorf("server.exposure must be %q or %q, got %q", auth.ExposureLocal, auth.ExposureServe, c.Server.Exposure)
	}

	if c.Store.Dir == "" {
		return fmt.Errorf("store.dir is required")
	}

	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		return fmt.Errorf("server.tls_cert_file and server.tls_key_file must be set together")
	}

	if c.Auth.Mode != "" && c.Auth.Mode != auth.ModeToken && c.Auth.Mode != auth.ModePassword {
		return fmt.Errorf("auth.mode must be %q or %q, got %q", auth.ModeToken, auth.ModePassword, c.Auth.Mode)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration
// values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Lock.TimeoutRaw != "" {
		cfg.Lock.Timeout, err = time.ParseDuration(cfg.Lock.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing lock.timeout %q: %w", cfg.Lock.TimeoutRaw, err)
		}
	}

	if cfg.Lock.StaleAgeRaw != "" {
		cfg.Lock.StaleAge, err = time.ParseDuration(cfg.Lock.StaleAgeRaw)
		if err != nil {
			return fmt.Errorf("parsing lock.stale_age %q: %w", cfg.Lock.StaleAgeRaw, err)
		}
	}

	if cfg.Policy.TickIntervalRaw != "" {
		cfg.Policy.TickInterval, err = time.ParseDuration(cfg.Policy.TickIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing policy.tick_interval %q: %w", cfg.Policy.TickIntervalRaw, err)
		}
	}

	return nil
}
