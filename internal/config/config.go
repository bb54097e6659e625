// Package config provides configuration parsing and validation for the
// Nimbus server.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// UDP pool ownership modes.
const (
	PoolModePerSession = "per_session"
	PoolModeShared     = "shared"
)

// Config represents the complete server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Access    AccessConfig    `yaml:"access"`
	Session   SessionConfig   `yaml:"session"`
	Udp       UdpConfig       `yaml:"udp"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Health    HealthConfig    `yaml:"health"`
}

// ServerConfig contains server identity settings.
type ServerConfig struct {
	Version   string `yaml:"version"`    // 3-part server version
	Secret    string `yaml:"secret"`     // base64, 128 bytes
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// AccessConfig defines the access authority endpoint.
type AccessConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// SessionConfig defines session lifecycle parameters.
type SessionConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// UdpConfig defines UDP proxy pool parameters.
type UdpConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	WorkerMaxCount int           `yaml:"worker_max_count"`
	PoolMode       string        `yaml:"pool_mode"` // per_session, shared
	BufferSize     int           `yaml:"buffer_size"`
}

// AnalyticsConfig defines the usage tracker.
type AnalyticsConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// SecretLen is the required decoded length of server.secret.
const SecretLen = 128

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Version:   "0.0.0",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Access: AccessConfig{
			Timeout: 30 * time.Second,
		},
		Session: SessionConfig{
			Timeout:           time.Hour,
			CleanupInterval:   time.Minute,
			HeartbeatInterval: 10 * time.Minute,
		},
		Udp: UdpConfig{
			Timeout:        120 * time.Second,
			WorkerMaxCount: 32,
			PoolMode:       PoolModePerSession,
			BufferSize:     65536,
		},
		Analytics: AnalyticsConfig{
			Enabled: false,
			Timeout: 10 * time.Second,
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	// Parse YAML
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// DecodeSecret returns the decoded server secret.
func (c *Config) DecodeSecret() ([]byte, error) {
	secret, err := base64.StdEncoding.DecodeString(c.Server.Secret)
	if err != nil {
		return nil, fmt.Errorf("server.secret is not valid base64: %w", err)
	}
	if len(secret) != SecretLen {
		return nil, fmt.Errorf("server.secret is %d bytes, want %d", len(secret), SecretLen)
	}
	return secret, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Server.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Server.LogLevel))
	}
	if !isValidLogFormat(c.Server.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Server.LogFormat))
	}
	if !isValidVersion(c.Server.Version) {
		errs = append(errs, fmt.Sprintf("invalid server version: %s (must be three dot-separated parts)", c.Server.Version))
	}
	if c.Server.Secret != "" {
		if _, err := c.DecodeSecret(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if c.Access.URL == "" {
		errs = append(errs, "access.url is required")
	}
	if c.Access.Timeout <= 0 {
		errs = append(errs, "access.timeout must be positive")
	}

	if c.Session.Timeout <= 0 {
		errs = append(errs, "session.timeout must be positive")
	}
	if c.Session.CleanupInterval <= 0 {
		errs = append(errs, "session.cleanup_interval must be positive")
	}
	if c.Session.HeartbeatInterval <= 0 {
		errs = append(errs, "session.heartbeat_interval must be positive")
	}

	if c.Udp.Timeout <= 0 {
		errs = append(errs, "udp.timeout must be positive")
	}
	if c.Udp.WorkerMaxCount < 1 {
		errs = append(errs, "udp.worker_max_count must be positive")
	}
	if c.Udp.PoolMode != PoolModePerSession && c.Udp.PoolMode != PoolModeShared {
		errs = append(errs, fmt.Sprintf("invalid udp.pool_mode: %s (must be per_session or shared)", c.Udp.PoolMode))
	}
	if c.Udp.BufferSize < 1500 {
		errs = append(errs, "udp.buffer_size must be at least 1500")
	}

	if c.Analytics.Enabled && c.Analytics.Endpoint == "" {
		errs = append(errs, "analytics.endpoint is required when enabled")
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

var versionRegex = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

func isValidVersion(v string) bool {
	return versionRegex.MatchString(v)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// String returns a string representation of the config with sensitive
// values redacted.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// Redacted returns a copy of the config safe to log or display.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.Server.Secret != "" {
		redacted.Server.Secret = redactedValue
	}
	return redacted
}
