// Package config provides YAML configuration loading with validation and
// environment variable substitution for the aggregator.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level aggregator configuration.
type Config struct {
	Server   ServerConfig    `yaml:"server" json:"server"`
	Metrics  MetricsConfig   `yaml:"metrics" json:"metrics"`
	Logging  LoggingConfig   `yaml:"logging" json:"logging"`
	Admin    AdminConfig     `yaml:"admin" json:"admin"`
	Defaults DefaultsConfig  `yaml:"defaults" json:"defaults"`
	Services []ServiceConfig `yaml:"services" json:"services"`

	// Warnings holds non-fatal config issues detected during loading.
	// Stored on the Config itself (not a package-level var) so it is
	// safe to call Load concurrently from the hot-reload goroutine.
	Warnings []string `yaml:"-" json:"-"`
}

// ServerConfig holds settings for the operational HTTP server (metrics,
// health, admin).
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
// Enabled defaults to true; set to false to disable metrics.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// LoggingConfig holds log output and rotation settings.
type LoggingConfig struct {
	Output     string `yaml:"output" json:"output"`           // "stdout", "stderr", or file path; default: "stdout"
	Level      string `yaml:"level" json:"level"`             // "debug", "info", "warn", "error"; default: "info"
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"` // max log file size before rotation; default: 100
	MaxBackups int    `yaml:"max_backups" json:"max_backups"` // number of rotated files to keep; default: 3
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
}

// AdminConfig holds the manual control surface settings. The admin endpoints
// can force breakers open or closed, so they are guarded by an IP allowlist
// and, when JWTSecret is set, a bearer token.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"` // CIDR notation
	JWTSecret   string   `yaml:"jwt_secret" json:"jwt_secret"`
	Issuer      string   `yaml:"issuer" json:"issuer"`
	Audience    string   `yaml:"audience" json:"audience"`
}

// DefaultsConfig holds the resilience settings applied to services that do
// not override them.
type DefaultsConfig struct {
	TimeoutMs      int                  `yaml:"timeout_ms" json:"timeout_ms"`
	Retry          RetryConfig          `yaml:"retry" json:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit" json:"rate_limit"`
}

// Timeout returns the default per-attempt deadline.
func (d DefaultsConfig) Timeout() time.Duration {
	if d.TimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(d.TimeoutMs) * time.Millisecond
}

// RetryConfig holds retry policy settings.
type RetryConfig struct {
	MaxAttempts int     `yaml:"max_attempts" json:"max_attempts"`
	BaseDelayMs int     `yaml:"base_delay_ms" json:"base_delay_ms"`
	MaxDelayMs  int     `yaml:"max_delay_ms" json:"max_delay_ms"`
	Multiplier  float64 `yaml:"multiplier" json:"multiplier"`
	Jitter      *bool   `yaml:"jitter" json:"jitter"` // default: true
}

// BaseDelay returns the initial backoff delay.
func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMs) * time.Millisecond
}

// MaxDelay returns the backoff cap.
func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMs) * time.Millisecond
}

// JitterEnabled returns whether backoff jitter is on (defaults to true).
func (r RetryConfig) JitterEnabled() bool {
	if r.Jitter == nil {
		return true
	}
	return *r.Jitter
}

// CircuitBreakerConfig holds circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
	ExpectedErrors   []string      `yaml:"expected_errors" json:"expected_errors,omitempty"`
}

// RateLimitConfig holds per-service rate limit ceilings. Zero-valued fields
// disable the corresponding stage.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	RequestsPerMinute int     `yaml:"requests_per_minute" json:"requests_per_minute"`
	RequestsPerHour   int     `yaml:"requests_per_hour" json:"requests_per_hour"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size"`
}

// ConnectionPoolConfig holds per-service HTTP transport pool settings.
type ConnectionPoolConfig struct {
	MaxIdleConns   int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxIdlePerHost int           `yaml:"max_idle_per_host" json:"max_idle_per_host"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
}

// ServiceConfig defines one upstream provider. Optional sections fall back
// to the built-in provider preset (when the name matches one) and then to
// the Defaults block.
type ServiceConfig struct {
	Name           string                `yaml:"name" json:"name"`
	BaseURL        string                `yaml:"base_url" json:"base_url"`
	TimeoutMs      int                   `yaml:"timeout_ms" json:"timeout_ms"`
	MaxConcurrent  int                   `yaml:"max_concurrent" json:"max_concurrent"`
	Headers        map[string]string     `yaml:"headers" json:"headers,omitempty"`
	Retry          *RetryConfig          `yaml:"retry" json:"retry,omitempty"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker,omitempty"`
	RateLimit      *RateLimitConfig      `yaml:"rate_limit" json:"rate_limit,omitempty"`
	ConnectionPool *ConnectionPoolConfig `yaml:"connection_pool" json:"connection_pool,omitempty"`
}

// Timeout returns the per-attempt deadline, or 0 when unset (caller applies
// the default).
func (s ServiceConfig) Timeout() time.Duration {
	if s.TimeoutMs <= 0 {
		return 0
	}
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns in s with the corresponding
// environment variable value.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

// Load reads and parses a YAML configuration file, applies environment
// variable substitution, sets defaults, and validates the result.
// Warnings are stored on cfg.Warnings (goroutine-safe, no package-level state).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes. Useful for testing.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 15 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	// Logging defaults
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}

	// Resilience defaults
	d := &cfg.Defaults
	if d.TimeoutMs == 0 {
		d.TimeoutMs = 10000
	}
	if d.Retry.MaxAttempts == 0 {
		d.Retry.MaxAttempts = 3
	}
	if d.Retry.BaseDelayMs == 0 {
		d.Retry.BaseDelayMs = 300
	}
	if d.Retry.MaxDelayMs == 0 {
		d.Retry.MaxDelayMs = 5000
	}
	if d.Retry.Multiplier == 0 {
		d.Retry.Multiplier = 2
	}
	if d.CircuitBreaker.FailureThreshold == 0 {
		d.CircuitBreaker.FailureThreshold = 5
	}
	if d.CircuitBreaker.ResetTimeout == 0 {
		d.CircuitBreaker.ResetTimeout = 30 * time.Second
	}
	if d.RateLimit.RequestsPerSecond == 0 {
		d.RateLimit.RequestsPerSecond = 5
	}
	if d.RateLimit.BurstSize == 0 {
		d.RateLimit.BurstSize = 10
	}
}

// ValidLogLevels are the accepted logging.level strings.
var ValidLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	if !ValidLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Output != "stdout" && cfg.Logging.Output != "stderr" {
		if cfg.Logging.MaxSizeMB < 1 {
			return fmt.Errorf("logging.max_size_mb must be positive when output is a file path")
		}
	}

	if err := validateRetry("defaults.retry", cfg.Defaults.Retry); err != nil {
		return err
	}
	if err := validateBreaker("defaults.circuit_breaker", cfg.Defaults.CircuitBreaker); err != nil {
		return err
	}
	if err := validateRateLimit("defaults.rate_limit", cfg.Defaults.RateLimit); err != nil {
		return err
	}

	// Admin validation
	if cfg.Admin.Enabled {
		if len(cfg.Admin.IPAllowlist) == 0 {
			return fmt.Errorf("admin.ip_allowlist is required when admin is enabled")
		}
		for i, cidr := range cfg.Admin.IPAllowlist {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("admin.ip_allowlist[%d]: invalid CIDR %q: %w", i, cidr, err)
			}
		}
		if cfg.Admin.JWTSecret != "" {
			if cfg.Admin.Issuer == "" {
				return fmt.Errorf("admin.issuer is required when admin.jwt_secret is set")
			}
			if cfg.Admin.Audience == "" {
				return fmt.Errorf("admin.audience is required when admin.jwt_secret is set")
			}
		}
	}

	seen := make(map[string]bool)
	for i, s := range cfg.Services {
		if s.Name == "" {
			return fmt.Errorf("services[%d].name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate service name: %s", s.Name)
		}
		seen[s.Name] = true

		if s.BaseURL == "" {
			return fmt.Errorf("services[%d].base_url is required", i)
		}
		u, err := url.Parse(s.BaseURL)
		if err != nil {
			return fmt.Errorf("services[%d].base_url: invalid URL: %w", i, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("services[%d].base_url: scheme must be http or https, got %q", i, u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("services[%d].base_url: host is required", i)
		}

		if s.TimeoutMs < 0 {
			return fmt.Errorf("services[%d].timeout_ms must be non-negative", i)
		}
		if s.MaxConcurrent < 0 {
			return fmt.Errorf("services[%d].max_concurrent must be non-negative", i)
		}
		if s.Retry != nil {
			if err := validateRetry(fmt.Sprintf("services[%d].retry", i), *s.Retry); err != nil {
				return err
			}
		}
		if s.CircuitBreaker != nil {
			if err := validateBreaker(fmt.Sprintf("services[%d].circuit_breaker", i), *s.CircuitBreaker); err != nil {
				return err
			}
		}
		if s.RateLimit != nil {
			if err := validateRateLimit(fmt.Sprintf("services[%d].rate_limit", i), *s.RateLimit); err != nil {
				return err
			}
		}
		if s.ConnectionPool != nil {
			cp := s.ConnectionPool
			if cp.MaxIdleConns < 0 {
				return fmt.Errorf("services[%d].connection_pool.max_idle_conns must be non-negative", i)
			}
			if cp.MaxIdlePerHost < 0 {
				return fmt.Errorf("services[%d].connection_pool.max_idle_per_host must be non-negative", i)
			}
			if cp.IdleTimeout < 0 {
				return fmt.Errorf("services[%d].connection_pool.idle_timeout must be non-negative", i)
			}
		}
	}

	return nil
}

func validateRetry(prefix string, r RetryConfig) error {
	if r.MaxAttempts < 1 {
		return fmt.Errorf("%s.max_attempts must be positive", prefix)
	}
	if r.BaseDelayMs < 0 {
		return fmt.Errorf("%s.base_delay_ms must be non-negative", prefix)
	}
	if r.MaxDelayMs < r.BaseDelayMs {
		return fmt.Errorf("%s.max_delay_ms must be at least base_delay_ms", prefix)
	}
	if r.Multiplier < 1 {
		return fmt.Errorf("%s.multiplier must be at least 1", prefix)
	}
	return nil
}

func validateBreaker(prefix string, b CircuitBreakerConfig) error {
	if b.FailureThreshold < 1 {
		return fmt.Errorf("%s.failure_threshold must be positive", prefix)
	}
	if b.ResetTimeout <= 0 {
		return fmt.Errorf("%s.reset_timeout must be positive", prefix)
	}
	return nil
}

func validateRateLimit(prefix string, r RateLimitConfig) error {
	if r.RequestsPerSecond < 0 {
		return fmt.Errorf("%s.requests_per_second must be non-negative", prefix)
	}
	if r.RequestsPerMinute < 0 {
		return fmt.Errorf("%s.requests_per_minute must be non-negative", prefix)
	}
	if r.RequestsPerHour < 0 {
		return fmt.Errorf("%s.requests_per_hour must be non-negative", prefix)
	}
	if r.BurstSize < 0 {
		return fmt.Errorf("%s.burst_size must be non-negative", prefix)
	}
	return nil
}

func collectWarnings(cfg *Config) []string {
	var warnings []string
	if cfg.Admin.Enabled && strings.Contains(cfg.Admin.JWTSecret, "${") {
		warnings = append(warnings, "admin.jwt_secret contains unresolved environment variable")
	}
	for _, s := range cfg.Services {
		for k, v := range s.Headers {
			if strings.Contains(v, "${") {
				warnings = append(warnings, fmt.Sprintf("services[%s].headers[%s] contains unresolved environment variable", s.Name, k))
			}
		}
	}
	return warnings
}
