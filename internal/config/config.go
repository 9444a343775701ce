package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mir00r/api-gateway/internal/domain"
	"gopkg.in/yaml.v2"
)

// Config represents the main configuration structure
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Proxy     ProxyConfig      `yaml:"proxy"`
	Routes    []RouteConfig    `yaml:"routes"`
	Upstreams []UpstreamConfig `yaml:"upstreams"`
	RateLimit RateLimitConfig  `yaml:"rate_limit"`
	Auth      AuthConfig       `yaml:"auth"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains HTTP server specific configuration
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// ProxyConfig contains forwarding behavior for the pipeline
type ProxyConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// RouteConfig maps a path prefix to an upstream service name
type RouteConfig struct {
	Prefix  string `yaml:"prefix"`
	Service string `yaml:"service"`
}

// UpstreamConfig contains the static definition of one upstream service
type UpstreamConfig struct {
	Name        string                    `yaml:"name"`
	Strategy    string                    `yaml:"strategy"`
	Instances   []InstanceConfig          `yaml:"instances"`
	Breaker     domain.BreakerConfig      `yaml:"circuit_breaker"`
	HealthCheck domain.HealthCheckConfig  `yaml:"health_check"`
}

// InstanceConfig contains a single upstream instance address
type InstanceConfig struct {
	ID     string `yaml:"id"`
	URL    string `yaml:"url"`
	Weight int    `yaml:"weight"`
}

// RateLimitConfig contains the rate limiter scope configuration
type RateLimitConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Scopes             []ScopeConfig `yaml:"scopes"`
	ViolationThreshold int           `yaml:"violation_threshold"`
	ViolationWindow    time.Duration `yaml:"violation_window"`
	PenaltyDuration    time.Duration `yaml:"penalty_duration"`
	AdaptiveThreshold  float64       `yaml:"adaptive_threshold"`
	MaxInFlight        int           `yaml:"max_in_flight"`
	Allowlist          []string      `yaml:"allowlist"`
	Denylist           []string      `yaml:"denylist"`
}

// ScopeConfig contains the quota parameters for one rate-limit scope
type ScopeConfig struct {
	Scope     string        `yaml:"scope"`
	Algorithm string        `yaml:"algorithm"`
	Rate      float64       `yaml:"rate"`
	Burst     int           `yaml:"burst"`
	Limit     int           `yaml:"limit"`
	Window    time.Duration `yaml:"window"`
}

// AuthConfig contains caller identity resolution configuration
type AuthConfig struct {
	Enabled   bool   `yaml:"enabled"`
	SecretKey string `yaml:"secret_key"`
	// AllowAnonymous maps requests without a token to the client IP
	// instead of rejecting them.
	AllowAnonymous bool `yaml:"allow_anonymous"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	File   string `yaml:"file"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Proxy: ProxyConfig{
			Timeout:      30 * time.Second,
			MaxRetries:   2,
			RetryBackoff: 100 * time.Millisecond,
		},
		RateLimit: RateLimitConfig{
			Enabled:            true,
			ViolationThreshold: 10,
			ViolationWindow:    time.Minute,
			PenaltyDuration:    5 * time.Minute,
			AdaptiveThreshold:  0.8,
			MaxInFlight:        1000,
			Scopes: []ScopeConfig{
				{Scope: "global", Algorithm: "token_bucket", Rate: 1000, Burst: 2000},
			},
		},
		Auth: AuthConfig{
			Enabled:        false,
			AllowAnonymous: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// DefaultBreakerConfig returns the breaker thresholds applied when an
// upstream does not configure its own.
func DefaultBreakerConfig() domain.BreakerConfig {
	return domain.BreakerConfig{
		FailureThreshold:      5,
		SuccessThreshold:      3,
		Timeout:               60 * time.Second,
		WindowSize:            100,
		FailureRateThreshold:  0.5,
		MinimumCalls:          10,
		SlowCallDuration:      2 * time.Second,
		SlowCallRateThreshold: 0.8,
		ProbeLimit:            3,
	}
}

// DefaultHealthCheckConfig returns the probe settings applied when an
// upstream does not configure its own.
func DefaultHealthCheckConfig() domain.HealthCheckConfig {
	return domain.HealthCheckConfig{
		Enabled:            true,
		Interval:           30 * time.Second,
		Timeout:            5 * time.Second,
		HealthyThreshold:   2,
		UnhealthyThreshold: 3,
		Path:               "/health",
		Protocol:           "http",
	}
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// LoadFromEnv loads configuration from environment variables with
// defaults. The environment can describe at most one upstream
// (GW_UPSTREAM_URL plus GW_ROUTE_PREFIX); richer topologies need a
// config file. The result still has to pass Validate before serving,
// so an environment that names no upstream fails at startup instead of
// producing a gateway that only answers 404.
func LoadFromEnv() *Config {
	config := DefaultConfig()

	if logLevel := os.Getenv("GW_LOG_LEVEL"); logLevel != "" {
		config.Logging.Level = logLevel
	}
	if secret := os.Getenv("GW_AUTH_SECRET"); secret != "" {
		config.Auth.SecretKey = secret
		config.Auth.Enabled = true
	}

	if upstreamURL := os.Getenv("GW_UPSTREAM_URL"); upstreamURL != "" {
		prefix := os.Getenv("GW_ROUTE_PREFIX")
		if prefix == "" {
			prefix = "/"
		}
		config.Upstreams = append(config.Upstreams, UpstreamConfig{
			Name: "default",
			Instances: []InstanceConfig{
				{ID: "default-1", URL: upstreamURL, Weight: 1},
			},
		})
		config.Routes = append(config.Routes, RouteConfig{
			Prefix:  prefix,
			Service: "default",
		})
	}

	config.applyDefaults()

	return config
}

// applyDefaults fills per-upstream breaker and health-check settings that
// the file left at zero values.
func (c *Config) applyDefaults() {
	for i := range c.Upstreams {
		u := &c.Upstreams[i]
		if u.Strategy == "" {
			u.Strategy = string(domain.RoundRobinStrategy)
		}

		def := DefaultBreakerConfig()
		if u.Breaker.FailureThreshold <= 0 {
			u.Breaker.FailureThreshold = def.FailureThreshold
		}
		if u.Breaker.SuccessThreshold <= 0 {
			u.Breaker.SuccessThreshold = def.SuccessThreshold
		}
		if u.Breaker.Timeout <= 0 {
			u.Breaker.Timeout = def.Timeout
		}
		if u.Breaker.WindowSize <= 0 {
			u.Breaker.WindowSize = def.WindowSize
		}
		if u.Breaker.FailureRateThreshold <= 0 {
			u.Breaker.FailureRateThreshold = def.FailureRateThreshold
		}
		if u.Breaker.MinimumCalls <= 0 {
			u.Breaker.MinimumCalls = def.MinimumCalls
		}
		if u.Breaker.SlowCallDuration <= 0 {
			u.Breaker.SlowCallDuration = def.SlowCallDuration
		}
		if u.Breaker.SlowCallRateThreshold <= 0 {
			u.Breaker.SlowCallRateThreshold = def.SlowCallRateThreshold
		}
		if u.Breaker.ProbeLimit <= 0 {
			u.Breaker.ProbeLimit = def.ProbeLimit
		}

		hc := DefaultHealthCheckConfig()
		if u.HealthCheck.Interval <= 0 {
			u.HealthCheck.Interval = hc.Interval
		}
		if u.HealthCheck.Timeout <= 0 {
			u.HealthCheck.Timeout = hc.Timeout
		}
		if u.HealthCheck.HealthyThreshold <= 0 {
			u.HealthCheck.HealthyThreshold = hc.HealthyThreshold
		}
		if u.HealthCheck.UnhealthyThreshold <= 0 {
			u.HealthCheck.UnhealthyThreshold = hc.UnhealthyThreshold
		}
		if u.HealthCheck.Path == "" {
			u.HealthCheck.Path = hc.Path
		}
		if u.HealthCheck.Protocol == "" {
			u.HealthCheck.Protocol = hc.Protocol
		}
	}
}

// Validate validates the configuration for correctness. A misconfigured
// or unknown upstream is rejected here, at startup, never at request time.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Proxy.MaxRetries < 0 {
		return fmt.Errorf("proxy.max_retries cannot be negative: %d", c.Proxy.MaxRetries)
	}
	if c.Proxy.Timeout <= 0 {
		return fmt.Errorf("proxy.timeout must be positive: %v", c.Proxy.Timeout)
	}

	if len(c.Upstreams) == 0 {
		return fmt.Errorf("at least one upstream must be configured")
	}

	upstreamNames := make(map[string]bool)
	for i, u := range c.Upstreams {
		if u.Name == "" {
			return fmt.Errorf("upstream[%d]: name cannot be empty", i)
		}
		if upstreamNames[u.Name] {
			return fmt.Errorf("upstream[%d]: duplicate name '%s'", i, u.Name)
		}
		upstreamNames[u.Name] = true

		switch domain.BalancingStrategy(u.Strategy) {
		case domain.RoundRobinStrategy, domain.WeightedRoundRobinStrategy, domain.LeastConnectionsStrategy:
		default:
			return fmt.Errorf("upstream '%s': unsupported balancing strategy: %s", u.Name, u.Strategy)
		}

		if len(u.Instances) == 0 {
			return fmt.Errorf("upstream '%s': at least one instance required", u.Name)
		}
		instanceIDs := make(map[string]bool)
		for j, inst := range u.Instances {
			if inst.ID == "" {
				return fmt.Errorf("upstream '%s' instance[%d]: id cannot be empty", u.Name, j)
			}
			if instanceIDs[inst.ID] {
				return fmt.Errorf("upstream '%s' instance[%d]: duplicate id '%s'", u.Name, j, inst.ID)
			}
			instanceIDs[inst.ID] = true
			if inst.URL == "" {
				return fmt.Errorf("upstream '%s' instance[%d]: url cannot be empty", u.Name, j)
			}
			if inst.Weight < 0 {
				return fmt.Errorf("upstream '%s' instance[%d]: weight cannot be negative", u.Name, j)
			}
		}

		if u.Breaker.FailureRateThreshold > 1 {
			return fmt.Errorf("upstream '%s': failure_rate_threshold must be in (0,1]", u.Name)
		}
		if u.Breaker.SlowCallRateThreshold > 1 {
			return fmt.Errorf("upstream '%s': slow_call_rate_threshold must be in (0,1]", u.Name)
		}

		switch u.HealthCheck.Protocol {
		case "http", "grpc":
		default:
			return fmt.Errorf("upstream '%s': unsupported health check protocol: %s", u.Name, u.HealthCheck.Protocol)
		}
	}

	if len(c.Routes) == 0 {
		return fmt.Errorf("at least one route must be configured")
	}
	for i, route := range c.Routes {
		if !strings.HasPrefix(route.Prefix, "/") {
			return fmt.Errorf("route[%d]: prefix must start with '/': %s", i, route.Prefix)
		}
		if !upstreamNames[route.Service] {
			return fmt.Errorf("route[%d]: unknown upstream service '%s'", i, route.Service)
		}
	}

	if c.RateLimit.Enabled {
		for i, scope := range c.RateLimit.Scopes {
			if scope.Scope == "" {
				return fmt.Errorf("rate_limit.scopes[%d]: scope cannot be empty", i)
			}
			switch scope.Algorithm {
			case "token_bucket", "leaky_bucket":
				if scope.Rate <= 0 {
					return fmt.Errorf("rate_limit.scopes[%d]: rate must be positive", i)
				}
				if scope.Burst <= 0 {
					return fmt.Errorf("rate_limit.scopes[%d]: burst must be positive", i)
				}
			case "sliding_window", "adaptive":
				if scope.Limit <= 0 {
					return fmt.Errorf("rate_limit.scopes[%d]: limit must be positive", i)
				}
				if scope.Window <= 0 {
					return fmt.Errorf("rate_limit.scopes[%d]: window must be positive", i)
				}
			default:
				return fmt.Errorf("rate_limit.scopes[%d]: unsupported algorithm: %s", i, scope.Algorithm)
			}
		}
		if c.RateLimit.ViolationThreshold <= 0 {
			return fmt.Errorf("rate_limit.violation_threshold must be positive")
		}
		if c.RateLimit.PenaltyDuration <= 0 {
			return fmt.Errorf("rate_limit.penalty_duration must be positive")
		}
		if c.RateLimit.AdaptiveThreshold <= 0 || c.RateLimit.AdaptiveThreshold > 1 {
			return fmt.Errorf("rate_limit.adaptive_threshold must be in (0,1]")
		}
	}

	if c.Auth.Enabled && c.Auth.SecretKey == "" {
		return fmt.Errorf("auth.secret_key required when auth is enabled")
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	return nil
}

// ToUpstreams converts upstream configurations to domain upstreams
func (c *Config) ToUpstreams() []*domain.Upstream {
	upstreams := make([]*domain.Upstream, len(c.Upstreams))
	for i, uc := range c.Upstreams {
		instances := make([]*domain.Instance, len(uc.Instances))
		for j, ic := range uc.Instances {
			instances[j] = domain.NewInstance(ic.ID, ic.URL, ic.Weight)
		}
		upstreams[i] = &domain.Upstream{
			Name:      uc.Name,
			Instances: instances,
		}
	}
	return upstreams
}
