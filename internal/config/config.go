// Package config loads the gateway configuration: a YAML file overlaid by
// the recognized environment variables. Unrecognized variables are ignored.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Circuit   CircuitConfig   `yaml:"circuit"`
	Registry  RegistryConfig  `yaml:"registry"`
	Stores    StoresConfig    `yaml:"stores"`
	Streaming StreamingConfig `yaml:"streaming"`
	Flags     FlagsConfig     `yaml:"flags"`
	Orchestra OrchestraConfig `yaml:"orchestration"`
}

type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Env            string        `yaml:"env"` // development | staging | production
	TLSCert        string        `yaml:"tls_cert"`
	TLSKey         string        `yaml:"tls_key"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	DrainDeadline  time.Duration `yaml:"drain_deadline"`
}

type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret"`
	PrevJWTSecret string        `yaml:"prev_jwt_secret"`
	RotationGrace time.Duration `yaml:"rotation_grace"`
	APIKeys       []APIKey      `yaml:"api_keys"`
}

// APIKey maps a bcrypt-hashed static key to a tenant.
type APIKey struct {
	Hash     string   `yaml:"hash"`
	TenantID string   `yaml:"tenant_id"`
	Scopes   []string `yaml:"scopes"`
	RatePlan string   `yaml:"rate_plan"`
}

type RateLimitConfig struct {
	Plans       map[string]RatePlan `yaml:"plans"`
	DefaultPlan string              `yaml:"default_plan"`
	PenaltyBase time.Duration       `yaml:"penalty_base"`
	PenaltyCap  time.Duration       `yaml:"penalty_cap"`
}

// RatePlan is a named token-bucket profile referenced by tenants.
type RatePlan struct {
	Capacity   float64 `yaml:"capacity"`
	RefillRate float64 `yaml:"refill_rate"` // tokens per second
}

type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Window           time.Duration `yaml:"window"`
	Cooldown         time.Duration `yaml:"cooldown"`
	MaxAttempts      int           `yaml:"max_attempts"`
	RetryBase        time.Duration `yaml:"retry_base"`
	MinUpstreamLat   time.Duration `yaml:"min_upstream_latency"`
}

type RegistryConfig struct {
	Tools              []ToolConfig  `yaml:"tools"`
	ProbeInterval      time.Duration `yaml:"probe_interval"`
	ProbeTimeout       time.Duration `yaml:"probe_timeout"`
	DegradedThreshold  int           `yaml:"degraded_threshold"`
	UnhealthyThreshold int           `yaml:"unhealthy_threshold"`
	StartupProbeBudget time.Duration `yaml:"startup_probe_budget"`
}

type ToolConfig struct {
	ToolID       string   `yaml:"tool_id"`
	BaseURL      string   `yaml:"base_url"`
	Capabilities []string `yaml:"capabilities"`
	Priority     int      `yaml:"priority"`
}

type StoresConfig struct {
	CounterStoreURL string `yaml:"counter_store_url"`
	SessionStoreURL string `yaml:"session_store_url"`
}

type StreamingConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StallTimeout      time.Duration `yaml:"stall_timeout"`
	SendBuffer        int           `yaml:"send_buffer"`
	ResumeBufferSize  int           `yaml:"resume_buffer_size"`
	SessionIdle       time.Duration `yaml:"session_idle"`
}

type FlagsConfig struct {
	File           string        `yaml:"file"`
	ReloadInterval time.Duration `yaml:"reload_interval"`
}

type OrchestraConfig struct {
	MaxHopDepth     int           `yaml:"max_hop_depth"`
	UpstreamTimeout time.Duration `yaml:"default_upstream_timeout"`
}

// Load reads the YAML file at path (optional; empty path means defaults),
// applies defaults, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:          "0.0.0.0",
			Port:          8080,
			Env:           "development",
			DrainDeadline: 10 * time.Second,
		},
		Auth: AuthConfig{
			RotationGrace: 10 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Plans: map[string]RatePlan{
				"standard": {Capacity: 60, RefillRate: 1},
			},
			DefaultPlan: "standard",
			PenaltyBase: time.Second,
			PenaltyCap:  8 * time.Second,
		},
		Circuit: CircuitConfig{
			FailureThreshold: 5,
			Window:           60 * time.Second,
			Cooldown:         30 * time.Second,
			MaxAttempts:      3,
			RetryBase:        100 * time.Millisecond,
			MinUpstreamLat:   50 * time.Millisecond,
		},
		Registry: RegistryConfig{
			ProbeInterval:      15 * time.Second,
			ProbeTimeout:       3 * time.Second,
			DegradedThreshold:  2,
			UnhealthyThreshold: 4,
			StartupProbeBudget: 10 * time.Second,
		},
		Streaming: StreamingConfig{
			HeartbeatInterval: 15 * time.Second,
			StallTimeout:      30 * time.Second,
			SendBuffer:        256,
			ResumeBufferSize:  256,
			SessionIdle:       30 * time.Minute,
		},
		Flags: FlagsConfig{
			ReloadInterval: 30 * time.Second,
		},
		Orchestra: OrchestraConfig{
			MaxHopDepth:     4,
			UpstreamTimeout: 30 * time.Second,
		},
	}
}

// applyEnv overlays recognized environment variables onto the config.
func applyEnv(cfg *Config) {
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setMs := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = time.Duration(n) * time.Millisecond
			}
		}
	}

	setStr("GATEWAY_HOST", &cfg.Server.Host)
	setInt("GATEWAY_PORT", &cfg.Server.Port)
	setStr("GATEWAY_ENV", &cfg.Server.Env)
	setStr("GATEWAY_TLS_CERT", &cfg.Server.TLSCert)
	setStr("GATEWAY_TLS_KEY", &cfg.Server.TLSKey)
	setStr("AUTH_JWT_SECRET", &cfg.Auth.JWTSecret)
	setStr("COUNTER_STORE_URL", &cfg.Stores.CounterStoreURL)
	setStr("SESSION_STORE_URL", &cfg.Stores.SessionStoreURL)

	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		parts := strings.Split(v, ",")
		origins := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				origins = append(origins, p)
			}
		}
		cfg.Server.AllowedOrigins = origins
	}

	setMs("PROBE_INTERVAL_MS", &cfg.Registry.ProbeInterval)
	setMs("PROBE_TIMEOUT_MS", &cfg.Registry.ProbeTimeout)
	setInt("CIRCUIT_FAILURE_THRESHOLD", &cfg.Circuit.FailureThreshold)
	setMs("CIRCUIT_COOLDOWN_MS", &cfg.Circuit.Cooldown)
	setInt("MAX_HOP_DEPTH", &cfg.Orchestra.MaxHopDepth)
	setMs("DEFAULT_UPSTREAM_TIMEOUT_MS", &cfg.Orchestra.UpstreamTimeout)
	setMs("DRAIN_DEADLINE_MS", &cfg.Server.DrainDeadline)
}

// IsProduction reports whether the gateway runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// Validate enforces startup requirements. Missing required secrets in
// production are a hard failure (exit code 2 at the caller).
func (c *Config) Validate() error {
	if c.IsProduction() && c.Auth.JWTSecret == "" {
		return fmt.Errorf("AUTH_JWT_SECRET is required in production")
	}
	if c.Orchestra.MaxHopDepth < 1 {
		return fmt.Errorf("max_hop_depth must be >= 1")
	}
	if _, ok := c.RateLimit.Plans[c.RateLimit.DefaultPlan]; !ok {
		return fmt.Errorf("default rate plan %q not defined", c.RateLimit.DefaultPlan)
	}
	for _, t := range c.Registry.Tools {
		if t.ToolID == "" || t.BaseURL == "" {
			return fmt.Errorf("tool entries require tool_id and base_url")
		}
	}
	return nil
}

// Plan resolves a named rate plan, falling back to the default.
func (c *Config) Plan(name string) RatePlan {
	if p, ok := c.RateLimit.Plans[name]; ok {
		return p
	}
	return c.RateLimit.Plans[c.RateLimit.DefaultPlan]
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
