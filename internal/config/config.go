// Package config loads and validates the gateway configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of the gateway's YAML configuration. Environment
// variable references (${VAR}) are expanded before parsing.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Providers []ProviderConfig `yaml:"providers"`
	Quota     QuotaConfig      `yaml:"quota"`
	Redis     RedisConfig      `yaml:"redis"`
	Postgres  PostgresConfig   `yaml:"postgres"`
	Vault     VaultConfig      `yaml:"vault"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig configures the HTTP front end.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ProviderConfig describes one upstream provider.
type ProviderConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	BaseURL string `yaml:"base_url"`

	// APIKey may be a literal value or a secret reference such as
	// "env://OPENAI_API_KEY" or "vault://secret/data/openai#key".
	APIKey string `yaml:"api_key"`

	// AuthScheme selects how the credential is attached ("bearer" or
	// "header"). Empty defaults to bearer, or header when auth_header is set.
	AuthScheme string            `yaml:"auth_scheme"`
	AuthHeader string            `yaml:"auth_header"`
	Headers    map[string]string `yaml:"headers"`

	// Framing overrides the provider's stream framing ("sse", "ndjson" or
	// "json"); "json" disables incremental decoding entirely.
	Framing string `yaml:"framing"`

	Models   []string          `yaml:"models"`
	ModelMap map[string]string `yaml:"model_map"`

	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k"`

	MaxConcurrent int           `yaml:"max_concurrent"`
	DispatchRPS   float64       `yaml:"dispatch_rps"`
	Timeout       time.Duration `yaml:"timeout"`
}

// QuotaConfig configures per-user admission limits.
type QuotaConfig struct {
	Window      time.Duration `yaml:"window"`
	MaxRequests int           `yaml:"max_requests"`
	MaxTokens   int           `yaml:"max_tokens"`
}

// RedisConfig configures the optional shared quota store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PostgresConfig configures the optional durable store.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// VaultConfig configures the optional Vault secret backend.
type VaultConfig struct {
	Address  string `yaml:"address"`
	Token    string `yaml:"token"`
	RoleID   string `yaml:"role_id"`
	SecretID string `yaml:"secret_id"`
}

// TelemetryConfig configures tracing export.
type TelemetryConfig struct {
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRatio  float64 `yaml:"sample_ratio"`
	ServiceName  string  `yaml:"service_name"`
}

// LoadFromFile reads, expands and validates a configuration file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses configuration bytes after environment expansion.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Quota.Window == 0 {
		c.Quota.Window = time.Minute
	}
	if c.Telemetry.SampleRatio == 0 {
		c.Telemetry.SampleRatio = 1.0
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "switchboard"
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.MaxConcurrent == 0 {
			p.MaxConcurrent = 16
		}
		if p.Timeout == 0 {
			p.Timeout = 120 * time.Second
		}
	}
}

// Validate checks the configuration for structural errors.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("config: at least one provider is required")
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("config: provider with empty name")
		}
		if seen[p.Name] {
			return fmt.Errorf("config: duplicate provider name %q", p.Name)
		}
		seen[p.Name] = true
		if p.Type == "" {
			return fmt.Errorf("config: provider %q has no type", p.Name)
		}
		if len(p.Models) == 0 {
			return fmt.Errorf("config: provider %q serves no models", p.Name)
		}
		if p.InputPer1K < 0 || p.OutputPer1K < 0 {
			return fmt.Errorf("config: provider %q has negative rates", p.Name)
		}
		if p.MaxConcurrent < 1 {
			return fmt.Errorf("config: provider %q max_concurrent must be >= 1", p.Name)
		}
		switch p.AuthScheme {
		case "", "bearer", "header":
		default:
			return fmt.Errorf("config: provider %q has unknown auth_scheme %q", p.Name, p.AuthScheme)
		}
		switch p.Framing {
		case "", "sse", "ndjson", "json":
		default:
			return fmt.Errorf("config: provider %q has unknown framing %q", p.Name, p.Framing)
		}
	}
	if c.Quota.MaxRequests < 0 || c.Quota.MaxTokens < 0 {
		return fmt.Errorf("config: quota limits must be non-negative")
	}
	return nil
}
