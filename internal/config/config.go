// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	RateLimits  RateLimitConfig   `yaml:"rate_limits"`
	Cache       CacheConfig       `yaml:"cache"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Files       FilesConfig       `yaml:"files"`
	Providers   []ProviderEntry   `yaml:"providers"`
	Models      []ModelEntry      `yaml:"models"`
	Orgs        []OrgEntry        `yaml:"orgs"`
	Workspaces  []WorkspaceEntry  `yaml:"workspaces"`
	Keys        []KeyEntry        `yaml:"keys"`
}

// FilesConfig controls the /v1/files blob store. When Bucket is empty,
// file upload routes are disabled (server.Deps.Files stays nil).
type FilesConfig struct {
	Bucket        string `yaml:"bucket"`
	Region        string `yaml:"region"`
	EncryptionKey string `yaml:"encryption_key"` // 64-char hex, AES-256
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// RateLimitConfig holds rate limiting settings. The values are only logged
// at startup; admission uses the fixed ratelimit.GeneralLimit and
// ratelimit.ImageLimit counters and does not read them.
type RateLimitConfig struct {
	DefaultRPM int64 `yaml:"default_rpm"` // requests per minute, logged only
	DefaultTPM int64 `yaml:"default_tpm"` // tokens per minute, logged only
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled"`
	MaxSize    int           `yaml:"max_size"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	AdminKey string `yaml:"admin_key"` // parsed from the file; no code path reads it
}

// ProviderEntry is a provider definition in the config file.
type ProviderEntry struct {
	Name      string     `yaml:"name"`
	Type      string     `yaml:"type"`
	BaseURL   string     `yaml:"base_url"`
	APIKey    string     `yaml:"api_key"`
	Models    []string   `yaml:"models"`
	Priority  int        `yaml:"priority"`
	Weight    int        `yaml:"weight"`
	Enabled   *bool      `yaml:"enabled"`
	MaxRPS    int        `yaml:"max_rps"`
	TimeoutMs int        `yaml:"timeout_ms"`
	Hosting   string     `yaml:"hosting"` // "", "azure", "vertex", "bedrock"
	Region    string     `yaml:"region"`  // GCP region (Vertex) or AWS region (Bedrock)
	Project   string     `yaml:"project"` // GCP project ID for Vertex AI
	Auth      *AuthEntry `yaml:"auth"`    // explicit auth; inferred from hosting/api_key when absent
}

// AuthEntry configures provider authentication.
type AuthEntry struct {
	Type   string `yaml:"type"`    // "api_key", "gcp_oauth", "aws_sigv4"
	APIKey string `yaml:"api_key"` // explicit key (overrides top-level api_key)
}

// IsEnabled reports whether the provider is enabled (defaults to true when nil).
func (p ProviderEntry) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// ResolvedType returns Type if set, otherwise falls back to Name for backward compatibility.
func (p ProviderEntry) ResolvedType() string {
	if p.Type != "" {
		return p.Type
	}
	return p.Name
}

// ResolvedHosting returns the normalized hosting mode ("", "azure", "vertex", "bedrock").
func (p ProviderEntry) ResolvedHosting() string {
	return p.Hosting
}

// ResolvedAuthType returns the auth type, inferring from context when Auth is nil.
// Returns "gcp_oauth" for Vertex hosting, "aws_sigv4" for Bedrock hosting,
// "api_key" otherwise.
func (p ProviderEntry) ResolvedAuthType() string {
	if p.Auth != nil && p.Auth.Type != "" {
		return p.Auth.Type
	}
	switch p.Hosting {
	case "vertex":
		return "gcp_oauth"
	case "bedrock":
		return "aws_sigv4"
	default:
		return "api_key"
	}
}

// ResolvedAPIKey returns the API key, preferring Auth.APIKey over top-level APIKey.
func (p ProviderEntry) ResolvedAPIKey() string {
	if p.Auth != nil && p.Auth.APIKey != "" {
		return p.Auth.APIKey
	}
	return p.APIKey
}

// ModelEntry is a canonical-model catalog entry in the config file. Each
// model dispatches to exactly one provider (by name, resolved against
// Providers) -- there is no per-model failover list.
type ModelEntry struct {
	CanonicalName  string   `yaml:"canonical_name"`
	Provider       string   `yaml:"provider"`
	DisplayName    string   `yaml:"display_name"`
	Description    string   `yaml:"description"`
	InputCostNanos int64    `yaml:"input_cost_nanos"`  // nano-USD per input token
	OutputCostNanos int64   `yaml:"output_cost_nanos"` // nano-USD per output token
	ContextLength  int      `yaml:"context_length"`
	Verifiable     bool     `yaml:"verifiable"`
	Aliases        []string `yaml:"aliases"`
}

// OrgEntry seeds a top-level tenant.
type OrgEntry struct {
	ID              string `yaml:"id"`
	Name            string `yaml:"name"`
	ConcurrentLimit *int   `yaml:"concurrent_limit"`
}

// WorkspaceEntry seeds a workspace under an organization.
type WorkspaceEntry struct {
	ID    string `yaml:"id"`
	OrgID string `yaml:"org_id"`
	Name  string `yaml:"name"`
}

// KeyEntry is an API key seed in the config file.
type KeyEntry struct {
	Name        string `yaml:"name"`
	Key         string `yaml:"key"` // plaintext, hashed on bootstrap
	WorkspaceID string `yaml:"workspace_id"`
	AccountType string `yaml:"account_type"` // "user" or "service_account"
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "nanogw.db",
		},
		RateLimits: RateLimitConfig{
			DefaultRPM: 60,
			DefaultTPM: 100_000,
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxSize:    10_000,
			DefaultTTL: 5 * time.Minute,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
