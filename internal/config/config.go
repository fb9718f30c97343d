// Package config handles YAML configuration loading with environment variable
// expansion, plus atomic reload snapshots.
package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	gateway "github.com/switchyardio/switchyard/internal"
)

// Config is the merged routing configuration document. It is immutable
// between reloads; a reload builds a fresh Config and swaps it atomically.
type Config struct {
	Server         ServerConfig             `yaml:"httpserver"`
	StateDir       string                   `yaml:"state_dir"`
	Database       DatabaseConfig           `yaml:"database"`
	Providers      map[string]ProviderEntry `yaml:"providers"`
	Routing        map[string][]string      `yaml:"routing"`
	Classification ClassificationConfig     `yaml:"classification"`
	Pipeline       PipelineConfig           `yaml:"pipeline"`
	ToolLoop       ToolLoopConfig           `yaml:"toolloop"`
	Telemetry      TelemetryConfig          `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	APIKey          string        `yaml:"apikey"` // empty = no caller auth
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// DatabaseConfig holds SQLite settings for the usage store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"; empty = usage recording off
}

// ProviderEntry is an upstream provider definition.
type ProviderEntry struct {
	BaseURL string `yaml:"base_url"`
	// Protocol is the wire shape spoken upstream: chat, responses, anthropic.
	Protocol string `yaml:"protocol"`
	// Headers is the auth header template. Values may contain the "{{key}}"
	// placeholder which is replaced by the selected key's secret. Empty means
	// the protocol default (Authorization bearer, or x-api-key for anthropic).
	Headers map[string]string     `yaml:"headers"`
	Auth    ProviderAuth          `yaml:"auth"`
	Models  map[string]ModelEntry `yaml:"models"`
}

// ProviderAuth configures provider credentials.
type ProviderAuth struct {
	// Type is "api_key" (default) or "gcp_oauth" for Vertex-hosted providers.
	Type string              `yaml:"type"`
	Keys map[string]KeyEntry `yaml:"keys"`
}

// KeyEntry is one credential belonging to a provider.
type KeyEntry struct {
	Value string `yaml:"value"`
	// PriorityTier orders keys for selection; lower is preferred. Keys within
	// one tier rotate round-robin.
	PriorityTier int `yaml:"priority_tier"`
}

// ModelEntry describes one upstream model.
type ModelEntry struct {
	MaxTokens         int   `yaml:"max_tokens"`
	SupportsStreaming *bool `yaml:"supports_streaming"` // nil = true
}

// Streams reports whether the model supports SSE (defaults to true).
func (m ModelEntry) Streams() bool {
	return m.SupportsStreaming == nil || *m.SupportsStreaming
}

// PipelineConfig holds upstream call settings.
type PipelineConfig struct {
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	StreamIdleTimeout  time.Duration `yaml:"stream_idle_timeout"`
	RequestTimeout     time.Duration `yaml:"request_timeout"` // 0 = no per-call cap
	MaxRetriesPerRoute int           `yaml:"max_retries_per_route"`
}

// ToolLoopConfig holds responses-endpoint server-tool loop settings.
type ToolLoopConfig struct {
	MaxToolLoops int           `yaml:"max_tool_loops"`
	SessionTTL   time.Duration `yaml:"session_ttl"`
	MaxSessions  int           `yaml:"max_sessions"`
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

// Target is one parsed "providerId.modelId[.keyAlias]" route entry.
type Target struct {
	ProviderID string
	Model      string
	KeyAlias   string // empty = any eligible key of the provider
}

// Ref returns the configured string form of the target.
func (t Target) Ref() string {
	if t.KeyAlias == "" {
		return t.ProviderID + "." + t.Model
	}
	return t.ProviderID + "." + t.Model + "." + t.KeyAlias
}

// ParseTarget splits a "providerId.modelId[.keyAlias]" string against the
// configured providers. Model IDs may themselves contain dots (glm-4.6), so
// the provider prefix is matched first and the optional key alias is matched
// against the provider's configured aliases from the right.
func (c *Config) ParseTarget(s string) (Target, error) {
	providerID, rest, ok := strings.Cut(s, ".")
	if !ok {
		return Target{}, fmt.Errorf("target %q: want providerId.modelId[.keyAlias]", s)
	}
	p, ok := c.Providers[providerID]
	if !ok {
		return Target{}, fmt.Errorf("target %q: unknown provider %q", s, providerID)
	}
	// Whole-rest-first: try the remainder as a model name, then peel a
	// trailing ".alias" that names a configured key.
	if _, ok := p.Models[rest]; ok {
		return Target{ProviderID: providerID, Model: rest}, nil
	}
	if i := strings.LastIndex(rest, "."); i > 0 {
		model, alias := rest[:i], rest[i+1:]
		if _, ok := p.Auth.Keys[alias]; ok {
			if _, ok := p.Models[model]; !ok {
				return Target{}, fmt.Errorf("target %q: unknown model %q for provider %q", s, model, providerID)
			}
			return Target{ProviderID: providerID, Model: model, KeyAlias: alias}, nil
		}
	}
	return Target{}, fmt.Errorf("target %q: unknown model %q for provider %q", s, rest, providerID)
}

// PoolTargets returns the parsed, validated target list for the named route.
func (c *Config) PoolTargets(route gateway.Route) ([]Target, error) {
	entries, ok := c.Routing[string(route)]
	if !ok {
		return nil, fmt.Errorf("route %q not configured", route)
	}
	targets := make([]Target, 0, len(entries))
	for _, e := range entries {
		t, err := c.ParseTarget(e)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// KeyAliases returns the provider's key aliases ordered by priority tier
// then alias, for deterministic pool construction from an unordered map.
func (p ProviderEntry) KeyAliases() []string {
	aliases := make([]string, 0, len(p.Auth.Keys))
	for a := range p.Auth.Keys {
		aliases = append(aliases, a)
	}
	sort.Slice(aliases, func(i, j int) bool {
		ki, kj := p.Auth.Keys[aliases[i]], p.Auth.Keys[aliases[j]]
		if ki.PriorityTier != kj.PriorityTier {
			return ki.PriorityTier < kj.PriorityTier
		}
		return aliases[i] < aliases[j]
	})
	return aliases
}

// Validate checks the invariants that must hold at config bind: a default
// route exists, every route resolves to at least one valid target, and every
// provider speaks a known protocol and has at least one key.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("no providers configured")
	}
	for id, p := range c.Providers {
		if p.BaseURL == "" {
			return fmt.Errorf("provider %q: base_url required", id)
		}
		if !gateway.Protocol(p.Protocol).Valid() {
			return fmt.Errorf("provider %q: unknown protocol %q", id, p.Protocol)
		}
		if len(p.Auth.Keys) == 0 {
			return fmt.Errorf("provider %q: at least one auth key required", id)
		}
		if len(p.Models) == 0 {
			return fmt.Errorf("provider %q: at least one model required", id)
		}
	}
	if _, ok := c.Routing[string(gateway.RouteDefault)]; !ok {
		return fmt.Errorf("routing: default route required")
	}
	for name, entries := range c.Routing {
		if len(entries) == 0 {
			return fmt.Errorf("route %q has no targets", name)
		}
		for _, e := range entries {
			if _, err := c.ParseTarget(e); err != nil {
				return fmt.Errorf("route %q: %w", name, err)
			}
		}
	}
	return nil
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

// Load reads and parses a YAML config file, expanding environment variables
// and validating routing invariants.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses raw YAML config bytes with defaults applied.
func Parse(data []byte) (*Config, error) {
	data = expandEnv(data)

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config with all defaults applied and no providers.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // streams have no write deadline
			ShutdownTimeout: 30 * time.Second,
		},
		StateDir: "state",
		Pipeline: PipelineConfig{
			ConnectTimeout:     10 * time.Second,
			StreamIdleTimeout:  60 * time.Second,
			MaxRetriesPerRoute: 3,
		},
		ToolLoop: ToolLoopConfig{
			MaxToolLoops: 4,
			SessionTTL:   10 * time.Minute,
			MaxSessions:  10_000,
		},
		Classification: DefaultClassification(),
	}
}
