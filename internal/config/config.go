// Package config loads the CogLoop configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"dario.cat/mergo"
	"github.com/samber/lo"
	"github.com/lexobe/CogLoop/internal/embedding"
	"github.com/lexobe/CogLoop/internal/gateway"
	"github.com/lexobe/CogLoop/internal/memory"
	"github.com/lexobe/CogLoop/internal/provider"
	"github.com/lexobe/CogLoop/internal/scheduler"
	"github.com/lexobe/CogLoop/internal/think"
	"github.com/lexobe/CogLoop/internal/vectorstore"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig        `json:"server" yaml:"server"`
	Providers ProvidersConfig     `json:"providers" yaml:"providers"`
	Think     think.Config        `json:"think" yaml:"think"`
	Embedding embedding.Config    `json:"embedding" yaml:"embedding"`
	Vector    VectorConfig        `json:"vector" yaml:"vector"`
	Database  DatabaseConfig      `json:"database" yaml:"database"`
	Memory    MemoryConfig        `json:"memory" yaml:"memory"`
	Gateway   gateway.Config      `json:"gateway" yaml:"gateway"`
	Schedules []scheduler.Session `json:"schedules" yaml:"schedules"`
}

type ServerConfig struct {
	Port      int    `json:"port" yaml:"port"`
	LogLevel  string `json:"log_level" yaml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format"` // "console" or "json"
	// MaxIterations caps think loops started over HTTP or websocket.
	MaxIterations int `json:"max_iterations" yaml:"max_iterations"`
}

// ProvidersConfig lists the completion providers. The first entry is the
// default unless Default names another.
type ProvidersConfig struct {
	Default string                    `json:"default" yaml:"default"`
	List    []provider.ProviderConfig `json:"list" yaml:"list"`
	// Shared fills the fields a list entry leaves empty. Its id is ignored.
	Shared    provider.ProviderConfig `json:"shared" yaml:"shared"`
	Fallbacks []string                `json:"fallbacks" yaml:"fallbacks"`
	Retry     provider.RetryPolicy    `json:"retry" yaml:"retry"`
}

// VectorConfig selects the similarity index.
type VectorConfig struct {
	Backend string                   `json:"backend" yaml:"backend"` // "qdrant" or "memory"
	Qdrant  vectorstore.QdrantConfig `json:"qdrant" yaml:"qdrant"`
	// MirrorRedisURL, when set, mirrors unit metadata into Redis.
	MirrorRedisURL string `json:"mirror_redis_url" yaml:"mirror_redis_url"`
}

// DatabaseConfig configures the cycle journal sinks. Empty entries are skipped.
type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j" yaml:"neo4j"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn" yaml:"dsn"`
}

type Neo4jConfig struct {
	URI      string `json:"uri" yaml:"uri"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
}

type RedisConfig struct {
	URL    string `json:"url" yaml:"url"`
	MaxLen int64  `json:"max_len" yaml:"max_len"`
}

// MemoryConfig holds the weight model and recall options.
type MemoryConfig struct {
	Weights memory.WeightParams `json:"weights" yaml:"weights"`
	Recall  memory.RecallOpts `json:"recall" yaml:"recall"`
}

// Default returns the configuration used for anything the file leaves out.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:          3210,
			LogLevel:      "info",
			LogFormat:     "console",
			MaxIterations: 10,
		},
		Providers: ProvidersConfig{Retry: provider.DefaultRetryPolicy()},
		Think:     think.DefaultConfig(),
		Embedding: embedding.Config{Provider: "hash", Dimension: 256},
		Vector:    VectorConfig{Backend: "memory"},
		Database:  DatabaseConfig{Redis: RedisConfig{MaxLen: 10000}},
		Memory: MemoryConfig{
			Weights: memory.DefaultWeightParams(),
			Recall:  memory.DefaultRecallOpts(),
		},
	}
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// expandEnv substitutes ${VAR} and ${VAR:default} with environment values.
func expandEnv(data []byte) []byte {
	return envVarRe.ReplaceAllFunc(data, func(match []byte) []byte {
		parts := envVarRe.FindSubmatch(match)
		if v := os.Getenv(string(parts[1])); v != "" {
			return []byte(v)
		}
		return parts[2]
	})
}

// Load reads a YAML or JSON config file, substitutes environment variable
// references and decodes it over Default, so keys the file names win even
// when their value is zero. Durations are written as
// Go duration strings ("500ms") in either format.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes config bytes. JSON is decoded as the YAML subset it is.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(expandEnv(data), &cfg); err != nil {
		return nil, err
	}
	shared := cfg.Providers.Shared
	shared.ID = ""
	for i := range cfg.Providers.List {
		if err := mergo.Merge(&cfg.Providers.List[i], shared); err != nil {
			return nil, fmt.Errorf("merge shared provider settings: %w", err)
		}
	}
	return &cfg, nil
}

// Validate checks the configuration for errors that would only surface
// once the service is running.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		bad("server.port %d out of range", c.Server.Port)
	}
	if c.Server.LogFormat != "console" && c.Server.LogFormat != "json" {
		bad("server.log_format %q must be console or json", c.Server.LogFormat)
	}
	if c.Server.MaxIterations <= 0 {
		bad("server.max_iterations must be positive")
	}

	if len(c.Providers.List) == 0 {
		bad("providers.list is empty")
	}
	ids := make(map[string]bool, len(c.Providers.List))
	for i, p := range c.Providers.List {
		if p.ID == "" {
			bad("providers.list[%d]: id is required", i)
		}
		if ids[p.ID] {
			bad("providers.list[%d]: duplicate id %q", i, p.ID)
		}
		ids[p.ID] = true
		if !lo.Contains(provider.Types, p.Type) {
			bad("provider %q: unknown type %q", p.ID, p.Type)
		}
	}
	if c.Providers.Default != "" && !ids[c.Providers.Default] {
		bad("providers.default %q is not in providers.list", c.Providers.Default)
	}
	for _, f := range c.Providers.Fallbacks {
		if !ids[f] {
			bad("providers.fallbacks: unknown provider %q", f)
		}
	}

	switch c.Embedding.Provider {
	case "api", "openai", "ollama", "local", "hash", "":
	default:
		bad("embedding.provider %q unknown", c.Embedding.Provider)
	}

	switch c.Vector.Backend {
	case "memory":
	case "qdrant":
		if c.Vector.Qdrant.Host == "" {
			bad("vector.qdrant.host is required for the qdrant backend")
		}
	default:
		bad("vector.backend %q unknown", c.Vector.Backend)
	}

	w := c.Memory.Weights
	if w.Beta < 0 || w.Gamma < 0 {
		bad("memory.weights: beta and gamma must not be negative")
	}
	if w.InitialWeight <= 0 || w.InitialWeight > 1 {
		bad("memory.weights.initial_weight %v must be in (0, 1]", w.InitialWeight)
	}
	if w.GoldenRatio <= 0 || w.GoldenRatio > 1 {
		bad("memory.weights.golden_ratio %v must be in (0, 1]", w.GoldenRatio)
	}
	if c.Think.Concurrency < 0 || c.Think.PersistRetries < 0 {
		bad("think: concurrency and persist_retries must not be negative")
	}

	names := make(map[string]bool, len(c.Schedules))
	for i, s := range c.Schedules {
		if s.Name == "" {
			bad("schedules[%d]: name is required", i)
			continue
		}
		if names[s.Name] {
			bad("schedules[%d]: duplicate name %q", i, s.Name)
		}
		names[s.Name] = true
		if _, err := scheduler.ParseSpec(s.Spec); err != nil {
			bad("schedule %q: %v", s.Name, err)
		}
		if s.MaxIterations <= 0 {
			bad("schedule %q: max_iterations must be positive", s.Name)
		}
		if s.Input == "" {
			bad("schedule %q: input is required", s.Name)
		}
	}
	return errors.Join(errs...)
}

