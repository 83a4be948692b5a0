// Package config provides configuration types, defaults, loading and
// persistence for the registry server.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/systemshift/registry/internal/server/telemetry"
)

// EnvPrefix prefixes environment overrides, e.g. REGISTRY_SERVER_ADDR
const EnvPrefix = "REGISTRY"

// Config is the full server configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Primary    StoreConfig      `mapstructure:"primary" yaml:"primary"`
	Vector     StoreConfig      `mapstructure:"vector" yaml:"vector"`
	Graph      GraphConfig      `mapstructure:"graph" yaml:"graph"`
	Embedder   EmbedderConfig   `mapstructure:"embedder" yaml:"embedder"`
	Similarity SimilarityConfig `mapstructure:"similarity" yaml:"similarity"`
	Retry      RetryConfig      `mapstructure:"retry" yaml:"retry"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Telemetry  telemetry.Config `mapstructure:"telemetry" yaml:"telemetry"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// StoreConfig locates a SQLite-backed store
type StoreConfig struct {
	Path    string        `mapstructure:"path" yaml:"path"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Graph backends
const (
	GraphBackendSQLite = "sqlite"
	GraphBackendNeo4j  = "neo4j"
)

// GraphConfig selects and configures the graph backend
type GraphConfig struct {
	Backend  string        `mapstructure:"backend" yaml:"backend"`
	Path     string        `mapstructure:"path" yaml:"path"`
	URI      string        `mapstructure:"uri" yaml:"uri"`
	Username string        `mapstructure:"username" yaml:"username"`
	Password string        `mapstructure:"password" yaml:"password"`
	Database string        `mapstructure:"database" yaml:"database"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// Embedder providers
const (
	EmbedderHash = "hash"
	EmbedderHTTP = "http"
)

// EmbedderConfig selects and configures the embedder
type EmbedderConfig struct {
	Provider   string        `mapstructure:"provider" yaml:"provider"`
	Dimensions int           `mapstructure:"dimensions" yaml:"dimensions"`
	URL        string        `mapstructure:"url" yaml:"url"`
	Model      string        `mapstructure:"model" yaml:"model"`
	APIKey     string        `mapstructure:"api_key" yaml:"api_key"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
}

// SimilarityConfig holds the similarity gate defaults
type SimilarityConfig struct {
	Threshold float64 `mapstructure:"threshold" yaml:"threshold"`
	Limit     int     `mapstructure:"limit" yaml:"limit"`
}

// RetryConfig configures the retry queue and its worker
type RetryConfig struct {
	Path        string        `mapstructure:"path" yaml:"path"`
	Interval    time.Duration `mapstructure:"interval" yaml:"interval"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"` // 0 retries forever
}

// LogConfig configures the process logger
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Primary: StoreConfig{Path: "data/primary.db", Timeout: 5 * time.Second},
		Vector:  StoreConfig{Path: "data/vector.db", Timeout: 5 * time.Second},
		Graph: GraphConfig{
			Backend:  GraphBackendSQLite,
			Path:     "data/graph.db",
			URI:      "bolt://localhost:7687",
			Username: "neo4j",
			Password: "password",
			Database: "neo4j",
			Timeout:  5 * time.Second,
		},
		Embedder: EmbedderConfig{
			Provider:   EmbedderHash,
			Dimensions: 256,
			Model:      "text-embedding-3-small",
			Timeout:    10 * time.Second,
			CacheTTL:   10 * time.Minute,
		},
		Similarity: SimilarityConfig{Threshold: 0.65, Limit: 10},
		Retry: RetryConfig{
			Path:     "data/retry_queue.json",
			Interval: 30 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Telemetry: telemetry.Config{
			Exporter:    "otlp-http",
			ServiceName: "registry",
			SampleRate:  1,
		},
	}
}

// setDefaults registers every key with v so environment overrides apply
// even when no config file sets them
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", d.Server.IdleTimeout)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("primary.path", d.Primary.Path)
	v.SetDefault("primary.timeout", d.Primary.Timeout)
	v.SetDefault("vector.path", d.Vector.Path)
	v.SetDefault("vector.timeout", d.Vector.Timeout)
	v.SetDefault("graph.backend", d.Graph.Backend)
	v.SetDefault("graph.path", d.Graph.Path)
	v.SetDefault("graph.uri", d.Graph.URI)
	v.SetDefault("graph.username", d.Graph.Username)
	v.SetDefault("graph.password", d.Graph.Password)
	v.SetDefault("graph.database", d.Graph.Database)
	v.SetDefault("graph.timeout", d.Graph.Timeout)
	v.SetDefault("embedder.provider", d.Embedder.Provider)
	v.SetDefault("embedder.dimensions", d.Embedder.Dimensions)
	v.SetDefault("embedder.url", d.Embedder.URL)
	v.SetDefault("embedder.model", d.Embedder.Model)
	v.SetDefault("embedder.api_key", d.Embedder.APIKey)
	v.SetDefault("embedder.timeout", d.Embedder.Timeout)
	v.SetDefault("embedder.cache_ttl", d.Embedder.CacheTTL)
	v.SetDefault("similarity.threshold", d.Similarity.Threshold)
	v.SetDefault("similarity.limit", d.Similarity.Limit)
	v.SetDefault("retry.path", d.Retry.Path)
	v.SetDefault("retry.interval", d.Retry.Interval)
	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("telemetry.enabled", d.Telemetry.Enabled)
	v.SetDefault("telemetry.exporter", d.Telemetry.Exporter)
	v.SetDefault("telemetry.endpoint", d.Telemetry.Endpoint)
	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.sample_rate", d.Telemetry.SampleRate)
}

// Load reads configuration from path, or from registry.yaml in the working
// directory or ~/.config/registry when path is empty. A missing default file
// is not an error; a missing explicit path is.
func Load(path string) (*Config, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("registry")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "registry"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the server cannot run with
func (c *Config) Validate() error {
	switch c.Graph.Backend {
	case GraphBackendSQLite, GraphBackendNeo4j:
	default:
		return fmt.Errorf("graph.backend must be %q or %q, got %q", GraphBackendSQLite, GraphBackendNeo4j, c.Graph.Backend)
	}
	switch c.Embedder.Provider {
	case EmbedderHash:
	case EmbedderHTTP:
		if c.Embedder.URL == "" {
			return fmt.Errorf("embedder.url is required for the %q provider", EmbedderHTTP)
		}
	default:
		return fmt.Errorf("embedder.provider must be %q or %q, got %q", EmbedderHash, EmbedderHTTP, c.Embedder.Provider)
	}
	if c.Primary.Path == "" {
		return fmt.Errorf("primary.path is required")
	}
	if c.Vector.Path == "" {
		return fmt.Errorf("vector.path is required")
	}
	if c.Retry.Path == "" {
		return fmt.Errorf("retry.path is required")
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must not be negative")
	}
	if c.Similarity.Threshold < 0 {
		return fmt.Errorf("similarity.threshold must not be negative")
	}
	return nil
}

// Watch calls fn with the reloaded configuration whenever the file backing v
// changes. Reloads that fail to decode or validate are passed to onErr and
// otherwise ignored.
func Watch(v *viper.Viper, fn func(*Config), onErr func(error)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			if onErr != nil {
				onErr(err)
			}
			return
		}
		fn(cfg)
	})
	v.WatchConfig()
}

// WriteDefault writes the default configuration as YAML to path. An existing
// file is left untouched and reported as an error.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}
