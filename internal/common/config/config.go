// Package config loads configuration from defaults, an optional config file
// and MEMNEXUS_-prefixed environment variables, in that order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/memnexus/memnexus/internal/common/logger"
)

// Config is the root configuration for the memnexus service.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Store        StoreConfig        `mapstructure:"store"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Logging      logger.Config      `mapstructure:"logging"`
	ACP          ACPConfig          `mapstructure:"acp"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Intervention InterventionConfig `mapstructure:"intervention"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Address returns the listen address in host:port form.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StoreConfig configures the memory store backend.
type StoreConfig struct {
	// Backend selects the persistence driver: "sqlite" or "postgres".
	Backend string `mapstructure:"backend"`
	// Path is the sqlite database file, or ":memory:".
	Path string `mapstructure:"path"`
	// URL is the postgres connection string when backend is "postgres".
	URL string `mapstructure:"url"`
	// VectorDim is the embedding dimensionality.
	VectorDim int `mapstructure:"vector_dim"`
}

// NATSConfig configures the optional external sync bridge.
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
}

// ACPConfig configures the agent protocol adapter.
type ACPConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	PromptTimeout  time.Duration `mapstructure:"prompt_timeout"`
}

// OrchestratorConfig configures plan execution.
type OrchestratorConfig struct {
	MaxRetries          int           `mapstructure:"max_retries"`
	DependencyTimeout   time.Duration `mapstructure:"dependency_timeout"`
	DependencyPoll      time.Duration `mapstructure:"dependency_poll"`
	StarvationThreshold time.Duration `mapstructure:"starvation_threshold"`
	StopGracePeriod     time.Duration `mapstructure:"stop_grace_period"`
}

// InterventionConfig configures the intervention registry. A zero
// ApprovalTimeout leaves approval gates waiting indefinitely.
type InterventionConfig struct {
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
	ApprovalTimeout time.Duration `mapstructure:"approval_timeout"`
}

// TracingConfig configures the optional OTLP exporter.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
	Service  string `mapstructure:"service"`
}

// Load reads configuration from defaults, config.yaml and environment.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/memnexus")

	v.SetEnvPrefix("MEMNEXUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8765)

	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.path", "memnexus.db")
	v.SetDefault("store.url", "")
	v.SetDefault("store.vector_dim", 384)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.enabled", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", logger.DetectFormat())
	v.SetDefault("logging.output_path", "stdout")

	v.SetDefault("acp.request_timeout", 30*time.Second)
	v.SetDefault("acp.prompt_timeout", 300*time.Second)

	v.SetDefault("orchestrator.max_retries", 3)
	v.SetDefault("orchestrator.dependency_timeout", 300*time.Second)
	v.SetDefault("orchestrator.dependency_poll", 100*time.Millisecond)
	v.SetDefault("orchestrator.starvation_threshold", 60*time.Second)
	v.SetDefault("orchestrator.stop_grace_period", 5*time.Second)

	v.SetDefault("intervention.monitor_interval", 5*time.Second)
	v.SetDefault("intervention.approval_timeout", 0*time.Second)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.service", "memnexus")
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	switch c.Store.Backend {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("invalid store backend: %q", c.Store.Backend)
	}
	if c.Store.Backend == "postgres" && c.Store.URL == "" {
		return fmt.Errorf("store.url is required for the postgres backend")
	}
	if c.Store.VectorDim <= 0 {
		return fmt.Errorf("invalid vector dimension: %d", c.Store.VectorDim)
	}
	if c.Orchestrator.MaxRetries < 0 {
		return fmt.Errorf("invalid max retries: %d", c.Orchestrator.MaxRetries)
	}
	return nil
}
