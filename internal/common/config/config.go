// Package config provides configuration management for agentmesh.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agentmesh.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Claude      ClaudeConfig      `mapstructure:"claude"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Bus         BusConfig         `mapstructure:"bus"`
	Permissions PermissionsConfig `mapstructure:"permissions"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ClaudeConfig holds Claude CLI child-process configuration.
type ClaudeConfig struct {
	// Binary is the executable name resolved from PATH.
	Binary string `mapstructure:"binary"`

	// IncludePartialMessages toggles incremental-delta streaming. When false
	// the CLI emits line-buffered whole messages only.
	IncludePartialMessages bool `mapstructure:"includePartialMessages"`

	// InitTimeout bounds how long adapter construction waits for the child
	// to become ready, in seconds.
	InitTimeout int `mapstructure:"initTimeout"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Root is the base directory for persisted state (default ~/.agentmesh).
	Root string `mapstructure:"root"`
}

// BusConfig holds event bus configuration.
// An empty URL selects the in-memory event bus.
type BusConfig struct {
	Provider      string `mapstructure:"provider"` // memory, nats
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// PermissionsConfig holds the default permission rule lists applied to
// every network unless overridden by project-local settings.
type PermissionsConfig struct {
	Allow []string `mapstructure:"allow"`
	Deny  []string `mapstructure:"deny"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// InitTimeoutDuration returns the adapter init timeout as a time.Duration.
func (c *ClaudeConfig) InitTimeoutDuration() time.Duration {
	return time.Duration(c.InitTimeout) * time.Second
}

// detectDefaultLogFormat returns "json" for production environments and
// "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTMESH_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultStorageRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentmesh"
	}
	return filepath.Join(home, ".agentmesh")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults. Port 0 means an ephemeral port chosen at bind time.
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 0)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")

	// Claude CLI defaults
	v.SetDefault("claude.binary", "claude")
	v.SetDefault("claude.includePartialMessages", true)
	v.SetDefault("claude.initTimeout", 30)

	// Storage defaults
	v.SetDefault("storage.root", defaultStorageRoot())

	// Bus defaults - empty URL means use the in-memory event bus
	v.SetDefault("bus.provider", "memory")
	v.SetDefault("bus.url", "")
	v.SetDefault("bus.maxReconnects", 10)

	// Permission defaults
	v.SetDefault("permissions.allow", []string{})
	v.SetDefault("permissions.deny", []string{})
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTMESH_ with snake_case naming.
// The config file is config.yaml in the current directory or ~/.agentmesh/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for camelCase config keys; AutomaticEnv does not
	// handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("claude.includePartialMessages", "AGENTMESH_CLAUDE_INCLUDE_PARTIAL_MESSAGES")
	_ = v.BindEnv("claude.initTimeout", "AGENTMESH_CLAUDE_INIT_TIMEOUT")
	_ = v.BindEnv("bus.maxReconnects", "AGENTMESH_BUS_MAX_RECONNECTS")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(defaultStorageRoot())

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all configuration fields are in range.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Claude.Binary == "" {
		errs = append(errs, "claude.binary must not be empty")
	}
	switch cfg.Bus.Provider {
	case "", "memory", "nats":
	default:
		errs = append(errs, fmt.Sprintf("bus.provider must be memory or nats, got %q", cfg.Bus.Provider))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
