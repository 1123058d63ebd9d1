// Package config provides configuration management for cmux.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for cmux.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Metadata  MetadataConfig  `mapstructure:"extensionMetadata"`
	Stream    StreamConfig    `mapstructure:"stream"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// RuntimeConfig holds defaults for workspace runtimes.
type RuntimeConfig struct {
	// SrcBaseDir is where workspace worktrees are created,
	// as <srcBaseDir>/<projectName>/<workspaceName>.
	SrcBaseDir string `mapstructure:"srcBaseDir"`

	// SSHConnectTimeout is the ConnectTimeout passed to ssh, in seconds.
	SSHConnectTimeout int `mapstructure:"sshConnectTimeout"`
}

// ProvidersConfig holds LLM provider configuration.
type ProvidersConfig struct {
	// SecretsPath overrides the default <root>/secrets.toml location.
	SecretsPath string `mapstructure:"secretsPath"`

	// RequestsPerSecond caps outbound provider requests (0 = unlimited).
	RequestsPerSecond float64 `mapstructure:"requestsPerSecond"`

	// MaxConcurrent caps concurrent provider streams (0 = unlimited).
	MaxConcurrent int `mapstructure:"maxConcurrent"`
}

// MetadataConfig selects the extension-metadata backend.
type MetadataConfig struct {
	// Backend is "file" (canonical) or "sqlite".
	Backend string `mapstructure:"backend"`

	// SQLitePath overrides the default <root>/extensionMetadata.db location.
	SQLitePath string `mapstructure:"sqlitePath"`
}

// StreamConfig holds streaming behavior knobs.
type StreamConfig struct {
	// PartialFlushIntervalMs throttles partial-store writes during streaming.
	PartialFlushIntervalMs int `mapstructure:"partialFlushIntervalMs"`

	// MaxParallelTools caps concurrently executing tool calls per stream.
	MaxParallelTools int `mapstructure:"maxParallelTools"`

	// MaxSteps caps provider continuation rounds within one turn.
	MaxSteps int `mapstructure:"maxSteps"`

	// AutoRetry enables automatic resume after transient stream errors.
	AutoRetry bool `mapstructure:"autoRetry"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// PartialFlushInterval returns the partial write throttle as a time.Duration.
func (s *StreamConfig) PartialFlushInterval() time.Duration {
	return time.Duration(s.PartialFlushIntervalMs) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("CMUX_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 9776)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Runtime defaults
	v.SetDefault("runtime.srcBaseDir", "~/src")
	v.SetDefault("runtime.sshConnectTimeout", 10)

	// Provider defaults
	v.SetDefault("providers.secretsPath", "")
	v.SetDefault("providers.requestsPerSecond", 0)
	v.SetDefault("providers.maxConcurrent", 8)

	// Extension metadata defaults
	v.SetDefault("extensionMetadata.backend", "file")
	v.SetDefault("extensionMetadata.sqlitePath", "")

	// Stream defaults
	v.SetDefault("stream.partialFlushIntervalMs", 100)
	v.SetDefault("stream.maxParallelTools", 4)
	v.SetDefault("stream.maxSteps", 24)
	v.SetDefault("stream.autoRetry", true)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CMUX_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/cmux/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("CMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for env vars whose names differ from config keys.
	// HOST and PORT follow the conventional unprefixed names for servers.
	_ = v.BindEnv("server.host", "HOST", "CMUX_SERVER_HOST")
	_ = v.BindEnv("server.port", "PORT", "CMUX_SERVER_PORT")
	_ = v.BindEnv("runtime.srcBaseDir", "CMUX_RUNTIME_SRC_BASE_DIR")
	_ = v.BindEnv("providers.secretsPath", "CMUX_PROVIDERS_SECRETS_PATH")
	_ = v.BindEnv("extensionMetadata.backend", "CMUX_EXTENSION_METADATA_BACKEND")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/cmux/")

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

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// NATS validation - optional (uses in-memory event bus if not set)
	// No validation needed - empty URL means use in-memory

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Runtime.SrcBaseDir == "" {
		errs = append(errs, "runtime.srcBaseDir must not be empty")
	}

	validBackends := map[string]bool{"file": true, "sqlite": true}
	if !validBackends[cfg.Metadata.Backend] {
		errs = append(errs, "extensionMetadata.backend must be one of: file, sqlite")
	}

	if cfg.Stream.PartialFlushIntervalMs < 0 {
		errs = append(errs, "stream.partialFlushIntervalMs must not be negative")
	}
	if cfg.Stream.MaxParallelTools <= 0 {
		errs = append(errs, "stream.maxParallelTools must be positive")
	}
	if cfg.Stream.MaxSteps <= 0 {
		errs = append(errs, "stream.maxSteps must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
