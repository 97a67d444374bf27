package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the Vilya gateway configuration
type Config struct {
	Server   ServerConfig             `yaml:"server"`
	Backends map[string]BackendConfig `yaml:"backends"`
	Logging  LoggingConfig            `yaml:"logging"`
	Metrics  MetricsConfig            `yaml:"metrics"`
}

// ServerConfig configures the listening endpoint
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"-"`
	// Field for YAML parsing (integer seconds)
	ShutdownTimeoutSecs int `yaml:"shutdown_timeout"`
}

// BackendConfig describes one named backend: the command that is launched
// for every worker process, an optional environment overlay merged over the
// gateway's own environment, and the number of idle workers kept warm.
type BackendConfig struct {
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	Env         map[string]string `yaml:"env"`
	MinPoolSize int               `yaml:"min_pool_size"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// MetricsConfig configures the Prometheus exposition endpoint
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                8700,
			ShutdownTimeout:     30 * time.Second,
			ShutdownTimeoutSecs: 30,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "vilya",
		},
	}
}

// LoadConfig loads the configuration from a YAML file. The file is required:
// the gateway cannot invent backend commands, so a missing or unreadable
// file is a fatal startup error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if cfg.Server.ShutdownTimeoutSecs > 0 {
		cfg.Server.ShutdownTimeout = time.Duration(cfg.Server.ShutdownTimeoutSecs) * time.Second
	}

	// Normalize: an unset pool size means one warm worker. A negative value
	// is not an omission and must survive to Validate.
	for name, backend := range cfg.Backends {
		if backend.MinPoolSize == 0 {
			backend.MinPoolSize = 1
			cfg.Backends[name] = backend
		}
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if len(c.Backends) == 0 {
		return fmt.Errorf("no backends configured")
	}

	for name, backend := range c.Backends {
		if name == "" {
			return fmt.Errorf("backend with empty name")
		}
		if backend.Command == "" {
			return fmt.Errorf("backend %q: command must not be empty", name)
		}
		if backend.MinPoolSize < 1 {
			return fmt.Errorf("backend %q: min_pool_size must be >= 1 (got %d)", name, backend.MinPoolSize)
		}
	}

	return nil
}

// Address returns the full listen address
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
