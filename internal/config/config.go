// Package config loads and validates the gateway configuration.
//
// DESIGN: All configuration comes from YAML files with ${VAR:-default}
// environment expansion. Required fields are validated explicitly - no
// silent defaults for anything that selects a backend or a port.
//
// FILES:
//   - config.go:    Root Config struct, Load(), Validate()
//   - providers.go: Provider families and the model registry map
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the completion gateway.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Models     []ModelConfig    `yaml:"models"`
	Store      StoreConfig      `yaml:"store"`
	History    HistoryConfig    `yaml:"history"`
	Refinement RefinementConfig `yaml:"refinement"`
	Logging    LoggerConfig     `yaml:"logging"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// StoreConfig bounds the shared session store.
type StoreConfig struct {
	MaxSessions int           `yaml:"max_sessions"`
	SessionTTL  time.Duration `yaml:"session_ttl"`
}

// HistoryConfig tunes conversation-history retrieval.
type HistoryConfig struct {
	// DefaultTokenBudget caps retrieved history when a request does not
	// carry its own budget.
	DefaultTokenBudget int `yaml:"default_token_budget"`
}

// RefinementConfig sets loop bounds applied when request directives omit
// them.
type RefinementConfig struct {
	Threshold float64 `yaml:"threshold"`
	MaxIters  int     `yaml:"max_iterations"`
}

// LoggerConfig configures the structured logger.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// RateLimitConfig bounds per-client request rates.
type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
}

// expandEnvWithDefaults expands ${VAR} and ${VAR:-default} references.
func expandEnvWithDefaults(s string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) > 2 {
			return parts[2]
		}
		return ""
	})
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses configuration from raw YAML bytes with env var
// expansion and validation.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := expandEnvWithDefaults(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port == 0 {
		return fmt.Errorf("server.port is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d (must be 1-65535)", c.Server.Port)
	}

	if len(c.Models) == 0 {
		return fmt.Errorf("at least one model must be configured")
	}
	seen := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("models[%d]: %w", i, err)
		}
		if seen[m.ID] {
			return fmt.Errorf("models[%d]: duplicate model id %q", i, m.ID)
		}
		seen[m.ID] = true
		if _, ok := c.Providers.ForFamily(m.Family); !ok {
			return fmt.Errorf("models[%d]: provider family %q is not configured", i, m.Family)
		}
	}

	if c.Refinement.Threshold < 0 || c.Refinement.Threshold > 1 {
		return fmt.Errorf("refinement.threshold must be in [0,1], got %g", c.Refinement.Threshold)
	}
	return nil
}
