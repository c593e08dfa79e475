// Package config loads the layered server configuration: built-in
// defaults, then an optional YAML file, then environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Config is the merged mcp-the-force configuration.
type Config struct {
	DataDir string `yaml:"data_dir"`

	Logging     LoggingConfig     `yaml:"logging"`
	Session     SessionConfig     `yaml:"session"`
	Context     ContextConfig     `yaml:"context"`
	Memory      MemoryConfig      `yaml:"memory"`
	VectorStore VectorStoreConfig `yaml:"vectorstore"`
	Loiter      LoiterConfig      `yaml:"loiter"`
	Providers   ProvidersConfig   `yaml:"providers"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`

	// AdapterMock short-circuits provider and vector-store calls.
	// The test suite depends on it.
	AdapterMock bool `yaml:"adapter_mock"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	ShipperURL string `yaml:"shipper_url"`
}

type SessionConfig struct {
	TTLHours int `yaml:"ttl_hours"`
}

type ContextConfig struct {
	// InlineBudgetFraction is the share of the model context window
	// available for inline file content.
	InlineBudgetFraction float64 `yaml:"inline_budget_fraction"`
}

type MemoryConfig struct {
	// RolloverLimit is the doc count at which the active store rolls
	// over to a fresh one.
	RolloverLimit     int `yaml:"rollover_limit"`
	SearchConcurrency int `yaml:"search_concurrency"`
	SearchTimeoutSecs int `yaml:"search_timeout_seconds"`
}

type VectorStoreConfig struct {
	// Provider selects the backend: "openai", "local", or "inmemory".
	Provider string `yaml:"provider"`
	// LocalTracking keeps per-session store tracking in our own DB even
	// when the loiter killer owns store lifecycles.
	LocalTracking bool `yaml:"local_tracking"`
}

type LoiterConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

type ProvidersConfig struct {
	OpenAI ProviderConfig `yaml:"openai"`
	Gemini ProviderConfig `yaml:"gemini"`
	XAI    ProviderConfig `yaml:"xai"`
}

type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

type MaintenanceConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DataDir: filepath.Join(home, ".mcp-the-force"),
		Logging: LoggingConfig{Level: "info"},
		Session: SessionConfig{TTLHours: 6},
		Context: ContextConfig{InlineBudgetFraction: 0.85},
		Memory: MemoryConfig{
			RolloverLimit:     2000,
			SearchConcurrency: 5,
			SearchTimeoutSecs: 10,
		},
		VectorStore: VectorStoreConfig{Provider: "openai"},
		Maintenance: MaintenanceConfig{Enabled: true, Schedule: "@every 1h"},
	}
}

// Load builds the effective configuration. path may be empty, in which
// case only defaults and environment apply. A project-local
// .mcp-the-force/config.yaml is picked up when no path is given.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		if _, err := os.Stat(filepath.Join(".mcp-the-force", "config.yaml")); err == nil {
			path = filepath.Join(".mcp-the-force", "config.yaml")
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		var fileCfg Config
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		if err := mergo.Merge(cfg, fileCfg, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge config: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv layers MCP_* and provider key environment variables on top.
func (c *Config) applyEnv() {
	if v := os.Getenv("MCP_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("MCP_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("MCP_LOG_SHIPPER_URL"); v != "" {
		c.Logging.ShipperURL = v
	}
	if v := os.Getenv("MCP_ADAPTER_MOCK"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.AdapterMock = b
		}
	}
	if v := os.Getenv("MCP_VECTORSTORE_PROVIDER"); v != "" {
		c.VectorStore.Provider = v
	}
	if v := os.Getenv("MCP_LOITER_URL"); v != "" {
		c.Loiter.URL = v
		c.Loiter.Enabled = true
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		c.Providers.OpenAI.BaseURL = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Providers.Gemini.APIKey = v
	} else if v := os.Getenv("GOOGLE_API_KEY"); v != "" {
		c.Providers.Gemini.APIKey = v
	}
	if v := os.Getenv("XAI_API_KEY"); v != "" {
		c.Providers.XAI.APIKey = v
	}
}

// SessionDBPath is the unified sessions database location.
func (c *Config) SessionDBPath() string {
	return filepath.Join(c.DataDir, "sessions.sqlite3")
}

// MemoryDBPath is the project memory configuration database location.
func (c *Config) MemoryDBPath() string {
	return filepath.Join(c.DataDir, "memory.sqlite3")
}

// LocalStoreDBPath backs the local vector-store provider.
func (c *Config) LocalStoreDBPath() string {
	return filepath.Join(c.DataDir, "localstore.sqlite3")
}
