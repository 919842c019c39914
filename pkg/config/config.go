package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Env variable names consumed beyond the per-provider API keys.
const (
	EnvDatabaseDSN = "CONDUIT_DB_DSN"
	EnvCachePath   = "CONDUIT_CACHE_PATH"
)

// Config is the root configuration loaded from YAML and the environment.
type Config struct {
	Params   GenerationParams          `yaml:"params,omitempty"`
	Options  Options                   `yaml:"options,omitempty"`
	Provider ProviderConfig            `yaml:"provider,omitempty"`
	Database DatabaseConfig            `yaml:"database,omitempty"`
	Models   map[string]ProviderConfig `yaml:"models,omitempty"`

	LogLevel  string `yaml:"log_level,omitempty"`
	LogFormat string `yaml:"log_format,omitempty"`
}

// Load reads configuration from a YAML file. A missing file yields a default
// config; a malformed file is an error. `.env` is loaded first so ${KEY}
// defaults in SetDefaults can see it.
func Load(path string) (*Config, error) {
	// Best effort: absence of .env is normal.
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.SetDefaults()
	return cfg, nil
}

// SetDefaults applies defaults across all sections and pulls the remaining
// settings from the environment.
func (c *Config) SetDefaults() {
	c.Params.SetDefaults()
	c.Options.SetDefaults()
	c.Provider.SetDefaults()

	if c.Database.Dsn == "" {
		c.Database.Dsn = os.Getenv(EnvDatabaseDSN)
	}
	c.Database.SetDefaults()

	if c.Options.CachePath == "" {
		c.Options.CachePath = os.Getenv(EnvCachePath)
	}
	if c.LogLevel == "" {
		c.LogLevel = "warn"
	}
	if c.LogFormat == "" {
		c.LogFormat = "simple"
	}
	for name, mc := range c.Models {
		mc.SetDefaults()
		c.Models[name] = mc
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Options.Validate(); err != nil {
		return fmt.Errorf("options: %w", err)
	}
	if c.Params.Model != "" {
		if err := c.Params.Validate(); err != nil {
			return fmt.Errorf("params: %w", err)
		}
	}
	for name, mc := range c.Models {
		if err := mc.Validate(); err != nil {
			return fmt.Errorf("model %s: %w", name, err)
		}
	}
	return nil
}
