package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models basketry.yml.
type Config struct {
	Queue struct {
		MaxRetries       int `yaml:"max_retries"`
		BackoffBaseSecs  int `yaml:"backoff_base_seconds"`
		BatchCeiling     int `yaml:"batch_ceiling"`
		StaleAfterMins   int `yaml:"stale_after_minutes"`
		RetentionHours   int `yaml:"completed_retention_hours"`
		PollIntervalSecs int `yaml:"poll_interval_seconds"`
	} `yaml:"queue"`
	Cascades struct {
		SubstrateDensityMin int `yaml:"substrate_density_min"`
		MaturityLevelMin    int `yaml:"maturity_level_min"`
		ReflectionBlocks    int `yaml:"reflection_min_blocks"`
		ReflectionItems     int `yaml:"reflection_min_context_items"`
	} `yaml:"cascades"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default returns the built-in configuration. The retry budget, backoff
// base, stale window and batch ceiling apply to every workspace.
func Default() *Config {
	var cfg Config
	cfg.Queue.MaxRetries = 3
	cfg.Queue.BackoffBaseSecs = 2
	cfg.Queue.BatchCeiling = 20
	cfg.Queue.StaleAfterMins = 60
	cfg.Queue.RetentionHours = 720
	cfg.Queue.PollIntervalSecs = 2
	cfg.Cascades.SubstrateDensityMin = 5
	cfg.Cascades.MaturityLevelMin = 2
	cfg.Cascades.ReflectionBlocks = 2
	cfg.Cascades.ReflectionItems = 3
	cfg.Log.Level = "info"
	cfg.Log.Format = "console"
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("config.queue.max_retries must be >= 0")
	}
	if c.Queue.BackoffBaseSecs <= 0 {
		return fmt.Errorf("config.queue.backoff_base_seconds must be > 0")
	}
	if c.Queue.BatchCeiling <= 0 {
		return fmt.Errorf("config.queue.batch_ceiling must be > 0")
	}
	if c.Queue.StaleAfterMins <= 0 {
		return fmt.Errorf("config.queue.stale_after_minutes must be > 0")
	}
	if c.Queue.RetentionHours <= 0 {
		return fmt.Errorf("config.queue.completed_retention_hours must be > 0")
	}
	if c.Cascades.SubstrateDensityMin < 0 {
		return fmt.Errorf("config.cascades.substrate_density_min must be >= 0")
	}
	if c.Cascades.ReflectionBlocks <= 0 || c.Cascades.ReflectionItems <= 0 {
		return fmt.Errorf("config.cascades reflection thresholds must be > 0")
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("config.log.format must be console or json")
	}
	return nil
}

// Path returns the config file path for a workspace directory.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "basketry.yml")
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Unset fields
// keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}
