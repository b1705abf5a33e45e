package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"worldline/internal/domain"
)

const FileName = "worldline.yml"

// Config models worldline.yml.
type Config struct {
	Database struct {
		// DSN overrides the workspace database file when set.
		DSN string `yaml:"dsn"`
	} `yaml:"database"`
	Blobs struct {
		Root string `yaml:"root"`

		// OrphanGraceMinutes keeps freshly written blobs out of orphan cleanup.
		OrphanGraceMinutes int `yaml:"orphan_grace_minutes"`
	} `yaml:"blobs"`
	Seeds struct {
		Dir           string `yaml:"dir"`
		ExportWorkers int    `yaml:"export_workers"`
	} `yaml:"seeds"`
	Defaults struct {
		Environment string `yaml:"environment"`
	} `yaml:"defaults"`
	Retention struct {
		FloorHours      int `yaml:"floor_hours"`
		DefaultTTLHours int `yaml:"default_ttl_hours"`
	} `yaml:"retention"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	var issues []string
	if c.Defaults.Environment != "" {
		if _, err := domain.ParseEnvironment(c.Defaults.Environment); err != nil {
			issues = append(issues, fmt.Sprintf("defaults.environment %q must be LOCAL, BETA or PROD", c.Defaults.Environment))
		}
	}
	if c.Seeds.ExportWorkers < 0 {
		issues = append(issues, "seeds.export_workers must not be negative")
	}
	if c.Blobs.OrphanGraceMinutes < 0 {
		issues = append(issues, "blobs.orphan_grace_minutes must not be negative")
	}
	if c.Retention.FloorHours < 0 {
		issues = append(issues, "retention.floor_hours must not be negative")
	}
	if c.Retention.DefaultTTLHours < 0 {
		issues = append(issues, "retention.default_ttl_hours must not be negative")
	}
	if strings.TrimSpace(c.Blobs.Root) == "" {
		issues = append(issues, "blobs.root is required")
	}
	if strings.TrimSpace(c.Seeds.Dir) == "" {
		issues = append(issues, "seeds.dir is required")
	}
	if len(issues) > 0 {
		return &domain.ValidationError{Issues: issues}
	}
	return nil
}

// Environment returns the configured default environment, LOCAL when unset.
func (c *Config) Environment() domain.Environment {
	env, err := domain.ParseEnvironment(c.Defaults.Environment)
	if err != nil {
		return domain.EnvLocal
	}
	return env
}

// Resolve anchors relative blob and seed directories at workspace.
func (c *Config) Resolve(workspace string) {
	if workspace == "" {
		workspace = "."
	}
	if !filepath.IsAbs(c.Blobs.Root) {
		c.Blobs.Root = filepath.Join(workspace, c.Blobs.Root)
	}
	if !filepath.IsAbs(c.Seeds.Dir) {
		c.Seeds.Dir = filepath.Join(workspace, c.Seeds.Dir)
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses config layered over the defaults and validates it.
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

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.NotFoundf("config %s not found; create one with wm config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `database:
  dsn: ""

blobs:
  root: .worldline/blobs
  orphan_grace_minutes: 15

seeds:
  dir: seeds
  export_workers: 8

defaults:
  environment: LOCAL

retention:
  floor_hours: 1
  default_ttl_hours: 24
`
