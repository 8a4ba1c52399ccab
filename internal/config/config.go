// Package config provides configuration management for gridrepo.
//
// Config file locations (priority order):
//  1. $GRIDREPO_CONFIG
//  2. ./gridrepo.yaml
//  3. $XDG_CONFIG_HOME/gridrepo/config.yaml
//  4. ~/.config/gridrepo/config.yaml
//  5. /etc/gridrepo/config.yaml
//
// Selected keys can be overridden from the environment (GRIDREPO_*), which
// takes precedence over the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"gridrepo/internal/codec"
	"gridrepo/internal/coordinator"
	"gridrepo/internal/migration"
)

// EnvPrefix is the prefix of environment overrides
const EnvPrefix = "GRIDREPO"

// Load finds and loads the config file, or returns defaults if none found.
// Environment overrides are applied in both cases.
func Load() (*Config, string, error) {
	path := FindConfigPath()

	var cfg *Config
	if path == "" {
		cfg = DefaultConfig()
	} else {
		var err error
		cfg, path, err = LoadFromPath(path)
		if err != nil {
			return nil, path, err
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, path, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// LoadFromPath loads config from a specific path
func LoadFromPath(path string) (*Config, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, path, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, path, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &cfg, path, nil
}

// Save writes config to the specified path
func (c *Config) Save(path string) error {
	if err := EnsureConfigDir(path); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

// DefaultConfig returns sensible defaults for a new installation
func DefaultConfig() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// applyDefaults fills in missing values with defaults
func (c *Config) applyDefaults() {
	if c.Version == 0 {
		c.Version = 1
	}

	r := &c.Repository
	if r.Type == "" {
		r.Type = BackendLocal
	}
	if r.Path == "" {
		r.Path = DefaultRepositoryPath()
		if r.Type == BackendSQLite {
			r.Path = filepath.Join(r.Path, "repository.db")
		}
	}
	if r.Codec == "" {
		r.Codec = string(codec.FormatJSON)
	}
	if r.LockTimeout == 0 {
		r.LockTimeout = Duration(10 * time.Second)
	}
	if r.HeartbeatInterval == 0 {
		r.HeartbeatInterval = Duration(30 * time.Second)
	}
	if r.StaleSessionAfter == 0 {
		r.StaleSessionAfter = Duration(5 * time.Minute)
	}
	if r.LoadWorkers == 0 {
		r.LoadWorkers = 8
	}

	if c.Migration.Policy == "" {
		c.Migration.Policy = string(migration.PolicyInteractive)
	}

	s := &c.Shutdown
	def := coordinator.DefaultConfig()
	if s.Policy == "" {
		s.Policy = string(def.Policy)
	}
	if s.Timeout == 0 {
		s.Timeout = Duration(def.Timeout)
	}
	if s.PromptInterval == 0 {
		s.PromptInterval = Duration(def.PromptInterval)
	}
	if s.NonCriticalGrace == 0 {
		s.NonCriticalGrace = Duration(def.NonCriticalGrace)
	}
	if s.PollInterval == 0 {
		s.PollInterval = Duration(def.PollInterval)
	}

	if c.Registry.ChildCacheSize == 0 {
		c.Registry.ChildCacheSize = 256
	}
	if c.Registry.FlushInterval == 0 {
		c.Registry.FlushInterval = Duration(30 * time.Second)
	}
	if c.Watch.Debounce == 0 {
		c.Watch.Debounce = Duration(250 * time.Millisecond)
	}

	l := &c.Logging
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "console"
	}
	if l.MaxSizeMB == 0 {
		l.MaxSizeMB = 50
	}
	if l.MaxBackups == 0 {
		l.MaxBackups = 3
	}
	if l.MaxAgeDays == 0 {
		l.MaxAgeDays = 28
	}
}

// Validate rejects unknown enum values and nonsensical sizes
func (c *Config) Validate() error {
	switch c.Repository.Type {
	case BackendLocal, BackendSQLite:
	default:
		return fmt.Errorf("unknown repository type %q", c.Repository.Type)
	}
	if _, err := codec.New(codec.Format(c.Repository.Codec)); err != nil {
		return fmt.Errorf("repository codec: %w", err)
	}
	if c.Repository.LoadWorkers < 0 {
		return fmt.Errorf("load_workers must not be negative")
	}
	if _, err := migration.ParsePolicy(c.Migration.Policy); err != nil {
		return fmt.Errorf("migration policy: %w", err)
	}
	if !coordinator.Policy(c.Shutdown.Policy).Valid() {
		return fmt.Errorf("unknown shutdown policy %q", c.Shutdown.Policy)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	return nil
}

// envOverrides lists the keys that can be set from the environment
type envOverrides struct {
	RepositoryType  string   `envconfig:"REPOSITORY_TYPE"`
	RepositoryPath  string   `envconfig:"REPOSITORY_PATH"`
	RepositoryCodec string   `envconfig:"REPOSITORY_CODEC"`
	LockTimeout     Duration `envconfig:"LOCK_TIMEOUT"`
	MigrationPolicy string   `envconfig:"MIGRATION_POLICY"`
	ShutdownPolicy  string   `envconfig:"SHUTDOWN_POLICY"`
	LogLevel        string   `envconfig:"LOG_LEVEL"`
}

// ApplyEnv overlays GRIDREPO_* environment variables onto c
func (c *Config) ApplyEnv() error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}
	if env.RepositoryType != "" {
		c.Repository.Type = env.RepositoryType
	}
	if env.RepositoryPath != "" {
		c.Repository.Path = env.RepositoryPath
	}
	if env.RepositoryCodec != "" {
		c.Repository.Codec = env.RepositoryCodec
	}
	if env.LockTimeout != 0 {
		c.Repository.LockTimeout = env.LockTimeout
	}
	if env.MigrationPolicy != "" {
		c.Migration.Policy = env.MigrationPolicy
	}
	if env.ShutdownPolicy != "" {
		c.Shutdown.Policy = env.ShutdownPolicy
	}
	if env.LogLevel != "" {
		c.Logging.Level = env.LogLevel
	}
	return nil
}

// CoordinatorConfig converts the shutdown section
func (c *Config) CoordinatorConfig() coordinator.Config {
	return coordinator.Config{
		Policy:           coordinator.Policy(c.Shutdown.Policy),
		Timeout:          c.Shutdown.Timeout.Duration(),
		PromptInterval:   c.Shutdown.PromptInterval.Duration(),
		NonCriticalGrace: c.Shutdown.NonCriticalGrace.Duration(),
		PollInterval:     c.Shutdown.PollInterval.Duration(),
	}
}

// Summary returns a human-readable config summary
func (c *Config) Summary() string {
	return fmt.Sprintf("Repository: %s at %s (codec %s)\nMigration: %s, Shutdown: %s after %s\n",
		c.Repository.Type, c.Repository.Path, c.Repository.Codec,
		c.Migration.Policy, c.Shutdown.Policy, c.Shutdown.Timeout.Duration())
}
