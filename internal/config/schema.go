package config

import (
	"time"
)

// Config is the root configuration document
type Config struct {
	Version    int              `yaml:"version"`
	Repository RepositoryConfig `yaml:"repository"`
	Migration  MigrationConfig  `yaml:"migration"`
	Shutdown   ShutdownConfig   `yaml:"shutdown"`
	Registry   RegistryConfig   `yaml:"registry"`
	Watch      WatchConfig      `yaml:"watch"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// Backend types
const (
	BackendLocal  = "local"
	BackendSQLite = "sqlite"
)

// RepositoryConfig selects and tunes the storage backend
type RepositoryConfig struct {
	// Type is "local" (one directory per object) or "sqlite" (single file)
	Type string `yaml:"type"`
	// Path is the repository directory for local or the database file for sqlite
	Path string `yaml:"path"`
	// Codec is the format new documents are written in
	Codec             string   `yaml:"codec"`
	LockTimeout       Duration `yaml:"lock_timeout"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	StaleSessionAfter Duration `yaml:"stale_session_after"`
	LoadWorkers       int      `yaml:"load_workers"`
}

// MigrationConfig holds the default schema migration policy
type MigrationConfig struct {
	Policy string `yaml:"policy"`
}

// ShutdownConfig holds background task shutdown timings
type ShutdownConfig struct {
	Policy           string   `yaml:"policy"`
	Timeout          Duration `yaml:"timeout"`
	PromptInterval   Duration `yaml:"prompt_interval"`
	NonCriticalGrace Duration `yaml:"noncritical_grace"`
	PollInterval     Duration `yaml:"poll_interval"`
}

// RegistryConfig tunes the registry view
type RegistryConfig struct {
	ChildCacheSize int `yaml:"child_cache_size"`
	// FlushInterval is how often dirty objects are written in the background
	FlushInterval Duration `yaml:"flush_interval"`
}

// WatchConfig controls the filesystem watcher of the local backend
type WatchConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Debounce Duration `yaml:"debounce"`
}

// LoggingConfig controls the log sink
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File enables rotated file output when set
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Duration wraps time.Duration for YAML unmarshaling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Decode implements envconfig.Decoder
func (d *Duration) Decode(value string) error {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}
