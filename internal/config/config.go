// Package config handles CLI configuration loading and validation. Values are
// resolved from built-in defaults, then an optional YAML file, then
// environment variables, so the environment wins over the file and the file
// wins over the defaults. Command-line flags are applied on top by the caller.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the resolved settings for one redis-ipc process.
type Config struct {
	// Redis connection. RedisURL takes precedence over the discrete fields.
	RedisURL      string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Stream coordinates
	Stream string // Redis stream key shared by all groups
	Group  string // consumer group this process joins

	// Coordinator sizing
	Workers     int
	Dispatchers int

	// Timing
	EntryTimeout    time.Duration // how long a caller waits for a reply
	CleanupInterval time.Duration // sweep cadence for expired waiters
	ReclaimMinIdle  time.Duration // idle threshold before stuck entries are reclaimed

	// Logging
	LogLevel  string // debug, info, warn, error
	LogFormat string // json or console
	LogFile   string // empty for stdout
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		RedisAddr:       "localhost:6379",
		Stream:          "redis-ipc",
		Workers:         10,
		Dispatchers:     3,
		EntryTimeout:    5 * time.Second,
		CleanupInterval: time.Second,
		ReclaimMinIdle:  10 * time.Second,
		LogLevel:        "info",
		LogFormat:       "json",
	}
}

// New builds a configuration from environment variables applied on top of the
// defaults. Equivalent to Load("").
func New() (*Config, error) {
	return Load("")
}

// Load builds a configuration from the defaults, the YAML file at path (when
// path is non-empty), and the environment, then validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays recognized environment variables onto the configuration.
func (c *Config) applyEnv() {
	c.RedisURL = EnvOrDefault("REDIS_URL", c.RedisURL)
	c.RedisAddr = EnvOrDefault("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = EnvOrDefault("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = EnvIntOrDefault("REDIS_DB", c.RedisDB)

	c.Stream = EnvOrDefault("REDIS_IPC_STREAM", c.Stream)
	c.Group = EnvOrDefault("REDIS_IPC_GROUP", c.Group)

	c.Workers = EnvIntOrDefault("REDIS_IPC_WORKERS", c.Workers)
	c.Dispatchers = EnvIntOrDefault("REDIS_IPC_DISPATCHERS", c.Dispatchers)

	c.EntryTimeout = EnvDurationOrDefault("REDIS_IPC_ENTRY_TIMEOUT", c.EntryTimeout)
	c.CleanupInterval = EnvDurationOrDefault("REDIS_IPC_CLEANUP_INTERVAL", c.CleanupInterval)
	c.ReclaimMinIdle = EnvDurationOrDefault("REDIS_IPC_RECLAIM_MIN_IDLE", c.ReclaimMinIdle)

	c.LogLevel = EnvOrDefault("LOG_LEVEL", c.LogLevel)
	c.LogFormat = EnvOrDefault("LOG_FORMAT", c.LogFormat)
	c.LogFile = EnvOrDefault("LOG_FILE", c.LogFile)
}

// fileConfig is the YAML schema of the optional configuration file. Durations
// are strings in time.ParseDuration syntax ("5s", "250ms").
type fileConfig struct {
	Redis struct {
		URL      string `yaml:"url"`
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       *int   `yaml:"db"`
	} `yaml:"redis"`
	Stream          string `yaml:"stream"`
	Group           string `yaml:"group"`
	Workers         int    `yaml:"workers"`
	Dispatchers     int    `yaml:"dispatchers"`
	EntryTimeout    string `yaml:"entry_timeout"`
	CleanupInterval string `yaml:"cleanup_interval"`
	ReclaimMinIdle  string `yaml:"reclaim_min_idle"`
	Log             struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		File   string `yaml:"file"`
	} `yaml:"log"`
}

// mergeFile overlays the settings present in the YAML file at path. Absent
// fields keep their current values.
func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	if fc.Redis.URL != "" {
		c.RedisURL = fc.Redis.URL
	}
	if fc.Redis.Addr != "" {
		c.RedisAddr = fc.Redis.Addr
	}
	if fc.Redis.Password != "" {
		c.RedisPassword = fc.Redis.Password
	}
	if fc.Redis.DB != nil {
		c.RedisDB = *fc.Redis.DB
	}
	if fc.Stream != "" {
		c.Stream = fc.Stream
	}
	if fc.Group != "" {
		c.Group = fc.Group
	}
	if fc.Workers != 0 {
		c.Workers = fc.Workers
	}
	if fc.Dispatchers != 0 {
		c.Dispatchers = fc.Dispatchers
	}
	if err := mergeDuration(&c.EntryTimeout, "entry_timeout", fc.EntryTimeout); err != nil {
		return err
	}
	if err := mergeDuration(&c.CleanupInterval, "cleanup_interval", fc.CleanupInterval); err != nil {
		return err
	}
	if err := mergeDuration(&c.ReclaimMinIdle, "reclaim_min_idle", fc.ReclaimMinIdle); err != nil {
		return err
	}
	if fc.Log.Level != "" {
		c.LogLevel = fc.Log.Level
	}
	if fc.Log.Format != "" {
		c.LogFormat = fc.Log.Format
	}
	if fc.Log.File != "" {
		c.LogFile = fc.Log.File
	}
	return nil
}

func mergeDuration(dst *time.Duration, field, value string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("config file field %s: %w", field, err)
	}
	*dst = d
	return nil
}

// Validate checks that the configuration is usable. Group presence is
// enforced per command, since inspection works without joining a group.
func (c *Config) Validate() error {
	if c.Stream == "" {
		return fmt.Errorf("stream name must not be empty")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.Dispatchers < 1 {
		return fmt.Errorf("dispatchers must be at least 1, got %d", c.Dispatchers)
	}
	if c.EntryTimeout <= 0 {
		return fmt.Errorf("entry timeout must be positive, got %s", c.EntryTimeout)
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup interval must be positive, got %s", c.CleanupInterval)
	}
	if c.ReclaimMinIdle < 0 {
		return fmt.Errorf("reclaim min idle must not be negative, got %s", c.ReclaimMinIdle)
	}
	return nil
}
