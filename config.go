package redisipc

import (
	"time"

	"go.uber.org/zap"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultPoolSize           = 10
	DefaultEntryTimeout       = 5 * time.Second
	DefaultCleanupInterval    = 1 * time.Second
	DefaultWorkers            = 10
	DefaultWorkerInterval     = 1 * time.Millisecond
	DefaultDispatchers        = 3
	DefaultDispatcherInterval = 1 * time.Millisecond
	DefaultReclaimMinIdle     = 10 * time.Second
	DefaultRedisAddr          = "localhost:6379"
)

// Config carries the options for Stream.Connect. The zero value is usable:
// every unset field is filled with its default.
type Config struct {
	// RedisURL is a redis:// connection URL. When set it takes precedence
	// over RedisAddr/RedisPassword/RedisDB.
	RedisURL string
	// RedisAddr is the host:port of the Redis server.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// PoolSize is the send-side connection budget. The actual go-redis pool
	// is sized PoolSize + 2·Workers + 2·Dispatchers so ticking consumers
	// never starve senders.
	PoolSize int
	// MaxPoolSize caps the computed pool size when > 0.
	MaxPoolSize int

	// EntryTimeout bounds the wait for a reply in SendToGroup.
	EntryTimeout time.Duration
	// CleanupInterval is the period of the ledger sweeper.
	CleanupInterval time.Duration

	// Workers is the number of consumers processing this instance's entries.
	Workers        int
	WorkerInterval time.Duration

	// Dispatchers is the number of consumers routing unread entries.
	Dispatchers        int
	DispatcherInterval time.Duration

	// ReclaimMinIdle is the idle threshold before a dispatcher autoclaims an
	// entry stuck in another consumer's pending list.
	ReclaimMinIdle time.Duration

	// InstanceID overrides the generated per-process token.
	InstanceID string

	// Logger receives structured logs from all components. Defaults to
	// zap.NewNop().
	Logger *zap.Logger

	// Client overrides the Redis client. When nil a go-redis client is built
	// from the Redis* fields and closed again on Disconnect; an injected
	// client is left open.
	Client StreamsClient
}

// DefaultConfig returns a Config with every field set to its default.
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.RedisURL == "" && c.RedisAddr == "" {
		c.RedisAddr = DefaultRedisAddr
	}
	if c.PoolSize == 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.EntryTimeout == 0 {
		c.EntryTimeout = DefaultEntryTimeout
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.WorkerInterval == 0 {
		c.WorkerInterval = DefaultWorkerInterval
	}
	if c.Dispatchers == 0 {
		c.Dispatchers = DefaultDispatchers
	}
	if c.DispatcherInterval == 0 {
		c.DispatcherInterval = DefaultDispatcherInterval
	}
	if c.ReclaimMinIdle == 0 {
		c.ReclaimMinIdle = DefaultReclaimMinIdle
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Validate rejects configurations the pools cannot run with. It expects
// defaults to be applied already.
func (c Config) Validate() error {
	if c.PoolSize < 1 {
		return &ConfigError{Reason: "pool size must be positive"}
	}
	if c.Workers < 1 {
		return &ConfigError{Reason: "at least one worker is required"}
	}
	if c.Dispatchers < 1 {
		return &ConfigError{Reason: "at least one dispatcher is required"}
	}
	if c.WorkerInterval < 0 || c.DispatcherInterval < 0 {
		return &ConfigError{Reason: "execution intervals must be positive"}
	}
	if c.EntryTimeout <= 0 {
		return &ConfigError{Reason: "entry timeout must be positive"}
	}
	if c.CleanupInterval <= 0 {
		return &ConfigError{Reason: "cleanup interval must be positive"}
	}
	if c.ReclaimMinIdle < 0 {
		return &ConfigError{Reason: "reclaim idle threshold must be positive"}
	}
	return nil
}

// connectionPoolSize computes the go-redis pool size: the send budget plus
// two connections per worker and per dispatcher (one read, one finalize).
func (c Config) connectionPoolSize() int {
	size := c.PoolSize + 2*c.Workers + 2*c.Dispatchers
	if c.MaxPoolSize > 0 && size > c.MaxPoolSize {
		size = c.MaxPoolSize
	}
	return size
}
