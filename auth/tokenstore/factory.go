package tokenstore

import (
	"fmt"
	"strings"

	"github.com/grll/mcpadapt/auth"
)

// Backend names a TokenStore implementation.
type Backend string

const (
	// BackendMemory keeps everything in process memory.
	BackendMemory Backend = "memory"
	// BackendBolt persists to a local bbolt file.
	BackendBolt Backend = "bolt"
	// BackendRedis persists to a shared Redis instance.
	BackendRedis Backend = "redis"
)

// ParseBackend maps a configuration string to a Backend. The empty
// string selects BackendMemory.
func ParseBackend(s string) (Backend, error) {
	switch Backend(strings.ToLower(strings.TrimSpace(s))) {
	case BackendMemory, "":
		return BackendMemory, nil
	case BackendBolt:
		return BackendBolt, nil
	case BackendRedis:
		return BackendRedis, nil
	default:
		return "", &auth.ConfigurationError{Reason: fmt.Sprintf("unknown token store backend %q", s)}
	}
}

// Config selects and configures a TokenStore backend.
type Config struct {
	Backend Backend

	// Path locates the bolt store file. Required for BackendBolt.
	Path string

	// Redis connection settings. Addr is required for BackendRedis.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// Validate checks that the selected backend has what it needs.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory, "":
		return nil
	case BackendBolt:
		if c.Path == "" {
			return &auth.ConfigurationError{Reason: "bolt token store requires a path"}
		}
		return nil
	case BackendRedis:
		if c.RedisAddr == "" {
			return &auth.ConfigurationError{Reason: "redis token store requires an address"}
		}
		return nil
	default:
		return &auth.ConfigurationError{Reason: fmt.Sprintf("unknown token store backend %q", c.Backend)}
	}
}

// New builds the configured TokenStore. The caller owns any Close method
// the concrete store exposes.
func New(cfg Config) (auth.TokenStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case BackendBolt:
		return NewBoltStore(cfg.Path)
	case BackendRedis:
		return NewRedisStoreFromOptions(RedisOptions{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisPrefix,
		})
	default:
		return auth.NewInMemoryTokenStore(), nil
	}
}
