// Package cache stores serialized fragments between runs.
package cache

import (
	"context"
	"time"

	"hvcollector/config"
)

// Cache is a byte-oriented key/value store with expiry.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

// New builds the configured backend. A disabled cache returns nil.
func New(ctx context.Context, cfg config.CacheConfig) (Cache, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.Backend == "redis" {
		r, err := NewRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	return NewMemory(cfg.MaxItems), nil
}
