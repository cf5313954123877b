package cachestore

import (
	"context"
	"time"
)

// Backend storage for cached values (as JSON strings). Get returns an empty string, not an error, on a miss.
type CacheStore interface {
	Get(ctx context.Context, name, key string) (string, error)
	Set(ctx context.Context, name, key string, val string, ttl time.Duration) error
	Purge(ctx context.Context, name, key string) error
}

func cacheKey(name, key string) string {
	return name + "/" + key
}
