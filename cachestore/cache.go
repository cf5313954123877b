package cachestore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluesky-social/modgate/fingerprint"
	"github.com/bluesky-social/modgate/moderation"
)

const resultCacheName = "result"

// Fingerprint-keyed cache of moderation results.
//
// Backend failures never reach the caller: a failed read is a miss, and a failed write is dropped. After Close, every Get is a miss and every Put is a no-op.
type ModerationCache struct {
	store     CacheStore
	locks     *LockTable
	logger    *slog.Logger
	closed    atomic.Bool
	closeOnce sync.Once
}

func NewModerationCache(store CacheStore, logger *slog.Logger) *ModerationCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &ModerationCache{
		store:  store,
		locks:  NewLockTable(),
		logger: logger.With("system", "cachestore"),
	}
}

// Returns the cached result for fp, or nil if absent, expired, or unreadable.
func (c *ModerationCache) Get(ctx context.Context, fp fingerprint.Fingerprint) *moderation.Result {
	if c.closed.Load() {
		return nil
	}
	key := fp.String()
	raw, err := c.store.Get(ctx, resultCacheName, key)
	if err != nil {
		cacheErrors.WithLabelValues("get").Inc()
		c.logger.Warn("cache read failed, treating as miss", "fingerprint", key, "err", err)
		return nil
	}
	if raw == "" {
		cacheMisses.Inc()
		return nil
	}
	var res moderation.Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		cacheErrors.WithLabelValues("decode").Inc()
		c.logger.Warn("purging undecodable cache entry", "fingerprint", key, "err", err)
		_ = c.store.Purge(ctx, resultCacheName, key)
		return nil
	}
	cacheHits.Inc()
	return &res
}

// Unconditionally overwrites the entry for fp, expiring after ttl.
func (c *ModerationCache) Put(ctx context.Context, fp fingerprint.Fingerprint, res *moderation.Result, ttl time.Duration) {
	if c.closed.Load() || res == nil {
		return
	}
	b, err := json.Marshal(res)
	if err != nil {
		c.logger.Error("failed to encode result for cache", "fingerprint", fp.String(), "err", err)
		return
	}
	if err := c.store.Set(ctx, resultCacheName, fp.String(), string(b), ttl); err != nil {
		cacheErrors.WithLabelValues("set").Inc()
		c.logger.Warn("cache write failed, dropping", "fingerprint", fp.String(), "err", err)
	}
}

func (c *ModerationCache) Purge(ctx context.Context, fp fingerprint.Fingerprint) {
	if c.closed.Load() {
		return
	}
	if err := c.store.Purge(ctx, resultCacheName, fp.String()); err != nil {
		cacheErrors.WithLabelValues("purge").Inc()
		c.logger.Warn("cache purge failed", "fingerprint", fp.String(), "err", err)
	}
}

// Acquires the per-fingerprint lock. Callers computing a result for fp must hold it, which is what guarantees at most one concurrent computation per fingerprint.
func (c *ModerationCache) AcquireLock(ctx context.Context, fp fingerprint.Fingerprint) error {
	return c.locks.Acquire(ctx, fp.String())
}

func (c *ModerationCache) ReleaseLock(fp fingerprint.Fingerprint) {
	c.locks.Release(fp.String())
}

// Safe to call multiple times. Locks keep working after close, so in-flight callers can still release them.
func (c *ModerationCache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if closer, ok := c.store.(io.Closer); ok {
			err = closer.Close()
		}
	})
	return err
}
