package cachestore

import (
	"context"
	"errors"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// memcached treats expirations beyond 30 days as absolute unix timestamps
const maxMemcachedExpiry = (30 * 24 * 60 * 60) - 60

type MemcachedCacheStore struct {
	mcd *memcache.Client
}

var _ CacheStore = (*MemcachedCacheStore)(nil)

func NewMemcachedCacheStore(servers ...string) *MemcachedCacheStore {
	return &MemcachedCacheStore{
		mcd: memcache.New(servers...),
	}
}

func memcachedExpiry(ttl time.Duration) int32 {
	secs := int64(ttl.Seconds())
	if secs > maxMemcachedExpiry {
		return maxMemcachedExpiry
	}
	if secs < 1 {
		// zero would mean "never expire"
		return 1
	}
	return int32(secs)
}

func (s *MemcachedCacheStore) Get(ctx context.Context, name, key string) (string, error) {
	item, err := s.mcd.Get(cacheKey(name, key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(item.Value), nil
}

func (s *MemcachedCacheStore) Set(ctx context.Context, name, key string, val string, ttl time.Duration) error {
	return s.mcd.Set(&memcache.Item{
		Key:        cacheKey(name, key),
		Value:      []byte(val),
		Expiration: memcachedExpiry(ttl),
	})
}

func (s *MemcachedCacheStore) Purge(ctx context.Context, name, key string) error {
	err := s.mcd.Delete(cacheKey(name, key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil
	}
	return err
}
