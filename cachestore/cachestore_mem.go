package cachestore

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// max number of expired entries removed per access
const sweepBatch = 16

type memEntry struct {
	val       string
	expiresAt time.Time
}

// Bounded in-process cache. Expired entries are swept lazily on access; there is no background timer.
type MemCacheStore struct {
	data *lru.Cache[string, memEntry]
	// guards sweeps, so two sweepers don't race on the same oldest entry
	lk  sync.Mutex
	now func() time.Time
}

var _ CacheStore = (*MemCacheStore)(nil)

func NewMemCacheStore(capacity int) (*MemCacheStore, error) {
	data, err := lru.New[string, memEntry](capacity)
	if err != nil {
		return nil, err
	}
	return &MemCacheStore{
		data: data,
		now:  time.Now,
	}, nil
}

// removes a bounded number of expired entries from the cold end of the LRU
func (s *MemCacheStore) sweep() {
	s.lk.Lock()
	defer s.lk.Unlock()
	now := s.now()
	for i := 0; i < sweepBatch; i++ {
		k, v, ok := s.data.GetOldest()
		if !ok || now.Before(v.expiresAt) {
			return
		}
		s.data.Remove(k)
	}
}

func (s *MemCacheStore) Get(ctx context.Context, name, key string) (string, error) {
	s.sweep()
	k := cacheKey(name, key)
	v, ok := s.data.Get(k)
	if !ok {
		return "", nil
	}
	if !s.now().Before(v.expiresAt) {
		s.data.Remove(k)
		return "", nil
	}
	return v.val, nil
}

func (s *MemCacheStore) Set(ctx context.Context, name, key string, val string, ttl time.Duration) error {
	s.sweep()
	s.data.Add(cacheKey(name, key), memEntry{
		val:       val,
		expiresAt: s.now().Add(ttl),
	})
	return nil
}

func (s *MemCacheStore) Purge(ctx context.Context, name, key string) error {
	s.data.Remove(cacheKey(name, key))
	return nil
}

func (s *MemCacheStore) Len() int {
	return s.data.Len()
}
