package cachestore

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bluesky-social/modgate/fingerprint"
	"github.com/bluesky-social/modgate/moderation"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemCacheStoreBasics(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cs, err := NewMemCacheStore(100)
	require.NoError(t, err)

	val, err := cs.Get(ctx, "test1", "key1")
	assert.NoError(err)
	assert.Empty(val)

	assert.NoError(cs.Set(ctx, "test1", "key1", "one", time.Minute))
	val, err = cs.Get(ctx, "test1", "key1")
	assert.NoError(err)
	assert.Equal("one", val)

	// same key, different cache name
	val, err = cs.Get(ctx, "test2", "key1")
	assert.NoError(err)
	assert.Empty(val)

	assert.NoError(cs.Set(ctx, "test1", "key1", "two", time.Minute))
	val, err = cs.Get(ctx, "test1", "key1")
	assert.NoError(err)
	assert.Equal("two", val)

	assert.NoError(cs.Purge(ctx, "test1", "key1"))
	val, err = cs.Get(ctx, "test1", "key1")
	assert.NoError(err)
	assert.Empty(val)
}

func TestMemCacheStoreExpiry(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cs, err := NewMemCacheStore(100)
	require.NoError(t, err)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cs.now = func() time.Time { return now }

	assert.NoError(cs.Set(ctx, "c", "short", "a", time.Second))
	assert.NoError(cs.Set(ctx, "c", "long", "b", time.Hour))

	val, _ := cs.Get(ctx, "c", "short")
	assert.Equal("a", val)

	now = now.Add(2 * time.Second)
	val, _ = cs.Get(ctx, "c", "short")
	assert.Empty(val)
	val, _ = cs.Get(ctx, "c", "long")
	assert.Equal("b", val)
	assert.Equal(1, cs.Len())
}

func TestMemCacheStoreSweep(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cs, err := NewMemCacheStore(100)
	require.NoError(t, err)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cs.now = func() time.Time { return now }

	for _, k := range []string{"a", "b", "c"} {
		assert.NoError(cs.Set(ctx, "c", k, k, time.Second))
	}
	assert.Equal(3, cs.Len())

	// any access sweeps expired entries, not only the one being looked up
	now = now.Add(time.Minute)
	val, _ := cs.Get(ctx, "c", "zzz")
	assert.Empty(val)
	assert.Equal(0, cs.Len())
}

func TestRedisCacheStoreBasics(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cs := NewRedisCacheStoreFromClient(rdb, time.Minute)
	defer cs.Close()

	val, err := cs.Get(ctx, "test1", "key1")
	assert.NoError(err)
	assert.Empty(val)

	assert.NoError(cs.Set(ctx, "test1", "key1", "one", time.Minute))
	val, err = cs.Get(ctx, "test1", "key1")
	assert.NoError(err)
	assert.Equal("one", val)
	assert.True(mr.Exists("cache/test1/key1"))

	assert.NoError(cs.Purge(ctx, "test1", "key1"))
	val, err = cs.Get(ctx, "test1", "key1")
	assert.NoError(err)
	assert.Empty(val)
	assert.False(mr.Exists("cache/test1/key1"))
}

func TestMemcachedCacheStoreLive(t *testing.T) {
	addr := os.Getenv("MODGATE_TEST_MEMCACHED")
	if addr == "" {
		t.Skip("MODGATE_TEST_MEMCACHED not set")
	}
	assert := assert.New(t)
	ctx := context.Background()

	cs := NewMemcachedCacheStore(addr)
	assert.NoError(cs.Set(ctx, "test1", "key1", "one", time.Minute))
	val, err := cs.Get(ctx, "test1", "key1")
	assert.NoError(err)
	assert.Equal("one", val)
	assert.NoError(cs.Purge(ctx, "test1", "key1"))
	assert.NoError(cs.Purge(ctx, "test1", "key1"))
}

func TestMemcachedExpiry(t *testing.T) {
	assert := assert.New(t)
	assert.Equal(int32(1), memcachedExpiry(0))
	assert.Equal(int32(1), memcachedExpiry(10*time.Millisecond))
	assert.Equal(int32(90), memcachedExpiry(90*time.Second))
	assert.Equal(int32(maxMemcachedExpiry), memcachedExpiry(365*24*time.Hour))
}

type brokenStore struct{}

var errBroken = errors.New("backend down")

func (brokenStore) Get(ctx context.Context, name, key string) (string, error) {
	return "", errBroken
}

func (brokenStore) Set(ctx context.Context, name, key string, val string, ttl time.Duration) error {
	return errBroken
}

func (brokenStore) Purge(ctx context.Context, name, key string) error {
	return errBroken
}

func testResult() *moderation.Result {
	return &moderation.Result{
		Decision:       moderation.DecisionReview,
		RiskLevel:      moderation.RiskHigh,
		GlobalScore:    0.4,
		Flags:          []moderation.Category{moderation.CategoryViolence},
		Reasons:        []string{"violence: 0.70 exceeds review threshold (0.60)"},
		CategoryScores: moderation.CategoryScores{moderation.CategoryViolence: 0.7},
		AuditID:        "audit-1",
	}
}

func TestModerationCacheRoundTrip(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cs, err := NewMemCacheStore(10)
	require.NoError(t, err)
	mc := NewModerationCache(cs, nil)

	fp := fingerprint.Sum([]byte("hello"))
	assert.Nil(mc.Get(ctx, fp))

	mc.Put(ctx, fp, testResult(), time.Minute)
	got := mc.Get(ctx, fp)
	require.NotNil(t, got)
	assert.Equal(testResult(), got)

	mc.Purge(ctx, fp)
	assert.Nil(mc.Get(ctx, fp))
}

func TestModerationCacheBackendErrorIsMiss(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	mc := NewModerationCache(brokenStore{}, nil)
	fp := fingerprint.Sum([]byte("hello"))

	mc.Put(ctx, fp, testResult(), time.Minute)
	assert.Nil(mc.Get(ctx, fp))
	mc.Purge(ctx, fp)
}

func TestModerationCacheUndecodableEntry(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cs, err := NewMemCacheStore(10)
	require.NoError(t, err)
	mc := NewModerationCache(cs, nil)
	fp := fingerprint.Sum([]byte("hello"))

	assert.NoError(cs.Set(ctx, resultCacheName, fp.String(), "{not json", time.Minute))
	assert.Nil(mc.Get(ctx, fp))
	assert.Equal(0, cs.Len())
}

func TestModerationCacheClose(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mc := NewModerationCache(NewRedisCacheStoreFromClient(rdb, time.Minute), nil)

	fp := fingerprint.Sum([]byte("hello"))
	mc.Put(ctx, fp, testResult(), time.Minute)
	assert.NotNil(mc.Get(ctx, fp))

	assert.NoError(mc.Close())
	assert.NoError(mc.Close())

	// permanent miss, and writes are dropped without touching the closed client
	assert.Nil(mc.Get(ctx, fp))
	mc.Put(ctx, fp, testResult(), time.Minute)
	mc.Purge(ctx, fp)

	// locks still work so in-flight callers can unwind
	assert.NoError(mc.AcquireLock(ctx, fp))
	mc.ReleaseLock(fp)
}

func TestLockTableMutualExclusion(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	lt := NewLockTable()

	var mu sync.Mutex
	active := 0
	maxActive := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				assert.NoError(lt.Acquire(ctx, "k"))
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()

				mu.Lock()
				active--
				mu.Unlock()
				lt.Release("k")
			}
		}()
	}
	wg.Wait()

	assert.Equal(1, maxActive)
	assert.Equal(0, lt.Len())
}

func TestLockTableCancelledWaiterDoesNotLeak(t *testing.T) {
	assert := assert.New(t)
	lt := NewLockTable()

	assert.NoError(lt.Acquire(context.Background(), "k"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := lt.Acquire(ctx, "k")
	assert.ErrorIs(err, context.DeadlineExceeded)
	assert.Equal(1, lt.Len())

	lt.Release("k")
	assert.Equal(0, lt.Len())

	// reusable after release
	assert.NoError(lt.Acquire(context.Background(), "k"))
	lt.Release("k")
	assert.Equal(0, lt.Len())

	// releasing a key nobody holds is harmless
	lt.Release("k")
	lt.Release("other")
	assert.Equal(0, lt.Len())
}

func TestLockTableIndependentKeys(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	lt := NewLockTable()

	assert.NoError(lt.Acquire(ctx, "a"))
	assert.NoError(lt.Acquire(ctx, "b"))
	assert.Equal(2, lt.Len())
	lt.Release("a")
	lt.Release("b")
	assert.Equal(0, lt.Len())
}
