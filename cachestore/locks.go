package cachestore

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"
)

type keyLock struct {
	sem chan struct{}
	// holders plus waiters; only mutated inside xsync Compute callbacks
	refs int
}

// Table of per-key mutexes. Locks are created lazily and reference counted: an entry is removed as soon as no holder or waiter remains, including when a waiter gives up because its context was cancelled.
type LockTable struct {
	locks *xsync.MapOf[string, *keyLock]
}

func NewLockTable() *LockTable {
	return &LockTable{
		locks: xsync.NewMapOf[string, *keyLock](),
	}
}

// Blocks until the lock for key is held, or ctx is done.
func (t *LockTable) Acquire(ctx context.Context, key string) error {
	kl, _ := t.locks.Compute(key, func(old *keyLock, loaded bool) (*keyLock, bool) {
		if !loaded {
			old = &keyLock{sem: make(chan struct{}, 1)}
		}
		old.refs++
		return old, false
	})
	select {
	case kl.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		t.unref(key)
		return ctx.Err()
	}
}

// Releases a lock previously returned by Acquire. Releasing a key which is not held is a no-op.
func (t *LockTable) Release(key string) {
	kl, ok := t.locks.Load(key)
	if !ok {
		return
	}
	select {
	case <-kl.sem:
	default:
		return
	}
	t.unref(key)
}

func (t *LockTable) unref(key string) {
	t.locks.Compute(key, func(old *keyLock, loaded bool) (*keyLock, bool) {
		if !loaded {
			return old, true
		}
		old.refs--
		return old, old.refs <= 0
	})
}

// Number of keys with a current holder or waiter.
func (t *LockTable) Len() int {
	return t.locks.Size()
}
