// Moderation result cache, keyed by content fingerprint.
//
// Includes a small backend interface with implementations using an in-process bounded LRU, redis, and memcached, plus ModerationCache, which wraps any backend with per-key locking and a "degrade to cache miss" failure policy. Callers never need to know which backend is configured.
package cachestore
