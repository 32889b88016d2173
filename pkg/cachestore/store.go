// Package cachestore defines the key-value cache store contract that every
// higher layer depends on, plus an in-memory implementation.
//
// The store is the system's single shared mutable resource: all
// cross-request coordination happens through it, with no in-process mutual
// exclusion above this layer. The contract is deliberately narrow: a
// Redis-class store satisfies it directly, and the in-memory MemStore
// satisfies it for single-node deployments and tests.
//
// Consistency Model:
//   - Single-key atomicity only; no multi-key transactions.
//   - Every entry has a finite TTL; nothing survives the store's lifetime.
//   - Pattern deletes support trailing-wildcard globs at minimum.
package cachestore

import (
	"context"
	"errors"
	"time"
)

// TTL sentinel values, following the Redis convention.
const (
	// TTLMissing is returned by TTL for a key that does not exist.
	TTLMissing = -2 * time.Second
	// TTLNone is returned by TTL for a key with no expiry.
	TTLNone = -1 * time.Second
)

// ErrInvalidTTL is returned by Set when the TTL is not a positive duration.
// Entries without a finite TTL are not permitted.
var ErrInvalidTTL = errors.New("cachestore: ttl must be positive")

// EvictionPolicy selects which entries are discarded under memory pressure.
type EvictionPolicy string

const (
	// EvictAllKeysLRU evicts the least-recently-used key regardless of TTL.
	EvictAllKeysLRU EvictionPolicy = "allkeys-lru"
	// EvictNone rejects writes once the memory ceiling is reached.
	EvictNone EvictionPolicy = "noeviction"
)

// MemoryStats is a point-in-time snapshot of store introspection data.
type MemoryStats struct {
	UsedBytes    int64 `json:"used_bytes"`
	MaxBytes     int64 `json:"max_bytes"` // 0 = unbounded
	KeyCount     int   `json:"key_count"`
	EvictedKeys  int64 `json:"evicted_keys"` // cumulative
	ExpiredKeys  int64 `json:"expired_keys"` // cumulative
	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
}

// HitRate returns the hit ratio in [0, 1], or 0 with no traffic.
func (m MemoryStats) HitRate() float64 {
	total := m.Hits + m.Misses
	if total == 0 {
		return 0
	}
	return float64(m.Hits) / float64(total)
}

// Store is the cache store contract.
//
// Implementations must be safe for concurrent use. Get/Set/Delete are the
// hot path; Keys and MemoryStats exist for the eviction monitor and may be
// slower.
type Store interface {
	// Get returns the value for key, reporting a miss via the bool.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key with a finite TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// DeletePattern removes all keys matching a glob and returns the count.
	DeletePattern(ctx context.Context, pattern string) (int, error)

	// TTL returns the remaining lifetime of key, TTLMissing if the key is
	// absent, or TTLNone if it has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Keys returns keys matching a glob, up to limit (0 = no limit).
	// Order is unspecified.
	Keys(ctx context.Context, pattern string, limit int) ([]string, error)

	// MemoryStats returns a snapshot of memory usage and hit/miss counters.
	MemoryStats(ctx context.Context) (MemoryStats, error)

	// Configure sets the memory ceiling and eviction policy.
	Configure(ctx context.Context, maxMemoryBytes int64, policy EvictionPolicy) error

	// CleanupExpired reclaims expired entries and returns how many.
	CleanupExpired(ctx context.Context) (int, error)
}
