package cachestore

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"encore.app/pkg/keys"
)

// entryOverhead approximates per-entry bookkeeping cost (map bucket, list
// element, struct fields) for memory accounting.
const entryOverhead = 96

type memEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
	element   *list.Element // for O(1) LRU removal
}

func (e *memEntry) size() int64 {
	return int64(len(e.key)+len(e.value)) + entryOverhead
}

// MemStore is a thread-safe in-memory Store with LRU eviction, per-entry
// TTL, and byte-level memory accounting.
//
// Trade-offs:
//   - RWMutex over sync.Map for control over eviction ordering and TTL
//     cleanup; sync.Map lacks the ordered iteration LRU needs. Get takes
//     the exclusive lock, since every hit mutates LRU order; only pure
//     inspection (Keys, MemoryStats) reads shared.
//   - Expiry is lazy on Get plus periodic via CleanupExpired; an expired
//     entry may occupy memory until one of the two touches it.
//   - Global locking is acceptable below ~100K ops/sec.
type MemStore struct {
	mu       sync.RWMutex
	entries  map[string]*memEntry
	lru      *list.List
	used     int64
	maxBytes int64
	policy   EvictionPolicy

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	expired   atomic.Int64
}

// ErrMemoryLimit is returned by Set under the noeviction policy when the
// write would exceed the memory ceiling.
var ErrMemoryLimit = errors.New("cachestore: memory limit reached")

// NewMemStore creates an unbounded in-memory store with LRU eviction.
// Call Configure to set a memory ceiling.
func NewMemStore() *MemStore {
	return &MemStore{
		entries: make(map[string]*memEntry),
		lru:     list.New(),
		policy:  EvictAllKeysLRU,
	}
}

// Get holds the write lock across the expiry check, LRU bump, and value
// copy. A concurrent Set mutates entry fields in place, so reading them
// outside the critical section would race and could hand the caller a torn
// value.
func (s *MemStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	entry, exists := s.entries[key]
	if !exists {
		s.mu.Unlock()
		s.misses.Add(1)
		return nil, false, nil
	}

	if time.Now().After(entry.expiresAt) {
		s.removeLocked(key)
		s.mu.Unlock()
		s.expired.Add(1)
		s.misses.Add(1)
		return nil, false, nil
	}

	s.lru.MoveToFront(entry.element)

	// Copy so callers cannot mutate the stored value.
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	s.mu.Unlock()

	s.hits.Add(1)
	return out, true, nil
}

func (s *MemStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt := time.Now().Add(ttl)

	if entry, exists := s.entries[key]; exists {
		s.used += int64(len(stored)) - int64(len(entry.value))
		entry.value = stored
		entry.expiresAt = expiresAt
		s.lru.MoveToFront(entry.element)
		return s.enforceLimitLocked()
	}

	entry := &memEntry{key: key, value: stored, expiresAt: expiresAt}
	entry.element = s.lru.PushFront(entry)
	s.entries[key] = entry
	s.used += entry.size()

	return s.enforceLimitLocked()
}

// enforceLimitLocked evicts LRU entries until usage fits the ceiling.
// Must be called with the write lock held.
func (s *MemStore) enforceLimitLocked() error {
	if s.maxBytes <= 0 {
		return nil
	}

	if s.policy == EvictNone {
		if s.used > s.maxBytes {
			return ErrMemoryLimit
		}
		return nil
	}

	for s.used > s.maxBytes && s.lru.Len() > 0 {
		oldest := s.lru.Back()
		entry := oldest.Value.(*memEntry)
		s.removeLocked(entry.key)
		s.evictions.Add(1)
	}
	return nil
}

func (s *MemStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(key)
	return nil
}

func (s *MemStore) DeletePattern(ctx context.Context, pattern string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Collect first to avoid mutating the map during iteration.
	var matched []string
	for key := range s.entries {
		if keys.Match(key, pattern) {
			matched = append(matched, key)
		}
	}

	for _, key := range matched {
		s.removeLocked(key)
	}
	return len(matched), nil
}

func (s *MemStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[key]
	if !exists {
		return TTLMissing, nil
	}

	remaining := time.Until(entry.expiresAt)
	if remaining <= 0 {
		s.removeLocked(key)
		s.expired.Add(1)
		return TTLMissing, nil
	}
	return remaining, nil
}

func (s *MemStore) Keys(ctx context.Context, pattern string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]string, 0)
	for key := range s.entries {
		if keys.Match(key, pattern) {
			matched = append(matched, key)
			if limit > 0 && len(matched) >= limit {
				break
			}
		}
	}
	return matched, nil
}

func (s *MemStore) MemoryStats(ctx context.Context) (MemoryStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return MemoryStats{
		UsedBytes:   s.used,
		MaxBytes:    s.maxBytes,
		KeyCount:    len(s.entries),
		EvictedKeys: s.evictions.Load(),
		ExpiredKeys: s.expired.Load(),
		Hits:        s.hits.Load(),
		Misses:      s.misses.Load(),
	}, nil
}

func (s *MemStore) Configure(ctx context.Context, maxMemoryBytes int64, policy EvictionPolicy) error {
	if policy != EvictAllKeysLRU && policy != EvictNone {
		return errors.New("cachestore: unknown eviction policy " + string(policy))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxBytes = maxMemoryBytes
	s.policy = policy
	if policy == EvictAllKeysLRU {
		return s.enforceLimitLocked()
	}
	return nil
}

func (s *MemStore) CleanupExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var expired []string
	for key, entry := range s.entries {
		if now.After(entry.expiresAt) {
			expired = append(expired, key)
		}
	}

	for _, key := range expired {
		s.removeLocked(key)
	}
	s.expired.Add(int64(len(expired)))
	return len(expired), nil
}

// removeLocked deletes an entry and adjusts accounting.
// Must be called with the write lock held.
func (s *MemStore) removeLocked(key string) {
	entry, exists := s.entries[key]
	if !exists {
		return
	}
	s.lru.Remove(entry.element)
	delete(s.entries, key)
	s.used -= entry.size()
}
