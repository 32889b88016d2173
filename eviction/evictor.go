package eviction

import (
	"context"
	"fmt"

	"encore.dev/rlog"

	"encore.app/pkg/cachestore"
)

// Eviction preference order under emergency pressure. Session-scoped keys
// are cheap to lose (clients re-authenticate transparently), general cache
// keys recompute from the ledger, derived metrics evict last because they
// are the most expensive to rebuild.
var evictionPatterns = []string{
	"session:*",
	"cache:*",
	"attendance:*",
	"metrics:*",
}

// emergencyEvict deletes live keys until roughly deficit bytes are freed or
// the batch limit is reached. The store does not expose per-key sizes, so
// the deficit is translated into a key count via the mean entry size.
func (s *Service) emergencyEvict(ctx context.Context, mem cachestore.MemoryStats, deficit int64) (int, error) {
	if deficit <= 0 || mem.KeyCount == 0 {
		return 0, nil
	}

	avgEntry := mem.UsedBytes / int64(mem.KeyCount)
	if avgEntry <= 0 {
		avgEntry = 1
	}
	target := int((deficit + avgEntry - 1) / avgEntry)
	if target > s.cfg.EvictionBatch {
		target = s.cfg.EvictionBatch
	}

	evicted := 0
	for _, pattern := range evictionPatterns {
		if evicted >= target {
			break
		}
		keys, err := s.store.Keys(ctx, pattern, s.cfg.ScanLimit)
		if err != nil {
			return evicted, fmt.Errorf("failed to scan keys %q: %w", pattern, err)
		}
		for _, key := range keys {
			if evicted >= target {
				break
			}
			if err := s.store.Delete(ctx, key); err != nil {
				return evicted, fmt.Errorf("failed to evict key %q: %w", key, err)
			}
			evicted++
		}
	}

	if evicted > 0 {
		s.stats.EmergencyEvictions.Add(1)
		s.stats.KeysEvicted.Add(int64(evicted))
	}
	return evicted, nil
}

// TriggerEvictionResult reports the outcome of a manual eviction.
type TriggerEvictionResult struct {
	KeysEvicted    int     `json:"keys_evicted"`
	UsagePercent   float64 `json:"usage_percent"` // after eviction
	DeficitBytes   int64   `json:"deficit_bytes"`
	ExpiredCleaned int     `json:"expired_cleaned"`
}

// EvictToTarget manually drives usage down toward targetPercent of the
// memory ceiling, running expired cleanup first and emergency eviction for
// the remainder.
func (s *Service) EvictToTarget(ctx context.Context, targetPercent float64) (*TriggerEvictionResult, error) {
	if targetPercent <= 0 || targetPercent >= 100 {
		return nil, fmt.Errorf("target percent must be in (0, 100), got %v", targetPercent)
	}

	cleaned, err := s.store.CleanupExpired(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to clean up expired keys: %w", err)
	}

	mem, err := s.store.MemoryStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory stats: %w", err)
	}

	deficit := mem.UsedBytes - int64(targetPercent/100*float64(mem.MaxBytes))
	evicted, err := s.emergencyEvict(ctx, mem, deficit)
	if err != nil {
		return nil, err
	}

	after, err := s.store.MemoryStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory stats after eviction: %w", err)
	}

	rlog.Info("manual eviction completed",
		"target_percent", targetPercent,
		"keys_evicted", evicted,
		"expired_cleaned", cleaned,
		"usage_percent", usagePercent(after))

	return &TriggerEvictionResult{
		KeysEvicted:    evicted,
		UsagePercent:   usagePercent(after),
		DeficitBytes:   deficit,
		ExpiredCleaned: cleaned,
	}, nil
}

// API surface.

// TriggerEvictionRequest asks the monitor to drive memory usage down to a
// target percent of the ceiling.
type TriggerEvictionRequest struct {
	TargetPercent float64 `json:"target_percent"`
}

// TriggerEviction manually reclaims cache memory down to a target usage.
//
//encore:api public method=POST path=/eviction/trigger
func TriggerEviction(ctx context.Context, req *TriggerEvictionRequest) (*TriggerEvictionResult, error) {
	if svc == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	return svc.EvictToTarget(ctx, req.TargetPercent)
}

// EvictionStatsResponse is a point-in-time view of cache memory health.
// Zero-valued when the store is unreachable.
type EvictionStatsResponse struct {
	UsedMemoryMB     float64 `json:"used_memory_mb"`
	MaxMemoryMB      float64 `json:"max_memory_mb"`
	UsagePercent     float64 `json:"usage_percent"`
	TotalKeys        int     `json:"total_keys"`
	EvictedKeys      int64   `json:"evicted_keys"` // cumulative, store-reported
	HitRate          float64 `json:"hit_rate"`
	MissRate         float64 `json:"miss_rate"`
	IsMemoryPressure bool    `json:"is_memory_pressure"`
}

// EvictionStats returns cache memory statistics. Safe defaults are returned
// when the store is unreachable; monitoring never errors.
//
//encore:api public method=GET path=/eviction/stats
func EvictionStats(ctx context.Context) (*EvictionStatsResponse, error) {
	if svc == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	return svc.Snapshot(ctx), nil
}

// Snapshot reads current store statistics, degrading to zero values if the
// store is unreachable.
func (s *Service) Snapshot(ctx context.Context) *EvictionStatsResponse {
	mem, err := s.store.MemoryStats(ctx)
	if err != nil {
		s.stats.StoreErrors.Add(1)
		rlog.Warn("cache store unreachable during stats snapshot", "err", err)
		return &EvictionStatsResponse{}
	}

	usage := usagePercent(mem)
	hitRate := mem.HitRate()
	missRate := 0.0
	if mem.Hits+mem.Misses > 0 {
		missRate = 1 - hitRate
	}

	return &EvictionStatsResponse{
		UsedMemoryMB:     float64(mem.UsedBytes) / (1024 * 1024),
		MaxMemoryMB:      float64(mem.MaxBytes) / (1024 * 1024),
		UsagePercent:     usage,
		TotalKeys:        mem.KeyCount,
		EvictedKeys:      mem.EvictedKeys,
		HitRate:          hitRate,
		MissRate:         missRate,
		IsMemoryPressure: usage >= s.cfg.TriggerPercent,
	}
}
