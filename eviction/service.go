// Package eviction implements the cache eviction monitor: a periodic,
// advisory watchdog that bounds the shared cache store's memory use and
// surfaces pressure and hit-rate alerts.
//
// Design Philosophy:
// - Advisory, never load-bearing. The monitor must not destabilize the
//   read/write path it protects: every store failure degrades to safe
//   zero-valued statistics instead of an error.
// - Cheap reclamation first. Under pressure the monitor cleans up expired
//   entries before it considers deleting live ones; emergency eviction only
//   runs past the critical threshold.
// - Bounded work per tick. Key scans and eviction batches have hard limits
//   so a pressure spike cannot turn the monitor itself into a load source.
package eviction

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"encore.dev/rlog"

	"encore.app/pkg/cachestore"
)

//encore:service
type Service struct {
	store  cachestore.Store
	cfg    Config
	alerts *alertRegistry

	stats Stats

	running  atomic.Bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// Config holds runtime configuration for the eviction monitor.
type Config struct {
	MaxMemoryMB     int64         // cache memory ceiling
	TriggerPercent  float64       // usage percent that starts pressure handling
	AlertPercent    float64       // usage percent that raises an alert
	CriticalPercent float64       // usage percent that permits emergency eviction
	HitRatePercent  float64       // hit rate percent below which an alert raises
	HitRateMinOps   int64         // ignore hit rate until this many lookups
	CheckInterval   time.Duration // monitoring tick
	EvictionBatch   int           // max keys deleted per emergency pass
	ScanLimit       int           // max keys scanned per pattern per pass
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxMemoryMB:     256,
		TriggerPercent:  80,
		AlertPercent:    90,
		CriticalPercent: 95,
		HitRatePercent:  70,
		HitRateMinOps:   1000,
		CheckInterval:   30 * time.Second,
		EvictionBatch:   100,
		ScanLimit:       1000,
	}
}

// Stats tracks monitor counters.
type Stats struct {
	Checks             atomic.Int64
	StoreErrors        atomic.Int64
	ExpiredCleanups    atomic.Int64
	ExpiredReclaimed   atomic.Int64
	EmergencyEvictions atomic.Int64
	KeysEvicted        atomic.Int64
}

// NewService constructs a monitor with explicit dependencies. Call Start to
// begin the periodic check.
func NewService(store cachestore.Store, cfg Config) *Service {
	return &Service{
		store:    store,
		cfg:      cfg,
		alerts:   newAlertRegistry(),
		stopChan: make(chan struct{}),
	}
}

var svc *Service

// initService configures the shared store's ceiling and policy, then starts
// the monitor loop.
func initService() (*Service, error) {
	store := cachestore.Shared()
	cfg := DefaultConfig()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Configure(ctx, cfg.MaxMemoryMB*1024*1024, cachestore.EvictAllKeysLRU); err != nil {
		return nil, fmt.Errorf("failed to configure cache store: %w", err)
	}

	svc = NewService(store, cfg)
	svc.Start()
	return svc, nil
}

// Start launches the monitoring loop. Safe to call once per service.
func (s *Service) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go s.run()
}

// Shutdown stops the monitoring loop.
func (s *Service) Shutdown(force context.Context) {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stopChan)
	s.wg.Wait()
}

func (s *Service) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CheckInterval)
			s.Check(ctx)
			cancel()
		}
	}
}

// Check runs one monitoring pass: read store statistics, handle memory
// pressure, and maintain alerts. Store failures are swallowed; monitoring is
// advisory.
func (s *Service) Check(ctx context.Context) {
	s.stats.Checks.Add(1)

	mem, err := s.store.MemoryStats(ctx)
	if err != nil {
		s.stats.StoreErrors.Add(1)
		rlog.Warn("cache store unreachable during eviction check", "err", err)
		return
	}

	usage := usagePercent(mem)
	if usage >= s.cfg.TriggerPercent {
		s.handleMemoryPressure(ctx, mem)
	}

	s.maintainAlerts(mem, usage)
}

// handleMemoryPressure reclaims memory in two stages: expired-entry cleanup
// first, then emergency eviction of live keys only if usage is still at or
// above the critical threshold.
func (s *Service) handleMemoryPressure(ctx context.Context, mem cachestore.MemoryStats) {
	reclaimed, err := s.store.CleanupExpired(ctx)
	if err != nil {
		s.stats.StoreErrors.Add(1)
		rlog.Warn("expired-key cleanup failed", "err", err)
		return
	}
	s.stats.ExpiredCleanups.Add(1)
	s.stats.ExpiredReclaimed.Add(int64(reclaimed))

	mem, err = s.store.MemoryStats(ctx)
	if err != nil {
		s.stats.StoreErrors.Add(1)
		return
	}

	usage := usagePercent(mem)
	if usage < s.cfg.CriticalPercent {
		rlog.Info("memory pressure relieved by expired cleanup",
			"reclaimed", reclaimed,
			"usage_percent", usage)
		return
	}

	// Aim back down to the trigger threshold.
	deficit := mem.UsedBytes - int64(s.cfg.TriggerPercent/100*float64(mem.MaxBytes))
	evicted, err := s.emergencyEvict(ctx, mem, deficit)
	if err != nil {
		s.stats.StoreErrors.Add(1)
		rlog.Error("emergency eviction failed", "err", err)
		return
	}
	rlog.Warn("emergency eviction completed",
		"evicted", evicted,
		"usage_percent", usage,
		"deficit_bytes", deficit)
}

func usagePercent(mem cachestore.MemoryStats) float64 {
	if mem.MaxBytes <= 0 {
		return 0
	}
	return float64(mem.UsedBytes) / float64(mem.MaxBytes) * 100
}
