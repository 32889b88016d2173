// Package dashboard implements the metrics aggregation service backing the
// student and class dashboards.
//
// Design Philosophy:
// - Cache-first reads with a stale-while-revalidate policy: a fresh hit is
//   served directly, a stale hit is served immediately while a detached
//   background refresh recomputes the entry, and only a full miss blocks the
//   caller on recomputation.
// - Background refreshes are coalesced per cache key via singleflight so
//   concurrent stale readers trigger at most one recomputation.
// - All derived values are re-derivable from the attendance ledger; related
//   cache keys are written independently and tolerate brief mutual
//   inconsistency.
//
// Failure Semantics:
// - Background refresh failures are logged and dropped; the caller already
//   received a valid (if aged) value.
// - Foreground failures (cache miss + ledger unavailable) propagate, so "no
//   data" is never mistaken for "zero attendance".
// - Invalidation failures always propagate: silently keeping stale derived
//   data is a correctness bug, not a degradation.
package dashboard

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"encore.dev/rlog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"encore.app/pkg/cachestore"
	"encore.app/pkg/codec"
	"encore.app/pkg/keys"
	"encore.app/pkg/models"
)

//encore:service
type Service struct {
	cache  cachestore.Store
	source AttendanceSource
	codec  codec.Codec
	cfg    Config

	// refreshes coalesces concurrent background refreshes per cache key.
	refreshes   singleflight.Group
	warmLimiter *rate.Limiter
	metrics     Metrics
}

// Config holds runtime configuration for the dashboard service.
type Config struct {
	MetricsTTL         time.Duration // TTL for student metrics entries
	ClassTTL           time.Duration // TTL for class statistics entries
	RankTTL            time.Duration // TTL for ranking entries
	HistoryTTL         time.Duration // TTL for attendance history entries
	WeeklyTTL          time.Duration // TTL for weekly attendance entries
	StalenessThreshold time.Duration // below this remaining TTL, serve stale + refresh
	RefreshTimeout     time.Duration // budget for one background refresh
	WarmConcurrency    int           // concurrent refreshes during cache warming
	WarmOriginRPS      int           // ledger request budget during warming
	AtRiskThreshold    float64       // attendance rate below which a student is at risk
	TrendWindow        time.Duration // size of each trend comparison window
	TrendMinRecords    int           // minimum records before trend is computed
	TrendDelta         float64       // present-rate delta that flips the trend
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MetricsTTL:         5 * time.Minute,
		ClassTTL:           10 * time.Minute,
		RankTTL:            5 * time.Minute,
		HistoryTTL:         10 * time.Minute,
		WeeklyTTL:          10 * time.Minute,
		StalenessThreshold: 60 * time.Second,
		RefreshTimeout:     10 * time.Second,
		WarmConcurrency:    10,
		WarmOriginRPS:      50,
		AtRiskThreshold:    75,
		TrendWindow:        14 * 24 * time.Hour,
		TrendMinRecords:    10,
		TrendDelta:         0.05,
	}
}

// Metrics tracks service performance counters.
type Metrics struct {
	Hits                atomic.Int64
	Misses              atomic.Int64
	StaleServes         atomic.Int64
	BackgroundRefreshes atomic.Int64
	RefreshFailures     atomic.Int64
	Invalidations       atomic.Int64
	WarmRefreshes       atomic.Int64
}

// NewService constructs a dashboard service with explicit dependencies.
// Tests inject fakes for the store and ledger source here.
func NewService(cache cachestore.Store, source AttendanceSource, cfg Config) *Service {
	return &Service{
		cache:       cache,
		source:      source,
		codec:       codec.Default(),
		cfg:         cfg,
		warmLimiter: rate.NewLimiter(rate.Limit(cfg.WarmOriginRPS), cfg.WarmOriginRPS),
	}
}

var svc *Service

// initService wires the service against the shared cache store and the
// Postgres-backed attendance ledger. Called once by Encore at startup.
func initService() (*Service, error) {
	source, err := NewSQLAttendanceSource(attendanceDB)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize attendance source: %w", err)
	}

	svc = NewService(cachestore.Shared(), source, DefaultConfig())
	return svc, nil
}

// GetStudentMetrics returns a student's derived metrics, cache-first.
//
// Policy:
//  1. Fresh hit (TTL >= staleness threshold): return cached value.
//  2. Stale hit (0 < TTL < threshold): return cached value, refresh in the
//     background.
//  3. Miss: compute synchronously, cache, return.
func (s *Service) GetStudentMetrics(ctx context.Context, studentID string) (*models.StudentMetrics, error) {
	if studentID == "" {
		return nil, fmt.Errorf("studentID cannot be empty")
	}

	key := keys.StudentMetrics(studentID)
	if data, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		var cached models.StudentMetrics
		if decErr := s.codec.Unmarshal(data, &cached); decErr == nil {
			s.metrics.Hits.Add(1)
			if s.isStale(ctx, key) {
				s.metrics.StaleServes.Add(1)
				s.refreshAsync(key, func(ctx context.Context) error {
					_, err := s.computeAndCacheStudentMetrics(ctx, studentID)
					return err
				})
			}
			return &cached, nil
		} else {
			// Undecodable entry: treat as a miss and overwrite below.
			rlog.Warn("discarding undecodable cache entry", "key", key, "err", decErr)
		}
	}

	s.metrics.Misses.Add(1)
	return s.computeAndCacheStudentMetrics(ctx, studentID)
}

// GetClassStatistics returns derived statistics for a class, cache-first
// with the same stale-while-revalidate policy. Returns nil for a class with
// zero students.
func (s *Service) GetClassStatistics(ctx context.Context, classID string) (*models.ClassStatistics, error) {
	if classID == "" {
		return nil, fmt.Errorf("classID cannot be empty")
	}

	key := keys.ClassStatistics(classID)
	if data, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		var cached models.ClassStatistics
		if err := s.codec.Unmarshal(data, &cached); err == nil {
			s.metrics.Hits.Add(1)
			if s.isStale(ctx, key) {
				s.metrics.StaleServes.Add(1)
				s.refreshAsync(key, func(ctx context.Context) error {
					_, err := s.computeAndCacheClassStatistics(ctx, classID)
					return err
				})
			}
			return &cached, nil
		}
	}

	s.metrics.Misses.Add(1)
	return s.computeAndCacheClassStatistics(ctx, classID)
}

// GetStudentRanking returns a student's rank within a class, cache-first.
func (s *Service) GetStudentRanking(ctx context.Context, studentID, classID string) (*models.StudentRanking, error) {
	if studentID == "" || classID == "" {
		return nil, fmt.Errorf("studentID and classID cannot be empty")
	}

	key := keys.ClassRank(classID, studentID)
	if data, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		var cached models.StudentRanking
		if err := s.codec.Unmarshal(data, &cached); err == nil {
			s.metrics.Hits.Add(1)
			return &cached, nil
		}
	}

	s.metrics.Misses.Add(1)
	ranking, err := s.computeStudentRanking(ctx, studentID, classID)
	if err != nil {
		return nil, err
	}
	s.cacheValue(ctx, key, ranking, s.cfg.RankTTL)
	return ranking, nil
}

// GetWeeklyAttendance returns a student's status breakdown for one calendar
// week. weekOffset 0 is the current week.
func (s *Service) GetWeeklyAttendance(ctx context.Context, studentID string, weekOffset int) (*models.WeeklyAttendance, error) {
	if studentID == "" {
		return nil, fmt.Errorf("studentID cannot be empty")
	}
	if weekOffset < 0 {
		return nil, fmt.Errorf("weekOffset cannot be negative")
	}

	key := keys.WeeklyAttendance(studentID, weekOffset)
	if data, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		var cached models.WeeklyAttendance
		if err := s.codec.Unmarshal(data, &cached); err == nil {
			s.metrics.Hits.Add(1)
			return &cached, nil
		}
	}

	s.metrics.Misses.Add(1)
	records, err := s.source.AttendanceRecords(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load attendance records: %w", err)
	}

	week := computeWeeklyAttendance(studentID, weekOffset, records, time.Now())
	s.cacheValue(ctx, key, week, s.cfg.WeeklyTTL)
	return week, nil
}

// GetAttendanceHistory returns a student's ledger entries, optionally
// filtered, cached per filter set.
func (s *Service) GetAttendanceHistory(ctx context.Context, studentID string, filters map[string]string) ([]models.AttendanceRecord, error) {
	if studentID == "" {
		return nil, fmt.Errorf("studentID cannot be empty")
	}

	key := keys.AttendanceHistory(studentID)
	if hash := keys.FiltersHash(filters); hash != "" {
		key = keys.AttendanceHistoryFiltered(studentID, hash)
	}

	if data, ok, err := s.cache.Get(ctx, key); err == nil && ok {
		var cached []models.AttendanceRecord
		if err := s.codec.Unmarshal(data, &cached); err == nil {
			s.metrics.Hits.Add(1)
			return cached, nil
		}
	}

	s.metrics.Misses.Add(1)
	records, err := s.source.AttendanceRecords(ctx, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load attendance records: %w", err)
	}

	records = filterRecords(records, filters)
	s.cacheValue(ctx, key, records, s.cfg.HistoryTTL)
	return records, nil
}

// isStale reports whether a present cache entry is inside the staleness
// window (0 < TTL < threshold). Entries without expiry are never stale.
func (s *Service) isStale(ctx context.Context, key string) bool {
	ttl, err := s.cache.TTL(ctx, key)
	if err != nil {
		return false
	}
	return ttl > 0 && ttl < s.cfg.StalenessThreshold
}

// refreshAsync runs fn on a detached goroutine with its own timeout and
// error boundary. Concurrent refreshes for the same key are coalesced;
// failures are logged and never reach the caller that observed stale data.
func (s *Service) refreshAsync(key string, fn func(ctx context.Context) error) {
	go func() {
		_, err, _ := s.refreshes.Do(key, func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RefreshTimeout)
			defer cancel()
			return nil, fn(ctx)
		})
		if err != nil {
			s.metrics.RefreshFailures.Add(1)
			rlog.Error("background refresh failed", "key", key, "err", err)
			return
		}
		s.metrics.BackgroundRefreshes.Add(1)
	}()
}

// cacheValue writes a derived value back to the cache. Write-back failures
// are logged only: the caller already holds a correct value, and the next
// read will recompute.
func (s *Service) cacheValue(ctx context.Context, key string, v interface{}, ttl time.Duration) {
	data, err := s.codec.Marshal(v)
	if err != nil {
		rlog.Error("failed to encode cache value", "key", key, "err", err)
		return
	}
	if err := s.cache.Set(ctx, key, data, ttl); err != nil {
		rlog.Error("failed to write cache value", "key", key, "err", err)
	}
}

// API surface. Thin wrappers that translate HTTP into service calls.

// StudentMetrics returns derived metrics for one student.
//
//encore:api public method=GET path=/dashboard/students/:studentID/metrics
func StudentMetrics(ctx context.Context, studentID string) (*models.StudentMetrics, error) {
	if svc == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	return svc.GetStudentMetrics(ctx, studentID)
}

// ClassStatisticsResponse wraps class statistics so an empty class can be
// reported distinctly from an error.
type ClassStatisticsResponse struct {
	Statistics *models.ClassStatistics `json:"statistics"`
	Empty      bool                    `json:"empty"`
}

// ClassStatistics returns derived statistics for one class.
//
//encore:api public method=GET path=/dashboard/classes/:classID/statistics
func ClassStatistics(ctx context.Context, classID string) (*ClassStatisticsResponse, error) {
	if svc == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	stats, err := svc.GetClassStatistics(ctx, classID)
	if err != nil {
		return nil, err
	}
	return &ClassStatisticsResponse{Statistics: stats, Empty: stats == nil}, nil
}

// StudentRanking returns one student's rank within a class.
//
//encore:api public method=GET path=/dashboard/classes/:classID/students/:studentID/ranking
func StudentRanking(ctx context.Context, classID, studentID string) (*models.StudentRanking, error) {
	if svc == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	return svc.GetStudentRanking(ctx, studentID, classID)
}

// WeeklyParams selects which calendar week to report. WeekOffset 0 is the
// current week, 1 the week before, and so on.
type WeeklyParams struct {
	WeekOffset int `query:"week_offset"`
}

// WeeklyAttendance returns a student's status breakdown for one week.
//
//encore:api public method=GET path=/dashboard/students/:studentID/weekly
func WeeklyAttendance(ctx context.Context, studentID string, params *WeeklyParams) (*models.WeeklyAttendance, error) {
	if svc == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	return svc.GetWeeklyAttendance(ctx, studentID, params.WeekOffset)
}

// HistoryParams filters a student's attendance history. Zero-valued fields
// are ignored.
type HistoryParams struct {
	Status  string `query:"status"`
	ClassID string `query:"class_id"`
	From    string `query:"from"`
	To      string `query:"to"`
}

// HistoryResponse wraps the filtered ledger entries.
type HistoryResponse struct {
	Records []models.AttendanceRecord `json:"records"`
}

// AttendanceHistory returns a student's ledger entries, optionally filtered.
//
//encore:api public method=GET path=/dashboard/students/:studentID/history
func AttendanceHistory(ctx context.Context, studentID string, params *HistoryParams) (*HistoryResponse, error) {
	if svc == nil {
		return nil, fmt.Errorf("service not initialized")
	}

	filters := map[string]string{}
	if params.Status != "" {
		filters["status"] = params.Status
	}
	if params.ClassID != "" {
		filters["class_id"] = params.ClassID
	}
	if params.From != "" {
		filters["from"] = params.From
	}
	if params.To != "" {
		filters["to"] = params.To
	}

	records, err := svc.GetAttendanceHistory(ctx, studentID, filters)
	if err != nil {
		return nil, err
	}
	return &HistoryResponse{Records: records}, nil
}

// ServiceMetricsResponse reports service performance counters.
type ServiceMetricsResponse struct {
	Hits                int64   `json:"hits"`
	Misses              int64   `json:"misses"`
	HitRate             float64 `json:"hit_rate"`
	StaleServes         int64   `json:"stale_serves"`
	BackgroundRefreshes int64   `json:"background_refreshes"`
	RefreshFailures     int64   `json:"refresh_failures"`
	Invalidations       int64   `json:"invalidations"`
	WarmRefreshes       int64   `json:"warm_refreshes"`
}

// ServiceMetrics returns dashboard cache counters.
//
//encore:api public method=GET path=/dashboard/metrics
func ServiceMetrics(ctx context.Context) (*ServiceMetricsResponse, error) {
	if svc == nil {
		return nil, fmt.Errorf("service not initialized")
	}

	hits := svc.metrics.Hits.Load()
	misses := svc.metrics.Misses.Load()
	hitRate := 0.0
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses)
	}

	return &ServiceMetricsResponse{
		Hits:                hits,
		Misses:              misses,
		HitRate:             hitRate,
		StaleServes:         svc.metrics.StaleServes.Load(),
		BackgroundRefreshes: svc.metrics.BackgroundRefreshes.Load(),
		RefreshFailures:     svc.metrics.RefreshFailures.Load(),
		Invalidations:       svc.metrics.Invalidations.Load(),
		WarmRefreshes:       svc.metrics.WarmRefreshes.Load(),
	}, nil
}
