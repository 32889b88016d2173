package dashboard

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"encore.dev/rlog"

	"encore.app/pkg/keys"
)

// WarmResult reports the outcome of one warming batch.
type WarmResult struct {
	Requested int `json:"requested"`
	Refreshed int `json:"refreshed"`
	Skipped   int `json:"skipped"` // entries already fresh
	Failed    int `json:"failed"`
}

// WarmStudentCache refreshes the cached metrics of every student in the
// batch whose entry is missing or inside the staleness window. Refreshes run
// with bounded concurrency and under the origin rate limit so a large batch
// cannot overwhelm the ledger.
func (s *Service) WarmStudentCache(ctx context.Context, studentIDs []string) (*WarmResult, error) {
	if len(studentIDs) == 0 {
		return nil, fmt.Errorf("studentIDs cannot be empty")
	}

	concurrency := s.cfg.WarmConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)

	var wg sync.WaitGroup
	var refreshed, skipped, failed atomic.Int64

	for _, studentID := range studentIDs {
		ttl, err := s.cache.TTL(ctx, keys.StudentMetrics(studentID))
		if err == nil && ttl >= s.cfg.StalenessThreshold {
			skipped.Add(1)
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(studentID string) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := s.warmLimiter.Wait(ctx); err != nil {
				failed.Add(1)
				return
			}
			if _, err := s.computeAndCacheStudentMetrics(ctx, studentID); err != nil {
				failed.Add(1)
				rlog.Error("cache warm refresh failed", "student_id", studentID, "err", err)
				return
			}
			refreshed.Add(1)
			s.metrics.WarmRefreshes.Add(1)
		}(studentID)
	}
	wg.Wait()

	return &WarmResult{
		Requested: len(studentIDs),
		Refreshed: int(refreshed.Load()),
		Skipped:   int(skipped.Load()),
		Failed:    int(failed.Load()),
	}, nil
}

// WarmRequest names the students whose cached metrics should be refreshed.
type WarmRequest struct {
	StudentIDs []string `json:"student_ids"`
}

// WarmStudents refreshes stale cached metrics for a batch of students.
//
//encore:api public method=POST path=/dashboard/warm
func WarmStudents(ctx context.Context, req *WarmRequest) (*WarmResult, error) {
	if svc == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	return svc.WarmStudentCache(ctx, req.StudentIDs)
}
