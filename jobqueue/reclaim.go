package jobqueue

import (
	"context"
	"fmt"
	"time"

	"encore.dev/cron"
	"encore.dev/rlog"
)

// ReclaimStale sweeps the in-flight set for jobs older than the stale
// timeout, measured from creation. A stale job's worker is presumed dead or
// wedged; the job is requeued if attempts remain, dead-lettered otherwise.
// The original goroutine may still finish later, but it finds its job gone
// from the in-flight set and its outcome is dropped.
func (s *Service) ReclaimStale(now time.Time) int {
	cutoff := now.Add(-s.cfg.StaleTimeout)

	s.mu.Lock()
	var stale []*Job
	for _, job := range s.inflight {
		if job.CreatedAt.Before(cutoff) {
			stale = append(stale, job)
		}
	}
	for _, job := range stale {
		delete(s.inflight, job.ID)
		if job.Attempts < job.MaxAttempts {
			s.immediate[job.Priority].push(job)
		}
	}
	s.mu.Unlock()

	for _, job := range stale {
		s.stats.Reclaimed.Add(1)
		if job.Attempts < job.MaxAttempts {
			rlog.Warn("reclaimed stale job",
				"job_id", job.ID,
				"type", job.Type,
				"age", now.Sub(job.CreatedAt))
			if s.store != nil {
				s.markAsync(job.ID, StatusQueued)
			}
		} else {
			s.deadLetter(job, fmt.Errorf("job became stale after %d attempts", job.Attempts))
		}
	}
	return len(stale)
}

// Periodic sweep for wedged in-flight jobs.
var _ = cron.NewJob("stale-job-sweep", cron.JobConfig{
	Title:    "Reclaim stale in-flight jobs",
	Schedule: "* * * * *",
	Endpoint: SweepStaleJobs,
})

// SweepStaleJobs reclaims in-flight jobs that exceeded the stale timeout.
//
//encore:api private
func SweepStaleJobs(ctx context.Context) error {
	if svc == nil {
		return nil
	}
	if n := svc.ReclaimStale(time.Now()); n > 0 {
		rlog.Info("stale job sweep finished", "reclaimed", n)
	}
	return nil
}
