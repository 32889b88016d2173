package jobqueue

import (
	"context"
	"fmt"
	"time"

	"encore.dev/rlog"
)

// tick advances the queue one step: promote due delayed jobs, dispatch up to
// the free concurrency slots in strict priority order, and drop expired
// terminal records.
func (s *Service) tick(now time.Time) {
	s.promoteDue(now)
	s.dispatch(now)
	s.purgeExpiredResults(now)
}

// promoteDue moves delayed jobs whose ScheduledAt has passed to the back of
// their priority's immediate queue.
func (s *Service) promoteDue(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range priorities {
		for _, job := range s.delayed[p].popDue(now) {
			s.immediate[p].push(job)
			if s.store != nil {
				s.markAsync(job.ID, StatusQueued)
			}
		}
	}
}

// dispatch fills free slots from the immediate queues. Urgent drains fully
// before normal, normal before low.
func (s *Service) dispatch(now time.Time) {
	s.mu.Lock()
	slots := s.cfg.Concurrency - len(s.inflight)
	var batch []*Job
	for _, p := range priorities {
		for slots > 0 {
			job := s.immediate[p].pop()
			if job == nil {
				break
			}
			job.StartedAt = now
			s.inflight[job.ID] = job
			batch = append(batch, job)
			slots--
		}
	}
	s.mu.Unlock()

	for _, job := range batch {
		if s.store != nil {
			s.markAsync(job.ID, StatusProcessing)
		}
		s.wg.Add(1)
		go func(job *Job) {
			defer s.wg.Done()
			s.execute(job)
		}(job)
	}
}

// execute runs one attempt of a job under its timeout and routes the outcome
// through the success or failure path.
func (s *Service) execute(job *Job) {
	proc := s.processor(job.Type)
	if proc == nil {
		s.failPermanently(job, fmt.Errorf("%w: %s", ErrNoProcessor, job.Type))
		return
	}

	job.Attempts++

	ctx, cancel := context.WithTimeout(context.Background(), job.Timeout)
	defer cancel()

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		result, err := proc(ctx, job)
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			s.handleFailure(job, out.err)
			return
		}
		s.finishSuccess(job, out.result, time.Since(start))
	case <-ctx.Done():
		s.handleFailure(job, fmt.Errorf("job timed out after %s", job.Timeout))
	}
}

// finishSuccess records a completed job. Jobs reclaimed while executing are
// no longer in the in-flight set and are dropped silently so the reclaimed
// copy's outcome stays authoritative.
func (s *Service) finishSuccess(job *Job, result interface{}, duration time.Duration) {
	s.mu.Lock()
	if _, ok := s.inflight[job.ID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.inflight, job.ID)
	s.mu.Unlock()

	s.recordDuration(duration)

	now := time.Now()
	s.resultMu.Lock()
	s.completed[job.ID] = &CompletedJob{
		Job:         job,
		Result:      result,
		CompletedAt: now,
		Duration:    duration,
		expiresAt:   now.Add(s.cfg.ResultTTL),
	}
	s.resultMu.Unlock()

	s.stats.Completed.Add(1)
	if s.store != nil {
		s.markAsync(job.ID, StatusCompleted)
	}
}

// handleFailure retries a job with backoff while attempts remain, otherwise
// dead-letters it.
func (s *Service) handleFailure(job *Job, cause error) {
	s.mu.Lock()
	if _, ok := s.inflight[job.ID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.inflight, job.ID)

	if job.Attempts < job.MaxAttempts {
		job.ScheduledAt = time.Now().Add(s.backoffDelay(job))
		s.delayed[job.Priority].push(job)
		s.mu.Unlock()

		s.stats.Retried.Add(1)
		rlog.Info("job retry scheduled",
			"job_id", job.ID,
			"type", job.Type,
			"attempt", job.Attempts,
			"max_attempts", job.MaxAttempts,
			"err", cause)
		if s.store != nil {
			s.markAsync(job.ID, StatusDelayed)
		}
		return
	}
	s.mu.Unlock()

	s.deadLetter(job, cause)
}

// failPermanently dead-letters a job without consuming an attempt. Used for
// configuration errors where retrying cannot succeed.
func (s *Service) failPermanently(job *Job, cause error) {
	s.mu.Lock()
	if _, ok := s.inflight[job.ID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.inflight, job.ID)
	s.mu.Unlock()

	s.deadLetter(job, cause)
}

func (s *Service) deadLetter(job *Job, cause error) {
	now := time.Now()
	s.resultMu.Lock()
	s.failed[job.ID] = &FailedJob{
		Job:       job,
		Reason:    cause.Error(),
		FailedAt:  now,
		expiresAt: now.Add(s.cfg.FailureTTL),
	}
	s.resultMu.Unlock()

	s.stats.Failed.Add(1)
	rlog.Error("job failed permanently",
		"job_id", job.ID,
		"type", job.Type,
		"attempts", job.Attempts,
		"err", cause)
	if s.store != nil {
		s.markAsync(job.ID, StatusFailed)
	}
}

// backoffDelay computes the delay before the job's next attempt.
func (s *Service) backoffDelay(job *Job) time.Duration {
	if job.Backoff == BackoffFixed {
		return s.cfg.BaseBackoff
	}
	delay := s.cfg.BaseBackoff << (job.Attempts - 1)
	if delay > s.cfg.MaxBackoff || delay <= 0 {
		delay = s.cfg.MaxBackoff
	}
	return delay
}

// recordDuration folds one processing time into the moving average with a
// 0.9/0.1 split, favoring history so a single slow job cannot swing it.
func (s *Service) recordDuration(d time.Duration) {
	ms := float64(d.Milliseconds())
	s.emaMu.Lock()
	if s.emaMs == 0 {
		s.emaMs = ms
	} else {
		s.emaMs = s.emaMs*0.9 + ms*0.1
	}
	s.emaMu.Unlock()
}

// purgeExpiredResults drops terminal records past their retention window.
func (s *Service) purgeExpiredResults(now time.Time) {
	s.resultMu.Lock()
	defer s.resultMu.Unlock()
	for id, c := range s.completed {
		if now.After(c.expiresAt) {
			delete(s.completed, id)
		}
	}
	for id, f := range s.failed {
		if now.After(f.expiresAt) {
			delete(s.failed, id)
		}
	}
}

// markAsync persists a status transition without blocking the queue loop.
// Status rows are advisory; the in-memory queue is authoritative until the
// next restart, so a lost write degrades restore fidelity but never
// correctness of live processing.
func (s *Service) markAsync(jobID string, status JobStatus) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.Mark(ctx, jobID, status); err != nil {
			rlog.Error("failed to persist job status", "job_id", jobID, "status", status, "err", err)
		}
	}()
}
