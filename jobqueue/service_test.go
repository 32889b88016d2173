package jobqueue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestQueue() *Service {
	cfg := DefaultConfig()
	cfg.Concurrency = 2
	cfg.BaseBackoff = 5 * time.Millisecond
	cfg.MaxBackoff = 50 * time.Millisecond
	cfg.DefaultTimeout = 1 * time.Second
	return NewService(nil, cfg)
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func (s *Service) completedCount() int {
	s.resultMu.Lock()
	defer s.resultMu.Unlock()
	return len(s.completed)
}

func (s *Service) failedJob(id string) *FailedJob {
	s.resultMu.Lock()
	defer s.resultMu.Unlock()
	return s.failed[id]
}

func TestAddJob_Validation(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()

	if _, err := q.AddJob(ctx, AddJobParams{}); err == nil {
		t.Error("Expected error for empty job type")
	}
	if _, err := q.AddJob(ctx, AddJobParams{Type: "t", Priority: "bogus"}); err == nil {
		t.Error("Expected error for unknown priority")
	}
}

func TestAddJob_Defaults(t *testing.T) {
	q := newTestQueue()

	id, err := q.AddJob(context.Background(), AddJobParams{Type: "t"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	resp := q.lookup(id)
	if resp == nil {
		t.Fatal("Job should be findable after enqueue")
	}
	if resp.Status != StatusQueued {
		t.Errorf("Expected queued, got %s", resp.Status)
	}
	if resp.Priority != PriorityNormal {
		t.Errorf("Expected default priority normal, got %s", resp.Priority)
	}

	q.mu.Lock()
	job := q.immediate[PriorityNormal].jobs[0]
	q.mu.Unlock()
	if job.MaxAttempts != q.cfg.DefaultMaxAttempts {
		t.Errorf("Expected default max attempts %d, got %d", q.cfg.DefaultMaxAttempts, job.MaxAttempts)
	}
	if job.Timeout != q.cfg.DefaultTimeout {
		t.Errorf("Expected default timeout %v, got %v", q.cfg.DefaultTimeout, job.Timeout)
	}
	if job.Backoff != BackoffExponential {
		t.Errorf("Expected default exponential backoff, got %s", job.Backoff)
	}
}

func TestPriorityOrdering(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Concurrency = 1 // one slot so dispatch order is observable
	q := NewService(nil, cfg)

	var mu sync.Mutex
	var order []string
	q.RegisterProcessor("record", func(ctx context.Context, job *Job) (interface{}, error) {
		mu.Lock()
		order = append(order, string(job.Priority))
		mu.Unlock()
		return nil, nil
	})

	ctx := context.Background()
	q.AddJob(ctx, AddJobParams{Type: "record", Priority: PriorityLow})
	q.AddJob(ctx, AddJobParams{Type: "record", Priority: PriorityUrgent})

	q.tick(time.Now())
	waitUntil(t, time.Second, func() bool { return q.completedCount() == 1 }, "first job never completed")
	q.tick(time.Now())
	waitUntil(t, time.Second, func() bool { return q.completedCount() == 2 }, "second job never completed")

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "urgent" || order[1] != "low" {
		t.Errorf("Expected urgent before low, got %v", order)
	}
}

func TestRetry_ExhaustionDeadLetters(t *testing.T) {
	q := newTestQueue()

	attempts := 0
	var mu sync.Mutex
	q.RegisterProcessor("flaky", func(ctx context.Context, job *Job) (interface{}, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, errors.New("always fails")
	})

	id, _ := q.AddJob(context.Background(), AddJobParams{Type: "flaky", MaxAttempts: 3})

	// Drive ticks far enough into the future to promote every backoff delay.
	deadline := time.Now().Add(2 * time.Second)
	for q.failedJob(id) == nil {
		if time.Now().After(deadline) {
			t.Fatal("Job never reached the failed set")
		}
		q.tick(time.Now().Add(time.Minute))
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	got := attempts
	mu.Unlock()
	if got != 3 {
		t.Errorf("Expected exactly 3 attempts, got %d", got)
	}

	failed := q.failedJob(id)
	if failed.Job.Attempts != 3 {
		t.Errorf("Expected 3 recorded attempts, got %d", failed.Job.Attempts)
	}

	// Exhausted jobs must not linger in any queue.
	q.mu.Lock()
	for _, p := range priorities {
		if q.immediate[p].len() != 0 || q.delayed[p].len() != 0 {
			t.Errorf("Failed job should not be re-queued, found depth in %s", p)
		}
	}
	q.mu.Unlock()

	if q.stats.Failed.Load() != 1 {
		t.Errorf("Expected 1 failed, got %d", q.stats.Failed.Load())
	}
	if q.stats.Retried.Load() != 2 {
		t.Errorf("Expected 2 retries, got %d", q.stats.Retried.Load())
	}
}

func TestNoProcessor_FailsWithoutRetry(t *testing.T) {
	q := newTestQueue()

	id, _ := q.AddJob(context.Background(), AddJobParams{Type: "unregistered"})
	q.tick(time.Now())

	waitUntil(t, time.Second, func() bool { return q.failedJob(id) != nil },
		"job without processor never failed")

	failed := q.failedJob(id)
	if !strings.Contains(failed.Reason, "no processor") {
		t.Errorf("Expected no-processor reason, got %q", failed.Reason)
	}
	if failed.Job.Attempts != 0 {
		t.Errorf("Configuration errors must not consume attempts, got %d", failed.Job.Attempts)
	}
	if q.stats.Retried.Load() != 0 {
		t.Errorf("Configuration errors must not retry, got %d retries", q.stats.Retried.Load())
	}
}

func TestTimeout_EntersRetryPath(t *testing.T) {
	q := newTestQueue()

	q.RegisterProcessor("slow", func(ctx context.Context, job *Job) (interface{}, error) {
		select {
		case <-time.After(time.Second):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	id, _ := q.AddJob(context.Background(), AddJobParams{
		Type:        "slow",
		MaxAttempts: 1,
		Timeout:     20 * time.Millisecond,
	})
	q.tick(time.Now())

	waitUntil(t, 2*time.Second, func() bool { return q.failedJob(id) != nil },
		"timed-out job never dead-lettered")

	if !strings.Contains(q.failedJob(id).Reason, "timed out") {
		t.Errorf("Expected timeout reason, got %q", q.failedJob(id).Reason)
	}
}

func TestDelayedJob_PromotesWhenDue(t *testing.T) {
	q := newTestQueue()

	done := make(chan struct{}, 1)
	q.RegisterProcessor("later", func(ctx context.Context, job *Job) (interface{}, error) {
		done <- struct{}{}
		return nil, nil
	})

	id, _ := q.AddJob(context.Background(), AddJobParams{Type: "later", Delay: time.Hour})

	q.tick(time.Now())
	if resp := q.lookup(id); resp.Status != StatusDelayed {
		t.Errorf("Job should stay delayed before its time, got %s", resp.Status)
	}

	q.tick(time.Now().Add(2 * time.Hour))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Due delayed job was never executed")
	}
}

func TestBackoffDelay(t *testing.T) {
	cfg := DefaultConfig() // 1s base, 30s cap
	q := NewService(nil, cfg)

	exp := &Job{Backoff: BackoffExponential}
	exp.Attempts = 1
	if got := q.backoffDelay(exp); got != 1*time.Second {
		t.Errorf("Attempt 1: expected 1s, got %v", got)
	}
	exp.Attempts = 3
	if got := q.backoffDelay(exp); got != 4*time.Second {
		t.Errorf("Attempt 3: expected 4s, got %v", got)
	}
	exp.Attempts = 10
	if got := q.backoffDelay(exp); got != 30*time.Second {
		t.Errorf("Attempt 10: expected 30s cap, got %v", got)
	}

	fixed := &Job{Backoff: BackoffFixed, Attempts: 7}
	if got := q.backoffDelay(fixed); got != 1*time.Second {
		t.Errorf("Fixed backoff: expected 1s, got %v", got)
	}
}

func TestProcessingTimeEMA(t *testing.T) {
	q := newTestQueue()

	q.recordDuration(100 * time.Millisecond)
	if q.Stats().AvgProcessingMs != 100 {
		t.Errorf("First sample should seed the average, got %v", q.Stats().AvgProcessingMs)
	}

	q.recordDuration(200 * time.Millisecond)
	got := q.Stats().AvgProcessingMs
	if got < 109.99 || got > 110.01 {
		t.Errorf("Expected EMA near 110, got %v", got)
	}
}

func TestReclaimStale(t *testing.T) {
	q := newTestQueue()
	now := time.Now()

	retryable := &Job{ID: "retryable", Type: "t", Priority: PriorityNormal,
		CreatedAt: now.Add(-time.Hour), Attempts: 1, MaxAttempts: 3}
	exhausted := &Job{ID: "exhausted", Type: "t", Priority: PriorityNormal,
		CreatedAt: now.Add(-time.Hour), Attempts: 3, MaxAttempts: 3}
	young := &Job{ID: "young", Type: "t", Priority: PriorityNormal,
		CreatedAt: now, Attempts: 1, MaxAttempts: 3}

	q.mu.Lock()
	q.inflight[retryable.ID] = retryable
	q.inflight[exhausted.ID] = exhausted
	q.inflight[young.ID] = young
	q.mu.Unlock()

	reclaimed := q.ReclaimStale(now)
	if reclaimed != 2 {
		t.Errorf("Expected 2 reclaimed, got %d", reclaimed)
	}

	q.mu.Lock()
	if _, ok := q.inflight["young"]; !ok {
		t.Error("Young in-flight job should be untouched")
	}
	if q.immediate[PriorityNormal].len() != 1 {
		t.Errorf("Retryable stale job should be re-queued, queue depth %d",
			q.immediate[PriorityNormal].len())
	}
	q.mu.Unlock()

	failed := q.failedJob("exhausted")
	if failed == nil {
		t.Fatal("Exhausted stale job should be dead-lettered")
	}
	if !strings.Contains(failed.Reason, "stale") {
		t.Errorf("Expected stale reason, got %q", failed.Reason)
	}
	if q.stats.Reclaimed.Load() != 2 {
		t.Errorf("Expected 2 reclaimed in stats, got %d", q.stats.Reclaimed.Load())
	}
}

func TestReclaimedJob_LateFinishIsDropped(t *testing.T) {
	q := newTestQueue()
	now := time.Now()

	job := &Job{ID: "j1", Type: "t", Priority: PriorityNormal,
		CreatedAt: now.Add(-time.Hour), Attempts: 1, MaxAttempts: 3}
	q.mu.Lock()
	q.inflight[job.ID] = job
	q.mu.Unlock()

	q.ReclaimStale(now)

	// The original worker finishes after reclamation; its outcome must not
	// double-count against the re-queued copy.
	q.finishSuccess(job, nil, 10*time.Millisecond)
	if q.stats.Completed.Load() != 0 {
		t.Errorf("Late finish after reclaim should be dropped, got %d completed",
			q.stats.Completed.Load())
	}
}

func TestResultRetention(t *testing.T) {
	q := newTestQueue()
	now := time.Now()

	q.resultMu.Lock()
	q.completed["old"] = &CompletedJob{Job: &Job{ID: "old", Type: "t"}, expiresAt: now.Add(-time.Minute)}
	q.completed["live"] = &CompletedJob{Job: &Job{ID: "live", Type: "t"}, expiresAt: now.Add(time.Hour)}
	q.failed["oldfail"] = &FailedJob{Job: &Job{ID: "oldfail", Type: "t"}, expiresAt: now.Add(-time.Minute)}
	q.resultMu.Unlock()

	q.purgeExpiredResults(now)

	q.resultMu.Lock()
	defer q.resultMu.Unlock()
	if _, ok := q.completed["old"]; ok {
		t.Error("Expired completed record should be purged")
	}
	if _, ok := q.completed["live"]; !ok {
		t.Error("Unexpired completed record should remain")
	}
	if _, ok := q.failed["oldfail"]; ok {
		t.Error("Expired failed record should be purged")
	}
}

func TestStats_Counters(t *testing.T) {
	q := newTestQueue()
	ctx := context.Background()

	q.RegisterProcessor("ok", func(ctx context.Context, job *Job) (interface{}, error) {
		return "done", nil
	})

	q.AddJob(ctx, AddJobParams{Type: "ok", Priority: PriorityUrgent})
	q.AddJob(ctx, AddJobParams{Type: "ok", Priority: PriorityLow})

	stats := q.Stats()
	if stats.Submitted != 2 || stats.SubmittedUrgent != 1 || stats.SubmittedLow != 1 {
		t.Errorf("Expected 2 submitted (1 urgent, 1 low), got %+v", stats)
	}
	if stats.Queued != 2 {
		t.Errorf("Expected 2 queued, got %d", stats.Queued)
	}

	q.tick(time.Now())
	waitUntil(t, time.Second, func() bool { return q.Stats().Completed == 2 },
		"jobs never completed")
}
