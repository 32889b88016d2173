// Package jobqueue implements a durable, priority-ordered, at-least-once
// task queue for deferred work: notification fan-out, cache invalidation,
// and background metric refresh.
//
// Design Philosophy:
// - Three priority classes (urgent, normal, low) drained strictly in order
//   at dequeue time; within a class, best-effort FIFO.
// - Job semantics are injected: the queue knows types and processors, never
//   what a job means.
// - Execution failures are contained inside the retry/dead-letter machinery;
//   the only error a producer ever sees is an enqueue-time storage failure.
// - Jobs are persisted to Postgres on enqueue and at terminal transitions,
//   and pending jobs are restored at startup (at-least-once across
//   restarts; processors must be idempotent).
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"encore.dev/rlog"
)

// ErrNoProcessor marks a configuration error: a job type with no registered
// processor. Such jobs fail immediately and are never retried.
var ErrNoProcessor = errors.New("jobqueue: no processor registered for job type")

// Processor executes one job type. Processors must be idempotent: a job that
// times out may still be running when it is retried.
type Processor func(ctx context.Context, job *Job) (interface{}, error)

//encore:service
type Service struct {
	cfg   Config
	store *JobStore // nil when persistence is disabled (tests)

	mu        sync.Mutex
	immediate map[Priority]*fifoQueue
	delayed   map[Priority]*delayedQueue
	inflight  map[string]*Job

	procMu     sync.RWMutex
	processors map[string]Processor

	resultMu  sync.Mutex
	completed map[string]*CompletedJob
	failed    map[string]*FailedJob

	stats Stats

	emaMu sync.Mutex
	emaMs float64 // exponential moving average processing time

	running  atomic.Bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// Config holds runtime configuration for the job queue.
type Config struct {
	Concurrency        int           // max jobs executing at once
	TickInterval       time.Duration // processing loop tick
	DefaultMaxAttempts int
	DefaultTimeout     time.Duration
	BaseBackoff        time.Duration // first retry delay / fixed retry delay
	MaxBackoff         time.Duration // exponential backoff ceiling
	StaleTimeout       time.Duration // in-flight jobs older than this are reclaimed
	ResultTTL          time.Duration // completed-job retention
	FailureTTL         time.Duration // failed-job retention
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:        5,
		TickInterval:       500 * time.Millisecond,
		DefaultMaxAttempts: 3,
		DefaultTimeout:     30 * time.Second,
		BaseBackoff:        1 * time.Second,
		MaxBackoff:         30 * time.Second,
		StaleTimeout:       5 * time.Minute,
		ResultTTL:          1 * time.Hour,
		FailureTTL:         24 * time.Hour,
	}
}

// Stats tracks queue counters, independent of any job type.
type Stats struct {
	Submitted       atomic.Int64
	SubmittedUrgent atomic.Int64
	SubmittedNormal atomic.Int64
	SubmittedLow    atomic.Int64
	Completed       atomic.Int64
	Failed          atomic.Int64
	Retried         atomic.Int64
	Reclaimed       atomic.Int64
}

// NewService constructs a queue with explicit dependencies. Pass a nil store
// to disable persistence. Call Start to begin processing.
func NewService(store *JobStore, cfg Config) *Service {
	s := &Service{
		cfg:        cfg,
		store:      store,
		immediate:  make(map[Priority]*fifoQueue),
		delayed:    make(map[Priority]*delayedQueue),
		inflight:   make(map[string]*Job),
		processors: make(map[string]Processor),
		completed:  make(map[string]*CompletedJob),
		failed:     make(map[string]*FailedJob),
		stopChan:   make(chan struct{}),
	}
	for _, p := range priorities {
		s.immediate[p] = &fifoQueue{}
		s.delayed[p] = newDelayedQueue()
	}
	return s
}

var svc *Service

// initService wires the queue against Postgres, restores pending jobs,
// registers the built-in processors, and starts the processing loop.
func initService() (*Service, error) {
	store, err := NewJobStore(jobDB)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize job store: %w", err)
	}

	svc = NewService(store, DefaultConfig())
	registerBuiltinProcessors(svc)

	restored, err := svc.restore(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to restore pending jobs: %w", err)
	}
	if restored > 0 {
		rlog.Info("restored pending jobs", "count", restored)
	}

	svc.Start()
	return svc, nil
}

// RegisterProcessor installs the handler for a job type. Registering the
// same type twice replaces the handler.
func (s *Service) RegisterProcessor(jobType string, proc Processor) {
	s.procMu.Lock()
	defer s.procMu.Unlock()
	s.processors[jobType] = proc
}

func (s *Service) processor(jobType string) Processor {
	s.procMu.RLock()
	defer s.procMu.RUnlock()
	return s.processors[jobType]
}

// AddJobParams describes a job to enqueue. Zero values take defaults from
// the queue configuration.
type AddJobParams struct {
	Type        string
	Payload     json.RawMessage
	Priority    Priority
	Delay       time.Duration
	MaxAttempts int
	Timeout     time.Duration
	Backoff     BackoffStrategy
	Tags        []string
}

// AddJob enqueues a job and returns its ID synchronously; execution is
// asynchronous. The only failure surfaced here is an enqueue-time storage
// error.
func (s *Service) AddJob(ctx context.Context, params AddJobParams) (string, error) {
	if params.Type == "" {
		return "", fmt.Errorf("job type cannot be empty")
	}
	if params.Priority == "" {
		params.Priority = PriorityNormal
	}
	if !params.Priority.Valid() {
		return "", fmt.Errorf("unknown priority %q", params.Priority)
	}
	if params.MaxAttempts <= 0 {
		params.MaxAttempts = s.cfg.DefaultMaxAttempts
	}
	if params.Timeout <= 0 {
		params.Timeout = s.cfg.DefaultTimeout
	}
	if params.Backoff == "" {
		params.Backoff = BackoffExponential
	}

	job := &Job{
		ID:          uuid.NewString(),
		Type:        params.Type,
		Priority:    params.Priority,
		Payload:     params.Payload,
		Tags:        params.Tags,
		CreatedAt:   time.Now(),
		MaxAttempts: params.MaxAttempts,
		Timeout:     params.Timeout,
		Backoff:     params.Backoff,
	}

	status := StatusQueued
	if params.Delay > 0 {
		job.ScheduledAt = time.Now().Add(params.Delay)
		status = StatusDelayed
	}

	if s.store != nil {
		if err := s.store.Insert(ctx, job, status); err != nil {
			return "", fmt.Errorf("failed to persist job: %w", err)
		}
	}

	s.enqueue(job, status)

	s.stats.Submitted.Add(1)
	switch job.Priority {
	case PriorityUrgent:
		s.stats.SubmittedUrgent.Add(1)
	case PriorityNormal:
		s.stats.SubmittedNormal.Add(1)
	case PriorityLow:
		s.stats.SubmittedLow.Add(1)
	}

	return job.ID, nil
}

func (s *Service) enqueue(job *Job, status JobStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == StatusDelayed {
		s.delayed[job.Priority].push(job)
	} else {
		s.immediate[job.Priority].push(job)
	}
}

// restore reloads queued and delayed jobs from the store after a restart.
func (s *Service) restore(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	pending, err := s.store.LoadPending(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range pending {
		s.enqueue(p.Job, p.Status)
	}
	return len(pending), nil
}

// Start launches the processing loop. Safe to call once per service.
func (s *Service) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go s.run()
}

// Shutdown stops the loop and waits for in-flight executions to finish.
func (s *Service) Shutdown(force context.Context) {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stopChan)
	s.wg.Wait()
}

func (s *Service) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.tick(time.Now())
		}
	}
}

// API surface.

// AddJobRequest enqueues a deferred job.
type AddJobRequest struct {
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    Priority        `json:"priority,omitempty"`
	DelayMs     int64           `json:"delay_ms,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	TimeoutMs   int64           `json:"timeout_ms,omitempty"`
	Backoff     BackoffStrategy `json:"backoff,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
}

type AddJobResponse struct {
	JobID string `json:"job_id"`
}

// Enqueue adds a job to the queue.
//
//encore:api public method=POST path=/jobs
func Enqueue(ctx context.Context, req *AddJobRequest) (*AddJobResponse, error) {
	if svc == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	id, err := svc.AddJob(ctx, AddJobParams{
		Type:        req.Type,
		Payload:     req.Payload,
		Priority:    req.Priority,
		Delay:       time.Duration(req.DelayMs) * time.Millisecond,
		MaxAttempts: req.MaxAttempts,
		Timeout:     time.Duration(req.TimeoutMs) * time.Millisecond,
		Backoff:     req.Backoff,
		Tags:        req.Tags,
	})
	if err != nil {
		return nil, err
	}
	return &AddJobResponse{JobID: id}, nil
}

// JobStatusResponse reports where a job currently is in its lifecycle.
type JobStatusResponse struct {
	JobID    string    `json:"job_id"`
	Type     string    `json:"type"`
	Status   JobStatus `json:"status"`
	Priority Priority  `json:"priority"`
	Attempts int       `json:"attempts"`
	Reason   string    `json:"reason,omitempty"` // terminal failure reason
}

// LookupJob finds one job across the queue's live and terminal sets.
//
//encore:api public method=GET path=/jobs/status/:jobID
func LookupJob(ctx context.Context, jobID string) (*JobStatusResponse, error) {
	if svc == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	resp := svc.lookup(jobID)
	if resp == nil {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	return resp, nil
}

func (s *Service) lookup(jobID string) *JobStatusResponse {
	s.resultMu.Lock()
	if c, ok := s.completed[jobID]; ok {
		s.resultMu.Unlock()
		return &JobStatusResponse{JobID: jobID, Type: c.Job.Type, Status: StatusCompleted, Priority: c.Job.Priority, Attempts: c.Job.Attempts}
	}
	if f, ok := s.failed[jobID]; ok {
		s.resultMu.Unlock()
		return &JobStatusResponse{JobID: jobID, Type: f.Job.Type, Status: StatusFailed, Priority: f.Job.Priority, Attempts: f.Job.Attempts, Reason: f.Reason}
	}
	s.resultMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.inflight[jobID]; ok {
		return &JobStatusResponse{JobID: jobID, Type: job.Type, Status: StatusProcessing, Priority: job.Priority, Attempts: job.Attempts}
	}
	for _, p := range priorities {
		for _, job := range s.immediate[p].jobs {
			if job.ID == jobID {
				return &JobStatusResponse{JobID: jobID, Type: job.Type, Status: StatusQueued, Priority: p, Attempts: job.Attempts}
			}
		}
		for _, job := range s.delayed[p].jobs() {
			if job.ID == jobID {
				return &JobStatusResponse{JobID: jobID, Type: job.Type, Status: StatusDelayed, Priority: p, Attempts: job.Attempts}
			}
		}
	}
	return nil
}

// StatsResponse reports queue counters and depths.
type StatsResponse struct {
	Submitted        int64   `json:"submitted"`
	SubmittedUrgent  int64   `json:"submitted_urgent"`
	SubmittedNormal  int64   `json:"submitted_normal"`
	SubmittedLow     int64   `json:"submitted_low"`
	Completed        int64   `json:"completed"`
	Failed           int64   `json:"failed"`
	Retried          int64   `json:"retried"`
	Reclaimed        int64   `json:"reclaimed"`
	InFlight         int     `json:"in_flight"`
	Queued           int     `json:"queued"`
	Delayed          int     `json:"delayed"`
	AvgProcessingMs  float64 `json:"avg_processing_ms"` // exponential moving average
}

// QueueStats returns queue statistics.
//
//encore:api public method=GET path=/jobs/stats
func QueueStats(ctx context.Context) (*StatsResponse, error) {
	if svc == nil {
		return nil, fmt.Errorf("service not initialized")
	}
	return svc.Stats(), nil
}

// Stats snapshots the queue counters.
func (s *Service) Stats() *StatsResponse {
	s.mu.Lock()
	inflight := len(s.inflight)
	queued, delayed := 0, 0
	for _, p := range priorities {
		queued += s.immediate[p].len()
		delayed += s.delayed[p].len()
	}
	s.mu.Unlock()

	s.emaMu.Lock()
	ema := s.emaMs
	s.emaMu.Unlock()

	return &StatsResponse{
		Submitted:       s.stats.Submitted.Load(),
		SubmittedUrgent: s.stats.SubmittedUrgent.Load(),
		SubmittedNormal: s.stats.SubmittedNormal.Load(),
		SubmittedLow:    s.stats.SubmittedLow.Load(),
		Completed:       s.stats.Completed.Load(),
		Failed:          s.stats.Failed.Load(),
		Retried:         s.stats.Retried.Load(),
		Reclaimed:       s.stats.Reclaimed.Load(),
		InFlight:        inflight,
		Queued:          queued,
		Delayed:         delayed,
		AvgProcessingMs: ema,
	}
}
