package jobqueue

import (
	"encoding/json"
	"time"
)

// Priority orders job execution. Urgent jobs always dequeue before normal
// jobs, and normal before low, as long as slots remain.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// priorities in strict dequeue order.
var priorities = [...]Priority{PriorityUrgent, PriorityNormal, PriorityLow}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p == PriorityUrgent || p == PriorityNormal || p == PriorityLow
}

// BackoffStrategy selects how retry delays grow.
type BackoffStrategy string

const (
	// BackoffExponential doubles the delay per attempt, capped at MaxBackoff.
	BackoffExponential BackoffStrategy = "exponential"
	// BackoffFixed retries at a constant delay.
	BackoffFixed BackoffStrategy = "fixed"
)

// JobStatus is a job's lifecycle state.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusDelayed    JobStatus = "delayed"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Job is one unit of deferred work. The queue owns the lifecycle; the
// semantics of a job type live entirely in its registered processor.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Priority    Priority        `json:"priority"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Tags        []string        `json:"tags,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ScheduledAt time.Time       `json:"scheduled_at,omitempty"` // zero for immediate jobs
	StartedAt   time.Time       `json:"started_at,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Timeout     time.Duration   `json:"timeout_ms"`
	Backoff     BackoffStrategy `json:"backoff"`
}

// CompletedJob is a terminal success record, retained for a bounded time.
type CompletedJob struct {
	Job         *Job          `json:"job"`
	Result      interface{}   `json:"result,omitempty"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`

	expiresAt time.Time
}

// FailedJob is a terminal failure record (dead letter), retained for a
// bounded time.
type FailedJob struct {
	Job      *Job      `json:"job"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failed_at"`

	expiresAt time.Time
}
