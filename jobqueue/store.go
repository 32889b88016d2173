package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"encore.dev/storage/sqldb"
)

// Database holding the durable job log.
var jobDB = sqldb.Named("jobs")

// JobStore persists jobs so queued and delayed work survives restarts.
// The row's status column mirrors the in-memory lifecycle; the serialized
// job document is written once at enqueue time.
type JobStore struct {
	db *sqldb.Database
}

// NewJobStore creates a store and ensures its schema.
func NewJobStore(db *sqldb.Database) (*JobStore, error) {
	store := &JobStore{db: db}
	if err := store.ensureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize jobs schema: %w", err)
	}
	return store, nil
}

func (st *JobStore) ensureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			job_type TEXT NOT NULL,
			priority TEXT NOT NULL,
			status TEXT NOT NULL,
			document JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_jobs_status
		ON jobs(status, created_at);
	`
	_, err := st.db.Exec(ctx, query)
	return err
}

// Insert persists a newly enqueued job.
func (st *JobStore) Insert(ctx context.Context, job *Job, status JobStatus) error {
	doc, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to serialize job %s: %w", job.ID, err)
	}
	_, err = st.db.Exec(ctx, `
		INSERT INTO jobs (id, job_type, priority, status, document)
		VALUES ($1, $2, $3, $4, $5)
	`, job.ID, job.Type, job.Priority, status, doc)
	if err != nil {
		return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}
	return nil
}

// Mark records a status transition.
func (st *JobStore) Mark(ctx context.Context, jobID string, status JobStatus) error {
	_, err := st.db.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW() WHERE id = $1
	`, jobID, status)
	if err != nil {
		return fmt.Errorf("failed to mark job %s %s: %w", jobID, status, err)
	}
	return nil
}

// PendingJob is one restorable row: the job document plus which queue it
// belonged to.
type PendingJob struct {
	Job    *Job
	Status JobStatus
}

// LoadPending returns jobs that were queued, delayed, or in flight when the
// process stopped. In-flight jobs restore as queued: the attempt died with
// the process, so they run again (at-least-once).
func (st *JobStore) LoadPending(ctx context.Context) ([]PendingJob, error) {
	rows, err := st.db.Query(ctx, `
		SELECT status, document
		FROM jobs
		WHERE status IN ('queued', 'delayed', 'processing')
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending jobs: %w", err)
	}
	defer rows.Close()

	var pending []PendingJob
	for rows.Next() {
		var status JobStatus
		var doc []byte
		if err := rows.Scan(&status, &doc); err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		var job Job
		if err := json.Unmarshal(doc, &job); err != nil {
			return nil, fmt.Errorf("failed to decode job document: %w", err)
		}
		if status == StatusProcessing {
			status = StatusQueued
		}
		pending = append(pending, PendingJob{Job: &job, Status: status})
	}
	return pending, rows.Err()
}
