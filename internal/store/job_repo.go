package store

import (
	"time"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusDone     JobStatus = "done"
	JobStatusFailed   JobStatus = "failed"
	JobStatusCanceled JobStatus = "canceled"
)

// DefaultJobMaxAttempts is the attempt budget given to new jobs.
const DefaultJobMaxAttempts = 3

// Job is a durable timer: a kind, a due instant and a JSON payload.
// Meditation timers are stored this way so they survive restarts.
type Job struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	RunAt       time.Time  `json:"run_at"`
	PayloadJSON string     `json:"payload_json"`
	Status      JobStatus  `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   string     `json:"last_error"`
	LockedAt    *time.Time `json:"locked_at"`
	DedupeKey   string     `json:"dedupe_key"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// IsTerminal reports whether the job will never run again.
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobStatusDone, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// JobRepo defines the interface for durable job persistence.
type JobRepo interface {
	// EnqueueJob inserts a new job. If dedupeKey is non-empty and a non-terminal
	// job with that key already exists, the existing job ID is returned.
	EnqueueJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error)

	// ClaimDueJobs marks up to limit queued jobs whose run_at <= now as running
	// and returns them.
	ClaimDueJobs(now time.Time, limit int) ([]Job, error)

	CompleteJob(id string) error

	// FailJob stores the error and requeues at nextRunAt while attempts remain;
	// otherwise the job is marked failed.
	FailJob(id string, errMsg string, nextRunAt time.Time) error

	CancelJob(id string) error

	// RequeueStaleRunningJobs resets jobs running since before staleBefore to
	// queued (crash recovery).
	RequeueStaleRunningJobs(staleBefore time.Time) (int, error)

	// GetJob returns nil, nil when the job does not exist.
	GetJob(id string) (*Job, error)

	// FindActiveJob returns the non-terminal job with the given dedupe key, or nil.
	FindActiveJob(dedupeKey string) (*Job, error)
}
