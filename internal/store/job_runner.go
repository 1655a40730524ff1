package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// JobHandler executes a job's work. It receives the job's payload JSON and
// returns an error if the execution failed.
type JobHandler func(ctx context.Context, payload string) error

// Defaults for NewJobRunner.
const (
	DefaultJobPollInterval  = 5 * time.Second
	DefaultJobStaleAfter    = 5 * time.Minute
	DefaultJobClaimLimit    = 10
	defaultJobRetryBaseSecs = 30
)

// JobRunner periodically claims due jobs and dispatches them to registered handlers.
type JobRunner struct {
	repo           JobRepo
	handlers       map[string]JobHandler
	mu             sync.RWMutex
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	now            func() time.Time
}

// NewJobRunner creates a new JobRunner. A non-positive interval selects the default.
func NewJobRunner(repo JobRepo, pollInterval time.Duration) *JobRunner {
	if pollInterval <= 0 {
		pollInterval = DefaultJobPollInterval
	}
	return &JobRunner{
		repo:           repo,
		handlers:       make(map[string]JobHandler),
		pollInterval:   pollInterval,
		staleThreshold: DefaultJobStaleAfter,
		claimLimit:     DefaultJobClaimLimit,
		now:            time.Now,
	}
}

// RegisterHandler registers a handler for a given job kind.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
	slog.Debug("JobRunner.RegisterHandler", "kind", kind)
}

// RecoverStaleJobs requeues jobs that were running when the process stopped.
// Call once at startup, before Run.
func (r *JobRunner) RecoverStaleJobs() error {
	staleBefore := r.now().Add(-r.staleThreshold)
	n, err := r.repo.RequeueStaleRunningJobs(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued stale jobs", "count", n)
	}
	return nil
}

// Run polls until the context is cancelled. A poll in progress finishes the
// job it is executing before Run returns.
func (r *JobRunner) Run(ctx context.Context) {
	slog.Info("JobRunner.Run: starting job runner", "pollInterval", r.pollInterval)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("JobRunner.Run: stopping")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce claims and executes the jobs due now.
func (r *JobRunner) RunOnce(ctx context.Context) {
	now := r.now()
	jobs, err := r.repo.ClaimDueJobs(now, r.claimLimit)
	if err != nil {
		slog.Error("JobRunner.RunOnce: claim failed", "error", err)
		return
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			// Claimed but not started; recovery requeues it.
			return
		}
		r.execute(ctx, job, now)
	}
}

func (r *JobRunner) execute(ctx context.Context, job Job, now time.Time) {
	r.mu.RLock()
	handler, ok := r.handlers[job.Kind]
	r.mu.RUnlock()

	if !ok {
		slog.Warn("JobRunner.execute: no handler for job kind", "kind", job.Kind, "id", job.ID)
		if err := r.repo.FailJob(job.ID, "no handler registered for kind: "+job.Kind, now.Add(time.Minute)); err != nil {
			slog.Error("JobRunner.execute: fail job error", "id", job.ID, "error", err)
		}
		return
	}

	slog.Debug("JobRunner.execute: executing job", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt)
	if err := handler(ctx, job.PayloadJSON); err != nil {
		slog.Error("JobRunner.execute: job failed", "id", job.ID, "kind", job.Kind, "error", err)
		// 30s, 60s, 120s, ...
		backoff := time.Duration(defaultJobRetryBaseSecs*(1<<job.Attempt)) * time.Second
		if err := r.repo.FailJob(job.ID, err.Error(), now.Add(backoff)); err != nil {
			slog.Error("JobRunner.execute: fail job error", "id", job.ID, "error", err)
		}
		return
	}
	if err := r.repo.CompleteJob(job.ID); err != nil {
		slog.Error("JobRunner.execute: complete job error", "id", job.ID, "error", err)
		return
	}
	slog.Debug("JobRunner.execute: job completed", "id", job.ID, "kind", job.Kind)
}
