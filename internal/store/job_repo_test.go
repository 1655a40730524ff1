package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestJobRepo_EnqueueAndGet(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			runAt := time.Now().Add(time.Hour)
			id, err := s.EnqueueJob("test_kind", runAt, `{"key":"value"}`, "")
			if err != nil {
				t.Fatalf("EnqueueJob failed: %v", err)
			}
			if id == "" {
				t.Fatal("EnqueueJob returned empty ID")
			}

			job, err := s.GetJob(id)
			if err != nil {
				t.Fatalf("GetJob failed: %v", err)
			}
			if job == nil {
				t.Fatal("GetJob returned nil")
			}
			if job.Kind != "test_kind" {
				t.Errorf("Expected kind 'test_kind', got %q", job.Kind)
			}
			if job.Status != JobStatusQueued {
				t.Errorf("Expected status 'queued', got %q", job.Status)
			}
			if job.PayloadJSON != `{"key":"value"}` {
				t.Errorf("Expected payload, got %q", job.PayloadJSON)
			}

			missing, err := s.GetJob("job_missing")
			if err != nil || missing != nil {
				t.Errorf("Expected nil job, got %v %v", missing, err)
			}
		})
	}
}

func TestJobRepo_DedupeKey(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			runAt := time.Now().Add(time.Hour)
			id1, err := s.EnqueueJob("test_kind", runAt, `{}`, "meditation:alice:1")
			if err != nil {
				t.Fatalf("EnqueueJob 1 failed: %v", err)
			}
			id2, err := s.EnqueueJob("test_kind", runAt, `{}`, "meditation:alice:1")
			if err != nil {
				t.Fatalf("EnqueueJob 2 failed: %v", err)
			}
			if id2 != id1 {
				t.Errorf("Expected dedupe to return same ID %q, got %q", id1, id2)
			}

			active, err := s.FindActiveJob("meditation:alice:1")
			if err != nil || active == nil || active.ID != id1 {
				t.Fatalf("FindActiveJob: %v %v", active, err)
			}

			// Once canceled the key is free again.
			if err := s.CancelJob(id1); err != nil {
				t.Fatalf("CancelJob failed: %v", err)
			}
			active, err = s.FindActiveJob("meditation:alice:1")
			if err != nil || active != nil {
				t.Errorf("Expected no active job after cancel, got %v %v", active, err)
			}
			id3, err := s.EnqueueJob("test_kind", runAt, `{}`, "meditation:alice:1")
			if err != nil {
				t.Fatalf("EnqueueJob 3 failed: %v", err)
			}
			if id3 == id1 {
				t.Error("Expected a new job after the previous one was canceled")
			}
		})
	}
}

func TestJobRepo_ClaimDueJobs(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now()
			dueID, _ := s.EnqueueJob("test_kind", now.Add(-time.Minute), `{}`, "")
			s.EnqueueJob("test_kind", now.Add(time.Hour), `{}`, "")

			jobs, err := s.ClaimDueJobs(now, 10)
			if err != nil {
				t.Fatalf("ClaimDueJobs failed: %v", err)
			}
			if len(jobs) != 1 || jobs[0].ID != dueID {
				t.Fatalf("Expected only the due job, got %+v", jobs)
			}
			if jobs[0].Status != JobStatusRunning {
				t.Errorf("Expected claimed job running, got %q", jobs[0].Status)
			}

			again, _ := s.ClaimDueJobs(now, 10)
			if len(again) != 0 {
				t.Errorf("Expected running job not to be claimed twice, got %d", len(again))
			}
		})
	}
}

func TestJobRepo_FailAndRetry(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now()
			id, _ := s.EnqueueJob("test_kind", now.Add(-time.Second), `{}`, "")
			s.ClaimDueJobs(now, 10)

			for i := 1; i <= DefaultJobMaxAttempts; i++ {
				if err := s.FailJob(id, "boom", now.Add(-time.Second)); err != nil {
					t.Fatalf("FailJob failed: %v", err)
				}
				job, _ := s.GetJob(id)
				if job.Attempt != i || job.LastError != "boom" {
					t.Fatalf("attempt %d: unexpected job %+v", i, job)
				}
				if i < DefaultJobMaxAttempts {
					if job.Status != JobStatusQueued {
						t.Fatalf("attempt %d: expected requeue, got %q", i, job.Status)
					}
					s.ClaimDueJobs(now, 10)
				} else if job.Status != JobStatusFailed {
					t.Fatalf("expected failed after max attempts, got %q", job.Status)
				}
			}
		})
	}
}

func TestJobRepo_RequeueStale(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			past := time.Now().Add(-time.Hour)
			id, _ := s.EnqueueJob("test_kind", past, `{}`, "")
			if _, err := s.ClaimDueJobs(past, 10); err != nil {
				t.Fatalf("ClaimDueJobs failed: %v", err)
			}
			n, err := s.RequeueStaleRunningJobs(time.Now().Add(-time.Minute))
			if err != nil {
				t.Fatalf("RequeueStaleRunningJobs failed: %v", err)
			}
			if n != 1 {
				t.Errorf("Expected 1 requeued job, got %d", n)
			}
			job, _ := s.GetJob(id)
			if job.Status != JobStatusQueued {
				t.Errorf("Expected queued after requeue, got %q", job.Status)
			}
		})
	}
}

func TestDedupRepo(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			isNew, err := s.RecordInbound("msg-1", "alice")
			if err != nil || !isNew {
				t.Fatalf("expected first record to be new: %v %v", isNew, err)
			}
			isNew, err = s.RecordInbound("msg-1", "alice")
			if err != nil || isNew {
				t.Errorf("expected duplicate: %v %v", isNew, err)
			}

			n, err := s.PurgeInboundBefore(time.Now().Add(time.Minute))
			if err != nil || n != 1 {
				t.Errorf("expected 1 purged row, got %d %v", n, err)
			}
			isNew, _ = s.RecordInbound("msg-1", "alice")
			if !isNew {
				t.Error("expected message to be new again after purge")
			}
		})
	}
}

func TestDedupRepoRestartSafety(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "dedup.db")

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 1) failed: %v", err)
	}
	if isNew, _ := s1.RecordInbound("msg-restart-1", "alice"); !isNew {
		t.Error("Expected isNew=true for first record")
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 2) failed: %v", err)
	}
	defer s2.Close()
	if isNew, _ := s2.RecordInbound("msg-restart-1", "alice"); isNew {
		t.Error("Expected isNew=false for duplicate after restart")
	}
}

func TestJobRunner_RunOnce(t *testing.T) {
	s := NewInMemoryStore()
	runner := NewJobRunner(s, time.Minute)

	var executed int32
	var gotPayload atomic.Value
	runner.RegisterHandler("test_kind", func(ctx context.Context, payload string) error {
		atomic.AddInt32(&executed, 1)
		gotPayload.Store(payload)
		return nil
	})

	id, _ := s.EnqueueJob("test_kind", time.Now().Add(-time.Second), `{"test":true}`, "")
	s.EnqueueJob("test_kind", time.Now().Add(time.Hour), `{}`, "")

	runner.RunOnce(context.Background())

	if atomic.LoadInt32(&executed) != 1 {
		t.Errorf("Expected 1 execution, got %d", atomic.LoadInt32(&executed))
	}
	if gotPayload.Load() != `{"test":true}` {
		t.Errorf("unexpected payload %v", gotPayload.Load())
	}
	job, _ := s.GetJob(id)
	if job.Status != JobStatusDone {
		t.Errorf("Expected done, got %q", job.Status)
	}
}

func TestJobRunner_HandlerErrorSchedulesRetry(t *testing.T) {
	s := NewInMemoryStore()
	runner := NewJobRunner(s, time.Minute)
	runner.RegisterHandler("flaky", func(ctx context.Context, payload string) error {
		return errors.New("transient")
	})

	id, _ := s.EnqueueJob("flaky", time.Now().Add(-time.Second), `{}`, "")
	before := time.Now()
	runner.RunOnce(context.Background())

	job, _ := s.GetJob(id)
	if job.Status != JobStatusQueued || job.Attempt != 1 {
		t.Fatalf("expected requeued job with attempt 1, got %+v", job)
	}
	if job.RunAt.Before(before.Add(29 * time.Second)) {
		t.Errorf("expected backoff of about 30s, run_at=%v", job.RunAt)
	}
}

func TestJobRunnerRestartRecovery(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "restart.db")

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 1) failed: %v", err)
	}
	past := time.Now().Add(-time.Hour)
	jobID, err := s1.EnqueueJob("restart_test", past, `{"test":"restart"}`, "restart-dedup")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	// Claimed, then the process dies before finishing.
	if _, err := s1.ClaimDueJobs(past, 10); err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 2) failed: %v", err)
	}
	defer s2.Close()

	var executed int32
	runner := NewJobRunner(s2, time.Minute)
	runner.RegisterHandler("restart_test", func(ctx context.Context, payload string) error {
		atomic.AddInt32(&executed, 1)
		return nil
	})
	if err := runner.RecoverStaleJobs(); err != nil {
		t.Fatalf("RecoverStaleJobs failed: %v", err)
	}
	runner.RunOnce(context.Background())
	runner.RunOnce(context.Background())

	if atomic.LoadInt32(&executed) != 1 {
		t.Errorf("Expected 1 execution after restart, got %d", atomic.LoadInt32(&executed))
	}
	job, err := s2.GetJob(jobID)
	if err != nil {
		t.Fatalf("GetJob after restart failed: %v", err)
	}
	if job.Status != JobStatusDone {
		t.Errorf("Expected job status 'done', got %q", job.Status)
	}
}
