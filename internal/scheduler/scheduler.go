// Package scheduler wraps robfig/cron for QuestPipe's periodic checks.
//
// It drives the per-minute daily habit reminder check.
package scheduler

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// EveryMinute is the cron expression for a check that runs at the top of each minute.
const EveryMinute = "* * * * *"

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Use standard 5-field cron parser (min, hour, dom, month, dow) and enable recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger), cron.Recover(cron.DefaultLogger)))
	c.Start()
	slog.Debug("Scheduler.NewScheduler: cron started")
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	id, err := s.cron.AddFunc(expr, task)
	if err != nil {
		slog.Error("Scheduler.AddJob: invalid expression", "expr", expr, "error", err)
		return err
	}
	slog.Debug("Scheduler.AddJob: scheduled", "expr", expr, "entryID", id)
	return nil
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	slog.Debug("Scheduler.Stop: cron stopped")
}
