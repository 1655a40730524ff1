// Package habit keeps streaks for daily quests.
//
// "Today" is always the quest owner's local calendar date, derived from the
// stored timezone offset, so two users can disagree on the current day.
package habit

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/QuestPipe/internal/deadline"
	"github.com/BTreeMap/QuestPipe/internal/models"
	"github.com/BTreeMap/QuestPipe/internal/store"
)

// Status describes what MarkDone or Undo did.
type Status int

const (
	// StatusMarked means today's completion was recorded.
	StatusMarked Status = iota
	// StatusAlreadyMarked means today was already recorded; nothing changed.
	StatusAlreadyMarked
	// StatusUndone means today's completion was removed.
	StatusUndone
	// StatusSkipped means the quest no longer exists.
	StatusSkipped
)

// Result is returned by MarkDone and Undo.
type Result struct {
	Status Status
	Quest  *models.Quest
	// Today is the owner's local date the operation used.
	Today string
}

// Tracker applies daily completions.
type Tracker struct {
	store store.DataStore
	now   func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the reference clock.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker creates a Tracker over st.
func NewTracker(st store.DataStore, opts ...Option) *Tracker {
	t := &Tracker{store: st, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Today returns the user's local calendar date.
func (t *Tracker) Today(userID string) (string, error) {
	offset, _, err := t.store.GetUserTimezone(userID)
	if err != nil {
		return "", fmt.Errorf("load timezone for %s: %w", userID, err)
	}
	return deadline.LocalDate(t.now(), offset), nil
}

// MarkDone records today's completion. A second call on the same local day is
// a no-op. The streak grows when the previous completion was yesterday and
// restarts at 1 otherwise.
func (t *Tracker) MarkDone(userID string, questID int64) (Result, error) {
	q, today, err := t.load(userID, questID)
	if err != nil || q == nil {
		return Result{Status: StatusSkipped, Today: today}, err
	}
	if q.LastDoneLocalDate == today {
		slog.Debug("Tracker.MarkDone: already marked", "userID", userID, "questID", questID, "today", today)
		return Result{Status: StatusAlreadyMarked, Quest: q, Today: today}, nil
	}

	yesterday, err := deadline.PreviousDate(today)
	if err != nil {
		return Result{}, err
	}
	streak := 1
	if q.LastDoneLocalDate == yesterday {
		streak = q.Streak + 1
	}

	updated, err := t.store.MarkDailyDone(userID, questID, streak, today)
	if errors.Is(err, models.ErrQuestNotFound) {
		slog.Debug("Tracker.MarkDone: quest deleted concurrently", "userID", userID, "questID", questID)
		return Result{Status: StatusSkipped, Today: today}, nil
	}
	if err != nil {
		slog.Error("Tracker.MarkDone: store failed", "error", err, "userID", userID, "questID", questID)
		return Result{}, fmt.Errorf("mark daily done: %w", err)
	}
	slog.Info("Tracker.MarkDone: marked", "userID", userID, "questID", questID, "today", today, "streak", streak)
	return Result{Status: StatusMarked, Quest: updated, Today: today}, nil
}

// Undo removes today's completion and decrements the streak (never below 0).
// It fails with models.ErrNotMarkedToday unless the quest was marked today.
func (t *Tracker) Undo(userID string, questID int64) (Result, error) {
	q, today, err := t.load(userID, questID)
	if err != nil || q == nil {
		return Result{Status: StatusSkipped, Today: today}, err
	}
	if q.LastDoneLocalDate != today {
		return Result{Quest: q, Today: today}, models.ErrNotMarkedToday
	}

	updated, err := t.store.UndoDailyDone(userID, questID, max(0, q.Streak-1))
	if errors.Is(err, models.ErrQuestNotFound) {
		return Result{Status: StatusSkipped, Today: today}, nil
	}
	if err != nil {
		slog.Error("Tracker.Undo: store failed", "error", err, "userID", userID, "questID", questID)
		return Result{}, fmt.Errorf("undo daily done: %w", err)
	}
	slog.Info("Tracker.Undo: undone", "userID", userID, "questID", questID, "today", today, "streak", updated.Streak)
	return Result{Status: StatusUndone, Quest: updated, Today: today}, nil
}

// load returns the daily quest and the owner's date. A missing quest is (nil, today, nil).
func (t *Tracker) load(userID string, questID int64) (*models.Quest, string, error) {
	today, err := t.Today(userID)
	if err != nil {
		return nil, "", err
	}
	q, err := t.store.GetQuest(userID, questID)
	if err != nil {
		return nil, today, fmt.Errorf("load quest %d: %w", questID, err)
	}
	if q == nil {
		return nil, today, nil
	}
	if !q.IsDaily {
		return nil, today, models.ErrNotDaily
	}
	return q, today, nil
}
