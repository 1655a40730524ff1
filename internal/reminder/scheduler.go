// Package reminder sends the deadline and daily habit notices.
//
// The deadline scheduler scans every quest with a date once per interval and
// sends at most one "under an hour left" notice and one "overdue" notice per
// quest. The daily reminder fires at a habit's local reminder time.
package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/QuestPipe/internal/deadline"
	"github.com/BTreeMap/QuestPipe/internal/models"
	"github.com/BTreeMap/QuestPipe/internal/store"
)

// DefaultInterval is the scan period of the deadline scheduler.
const DefaultInterval = 60 * time.Second

// HourLeftWindow is the remaining time at which the first notice fires.
const HourLeftWindow = time.Hour

// Notifier delivers a text message to a user.
type Notifier interface {
	SendMessage(ctx context.Context, to, message string) error
}

// Scheduler periodically checks quest deadlines.
type Scheduler struct {
	store    store.DataStore
	notifier Notifier
	ledger   Ledger
	interval time.Duration
	now      func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLedger replaces the in-memory notice ledger.
func WithLedger(l Ledger) Option {
	return func(s *Scheduler) {
		s.ledger = l
	}
}

// WithInterval sets the scan period.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// NewScheduler creates a deadline scheduler.
func NewScheduler(st store.DataStore, n Notifier, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    st,
		notifier: n,
		ledger:   NewMemoryLedger(),
		interval: DefaultInterval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ledger returns the notice ledger in use.
func (s *Scheduler) Ledger() Ledger {
	return s.ledger
}

// Run scans immediately and then once per interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("ReminderScheduler.Run: started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.Scan(ctx); err != nil && ctx.Err() == nil {
			slog.Error("ReminderScheduler.Run: scan failed", "error", err)
		}
		select {
		case <-ctx.Done():
			slog.Info("ReminderScheduler.Run: stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Scan performs one pass over all quests with deadlines. A failed send is
// not recorded, so the notice is retried on the next pass.
func (s *Scheduler) Scan(ctx context.Context) error {
	quests, err := s.store.ListQuestsWithDeadlines()
	if err != nil {
		return fmt.Errorf("list quests with deadlines: %w", err)
	}
	now := s.now()
	offsets := make(map[string]*int)

	for i := range quests {
		if err := ctx.Err(); err != nil {
			return err
		}
		q := &quests[i]
		offset, ok := offsets[q.OwnerID]
		if !ok {
			offset, _, err = s.store.GetUserTimezone(q.OwnerID)
			if err != nil {
				slog.Warn("ReminderScheduler.Scan: timezone lookup failed, using UTC", "user", q.OwnerID, "error", err)
				offset = nil
			}
			offsets[q.OwnerID] = offset
		}
		s.check(ctx, q, offset, now)
	}
	return nil
}

// noticeKind reports which notice, if any, q is due for at now.
func noticeKind(q *models.Quest, offset *int, now time.Time) (Kind, bool) {
	d := deadline.FromQuest(q)
	if q.Completed || !d.HasDate {
		return "", false
	}
	remaining := deadline.Effective(d, offset).Sub(now)
	switch {
	case remaining < 0:
		return KindOverdue, true
	case remaining <= HourLeftWindow && remaining > 0:
		return KindHourLeft, true
	}
	return "", false
}

func (s *Scheduler) wasSent(ctx context.Context, id int64, kind Kind) bool {
	sent, err := s.ledger.WasSent(ctx, id, kind)
	if err != nil {
		slog.Error("ReminderScheduler.check: ledger read failed", "questID", id, "kind", kind, "error", err)
		return true
	}
	return sent
}

func (s *Scheduler) check(ctx context.Context, q *models.Quest, offset *int, now time.Time) {
	kind, due := noticeKind(q, offset, now)
	if !due || s.wasSent(ctx, q.ID, kind) {
		return
	}

	// The listing is a snapshot: the quest may since have been deleted,
	// completed or given a new deadline (which also cleared the ledger).
	current, err := s.store.GetQuest(q.OwnerID, q.ID)
	if err != nil {
		slog.Error("ReminderScheduler.check: reload failed", "questID", q.ID, "error", err)
		return
	}
	if current == nil {
		slog.Debug("ReminderScheduler.check: quest gone, skipping", "questID", q.ID)
		return
	}
	currentKind, due := noticeKind(current, offset, now)
	if !due {
		slog.Debug("ReminderScheduler.check: quest no longer due, skipping", "questID", q.ID)
		return
	}
	if currentKind != kind && s.wasSent(ctx, q.ID, currentKind) {
		return
	}
	kind = currentKind

	msg := NoticeText(kind, current, offset)
	if err := s.notifier.SendMessage(ctx, q.OwnerID, msg); err != nil {
		slog.Warn("ReminderScheduler.check: send failed, will retry", "questID", q.ID, "kind", kind, "error", err)
		return
	}
	if err := s.ledger.MarkSent(ctx, q.ID, kind); err != nil {
		slog.Error("ReminderScheduler.check: ledger write failed", "questID", q.ID, "kind", kind, "error", err)
		return
	}
	slog.Info("ReminderScheduler.check: notice sent", "questID", q.ID, "user", q.OwnerID, "kind", kind)
}

// Forget re-arms both notices for a quest whose deadline changed or which was deleted.
func (s *Scheduler) Forget(questID int64) {
	if err := s.ledger.Forget(context.Background(), questID); err != nil {
		slog.Error("ReminderScheduler.Forget: ledger delete failed", "questID", questID, "error", err)
	}
}

// NoticeText renders a deadline notice.
func NoticeText(kind Kind, q *models.Quest, offset *int) string {
	shown := deadline.Display(deadline.FromQuest(q), offset)
	if kind == KindOverdue {
		return fmt.Sprintf("⚠️ Deadline passed: %s (deadline %s)", q.Title, shown)
	}
	return fmt.Sprintf("⏰ Less than an hour left: %s (deadline %s)", q.Title, shown)
}
