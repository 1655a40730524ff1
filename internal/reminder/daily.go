package reminder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/QuestPipe/internal/deadline"
	"github.com/BTreeMap/QuestPipe/internal/models"
	"github.com/BTreeMap/QuestPipe/internal/store"
)

// DailyReminder nudges users about daily habits at their reminder time.
type DailyReminder struct {
	store    store.DataStore
	notifier Notifier

	mu   sync.Mutex
	sent map[int64]string // quest ID -> local date of the last reminder
}

// NewDailyReminder creates the daily habit reminder.
func NewDailyReminder(st store.DataStore, n Notifier) *DailyReminder {
	return &DailyReminder{store: st, notifier: n, sent: make(map[int64]string)}
}

// Check sends reminders for every daily quest due at now. It is meant to run once a minute.
func (r *DailyReminder) Check(ctx context.Context, now time.Time) error {
	quests, err := r.store.ListDailyQuests()
	if err != nil {
		return fmt.Errorf("list daily quests: %w", err)
	}
	offsets := make(map[string]*int)
	for i := range quests {
		if err := ctx.Err(); err != nil {
			return err
		}
		q := &quests[i]
		if q.Completed || q.DailyReminderTime == "" {
			continue
		}
		offset, ok := offsets[q.OwnerID]
		if !ok {
			offset, _, err = r.store.GetUserTimezone(q.OwnerID)
			if err != nil {
				slog.Warn("DailyReminder.Check: timezone lookup failed, using UTC", "user", q.OwnerID, "error", err)
				offset = nil
			}
			offsets[q.OwnerID] = offset
		}
		if !r.due(q, offset, now) {
			continue
		}
		today := deadline.LocalDate(now, offset)
		msg := fmt.Sprintf("🔔 Daily reminder: %s. Send /done %d when finished.", q.Title, q.ID)
		if err := r.notifier.SendMessage(ctx, q.OwnerID, msg); err != nil {
			slog.Warn("DailyReminder.Check: send failed", "questID", q.ID, "error", err)
			continue
		}
		r.mu.Lock()
		r.sent[q.ID] = today
		r.mu.Unlock()
		slog.Debug("DailyReminder.Check: reminder sent", "questID", q.ID, "user", q.OwnerID, "date", today)
	}
	return nil
}

func (r *DailyReminder) due(q *models.Quest, offset *int, now time.Time) bool {
	if deadline.LocalClock(now, offset) != q.DailyReminderTime {
		return false
	}
	if !q.RepeatDays.Contains(deadline.LocalWeekday(now, offset)) {
		return false
	}
	today := deadline.LocalDate(now, offset)
	if q.LastDoneLocalDate == today {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent[q.ID] != today
}
