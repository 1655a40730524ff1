package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/QuestPipe/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// backends returns every store available in this environment. Postgres is
// included only when DATABASE_URL points at a reachable server.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	out := map[string]Store{
		"memory": NewInMemoryStore(),
		"sqlite": newTestSQLiteStore(t),
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pg, err := NewPostgresStore(WithPostgresDSN(dsn))
		if err != nil {
			t.Logf("Postgres not available: %v", err)
		} else {
			pg.db.Exec("DELETE FROM quests")
			pg.db.Exec("DELETE FROM users")
			pg.db.Exec("DELETE FROM jobs")
			pg.db.Exec("DELETE FROM inbound_dedup")
			t.Cleanup(func() { pg.Close() })
			out["postgres"] = pg
		}
	}
	return out
}

func sampleQuest(owner string) models.Quest {
	return models.Quest{
		OwnerID:     owner,
		Title:       "Push-ups",
		Type:        models.QuestTypePhysical,
		TargetValue: 60,
	}
}

func TestQuestLifecycle(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			deadline := time.Date(2030, 12, 31, 15, 0, 0, 0, time.UTC)
			q := sampleQuest("alice")
			q.Deadline, q.HasDate, q.HasTime = deadline, true, true
			q.Comment = "before lunch"

			id, err := s.CreateQuest(q)
			if err != nil {
				t.Fatalf("CreateQuest failed: %v", err)
			}
			if id <= 0 {
				t.Fatalf("expected positive id, got %d", id)
			}

			got, err := s.GetQuest("alice", id)
			if err != nil || got == nil {
				t.Fatalf("GetQuest failed: %v %v", got, err)
			}
			if got.Title != "Push-ups" || got.TargetValue != 60 || got.Comment != "before lunch" {
				t.Errorf("unexpected quest: %+v", got)
			}
			if !got.HasDate || !got.HasTime || !got.Deadline.Equal(deadline) {
				t.Errorf("deadline not stored: %v %v %v", got.Deadline, got.HasDate, got.HasTime)
			}

			// Another owner cannot see it.
			other, err := s.GetQuest("bob", id)
			if err != nil || other != nil {
				t.Errorf("expected nil quest for other owner, got %v %v", other, err)
			}

			current := 30
			updated, err := s.UpdateQuest("alice", id, models.QuestPatch{CurrentValue: &current})
			if err != nil {
				t.Fatalf("UpdateQuest failed: %v", err)
			}
			if updated.CurrentValue != 30 {
				t.Errorf("expected current 30, got %d", updated.CurrentValue)
			}

			cleared, err := s.UpdateQuest("alice", id, models.QuestPatch{SetDeadline: true})
			if err != nil {
				t.Fatalf("clear deadline failed: %v", err)
			}
			if cleared.HasDate || cleared.HasTime {
				t.Errorf("expected deadline cleared, got %+v", cleared)
			}

			ok, err := s.DeleteQuest("alice", id)
			if err != nil || !ok {
				t.Fatalf("DeleteQuest failed: %v %v", ok, err)
			}
			ok, err = s.DeleteQuest("alice", id)
			if err != nil || ok {
				t.Errorf("second delete should report false, got %v %v", ok, err)
			}
			if _, err := s.UpdateQuest("alice", id, models.QuestPatch{CurrentValue: &current}); !errors.Is(err, models.ErrQuestNotFound) {
				t.Errorf("expected ErrQuestNotFound, got %v", err)
			}
		})
	}
}

func TestQuestInvariantsEnforced(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			bad := sampleQuest("alice")
			bad.CurrentValue = 61
			if _, err := s.CreateQuest(bad); !errors.Is(err, models.ErrInvalidInput) {
				t.Errorf("expected invalid input for current > target, got %v", err)
			}

			noTitle := sampleQuest("alice")
			noTitle.Title = ""
			if _, err := s.CreateQuest(noTitle); !errors.Is(err, models.ErrInvalidInput) {
				t.Errorf("expected invalid input for empty title, got %v", err)
			}

			id, err := s.CreateQuest(sampleQuest("alice"))
			if err != nil {
				t.Fatalf("CreateQuest failed: %v", err)
			}
			over := 100
			if _, err := s.UpdateQuest("alice", id, models.QuestPatch{CurrentValue: &over}); !errors.Is(err, models.ErrInvalidInput) {
				t.Errorf("expected invalid input for current > target, got %v", err)
			}
			got, _ := s.GetQuest("alice", id)
			if got.CurrentValue != 0 {
				t.Errorf("rejected update must not persist, current=%d", got.CurrentValue)
			}
		})
	}
}

func TestListQueries(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			withDeadline := sampleQuest("alice")
			withDeadline.Deadline, withDeadline.HasDate = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), true
			id1, _ := s.CreateQuest(withDeadline)

			done := sampleQuest("alice")
			done.CurrentValue, done.Completed = 60, true
			done.Deadline, done.HasDate = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), true
			s.CreateQuest(done)

			daily := sampleQuest("bob")
			daily.IsDaily = true
			daily.RepeatDays = models.NewWeekdaySet(time.Monday, time.Friday)
			daily.DailyReminderTime = "08:30"
			id3, _ := s.CreateQuest(daily)

			all, err := s.ListQuests("alice")
			if err != nil || len(all) != 2 {
				t.Fatalf("ListQuests: %d %v", len(all), err)
			}
			active, err := s.ListActiveQuests("alice")
			if err != nil || len(active) != 1 || active[0].ID != id1 {
				t.Errorf("ListActiveQuests: %+v %v", active, err)
			}
			deadlines, err := s.ListQuestsWithDeadlines()
			if err != nil || len(deadlines) != 1 || deadlines[0].ID != id1 {
				t.Errorf("ListQuestsWithDeadlines: %+v %v", deadlines, err)
			}
			dailies, err := s.ListDailyQuests()
			if err != nil || len(dailies) != 1 || dailies[0].ID != id3 {
				t.Fatalf("ListDailyQuests: %+v %v", dailies, err)
			}
			if dailies[0].RepeatDays != daily.RepeatDays || dailies[0].DailyReminderTime != "08:30" {
				t.Errorf("daily fields not stored: %+v", dailies[0])
			}
		})
	}
}

func TestDailyDoneAndUndo(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			q := sampleQuest("alice")
			q.IsDaily = true
			id, _ := s.CreateQuest(q)

			got, err := s.MarkDailyDone("alice", id, 4, "2025-01-10")
			if err != nil {
				t.Fatalf("MarkDailyDone failed: %v", err)
			}
			if got.Streak != 4 || got.LastDoneLocalDate != "2025-01-10" {
				t.Errorf("unexpected daily state: %+v", got)
			}

			got, err = s.UndoDailyDone("alice", id, 3)
			if err != nil {
				t.Fatalf("UndoDailyDone failed: %v", err)
			}
			if got.Streak != 3 || got.LastDoneLocalDate != "" {
				t.Errorf("unexpected state after undo: %+v", got)
			}

			if _, err := s.MarkDailyDone("alice", id+100, 1, "2025-01-10"); !errors.Is(err, models.ErrQuestNotFound) {
				t.Errorf("expected ErrQuestNotFound, got %v", err)
			}
		})
	}
}

func TestUserTimezone(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			offset, asked, err := s.GetUserTimezone("alice")
			if err != nil || offset != nil || asked {
				t.Fatalf("unknown user should have no timezone: %v %v %v", offset, asked, err)
			}

			if _, err := s.UpsertUser("alice", "Alice"); err != nil {
				t.Fatalf("UpsertUser failed: %v", err)
			}
			if err := s.MarkTimezoneAsked("alice"); err != nil {
				t.Fatalf("MarkTimezoneAsked failed: %v", err)
			}
			offset, asked, _ = s.GetUserTimezone("alice")
			if offset != nil || !asked {
				t.Errorf("expected asked without offset, got %v %v", offset, asked)
			}

			if err := s.SetUserTimezone("alice", 180); err != nil {
				t.Fatalf("SetUserTimezone failed: %v", err)
			}
			offset, asked, _ = s.GetUserTimezone("alice")
			if offset == nil || *offset != 180 || !asked {
				t.Errorf("expected offset 180, got %v %v", offset, asked)
			}

			// An empty name keeps the stored one.
			u, err := s.UpsertUser("alice", "")
			if err != nil || u.Name != "Alice" {
				t.Errorf("expected name preserved, got %+v %v", u, err)
			}
		})
	}
}

func TestNewSelectsBackend(t *testing.T) {
	s, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Errorf("expected in-memory store without DSN, got %T", s)
	}

	s, err = New(WithDSN(filepath.Join(t.TempDir(), "q.db")))
	if err != nil {
		t.Fatalf("New sqlite failed: %v", err)
	}
	defer s.Close()
	if _, ok := s.(*SQLiteStore); !ok {
		t.Errorf("expected sqlite store for file DSN, got %T", s)
	}
}

func TestDetectDSNType(t *testing.T) {
	tests := map[string]string{
		"postgres://u:p@localhost/db":     DSNTypePostgres,
		"postgresql://localhost/db":       DSNTypePostgres,
		"host=localhost dbname=quests":    DSNTypePostgres,
		"/var/lib/questpipe/questpipe.db": DSNTypeSQLite,
		"file:test.db?cache=shared":       DSNTypeSQLite,
	}
	for dsn, want := range tests {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func TestQuestsSurviveRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "restart.db")

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 1) failed: %v", err)
	}
	id, err := s1.CreateQuest(sampleQuest("alice"))
	if err != nil {
		t.Fatalf("CreateQuest failed: %v", err)
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 2) failed: %v", err)
	}
	defer s2.Close()
	q, err := s2.GetQuest("alice", id)
	if err != nil || q == nil {
		t.Fatalf("quest lost after restart: %v %v", q, err)
	}
}
