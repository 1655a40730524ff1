package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/BTreeMap/QuestPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore is a complete backend.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore is the default file-backed store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single connection serializes writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "path", dsn)

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

func (s *SQLiteStore) UpsertUser(id, name string) (*models.User, error) {
	_, err := s.db.Exec(
		`INSERT INTO users (id, name, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = CASE WHEN excluded.name != '' THEN excluded.name ELSE users.name END`,
		id, name, now(),
	)
	if err != nil {
		slog.Error("SQLiteStore UpsertUser failed", "error", err, "userID", id)
		return nil, fmt.Errorf("failed to upsert user %s: %w", id, err)
	}
	return s.GetUser(id)
}

func (s *SQLiteStore) GetUser(id string) (*models.User, error) {
	var u models.User
	var offset sql.NullInt64
	err := s.db.QueryRow(
		`SELECT id, name, tz_offset_minutes, tz_asked, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Name, &offset, &u.TZAsked, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", id, err)
	}
	if offset.Valid {
		v := int(offset.Int64)
		u.TZOffsetMinutes = &v
	}
	return &u, nil
}

func (s *SQLiteStore) GetUserTimezone(id string) (*int, bool, error) {
	u, err := s.GetUser(id)
	if err != nil || u == nil {
		return nil, false, err
	}
	return u.TZOffsetMinutes, u.TZAsked, nil
}

func (s *SQLiteStore) SetUserTimezone(id string, offsetMinutes int) error {
	_, err := s.db.Exec(
		`INSERT INTO users (id, name, tz_offset_minutes, tz_asked, created_at) VALUES (?, '', ?, 1, ?)
		 ON CONFLICT(id) DO UPDATE SET tz_offset_minutes = excluded.tz_offset_minutes, tz_asked = 1`,
		id, offsetMinutes, now(),
	)
	if err != nil {
		slog.Error("SQLiteStore SetUserTimezone failed", "error", err, "userID", id)
		return fmt.Errorf("failed to set timezone for %s: %w", id, err)
	}
	slog.Debug("SQLiteStore SetUserTimezone succeeded", "userID", id, "offsetMinutes", offsetMinutes)
	return nil
}

func (s *SQLiteStore) MarkTimezoneAsked(id string) error {
	_, err := s.db.Exec(
		`INSERT INTO users (id, name, tz_asked, created_at) VALUES (?, '', 1, ?)
		 ON CONFLICT(id) DO UPDATE SET tz_asked = 1`,
		id, now(),
	)
	if err != nil {
		return fmt.Errorf("failed to mark timezone asked for %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) CreateQuest(q models.Quest) (int64, error) {
	if err := validateNewQuest(&q); err != nil {
		return 0, err
	}
	ts := now()
	res, err := s.db.Exec(
		`INSERT INTO quests (owner_id, title, quest_type, target_value, current_value, completed,
			deadline, has_date, has_time, comment, is_daily, repeat_days, streak,
			last_done_local_date, daily_reminder_time, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.OwnerID, q.Title, string(q.Type), q.TargetValue, q.CurrentValue, q.Completed,
		nullableDeadline(&q), q.HasDate, q.HasDate && q.HasTime, nilIfEmpty(q.Comment), q.IsDaily,
		int(q.RepeatDays), q.Streak, nilIfEmpty(q.LastDoneLocalDate), nilIfEmpty(q.DailyReminderTime), ts, ts,
	)
	if err != nil {
		slog.Error("SQLiteStore CreateQuest failed", "error", err, "ownerID", q.OwnerID)
		return 0, fmt.Errorf("failed to insert quest: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read quest id: %w", err)
	}
	slog.Debug("SQLiteStore CreateQuest succeeded", "questID", id, "ownerID", q.OwnerID, "type", q.Type)
	return id, nil
}

func (s *SQLiteStore) GetQuest(ownerID string, id int64) (*models.Quest, error) {
	q, err := scanQuest(s.db.QueryRow(`SELECT `+questColumns+` FROM quests WHERE id = ? AND owner_id = ?`, id, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quest %d: %w", id, err)
	}
	return &q, nil
}

func (s *SQLiteStore) UpdateQuest(ownerID string, id int64, patch models.QuestPatch) (*models.Quest, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin quest update: %w", err)
	}
	defer tx.Rollback()

	q, err := scanQuest(tx.QueryRow(`SELECT `+questColumns+` FROM quests WHERE id = ? AND owner_id = ?`, id, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrQuestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load quest %d: %w", id, err)
	}
	if err := applyPatch(&q, patch); err != nil {
		return nil, err
	}

	_, err = tx.Exec(
		`UPDATE quests SET title = ?, target_value = ?, current_value = ?, completed = ?,
			deadline = ?, has_date = ?, has_time = ?, comment = ?, streak = ?,
			last_done_local_date = ?, updated_at = ?
		 WHERE id = ? AND owner_id = ?`,
		q.Title, q.TargetValue, q.CurrentValue, q.Completed,
		nullableDeadline(&q), q.HasDate, q.HasTime, nilIfEmpty(q.Comment), q.Streak,
		nilIfEmpty(q.LastDoneLocalDate), q.UpdatedAt, id, ownerID,
	)
	if err != nil {
		slog.Error("SQLiteStore UpdateQuest failed", "error", err, "questID", id)
		return nil, fmt.Errorf("failed to update quest %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit quest update: %w", err)
	}
	slog.Debug("SQLiteStore UpdateQuest succeeded", "questID", id, "ownerID", ownerID)
	return &q, nil
}

func (s *SQLiteStore) DeleteQuest(ownerID string, id int64) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM quests WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return false, fmt.Errorf("failed to delete quest %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	slog.Debug("SQLiteStore DeleteQuest", "questID", id, "deleted", n > 0)
	return n > 0, nil
}

func (s *SQLiteStore) ListQuests(ownerID string) ([]models.Quest, error) {
	rows, err := s.db.Query(`SELECT `+questColumns+` FROM quests WHERE owner_id = ? ORDER BY id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list quests: %w", err)
	}
	return scanQuests(rows)
}

func (s *SQLiteStore) ListActiveQuests(ownerID string) ([]models.Quest, error) {
	rows, err := s.db.Query(`SELECT `+questColumns+` FROM quests WHERE owner_id = ? AND completed = 0 ORDER BY id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active quests: %w", err)
	}
	return scanQuests(rows)
}

func (s *SQLiteStore) ListQuestsWithDeadlines() ([]models.Quest, error) {
	rows, err := s.db.Query(`SELECT ` + questColumns + ` FROM quests WHERE has_date = 1 AND deadline IS NOT NULL AND completed = 0 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list quests with deadlines: %w", err)
	}
	return scanQuests(rows)
}

func (s *SQLiteStore) ListDailyQuests() ([]models.Quest, error) {
	rows, err := s.db.Query(`SELECT ` + questColumns + ` FROM quests WHERE is_daily = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list daily quests: %w", err)
	}
	return scanQuests(rows)
}

func (s *SQLiteStore) MarkDailyDone(ownerID string, id int64, streak int, localDate string) (*models.Quest, error) {
	return s.UpdateQuest(ownerID, id, dailyPatch(streak, localDate))
}

func (s *SQLiteStore) UndoDailyDone(ownerID string, id int64, streak int) (*models.Quest, error) {
	return s.UpdateQuest(ownerID, id, dailyPatch(streak, ""))
}
