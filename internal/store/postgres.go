package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/QuestPipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore is a complete backend.
var _ Store = (*PostgresStore)(nil)

// PostgresStore stores quests in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Close closes the Postgres connection pool.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}

func (s *PostgresStore) UpsertUser(id, name string) (*models.User, error) {
	_, err := s.db.Exec(
		`INSERT INTO users (id, name, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE users.name END`,
		id, name, now(),
	)
	if err != nil {
		slog.Error("PostgresStore UpsertUser failed", "error", err, "userID", id)
		return nil, fmt.Errorf("failed to upsert user %s: %w", id, err)
	}
	return s.GetUser(id)
}

func (s *PostgresStore) GetUser(id string) (*models.User, error) {
	var u models.User
	var offset sql.NullInt64
	err := s.db.QueryRow(
		`SELECT id, name, tz_offset_minutes, tz_asked, created_at FROM users WHERE id = $1`, id,
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

func (s *PostgresStore) GetUserTimezone(id string) (*int, bool, error) {
	u, err := s.GetUser(id)
	if err != nil || u == nil {
		return nil, false, err
	}
	return u.TZOffsetMinutes, u.TZAsked, nil
}

func (s *PostgresStore) SetUserTimezone(id string, offsetMinutes int) error {
	_, err := s.db.Exec(
		`INSERT INTO users (id, name, tz_offset_minutes, tz_asked, created_at) VALUES ($1, '', $2, TRUE, $3)
		 ON CONFLICT (id) DO UPDATE SET tz_offset_minutes = EXCLUDED.tz_offset_minutes, tz_asked = TRUE`,
		id, offsetMinutes, now(),
	)
	if err != nil {
		slog.Error("PostgresStore SetUserTimezone failed", "error", err, "userID", id)
		return fmt.Errorf("failed to set timezone for %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) MarkTimezoneAsked(id string) error {
	_, err := s.db.Exec(
		`INSERT INTO users (id, name, tz_asked, created_at) VALUES ($1, '', TRUE, $2)
		 ON CONFLICT (id) DO UPDATE SET tz_asked = TRUE`,
		id, now(),
	)
	if err != nil {
		return fmt.Errorf("failed to mark timezone asked for %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) CreateQuest(q models.Quest) (int64, error) {
	if err := validateNewQuest(&q); err != nil {
		return 0, err
	}
	ts := now()
	var id int64
	err := s.db.QueryRow(
		`INSERT INTO quests (owner_id, title, quest_type, target_value, current_value, completed,
			deadline, has_date, has_time, comment, is_daily, repeat_days, streak,
			last_done_local_date, daily_reminder_time, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $16)
		 RETURNING id`,
		q.OwnerID, q.Title, string(q.Type), q.TargetValue, q.CurrentValue, q.Completed,
		nullableDeadline(&q), q.HasDate, q.HasDate && q.HasTime, nilIfEmpty(q.Comment), q.IsDaily,
		int(q.RepeatDays), q.Streak, nilIfEmpty(q.LastDoneLocalDate), nilIfEmpty(q.DailyReminderTime), ts,
	).Scan(&id)
	if err != nil {
		slog.Error("PostgresStore CreateQuest failed", "error", err, "ownerID", q.OwnerID)
		return 0, fmt.Errorf("failed to insert quest: %w", err)
	}
	slog.Debug("PostgresStore CreateQuest succeeded", "questID", id, "ownerID", q.OwnerID)
	return id, nil
}

func (s *PostgresStore) GetQuest(ownerID string, id int64) (*models.Quest, error) {
	q, err := scanQuest(s.db.QueryRow(`SELECT `+questColumns+` FROM quests WHERE id = $1 AND owner_id = $2`, id, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get quest %d: %w", id, err)
	}
	return &q, nil
}

func (s *PostgresStore) UpdateQuest(ownerID string, id int64, patch models.QuestPatch) (*models.Quest, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin quest update: %w", err)
	}
	defer tx.Rollback()

	q, err := scanQuest(tx.QueryRow(`SELECT `+questColumns+` FROM quests WHERE id = $1 AND owner_id = $2 FOR UPDATE`, id, ownerID))
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
		`UPDATE quests SET title = $1, target_value = $2, current_value = $3, completed = $4,
			deadline = $5, has_date = $6, has_time = $7, comment = $8, streak = $9,
			last_done_local_date = $10, updated_at = $11
		 WHERE id = $12 AND owner_id = $13`,
		q.Title, q.TargetValue, q.CurrentValue, q.Completed,
		nullableDeadline(&q), q.HasDate, q.HasTime, nilIfEmpty(q.Comment), q.Streak,
		nilIfEmpty(q.LastDoneLocalDate), q.UpdatedAt, id, ownerID,
	)
	if err != nil {
		slog.Error("PostgresStore UpdateQuest failed", "error", err, "questID", id)
		return nil, fmt.Errorf("failed to update quest %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit quest update: %w", err)
	}
	return &q, nil
}

func (s *PostgresStore) DeleteQuest(ownerID string, id int64) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM quests WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return false, fmt.Errorf("failed to delete quest %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) ListQuests(ownerID string) ([]models.Quest, error) {
	rows, err := s.db.Query(`SELECT `+questColumns+` FROM quests WHERE owner_id = $1 ORDER BY id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list quests: %w", err)
	}
	return scanQuests(rows)
}

func (s *PostgresStore) ListActiveQuests(ownerID string) ([]models.Quest, error) {
	rows, err := s.db.Query(`SELECT `+questColumns+` FROM quests WHERE owner_id = $1 AND NOT completed ORDER BY id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active quests: %w", err)
	}
	return scanQuests(rows)
}

func (s *PostgresStore) ListQuestsWithDeadlines() ([]models.Quest, error) {
	rows, err := s.db.Query(`SELECT ` + questColumns + ` FROM quests WHERE has_date AND deadline IS NOT NULL AND NOT completed ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list quests with deadlines: %w", err)
	}
	return scanQuests(rows)
}

func (s *PostgresStore) ListDailyQuests() ([]models.Quest, error) {
	rows, err := s.db.Query(`SELECT ` + questColumns + ` FROM quests WHERE is_daily ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list daily quests: %w", err)
	}
	return scanQuests(rows)
}

func (s *PostgresStore) MarkDailyDone(ownerID string, id int64, streak int, localDate string) (*models.Quest, error) {
	return s.UpdateQuest(ownerID, id, dailyPatch(streak, localDate))
}

func (s *PostgresStore) UndoDailyDone(ownerID string, id int64, streak int) (*models.Quest, error) {
	return s.UpdateQuest(ownerID, id, dailyPatch(streak, ""))
}
