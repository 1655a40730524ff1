// Package store provides storage backends for QuestPipe.
//
// DataStore is the quest/user contract consumed by the dialog engine, the
// reminder scheduler and the habit tracker. Every backend also provides the
// durable job queue (JobRepo) and inbound message dedup (DedupRepo).
package store

import (
	"log/slog"

	"github.com/BTreeMap/QuestPipe/internal/models"
)

// DataStore is the quest and user accessor interface.
//
// Reads of a missing record return (nil, nil). Mutations of a missing quest
// return models.ErrQuestNotFound. Every mutation is committed before it returns.
type DataStore interface {
	// UpsertUser creates the user or refreshes the display name.
	UpsertUser(id, name string) (*models.User, error)
	GetUser(id string) (*models.User, error)
	// GetUserTimezone returns the offset (nil when unknown) and whether the user was asked.
	GetUserTimezone(id string) (*int, bool, error)
	// SetUserTimezone stores the offset and marks the user as asked.
	SetUserTimezone(id string, offsetMinutes int) error
	MarkTimezoneAsked(id string) error

	CreateQuest(q models.Quest) (int64, error)
	GetQuest(ownerID string, id int64) (*models.Quest, error)
	UpdateQuest(ownerID string, id int64, patch models.QuestPatch) (*models.Quest, error)
	DeleteQuest(ownerID string, id int64) (bool, error)
	// ListQuests returns every quest of the owner, oldest first.
	ListQuests(ownerID string) ([]models.Quest, error)
	// ListActiveQuests returns the owner's quests that are not completed.
	ListActiveQuests(ownerID string) ([]models.Quest, error)
	// ListQuestsWithDeadlines returns all non-completed quests with a date, across users.
	ListQuestsWithDeadlines() ([]models.Quest, error)
	// ListDailyQuests returns all daily quests across users.
	ListDailyQuests() ([]models.Quest, error)

	// MarkDailyDone records a daily completion for localDate with the new streak.
	MarkDailyDone(ownerID string, id int64, streak int, localDate string) (*models.Quest, error)
	// UndoDailyDone clears the last completion date and stores the new streak.
	UndoDailyDone(ownerID string, id int64, streak int) (*models.Quest, error)
}

// Store is a complete backend.
type Store interface {
	DataStore
	JobRepo
	DedupRepo
	Close() error
}

// New opens the backend selected by the DSN: Postgres for postgres URLs and
// key/value DSNs, SQLite for file paths, and the in-memory store when no DSN is set.
func New(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Info("store.New: no DSN configured, using in-memory store")
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(cfg.DSN) == DSNTypePostgres {
		return NewPostgresStore(opts...)
	}
	return NewSQLiteStore(opts...)
}
