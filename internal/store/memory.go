package store

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/QuestPipe/internal/models"
	"github.com/BTreeMap/QuestPipe/internal/util"
)

// Compile-time check that InMemoryStore is a complete backend.
var _ Store = (*InMemoryStore)(nil)

// InMemoryStore is a process-local store used for tests and for running
// without a database. Nothing survives a restart.
type InMemoryStore struct {
	mu      sync.RWMutex
	users   map[string]models.User
	quests  map[int64]models.Quest
	nextID  int64
	jobs    map[string]Job
	inbound map[string]time.Time
}

// NewInMemoryStore creates a new empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:   make(map[string]models.User),
		quests:  make(map[int64]models.Quest),
		jobs:    make(map[string]Job),
		inbound: make(map[string]time.Time),
	}
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) UpsertUser(id, name string) (*models.User, error) {
	s.mu.Lock()
	u, ok := s.users[id]
	if !ok {
		u = models.User{ID: id, CreatedAt: now()}
	}
	if name != "" {
		u.Name = name
	}
	s.users[id] = u
	s.mu.Unlock()
	return copyUser(u), nil
}

func (s *InMemoryStore) GetUser(id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return copyUser(u), nil
}

func (s *InMemoryStore) GetUserTimezone(id string) (*int, bool, error) {
	u, _ := s.GetUser(id)
	if u == nil {
		return nil, false, nil
	}
	return u.TZOffsetMinutes, u.TZAsked, nil
}

func (s *InMemoryStore) SetUserTimezone(id string, offsetMinutes int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		u = models.User{ID: id, CreatedAt: now()}
	}
	v := offsetMinutes
	u.TZOffsetMinutes = &v
	u.TZAsked = true
	s.users[id] = u
	return nil
}

func (s *InMemoryStore) MarkTimezoneAsked(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		u = models.User{ID: id, CreatedAt: now()}
	}
	u.TZAsked = true
	s.users[id] = u
	return nil
}

func copyUser(u models.User) *models.User {
	if u.TZOffsetMinutes != nil {
		v := *u.TZOffsetMinutes
		u.TZOffsetMinutes = &v
	}
	return &u
}

func (s *InMemoryStore) CreateQuest(q models.Quest) (int64, error) {
	if err := validateNewQuest(&q); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	q.ID = s.nextID
	q.HasTime = q.HasDate && q.HasTime
	if q.HasDate {
		q.Deadline = q.Deadline.UTC().Truncate(time.Microsecond)
	} else {
		q.Deadline = time.Time{}
	}
	q.CreatedAt = now()
	q.UpdatedAt = q.CreatedAt
	s.quests[q.ID] = q
	slog.Debug("InMemoryStore CreateQuest succeeded", "questID", q.ID, "ownerID", q.OwnerID)
	return q.ID, nil
}

func (s *InMemoryStore) GetQuest(ownerID string, id int64) (*models.Quest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quests[id]
	if !ok || q.OwnerID != ownerID {
		return nil, nil
	}
	return &q, nil
}

func (s *InMemoryStore) UpdateQuest(ownerID string, id int64, patch models.QuestPatch) (*models.Quest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quests[id]
	if !ok || q.OwnerID != ownerID {
		return nil, models.ErrQuestNotFound
	}
	if err := applyPatch(&q, patch); err != nil {
		return nil, err
	}
	s.quests[id] = q
	return &q, nil
}

func (s *InMemoryStore) DeleteQuest(ownerID string, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quests[id]
	if !ok || q.OwnerID != ownerID {
		return false, nil
	}
	delete(s.quests, id)
	return true, nil
}

// filterQuests returns the quests matching keep, ordered by ID.
func (s *InMemoryStore) filterQuests(keep func(*models.Quest) bool) []models.Quest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Quest
	for _, q := range s.quests {
		if keep(&q) {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *InMemoryStore) ListQuests(ownerID string) ([]models.Quest, error) {
	return s.filterQuests(func(q *models.Quest) bool { return q.OwnerID == ownerID }), nil
}

func (s *InMemoryStore) ListActiveQuests(ownerID string) ([]models.Quest, error) {
	return s.filterQuests(func(q *models.Quest) bool { return q.OwnerID == ownerID && !q.Completed }), nil
}

func (s *InMemoryStore) ListQuestsWithDeadlines() ([]models.Quest, error) {
	return s.filterQuests(func(q *models.Quest) bool { return q.HasDate && !q.Completed }), nil
}

func (s *InMemoryStore) ListDailyQuests() ([]models.Quest, error) {
	return s.filterQuests(func(q *models.Quest) bool { return q.IsDaily }), nil
}

func (s *InMemoryStore) MarkDailyDone(ownerID string, id int64, streak int, localDate string) (*models.Quest, error) {
	return s.UpdateQuest(ownerID, id, dailyPatch(streak, localDate))
}

func (s *InMemoryStore) UndoDailyDone(ownerID string, id int64, streak int) (*models.Quest, error) {
	return s.UpdateQuest(ownerID, id, dailyPatch(streak, ""))
}

// --- JobRepo ---

func (s *InMemoryStore) EnqueueJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		if j := s.activeJobLocked(dedupeKey); j != nil {
			return j.ID, nil
		}
	}
	ts := now()
	j := Job{
		ID:          util.GenerateJobID(),
		Kind:        kind,
		RunAt:       runAt.UTC(),
		PayloadJSON: payloadJSON,
		Status:      JobStatusQueued,
		MaxAttempts: DefaultJobMaxAttempts,
		DedupeKey:   dedupeKey,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	s.jobs[j.ID] = j
	return j.ID, nil
}

func (s *InMemoryStore) ClaimDueJobs(at time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Job
	for _, j := range s.jobs {
		if j.Status == JobStatusQueued && !j.RunAt.After(at) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].RunAt.Before(due[k].RunAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		lockedAt := at.UTC()
		due[i].Status = JobStatusRunning
		due[i].LockedAt = &lockedAt
		due[i].UpdatedAt = lockedAt
		s.jobs[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *InMemoryStore) CompleteJob(id string) error {
	return s.updateJob(id, func(j *Job) {
		j.Status = JobStatusDone
		j.LockedAt = nil
	})
}

func (s *InMemoryStore) FailJob(id string, errMsg string, nextRunAt time.Time) error {
	return s.updateJob(id, func(j *Job) {
		j.Attempt++
		j.LastError = errMsg
		j.LockedAt = nil
		if j.Attempt >= j.MaxAttempts {
			j.Status = JobStatusFailed
			return
		}
		j.Status = JobStatusQueued
		j.RunAt = nextRunAt.UTC()
	})
}

func (s *InMemoryStore) CancelJob(id string) error {
	return s.updateJob(id, func(j *Job) {
		if j.Status == JobStatusQueued || j.Status == JobStatusRunning {
			j.Status = JobStatusCanceled
			j.LockedAt = nil
		}
	})
}

func (s *InMemoryStore) updateJob(id string, fn func(*Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	fn(&j)
	j.UpdatedAt = now()
	s.jobs[id] = j
	return nil
}

func (s *InMemoryStore) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.Status == JobStatusRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = JobStatusQueued
			j.LockedAt = nil
			j.UpdatedAt = now()
			s.jobs[id] = j
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetJob(id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return &j, nil
}

func (s *InMemoryStore) FindActiveJob(dedupeKey string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeJobLocked(dedupeKey), nil
}

func (s *InMemoryStore) activeJobLocked(dedupeKey string) *Job {
	var found *Job
	for _, j := range s.jobs {
		if j.DedupeKey != dedupeKey || j.IsTerminal() {
			continue
		}
		if found == nil || j.CreatedAt.After(found.CreatedAt) {
			jc := j
			found = &jc
		}
	}
	return found
}

// --- DedupRepo ---

func (s *InMemoryStore) RecordInbound(messageID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.inbound[messageID]; seen {
		return false, nil
	}
	s.inbound[messageID] = now()
	return true, nil
}

func (s *InMemoryStore) PurgeInboundBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, at := range s.inbound {
		if at.Before(cutoff) {
			delete(s.inbound, id)
			n++
		}
	}
	return n, nil
}
