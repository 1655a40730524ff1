package flow

import (
	"sync"
	"time"

	"github.com/BTreeMap/QuestPipe/internal/deadline"
	"github.com/BTreeMap/QuestPipe/internal/models"
	"github.com/BTreeMap/QuestPipe/internal/util"
)

// Step is the dialog position of a session.
type Step int

const (
	StepIdle Step = iota
	StepSelectType
	StepEnterTitle
	StepEnterReps
	StepEnterSets
	StepEnterPages
	StepEnterMinutes
	StepEnterHasProgress
	StepSelectDaily
	StepSelectRepeatDays
	StepSelectReminderTime
	StepEnterDeadline
	StepEnterComment
	StepEditTitle
	StepEditTarget
	StepEditDeadline
	StepEditComment
	StepEnterProgress
)

var stepNames = map[Step]string{
	StepIdle:               "idle",
	StepSelectType:         "select_type",
	StepEnterTitle:         "enter_title",
	StepEnterReps:          "enter_reps",
	StepEnterSets:          "enter_sets",
	StepEnterPages:         "enter_pages",
	StepEnterMinutes:       "enter_minutes",
	StepEnterHasProgress:   "enter_has_progress",
	StepSelectDaily:        "select_daily",
	StepSelectRepeatDays:   "select_repeat_days",
	StepSelectReminderTime: "select_reminder_time",
	StepEnterDeadline:      "enter_deadline",
	StepEnterComment:       "enter_comment",
	StepEditTitle:          "edit_title",
	StepEditTarget:         "edit_target",
	StepEditDeadline:       "edit_deadline",
	StepEditComment:        "edit_comment",
	StepEnterProgress:      "enter_progress",
}

func (s Step) String() string {
	if name, ok := stepNames[s]; ok {
		return name
	}
	return "unknown"
}

// Mode selects which dialog a session runs.
type Mode int

const (
	ModeCreate Mode = iota
	ModeEditTitle
	ModeEditTarget
	ModeEditDeadline
	ModeEditComment
	ModeProgress
)

// ParseEditField maps the field word of an edit command to its mode.
func ParseEditField(field string) (Mode, bool) {
	switch field {
	case "title", "название":
		return ModeEditTitle, true
	case "target", "цель":
		return ModeEditTarget, true
	case "deadline", "дедлайн":
		return ModeEditDeadline, true
	case "comment", "комментарий":
		return ModeEditComment, true
	}
	return 0, false
}

// entryStep is the first step of each mode. Create starts at type selection.
func (m Mode) entryStep() Step {
	switch m {
	case ModeEditTitle:
		return StepEditTitle
	case ModeEditTarget:
		return StepEditTarget
	case ModeEditDeadline:
		return StepEditDeadline
	case ModeEditComment:
		return StepEditComment
	case ModeProgress:
		return StepEnterProgress
	default:
		return StepSelectType
	}
}

// Pending holds the fields collected so far. A nil pointer means "not yet answered".
type Pending struct {
	Type         models.QuestType
	Title        *string
	Reps         *int
	Target       *int
	IsDaily      *bool
	RepeatDays   *models.WeekdaySet
	ReminderTime *string
	Deadline     *deadline.Deadline
}

// Session is one user's in-progress dialog. It is never persisted.
type Session struct {
	ID        string
	UserID    string
	Mode      Mode
	Step      Step
	QuestID   int64
	Pending   Pending
	StartedAt time.Time
}

func newSession(userID string, mode Mode, questID int64, now time.Time) *Session {
	return &Session{
		ID:        util.NewUUID(),
		UserID:    userID,
		Mode:      mode,
		Step:      mode.entryStep(),
		QuestID:   questID,
		StartedAt: now,
	}
}

// userSlot serializes every event of one user.
type userSlot struct {
	mu      sync.Mutex
	session *Session
}

// SessionStore keeps at most one live session per user.
type SessionStore struct {
	mu    sync.Mutex
	slots map[string]*userSlot
}

// NewSessionStore creates an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{slots: make(map[string]*userSlot)}
}

// acquire locks the user's slot. The caller must call release.
func (s *SessionStore) acquire(userID string) *userSlot {
	s.mu.Lock()
	slot, ok := s.slots[userID]
	if !ok {
		slot = &userSlot{}
		s.slots[userID] = slot
	}
	s.mu.Unlock()
	slot.mu.Lock()
	return slot
}

func (slot *userSlot) release() {
	slot.mu.Unlock()
}

// Snapshot returns a copy of the user's session, or nil.
func (s *SessionStore) Snapshot(userID string) *Session {
	slot := s.acquire(userID)
	defer slot.release()
	if slot.session == nil {
		return nil
	}
	cp := *slot.session
	return &cp
}

// Count returns the number of live sessions.
func (s *SessionStore) Count() int {
	s.mu.Lock()
	slots := make([]*userSlot, 0, len(s.slots))
	for _, slot := range s.slots {
		slots = append(slots, slot)
	}
	s.mu.Unlock()

	n := 0
	for _, slot := range slots {
		slot.mu.Lock()
		if slot.session != nil {
			n++
		}
		slot.mu.Unlock()
	}
	return n
}

// keyedMutex hands out one mutex per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}
