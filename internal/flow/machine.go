package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/QuestPipe/internal/deadline"
	"github.com/BTreeMap/QuestPipe/internal/models"
	"github.com/BTreeMap/QuestPipe/internal/store"
)

// DeadlineWatcher is told when a quest's deadline notices must be re-armed.
type DeadlineWatcher interface {
	Forget(questID int64)
}

// Outcome is the result of one dialog event. Reply is always set, even when
// an error is returned alongside it.
type Outcome struct {
	Reply Reply
	// Quest is the committed record when the event finished the dialog.
	Quest *models.Quest
	// Ended reports that the session is gone (committed, cancelled or reset).
	Ended bool
}

// Machine drives the quest creation and edit dialogs.
type Machine struct {
	store    store.DataStore
	sessions *SessionStore
	norm     *deadline.Normalizer
	watcher  DeadlineWatcher
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithNormalizer sets the deadline normalizer (and through it the clock).
func WithNormalizer(n *deadline.Normalizer) MachineOption {
	return func(m *Machine) {
		m.norm = n
	}
}

// WithDeadlineWatcher registers the component that tracks deadline notices.
func WithDeadlineWatcher(w DeadlineWatcher) MachineOption {
	return func(m *Machine) {
		m.watcher = w
	}
}

// WithSessionStore shares a session store with other components.
func WithSessionStore(s *SessionStore) MachineOption {
	return func(m *Machine) {
		m.sessions = s
	}
}

// NewMachine creates a dialog machine over the given store.
func NewMachine(st store.DataStore, opts ...MachineOption) *Machine {
	m := &Machine{store: st}
	for _, opt := range opts {
		opt(m)
	}
	if m.sessions == nil {
		m.sessions = NewSessionStore()
	}
	if m.norm == nil {
		m.norm = deadline.NewNormalizer()
	}
	return m
}

// Sessions exposes the session store (health reporting, tests).
func (m *Machine) Sessions() *SessionStore {
	return m.sessions
}

// Start discards any prior session of the user and opens a new dialog.
// Edit and progress modes require an existing quest owned by the user.
func (m *Machine) Start(ctx context.Context, userID string, mode Mode, questID int64) (Outcome, error) {
	slot := m.sessions.acquire(userID)
	defer slot.release()

	if slot.session != nil {
		slog.Debug("Machine.Start: discarding previous session", "userID", userID, "sessionID", slot.session.ID, "step", slot.session.Step)
		slot.session = nil
	}

	if mode != ModeCreate {
		q, err := m.store.GetQuest(userID, questID)
		if err != nil {
			slog.Error("Machine.Start: quest lookup failed", "error", err, "userID", userID, "questID", questID)
			return Outcome{Reply: textReply("⚠️ Could not load the quest. Try again later."), Ended: true}, err
		}
		if q == nil {
			return Outcome{Reply: textReply("Quest #%d not found.", questID), Ended: true}, models.ErrQuestNotFound
		}
		if err := checkEditable(q, mode); err != nil {
			return Outcome{Reply: textReply("❌ %s", userMessage(err)), Ended: true}, err
		}
	}

	s := newSession(userID, mode, questID, m.norm.Now())
	slot.session = s
	slog.Debug("Machine.Start: session opened", "userID", userID, "sessionID", s.ID, "mode", mode, "questID", questID)
	return Outcome{Reply: prompt(s)}, nil
}

// checkEditable rejects edits that make no sense for the quest's kind.
func checkEditable(q *models.Quest, mode Mode) error {
	switch mode {
	case ModeEditTarget:
		if q.IsPercent() || !q.HasProgressScale() {
			return &models.ValidationError{Field: "target", Reason: "this quest has a fixed target"}
		}
	case ModeEditDeadline, ModeEditComment:
		if q.IsDaily {
			return &models.ValidationError{Field: "deadline", Reason: "daily quests have no deadline or comment"}
		}
	case ModeProgress:
		if !q.HasProgressScale() {
			return models.ErrNoProgressScale
		}
		if q.Completed {
			return &models.ValidationError{Field: "progress", Reason: "quest is already completed"}
		}
	}
	return nil
}

// Cancel discards the user's session.
func (m *Machine) Cancel(userID string) Outcome {
	slot := m.sessions.acquire(userID)
	defer slot.release()
	if slot.session == nil {
		return Outcome{Reply: textReply("Nothing to cancel."), Ended: true}
	}
	slog.Debug("Machine.Cancel: session discarded", "userID", userID, "sessionID", slot.session.ID)
	slot.session = nil
	return Outcome{Reply: textReply("Cancelled."), Ended: true}
}

// Active reports whether the user has a live session.
func (m *Machine) Active(userID string) bool {
	return m.sessions.Snapshot(userID) != nil
}

// Skip submits "no value" to the current step when the step is optional.
func (m *Machine) Skip(ctx context.Context, userID string) (Outcome, error) {
	return m.submit(ctx, userID, "", true)
}

// SubmitInput validates raw against the current step and advances the dialog.
// Invalid input re-prompts and leaves the session untouched.
func (m *Machine) SubmitInput(ctx context.Context, userID, raw string) (Outcome, error) {
	return m.submit(ctx, userID, raw, false)
}

func (m *Machine) submit(ctx context.Context, userID, raw string, skip bool) (Outcome, error) {
	slot := m.sessions.acquire(userID)
	defer slot.release()

	s := slot.session
	if s == nil {
		return Outcome{Reply: textReply("No dialog in progress. Send /new to create a quest."), Ended: true}, models.ErrNoSession
	}

	// Work on a copy so a rejected input leaves the session as it was.
	next := *s
	out, err := m.step(ctx, &next, raw, skip)

	switch {
	case errors.Is(err, models.ErrSessionCorrupted):
		slog.Error("Machine.submit: corrupted session reset", "userID", userID, "sessionID", s.ID, "step", s.Step)
		slot.session = nil
		out.Ended = true
	case out.Ended:
		slot.session = nil
	case err == nil:
		slot.session = &next
	}
	return out, err
}

// step applies one input to s. On a validation error s is discarded by the caller.
func (m *Machine) step(ctx context.Context, s *Session, raw string, skip bool) (Outcome, error) {
	if skip && !skippable(s.Step) {
		err := &models.ValidationError{Field: "answer", Reason: "this step cannot be skipped"}
		return Outcome{Reply: withError(err, prompt(s))}, err
	}

	switch s.Step {
	case StepSelectType:
		t, ok := models.ParseQuestType(raw)
		if !ok {
			err := &models.ValidationError{Field: "type", Reason: "choose 1-4"}
			return Outcome{Reply: withError(err, prompt(s))}, err
		}
		s.Pending.Type = t
		if t == models.QuestTypeMental {
			title := models.DefaultMeditationTitle
			s.Pending.Title = &title
			s.Step = StepEnterMinutes
		} else {
			s.Step = StepEnterTitle
		}

	case StepEnterTitle:
		if s.Pending.Type == "" {
			return corrupted(s)
		}
		title, err := ValidateText("title", raw, models.MaxTitleLength)
		if err != nil {
			return Outcome{Reply: withError(err, prompt(s))}, err
		}
		s.Pending.Title = &title
		switch s.Pending.Type {
		case models.QuestTypePhysical:
			s.Step = StepEnterReps
		case models.QuestTypeIntellectual:
			s.Step = StepEnterPages
		default:
			s.Step = StepEnterHasProgress
		}

	case StepEnterReps:
		n, err := ParsePositiveInt("reps", raw)
		if err != nil {
			return Outcome{Reply: withError(err, prompt(s))}, err
		}
		s.Pending.Reps = &n
		s.Step = StepEnterSets

	case StepEnterSets:
		if s.Pending.Reps == nil {
			return corrupted(s)
		}
		n, err := ParsePositiveInt("sets", raw)
		if err != nil {
			return Outcome{Reply: withError(err, prompt(s))}, err
		}
		target := *s.Pending.Reps * n
		s.Pending.Target = &target
		s.Step = StepSelectDaily

	case StepEnterPages, StepEnterMinutes:
		field := "pages"
		if s.Step == StepEnterMinutes {
			field = "minutes"
		}
		n, err := ParsePositiveInt(field, raw)
		if err != nil {
			return Outcome{Reply: withError(err, prompt(s))}, err
		}
		s.Pending.Target = &n
		s.Step = StepSelectDaily

	case StepEnterHasProgress:
		yes, err := ParseYesNo("has_progress", raw)
		if err != nil {
			return Outcome{Reply: withError(err, prompt(s))}, err
		}
		target := 0
		if yes {
			target = models.PercentTarget
		}
		s.Pending.Target = &target
		s.Step = StepSelectDaily

	case StepSelectDaily:
		if s.Pending.Target == nil || s.Pending.Title == nil {
			return corrupted(s)
		}
		yes, err := ParseYesNo("daily", raw)
		if err != nil {
			return Outcome{Reply: withError(err, prompt(s))}, err
		}
		s.Pending.IsDaily = &yes
		if yes {
			s.Step = StepSelectRepeatDays
		} else {
			s.Step = StepEnterDeadline
		}

	case StepSelectRepeatDays:
		days, err := models.ParseWeekdaySet(raw)
		if err != nil {
			return Outcome{Reply: withError(err, prompt(s))}, err
		}
		s.Pending.RepeatDays = &days
		s.Step = StepSelectReminderTime

	case StepSelectReminderTime:
		at := ""
		if !skip && !isSkipWord(raw) {
			norm, err := deadline.NormalizeClock(raw)
			if err != nil {
				return Outcome{Reply: withError(err, prompt(s))}, err
			}
			at = norm
		}
		s.Pending.ReminderTime = &at
		return m.commitCreate(ctx, s, "")

	case StepEnterDeadline:
		d := deadline.Deadline{}
		if !skip && !isSkipWord(raw) {
			parsed, err := m.parseDeadline(s.UserID, raw)
			if err != nil {
				return Outcome{Reply: withError(err, prompt(s))}, err
			}
			d = parsed
		}
		s.Pending.Deadline = &d
		s.Step = StepEnterComment

	case StepEnterComment:
		comment := ""
		if !skip && !isSkipWord(raw) {
			c, err := ValidateText("comment", raw, models.MaxCommentLength)
			if err != nil {
				return Outcome{Reply: withError(err, prompt(s))}, err
			}
			if !deadline.IsDateLike(c) {
				comment = c
			}
		}
		return m.commitCreate(ctx, s, comment)

	case StepEditTitle:
		title, err := ValidateText("title", raw, models.MaxTitleLength)
		if err != nil {
			return Outcome{Reply: withError(err, prompt(s))}, err
		}
		return m.commitEdit(ctx, s, models.QuestPatch{Title: &title}, "Title updated.")

	case StepEditTarget:
		n, err := ParsePositiveInt("target", raw)
		if err != nil {
			return Outcome{Reply: withError(err, prompt(s))}, err
		}
		return m.commitQuestChange(ctx, s, func(q *models.Quest) error {
			q.SetTarget(n)
			return nil
		}, "Target updated.")

	case StepEditDeadline:
		d := deadline.Deadline{}
		if !skip && !isSkipWord(raw) {
			parsed, err := m.parseDeadline(s.UserID, raw)
			if err != nil {
				return Outcome{Reply: withError(err, prompt(s))}, err
			}
			d = parsed
		}
		out, err := m.commitEdit(ctx, s, d.Patch(), "Deadline updated.")
		if err == nil && m.watcher != nil {
			m.watcher.Forget(s.QuestID)
		}
		return out, err

	case StepEditComment:
		comment := ""
		if !skip && !isSkipWord(raw) {
			c, err := ValidateText("comment", raw, models.MaxCommentLength)
			if err != nil {
				return Outcome{Reply: withError(err, prompt(s))}, err
			}
			if !deadline.IsDateLike(c) {
				comment = c
			}
		}
		return m.commitEdit(ctx, s, models.QuestPatch{Comment: &comment}, "Comment updated.")

	case StepEnterProgress:
		delta, err := ParseDelta(raw)
		if err != nil {
			return Outcome{Reply: withError(err, prompt(s))}, err
		}
		return m.commitQuestChange(ctx, s, func(q *models.Quest) error {
			return q.ApplyProgress(delta)
		}, "Progress saved.")
	}

	return corrupted(s)
}

func skippable(step Step) bool {
	switch step {
	case StepSelectReminderTime, StepEnterDeadline, StepEnterComment, StepEditDeadline, StepEditComment:
		return true
	}
	return false
}

func corrupted(s *Session) (Outcome, error) {
	err := fmt.Errorf("%w: step %s is missing earlier answers", models.ErrSessionCorrupted, s.Step)
	return Outcome{Reply: textReply("⚠️ The dialog got out of sync and was reset. Please start again with /new."), Ended: true}, err
}

func (m *Machine) parseDeadline(userID, raw string) (deadline.Deadline, error) {
	offset, _, err := m.store.GetUserTimezone(userID)
	if err != nil {
		// Fall back to the reference clock rather than failing the step.
		slog.Error("Machine.parseDeadline: timezone lookup failed", "error", err, "userID", userID)
		offset = nil
	}
	return m.norm.Parse(raw, offset)
}

// commitCreate writes the collected quest. Any store failure ends the dialog.
func (m *Machine) commitCreate(ctx context.Context, s *Session, comment string) (Outcome, error) {
	p := s.Pending
	if p.Type == "" || p.Title == nil || p.Target == nil || p.IsDaily == nil {
		return corrupted(s)
	}
	q := models.Quest{
		OwnerID:     s.UserID,
		Title:       *p.Title,
		Type:        p.Type,
		TargetValue: *p.Target,
		IsDaily:     *p.IsDaily,
	}
	if q.IsDaily {
		if p.RepeatDays == nil || p.ReminderTime == nil {
			return corrupted(s)
		}
		q.RepeatDays = *p.RepeatDays
		q.DailyReminderTime = *p.ReminderTime
	} else {
		if p.Deadline == nil {
			return corrupted(s)
		}
		q.Deadline, q.HasDate, q.HasTime = p.Deadline.At, p.Deadline.HasDate, p.Deadline.HasTime
		q.Comment = comment
	}

	id, err := m.store.CreateQuest(q)
	if err != nil {
		slog.Error("Machine.commitCreate: create failed", "error", err, "userID", s.UserID, "sessionID", s.ID)
		return Outcome{Reply: textReply("⚠️ Could not save the quest: %s. Start again with /new.", userMessage(err)), Ended: true}, fmt.Errorf("create quest: %w", err)
	}
	created, err := m.store.GetQuest(s.UserID, id)
	if err != nil || created == nil {
		slog.Error("Machine.commitCreate: reload failed", "error", err, "questID", id)
		q.ID = id
		created = &q
	}
	slog.Info("Machine.commitCreate: quest created", "userID", s.UserID, "questID", id, "type", q.Type, "daily", q.IsDaily)
	return Outcome{Reply: textReply("✅ Quest created!\n\n%s", m.describe(created)), Quest: created, Ended: true}, nil
}

// commitEdit applies a single-field patch. Store failures are reported in place,
// except a vanished quest, which ends the dialog.
func (m *Machine) commitEdit(ctx context.Context, s *Session, patch models.QuestPatch, done string) (Outcome, error) {
	q, err := m.store.UpdateQuest(s.UserID, s.QuestID, patch)
	return m.finishEdit(s, q, err, done)
}

// commitQuestChange reloads the quest, mutates it and stores the progress fields.
func (m *Machine) commitQuestChange(ctx context.Context, s *Session, change func(*models.Quest) error, done string) (Outcome, error) {
	q, err := m.store.GetQuest(s.UserID, s.QuestID)
	if err != nil {
		return m.finishEdit(s, nil, err, done)
	}
	if q == nil {
		return m.finishEdit(s, nil, models.ErrQuestNotFound, done)
	}
	if err := change(q); err != nil {
		if errors.Is(err, models.ErrNoProgressScale) {
			return Outcome{Reply: textReply("❌ %s Use /complete %d instead.", userMessage(err), q.ID), Ended: true}, err
		}
		return Outcome{Reply: withError(err, prompt(s))}, err
	}
	updated, err := m.store.UpdateQuest(s.UserID, s.QuestID, models.ProgressPatch(q))
	return m.finishEdit(s, updated, err, done)
}

func (m *Machine) finishEdit(s *Session, q *models.Quest, err error, done string) (Outcome, error) {
	switch {
	case err == nil:
		slog.Info("Machine.finishEdit: quest updated", "userID", s.UserID, "questID", s.QuestID, "mode", s.Mode)
		return Outcome{Reply: textReply("✅ %s\n\n%s", done, m.describe(q)), Quest: q, Ended: true}, nil
	case errors.Is(err, models.ErrQuestNotFound):
		slog.Debug("Machine.finishEdit: quest vanished", "userID", s.UserID, "questID", s.QuestID)
		return Outcome{Reply: textReply("Quest #%d no longer exists. The dialog was closed.", s.QuestID), Ended: true}, err
	case errors.Is(err, models.ErrInvalidInput):
		return Outcome{Reply: withError(err, prompt(s))}, err
	default:
		slog.Error("Machine.finishEdit: update failed", "error", err, "userID", s.UserID, "questID", s.QuestID)
		return Outcome{Reply: withError(errors.New("could not save, try again or /cancel"), prompt(s))}, fmt.Errorf("update quest: %w", err)
	}
}

func (m *Machine) describe(q *models.Quest) string {
	offset, _, _ := m.store.GetUserTimezone(q.OwnerID)
	return RenderQuest(q, offset, m.norm.Now())
}
