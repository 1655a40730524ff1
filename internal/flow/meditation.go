package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/QuestPipe/internal/models"
	"github.com/BTreeMap/QuestPipe/internal/store"
)

// JobKindMeditationComplete fires when a meditation timer runs out.
const JobKindMeditationComplete = "meditation_complete"

// MessagingService is the outbound side of the chat transport.
type MessagingService interface {
	SendMessage(ctx context.Context, to, message string) error
}

// MeditationPayload is the JSON payload of meditation_complete jobs.
type MeditationPayload struct {
	UserID    string    `json:"user_id"`
	QuestID   int64     `json:"quest_id"`
	StartedAt time.Time `json:"started_at"`
}

// ErrMeditationRunning is returned when a timer for the quest already exists.
var ErrMeditationRunning = errors.New("meditation already running")

// ErrNoMeditation is returned when stopping a quest without a running timer.
var ErrNoMeditation = errors.New("no meditation running")

// Meditation runs durable timers for mental quests.
type Meditation struct {
	store store.DataStore
	jobs  store.JobRepo
	msg   MessagingService
	now   func() time.Time
}

// NewMeditation creates the timer service. msg may be nil in tests.
func NewMeditation(st store.DataStore, jobs store.JobRepo, msg MessagingService, now func() time.Time) *Meditation {
	if now == nil {
		now = time.Now
	}
	return &Meditation{store: st, jobs: jobs, msg: msg, now: now}
}

func meditationKey(userID string, questID int64) string {
	return fmt.Sprintf("meditation:%s:%d", userID, questID)
}

// Start enqueues the completion job at now + target minutes.
func (m *Meditation) Start(userID string, questID int64) (*models.Quest, time.Time, error) {
	q, err := m.mentalQuest(userID, questID)
	if err != nil {
		return nil, time.Time{}, err
	}
	if q.Completed {
		return q, time.Time{}, &models.ValidationError{Field: "quest", Reason: "already completed"}
	}
	key := meditationKey(userID, questID)
	active, err := m.jobs.FindActiveJob(key)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("check running meditation: %w", err)
	}
	if active != nil {
		return q, active.RunAt, ErrMeditationRunning
	}

	started := m.now().UTC()
	payload, err := json.Marshal(MeditationPayload{UserID: userID, QuestID: questID, StartedAt: started})
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("marshal meditation payload: %w", err)
	}
	runAt := started.Add(time.Duration(q.TargetValue) * time.Minute)
	if _, err := m.jobs.EnqueueJob(JobKindMeditationComplete, runAt, string(payload), key); err != nil {
		slog.Error("Meditation.Start: enqueue failed", "error", err, "userID", userID, "questID", questID)
		return nil, time.Time{}, fmt.Errorf("enqueue meditation: %w", err)
	}
	slog.Info("Meditation.Start: timer started", "userID", userID, "questID", questID, "runAt", runAt)
	return q, runAt, nil
}

// Stop cancels the timer and records the whole minutes elapsed, capped at the target.
func (m *Meditation) Stop(userID string, questID int64) (*models.Quest, int, error) {
	key := meditationKey(userID, questID)
	job, err := m.jobs.FindActiveJob(key)
	if err != nil {
		return nil, 0, fmt.Errorf("find meditation: %w", err)
	}
	if job == nil {
		return nil, 0, ErrNoMeditation
	}
	if err := m.jobs.CancelJob(job.ID); err != nil {
		return nil, 0, fmt.Errorf("cancel meditation: %w", err)
	}

	var p MeditationPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return nil, 0, fmt.Errorf("invalid meditation payload: %w", err)
	}
	q, err := m.mentalQuest(userID, questID)
	if err != nil {
		return nil, 0, err
	}
	elapsed := int(m.now().Sub(p.StartedAt) / time.Minute)
	q.SetProgress(min(elapsed, q.TargetValue))
	updated, err := m.store.UpdateQuest(userID, questID, models.ProgressPatch(q))
	if err != nil {
		return nil, 0, fmt.Errorf("save meditation progress: %w", err)
	}
	slog.Info("Meditation.Stop: timer stopped", "userID", userID, "questID", questID, "elapsedMinutes", elapsed)
	return updated, min(elapsed, q.TargetValue), nil
}

func (m *Meditation) mentalQuest(userID string, questID int64) (*models.Quest, error) {
	q, err := m.store.GetQuest(userID, questID)
	if err != nil {
		return nil, fmt.Errorf("load quest %d: %w", questID, err)
	}
	if q == nil {
		return nil, models.ErrQuestNotFound
	}
	if q.Type != models.QuestTypeMental {
		return nil, &models.ValidationError{Field: "quest", Reason: "only mental quests have a meditation timer"}
	}
	return q, nil
}

// RegisterJobHandlers registers the meditation handler with the runner.
func (m *Meditation) RegisterJobHandlers(runner *store.JobRunner) {
	runner.RegisterHandler(JobKindMeditationComplete, m.handleComplete)
}

func (m *Meditation) handleComplete(ctx context.Context, payload string) error {
	var p MeditationPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return fmt.Errorf("invalid meditation_complete payload: %w", err)
	}
	slog.Info("JobHandler.meditation_complete: executing", "userID", p.UserID, "questID", p.QuestID)

	q, err := m.store.GetQuest(p.UserID, p.QuestID)
	if err != nil {
		return fmt.Errorf("load quest: %w", err)
	}
	if q == nil {
		slog.Info("JobHandler.meditation_complete: quest deleted, skipping", "questID", p.QuestID)
		return nil
	}
	if !q.Completed {
		q.Complete()
		if _, err := m.store.UpdateQuest(p.UserID, p.QuestID, models.ProgressPatch(q)); err != nil {
			if errors.Is(err, models.ErrQuestNotFound) {
				return nil
			}
			return fmt.Errorf("complete quest: %w", err)
		}
	}

	if m.msg == nil {
		return nil
	}
	text := fmt.Sprintf("🧘 Meditation finished: %s (%d min). Quest #%d completed!", q.Title, q.TargetValue, q.ID)
	if err := m.msg.SendMessage(ctx, p.UserID, text); err != nil {
		// Not retried: the quest is already complete.
		slog.Error("JobHandler.meditation_complete: notify failed", "error", err, "userID", p.UserID)
	}
	return nil
}
