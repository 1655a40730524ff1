package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/BTreeMap/QuestPipe/internal/models"
)

// questColumns is the column order read by scanQuest.
const questColumns = `id, owner_id, title, quest_type, target_value, current_value, completed,
	deadline, has_date, has_time, comment, is_daily, repeat_days, streak,
	last_done_local_date, daily_reminder_time, created_at, updated_at`

const jobColumns = `id, kind, run_at, payload_json, status, attempt, max_attempts,
	last_error, locked_at, dedupe_key, created_at, updated_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nullableDeadline maps the two-flag model onto a nullable column.
func nullableDeadline(q *models.Quest) interface{} {
	if !q.HasDate {
		return nil
	}
	return q.Deadline.UTC()
}

func scanQuest(row rowScanner) (models.Quest, error) {
	var q models.Quest
	var questType string
	var deadline sql.NullTime
	var comment, lastDone, reminderTime sql.NullString
	var repeatDays int64
	err := row.Scan(
		&q.ID, &q.OwnerID, &q.Title, &questType, &q.TargetValue, &q.CurrentValue, &q.Completed,
		&deadline, &q.HasDate, &q.HasTime, &comment, &q.IsDaily, &repeatDays, &q.Streak,
		&lastDone, &reminderTime, &q.CreatedAt, &q.UpdatedAt,
	)
	if err != nil {
		return q, err
	}
	q.Type = models.QuestType(questType)
	q.RepeatDays = models.WeekdaySet(repeatDays)
	q.Comment = comment.String
	q.LastDoneLocalDate = lastDone.String
	q.DailyReminderTime = reminderTime.String
	if deadline.Valid && q.HasDate {
		q.Deadline = deadline.Time.UTC()
	} else {
		// A row without a deadline value never reports presence.
		q.HasDate, q.HasTime = false, false
	}
	return q, nil
}

func scanQuests(rows *sql.Rows) ([]models.Quest, error) {
	defer rows.Close()
	var quests []models.Quest
	for rows.Next() {
		q, err := scanQuest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan quest failed: %w", err)
		}
		quests = append(quests, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate quests failed: %w", err)
	}
	return quests, nil
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var payloadJSON, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Kind, &j.RunAt, &payloadJSON, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	j.PayloadJSON = payloadJSON.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	if lockedAt.Valid {
		t := lockedAt.Time
		j.LockedAt = &t
	}
	return j, nil
}

func scanJobs(rows *sql.Rows) ([]Job, error) {
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job failed: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs failed: %w", err)
	}
	return jobs, nil
}

// validateNewQuest checks the invariants a freshly created quest must hold.
func validateNewQuest(q *models.Quest) error {
	if q.OwnerID == "" {
		return &models.ValidationError{Field: "owner", Reason: "must not be empty"}
	}
	if !q.Type.IsValid() {
		return &models.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown quest type %q", q.Type)}
	}
	if q.Title == "" || len([]rune(q.Title)) > models.MaxTitleLength {
		return &models.ValidationError{Field: "title", Reason: "must be 1-500 characters"}
	}
	if q.TargetValue < 0 || q.CurrentValue < 0 || q.CurrentValue > q.TargetValue {
		return &models.ValidationError{Field: "progress", Reason: "requires 0 <= current <= target"}
	}
	if q.HasTime && !q.HasDate {
		return &models.ValidationError{Field: "deadline", Reason: "time without date"}
	}
	return nil
}

// now returns the current time in UTC with the precision every backend keeps.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func dailyPatch(streak int, lastDone string) models.QuestPatch {
	return models.QuestPatch{Streak: &streak, LastDoneLocalDate: &lastDone}
}

// applyPatch applies p to q and re-checks the stored invariants.
func applyPatch(q *models.Quest, p models.QuestPatch) error {
	p.Apply(q)
	if q.Title == "" || len([]rune(q.Title)) > models.MaxTitleLength {
		return &models.ValidationError{Field: "title", Reason: "must be 1-500 characters"}
	}
	if q.TargetValue < 0 || q.CurrentValue < 0 || q.CurrentValue > q.TargetValue {
		return &models.ValidationError{Field: "progress", Reason: "requires 0 <= current <= target"}
	}
	q.UpdatedAt = now()
	return nil
}
