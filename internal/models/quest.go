package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// QuestType identifies how a quest measures progress.
type QuestType string

const (
	// QuestTypePhysical counts repetitions (reps × sets).
	QuestTypePhysical QuestType = "physical"
	// QuestTypeIntellectual counts pages of a book.
	QuestTypeIntellectual QuestType = "intellectual"
	// QuestTypeMental counts meditation minutes.
	QuestTypeMental QuestType = "mental"
	// QuestTypeCustom is percent based (target 100) or one-shot (target 0).
	QuestTypeCustom QuestType = "custom"
)

// Limits shared by the dialog layer and the stores.
const (
	MaxTitleLength   = 500
	MaxCommentLength = 500
	// PercentTarget is the target of a custom quest that tracks progress.
	PercentTarget = 100
	// DefaultMeditationTitle is used for mental quests, which skip the title step.
	DefaultMeditationTitle = "Meditation"
)

// ParseQuestType accepts the canonical name, a 1-based menu index or a Russian label.
func ParseQuestType(s string) (QuestType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "physical", "1", "физический", "физические":
		return QuestTypePhysical, true
	case "intellectual", "2", "интеллектуальный", "интеллектуальные":
		return QuestTypeIntellectual, true
	case "mental", "3", "ментальный", "ментальные":
		return QuestTypeMental, true
	case "custom", "4", "произвольный", "произвольные":
		return QuestTypeCustom, true
	}
	return "", false
}

// IsValid reports whether t is one of the known quest types.
func (t QuestType) IsValid() bool {
	switch t {
	case QuestTypePhysical, QuestTypeIntellectual, QuestTypeMental, QuestTypeCustom:
		return true
	}
	return false
}

// Emoji returns the marker used in quest lists.
func (t QuestType) Emoji() string {
	switch t {
	case QuestTypePhysical:
		return "💪"
	case QuestTypeIntellectual:
		return "📚"
	case QuestTypeMental:
		return "🧠"
	default:
		return "🎯"
	}
}

// WeekdaySet is a bitmask of time.Weekday values. The zero value means every day.
type WeekdaySet uint8

// NewWeekdaySet builds a set from the given days.
func NewWeekdaySet(days ...time.Weekday) WeekdaySet {
	var w WeekdaySet
	for _, d := range days {
		w |= 1 << uint(d)
	}
	return w
}

// IsEveryDay reports whether the set places no restriction on the weekday.
func (w WeekdaySet) IsEveryDay() bool {
	return w == 0 || w == 0x7f
}

// Contains reports whether a quest repeating on w is due on d.
func (w WeekdaySet) Contains(d time.Weekday) bool {
	if w.IsEveryDay() {
		return true
	}
	return w&(1<<uint(d)) != 0
}

var weekdayNames = [7]string{"sun", "mon", "tue", "wed", "thu", "fri", "sat"}

// String renders the set Monday first, e.g. "mon,wed,fri" or "every day".
func (w WeekdaySet) String() string {
	if w.IsEveryDay() {
		return "every day"
	}
	var parts []string
	for i := 1; i <= 7; i++ {
		d := time.Weekday(i % 7)
		if w&(1<<uint(d)) != 0 {
			parts = append(parts, weekdayNames[d])
		}
	}
	return strings.Join(parts, ",")
}

var weekdayAliases = map[string]time.Weekday{
	"mon": time.Monday, "monday": time.Monday, "пн": time.Monday, "1": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday, "вт": time.Tuesday, "2": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday, "ср": time.Wednesday, "3": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday, "чт": time.Thursday, "4": time.Thursday,
	"fri": time.Friday, "friday": time.Friday, "пт": time.Friday, "5": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday, "сб": time.Saturday, "6": time.Saturday,
	"sun": time.Sunday, "sunday": time.Sunday, "вс": time.Sunday, "7": time.Sunday,
}

// ParseWeekdaySet parses "every day" (or "каждый день", "daily", "*") as the
// empty set, otherwise a comma or space separated list of weekday names.
func ParseWeekdaySet(s string) (WeekdaySet, error) {
	t := strings.ToLower(strings.TrimSpace(s))
	switch t {
	case "every day", "everyday", "daily", "*", "каждый день", "ежедневно":
		return 0, nil
	case "":
		return 0, fmt.Errorf("%w: empty weekday list", ErrInvalidInput)
	}
	fields := strings.FieldsFunc(t, func(r rune) bool { return r == ',' || r == ' ' || r == ';' })
	var w WeekdaySet
	for _, f := range fields {
		d, ok := weekdayAliases[f]
		if !ok {
			return 0, fmt.Errorf("%w: unknown weekday %q", ErrInvalidInput, f)
		}
		w |= 1 << uint(d)
	}
	return w, nil
}

// Quest is a trackable task owned by one user.
type Quest struct {
	ID           int64     `json:"id"`
	OwnerID      string    `json:"owner_id"`
	Title        string    `json:"title"`
	Type         QuestType `json:"type"`
	TargetValue  int       `json:"target_value"`
	CurrentValue int       `json:"current_value"`
	Completed    bool      `json:"completed"`

	// Deadline is meaningful only when HasDate is true.
	Deadline time.Time `json:"deadline"`
	HasDate  bool      `json:"has_date"`
	HasTime  bool      `json:"has_time"`
	Comment  string    `json:"comment,omitempty"`

	IsDaily           bool       `json:"is_daily"`
	RepeatDays        WeekdaySet `json:"repeat_days"`
	Streak            int        `json:"streak"`
	LastDoneLocalDate string     `json:"last_done_local_date,omitempty"`
	DailyReminderTime string     `json:"daily_reminder_time,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsPercent reports whether progress is measured in percent.
func (q *Quest) IsPercent() bool {
	return q.Type == QuestTypeCustom
}

// HasProgressScale reports whether partial progress can be recorded.
func (q *Quest) HasProgressScale() bool {
	return q.TargetValue > 0
}

// ApplyProgress adds delta to the current value, capping at the target, and
// marks the quest completed once the target is reached.
func (q *Quest) ApplyProgress(delta int) error {
	if delta < 0 {
		return &ValidationError{Field: "progress", Reason: "value cannot be negative"}
	}
	if !q.HasProgressScale() {
		return ErrNoProgressScale
	}
	if q.IsPercent() && delta > PercentTarget {
		return &ValidationError{Field: "progress", Reason: "enter a value from 0 to 100"}
	}
	q.CurrentValue = min(q.CurrentValue+delta, q.TargetValue)
	if q.CurrentValue >= q.TargetValue {
		q.Completed = true
	}
	return nil
}

// SetProgress sets an absolute value, capped at the target.
func (q *Quest) SetProgress(value int) {
	q.CurrentValue = max(0, min(value, q.TargetValue))
	q.Completed = q.TargetValue > 0 && q.CurrentValue >= q.TargetValue
}

// Complete marks the quest done with current == target.
func (q *Quest) Complete() {
	q.CurrentValue = q.TargetValue
	q.Completed = true
}

// SetTarget changes the target while keeping current ≤ target.
func (q *Quest) SetTarget(target int) {
	q.TargetValue = target
	if q.CurrentValue > target {
		q.CurrentValue = target
	}
	q.Completed = target > 0 && q.CurrentValue >= target
}

// Percent returns completion in [0, 100].
func (q *Quest) Percent() int {
	if q.Completed {
		return 100
	}
	if q.TargetValue <= 0 {
		return 0
	}
	return q.CurrentValue * 100 / q.TargetValue
}

// ProgressText renders "12/60" or "40%".
func (q *Quest) ProgressText() string {
	if q.IsPercent() {
		return strconv.Itoa(q.CurrentValue) + "%"
	}
	return fmt.Sprintf("%d/%d", q.CurrentValue, q.TargetValue)
}

// QuestPatch carries the fields of a partial update. Nil fields are left unchanged.
type QuestPatch struct {
	Title        *string
	TargetValue  *int
	CurrentValue *int
	Completed    *bool
	Comment      *string

	// Deadline fields are applied together when SetDeadline is true.
	SetDeadline bool
	Deadline    time.Time
	HasDate     bool
	HasTime     bool

	Streak            *int
	LastDoneLocalDate *string
}

// Apply writes the patch onto q. It does not touch UpdatedAt.
func (p QuestPatch) Apply(q *Quest) {
	if p.Title != nil {
		q.Title = *p.Title
	}
	if p.TargetValue != nil {
		q.TargetValue = *p.TargetValue
	}
	if p.CurrentValue != nil {
		q.CurrentValue = *p.CurrentValue
	}
	if p.Completed != nil {
		q.Completed = *p.Completed
	}
	if p.Comment != nil {
		q.Comment = *p.Comment
	}
	if p.SetDeadline {
		q.HasDate = p.HasDate
		q.HasTime = p.HasDate && p.HasTime
		if p.HasDate {
			q.Deadline = p.Deadline.UTC()
		} else {
			q.Deadline = time.Time{}
		}
	}
	if p.Streak != nil {
		q.Streak = max(0, *p.Streak)
	}
	if p.LastDoneLocalDate != nil {
		q.LastDoneLocalDate = *p.LastDoneLocalDate
	}
}

// ProgressPatch captures the progress fields of q after ApplyProgress,
// SetProgress, SetTarget or Complete.
func ProgressPatch(q *Quest) QuestPatch {
	target, current, completed := q.TargetValue, q.CurrentValue, q.Completed
	return QuestPatch{TargetValue: &target, CurrentValue: &current, Completed: &completed}
}
