package flow

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/QuestPipe/internal/deadline"
	"github.com/BTreeMap/QuestPipe/internal/models"
)

const progressBarCells = 10

// prompt returns the question asked at the session's current step.
func prompt(s *Session) Reply {
	switch s.Step {
	case StepSelectType:
		return Reply{
			Text: "Choose the quest type:",
			Buttons: []Button{
				{Label: "💪 Physical", Token: "1"},
				{Label: "📚 Intellectual", Token: "2"},
				{Label: "🧠 Mental", Token: "3"},
				{Label: "🎯 Custom", Token: "4"},
				cancelButton,
			},
		}
	case StepEnterTitle:
		if s.Pending.Type == models.QuestTypeIntellectual {
			return Reply{Text: "Which book are you reading?", Buttons: []Button{cancelButton}}
		}
		return Reply{Text: "Enter the quest title:", Buttons: []Button{cancelButton}}
	case StepEnterReps:
		return Reply{Text: "How many repetitions per set?", Buttons: []Button{cancelButton}}
	case StepEnterSets:
		return Reply{Text: "How many sets?", Buttons: []Button{cancelButton}}
	case StepEnterPages:
		return Reply{Text: "How many pages?", Buttons: []Button{cancelButton}}
	case StepEnterMinutes:
		return Reply{Text: "How many minutes of meditation?", Buttons: []Button{cancelButton}}
	case StepEnterHasProgress:
		return Reply{Text: "Track progress in percent?", Buttons: []Button{{Label: "Yes", Token: "yes"}, {Label: "No", Token: "no"}, cancelButton}}
	case StepSelectDaily:
		return Reply{Text: "Is this a daily quest?", Buttons: []Button{{Label: "Yes", Token: "yes"}, {Label: "No", Token: "no"}, cancelButton}}
	case StepSelectRepeatDays:
		return Reply{
			Text:    "On which days? Send \"every day\" or a list such as \"mon, wed, fri\".",
			Buttons: []Button{{Label: "Every day", Token: "every day"}, cancelButton},
		}
	case StepSelectReminderTime:
		return Reply{Text: "Reminder time (hh:mm)?", Buttons: []Button{skipButton, cancelButton}}
	case StepEnterDeadline, StepEditDeadline:
		return Reply{Text: "Deadline (dd.mm.yy or dd.mm.yy hh:mm):", Buttons: []Button{{Label: "No deadline", Token: "/skip"}, cancelButton}}
	case StepEnterComment:
		return Reply{Text: "Add a comment:", Buttons: []Button{skipButton, cancelButton}}
	case StepEditTitle:
		return Reply{Text: "Enter the new title:", Buttons: []Button{cancelButton}}
	case StepEditTarget:
		return Reply{Text: "Enter the new target:", Buttons: []Button{cancelButton}}
	case StepEditComment:
		return Reply{Text: "Enter the new comment, or \"no\" to remove it:", Buttons: []Button{cancelButton}}
	case StepEnterProgress:
		return Reply{Text: "How much progress to add?", Buttons: []Button{cancelButton}}
	}
	return textReply("Send /new to create a quest.")
}

// userMessage turns an error into text fit for the chat.
func userMessage(err error) string {
	var ve *models.ValidationError
	switch {
	case errors.As(err, &ve):
		return fmt.Sprintf("Invalid %s: %s.", ve.Field, ve.Reason)
	case errors.Is(err, models.ErrDeadlineInPast):
		return "That deadline is already in the past."
	case errors.Is(err, models.ErrInvalidDeadline):
		return "Use the format dd.mm.yy or dd.mm.yy hh:mm."
	case errors.Is(err, models.ErrNoProgressScale):
		return "This quest has no progress scale."
	case errors.Is(err, models.ErrQuestNotFound):
		return "Quest not found."
	case errors.Is(err, models.ErrNotDaily):
		return "This is not a daily quest."
	case errors.Is(err, models.ErrNotMarkedToday):
		return "This quest is not marked done today."
	case errors.Is(err, models.ErrInvalidInput):
		return "Invalid input."
	}
	return err.Error()
}

// ProgressBar renders percent as ten cells.
func ProgressBar(percent int) string {
	percent = max(0, min(percent, 100))
	filled := percent * progressBarCells / 100
	return strings.Repeat("█", filled) + strings.Repeat("░", progressBarCells-filled)
}

// RenderQuest renders the detail view of one quest.
func RenderQuest(q *models.Quest, offset *int, now time.Time) string {
	var b strings.Builder
	status := "⏳"
	if q.Completed {
		status = "✅"
	}
	fmt.Fprintf(&b, "%s %s #%d %s\n", status, q.Type.Emoji(), q.ID, q.Title)
	if q.HasProgressScale() {
		fmt.Fprintf(&b, "Progress: %s %s (%d%%)\n", ProgressBar(q.Percent()), q.ProgressText(), q.Percent())
	}
	if q.IsDaily {
		fmt.Fprintf(&b, "Repeats: %s\n", q.RepeatDays)
		if q.DailyReminderTime != "" {
			fmt.Fprintf(&b, "Reminder: %s\n", q.DailyReminderTime)
		}
		mark := "not yet"
		if q.LastDoneLocalDate != "" && q.LastDoneLocalDate == deadline.LocalDate(now, offset) {
			mark = "done"
		}
		fmt.Fprintf(&b, "Streak: %d 🔥 (today: %s)\n", q.Streak, mark)
	} else {
		fmt.Fprintf(&b, "Deadline: %s\n", deadline.Display(deadline.FromQuest(q), offset))
		if q.Comment != "" {
			fmt.Fprintf(&b, "Comment: %s\n", q.Comment)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// RenderQuestList renders one line per quest.
func RenderQuestList(quests []models.Quest, offset *int) string {
	if len(quests) == 0 {
		return "You have no quests yet. Send /new to create one."
	}
	var b strings.Builder
	b.WriteString("Your quests:\n")
	for i := range quests {
		q := &quests[i]
		status := "⏳"
		if q.Completed {
			status = "✅"
		}
		fmt.Fprintf(&b, "\n%s %s #%d %s", status, q.Type.Emoji(), q.ID, q.Title)
		switch {
		case q.IsDaily:
			fmt.Fprintf(&b, " · daily, streak %d", q.Streak)
		case q.HasDate:
			fmt.Fprintf(&b, " · until %s", deadline.Display(deadline.FromQuest(q), offset))
		}
	}
	return b.String()
}

// RenderProgressOverview renders bars for every quest with a progress scale.
func RenderProgressOverview(quests []models.Quest) string {
	var b strings.Builder
	for i := range quests {
		q := &quests[i]
		if !q.HasProgressScale() {
			continue
		}
		if b.Len() == 0 {
			b.WriteString("Progress:\n")
		}
		fmt.Fprintf(&b, "\n#%d %s\n%s %d%% (%s)", q.ID, q.Title, ProgressBar(q.Percent()), q.Percent(), q.ProgressText())
	}
	if b.Len() == 0 {
		return "No active quests with progress to show."
	}
	return b.String()
}
