package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/QuestPipe/internal/deadline"
	"github.com/BTreeMap/QuestPipe/internal/habit"
	"github.com/BTreeMap/QuestPipe/internal/models"
	"github.com/BTreeMap/QuestPipe/internal/store"
)

const helpText = `QuestPipe commands:
/new - create a quest
/quests - list your quests
/quest <id> - show a quest
/progress - progress overview
/progress <id> <amount> - add progress
/complete <id> - mark a quest completed
/edit <id> title|target|deadline|comment - change one field
/delete <id> - delete a quest
/done <id>, /undo <id> - daily quest check-in
/meditate <id>, /stopmeditation <id> - meditation timer
/tz hh:mm - set your timezone from your current local time
/cancel - abort the current dialog`

// Bot dispatches parsed commands. Events of one user are handled one at a time:
// locks serializes the commands that bypass the dialog machine, such as
// /done and /progress <id> <n>, against that user's dialog input.
type Bot struct {
	store      store.DataStore
	machine    *Machine
	tracker    *habit.Tracker
	meditation *Meditation
	watcher    DeadlineWatcher
	norm       *deadline.Normalizer
	locks      keyedMutex
}

// BotOption configures a Bot.
type BotOption func(*Bot)

// WithMachine sets the dialog machine.
func WithMachine(m *Machine) BotOption {
	return func(b *Bot) {
		b.machine = m
	}
}

// WithHabitTracker sets the daily quest tracker.
func WithHabitTracker(t *habit.Tracker) BotOption {
	return func(b *Bot) {
		b.tracker = t
	}
}

// WithMeditation enables meditation timers.
func WithMeditation(m *Meditation) BotOption {
	return func(b *Bot) {
		b.meditation = m
	}
}

// WithWatcher registers the deadline notice tracker notified on deletes.
func WithWatcher(w DeadlineWatcher) BotOption {
	return func(b *Bot) {
		b.watcher = w
	}
}

// WithBotNormalizer sets the clock and deadline rules used outside the dialog.
func WithBotNormalizer(n *deadline.Normalizer) BotOption {
	return func(b *Bot) {
		b.norm = n
	}
}

// NewBot creates a Bot. Missing collaborators get defaults over st.
func NewBot(st store.DataStore, opts ...BotOption) *Bot {
	b := &Bot{store: st}
	for _, opt := range opts {
		opt(b)
	}
	if b.norm == nil {
		b.norm = deadline.NewNormalizer()
	}
	if b.machine == nil {
		b.machine = NewMachine(st, WithNormalizer(b.norm), WithDeadlineWatcher(b.watcher))
	}
	if b.tracker == nil {
		b.tracker = habit.NewTracker(st, habit.WithClock(b.norm.Now))
	}
	return b
}

// ActiveSessions returns the number of open dialogs.
func (b *Bot) ActiveSessions() int {
	return b.machine.Sessions().Count()
}

// Handle processes one inbound message or button token and returns the reply.
func (b *Bot) Handle(ctx context.Context, userID, text string) Reply {
	unlock := b.locks.lock(userID)
	defer unlock()

	cmd := ParseCommand(text)
	slog.Debug("Bot.Handle: dispatching", "userID", userID, "command", fmt.Sprintf("%T", cmd))

	switch c := cmd.(type) {
	case CmdStart:
		return b.start(userID)
	case CmdHelp:
		return Reply{Text: helpText}
	case CmdNewQuest:
		out, _ := b.machine.Start(ctx, userID, ModeCreate, 0)
		return out.Reply
	case CmdListQuests:
		return b.listQuests(userID)
	case CmdShowQuest:
		return b.showQuest(userID, c.ID)
	case CmdProgressOverview:
		quests, err := b.store.ListActiveQuests(userID)
		if err != nil {
			return b.storeFailure("list active quests", userID, err)
		}
		return Reply{Text: RenderProgressOverview(quests)}
	case CmdUpdateProgress:
		if c.Delta == "" {
			out, _ := b.machine.Start(ctx, userID, ModeProgress, c.ID)
			return out.Reply
		}
		return b.addProgress(userID, c.ID, c.Delta)
	case CmdComplete:
		return b.complete(userID, c.ID)
	case CmdDelete:
		return b.delete(userID, c.ID)
	case CmdEdit:
		out, _ := b.machine.Start(ctx, userID, c.Mode, c.ID)
		return out.Reply
	case CmdMarkDone:
		return b.markDone(userID, c.ID)
	case CmdUndoDone:
		return b.undoDone(userID, c.ID)
	case CmdMeditate:
		return b.meditate(userID, c.ID)
	case CmdStopMeditation:
		return b.stopMeditation(userID, c.ID)
	case CmdSkip:
		if !b.machine.Active(userID) {
			return textReply("Nothing to skip.")
		}
		out, _ := b.machine.Skip(ctx, userID)
		return out.Reply
	case CmdSetTimezone:
		return b.setTimezone(userID, c.Clock)
	case CmdCancel:
		return b.machine.Cancel(userID).Reply
	case CmdText:
		if !b.machine.Active(userID) {
			return textReply("Send /new to create a quest or /help for the list of commands.")
		}
		out, _ := b.machine.SubmitInput(ctx, userID, c.Text)
		return out.Reply
	case CmdUnknown:
		return textReply("Unknown command %s. Send /help for the list of commands.", c.Token)
	case CmdMalformed:
		return textReply("Usage: %s", c.Usage)
	}
	return textReply("Unknown command. Send /help for the list of commands.")
}

func (b *Bot) start(userID string) Reply {
	if _, err := b.store.UpsertUser(userID, ""); err != nil {
		return b.storeFailure("upsert user", userID, err)
	}
	text := "👋 Welcome to QuestPipe! Turn your goals into quests and track them here.\n\n" + helpText

	offset, asked, err := b.store.GetUserTimezone(userID)
	if err != nil {
		slog.Error("Bot.start: timezone lookup failed", "error", err, "userID", userID)
		return Reply{Text: text}
	}
	if offset == nil && !asked {
		if err := b.store.MarkTimezoneAsked(userID); err != nil {
			slog.Error("Bot.start: mark timezone asked failed", "error", err, "userID", userID)
		}
		text += "\n\n🕒 What time is it for you now? Send /tz hh:mm so deadlines and reminders use your local time."
	}
	return Reply{Text: text}
}

func (b *Bot) offset(userID string) *int {
	offset, _, err := b.store.GetUserTimezone(userID)
	if err != nil {
		slog.Error("Bot.offset: timezone lookup failed", "error", err, "userID", userID)
		return nil
	}
	return offset
}

func (b *Bot) listQuests(userID string) Reply {
	quests, err := b.store.ListQuests(userID)
	if err != nil {
		return b.storeFailure("list quests", userID, err)
	}
	return Reply{Text: RenderQuestList(quests, b.offset(userID))}
}

func (b *Bot) showQuest(userID string, id int64) Reply {
	q, err := b.store.GetQuest(userID, id)
	if err != nil {
		return b.storeFailure("get quest", userID, err)
	}
	if q == nil {
		return textReply("Quest #%d not found.", id)
	}
	r := Reply{Text: RenderQuest(q, b.offset(userID), b.norm.Now())}
	switch {
	case q.IsDaily:
		r.Buttons = append(r.Buttons, Button{Label: "Done today", Token: fmt.Sprintf("/done %d", id)})
	case !q.Completed && q.Type == models.QuestTypeMental:
		r.Buttons = append(r.Buttons, Button{Label: "Meditate", Token: fmt.Sprintf("/meditate %d", id)})
	case !q.Completed && q.HasProgressScale():
		r.Buttons = append(r.Buttons, Button{Label: "Add progress", Token: fmt.Sprintf("/progress %d", id)})
	}
	if !q.Completed && !q.IsDaily {
		r.Buttons = append(r.Buttons, Button{Label: "Complete", Token: fmt.Sprintf("/complete %d", id)})
	}
	r.Buttons = append(r.Buttons, Button{Label: "Delete", Token: fmt.Sprintf("/delete %d", id)})
	return r
}

func (b *Bot) addProgress(userID string, id int64, rawDelta string) Reply {
	delta, err := ParseDelta(rawDelta)
	if err != nil {
		return textReply("❌ %s", userMessage(err))
	}
	q, err := b.store.GetQuest(userID, id)
	if err != nil {
		return b.storeFailure("get quest", userID, err)
	}
	if q == nil {
		return textReply("Quest #%d not found.", id)
	}
	if q.Completed {
		return textReply("Quest #%d is already completed.", id)
	}
	if err := q.ApplyProgress(delta); err != nil {
		if errors.Is(err, models.ErrNoProgressScale) {
			return textReply("❌ %s Use /complete %d instead.", userMessage(err), id)
		}
		return textReply("❌ %s", userMessage(err))
	}
	updated, err := b.store.UpdateQuest(userID, id, models.ProgressPatch(q))
	if errors.Is(err, models.ErrQuestNotFound) {
		return textReply("Quest #%d not found.", id)
	}
	if err != nil {
		return b.storeFailure("update progress", userID, err)
	}
	text := fmt.Sprintf("Progress saved.\n\n%s", RenderQuest(updated, b.offset(userID), b.norm.Now()))
	if updated.Completed {
		text = "🎉 Quest completed!\n\n" + RenderQuest(updated, b.offset(userID), b.norm.Now())
	}
	return Reply{Text: text}
}

func (b *Bot) complete(userID string, id int64) Reply {
	q, err := b.store.GetQuest(userID, id)
	if err != nil {
		return b.storeFailure("get quest", userID, err)
	}
	if q == nil {
		return textReply("Quest #%d not found.", id)
	}
	if q.IsDaily {
		return textReply("Daily quests are checked in with /done %d.", id)
	}
	if q.Completed {
		return textReply("Quest #%d is already completed.", id)
	}
	q.Complete()
	if _, err := b.store.UpdateQuest(userID, id, models.ProgressPatch(q)); err != nil {
		if errors.Is(err, models.ErrQuestNotFound) {
			return textReply("Quest #%d not found.", id)
		}
		return b.storeFailure("complete quest", userID, err)
	}
	slog.Info("Bot.complete: quest completed", "userID", userID, "questID", id)
	return textReply("🎉 Quest #%d \"%s\" completed!", id, q.Title)
}

func (b *Bot) delete(userID string, id int64) Reply {
	ok, err := b.store.DeleteQuest(userID, id)
	if err != nil {
		return b.storeFailure("delete quest", userID, err)
	}
	if !ok {
		return textReply("Quest #%d not found.", id)
	}
	if b.watcher != nil {
		b.watcher.Forget(id)
	}
	slog.Info("Bot.delete: quest deleted", "userID", userID, "questID", id)
	return textReply("🗑 Quest #%d deleted.", id)
}

func (b *Bot) markDone(userID string, id int64) Reply {
	res, err := b.tracker.MarkDone(userID, id)
	if err != nil {
		if errors.Is(err, models.ErrNotDaily) {
			return textReply("❌ %s", userMessage(err))
		}
		return b.storeFailure("mark daily done", userID, err)
	}
	switch res.Status {
	case habit.StatusSkipped:
		return textReply("Quest #%d not found.", id)
	case habit.StatusAlreadyMarked:
		return textReply("Already done today. Streak: %d 🔥", res.Quest.Streak)
	}
	return textReply("✅ Done for %s! Streak: %d 🔥", res.Today, res.Quest.Streak)
}

func (b *Bot) undoDone(userID string, id int64) Reply {
	res, err := b.tracker.Undo(userID, id)
	if err != nil {
		if errors.Is(err, models.ErrNotDaily) || errors.Is(err, models.ErrNotMarkedToday) {
			return textReply("❌ %s", userMessage(err))
		}
		return b.storeFailure("undo daily done", userID, err)
	}
	if res.Status == habit.StatusSkipped {
		return textReply("Quest #%d not found.", id)
	}
	return textReply("↩️ Today's check-in removed. Streak: %d", res.Quest.Streak)
}

func (b *Bot) meditate(userID string, id int64) Reply {
	if b.meditation == nil {
		return textReply("Meditation timers are not available.")
	}
	q, runAt, err := b.meditation.Start(userID, id)
	switch {
	case errors.Is(err, ErrMeditationRunning):
		return textReply("A meditation is already running. It ends at %s.", deadline.LocalClock(runAt, b.offset(userID)))
	case errors.Is(err, models.ErrQuestNotFound):
		return textReply("Quest #%d not found.", id)
	case errors.Is(err, models.ErrInvalidInput):
		return textReply("❌ %s", userMessage(err))
	case err != nil:
		return b.storeFailure("start meditation", userID, err)
	}
	return Reply{
		Text:    fmt.Sprintf("🧘 Meditation started: %d min. I'll let you know at %s.", q.TargetValue, deadline.LocalClock(runAt, b.offset(userID))),
		Buttons: []Button{{Label: "Stop", Token: fmt.Sprintf("/stopmeditation %d", id)}},
	}
}

func (b *Bot) stopMeditation(userID string, id int64) Reply {
	if b.meditation == nil {
		return textReply("Meditation timers are not available.")
	}
	q, minutes, err := b.meditation.Stop(userID, id)
	switch {
	case errors.Is(err, ErrNoMeditation):
		return textReply("No meditation is running for quest #%d.", id)
	case errors.Is(err, models.ErrQuestNotFound):
		return textReply("Quest #%d not found.", id)
	case errors.Is(err, models.ErrInvalidInput):
		return textReply("❌ %s", userMessage(err))
	case err != nil:
		return b.storeFailure("stop meditation", userID, err)
	}
	return textReply("Meditation stopped after %d min. Progress: %s", minutes, q.ProgressText())
}

func (b *Bot) setTimezone(userID, clock string) Reply {
	offset, err := deadline.OffsetFromLocalClock(clock, b.norm.Now())
	if err != nil {
		return textReply("❌ %s Send /tz hh:mm with your current local time.", userMessage(err))
	}
	if err := b.store.SetUserTimezone(userID, offset); err != nil {
		return b.storeFailure("set timezone", userID, err)
	}
	slog.Info("Bot.setTimezone: offset stored", "userID", userID, "offsetMinutes", offset)
	return textReply("🕒 Timezone set to %s.", deadline.FormatOffset(offset))
}

func (b *Bot) storeFailure(op, userID string, err error) Reply {
	slog.Error("Bot: store failure", "op", op, "error", err, "userID", userID)
	return textReply("⚠️ Something went wrong. Please try again later.")
}
