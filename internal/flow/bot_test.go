package flow

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/QuestPipe/internal/deadline"
	"github.com/BTreeMap/QuestPipe/internal/models"
	"github.com/BTreeMap/QuestPipe/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentMessage struct {
	To   string
	Body string
}

type mockMessenger struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (m *mockMessenger) SendMessage(ctx context.Context, to, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMessage{To: to, Body: message})
	return nil
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type botFixture struct {
	bot     *Bot
	store   *store.InMemoryStore
	clock   *testClock
	watcher *recordingWatcher
	msg     *mockMessenger
	runner  *store.JobRunner
}

func newBotFixture(t *testing.T) *botFixture {
	t.Helper()
	st := store.NewInMemoryStore()
	clock := &testClock{t: testNow}
	watcher := &recordingWatcher{}
	msg := &mockMessenger{}
	norm := deadline.NewNormalizer(deadline.WithClock(clock.Now))
	med := NewMeditation(st, st, msg, clock.Now)
	runner := store.NewJobRunner(st, time.Minute)
	med.RegisterJobHandlers(runner)
	bot := NewBot(st,
		WithBotNormalizer(norm),
		WithWatcher(watcher),
		WithMeditation(med),
		WithMachine(NewMachine(st, WithNormalizer(norm), WithDeadlineWatcher(watcher))),
	)
	return &botFixture{bot: bot, store: st, clock: clock, watcher: watcher, msg: msg, runner: runner}
}

func (f *botFixture) send(text string) Reply {
	return f.bot.Handle(context.Background(), "alice", text)
}

func (f *botFixture) createQuest(t *testing.T, q models.Quest) int64 {
	t.Helper()
	q.OwnerID = "alice"
	id, err := f.store.CreateQuest(q)
	require.NoError(t, err)
	return id
}

func TestBotStartAsksForTimezoneOnce(t *testing.T) {
	f := newBotFixture(t)

	r := f.send("/start")
	assert.Contains(t, r.Text, "/tz hh:mm")
	_, asked, err := f.store.GetUserTimezone("alice")
	require.NoError(t, err)
	assert.True(t, asked)

	r = f.send("/start")
	assert.NotContains(t, r.Text, "What time is it")

	r = f.send("/tz 15:00")
	assert.Contains(t, r.Text, "UTC+03:00")
	offset, _, _ := f.store.GetUserTimezone("alice")
	require.NotNil(t, offset)
	assert.Equal(t, 180, *offset)

	r = f.send("/tz 25:00")
	assert.Contains(t, r.Text, "❌")
}

func TestBotFullDialogAndProgress(t *testing.T) {
	f := newBotFixture(t)
	f.send("/tz 15:00")

	for _, in := range []string{"/new", "1", "Push-ups", "20", "3", "no", "31.12.25 18:00"} {
		f.send(in)
	}
	r := f.send("/skip")
	assert.Contains(t, r.Text, "Quest created")

	quests, err := f.store.ListQuests("alice")
	require.NoError(t, err)
	require.Len(t, quests, 1)
	id := quests[0].ID
	assert.Equal(t, time.Date(2025, 12, 31, 15, 0, 0, 0, time.UTC), quests[0].Deadline)

	r = f.send(fmt.Sprintf("/progress %d 25", id))
	assert.Contains(t, r.Text, "25/60")
	q, _ := f.store.GetQuest("alice", id)
	assert.Equal(t, 25, q.CurrentValue)
	assert.False(t, q.Completed)

	r = f.send(fmt.Sprintf("/progress %d 40", id))
	assert.Contains(t, r.Text, "completed")
	q, _ = f.store.GetQuest("alice", id)
	assert.Equal(t, 60, q.CurrentValue)
	assert.True(t, q.Completed)

	r = f.send(fmt.Sprintf("/progress %d -1", id))
	assert.Contains(t, r.Text, "❌")
}

func TestBotListShowAndOverview(t *testing.T) {
	f := newBotFixture(t)
	r := f.send("/quests")
	assert.Contains(t, r.Text, "no quests")

	id := f.createQuest(t, models.Quest{Title: "Dune", Type: models.QuestTypeIntellectual, TargetValue: 400, CurrentValue: 100})
	f.createQuest(t, models.Quest{Title: "Call mom", Type: models.QuestTypeCustom})

	r = f.send("/quests")
	assert.Contains(t, r.Text, "Dune")
	assert.Contains(t, r.Text, "Call mom")

	r = f.send(fmt.Sprintf("/quest %d", id))
	assert.Contains(t, r.Text, "100/400")
	assert.Contains(t, r.Text, "██░░░░░░░░")
	assert.Contains(t, r.Buttons, Button{Label: "Add progress", Token: fmt.Sprintf("/progress %d", id)})

	r = f.send("/progress")
	assert.Contains(t, r.Text, "Dune")
	assert.NotContains(t, r.Text, "Call mom")

	r = f.send("/quest 999")
	assert.Contains(t, r.Text, "not found")
}

func TestBotCompleteAndDelete(t *testing.T) {
	f := newBotFixture(t)
	id := f.createQuest(t, models.Quest{Title: "Call mom", Type: models.QuestTypeCustom})

	r := f.send(fmt.Sprintf("/progress %d 10", id))
	assert.Contains(t, r.Text, "/complete")

	r = f.send(fmt.Sprintf("/complete %d", id))
	assert.Contains(t, r.Text, "completed")
	q, _ := f.store.GetQuest("alice", id)
	assert.True(t, q.Completed)

	r = f.send(fmt.Sprintf("/delete %d", id))
	assert.Contains(t, r.Text, "deleted")
	assert.Equal(t, []int64{id}, f.watcher.forgotten)

	r = f.send(fmt.Sprintf("/delete %d", id))
	assert.Contains(t, r.Text, "not found")
}

func TestBotDailyCheckIn(t *testing.T) {
	f := newBotFixture(t)
	id := f.createQuest(t, models.Quest{Title: "Stretch", Type: models.QuestTypePhysical, TargetValue: 10, IsDaily: true})

	r := f.send(fmt.Sprintf("/done %d", id))
	assert.Contains(t, r.Text, "Streak: 1")
	r = f.send(fmt.Sprintf("/done %d", id))
	assert.Contains(t, r.Text, "Already done today")
	r = f.send(fmt.Sprintf("/undo %d", id))
	assert.Contains(t, r.Text, "Streak: 0")
	r = f.send(fmt.Sprintf("/undo %d", id))
	assert.Contains(t, r.Text, "not marked done today")

	other := f.createQuest(t, models.Quest{Title: "Dune", Type: models.QuestTypeIntellectual, TargetValue: 10})
	r = f.send(fmt.Sprintf("/done %d", other))
	assert.Contains(t, r.Text, "not a daily quest")
}

func TestBotEditCommandAndFreeText(t *testing.T) {
	f := newBotFixture(t)
	r := f.send("hello")
	assert.Contains(t, r.Text, "/new")

	id := f.createQuest(t, models.Quest{Title: "Run", Type: models.QuestTypePhysical, TargetValue: 5})
	f.send(fmt.Sprintf("/edit %d title", id))
	r = f.send("Jog")
	assert.Contains(t, r.Text, "Title updated")

	r = f.send("/fly")
	assert.Contains(t, r.Text, "Unknown command /fly")
	r = f.send("/skip")
	assert.Contains(t, r.Text, "Nothing to skip")
	r = f.send("/cancel")
	assert.Contains(t, r.Text, "Nothing to cancel")
}

func TestBotMeditation(t *testing.T) {
	f := newBotFixture(t)
	id := f.createQuest(t, models.Quest{Title: models.DefaultMeditationTitle, Type: models.QuestTypeMental, TargetValue: 10})

	r := f.send(fmt.Sprintf("/meditate %d", id))
	assert.Contains(t, r.Text, "Meditation started: 10 min")
	r = f.send(fmt.Sprintf("/meditate %d", id))
	assert.Contains(t, r.Text, "already running")

	f.clock.Advance(4*time.Minute + 30*time.Second)
	r = f.send(fmt.Sprintf("/stopmeditation %d", id))
	assert.Contains(t, r.Text, "after 4 min")
	q, _ := f.store.GetQuest("alice", id)
	assert.Equal(t, 4, q.CurrentValue)
	assert.False(t, q.Completed)

	r = f.send(fmt.Sprintf("/stopmeditation %d", id))
	assert.Contains(t, r.Text, "No meditation")
}

func TestMeditationJobCompletesQuest(t *testing.T) {
	f := newBotFixture(t)
	id := f.createQuest(t, models.Quest{Title: models.DefaultMeditationTitle, Type: models.QuestTypeMental, TargetValue: 10})

	f.send(fmt.Sprintf("/meditate %d", id))

	// The runner claims by wall clock; the job is due ten minutes after the
	// fixture clock, which is far in the past.
	f.runner.RunOnce(context.Background())

	q, _ := f.store.GetQuest("alice", id)
	assert.True(t, q.Completed)
	assert.Equal(t, 10, q.CurrentValue)
	require.Len(t, f.msg.sent, 1)
	assert.Equal(t, "alice", f.msg.sent[0].To)
	assert.Contains(t, f.msg.sent[0].Body, "Meditation finished")

	job, err := f.store.FindActiveJob(meditationKey("alice", id))
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestMeditationRejectsOtherTypes(t *testing.T) {
	f := newBotFixture(t)
	id := f.createQuest(t, models.Quest{Title: "Run", Type: models.QuestTypePhysical, TargetValue: 5})
	r := f.send(fmt.Sprintf("/meditate %d", id))
	assert.Contains(t, r.Text, "only mental quests")
}
