package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"careops/internal/automation"
	"careops/internal/config"
	"careops/internal/db"
	"careops/internal/domain"
	"careops/internal/engine"
	"careops/internal/migrate"
	"careops/internal/notify"
	"careops/internal/repo"
	"careops/internal/scheduler"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []notify.Message
	err  error
}

func (s *fakeSender) Send(_ context.Context, msg notify.Message) (notify.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return notify.Receipt{}, s.err
	}
	s.sent = append(s.sent, msg)
	return notify.Receipt{ProviderMessageID: "msg-1"}, nil
}

func (s *fakeSender) messages() []notify.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Message(nil), s.sent...)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	Ctx    context.Context
	Engine engine.Engine
	Jobs   *Jobs
	Worker *scheduler.Worker
	Sender *fakeSender
	Clock  *clock
	WS     domain.Workspace
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	clk := &clock{t: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, config.Default())
	eng.Now = clk.Now
	sender := &fakeSender{}
	j := New(eng, sender, zap.NewNop(), nil)
	j.FormsURL = "https://forms.example.com/b"
	w := scheduler.NewWorker(eng.TaskQueue(), scheduler.WorkerConfig{}, zap.NewNop(), nil)
	j.Register(w)

	ctx := context.Background()
	ws, err := eng.CreateWorkspace(ctx, engine.WorkspaceCreateOptions{Name: "Sunrise Clinic", ActorID: "tester"})
	require.NoError(t, err)
	return testEnv{Ctx: ctx, Engine: eng, Jobs: j, Worker: w, Sender: sender, Clock: clk, WS: ws}
}

func (env testEnv) drain(t *testing.T) {
	t.Helper()
	_, err := env.Worker.Drain(env.Ctx, 100)
	require.NoError(t, err)
}

func (env testEnv) contact(t *testing.T, email, phone, channel string) domain.Contact {
	t.Helper()
	c, err := env.Engine.CreateContact(env.Ctx, engine.ContactCreateOptions{WorkspaceID: env.WS.ID, FullName: "Ana Diaz", Email: email, Phone: phone, PreferredChannel: channel, ActorID: "tester"})
	require.NoError(t, err)
	return c
}

func (env testEnv) booking(t *testing.T, c domain.Contact, status string) domain.Booking {
	t.Helper()
	svc, err := env.Engine.CreateService(env.Ctx, engine.ServiceCreateOptions{
		WorkspaceID:     env.WS.ID,
		Name:            "Massage",
		DurationMinutes: 60,
		Location:        "Room 2",
		Availability:    domain.Availability{"tuesday": {"09:00-17:00"}},
		ActorID:         "tester",
	})
	require.NoError(t, err)
	b, err := env.Engine.CreateBooking(env.Ctx, engine.BookingCreateOptions{WorkspaceID: env.WS.ID, ServiceID: svc.ID, ContactID: c.ID, Date: "2024-01-02", Time: "10:00", Status: status, ActorID: "tester"})
	require.NoError(t, err)
	return b
}

func (env testEnv) schedule(t *testing.T, action string, args any) domain.Task {
	t.Helper()
	task, _, err := env.Engine.TaskQueue().Schedule(env.Ctx, action, args, time.Time{}, "")
	require.NoError(t, err)
	return task
}

func (env testEnv) task(t *testing.T, id string) domain.Task {
	t.Helper()
	task, err := env.Engine.Repo.GetTask(env.Ctx, id)
	require.NoError(t, err)
	return task
}

func TestRuleSendsWelcomeEmailOnContactCreated(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{
		WorkspaceID: env.WS.ID,
		Name:        "welcome",
		EventType:   "contact_created",
		ActionType:  "send_email",
		Config:      map[string]any{"template": "welcome_email"},
	})
	require.NoError(t, err)

	c := env.contact(t, "ana@example.com", "", "email")
	env.drain(t)

	sent := env.Sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, notify.ChannelEmail, sent[0].Channel)
	assert.Equal(t, "ana@example.com", sent[0].To)
	assert.Equal(t, "Welcome to Sunrise Clinic!", sent[0].Subject)
	assert.Contains(t, sent[0].Body, "Ana Diaz")

	msgs, err := env.Engine.Repo.ListMessages(env.Ctx, env.WS.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, c.ID, msgs[0].ContactID)
	assert.Equal(t, "sent", msgs[0].Status)

	rules, err := env.Engine.ListRules(env.Ctx, env.WS.ID, "contact_created")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, 1, rules[0].ExecutionCount)
}

func TestReminderAfterCancelIsSkipped(t *testing.T) {
	env := newTestEnv(t)
	c := env.contact(t, "ana@example.com", "", "email")
	b := env.booking(t, c, domain.BookingConfirmed)
	task := env.schedule(t, automation.TaskBookingReminder, automation.BookingArgs{WorkspaceID: env.WS.ID, BookingID: b.ID})
	_, err := env.Engine.UpdateBookingStatus(env.Ctx, env.WS.ID, b.ID, domain.BookingCancelled, "tester")
	require.NoError(t, err)

	env.drain(t)

	assert.Empty(t, env.Sender.messages())
	done := env.task(t, task.ID)
	assert.Equal(t, domain.TaskSkipped, done.Status)
	require.NotNil(t, done.ResultJSON)
	assert.Contains(t, *done.ResultJSON, "booking not confirmed")
}

func TestScheduledReminderSkipsBookingCancelledBeforeETA(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{
		WorkspaceID: env.WS.ID,
		Name:        "day before",
		EventType:   "booking_created",
		ActionType:  "schedule_reminder",
		Config:      map[string]any{"hours_before": 24},
	})
	require.NoError(t, err)
	c := env.contact(t, "ana@example.com", "", "email")
	b := env.booking(t, c, domain.BookingConfirmed)
	env.drain(t)

	reminders, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{Action: automation.TaskBookingReminder})
	require.NoError(t, err)
	require.Len(t, reminders, 1)
	reminder := reminders[0]
	// Booking starts 2024-01-02 10:00 UTC, so the reminder is due a day earlier.
	assert.Equal(t, "2024-01-01T10:00:00.000Z", reminder.NotBefore)
	assert.Equal(t, domain.TaskQueued, env.task(t, reminder.ID).Status)

	_, err = env.Engine.UpdateBookingStatus(env.Ctx, env.WS.ID, b.ID, domain.BookingCancelled, "tester")
	require.NoError(t, err)
	env.drain(t)
	assert.Equal(t, domain.TaskQueued, env.task(t, reminder.ID).Status, "reminder must not fire before its eta")

	env.Clock.Advance(3 * time.Hour)
	env.drain(t)

	done := env.task(t, reminder.ID)
	assert.Equal(t, domain.TaskSkipped, done.Status)
	require.NotNil(t, done.ResultJSON)
	assert.Contains(t, *done.ResultJSON, "booking not confirmed")
	assert.Empty(t, env.Sender.messages())
	got, err := env.Engine.Repo.GetBooking(env.Ctx, nil, env.WS.ID, b.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ReminderSentAt)
}

func TestStoredSMSMatchesSentText(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{
		WorkspaceID: env.WS.ID,
		Name:        "welcome sms",
		EventType:   "contact_created",
		ActionType:  "send_sms",
		Config:      map[string]any{"template": "welcome_sms"},
	})
	require.NoError(t, err)
	_, err = env.Engine.CreateContact(env.Ctx, engine.ContactCreateOptions{
		WorkspaceID:      env.WS.ID,
		FullName:         strings.Repeat("Ana ", 500),
		Phone:            "555-123-4567",
		PreferredChannel: "sms",
		ActorID:          "tester",
	})
	require.NoError(t, err)
	env.drain(t)

	sent := env.Sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, notify.SMSMaxLength, utf8.RuneCountInString(sent[0].Body))
	assert.True(t, strings.HasSuffix(sent[0].Body, "..."))

	msgs, err := env.Engine.Repo.ListMessages(env.Ctx, env.WS.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, sent[0].Body, msgs[0].Body)
}

func TestReminderSendsOnce(t *testing.T) {
	env := newTestEnv(t)
	c := env.contact(t, "ana@example.com", "555-123-4567", "sms")
	b := env.booking(t, c, domain.BookingConfirmed)
	first := env.schedule(t, automation.TaskBookingReminder, automation.BookingArgs{WorkspaceID: env.WS.ID, BookingID: b.ID})
	env.drain(t)

	assert.Equal(t, domain.TaskSucceeded, env.task(t, first.ID).Status)
	sent := env.Sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, notify.ChannelSMS, sent[0].Channel)
	assert.Equal(t, "+15551234567", sent[0].To)
	assert.Contains(t, sent[0].Body, "Massage appointment tomorrow at 10:00")

	got, err := env.Engine.Repo.GetBooking(env.Ctx, nil, env.WS.ID, b.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ReminderSentAt)

	second := env.schedule(t, automation.TaskBookingReminder, automation.BookingArgs{WorkspaceID: env.WS.ID, BookingID: b.ID})
	env.drain(t)
	assert.Equal(t, domain.TaskSkipped, env.task(t, second.ID).Status)
	assert.Len(t, env.Sender.messages(), 1)
}

func TestFailedSendReleasesMarker(t *testing.T) {
	env := newTestEnv(t)
	c := env.contact(t, "ana@example.com", "", "email")
	b := env.booking(t, c, domain.BookingConfirmed)
	env.drain(t)

	env.Sender.err = errors.New("smtp: connection reset")
	task := env.schedule(t, automation.TaskBookingReminder, automation.BookingArgs{WorkspaceID: env.WS.ID, BookingID: b.ID})
	env.drain(t)

	retried := env.task(t, task.ID)
	assert.Equal(t, domain.TaskQueued, retried.Status)
	assert.Equal(t, 1, retried.Attempts)
	got, err := env.Engine.Repo.GetBooking(env.Ctx, nil, env.WS.ID, b.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ReminderSentAt)
	msgs, err := env.Engine.Repo.ListMessages(env.Ctx, env.WS.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "failed", msgs[0].Status)

	env.Sender.err = nil
	env.Clock.Advance(time.Hour)
	env.drain(t)
	assert.Equal(t, domain.TaskSucceeded, env.task(t, task.ID).Status)
	assert.Len(t, env.Sender.messages(), 1)
}

func TestRejectedRecipientFailsWithoutRetry(t *testing.T) {
	env := newTestEnv(t)
	c := env.contact(t, "ana@example.com", "", "email")
	env.drain(t)
	env.Sender.err = notify.ErrRejected
	task := env.schedule(t, automation.TaskNotifyEmail, automation.NotifyArgs{WorkspaceID: env.WS.ID, ContactID: c.ID, Template: "welcome_email"})
	env.drain(t)
	assert.Equal(t, domain.TaskFailed, env.task(t, task.ID).Status)
}

func TestFormsWithoutAssignmentsAreSkipped(t *testing.T) {
	env := newTestEnv(t)
	c := env.contact(t, "ana@example.com", "", "email")
	b := env.booking(t, c, domain.BookingPending)
	task := env.schedule(t, automation.TaskBookingForms, automation.BookingArgs{WorkspaceID: env.WS.ID, BookingID: b.ID})
	env.drain(t)
	done := env.task(t, task.ID)
	assert.Equal(t, domain.TaskSkipped, done.Status)
	require.NotNil(t, done.ResultJSON)
	assert.JSONEq(t, `{"skipped":"No forms assigned"}`, *done.ResultJSON)

	_, err := env.Engine.AssignForm(env.Ctx, engine.FormAssignOptions{WorkspaceID: env.WS.ID, BookingID: b.ID, FormName: "Intake", DueDate: "2024-01-02"})
	require.NoError(t, err)
	task = env.schedule(t, automation.TaskBookingForms, automation.BookingArgs{WorkspaceID: env.WS.ID, BookingID: b.ID})
	env.drain(t)
	assert.Equal(t, domain.TaskSucceeded, env.task(t, task.ID).Status)
	sent := env.Sender.messages()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Body, "https://forms.example.com/b/"+b.ID)
}

func TestCheckLowStockRunsIdempotently(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateInventoryItem(env.Ctx, engine.InventoryItemCreateOptions{WorkspaceID: env.WS.ID, Name: "Towels", Quantity: 2, LowStockThreshold: 5})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		env.schedule(t, automation.TaskInventoryCheckLow, nil)
		env.drain(t)
	}
	alerts, err := env.Engine.ListAlerts(env.Ctx, repo.AlertFilters{WorkspaceID: env.WS.ID, Type: engine.AlertLowStock})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "Low Stock: Towels", alerts[0].Title)
}

func TestReserveInventoryForCancelledBookingIsSkipped(t *testing.T) {
	env := newTestEnv(t)
	c := env.contact(t, "ana@example.com", "", "email")
	b := env.booking(t, c, domain.BookingPending)
	_, err := env.Engine.UpdateBookingStatus(env.Ctx, env.WS.ID, b.ID, domain.BookingCancelled, "tester")
	require.NoError(t, err)
	task := env.schedule(t, automation.TaskInventoryReserve, automation.BookingArgs{WorkspaceID: env.WS.ID, BookingID: b.ID})
	env.drain(t)
	assert.Equal(t, domain.TaskSkipped, env.task(t, task.ID).Status)
}

func TestPeriodicFollowsSchedules(t *testing.T) {
	jobs := Periodic(config.Default().Schedules)
	require.Len(t, jobs, 3)
	for _, p := range jobs {
		assert.Greater(t, p.Every, time.Duration(0), p.Action)
	}
}
