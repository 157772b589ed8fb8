package automation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"careops/internal/db"
	"careops/internal/domain"
	"careops/internal/migrate"
	"careops/internal/repo"
	"careops/internal/scheduler"
)

var fixedNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	Ctx   context.Context
	Repo  repo.Repo
	Queue scheduler.Queue
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	env := testEnv{Ctx: context.Background(), Repo: r, Queue: scheduler.Queue{Repo: r, Now: func() time.Time { return fixedNow }}}
	for _, ws := range []string{"ws-a", "ws-b"} {
		require.NoError(t, r.InsertWorkspace(env.Ctx, nil, domain.Workspace{ID: ws, Name: ws, Slug: ws, Timezone: "UTC", IsActive: true, CreatedAt: fixedNow.Format(time.RFC3339)}))
	}
	return env
}

func (env testEnv) rule(t *testing.T, id, ws, eventType, action string, cfg map[string]any) domain.AutomationRule {
	t.Helper()
	now := fixedNow.Format(time.RFC3339)
	r := domain.AutomationRule{ID: id, WorkspaceID: ws, Name: id, EventType: eventType, ActionType: action, Config: cfg, IsActive: true, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, env.Repo.InsertRule(env.Ctx, nil, r))
	return r
}

func (env testEnv) contact(t *testing.T, id, ws, email, phone string) domain.Contact {
	t.Helper()
	c := domain.Contact{ID: id, WorkspaceID: ws, FullName: "Ana " + id, Email: email, Phone: phone, PreferredChannel: "email", CreatedAt: fixedNow.Format(time.RFC3339)}
	require.NoError(t, env.Repo.InsertContact(env.Ctx, nil, c))
	return c
}

func (env testEnv) booking(t *testing.T, id, ws, contactID, date, tm, status string) domain.Booking {
	t.Helper()
	now := fixedNow.Format(time.RFC3339)
	svc := domain.Service{ID: "svc-" + id, WorkspaceID: ws, Name: "Massage", Slug: "massage-" + id, DurationMinutes: 30, Availability: domain.Availability{}, IsActive: true, CreatedAt: now}
	require.NoError(t, env.Repo.InsertService(env.Ctx, nil, svc))
	b := domain.Booking{ID: id, WorkspaceID: ws, ServiceID: svc.ID, ContactID: contactID, Date: date, Time: tm, Status: status, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, env.Repo.InsertBooking(env.Ctx, nil, b))
	return b
}

func (env testEnv) count(t *testing.T, ws, id string) int {
	t.Helper()
	r, err := env.Repo.GetRule(env.Ctx, ws, id)
	require.NoError(t, err)
	return r.ExecutionCount
}

type recordingRunner struct {
	mu    sync.Mutex
	ran   []string
	fail  map[string]error
	panic map[string]bool
}

func (r *recordingRunner) Execute(_ context.Context, rule domain.AutomationRule, _ Event) ActionResult {
	r.mu.Lock()
	r.ran = append(r.ran, rule.ID)
	r.mu.Unlock()
	if r.panic[rule.ID] {
		panic("action exploded")
	}
	if err := r.fail[rule.ID]; err != nil {
		return failed(ActionType(rule.ActionType), err)
	}
	return succeeded(ActionType(rule.ActionType), "ok")
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction("send_booking_forms", nil)
	require.NoError(t, err)
	assert.Equal(t, SendBookingForms{DelayMinutes: 5}, a)

	a, err = ParseAction("schedule_reminder", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, ScheduleReminder{HoursBefore: 24}, a)

	a, err = ParseAction("create_alert", map[string]any{"title": "New booking {booking_id}", "message": "Check it"})
	require.NoError(t, err)
	assert.Equal(t, CreateAlert{Title: "New booking {booking_id}", Message: "Check it", Severity: "medium", AlertType: "automation_triggered"}, a)

	a, err = ParseAction("send_email", map[string]any{"template": "booking_reminder", "delay_minutes": 15})
	require.NoError(t, err)
	assert.Equal(t, SendEmail{Template: "booking_reminder", DelayMinutes: 15}, a)

	_, err = ParseAction("send_fax", nil)
	assert.ErrorIs(t, err, ErrUnknownAction)

	var cfgErr *ConfigError
	for name, tc := range map[string]struct {
		tag string
		cfg map[string]any
	}{
		"unknown key":      {"send_sms", map[string]any{"tempalte": "welcome_sms"}},
		"negative delay":   {"send_email", map[string]any{"delay_minutes": -1}},
		"bad severity":     {"create_alert", map[string]any{"title": "t", "message": "m", "severity": "urgent"}},
		"missing title":    {"create_alert", map[string]any{"message": "m"}},
		"bad placeholder":  {"create_alert", map[string]any{"title": "{oops", "message": "m"}},
		"unknown template": {"send_email", map[string]any{"template": "newsletter"}},
		"zero hours":       {"schedule_reminder", map[string]any{"hours_before": 0}},
		"wrong type":       {"send_booking_confirmation", map[string]any{"delay_minutes": "soon"}},
	} {
		_, err := ParseAction(tc.tag, tc.cfg)
		assert.ErrorAs(t, err, &cfgErr, name)
	}
}

func TestSubstitute(t *testing.T) {
	data := map[string]any{"booking_id": "b1", "count": float64(3)}
	out, err := Substitute("Booking {booking_id} has {count} items {{literal}}", data)
	require.NoError(t, err)
	assert.Equal(t, "Booking b1 has 3 items {literal}", out)

	_, err = Substitute("Hello {contact_name}", data)
	var missing *MissingKeyError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "contact_name", missing.Key)

	_, err = Substitute("broken {", data)
	assert.Error(t, err)
	_, err = Substitute("broken }", data)
	assert.Error(t, err)
}

func TestTriggerOnlyRunsMatchingRulesOfWorkspace(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, "a-contact", "ws-a", "contact_created", "reserve_inventory", nil)
	env.rule(t, "a-booking", "ws-a", "booking_created", "reserve_inventory", nil)
	env.rule(t, "b-contact", "ws-b", "contact_created", "reserve_inventory", nil)
	inactive := env.rule(t, "a-inactive", "ws-a", "contact_created", "reserve_inventory", nil)
	inactive.IsActive = false
	require.NoError(t, env.Repo.UpdateRule(env.Ctx, nil, inactive))

	runner := &recordingRunner{}
	eng := NewEngine(env.Repo, runner, 0, nil, nil)
	outcomes, err := eng.TriggerEvent(env.Ctx, Event{Type: "contact_created", WorkspaceID: "ws-a", Data: map[string]any{"contact_id": "c1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a-contact"}, runner.ran)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "a-contact", outcomes[0].RuleID)

	assert.Equal(t, 1, env.count(t, "ws-a", "a-contact"))
	assert.Equal(t, 0, env.count(t, "ws-a", "a-booking"))
	assert.Equal(t, 0, env.count(t, "ws-b", "b-contact"))
	assert.Equal(t, 0, env.count(t, "ws-a", "a-inactive"))
}

func TestTriggerRejectsEventWithoutWorkspace(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, "r1", "ws-a", "contact_created", "reserve_inventory", nil)
	runner := &recordingRunner{}
	_, err := NewEngine(env.Repo, runner, 0, nil, nil).TriggerEvent(env.Ctx, Event{Type: "contact_created"})
	assert.ErrorIs(t, err, ErrMissingWorkspace)
	assert.Empty(t, runner.ran)
}

func TestFailingRuleDoesNotStopSiblings(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, "r1", "ws-a", "booking_created", "reserve_inventory", nil)
	env.rule(t, "r2", "ws-a", "booking_created", "reserve_inventory", nil)
	env.rule(t, "r3", "ws-a", "booking_created", "reserve_inventory", nil)
	env.rule(t, "r4", "ws-a", "booking_created", "reserve_inventory", nil)

	runner := &recordingRunner{panic: map[string]bool{"r2": true}, fail: map[string]error{"r3": errors.New("provider down")}}
	eng := NewEngine(env.Repo, runner, 0, nil, nil)
	outcomes, err := eng.TriggerEvent(env.Ctx, Event{Type: "booking_created", WorkspaceID: "ws-a"})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"r1", "r2", "r3", "r4"}, runner.ran)
	byID := map[string]ActionResult{}
	for _, o := range outcomes {
		byID[o.RuleID] = o.Result
	}
	assert.True(t, byID["r1"].Success)
	assert.False(t, byID["r2"].Success)
	assert.Contains(t, byID["r2"].Detail, "panic")
	assert.False(t, byID["r3"].Success)
	assert.True(t, byID["r4"].Success)

	for _, id := range []string{"r1", "r2", "r3", "r4"} {
		assert.Equal(t, 1, env.count(t, "ws-a", id), id)
	}

	_, err = eng.TriggerEvent(env.Ctx, Event{Type: "booking_created", WorkspaceID: "ws-a"})
	require.NoError(t, err)
	for _, id := range []string{"r1", "r2", "r3", "r4"} {
		assert.Equal(t, 2, env.count(t, "ws-a", id), id)
	}
}

func TestRuleCacheInvalidation(t *testing.T) {
	env := newTestEnv(t)
	env.rule(t, "r1", "ws-a", "contact_created", "reserve_inventory", nil)
	runner := &recordingRunner{}
	eng := NewEngine(env.Repo, runner, time.Hour, nil, nil)
	evt := Event{Type: "contact_created", WorkspaceID: "ws-a"}

	_, err := eng.TriggerEvent(env.Ctx, evt)
	require.NoError(t, err)
	env.rule(t, "r2", "ws-a", "contact_created", "reserve_inventory", nil)
	_, err = eng.TriggerEvent(env.Ctx, evt)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r1"}, runner.ran)

	eng.InvalidateRules("ws-a")
	_, err = eng.TriggerEvent(env.Ctx, evt)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r1", "r1", "r2"}, runner.ran)
}

func TestCachedRuleDisabledElsewhereDoesNotRun(t *testing.T) {
	env := newTestEnv(t)
	r1 := env.rule(t, "r1", "ws-a", "contact_created", "reserve_inventory", nil)
	env.rule(t, "r2", "ws-a", "contact_created", "reserve_inventory", map[string]any{})
	runner := &recordingRunner{}
	eng := NewEngine(env.Repo, runner, 30*time.Second, nil, nil)
	evt := Event{Type: "contact_created", WorkspaceID: "ws-a"}

	_, err := eng.TriggerEvent(env.Ctx, evt)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, runner.ran)

	// Another process disables r1 and deletes r2 without touching this engine's cache.
	r1.IsActive = false
	require.NoError(t, env.Repo.UpdateRule(env.Ctx, nil, r1))
	require.NoError(t, env.Repo.DeleteRule(env.Ctx, nil, "ws-a", "r2"))

	outcomes, err := eng.TriggerEvent(env.Ctx, evt)
	require.NoError(t, err)
	assert.Empty(t, outcomes)
	assert.Equal(t, []string{"r1", "r2"}, runner.ran)
	assert.Equal(t, 1, env.count(t, "ws-a", "r1"))

	// Re-enabling is picked up on the next load since the stale entry was dropped.
	r1.IsActive = true
	require.NoError(t, env.Repo.UpdateRule(env.Ctx, nil, r1))
	_, err = eng.TriggerEvent(env.Ctx, evt)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2", "r1"}, runner.ran)
	assert.Equal(t, 2, env.count(t, "ws-a", "r1"))
}

func TestCachedRuleRunsWithStoredConfig(t *testing.T) {
	env := newTestEnv(t)
	rule := env.rule(t, "r1", "ws-a", "contact_created", "create_alert", map[string]any{"title": "Old", "message": "m"})
	seen := &configRunner{}
	eng := NewEngine(env.Repo, seen, time.Hour, nil, nil)
	evt := Event{Type: "contact_created", WorkspaceID: "ws-a"}

	_, err := eng.TriggerEvent(env.Ctx, evt)
	require.NoError(t, err)
	rule.Config = map[string]any{"title": "New", "message": "m"}
	require.NoError(t, env.Repo.UpdateRule(env.Ctx, nil, rule))
	_, err = eng.TriggerEvent(env.Ctx, evt)
	require.NoError(t, err)
	assert.Equal(t, []string{"Old", "New"}, seen.titles)
}

type configRunner struct {
	titles []string
}

func (r *configRunner) Execute(_ context.Context, rule domain.AutomationRule, _ Event) ActionResult {
	title, _ := rule.Config["title"].(string)
	r.titles = append(r.titles, title)
	return succeeded(ActionType(rule.ActionType), "ok")
}

func newExecutor(env testEnv) Executor {
	return Executor{Repo: env.Repo, Queue: env.Queue, Now: func() time.Time { return fixedNow }}
}

func TestExecutorSendEmailQueuesNotification(t *testing.T) {
	env := newTestEnv(t)
	env.contact(t, "c1", "ws-a", "ana@example.com", "")
	env.contact(t, "c2", "ws-a", "", "")
	x := newExecutor(env)
	rule := env.rule(t, "r1", "ws-a", "contact_created", "send_email", map[string]any{"template": "welcome_email", "delay_minutes": 10})
	evt := Event{ID: "evt-1", Type: "contact_created", WorkspaceID: "ws-a", Data: map[string]any{"contact_id": "c1"}}

	res := x.Execute(env.Ctx, rule, evt)
	require.True(t, res.Success, res.Detail)
	tasks, err := env.Repo.ListTasks(env.Ctx, repo.TaskFilters{Action: TaskNotifyEmail})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, fixedNow.Add(10*time.Minute).Format(scheduler.TimeLayout), tasks[0].NotBefore)

	res = x.Execute(env.Ctx, rule, evt)
	require.True(t, res.Success)
	tasks, err = env.Repo.ListTasks(env.Ctx, repo.TaskFilters{Action: TaskNotifyEmail})
	require.NoError(t, err)
	assert.Len(t, tasks, 1, "re-delivered event must not queue a second email")

	res = x.Execute(env.Ctx, rule, Event{Type: "contact_created", WorkspaceID: "ws-a", Data: map[string]any{"contact_id": "c2"}})
	assert.True(t, res.Skipped)
	res = x.Execute(env.Ctx, rule, Event{Type: "contact_created", WorkspaceID: "ws-a"})
	assert.True(t, res.Skipped)
}

func TestExecutorDoesNotCrossWorkspaces(t *testing.T) {
	env := newTestEnv(t)
	env.contact(t, "c-b", "ws-b", "bob@example.com", "")
	env.booking(t, "bk-b", "ws-b", "c-b", "2024-01-05", "10:00", domain.BookingConfirmed)
	x := newExecutor(env)

	email := env.rule(t, "r1", "ws-a", "contact_created", "send_email", nil)
	res := x.Execute(env.Ctx, email, Event{Type: "contact_created", WorkspaceID: "ws-a", Data: map[string]any{"contact_id": "c-b"}})
	assert.True(t, res.Skipped)

	reserve := env.rule(t, "r2", "ws-a", "booking_created", "reserve_inventory", nil)
	res = x.Execute(env.Ctx, reserve, Event{Type: "booking_created", WorkspaceID: "ws-a", Data: map[string]any{"booking_id": "bk-b"}})
	assert.True(t, res.Skipped)

	tasks, err := env.Repo.ListTasks(env.Ctx, repo.TaskFilters{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestExecutorCreateAlert(t *testing.T) {
	env := newTestEnv(t)
	x := newExecutor(env)
	rule := env.rule(t, "r1", "ws-a", "booking_created", "create_alert", map[string]any{
		"title": "New booking {booking_id}", "message": "Booking {booking_id} needs review", "severity": "high",
	})
	evt := Event{ID: "e1", Type: "booking_created", WorkspaceID: "ws-a", Data: map[string]any{"booking_id": "b1"}}

	res := x.Execute(env.Ctx, rule, evt)
	require.True(t, res.Success, res.Detail)
	res = x.Execute(env.Ctx, rule, evt)
	require.True(t, res.Success, res.Detail)
	assert.Contains(t, res.Detail, "already active")

	alerts, err := env.Repo.ListAlerts(env.Ctx, repo.AlertFilters{WorkspaceID: "ws-a", Status: domain.AlertActive})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "New booking b1", alerts[0].Title)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Equal(t, "booking", alerts[0].ReferenceType)

	bad := env.rule(t, "r2", "ws-a", "booking_created", "create_alert", map[string]any{"title": "Hi {contact_name}", "message": "m"})
	res = x.Execute(env.Ctx, bad, evt)
	assert.False(t, res.Success)
	assert.False(t, res.Skipped)
	assert.Contains(t, res.Detail, "contact_name")
}

func TestExecutorScheduleReminder(t *testing.T) {
	env := newTestEnv(t)
	env.contact(t, "c1", "ws-a", "ana@example.com", "")
	env.booking(t, "future", "ws-a", "c1", "2024-01-03", "10:00", domain.BookingConfirmed)
	env.booking(t, "soon", "ws-a", "c1", "2024-01-01", "09:00", domain.BookingConfirmed)
	x := newExecutor(env)
	rule := env.rule(t, "r1", "ws-a", "booking_created", "schedule_reminder", map[string]any{"hours_before": 24})

	res := x.Execute(env.Ctx, rule, Event{Type: "booking_created", WorkspaceID: "ws-a", Data: map[string]any{"booking_id": "future"}})
	require.True(t, res.Success, res.Detail)
	res = x.Execute(env.Ctx, rule, Event{Type: "booking_created", WorkspaceID: "ws-a", Data: map[string]any{"booking_id": "future"}})
	require.True(t, res.Success, res.Detail)
	assert.Contains(t, res.Detail, "already scheduled")

	tasks, err := env.Repo.ListTasks(env.Ctx, repo.TaskFilters{Action: TaskBookingReminder})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC).Format(scheduler.TimeLayout), tasks[0].NotBefore)

	res = x.Execute(env.Ctx, rule, Event{Type: "booking_created", WorkspaceID: "ws-a", Data: map[string]any{"booking_id": "soon"}})
	assert.True(t, res.Skipped)
	assert.Contains(t, res.Detail, "already passed")

	res = x.Execute(env.Ctx, rule, Event{Type: "booking_created", WorkspaceID: "ws-a", Data: map[string]any{"booking_id": "missing"}})
	assert.True(t, res.Skipped)
}
