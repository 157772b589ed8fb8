package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"careops/internal/automation"
	"careops/internal/config"
	"careops/internal/db"
	"careops/internal/domain"
	"careops/internal/engine"
	"careops/internal/migrate"
	"careops/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	WS     domain.Workspace
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	ws, err := eng.CreateWorkspace(ctx, engine.WorkspaceCreateOptions{Name: "Sunrise Clinic", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, WS: ws}
}

func (env testEnv) service(t *testing.T) domain.Service {
	t.Helper()
	svc, err := env.Engine.CreateService(env.Ctx, engine.ServiceCreateOptions{
		WorkspaceID:     env.WS.ID,
		Name:            "Massage",
		DurationMinutes: 60,
		Availability:    domain.Availability{"monday": {"09:00-11:00"}, "tuesday": {"09:00-17:00"}},
		ActorID:         "tester",
	})
	if err != nil {
		t.Fatalf("create service: %v", err)
	}
	return svc
}

func (env testEnv) contact(t *testing.T) domain.Contact {
	t.Helper()
	c, err := env.Engine.CreateContact(env.Ctx, engine.ContactCreateOptions{WorkspaceID: env.WS.ID, FullName: "Ana Diaz", Email: "ana@example.com", Phone: "555-123-4567", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create contact: %v", err)
	}
	return c
}

func triggers(t *testing.T, env testEnv, eventType string) []automation.Event {
	t.Helper()
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{Action: automation.TaskTrigger})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	var res []automation.Event
	for _, task := range tasks {
		var evt automation.Event
		if err := json.Unmarshal([]byte(task.ArgsJSON), &evt); err != nil {
			t.Fatalf("decode trigger: %v", err)
		}
		if evt.Type == eventType {
			res = append(res, evt)
		}
	}
	return res
}

func TestCreateWorkspaceSeedsOwner(t *testing.T) {
	env := newTestEnv(t)
	if env.WS.Slug != "sunrise-clinic" || env.WS.Timezone != "UTC" {
		t.Fatalf("unexpected workspace %+v", env.WS)
	}
	members, err := env.Engine.Repo.ListMembers(env.Ctx, env.WS.ID)
	if err != nil || len(members) != 1 || members[0].RoleID != "owner" || members[0].ActorID != "tester" {
		t.Fatalf("expected tester as owner, got %+v (%v)", members, err)
	}
	again, err := env.Engine.CreateWorkspace(env.Ctx, engine.WorkspaceCreateOptions{Name: "Sunrise Clinic"})
	if err != nil || again.Slug != "sunrise-clinic-2" {
		t.Fatalf("expected suffixed slug, got %q (%v)", again.Slug, err)
	}
	if _, err := env.Engine.CreateWorkspace(env.Ctx, engine.WorkspaceCreateOptions{Name: "Bad", Timezone: "Mars/Olympus"}); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid timezone error, got %v", err)
	}
}

func TestCreateContactRaisesEvent(t *testing.T) {
	env := newTestEnv(t)
	c := env.contact(t)
	if c.Phone != "+15551234567" {
		t.Fatalf("phone not normalised: %q", c.Phone)
	}
	evts := triggers(t, env, "contact_created")
	if len(evts) != 1 || evts[0].WorkspaceID != env.WS.ID || evts[0].String("contact_id") != c.ID || evts[0].ID == "" {
		t.Fatalf("expected one contact_created trigger, got %+v", evts)
	}
	for _, bad := range []engine.ContactCreateOptions{
		{WorkspaceID: env.WS.ID, FullName: ""},
		{WorkspaceID: env.WS.ID, FullName: "X", Email: "not-an-email"},
		{WorkspaceID: env.WS.ID, FullName: "X", Phone: "12"},
		{WorkspaceID: env.WS.ID, FullName: "X", PreferredChannel: "fax"},
	} {
		if _, err := env.Engine.CreateContact(env.Ctx, bad); !errors.Is(err, engine.ErrInvalidInput) {
			t.Fatalf("expected invalid input for %+v, got %v", bad, err)
		}
	}
	if _, err := env.Engine.CreateContact(env.Ctx, engine.ContactCreateOptions{WorkspaceID: "nope", FullName: "X"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected unknown workspace, got %v", err)
	}
}

func TestBookingSlotsAndConflicts(t *testing.T) {
	env := newTestEnv(t)
	svc := env.service(t)
	c := env.contact(t)

	slots, err := env.Engine.AvailableSlots(env.Ctx, env.WS.ID, svc.ID, "2024-01-01")
	if err != nil {
		t.Fatal(err)
	}
	if len(slots) != 3 || slots[0] != "09:00" || slots[2] != "10:00" {
		t.Fatalf("unexpected slots %v", slots)
	}
	b, err := env.Engine.CreateBooking(env.Ctx, engine.BookingCreateOptions{WorkspaceID: env.WS.ID, ServiceID: svc.ID, ContactID: c.ID, Date: "2024-01-01", Time: "09:00", ActorID: "tester"})
	if err != nil || b.Status != domain.BookingPending {
		t.Fatalf("create booking: %+v %v", b, err)
	}
	slots, _ = env.Engine.AvailableSlots(env.Ctx, env.WS.ID, svc.ID, "2024-01-01")
	if len(slots) != 2 || slots[0] != "09:30" {
		t.Fatalf("booked time still offered: %v", slots)
	}
	_, err = env.Engine.CreateBooking(env.Ctx, engine.BookingCreateOptions{WorkspaceID: env.WS.ID, ServiceID: svc.ID, ContactID: c.ID, Date: "2024-01-01", Time: "09:00"})
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	for _, tm := range []string{"9:00", " 09:00"} {
		_, err = env.Engine.CreateBooking(env.Ctx, engine.BookingCreateOptions{WorkspaceID: env.WS.ID, ServiceID: svc.ID, ContactID: c.ID, Date: "2024-01-01", Time: tm})
		if !errors.Is(err, repo.ErrConflict) {
			t.Fatalf("booking at %q should clash with 09:00, got %v", tm, err)
		}
	}
	late, err := env.Engine.CreateBooking(env.Ctx, engine.BookingCreateOptions{WorkspaceID: env.WS.ID, ServiceID: svc.ID, ContactID: c.ID, Date: "2024-01-01", Time: "9:30"})
	if err != nil || late.Time != "09:30" {
		t.Fatalf("expected booking stored at 09:30, got %+v %v", late, err)
	}
	evts := triggers(t, env, "booking_created")
	if len(evts) != 2 {
		t.Fatalf("expected two booking_created triggers, got %+v", evts)
	}
	for _, evt := range evts {
		if id := evt.String("booking_id"); (id != b.ID && id != late.ID) || evt.String("contact_id") != c.ID {
			t.Fatalf("unexpected booking_created trigger %+v", evt)
		}
	}

	other, err := env.Engine.CreateWorkspace(env.Ctx, engine.WorkspaceCreateOptions{Name: "Other"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateBooking(env.Ctx, engine.BookingCreateOptions{WorkspaceID: other.ID, ServiceID: svc.ID, ContactID: c.ID, Date: "2024-01-01", Time: "10:00"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("service of another workspace must not be bookable, got %v", err)
	}
}

func TestBookingStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	svc := env.service(t)
	c := env.contact(t)
	item, err := env.Engine.CreateInventoryItem(env.Ctx, engine.InventoryItemCreateOptions{WorkspaceID: env.WS.ID, Name: "Towels", Quantity: 10, LowStockThreshold: 2, UsagePerBooking: 2})
	if err != nil {
		t.Fatal(err)
	}
	b, err := env.Engine.CreateBooking(env.Ctx, engine.BookingCreateOptions{WorkspaceID: env.WS.ID, ServiceID: svc.ID, ContactID: c.ID, Date: "2024-01-02", Time: "10:00"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpdateBookingStatus(env.Ctx, env.WS.ID, b.ID, domain.BookingCompleted, "tester"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("pending -> completed should fail, got %v", err)
	}
	if _, err := env.Engine.UpdateBookingStatus(env.Ctx, env.WS.ID, b.ID, domain.BookingConfirmed, "tester"); err != nil {
		t.Fatal(err)
	}
	if len(triggers(t, env, "booking_confirmed")) != 1 {
		t.Fatalf("expected booking_confirmed trigger")
	}
	if _, err := env.Engine.ReserveInventory(env.Ctx, env.WS.ID, b.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ReserveInventory(env.Ctx, env.WS.ID, b.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	got, _ := env.Engine.Repo.GetInventoryItem(env.Ctx, nil, env.WS.ID, item.ID)
	if got.Quantity != 8 {
		t.Fatalf("reserving twice must take stock once, quantity=%d", got.Quantity)
	}
	if _, err := env.Engine.UpdateBookingStatus(env.Ctx, env.WS.ID, b.ID, domain.BookingCancelled, "tester"); err != nil {
		t.Fatal(err)
	}
	got, _ = env.Engine.Repo.GetInventoryItem(env.Ctx, nil, env.WS.ID, item.ID)
	if got.Quantity != 10 {
		t.Fatalf("cancel must release stock, quantity=%d", got.Quantity)
	}
	if len(triggers(t, env, "booking_cancelled")) != 1 {
		t.Fatalf("expected booking_cancelled trigger")
	}
	if _, err := env.Engine.UpdateBookingStatus(env.Ctx, env.WS.ID, b.ID, domain.BookingConfirmed, "tester"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("cancelled is terminal, got %v", err)
	}
}

func TestLowStockAlertsAreDeduplicated(t *testing.T) {
	env := newTestEnv(t)
	item, err := env.Engine.CreateInventoryItem(env.Ctx, engine.InventoryItemCreateOptions{WorkspaceID: env.WS.ID, Name: "Gloves", Quantity: 3, LowStockThreshold: 5})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		created, err := env.Engine.CheckLowStock(env.Ctx)
		if err != nil || created != 0 {
			t.Fatalf("run %d: expected no new alert, got %d (%v)", i, created, err)
		}
	}
	alerts, err := env.Engine.ListAlerts(env.Ctx, repo.AlertFilters{WorkspaceID: env.WS.ID})
	if err != nil || len(alerts) != 1 {
		t.Fatalf("expected one active alert, got %+v (%v)", alerts, err)
	}
	if alerts[0].Severity != "high" || alerts[0].Title != "Low Stock: Gloves" || alerts[0].Link != "/inventory/"+item.ID {
		t.Fatalf("unexpected alert %+v", alerts[0])
	}

	if _, err := env.Engine.AdjustInventory(env.Ctx, env.WS.ID, item.ID, 10, "tester"); err != nil {
		t.Fatal(err)
	}
	alerts, _ = env.Engine.ListAlerts(env.Ctx, repo.AlertFilters{WorkspaceID: env.WS.ID})
	if len(alerts) != 0 {
		t.Fatalf("restock should resolve the alert, got %+v", alerts)
	}

	it, err := env.Engine.AdjustInventory(env.Ctx, env.WS.ID, item.ID, -100, "tester")
	if err != nil || it.Quantity != 0 {
		t.Fatalf("quantity must clamp at zero: %+v (%v)", it, err)
	}
	alerts, _ = env.Engine.ListAlerts(env.Ctx, repo.AlertFilters{WorkspaceID: env.WS.ID})
	if len(alerts) != 1 || alerts[0].Severity != "critical" || alerts[0].Title != "Out of Stock: Gloves" {
		t.Fatalf("expected critical out-of-stock alert, got %+v", alerts)
	}
	count, err := env.Engine.CriticalAlertCount(env.Ctx, env.WS.ID)
	if err != nil || count != 1 {
		t.Fatalf("critical count = %d (%v)", count, err)
	}
}

func TestAlertCloseIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateInventoryItem(env.Ctx, engine.InventoryItemCreateOptions{WorkspaceID: env.WS.ID, Name: "Masks", Quantity: 0, LowStockThreshold: 1}); err != nil {
		t.Fatal(err)
	}
	alerts, _ := env.Engine.ListAlerts(env.Ctx, repo.AlertFilters{WorkspaceID: env.WS.ID})
	if len(alerts) != 1 {
		t.Fatalf("expected one alert, got %d", len(alerts))
	}
	dismissed, err := env.Engine.DismissAlert(env.Ctx, env.WS.ID, alerts[0].ID, "tester")
	if err != nil || dismissed.Status != domain.AlertDismissed || dismissed.DismissedAt == nil {
		t.Fatalf("dismiss: %+v (%v)", dismissed, err)
	}
	if _, err := env.Engine.ResolveAlert(env.Ctx, env.WS.ID, alerts[0].ID, "tester"); !errors.Is(err, engine.ErrAlertClosed) {
		t.Fatalf("expected closed alert error, got %v", err)
	}
	if _, err := env.Engine.DismissAlert(env.Ctx, env.WS.ID, "missing", "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	all, _ := env.Engine.ListAlerts(env.Ctx, repo.AlertFilters{WorkspaceID: env.WS.ID, Status: "all"})
	if len(all) != 1 {
		t.Fatalf("status=all should include dismissed alerts, got %d", len(all))
	}
	if _, err := env.Engine.ListAlerts(env.Ctx, repo.AlertFilters{WorkspaceID: env.WS.ID, Severity: "urgent"}); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid severity, got %v", err)
	}
}

func TestRulesAreValidatedAtCreation(t *testing.T) {
	env := newTestEnv(t)
	var changed []string
	env.Engine.RulesChanged = func(ws string) { changed = append(changed, ws) }

	if _, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{WorkspaceID: env.WS.ID, Name: "fax", EventType: "contact_created", ActionType: "send_fax"}); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("unknown action should be rejected, got %v", err)
	}
	if _, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{WorkspaceID: env.WS.ID, Name: "x", EventType: "payment_received", ActionType: "send_email"}); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("unknown event should be rejected, got %v", err)
	}
	rule, err := env.Engine.CreateRule(env.Ctx, engine.RuleCreateOptions{
		WorkspaceID: env.WS.ID, Name: "Remind", EventType: "booking_confirmed", ActionType: "schedule_reminder",
		Config: map[string]any{"hours_before": 2}, ActorID: "tester",
	})
	if err != nil || !rule.IsActive {
		t.Fatalf("create rule: %+v (%v)", rule, err)
	}
	off := false
	if _, err := env.Engine.UpdateRule(env.Ctx, engine.RuleUpdateOptions{WorkspaceID: env.WS.ID, ID: rule.ID, Config: map[string]any{"hours_before": -1}}); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("bad config update should fail, got %v", err)
	}
	updated, err := env.Engine.UpdateRule(env.Ctx, engine.RuleUpdateOptions{WorkspaceID: env.WS.ID, ID: rule.ID, IsActive: &off})
	if err != nil || updated.IsActive {
		t.Fatalf("disable rule: %+v (%v)", updated, err)
	}
	if err := env.Engine.DeleteRule(env.Ctx, env.WS.ID, rule.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if len(changed) != 3 {
		t.Fatalf("expected 3 rule change notifications, got %v", changed)
	}
	rules, _ := env.Engine.ListRules(env.Ctx, env.WS.ID, "")
	if len(rules) != 0 {
		t.Fatalf("expected no rules, got %d", len(rules))
	}
}

func TestMarkOverdueForms(t *testing.T) {
	env := newTestEnv(t)
	svc := env.service(t)
	c := env.contact(t)
	b, err := env.Engine.CreateBooking(env.Ctx, engine.BookingCreateOptions{WorkspaceID: env.WS.ID, ServiceID: svc.ID, ContactID: c.ID, Date: "2024-01-02", Time: "09:00"})
	if err != nil {
		t.Fatal(err)
	}
	late, err := env.Engine.AssignForm(env.Ctx, engine.FormAssignOptions{WorkspaceID: env.WS.ID, BookingID: b.ID, FormName: "Intake", DueDate: "2023-12-30"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AssignForm(env.Ctx, engine.FormAssignOptions{WorkspaceID: env.WS.ID, BookingID: b.ID, FormName: "Consent", DueDate: "2024-01-01"}); err != nil {
		t.Fatal(err)
	}
	created, err := env.Engine.MarkOverdueForms(env.Ctx)
	if err != nil || created != 1 {
		t.Fatalf("expected one overdue alert, got %d (%v)", created, err)
	}
	created, _ = env.Engine.MarkOverdueForms(env.Ctx)
	if created != 0 {
		t.Fatalf("second run must not duplicate, got %d", created)
	}
	if err := env.Engine.CompleteForm(env.Ctx, env.WS.ID, late.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	alerts, _ := env.Engine.ListAlerts(env.Ctx, repo.AlertFilters{WorkspaceID: env.WS.ID, Type: engine.AlertFormOverdue})
	if len(alerts) != 0 {
		t.Fatalf("completing the form should resolve its alert, got %+v", alerts)
	}
}

func TestDailyReminders(t *testing.T) {
	env := newTestEnv(t)
	svc := env.service(t)
	c := env.contact(t)
	b, err := env.Engine.CreateBooking(env.Ctx, engine.BookingCreateOptions{WorkspaceID: env.WS.ID, ServiceID: svc.ID, ContactID: c.ID, Date: "2024-01-02", Time: "09:00", Status: domain.BookingConfirmed})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateBooking(env.Ctx, engine.BookingCreateOptions{WorkspaceID: env.WS.ID, ServiceID: svc.ID, ContactID: c.ID, Date: "2024-01-02", Time: "11:00"}); err != nil {
		t.Fatal(err)
	}
	queued, err := env.Engine.DailyReminders(env.Ctx)
	if err != nil || queued != 1 {
		t.Fatalf("expected one reminder queued, got %d (%v)", queued, err)
	}
	queued, _ = env.Engine.DailyReminders(env.Ctx)
	if queued != 0 {
		t.Fatalf("reminders must be queued once per booking, got %d", queued)
	}
	tasks, _ := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{Action: automation.TaskBookingReminder})
	if len(tasks) != 1 {
		t.Fatalf("expected one reminder task, got %d", len(tasks))
	}
	var args automation.BookingArgs
	if err := json.Unmarshal([]byte(tasks[0].ArgsJSON), &args); err != nil || args.BookingID != b.ID {
		t.Fatalf("unexpected reminder args %s (%v)", tasks[0].ArgsJSON, err)
	}
}

func TestRaiseEventRejectsUnknownType(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.RaiseEvent(env.Ctx, env.WS.ID, "payment_received", nil, "tester"); !errors.Is(err, engine.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if err := env.Engine.RaiseEvent(env.Ctx, env.WS.ID, "contact_created", map[string]any{"contact_id": "c1"}, "tester"); err != nil {
		t.Fatal(err)
	}
	if len(triggers(t, env, "contact_created")) != 1 {
		t.Fatalf("expected manual trigger to be queued")
	}
}
