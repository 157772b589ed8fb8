package repo_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"careops/internal/db"
	"careops/internal/domain"
	"careops/internal/migrate"
	"careops/internal/repo"
)

const stamp = "2024-01-01T00:00:00Z"

func newRepo(t *testing.T) (repo.Repo, context.Context) {
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
	ctx := context.Background()
	if err := r.InsertWorkspace(ctx, nil, domain.Workspace{ID: "ws-1", Name: "Clinic", Slug: "clinic", Timezone: "UTC", IsActive: true, CreatedAt: stamp}); err != nil {
		t.Fatalf("insert workspace: %v", err)
	}
	return r, ctx
}

func lowStockAlert(id string) domain.Alert {
	return domain.Alert{
		ID:            id,
		WorkspaceID:   "ws-1",
		Type:          "low_stock",
		Severity:      "high",
		Title:         "Low Stock: Gloves",
		Message:       "Gloves is running low",
		ReferenceType: "inventory_item",
		ReferenceID:   "item-1",
		CreatedAt:     stamp,
	}
}

func TestCreateAlertIsAtomicUnderConcurrency(t *testing.T) {
	r, ctx := newRepo(t)

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	ids := map[string]bool{}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, ok, err := r.CreateAlert(ctx, nil, lowStockAlert(fmt.Sprintf("alert-%d", i)))
			if err != nil {
				t.Errorf("create alert %d: %v", i, err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if ok {
				created++
			}
			ids[a.ID] = true
		}(i)
	}
	wg.Wait()

	if created != 1 {
		t.Fatalf("expected exactly one created alert, got %d", created)
	}
	if len(ids) != 1 {
		t.Fatalf("expected every caller to see the same active alert, got %v", ids)
	}
	n, err := r.CountActiveAlerts(ctx, "ws-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 active alert, got %d", n)
	}
}

func TestResolvedAlertFreesDedupKey(t *testing.T) {
	r, ctx := newRepo(t)
	if _, ok, err := r.CreateAlert(ctx, nil, lowStockAlert("alert-1")); err != nil || !ok {
		t.Fatalf("first alert: ok=%v err=%v", ok, err)
	}
	n, err := r.ResolveActiveAlerts(ctx, nil, "ws-1", "low_stock", "inventory_item", "item-1", stamp)
	if err != nil || n != 1 {
		t.Fatalf("resolve: n=%d err=%v", n, err)
	}
	a, ok, err := r.CreateAlert(ctx, nil, lowStockAlert("alert-2"))
	if err != nil || !ok {
		t.Fatalf("second alert: ok=%v err=%v", ok, err)
	}
	if a.ID != "alert-2" || a.Status != domain.AlertActive {
		t.Fatalf("unexpected alert %+v", a)
	}
	_, changed, err := r.CloseAlert(ctx, "ws-1", "alert-1", domain.AlertDismissed, stamp)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if changed {
		t.Fatalf("resolved alert must not be dismissed")
	}
}

func TestClaimTaskIsExclusive(t *testing.T) {
	r, ctx := newRepo(t)
	const tasks = 6
	for i := 0; i < tasks; i++ {
		_, ok, err := r.InsertTask(ctx, nil, domain.Task{
			ID:          fmt.Sprintf("task-%d", i),
			Action:      "noop",
			ArgsJSON:    "{}",
			NotBefore:   "2024-01-01T00:00:00.000Z",
			MaxAttempts: 3,
			CreatedAt:   stamp,
			UpdatedAt:   stamp,
		})
		if err != nil || !ok {
			t.Fatalf("insert task %d: ok=%v err=%v", i, ok, err)
		}
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := map[string]string{}
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				task, ok, err := r.ClaimTask(ctx, worker, "2024-01-01T00:00:01.000Z", "2024-01-01T00:05:00.000Z")
				if err != nil {
					t.Errorf("%s claim: %v", worker, err)
					return
				}
				if !ok {
					return
				}
				mu.Lock()
				if prev, dup := claimed[task.ID]; dup {
					t.Errorf("task %s claimed by %s and %s", task.ID, prev, worker)
				}
				claimed[task.ID] = worker
				mu.Unlock()
			}
		}(fmt.Sprintf("worker-%d", w))
	}
	wg.Wait()
	if len(claimed) != tasks {
		t.Fatalf("expected %d claimed tasks, got %d", tasks, len(claimed))
	}
}

func TestInsertTaskDeduplicatesByKey(t *testing.T) {
	r, ctx := newRepo(t)
	key := "booking_reminder:b-1:1704067200"
	first, ok, err := r.InsertTask(ctx, nil, domain.Task{ID: "t-1", Action: "booking.reminder", ArgsJSON: "{}", NotBefore: stamp, MaxAttempts: 5, IdempotencyKey: &key, CreatedAt: stamp, UpdatedAt: stamp})
	if err != nil || !ok {
		t.Fatalf("first insert: ok=%v err=%v", ok, err)
	}
	second, ok, err := r.InsertTask(ctx, nil, domain.Task{ID: "t-2", Action: "booking.reminder", ArgsJSON: "{}", NotBefore: stamp, MaxAttempts: 5, IdempotencyKey: &key, CreatedAt: stamp, UpdatedAt: stamp})
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if ok || second.ID != first.ID {
		t.Fatalf("expected existing task %s, got %s (created=%v)", first.ID, second.ID, ok)
	}
}

func TestBookingMarkerIsClaimedOnce(t *testing.T) {
	r, ctx := newRepo(t)
	if err := r.InsertContact(ctx, nil, domain.Contact{ID: "c-1", WorkspaceID: "ws-1", FullName: "Ana", Email: "ana@example.com", PreferredChannel: "email", CreatedAt: stamp}); err != nil {
		t.Fatalf("insert contact: %v", err)
	}
	if err := r.InsertService(ctx, nil, domain.Service{ID: "svc-1", WorkspaceID: "ws-1", Name: "Massage", Slug: "massage", DurationMinutes: 30, Availability: domain.Availability{}, IsActive: true, CreatedAt: stamp}); err != nil {
		t.Fatalf("insert service: %v", err)
	}
	if err := r.InsertBooking(ctx, nil, domain.Booking{ID: "b-1", WorkspaceID: "ws-1", ServiceID: "svc-1", ContactID: "c-1", Date: "2024-01-02", Time: "09:00", Status: domain.BookingConfirmed, CreatedAt: stamp, UpdatedAt: stamp}); err != nil {
		t.Fatalf("insert booking: %v", err)
	}

	ok, err := r.ClaimBookingMarker(ctx, "ws-1", "b-1", repo.MarkerReminder, stamp, domain.BookingConfirmed)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, err = r.ClaimBookingMarker(ctx, "ws-1", "b-1", repo.MarkerReminder, stamp, domain.BookingConfirmed)
	if err != nil || ok {
		t.Fatalf("second claim must fail: ok=%v err=%v", ok, err)
	}
	if err := r.ReleaseBookingMarker(ctx, "ws-1", "b-1", repo.MarkerReminder, stamp); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := r.UpdateBookingStatus(ctx, nil, "ws-1", "b-1", domain.BookingCancelled, stamp); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	ok, err = r.ClaimBookingMarker(ctx, "ws-1", "b-1", repo.MarkerReminder, stamp, domain.BookingConfirmed)
	if err != nil || ok {
		t.Fatalf("claim on cancelled booking must fail: ok=%v err=%v", ok, err)
	}
	if _, err := r.ClaimBookingMarker(ctx, "ws-1", "b-1", "notes", stamp); err == nil {
		t.Fatalf("expected unknown marker error")
	}
}

func TestClaimRuleExecutionCountsAttempts(t *testing.T) {
	r, ctx := newRepo(t)
	rule := domain.AutomationRule{ID: "rule-1", WorkspaceID: "ws-1", Name: "welcome", EventType: "contact_created", ActionType: "send_email", IsActive: true, CreatedAt: stamp, UpdatedAt: stamp}
	if err := r.InsertRule(ctx, nil, rule); err != nil {
		t.Fatalf("insert rule: %v", err)
	}
	for i := 0; i < 3; i++ {
		got, ok, err := r.ClaimRuleExecution(ctx, "ws-1", "rule-1", "contact_created", time.Date(2024, 1, 1, i, 0, 0, 0, time.UTC).Format(time.RFC3339))
		if err != nil || !ok {
			t.Fatalf("claim %d: ok=%v err=%v", i, ok, err)
		}
		if got.ExecutionCount != i+1 {
			t.Fatalf("claim %d returned count %d", i, got.ExecutionCount)
		}
	}
	got, err := r.GetRule(ctx, "ws-1", "rule-1")
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	if got.ExecutionCount != 3 {
		t.Fatalf("expected 3 executions, got %d", got.ExecutionCount)
	}
	if got.LastExecutedAt == nil || *got.LastExecutedAt != "2024-01-01T02:00:00Z" {
		t.Fatalf("unexpected last_executed_at %v", got.LastExecutedAt)
	}

	for name, args := range map[string][2]string{
		"other workspace":  {"ws-other", "contact_created"},
		"other event type": {"ws-1", "booking_created"},
	} {
		if _, ok, err := r.ClaimRuleExecution(ctx, args[0], "rule-1", args[1], stamp); err != nil || ok {
			t.Fatalf("%s: expected no claim, ok=%v err=%v", name, ok, err)
		}
	}
	rule.IsActive = false
	if err := r.UpdateRule(ctx, nil, rule); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, ok, err := r.ClaimRuleExecution(ctx, "ws-1", "rule-1", "contact_created", stamp); err != nil || ok {
		t.Fatalf("disabled rule must not be claimed, ok=%v err=%v", ok, err)
	}
	if got, _ := r.GetRule(ctx, "ws-1", "rule-1"); got.ExecutionCount != 3 {
		t.Fatalf("disabled rule count changed to %d", got.ExecutionCount)
	}
}
