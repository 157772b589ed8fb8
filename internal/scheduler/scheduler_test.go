package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	bckoff "github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"careops/internal/db"
	"careops/internal/domain"
	"careops/internal/migrate"
	"careops/internal/repo"
)

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

func newTestQueue(t *testing.T) (Queue, *clock) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return Queue{
		Repo:           repo.Repo{DB: conn},
		Now:            c.Now,
		MaxAttempts:    3,
		BackoffInitial: time.Minute,
		BackoffMax:     10 * time.Minute,
	}, c
}

func TestScheduleIsIdempotentByKey(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()
	eta := c.Now().Add(time.Hour)

	first, created, err := q.Schedule(ctx, "booking.reminder", map[string]string{"booking_id": "b1"}, eta, "booking_reminder:b1")
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := q.Schedule(ctx, "booking.reminder", map[string]string{"booking_id": "b1"}, eta, "booking_reminder:b1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	_, created, err = q.Schedule(ctx, "booking.reminder", nil, eta, "")
	require.NoError(t, err)
	assert.True(t, created)
}

func TestClaimRespectsNotBefore(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()
	_, _, err := q.Schedule(ctx, "later", nil, c.Now().Add(time.Hour), "")
	require.NoError(t, err)
	soon, _, err := q.Schedule(ctx, "soon", nil, c.Now(), "")
	require.NoError(t, err)

	task, ok, err := q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, soon.ID, task.ID)
	assert.Equal(t, domain.TaskRunning, task.Status)
	assert.Equal(t, 1, task.Attempts)

	_, ok, err = q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "later task must not run before its eta")

	c.Advance(time.Hour)
	task, ok, err = q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "later", task.Action)
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()
	_, _, err := q.Schedule(ctx, "x", nil, c.Now(), "")
	require.NoError(t, err)
	task, ok, err := q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = q.Claim(ctx, "w2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	c.Advance(2 * time.Minute)
	again, ok, err := q.Claim(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, task.ID, again.ID)
	assert.Equal(t, 2, again.Attempts)

	assert.ErrorIs(t, q.Complete(ctx, task, "w1", nil), repo.ErrNotFound, "stale lease holder cannot finish")
	require.NoError(t, q.Complete(ctx, again, "w2", map[string]int{"n": 1}))
}

func TestRetryBacksOffThenFails(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()
	_, _, err := q.Schedule(ctx, "flaky", nil, c.Now(), "")
	require.NoError(t, err)
	cause := errors.New("provider timeout")

	var delays []time.Duration
	for i := 0; i < 2; i++ {
		task, ok, err := q.Claim(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		final, err := q.Retry(ctx, task, "w1", cause)
		require.NoError(t, err)
		assert.False(t, final)
		stored, err := q.Repo.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskQueued, stored.Status)
		next, err := time.Parse(TimeLayout, stored.NotBefore)
		require.NoError(t, err)
		delays = append(delays, next.Sub(c.Now()))
		c.Advance(next.Sub(c.Now()))
	}
	assert.Equal(t, []time.Duration{time.Minute, 2 * time.Minute}, delays)

	task, ok, err := q.Claim(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	final, err := q.Retry(ctx, task, "w1", cause)
	require.NoError(t, err)
	assert.True(t, final)
	stored, err := q.Repo.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, stored.Status)
	require.NotNil(t, stored.LastError)
	assert.Contains(t, *stored.LastError, "provider timeout")
}

func TestRetryDelayIsCapped(t *testing.T) {
	q := Queue{BackoffInitial: time.Second, BackoffMax: 4 * time.Second}
	assert.Equal(t, time.Second, q.RetryDelay(1))
	assert.Equal(t, 2*time.Second, q.RetryDelay(2))
	assert.Equal(t, 4*time.Second, q.RetryDelay(3))
	assert.Equal(t, 4*time.Second, q.RetryDelay(8))
}

func TestWorkerRunsHandlers(t *testing.T) {
	q, c := newTestQueue(t)
	q.Now = nil // real clock so polling sees tasks
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	ctx := context.Background()

	w := NewWorker(q, WorkerConfig{Concurrency: 2, PollInterval: 10 * time.Millisecond, Lease: time.Minute}, nil, nil)
	var ran atomic.Int32
	w.Handle("ok", func(ctx context.Context, task domain.Task) (Result, error) {
		ran.Add(1)
		return Succeeded("done", nil), nil
	})
	w.Handle("skip", func(ctx context.Context, task domain.Task) (Result, error) {
		return Skipped("booking not confirmed"), nil
	})
	w.Handle("bad", func(ctx context.Context, task domain.Task) (Result, error) {
		return Result{}, bckoff.Permanent(errors.New("missing recipient"))
	})
	w.Handle("boom", func(ctx context.Context, task domain.Task) (Result, error) {
		panic("unexpected")
	})

	ids := map[string]string{}
	for _, action := range []string{"ok", "ok", "skip", "bad", "boom", "unknown"} {
		task, _, err := q.Schedule(ctx, action, nil, c.Now(), "")
		require.NoError(t, err)
		ids[task.ID] = action
	}

	w.Start(ctx)
	require.Eventually(t, func() bool {
		tasks, err := q.Repo.ListTasks(ctx, repo.TaskFilters{Status: domain.TaskRunning})
		if err != nil || len(tasks) > 0 {
			return false
		}
		queued, err := q.Repo.ListTasks(ctx, repo.TaskFilters{Status: domain.TaskQueued})
		return err == nil && len(queued) == 1
	}, 5*time.Second, 20*time.Millisecond)
	w.Stop()

	assert.Equal(t, int32(2), ran.Load())
	want := map[string]string{"ok": domain.TaskSucceeded, "skip": domain.TaskSkipped, "bad": domain.TaskFailed, "unknown": domain.TaskFailed, "boom": domain.TaskQueued}
	for id, action := range ids {
		task, err := q.Repo.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want[action], task.Status, action)
	}
}

func TestWorkerDrain(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()
	w := NewWorker(q, WorkerConfig{}, nil, nil)
	w.Handle("ok", func(ctx context.Context, task domain.Task) (Result, error) {
		return Succeeded("", nil), nil
	})
	for i := 0; i < 3; i++ {
		_, _, err := q.Schedule(ctx, "ok", nil, c.Now(), "")
		require.NoError(t, err)
	}
	n, err := w.Drain(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestBeatEnqueuesOncePerSlot(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()
	b := NewBeat(q, []Periodic{
		{Action: "inventory.check_low", Every: 6 * time.Hour},
		{Action: "forms.check_overdue", Every: time.Hour},
		{Action: "disabled", Every: 0},
	}, time.Minute, nil)

	n, err := b.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	c.Advance(30 * time.Minute)
	n, err = b.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "same slot must not enqueue again")

	c.Advance(30 * time.Minute)
	n, err = b.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the hourly job has a new slot")
}

func TestBeatStartStopDoesNotLeak(t *testing.T) {
	q, _ := newTestQueue(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	b := NewBeat(q, []Periodic{{Action: "x", Every: time.Hour}}, 10*time.Millisecond, nil)
	b.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	b.Stop()
}
