// Package scheduler runs named actions durably at or after a not-before time.
package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bckoff "github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"careops/internal/domain"
	"careops/internal/repo"
)

// TimeLayout is fixed width so stored timestamps compare correctly as strings.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

func formatTS(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Queue persists tasks in the tasks table.
type Queue struct {
	Repo           repo.Repo
	Now            func() time.Time
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func (q Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now().UTC()
}

// Schedule records that action(args) must run no earlier than eta. A non-empty
// idempotencyKey that was already used returns the existing task with created=false.
func (q Queue) Schedule(ctx context.Context, action string, args any, eta time.Time, idempotencyKey string) (domain.Task, bool, error) {
	return q.ScheduleTx(ctx, nil, action, args, eta, idempotencyKey)
}

// ScheduleTx is Schedule inside tx, so the task commits or rolls back with the caller's writes.
func (q Queue) ScheduleTx(ctx context.Context, tx *sql.Tx, action string, args any, eta time.Time, idempotencyKey string) (domain.Task, bool, error) {
	if action == "" {
		return domain.Task{}, false, errors.New("task action is required")
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return domain.Task{}, false, fmt.Errorf("marshal %s args: %w", action, err)
	}
	if args == nil {
		payload = []byte("{}")
	}
	now := q.now()
	if eta.IsZero() || eta.Before(now) {
		eta = now
	}
	maxAttempts := q.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	task := domain.Task{
		ID:          uuid.NewString(),
		Action:      action,
		ArgsJSON:    string(payload),
		NotBefore:   formatTS(eta),
		MaxAttempts: maxAttempts,
		CreatedAt:   formatTS(now),
		UpdatedAt:   formatTS(now),
	}
	if idempotencyKey != "" {
		task.IdempotencyKey = &idempotencyKey
	}
	return q.Repo.InsertTask(ctx, tx, task)
}

// Claim leases the oldest due task to workerID for lease. ok is false when none is due.
func (q Queue) Claim(ctx context.Context, workerID string, lease time.Duration) (domain.Task, bool, error) {
	now := q.now()
	return q.Repo.ClaimTask(ctx, workerID, formatTS(now), formatTS(now.Add(lease)))
}

// Complete marks the task succeeded and stores result as JSON.
func (q Queue) Complete(ctx context.Context, task domain.Task, workerID string, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	if result == nil {
		data = nil
	}
	return q.Repo.FinishTask(ctx, task.ID, workerID, domain.TaskSucceeded, string(data), "", formatTS(q.now()))
}

// Skip marks the task skipped because its precondition no longer holds.
func (q Queue) Skip(ctx context.Context, task domain.Task, workerID, reason string) error {
	data, _ := json.Marshal(map[string]string{"skipped": reason})
	return q.Repo.FinishTask(ctx, task.ID, workerID, domain.TaskSkipped, string(data), "", formatTS(q.now()))
}

// Fail marks the task permanently failed.
func (q Queue) Fail(ctx context.Context, task domain.Task, workerID string, cause error) error {
	return q.Repo.FinishTask(ctx, task.ID, workerID, domain.TaskFailed, "", errString(cause), formatTS(q.now()))
}

// Retry requeues the task after a backoff derived from its attempt count. Once attempts
// reach max_attempts the task fails instead and final is true.
func (q Queue) Retry(ctx context.Context, task domain.Task, workerID string, cause error) (final bool, err error) {
	if task.Attempts >= task.MaxAttempts {
		return true, q.Fail(ctx, task, workerID, fmt.Errorf("giving up after %d attempts: %w", task.Attempts, cause))
	}
	now := q.now()
	next := now.Add(q.RetryDelay(task.Attempts))
	return false, q.Repo.RequeueTask(ctx, task.ID, workerID, formatTS(next), errString(cause), formatTS(now))
}

// RetryDelay is the exponential delay before retry number attempt (1-based).
func (q Queue) RetryDelay(attempt int) time.Duration {
	b := bckoff.NewExponentialBackOff()
	b.InitialInterval = q.BackoffInitial
	if b.InitialInterval <= 0 {
		b.InitialInterval = 30 * time.Second
	}
	b.MaxInterval = q.BackoffMax
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = 30 * time.Minute
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	d := b.InitialInterval
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Decode unmarshals a task's arguments into v.
func Decode(task domain.Task, v any) error {
	if err := json.Unmarshal([]byte(task.ArgsJSON), v); err != nil {
		return bckoff.Permanent(fmt.Errorf("decode %s args: %w", task.Action, err))
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
