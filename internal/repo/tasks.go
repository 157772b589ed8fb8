package repo

import (
	"context"
	"database/sql"
	"strings"

	"careops/internal/domain"
)

const taskColumns = `id,action,args_json,not_before,status,attempts,max_attempts,idempotency_key,locked_by,locked_until,last_error,result_json,created_at,updated_at`

func scanTask(row interface{ Scan(...any) error }) (domain.Task, error) {
	var t domain.Task
	var key, lockedBy, lockedUntil, lastErr, result sql.NullString
	err := row.Scan(&t.ID, &t.Action, &t.ArgsJSON, &t.NotBefore, &t.Status, &t.Attempts, &t.MaxAttempts,
		&key, &lockedBy, &lockedUntil, &lastErr, &result, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	t.IdempotencyKey = ptrFromNull(key)
	t.LockedBy = ptrFromNull(lockedBy)
	t.LockedUntil = ptrFromNull(lockedUntil)
	t.LastError = ptrFromNull(lastErr)
	t.ResultJSON = ptrFromNull(result)
	return t, err
}

// InsertTask stores t unless a task with the same idempotency key exists, in which case the
// existing task is returned with created=false.
func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) (domain.Task, bool, error) {
	q := r.q(tx)
	res, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO tasks(id,action,args_json,not_before,status,attempts,max_attempts,idempotency_key,created_at,updated_at) VALUES (?,?,?,?,?,0,?,?,?,?)`,
		t.ID, t.Action, t.ArgsJSON, t.NotBefore, domain.TaskQueued, t.MaxAttempts, nullableStringPtr(t.IdempotencyKey), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return domain.Task{}, false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		t.Status = domain.TaskQueued
		return t, true, nil
	}
	if t.IdempotencyKey == nil {
		return domain.Task{}, false, ErrConflict
	}
	existing, err := scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE idempotency_key=?`, *t.IdempotencyKey))
	return existing, false, err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// ClaimTask atomically leases the oldest due task to workerID. Running tasks whose lease
// expired are eligible again. ok is false when nothing is due.
func (r Repo) ClaimTask(ctx context.Context, workerID, now, lockedUntil string) (domain.Task, bool, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, `UPDATE tasks SET status='running', locked_by=?, locked_until=?, attempts=attempts+1, updated_at=?
WHERE id=(
  SELECT id FROM tasks
  WHERE (status='queued' AND not_before<=?) OR (status='running' AND locked_until<?)
  ORDER BY not_before, id LIMIT 1
)
RETURNING `+taskColumns, workerID, lockedUntil, now, now, now))
	if err == ErrNotFound {
		return domain.Task{}, false, nil
	}
	if err != nil {
		return domain.Task{}, false, err
	}
	return t, true, nil
}

// FinishTask records a terminal status for a task still leased by workerID.
func (r Repo) FinishTask(ctx context.Context, id, workerID, status, resultJSON, lastError, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET status=?, result_json=?, last_error=?, locked_by=NULL, locked_until=NULL, updated_at=? WHERE id=? AND locked_by=? AND status='running'`,
		status, nullable(resultJSON), nullable(lastError), now, id, workerID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// RequeueTask puts a leased task back in the queue to run no earlier than notBefore.
func (r Repo) RequeueTask(ctx context.Context, id, workerID, notBefore, lastError, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET status='queued', not_before=?, last_error=?, locked_by=NULL, locked_until=NULL, updated_at=? WHERE id=? AND locked_by=? AND status='running'`,
		notBefore, nullable(lastError), now, id, workerID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

type TaskFilters struct {
	// WorkspaceID matches the workspace_id carried in the task arguments.
	WorkspaceID string
	Status      string
	Action      string
	Limit       int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.WorkspaceID != "" {
		clauses = append(clauses, "json_extract(args_json,'$.workspace_id')=?")
		args = append(args, f.WorkspaceID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// CountTasks groups task counts by status.
func (r Repo) CountTasks(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
