package repo

import (
	"context"
	"database/sql"
	"strings"

	"careops/internal/domain"
)

const alertColumns = `id,workspace_id,type,status,severity,title,message,COALESCE(link,''),COALESCE(reference_type,''),COALESCE(reference_id,''),dismissed_at,resolved_at,created_at`

func scanAlert(row interface{ Scan(...any) error }) (domain.Alert, error) {
	var a domain.Alert
	var dismissed, resolved sql.NullString
	err := row.Scan(&a.ID, &a.WorkspaceID, &a.Type, &a.Status, &a.Severity, &a.Title, &a.Message, &a.Link,
		&a.ReferenceType, &a.ReferenceID, &dismissed, &resolved, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	a.DismissedAt = ptrFromNull(dismissed)
	a.ResolvedAt = ptrFromNull(resolved)
	return a, err
}

// CreateAlert inserts a into the active set unless an active alert already holds the same
// (workspace, type, reference_type, reference_id) key. The unique partial index makes the
// check and insert a single atomic statement; on a duplicate the existing alert is returned
// with created=false.
func (r Repo) CreateAlert(ctx context.Context, tx *sql.Tx, a domain.Alert) (domain.Alert, bool, error) {
	q := r.q(tx)
	a.Status = domain.AlertActive
	res, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO alerts(id,workspace_id,type,status,severity,title,message,link,reference_type,reference_id,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.WorkspaceID, a.Type, a.Status, a.Severity, a.Title, a.Message, nullable(a.Link), nullable(a.ReferenceType), nullable(a.ReferenceID), a.CreatedAt)
	if err != nil {
		return domain.Alert{}, false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return a, true, nil
	}
	existing, err := scanAlert(q.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE workspace_id=? AND type=? AND COALESCE(reference_type,'')=? AND COALESCE(reference_id,'')=? AND status='active' LIMIT 1`,
		a.WorkspaceID, a.Type, a.ReferenceType, a.ReferenceID))
	if err != nil {
		return domain.Alert{}, false, err
	}
	return existing, false, nil
}

func (r Repo) GetAlert(ctx context.Context, workspaceID, id string) (domain.Alert, error) {
	return scanAlert(r.DB.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id=? AND workspace_id=?`, id, workspaceID))
}

type AlertFilters struct {
	WorkspaceID string
	Status      string
	Severity    string
	Type        string
	Offset      int
	Limit       int
}

// ListAlerts orders by severity (critical first) then newest first.
func (r Repo) ListAlerts(ctx context.Context, f AlertFilters) ([]domain.Alert, error) {
	clauses := []string{"workspace_id=?"}
	args := []any{f.WorkspaceID}
	if f.Status != "" && f.Status != "all" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Severity != "" && f.Severity != "all" {
		clauses = append(clauses, "severity=?")
		args = append(args, f.Severity)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, f.Offset)
	rows, err := r.DB.QueryContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE `+strings.Join(clauses, " AND ")+`
ORDER BY CASE severity WHEN 'critical' THEN 4 WHEN 'high' THEN 3 WHEN 'medium' THEN 2 ELSE 1 END DESC, created_at DESC, id DESC
LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// CloseAlert moves an active alert to status (dismissed or resolved). Closed alerts are left
// untouched and reported with changed=false.
func (r Repo) CloseAlert(ctx context.Context, workspaceID, id, status, now string) (domain.Alert, bool, error) {
	column := "resolved_at"
	if status == domain.AlertDismissed {
		column = "dismissed_at"
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE alerts SET status=?, `+column+`=? WHERE id=? AND workspace_id=? AND status='active'`, status, now, id, workspaceID)
	if err != nil {
		return domain.Alert{}, false, err
	}
	n, _ := res.RowsAffected()
	a, err := r.GetAlert(ctx, workspaceID, id)
	return a, n == 1, err
}

// ResolveActiveAlerts resolves the active alert for a reference key, if any.
func (r Repo) ResolveActiveAlerts(ctx context.Context, tx *sql.Tx, workspaceID, alertType, refType, refID, now string) (int, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE alerts SET status='resolved', resolved_at=? WHERE workspace_id=? AND type=? AND COALESCE(reference_type,'')=? AND COALESCE(reference_id,'')=? AND status='active'`,
		now, workspaceID, alertType, refType, refID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountActiveAlerts counts active alerts, optionally restricted to severities.
func (r Repo) CountActiveAlerts(ctx context.Context, workspaceID string, severities ...string) (int, error) {
	query := `SELECT COUNT(*) FROM alerts WHERE workspace_id=? AND status='active'`
	args := []any{workspaceID}
	if len(severities) > 0 {
		query += ` AND severity IN (` + placeholders(len(severities)) + `)`
		for _, s := range severities {
			args = append(args, s)
		}
	}
	var n int
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}
