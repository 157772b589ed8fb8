package repo

import (
	"context"
	"database/sql"

	"careops/internal/domain"
)

const formColumns = `id,workspace_id,booking_id,form_name,due_date,status,created_at`

func scanForm(row interface{ Scan(...any) error }) (domain.FormSubmission, error) {
	var f domain.FormSubmission
	err := row.Scan(&f.ID, &f.WorkspaceID, &f.BookingID, &f.FormName, &f.DueDate, &f.Status, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	return f, err
}

func (r Repo) InsertFormSubmission(ctx context.Context, tx *sql.Tx, f domain.FormSubmission) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO form_submissions(id,workspace_id,booking_id,form_name,due_date,status,created_at) VALUES (?,?,?,?,?,?,?)`,
		f.ID, f.WorkspaceID, f.BookingID, f.FormName, f.DueDate, f.Status, f.CreatedAt)
	return err
}

func (r Repo) ListFormsForBooking(ctx context.Context, workspaceID, bookingID string) ([]domain.FormSubmission, error) {
	return r.queryForms(ctx, `SELECT `+formColumns+` FROM form_submissions WHERE workspace_id=? AND booking_id=? ORDER BY created_at, id`, workspaceID, bookingID)
}

// OverdueForms lists pending submissions with a due date before today (YYYY-MM-DD).
func (r Repo) OverdueForms(ctx context.Context, today string) ([]domain.FormSubmission, error) {
	return r.queryForms(ctx, `SELECT `+formColumns+` FROM form_submissions WHERE status='pending' AND due_date < ? ORDER BY due_date, id`, today)
}

// SetFormStatus moves a submission to status only when it is currently in from.
func (r Repo) SetFormStatus(ctx context.Context, tx *sql.Tx, workspaceID, id, from, status string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE form_submissions SET status=? WHERE id=? AND workspace_id=? AND status=?`, status, id, workspaceID, from)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r Repo) queryForms(ctx context.Context, query string, args ...any) ([]domain.FormSubmission, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FormSubmission
	for rows.Next() {
		f, err := scanForm(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}
