package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"careops/internal/domain"
)

const bookingColumns = `id,workspace_id,service_id,contact_id,booking_date,booking_time,status,COALESCE(notes,''),confirmation_sent_at,reminder_sent_at,forms_sent_at,created_at,updated_at`

func scanBooking(row interface{ Scan(...any) error }) (domain.Booking, error) {
	var b domain.Booking
	var confirmation, reminder, forms sql.NullString
	err := row.Scan(&b.ID, &b.WorkspaceID, &b.ServiceID, &b.ContactID, &b.Date, &b.Time, &b.Status, &b.Notes,
		&confirmation, &reminder, &forms, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	b.ConfirmationSentAt = ptrFromNull(confirmation)
	b.ReminderSentAt = ptrFromNull(reminder)
	b.FormsSentAt = ptrFromNull(forms)
	return b, err
}

func (r Repo) InsertBooking(ctx context.Context, tx *sql.Tx, b domain.Booking) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO bookings(id,workspace_id,service_id,contact_id,booking_date,booking_time,status,notes,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.WorkspaceID, b.ServiceID, b.ContactID, b.Date, b.Time, b.Status, nullable(b.Notes), b.CreatedAt, b.UpdatedAt)
	return err
}

func (r Repo) GetBooking(ctx context.Context, tx *sql.Tx, workspaceID, id string) (domain.Booking, error) {
	return scanBooking(r.q(tx).QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id=? AND workspace_id=?`, id, workspaceID))
}

type BookingFilters struct {
	WorkspaceID string
	ServiceID   string
	Date        string
	Statuses    []string
	// ReminderPending restricts to bookings whose reminder has not been sent.
	ReminderPending bool
	Limit           int
}

func (r Repo) ListBookings(ctx context.Context, f BookingFilters) ([]domain.Booking, error) {
	var clauses []string
	var args []any
	if f.WorkspaceID != "" {
		clauses = append(clauses, "workspace_id=?")
		args = append(args, f.WorkspaceID)
	}
	if f.ServiceID != "" {
		clauses = append(clauses, "service_id=?")
		args = append(args, f.ServiceID)
	}
	if f.Date != "" {
		clauses = append(clauses, "booking_date=?")
		args = append(args, f.Date)
	}
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	if f.ReminderPending {
		clauses = append(clauses, "reminder_sent_at IS NULL")
	}
	query := `SELECT ` + bookingColumns + ` FROM bookings`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY booking_date, booking_time, id`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// BookedTimes returns start times of confirmed or pending bookings for a service on a date.
func (r Repo) BookedTimes(ctx context.Context, tx *sql.Tx, workspaceID, serviceID, date string) ([]string, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT booking_time FROM bookings WHERE workspace_id=? AND service_id=? AND booking_date=? AND status IN (?,?) ORDER BY booking_time`,
		workspaceID, serviceID, date, domain.BookingConfirmed, domain.BookingPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// HasBookingConflict reports an active booking at the exact same service, date and time.
func (r Repo) HasBookingConflict(ctx context.Context, tx *sql.Tx, workspaceID, serviceID, date, tm, excludeID string) (bool, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT 1 FROM bookings WHERE workspace_id=? AND service_id=? AND booking_date=? AND booking_time=? AND status IN (?,?) AND id<>? LIMIT 1`,
		workspaceID, serviceID, date, tm, domain.BookingConfirmed, domain.BookingPending, excludeID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) UpdateBookingStatus(ctx context.Context, tx *sql.Tx, workspaceID, id, status, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE bookings SET status=?, updated_at=? WHERE id=? AND workspace_id=?`, status, now, id, workspaceID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// Booking delivery markers; each is set at most once.
const (
	MarkerConfirmation = "confirmation_sent_at"
	MarkerReminder     = "reminder_sent_at"
	MarkerForms        = "forms_sent_at"
)

// ClaimBookingMarker sets marker to now if it is unset and the booking is in one of statuses.
// It returns false when another delivery already claimed it or the status no longer qualifies.
func (r Repo) ClaimBookingMarker(ctx context.Context, workspaceID, id, marker, now string, statuses ...string) (bool, error) {
	if err := checkMarker(marker); err != nil {
		return false, err
	}
	query := fmt.Sprintf(`UPDATE bookings SET %s=?, updated_at=? WHERE id=? AND workspace_id=? AND %s IS NULL`, marker, marker)
	args := []any{now, now, id, workspaceID}
	if len(statuses) > 0 {
		query += " AND status IN (" + placeholders(len(statuses)) + ")"
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ReleaseBookingMarker clears a marker previously claimed with value claimedAt.
func (r Repo) ReleaseBookingMarker(ctx context.Context, workspaceID, id, marker, claimedAt string) error {
	if err := checkMarker(marker); err != nil {
		return err
	}
	_, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE bookings SET %s=NULL WHERE id=? AND workspace_id=? AND %s=?`, marker, marker), id, workspaceID, claimedAt)
	return err
}

func checkMarker(marker string) error {
	switch marker {
	case MarkerConfirmation, MarkerReminder, MarkerForms:
		return nil
	}
	return fmt.Errorf("unknown booking marker %q", marker)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
