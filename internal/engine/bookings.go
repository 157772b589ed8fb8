package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"careops/internal/automation"
	"careops/internal/availability"
	"careops/internal/domain"
	"careops/internal/events"
	"careops/internal/notify"
	"careops/internal/repo"
)

type ContactCreateOptions struct {
	WorkspaceID      string
	FullName         string
	Email            string
	Phone            string
	PreferredChannel string
	ActorID          string
}

// CreateContact stores a contact with a normalised phone number and raises contact_created.
func (e Engine) CreateContact(ctx context.Context, opts ContactCreateOptions) (domain.Contact, error) {
	if strings.TrimSpace(opts.FullName) == "" {
		return domain.Contact{}, invalidf("full_name is required")
	}
	email := strings.TrimSpace(opts.Email)
	if email != "" && !notify.ValidEmail(email) {
		return domain.Contact{}, invalidf("email %q", email)
	}
	phone := ""
	if strings.TrimSpace(opts.Phone) != "" {
		p, err := notify.NormalizePhone(opts.Phone)
		if err != nil {
			return domain.Contact{}, invalidf("phone %q", opts.Phone)
		}
		phone = p
	}
	channel := opts.PreferredChannel
	if channel == "" {
		channel = notify.ChannelEmail
	}
	if channel != notify.ChannelEmail && channel != notify.ChannelSMS {
		return domain.Contact{}, invalidf("preferred_channel %q", channel)
	}
	if _, err := e.Repo.GetWorkspace(ctx, opts.WorkspaceID); err != nil {
		return domain.Contact{}, err
	}
	c := domain.Contact{
		ID:               uuid.NewString(),
		WorkspaceID:      opts.WorkspaceID,
		FullName:         strings.TrimSpace(opts.FullName),
		Email:            email,
		Phone:            phone,
		PreferredChannel: channel,
		CreatedAt:        e.stamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Contact{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertContact(ctx, tx, c); err != nil {
		return domain.Contact{}, fmt.Errorf("insert contact: %w", err)
	}
	if err := e.raise(ctx, tx, events.ContactCreated, c.WorkspaceID, "contact", c.ID, opts.ActorID, map[string]any{"contact_id": c.ID}); err != nil {
		return domain.Contact{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Contact{}, err
	}
	return c, nil
}

type ServiceCreateOptions struct {
	WorkspaceID     string
	Name            string
	Description     string
	DurationMinutes int
	Location        string
	Availability    domain.Availability
	ActorID         string
}

func (e Engine) CreateService(ctx context.Context, opts ServiceCreateOptions) (domain.Service, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Service{}, invalidf("service name is required")
	}
	if opts.DurationMinutes <= 0 {
		return domain.Service{}, invalidf("duration_minutes must be positive")
	}
	if opts.Availability == nil {
		opts.Availability = domain.Availability{}
	}
	if err := availability.Validate(opts.Availability); err != nil {
		return domain.Service{}, invalidf("availability: %v", err)
	}
	if _, err := e.Repo.GetWorkspace(ctx, opts.WorkspaceID); err != nil {
		return domain.Service{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Service{}, err
	}
	defer tx.Rollback()
	slug, err := e.uniqueSlug(ctx, tx, "services", opts.WorkspaceID, opts.Name)
	if err != nil {
		return domain.Service{}, err
	}
	s := domain.Service{
		ID:              uuid.NewString(),
		WorkspaceID:     opts.WorkspaceID,
		Name:            strings.TrimSpace(opts.Name),
		Slug:            slug,
		Description:     opts.Description,
		DurationMinutes: opts.DurationMinutes,
		Location:        opts.Location,
		Availability:    opts.Availability,
		IsActive:        true,
		CreatedAt:       e.stamp(),
	}
	if err := e.Repo.InsertService(ctx, tx, s); err != nil {
		return domain.Service{}, fmt.Errorf("insert service: %w", err)
	}
	if err := e.raise(ctx, tx, "service.created", s.WorkspaceID, "service", s.ID, opts.ActorID, map[string]any{"slug": s.Slug}); err != nil {
		return domain.Service{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Service{}, err
	}
	return s, nil
}

// AvailableSlots lists free start times of a service on date.
func (e Engine) AvailableSlots(ctx context.Context, workspaceID, serviceID, date string) ([]string, error) {
	svc, err := e.Repo.GetService(ctx, workspaceID, serviceID)
	if err != nil {
		return nil, err
	}
	if !svc.IsActive {
		return []string{}, nil
	}
	booked, err := e.Repo.BookedTimes(ctx, nil, workspaceID, serviceID, date)
	if err != nil {
		return nil, err
	}
	slots, err := availability.Slots(svc, date, booked, e.config().Availability.SlotStep.Std())
	if err != nil {
		return nil, invalidf("%v", err)
	}
	return slots, nil
}

type BookingCreateOptions struct {
	WorkspaceID string
	ServiceID   string
	ContactID   string
	Date        string
	Time        string
	Notes       string
	Status      string
	ActorID     string
}

// CreateBooking books a service for a contact. An active booking of the same service at
// the same date and time is a conflict.
func (e Engine) CreateBooking(ctx context.Context, opts BookingCreateOptions) (domain.Booking, error) {
	if _, err := time.Parse("2006-01-02", opts.Date); err != nil {
		return domain.Booking{}, invalidf("booking_date %q", opts.Date)
	}
	minutes, err := availability.ParseClock(opts.Time)
	if err != nil {
		return domain.Booking{}, invalidf("booking_time %q", opts.Time)
	}
	// Stored times are canonical so the exact-time conflict check sees "9:00" as "09:00".
	opts.Time = availability.FormatClock(minutes)
	if opts.Status == "" {
		opts.Status = domain.BookingPending
	}
	if opts.Status != domain.BookingPending && opts.Status != domain.BookingConfirmed {
		return domain.Booking{}, invalidf("new bookings must be pending or confirmed, got %q", opts.Status)
	}
	svc, err := e.Repo.GetService(ctx, opts.WorkspaceID, opts.ServiceID)
	if err != nil {
		return domain.Booking{}, fmt.Errorf("service %s: %w", opts.ServiceID, err)
	}
	if !svc.IsActive {
		return domain.Booking{}, invalidf("service %s is not active", svc.ID)
	}
	if _, err := e.Repo.GetContact(ctx, opts.WorkspaceID, opts.ContactID); err != nil {
		return domain.Booking{}, fmt.Errorf("contact %s: %w", opts.ContactID, err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Booking{}, err
	}
	defer tx.Rollback()
	conflict, err := e.Repo.HasBookingConflict(ctx, tx, opts.WorkspaceID, opts.ServiceID, opts.Date, opts.Time, "")
	if err != nil {
		return domain.Booking{}, err
	}
	if conflict {
		return domain.Booking{}, fmt.Errorf("%s %s already booked: %w", opts.Date, opts.Time, repo.ErrConflict)
	}
	now := e.stamp()
	b := domain.Booking{
		ID:          uuid.NewString(),
		WorkspaceID: opts.WorkspaceID,
		ServiceID:   opts.ServiceID,
		ContactID:   opts.ContactID,
		Date:        opts.Date,
		Time:        opts.Time,
		Status:      opts.Status,
		Notes:       opts.Notes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertBooking(ctx, tx, b); err != nil {
		return domain.Booking{}, fmt.Errorf("insert booking: %w", err)
	}
	data := map[string]any{"booking_id": b.ID, "contact_id": b.ContactID, "service_id": b.ServiceID}
	if err := e.raise(ctx, tx, events.BookingCreated, b.WorkspaceID, "booking", b.ID, opts.ActorID, data); err != nil {
		return domain.Booking{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Booking{}, err
	}
	return b, nil
}

func ensureBookingTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.BookingPending:
		if newStatus == domain.BookingConfirmed || newStatus == domain.BookingCancelled {
			return nil
		}
	case domain.BookingConfirmed:
		if newStatus == domain.BookingCompleted || newStatus == domain.BookingCancelled || newStatus == domain.BookingNoShow {
			return nil
		}
	}
	return fmt.Errorf("%w: booking %s -> %s", ErrInvalidTransition, oldStatus, newStatus)
}

// UpdateBookingStatus moves a booking along its lifecycle. Cancelling returns reserved
// inventory to stock.
func (e Engine) UpdateBookingStatus(ctx context.Context, workspaceID, bookingID, status, actorID string) (domain.Booking, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Booking{}, err
	}
	defer tx.Rollback()
	b, err := e.Repo.GetBooking(ctx, tx, workspaceID, bookingID)
	if err != nil {
		return domain.Booking{}, err
	}
	if err := ensureBookingTransition(b.Status, status); err != nil {
		return domain.Booking{}, err
	}
	now := e.stamp()
	if err := e.Repo.UpdateBookingStatus(ctx, tx, workspaceID, bookingID, status, now); err != nil {
		return domain.Booking{}, err
	}
	from := b.Status
	b.Status = status
	b.UpdatedAt = now
	data := map[string]any{"booking_id": b.ID, "contact_id": b.ContactID, "service_id": b.ServiceID}
	switch status {
	case domain.BookingConfirmed:
		err = e.raise(ctx, tx, events.BookingConfirmed, workspaceID, "booking", b.ID, actorID, data)
	case domain.BookingCancelled:
		if _, err = e.releaseInventory(ctx, tx, workspaceID, b.ID); err == nil {
			err = e.raise(ctx, tx, events.BookingCancelled, workspaceID, "booking", b.ID, actorID, data)
		}
	default:
		err = e.raise(ctx, tx, "booking.status", workspaceID, "booking", b.ID, actorID, map[string]any{"from": from, "to": status})
	}
	if err != nil {
		return domain.Booking{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Booking{}, err
	}
	return b, nil
}

// DailyReminders queues an immediate reminder for each confirmed booking tomorrow (in its
// workspace's timezone) that has not had one. It returns how many were queued.
func (e Engine) DailyReminders(ctx context.Context) (int, error) {
	workspaces, err := e.Repo.ListWorkspaces(ctx, true)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, ws := range workspaces {
		loc, err := time.LoadLocation(ws.Timezone)
		if err != nil {
			loc = time.UTC
		}
		tomorrow := e.now().In(loc).AddDate(0, 0, 1).Format("2006-01-02")
		bookings, err := e.Repo.ListBookings(ctx, repo.BookingFilters{
			WorkspaceID:     ws.ID,
			Date:            tomorrow,
			Statuses:        []string{domain.BookingConfirmed},
			ReminderPending: true,
		})
		if err != nil {
			return queued, err
		}
		for _, b := range bookings {
			args := automation.BookingArgs{WorkspaceID: ws.ID, BookingID: b.ID}
			_, created, err := e.queue().Schedule(ctx, automation.TaskBookingReminder, args, e.now(), "daily_reminder:"+b.ID+":"+b.Date)
			if err != nil {
				return queued, err
			}
			if created {
				queued++
			}
		}
	}
	return queued, nil
}

type FormAssignOptions struct {
	WorkspaceID string
	BookingID   string
	FormName    string
	DueDate     string
	ActorID     string
}

func (e Engine) AssignForm(ctx context.Context, opts FormAssignOptions) (domain.FormSubmission, error) {
	if strings.TrimSpace(opts.FormName) == "" {
		return domain.FormSubmission{}, invalidf("form_name is required")
	}
	if _, err := time.Parse("2006-01-02", opts.DueDate); err != nil {
		return domain.FormSubmission{}, invalidf("due_date %q", opts.DueDate)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FormSubmission{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetBooking(ctx, tx, opts.WorkspaceID, opts.BookingID); err != nil {
		return domain.FormSubmission{}, err
	}
	f := domain.FormSubmission{
		ID:          uuid.NewString(),
		WorkspaceID: opts.WorkspaceID,
		BookingID:   opts.BookingID,
		FormName:    strings.TrimSpace(opts.FormName),
		DueDate:     opts.DueDate,
		Status:      "pending",
		CreatedAt:   e.stamp(),
	}
	if err := e.Repo.InsertFormSubmission(ctx, tx, f); err != nil {
		return domain.FormSubmission{}, err
	}
	if err := e.raise(ctx, tx, "form.assigned", f.WorkspaceID, "form_submission", f.ID, opts.ActorID, map[string]any{"booking_id": f.BookingID}); err != nil {
		return domain.FormSubmission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.FormSubmission{}, err
	}
	return f, nil
}

// CompleteForm marks a pending or overdue submission completed and resolves its overdue alert.
func (e Engine) CompleteForm(ctx context.Context, workspaceID, formID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	changed := false
	for _, from := range []string{"pending", "overdue"} {
		ok, err := e.Repo.SetFormStatus(ctx, tx, workspaceID, formID, from, "completed")
		if err != nil {
			return err
		}
		changed = changed || ok
	}
	if !changed {
		return fmt.Errorf("form %s is not open: %w", formID, repo.ErrNotFound)
	}
	if _, err := e.Repo.ResolveActiveAlerts(ctx, tx, workspaceID, AlertFormOverdue, "form_submission", formID, e.stamp()); err != nil {
		return err
	}
	if err := e.raise(ctx, tx, "form.completed", workspaceID, "form_submission", formID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkOverdueForms flags pending submissions past their due date in their workspace's
// timezone and raises one form_overdue alert per submission. It returns how many alerts
// were created.
func (e Engine) MarkOverdueForms(ctx context.Context) (int, error) {
	// The widest timezone offset is +14h; anything due before that date may be overdue somewhere.
	candidates, err := e.Repo.OverdueForms(ctx, e.now().UTC().Add(14*time.Hour).Format("2006-01-02"))
	if err != nil {
		return 0, err
	}
	zones := map[string]*time.Location{}
	created := 0
	for _, f := range candidates {
		loc, ok := zones[f.WorkspaceID]
		if !ok {
			loc = time.UTC
			if ws, err := e.Repo.GetWorkspace(ctx, f.WorkspaceID); err == nil {
				if l, err := time.LoadLocation(ws.Timezone); err == nil {
					loc = l
				}
			}
			zones[f.WorkspaceID] = loc
		}
		if f.DueDate >= e.now().In(loc).Format("2006-01-02") {
			continue
		}
		isNew, err := e.markOverdue(ctx, f)
		if err != nil {
			return created, err
		}
		if isNew {
			created++
		}
	}
	return created, nil
}

func (e Engine) markOverdue(ctx context.Context, f domain.FormSubmission) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.SetFormStatus(ctx, tx, f.WorkspaceID, f.ID, "pending", "overdue")
	if err != nil || !ok {
		return false, err
	}
	alert, created, err := e.Repo.CreateAlert(ctx, tx, domain.Alert{
		ID:            uuid.NewString(),
		WorkspaceID:   f.WorkspaceID,
		Type:          AlertFormOverdue,
		Severity:      "medium",
		Title:         "Overdue Form: " + f.FormName,
		Message:       fmt.Sprintf("Form '%s' for booking %s was due %s.", f.FormName, f.BookingID, f.DueDate),
		Link:          "/bookings/" + f.BookingID,
		ReferenceType: "form_submission",
		ReferenceID:   f.ID,
		CreatedAt:     e.stamp(),
	})
	if err != nil {
		return false, err
	}
	if err := e.raise(ctx, tx, "form.overdue", f.WorkspaceID, "form_submission", f.ID, "system", map[string]any{"alert_id": alert.ID}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	if created {
		e.Metrics.AlertCreated(AlertFormOverdue)
	}
	return created, nil
}

// ListBookings returns a workspace's bookings, optionally for one date.
func (e Engine) ListBookings(ctx context.Context, workspaceID, date string, statuses []string) ([]domain.Booking, error) {
	if date != "" {
		if _, err := time.Parse("2006-01-02", date); err != nil {
			return nil, invalidf("date %q", date)
		}
	}
	return e.Repo.ListBookings(ctx, repo.BookingFilters{WorkspaceID: workspaceID, Date: date, Statuses: statuses})
}
