package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"careops/internal/automation"
	"careops/internal/domain"
	"careops/internal/engine"
	"careops/internal/notify"
	"careops/internal/repo"
	"careops/internal/scheduler"
)

// bookingMessageKind describes a once-per-booking message guarded by a booking marker.
type bookingMessageKind struct {
	name        string
	marker      string
	statuses    []string
	notAllowed  string
	emailTpl    string
	smsTpl      string
	needsForms  bool
	alreadySent func(domain.Booking) bool
}

var (
	reminder = bookingMessageKind{
		name:        "reminder",
		marker:      repo.MarkerReminder,
		statuses:    []string{domain.BookingConfirmed},
		notAllowed:  "booking not confirmed",
		emailTpl:    "booking_reminder",
		smsTpl:      "booking_reminder",
		alreadySent: func(b domain.Booking) bool { return b.ReminderSentAt != nil },
	}
	confirmation = bookingMessageKind{
		name:        "confirmation",
		marker:      repo.MarkerConfirmation,
		statuses:    []string{domain.BookingPending, domain.BookingConfirmed},
		notAllowed:  "booking no longer active",
		emailTpl:    "booking_confirmation",
		smsTpl:      "booking_confirmation",
		alreadySent: func(b domain.Booking) bool { return b.ConfirmationSentAt != nil },
	}
	forms = bookingMessageKind{
		name:        "forms",
		marker:      repo.MarkerForms,
		statuses:    []string{domain.BookingPending, domain.BookingConfirmed},
		notAllowed:  "booking no longer active",
		emailTpl:    "booking_forms",
		smsTpl:      "form_reminder",
		needsForms:  true,
		alreadySent: func(b domain.Booking) bool { return b.FormsSentAt != nil },
	}
)

func allowed(status string, statuses []string) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

// bookingMessage rechecks the booking when the task fires: a booking that was cancelled,
// or already got this message, is skipped. The marker is claimed before sending and given
// back when the send fails so a later run may try again.
func (j *Jobs) bookingMessage(kind bookingMessageKind) scheduler.Handler {
	return func(ctx context.Context, task domain.Task) (scheduler.Result, error) {
		var args automation.BookingArgs
		if err := scheduler.Decode(task, &args); err != nil {
			return scheduler.Result{}, err
		}
		log := j.Log.With(zap.String("workspace_id", args.WorkspaceID), zap.String("booking_id", args.BookingID), zap.String("message", kind.name))
		b, err := j.Engine.Repo.GetBooking(ctx, nil, args.WorkspaceID, args.BookingID)
		if errors.Is(err, repo.ErrNotFound) {
			return scheduler.Skipped("booking not found"), nil
		}
		if err != nil {
			return scheduler.Result{}, err
		}
		if !allowed(b.Status, kind.statuses) {
			return scheduler.Skipped(kind.notAllowed), nil
		}
		if kind.alreadySent(b) {
			return scheduler.Skipped(kind.name + " already sent"), nil
		}
		if kind.needsForms {
			assigned, err := j.Engine.Repo.ListFormsForBooking(ctx, args.WorkspaceID, b.ID)
			if err != nil {
				return scheduler.Result{}, err
			}
			if len(assigned) == 0 {
				return scheduler.Skipped("No forms assigned"), nil
			}
		}
		contact, err := j.Engine.Repo.GetContact(ctx, args.WorkspaceID, b.ContactID)
		if errors.Is(err, repo.ErrNotFound) {
			return scheduler.Skipped("contact not found"), nil
		}
		if err != nil {
			return scheduler.Result{}, err
		}
		channel, to := preferredChannel(contact)
		if channel == "" {
			return scheduler.Skipped("contact has no usable address"), nil
		}
		claimedAt := j.now().UTC().Format(time.RFC3339)
		ok, err := j.Engine.Repo.ClaimBookingMarker(ctx, args.WorkspaceID, b.ID, kind.marker, claimedAt, kind.statuses...)
		if err != nil {
			return scheduler.Result{}, err
		}
		if !ok {
			return scheduler.Skipped(kind.name + " already sent or booking changed"), nil
		}
		data, err := j.templateData(ctx, contact, &b)
		if err != nil {
			j.release(ctx, log, args, kind, claimedAt)
			return scheduler.Result{}, err
		}
		tpl := kind.emailTpl
		if channel == notify.ChannelSMS {
			tpl = kind.smsTpl
		}
		receipt, err := j.deliver(ctx, contact, channel, to, tpl, data)
		if err != nil {
			j.release(ctx, log, args, kind, claimedAt)
			return scheduler.Result{}, err
		}
		return scheduler.Succeeded(fmt.Sprintf("%s sent by %s", kind.name, channel), receipt), nil
	}
}

func (j *Jobs) release(ctx context.Context, log *zap.Logger, args automation.BookingArgs, kind bookingMessageKind, claimedAt string) {
	if err := j.Engine.Repo.ReleaseBookingMarker(context.WithoutCancel(ctx), args.WorkspaceID, args.BookingID, kind.marker, claimedAt); err != nil {
		log.Error("release booking marker failed", zap.Error(err))
	}
}

func (j *Jobs) reserveInventory(ctx context.Context, task domain.Task) (scheduler.Result, error) {
	var args automation.BookingArgs
	if err := scheduler.Decode(task, &args); err != nil {
		return scheduler.Result{}, err
	}
	reserved, err := j.Engine.ReserveInventory(ctx, args.WorkspaceID, args.BookingID, "system")
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return scheduler.Skipped("booking not found"), nil
	case errors.Is(err, engine.ErrInvalidTransition):
		return scheduler.Skipped("booking cancelled"), nil
	case err != nil:
		return scheduler.Result{}, err
	}
	return scheduler.Succeeded(fmt.Sprintf("%d items reserved", len(reserved)), reserved), nil
}

func (j *Jobs) checkLowStock(ctx context.Context, _ domain.Task) (scheduler.Result, error) {
	created, err := j.Engine.CheckLowStock(ctx)
	if err != nil {
		return scheduler.Result{}, err
	}
	return scheduler.Succeeded(fmt.Sprintf("%d low stock alerts created", created), nil), nil
}

func (j *Jobs) checkOverdueForms(ctx context.Context, _ domain.Task) (scheduler.Result, error) {
	created, err := j.Engine.MarkOverdueForms(ctx)
	if err != nil {
		return scheduler.Result{}, err
	}
	return scheduler.Succeeded(fmt.Sprintf("%d overdue form alerts created", created), nil), nil
}

func (j *Jobs) dailyReminders(ctx context.Context, _ domain.Task) (scheduler.Result, error) {
	queued, err := j.Engine.DailyReminders(ctx)
	if err != nil {
		return scheduler.Result{}, err
	}
	return scheduler.Succeeded(fmt.Sprintf("%d reminders queued", queued), nil), nil
}
