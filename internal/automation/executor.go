package automation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"careops/internal/domain"
	"careops/internal/metrics"
	"careops/internal/notify"
	"careops/internal/repo"
)

// Enqueuer schedules deferred work; scheduler.Queue implements it.
type Enqueuer interface {
	Schedule(ctx context.Context, action string, args any, eta time.Time, idempotencyKey string) (domain.Task, bool, error)
}

// ActionResult describes what one rule execution did.
type ActionResult struct {
	Action  ActionType `json:"action"`
	Success bool       `json:"success"`
	Skipped bool       `json:"skipped,omitempty"`
	Detail  string     `json:"detail,omitempty"`
}

func succeeded(a ActionType, format string, args ...any) ActionResult {
	return ActionResult{Action: a, Success: true, Detail: fmt.Sprintf(format, args...)}
}

func skipped(a ActionType, format string, args ...any) ActionResult {
	return ActionResult{Action: a, Skipped: true, Detail: fmt.Sprintf(format, args...)}
}

func failed(a ActionType, err error) ActionResult {
	return ActionResult{Action: a, Detail: err.Error()}
}

// Outcome is the metrics label for a result.
func (r ActionResult) Outcome() string {
	switch {
	case r.Skipped:
		return "skipped"
	case r.Success:
		return "success"
	}
	return "failed"
}

// Executor performs the side effect of one rule. Every entity it reads is looked up
// within the rule's workspace.
type Executor struct {
	Repo    repo.Repo
	Queue   Enqueuer
	Now     func() time.Time
	Log     *zap.Logger
	Metrics *metrics.Metrics
}

func (x Executor) now() time.Time {
	if x.Now != nil {
		return x.Now()
	}
	return time.Now().UTC()
}

func (x Executor) log() *zap.Logger {
	if x.Log != nil {
		return x.Log
	}
	return zap.NewNop()
}

// Execute runs rule against evt. Errors are reported in the result, never returned.
func (x Executor) Execute(ctx context.Context, rule domain.AutomationRule, evt Event) ActionResult {
	action, err := ParseAction(rule.ActionType, rule.Config)
	if err != nil {
		return failed(ActionType(rule.ActionType), err)
	}
	log := x.log().With(zap.String("workspace_id", rule.WorkspaceID), zap.String("rule_id", rule.ID), zap.String("action", rule.ActionType))
	switch a := action.(type) {
	case SendEmail:
		return x.sendNotification(ctx, log, rule, evt, ActionSendEmail, notify.ChannelEmail, a.Template, a.DelayMinutes)
	case SendSMS:
		return x.sendNotification(ctx, log, rule, evt, ActionSendSMS, notify.ChannelSMS, a.Template, a.DelayMinutes)
	case CreateAlert:
		return x.createAlert(ctx, rule, evt, a)
	case ScheduleReminder:
		return x.scheduleReminder(ctx, log, rule, evt, a)
	case SendBookingConfirmation:
		return x.enqueueBookingTask(ctx, log, rule, evt, ActionSendBookingConfirmation, TaskBookingConfirm, a.DelayMinutes)
	case SendBookingForms:
		return x.enqueueBookingTask(ctx, log, rule, evt, ActionSendBookingForms, TaskBookingForms, a.DelayMinutes)
	case ReserveInventory:
		return x.enqueueBookingTask(ctx, log, rule, evt, ActionReserveInventory, TaskInventoryReserve, 0)
	}
	return failed(action.Type(), fmt.Errorf("%w %q", ErrUnknownAction, rule.ActionType))
}

// dedupKey makes a re-delivered event enqueue the same task once per rule.
func dedupKey(task string, rule domain.AutomationRule, evt Event) string {
	if evt.ID == "" {
		return ""
	}
	return fmt.Sprintf("%s:%s:%s", task, rule.ID, evt.ID)
}

// resolveContact finds the event's contact, directly or through its booking.
func (x Executor) resolveContact(ctx context.Context, workspaceID string, evt Event) (domain.Contact, string, error) {
	bookingID := evt.String("booking_id")
	contactID := evt.String("contact_id")
	if contactID == "" && bookingID != "" {
		b, err := x.Repo.GetBooking(ctx, nil, workspaceID, bookingID)
		if err != nil {
			return domain.Contact{}, bookingID, err
		}
		contactID = b.ContactID
	}
	if contactID == "" {
		return domain.Contact{}, bookingID, repo.ErrNotFound
	}
	c, err := x.Repo.GetContact(ctx, workspaceID, contactID)
	return c, bookingID, err
}

func (x Executor) sendNotification(ctx context.Context, log *zap.Logger, rule domain.AutomationRule, evt Event, action ActionType, channel, template string, delayMinutes int) ActionResult {
	contact, bookingID, err := x.resolveContact(ctx, rule.WorkspaceID, evt)
	if errors.Is(err, repo.ErrNotFound) {
		log.Info("no recipient for event; skipping", zap.String("event_type", evt.Type))
		return skipped(action, "no contact resolvable from event")
	}
	if err != nil {
		return failed(action, err)
	}
	to := contact.Email
	if channel == notify.ChannelSMS {
		to = contact.Phone
	}
	if err := notify.ValidateRecipient(channel, to); err != nil {
		log.Info("contact has no usable address; skipping", zap.String("contact_id", contact.ID), zap.String("channel", channel))
		return skipped(action, "contact %s has no valid %s address", contact.ID, channel)
	}
	task := TaskNotifyEmail
	if channel == notify.ChannelSMS {
		task = TaskNotifySMS
	}
	eta := x.now().Add(time.Duration(delayMinutes) * time.Minute)
	args := NotifyArgs{WorkspaceID: rule.WorkspaceID, ContactID: contact.ID, BookingID: bookingID, Template: template, RuleID: rule.ID}
	queued, _, err := x.Queue.Schedule(ctx, task, args, eta, dedupKey(task, rule, evt))
	if err != nil {
		return failed(action, err)
	}
	return succeeded(action, "%s %s queued as task %s", channel, template, queued.ID)
}

func (x Executor) createAlert(ctx context.Context, rule domain.AutomationRule, evt Event, cfg CreateAlert) ActionResult {
	data := make(map[string]any, len(evt.Data)+2)
	for k, v := range evt.Data {
		data[k] = v
	}
	data["workspace_id"] = rule.WorkspaceID
	data["event_type"] = evt.Type
	title, err := Substitute(cfg.Title, data)
	if err != nil {
		return failed(ActionCreateAlert, fmt.Errorf("title: %w", err))
	}
	message, err := Substitute(cfg.Message, data)
	if err != nil {
		return failed(ActionCreateAlert, fmt.Errorf("message: %w", err))
	}
	link, err := Substitute(cfg.Link, data)
	if err != nil {
		return failed(ActionCreateAlert, fmt.Errorf("link: %w", err))
	}
	refType, refID := "event", evt.ID
	switch {
	case evt.String("booking_id") != "":
		refType, refID = "booking", evt.String("booking_id")
	case evt.String("contact_id") != "":
		refType, refID = "contact", evt.String("contact_id")
	}
	alert, created, err := x.Repo.CreateAlert(ctx, nil, domain.Alert{
		ID:            uuid.NewString(),
		WorkspaceID:   rule.WorkspaceID,
		Type:          cfg.AlertType,
		Severity:      cfg.Severity,
		Title:         title,
		Message:       message,
		Link:          link,
		ReferenceType: refType,
		ReferenceID:   refID,
		CreatedAt:     x.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return failed(ActionCreateAlert, err)
	}
	if !created {
		return succeeded(ActionCreateAlert, "alert %s already active", alert.ID)
	}
	x.Metrics.AlertCreated(alert.Type)
	return succeeded(ActionCreateAlert, "alert %s created", alert.ID)
}

// BookingStart returns the booking's start instant in the workspace timezone.
func BookingStart(b domain.Booking, timezone string) (time.Time, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}
	return time.ParseInLocation("2006-01-02 15:04", b.Date+" "+b.Time, loc)
}

// ReminderKey identifies one reminder for one booking start.
func ReminderKey(bookingID string, eta time.Time) string {
	return fmt.Sprintf("booking_reminder:%s:%d", bookingID, eta.Unix())
}

func (x Executor) scheduleReminder(ctx context.Context, log *zap.Logger, rule domain.AutomationRule, evt Event, cfg ScheduleReminder) ActionResult {
	bookingID := evt.String("booking_id")
	if bookingID == "" {
		return skipped(ActionScheduleReminder, "event carries no booking_id")
	}
	b, err := x.Repo.GetBooking(ctx, nil, rule.WorkspaceID, bookingID)
	if errors.Is(err, repo.ErrNotFound) {
		return skipped(ActionScheduleReminder, "booking %s not found", bookingID)
	}
	if err != nil {
		return failed(ActionScheduleReminder, err)
	}
	ws, err := x.Repo.GetWorkspace(ctx, rule.WorkspaceID)
	if err != nil {
		return failed(ActionScheduleReminder, err)
	}
	start, err := BookingStart(b, ws.Timezone)
	if err != nil {
		return failed(ActionScheduleReminder, err)
	}
	eta := start.Add(-time.Duration(cfg.HoursBefore) * time.Hour)
	if !eta.After(x.now()) {
		log.Info("reminder time already passed", zap.String("booking_id", b.ID), zap.Time("eta", eta))
		return skipped(ActionScheduleReminder, "reminder time %s already passed", eta.UTC().Format(time.RFC3339))
	}
	task, created, err := x.Queue.Schedule(ctx, TaskBookingReminder, BookingArgs{WorkspaceID: rule.WorkspaceID, BookingID: b.ID}, eta, ReminderKey(b.ID, eta))
	if err != nil {
		return failed(ActionScheduleReminder, err)
	}
	if !created {
		return succeeded(ActionScheduleReminder, "reminder already scheduled as task %s", task.ID)
	}
	return succeeded(ActionScheduleReminder, "reminder scheduled for %s", eta.UTC().Format(time.RFC3339))
}

func (x Executor) enqueueBookingTask(ctx context.Context, log *zap.Logger, rule domain.AutomationRule, evt Event, action ActionType, task string, delayMinutes int) ActionResult {
	bookingID := evt.String("booking_id")
	if bookingID == "" {
		return skipped(action, "event carries no booking_id")
	}
	if _, err := x.Repo.GetBooking(ctx, nil, rule.WorkspaceID, bookingID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			log.Info("booking not in workspace; skipping", zap.String("booking_id", bookingID))
			return skipped(action, "booking %s not found", bookingID)
		}
		return failed(action, err)
	}
	eta := x.now().Add(time.Duration(delayMinutes) * time.Minute)
	queued, _, err := x.Queue.Schedule(ctx, task, BookingArgs{WorkspaceID: rule.WorkspaceID, BookingID: bookingID}, eta, dedupKey(task, rule, evt))
	if err != nil {
		return failed(action, err)
	}
	return succeeded(action, "%s queued as task %s", task, queued.ID)
}
