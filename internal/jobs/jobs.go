// Package jobs holds the handlers the worker runs for queued tasks.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	bckoff "github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"careops/internal/automation"
	"careops/internal/config"
	"careops/internal/domain"
	"careops/internal/engine"
	"careops/internal/metrics"
	"careops/internal/notify"
	"careops/internal/repo"
	"careops/internal/scheduler"
)

type Jobs struct {
	Engine   engine.Engine
	Trigger  *automation.Engine
	Sender   notify.Sender
	Log      *zap.Logger
	Metrics  *metrics.Metrics
	FormsURL string
}

// New wires the automation engine and its executor onto eng's queue and store.
func New(eng engine.Engine, sender notify.Sender, log *zap.Logger, m *metrics.Metrics) *Jobs {
	if log == nil {
		log = zap.NewNop()
	}
	exec := automation.Executor{Repo: eng.Repo, Queue: eng.TaskQueue(), Now: eng.Now, Log: log, Metrics: m}
	var ttl time.Duration
	if eng.Config != nil {
		ttl = eng.Config.Automation.RuleCacheTTL.Std()
	}
	trigger := automation.NewEngine(eng.Repo, exec, ttl, log, m)
	trigger.Now = eng.Now
	return &Jobs{Engine: eng, Trigger: trigger, Sender: sender, Log: log, Metrics: m}
}

// Register installs every handler on w.
func (j *Jobs) Register(w *scheduler.Worker) {
	w.Handle(automation.TaskTrigger, j.trigger)
	w.Handle(automation.TaskNotifyEmail, j.notify(notify.ChannelEmail))
	w.Handle(automation.TaskNotifySMS, j.notify(notify.ChannelSMS))
	w.Handle(automation.TaskBookingReminder, j.bookingMessage(reminder))
	w.Handle(automation.TaskBookingConfirm, j.bookingMessage(confirmation))
	w.Handle(automation.TaskBookingForms, j.bookingMessage(forms))
	w.Handle(automation.TaskInventoryReserve, j.reserveInventory)
	w.Handle(automation.TaskInventoryCheckLow, j.checkLowStock)
	w.Handle(automation.TaskFormsCheckOverdue, j.checkOverdueForms)
	w.Handle(automation.TaskBookingDailyRemind, j.dailyReminders)
}

// Periodic lists the beat jobs enabled by the schedules config.
func Periodic(s config.SchedulesConfig) []scheduler.Periodic {
	return []scheduler.Periodic{
		{Action: automation.TaskInventoryCheckLow, Every: s.LowStock.Std()},
		{Action: automation.TaskFormsCheckOverdue, Every: s.OverdueForms.Std()},
		{Action: automation.TaskBookingDailyRemind, Every: s.DailyReminders.Std()},
	}
}

func (j *Jobs) now() time.Time {
	if j.Engine.Now != nil {
		return j.Engine.Now()
	}
	return time.Now()
}

func (j *Jobs) trigger(ctx context.Context, task domain.Task) (scheduler.Result, error) {
	var evt automation.Event
	if err := scheduler.Decode(task, &evt); err != nil {
		return scheduler.Result{}, err
	}
	outcomes, err := j.Trigger.TriggerEvent(ctx, evt)
	if errors.Is(err, automation.ErrMissingWorkspace) {
		return scheduler.Result{}, bckoff.Permanent(err)
	}
	if err != nil {
		return scheduler.Result{}, err
	}
	return scheduler.Succeeded(fmt.Sprintf("%d rules ran", len(outcomes)), outcomes), nil
}

func (j *Jobs) notify(channel string) scheduler.Handler {
	return func(ctx context.Context, task domain.Task) (scheduler.Result, error) {
		var args automation.NotifyArgs
		if err := scheduler.Decode(task, &args); err != nil {
			return scheduler.Result{}, err
		}
		contact, err := j.Engine.Repo.GetContact(ctx, args.WorkspaceID, args.ContactID)
		if errors.Is(err, repo.ErrNotFound) {
			return scheduler.Skipped("contact not found"), nil
		}
		if err != nil {
			return scheduler.Result{}, err
		}
		to := address(contact, channel)
		if err := notify.ValidateRecipient(channel, to); err != nil {
			return scheduler.Skipped(fmt.Sprintf("contact has no valid %s address", channel)), nil
		}
		var booking *domain.Booking
		if args.BookingID != "" {
			b, err := j.Engine.Repo.GetBooking(ctx, nil, args.WorkspaceID, args.BookingID)
			if err != nil && !errors.Is(err, repo.ErrNotFound) {
				return scheduler.Result{}, err
			}
			if err == nil {
				booking = &b
			}
		}
		data, err := j.templateData(ctx, contact, booking)
		if err != nil {
			return scheduler.Result{}, err
		}
		receipt, err := j.deliver(ctx, contact, channel, to, args.Template, data)
		if err != nil {
			return scheduler.Result{}, err
		}
		return scheduler.Succeeded(channel+" sent", receipt), nil
	}
}

func address(c domain.Contact, channel string) string {
	if channel == notify.ChannelSMS {
		return c.Phone
	}
	return c.Email
}

// preferredChannel picks the contact's preferred channel when it has a usable address
// for it, else whichever channel it can be reached on.
func preferredChannel(c domain.Contact) (string, string) {
	order := []string{notify.ChannelEmail, notify.ChannelSMS}
	if c.PreferredChannel == notify.ChannelSMS {
		order = []string{notify.ChannelSMS, notify.ChannelEmail}
	}
	for _, ch := range order {
		to := address(c, ch)
		if notify.ValidateRecipient(ch, to) == nil {
			return ch, to
		}
	}
	return "", ""
}

func (j *Jobs) templateData(ctx context.Context, c domain.Contact, b *domain.Booking) (map[string]string, error) {
	data := map[string]string{notify.KeyContactName: c.FullName}
	ws, err := j.Engine.Repo.GetWorkspace(ctx, c.WorkspaceID)
	if err != nil {
		return nil, err
	}
	data[notify.KeyWorkspaceName] = ws.Name
	if b == nil {
		return data, nil
	}
	data[notify.KeyBookingDate] = b.Date
	data[notify.KeyBookingTime] = b.Time
	if svc, err := j.Engine.Repo.GetService(ctx, b.WorkspaceID, b.ServiceID); err == nil {
		data[notify.KeyServiceName] = svc.Name
		data[notify.KeyLocation] = svc.Location
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	if j.FormsURL != "" {
		data[notify.KeyFormsLink] = strings.TrimSuffix(j.FormsURL, "/") + "/" + b.ID
	}
	return data, nil
}

// deliver renders and sends one message and logs it in the messages table. Errors the
// provider will never accept come back wrapped as permanent.
func (j *Jobs) deliver(ctx context.Context, c domain.Contact, channel, to, template string, data map[string]string) (notify.Receipt, error) {
	if channel == notify.ChannelSMS {
		if p, err := notify.NormalizePhone(to); err == nil {
			to = p
		}
	}
	rendered, err := notify.Render(channel, template, data)
	if err != nil {
		return notify.Receipt{}, bckoff.Permanent(fmt.Errorf("render %s: %w", template, err))
	}
	body := rendered.Body
	if channel == notify.ChannelSMS {
		// Record the text the gateway actually carries.
		body = notify.TruncateSMS(body)
	}
	log := j.Log.With(zap.String("workspace_id", c.WorkspaceID), zap.String("contact_id", c.ID), zap.String("channel", channel), zap.String("template", template))
	receipt, sendErr := j.Sender.Send(ctx, notify.Message{Channel: channel, To: to, Subject: rendered.Subject, Body: body})
	msg := domain.Message{
		ID:          uuid.NewString(),
		WorkspaceID: c.WorkspaceID,
		ContactID:   c.ID,
		Channel:     channel,
		Recipient:   to,
		Template:    template,
		Subject:     rendered.Subject,
		Body:        body,
		Status:      "sent",
		CreatedAt:   j.now().UTC().Format(time.RFC3339),
	}
	if sendErr != nil {
		msg.Status = "failed"
		e := sendErr.Error()
		msg.Error = &e
	} else if receipt.ProviderMessageID != "" {
		msg.ProviderMessageID = &receipt.ProviderMessageID
	}
	if err := j.Engine.Repo.InsertMessage(context.WithoutCancel(ctx), msg); err != nil {
		log.Error("record message failed", zap.Error(err))
	}
	if sendErr != nil {
		j.Metrics.Notification(channel, "failed")
		if notify.IsPermanent(sendErr) {
			log.Warn("notification rejected", zap.Error(sendErr))
			return notify.Receipt{}, bckoff.Permanent(sendErr)
		}
		log.Warn("notification failed", zap.Error(sendErr))
		return notify.Receipt{}, sendErr
	}
	j.Metrics.Notification(channel, "sent")
	log.Info("notification sent", zap.String("provider_message_id", receipt.ProviderMessageID))
	return receipt, nil
}
