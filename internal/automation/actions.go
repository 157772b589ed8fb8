// Package automation runs workspace rules in response to domain events.
package automation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"careops/internal/notify"
)

type ActionType string

const (
	ActionSendEmail               ActionType = "send_email"
	ActionSendSMS                 ActionType = "send_sms"
	ActionCreateAlert             ActionType = "create_alert"
	ActionScheduleReminder        ActionType = "schedule_reminder"
	ActionSendBookingConfirmation ActionType = "send_booking_confirmation"
	ActionSendBookingForms        ActionType = "send_booking_forms"
	ActionReserveInventory        ActionType = "reserve_inventory"
)

// ActionTypes lists every supported action tag.
var ActionTypes = []ActionType{
	ActionSendEmail,
	ActionSendSMS,
	ActionCreateAlert,
	ActionScheduleReminder,
	ActionSendBookingConfirmation,
	ActionSendBookingForms,
	ActionReserveInventory,
}

var ErrUnknownAction = errors.New("unknown action type")

// ConfigError reports a rule config that does not fit its action type.
type ConfigError struct {
	Action ActionType
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s config: %v", e.Action, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Action is the typed configuration of one rule.
type Action interface {
	Type() ActionType
}

type SendEmail struct {
	Template     string `json:"template" validate:"required"`
	DelayMinutes int    `json:"delay_minutes" validate:"gte=0"`
}

type SendSMS struct {
	Template     string `json:"template" validate:"required"`
	DelayMinutes int    `json:"delay_minutes" validate:"gte=0"`
}

type CreateAlert struct {
	Title     string `json:"title" validate:"required"`
	Message   string `json:"message" validate:"required"`
	Severity  string `json:"severity" validate:"oneof=low medium high critical"`
	AlertType string `json:"alert_type" validate:"required"`
	Link      string `json:"link"`
}

type ScheduleReminder struct {
	HoursBefore int `json:"hours_before" validate:"gt=0"`
}

type SendBookingConfirmation struct {
	DelayMinutes int `json:"delay_minutes" validate:"gte=0"`
}

type SendBookingForms struct {
	DelayMinutes int `json:"delay_minutes" validate:"gte=0"`
}

type ReserveInventory struct{}

func (SendEmail) Type() ActionType               { return ActionSendEmail }
func (SendSMS) Type() ActionType                 { return ActionSendSMS }
func (CreateAlert) Type() ActionType             { return ActionCreateAlert }
func (ScheduleReminder) Type() ActionType        { return ActionScheduleReminder }
func (SendBookingConfirmation) Type() ActionType { return ActionSendBookingConfirmation }
func (SendBookingForms) Type() ActionType        { return ActionSendBookingForms }
func (ReserveInventory) Type() ActionType        { return ActionReserveInventory }

var validate = validator.New()

// defaults returns the zero config for tag with its documented defaults filled in.
func defaults(tag ActionType) (Action, error) {
	switch tag {
	case ActionSendEmail:
		return &SendEmail{Template: "welcome_email"}, nil
	case ActionSendSMS:
		return &SendSMS{Template: "welcome_sms"}, nil
	case ActionCreateAlert:
		return &CreateAlert{Severity: "medium", AlertType: "automation_triggered"}, nil
	case ActionScheduleReminder:
		return &ScheduleReminder{HoursBefore: 24}, nil
	case ActionSendBookingConfirmation:
		return &SendBookingConfirmation{}, nil
	case ActionSendBookingForms:
		return &SendBookingForms{DelayMinutes: 5}, nil
	case ActionReserveInventory:
		return &ReserveInventory{}, nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownAction, tag)
}

// ParseAction coerces a stored config map into the typed config for tag. Unknown tags,
// unknown keys and out-of-range values are rejected.
func ParseAction(tag string, cfg map[string]any) (Action, error) {
	target, err := defaults(ActionType(tag))
	if err != nil {
		return nil, err
	}
	action := ActionType(tag)
	if len(cfg) > 0 {
		raw, err := json.Marshal(cfg)
		if err != nil {
			return nil, &ConfigError{Action: action, Err: err}
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(target); err != nil {
			return nil, &ConfigError{Action: action, Err: err}
		}
	}
	if err := validate.Struct(target); err != nil {
		return nil, &ConfigError{Action: action, Err: err}
	}
	switch a := target.(type) {
	case *SendEmail:
		if !notify.KnownTemplate(notify.ChannelEmail, a.Template) {
			return nil, &ConfigError{Action: action, Err: fmt.Errorf("unknown email template %q", a.Template)}
		}
		return *a, nil
	case *SendSMS:
		if !notify.KnownTemplate(notify.ChannelSMS, a.Template) {
			return nil, &ConfigError{Action: action, Err: fmt.Errorf("unknown sms template %q", a.Template)}
		}
		return *a, nil
	case *CreateAlert:
		for _, tpl := range []string{a.Title, a.Message, a.Link} {
			if err := CheckTemplate(tpl); err != nil {
				return nil, &ConfigError{Action: action, Err: err}
			}
		}
		return *a, nil
	case *ScheduleReminder:
		return *a, nil
	case *SendBookingConfirmation:
		return *a, nil
	case *SendBookingForms:
		return *a, nil
	case *ReserveInventory:
		return *a, nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownAction, tag)
}
