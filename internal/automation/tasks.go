package automation

// Queue action names.
const (
	TaskTrigger            = "automation.trigger"
	TaskNotifyEmail        = "notify.email"
	TaskNotifySMS          = "notify.sms"
	TaskBookingReminder    = "booking.reminder"
	TaskBookingConfirm     = "booking.confirmation"
	TaskBookingForms       = "booking.forms"
	TaskInventoryReserve   = "inventory.reserve"
	TaskInventoryCheckLow  = "inventory.check_low"
	TaskFormsCheckOverdue  = "forms.check_overdue"
	TaskBookingDailyRemind = "booking.daily_reminders"
)

// Event is a domain event as carried in an automation.trigger task.
type Event struct {
	ID          string         `json:"id,omitempty"`
	Type        string         `json:"event_type"`
	WorkspaceID string         `json:"workspace_id"`
	Data        map[string]any `json:"data"`
}

// String returns the value of a reference key such as contact_id.
func (e Event) String(key string) string {
	if e.Data == nil {
		return ""
	}
	if s, ok := e.Data[key].(string); ok {
		return s
	}
	return ""
}

// NotifyArgs are the arguments of notify.email and notify.sms tasks.
type NotifyArgs struct {
	WorkspaceID string `json:"workspace_id"`
	ContactID   string `json:"contact_id"`
	BookingID   string `json:"booking_id,omitempty"`
	Template    string `json:"template"`
	RuleID      string `json:"rule_id,omitempty"`
}

// BookingArgs are the arguments of booking.* and inventory.reserve tasks.
type BookingArgs struct {
	WorkspaceID string `json:"workspace_id"`
	BookingID   string `json:"booking_id"`
}
