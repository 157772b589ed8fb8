package domain

type Workspace struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Slug         string `json:"slug"`
	Timezone     string `json:"timezone"`
	ContactEmail string `json:"contact_email,omitempty"`
	IsActive     bool   `json:"is_active"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type Contact struct {
	ID               string `json:"id"`
	WorkspaceID      string `json:"workspace_id"`
	FullName         string `json:"full_name"`
	Email            string `json:"email,omitempty"`
	Phone            string `json:"phone,omitempty"`
	PreferredChannel string `json:"preferred_channel" enum:"email,sms"`
	CreatedAt        string `json:"created_at" format:"date-time"`
}

// Availability maps a lowercase weekday name to "HH:MM-HH:MM" windows.
type Availability map[string][]string

type Service struct {
	ID              string       `json:"id"`
	WorkspaceID     string       `json:"workspace_id"`
	Name            string       `json:"name"`
	Slug            string       `json:"slug"`
	Description     string       `json:"description,omitempty"`
	DurationMinutes int          `json:"duration_minutes"`
	Location        string       `json:"location,omitempty"`
	Availability    Availability `json:"availability"`
	IsActive        bool         `json:"is_active"`
	CreatedAt       string       `json:"created_at" format:"date-time"`
}

const (
	BookingPending   = "pending"
	BookingConfirmed = "confirmed"
	BookingCompleted = "completed"
	BookingCancelled = "cancelled"
	BookingNoShow    = "no_show"
)

type Booking struct {
	ID                 string  `json:"id"`
	WorkspaceID        string  `json:"workspace_id"`
	ServiceID          string  `json:"service_id"`
	ContactID          string  `json:"contact_id"`
	Date               string  `json:"booking_date" format:"date"`
	Time               string  `json:"booking_time"`
	Status             string  `json:"status" enum:"pending,confirmed,completed,cancelled,no_show"`
	Notes              string  `json:"notes,omitempty"`
	ConfirmationSentAt *string `json:"confirmation_sent_at,omitempty" format:"date-time"`
	ReminderSentAt     *string `json:"reminder_sent_at,omitempty" format:"date-time"`
	FormsSentAt        *string `json:"forms_sent_at,omitempty" format:"date-time"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	UpdatedAt          string  `json:"updated_at" format:"date-time"`
}

type AutomationRule struct {
	ID             string         `json:"id"`
	WorkspaceID    string         `json:"workspace_id"`
	Name           string         `json:"name"`
	EventType      string         `json:"event_type"`
	ActionType     string         `json:"action_type"`
	Config         map[string]any `json:"config"`
	IsActive       bool           `json:"is_active"`
	ExecutionCount int            `json:"execution_count"`
	LastExecutedAt *string        `json:"last_executed_at,omitempty" format:"date-time"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
	UpdatedAt      string         `json:"updated_at" format:"date-time"`
}

const (
	AlertActive    = "active"
	AlertDismissed = "dismissed"
	AlertResolved  = "resolved"
)

type Alert struct {
	ID            string  `json:"id"`
	WorkspaceID   string  `json:"workspace_id"`
	Type          string  `json:"type"`
	Status        string  `json:"status" enum:"active,dismissed,resolved"`
	Severity      string  `json:"severity" enum:"low,medium,high,critical"`
	Title         string  `json:"title"`
	Message       string  `json:"message"`
	Link          string  `json:"link,omitempty"`
	ReferenceType string  `json:"reference_type,omitempty"`
	ReferenceID   string  `json:"reference_id,omitempty"`
	DismissedAt   *string `json:"dismissed_at,omitempty" format:"date-time"`
	ResolvedAt    *string `json:"resolved_at,omitempty" format:"date-time"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

type InventoryItem struct {
	ID                string `json:"id"`
	WorkspaceID       string `json:"workspace_id"`
	Name              string `json:"name"`
	Quantity          int    `json:"quantity"`
	LowStockThreshold int    `json:"low_stock_threshold"`
	Unit              string `json:"unit"`
	UsagePerBooking   int    `json:"usage_per_booking"`
	CreatedAt         string `json:"created_at" format:"date-time"`
	UpdatedAt         string `json:"updated_at" format:"date-time"`
}

type Reservation struct {
	BookingID string `json:"booking_id"`
	ItemID    string `json:"item_id"`
	Quantity  int    `json:"quantity"`
}

type FormSubmission struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	BookingID   string `json:"booking_id"`
	FormName    string `json:"form_name"`
	DueDate     string `json:"due_date" format:"date"`
	Status      string `json:"status" enum:"pending,completed,overdue"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

const (
	TaskQueued    = "queued"
	TaskRunning   = "running"
	TaskSucceeded = "succeeded"
	TaskSkipped   = "skipped"
	TaskFailed    = "failed"
)

// Task is a durable unit of deferred work: an action tag, its arguments and a not-before instant.
type Task struct {
	ID             string  `json:"id"`
	Action         string  `json:"action"`
	ArgsJSON       string  `json:"args_json"`
	NotBefore      string  `json:"not_before" format:"date-time"`
	Status         string  `json:"status" enum:"queued,running,succeeded,skipped,failed"`
	Attempts       int     `json:"attempts"`
	MaxAttempts    int     `json:"max_attempts"`
	IdempotencyKey *string `json:"idempotency_key,omitempty"`
	LockedBy       *string `json:"locked_by,omitempty"`
	LockedUntil    *string `json:"locked_until,omitempty" format:"date-time"`
	LastError      *string `json:"last_error,omitempty"`
	ResultJSON     *string `json:"result_json,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

type Message struct {
	ID                string  `json:"id"`
	WorkspaceID       string  `json:"workspace_id"`
	ContactID         string  `json:"contact_id,omitempty"`
	Channel           string  `json:"channel" enum:"email,sms"`
	Recipient         string  `json:"recipient"`
	Template          string  `json:"template,omitempty"`
	Subject           string  `json:"subject,omitempty"`
	Body              string  `json:"body"`
	Status            string  `json:"status" enum:"sent,failed"`
	ProviderMessageID *string `json:"provider_message_id,omitempty"`
	Error             *string `json:"error,omitempty"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	WorkspaceID string `json:"workspace_id"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Member struct {
	WorkspaceID string `json:"workspace_id"`
	ActorID     string `json:"actor_id"`
	RoleID      string `json:"role_id"`
}
