package server

import (
	"encoding/json"

	"careops/internal/domain"
)

// Request payloads

type CreateWorkspaceRequest struct {
	Name         string `json:"name" minLength:"1"`
	Timezone     string `json:"timezone,omitempty" example:"America/New_York"`
	ContactEmail string `json:"contact_email,omitempty"`
}

type AddMemberRequest struct {
	ActorID string `json:"actor_id" minLength:"1"`
	Role    string `json:"role" minLength:"1"`
}

type CreateContactRequest struct {
	FullName         string `json:"full_name" minLength:"1"`
	Email            string `json:"email,omitempty"`
	Phone            string `json:"phone,omitempty"`
	PreferredChannel string `json:"preferred_channel,omitempty" enum:"email,sms"`
}

type CreateServiceRequest struct {
	Name            string              `json:"name" minLength:"1"`
	Description     string              `json:"description,omitempty"`
	DurationMinutes int                 `json:"duration_minutes" minimum:"1"`
	Location        string              `json:"location,omitempty"`
	Availability    domain.Availability `json:"availability"`
}

type CreateBookingRequest struct {
	ServiceID string `json:"service_id" minLength:"1"`
	ContactID string `json:"contact_id" minLength:"1"`
	Date      string `json:"booking_date" format:"date"`
	Time      string `json:"booking_time" example:"09:30"`
	Notes     string `json:"notes,omitempty"`
	Status    string `json:"status,omitempty" enum:"pending,confirmed"`
}

type SetBookingStatusRequest struct {
	Status string `json:"status" enum:"pending,confirmed,completed,cancelled,no_show"`
}

type AssignFormRequest struct {
	FormName string `json:"form_name" minLength:"1"`
	DueDate  string `json:"due_date" format:"date"`
}

type CreateRuleRequest struct {
	Name       string         `json:"name" minLength:"1"`
	EventType  string         `json:"event_type" enum:"contact_created,booking_created,booking_confirmed,booking_cancelled"`
	ActionType string         `json:"action_type" enum:"send_email,send_sms,create_alert,schedule_reminder,send_booking_confirmation,send_booking_forms,reserve_inventory"`
	Config     map[string]any `json:"config,omitempty"`
	IsActive   *bool          `json:"is_active,omitempty"`
}

type UpdateRuleRequest struct {
	Name     *string        `json:"name,omitempty"`
	Config   map[string]any `json:"config,omitempty"`
	IsActive *bool          `json:"is_active,omitempty"`
}

type CreateInventoryItemRequest struct {
	Name              string `json:"name" minLength:"1"`
	Quantity          int    `json:"quantity" minimum:"0"`
	LowStockThreshold int    `json:"low_stock_threshold" minimum:"0"`
	Unit              string `json:"unit,omitempty"`
	UsagePerBooking   int    `json:"usage_per_booking" minimum:"0"`
}

type AdjustInventoryRequest struct {
	Delta int `json:"delta"`
}

type TriggerEventRequest struct {
	EventType string         `json:"event_type" enum:"contact_created,booking_created,booking_confirmed,booking_cancelled"`
	Data      map[string]any `json:"data,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id" minLength:"1"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type SlotsResponse struct {
	ServiceID string   `json:"service_id"`
	Date      string   `json:"date" format:"date"`
	Slots     []string `json:"slots"`
}

type AlertSummaryResponse struct {
	Items         []domain.Alert `json:"items"`
	CriticalCount int            `json:"critical_count"`
}

type EventResponse struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts" format:"date-time"`
	Type        string         `json:"type"`
	WorkspaceID string         `json:"workspace_id,omitempty"`
	EntityKind  string         `json:"entity_kind"`
	EntityID    string         `json:"entity_id,omitempty"`
	ActorID     string         `json:"actor_id"`
	Payload     map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(evt domain.Event) EventResponse {
	payload := map[string]any{}
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &payload)
	}
	return EventResponse{
		ID:          evt.ID,
		TS:          evt.TS,
		Type:        evt.Type,
		WorkspaceID: evt.WorkspaceID,
		EntityKind:  evt.EntityKind,
		EntityID:    evt.EntityID,
		ActorID:     evt.ActorID,
		Payload:     payload,
	}
}

func nonNilSlice[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
