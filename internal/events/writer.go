package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Domain event types raised by the engine and consumed by automation rules.
const (
	ContactCreated   = "contact_created"
	BookingCreated   = "booking_created"
	BookingConfirmed = "booking_confirmed"
	BookingCancelled = "booking_cancelled"
)

// Known reports whether evtType is an event that automation rules may subscribe to.
func Known(evtType string) bool {
	switch evtType {
	case ContactCreated, BookingCreated, BookingConfirmed, BookingCancelled:
		return true
	}
	return false
}

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Append records an event in the log. When tx is nil the writer's DB is used.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, workspaceID, entityKind, entityID, actorID string, payload EventPayload) error {
	var ex execer = w.DB
	if tx != nil {
		ex = tx
	}
	if ex == nil {
		return fmt.Errorf("events: no database")
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	if actorID == "" {
		actorID = "system"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO events(ts,type,workspace_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), evtType, nullable(workspaceID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
