package careopssdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal CareOps HTTP API client bound to one workspace.
type Client struct {
	BaseURL     string
	WorkspaceID string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base path, e.g. http://host:8080/v1.
func New(baseURL, workspaceID string) *Client {
	return &Client{
		BaseURL:     baseURL,
		WorkspaceID: workspaceID,
		Timeout:     10 * time.Second,
	}
}

type Contact struct {
	ID               string `json:"id"`
	FullName         string `json:"full_name"`
	Email            string `json:"email,omitempty"`
	Phone            string `json:"phone,omitempty"`
	PreferredChannel string `json:"preferred_channel,omitempty"`
}

type Booking struct {
	ID        string `json:"id"`
	ServiceID string `json:"service_id"`
	ContactID string `json:"contact_id"`
	Date      string `json:"booking_date"`
	Time      string `json:"booking_time"`
	Status    string `json:"status"`
	Notes     string `json:"notes,omitempty"`
}

type Rule struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	EventType  string         `json:"event_type"`
	ActionType string         `json:"action_type"`
	Config     map[string]any `json:"config,omitempty"`
	IsActive   bool           `json:"is_active"`
}

type Alert struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Status   string `json:"status"`
	Severity string `json:"severity"`
	Title    string `json:"title"`
	Message  string `json:"message"`
}

// AlertSummary is the alert listing with the count of active critical alerts.
type AlertSummary struct {
	Items         []Alert `json:"items"`
	CriticalCount int     `json:"critical_count"`
}

type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateContact creates a contact, which raises contact_created.
func (c *Client) CreateContact(ctx context.Context, contact Contact) (Contact, error) {
	var resp Contact
	err := c.do(ctx, http.MethodPost, c.workspacePath("contacts"), contact, &resp)
	return resp, err
}

// Availability lists open start times of a service on date (YYYY-MM-DD).
func (c *Client) Availability(ctx context.Context, serviceID, date string) ([]string, error) {
	var resp struct {
		Slots []string `json:"slots"`
	}
	endpoint := c.workspacePath(fmt.Sprintf("services/%s/availability?date=%s", url.PathEscape(serviceID), url.QueryEscape(date)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Slots, err
}

// CreateBooking books a slot. A taken slot returns an APIError with status 409.
func (c *Client) CreateBooking(ctx context.Context, b Booking) (Booking, error) {
	var resp Booking
	err := c.do(ctx, http.MethodPost, c.workspacePath("bookings"), b, &resp)
	return resp, err
}

// SetBookingStatus moves a booking to status.
func (c *Client) SetBookingStatus(ctx context.Context, bookingID, status string) (Booking, error) {
	var resp Booking
	endpoint := c.workspacePath(fmt.Sprintf("bookings/%s/status", url.PathEscape(bookingID)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]string{"status": status}, &resp)
	return resp, err
}

func (c *Client) CreateRule(ctx context.Context, r Rule) (Rule, error) {
	var resp Rule
	err := c.do(ctx, http.MethodPost, c.workspacePath("rules"), r, &resp)
	return resp, err
}

// SetRuleActive enables or disables a rule.
func (c *Client) SetRuleActive(ctx context.Context, ruleID string, active bool) (Rule, error) {
	var resp Rule
	endpoint := c.workspacePath("rules/" + url.PathEscape(ruleID))
	err := c.do(ctx, http.MethodPatch, endpoint, map[string]bool{"is_active": active}, &resp)
	return resp, err
}

// Alerts lists alerts; an empty status means active.
func (c *Client) Alerts(ctx context.Context, status, severity string) (AlertSummary, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if severity != "" {
		q.Set("severity", severity)
	}
	endpoint := c.workspacePath("alerts")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp AlertSummary
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) DismissAlert(ctx context.Context, alertID string) (Alert, error) {
	var resp Alert
	err := c.do(ctx, http.MethodPost, c.workspacePath("alerts/"+url.PathEscape(alertID)+"/dismiss"), nil, &resp)
	return resp, err
}

func (c *Client) ResolveAlert(ctx context.Context, alertID string) (Alert, error) {
	var resp Alert
	err := c.do(ctx, http.MethodPost, c.workspacePath("alerts/"+url.PathEscape(alertID)+"/resolve"), nil, &resp)
	return resp, err
}

// TriggerEvent raises an event by hand so the workspace's matching rules run.
func (c *Client) TriggerEvent(ctx context.Context, eventType string, data map[string]any) error {
	body := map[string]any{"event_type": eventType, "data": data}
	return c.do(ctx, http.MethodPost, c.workspacePath("events"), body, nil)
}

// EventsPage returns a page of the audit log, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.workspacePath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) workspacePath(p string) string {
	return fmt.Sprintf("workspaces/%s/%s", url.PathEscape(c.WorkspaceID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
