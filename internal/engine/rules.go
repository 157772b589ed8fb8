package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"careops/internal/automation"
	"careops/internal/domain"
	"careops/internal/events"
	"careops/internal/repo"
)

// ErrAlertClosed is returned when dismissing or resolving an alert that is no longer active.
var ErrAlertClosed = errors.New("alert is not active")

type RuleCreateOptions struct {
	WorkspaceID string
	Name        string
	EventType   string
	ActionType  string
	Config      map[string]any
	Inactive    bool
	ActorID     string
}

// CreateRule stores an automation rule. The action tag and its config are checked against
// the closed action set here so that bad rules never reach the trigger path.
func (e Engine) CreateRule(ctx context.Context, opts RuleCreateOptions) (domain.AutomationRule, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.AutomationRule{}, invalidf("rule name is required")
	}
	if !events.Known(opts.EventType) {
		return domain.AutomationRule{}, invalidf("unknown event_type %q", opts.EventType)
	}
	if _, err := automation.ParseAction(opts.ActionType, opts.Config); err != nil {
		return domain.AutomationRule{}, invalidf("%v", err)
	}
	if opts.Config == nil {
		opts.Config = map[string]any{}
	}
	if _, err := e.Repo.GetWorkspace(ctx, opts.WorkspaceID); err != nil {
		return domain.AutomationRule{}, err
	}
	now := e.stamp()
	rule := domain.AutomationRule{
		ID:          uuid.NewString(),
		WorkspaceID: opts.WorkspaceID,
		Name:        strings.TrimSpace(opts.Name),
		EventType:   opts.EventType,
		ActionType:  opts.ActionType,
		Config:      opts.Config,
		IsActive:    !opts.Inactive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AutomationRule{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRule(ctx, tx, rule); err != nil {
		return domain.AutomationRule{}, err
	}
	if err := e.raise(ctx, tx, "rule.created", rule.WorkspaceID, "rule", rule.ID, opts.ActorID, map[string]any{"event_type": rule.EventType, "action_type": rule.ActionType}); err != nil {
		return domain.AutomationRule{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AutomationRule{}, err
	}
	e.rulesChanged(rule.WorkspaceID)
	return rule, nil
}

// RuleUpdateOptions change a rule; nil fields are left as they are.
type RuleUpdateOptions struct {
	WorkspaceID string
	ID          string
	Name        *string
	Config      map[string]any
	IsActive    *bool
	ActorID     string
}

func (e Engine) UpdateRule(ctx context.Context, opts RuleUpdateOptions) (domain.AutomationRule, error) {
	rule, err := e.Repo.GetRule(ctx, opts.WorkspaceID, opts.ID)
	if err != nil {
		return domain.AutomationRule{}, err
	}
	if opts.Name != nil {
		if strings.TrimSpace(*opts.Name) == "" {
			return domain.AutomationRule{}, invalidf("rule name is required")
		}
		rule.Name = strings.TrimSpace(*opts.Name)
	}
	if opts.Config != nil {
		if _, err := automation.ParseAction(rule.ActionType, opts.Config); err != nil {
			return domain.AutomationRule{}, invalidf("%v", err)
		}
		rule.Config = opts.Config
	}
	if opts.IsActive != nil {
		rule.IsActive = *opts.IsActive
	}
	rule.UpdatedAt = e.stamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AutomationRule{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateRule(ctx, tx, rule); err != nil {
		return domain.AutomationRule{}, err
	}
	if err := e.raise(ctx, tx, "rule.updated", rule.WorkspaceID, "rule", rule.ID, opts.ActorID, map[string]any{"is_active": rule.IsActive}); err != nil {
		return domain.AutomationRule{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AutomationRule{}, err
	}
	e.rulesChanged(rule.WorkspaceID)
	return rule, nil
}

func (e Engine) DeleteRule(ctx context.Context, workspaceID, ruleID, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteRule(ctx, tx, workspaceID, ruleID); err != nil {
		return err
	}
	if err := e.raise(ctx, tx, "rule.deleted", workspaceID, "rule", ruleID, actorID, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.rulesChanged(workspaceID)
	return nil
}

func (e Engine) ListRules(ctx context.Context, workspaceID, eventType string) ([]domain.AutomationRule, error) {
	return e.Repo.ListRules(ctx, repo.RuleFilters{WorkspaceID: workspaceID, EventType: eventType})
}

func (e Engine) rulesChanged(workspaceID string) {
	if e.RulesChanged != nil {
		e.RulesChanged(workspaceID)
	}
}

var (
	alertStatuses   = map[string]bool{"": true, "all": true, domain.AlertActive: true, domain.AlertDismissed: true, domain.AlertResolved: true}
	alertSeverities = map[string]bool{"": true, "low": true, "medium": true, "high": true, "critical": true}
)

// ListAlerts lists a workspace's alerts, most severe and newest first. An empty status
// means active alerts; "all" lists every status.
func (e Engine) ListAlerts(ctx context.Context, f repo.AlertFilters) ([]domain.Alert, error) {
	if !alertStatuses[f.Status] {
		return nil, invalidf("status %q", f.Status)
	}
	if !alertSeverities[f.Severity] {
		return nil, invalidf("severity %q", f.Severity)
	}
	if f.Status == "" {
		f.Status = domain.AlertActive
	}
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 50
	}
	return e.Repo.ListAlerts(ctx, f)
}

func (e Engine) DismissAlert(ctx context.Context, workspaceID, alertID, actorID string) (domain.Alert, error) {
	return e.closeAlert(ctx, workspaceID, alertID, domain.AlertDismissed, actorID)
}

func (e Engine) ResolveAlert(ctx context.Context, workspaceID, alertID, actorID string) (domain.Alert, error) {
	return e.closeAlert(ctx, workspaceID, alertID, domain.AlertResolved, actorID)
}

func (e Engine) closeAlert(ctx context.Context, workspaceID, alertID, status, actorID string) (domain.Alert, error) {
	alert, changed, err := e.Repo.CloseAlert(ctx, workspaceID, alertID, status, e.stamp())
	if err != nil {
		return domain.Alert{}, err
	}
	if !changed {
		return alert, fmt.Errorf("%w: %s is %s", ErrAlertClosed, alert.ID, alert.Status)
	}
	if err := e.events().Append(ctx, nil, "alert."+status, workspaceID, "alert", alert.ID, actorID, events.EventPayload{"type": alert.Type}); err != nil {
		return alert, err
	}
	return alert, nil
}

// CriticalAlertCount is the number of active critical alerts in a workspace.
func (e Engine) CriticalAlertCount(ctx context.Context, workspaceID string) (int, error) {
	return e.Repo.CountActiveAlerts(ctx, workspaceID, "critical")
}
