package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"careops/internal/domain"
	"careops/internal/engine"
	"careops/internal/repo"
)

func registerRules(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-rule",
		Method:        http.MethodPost,
		Path:          "/workspaces/{workspace_id}/rules",
		Summary:       "Create automation rule",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string            `path:"workspace_id"`
		Body        CreateRuleRequest `json:"body"`
	}) (*struct {
		Body domain.AutomationRule `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, e, input.WorkspaceID, "rules.write")
		if err != nil {
			return nil, handleError(err)
		}
		rule, err := e.CreateRule(ctx, engine.RuleCreateOptions{
			WorkspaceID: input.WorkspaceID,
			Name:        input.Body.Name,
			EventType:   input.Body.EventType,
			ActionType:  input.Body.ActionType,
			Config:      input.Body.Config,
			Inactive:    input.Body.IsActive != nil && !*input.Body.IsActive,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AutomationRule `json:"body"`
		}{Body: rule}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/rules",
		Summary:     "List automation rules",
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		EventType   string `query:"event_type"`
	}) (*struct {
		Body []domain.AutomationRule `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, input.WorkspaceID, "rules.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListRules(ctx, input.WorkspaceID, input.EventType)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AutomationRule `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-rule",
		Method:      http.MethodPatch,
		Path:        "/workspaces/{workspace_id}/rules/{rule_id}",
		Summary:     "Update automation rule",
		Description: "Renames, reconfigures, enables or disables a rule. The event and action types are fixed once created.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string            `path:"workspace_id"`
		RuleID      string            `path:"rule_id"`
		Body        UpdateRuleRequest `json:"body"`
	}) (*struct {
		Body domain.AutomationRule `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, e, input.WorkspaceID, "rules.write")
		if err != nil {
			return nil, handleError(err)
		}
		rule, err := e.UpdateRule(ctx, engine.RuleUpdateOptions{
			WorkspaceID: input.WorkspaceID,
			ID:          input.RuleID,
			Name:        input.Body.Name,
			Config:      input.Body.Config,
			IsActive:    input.Body.IsActive,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AutomationRule `json:"body"`
		}{Body: rule}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-rule",
		Method:        http.MethodDelete,
		Path:          "/workspaces/{workspace_id}/rules/{rule_id}",
		Summary:       "Delete automation rule",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		RuleID      string `path:"rule_id"`
	}) (*struct{}, error) {
		actorID, err := requirePermission(ctx, e, input.WorkspaceID, "rules.write")
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteRule(ctx, input.WorkspaceID, input.RuleID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

type alertPath struct {
	WorkspaceID string `path:"workspace_id"`
	AlertID     string `path:"alert_id"`
}

func registerAlerts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-alerts",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/alerts",
		Summary:     "List alerts",
		Description: "Lists alerts most severe first. Status defaults to active; use all for every status.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		Status      string `query:"status" enum:"active,dismissed,resolved,all"`
		Severity    string `query:"severity" enum:"low,medium,high,critical"`
		Type        string `query:"type"`
		Limit       int    `query:"limit" default:"50"`
		Offset      int    `query:"offset"`
	}) (*struct {
		Body AlertSummaryResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, input.WorkspaceID, "alerts.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListAlerts(ctx, repo.AlertFilters{
			WorkspaceID: input.WorkspaceID,
			Status:      input.Status,
			Severity:    input.Severity,
			Type:        input.Type,
			Limit:       input.Limit,
			Offset:      input.Offset,
		})
		if err != nil {
			return nil, handleError(err)
		}
		critical, err := e.CriticalAlertCount(ctx, input.WorkspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AlertSummaryResponse `json:"body"`
		}{Body: AlertSummaryResponse{Items: nonNilSlice(items), CriticalCount: critical}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dismiss-alert",
		Method:      http.MethodPost,
		Path:        "/workspaces/{workspace_id}/alerts/{alert_id}/dismiss",
		Summary:     "Dismiss alert",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *alertPath) (*struct {
		Body domain.Alert `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, e, input.WorkspaceID, "alerts.write")
		if err != nil {
			return nil, handleError(err)
		}
		alert, err := e.DismissAlert(ctx, input.WorkspaceID, input.AlertID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Alert `json:"body"`
		}{Body: alert}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-alert",
		Method:      http.MethodPost,
		Path:        "/workspaces/{workspace_id}/alerts/{alert_id}/resolve",
		Summary:     "Resolve alert",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *alertPath) (*struct {
		Body domain.Alert `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, e, input.WorkspaceID, "alerts.write")
		if err != nil {
			return nil, handleError(err)
		}
		alert, err := e.ResolveAlert(ctx, input.WorkspaceID, input.AlertID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Alert `json:"body"`
		}{Body: alert}, nil
	})
}

func registerInventory(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-inventory-item",
		Method:        http.MethodPost,
		Path:          "/workspaces/{workspace_id}/inventory",
		Summary:       "Create inventory item",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string                     `path:"workspace_id"`
		Body        CreateInventoryItemRequest `json:"body"`
	}) (*struct {
		Body domain.InventoryItem `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, e, input.WorkspaceID, "inventory.write")
		if err != nil {
			return nil, handleError(err)
		}
		item, err := e.CreateInventoryItem(ctx, engine.InventoryItemCreateOptions{
			WorkspaceID:       input.WorkspaceID,
			Name:              input.Body.Name,
			Quantity:          input.Body.Quantity,
			LowStockThreshold: input.Body.LowStockThreshold,
			Unit:              input.Body.Unit,
			UsagePerBooking:   input.Body.UsagePerBooking,
			ActorID:           actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.InventoryItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-inventory",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/inventory",
		Summary:     "List inventory",
	}, func(ctx context.Context, input *workspacePath) (*struct {
		Body []domain.InventoryItem `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, input.WorkspaceID, "inventory.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListInventory(ctx, input.WorkspaceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.InventoryItem `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "adjust-inventory",
		Method:      http.MethodPost,
		Path:        "/workspaces/{workspace_id}/inventory/{item_id}/adjust",
		Summary:     "Adjust stock level",
		Description: "Applies a signed delta. Quantity never drops below zero.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string                 `path:"workspace_id"`
		ItemID      string                 `path:"item_id"`
		Body        AdjustInventoryRequest `json:"body"`
	}) (*struct {
		Body domain.InventoryItem `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, e, input.WorkspaceID, "inventory.write")
		if err != nil {
			return nil, handleError(err)
		}
		item, err := e.AdjustInventory(ctx, input.WorkspaceID, input.ItemID, input.Body.Delta, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.InventoryItem `json:"body"`
		}{Body: item}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/events",
		Summary:     "List audit events",
		Description: "Newest first. Pass next_cursor back as cursor for the next page.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		Type        string `query:"type"`
		EntityKind  string `query:"entity_kind"`
		EntityID    string `query:"entity_id"`
		Cursor      string `query:"cursor"`
		Limit       int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, input.WorkspaceID, "events.read"); err != nil {
			return nil, handleError(err)
		}
		var cursor int64
		if input.Cursor != "" {
			c, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || c <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
			}
			cursor = c
		}
		limit := normalizeLimit(input.Limit)
		evts, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			WorkspaceID: input.WorkspaceID,
			Type:        input.Type,
			EntityKind:  input.EntityKind,
			EntityID:    input.EntityID,
			Cursor:      cursor,
			Limit:       limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		page := paginatedEvents{Items: make([]EventResponse, 0, len(evts))}
		for _, evt := range evts {
			page.Items = append(page.Items, eventResponse(evt))
		}
		if len(evts) == limit {
			page.NextCursor = strconv.FormatInt(evts[len(evts)-1].ID, 10)
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: page}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "trigger-event",
		Method:        http.MethodPost,
		Path:          "/workspaces/{workspace_id}/events",
		Summary:       "Raise a domain event by hand",
		Description:   "Runs the workspace's matching automation rules as if the event had happened.",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string              `path:"workspace_id"`
		Body        TriggerEventRequest `json:"body"`
	}) (*struct{}, error) {
		actorID, err := requirePermission(ctx, e, input.WorkspaceID, "rules.write")
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.RaiseEvent(ctx, input.WorkspaceID, input.Body.EventType, input.Body.Data, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/workspaces/{workspace_id}/tasks",
		Summary:     "List background tasks",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `path:"workspace_id"`
		Status      string `query:"status" enum:"queued,running,succeeded,skipped,failed"`
		Action      string `query:"action"`
		Limit       int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, input.WorkspaceID, "tasks.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			WorkspaceID: input.WorkspaceID,
			Status:      input.Status,
			Action:      input.Action,
			Limit:       normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}
