package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"careops/internal/domain"
)

const ruleColumns = `id,workspace_id,name,event_type,action_type,config_json,is_active,execution_count,last_executed_at,created_at,updated_at`

func scanRule(row interface{ Scan(...any) error }) (domain.AutomationRule, error) {
	var rule domain.AutomationRule
	var cfg string
	var active int
	var last sql.NullString
	err := row.Scan(&rule.ID, &rule.WorkspaceID, &rule.Name, &rule.EventType, &rule.ActionType, &cfg, &active,
		&rule.ExecutionCount, &last, &rule.CreatedAt, &rule.UpdatedAt)
	if err == sql.ErrNoRows {
		return rule, ErrNotFound
	}
	if err != nil {
		return rule, err
	}
	rule.IsActive = active == 1
	rule.LastExecutedAt = ptrFromNull(last)
	rule.Config = map[string]any{}
	if cfg != "" {
		if err := json.Unmarshal([]byte(cfg), &rule.Config); err != nil {
			return rule, fmt.Errorf("rule %s config: %w", rule.ID, err)
		}
	}
	return rule, nil
}

func marshalConfig(cfg map[string]any) (string, error) {
	if cfg == nil {
		cfg = map[string]any{}
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal rule config: %w", err)
	}
	return string(data), nil
}

func (r Repo) InsertRule(ctx context.Context, tx *sql.Tx, rule domain.AutomationRule) error {
	cfg, err := marshalConfig(rule.Config)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO automation_rules(id,workspace_id,name,event_type,action_type,config_json,is_active,execution_count,created_at,updated_at) VALUES (?,?,?,?,?,?,?,0,?,?)`,
		rule.ID, rule.WorkspaceID, rule.Name, rule.EventType, rule.ActionType, cfg, boolInt(rule.IsActive), rule.CreatedAt, rule.UpdatedAt)
	return err
}

func (r Repo) GetRule(ctx context.Context, workspaceID, id string) (domain.AutomationRule, error) {
	return scanRule(r.DB.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM automation_rules WHERE id=? AND workspace_id=?`, id, workspaceID))
}

type RuleFilters struct {
	WorkspaceID string
	EventType   string
	ActiveOnly  bool
}

func (r Repo) ListRules(ctx context.Context, f RuleFilters) ([]domain.AutomationRule, error) {
	clauses := []string{"workspace_id=?"}
	args := []any{f.WorkspaceID}
	if f.EventType != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, f.EventType)
	}
	if f.ActiveOnly {
		clauses = append(clauses, "is_active=1")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+ruleColumns+` FROM automation_rules WHERE `+strings.Join(clauses, " AND ")+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AutomationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}

// ActiveRules returns the rules that fire for eventType within a workspace.
func (r Repo) ActiveRules(ctx context.Context, workspaceID, eventType string) ([]domain.AutomationRule, error) {
	return r.ListRules(ctx, RuleFilters{WorkspaceID: workspaceID, EventType: eventType, ActiveOnly: true})
}

func (r Repo) UpdateRule(ctx context.Context, tx *sql.Tx, rule domain.AutomationRule) error {
	cfg, err := marshalConfig(rule.Config)
	if err != nil {
		return err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE automation_rules SET name=?, event_type=?, action_type=?, config_json=?, is_active=?, updated_at=? WHERE id=? AND workspace_id=?`,
		rule.Name, rule.EventType, rule.ActionType, cfg, boolInt(rule.IsActive), rule.UpdatedAt, rule.ID, rule.WorkspaceID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (r Repo) DeleteRule(ctx context.Context, tx *sql.Tx, workspaceID, id string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM automation_rules WHERE id=? AND workspace_id=?`, id, workspaceID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

// ClaimRuleExecution bumps the attempt counter and last execution time of a rule that is
// still active for eventType and returns its current row. ok is false, and nothing is
// touched, when the rule was disabled, deleted or moved to another event.
func (r Repo) ClaimRuleExecution(ctx context.Context, workspaceID, id, eventType, now string) (domain.AutomationRule, bool, error) {
	rule, err := scanRule(r.DB.QueryRowContext(ctx, `UPDATE automation_rules SET execution_count=execution_count+1, last_executed_at=?
WHERE id=? AND workspace_id=? AND event_type=? AND is_active=1
RETURNING `+ruleColumns, now, id, workspaceID, eventType))
	if err == ErrNotFound {
		return domain.AutomationRule{}, false, nil
	}
	if err != nil {
		return domain.AutomationRule{}, false, err
	}
	return rule, true, nil
}
