package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	WorkspaceID string
	Permission  string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Service answers RBAC questions from workspace_members and role_permissions.
type Service struct {
	DB *sql.DB
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s Service) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return s.DB
}

func (s Service) ActorHasPermission(ctx context.Context, tx *sql.Tx, workspaceID, actorID, perm string) (bool, error) {
	row := s.q(tx).QueryRowContext(ctx, `
SELECT 1 FROM workspace_members wm
JOIN role_permissions rp ON rp.role_id=wm.role_id
WHERE wm.workspace_id=? AND wm.actor_id=? AND rp.permission_id=? LIMIT 1`,
		workspaceID, actorID, perm)
	var n int
	err := row.Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// Require returns ForbiddenError unless the actor holds perm in the workspace.
func (s Service) Require(ctx context.Context, workspaceID, actorID, perm string) error {
	if actorID == "" {
		return ForbiddenError{WorkspaceID: workspaceID, Permission: perm}
	}
	ok, err := s.ActorHasPermission(ctx, nil, workspaceID, actorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{WorkspaceID: workspaceID, Permission: perm}
	}
	return nil
}

func (s Service) ActorRoles(ctx context.Context, tx *sql.Tx, workspaceID, actorID string) ([]string, error) {
	return s.strings(ctx, tx, `SELECT role_id FROM workspace_members WHERE workspace_id=? AND actor_id=? ORDER BY role_id`, workspaceID, actorID)
}

func (s Service) ActorPermissions(ctx context.Context, tx *sql.Tx, workspaceID, actorID string) ([]string, error) {
	return s.strings(ctx, tx, `
SELECT DISTINCT rp.permission_id
FROM workspace_members wm
JOIN role_permissions rp ON rp.role_id=wm.role_id
WHERE wm.workspace_id=? AND wm.actor_id=?
ORDER BY rp.permission_id`, workspaceID, actorID)
}

// ActorWorkspaces lists the workspaces the actor belongs to in any role.
func (s Service) ActorWorkspaces(ctx context.Context, actorID string) ([]string, error) {
	return s.strings(ctx, nil, `SELECT DISTINCT workspace_id FROM workspace_members WHERE actor_id=? ORDER BY workspace_id`, actorID)
}

func (s Service) strings(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := s.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
