package repo

import (
	"context"
	"database/sql"

	"careops/internal/domain"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

// UpsertRole stores a role and replaces its permission set.
func (r Repo) UpsertRole(ctx context.Context, tx *sql.Tx, id, desc string, perms []string) error {
	q := r.q(tx)
	if _, err := q.ExecContext(ctx, `INSERT INTO roles(id, description) VALUES (?,?)
ON CONFLICT(id) DO UPDATE SET description=excluded.description`, id, nullable(desc)); err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM role_permissions WHERE role_id=?`, id); err != nil {
		return err
	}
	for _, p := range perms {
		if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO role_permissions(role_id, permission_id) VALUES (?,?)`, id, p); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) AssignMember(ctx context.Context, tx *sql.Tx, workspaceID, actorID, roleID string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO workspace_members(workspace_id, actor_id, role_id) VALUES (?,?,?)`, workspaceID, actorID, roleID)
	return err
}

func (r Repo) RevokeMember(ctx context.Context, tx *sql.Tx, workspaceID, actorID, roleID string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM workspace_members WHERE workspace_id=? AND actor_id=? AND role_id=?`, workspaceID, actorID, roleID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (r Repo) ListMembers(ctx context.Context, workspaceID string) ([]domain.Member, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT workspace_id, actor_id, role_id FROM workspace_members WHERE workspace_id=? ORDER BY actor_id, role_id`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Member
	for rows.Next() {
		var m domain.Member
		if err := rows.Scan(&m.WorkspaceID, &m.ActorID, &m.RoleID); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
