package repo

import (
	"context"
	"database/sql"

	"careops/internal/domain"
)

const contactColumns = `id,workspace_id,full_name,COALESCE(email,''),COALESCE(phone,''),preferred_channel,created_at`

func scanContact(row interface{ Scan(...any) error }) (domain.Contact, error) {
	var c domain.Contact
	err := row.Scan(&c.ID, &c.WorkspaceID, &c.FullName, &c.Email, &c.Phone, &c.PreferredChannel, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) InsertContact(ctx context.Context, tx *sql.Tx, c domain.Contact) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO contacts(id,workspace_id,full_name,email,phone,preferred_channel,created_at) VALUES (?,?,?,?,?,?,?)`,
		c.ID, c.WorkspaceID, c.FullName, nullable(c.Email), nullable(c.Phone), c.PreferredChannel, c.CreatedAt)
	return err
}

// GetContact loads a contact only if it belongs to workspaceID.
func (r Repo) GetContact(ctx context.Context, workspaceID, id string) (domain.Contact, error) {
	return scanContact(r.DB.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id=? AND workspace_id=?`, id, workspaceID))
}

func (r Repo) ListContacts(ctx context.Context, workspaceID string, limit int) ([]domain.Contact, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE workspace_id=? ORDER BY created_at DESC, id DESC LIMIT ?`, workspaceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
