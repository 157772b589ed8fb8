package repo

import (
	"context"
	"database/sql"

	"careops/internal/domain"
)

const messageColumns = `id,workspace_id,COALESCE(contact_id,''),channel,recipient,COALESCE(template,''),COALESCE(subject,''),body,status,provider_message_id,error,created_at`

func scanMessage(row interface{ Scan(...any) error }) (domain.Message, error) {
	var m domain.Message
	var provider, msgErr sql.NullString
	err := row.Scan(&m.ID, &m.WorkspaceID, &m.ContactID, &m.Channel, &m.Recipient, &m.Template, &m.Subject, &m.Body, &m.Status, &provider, &msgErr, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	m.ProviderMessageID = ptrFromNull(provider)
	m.Error = ptrFromNull(msgErr)
	return m, err
}

// InsertMessage logs an outbound delivery attempt.
func (r Repo) InsertMessage(ctx context.Context, m domain.Message) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO messages(id,workspace_id,contact_id,channel,recipient,template,subject,body,status,provider_message_id,error,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.WorkspaceID, nullable(m.ContactID), m.Channel, m.Recipient, nullable(m.Template), nullable(m.Subject), m.Body, m.Status,
		nullableStringPtr(m.ProviderMessageID), nullableStringPtr(m.Error), m.CreatedAt)
	return err
}

func (r Repo) ListMessages(ctx context.Context, workspaceID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE workspace_id=? ORDER BY created_at DESC, id DESC LIMIT ?`, workspaceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
