package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"careops/internal/domain"
)

const serviceColumns = `id,workspace_id,name,slug,COALESCE(description,''),duration_minutes,COALESCE(location,''),availability_json,is_active,created_at`

func scanService(row interface{ Scan(...any) error }) (domain.Service, error) {
	var s domain.Service
	var availability string
	var active int
	err := row.Scan(&s.ID, &s.WorkspaceID, &s.Name, &s.Slug, &s.Description, &s.DurationMinutes, &s.Location, &availability, &active, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.IsActive = active == 1
	s.Availability = domain.Availability{}
	if availability != "" {
		if err := json.Unmarshal([]byte(availability), &s.Availability); err != nil {
			return s, fmt.Errorf("service %s availability: %w", s.ID, err)
		}
	}
	return s, nil
}

func (r Repo) InsertService(ctx context.Context, tx *sql.Tx, s domain.Service) error {
	availability, err := json.Marshal(s.Availability)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO services(id,workspace_id,name,slug,description,duration_minutes,location,availability_json,is_active,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.WorkspaceID, s.Name, s.Slug, nullable(s.Description), s.DurationMinutes, nullable(s.Location), string(availability), boolInt(s.IsActive), s.CreatedAt)
	return err
}

func (r Repo) GetService(ctx context.Context, workspaceID, id string) (domain.Service, error) {
	return scanService(r.DB.QueryRowContext(ctx, `SELECT `+serviceColumns+` FROM services WHERE id=? AND workspace_id=?`, id, workspaceID))
}

func (r Repo) ListServices(ctx context.Context, workspaceID string) ([]domain.Service, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+serviceColumns+` FROM services WHERE workspace_id=? ORDER BY name, id`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Service
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
