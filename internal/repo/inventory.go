package repo

import (
	"context"
	"database/sql"

	"careops/internal/domain"
)

const inventoryColumns = `id,workspace_id,name,quantity,low_stock_threshold,unit,usage_per_booking,created_at,updated_at`

func scanInventory(row interface{ Scan(...any) error }) (domain.InventoryItem, error) {
	var it domain.InventoryItem
	err := row.Scan(&it.ID, &it.WorkspaceID, &it.Name, &it.Quantity, &it.LowStockThreshold, &it.Unit, &it.UsagePerBooking, &it.CreatedAt, &it.UpdatedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	return it, err
}

func (r Repo) InsertInventoryItem(ctx context.Context, tx *sql.Tx, it domain.InventoryItem) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO inventory_items(id,workspace_id,name,quantity,low_stock_threshold,unit,usage_per_booking,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		it.ID, it.WorkspaceID, it.Name, it.Quantity, it.LowStockThreshold, it.Unit, it.UsagePerBooking, it.CreatedAt, it.UpdatedAt)
	return err
}

func (r Repo) GetInventoryItem(ctx context.Context, tx *sql.Tx, workspaceID, id string) (domain.InventoryItem, error) {
	return scanInventory(r.q(tx).QueryRowContext(ctx, `SELECT `+inventoryColumns+` FROM inventory_items WHERE id=? AND workspace_id=?`, id, workspaceID))
}

func (r Repo) ListInventory(ctx context.Context, tx *sql.Tx, workspaceID string) ([]domain.InventoryItem, error) {
	return r.queryInventory(ctx, tx, `SELECT `+inventoryColumns+` FROM inventory_items WHERE workspace_id=? ORDER BY name, id`, workspaceID)
}

// LowStockItems lists items at or below their threshold across all workspaces.
func (r Repo) LowStockItems(ctx context.Context) ([]domain.InventoryItem, error) {
	return r.queryInventory(ctx, nil, `SELECT `+inventoryColumns+` FROM inventory_items WHERE quantity <= low_stock_threshold ORDER BY workspace_id, quantity, id`)
}

// AdjustQuantity adds delta to an item's quantity, clamping at zero, and returns the new row.
func (r Repo) AdjustQuantity(ctx context.Context, tx *sql.Tx, workspaceID, id string, delta int, now string) (domain.InventoryItem, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE inventory_items SET quantity=MAX(quantity+?,0), updated_at=? WHERE id=? AND workspace_id=?`, delta, now, id, workspaceID)
	if err != nil {
		return domain.InventoryItem{}, err
	}
	if err := affectedOrNotFound(res); err != nil {
		return domain.InventoryItem{}, err
	}
	return r.GetInventoryItem(ctx, tx, workspaceID, id)
}

// Reserve decrements every item that has enough stock for one booking and records the
// reservation. A booking reserves an item at most once.
func (r Repo) Reserve(ctx context.Context, tx *sql.Tx, workspaceID, bookingID, now string) ([]domain.Reservation, error) {
	items, err := r.ListInventory(ctx, tx, workspaceID)
	if err != nil {
		return nil, err
	}
	q := r.q(tx)
	var reserved []domain.Reservation
	for _, it := range items {
		if it.UsagePerBooking <= 0 || it.Quantity < it.UsagePerBooking {
			continue
		}
		res, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO inventory_reservations(booking_id,item_id,quantity,created_at) VALUES (?,?,?,?)`,
			bookingID, it.ID, it.UsagePerBooking, now)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		if _, err := q.ExecContext(ctx, `UPDATE inventory_items SET quantity=quantity-?, updated_at=? WHERE id=? AND quantity>=?`,
			it.UsagePerBooking, now, it.ID, it.UsagePerBooking); err != nil {
			return nil, err
		}
		reserved = append(reserved, domain.Reservation{BookingID: bookingID, ItemID: it.ID, Quantity: it.UsagePerBooking})
	}
	return reserved, nil
}

// Release returns a booking's reserved quantities to stock and forgets the reservations.
func (r Repo) Release(ctx context.Context, tx *sql.Tx, workspaceID, bookingID, now string) ([]domain.Reservation, error) {
	q := r.q(tx)
	rows, err := q.QueryContext(ctx, `SELECT r.booking_id, r.item_id, r.quantity FROM inventory_reservations r
JOIN inventory_items i ON i.id = r.item_id WHERE r.booking_id=? AND i.workspace_id=? ORDER BY r.item_id`, bookingID, workspaceID)
	if err != nil {
		return nil, err
	}
	var released []domain.Reservation
	for rows.Next() {
		var res domain.Reservation
		if err := rows.Scan(&res.BookingID, &res.ItemID, &res.Quantity); err != nil {
			rows.Close()
			return nil, err
		}
		released = append(released, res)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	for _, res := range released {
		if _, err := q.ExecContext(ctx, `UPDATE inventory_items SET quantity=quantity+?, updated_at=? WHERE id=?`, res.Quantity, now, res.ItemID); err != nil {
			return nil, err
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM inventory_reservations WHERE booking_id=? AND item_id=?`, res.BookingID, res.ItemID); err != nil {
			return nil, err
		}
	}
	return released, nil
}

func (r Repo) queryInventory(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.InventoryItem, error) {
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.InventoryItem
	for rows.Next() {
		it, err := scanInventory(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}
