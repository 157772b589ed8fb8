package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"careops/internal/domain"
)

// Alert types raised by the engine itself.
const (
	AlertLowStock    = "low_stock"
	AlertFormOverdue = "form_overdue"
)

type InventoryItemCreateOptions struct {
	WorkspaceID       string
	Name              string
	Quantity          int
	LowStockThreshold int
	Unit              string
	UsagePerBooking   int
	ActorID           string
}

func (e Engine) CreateInventoryItem(ctx context.Context, opts InventoryItemCreateOptions) (domain.InventoryItem, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.InventoryItem{}, invalidf("item name is required")
	}
	if opts.Quantity < 0 || opts.LowStockThreshold < 0 || opts.UsagePerBooking < 0 {
		return domain.InventoryItem{}, invalidf("quantity, low_stock_threshold and usage_per_booking must not be negative")
	}
	if opts.Unit == "" {
		opts.Unit = "units"
	}
	if _, err := e.Repo.GetWorkspace(ctx, opts.WorkspaceID); err != nil {
		return domain.InventoryItem{}, err
	}
	now := e.stamp()
	it := domain.InventoryItem{
		ID:                uuid.NewString(),
		WorkspaceID:       opts.WorkspaceID,
		Name:              strings.TrimSpace(opts.Name),
		Quantity:          opts.Quantity,
		LowStockThreshold: opts.LowStockThreshold,
		Unit:              opts.Unit,
		UsagePerBooking:   opts.UsagePerBooking,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.InventoryItem{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertInventoryItem(ctx, tx, it); err != nil {
		return domain.InventoryItem{}, err
	}
	created, err := e.evaluateStock(ctx, tx, it)
	if err != nil {
		return domain.InventoryItem{}, err
	}
	if err := e.raise(ctx, tx, "inventory.created", it.WorkspaceID, "inventory_item", it.ID, opts.ActorID, map[string]any{"quantity": it.Quantity}); err != nil {
		return domain.InventoryItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.InventoryItem{}, err
	}
	e.countAlert(created)
	return it, nil
}

// AdjustInventory changes an item's quantity by delta (never below zero) and re-evaluates
// its stock level.
func (e Engine) AdjustInventory(ctx context.Context, workspaceID, itemID string, delta int, actorID string) (domain.InventoryItem, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.InventoryItem{}, err
	}
	defer tx.Rollback()
	it, err := e.Repo.AdjustQuantity(ctx, tx, workspaceID, itemID, delta, e.stamp())
	if err != nil {
		return domain.InventoryItem{}, err
	}
	created, err := e.evaluateStock(ctx, tx, it)
	if err != nil {
		return domain.InventoryItem{}, err
	}
	if err := e.raise(ctx, tx, "inventory.adjusted", workspaceID, "inventory_item", it.ID, actorID, map[string]any{"delta": delta, "quantity": it.Quantity}); err != nil {
		return domain.InventoryItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.InventoryItem{}, err
	}
	e.countAlert(created)
	return it, nil
}

// ReserveInventory takes usage_per_booking of every stocked item for a booking, once.
func (e Engine) ReserveInventory(ctx context.Context, workspaceID, bookingID, actorID string) ([]domain.Reservation, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	b, err := e.Repo.GetBooking(ctx, tx, workspaceID, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status == domain.BookingCancelled {
		return nil, fmt.Errorf("%w: booking %s is cancelled", ErrInvalidTransition, b.ID)
	}
	reserved, err := e.Repo.Reserve(ctx, tx, workspaceID, bookingID, e.stamp())
	if err != nil {
		return nil, err
	}
	alerts := 0
	for _, res := range reserved {
		it, err := e.Repo.GetInventoryItem(ctx, tx, workspaceID, res.ItemID)
		if err != nil {
			return nil, err
		}
		created, err := e.evaluateStock(ctx, tx, it)
		if err != nil {
			return nil, err
		}
		if created {
			alerts++
		}
	}
	if len(reserved) > 0 {
		if err := e.raise(ctx, tx, "inventory.reserved", workspaceID, "booking", bookingID, actorID, map[string]any{"items": len(reserved)}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for i := 0; i < alerts; i++ {
		e.countAlert(true)
	}
	return reserved, nil
}

// ReleaseInventory returns a booking's reserved stock.
func (e Engine) ReleaseInventory(ctx context.Context, workspaceID, bookingID, actorID string) ([]domain.Reservation, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetBooking(ctx, tx, workspaceID, bookingID); err != nil {
		return nil, err
	}
	released, err := e.releaseInventory(ctx, tx, workspaceID, bookingID)
	if err != nil {
		return nil, err
	}
	if len(released) > 0 {
		if err := e.raise(ctx, tx, "inventory.released", workspaceID, "booking", bookingID, actorID, map[string]any{"items": len(released)}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return released, nil
}

func (e Engine) releaseInventory(ctx context.Context, tx *sql.Tx, workspaceID, bookingID string) ([]domain.Reservation, error) {
	released, err := e.Repo.Release(ctx, tx, workspaceID, bookingID, e.stamp())
	if err != nil {
		return nil, err
	}
	for _, res := range released {
		it, err := e.Repo.GetInventoryItem(ctx, tx, workspaceID, res.ItemID)
		if err != nil {
			return nil, err
		}
		if _, err := e.evaluateStock(ctx, tx, it); err != nil {
			return nil, err
		}
	}
	return released, nil
}

// CheckLowStock raises a low-stock alert for every item at or below its threshold in any
// workspace. An item that already has an active alert gets no second one. It returns how
// many alerts were created.
func (e Engine) CheckLowStock(ctx context.Context) (int, error) {
	items, err := e.Repo.LowStockItems(ctx)
	if err != nil {
		return 0, err
	}
	created := 0
	for _, it := range items {
		isNew, err := e.evaluateStock(ctx, nil, it)
		if err != nil {
			return created, fmt.Errorf("item %s: %w", it.ID, err)
		}
		if isNew {
			created++
			e.countAlert(true)
		}
	}
	return created, nil
}

// evaluateStock creates the item's low-stock alert when it is at or below threshold and
// resolves it once stock recovers. It reports whether a new alert was created.
func (e Engine) evaluateStock(ctx context.Context, tx *sql.Tx, it domain.InventoryItem) (bool, error) {
	if it.Quantity > it.LowStockThreshold {
		_, err := e.Repo.ResolveActiveAlerts(ctx, tx, it.WorkspaceID, AlertLowStock, "inventory_item", it.ID, e.stamp())
		return false, err
	}
	alert := domain.Alert{
		ID:            uuid.NewString(),
		WorkspaceID:   it.WorkspaceID,
		Type:          AlertLowStock,
		Severity:      "high",
		Title:         "Low Stock: " + it.Name,
		Message:       fmt.Sprintf("%s is running low (%d %s remaining).", it.Name, it.Quantity, it.Unit),
		Link:          "/inventory/" + it.ID,
		ReferenceType: "inventory_item",
		ReferenceID:   it.ID,
		CreatedAt:     e.stamp(),
	}
	if it.Quantity == 0 {
		alert.Severity = "critical"
		alert.Title = "Out of Stock: " + it.Name
		alert.Message = fmt.Sprintf("%s is out of stock.", it.Name)
	}
	_, created, err := e.Repo.CreateAlert(ctx, tx, alert)
	return created, err
}

func (e Engine) countAlert(created bool) {
	if created {
		e.Metrics.AlertCreated(AlertLowStock)
	}
}

// ListInventory returns a workspace's items by name.
func (e Engine) ListInventory(ctx context.Context, workspaceID string) ([]domain.InventoryItem, error) {
	if _, err := e.Repo.GetWorkspace(ctx, workspaceID); err != nil {
		return nil, err
	}
	return e.Repo.ListInventory(ctx, nil, workspaceID)
}
