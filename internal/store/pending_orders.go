package store

import (
	"context"
	"database/sql"
	"fmt"

	"portal-billing/internal/models"

	"github.com/jmoiron/sqlx"
)

// ClaimPendingOrder claims an order for a user in a single conditional update.
// Re-claiming by the same user succeeds. Returns false when the order does not
// exist or is held by another user.
func (s *Store) ClaimPendingOrder(ctx context.Context, orderID, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_orders
		SET claimed_by = $2, claimed_at = NOW()
		WHERE id = $1 AND (claimed_by IS NULL OR claimed_by = $2)`,
		orderID, userID)
	if err != nil {
		return false, fmt.Errorf("claim pending order: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ReleasePendingOrder resets the claim on an order
func (s *Store) ReleasePendingOrder(ctx context.Context, orderID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE pending_orders SET claimed_by = NULL, claimed_at = NULL WHERE id = $1", orderID)
	return err
}

// GetPendingOrder retrieves an order with its items
func (s *Store) GetPendingOrder(ctx context.Context, orderID string) (*models.PendingOrder, error) {
	var order models.PendingOrder
	err := s.db.GetContext(ctx, &order, "SELECT * FROM pending_orders WHERE id = $1", orderID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pending order %s: %w", orderID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if err := s.db.SelectContext(ctx, &order.Items,
		"SELECT * FROM pending_order_items WHERE pending_order_id = $1 ORDER BY id", orderID); err != nil {
		return nil, err
	}
	return &order, nil
}

// ListClaimablePendingOrders returns orders that are unclaimed or held by the user
func (s *Store) ListClaimablePendingOrders(ctx context.Context, userID string) ([]models.PendingOrder, error) {
	var orders []models.PendingOrder
	err := s.db.SelectContext(ctx, &orders, `
		SELECT * FROM pending_orders
		WHERE claimed_by IS NULL OR claimed_by = $1
		ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return orders, nil
	}

	ids := make([]string, len(orders))
	for i := range orders {
		ids[i] = orders[i].ID
	}
	query, args, err := sqlx.In("SELECT * FROM pending_order_items WHERE pending_order_id IN (?) ORDER BY id", ids)
	if err != nil {
		return nil, err
	}

	var items []models.PendingOrderItem
	if err := s.db.SelectContext(ctx, &items, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}

	byOrder := make(map[string]int, len(orders))
	for i := range orders {
		byOrder[orders[i].ID] = i
	}
	for _, item := range items {
		idx := byOrder[item.PendingOrderID]
		orders[idx].Items = append(orders[idx].Items, item)
	}
	return orders, nil
}

// DeletePendingOrder deletes an order and its items in one transaction.
// A missing order is not an error.
func (s *Store) DeletePendingOrder(ctx context.Context, orderID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM pending_order_items WHERE pending_order_id = $1", orderID); err != nil {
		return fmt.Errorf("delete pending order items: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM pending_orders WHERE id = $1", orderID); err != nil {
		return fmt.Errorf("delete pending order: %w", err)
	}

	return tx.Commit()
}

// DeletePendingOrderItem deletes one item and removes the order once it has no items left
func (s *Store) DeletePendingOrderItem(ctx context.Context, orderID, itemID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM pending_order_items WHERE id = $1 AND pending_order_id = $2", itemID, orderID); err != nil {
		return fmt.Errorf("delete pending order item: %w", err)
	}

	var remaining int
	if err := tx.GetContext(ctx, &remaining,
		"SELECT COUNT(*) FROM pending_order_items WHERE pending_order_id = $1", orderID); err != nil {
		return err
	}
	if remaining == 0 {
		if _, err := tx.ExecContext(ctx, "DELETE FROM pending_orders WHERE id = $1", orderID); err != nil {
			return fmt.Errorf("delete pending order: %w", err)
		}
	}

	return tx.Commit()
}
