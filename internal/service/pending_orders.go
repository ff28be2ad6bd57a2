package service

import (
	"context"
	"errors"
	"fmt"

	"portal-billing/internal/models"
	"portal-billing/internal/store"
	"portal-billing/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PendingOrderService manages claims on pre-registration orders
type PendingOrderService struct {
	repo   PendingOrderRepository
	logger *zap.Logger
}

// NewPendingOrderService creates a new pending order service
func NewPendingOrderService(repo PendingOrderRepository) *PendingOrderService {
	return &PendingOrderService{
		repo:   repo,
		logger: util.GetLogger(),
	}
}

// Claim reserves an order for userID. Claiming an order the same user
// already holds succeeds.
func (s *PendingOrderService) Claim(ctx context.Context, orderID, userID string) error {
	ctx, span := util.StartSpan(ctx, "PendingOrderService.Claim")
	defer span.End()

	if _, err := uuid.Parse(orderID); err != nil {
		util.PendingOrderClaimsTotal.WithLabelValues("not_found").Inc()
		return fmt.Errorf("pending order %s: %w", orderID, ErrNotFound)
	}

	claimed, err := s.repo.ClaimPendingOrder(ctx, orderID, userID)
	if err != nil {
		return err
	}
	if claimed {
		util.PendingOrderClaimsTotal.WithLabelValues("claimed").Inc()
		s.logger.Info("Pending order claimed",
			zap.String("pending_order_id", orderID),
			zap.String("user_id", userID))
		return nil
	}

	if _, err := s.repo.GetPendingOrder(ctx, orderID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			util.PendingOrderClaimsTotal.WithLabelValues("not_found").Inc()
			return fmt.Errorf("pending order %s: %w", orderID, ErrNotFound)
		}
		return err
	}

	util.PendingOrderClaimsTotal.WithLabelValues("conflict").Inc()
	return fmt.Errorf("pending order %s: %w", orderID, ErrAlreadyClaimed)
}

// Release resets the claim so another checkout attempt is possible
func (s *PendingOrderService) Release(ctx context.Context, orderID string) error {
	ctx, span := util.StartSpan(ctx, "PendingOrderService.Release")
	defer span.End()

	if _, err := uuid.Parse(orderID); err != nil {
		return nil
	}
	if err := s.repo.ReleasePendingOrder(ctx, orderID); err != nil {
		return fmt.Errorf("release pending order: %w", err)
	}
	util.PendingOrderClaimsTotal.WithLabelValues("released").Inc()
	s.logger.Info("Pending order released", zap.String("pending_order_id", orderID))
	return nil
}

// ReleaseOwned releases an order on behalf of userID, who must hold the claim
func (s *PendingOrderService) ReleaseOwned(ctx context.Context, orderID, userID string) error {
	if _, err := uuid.Parse(orderID); err != nil {
		return fmt.Errorf("pending order %s: %w", orderID, ErrNotFound)
	}
	order, err := s.repo.GetPendingOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("pending order %s: %w", orderID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if order.ClaimedBy == nil {
		return nil
	}
	if *order.ClaimedBy != userID {
		return fmt.Errorf("pending order %s: %w", orderID, ErrForbidden)
	}
	return s.Release(ctx, orderID)
}

// FulfillAndDelete removes the order and its items once purchases exist.
// A missing order is a no-op.
func (s *PendingOrderService) FulfillAndDelete(ctx context.Context, orderID string) error {
	if _, err := uuid.Parse(orderID); err != nil {
		return nil
	}
	if err := s.repo.DeletePendingOrder(ctx, orderID); err != nil {
		return fmt.Errorf("delete pending order: %w", err)
	}
	s.logger.Info("Pending order fulfilled", zap.String("pending_order_id", orderID))
	return nil
}

// FulfillItem removes one item and the order once it is empty
func (s *PendingOrderService) FulfillItem(ctx context.Context, orderID, itemID string) error {
	if _, err := uuid.Parse(orderID); err != nil {
		return nil
	}
	if _, err := uuid.Parse(itemID); err != nil {
		return s.FulfillAndDelete(ctx, orderID)
	}
	if err := s.repo.DeletePendingOrderItem(ctx, orderID, itemID); err != nil {
		return fmt.Errorf("delete pending order item: %w", err)
	}
	s.logger.Info("Pending order item fulfilled",
		zap.String("pending_order_id", orderID),
		zap.String("pending_order_item_id", itemID))
	return nil
}

// ListClaimable returns orders the user may check out
func (s *PendingOrderService) ListClaimable(ctx context.Context, userID string) ([]models.PendingOrder, error) {
	ctx, span := util.StartSpan(ctx, "PendingOrderService.ListClaimable")
	defer span.End()

	orders, err := s.repo.ListClaimablePendingOrders(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list pending orders: %w", err)
	}
	if orders == nil {
		orders = []models.PendingOrder{}
	}
	return orders, nil
}

// Get returns a single order with its items
func (s *PendingOrderService) Get(ctx context.Context, orderID string) (*models.PendingOrder, error) {
	if _, err := uuid.Parse(orderID); err != nil {
		return nil, fmt.Errorf("pending order %s: %w", orderID, ErrNotFound)
	}
	order, err := s.repo.GetPendingOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("pending order %s: %w", orderID, ErrNotFound)
	}
	return order, err
}
