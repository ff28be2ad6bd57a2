package service

import (
	"context"
	"errors"
	"fmt"

	"portal-billing/internal/gateway"
	"portal-billing/internal/models"
	"portal-billing/internal/util"

	"go.uber.org/zap"
)

// ProductSyncService mirrors catalog products into the payment provider
type ProductSyncService struct {
	products ProductRepository
	gateway  PaymentGateway
	currency string
	logger   *zap.Logger
}

// NewProductSyncService creates a new product sync service
func NewProductSyncService(products ProductRepository, gw PaymentGateway, currency string) *ProductSyncService {
	return &ProductSyncService{
		products: products,
		gateway:  gw,
		currency: currency,
		logger:   util.GetLogger(),
	}
}

// SyncResult summarizes a sync run
type SyncResult struct {
	Synced []string          `json:"synced"`
	Failed map[string]string `json:"failed,omitempty"`
}

// SyncProducts creates provider products and prices for every active product
// still lacking a price reference. A failing product does not stop the run.
func (s *ProductSyncService) SyncProducts(ctx context.Context) (*SyncResult, error) {
	ctx, span := util.StartSpan(ctx, "ProductSyncService.SyncProducts")
	defer span.End()

	products, err := s.products.ListProductsMissingStripeRefs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}

	result := &SyncResult{Synced: []string{}, Failed: map[string]string{}}
	for i := range products {
		p := &products[i]
		if _, err := s.EnsurePrice(ctx, p); err != nil {
			if errors.Is(err, ErrNotConfigured) {
				return nil, err
			}
			s.logger.Error("Product sync failed", zap.String("product_id", p.ID), zap.Error(err))
			result.Failed[p.ID] = err.Error()
			continue
		}
		result.Synced = append(result.Synced, p.ID)
	}

	s.logger.Info("Product sync finished",
		zap.Int("synced", len(result.Synced)),
		zap.Int("failed", len(result.Failed)))
	return result, nil
}

// EnsurePrice returns the product's provider price, creating the provider
// product and price first when missing.
func (s *ProductSyncService) EnsurePrice(ctx context.Context, p *models.Product) (string, error) {
	if p.StripePriceID != nil && *p.StripePriceID != "" {
		return *p.StripePriceID, nil
	}

	cents := models.AmountToCents(p.Price)
	interval := ""
	if p.IsRecurring() {
		interval = p.Interval()
	}

	stripeProductID := ""
	if p.StripeProductID != nil {
		stripeProductID = *p.StripeProductID
	}
	if stripeProductID == "" {
		id, err := s.gateway.CreateProduct(ctx, p.Name, p.Description, p.ID,
			fmt.Sprintf("product:%s", p.ID))
		if err != nil {
			return "", err
		}
		stripeProductID = id
	}

	currency := p.Currency
	if currency == "" {
		currency = s.currency
	}
	priceID, err := s.gateway.CreatePrice(ctx, &gateway.PriceParams{
		ProductID:      stripeProductID,
		Currency:       currency,
		UnitAmount:     cents,
		Interval:       interval,
		IdempotencyKey: fmt.Sprintf("price:%s:%d:%s", p.ID, cents, interval),
	})
	if err != nil {
		return "", err
	}

	if err := s.products.SetProductStripeRefs(ctx, p.ID, stripeProductID, priceID); err != nil {
		return "", fmt.Errorf("store stripe refs: %w", err)
	}
	p.StripeProductID = &stripeProductID
	p.StripePriceID = &priceID
	return priceID, nil
}
