package store

import (
	"context"
	"database/sql"
	"fmt"

	"portal-billing/internal/models"

	"github.com/jmoiron/sqlx"
)

// GetProductByID retrieves a product by ID
func (s *Store) GetProductByID(ctx context.Context, id string) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, "SELECT * FROM products WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetProductsByIDs retrieves multiple products by IDs
func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) ([]models.Product, error) {
	if len(ids) == 0 {
		return []models.Product{}, nil
	}

	query, args, err := sqlx.In("SELECT * FROM products WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var products []models.Product
	err = s.db.SelectContext(ctx, &products, query, args...)
	return products, err
}

// FindProductByStripeRef matches a provider price or product id against stored references
func (s *Store) FindProductByStripeRef(ctx context.Context, priceID, productID string) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, `
		SELECT * FROM products
		WHERE ($1 <> '' AND stripe_price_id = $1) OR ($2 <> '' AND stripe_product_id = $2)
		ORDER BY (stripe_price_id = $1) DESC NULLS LAST
		LIMIT 1`, priceID, productID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("product for price %q / product %q: %w", priceID, productID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// ListProductsMissingStripeRefs returns active products without a provider price
func (s *Store) ListProductsMissingStripeRefs(ctx context.Context) ([]models.Product, error) {
	var products []models.Product
	err := s.db.SelectContext(ctx, &products,
		"SELECT * FROM products WHERE active AND stripe_price_id IS NULL ORDER BY id")
	return products, err
}

// SetProductStripeRefs stores the provider product and price ids
func (s *Store) SetProductStripeRefs(ctx context.Context, id, stripeProductID, stripePriceID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE products SET stripe_product_id = $1, stripe_price_id = $2, updated_at = NOW() WHERE id = $3",
		stripeProductID, stripePriceID, id)
	return err
}
