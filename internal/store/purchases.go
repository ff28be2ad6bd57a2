package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"portal-billing/internal/models"
)

// upsertResult carries the row id and whether the statement inserted it
type upsertResult struct {
	ID       string `db:"id"`
	Inserted bool   `db:"inserted"`
}

const purchaseColumns = `
	id, user_id, product_id, status, price_paid, quantity, purchased_at, next_billing_date,
	cancelled_at, stripe_subscription_id, stripe_customer_id, stripe_checkout_session_id,
	customer_name, customer_email, customer_phone, address_line1, address_line2, city, state,
	postal_code, country, notes, fulfilled`

const purchaseValues = `
	:id, :user_id, :product_id, :status, :price_paid, :quantity, :purchased_at, :next_billing_date,
	:cancelled_at, :stripe_subscription_id, :stripe_customer_id, :stripe_checkout_session_id,
	:customer_name, :customer_email, :customer_phone, :address_line1, :address_line2, :city, :state,
	:postal_code, :country, :notes, :fulfilled`

// UpsertSubscriptionPurchase inserts or refreshes the purchase keyed by its
// subscription id. Lifecycle fields follow the incoming row; captured customer
// details and the originating session are only filled when still empty.
// It reports whether a new row was created.
func (s *Store) UpsertSubscriptionPurchase(ctx context.Context, p *models.Purchase) (bool, error) {
	if p.StripeSubscriptionID == nil || *p.StripeSubscriptionID == "" {
		return false, fmt.Errorf("subscription purchase requires a subscription id")
	}

	query := `
		INSERT INTO purchases (` + purchaseColumns + `)
		VALUES (` + purchaseValues + `)
		ON CONFLICT (stripe_subscription_id) DO UPDATE SET
			status = EXCLUDED.status,
			next_billing_date = COALESCE(EXCLUDED.next_billing_date, purchases.next_billing_date),
			cancelled_at = EXCLUDED.cancelled_at,
			stripe_customer_id = COALESCE(EXCLUDED.stripe_customer_id, purchases.stripe_customer_id),
			stripe_checkout_session_id = COALESCE(purchases.stripe_checkout_session_id, EXCLUDED.stripe_checkout_session_id),
			customer_name = COALESCE(purchases.customer_name, EXCLUDED.customer_name),
			customer_email = COALESCE(purchases.customer_email, EXCLUDED.customer_email),
			customer_phone = COALESCE(purchases.customer_phone, EXCLUDED.customer_phone),
			address_line1 = COALESCE(purchases.address_line1, EXCLUDED.address_line1),
			address_line2 = COALESCE(purchases.address_line2, EXCLUDED.address_line2),
			city = COALESCE(purchases.city, EXCLUDED.city),
			state = COALESCE(purchases.state, EXCLUDED.state),
			postal_code = COALESCE(purchases.postal_code, EXCLUDED.postal_code),
			country = COALESCE(purchases.country, EXCLUDED.country),
			notes = COALESCE(purchases.notes, EXCLUDED.notes),
			updated_at = NOW()
		RETURNING id, (xmax = 0) AS inserted`

	res, err := s.namedUpsert(ctx, query, p)
	if err != nil {
		return false, fmt.Errorf("upsert subscription purchase: %w", err)
	}
	p.ID = res.ID
	return res.Inserted, nil
}

// InsertOneTimePurchase inserts a purchase keyed by (checkout session, product).
// A row already present for the key is left untouched and false is returned.
func (s *Store) InsertOneTimePurchase(ctx context.Context, p *models.Purchase) (bool, error) {
	if p.StripeCheckoutSessionID == nil || *p.StripeCheckoutSessionID == "" {
		return false, fmt.Errorf("one-time purchase requires a checkout session id")
	}

	query := `
		INSERT INTO purchases (` + purchaseColumns + `)
		VALUES (` + purchaseValues + `)
		ON CONFLICT (stripe_checkout_session_id, product_id) WHERE stripe_subscription_id IS NULL
		DO NOTHING
		RETURNING id, TRUE AS inserted`

	res, err := s.namedUpsert(ctx, query, p)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert one-time purchase: %w", err)
	}
	p.ID = res.ID
	return true, nil
}

func (s *Store) namedUpsert(ctx context.Context, query string, p *models.Purchase) (*upsertResult, error) {
	stmt, err := s.db.PrepareNamedContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	var res upsertResult
	if err := stmt.GetContext(ctx, &res, p); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetPurchaseBySubscriptionID retrieves the purchase for a subscription
func (s *Store) GetPurchaseBySubscriptionID(ctx context.Context, subscriptionID string) (*models.Purchase, error) {
	var purchase models.Purchase
	err := s.db.GetContext(ctx, &purchase,
		"SELECT * FROM purchases WHERE stripe_subscription_id = $1", subscriptionID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("purchase for subscription %s: %w", subscriptionID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &purchase, nil
}

// ListPurchasesBySession returns purchases created from a checkout session
func (s *Store) ListPurchasesBySession(ctx context.Context, sessionID string) ([]models.Purchase, error) {
	var purchases []models.Purchase
	err := s.db.SelectContext(ctx, &purchases,
		"SELECT * FROM purchases WHERE stripe_checkout_session_id = $1 ORDER BY created_at", sessionID)
	return purchases, err
}

// MarkSubscriptionCancelled sets a subscription purchase to cancelled.
// Returns false when no purchase matches.
func (s *Store) MarkSubscriptionCancelled(ctx context.Context, subscriptionID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE purchases
		SET status = $1, cancelled_at = COALESCE(cancelled_at, $2), updated_at = NOW()
		WHERE stripe_subscription_id = $3`,
		models.PurchaseStatusCancelled, at, subscriptionID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// UpdateSubscriptionStatus sets the status of a subscription purchase
func (s *Store) UpdateSubscriptionStatus(ctx context.Context, subscriptionID, status string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE purchases SET status = $1, updated_at = NOW() WHERE stripe_subscription_id = $2",
		status, subscriptionID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RenewSubscription forces a subscription purchase active and moves its next billing date
func (s *Store) RenewSubscription(ctx context.Context, subscriptionID string, nextBilling *time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE purchases
		SET status = $1, next_billing_date = COALESCE($2, next_billing_date), updated_at = NOW()
		WHERE stripe_subscription_id = $3`,
		models.PurchaseStatusActive, nextBilling, subscriptionID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
