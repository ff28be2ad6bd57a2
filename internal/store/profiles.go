package store

import (
	"context"
	"database/sql"
	"fmt"

	"portal-billing/internal/models"
)

// GetProfile retrieves a profile by user ID
func (s *Store) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	var profile models.Profile
	err := s.db.GetContext(ctx, &profile, "SELECT * FROM profiles WHERE id = $1", userID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("profile %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// GetProfileByStripeCustomer retrieves the profile linked to a provider customer
func (s *Store) GetProfileByStripeCustomer(ctx context.Context, customerID string) (*models.Profile, error) {
	var profile models.Profile
	err := s.db.GetContext(ctx, &profile,
		"SELECT * FROM profiles WHERE stripe_customer_id = $1 LIMIT 1", customerID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("profile for customer %s: %w", customerID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// SetStripeCustomerID persists the provider customer reference on a profile
func (s *Store) SetStripeCustomerID(ctx context.Context, userID, customerID string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE profiles SET stripe_customer_id = $1, updated_at = NOW() WHERE id = $2",
		customerID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("profile %s: %w", userID, ErrNotFound)
	}
	return nil
}
