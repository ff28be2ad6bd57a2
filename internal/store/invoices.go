package store

import (
	"context"
	"database/sql"
	"fmt"

	"portal-billing/internal/models"
)

// InsertInvoiceIfAbsent records an invoice keyed by its provider id.
// Returns false when the invoice was already recorded.
func (s *Store) InsertInvoiceIfAbsent(ctx context.Context, inv *models.Invoice) (bool, error) {
	query := `
		INSERT INTO invoices (id, stripe_invoice_id, user_id, purchase_id, invoice_number, amount,
			currency, status, due_date, paid_at, description, hosted_invoice_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (stripe_invoice_id) DO NOTHING
		RETURNING created_at`

	err := s.db.GetContext(ctx, &inv.CreatedAt, query,
		inv.ID, inv.StripeInvoiceID, inv.UserID, inv.PurchaseID, inv.InvoiceNumber, inv.Amount,
		inv.Currency, inv.Status, inv.DueDate, inv.PaidAt, inv.Description, inv.HostedInvoiceURL)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert invoice: %w", err)
	}
	return true, nil
}

// GetInvoiceByStripeID retrieves an invoice by provider id
func (s *Store) GetInvoiceByStripeID(ctx context.Context, stripeInvoiceID string) (*models.Invoice, error) {
	var inv models.Invoice
	err := s.db.GetContext(ctx, &inv,
		"SELECT * FROM invoices WHERE stripe_invoice_id = $1", stripeInvoiceID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("invoice %s: %w", stripeInvoiceID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}
