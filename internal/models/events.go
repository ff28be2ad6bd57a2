package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypePurchaseActivated = "PURCHASE_ACTIVATED"
	EventTypePurchaseCancelled = "PURCHASE_CANCELLED"
	EventTypePurchasePastDue   = "PURCHASE_PAST_DUE"
	EventTypeInvoicePaid       = "INVOICE_PAID"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// PurchaseEvent is published when an entitlement changes state
type PurchaseEvent struct {
	BaseEvent
	PurchaseID     string `json:"purchase_id,omitempty"`
	UserID         string `json:"user_id"`
	ProductID      string `json:"product_id"`
	Status         string `json:"status"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	Source         string `json:"source"`
}

// InvoicePaidEvent is published when a new paid invoice is recorded
type InvoicePaidEvent struct {
	BaseEvent
	InvoiceID       string          `json:"invoice_id"`
	StripeInvoiceID string          `json:"stripe_invoice_id"`
	UserID          string          `json:"user_id"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
}
