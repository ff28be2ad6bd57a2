package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Billing types
const (
	BillingOneTime = "one-time"
	BillingMonthly = "monthly"
	BillingYearly  = "yearly"
)

// Purchase statuses. Provider statuses outside this set are stored verbatim.
const (
	PurchaseStatusActive    = "active"
	PurchaseStatusCancelled = "cancelled"
	PurchaseStatusPastDue   = "past_due"
)

// Invoice statuses
const (
	InvoiceStatusPaid      = "paid"
	InvoiceStatusPending   = "pending"
	InvoiceStatusOverdue   = "overdue"
	InvoiceStatusCancelled = "cancelled"
)

// Roles carried in access tokens
const (
	RoleUser       = "user"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

// SettingStripeSecretKey is the app_settings key holding the provider secret.
const SettingStripeSecretKey = "STRIPE_SECRET_KEY"

// Product represents a sellable catalog item
type Product struct {
	ID                 string          `db:"id" json:"id"`
	Name               string          `db:"name" json:"name"`
	Description        string          `db:"description" json:"description"`
	Category           string          `db:"category" json:"category"`
	Price              decimal.Decimal `db:"price" json:"price"`
	Currency           string          `db:"currency" json:"currency"`
	BillingType        string          `db:"billing_type" json:"billing_type"`
	RequiresOnboarding bool            `db:"requires_onboarding" json:"requires_onboarding"`
	StripeProductID    *string         `db:"stripe_product_id" json:"stripe_product_id,omitempty"`
	StripePriceID      *string         `db:"stripe_price_id" json:"stripe_price_id,omitempty"`
	Active             bool            `db:"active" json:"active"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updated_at"`
}

// IsRecurring reports whether the product bills on an interval
func (p *Product) IsRecurring() bool {
	return p.BillingType == BillingMonthly || p.BillingType == BillingYearly
}

// Interval returns the provider recurring interval for the product
func (p *Product) Interval() string {
	if p.BillingType == BillingYearly {
		return "year"
	}
	return "month"
}

// Profile is the billing view of a portal user
type Profile struct {
	ID               string    `db:"id" json:"id"`
	Email            string    `db:"email" json:"email"`
	FullName         string    `db:"full_name" json:"full_name"`
	Phone            *string   `db:"phone" json:"phone,omitempty"`
	StripeCustomerID *string   `db:"stripe_customer_id" json:"stripe_customer_id,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// CustomerDetails are fulfillment details captured for on-boarding products
type CustomerDetails struct {
	Name         string `json:"name,omitempty"`
	Email        string `json:"email,omitempty"`
	Phone        string `json:"phone,omitempty"`
	AddressLine1 string `json:"address_line1,omitempty"`
	AddressLine2 string `json:"address_line2,omitempty"`
	City         string `json:"city,omitempty"`
	State        string `json:"state,omitempty"`
	PostalCode   string `json:"postal_code,omitempty"`
	Country      string `json:"country,omitempty"`
	Notes        string `json:"notes,omitempty"`
}

// IsEmpty reports whether no field is set
func (d *CustomerDetails) IsEmpty() bool {
	return d == nil || *d == CustomerDetails{}
}

// HasAddress reports whether the minimum installation address is present
func (d *CustomerDetails) HasAddress() bool {
	return d != nil && d.AddressLine1 != "" && d.City != "" && d.PostalCode != ""
}

// Value implements driver.Valuer for jsonb columns
func (d CustomerDetails) Value() (driver.Value, error) {
	return json.Marshal(d)
}

// Scan implements sql.Scanner for jsonb columns
func (d *CustomerDetails) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*d = CustomerDetails{}
		return nil
	case []byte:
		return json.Unmarshal(v, d)
	case string:
		return json.Unmarshal([]byte(v), d)
	default:
		return fmt.Errorf("unsupported customer details type %T", src)
	}
}

// Purchase is one product entitlement for one user
type Purchase struct {
	ID                      string          `db:"id" json:"id"`
	UserID                  string          `db:"user_id" json:"user_id"`
	ProductID               string          `db:"product_id" json:"product_id"`
	Status                  string          `db:"status" json:"status"`
	PricePaid               decimal.Decimal `db:"price_paid" json:"price_paid"`
	Quantity                int             `db:"quantity" json:"quantity"`
	PurchasedAt             time.Time       `db:"purchased_at" json:"purchased_at"`
	NextBillingDate         *time.Time      `db:"next_billing_date" json:"next_billing_date,omitempty"`
	CancelledAt             *time.Time      `db:"cancelled_at" json:"cancelled_at,omitempty"`
	StripeSubscriptionID    *string         `db:"stripe_subscription_id" json:"stripe_subscription_id,omitempty"`
	StripeCustomerID        *string         `db:"stripe_customer_id" json:"stripe_customer_id,omitempty"`
	StripeCheckoutSessionID *string         `db:"stripe_checkout_session_id" json:"stripe_checkout_session_id,omitempty"`
	CustomerName            *string         `db:"customer_name" json:"customer_name,omitempty"`
	CustomerEmail           *string         `db:"customer_email" json:"customer_email,omitempty"`
	CustomerPhone           *string         `db:"customer_phone" json:"customer_phone,omitempty"`
	AddressLine1            *string         `db:"address_line1" json:"address_line1,omitempty"`
	AddressLine2            *string         `db:"address_line2" json:"address_line2,omitempty"`
	City                    *string         `db:"city" json:"city,omitempty"`
	State                   *string         `db:"state" json:"state,omitempty"`
	PostalCode              *string         `db:"postal_code" json:"postal_code,omitempty"`
	Country                 *string         `db:"country" json:"country,omitempty"`
	Notes                   *string         `db:"notes" json:"notes,omitempty"`
	Fulfilled               bool            `db:"fulfilled" json:"fulfilled"`
	CreatedAt               time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt               time.Time       `db:"updated_at" json:"updated_at"`
}

// ApplyDetails copies non-empty customer details onto the purchase columns
func (p *Purchase) ApplyDetails(d *CustomerDetails) {
	if d.IsEmpty() {
		return
	}
	set := func(dst **string, v string) {
		if v != "" {
			val := v
			*dst = &val
		}
	}
	set(&p.CustomerName, d.Name)
	set(&p.CustomerEmail, d.Email)
	set(&p.CustomerPhone, d.Phone)
	set(&p.AddressLine1, d.AddressLine1)
	set(&p.AddressLine2, d.AddressLine2)
	set(&p.City, d.City)
	set(&p.State, d.State)
	set(&p.PostalCode, d.PostalCode)
	set(&p.Country, d.Country)
	set(&p.Notes, d.Notes)
}

// Invoice is a billing record mirrored from a provider invoice
type Invoice struct {
	ID               string          `db:"id" json:"id"`
	StripeInvoiceID  string          `db:"stripe_invoice_id" json:"stripe_invoice_id"`
	UserID           string          `db:"user_id" json:"user_id"`
	PurchaseID       *string         `db:"purchase_id" json:"purchase_id,omitempty"`
	InvoiceNumber    string          `db:"invoice_number" json:"invoice_number"`
	Amount           decimal.Decimal `db:"amount" json:"amount"`
	Currency         string          `db:"currency" json:"currency"`
	Status           string          `db:"status" json:"status"`
	DueDate          *time.Time      `db:"due_date" json:"due_date,omitempty"`
	PaidAt           *time.Time      `db:"paid_at" json:"paid_at,omitempty"`
	Description      string          `db:"description" json:"description"`
	HostedInvoiceURL *string         `db:"hosted_invoice_url" json:"hosted_invoice_url,omitempty"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
}

// PendingOrder is a pre-registration reservation that a user may claim
type PendingOrder struct {
	ID        string             `db:"id" json:"id"`
	Email     string             `db:"email" json:"email"`
	Notes     *string            `db:"notes" json:"notes,omitempty"`
	ClaimedBy *string            `db:"claimed_by" json:"claimed_by,omitempty"`
	ClaimedAt *time.Time         `db:"claimed_at" json:"claimed_at,omitempty"`
	CreatedAt time.Time          `db:"created_at" json:"created_at"`
	Items     []PendingOrderItem `db:"-" json:"items"`
}

// PendingOrderItem is one requested product of a pending order
type PendingOrderItem struct {
	ID              string          `db:"id" json:"id"`
	PendingOrderID  string          `db:"pending_order_id" json:"pending_order_id"`
	ProductID       string          `db:"product_id" json:"product_id"`
	Quantity        int             `db:"quantity" json:"quantity"`
	CustomerDetails CustomerDetails `db:"customer_details" json:"customer_details"`
}

// AppSetting is a key/value row of runtime configuration
type AppSetting struct {
	Key       string    `db:"key"`
	Value     string    `db:"value"`
	UpdatedBy *string   `db:"updated_by"`
	UpdatedAt time.Time `db:"updated_at"`
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}

// CentsToAmount converts minor currency units to a decimal amount
func CentsToAmount(cents int64) decimal.Decimal {
	return decimal.NewFromInt(cents).Shift(-2)
}

// AmountToCents converts a decimal amount to minor currency units
func AmountToCents(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
