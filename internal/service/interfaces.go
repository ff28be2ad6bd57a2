package service

import (
	"context"
	"time"

	"portal-billing/internal/gateway"
	"portal-billing/internal/models"
)

// PaymentGateway is the payment provider surface used by the billing services
type PaymentGateway interface {
	CreateCustomer(ctx context.Context, email, name, userID string) (string, error)
	VerifyCustomer(ctx context.Context, customerID string) (bool, error)
	SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error
	CreateCheckoutSession(ctx context.Context, p *gateway.CheckoutSessionParams) (*gateway.Session, error)
	RetrieveSession(ctx context.Context, sessionID string, expand ...string) (*gateway.Session, error)
	RetrieveSubscription(ctx context.Context, subscriptionID string) (*gateway.Subscription, error)
	ListActiveSubscriptions(ctx context.Context, customerID string) ([]*gateway.Subscription, error)
	CreateSubscription(ctx context.Context, p *gateway.SubscriptionParams) (*gateway.Subscription, error)
	CreatePaymentIntent(ctx context.Context, p *gateway.PaymentIntentParams) (*gateway.PaymentIntent, error)
	RetrieveSetupIntentPaymentMethod(ctx context.Context, setupIntentID string) (string, error)
	CreateProduct(ctx context.Context, name, description, productID, idempotencyKey string) (string, error)
	CreatePrice(ctx context.Context, p *gateway.PriceParams) (string, error)
}

type ProductRepository interface {
	GetProductByID(ctx context.Context, id string) (*models.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) ([]models.Product, error)
	FindProductByStripeRef(ctx context.Context, priceID, productID string) (*models.Product, error)
	ListProductsMissingStripeRefs(ctx context.Context) ([]models.Product, error)
	SetProductStripeRefs(ctx context.Context, id, stripeProductID, stripePriceID string) error
}

type ProfileRepository interface {
	GetProfile(ctx context.Context, userID string) (*models.Profile, error)
	GetProfileByStripeCustomer(ctx context.Context, customerID string) (*models.Profile, error)
	SetStripeCustomerID(ctx context.Context, userID, customerID string) error
}

type PurchaseRepository interface {
	UpsertSubscriptionPurchase(ctx context.Context, p *models.Purchase) (bool, error)
	InsertOneTimePurchase(ctx context.Context, p *models.Purchase) (bool, error)
	GetPurchaseBySubscriptionID(ctx context.Context, subscriptionID string) (*models.Purchase, error)
	ListPurchasesBySession(ctx context.Context, sessionID string) ([]models.Purchase, error)
	MarkSubscriptionCancelled(ctx context.Context, subscriptionID string, at time.Time) (bool, error)
	UpdateSubscriptionStatus(ctx context.Context, subscriptionID, status string) (bool, error)
	RenewSubscription(ctx context.Context, subscriptionID string, nextBilling *time.Time) (bool, error)
}

type InvoiceRepository interface {
	InsertInvoiceIfAbsent(ctx context.Context, inv *models.Invoice) (bool, error)
}

type PendingOrderRepository interface {
	ClaimPendingOrder(ctx context.Context, orderID, userID string) (bool, error)
	ReleasePendingOrder(ctx context.Context, orderID string) error
	GetPendingOrder(ctx context.Context, orderID string) (*models.PendingOrder, error)
	ListClaimablePendingOrders(ctx context.Context, userID string) ([]models.PendingOrder, error)
	DeletePendingOrder(ctx context.Context, orderID string) error
	DeletePendingOrderItem(ctx context.Context, orderID, itemID string) error
}

type SettingsRepository interface {
	GetSetting(ctx context.Context, key string) (string, error)
	PutSetting(ctx context.Context, key, value, updatedBy string) error
}

type EventRepository interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// Store is the full entitlement store; *store.Store satisfies it
type Store interface {
	ProductRepository
	ProfileRepository
	PurchaseRepository
	InvoiceRepository
	PendingOrderRepository
	SettingsRepository
	EventRepository
}

// Locker provides a best-effort distributed lock
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// EventDeduper remembers recently delivered webhook events
type EventDeduper interface {
	MarkEventSeen(ctx context.Context, eventID string, ttl time.Duration) (bool, error)
	ForgetEvent(ctx context.Context, eventID string) error
}

// EventPublisher emits billing events for downstream consumers
type EventPublisher interface {
	PublishPurchaseEvent(ctx context.Context, event *models.PurchaseEvent) error
	PublishInvoicePaid(ctx context.Context, event *models.InvoicePaidEvent) error
}
