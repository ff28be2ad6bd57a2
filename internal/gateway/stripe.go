package gateway

import (
	"context"
	"errors"
	"time"

	"portal-billing/internal/util"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"go.uber.org/zap"
)

// KeySource yields the provider secret key. Implementations return
// ErrNotConfigured when no key is stored.
type KeySource interface {
	SecretKey(ctx context.Context) (string, error)
}

// StripeGateway issues authenticated calls to the Stripe API. It holds no
// per-request state; a client is built for every call from the current key.
type StripeGateway struct {
	keys     KeySource
	backends *stripe.Backends
	logger   *zap.Logger
}

// Option customizes a StripeGateway
type Option func(*stripe.BackendConfig)

// WithBaseURL points the gateway at an alternative API host
func WithBaseURL(url string) Option {
	return func(cfg *stripe.BackendConfig) {
		cfg.URL = stripe.String(url)
	}
}

// NewStripeGateway creates a gateway. Network retries are disabled; retry
// policy belongs to callers and to the provider's webhook redelivery.
func NewStripeGateway(keys KeySource, opts ...Option) *StripeGateway {
	logger := util.GetLogger()
	cfg := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     logger.Sugar(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &StripeGateway{
		keys: keys,
		backends: &stripe.Backends{
			API:     stripe.GetBackendWithConfig(stripe.APIBackend, cfg),
			Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, cfg),
			Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, cfg),
		},
		logger: logger,
	}
}

func (g *StripeGateway) api(ctx context.Context) (*client.API, error) {
	key, err := g.keys.SecretKey(ctx)
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, ErrNotConfigured
	}
	return client.New(key, g.backends), nil
}

func observe(op string, start time.Time) {
	util.GatewayCallLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// CreateCustomer creates a provider customer and returns its id
func (g *StripeGateway) CreateCustomer(ctx context.Context, email, name, userID string) (string, error) {
	ctx, span := util.StartSpan(ctx, "StripeGateway.CreateCustomer")
	defer span.End()
	defer observe("create_customer", time.Now())

	sc, err := g.api(ctx)
	if err != nil {
		return "", err
	}

	params := &stripe.CustomerParams{Email: stripe.String(email)}
	if name != "" {
		params.Name = stripe.String(name)
	}
	params.Context = ctx
	params.AddMetadata("user_id", userID)

	cust, err := sc.Customers.New(params)
	if err != nil {
		return "", wrapErr("create_customer", err)
	}
	return cust.ID, nil
}

// VerifyCustomer reports whether the customer still exists on the provider side
func (g *StripeGateway) VerifyCustomer(ctx context.Context, customerID string) (bool, error) {
	ctx, span := util.StartSpan(ctx, "StripeGateway.VerifyCustomer")
	defer span.End()
	defer observe("verify_customer", time.Now())

	sc, err := g.api(ctx)
	if err != nil {
		return false, err
	}

	params := &stripe.CustomerParams{}
	params.Context = ctx
	cust, err := sc.Customers.Get(customerID, params)
	if err != nil {
		gerr := wrapErr("verify_customer", err)
		var ge *GatewayError
		if errors.As(gerr, &ge) && ge.IsResourceMissing() {
			return false, nil
		}
		return false, gerr
	}
	return !cust.Deleted, nil
}

// SetDefaultPaymentMethod makes paymentMethodID the customer's invoice default
func (g *StripeGateway) SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	ctx, span := util.StartSpan(ctx, "StripeGateway.SetDefaultPaymentMethod")
	defer span.End()
	defer observe("update_customer", time.Now())

	sc, err := g.api(ctx)
	if err != nil {
		return err
	}

	params := &stripe.CustomerParams{
		InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(paymentMethodID),
		},
	}
	params.Context = ctx
	_, err = sc.Customers.Update(customerID, params)
	return wrapErr("update_customer", err)
}

// CreateCheckoutSession creates a hosted checkout session
func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, p *CheckoutSessionParams) (*Session, error) {
	ctx, span := util.StartSpan(ctx, "StripeGateway.CreateCheckoutSession")
	defer span.End()
	defer observe("create_checkout_session", time.Now())

	sc, err := g.api(ctx)
	if err != nil {
		return nil, err
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(p.Mode),
		Customer:          stripe.String(p.CustomerID),
		ClientReferenceID: stripe.String(p.ClientReferenceID),
		SuccessURL:        stripe.String(p.SuccessURL),
		CancelURL:         stripe.String(p.CancelURL),
	}
	params.Context = ctx
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}

	switch p.Mode {
	case ModeSetup:
		params.Currency = stripe.String(p.Currency)
		params.PaymentMethodTypes = stripe.StringSlice([]string{"card"})
	default:
		for _, line := range p.Lines {
			params.LineItems = append(params.LineItems, checkoutLineParams(p.Currency, line))
		}
	}

	if p.Mode == ModeSubscription && len(p.SubscriptionMetadata) > 0 {
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: p.SubscriptionMetadata,
		}
	}

	s, err := sc.CheckoutSessions.New(params)
	if err != nil {
		return nil, wrapErr("create_checkout_session", err)
	}
	return sessionFromStripe(s), nil
}

func checkoutLineParams(currency string, line CheckoutLine) *stripe.CheckoutSessionLineItemParams {
	item := &stripe.CheckoutSessionLineItemParams{Quantity: stripe.Int64(line.Quantity)}
	if line.PriceID != "" {
		item.Price = stripe.String(line.PriceID)
		return item
	}

	item.PriceData = &stripe.CheckoutSessionLineItemPriceDataParams{
		Currency:   stripe.String(currency),
		UnitAmount: stripe.Int64(line.UnitAmount),
		ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripe.String(line.ProductName),
		},
	}
	if line.Interval != "" {
		item.PriceData.Recurring = &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
			Interval: stripe.String(line.Interval),
		}
	}
	return item
}

// RetrieveSession fetches a session, expanding the given paths
func (g *StripeGateway) RetrieveSession(ctx context.Context, sessionID string, expand ...string) (*Session, error) {
	ctx, span := util.StartSpan(ctx, "StripeGateway.RetrieveSession")
	defer span.End()
	defer observe("retrieve_session", time.Now())

	sc, err := g.api(ctx)
	if err != nil {
		return nil, err
	}

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	for _, e := range expand {
		params.AddExpand(e)
	}

	s, err := sc.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		return nil, wrapErr("retrieve_session", err)
	}
	return sessionFromStripe(s), nil
}

// RetrieveSubscription fetches a subscription
func (g *StripeGateway) RetrieveSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	ctx, span := util.StartSpan(ctx, "StripeGateway.RetrieveSubscription")
	defer span.End()
	defer observe("retrieve_subscription", time.Now())

	sc, err := g.api(ctx)
	if err != nil {
		return nil, err
	}

	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := sc.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return nil, wrapErr("retrieve_subscription", err)
	}
	return subscriptionFromStripe(sub), nil
}

// ListActiveSubscriptions returns the customer's active subscriptions
func (g *StripeGateway) ListActiveSubscriptions(ctx context.Context, customerID string) ([]*Subscription, error) {
	ctx, span := util.StartSpan(ctx, "StripeGateway.ListActiveSubscriptions")
	defer span.End()
	defer observe("list_subscriptions", time.Now())

	sc, err := g.api(ctx)
	if err != nil {
		return nil, err
	}

	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String(string(stripe.SubscriptionStatusActive)),
	}
	params.Context = ctx

	var subs []*Subscription
	it := sc.Subscriptions.List(params)
	for it.Next() {
		subs = append(subs, subscriptionFromStripe(it.Subscription()))
	}
	if err := it.Err(); err != nil {
		return nil, wrapErr("list_subscriptions", err)
	}
	return subs, nil
}

// CreateSubscription creates a subscription charged to a saved payment method
func (g *StripeGateway) CreateSubscription(ctx context.Context, p *SubscriptionParams) (*Subscription, error) {
	ctx, span := util.StartSpan(ctx, "StripeGateway.CreateSubscription")
	defer span.End()
	defer observe("create_subscription", time.Now())

	sc, err := g.api(ctx)
	if err != nil {
		return nil, err
	}

	params := &stripe.SubscriptionParams{
		Customer:             stripe.String(p.CustomerID),
		DefaultPaymentMethod: stripe.String(p.PaymentMethodID),
		Items: []*stripe.SubscriptionItemsParams{{
			Price:    stripe.String(p.PriceID),
			Quantity: stripe.Int64(p.Quantity),
		}},
	}
	params.Context = ctx
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}

	sub, err := sc.Subscriptions.New(params)
	if err != nil {
		return nil, wrapErr("create_subscription", err)
	}
	return subscriptionFromStripe(sub), nil
}

// CreatePaymentIntent creates and confirms an off-session charge
func (g *StripeGateway) CreatePaymentIntent(ctx context.Context, p *PaymentIntentParams) (*PaymentIntent, error) {
	ctx, span := util.StartSpan(ctx, "StripeGateway.CreatePaymentIntent")
	defer span.End()
	defer observe("create_payment_intent", time.Now())

	sc, err := g.api(ctx)
	if err != nil {
		return nil, err
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(p.Amount),
		Currency:      stripe.String(p.Currency),
		Customer:      stripe.String(p.CustomerID),
		PaymentMethod: stripe.String(p.PaymentMethodID),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	if p.Description != "" {
		params.Description = stripe.String(p.Description)
	}
	params.Context = ctx
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}

	pi, err := sc.PaymentIntents.New(params)
	if err != nil {
		return nil, wrapErr("create_payment_intent", err)
	}
	return &PaymentIntent{ID: pi.ID, Status: string(pi.Status)}, nil
}

// RetrieveSetupIntentPaymentMethod returns the payment method saved by a setup intent
func (g *StripeGateway) RetrieveSetupIntentPaymentMethod(ctx context.Context, setupIntentID string) (string, error) {
	ctx, span := util.StartSpan(ctx, "StripeGateway.RetrieveSetupIntent")
	defer span.End()
	defer observe("retrieve_setup_intent", time.Now())

	sc, err := g.api(ctx)
	if err != nil {
		return "", err
	}

	params := &stripe.SetupIntentParams{}
	params.Context = ctx
	si, err := sc.SetupIntents.Get(setupIntentID, params)
	if err != nil {
		return "", wrapErr("retrieve_setup_intent", err)
	}
	if si.PaymentMethod == nil {
		return "", nil
	}
	return si.PaymentMethod.ID, nil
}

// CreateProduct creates a catalog product and returns its id
func (g *StripeGateway) CreateProduct(ctx context.Context, name, description, productID, idempotencyKey string) (string, error) {
	ctx, span := util.StartSpan(ctx, "StripeGateway.CreateProduct")
	defer span.End()
	defer observe("create_product", time.Now())

	sc, err := g.api(ctx)
	if err != nil {
		return "", err
	}

	params := &stripe.ProductParams{Name: stripe.String(name)}
	if description != "" {
		params.Description = stripe.String(description)
	}
	params.Context = ctx
	params.AddMetadata("product_id", productID)
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}

	prod, err := sc.Products.New(params)
	if err != nil {
		return "", wrapErr("create_product", err)
	}
	return prod.ID, nil
}

// CreatePrice creates a price for a catalog product and returns its id
func (g *StripeGateway) CreatePrice(ctx context.Context, p *PriceParams) (string, error) {
	ctx, span := util.StartSpan(ctx, "StripeGateway.CreatePrice")
	defer span.End()
	defer observe("create_price", time.Now())

	sc, err := g.api(ctx)
	if err != nil {
		return "", err
	}

	params := &stripe.PriceParams{
		Currency:   stripe.String(p.Currency),
		Product:    stripe.String(p.ProductID),
		UnitAmount: stripe.Int64(p.UnitAmount),
	}
	if p.Interval != "" {
		params.Recurring = &stripe.PriceRecurringParams{Interval: stripe.String(p.Interval)}
	}
	params.Context = ctx
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}

	price, err := sc.Prices.New(params)
	if err != nil {
		return "", wrapErr("create_price", err)
	}
	return price.ID, nil
}
