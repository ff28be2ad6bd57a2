package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"portal-billing/internal/gateway"
	"portal-billing/internal/models"
	"portal-billing/internal/store"
	"portal-billing/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// CheckoutService builds provider checkout sessions from carts
type CheckoutService struct {
	products      ProductRepository
	profiles      ProfileRepository
	pendingOrders *PendingOrderService
	gateway       PaymentGateway
	currency      string
	baseURL       string
	logger        *zap.Logger
}

// NewCheckoutService creates a new checkout service
func NewCheckoutService(
	products ProductRepository,
	profiles ProfileRepository,
	pendingOrders *PendingOrderService,
	gw PaymentGateway,
	currency string,
	baseURL string,
) *CheckoutService {
	return &CheckoutService{
		products:      products,
		profiles:      profiles,
		pendingOrders: pendingOrders,
		gateway:       gw,
		currency:      currency,
		baseURL:       strings.TrimRight(baseURL, "/"),
		logger:        util.GetLogger(),
	}
}

// CartItem is one requested line of a checkout
type CartItem struct {
	ProductID       string                  `json:"productId" binding:"required"`
	Quantity        int                     `json:"quantity"`
	CustomerDetails *models.CustomerDetails `json:"customerDetails,omitempty"`
}

// CheckoutRequest is a cart submitted by an authenticated user
type CheckoutRequest struct {
	UserID             string
	Email              string
	Items              []CartItem
	SuccessURL         string
	CancelURL          string
	PendingOrderID     string
	PendingOrderItemID string
}

// CheckoutResponse carries the hosted checkout location
type CheckoutResponse struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
	Mode      string `json:"mode"`
}

// SelectMode picks the checkout mode from the cart composition
func SelectMode(subscriptionItems, oneTimeItems int) string {
	switch {
	case subscriptionItems == 1 && oneTimeItems == 0:
		return gateway.ModeSubscription
	case subscriptionItems == 0:
		return gateway.ModePayment
	default:
		return gateway.ModeSetup
	}
}

// CreateCheckout validates the cart, claims the pending order when one is
// given, and creates the checkout session. The claim is released if session
// creation fails.
func (s *CheckoutService) CreateCheckout(ctx context.Context, req *CheckoutRequest) (resp *CheckoutResponse, err error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.CreateCheckout",
		attribute.String("user.id", req.UserID),
		attribute.Int("cart.items", len(req.Items)))
	defer span.End()

	if err := validateItems(req.Items); err != nil {
		util.CheckoutFailedTotal.WithLabelValues("validation").Inc()
		return nil, err
	}

	products, err := s.loadProducts(ctx, req.Items)
	if err != nil {
		util.CheckoutFailedTotal.WithLabelValues("product_not_found").Inc()
		return nil, err
	}
	items := coalesceItems(req.Items, products)

	for _, it := range items {
		p := products[it.ProductID]
		if p.RequiresOnboarding && !it.CustomerDetails.HasAddress() {
			util.CheckoutFailedTotal.WithLabelValues("validation").Inc()
			return nil, validationErrorf("%s requires an installation address", p.Name)
		}
	}

	if req.PendingOrderID != "" {
		if err := s.pendingOrders.Claim(ctx, req.PendingOrderID, req.UserID); err != nil {
			util.CheckoutFailedTotal.WithLabelValues("claim").Inc()
			return nil, err
		}
		defer func() {
			if err == nil {
				return
			}
			if rerr := s.pendingOrders.Release(context.WithoutCancel(ctx), req.PendingOrderID); rerr != nil {
				s.logger.Error("Failed to release pending order after checkout failure",
					zap.String("pending_order_id", req.PendingOrderID),
					zap.Error(rerr))
			}
		}()
	}

	customerID, err := s.ensureCustomer(ctx, req.UserID, req.Email)
	if err != nil {
		util.CheckoutFailedTotal.WithLabelValues(failureReason(err)).Inc()
		return nil, err
	}

	params, err := s.buildParams(req, items, products, customerID)
	if err != nil {
		util.CheckoutFailedTotal.WithLabelValues("validation").Inc()
		return nil, err
	}

	session, err := s.gateway.CreateCheckoutSession(ctx, params)
	if err != nil {
		util.CheckoutFailedTotal.WithLabelValues(failureReason(err)).Inc()
		return nil, err
	}

	util.CheckoutSessionsCreatedTotal.WithLabelValues(params.Mode).Inc()
	s.logger.Info("Checkout session created",
		zap.String("session_id", session.ID),
		zap.String("mode", params.Mode),
		zap.String("user_id", req.UserID),
		zap.Int("items", len(items)))

	return &CheckoutResponse{SessionID: session.ID, URL: session.URL, Mode: params.Mode}, nil
}

func (s *CheckoutService) buildParams(
	req *CheckoutRequest,
	items []CartItem,
	products map[string]*models.Product,
	customerID string,
) (*gateway.CheckoutSessionParams, error) {
	var subs, oneTime int
	for _, it := range items {
		if products[it.ProductID].IsRecurring() {
			subs++
		} else {
			oneTime++
		}
	}
	mode := SelectMode(subs, oneTime)

	meta := map[string]string{MetaUserID: req.UserID}
	if req.PendingOrderID != "" {
		meta[MetaPendingOrderID] = req.PendingOrderID
	}
	if req.PendingOrderItemID != "" {
		meta[MetaPendingOrderItemID] = req.PendingOrderItemID
	}
	if err := NewManifest(items).Encode(meta); err != nil {
		return nil, err
	}

	params := &gateway.CheckoutSessionParams{
		Mode:              mode,
		CustomerID:        customerID,
		ClientReferenceID: req.UserID,
		SuccessURL:        s.successURL(req.SuccessURL),
		CancelURL:         s.cancelURL(req.CancelURL),
		Currency:          s.currency,
		Metadata:          meta,
	}

	if mode == gateway.ModeSetup {
		return params, nil
	}

	for _, it := range items {
		p := products[it.ProductID]
		line := gateway.CheckoutLine{
			ProductName: p.Name,
			UnitAmount:  models.AmountToCents(p.Price),
			Quantity:    int64(it.Quantity),
		}
		if p.StripePriceID != nil {
			line.PriceID = *p.StripePriceID
		}
		if mode == gateway.ModeSubscription {
			line.Interval = p.Interval()
			params.SubscriptionMetadata = map[string]string{
				MetaUserID:    req.UserID,
				MetaProductID: p.ID,
			}
		}
		params.Lines = append(params.Lines, line)
	}
	return params, nil
}

// ensureCustomer returns a provider customer for the user, replacing a stored
// reference that no longer resolves on the provider side.
func (s *CheckoutService) ensureCustomer(ctx context.Context, userID, email string) (string, error) {
	profile, err := s.profiles.GetProfile(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("profile %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return "", err
	}

	if profile.StripeCustomerID != nil && *profile.StripeCustomerID != "" {
		ok, err := s.gateway.VerifyCustomer(ctx, *profile.StripeCustomerID)
		if err != nil {
			return "", err
		}
		if ok {
			return *profile.StripeCustomerID, nil
		}
		s.logger.Warn("Stored Stripe customer no longer exists, creating a new one",
			zap.String("user_id", userID),
			zap.String("stale_customer_id", *profile.StripeCustomerID))
	}

	if profile.Email != "" {
		email = profile.Email
	}
	customerID, err := s.gateway.CreateCustomer(ctx, email, profile.FullName, userID)
	if err != nil {
		return "", err
	}
	if err := s.profiles.SetStripeCustomerID(ctx, userID, customerID); err != nil {
		return "", fmt.Errorf("store stripe customer: %w", err)
	}
	return customerID, nil
}

func (s *CheckoutService) loadProducts(ctx context.Context, items []CartItem) (map[string]*models.Product, error) {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ProductID
	}

	rows, err := s.products.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}

	byID := make(map[string]*models.Product, len(rows))
	for i := range rows {
		if rows[i].Active {
			byID[rows[i].ID] = &rows[i]
		}
	}
	for _, id := range ids {
		if _, ok := byID[id]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrProductNotFound, id)
		}
	}
	return byID, nil
}

func (s *CheckoutService) successURL(u string) string {
	if u != "" {
		return u
	}
	return s.baseURL + "/shop/success?session_id={CHECKOUT_SESSION_ID}"
}

func (s *CheckoutService) cancelURL(u string) string {
	if u != "" {
		return u
	}
	return s.baseURL + "/shop?cancelled=true"
}

func validateItems(items []CartItem) error {
	if len(items) == 0 {
		return validationErrorf("cart is empty")
	}
	for _, it := range items {
		if it.ProductID == "" {
			return validationErrorf("product id is required")
		}
		if it.Quantity < 1 {
			return validationErrorf("quantity for %s must be at least 1", it.ProductID)
		}
	}
	return nil
}

// coalesceItems merges repeated one-time products into one line. Each
// recurring line stays separate and becomes its own subscription, so two
// lines of the same plan count as two subscriptions when picking the mode.
func coalesceItems(items []CartItem, products map[string]*models.Product) []CartItem {
	out := make([]CartItem, 0, len(items))
	index := map[string]int{}
	for _, it := range items {
		if products[it.ProductID].IsRecurring() {
			out = append(out, it)
			continue
		}
		if i, ok := index[it.ProductID]; ok {
			out[i].Quantity += it.Quantity
			if out[i].CustomerDetails.IsEmpty() {
				out[i].CustomerDetails = it.CustomerDetails
			}
			continue
		}
		index[it.ProductID] = len(out)
		out = append(out, it)
	}
	return out
}

func failureReason(err error) string {
	var ge *GatewayError
	switch {
	case errors.Is(err, ErrNotConfigured):
		return "not_configured"
	case errors.As(err, &ge):
		return "gateway"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
