package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"portal-billing/internal/gateway"
	"portal-billing/internal/models"
	"portal-billing/internal/store"
	"portal-billing/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Trigger names the entry point that asked for reconciliation
type Trigger string

const (
	TriggerWebhook Trigger = "webhook"
	TriggerVerify  Trigger = "verify"
)

var sessionExpand = []string{"line_items", "subscription", "setup_intent"}

const lockPollInterval = 100 * time.Millisecond

// Reconciler turns completed checkout sessions and subscription lifecycle
// changes into purchase rows. Every write is keyed by a provider id, so any
// number of webhook deliveries and verify calls converge on the same rows.
type Reconciler struct {
	store         Store
	gateway       PaymentGateway
	productSync   *ProductSyncService
	pendingOrders *PendingOrderService
	locker        Locker
	publisher     EventPublisher
	currency      string
	lockTTL       time.Duration
	lockWait      time.Duration
	logger        *zap.Logger
}

// NewReconciler creates a new reconciler. locker and publisher may be nil.
func NewReconciler(
	st Store,
	gw PaymentGateway,
	productSync *ProductSyncService,
	pendingOrders *PendingOrderService,
	locker Locker,
	publisher EventPublisher,
	currency string,
	lockTTL time.Duration,
) *Reconciler {
	return &Reconciler{
		store:         st,
		gateway:       gw,
		productSync:   productSync,
		pendingOrders: pendingOrders,
		locker:        locker,
		publisher:     publisher,
		currency:      currency,
		lockTTL:       lockTTL,
		lockWait:      lockTTL / 3,
		logger:        util.GetLogger(),
	}
}

// ReconcileResult lists what a reconciliation newly created. PaymentsDeclined
// names setup-mode one-time items whose off-session charge was refused.
type ReconcileResult struct {
	Session          *gateway.Session
	PurchasesCreated []string
	PaymentsDeclined []string
}

// subscriptionHint carries linkage known to the caller that the provider
// subscription object may lack.
type subscriptionHint struct {
	UserID    string
	ProductID string
	SessionID string
	Details   *models.CustomerDetails
	Source    string
}

// ReconcileSession retrieves the session with its expansions and reconciles it
func (r *Reconciler) ReconcileSession(ctx context.Context, sessionID string, trigger Trigger) (*ReconcileResult, error) {
	sess, err := r.gateway.RetrieveSession(ctx, sessionID, sessionExpand...)
	if err != nil {
		return nil, err
	}
	return r.Reconcile(ctx, sess, trigger)
}

// Reconcile applies the entitlement mutations implied by a completed session
func (r *Reconciler) Reconcile(ctx context.Context, sess *gateway.Session, trigger Trigger) (*ReconcileResult, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.Reconcile",
		attribute.String("session.id", sess.ID),
		attribute.String("session.mode", sess.Mode),
		attribute.String("trigger", string(trigger)))
	defer span.End()

	start := time.Now()
	defer func() {
		util.ReconcileLatency.WithLabelValues(string(trigger)).Observe(time.Since(start).Seconds())
	}()

	result := &ReconcileResult{Session: sess, PurchasesCreated: []string{}, PaymentsDeclined: []string{}}
	if !sess.IsPaid() {
		r.logger.Info("Session not paid, nothing to reconcile",
			zap.String("session_id", sess.ID),
			zap.String("payment_status", sess.PaymentStatus))
		return result, nil
	}

	release := r.lock(ctx, "reconcile:"+sess.ID)
	defer release()

	userID := sess.Metadata[MetaUserID]
	if userID == "" {
		userID = sess.ClientReferenceID
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoUserReference, sess.ID)
	}

	manifest, err := DecodeManifest(sess.Metadata)
	if err != nil && sess.Mode != gateway.ModeSubscription {
		return nil, fmt.Errorf("session %s: %w", sess.ID, err)
	}

	var created, declined []string
	switch sess.Mode {
	case gateway.ModeSubscription:
		created, err = r.reconcileSubscriptionMode(ctx, sess, userID, manifest, trigger)
	case gateway.ModePayment:
		created, err = r.reconcilePaymentMode(ctx, sess, userID, manifest, trigger)
	case gateway.ModeSetup:
		created, declined, err = r.reconcileSetupMode(ctx, sess, userID, manifest, trigger)
	default:
		r.logger.Warn("Unknown checkout mode", zap.String("session_id", sess.ID), zap.String("mode", sess.Mode))
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	result.PurchasesCreated = append(result.PurchasesCreated, created...)
	result.PaymentsDeclined = append(result.PaymentsDeclined, declined...)

	if err := r.cleanupPendingOrder(ctx, sess); err != nil {
		return nil, err
	}

	r.logger.Info("Session reconciled",
		zap.String("session_id", sess.ID),
		zap.String("mode", sess.Mode),
		zap.String("trigger", string(trigger)),
		zap.Int("created", len(created)),
		zap.Int("declined", len(declined)))
	return result, nil
}

func (r *Reconciler) reconcileSubscriptionMode(
	ctx context.Context,
	sess *gateway.Session,
	userID string,
	manifest *Manifest,
	trigger Trigger,
) ([]string, error) {
	sub := sess.Subscription
	if sub == nil {
		if sess.SubscriptionID == "" {
			return nil, fmt.Errorf("subscription session %s has no subscription", sess.ID)
		}
		var err error
		sub, err = r.gateway.RetrieveSubscription(ctx, sess.SubscriptionID)
		if err != nil {
			return nil, err
		}
	}

	hint := subscriptionHint{
		UserID:    userID,
		SessionID: sess.ID,
		Source:    string(trigger),
	}
	if manifest != nil && len(manifest.Items) > 0 {
		hint.ProductID = manifest.Items[0].ProductID
		hint.Details = manifest.Items[0].Details
	}

	purchase, product, created, err := r.upsertSubscription(ctx, sub, hint)
	if err != nil || purchase == nil || !created {
		return nil, err
	}
	return []string{product.Name}, nil
}

func (r *Reconciler) reconcilePaymentMode(
	ctx context.Context,
	sess *gateway.Session,
	userID string,
	manifest *Manifest,
	trigger Trigger,
) ([]string, error) {
	var created []string
	for _, item := range manifest.Items {
		product, err := r.productFor(ctx, item.ProductID)
		if err != nil {
			return nil, err
		}
		ok, err := r.insertOneTime(ctx, sess, userID, product, item, trigger)
		if err != nil {
			return nil, err
		}
		if ok {
			created = append(created, product.Name)
		}
	}
	return created, nil
}

// reconcileSetupMode creates the subscriptions and one-time charges a setup
// session stood in for, using the payment method it saved. A declined
// one-time charge is reported, not retried: the idempotency key would replay
// the same decline on every delivery.
func (r *Reconciler) reconcileSetupMode(
	ctx context.Context,
	sess *gateway.Session,
	userID string,
	manifest *Manifest,
	trigger Trigger,
) (created, declined []string, err error) {
	existing, err := r.store.ListPurchasesBySession(ctx, sess.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("list session purchases: %w", err)
	}
	// a plan may appear on several lines, one subscription each
	done := make(map[string]int, len(existing))
	for _, p := range existing {
		done[p.ProductID]++
	}
	wanted := make(map[string]int, len(manifest.Items))
	for _, item := range manifest.Items {
		wanted[item.ProductID]++
	}
	pending := false
	for id, n := range wanted {
		if done[id] < n {
			pending = true
			break
		}
	}
	if !pending {
		return nil, nil, nil
	}

	if sess.SetupIntentID == "" {
		return nil, nil, fmt.Errorf("setup session %s has no setup intent", sess.ID)
	}
	paymentMethodID, err := r.gateway.RetrieveSetupIntentPaymentMethod(ctx, sess.SetupIntentID)
	if err != nil {
		return nil, nil, err
	}
	if paymentMethodID == "" {
		return nil, nil, fmt.Errorf("setup intent %s has no payment method", sess.SetupIntentID)
	}
	if err := r.gateway.SetDefaultPaymentMethod(ctx, sess.CustomerID, paymentMethodID); err != nil {
		return nil, nil, err
	}

	for i, item := range manifest.Items {
		if done[item.ProductID] > 0 {
			done[item.ProductID]--
			continue
		}
		product, err := r.productFor(ctx, item.ProductID)
		if err != nil {
			return nil, nil, err
		}
		idempotencyKey := fmt.Sprintf("setup:%s:%d", sess.ID, i)

		if product.IsRecurring() {
			priceID, err := r.productSync.EnsurePrice(ctx, product)
			if err != nil {
				return nil, nil, err
			}
			sub, err := r.gateway.CreateSubscription(ctx, &gateway.SubscriptionParams{
				CustomerID:      sess.CustomerID,
				PaymentMethodID: paymentMethodID,
				PriceID:         priceID,
				Quantity:        int64(item.Quantity),
				Metadata: map[string]string{
					MetaUserID:            userID,
					MetaProductID:         product.ID,
					MetaCheckoutSessionID: sess.ID,
				},
				IdempotencyKey: idempotencyKey,
			})
			if err != nil {
				return nil, nil, err
			}
			_, _, ok, err := r.upsertSubscription(ctx, sub, subscriptionHint{
				UserID:    userID,
				ProductID: product.ID,
				SessionID: sess.ID,
				Details:   item.Details,
				Source:    string(trigger),
			})
			if err != nil {
				return nil, nil, err
			}
			if ok {
				created = append(created, product.Name)
			}
			continue
		}

		amount := product.Price.Mul(decimal.NewFromInt(int64(item.Quantity)))
		_, err = r.gateway.CreatePaymentIntent(ctx, &gateway.PaymentIntentParams{
			CustomerID:      sess.CustomerID,
			PaymentMethodID: paymentMethodID,
			Amount:          models.AmountToCents(amount),
			Currency:        r.currencyFor(product),
			Description:     product.Name,
			Metadata: map[string]string{
				MetaUserID:            userID,
				MetaProductID:         product.ID,
				MetaCheckoutSessionID: sess.ID,
			},
			IdempotencyKey: idempotencyKey,
		})
		var ge *GatewayError
		if errors.As(err, &ge) && ge.IsCardDeclined() {
			util.OffSessionChargesDeclinedTotal.Inc()
			r.logger.Warn("Off-session charge declined",
				zap.String("session_id", sess.ID),
				zap.String("product_id", product.ID),
				zap.String("decline_code", ge.Code))
			declined = append(declined, product.Name)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		ok, err := r.insertOneTime(ctx, sess, userID, product, item, trigger)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			created = append(created, product.Name)
		}
	}
	return created, declined, nil
}

func (r *Reconciler) insertOneTime(
	ctx context.Context,
	sess *gateway.Session,
	userID string,
	product *models.Product,
	item ManifestItem,
	trigger Trigger,
) (bool, error) {
	sessionID := sess.ID
	purchase := &models.Purchase{
		ID:                      uuid.New().String(),
		UserID:                  userID,
		ProductID:               product.ID,
		Status:                  models.PurchaseStatusActive,
		PricePaid:               product.Price.Mul(decimal.NewFromInt(int64(item.Quantity))),
		Quantity:                item.Quantity,
		PurchasedAt:             time.Now().UTC(),
		StripeCheckoutSessionID: &sessionID,
	}
	if sess.CustomerID != "" {
		customerID := sess.CustomerID
		purchase.StripeCustomerID = &customerID
	}
	purchase.ApplyDetails(item.Details)

	created, err := r.store.InsertOneTimePurchase(ctx, purchase)
	if err != nil {
		return false, err
	}
	if created {
		util.PurchasesUpsertedTotal.WithLabelValues(string(trigger)).Inc()
		r.publishPurchase(ctx, models.EventTypePurchaseActivated, purchase, string(trigger))
	}
	return created, nil
}

// UpsertSubscription records a provider subscription, resolving its product
// and user from metadata or stored references. Subscriptions that cannot be
// linked to a known product or user are logged and skipped.
func (r *Reconciler) UpsertSubscription(ctx context.Context, sub *gateway.Subscription, source string) (*models.Purchase, bool, error) {
	purchase, _, created, err := r.upsertSubscription(ctx, sub, subscriptionHint{Source: source})
	return purchase, created, err
}

func (r *Reconciler) upsertSubscription(
	ctx context.Context,
	sub *gateway.Subscription,
	hint subscriptionHint,
) (*models.Purchase, *models.Product, bool, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.UpsertSubscription",
		attribute.String("subscription.id", sub.ID))
	defer span.End()

	product, err := r.resolveSubscriptionProduct(ctx, sub, hint.ProductID)
	if errors.Is(err, ErrProductNotFound) {
		r.logger.Warn("Subscription product not recognised, skipping",
			zap.String("subscription_id", sub.ID), zap.Error(err))
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, err
	}

	userID, err := r.resolveSubscriptionUser(ctx, sub, hint.UserID)
	if errors.Is(err, ErrNotFound) {
		r.logger.Warn("Subscription user not recognised, skipping",
			zap.String("subscription_id", sub.ID),
			zap.String("customer_id", sub.CustomerID))
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, err
	}

	item := sub.FirstItem()
	quantity := int(item.Quantity)
	if quantity < 1 {
		quantity = 1
	}
	pricePaid := product.Price.Mul(decimal.NewFromInt(int64(quantity)))
	if item.UnitAmount > 0 {
		pricePaid = models.CentsToAmount(item.UnitAmount * int64(quantity))
	}

	status := MapSubscriptionStatus(sub.Status)
	subID := sub.ID
	purchase := &models.Purchase{
		ID:                   uuid.New().String(),
		UserID:               userID,
		ProductID:            product.ID,
		Status:               status,
		PricePaid:            pricePaid,
		Quantity:             quantity,
		PurchasedAt:          sub.Created,
		NextBillingDate:      sub.CurrentPeriodEnd,
		StripeSubscriptionID: &subID,
	}
	if purchase.PurchasedAt.IsZero() || purchase.PurchasedAt.Unix() <= 0 {
		purchase.PurchasedAt = time.Now().UTC()
	}
	if status == models.PurchaseStatusCancelled {
		purchase.CancelledAt = sub.CanceledAt
		if purchase.CancelledAt == nil {
			now := time.Now().UTC()
			purchase.CancelledAt = &now
		}
	}
	if sub.CustomerID != "" {
		customerID := sub.CustomerID
		purchase.StripeCustomerID = &customerID
	}
	sessionID := hint.SessionID
	if sessionID == "" {
		sessionID = sub.Metadata[MetaCheckoutSessionID]
	}
	if sessionID != "" {
		purchase.StripeCheckoutSessionID = &sessionID
	}
	purchase.ApplyDetails(hint.Details)

	created, err := r.store.UpsertSubscriptionPurchase(ctx, purchase)
	if err != nil {
		return nil, nil, false, err
	}

	source := hint.Source
	if source == "" {
		source = string(TriggerWebhook)
	}
	if created {
		util.PurchasesUpsertedTotal.WithLabelValues(source).Inc()
		r.logger.Info("Subscription purchase created",
			zap.String("subscription_id", sub.ID),
			zap.String("user_id", userID),
			zap.String("product_id", product.ID))
	}

	if created && status == models.PurchaseStatusActive {
		r.publishPurchase(ctx, models.EventTypePurchaseActivated, purchase, source)
	}
	return purchase, product, created, nil
}

func (r *Reconciler) resolveSubscriptionProduct(ctx context.Context, sub *gateway.Subscription, hinted string) (*models.Product, error) {
	productID := hinted
	if productID == "" {
		productID = sub.Metadata[MetaProductID]
	}
	if productID != "" {
		return r.productFor(ctx, productID)
	}

	item := sub.FirstItem()
	if item.PriceID == "" && item.ProductID == "" {
		return nil, fmt.Errorf("%w: subscription %s has no items", ErrProductNotFound, sub.ID)
	}
	product, err := r.store.FindProductByStripeRef(ctx, item.PriceID, item.ProductID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: price %s", ErrProductNotFound, item.PriceID)
	}
	return product, err
}

func (r *Reconciler) resolveSubscriptionUser(ctx context.Context, sub *gateway.Subscription, hinted string) (string, error) {
	if hinted != "" {
		return hinted, nil
	}
	if id := sub.Metadata[MetaUserID]; id != "" {
		return id, nil
	}
	if sub.CustomerID == "" {
		return "", ErrNotFound
	}
	profile, err := r.store.GetProfileByStripeCustomer(ctx, sub.CustomerID)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("customer %s: %w", sub.CustomerID, ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return profile.ID, nil
}

func (r *Reconciler) productFor(ctx context.Context, productID string) (*models.Product, error) {
	product, err := r.store.GetProductByID(ctx, productID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrProductNotFound, productID)
	}
	return product, err
}

func (r *Reconciler) currencyFor(p *models.Product) string {
	if p.Currency != "" {
		return p.Currency
	}
	return r.currency
}

func (r *Reconciler) cleanupPendingOrder(ctx context.Context, sess *gateway.Session) error {
	orderID := sess.Metadata[MetaPendingOrderID]
	if orderID == "" || r.pendingOrders == nil {
		return nil
	}
	if itemID := sess.Metadata[MetaPendingOrderItemID]; itemID != "" {
		return r.pendingOrders.FulfillItem(ctx, orderID, itemID)
	}
	return r.pendingOrders.FulfillAndDelete(ctx, orderID)
}

// lock takes the per-session lock, waiting briefly for a concurrent holder.
// Failure to lock is logged and reconciliation proceeds unlocked.
func (r *Reconciler) lock(ctx context.Context, key string) func() {
	noop := func() {}
	if r.locker == nil {
		return noop
	}

	deadline := time.Now().Add(r.lockWait)
	for {
		token, err := r.locker.AcquireLock(ctx, key, r.lockTTL)
		if err != nil {
			r.logger.Warn("Reconcile lock unavailable, proceeding without it",
				zap.String("key", key), zap.Error(err))
			return noop
		}
		if token != "" {
			return func() {
				if err := r.locker.ReleaseLock(context.WithoutCancel(ctx), key, token); err != nil {
					r.logger.Warn("Failed to release reconcile lock", zap.String("key", key), zap.Error(err))
				}
			}
		}
		if time.Now().After(deadline) {
			r.logger.Warn("Timed out waiting for reconcile lock, proceeding", zap.String("key", key))
			return noop
		}
		select {
		case <-ctx.Done():
			return noop
		case <-time.After(lockPollInterval):
		}
	}
}

func (r *Reconciler) publishPurchase(ctx context.Context, eventType string, p *models.Purchase, source string) {
	if r.publisher == nil {
		return
	}
	event := &models.PurchaseEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: eventType,
			Timestamp: time.Now(),
		},
		PurchaseID: p.ID,
		UserID:     p.UserID,
		ProductID:  p.ProductID,
		Status:     p.Status,
		Source:     source,
	}
	if p.StripeSubscriptionID != nil {
		event.SubscriptionID = *p.StripeSubscriptionID
	}
	if err := r.publisher.PublishPurchaseEvent(ctx, event); err != nil {
		r.logger.Error("Failed to publish purchase event",
			zap.String("event_type", eventType),
			zap.String("purchase_id", p.ID),
			zap.Error(err))
	}
}

// MapSubscriptionStatus converts a provider subscription status to a purchase status
func MapSubscriptionStatus(status string) string {
	switch status {
	case "active":
		return models.PurchaseStatusActive
	case "canceled":
		return models.PurchaseStatusCancelled
	default:
		return status
	}
}
