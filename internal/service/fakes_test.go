package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"portal-billing/internal/gateway"
	"portal-billing/internal/models"
	"portal-billing/internal/store"

	"github.com/shopspring/decimal"
)

// fakeStore is an in-memory Store with the same keying rules as the SQL store
type fakeStore struct {
	mu           sync.Mutex
	products     map[string]*models.Product
	profiles     map[string]*models.Profile
	purchases    []*models.Purchase
	invoices     map[string]*models.Invoice
	pending      map[string]*models.PendingOrder
	settings     map[string]string
	events       map[string]string
	settingReads int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		products: map[string]*models.Product{},
		profiles: map[string]*models.Profile{},
		invoices: map[string]*models.Invoice{},
		pending:  map[string]*models.PendingOrder{},
		settings: map[string]string{},
		events:   map[string]string{},
	}
}

func (f *fakeStore) addProduct(id, name, billing string, price string) *models.Product {
	p := &models.Product{
		ID:          id,
		Name:        name,
		Price:       decimal.RequireFromString(price),
		Currency:    "usd",
		BillingType: billing,
		Active:      true,
	}
	f.products[id] = p
	return p
}

func (f *fakeStore) addProfile(id, email, customerID string) {
	p := &models.Profile{ID: id, Email: email, FullName: "User " + id}
	if customerID != "" {
		p.StripeCustomerID = &customerID
	}
	f.profiles[id] = p
}

func (f *fakeStore) addPendingOrder(id string, itemIDs ...string) {
	o := &models.PendingOrder{ID: id, Email: "pre@example.com"}
	for _, itemID := range itemIDs {
		o.Items = append(o.Items, models.PendingOrderItem{ID: itemID, PendingOrderID: id, ProductID: "router", Quantity: 1})
	}
	f.pending[id] = o
}

func (f *fakeStore) purchaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.purchases)
}

func (f *fakeStore) purchasesFor(productID string) []models.Purchase {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Purchase
	for _, p := range f.purchases {
		if p.ProductID == productID {
			out = append(out, *p)
		}
	}
	return out
}

func notFound(what string) error {
	return fmt.Errorf("%s: %w", what, store.ErrNotFound)
}

func (f *fakeStore) GetProductByID(_ context.Context, id string) (*models.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[id]
	if !ok {
		return nil, notFound("product " + id)
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) GetProductsByIDs(_ context.Context, ids []string) ([]models.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Product
	for _, id := range ids {
		if p, ok := f.products[id]; ok {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeStore) FindProductByStripeRef(_ context.Context, priceID, productID string) (*models.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.products {
		if priceID != "" && p.StripePriceID != nil && *p.StripePriceID == priceID {
			cp := *p
			return &cp, nil
		}
	}
	for _, p := range f.products {
		if productID != "" && p.StripeProductID != nil && *p.StripeProductID == productID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, notFound("product by ref")
}

func (f *fakeStore) ListProductsMissingStripeRefs(_ context.Context) ([]models.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Product
	for _, p := range f.products {
		if p.Active && p.StripePriceID == nil {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeStore) SetProductStripeRefs(_ context.Context, id, stripeProductID, stripePriceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[id]
	if !ok {
		return notFound("product " + id)
	}
	p.StripeProductID = &stripeProductID
	p.StripePriceID = &stripePriceID
	return nil
}

func (f *fakeStore) GetProfile(_ context.Context, userID string) (*models.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[userID]
	if !ok {
		return nil, notFound("profile " + userID)
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) GetProfileByStripeCustomer(_ context.Context, customerID string) (*models.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.profiles {
		if p.StripeCustomerID != nil && *p.StripeCustomerID == customerID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, notFound("profile for " + customerID)
}

func (f *fakeStore) SetStripeCustomerID(_ context.Context, userID, customerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[userID]
	if !ok {
		return notFound("profile " + userID)
	}
	p.StripeCustomerID = &customerID
	return nil
}

func coalesce(dst **string, src *string) {
	if *dst == nil && src != nil {
		*dst = src
	}
}

func (f *fakeStore) UpsertSubscriptionPurchase(_ context.Context, p *models.Purchase) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.purchases {
		if existing.StripeSubscriptionID != nil && *existing.StripeSubscriptionID == *p.StripeSubscriptionID {
			existing.Status = p.Status
			if p.NextBillingDate != nil {
				existing.NextBillingDate = p.NextBillingDate
			}
			existing.CancelledAt = p.CancelledAt
			coalesce(&existing.StripeCheckoutSessionID, p.StripeCheckoutSessionID)
			coalesce(&existing.CustomerName, p.CustomerName)
			coalesce(&existing.AddressLine1, p.AddressLine1)
			coalesce(&existing.City, p.City)
			coalesce(&existing.PostalCode, p.PostalCode)
			p.ID = existing.ID
			return false, nil
		}
	}
	cp := *p
	f.purchases = append(f.purchases, &cp)
	return true, nil
}

func (f *fakeStore) InsertOneTimePurchase(_ context.Context, p *models.Purchase) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.purchases {
		if existing.StripeSubscriptionID == nil &&
			existing.StripeCheckoutSessionID != nil &&
			*existing.StripeCheckoutSessionID == *p.StripeCheckoutSessionID &&
			existing.ProductID == p.ProductID {
			return false, nil
		}
	}
	cp := *p
	f.purchases = append(f.purchases, &cp)
	return true, nil
}

func (f *fakeStore) GetPurchaseBySubscriptionID(_ context.Context, subscriptionID string) (*models.Purchase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.purchases {
		if p.StripeSubscriptionID != nil && *p.StripeSubscriptionID == subscriptionID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, notFound("purchase for " + subscriptionID)
}

func (f *fakeStore) ListPurchasesBySession(_ context.Context, sessionID string) ([]models.Purchase, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Purchase
	for _, p := range f.purchases {
		if p.StripeCheckoutSessionID != nil && *p.StripeCheckoutSessionID == sessionID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeStore) updateSub(subscriptionID string, fn func(p *models.Purchase)) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.purchases {
		if p.StripeSubscriptionID != nil && *p.StripeSubscriptionID == subscriptionID {
			fn(p)
			return true
		}
	}
	return false
}

func (f *fakeStore) MarkSubscriptionCancelled(_ context.Context, subscriptionID string, at time.Time) (bool, error) {
	return f.updateSub(subscriptionID, func(p *models.Purchase) {
		p.Status = models.PurchaseStatusCancelled
		if p.CancelledAt == nil {
			p.CancelledAt = &at
		}
	}), nil
}

func (f *fakeStore) UpdateSubscriptionStatus(_ context.Context, subscriptionID, status string) (bool, error) {
	return f.updateSub(subscriptionID, func(p *models.Purchase) { p.Status = status }), nil
}

func (f *fakeStore) RenewSubscription(_ context.Context, subscriptionID string, nextBilling *time.Time) (bool, error) {
	return f.updateSub(subscriptionID, func(p *models.Purchase) {
		p.Status = models.PurchaseStatusActive
		if nextBilling != nil {
			p.NextBillingDate = nextBilling
		}
	}), nil
}

func (f *fakeStore) InsertInvoiceIfAbsent(_ context.Context, inv *models.Invoice) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.invoices[inv.StripeInvoiceID]; ok {
		return false, nil
	}
	cp := *inv
	f.invoices[inv.StripeInvoiceID] = &cp
	return true, nil
}

func (f *fakeStore) ClaimPendingOrder(_ context.Context, orderID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.pending[orderID]
	if !ok || (o.ClaimedBy != nil && *o.ClaimedBy != userID) {
		return false, nil
	}
	now := time.Now()
	o.ClaimedBy = &userID
	o.ClaimedAt = &now
	return true, nil
}

func (f *fakeStore) ReleasePendingOrder(_ context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.pending[orderID]; ok {
		o.ClaimedBy = nil
		o.ClaimedAt = nil
	}
	return nil
}

func (f *fakeStore) GetPendingOrder(_ context.Context, orderID string) (*models.PendingOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.pending[orderID]
	if !ok {
		return nil, notFound("pending order " + orderID)
	}
	cp := *o
	return &cp, nil
}

func (f *fakeStore) ListClaimablePendingOrders(_ context.Context, userID string) ([]models.PendingOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.PendingOrder
	for _, o := range f.pending {
		if o.ClaimedBy == nil || *o.ClaimedBy == userID {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *fakeStore) DeletePendingOrder(_ context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, orderID)
	return nil
}

func (f *fakeStore) DeletePendingOrderItem(_ context.Context, orderID, itemID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.pending[orderID]
	if !ok {
		return nil
	}
	kept := o.Items[:0]
	for _, it := range o.Items {
		if it.ID != itemID {
			kept = append(kept, it)
		}
	}
	o.Items = kept
	if len(o.Items) == 0 {
		delete(f.pending, orderID)
	}
	return nil
}

func (f *fakeStore) GetSetting(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settingReads++
	v, ok := f.settings[key]
	if !ok {
		return "", notFound("setting " + key)
	}
	return v, nil
}

func (f *fakeStore) PutSetting(_ context.Context, key, value, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings[key] = value
	return nil
}

func (f *fakeStore) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.events[eventID]
	return ok, nil
}

func (f *fakeStore) MarkEventProcessed(_ context.Context, eventID, eventType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events[eventID] = eventType
	return nil
}

// fakeGateway records calls and honours idempotency keys like the provider
type fakeGateway struct {
	mu sync.Mutex

	sessions      map[string]*gateway.Session
	subscriptions map[string]*gateway.Subscription
	customers     map[string]bool
	setupPM       map[string]string
	defaultPM     map[string]string
	byKey         map[string]interface{}

	checkoutParams   []*gateway.CheckoutSessionParams
	subMeta          map[string]map[string]string
	checkoutErr      error
	declineCharges   bool
	createdCustomers int
	subscriptionsNew int
	paymentIntents   int
	productsCreated  int
	pricesCreated    int
	seq              int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		sessions:      map[string]*gateway.Session{},
		subscriptions: map[string]*gateway.Subscription{},
		customers:     map[string]bool{},
		setupPM:       map[string]string{},
		defaultPM:     map[string]string{},
		byKey:         map[string]interface{}{},
		subMeta:       map[string]map[string]string{},
	}
}

func (g *fakeGateway) next(prefix string) string {
	g.seq++
	return fmt.Sprintf("%s_%d", prefix, g.seq)
}

func (g *fakeGateway) CreateCustomer(_ context.Context, _, _, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createdCustomers++
	id := g.next("cus")
	g.customers[id] = true
	return id, nil
}

func (g *fakeGateway) VerifyCustomer(_ context.Context, customerID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.customers[customerID], nil
}

func (g *fakeGateway) SetDefaultPaymentMethod(_ context.Context, customerID, paymentMethodID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.defaultPM[customerID] = paymentMethodID
	return nil
}

func (g *fakeGateway) CreateCheckoutSession(_ context.Context, p *gateway.CheckoutSessionParams) (*gateway.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkoutParams = append(g.checkoutParams, p)
	if g.checkoutErr != nil {
		return nil, g.checkoutErr
	}
	id := g.next("cs")
	s := &gateway.Session{
		ID:                id,
		URL:               "https://checkout.example/" + id,
		Mode:              p.Mode,
		Status:            "open",
		PaymentStatus:     "unpaid",
		ClientReferenceID: p.ClientReferenceID,
		CustomerID:        p.CustomerID,
		Metadata:          p.Metadata,
	}
	g.sessions[id] = s
	g.subMeta[id] = p.SubscriptionMetadata
	if p.Mode == gateway.ModeSubscription && len(p.Lines) > 0 {
		g.subMeta[id+":amount"] = map[string]string{"cents": fmt.Sprint(p.Lines[0].UnitAmount)}
	}
	cp := *s
	return &cp, nil
}

// complete marks a session as paid the way the hosted page would
func (g *fakeGateway) complete(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.sessions[sessionID]
	s.Status = "complete"
	switch s.Mode {
	case gateway.ModeSetup:
		s.PaymentStatus = "no_payment_required"
		s.SetupIntentID = g.next("seti")
		g.setupPM[s.SetupIntentID] = g.next("pm")
	case gateway.ModeSubscription:
		s.PaymentStatus = "paid"
		var cents int64
		fmt.Sscan(g.subMeta[sessionID+":amount"]["cents"], &cents)
		sub := &gateway.Subscription{
			ID:               g.next("sub"),
			CustomerID:       s.CustomerID,
			Status:           "active",
			Metadata:         g.subMeta[sessionID],
			CurrentPeriodEnd: timePtr(time.Now().Add(30 * 24 * time.Hour)),
			Created:          time.Now(),
			Items:            []gateway.SubscriptionItem{{PriceID: "price_inline", UnitAmount: cents, Quantity: 1}},
		}
		g.subscriptions[sub.ID] = sub
		s.SubscriptionID = sub.ID
	default:
		s.PaymentStatus = "paid"
	}
}

func (g *fakeGateway) addSession(s *gateway.Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions[s.ID] = s
}

func (g *fakeGateway) RetrieveSession(_ context.Context, sessionID string, _ ...string) (*gateway.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[sessionID]
	if !ok {
		return nil, &gateway.GatewayError{Op: "retrieve_session", Code: "resource_missing", Status: 404}
	}
	cp := *s
	return &cp, nil
}

func (g *fakeGateway) RetrieveSubscription(_ context.Context, subscriptionID string) (*gateway.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	sub, ok := g.subscriptions[subscriptionID]
	if !ok {
		return nil, &gateway.GatewayError{Op: "retrieve_subscription", Code: "resource_missing", Status: 404}
	}
	cp := *sub
	return &cp, nil
}

func (g *fakeGateway) ListActiveSubscriptions(_ context.Context, customerID string) ([]*gateway.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*gateway.Subscription
	for _, sub := range g.subscriptions {
		if sub.CustomerID == customerID && sub.Status == "active" {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (g *fakeGateway) CreateSubscription(_ context.Context, p *gateway.SubscriptionParams) (*gateway.Subscription, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.byKey[p.IdempotencyKey]; ok && p.IdempotencyKey != "" {
		cp := *prev.(*gateway.Subscription)
		return &cp, nil
	}
	g.subscriptionsNew++
	meta := map[string]string{}
	for k, v := range p.Metadata {
		meta[k] = v
	}
	sub := &gateway.Subscription{
		ID:               g.next("sub"),
		CustomerID:       p.CustomerID,
		Status:           "active",
		Metadata:         meta,
		CurrentPeriodEnd: timePtr(time.Now().Add(30 * 24 * time.Hour)),
		Created:          time.Now(),
		Items:            []gateway.SubscriptionItem{{PriceID: p.PriceID, Quantity: p.Quantity}},
	}
	g.subscriptions[sub.ID] = sub
	g.byKey[p.IdempotencyKey] = sub
	cp := *sub
	return &cp, nil
}

func (g *fakeGateway) CreatePaymentIntent(_ context.Context, p *gateway.PaymentIntentParams) (*gateway.PaymentIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.byKey[p.IdempotencyKey]; ok && p.IdempotencyKey != "" {
		if err, ok := prev.(error); ok {
			return nil, err
		}
		return prev.(*gateway.PaymentIntent), nil
	}
	g.paymentIntents++
	if g.declineCharges {
		err := &gateway.GatewayError{Op: "create_payment_intent", Code: "card_declined", Type: "card_error", Status: 402}
		g.byKey[p.IdempotencyKey] = err
		return nil, err
	}
	pi := &gateway.PaymentIntent{ID: g.next("pi"), Status: "succeeded"}
	g.byKey[p.IdempotencyKey] = pi
	return pi, nil
}

func (g *fakeGateway) RetrieveSetupIntentPaymentMethod(_ context.Context, setupIntentID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.setupPM[setupIntentID], nil
}

func (g *fakeGateway) CreateProduct(_ context.Context, _, _, _, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.productsCreated++
	return g.next("prod"), nil
}

func (g *fakeGateway) CreatePrice(_ context.Context, _ *gateway.PriceParams) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pricesCreated++
	return g.next("price"), nil
}

// recordingPublisher captures published events
type recordingPublisher struct {
	mu        sync.Mutex
	purchases []*models.PurchaseEvent
	invoices  []*models.InvoicePaidEvent
}

func (p *recordingPublisher) PublishPurchaseEvent(_ context.Context, e *models.PurchaseEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.purchases = append(p.purchases, e)
	return nil
}

func (p *recordingPublisher) PublishInvoicePaid(_ context.Context, e *models.InvoicePaidEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invoices = append(p.invoices, e)
	return nil
}

func timePtr(t time.Time) *time.Time {
	return &t
}

// harness wires the billing services over the fakes
type harness struct {
	store      *fakeStore
	gateway    *fakeGateway
	publisher  *recordingPublisher
	pending    *PendingOrderService
	checkout   *CheckoutService
	reconciler *Reconciler
	webhook    *WebhookService
	verify     *VerifyService
}

func newHarness(locker Locker) *harness {
	st := newFakeStore()
	gw := newFakeGateway()
	pub := &recordingPublisher{}

	st.addProduct("fiber-100", "Fiber 100", models.BillingMonthly, "49.99")
	st.addProduct("static-ip", "Static IP", models.BillingYearly, "120.00")
	st.addProduct("router", "Wi-Fi Router", models.BillingOneTime, "89.50")
	st.addProfile("user-1", "one@example.com", "")
	st.addProfile("user-2", "two@example.com", "")

	pending := NewPendingOrderService(st)
	productSync := NewProductSyncService(st, gw, "usd")
	reconciler := NewReconciler(st, gw, productSync, pending, locker, pub, "usd", 3*time.Second)

	return &harness{
		store:      st,
		gateway:    gw,
		publisher:  pub,
		pending:    pending,
		checkout:   NewCheckoutService(st, st, pending, gw, "usd", "https://portal.example"),
		reconciler: reconciler,
		webhook:    NewWebhookService(st, gw, reconciler, nil, pub, "whsec_test", time.Minute),
		verify:     NewVerifyService(st, gw, reconciler),
	}
}

func (h *harness) checkoutCompleted(sessionID, eventID string) *gateway.Event {
	return &gateway.Event{
		ID:   eventID,
		Type: EventCheckoutCompleted,
		Data: []byte(fmt.Sprintf(`{"id":%q,"object":"checkout.session"}`, sessionID)),
	}
}
