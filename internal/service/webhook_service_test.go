package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"portal-billing/internal/gateway"
	"portal-billing/internal/models"
	"portal-billing/internal/redisclient"
	"portal-billing/internal/util"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79/webhook"
)

func invoicePaidEvent(eventID, invoiceID, subscriptionID string, periodEnd int64) *gateway.Event {
	subscription := "null"
	if subscriptionID != "" {
		subscription = fmt.Sprintf("%q", subscriptionID)
	}
	return &gateway.Event{
		ID:   eventID,
		Type: EventInvoicePaid,
		Data: []byte(fmt.Sprintf(`{
			"id": %q,
			"object": "invoice",
			"number": "INV-0001",
			"subscription": %s,
			"customer": "cus_1",
			"amount_paid": 4999,
			"currency": "usd",
			"status": "paid",
			"lines": {"object": "list", "data": [{"id": "il_1", "period": {"start": 1700000000, "end": %d}}]}
		}`, invoiceID, subscription, periodEnd)),
	}
}

func subscriptionEvent(eventID, eventType, subscriptionID, status string) *gateway.Event {
	return &gateway.Event{
		ID:   eventID,
		Type: eventType,
		Data: []byte(fmt.Sprintf(`{
			"id": %q,
			"object": "subscription",
			"status": %q,
			"customer": "cus_1",
			"canceled_at": 1710000000,
			"metadata": {"user_id": "user-1", "product_id": "fiber-100"},
			"items": {"object": "list", "data": [{"id": "si_1", "quantity": 1, "price": {"id": "price_m", "unit_amount": 4999}}]}
		}`, subscriptionID, status)),
	}
}

// subscribedUser runs a subscription checkout through the webhook and
// returns the resulting subscription id.
func subscribedUser(t *testing.T, h *harness) string {
	t.Helper()
	sessionID := h.paidCheckout(t, &CheckoutRequest{UserID: "user-1", Items: cart(item("fiber-100", 1))})
	require.NoError(t, h.webhook.HandleEvent(context.Background(), h.checkoutCompleted(sessionID, "evt_checkout")))
	rows := h.store.purchasesFor("fiber-100")
	require.Len(t, rows, 1)
	return *rows[0].StripeSubscriptionID
}

func TestHandleWebhook_RejectsInvalidSignature(t *testing.T) {
	h := newHarness(nil)
	payload := []byte(`{"id":"evt_1","object":"event","type":"invoice.paid","data":{"object":{}}}`)

	err := h.webhook.HandleWebhook(context.Background(), payload, "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	err = h.webhook.HandleWebhook(context.Background(), payload, "")
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Empty(t, h.store.events)
}

func TestHandleWebhook_AcceptsSignedUnknownEvent(t *testing.T) {
	h := newHarness(nil)
	payload := []byte(`{"id":"evt_unknown","object":"event","type":"customer.created","data":{"object":{"id":"cus_9","object":"customer"}}}`)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    "whsec_test",
		Timestamp: time.Now(),
	})

	require.NoError(t, h.webhook.HandleWebhook(context.Background(), payload, signed.Header))
	assert.Equal(t, "customer.created", h.store.events["evt_unknown"])
	assert.Zero(t, h.store.purchaseCount())
}

func TestHandleEvent_DuplicateEventSkipped(t *testing.T) {
	h := newHarness(nil)
	ctx := context.Background()
	subID := subscribedUser(t, h)

	require.NoError(t, h.webhook.HandleEvent(ctx, invoicePaidEvent("evt_inv", "in_1", subID, 1702592000)))
	require.NoError(t, h.webhook.HandleEvent(ctx, invoicePaidEvent("evt_inv", "in_2", subID, 1702592000)))

	assert.Len(t, h.store.invoices, 1)
	assert.Contains(t, h.store.invoices, "in_1")
}

func TestHandleEvent_InvoiceRecordedOnce(t *testing.T) {
	h := newHarness(nil)
	ctx := context.Background()
	subID := subscribedUser(t, h)

	require.NoError(t, h.webhook.HandleEvent(ctx, invoicePaidEvent("evt_a", "in_1", subID, 1702592000)))
	require.NoError(t, h.webhook.HandleEvent(ctx, invoicePaidEvent("evt_b", "in_1", subID, 1702592000)))

	require.Len(t, h.store.invoices, 1)
	inv := h.store.invoices["in_1"]
	assert.Equal(t, "user-1", inv.UserID)
	assert.Equal(t, models.InvoiceStatusPaid, inv.Status)
	assert.True(t, inv.Amount.Equal(decimal.RequireFromString("49.99")))
	assert.Equal(t, "Fiber 100", inv.Description)
	require.NotNil(t, inv.PurchaseID)

	rows := h.store.purchasesFor("fiber-100")
	assert.Equal(t, rows[0].ID, *inv.PurchaseID)
	require.NotNil(t, rows[0].NextBillingDate)
	assert.Equal(t, int64(1702592000), rows[0].NextBillingDate.Unix())

	assert.Len(t, h.publisher.invoices, 1)
}

func TestHandleEvent_InvoicePaidBeforeCheckoutReconciled(t *testing.T) {
	h := newHarness(nil)
	ctx := context.Background()
	sub, err := h.gateway.CreateSubscription(ctx, &gateway.SubscriptionParams{
		CustomerID: "cus_1",
		PriceID:    "price_m",
		Quantity:   1,
		Metadata:   map[string]string{MetaUserID: "user-2", MetaProductID: "fiber-100"},
	})
	require.NoError(t, err)

	require.NoError(t, h.webhook.HandleEvent(ctx, invoicePaidEvent("evt_early", "in_early", sub.ID, 1705000000)))

	rows := h.store.purchasesFor("fiber-100")
	require.Len(t, rows, 1)
	assert.Equal(t, "user-2", rows[0].UserID)
	assert.Equal(t, int64(1705000000), rows[0].NextBillingDate.Unix())

	inv := h.store.invoices["in_early"]
	require.NotNil(t, inv)
	require.NotNil(t, inv.PurchaseID)
	assert.Equal(t, rows[0].ID, *inv.PurchaseID)
	assert.Equal(t, "user-2", inv.UserID)
}

func TestHandleEvent_InvoiceWithoutSubscriptionUsesCustomer(t *testing.T) {
	h := newHarness(nil)
	require.NoError(t, h.store.SetStripeCustomerID(context.Background(), "user-2", "cus_1"))

	require.NoError(t, h.webhook.HandleEvent(context.Background(), invoicePaidEvent("evt_one_off", "in_one_off", "", 1705000000)))

	inv := h.store.invoices["in_one_off"]
	require.NotNil(t, inv)
	assert.Equal(t, "user-2", inv.UserID)
	assert.Nil(t, inv.PurchaseID)
}

func TestHandleEvent_PaymentFailedThenPaid(t *testing.T) {
	h := newHarness(nil)
	ctx := context.Background()
	subID := subscribedUser(t, h)

	failed := invoicePaidEvent("evt_fail", "in_fail", subID, 1702592000)
	failed.Type = EventInvoicePaymentFailed
	require.NoError(t, h.webhook.HandleEvent(ctx, failed))
	assert.Equal(t, models.PurchaseStatusPastDue, h.store.purchasesFor("fiber-100")[0].Status)
	assert.Empty(t, h.store.invoices)

	require.NoError(t, h.webhook.HandleEvent(ctx, invoicePaidEvent("evt_paid", "in_paid", subID, 1705000000)))
	assert.Equal(t, models.PurchaseStatusActive, h.store.purchasesFor("fiber-100")[0].Status)

	var types []string
	for _, e := range h.publisher.purchases {
		types = append(types, e.EventType)
	}
	assert.Contains(t, types, models.EventTypePurchasePastDue)
}

func TestHandleEvent_SubscriptionDeleted(t *testing.T) {
	h := newHarness(nil)
	ctx := context.Background()
	subID := subscribedUser(t, h)

	require.NoError(t, h.webhook.HandleEvent(ctx, subscriptionEvent("evt_del", EventSubscriptionDeleted, subID, "canceled")))

	p := h.store.purchasesFor("fiber-100")[0]
	assert.Equal(t, models.PurchaseStatusCancelled, p.Status)
	require.NotNil(t, p.CancelledAt)
	assert.Equal(t, int64(1710000000), p.CancelledAt.Unix())

	last := h.publisher.purchases[len(h.publisher.purchases)-1]
	assert.Equal(t, models.EventTypePurchaseCancelled, last.EventType)
}

func TestHandleEvent_SubscriptionDeletedUnknownIsNoop(t *testing.T) {
	h := newHarness(nil)

	require.NoError(t, h.webhook.HandleEvent(context.Background(), subscriptionEvent("evt_del", EventSubscriptionDeleted, "sub_missing", "canceled")))
	assert.Zero(t, h.store.purchaseCount())
	assert.Empty(t, h.publisher.purchases)
}

func TestHandleEvent_SubscriptionCreatedAndUpdated(t *testing.T) {
	h := newHarness(nil)
	ctx := context.Background()

	require.NoError(t, h.webhook.HandleEvent(ctx, subscriptionEvent("evt_c", EventSubscriptionCreated, "sub_direct", "active")))
	require.NoError(t, h.webhook.HandleEvent(ctx, subscriptionEvent("evt_u", EventSubscriptionUpdated, "sub_direct", "past_due")))

	rows := h.store.purchasesFor("fiber-100")
	require.Len(t, rows, 1)
	assert.Equal(t, models.PurchaseStatusPastDue, rows[0].Status)
	assert.True(t, rows[0].PricePaid.Equal(decimal.RequireFromString("49.99")))
}

func TestHandleEvent_InFlightDeliveryRetried(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	dedup := redisclient.NewFromRedis(rdb)

	h := newHarness(nil)
	h.webhook = NewWebhookService(h.store, h.gateway, h.reconciler, dedup, h.publisher, "whsec_test", time.Minute)
	ctx := context.Background()

	// another replica has the same event in flight
	fresh, err := dedup.MarkEventSeen(ctx, "evt_busy", time.Minute)
	require.NoError(t, err)
	require.True(t, fresh)

	err = h.webhook.HandleEvent(ctx, subscriptionEvent("evt_busy", EventSubscriptionCreated, "sub_busy", "active"))
	assert.ErrorIs(t, err, ErrEventInFlight)
	assert.Zero(t, h.store.purchaseCount())
	assert.NotContains(t, h.store.events, "evt_busy")

	// the other attempt died without finishing; its marker expires
	mr.FastForward(2 * time.Minute)

	require.NoError(t, h.webhook.HandleEvent(ctx, subscriptionEvent("evt_busy", EventSubscriptionCreated, "sub_busy", "active")))
	assert.Equal(t, 1, h.store.purchaseCount())
	assert.Contains(t, h.store.events, "evt_busy")
}

func TestHandleEvent_PermanentFailuresAcknowledged(t *testing.T) {
	tests := []struct {
		name    string
		session *gateway.Session
		event   *gateway.Event
	}{
		{
			name: "payment link session without user reference",
			session: &gateway.Session{
				ID:            "cs_link",
				Mode:          gateway.ModePayment,
				Status:        "complete",
				PaymentStatus: "paid",
				Metadata:      map[string]string{},
			},
		},
		{
			name: "product deleted from catalog",
			session: &gateway.Session{
				ID:            "cs_deleted",
				Mode:          gateway.ModePayment,
				Status:        "complete",
				PaymentStatus: "paid",
				Metadata: map[string]string{
					MetaUserID:          "user-1",
					MetaItemCount:       "1",
					"item_0_product_id": "deleted-prod",
					"item_0_quantity":   "1",
				},
			},
		},
		{
			name: "unreadable cart manifest",
			session: &gateway.Session{
				ID:            "cs_garbled",
				Mode:          gateway.ModeSetup,
				Status:        "complete",
				PaymentStatus: "no_payment_required",
				Metadata: map[string]string{
					MetaUserID:   "user-1",
					MetaManifest: "{not json",
				},
			},
		},
		{
			name: "malformed event object",
			event: &gateway.Event{
				ID:   "evt_garbled",
				Type: EventInvoicePaid,
				Data: []byte(`{"id": 12`),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(nil)
			evt := tt.event
			if tt.session != nil {
				h.gateway.addSession(tt.session)
				evt = h.checkoutCompleted(tt.session.ID, "evt_"+tt.session.ID)
			}
			rejected := testutil.ToFloat64(util.WebhookEventsTotal.WithLabelValues(evt.Type, "rejected"))

			require.NoError(t, h.webhook.HandleEvent(context.Background(), evt))
			assert.Contains(t, h.store.events, evt.ID)
			assert.Zero(t, h.store.purchaseCount())
			assert.Equal(t, rejected+1, testutil.ToFloat64(util.WebhookEventsTotal.WithLabelValues(evt.Type, "rejected")))

			// a redelivery is a duplicate, not another attempt
			require.NoError(t, h.webhook.HandleEvent(context.Background(), evt))
			assert.Equal(t, rejected+1, testutil.ToFloat64(util.WebhookEventsTotal.WithLabelValues(evt.Type, "rejected")))
		})
	}
}

func TestHandleEvent_FailureClearsDedupMarker(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	dedup := redisclient.NewFromRedis(rdb)

	h := newHarness(nil)
	h.webhook = NewWebhookService(h.store, h.gateway, h.reconciler, dedup, h.publisher, "whsec_test", time.Minute)
	ctx := context.Background()

	// session unknown to the provider makes reconciliation fail
	err := h.webhook.HandleEvent(ctx, h.checkoutCompleted("cs_missing", "evt_retry"))
	require.Error(t, err)
	assert.NotContains(t, h.store.events, "evt_retry")

	fresh, err := dedup.MarkEventSeen(ctx, "evt_retry", time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh)
}
