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
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Provider event types handled by the webhook
const (
	EventCheckoutCompleted           = "checkout.session.completed"
	EventCheckoutAsyncPaymentSuccess = "checkout.session.async_payment_succeeded"
	EventSubscriptionCreated         = "customer.subscription.created"
	EventSubscriptionUpdated         = "customer.subscription.updated"
	EventSubscriptionDeleted         = "customer.subscription.deleted"
	EventInvoicePaid                 = "invoice.paid"
	EventInvoicePaymentFailed        = "invoice.payment_failed"
)

// ErrInvalidSignature is returned for payloads failing signature verification
var ErrInvalidSignature = gateway.ErrInvalidSignature

// WebhookService verifies and applies provider webhook events
type WebhookService struct {
	store      Store
	gateway    PaymentGateway
	reconciler *Reconciler
	deduper    EventDeduper
	publisher  EventPublisher
	secret     string
	dedupTTL   time.Duration
	logger     *zap.Logger
}

// NewWebhookService creates a new webhook service. deduper and publisher may be nil.
func NewWebhookService(
	st Store,
	gw PaymentGateway,
	reconciler *Reconciler,
	deduper EventDeduper,
	publisher EventPublisher,
	secret string,
	dedupTTL time.Duration,
) *WebhookService {
	return &WebhookService{
		store:      st,
		gateway:    gw,
		reconciler: reconciler,
		deduper:    deduper,
		publisher:  publisher,
		secret:     secret,
		dedupTTL:   dedupTTL,
		logger:     util.GetLogger(),
	}
}

// HandleWebhook verifies payload against its signature header and applies
// the event. Unknown event types are acknowledged and ignored.
func (s *WebhookService) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	evt, err := gateway.ConstructEvent(payload, signature, s.secret)
	if err != nil {
		util.WebhookEventsTotal.WithLabelValues("unknown", "invalid_signature").Inc()
		s.logger.Warn("Rejected webhook with invalid signature", zap.Error(err))
		return err
	}
	return s.HandleEvent(ctx, evt)
}

// HandleEvent applies an already verified event
func (s *WebhookService) HandleEvent(ctx context.Context, evt *gateway.Event) (err error) {
	ctx, span := util.StartSpan(ctx, "WebhookService.HandleEvent",
		attribute.String("event.id", evt.ID),
		attribute.String("event.type", evt.Type))
	defer span.End()

	processed, err := s.store.IsEventProcessed(ctx, evt.ID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		util.WebhookEventsTotal.WithLabelValues(evt.Type, "duplicate").Inc()
		s.logger.Info("Event already processed", zap.String("event_id", evt.ID))
		return nil
	}

	if s.deduper != nil {
		fresh, derr := s.deduper.MarkEventSeen(ctx, evt.ID, s.dedupTTL)
		if derr != nil {
			s.logger.Warn("Event dedup unavailable", zap.String("event_id", evt.ID), zap.Error(derr))
		} else if !fresh {
			util.WebhookEventsTotal.WithLabelValues(evt.Type, "in_flight").Inc()
			s.logger.Info("Event delivery already in flight", zap.String("event_id", evt.ID))
			return fmt.Errorf("%w: %s", ErrEventInFlight, evt.ID)
		}
		defer func() {
			if err != nil && derr == nil {
				if ferr := s.deduper.ForgetEvent(context.WithoutCancel(ctx), evt.ID); ferr != nil {
					s.logger.Warn("Failed to clear event marker", zap.String("event_id", evt.ID), zap.Error(ferr))
				}
			}
		}()
	}

	handled, err := s.dispatch(ctx, evt)
	if isPermanent(err) {
		// redelivery cannot succeed, so acknowledge it
		util.WebhookEventsTotal.WithLabelValues(evt.Type, "rejected").Inc()
		s.logger.Warn("Webhook event rejected",
			zap.String("event_id", evt.ID),
			zap.String("event_type", evt.Type),
			zap.Error(err))
		if merr := s.store.MarkEventProcessed(ctx, evt.ID, evt.Type); merr != nil {
			s.logger.Error("Failed to mark event processed", zap.Error(merr))
		}
		return nil
	}
	if err != nil {
		util.WebhookEventsTotal.WithLabelValues(evt.Type, "error").Inc()
		s.logger.Error("Webhook event failed",
			zap.String("event_id", evt.ID),
			zap.String("event_type", evt.Type),
			zap.Error(err))
		return err
	}

	outcome := "handled"
	if !handled {
		outcome = "ignored"
		s.logger.Info("Ignoring webhook event", zap.String("event_type", evt.Type))
	}
	util.WebhookEventsTotal.WithLabelValues(evt.Type, outcome).Inc()

	if err := s.store.MarkEventProcessed(ctx, evt.ID, evt.Type); err != nil {
		s.logger.Error("Failed to mark event processed", zap.Error(err))
	}
	return nil
}

// isPermanent reports whether err comes from the event content rather than
// from a dependency being unavailable.
func isPermanent(err error) bool {
	return errors.Is(err, ErrInvalidEventPayload) ||
		errors.Is(err, ErrInvalidManifest) ||
		errors.Is(err, ErrProductNotFound) ||
		errors.Is(err, ErrNoUserReference)
}

func (s *WebhookService) dispatch(ctx context.Context, evt *gateway.Event) (bool, error) {
	switch evt.Type {
	case EventCheckoutCompleted, EventCheckoutAsyncPaymentSuccess:
		sess, err := gateway.ParseSession(evt.Data)
		if err != nil {
			return true, fmt.Errorf("%w: %v", ErrInvalidEventPayload, err)
		}
		_, err = s.reconciler.ReconcileSession(ctx, sess.ID, TriggerWebhook)
		return true, err

	case EventSubscriptionCreated, EventSubscriptionUpdated:
		sub, err := gateway.ParseSubscription(evt.Data)
		if err != nil {
			return true, fmt.Errorf("%w: %v", ErrInvalidEventPayload, err)
		}
		_, _, err = s.reconciler.UpsertSubscription(ctx, sub, string(TriggerWebhook))
		return true, err

	case EventSubscriptionDeleted:
		sub, err := gateway.ParseSubscription(evt.Data)
		if err != nil {
			return true, fmt.Errorf("%w: %v", ErrInvalidEventPayload, err)
		}
		return true, s.handleSubscriptionDeleted(ctx, sub)

	case EventInvoicePaid:
		inv, err := gateway.ParseInvoice(evt.Data)
		if err != nil {
			return true, fmt.Errorf("%w: %v", ErrInvalidEventPayload, err)
		}
		return true, s.handleInvoicePaid(ctx, inv)

	case EventInvoicePaymentFailed:
		inv, err := gateway.ParseInvoice(evt.Data)
		if err != nil {
			return true, fmt.Errorf("%w: %v", ErrInvalidEventPayload, err)
		}
		return true, s.handleInvoicePaymentFailed(ctx, inv)

	default:
		return false, nil
	}
}

func (s *WebhookService) handleSubscriptionDeleted(ctx context.Context, sub *gateway.Subscription) error {
	at := time.Now().UTC()
	if sub.CanceledAt != nil {
		at = *sub.CanceledAt
	}

	updated, err := s.store.MarkSubscriptionCancelled(ctx, sub.ID, at)
	if err != nil {
		return fmt.Errorf("cancel subscription purchase: %w", err)
	}
	if !updated {
		s.logger.Info("No purchase for deleted subscription", zap.String("subscription_id", sub.ID))
		return nil
	}

	s.logger.Info("Subscription purchase cancelled", zap.String("subscription_id", sub.ID))
	s.publishForSubscription(ctx, models.EventTypePurchaseCancelled, sub.ID)
	return nil
}

// handleInvoicePaid renews the subscription purchase and records the invoice.
// If the purchase has not been written yet the subscription is fetched and
// upserted first.
func (s *WebhookService) handleInvoicePaid(ctx context.Context, inv *gateway.Invoice) error {
	var purchase *models.Purchase

	if inv.SubscriptionID != "" {
		renewed, err := s.store.RenewSubscription(ctx, inv.SubscriptionID, inv.PeriodEnd)
		if err != nil {
			return fmt.Errorf("renew subscription purchase: %w", err)
		}
		if !renewed {
			sub, err := s.gateway.RetrieveSubscription(ctx, inv.SubscriptionID)
			if err != nil {
				return err
			}
			if _, _, err := s.reconciler.UpsertSubscription(ctx, sub, string(TriggerWebhook)); err != nil {
				return err
			}
			if _, err := s.store.RenewSubscription(ctx, inv.SubscriptionID, inv.PeriodEnd); err != nil {
				return fmt.Errorf("renew subscription purchase: %w", err)
			}
		}

		p, err := s.store.GetPurchaseBySubscriptionID(ctx, inv.SubscriptionID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		purchase = p
	}

	userID, err := s.invoiceUser(ctx, inv, purchase)
	if err != nil {
		return err
	}
	if userID == "" {
		s.logger.Warn("Invoice has no resolvable user, skipping record",
			zap.String("invoice_id", inv.ID),
			zap.String("customer_id", inv.CustomerID))
		return nil
	}

	paidAt := inv.PaidAt
	if paidAt == nil {
		now := time.Now().UTC()
		paidAt = &now
	}
	currency := inv.Currency
	if currency == "" {
		currency = "usd"
	}
	record := &models.Invoice{
		ID:              uuid.New().String(),
		StripeInvoiceID: inv.ID,
		UserID:          userID,
		InvoiceNumber:   inv.Number,
		Amount:          models.CentsToAmount(inv.AmountPaid),
		Currency:        currency,
		Status:          models.InvoiceStatusPaid,
		DueDate:         inv.DueDate,
		PaidAt:          paidAt,
		Description:     inv.Description,
	}
	if inv.HostedInvoiceURL != "" {
		url := inv.HostedInvoiceURL
		record.HostedInvoiceURL = &url
	}
	if purchase != nil {
		id := purchase.ID
		record.PurchaseID = &id
		if record.Description == "" {
			if product, err := s.store.GetProductByID(ctx, purchase.ProductID); err == nil {
				record.Description = product.Name
			}
		}
	}

	created, err := s.store.InsertInvoiceIfAbsent(ctx, record)
	if err != nil {
		return err
	}
	if !created {
		s.logger.Info("Invoice already recorded", zap.String("invoice_id", inv.ID))
		return nil
	}

	util.InvoicesRecordedTotal.Inc()
	s.logger.Info("Invoice recorded",
		zap.String("invoice_id", inv.ID),
		zap.String("user_id", userID),
		zap.String("amount", record.Amount.StringFixed(2)))

	if s.publisher != nil {
		event := &models.InvoicePaidEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypeInvoicePaid,
				Timestamp: time.Now(),
			},
			InvoiceID:       record.ID,
			StripeInvoiceID: inv.ID,
			UserID:          userID,
			Amount:          record.Amount,
			Currency:        record.Currency,
		}
		if err := s.publisher.PublishInvoicePaid(ctx, event); err != nil {
			s.logger.Error("Failed to publish InvoicePaid event", zap.Error(err))
		}
	}
	return nil
}

func (s *WebhookService) invoiceUser(ctx context.Context, inv *gateway.Invoice, purchase *models.Purchase) (string, error) {
	if purchase != nil {
		return purchase.UserID, nil
	}
	if id := inv.Metadata[MetaUserID]; id != "" {
		return id, nil
	}
	if inv.CustomerID == "" {
		return "", nil
	}
	profile, err := s.store.GetProfileByStripeCustomer(ctx, inv.CustomerID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return profile.ID, nil
}

func (s *WebhookService) handleInvoicePaymentFailed(ctx context.Context, inv *gateway.Invoice) error {
	if inv.SubscriptionID == "" {
		return nil
	}
	updated, err := s.store.UpdateSubscriptionStatus(ctx, inv.SubscriptionID, models.PurchaseStatusPastDue)
	if err != nil {
		return fmt.Errorf("mark subscription past due: %w", err)
	}
	if updated {
		s.logger.Warn("Subscription payment failed",
			zap.String("subscription_id", inv.SubscriptionID),
			zap.String("invoice_id", inv.ID))
		s.publishForSubscription(ctx, models.EventTypePurchasePastDue, inv.SubscriptionID)
	}
	return nil
}

func (s *WebhookService) publishForSubscription(ctx context.Context, eventType, subscriptionID string) {
	if s.publisher == nil {
		return
	}
	p, err := s.store.GetPurchaseBySubscriptionID(ctx, subscriptionID)
	if err != nil {
		s.logger.Warn("Cannot load purchase for event", zap.String("subscription_id", subscriptionID), zap.Error(err))
		return
	}
	event := &models.PurchaseEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: eventType,
			Timestamp: time.Now(),
		},
		PurchaseID:     p.ID,
		UserID:         p.UserID,
		ProductID:      p.ProductID,
		Status:         p.Status,
		SubscriptionID: subscriptionID,
		Source:         string(TriggerWebhook),
	}
	if err := s.publisher.PublishPurchaseEvent(ctx, event); err != nil {
		s.logger.Error("Failed to publish purchase event", zap.String("event_type", eventType), zap.Error(err))
	}
}
