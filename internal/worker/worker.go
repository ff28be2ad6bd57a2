package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"portal-billing/internal/broker"
	"portal-billing/internal/models"
	"portal-billing/internal/store"
	"portal-billing/internal/util"

	"go.uber.org/zap"
)

// Sender delivers a text message to a phone number
type Sender interface {
	Send(ctx context.Context, to, message string) error
}

// Directory resolves the people and products named by billing events
type Directory interface {
	GetProfile(ctx context.Context, userID string) (*models.Profile, error)
	GetProductByID(ctx context.Context, id string) (*models.Product, error)
}

// NotificationWorker texts customers about billing events
type NotificationWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	directory    Directory
	sender       Sender
	logger       *zap.Logger
}

// NewNotificationWorker creates a new notification worker
func NewNotificationWorker(consumer *broker.Consumer, directory Directory, sender Sender) *NotificationWorker {
	w := &NotificationWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		directory:    directory,
		sender:       sender,
		logger:       util.GetLogger(),
	}

	w.eventHandler.OnPurchaseEvent(w.HandlePurchaseEvent)
	w.eventHandler.OnInvoicePaid(w.HandleInvoicePaid)
	return w
}

// Start starts the worker
func (w *NotificationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting notification worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *NotificationWorker) Stop() error {
	w.logger.Info("Stopping notification worker")
	return w.consumer.Close()
}

// HandlePurchaseEvent notifies the purchase owner of a status change
func (w *NotificationWorker) HandlePurchaseEvent(ctx context.Context, event *models.PurchaseEvent) error {
	productName := event.ProductID
	if p, err := w.directory.GetProductByID(ctx, event.ProductID); err == nil {
		productName = p.Name
	}

	var message string
	switch event.EventType {
	case models.EventTypePurchaseActivated:
		message = fmt.Sprintf("Your %s service is now active. Thank you for your purchase!", productName)
	case models.EventTypePurchaseCancelled:
		message = fmt.Sprintf("Your %s subscription has been cancelled.", productName)
	case models.EventTypePurchasePastDue:
		message = fmt.Sprintf("We could not collect the payment for %s. Please update your payment method in the portal.", productName)
	default:
		return nil
	}
	return w.notify(ctx, event.EventType, event.UserID, message)
}

// HandleInvoicePaid sends a payment receipt
func (w *NotificationWorker) HandleInvoicePaid(ctx context.Context, event *models.InvoicePaidEvent) error {
	message := fmt.Sprintf("Payment of %s %s received. Thank you!",
		event.Amount.StringFixed(2), strings.ToUpper(event.Currency))
	return w.notify(ctx, event.EventType, event.UserID, message)
}

func (w *NotificationWorker) notify(ctx context.Context, eventType, userID, message string) error {
	ctx, span := util.StartSpan(ctx, "NotificationWorker.notify")
	defer span.End()

	profile, err := w.directory.GetProfile(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		util.NotificationsSentTotal.WithLabelValues(eventType, "skipped").Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("load profile %s: %w", userID, err)
	}
	if profile.Phone == nil || strings.TrimSpace(*profile.Phone) == "" {
		util.NotificationsSentTotal.WithLabelValues(eventType, "skipped").Inc()
		w.logger.Debug("No phone on profile, skipping notification", zap.String("user_id", userID))
		return nil
	}

	if err := w.sender.Send(ctx, *profile.Phone, message); err != nil {
		util.NotificationsSentTotal.WithLabelValues(eventType, "failed").Inc()
		w.logger.Error("Failed to send notification",
			zap.String("event_type", eventType),
			zap.String("user_id", userID),
			zap.Error(err))
		return nil
	}
	util.NotificationsSentTotal.WithLabelValues(eventType, "sent").Inc()
	return nil
}
