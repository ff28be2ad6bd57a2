package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"portal-billing/internal/models"
	"portal-billing/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing billing events. Events are keyed by user
// so one user's events stay ordered within a partition.
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishPurchaseEvent publishes a purchase lifecycle event
func (ep *EventPublisher) PublishPurchaseEvent(ctx context.Context, event *models.PurchaseEvent) error {
	return ep.producer.PublishEvent(ctx, userKey(event.UserID), event)
}

// PublishInvoicePaid publishes InvoicePaid event
func (ep *EventPublisher) PublishInvoicePaid(ctx context.Context, event *models.InvoicePaidEvent) error {
	return ep.producer.PublishEvent(ctx, userKey(event.UserID), event)
}

func userKey(userID string) string {
	return fmt.Sprintf("user-%s", userID)
}

// EventHandler handles incoming events
type EventHandler struct {
	onPurchase    func(context.Context, *models.PurchaseEvent) error
	onInvoicePaid func(context.Context, *models.InvoicePaidEvent) error
	logger        *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnPurchaseEvent registers a handler for purchase lifecycle events
func (eh *EventHandler) OnPurchaseEvent(handler func(context.Context, *models.PurchaseEvent) error) {
	eh.onPurchase = handler
}

// OnInvoicePaid registers a handler for InvoicePaid events
func (eh *EventHandler) OnInvoicePaid(handler func(context.Context, *models.InvoicePaidEvent) error) {
	eh.onInvoicePaid = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		// a poison message would otherwise block the partition
		eh.logger.Error("Dropping undecodable event", zap.ByteString("key", msg.Key), zap.Error(err))
		return nil
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypePurchaseActivated, models.EventTypePurchaseCancelled, models.EventTypePurchasePastDue:
		if eh.onPurchase != nil {
			var event models.PurchaseEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal %s event: %w", baseEvent.EventType, err)
			}
			return eh.onPurchase(ctx, &event)
		}

	case models.EventTypeInvoicePaid:
		if eh.onInvoicePaid != nil {
			var event models.InvoicePaidEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal InvoicePaid event: %w", err)
			}
			return eh.onInvoicePaid(ctx, &event)
		}

	default:
		eh.logger.Info("Unhandled event type", zap.String("event_type", baseEvent.EventType))
	}

	return nil
}
