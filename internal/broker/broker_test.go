package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"portal-billing/internal/models"
	"portal-billing/internal/util"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *memoryWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *memoryWriter) Close() error { return nil }

type memoryReader struct {
	msgs      []kafka.Message
	committed []int64
}

func (r *memoryReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	msg := r.msgs[0]
	r.msgs = r.msgs[1:]
	return msg, nil
}

func (r *memoryReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *memoryReader) Close() error { return nil }

func TestPublisherKeysByUser(t *testing.T) {
	w := &memoryWriter{}
	pub := NewEventPublisher(&Producer{writer: w, logger: util.GetLogger()})
	ctx := context.Background()

	require.NoError(t, pub.PublishPurchaseEvent(ctx, &models.PurchaseEvent{
		BaseEvent: models.BaseEvent{EventID: "e1", EventType: models.EventTypePurchaseActivated},
		UserID:    "user-1",
		ProductID: "fiber-100",
	}))
	require.NoError(t, pub.PublishInvoicePaid(ctx, &models.InvoicePaidEvent{
		BaseEvent: models.BaseEvent{EventID: "e2", EventType: models.EventTypeInvoicePaid},
		UserID:    "user-1",
		Amount:    decimal.RequireFromString("49.99"),
	}))

	require.Len(t, w.msgs, 2)
	assert.Equal(t, "user-user-1", string(w.msgs[0].Key))
	assert.Equal(t, string(w.msgs[0].Key), string(w.msgs[1].Key))

	var decoded models.InvoicePaidEvent
	require.NoError(t, json.Unmarshal(w.msgs[1].Value, &decoded))
	assert.Equal(t, models.EventTypeInvoicePaid, decoded.EventType)
	assert.True(t, decoded.Amount.Equal(decimal.RequireFromString("49.99")))
}

func TestPublisherWrapsWriteError(t *testing.T) {
	w := &memoryWriter{err: errors.New("broker down")}
	pub := NewEventPublisher(&Producer{writer: w, logger: util.GetLogger()})

	err := pub.PublishPurchaseEvent(context.Background(), &models.PurchaseEvent{UserID: "user-1"})
	assert.ErrorContains(t, err, "broker down")
}

func TestHandleMessageRoutesByType(t *testing.T) {
	h := NewEventHandler()
	var purchases []string
	var invoices []string
	h.OnPurchaseEvent(func(_ context.Context, e *models.PurchaseEvent) error {
		purchases = append(purchases, e.EventType+":"+e.ProductID)
		return nil
	})
	h.OnInvoicePaid(func(_ context.Context, e *models.InvoicePaidEvent) error {
		invoices = append(invoices, e.StripeInvoiceID)
		return nil
	})

	messages := []string{
		`{"event_type":"PURCHASE_ACTIVATED","product_id":"fiber-100"}`,
		`{"event_type":"PURCHASE_PAST_DUE","product_id":"static-ip"}`,
		`{"event_type":"INVOICE_PAID","stripe_invoice_id":"in_1","amount":"10.00"}`,
		`{"event_type":"SOMETHING_ELSE"}`,
		`not json`,
	}
	for _, m := range messages {
		require.NoError(t, h.HandleMessage(context.Background(), kafka.Message{Value: []byte(m)}))
	}

	assert.Equal(t, []string{"PURCHASE_ACTIVATED:fiber-100", "PURCHASE_PAST_DUE:static-ip"}, purchases)
	assert.Equal(t, []string{"in_1"}, invoices)
}

func TestStartConsumingSkipsFailedMessages(t *testing.T) {
	r := &memoryReader{msgs: []kafka.Message{{Offset: 1}, {Offset: 2}, {Offset: 3}}}
	c := &Consumer{reader: r, topic: "billing-events", logger: util.GetLogger()}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var seen []int64
	err := c.StartConsuming(ctx, func(_ context.Context, msg kafka.Message) error {
		seen = append(seen, msg.Offset)
		if msg.Offset == 2 {
			return errors.New("handler failed")
		}
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	// the failed message is handled once and never fetched again
	assert.Equal(t, []int64{1, 2, 3}, seen)
	assert.Equal(t, []int64{1, 3}, r.committed)
}
