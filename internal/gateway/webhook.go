package gateway

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

// ErrInvalidSignature is returned when a webhook payload fails verification
var ErrInvalidSignature = errors.New("invalid webhook signature")

// ConstructEvent verifies the Stripe-Signature header against secret and
// decodes the event envelope.
func ConstructEvent(payload []byte, signature, secret string) (*Event, error) {
	if secret == "" || signature == "" {
		return nil, ErrInvalidSignature
	}
	evt, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := &Event{ID: evt.ID, Type: string(evt.Type)}
	if evt.Data != nil {
		out.Data = evt.Data.Raw
	}
	return out, nil
}

// ParseSession decodes a checkout session event object
func ParseSession(data []byte) (*Session, error) {
	var s stripe.CheckoutSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode checkout session: %w", err)
	}
	return sessionFromStripe(&s), nil
}

// ParseSubscription decodes a subscription event object
func ParseSubscription(data []byte) (*Subscription, error) {
	var s stripe.Subscription
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode subscription: %w", err)
	}
	return subscriptionFromStripe(&s), nil
}

// ParseInvoice decodes an invoice event object
func ParseInvoice(data []byte) (*Invoice, error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("decode invoice: %w", err)
	}
	return invoiceFromStripe(&inv), nil
}
