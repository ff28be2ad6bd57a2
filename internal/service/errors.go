package service

import (
	"errors"
	"fmt"

	"portal-billing/internal/gateway"
)

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrProductNotFound = errors.New("product not found")
	ErrValidation      = errors.New("invalid request")
	ErrAlreadyClaimed  = errors.New("pending order already claimed")
	ErrInvalidManifest = errors.New("invalid cart manifest")
	ErrNoUserReference = errors.New("session has no user reference")

	// ErrEventInFlight means another delivery of the same event is being
	// applied. The provider should retry it later.
	ErrEventInFlight = errors.New("event delivery already in progress")

	// ErrInvalidEventPayload means a verified event body could not be decoded
	ErrInvalidEventPayload = errors.New("invalid event payload")

	// ErrNotConfigured is the gateway sentinel so errors.Is matches either name.
	ErrNotConfigured = gateway.ErrNotConfigured
)

// GatewayError is a failed payment provider call
type GatewayError = gateway.GatewayError

// PaymentNotCompletedError means the checkout session has not been paid yet.
// It is an expected outcome for abandoned checkouts.
type PaymentNotCompletedError struct {
	Status string
}

func (e *PaymentNotCompletedError) Error() string {
	return fmt.Sprintf("payment not completed: %s", e.Status)
}

func validationErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
