package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"github.com/stripe/stripe-go/v79"
)

// ErrNotConfigured is returned when no provider secret key is available
var ErrNotConfigured = errors.New("stripe is not configured")

// GatewayError is a failed provider call. Raw holds the provider's error body
// with any key material redacted.
type GatewayError struct {
	Op     string
	Code   string
	Type   string
	Status int
	Msg    string
	Raw    string
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("stripe %s failed: %s (%s, status %d)", e.Op, e.Code, e.Type, e.Status)
	}
	return fmt.Sprintf("stripe %s failed: %s (status %d)", e.Op, e.Type, e.Status)
}

// IsResourceMissing reports whether the provider could not find the object
func (e *GatewayError) IsResourceMissing() bool {
	return e.Code == string(stripe.ErrorCodeResourceMissing) || e.Status == http.StatusNotFound
}

// IsCardDeclined reports whether the provider refused the charge itself.
// Retrying with the same idempotency key replays the same refusal.
func (e *GatewayError) IsCardDeclined() bool {
	return e.Type == string(stripe.ErrorTypeCard)
}

var keyPattern = regexp.MustCompile(`\b(sk|rk)_(live|test)_[A-Za-z0-9*]+`)

// Redact masks provider secret and restricted keys in s
func Redact(s string) string {
	return keyPattern.ReplaceAllString(s, "${1}_${2}_[redacted]")
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		return &GatewayError{
			Op:     op,
			Code:   string(se.Code),
			Type:   string(se.Type),
			Status: se.HTTPStatusCode,
			Msg:    Redact(se.Msg),
			Raw:    Redact(se.Error()),
		}
	}
	return &GatewayError{Op: op, Type: "transport_error", Raw: Redact(err.Error())}
}
