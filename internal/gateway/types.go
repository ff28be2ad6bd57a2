package gateway

import (
	"time"

	"github.com/stripe/stripe-go/v79"
)

// Checkout session modes
const (
	ModePayment      = "payment"
	ModeSubscription = "subscription"
	ModeSetup        = "setup"
)

// Session is the subset of a provider checkout session the portal consumes
type Session struct {
	ID                string
	URL               string
	Mode              string
	Status            string
	PaymentStatus     string
	ClientReferenceID string
	CustomerID        string
	CustomerEmail     string
	CustomerName      string
	SubscriptionID    string
	SetupIntentID     string
	Currency          string
	AmountTotal       int64
	Metadata          map[string]string
	LineItems         []LineItem
	Subscription      *Subscription
}

// IsPaid reports whether the session completed payment or needed none
func (s *Session) IsPaid() bool {
	switch s.PaymentStatus {
	case string(stripe.CheckoutSessionPaymentStatusPaid), string(stripe.CheckoutSessionPaymentStatusNoPaymentRequired):
		return true
	}
	return s.Status == string(stripe.CheckoutSessionStatusComplete)
}

// LineItem is one provider-side line of a session
type LineItem struct {
	PriceID     string
	ProductID   string
	Quantity    int64
	AmountTotal int64
}

// Subscription mirrors a provider subscription
type Subscription struct {
	ID               string
	CustomerID       string
	Status           string
	Metadata         map[string]string
	CurrentPeriodEnd *time.Time
	CanceledAt       *time.Time
	Created          time.Time
	Items            []SubscriptionItem
}

// SubscriptionItem is one priced item of a subscription
type SubscriptionItem struct {
	PriceID    string
	ProductID  string
	UnitAmount int64
	Quantity   int64
}

// FirstItem returns the first item or an empty one
func (s *Subscription) FirstItem() SubscriptionItem {
	if len(s.Items) == 0 {
		return SubscriptionItem{}
	}
	return s.Items[0]
}

// Invoice mirrors a provider invoice
type Invoice struct {
	ID               string
	Number           string
	CustomerID       string
	SubscriptionID   string
	Status           string
	Currency         string
	Description      string
	HostedInvoiceURL string
	AmountPaid       int64
	DueDate          *time.Time
	PaidAt           *time.Time
	PeriodEnd        *time.Time
	Metadata         map[string]string
}

// Event is a verified webhook event
type Event struct {
	ID   string
	Type string
	Data []byte
}

// CheckoutLine is a line passed to CreateCheckoutSession. When PriceID is
// empty the price is created inline from UnitAmount and Interval.
type CheckoutLine struct {
	PriceID     string
	ProductName string
	UnitAmount  int64
	Interval    string
	Quantity    int64
}

// CheckoutSessionParams describes a session to create
type CheckoutSessionParams struct {
	Mode                 string
	CustomerID           string
	ClientReferenceID    string
	SuccessURL           string
	CancelURL            string
	Currency             string
	Lines                []CheckoutLine
	Metadata             map[string]string
	SubscriptionMetadata map[string]string
}

// SubscriptionParams describes a subscription created after setup
type SubscriptionParams struct {
	CustomerID      string
	PaymentMethodID string
	PriceID         string
	Quantity        int64
	Metadata        map[string]string
	IdempotencyKey  string
}

// PaymentIntentParams describes an off-session one-time charge
type PaymentIntentParams struct {
	CustomerID      string
	PaymentMethodID string
	Amount          int64
	Currency        string
	Description     string
	Metadata        map[string]string
	IdempotencyKey  string
}

// PaymentIntent is the result of a charge
type PaymentIntent struct {
	ID     string
	Status string
}

// PriceParams describes a catalog price created by product sync
type PriceParams struct {
	ProductID      string
	Currency       string
	UnitAmount     int64
	Interval       string
	IdempotencyKey string
}

func unixTime(ts int64) *time.Time {
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}

func sessionFromStripe(s *stripe.CheckoutSession) *Session {
	out := &Session{
		ID:                s.ID,
		URL:               s.URL,
		Mode:              string(s.Mode),
		Status:            string(s.Status),
		PaymentStatus:     string(s.PaymentStatus),
		ClientReferenceID: s.ClientReferenceID,
		Currency:          string(s.Currency),
		AmountTotal:       s.AmountTotal,
		Metadata:          s.Metadata,
	}
	if out.Metadata == nil {
		out.Metadata = map[string]string{}
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.CustomerDetails != nil {
		out.CustomerEmail = s.CustomerDetails.Email
		out.CustomerName = s.CustomerDetails.Name
	}
	if s.SetupIntent != nil {
		out.SetupIntentID = s.SetupIntent.ID
	}
	if s.Subscription != nil {
		out.SubscriptionID = s.Subscription.ID
		if s.Subscription.Status != "" {
			out.Subscription = subscriptionFromStripe(s.Subscription)
		}
	}
	if s.LineItems != nil {
		for _, li := range s.LineItems.Data {
			item := LineItem{Quantity: li.Quantity, AmountTotal: li.AmountTotal}
			if li.Price != nil {
				item.PriceID = li.Price.ID
				if li.Price.Product != nil {
					item.ProductID = li.Price.Product.ID
				}
			}
			out.LineItems = append(out.LineItems, item)
		}
	}
	return out
}

func subscriptionFromStripe(s *stripe.Subscription) *Subscription {
	out := &Subscription{
		ID:               s.ID,
		Status:           string(s.Status),
		Metadata:         s.Metadata,
		CurrentPeriodEnd: unixTime(s.CurrentPeriodEnd),
		CanceledAt:       unixTime(s.CanceledAt),
		Created:          time.Unix(s.Created, 0).UTC(),
	}
	if out.Metadata == nil {
		out.Metadata = map[string]string{}
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}
	if s.Items != nil {
		for _, it := range s.Items.Data {
			item := SubscriptionItem{Quantity: it.Quantity}
			if it.Price != nil {
				item.PriceID = it.Price.ID
				item.UnitAmount = it.Price.UnitAmount
				if it.Price.Product != nil {
					item.ProductID = it.Price.Product.ID
				}
			}
			out.Items = append(out.Items, item)
		}
	}
	return out
}

func invoiceFromStripe(inv *stripe.Invoice) *Invoice {
	out := &Invoice{
		ID:               inv.ID,
		Number:           inv.Number,
		Status:           string(inv.Status),
		Currency:         string(inv.Currency),
		Description:      inv.Description,
		HostedInvoiceURL: inv.HostedInvoiceURL,
		AmountPaid:       inv.AmountPaid,
		DueDate:          unixTime(inv.DueDate),
		Metadata:         inv.Metadata,
	}
	if inv.Customer != nil {
		out.CustomerID = inv.Customer.ID
	}
	if inv.Subscription != nil {
		out.SubscriptionID = inv.Subscription.ID
	}
	if inv.StatusTransitions != nil {
		out.PaidAt = unixTime(inv.StatusTransitions.PaidAt)
	}
	if inv.Lines != nil {
		for _, line := range inv.Lines.Data {
			if line.Period != nil && line.Period.End > 0 {
				end := unixTime(line.Period.End)
				if out.PeriodEnd == nil || end.After(*out.PeriodEnd) {
					out.PeriodEnd = end
				}
			}
		}
	}
	return out
}
