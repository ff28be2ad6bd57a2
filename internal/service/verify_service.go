package service

import (
	"context"
	"errors"
	"fmt"

	"portal-billing/internal/gateway"
	"portal-billing/internal/store"
	"portal-billing/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// VerifyService reconciles a checkout synchronously when the browser returns
// from the hosted checkout page.
type VerifyService struct {
	store      Store
	gateway    PaymentGateway
	reconciler *Reconciler
	logger     *zap.Logger
}

// NewVerifyService creates a new verify service
func NewVerifyService(st Store, gw PaymentGateway, reconciler *Reconciler) *VerifyService {
	return &VerifyService{
		store:      st,
		gateway:    gw,
		reconciler: reconciler,
		logger:     util.GetLogger(),
	}
}

// VerifyResponse reports what the verify call newly entitled
type VerifyResponse struct {
	Success          bool     `json:"success"`
	PurchasesCreated []string `json:"purchasesCreated"`
	PaymentsDeclined []string `json:"paymentsDeclined,omitempty"`
	Message          string   `json:"message"`
}

// Verify checks that sessionID belongs to userID and has been paid, then runs
// the same reconciliation as the webhook.
func (s *VerifyService) Verify(ctx context.Context, userID, sessionID string) (*VerifyResponse, error) {
	ctx, span := util.StartSpan(ctx, "VerifyService.Verify",
		attribute.String("session.id", sessionID),
		attribute.String("user.id", userID))
	defer span.End()

	if userID == "" {
		return nil, ErrUnauthenticated
	}
	if sessionID == "" {
		return nil, validationErrorf("sessionId is required")
	}

	sess, err := s.gateway.RetrieveSession(ctx, sessionID, sessionExpand...)
	if err != nil {
		var ge *GatewayError
		if errors.As(err, &ge) && ge.IsResourceMissing() {
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		return nil, err
	}

	if sess.ClientReferenceID != userID {
		s.logger.Warn("Verify attempted on foreign session",
			zap.String("session_id", sessionID),
			zap.String("user_id", userID))
		return nil, ErrForbidden
	}
	if owner := sess.Metadata[MetaUserID]; owner != "" && owner != userID {
		return nil, ErrForbidden
	}

	if !sess.IsPaid() {
		status := sess.PaymentStatus
		if status == "" {
			status = sess.Status
		}
		return nil, &PaymentNotCompletedError{Status: status}
	}

	result, err := s.reconciler.Reconcile(ctx, sess, TriggerVerify)
	if err != nil {
		return nil, err
	}
	created := result.PurchasesCreated

	if sess.Mode == gateway.ModeSetup && sess.CustomerID != "" {
		swept, err := s.sweepSubscriptions(ctx, sess, userID)
		if err != nil {
			return nil, err
		}
		created = append(created, swept...)
	}

	resp := &VerifyResponse{Success: true, PurchasesCreated: created, PaymentsDeclined: result.PaymentsDeclined}
	switch {
	case len(result.PaymentsDeclined) > 0:
		resp.Message = fmt.Sprintf("%d purchase(s) activated, %d payment(s) declined.",
			len(created), len(result.PaymentsDeclined))
	case len(created) == 0:
		resp.Message = "Your purchase is already active."
	default:
		resp.Message = fmt.Sprintf("%d purchase(s) activated.", len(created))
	}
	return resp, nil
}

// sweepSubscriptions records any active subscription of the customer that
// has no purchase yet, recovering captured details from the session manifest.
func (s *VerifyService) sweepSubscriptions(ctx context.Context, sess *gateway.Session, userID string) ([]string, error) {
	subs, err := s.gateway.ListActiveSubscriptions(ctx, sess.CustomerID)
	if err != nil {
		return nil, err
	}
	manifest, _ := DecodeManifest(sess.Metadata)

	var created []string
	for _, sub := range subs {
		_, err := s.store.GetPurchaseBySubscriptionID(ctx, sub.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}

		hint := subscriptionHint{UserID: userID, Source: string(TriggerVerify)}
		if sub.Metadata[MetaCheckoutSessionID] == sess.ID {
			hint.SessionID = sess.ID
		}
		if manifest != nil {
			hint.Details = manifest.DetailsFor(sub.Metadata[MetaProductID])
		}

		purchase, product, ok, err := s.reconciler.upsertSubscription(ctx, sub, hint)
		if err != nil {
			return nil, err
		}
		if ok && purchase != nil {
			created = append(created, product.Name)
		}
	}
	return created, nil
}
