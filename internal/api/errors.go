package api

import (
	"errors"
	"net/http"

	"portal-billing/internal/gateway"
	"portal-billing/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// respondError maps service errors to HTTP responses. Provider and internal
// failure details are logged and never returned to the caller.
func (h *Handler) respondError(c *gin.Context, err error) {
	var (
		notPaid *service.PaymentNotCompletedError
		gwErr   *gateway.GatewayError
	)

	switch {
	case errors.Is(err, service.ErrInvalidSignature):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid signature"})
	case errors.Is(err, service.ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
	case errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrProductNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrAlreadyClaimed):
		c.JSON(http.StatusConflict, gin.H{"error": "This order is already being checked out by another user"})
	case errors.Is(err, service.ErrEventInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": "Event is already being processed"})
	case errors.As(err, &notPaid):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Payment not completed", "status": notPaid.Status})
	case errors.Is(err, service.ErrValidation), errors.Is(err, service.ErrInvalidManifest),
		errors.Is(err, service.ErrNoUserReference):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrNotConfigured):
		h.logger.Error("Stripe secret key missing", zap.String("path", c.FullPath()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Stripe is not configured"})
	case errors.As(err, &gwErr):
		h.logger.Error("Payment provider call failed",
			zap.String("path", c.FullPath()),
			zap.String("op", gwErr.Op),
			zap.String("code", gwErr.Code),
			zap.Int("status", gwErr.Status),
			zap.String("raw", gateway.Redact(gwErr.Raw)))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Payment provider error, please try again"})
	default:
		h.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}
