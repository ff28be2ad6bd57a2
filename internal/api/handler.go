package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"portal-billing/internal/auth"
	"portal-billing/internal/models"
	"portal-billing/internal/service"
	"portal-billing/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

// CheckoutCreator starts hosted checkouts
type CheckoutCreator interface {
	CreateCheckout(ctx context.Context, req *service.CheckoutRequest) (*service.CheckoutResponse, error)
}

// CheckoutVerifier confirms a returned checkout
type CheckoutVerifier interface {
	Verify(ctx context.Context, userID, sessionID string) (*service.VerifyResponse, error)
}

// WebhookProcessor applies signed provider events
type WebhookProcessor interface {
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
}

// PendingOrders lists and releases operator-prepared carts
type PendingOrders interface {
	ListClaimable(ctx context.Context, userID string) ([]models.PendingOrder, error)
	ReleaseOwned(ctx context.Context, orderID, userID string) error
}

// CredentialAdmin rotates the provider secret key
type CredentialAdmin interface {
	SetSecretKey(ctx context.Context, key, updatedBy string) error
}

// ProductSyncer pushes catalog products to the provider
type ProductSyncer interface {
	SyncProducts(ctx context.Context) (*service.SyncResult, error)
}

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services groups the handler's dependencies
type Services struct {
	Checkout    CheckoutCreator
	Verify      CheckoutVerifier
	Webhook     WebhookProcessor
	Pending     PendingOrders
	Credentials CredentialAdmin
	ProductSync ProductSyncer
	Readiness   map[string]Pinger
}

// Handler contains HTTP handlers
type Handler struct {
	svc      Services
	verifier *auth.Verifier
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(svc Services, verifier *auth.Verifier) *Handler {
	return &Handler{
		svc:      svc,
		verifier: verifier,
		logger:   util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/stripe-webhook", h.stripeWebhook)

	authed := router.Group("/", auth.Middleware(h.verifier))
	{
		authed.POST("/create-checkout", h.createCheckout)
		authed.POST("/create-multi-checkout", h.createMultiCheckout)
		authed.POST("/verify-checkout", h.verifyCheckout)
		authed.GET("/pending-orders", h.listPendingOrders)
		authed.POST("/pending-orders/:id/release", h.releasePendingOrder)
	}

	admin := authed.Group("/admin")
	{
		admin.PUT("/settings/stripe-key", auth.RequireRole(models.RoleSuperAdmin), h.setStripeKey)
		admin.POST("/sync-products", auth.RequireRole(models.RoleAdmin), h.syncProducts)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings the database and cache
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	ready := true
	for name, p := range h.svc.Readiness {
		if err := p.Ping(ctx); err != nil {
			h.logger.Warn("Readiness check failed", zap.String("dependency", name), zap.Error(err))
			checks[name] = "down"
			ready = false
			continue
		}
		checks[name] = "up"
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not ready", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

// stripeWebhook verifies and applies a provider event. The body must be read
// raw because the signature covers the exact bytes.
func (h *Handler) stripeWebhook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody)
	payload, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unable to read request body"})
		return
	}

	err = h.svc.Webhook.HandleWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

type createCheckoutRequest struct {
	ProductID          string                  `json:"productId"`
	Quantity           int                     `json:"quantity"`
	SuccessURL         string                  `json:"successUrl"`
	CancelURL          string                  `json:"cancelUrl"`
	CustomerDetails    *models.CustomerDetails `json:"customerDetails"`
	PendingOrderID     string                  `json:"pendingOrderId"`
	PendingOrderItemID string                  `json:"pendingOrderItemId"`
}

type createMultiCheckoutRequest struct {
	Items          []service.CartItem `json:"items"`
	SuccessURL     string             `json:"successUrl"`
	CancelURL      string             `json:"cancelUrl"`
	PendingOrderID string             `json:"pendingOrderId"`
}

// createCheckout starts a checkout for a single product
func (h *Handler) createCheckout(c *gin.Context) {
	claims := h.claims(c)
	if claims == nil {
		return
	}

	var req createCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	if req.ProductID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "productId is required"})
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}

	resp, err := h.svc.Checkout.CreateCheckout(c.Request.Context(), &service.CheckoutRequest{
		UserID: claims.UserID,
		Email:  claims.Email,
		Items: []service.CartItem{{
			ProductID:       req.ProductID,
			Quantity:        req.Quantity,
			CustomerDetails: req.CustomerDetails,
		}},
		SuccessURL:         req.SuccessURL,
		CancelURL:          req.CancelURL,
		PendingOrderID:     req.PendingOrderID,
		PendingOrderItemID: req.PendingOrderItemID,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": resp.URL, "sessionId": resp.SessionID})
}

// createMultiCheckout starts a checkout for a whole cart
func (h *Handler) createMultiCheckout(c *gin.Context) {
	claims := h.claims(c)
	if claims == nil {
		return
	}

	var req createMultiCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	if len(req.Items) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "items are required"})
		return
	}
	for i := range req.Items {
		if req.Items[i].Quantity == 0 {
			req.Items[i].Quantity = 1
		}
	}

	resp, err := h.svc.Checkout.CreateCheckout(c.Request.Context(), &service.CheckoutRequest{
		UserID:         claims.UserID,
		Email:          claims.Email,
		Items:          req.Items,
		SuccessURL:     req.SuccessURL,
		CancelURL:      req.CancelURL,
		PendingOrderID: req.PendingOrderID,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": resp.URL, "sessionId": resp.SessionID})
}

// verifyCheckout reconciles a checkout the caller just returned from
func (h *Handler) verifyCheckout(c *gin.Context) {
	claims := h.claims(c)
	if claims == nil {
		return
	}

	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	if req.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId is required"})
		return
	}

	resp, err := h.svc.Verify.Verify(c.Request.Context(), claims.UserID, req.SessionID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) listPendingOrders(c *gin.Context) {
	claims := h.claims(c)
	if claims == nil {
		return
	}

	orders, err := h.svc.Pending.ListClaimable(c.Request.Context(), claims.UserID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if orders == nil {
		orders = []models.PendingOrder{}
	}
	c.JSON(http.StatusOK, gin.H{"pendingOrders": orders})
}

func (h *Handler) releasePendingOrder(c *gin.Context) {
	claims := h.claims(c)
	if claims == nil {
		return
	}

	if err := h.svc.Pending.ReleaseOwned(c.Request.Context(), c.Param("id"), claims.UserID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": true})
}

// setStripeKey stores a new provider secret key
func (h *Handler) setStripeKey(c *gin.Context) {
	claims := h.claims(c)
	if claims == nil {
		return
	}

	var req struct {
		SecretKey string `json:"secretKey"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	if err := h.svc.Credentials.SetSecretKey(c.Request.Context(), req.SecretKey, claims.UserID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

func (h *Handler) syncProducts(c *gin.Context) {
	result, err := h.svc.ProductSync.SyncProducts(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) claims(c *gin.Context) *auth.Claims {
	claims, ok := auth.ClaimsFromContext(c.Request.Context())
	if !ok {
		h.respondError(c, service.ErrUnauthenticated)
		return nil
	}
	return claims
}

func (h *Handler) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Invalid request body",
		"details": err.Error(),
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(c.Request.Method, path, status).
			Observe(time.Since(start).Seconds())
		util.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
	}
}
