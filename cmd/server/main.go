package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"portal-billing/config"
	"portal-billing/internal/api"
	"portal-billing/internal/auth"
	"portal-billing/internal/broker"
	"portal-billing/internal/gateway"
	"portal-billing/internal/notify"
	"portal-billing/internal/redisclient"
	"portal-billing/internal/service"
	"portal-billing/internal/store"
	"portal-billing/internal/util"
	"portal-billing/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env, cfg.Log.Level); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting billing service")

	if cfg.Stripe.WebhookSecret == "" {
		logger.Warn("STRIPE_WEBHOOK_SECRET is empty, all webhook deliveries will be rejected")
	}
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("AUTH_JWT_SECRET is empty, all authenticated requests will be rejected")
	}

	tp, err := util.InitTracer("portal-billing", cfg.Server.Env, cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected")

	if cfg.Database.Migrate {
		if err := db.Migrate(context.Background()); err != nil {
			logger.Fatal("Failed to migrate database", zap.Error(err))
		}
	}

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicBilling)
	defer producer.Close()
	eventPublisher := broker.NewEventPublisher(producer)

	credentials := service.NewCredentialProvider(db, cfg.Billing.CredentialCacheTTL)
	stripeGateway := gateway.NewStripeGateway(credentials)

	pendingOrders := service.NewPendingOrderService(db)
	productSync := service.NewProductSyncService(db, stripeGateway, cfg.Stripe.Currency)
	reconciler := service.NewReconciler(db, stripeGateway, productSync, pendingOrders,
		redisClient, eventPublisher, cfg.Stripe.Currency, cfg.Billing.ReconcileLockTTL)
	checkoutService := service.NewCheckoutService(db, db, pendingOrders, stripeGateway,
		cfg.Stripe.Currency, cfg.Billing.PortalBaseURL)
	webhookService := service.NewWebhookService(db, stripeGateway, reconciler, redisClient,
		eventPublisher, cfg.Stripe.WebhookSecret, cfg.Billing.EventDedupTTL)
	verifyService := service.NewVerifyService(db, stripeGateway, reconciler)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	sms := notify.NewSMSSender(cfg.SMS.Endpoint, cfg.SMS.APIKey, cfg.SMS.Sender)
	if !sms.Enabled() {
		logger.Info("SMS endpoint not configured, notifications will only be logged")
	}
	consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicBilling, cfg.Kafka.ConsumerGroup)
	notificationWorker := worker.NewNotificationWorker(consumer, db, sms)
	go func() {
		if err := notificationWorker.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Notification worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(api.Services{
		Checkout:    checkoutService,
		Verify:      verifyService,
		Webhook:     webhookService,
		Pending:     pendingOrders,
		Credentials: credentials,
		ProductSync: productSync,
		Readiness: map[string]api.Pinger{
			"database": db,
			"redis":    redisClient,
		},
	}, auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer))
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := notificationWorker.Stop(); err != nil {
		logger.Warn("Failed to close consumer", zap.Error(err))
	}

	logger.Info("Server exited")
}
