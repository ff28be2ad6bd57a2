package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CheckoutSessionsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_sessions_created_total",
		Help: "Total number of checkout sessions created",
	}, []string{"mode"})

	CheckoutFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_failed_total",
		Help: "Total number of failed checkout requests",
	}, []string{"reason"})

	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Total number of provider webhook events received",
	}, []string{"type", "outcome"})

	PurchasesUpsertedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "purchases_upserted_total",
		Help: "Total number of purchase rows created",
	}, []string{"source"})

	InvoicesRecordedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "invoices_recorded_total",
		Help: "Total number of invoices recorded",
	})

	OffSessionChargesDeclinedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "off_session_charges_declined_total",
		Help: "Total number of setup-mode one-time charges declined by the card issuer",
	})

	PendingOrderClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pending_order_claims_total",
		Help: "Total number of pending order claim attempts",
	}, []string{"outcome"})

	ReconcileLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reconcile_session_latency_seconds",
		Help:    "Latency of checkout session reconciliation",
		Buckets: prometheus.DefBuckets,
	}, []string{"trigger"})

	GatewayCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stripe_call_latency_seconds",
		Help:    "Latency of payment provider API calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	NotificationsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifications_sent_total",
		Help: "Total number of customer notifications attempted",
	}, []string{"event", "outcome"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
