package server

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tcRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustcore_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	tcRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "trustcore_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	tcAuditAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustcore_audit_appends_total",
		Help: "Total audit events appended by scope.",
	}, []string{"scope"})

	tcVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustcore_chain_verifications_total",
		Help: "Total chain verification runs by result.",
	}, []string{"result"})

	tcProposalTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustcore_proposal_transitions_total",
		Help: "Total proposal transitions by resulting status.",
	}, []string{"status"})

	tcSigningFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trustcore_signing_failures_total",
		Help: "Total append attempts aborted by signing backend failure.",
	})

	tcWebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustcore_webhook_deliveries_total",
		Help: "Total webhook delivery attempts by outcome.",
	}, []string{"outcome"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		tcRequestsTotal.WithLabelValues(method, path, status).Inc()
		tcRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordAuditAppend records a successful audit append.
func RecordAuditAppend(scope string) {
	tcAuditAppendsTotal.WithLabelValues(scope).Inc()
}

// RecordVerification records a chain verification run.
func RecordVerification(valid bool) {
	if valid {
		tcVerificationsTotal.WithLabelValues("valid").Inc()
	} else {
		tcVerificationsTotal.WithLabelValues("invalid").Inc()
	}
}

// RecordProposalTransition records a proposal landing in status.
func RecordProposalTransition(status string) {
	tcProposalTransitionsTotal.WithLabelValues(status).Inc()
}

// RecordSigningFailure records an append aborted by the signing backend.
func RecordSigningFailure() {
	tcSigningFailuresTotal.Inc()
}

// RecordWebhookDelivery records a webhook delivery attempt.
func RecordWebhookDelivery(success bool) {
	if success {
		tcWebhookDeliveriesTotal.WithLabelValues("success").Inc()
	} else {
		tcWebhookDeliveriesTotal.WithLabelValues("failure").Inc()
	}
}
