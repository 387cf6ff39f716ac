// Package observability exposes Prometheus metrics for the conversation
// engine and its collaborators.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	conversationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotebot_conversations_total",
			Help: "Conversation lifecycle events",
		},
		[]string{"event"}, // started, completed, delivered, failed, deleted
	)

	exchangeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quotebot_exchange_duration_seconds",
			Help:    "Upstream AI exchange duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	deliveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotebot_delivery_attempts_total",
			Help: "Callback delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	deliveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quotebot_delivery_duration_seconds",
			Help:    "Callback request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotebot_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quotebot_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	initOnce sync.Once
)

// InitMetrics registers all metrics with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			conversationsTotal,
			exchangeDuration,
			deliveryAttemptsTotal,
			deliveryDuration,
			httpRequestsTotal,
			httpRequestDuration,
		)
	})
}

// MetricsHandler returns the HTTP handler for the metrics endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordConversationEvent counts a lifecycle event.
func RecordConversationEvent(event string) {
	conversationsTotal.WithLabelValues(event).Inc()
}

// RecordExchange records one upstream AI round trip.
func RecordExchange(duration time.Duration) {
	exchangeDuration.Observe(duration.Seconds())
}

// RecordDeliveryAttempt records one callback attempt.
func RecordDeliveryAttempt(outcome string, duration time.Duration) {
	deliveryAttemptsTotal.WithLabelValues(outcome).Inc()
	deliveryDuration.Observe(duration.Seconds())
}

// RecordHTTPRequest records HTTP request metrics.
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
