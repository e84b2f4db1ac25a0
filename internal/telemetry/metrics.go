// Package telemetry holds the Prometheus collectors and OpenTelemetry setup
// shared by the device and server sides.
package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Device metrics
	eventsRecordedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playsync_events_recorded_total",
			Help: "Total number of events durably recorded on the device",
		},
		[]string{"type"},
	)

	batchesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playsync_batches_sent_total",
			Help: "Total number of batch send attempts by outcome",
		},
		[]string{"outcome"},
	)

	batchSendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "playsync_batch_send_duration_seconds",
			Help:    "Batch send duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	pendingEvents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "playsync_pending_events",
			Help: "Number of unacknowledged events held on the device",
		},
	)

	breakerOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "playsync_breaker_open",
			Help: "1 while the connectivity breaker is open",
		},
	)

	// Server metrics
	batchesAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playsync_batches_applied_total",
			Help: "Total number of batches handled by the reconciliation service",
		},
		[]string{"result"},
	)

	applyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "playsync_apply_duration_seconds",
			Help:    "Batch apply duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	gapsDetectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "playsync_gaps_detected_total",
			Help: "Total number of batches applied with a sequence gap",
		},
	)

	sessionsAbandonedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "playsync_sessions_abandoned_total",
			Help: "Total number of sessions marked abandoned",
		},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playsync_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "playsync_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	analyticsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "playsync_analytics_published_total",
			Help: "Total number of analytics publications by sink and status",
		},
		[]string{"sink", "status"},
	)

	initOnce sync.Once
)

// InitMetrics registers the collectors with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			eventsRecordedTotal,
			batchesSentTotal,
			batchSendDuration,
			pendingEvents,
			breakerOpen,
			batchesAppliedTotal,
			applyDuration,
			gapsDetectedTotal,
			sessionsAbandonedTotal,
			httpRequestsTotal,
			httpRequestDuration,
			analyticsPublishedTotal,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordEvent counts a durably recorded event.
func RecordEvent(eventType string) {
	eventsRecordedTotal.WithLabelValues(eventType).Inc()
}

// RecordBatchSend records one send attempt.
func RecordBatchSend(outcome string, duration time.Duration) {
	batchesSentTotal.WithLabelValues(outcome).Inc()
	batchSendDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// SetPendingEvents sets the unacknowledged events gauge
func SetPendingEvents(n int) {
	pendingEvents.Set(float64(n))
}

// SetBreakerOpen sets the breaker gauge
func SetBreakerOpen(open bool) {
	if open {
		breakerOpen.Set(1)
		return
	}
	breakerOpen.Set(0)
}

// RecordApply records one reconciliation result.
func RecordApply(result string, duration time.Duration) {
	batchesAppliedTotal.WithLabelValues(result).Inc()
	applyDuration.Observe(duration.Seconds())
}

// RecordGap counts a batch applied across a sequence gap.
func RecordGap() {
	gapsDetectedTotal.Inc()
}

// RecordAbandoned counts sessions marked abandoned.
func RecordAbandoned(n int) {
	sessionsAbandonedTotal.Add(float64(n))
}

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, route, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordAnalytics records one analytics publication.
func RecordAnalytics(sink, status string) {
	analyticsPublishedTotal.WithLabelValues(sink, status).Inc()
}
