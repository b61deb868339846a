package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTPMetrics contains HTTP-related Prometheus metrics.
type HTTPMetrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// ReservationMetrics contains the business metrics of the reservation
// pipeline. Every counter that matters to the no-oversell guarantee lives
// here so one scrape answers "is the sale healthy".
type ReservationMetrics struct {
	ReservationsCreated   prometheus.Counter
	ReservationsConfirmed prometheus.Counter
	ReservationsExpired   prometheus.Counter
	ReservationsCancelled prometheus.Counter
	RejectionsTotal       *prometheus.CounterVec
	ParseErrors           prometheus.Counter
	BatchSize             prometheus.Histogram
	BatchDuration         prometheus.Histogram
	PoisonBatches         prometheus.Counter
	OversellAlarms        prometheus.Counter
	CacheHits             prometheus.Counter
	CacheMisses           prometheus.Counter
	EventPublishFailures  prometheus.Counter
}

// NewHTTPMetrics creates HTTP metrics for a service.
func NewHTTPMetrics(serviceName string) *HTTPMetrics {
	return &HTTPMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    serviceName + "_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// NewReservationMetrics creates the business metrics for a service.
func NewReservationMetrics(serviceName string) *ReservationMetrics {
	return &ReservationMetrics{
		ReservationsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_reservations_created_total",
			Help: "Total number of reservations created",
		}),
		ReservationsConfirmed: promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_reservations_confirmed_total",
			Help: "Total number of reservations confirmed",
		}),
		ReservationsExpired: promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_reservations_expired_total",
			Help: "Total number of reservations expired by the reconciler",
		}),
		ReservationsCancelled: promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_reservations_cancelled_total",
			Help: "Total number of reservations cancelled by users",
		}),
		RejectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: serviceName + "_rejections_total",
				Help: "Total number of rejected reservation requests by reason",
			},
			[]string{"reason"},
		),
		ParseErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_parse_errors_total",
			Help: "Total number of malformed bus payloads discarded",
		}),
		BatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    serviceName + "_batch_size",
			Help:    "Number of messages per consumed batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		}),
		BatchDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    serviceName + "_batch_duration_seconds",
			Help:    "Batch processing duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		PoisonBatches: promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_poison_batches_total",
			Help: "Total number of batches parked on the dead-letter topic",
		}),
		OversellAlarms: promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_oversell_alarms_total",
			Help: "Critical: observed reserved+sold > total on an inventory row",
		}),
		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_cache_hits_total",
			Help: "Total number of coordination cache hits",
		}),
		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_cache_misses_total",
			Help: "Total number of coordination cache misses",
		}),
		EventPublishFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: serviceName + "_event_publish_failures_total",
			Help: "Total number of best-effort event publishes that failed",
		}),
	}
}

// RecordHTTPRequest records an HTTP request metric.
func (m *HTTPMetrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRejection records a rejected request by reason.
func (m *ReservationMetrics) RecordRejection(reason string) {
	m.RejectionsTotal.WithLabelValues(reason).Inc()
}
