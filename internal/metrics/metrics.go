package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Collector struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	InFlightGauge   prometheus.Gauge

	EntriesCreatedTotal  *prometheus.CounterVec
	AdmissionDeniedTotal *prometheus.CounterVec

	SessionsCreatedTotal   prometheus.Counter
	SessionsCommittedTotal prometheus.Counter
	SessionsExpiredSwept   prometheus.Counter

	AssignmentConvertedTotal prometheus.Counter
	AssignmentSkippedTotal   prometheus.Counter

	MassTransitionsTotal *prometheus.CounterVec
	RefundRequestsTotal  prometheus.Counter

	OutboxPublishedTotal  prometheus.Counter
	OutboxPublishFailures prometheus.Counter
}

func NewCollector(reg prometheus.Registerer, serviceName string) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, path, and status code.",
		}, []string{"method", "path", "status"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: serviceName,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency distribution.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"method", "path", "status"}),

		InFlightGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: serviceName,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),

		EntriesCreatedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "queue",
			Name:      "entries_created_total",
			Help:      "Queue entries created, by source.",
		}, []string{"source"}),

		AdmissionDeniedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "queue",
			Name:      "admission_denied_total",
			Help:      "Join attempts denied, by reason code.",
		}, []string{"reason"}),

		SessionsCreatedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "sessions",
			Name:      "created_total",
			Help:      "QR join sessions issued.",
		}),

		SessionsCommittedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "sessions",
			Name:      "committed_total",
			Help:      "QR join sessions committed into entries.",
		}),

		SessionsExpiredSwept: factory.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "sessions",
			Name:      "expired_swept_total",
			Help:      "Expired sessions removed by the GC sweep.",
		}),

		AssignmentConvertedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "assignment",
			Name:      "converted_total",
			Help:      "Appointments converted to entries by the morning batch.",
		}),

		AssignmentSkippedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "assignment",
			Name:      "skipped_total",
			Help:      "Appointments skipped by the morning batch.",
		}),

		MassTransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "bulk",
			Name:      "transitions_total",
			Help:      "Entries transitioned by force-majeure operations.",
		}, []string{"operation"}),

		RefundRequestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "bulk",
			Name:      "refund_requests_total",
			Help:      "Refund requests emitted by mass cancellation.",
		}),

		OutboxPublishedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "outbox",
			Name:      "published_total",
			Help:      "Outbox events published to the notification topic.",
		}),

		OutboxPublishFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "outbox",
			Name:      "publish_failures_total",
			Help:      "Outbox publish attempts that failed.",
		}),
	}
}
