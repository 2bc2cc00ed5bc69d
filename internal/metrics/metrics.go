// Package metrics holds the Prometheus instruments. Components receive the
// Metrics value and record through it; registration happens once at wiring
// time against the registry main passes in.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

// Metrics holds every instrument the service exports.
type Metrics struct {
	// HTTP surface
	HTTPRequestDuration *prometheus.HistogramVec

	// Ingestion
	WebhooksReceived *prometheus.CounterVec
	EventsNormalized *prometheus.CounterVec

	// Detection
	IssuesOpened *prometheus.CounterVec

	// Queue substrate
	JobsProcessed *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
	QueueDepth    *prometheus.GaugeVec

	// Outbound
	AlertDeliveries *prometheus.CounterVec
	BreakerState    *prometheus.GaugeVec
}

// New creates and registers every instrument on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "revback_http_request_duration_seconds",
				Help:    "HTTP request latency by route and status class",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method", "status"},
		),
		WebhooksReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "revback_webhooks_received_total",
				Help: "Inbound provider webhooks by source and outcome",
			},
			[]string{"source", "outcome"}, // outcome: accepted, rejected, not_found, too_large
		),
		EventsNormalized: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "revback_events_normalized_total",
				Help: "Canonical events written by source and event type",
			},
			[]string{"source", "event_type"},
		),
		IssuesOpened: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "revback_issues_opened_total",
				Help: "Issues opened by detector and severity",
			},
			[]string{"detector", "severity"},
		),
		JobsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "revback_queue_jobs_total",
				Help: "Queue jobs finished by queue and outcome",
			},
			[]string{"queue", "outcome"}, // outcome: completed, retried, exhausted
		),
		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "revback_queue_job_duration_seconds",
				Help:    "Job handler runtime by queue",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"queue"},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "revback_queue_depth",
				Help: "Jobs per queue and state, sampled by the stats loop",
			},
			[]string{"queue", "state"}, // state: pending, delayed, active, dlq
		),
		AlertDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "revback_alert_deliveries_total",
				Help: "Alert delivery attempts by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "revback_breaker_state",
				Help: "Circuit breaker state per target (0 closed, 1 half-open, 2 open)",
			},
			[]string{"target"},
		),
	}
}

// ObserveBreaker is the breaker registry's OnStateChange hook.
func (m *Metrics) ObserveBreaker(target string, from, to gobreaker.State) {
	m.BreakerState.WithLabelValues(target).Set(breakerStateValue(to))
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}
