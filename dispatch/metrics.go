package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricNotificationsCreatedTotal = "notifications_created_total"
	MetricPushDeliveriesTotal       = "push_deliveries_total"
	MetricPushDeliveryDuration      = "push_delivery_duration_seconds"
	MetricDispatchErrorsTotal       = "dispatch_errors_total"
	MetricPrunedTokensTotal         = "push_tokens_pruned_total"
)

// Delivery outcome labels.
const (
	OutcomeSent         = "sent"
	OutcomeInvalidToken = "invalid_token"
	OutcomeFailed       = "failed"
	OutcomeNoTokens     = "no_tokens"
)

// Metrics contains Prometheus metrics for notification fan-out and push delivery.
// All operations are thread-safe.
type Metrics struct {
	created    *prometheus.CounterVec
	deliveries *prometheus.CounterVec
	duration   prometheus.Histogram
	errors     *prometheus.CounterVec
	pruned     prometheus.Counter
}

// NewMetrics creates and returns a new Metrics instance with all collectors initialized.
// The metrics are not registered; call Register to register them with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		created: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricNotificationsCreatedTotal,
				Help: "Total number of notification records created by type",
			},
			[]string{"type"},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricPushDeliveriesTotal,
				Help: "Total number of per-token push deliveries by outcome",
			},
			[]string{"outcome"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    MetricPushDeliveryDuration,
				Help:    "Histogram of per-record push delivery duration in seconds, retries included",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
			},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricDispatchErrorsTotal,
				Help: "Total number of swallowed dispatch errors by operation",
			},
			[]string{"operation"},
		),
		pruned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricPrunedTokensTotal,
				Help: "Total number of device tokens pruned after permanent rejection",
			},
		),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all Prometheus collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.created,
		m.deliveries,
		m.duration,
		m.errors,
		m.pruned,
	}
}

func (m *Metrics) incCreated(typ string)       { m.created.WithLabelValues(typ).Inc() }
func (m *Metrics) incDelivery(outcome string)  { m.deliveries.WithLabelValues(outcome).Inc() }
func (m *Metrics) observeDuration(sec float64) { m.duration.Observe(sec) }
func (m *Metrics) incError(operation string)   { m.errors.WithLabelValues(operation).Inc() }
func (m *Metrics) incPruned()                  { m.pruned.Inc() }
