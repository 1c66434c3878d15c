package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

var _ reconcile.Metrics = (*Metrics)(nil)

// Metrics implements reconcile.Metrics using Prometheus.
type Metrics struct {
	runsTotal            *prometheus.CounterVec
	runDuration          *prometheus.HistogramVec
	eventsTotal          *prometheus.CounterVec
	eventDuration        *prometheus.HistogramVec
	exhaustedEvents      prometheus.Gauge
	providerCallsTotal   *prometheus.CounterVec
	providerCallDuration *prometheus.HistogramVec
	backfillActionsTotal *prometheus.CounterVec
	backfillApplyTotal   *prometheus.CounterVec
	alertsTotal          *prometheus.CounterVec
}

// NewMetrics creates Prometheus metrics for the reconciliation jobs and
// registers them with reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "runs_total",
			Help:      "Total number of reconciliation job runs.",
		}, []string{"job", "status"}),

		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "run_duration_seconds",
			Help:      "Duration of reconciliation job runs in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		}, []string{"job"}),

		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "retry_events_total",
			Help:      "Total number of retried webhook events by outcome.",
		}, []string{"event_type", "outcome"}),

		eventDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "retry_event_duration_seconds",
			Help:      "Duration of retried webhook event processing in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),

		exhaustedEvents: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "exhausted_events",
			Help:      "Number of failed webhook events that reached the retry limit.",
		}),

		providerCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "provider_calls_total",
			Help:      "Total number of payment provider API calls.",
		}, []string{"endpoint", "status"}),

		providerCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "provider_call_duration_seconds",
			Help:      "Duration of payment provider API calls in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),

		backfillActionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "backfill_actions_total",
			Help:      "Total number of invariant violations found by the backfill auditor.",
		}, []string{"reason"}),

		backfillApplyTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "backfill_apply_total",
			Help:      "Total number of backfill corrections by apply status.",
		}, []string{"status"}),

		alertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "alerts_total",
			Help:      "Total number of alert deliveries.",
		}, []string{"status"}),
	}
}

func (m *Metrics) RecordRun(job, status string) {
	m.runsTotal.WithLabelValues(job, status).Inc()
}

func (m *Metrics) RecordRunDuration(job string, duration time.Duration) {
	m.runDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func (m *Metrics) RecordEvent(eventType, outcome string) {
	if eventType == "" {
		eventType = "unknown"
	}
	m.eventsTotal.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) RecordEventDuration(eventType string, duration time.Duration) {
	if eventType == "" {
		eventType = "unknown"
	}
	m.eventDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordExhaustedEvents(count int) {
	m.exhaustedEvents.Set(float64(count))
}

func (m *Metrics) RecordProviderCall(endpoint, status string) {
	m.providerCallsTotal.WithLabelValues(endpoint, status).Inc()
}

func (m *Metrics) RecordProviderCallDuration(endpoint string, duration time.Duration) {
	m.providerCallDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

func (m *Metrics) RecordBackfillAction(reason string) {
	m.backfillActionsTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordBackfillApply(status string) {
	m.backfillApplyTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordAlert(status string) {
	m.alertsTotal.WithLabelValues(status).Inc()
}
