package reconcile

import "time"

// Metrics defines the interface for tracking reconciliation job operations.
// All methods are optional - jobs fall back to NoopMetrics when nil.
type Metrics interface {
	// RecordRun records a finished job run.
	// job: "retry" or "backfill"; status: "success", "error" or "skipped"
	RecordRun(job, status string)

	// RecordRunDuration records how long a job run took.
	RecordRunDuration(job string, duration time.Duration)

	// RecordEvent records the outcome of one retried provider event.
	// outcome: "processed", "skipped", "ignored" or "failed"
	RecordEvent(eventType, outcome string)

	// RecordEventDuration records how long one retried event took to process.
	RecordEventDuration(eventType string, duration time.Duration)

	// RecordExhaustedEvents records the current number of events that ran out of attempts.
	RecordExhaustedEvents(count int)

	// RecordProviderCall records a call to the payment provider.
	// endpoint: e.g. "/v1/events"; status: "success" or "error"
	RecordProviderCall(endpoint, status string)

	// RecordProviderCallDuration records how long a provider call took.
	RecordProviderCallDuration(endpoint string, duration time.Duration)

	// RecordBackfillAction records a corrective action found by the auditor, once per reason tag.
	RecordBackfillAction(reason string)

	// RecordBackfillApply records an applied correction.
	// status: "applied", "failed" or "not_attempted"
	RecordBackfillApply(status string)

	// RecordAlert records an alert delivery attempt.
	// status: "sent" or "error"
	RecordAlert(status string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordRun(_, _ string)                                {}
func (n *NoopMetrics) RecordRunDuration(_ string, _ time.Duration)          {}
func (n *NoopMetrics) RecordEvent(_, _ string)                              {}
func (n *NoopMetrics) RecordEventDuration(_ string, _ time.Duration)        {}
func (n *NoopMetrics) RecordExhaustedEvents(_ int)                          {}
func (n *NoopMetrics) RecordProviderCall(_, _ string)                       {}
func (n *NoopMetrics) RecordProviderCallDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordBackfillAction(_ string)                        {}
func (n *NoopMetrics) RecordBackfillApply(_ string)                         {}
func (n *NoopMetrics) RecordAlert(_ string)                                 {}
