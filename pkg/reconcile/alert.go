package reconcile

import "context"

// Alert is the batch-level notification sent after a retry run with failures.
type Alert struct {
	Title     string   `json:"title"`
	Failures  []string `json:"failures"`
	Count     int      `json:"count"`
	Exhausted int      `json:"exhausted,omitempty"`
}

// AlertSink delivers alerts to operators.
type AlertSink interface {
	Send(ctx context.Context, alert Alert) error
}
