package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

const (
	// DefaultRetryBatchSize is the number of failed events selected per run.
	DefaultRetryBatchSize = 20

	// DefaultMaxAttempts is the number of attempts after which an event is no longer retried.
	DefaultMaxAttempts = 5

	retryAlertTitle = "Stripe webhook retry failures"
)

// Event outcomes reported per retried event.
const (
	OutcomeProcessed = "processed"
	OutcomeSkipped   = "skipped"
	OutcomeIgnored   = "ignored"
	OutcomeFailed    = "failed"
)

// RetryConfig configures a RetryScheduler.
type RetryConfig struct {
	// Store holds the event queue and the billing table (required)
	Store Store

	// Provider re-fetches events and customers (required)
	Provider Provider

	// Prices maps provider price ids to plans
	Prices PriceConfig

	// MaxAttempts caps retries per event (default: 5)
	MaxAttempts int

	// BatchSize is the number of events selected per run (default: 20)
	BatchSize int

	// TrialDays is the trial length written for a trialing subscription
	// that carries no trial end (default: 14)
	TrialDays int

	// AlertSink receives one alert per run with failures. Optional.
	AlertSink AlertSink

	// Logger is optional; defaults to NoopLogger
	Logger Logger

	// Metrics is optional; defaults to NoopMetrics
	Metrics Metrics

	// Now overrides the clock (default: time.Now in UTC)
	Now func() time.Time
}

// Validate checks that the configuration is usable.
func (c *RetryConfig) Validate() error {
	if c.Store == nil {
		return ErrStoreNotConfigured
	}
	if c.Provider == nil {
		return ErrProviderNotConfigured
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("max attempts must be positive, got %d", c.MaxAttempts)
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.TrialDays < 0 {
		return fmt.Errorf("trial days must not be negative, got %d", c.TrialDays)
	}
	return nil
}

// RetryReport summarizes one retry run.
type RetryReport struct {
	RunID       string        `json:"run_id"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration_ns"`
	MaxAttempts int           `json:"max_attempts"`
	BatchSize   int           `json:"batch_size"`
	Selected    int           `json:"selected"`
	Processed   int           `json:"processed"`
	Skipped     int           `json:"skipped"`
	Ignored     int           `json:"ignored"`
	Failed      int           `json:"failed"`
	Failures    []string      `json:"failures"`
	Exhausted   int           `json:"exhausted"`
	AlertSent   bool          `json:"alert_sent"`
	Interrupted bool          `json:"interrupted,omitempty"`
}

// RetryScheduler reprocesses provider events that previously failed.
// A run is sequential: events are handled one at a time in the order the
// queue returns them.
type RetryScheduler struct {
	queue       EventQueue
	provider    Provider
	writer      *Writer
	plans       *PlanResolver
	tenants     *TenantResolver
	alerts      AlertSink
	maxAttempts int
	batchSize   int
	trialDays   int
	logger      Logger
	metrics     Metrics
	now         func() time.Time
}

// NewRetryScheduler creates a RetryScheduler.
func NewRetryScheduler(config RetryConfig) (*RetryScheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry config: %w", err)
	}

	maxAttempts := config.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxAttempts
	}
	batchSize := config.BatchSize
	if batchSize == 0 {
		batchSize = DefaultRetryBatchSize
	}
	trialDays := config.TrialDays
	if trialDays == 0 {
		trialDays = DefaultTrialDays
	}
	logger := config.Logger
	if logger == nil {
		logger = &NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	now := config.Now
	if now == nil {
		now = utcNow
	}

	return &RetryScheduler{
		queue:       config.Store,
		provider:    config.Provider,
		writer:      NewWriter(config.Store, now),
		plans:       NewPlanResolver(config.Prices),
		tenants:     NewTenantResolver(config.Provider, logger, metrics),
		alerts:      config.AlertSink,
		maxAttempts: maxAttempts,
		batchSize:   batchSize,
		trialDays:   trialDays,
		logger:      logger,
		metrics:     metrics,
		now:         now,
	}, nil
}

// Run selects one batch of failed events and reprocesses each of them.
// Per-event failures are recorded on the queue row and never abort the
// batch. An error is returned only if the batch cannot be selected.
func (s *RetryScheduler) Run(ctx context.Context) (*RetryReport, error) {
	startTime := time.Now()
	report := &RetryReport{
		RunID:       uuid.NewString(),
		StartedAt:   s.now(),
		MaxAttempts: s.maxAttempts,
		BatchSize:   s.batchSize,
		Failures:    []string{},
	}

	rows, err := s.queue.ListRetryable(ctx, s.maxAttempts, s.batchSize)
	if err != nil {
		s.metrics.RecordRun("retry", "error")
		s.metrics.RecordRunDuration("retry", time.Since(startTime))
		return nil, fmt.Errorf("failed to select retryable events: %w", err)
	}
	report.Selected = len(rows)
	s.logger.Info("retry run started",
		F("run_id", report.RunID), F("selected", len(rows)), F("max_attempts", s.maxAttempts))

	for i := range rows {
		if ctx.Err() != nil {
			report.Interrupted = true
			s.logger.Warn("retry run interrupted",
				F("run_id", report.RunID), F("remaining", len(rows)-i), F("error", ctx.Err().Error()))
			break
		}
		s.retryOne(ctx, &rows[i], report)
	}

	exhausted, err := s.queue.CountExhausted(ctx, s.maxAttempts)
	if err != nil {
		s.logger.Warn("failed to count exhausted events", F("run_id", report.RunID), F("error", err.Error()))
	} else {
		report.Exhausted = exhausted
		s.metrics.RecordExhaustedEvents(exhausted)
	}

	report.Failures = lo.Uniq(report.Failures)
	if len(report.Failures) > 0 && s.alerts != nil {
		report.AlertSent = s.sendAlert(ctx, report)
	}

	report.Duration = time.Since(startTime)
	s.metrics.RecordRun("retry", "success")
	s.metrics.RecordRunDuration("retry", report.Duration)
	s.logger.Info("retry run finished",
		F("run_id", report.RunID),
		F("processed", report.Processed),
		F("skipped", report.Skipped),
		F("ignored", report.Ignored),
		F("failed", report.Failed),
		F("exhausted", report.Exhausted))
	return report, nil
}

// retryOne processes a single queued event and records the outcome.
func (s *RetryScheduler) retryOne(ctx context.Context, row *WebhookEventRecord, report *RetryReport) {
	eventStart := time.Now()
	eventType := row.EventType

	outcome, fetchedType, procErr := s.processEvent(ctx, row.EventID)
	if fetchedType != "" {
		eventType = fetchedType
	}
	defer func() {
		s.metrics.RecordEventDuration(eventType, time.Since(eventStart))
	}()

	if procErr != nil {
		report.Failed++
		report.Failures = append(report.Failures, row.EventID)
		s.metrics.RecordEvent(eventType, OutcomeFailed)
		s.logger.Warn("event retry failed",
			F("run_id", report.RunID),
			F("event_id", row.EventID),
			F("event_type", eventType),
			F("attempt", row.Attempts+1),
			F("error", procErr.Error()))
		if err := s.queue.MarkFailed(ctx, row.EventID, procErr.Error(), s.now()); err != nil {
			s.logger.Error("failed to record event failure",
				F("event_id", row.EventID), F("error", err.Error()))
		}
		return
	}

	if err := s.queue.MarkProcessed(ctx, row.EventID, s.now()); err != nil {
		report.Failed++
		report.Failures = append(report.Failures, row.EventID)
		s.metrics.RecordEvent(eventType, OutcomeFailed)
		s.logger.Error("failed to mark event processed",
			F("event_id", row.EventID), F("error", err.Error()))
		// Still count the attempt so the row moves toward the cap
		lastError := fmt.Sprintf("failed to mark event processed: %v", err)
		if err := s.queue.MarkFailed(ctx, row.EventID, lastError, s.now()); err != nil {
			s.logger.Error("failed to record event failure",
				F("event_id", row.EventID), F("error", err.Error()))
		}
		return
	}

	switch outcome {
	case OutcomeSkipped:
		report.Skipped++
	case OutcomeIgnored:
		report.Ignored++
	default:
		report.Processed++
	}
	s.metrics.RecordEvent(eventType, outcome)
	s.logger.Debug("event retried",
		F("event_id", row.EventID), F("event_type", eventType), F("outcome", outcome))
}

// processEvent re-fetches the event from the provider and dispatches it.
// The locally queued payload is never used.
func (s *RetryScheduler) processEvent(ctx context.Context, eventID string) (outcome, eventType string, err error) {
	fetchStart := time.Now()
	ev, err := s.provider.RetrieveEvent(ctx, eventID)
	s.metrics.RecordProviderCallDuration("/v1/events", time.Since(fetchStart))
	if err != nil {
		s.metrics.RecordProviderCall("/v1/events", "error")
		return OutcomeFailed, "", fmt.Errorf("failed to fetch event %s: %w", eventID, err)
	}
	s.metrics.RecordProviderCall("/v1/events", "success")
	if ev == nil {
		return OutcomeFailed, "", fmt.Errorf("provider returned no event for %s", eventID)
	}

	switch e := ev.(type) {
	case *SubscriptionEvent:
		outcome, err = s.handleSubscription(ctx, e)
	case *InvoiceEvent:
		outcome, err = s.handleInvoice(ctx, e)
	case *IgnoredEvent:
		outcome = OutcomeIgnored
	default:
		err = fmt.Errorf("unsupported provider event %T", ev)
	}
	return outcome, ev.EventType(), err
}

// handleSubscription reconciles a subscription created/updated/deleted event.
func (s *RetryScheduler) handleSubscription(ctx context.Context, ev *SubscriptionEvent) (string, error) {
	tenantID, ok := s.tenants.Resolve(ctx, ev)
	if !ok {
		s.logger.Warn("tenant unresolved, skipping event",
			F("event_id", ev.ID), F("event_type", ev.Type), F("subscription_id", ev.Subscription.ID))
		return OutcomeSkipped, nil
	}

	sub := ev.Subscription
	now := s.now()
	status := MapStatus(sub.Status, sub.TrialEnd, now)
	plan := ApplyTrialOverride(s.plans.Resolve(sub.PriceIDs), status)

	// A trialing row always carries a trial end
	trialEnd := sub.TrialEnd
	if status == StatusTrialing && trialEnd == nil {
		synthesized := now.Add(time.Duration(s.trialDays) * 24 * time.Hour)
		trialEnd = &synthesized
	}

	update := BillingUpdate{
		Plan:                 Some(plan),
		BillingStatus:        Some(status),
		TrialEndsAt:          Some(trialEnd),
		CurrentPeriodEnd:     Some(sub.CurrentPeriodEnd),
		StripeSubscriptionID: Some(sub.ID),
	}
	if sub.CustomerID != "" {
		update.StripeCustomerID = Some(sub.CustomerID)
	}

	if err := s.writer.Upsert(ctx, tenantID, update); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeProcessed, nil
}

// handleInvoice reconciles an invoice paid or payment-failed event.
// Trial fields are left untouched.
func (s *RetryScheduler) handleInvoice(ctx context.Context, ev *InvoiceEvent) (string, error) {
	tenantID, ok := s.tenants.Resolve(ctx, ev)
	if !ok {
		s.logger.Warn("tenant unresolved, skipping event",
			F("event_id", ev.ID), F("event_type", ev.Type), F("invoice_id", ev.Invoice.ID))
		return OutcomeSkipped, nil
	}

	status := StatusPastDue
	if ev.Paid {
		status = StatusActive
	}

	update := BillingUpdate{
		Plan:          Some(s.plans.Resolve(ev.Invoice.PriceIDs)),
		BillingStatus: Some(status),
	}
	if ev.Invoice.CustomerID != "" {
		update.StripeCustomerID = Some(ev.Invoice.CustomerID)
	}
	if ev.Invoice.SubscriptionID != "" {
		update.StripeSubscriptionID = Some(ev.Invoice.SubscriptionID)
	}

	if err := s.writer.Upsert(ctx, tenantID, update); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeProcessed, nil
}

// sendAlert emits the single batch-level alert for this run.
func (s *RetryScheduler) sendAlert(ctx context.Context, report *RetryReport) bool {
	alert := Alert{
		Title:     retryAlertTitle,
		Failures:  report.Failures,
		Count:     len(report.Failures),
		Exhausted: report.Exhausted,
	}
	if err := s.alerts.Send(ctx, alert); err != nil {
		s.metrics.RecordAlert("error")
		s.logger.Error("failed to send retry alert",
			F("run_id", report.RunID), F("count", alert.Count), F("error", err.Error()))
		return false
	}
	s.metrics.RecordAlert("sent")
	return true
}
