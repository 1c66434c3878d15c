package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Invariant violation tags, in check order.
const (
	ReasonInvalidPlan        = "invalid_plan"
	ReasonMissingTrialEnd    = "missing_trial_end"
	ReasonTrialExpired       = "trial_expired"
	ReasonActiveWithoutProof = "active_without_proof"
)

const (
	// DefaultTrialDays is the trial length used when a trial end must be synthesized.
	DefaultTrialDays = 14

	// DefaultBackfillPageSize is the number of records read per page.
	DefaultBackfillPageSize = 500

	// DefaultSampleSize is the number of sample actions in a report.
	DefaultSampleSize = 10

	reasonSeparator = ";"
)

// BackfillMode selects whether corrections are only reported or also written.
type BackfillMode string

const (
	ModeDryRun BackfillMode = "dry-run"
	ModeApply  BackfillMode = "apply"
)

// ApplyPolicy decides what happens when one correction fails in apply mode.
type ApplyPolicy string

const (
	// ApplyContinue isolates each row: a failed update is reported and the
	// remaining actions are still applied.
	ApplyContinue ApplyPolicy = "continue"

	// ApplyFailFast stops at the first failed update; the remaining actions
	// are reported as not attempted.
	ApplyFailFast ApplyPolicy = "fail-fast"
)

// Correction holds the field values an action writes. Nil fields are not touched.
type Correction struct {
	Plan          *Plan          `json:"plan,omitempty"`
	BillingStatus *BillingStatus `json:"billingStatus,omitempty"`
	TrialEndsAt   *time.Time     `json:"trialEndsAt,omitempty"`
}

// Update converts the correction into a writer update.
func (c Correction) Update() BillingUpdate {
	var u BillingUpdate
	if c.Plan != nil {
		u.Plan = Some(*c.Plan)
	}
	if c.BillingStatus != nil {
		u.BillingStatus = Some(*c.BillingStatus)
	}
	if c.TrialEndsAt != nil {
		u.TrialEndsAt = Some(cloneTime(c.TrialEndsAt))
	}
	return u
}

// Action is the correction for one record violating at least one invariant.
type Action struct {
	TenantID string     `json:"tenantId"`
	Reason   string     `json:"reason"`
	Reasons  []string   `json:"-"`
	Fix      Correction `json:"fix"`
}

// Evaluate checks rec against the billing invariants and returns the
// corrective action, or nil when the record is consistent.
func Evaluate(rec TenantBillingRecord, now time.Time, trialDays int) *Action {
	if trialDays <= 0 {
		trialDays = DefaultTrialDays
	}
	freshTrialEnd := now.Add(time.Duration(trialDays) * 24 * time.Hour)

	var reasons []string
	var fix Correction

	if !rec.Plan.Valid() {
		reasons = append(reasons, ReasonInvalidPlan)
		fix.Plan = lo.ToPtr(PlanStarter)
	}

	if rec.BillingStatus == StatusTrialing {
		switch {
		case rec.TrialEndsAt == nil:
			reasons = append(reasons, ReasonMissingTrialEnd)
			fix.TrialEndsAt = TimePtr(freshTrialEnd)
		case rec.TrialEndsAt.Before(now):
			reasons = append(reasons, ReasonTrialExpired)
			fix.BillingStatus = lo.ToPtr(StatusTrialExpired)
		}
	}

	if rec.BillingStatus == StatusActive && !rec.HasPaymentProof() {
		reasons = append(reasons, ReasonActiveWithoutProof)
		fix.BillingStatus = lo.ToPtr(StatusTrialing)
		fix.TrialEndsAt = TimePtr(freshTrialEnd)
	}

	if len(reasons) == 0 {
		return nil
	}
	return &Action{
		TenantID: rec.TenantID,
		Reason:   strings.Join(reasons, reasonSeparator),
		Reasons:  reasons,
		Fix:      fix,
	}
}

// BackfillConfig configures an Auditor.
type BackfillConfig struct {
	// Store is the billing table (required)
	Store BillingStore

	// Mode selects dry-run (default) or apply
	Mode BackfillMode

	// Policy selects the apply failure policy (default: ApplyContinue)
	Policy ApplyPolicy

	// TrialDays is the synthesized trial length (default: 14)
	TrialDays int

	// PageSize is the number of records read per page (default: 500)
	PageSize int

	// SampleSize is the number of sample actions in the report (default: 10)
	SampleSize int

	// Logger is optional; defaults to NoopLogger
	Logger Logger

	// Metrics is optional; defaults to NoopMetrics
	Metrics Metrics

	// Now overrides the clock (default: time.Now in UTC)
	Now func() time.Time
}

// Validate checks that the configuration is usable.
func (c *BackfillConfig) Validate() error {
	if c.Store == nil {
		return ErrStoreNotConfigured
	}
	switch c.Mode {
	case "", ModeDryRun, ModeApply:
	default:
		return fmt.Errorf("unknown backfill mode %q", c.Mode)
	}
	switch c.Policy {
	case "", ApplyContinue, ApplyFailFast:
	default:
		return fmt.Errorf("unknown apply policy %q", c.Policy)
	}
	if c.TrialDays < 0 {
		return fmt.Errorf("trial days must be positive, got %d", c.TrialDays)
	}
	return nil
}

// ApplyFailure is a correction that could not be written.
type ApplyFailure struct {
	TenantID string `json:"tenantId"`
	Error    string `json:"error"`
}

// ApplyResult reports the outcome of apply mode.
type ApplyResult struct {
	Policy       ApplyPolicy    `json:"policy"`
	Applied      []string       `json:"applied"`
	Failed       []ApplyFailure `json:"failed"`
	NotAttempted []string       `json:"notAttempted"`
	Aborted      bool           `json:"aborted"`

	errs []error
}

// Err joins all apply failures, or returns nil when every correction was written.
func (r *ApplyResult) Err() error {
	return errors.Join(r.errs...)
}

// BackfillReport is the structured summary of an auditor run.
type BackfillReport struct {
	RunID       string         `json:"runId"`
	Mode        BackfillMode   `json:"mode"`
	StartedAt   time.Time      `json:"startedAt"`
	Duration    time.Duration  `json:"durationNs"`
	Scanned     int            `json:"scanned"`
	Total       int            `json:"total"`
	Histogram   map[string]int `json:"reasons"`
	Samples     []Action       `json:"samples"`
	Actions     []Action       `json:"actions"`
	ApplyResult *ApplyResult   `json:"apply,omitempty"`
}

// Auditor scans every tenant billing record for invariant violations.
type Auditor struct {
	store      BillingStore
	writer     *Writer
	mode       BackfillMode
	policy     ApplyPolicy
	trialDays  int
	pageSize   int
	sampleSize int
	logger     Logger
	metrics    Metrics
	now        func() time.Time
}

// NewAuditor creates an Auditor.
func NewAuditor(config BackfillConfig) (*Auditor, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid backfill config: %w", err)
	}

	a := &Auditor{
		store:      config.Store,
		mode:       config.Mode,
		policy:     config.Policy,
		trialDays:  config.TrialDays,
		pageSize:   config.PageSize,
		sampleSize: config.SampleSize,
		logger:     config.Logger,
		metrics:    config.Metrics,
		now:        config.Now,
	}
	if a.mode == "" {
		a.mode = ModeDryRun
	}
	if a.policy == "" {
		a.policy = ApplyContinue
	}
	if a.trialDays == 0 {
		a.trialDays = DefaultTrialDays
	}
	if a.pageSize <= 0 {
		a.pageSize = DefaultBackfillPageSize
	}
	if a.sampleSize <= 0 {
		a.sampleSize = DefaultSampleSize
	}
	if a.logger == nil {
		a.logger = &NoopLogger{}
	}
	if a.metrics == nil {
		a.metrics = &NoopMetrics{}
	}
	if a.now == nil {
		a.now = utcNow
	}
	a.writer = NewWriter(config.Store, a.now)
	return a, nil
}

// Audit scans all records and returns one action per inconsistent record,
// together with the number of records scanned. It performs no writes.
func (a *Auditor) Audit(ctx context.Context) ([]Action, int, error) {
	now := a.now()
	actions := []Action{}
	scanned := 0
	after := ""

	for {
		if err := ctx.Err(); err != nil {
			return nil, scanned, err
		}
		page, err := a.store.ListBilling(ctx, after, a.pageSize)
		if err != nil {
			return nil, scanned, fmt.Errorf("failed to list billing records after %q: %w", after, err)
		}
		for i := range page {
			scanned++
			if action := Evaluate(page[i], now, a.trialDays); action != nil {
				actions = append(actions, *action)
			}
		}
		if len(page) < a.pageSize {
			break
		}
		after = page[len(page)-1].TenantID
	}
	return actions, scanned, nil
}

// Run audits every record and, in apply mode, writes the corrections one
// at a time. An error is returned only when the scan itself fails; write
// failures are reported in the ApplyResult.
func (a *Auditor) Run(ctx context.Context) (*BackfillReport, error) {
	startTime := time.Now()
	report := &BackfillReport{
		RunID:     uuid.NewString(),
		Mode:      a.mode,
		StartedAt: a.now(),
	}

	actions, scanned, err := a.Audit(ctx)
	if err != nil {
		a.metrics.RecordRun("backfill", "error")
		a.metrics.RecordRunDuration("backfill", time.Since(startTime))
		return nil, err
	}

	report.Scanned = scanned
	report.Total = len(actions)
	report.Actions = actions
	report.Histogram = reasonHistogram(actions)
	report.Samples = lo.Slice(actions, 0, a.sampleSize)
	for _, action := range actions {
		for _, reason := range action.Reasons {
			a.metrics.RecordBackfillAction(reason)
		}
	}

	a.logger.Info("backfill audit complete",
		F("run_id", report.RunID),
		F("mode", string(a.mode)),
		F("scanned", scanned),
		F("actions", len(actions)))

	if a.mode == ModeApply {
		report.ApplyResult = a.apply(ctx, actions)
		if err := report.ApplyResult.Err(); err != nil {
			a.logger.Error("backfill apply finished with failures",
				F("run_id", report.RunID),
				F("failed", len(report.ApplyResult.Failed)),
				F("not_attempted", len(report.ApplyResult.NotAttempted)),
				F("error", err.Error()))
		}
	}

	report.Duration = time.Since(startTime)
	a.metrics.RecordRun("backfill", "success")
	a.metrics.RecordRunDuration("backfill", report.Duration)
	return report, nil
}

// apply writes each action's correction sequentially.
func (a *Auditor) apply(ctx context.Context, actions []Action) *ApplyResult {
	result := &ApplyResult{
		Policy:       a.policy,
		Applied:      []string{},
		Failed:       []ApplyFailure{},
		NotAttempted: []string{},
	}

	for i, action := range actions {
		err := ctx.Err()
		if err == nil {
			err = a.writer.Upsert(ctx, action.TenantID, action.Fix.Update())
		}
		if err == nil {
			result.Applied = append(result.Applied, action.TenantID)
			a.metrics.RecordBackfillApply("applied")
			a.logger.Debug("backfill correction applied",
				F("tenant_id", action.TenantID), F("reason", action.Reason))
			continue
		}

		result.Failed = append(result.Failed, ApplyFailure{TenantID: action.TenantID, Error: err.Error()})
		result.errs = append(result.errs, fmt.Errorf("tenant %s: %w", action.TenantID, err))
		a.metrics.RecordBackfillApply("failed")
		a.logger.Warn("backfill correction failed",
			F("tenant_id", action.TenantID), F("reason", action.Reason), F("error", err.Error()))

		if a.policy == ApplyFailFast || ctx.Err() != nil {
			for _, rest := range actions[i+1:] {
				result.NotAttempted = append(result.NotAttempted, rest.TenantID)
				a.metrics.RecordBackfillApply("not_attempted")
			}
			result.Aborted = len(result.NotAttempted) > 0
			break
		}
	}
	return result
}

// reasonHistogram counts actions per violation tag.
func reasonHistogram(actions []Action) map[string]int {
	tags := lo.FlatMap(actions, func(a Action, _ int) []string { return a.Reasons })
	return lo.CountValues(tags)
}
