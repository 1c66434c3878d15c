package reconcile

import (
	"strings"
	"time"
)

// Plan is the commercial package a tenant is entitled to.
type Plan string

const (
	PlanStarter      Plan = "starter"
	PlanProfessional Plan = "professional"
	PlanEnterprise   Plan = "enterprise"
)

// Valid reports whether p is one of the known plan tiers.
func (p Plan) Valid() bool {
	switch p {
	case PlanStarter, PlanProfessional, PlanEnterprise:
		return true
	default:
		return false
	}
}

// BillingStatus is the internal lifecycle state of a tenant's subscription.
type BillingStatus string

const (
	StatusTrialing     BillingStatus = "trialing"
	StatusActive       BillingStatus = "active"
	StatusPastDue      BillingStatus = "past_due"
	StatusCanceled     BillingStatus = "canceled"
	StatusTrialExpired BillingStatus = "trial_expired"
)

// Valid reports whether s is one of the known billing statuses.
func (s BillingStatus) Valid() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue, StatusCanceled, StatusTrialExpired:
		return true
	default:
		return false
	}
}

// TenantBillingRecord is one row of the tenant_billing table.
// Plan and BillingStatus are kept as read from storage, so they may hold
// values outside the known sets; the backfill auditor relies on that.
type TenantBillingRecord struct {
	TenantID             string
	StripeCustomerID     string // empty when NULL
	StripeSubscriptionID string // empty when NULL
	Plan                 Plan
	BillingStatus        BillingStatus
	TrialEndsAt          *time.Time
	CurrentPeriodEnd     *time.Time
	UpdatedAt            time.Time
}

// HasPaymentProof reports whether the record references a provider customer
// or subscription.
func (r *TenantBillingRecord) HasPaymentProof() bool {
	return strings.TrimSpace(r.StripeCustomerID) != "" || strings.TrimSpace(r.StripeSubscriptionID) != ""
}

// Opt is a write-side field. Set reports whether the caller provided a value;
// unset fields are left untouched by an upsert.
type Opt[T any] struct {
	Value T
	Set   bool
}

// Some returns a provided Opt holding v.
func Some[T any](v T) Opt[T] {
	return Opt[T]{Value: v, Set: true}
}

// BillingUpdate carries the fields of a tenant billing upsert.
// An empty string for a provided stripe id and a nil provided time are
// written as NULL.
type BillingUpdate struct {
	StripeCustomerID     Opt[string]
	StripeSubscriptionID Opt[string]
	Plan                 Opt[Plan]
	BillingStatus        Opt[BillingStatus]
	TrialEndsAt          Opt[*time.Time]
	CurrentPeriodEnd     Opt[*time.Time]
}

// Empty reports whether no field is provided.
func (u BillingUpdate) Empty() bool {
	return !u.StripeCustomerID.Set && !u.StripeSubscriptionID.Set && !u.Plan.Set &&
		!u.BillingStatus.Set && !u.TrialEndsAt.Set && !u.CurrentPeriodEnd.Set
}

// Apply returns a copy of rec with the provided fields of u overwritten and
// UpdatedAt set to now. A nil rec starts from a new row for tenantID with the
// column defaults (starter, canceled).
func (u BillingUpdate) Apply(tenantID string, rec *TenantBillingRecord, now time.Time) TenantBillingRecord {
	var out TenantBillingRecord
	if rec != nil {
		out = *rec
	} else {
		out = TenantBillingRecord{
			TenantID:      tenantID,
			Plan:          PlanStarter,
			BillingStatus: StatusCanceled,
		}
	}
	if u.StripeCustomerID.Set {
		out.StripeCustomerID = u.StripeCustomerID.Value
	}
	if u.StripeSubscriptionID.Set {
		out.StripeSubscriptionID = u.StripeSubscriptionID.Value
	}
	if u.Plan.Set {
		out.Plan = u.Plan.Value
	}
	if u.BillingStatus.Set {
		out.BillingStatus = u.BillingStatus.Value
	}
	if u.TrialEndsAt.Set {
		out.TrialEndsAt = cloneTime(u.TrialEndsAt.Value)
	}
	if u.CurrentPeriodEnd.Set {
		out.CurrentPeriodEnd = cloneTime(u.CurrentPeriodEnd.Value)
	}
	out.UpdatedAt = now
	return out
}

// EventStatus is the processing state of a queued provider event.
type EventStatus string

const (
	EventPending    EventStatus = "pending"
	EventProcessing EventStatus = "processing"
	EventProcessed  EventStatus = "processed"
	EventFailed     EventStatus = "failed"
)

// WebhookEventRecord is one row of the stripe_webhook_events table.
type WebhookEventRecord struct {
	EventID   string
	EventType string
	Status    EventStatus
	Attempts  int
	LastError string // empty when NULL
	UpdatedAt time.Time
}

// Retryable reports whether the row is eligible for another retry attempt.
func (e *WebhookEventRecord) Retryable(maxAttempts int) bool {
	return e.Status == EventFailed && e.Attempts < maxAttempts
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
