package reconcile

import (
	"strings"
	"time"
)

// Provider subscription statuses as reported by Stripe.
const (
	ProviderStatusActive            = "active"
	ProviderStatusTrialing          = "trialing"
	ProviderStatusPastDue           = "past_due"
	ProviderStatusUnpaid            = "unpaid"
	ProviderStatusCanceled          = "canceled"
	ProviderStatusIncomplete        = "incomplete"
	ProviderStatusIncompleteExpired = "incomplete_expired"
	ProviderStatusPaused            = "paused"
)

// MapStatus maps a provider subscription status to a billing status.
//
// Incomplete and paused subscriptions are a billing-health problem, not a
// cancellation, so they map to past_due. Unknown statuses fail closed to
// canceled so they never grant access.
func MapStatus(providerStatus string, trialEndsAt *time.Time, now time.Time) BillingStatus {
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case ProviderStatusActive:
		return StatusActive
	case ProviderStatusTrialing:
		if trialEndsAt != nil && trialEndsAt.Before(now) {
			return StatusTrialExpired
		}
		return StatusTrialing
	case ProviderStatusPastDue, ProviderStatusUnpaid:
		return StatusPastDue
	case ProviderStatusCanceled:
		return StatusCanceled
	case ProviderStatusIncomplete, ProviderStatusIncompleteExpired, ProviderStatusPaused:
		return StatusPastDue
	default:
		return StatusCanceled
	}
}
