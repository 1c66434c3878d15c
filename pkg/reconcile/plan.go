package reconcile

import "strings"

// PriceConfig holds the provider price id configured for each plan tier.
// An empty id never matches.
type PriceConfig struct {
	Starter      string
	Professional string
	Enterprise   string
}

// PlanResolver maps the price ids on a subscription or invoice to a plan.
type PlanResolver struct {
	prices PriceConfig
}

// NewPlanResolver creates a PlanResolver for the given price ids.
func NewPlanResolver(prices PriceConfig) *PlanResolver {
	return &PlanResolver{
		prices: PriceConfig{
			Starter:      strings.TrimSpace(prices.Starter),
			Professional: strings.TrimSpace(prices.Professional),
			Enterprise:   strings.TrimSpace(prices.Enterprise),
		},
	}
}

// Resolve returns the plan for a set of price ids.
//
// Precedence is fixed: starter beats enterprise, enterprise beats
// professional. A subscription can carry several line items while an upgrade
// or downgrade is in flight and the result must not depend on item order.
// With no match the plan is starter.
func (r *PlanResolver) Resolve(priceIDs []string) Plan {
	seen := make(map[string]struct{}, len(priceIDs))
	for _, id := range priceIDs {
		if id = strings.TrimSpace(id); id != "" {
			seen[id] = struct{}{}
		}
	}

	has := func(id string) bool {
		if id == "" {
			return false
		}
		_, ok := seen[id]
		return ok
	}

	switch {
	case has(r.prices.Starter):
		return PlanStarter
	case has(r.prices.Enterprise):
		return PlanEnterprise
	case has(r.prices.Professional):
		return PlanProfessional
	default:
		return PlanStarter
	}
}

// ApplyTrialOverride grants trialing tenants the professional plan
// regardless of the resolved price match.
func ApplyTrialOverride(plan Plan, status BillingStatus) Plan {
	if status == StatusTrialing {
		return PlanProfessional
	}
	return plan
}
