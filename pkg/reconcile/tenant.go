package reconcile

import (
	"context"
	"strings"
	"time"
)

// Metadata keys that carry the tenant id on provider objects.
const (
	MetadataTenantID      = "tenant_id"
	MetadataTenantIDCamel = "tenantId"
)

// TenantResolver maps a provider event to a tenant id.
type TenantResolver struct {
	provider Provider
	logger   Logger
	metrics  Metrics
}

// NewTenantResolver creates a TenantResolver. logger and metrics may be nil.
func NewTenantResolver(provider Provider, logger Logger, metrics Metrics) *TenantResolver {
	if logger == nil {
		logger = &NoopLogger{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &TenantResolver{
		provider: provider,
		logger:   logger,
		metrics:  metrics,
	}
}

// Resolve returns the tenant id for ev, or ok=false when it cannot be
// determined. The event object's metadata wins; otherwise the provider
// customer is fetched and its metadata read. The customer is fetched on
// every call so a deleted customer never resolves. Lookup failures and
// deleted customers resolve to ok=false and are never returned as errors.
func (r *TenantResolver) Resolve(ctx context.Context, ev ProviderEvent) (string, bool) {
	metadata, customerID := eventObject(ev)
	if tenantID := tenantFromMetadata(metadata); tenantID != "" {
		return tenantID, true
	}

	customerID = strings.TrimSpace(customerID)
	if customerID == "" || r.provider == nil {
		return "", false
	}

	start := time.Now()
	customer, err := r.provider.RetrieveCustomer(ctx, customerID)
	r.metrics.RecordProviderCallDuration("/v1/customers", time.Since(start))
	if err != nil {
		r.metrics.RecordProviderCall("/v1/customers", "error")
		r.logger.Warn("customer lookup failed, tenant unresolved",
			F("event_id", ev.EventID()), F("customer_id", customerID), F("error", err.Error()))
		return "", false
	}
	r.metrics.RecordProviderCall("/v1/customers", "success")

	if customer == nil || customer.Deleted {
		r.logger.Warn("customer deleted, tenant unresolved",
			F("event_id", ev.EventID()), F("customer_id", customerID))
		return "", false
	}

	tenantID := tenantFromMetadata(customer.Metadata)
	return tenantID, tenantID != ""
}

func tenantFromMetadata(metadata map[string]string) string {
	if metadata == nil {
		return ""
	}
	if v := strings.TrimSpace(metadata[MetadataTenantID]); v != "" {
		return v
	}
	return strings.TrimSpace(metadata[MetadataTenantIDCamel])
}
