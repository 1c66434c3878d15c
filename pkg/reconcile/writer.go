package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Writer performs idempotent upserts of tenant billing records.
type Writer struct {
	store BillingStore
	now   func() time.Time
}

// NewWriter creates a Writer. now defaults to time.Now in UTC.
func NewWriter(store BillingStore, now func() time.Time) *Writer {
	if now == nil {
		now = utcNow
	}
	return &Writer{store: store, now: now}
}

// Upsert writes the provided fields of update for tenantID. On conflict
// every provided field is overwritten and updated_at refreshed; fields not
// provided keep their stored values. Repeating a call with the same input
// leaves the row unchanged apart from updated_at.
func (w *Writer) Upsert(ctx context.Context, tenantID string, update BillingUpdate) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return ErrInvalidTenantID
	}
	if update.Empty() {
		return ErrEmptyUpdate
	}
	if update.Plan.Set && !update.Plan.Value.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPlan, update.Plan.Value)
	}
	if update.BillingStatus.Set && !update.BillingStatus.Value.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidBillingStatus, update.BillingStatus.Value)
	}

	if err := w.store.UpsertBilling(ctx, tenantID, update, w.now()); err != nil {
		return fmt.Errorf("failed to upsert billing for tenant %s: %w", tenantID, err)
	}
	return nil
}

func utcNow() time.Time {
	return time.Now().UTC()
}
