package reconcile

import (
	"context"
	"time"
)

// BillingStore persists tenant billing records.
type BillingStore interface {
	// UpsertBilling atomically inserts or updates the record for tenantID.
	// Only provided fields of update are written; updated_at is set to now.
	// Implementations must not read-then-merge in application memory.
	UpsertBilling(ctx context.Context, tenantID string, update BillingUpdate, now time.Time) error

	// GetBilling retrieves a tenant's record
	// Returns ErrRecordNotFound if the tenant has no record
	GetBilling(ctx context.Context, tenantID string) (*TenantBillingRecord, error)

	// ListBilling returns up to limit records with tenant_id > afterTenantID,
	// ordered by tenant_id ascending (keyset pagination).
	ListBilling(ctx context.Context, afterTenantID string, limit int) ([]TenantBillingRecord, error)
}

// EventQueue is the persisted queue of provider events that failed processing.
type EventQueue interface {
	// ListRetryable returns up to limit rows with status = failed and
	// attempts < maxAttempts, ordered by updated_at ascending.
	ListRetryable(ctx context.Context, maxAttempts, limit int) ([]WebhookEventRecord, error)

	// MarkProcessed sets status = processed, increments attempts and clears last_error.
	MarkProcessed(ctx context.Context, eventID string, now time.Time) error

	// MarkFailed sets status = failed, increments attempts and records lastError.
	MarkFailed(ctx context.Context, eventID, lastError string, now time.Time) error

	// CountExhausted counts rows with status = failed and attempts >= maxAttempts.
	CountExhausted(ctx context.Context, maxAttempts int) (int, error)
}

// Store combines both tables owned or consumed by the engine.
type Store interface {
	BillingStore
	EventQueue
}

// Locker guards a job against concurrent runs across instances.
type Locker interface {
	// TryLock attempts to take the named lock without blocking.
	// Returns ErrLockHeld if another holder owns it. The returned release
	// function must be called once the run completes.
	TryLock(ctx context.Context, name string) (release func(), err error)
}
