package reconcile

import "errors"

var (
	// ErrInvalidTenantID is returned when a write has no tenant id
	ErrInvalidTenantID = errors.New("invalid tenant id")

	// ErrInvalidPlan is returned when a write carries an unknown plan
	ErrInvalidPlan = errors.New("invalid plan")

	// ErrInvalidBillingStatus is returned when a write carries an unknown billing status
	ErrInvalidBillingStatus = errors.New("invalid billing status")

	// ErrEmptyUpdate is returned when an upsert provides no fields
	ErrEmptyUpdate = errors.New("billing update has no fields")

	// ErrEventNotFound is returned when a queued event row does not exist
	ErrEventNotFound = errors.New("webhook event not found")

	// ErrRecordNotFound is returned when a tenant has no billing record
	ErrRecordNotFound = errors.New("billing record not found")

	// ErrCustomerNotFound is returned when the provider has no such customer
	ErrCustomerNotFound = errors.New("customer not found in billing provider")

	// ErrProviderNotConfigured is returned when a job needs a provider client and has none
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrStoreNotConfigured is returned when a job is built without a store
	ErrStoreNotConfigured = errors.New("store not configured")

	// ErrLockHeld is returned when another instance holds the run lock
	ErrLockHeld = errors.New("run lock held by another instance")
)
