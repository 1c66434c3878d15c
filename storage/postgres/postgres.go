// Package postgres provides a PostgreSQL implementation of reconcile.Store.
// Billing writes are single-statement INSERT ... ON CONFLICT upserts and queue
// updates increment attempts in SQL, so no explicit transactions are needed.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

// Storage implements reconcile.Store and reconcile.Locker using PostgreSQL.
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

var (
	_ reconcile.Store  = (*Storage)(nil)
	_ reconcile.Locker = (*Storage)(nil)
)

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// StatementTimeout bounds every statement on the session (0 disables)
	StatementTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:         4,
		MinConns:         1,
		MaxConnLifetime:  time.Hour,
		MaxConnIdleTime:  5 * time.Minute,
		StatementTimeout: 30 * time.Second,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}
	if config.StatementTimeout > 0 {
		poolConfig.ConnConfig.RuntimeParams["statement_timeout"] =
			fmt.Sprintf("%d", config.StatementTimeout.Milliseconds())
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Storage{pool: pool, config: config}, nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// UpsertBilling implements reconcile.BillingStore.
// Only provided columns are inserted or overwritten; on a new row the
// remaining columns take their defaults.
func (s *Storage) UpsertBilling(ctx context.Context, tenantID string, update reconcile.BillingUpdate, now time.Time) error {
	columns := []string{"tenant_id", "updated_at"}
	args := []any{tenantID, now.UTC()}

	add := func(column string, value any) {
		columns = append(columns, column)
		args = append(args, value)
	}
	if update.StripeCustomerID.Set {
		add("stripe_customer_id", nullString(update.StripeCustomerID.Value))
	}
	if update.StripeSubscriptionID.Set {
		add("stripe_subscription_id", nullString(update.StripeSubscriptionID.Value))
	}
	if update.Plan.Set {
		add("plan", string(update.Plan.Value))
	}
	if update.BillingStatus.Set {
		add("billing_status", string(update.BillingStatus.Value))
	}
	if update.TrialEndsAt.Set {
		add("trial_ends_at", nullTime(update.TrialEndsAt.Value))
	}
	if update.CurrentPeriodEnd.Set {
		add("current_period_end", nullTime(update.CurrentPeriodEnd.Value))
	}

	placeholders := make([]string, len(columns))
	assignments := make([]string, 0, len(columns)-1)
	for i, column := range columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		if column != "tenant_id" {
			assignments = append(assignments, fmt.Sprintf("%s = EXCLUDED.%s", column, column))
		}
	}

	query := fmt.Sprintf(
		`INSERT INTO tenant_billing (%s) VALUES (%s)
			ON CONFLICT (tenant_id) DO UPDATE SET %s`,
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(assignments, ", "),
	)

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert tenant billing: %w", err)
	}
	return nil
}

const billingColumns = `tenant_id, stripe_customer_id, stripe_subscription_id, plan,
	billing_status, trial_ends_at, current_period_end, updated_at`

// GetBilling implements reconcile.BillingStore
func (s *Storage) GetBilling(ctx context.Context, tenantID string) (*reconcile.TenantBillingRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+billingColumns+` FROM tenant_billing WHERE tenant_id = $1`, tenantID)

	rec, err := scanBilling(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reconcile.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant billing: %w", err)
	}
	return rec, nil
}

// ListBilling implements reconcile.BillingStore
func (s *Storage) ListBilling(ctx context.Context, afterTenantID string, limit int) ([]reconcile.TenantBillingRecord, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+billingColumns+` FROM tenant_billing
			WHERE tenant_id > $1
			ORDER BY tenant_id
			LIMIT $2`,
		afterTenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenant billing: %w", err)
	}
	defer rows.Close()

	records := make([]reconcile.TenantBillingRecord, 0, limit)
	for rows.Next() {
		rec, err := scanBilling(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant billing: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list tenant billing: %w", err)
	}
	return records, nil
}

// ListRetryable implements reconcile.EventQueue
func (s *Storage) ListRetryable(ctx context.Context, maxAttempts, limit int) ([]reconcile.WebhookEventRecord, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT event_id, event_type, status, attempts, last_error, updated_at
			FROM stripe_webhook_events
			WHERE status = $1 AND attempts < $2
			ORDER BY updated_at ASC, event_id ASC
			LIMIT $3`,
		string(reconcile.EventFailed), maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select retryable events: %w", err)
	}
	defer rows.Close()

	events := make([]reconcile.WebhookEventRecord, 0, limit)
	for rows.Next() {
		var (
			ev        reconcile.WebhookEventRecord
			status    string
			lastError *string
		)
		if err := rows.Scan(&ev.EventID, &ev.EventType, &status, &ev.Attempts, &lastError, &ev.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		ev.Status = reconcile.EventStatus(status)
		if lastError != nil {
			ev.LastError = *lastError
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to select retryable events: %w", err)
	}
	return events, nil
}

// MarkProcessed implements reconcile.EventQueue
func (s *Storage) MarkProcessed(ctx context.Context, eventID string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE stripe_webhook_events
			SET status = $2, attempts = attempts + 1, last_error = NULL, updated_at = $3
			WHERE event_id = $1`,
		eventID, string(reconcile.EventProcessed), now.UTC())
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return reconcile.ErrEventNotFound
	}
	return nil
}

// MarkFailed implements reconcile.EventQueue
func (s *Storage) MarkFailed(ctx context.Context, eventID, lastError string, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE stripe_webhook_events
			SET status = $2, attempts = attempts + 1, last_error = $3, updated_at = $4
			WHERE event_id = $1`,
		eventID, string(reconcile.EventFailed), lastError, now.UTC())
	if err != nil {
		return fmt.Errorf("failed to mark event failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return reconcile.ErrEventNotFound
	}
	return nil
}

// CountExhausted implements reconcile.EventQueue
func (s *Storage) CountExhausted(ctx context.Context, maxAttempts int) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM stripe_webhook_events WHERE status = $1 AND attempts >= $2`,
		string(reconcile.EventFailed), maxAttempts).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count exhausted events: %w", err)
	}
	return count, nil
}

func scanBilling(row pgx.Row) (*reconcile.TenantBillingRecord, error) {
	var (
		rec            reconcile.TenantBillingRecord
		customerID     *string
		subscriptionID *string
		plan           string
		status         string
	)
	err := row.Scan(
		&rec.TenantID,
		&customerID,
		&subscriptionID,
		&plan,
		&status,
		&rec.TrialEndsAt,
		&rec.CurrentPeriodEnd,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if customerID != nil {
		rec.StripeCustomerID = *customerID
	}
	if subscriptionID != nil {
		rec.StripeSubscriptionID = *subscriptionID
	}
	rec.Plan = reconcile.Plan(plan)
	rec.BillingStatus = reconcile.BillingStatus(status)
	return &rec, nil
}

func nullString(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func nullTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
