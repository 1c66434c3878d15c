// Package memory provides an in-memory implementation of reconcile.Store.
// This implementation is primarily intended for testing and local dry runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

var (
	_ reconcile.Store  = (*Storage)(nil)
	_ reconcile.Locker = (*Storage)(nil)
)

// Storage implements reconcile.Store using in-memory maps
type Storage struct {
	mu      sync.RWMutex
	billing map[string]*reconcile.TenantBillingRecord
	events  map[string]*reconcile.WebhookEventRecord
	locks   map[string]bool
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		billing: make(map[string]*reconcile.TenantBillingRecord),
		events:  make(map[string]*reconcile.WebhookEventRecord),
		locks:   make(map[string]bool),
	}
}

// UpsertBilling implements reconcile.BillingStore
func (s *Storage) UpsertBilling(_ context.Context, tenantID string, update reconcile.BillingUpdate, now time.Time) error {
	if tenantID == "" {
		return reconcile.ErrInvalidTenantID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := update.Apply(tenantID, s.billing[tenantID], now)
	s.billing[tenantID] = &rec
	return nil
}

// GetBilling implements reconcile.BillingStore
func (s *Storage) GetBilling(_ context.Context, tenantID string) (*reconcile.TenantBillingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.billing[tenantID]
	if !ok {
		return nil, reconcile.ErrRecordNotFound
	}

	// Return a copy to prevent external mutations
	recCopy := *rec
	return &recCopy, nil
}

// ListBilling implements reconcile.BillingStore
func (s *Storage) ListBilling(_ context.Context, afterTenantID string, limit int) ([]reconcile.TenantBillingRecord, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.billing))
	for id := range s.billing {
		if id > afterTenantID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]reconcile.TenantBillingRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.billing[id])
	}
	return out, nil
}

// PutBilling stores a record as-is, bypassing upsert semantics.
// Used to seed fixtures, including rows that violate invariants.
func (s *Storage) PutBilling(rec reconcile.TenantBillingRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recCopy := rec
	s.billing[rec.TenantID] = &recCopy
}

// PutEvent stores a queue row as-is, the way the ingestion path would.
func (s *Storage) PutEvent(ev reconcile.WebhookEventRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evCopy := ev
	s.events[ev.EventID] = &evCopy
}

// GetEvent returns a copy of a queue row.
func (s *Storage) GetEvent(_ context.Context, eventID string) (*reconcile.WebhookEventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[eventID]
	if !ok {
		return nil, reconcile.ErrEventNotFound
	}
	evCopy := *ev
	return &evCopy, nil
}

// ListRetryable implements reconcile.EventQueue
func (s *Storage) ListRetryable(_ context.Context, maxAttempts, limit int) ([]reconcile.WebhookEventRecord, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]reconcile.WebhookEventRecord, 0)
	for _, ev := range s.events {
		if ev.Retryable(maxAttempts) {
			out = append(out, *ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].EventID < out[j].EventID
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkProcessed implements reconcile.EventQueue
func (s *Storage) MarkProcessed(_ context.Context, eventID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventID]
	if !ok {
		return reconcile.ErrEventNotFound
	}
	ev.Status = reconcile.EventProcessed
	ev.Attempts++
	ev.LastError = ""
	ev.UpdatedAt = now
	return nil
}

// MarkFailed implements reconcile.EventQueue
func (s *Storage) MarkFailed(_ context.Context, eventID, lastError string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventID]
	if !ok {
		return reconcile.ErrEventNotFound
	}
	ev.Status = reconcile.EventFailed
	ev.Attempts++
	ev.LastError = lastError
	ev.UpdatedAt = now
	return nil
}

// CountExhausted implements reconcile.EventQueue
func (s *Storage) CountExhausted(_ context.Context, maxAttempts int) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, ev := range s.events {
		if ev.Status == reconcile.EventFailed && ev.Attempts >= maxAttempts {
			count++
		}
	}
	return count, nil
}

// TryLock implements reconcile.Locker within a single process
func (s *Storage) TryLock(_ context.Context, name string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.locks[name] {
		return nil, reconcile.ErrLockHeld
	}
	s.locks[name] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.locks, name)
			s.mu.Unlock()
		})
	}, nil
}
