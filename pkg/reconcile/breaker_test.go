package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	eventErr    error
	customerErr error
	calls       int
}

func (p *stubProvider) RetrieveEvent(_ context.Context, eventID string) (ProviderEvent, error) {
	p.calls++
	if p.eventErr != nil {
		return nil, p.eventErr
	}
	return &IgnoredEvent{ID: eventID, Type: "charge.succeeded"}, nil
}

func (p *stubProvider) RetrieveCustomer(_ context.Context, customerID string) (*Customer, error) {
	p.calls++
	if p.customerErr != nil {
		return nil, p.customerErr
	}
	return &Customer{ID: customerID}, nil
}

func TestDefaultCircuitBreaker(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var states []CircuitBreakerState
	cb := NewCircuitBreaker(3, time.Minute, func(state CircuitBreakerState) {
		states = append(states, state)
	})
	cb.now = func() time.Time { return clock }
	ctx := context.Background()
	fail := func() error { return errors.New("fail") }

	assert.Equal(t, StateClosed, cb.State())

	for i := 0; i < 2; i++ {
		assert.Error(t, cb.Execute(ctx, fail))
		assert.Equal(t, StateClosed, cb.State())
	}

	assert.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	clock = clock.Add(time.Minute)
	assert.Equal(t, StateHalfOpen, cb.State())

	// A failed trial call re-opens the circuit
	assert.Error(t, cb.Execute(ctx, fail))
	assert.Equal(t, StateOpen, cb.State())

	clock = clock.Add(time.Minute)
	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())

	assert.Equal(t, []CircuitBreakerState{StateOpen, StateHalfOpen, StateOpen, StateHalfOpen, StateClosed}, states)
}

func TestDefaultCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute, nil)
	ctx := context.Background()

	assert.Error(t, cb.Execute(ctx, func() error { return errors.New("fail") }))
	assert.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Error(t, cb.Execute(ctx, func() error { return errors.New("fail") }))

	assert.Equal(t, StateClosed, cb.State())
}

func TestDefaultCircuitBreaker_NeutralErrors(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute, nil)
	ctx := context.Background()

	err := cb.Execute(ctx, func() error { return fmt.Errorf("%w: cus_1", ErrCustomerNotFound) })
	assert.ErrorIs(t, err, ErrCustomerNotFound)
	assert.Equal(t, StateClosed, cb.State())

	err = cb.Execute(ctx, func() error { return context.DeadlineExceeded })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateClosed, cb.State())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	called := false
	err = cb.Execute(cancelled, func() error { called = true; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestBreakerProvider(t *testing.T) {
	ctx := context.Background()
	inner := &stubProvider{eventErr: errors.New("stripe unavailable")}
	provider := NewBreakerProvider(inner, NewCircuitBreaker(2, time.Hour, nil))

	for i := 0; i < 2; i++ {
		_, err := provider.RetrieveEvent(ctx, "evt_1")
		assert.EqualError(t, err, "stripe unavailable")
	}

	_, err := provider.RetrieveEvent(ctx, "evt_2")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	_, err = provider.RetrieveCustomer(ctx, "cus_1")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, inner.calls)
}

func TestBreakerProvider_PassesThroughResults(t *testing.T) {
	ctx := context.Background()
	provider := NewBreakerProvider(&stubProvider{}, NewCircuitBreaker(1, time.Hour, nil))

	ev, err := provider.RetrieveEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.EventID())

	customer, err := provider.RetrieveCustomer(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", customer.ID)
}
