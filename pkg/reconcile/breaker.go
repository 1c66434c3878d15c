package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitBreakerState represents the current state of the circuit breaker.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker stops calling a dependency after repeated failures.
type CircuitBreaker interface {
	// Execute runs fn unless the circuit is open.
	Execute(ctx context.Context, fn func() error) error
	// State returns the current state of the circuit breaker.
	State() CircuitBreakerState
}

// DefaultCircuitBreaker opens after failureThreshold consecutive failures
// and lets one trial call through once resetTimeout has elapsed.
type DefaultCircuitBreaker struct {
	mu sync.Mutex

	state               CircuitBreakerState
	failureThreshold    int
	resetTimeout        time.Duration
	consecutiveFailures int
	openedAt            time.Time
	now                 func() time.Time

	onStateChange func(state CircuitBreakerState)
}

// NewCircuitBreaker creates a circuit breaker. onStateChange may be nil.
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration,
	onStateChange func(state CircuitBreakerState)) *DefaultCircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 1
	}
	return &DefaultCircuitBreaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		now:              time.Now,
		onStateChange:    onStateChange,
	}
}

// State returns the current state, moving an open circuit to half-open
// once the reset timeout has elapsed.
func (cb *DefaultCircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

func (cb *DefaultCircuitBreaker) currentState() CircuitBreakerState {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		cb.changeState(StateHalfOpen)
	}
	return cb.state
}

// Execute runs fn unless the circuit is open, in which case it returns
// ErrCircuitOpen without calling fn. ErrCustomerNotFound counts as a
// success; context errors leave the state unchanged.
func (cb *DefaultCircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cb.State() == StateOpen {
		return ErrCircuitOpen
	}

	err := fn()
	switch {
	case err == nil, errors.Is(err, ErrCustomerNotFound):
		cb.success()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	default:
		cb.failure()
	}
	return err
}

func (cb *DefaultCircuitBreaker) success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateClosed {
		cb.changeState(StateClosed)
	}
	cb.consecutiveFailures = 0
}

func (cb *DefaultCircuitBreaker) failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	switch {
	case cb.state == StateHalfOpen:
		cb.openedAt = cb.now()
		cb.changeState(StateOpen)
	case cb.state == StateClosed && cb.consecutiveFailures >= cb.failureThreshold:
		cb.openedAt = cb.now()
		cb.changeState(StateOpen)
	}
}

func (cb *DefaultCircuitBreaker) changeState(newState CircuitBreakerState) {
	if cb.state == newState {
		return
	}
	cb.state = newState
	if cb.onStateChange != nil {
		cb.onStateChange(newState)
	}
}

// BreakerProvider wraps a Provider with circuit breaker protection.
type BreakerProvider struct {
	provider Provider
	cb       CircuitBreaker
}

// NewBreakerProvider creates a provider wrapper with circuit breaker.
func NewBreakerProvider(provider Provider, cb CircuitBreaker) *BreakerProvider {
	return &BreakerProvider{provider: provider, cb: cb}
}

// RetrieveEvent implements Provider through the circuit breaker.
func (p *BreakerProvider) RetrieveEvent(ctx context.Context, eventID string) (ProviderEvent, error) {
	var ev ProviderEvent
	err := p.cb.Execute(ctx, func() error {
		var e error
		ev, e = p.provider.RetrieveEvent(ctx, eventID)
		return e
	})
	return ev, err
}

// RetrieveCustomer implements Provider through the circuit breaker.
func (p *BreakerProvider) RetrieveCustomer(ctx context.Context, customerID string) (*Customer, error) {
	var customer *Customer
	err := p.cb.Execute(ctx, func() error {
		var e error
		customer, e = p.provider.RetrieveCustomer(ctx, customerID)
		return e
	})
	return customer, err
}
