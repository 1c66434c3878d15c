package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

const (
	testPriceStarter      = "price_starter"
	testPriceProfessional = "price_pro"
	testPriceEnterprise   = "price_ent"
)

var (
	testNow    = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testPrices = reconcile.PriceConfig{
		Starter:      testPriceStarter,
		Professional: testPriceProfessional,
		Enterprise:   testPriceEnterprise,
	}
	errProviderDown = errors.New("stripe: connection reset")
)

func fixedNow() time.Time { return testNow }

// fakeProvider serves events and customers from maps and records calls.
type fakeProvider struct {
	mu            sync.Mutex
	events        map[string]reconcile.ProviderEvent
	eventErrs     map[string]error
	customers     map[string]*reconcile.Customer
	customerErr   error
	eventCalls    []string
	customerCalls []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		events:    make(map[string]reconcile.ProviderEvent),
		eventErrs: make(map[string]error),
		customers: make(map[string]*reconcile.Customer),
	}
}

func (f *fakeProvider) RetrieveEvent(_ context.Context, eventID string) (reconcile.ProviderEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eventCalls = append(f.eventCalls, eventID)
	if err, ok := f.eventErrs[eventID]; ok {
		return nil, err
	}
	ev, ok := f.events[eventID]
	if !ok {
		return nil, errors.New("stripe: no such event")
	}
	return ev, nil
}

func (f *fakeProvider) RetrieveCustomer(_ context.Context, customerID string) (*reconcile.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.customerCalls = append(f.customerCalls, customerID)
	if f.customerErr != nil {
		return nil, f.customerErr
	}
	cust, ok := f.customers[customerID]
	if !ok {
		return nil, reconcile.ErrCustomerNotFound
	}
	return cust, nil
}

// fakeAlertSink captures alerts.
type fakeAlertSink struct {
	alerts []reconcile.Alert
	err    error
}

func (f *fakeAlertSink) Send(_ context.Context, alert reconcile.Alert) error {
	f.alerts = append(f.alerts, alert)
	return f.err
}

// failingBillingStore wraps a store and fails upserts for selected tenants.
type failingBillingStore struct {
	reconcile.Store
	failTenants map[string]error
	upserts     []string
}

func (f *failingBillingStore) UpsertBilling(ctx context.Context, tenantID string, update reconcile.BillingUpdate, now time.Time) error {
	f.upserts = append(f.upserts, tenantID)
	if err, ok := f.failTenants[tenantID]; ok {
		return err
	}
	return f.Store.UpsertBilling(ctx, tenantID, update, now)
}

func subscriptionEvent(id, eventType string, sub reconcile.Subscription) *reconcile.SubscriptionEvent {
	return &reconcile.SubscriptionEvent{ID: id, Type: eventType, Created: testNow, Subscription: sub}
}

func invoiceEvent(id, eventType string, paid bool, inv reconcile.Invoice) *reconcile.InvoiceEvent {
	return &reconcile.InvoiceEvent{ID: id, Type: eventType, Created: testNow, Paid: paid, Invoice: inv}
}
