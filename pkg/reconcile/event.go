package reconcile

import (
	"context"
	"time"
)

// Provider event types handled by the retry scheduler.
const (
	EventSubscriptionCreated   = "customer.subscription.created"
	EventSubscriptionUpdated   = "customer.subscription.updated"
	EventSubscriptionDeleted   = "customer.subscription.deleted"
	EventInvoicePaid           = "invoice.paid"
	EventInvoicePaymentSucceed = "invoice.payment_succeeded"
	EventInvoicePaymentFailed  = "invoice.payment_failed"
)

// Provider is the payment-provider client the engine consumes.
type Provider interface {
	// RetrieveEvent fetches the authoritative event object by id.
	RetrieveEvent(ctx context.Context, eventID string) (ProviderEvent, error)

	// RetrieveCustomer fetches a customer by id.
	RetrieveCustomer(ctx context.Context, customerID string) (*Customer, error)
}

// Customer is the subset of a provider customer the engine reads.
type Customer struct {
	ID       string
	Deleted  bool
	Metadata map[string]string
}

// ProviderEvent is a closed union of the provider events the engine
// understands. Implementations are SubscriptionEvent, InvoiceEvent and
// IgnoredEvent.
type ProviderEvent interface {
	EventID() string
	EventType() string
	providerEvent()
}

// Subscription is the subscription object carried by a subscription event.
type Subscription struct {
	ID               string
	CustomerID       string
	Status           string
	TrialEnd         *time.Time
	CurrentPeriodEnd *time.Time
	PriceIDs         []string
	Metadata         map[string]string
}

// SubscriptionEvent is a customer.subscription.created/updated/deleted event.
type SubscriptionEvent struct {
	ID           string
	Type         string
	Created      time.Time
	Subscription Subscription
}

func (e *SubscriptionEvent) EventID() string   { return e.ID }
func (e *SubscriptionEvent) EventType() string { return e.Type }
func (e *SubscriptionEvent) providerEvent()    {}

// Invoice is the invoice object carried by an invoice event.
type Invoice struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	PriceIDs       []string
	Metadata       map[string]string
}

// InvoiceEvent is an invoice paid or payment-failed event.
type InvoiceEvent struct {
	ID      string
	Type    string
	Created time.Time
	Paid    bool
	Invoice Invoice
}

func (e *InvoiceEvent) EventID() string   { return e.ID }
func (e *InvoiceEvent) EventType() string { return e.Type }
func (e *InvoiceEvent) providerEvent()    {}

// IgnoredEvent is any event type the engine deliberately does not handle.
type IgnoredEvent struct {
	ID   string
	Type string
}

func (e *IgnoredEvent) EventID() string   { return e.ID }
func (e *IgnoredEvent) EventType() string { return e.Type }
func (e *IgnoredEvent) providerEvent()    {}

// IsSubscriptionEvent reports whether eventType carries a subscription object.
func IsSubscriptionEvent(eventType string) bool {
	switch eventType {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		return true
	default:
		return false
	}
}

// IsInvoiceEvent reports whether eventType carries an invoice object.
func IsInvoiceEvent(eventType string) bool {
	switch eventType {
	case EventInvoicePaid, EventInvoicePaymentSucceed, EventInvoicePaymentFailed:
		return true
	default:
		return false
	}
}

// eventObject returns the metadata and customer id of the object an event carries.
func eventObject(ev ProviderEvent) (metadata map[string]string, customerID string) {
	switch e := ev.(type) {
	case *SubscriptionEvent:
		return e.Subscription.Metadata, e.Subscription.CustomerID
	case *InvoiceEvent:
		return e.Invoice.Metadata, e.Invoice.CustomerID
	default:
		return nil, ""
	}
}
