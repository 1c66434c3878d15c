// Package stripe implements reconcile.Provider on top of the Stripe API.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

const defaultMaxNetworkRetries = 2

// Config configures a Client.
type Config struct {
	// APIKey is the Stripe secret key (required)
	APIKey string

	// MaxNetworkRetries is the number of retries stripe-go performs on
	// network errors and 409/429/5xx responses (default: 2)
	MaxNetworkRetries int64

	// Backends overrides the API backends. Used to point the client at a
	// test server; when set, MaxNetworkRetries and Logger are ignored.
	Backends *stripe.Backends

	// Logger is optional; defaults to NoopLogger
	Logger reconcile.Logger
}

// Client fetches events and customers from Stripe.
type Client struct {
	sc     *stripe.Client
	logger reconcile.Logger
}

var _ reconcile.Provider = (*Client)(nil)

// NewClient creates a Stripe-backed provider.
func NewClient(config Config) (*Client, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, reconcile.ErrProviderNotConfigured
	}

	logger := config.Logger
	if logger == nil {
		logger = &reconcile.NoopLogger{}
	}

	backends := config.Backends
	if backends == nil {
		retries := config.MaxNetworkRetries
		if retries <= 0 {
			retries = defaultMaxNetworkRetries
		}
		backends = stripe.NewBackendsWithConfig(&stripe.BackendConfig{
			MaxNetworkRetries: stripe.Int64(retries),
			LeveledLogger:     &leveledLogger{logger: logger},
		})
	}

	return &Client{
		sc:     stripe.NewClient(apiKey, stripe.WithBackends(backends)),
		logger: logger,
	}, nil
}

// RetrieveEvent fetches an event by id and decodes it.
func (c *Client) RetrieveEvent(ctx context.Context, eventID string) (reconcile.ProviderEvent, error) {
	ev, err := c.sc.V1Events.Retrieve(ctx, eventID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve event %s: %w", eventID, err)
	}
	return DecodeEvent(ev)
}

// RetrieveCustomer fetches a customer by id. A missing customer is reported
// as reconcile.ErrCustomerNotFound; a deleted one is returned with Deleted set.
func (c *Client) RetrieveCustomer(ctx context.Context, customerID string) (*reconcile.Customer, error) {
	cust, err := c.sc.V1Customers.Retrieve(ctx, customerID, nil)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodeResourceMissing {
			return nil, fmt.Errorf("%w: %s", reconcile.ErrCustomerNotFound, customerID)
		}
		return nil, fmt.Errorf("failed to retrieve customer %s: %w", customerID, err)
	}
	return &reconcile.Customer{
		ID:       cust.ID,
		Deleted:  cust.Deleted,
		Metadata: cust.Metadata,
	}, nil
}

// leveledLogger routes stripe-go's own logging into reconcile.Logger.
type leveledLogger struct {
	logger reconcile.Logger
}

func (l *leveledLogger) Debugf(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...), reconcile.F("component", "stripe"))
}

func (l *leveledLogger) Infof(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...), reconcile.F("component", "stripe"))
}

func (l *leveledLogger) Warnf(format string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, v...), reconcile.F("component", "stripe"))
}

func (l *leveledLogger) Errorf(format string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, v...), reconcile.F("component", "stripe"))
}
