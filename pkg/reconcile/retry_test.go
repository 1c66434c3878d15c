package reconcile_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goreconcile/pkg/reconcile"
	"github.com/mihaimyh/goreconcile/storage/memory"
)

func newTestScheduler(t *testing.T, store *memory.Storage, provider *fakeProvider, sink reconcile.AlertSink) *reconcile.RetryScheduler {
	t.Helper()
	config := reconcile.RetryConfig{
		Store:    store,
		Provider: provider,
		Prices:   testPrices,
		Now:      fixedNow,
	}
	if sink != nil {
		config.AlertSink = sink
	}
	scheduler, err := reconcile.NewRetryScheduler(config)
	require.NoError(t, err)
	return scheduler
}

func failedEvent(id, eventType string, attempts int, updatedAt time.Time) reconcile.WebhookEventRecord {
	return reconcile.WebhookEventRecord{
		EventID:   id,
		EventType: eventType,
		Status:    reconcile.EventFailed,
		Attempts:  attempts,
		LastError: "previous failure",
		UpdatedAt: updatedAt,
	}
}

func TestNewRetryScheduler_Validation(t *testing.T) {
	_, err := reconcile.NewRetryScheduler(reconcile.RetryConfig{Provider: newFakeProvider()})
	assert.ErrorIs(t, err, reconcile.ErrStoreNotConfigured)

	_, err = reconcile.NewRetryScheduler(reconcile.RetryConfig{Store: memory.New()})
	assert.ErrorIs(t, err, reconcile.ErrProviderNotConfigured)

	_, err = reconcile.NewRetryScheduler(reconcile.RetryConfig{Store: memory.New(), Provider: newFakeProvider(), MaxAttempts: -1})
	assert.Error(t, err)
}

func TestRetryScheduler_TrialingSubscription(t *testing.T) {
	store := memory.New()
	provider := newFakeProvider()
	trialEnd := testNow.Add(10 * 24 * time.Hour)
	periodEnd := testNow.Add(30 * 24 * time.Hour)

	store.PutEvent(failedEvent("evt_1", reconcile.EventSubscriptionUpdated, 1, testNow.Add(-time.Hour)))
	provider.events["evt_1"] = subscriptionEvent("evt_1", reconcile.EventSubscriptionUpdated, reconcile.Subscription{
		ID:               "sub_1",
		CustomerID:       "cus_1",
		Status:           "trialing",
		TrialEnd:         &trialEnd,
		CurrentPeriodEnd: &periodEnd,
		PriceIDs:         []string{testPriceEnterprise},
		Metadata:         map[string]string{"tenant_id": "T1"},
	})

	report, err := newTestScheduler(t, store, provider, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Selected)
	assert.Equal(t, 1, report.Processed)
	assert.Empty(t, report.Failures)

	rec, err := store.GetBilling(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, reconcile.PlanProfessional, rec.Plan)
	assert.Equal(t, reconcile.StatusTrialing, rec.BillingStatus)
	require.NotNil(t, rec.TrialEndsAt)
	assert.WithinDuration(t, testNow.Add(10*24*time.Hour), *rec.TrialEndsAt, time.Second)
	require.NotNil(t, rec.CurrentPeriodEnd)
	assert.True(t, periodEnd.Equal(*rec.CurrentPeriodEnd))
	assert.Equal(t, "sub_1", rec.StripeSubscriptionID)
	assert.Equal(t, "cus_1", rec.StripeCustomerID)

	ev, err := store.GetEvent(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, reconcile.EventProcessed, ev.Status)
	assert.Equal(t, 2, ev.Attempts)
	assert.Empty(t, ev.LastError)
}

func TestRetryScheduler_ExpiredTrialKeepsResolvedPlan(t *testing.T) {
	store := memory.New()
	provider := newFakeProvider()
	trialEnd := testNow.Add(-24 * time.Hour)

	store.PutEvent(failedEvent("evt_1", reconcile.EventSubscriptionUpdated, 0, testNow))
	provider.events["evt_1"] = subscriptionEvent("evt_1", reconcile.EventSubscriptionUpdated, reconcile.Subscription{
		ID:       "sub_1",
		Status:   "trialing",
		TrialEnd: &trialEnd,
		PriceIDs: []string{testPriceEnterprise},
		Metadata: map[string]string{"tenantId": "T1"},
	})

	_, err := newTestScheduler(t, store, provider, nil).Run(context.Background())
	require.NoError(t, err)

	rec, err := store.GetBilling(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, reconcile.StatusTrialExpired, rec.BillingStatus)
	assert.Equal(t, reconcile.PlanEnterprise, rec.Plan)
}

func TestRetryScheduler_SubscriptionDeleted(t *testing.T) {
	store := memory.New()
	provider := newFakeProvider()
	store.PutBilling(reconcile.TenantBillingRecord{
		TenantID:             "T1",
		StripeCustomerID:     "cus_1",
		StripeSubscriptionID: "sub_1",
		Plan:                 reconcile.PlanEnterprise,
		BillingStatus:        reconcile.StatusActive,
	})

	store.PutEvent(failedEvent("evt_1", reconcile.EventSubscriptionDeleted, 0, testNow))
	provider.events["evt_1"] = subscriptionEvent("evt_1", reconcile.EventSubscriptionDeleted, reconcile.Subscription{
		ID:         "sub_1",
		CustomerID: "cus_1",
		Status:     "canceled",
		PriceIDs:   []string{testPriceEnterprise},
		Metadata:   map[string]string{"tenant_id": "T1"},
	})

	_, err := newTestScheduler(t, store, provider, nil).Run(context.Background())
	require.NoError(t, err)

	rec, err := store.GetBilling(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, reconcile.StatusCanceled, rec.BillingStatus)
	assert.Equal(t, reconcile.PlanEnterprise, rec.Plan)
}

func TestRetryScheduler_InvoiceEvents(t *testing.T) {
	tests := []struct {
		name      string
		eventType string
		paid      bool
		want      reconcile.BillingStatus
	}{
		{"paid", reconcile.EventInvoicePaid, true, reconcile.StatusActive},
		{"payment succeeded", reconcile.EventInvoicePaymentSucceed, true, reconcile.StatusActive},
		{"payment failed", reconcile.EventInvoicePaymentFailed, false, reconcile.StatusPastDue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			provider := newFakeProvider()
			provider.customers["cus_1"] = &reconcile.Customer{ID: "cus_1", Metadata: map[string]string{"tenant_id": "T1"}}
			trialEnd := testNow.Add(-48 * time.Hour)
			store.PutBilling(reconcile.TenantBillingRecord{
				TenantID:      "T1",
				Plan:          reconcile.PlanProfessional,
				BillingStatus: reconcile.StatusTrialing,
				TrialEndsAt:   &trialEnd,
			})

			store.PutEvent(failedEvent("evt_inv", tt.eventType, 2, testNow))
			provider.events["evt_inv"] = invoiceEvent("evt_inv", tt.eventType, tt.paid, reconcile.Invoice{
				ID:             "in_1",
				CustomerID:     "cus_1",
				SubscriptionID: "sub_1",
				PriceIDs:       []string{testPriceProfessional},
			})

			report, err := newTestScheduler(t, store, provider, nil).Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, report.Processed)

			rec, err := store.GetBilling(context.Background(), "T1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, rec.BillingStatus)
			assert.Equal(t, reconcile.PlanProfessional, rec.Plan)
			assert.Equal(t, "cus_1", rec.StripeCustomerID)
			assert.Equal(t, "sub_1", rec.StripeSubscriptionID)
			require.NotNil(t, rec.TrialEndsAt, "invoice events leave trial fields untouched")
			assert.True(t, trialEnd.Equal(*rec.TrialEndsAt))
		})
	}
}

func TestRetryScheduler_BatchSelection(t *testing.T) {
	store := memory.New()
	provider := newFakeProvider()

	for i := 0; i < 25; i++ {
		id := fmt.Sprintf("evt_%02d", i)
		store.PutEvent(failedEvent(id, "charge.refunded", 0, testNow.Add(time.Duration(i)*time.Minute)))
		provider.events[id] = &reconcile.IgnoredEvent{ID: id, Type: "charge.refunded"}
	}
	store.PutEvent(failedEvent("evt_exhausted", "charge.refunded", 5, testNow.Add(-time.Hour)))
	store.PutEvent(reconcile.WebhookEventRecord{
		EventID: "evt_done", EventType: "charge.refunded", Status: reconcile.EventProcessed, UpdatedAt: testNow.Add(-time.Hour),
	})

	report, err := newTestScheduler(t, store, provider, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, report.Selected)
	assert.Equal(t, 20, report.Ignored)
	assert.Equal(t, 1, report.Exhausted)

	require.Len(t, provider.eventCalls, 20)
	for i, id := range provider.eventCalls {
		assert.Equal(t, fmt.Sprintf("evt_%02d", i), id, "oldest updated_at first")
	}

	for i := 20; i < 25; i++ {
		ev, err := store.GetEvent(context.Background(), fmt.Sprintf("evt_%02d", i))
		require.NoError(t, err)
		assert.Equal(t, reconcile.EventFailed, ev.Status, "events beyond the batch wait for the next run")
	}
}

func TestRetryScheduler_FailuresAndSingleAlert(t *testing.T) {
	store := memory.New()
	provider := newFakeProvider()
	sink := &fakeAlertSink{}

	store.PutEvent(failedEvent("evt_a", reconcile.EventSubscriptionUpdated, 4, testNow.Add(-2*time.Minute)))
	store.PutEvent(failedEvent("evt_b", reconcile.EventInvoicePaid, 1, testNow.Add(-time.Minute)))
	store.PutEvent(failedEvent("evt_ok", "charge.refunded", 0, testNow))
	provider.eventErrs["evt_a"] = errProviderDown
	provider.eventErrs["evt_b"] = errProviderDown
	provider.events["evt_ok"] = &reconcile.IgnoredEvent{ID: "evt_ok", Type: "charge.refunded"}

	report, err := newTestScheduler(t, store, provider, sink).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, 1, report.Ignored)
	assert.Equal(t, []string{"evt_a", "evt_b"}, report.Failures)
	assert.Equal(t, 1, report.Exhausted)
	assert.True(t, report.AlertSent)

	require.Len(t, sink.alerts, 1)
	alert := sink.alerts[0]
	assert.Equal(t, "Stripe webhook retry failures", alert.Title)
	assert.Equal(t, []string{"evt_a", "evt_b"}, alert.Failures)
	assert.Equal(t, 2, alert.Count)

	evA, err := store.GetEvent(context.Background(), "evt_a")
	require.NoError(t, err)
	assert.Equal(t, reconcile.EventFailed, evA.Status)
	assert.Equal(t, 5, evA.Attempts)
	assert.Contains(t, evA.LastError, "connection reset")

	report, err = newTestScheduler(t, store, provider, sink).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Selected, "evt_a reached the attempt cap")
	assert.Equal(t, []string{"evt_b"}, report.Failures)
}

func TestRetryScheduler_NoAlertWithoutFailures(t *testing.T) {
	store := memory.New()
	provider := newFakeProvider()
	sink := &fakeAlertSink{}

	store.PutEvent(failedEvent("evt_1", "charge.refunded", 0, testNow))
	provider.events["evt_1"] = &reconcile.IgnoredEvent{ID: "evt_1", Type: "charge.refunded"}

	report, err := newTestScheduler(t, store, provider, sink).Run(context.Background())
	require.NoError(t, err)
	assert.False(t, report.AlertSent)
	assert.Empty(t, sink.alerts)
}

func TestRetryScheduler_AlertFailureDoesNotFailRun(t *testing.T) {
	store := memory.New()
	provider := newFakeProvider()
	sink := &fakeAlertSink{err: fmt.Errorf("webhook unreachable")}

	store.PutEvent(failedEvent("evt_1", reconcile.EventInvoicePaid, 0, testNow))
	provider.eventErrs["evt_1"] = errProviderDown

	report, err := newTestScheduler(t, store, provider, sink).Run(context.Background())
	require.NoError(t, err)
	assert.False(t, report.AlertSent)
	assert.Len(t, sink.alerts, 1)
}

func TestRetryScheduler_UnresolvedTenantIsSkipped(t *testing.T) {
	store := memory.New()
	provider := newFakeProvider()
	provider.customers["cus_gone"] = &reconcile.Customer{ID: "cus_gone", Deleted: true}

	store.PutEvent(failedEvent("evt_1", reconcile.EventInvoicePaymentFailed, 0, testNow))
	provider.events["evt_1"] = invoiceEvent("evt_1", reconcile.EventInvoicePaymentFailed, false, reconcile.Invoice{
		ID: "in_1", CustomerID: "cus_gone",
	})

	report, err := newTestScheduler(t, store, provider, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, report.Failed)

	records, err := store.ListBilling(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Empty(t, records)

	ev, err := store.GetEvent(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, reconcile.EventProcessed, ev.Status)
}

func TestRetryScheduler_CanceledContext(t *testing.T) {
	store := memory.New()
	provider := newFakeProvider()
	store.PutEvent(failedEvent("evt_1", "charge.refunded", 0, testNow))
	provider.events["evt_1"] = &reconcile.IgnoredEvent{ID: "evt_1", Type: "charge.refunded"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := newTestScheduler(t, store, provider, nil).Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.Interrupted)
	assert.Empty(t, provider.eventCalls)

	ev, err := store.GetEvent(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, reconcile.EventFailed, ev.Status)
}

func TestRetryScheduler_TrialingWithoutTrialEnd(t *testing.T) {
	tests := []struct {
		name      string
		trialDays int
		wantDays  int
	}{
		{"default trial length", 0, reconcile.DefaultTrialDays},
		{"configured trial length", 30, 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			provider := newFakeProvider()
			store.PutEvent(failedEvent("evt_1", reconcile.EventSubscriptionCreated, 0, testNow))
			provider.events["evt_1"] = subscriptionEvent("evt_1", reconcile.EventSubscriptionCreated, reconcile.Subscription{
				ID:       "sub_1",
				Status:   "trialing",
				PriceIDs: []string{testPriceStarter},
				Metadata: map[string]string{"tenant_id": "T1"},
			})

			scheduler, err := reconcile.NewRetryScheduler(reconcile.RetryConfig{
				Store:     store,
				Provider:  provider,
				Prices:    testPrices,
				TrialDays: tt.trialDays,
				Now:       fixedNow,
			})
			require.NoError(t, err)

			report, err := scheduler.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, report.Processed)

			rec, err := store.GetBilling(context.Background(), "T1")
			require.NoError(t, err)
			assert.Equal(t, reconcile.StatusTrialing, rec.BillingStatus)
			require.NotNil(t, rec.TrialEndsAt)
			assert.True(t, testNow.Add(time.Duration(tt.wantDays)*24*time.Hour).Equal(*rec.TrialEndsAt))
			assert.Nil(t, reconcile.Evaluate(*rec, testNow, tt.wantDays), "written row must satisfy every invariant")
		})
	}
}

// markProcessedFailingStore fails every MarkProcessed call.
type markProcessedFailingStore struct {
	*memory.Storage
}

func (s *markProcessedFailingStore) MarkProcessed(_ context.Context, _ string, _ time.Time) error {
	return fmt.Errorf("connection reset")
}

func TestRetryScheduler_MarkProcessedFailureCountsAttempt(t *testing.T) {
	inner := memory.New()
	store := &markProcessedFailingStore{Storage: inner}
	provider := newFakeProvider()
	inner.PutEvent(failedEvent("evt_1", "charge.succeeded", 2, testNow))
	provider.events["evt_1"] = &reconcile.IgnoredEvent{ID: "evt_1", Type: "charge.succeeded"}

	scheduler, err := reconcile.NewRetryScheduler(reconcile.RetryConfig{
		Store:    store,
		Provider: provider,
		Now:      fixedNow,
	})
	require.NoError(t, err)

	report, err := scheduler.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, []string{"evt_1"}, report.Failures)

	ev, err := inner.GetEvent(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.Equal(t, reconcile.EventFailed, ev.Status)
	assert.Equal(t, 3, ev.Attempts)
	assert.Contains(t, ev.LastError, "connection reset")
}
