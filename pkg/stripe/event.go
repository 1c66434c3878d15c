package stripe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/samber/lo"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goreconcile/pkg/reconcile"
)

// expandableID decodes a Stripe field that is either an object id string or
// an expanded object carrying an "id".
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*e = ""
		return nil
	}
	if data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*e = expandableID(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

// legacySubscriptionFields are subscription fields that stripe-go v83 no
// longer models. Accounts pinned to API versions before 2025-03-31 report the
// period end on the subscription instead of on each item.
type legacySubscriptionFields struct {
	CurrentPeriodEnd int64 `json:"current_period_end"`
}

type legacySubscriptionDetails struct {
	Subscription expandableID      `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

// legacyInvoiceFields are invoice fields that stripe-go v83 moved under
// parent.subscription_details and lines.data[].pricing.
type legacyInvoiceFields struct {
	Subscription        expandableID               `json:"subscription"`
	SubscriptionDetails *legacySubscriptionDetails `json:"subscription_details"`
	Lines               struct {
		Data []struct {
			Price expandableID `json:"price"`
		} `json:"data"`
	} `json:"lines"`
}

// DecodeEvent converts a Stripe event into the engine's event union.
// Subscription and invoice events are decoded from the raw event object;
// every other type becomes an IgnoredEvent.
func DecodeEvent(ev *stripe.Event) (reconcile.ProviderEvent, error) {
	if ev == nil {
		return nil, fmt.Errorf("stripe event is nil")
	}
	eventType := string(ev.Type)

	switch {
	case reconcile.IsSubscriptionEvent(eventType):
		raw, err := eventObjectRaw(ev)
		if err != nil {
			return nil, err
		}
		var sub stripe.Subscription
		if err := json.Unmarshal(raw, &sub); err != nil {
			return nil, fmt.Errorf("failed to decode subscription in event %s: %w", ev.ID, err)
		}
		var legacy legacySubscriptionFields
		if err := json.Unmarshal(raw, &legacy); err != nil {
			return nil, fmt.Errorf("failed to decode subscription in event %s: %w", ev.ID, err)
		}
		return &reconcile.SubscriptionEvent{
			ID:           ev.ID,
			Type:         eventType,
			Created:      unixTime(ev.Created),
			Subscription: toSubscription(&sub, legacy),
		}, nil

	case reconcile.IsInvoiceEvent(eventType):
		raw, err := eventObjectRaw(ev)
		if err != nil {
			return nil, err
		}
		var inv stripe.Invoice
		if err := json.Unmarshal(raw, &inv); err != nil {
			return nil, fmt.Errorf("failed to decode invoice in event %s: %w", ev.ID, err)
		}
		var legacy legacyInvoiceFields
		if err := json.Unmarshal(raw, &legacy); err != nil {
			return nil, fmt.Errorf("failed to decode invoice in event %s: %w", ev.ID, err)
		}
		return &reconcile.InvoiceEvent{
			ID:      ev.ID,
			Type:    eventType,
			Created: unixTime(ev.Created),
			Paid:    eventType != reconcile.EventInvoicePaymentFailed,
			Invoice: toInvoice(&inv, legacy),
		}, nil

	default:
		return &reconcile.IgnoredEvent{ID: ev.ID, Type: eventType}, nil
	}
}

func eventObjectRaw(ev *stripe.Event) (json.RawMessage, error) {
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return nil, fmt.Errorf("stripe event %s (%s) has no data object", ev.ID, ev.Type)
	}
	return ev.Data.Raw, nil
}

func toSubscription(s *stripe.Subscription, legacy legacySubscriptionFields) reconcile.Subscription {
	sub := reconcile.Subscription{
		ID:       s.ID,
		Status:   string(s.Status),
		TrialEnd: unixTimePtr(s.TrialEnd),
		Metadata: s.Metadata,
	}
	if s.Customer != nil {
		sub.CustomerID = s.Customer.ID
	}

	periodEnd := legacy.CurrentPeriodEnd
	if s.Items != nil {
		for _, item := range s.Items.Data {
			if item == nil {
				continue
			}
			if item.Price != nil && item.Price.ID != "" {
				sub.PriceIDs = append(sub.PriceIDs, item.Price.ID)
			}
			if item.CurrentPeriodEnd > periodEnd {
				periodEnd = item.CurrentPeriodEnd
			}
		}
	}
	sub.CurrentPeriodEnd = unixTimePtr(periodEnd)
	return sub
}

func toInvoice(in *stripe.Invoice, legacy legacyInvoiceFields) reconcile.Invoice {
	inv := reconcile.Invoice{ID: in.ID}
	if in.Customer != nil {
		inv.CustomerID = in.Customer.ID
	}

	// Invoice metadata wins over metadata copied from the subscription.
	var metadata map[string]string
	inv.SubscriptionID = string(legacy.Subscription)
	if details := legacy.SubscriptionDetails; details != nil {
		if details.Subscription != "" {
			inv.SubscriptionID = string(details.Subscription)
		}
		metadata = lo.Assign(metadata, details.Metadata)
	}
	if in.Parent != nil && in.Parent.SubscriptionDetails != nil {
		details := in.Parent.SubscriptionDetails
		if details.Subscription != nil && details.Subscription.ID != "" {
			inv.SubscriptionID = details.Subscription.ID
		}
		metadata = lo.Assign(metadata, details.Metadata)
	}
	if len(in.Metadata) > 0 {
		metadata = lo.Assign(metadata, in.Metadata)
	}
	inv.Metadata = metadata

	for _, line := range legacy.Lines.Data {
		if line.Price != "" {
			inv.PriceIDs = append(inv.PriceIDs, string(line.Price))
		}
	}
	if in.Lines != nil {
		for _, line := range in.Lines.Data {
			if line != nil && line.Pricing != nil && line.Pricing.PriceDetails != nil && line.Pricing.PriceDetails.Price != "" {
				inv.PriceIDs = append(inv.PriceIDs, line.Pricing.PriceDetails.Price)
			}
		}
	}
	inv.PriceIDs = lo.Uniq(inv.PriceIDs)
	return inv
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func unixTimePtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
