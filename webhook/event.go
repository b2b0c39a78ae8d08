package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v72"
)

// ErrMalformedEvent is returned when a verified event cannot be decoded into what its kind promises
var ErrMalformedEvent = errors.New("malformed event")

// Kind is the provider event type
type Kind string

// Defining the event kinds the reconciler acts on. Everything else is acknowledged and ignored
const (
	KindSubscriptionCreated Kind = "customer.subscription.created"
	KindSubscriptionUpdated Kind = "customer.subscription.updated"
	KindSubscriptionDeleted Kind = "customer.subscription.deleted"
	KindPaymentSucceeded    Kind = "invoice.payment_succeeded"
	KindPaymentFailed       Kind = "invoice.payment_failed"
)

// Supported reports whether the reconciler handles k
func (k Kind) Supported() bool {
	switch k {
	case KindSubscriptionCreated, KindSubscriptionUpdated, KindSubscriptionDeleted,
		KindPaymentSucceeded, KindPaymentFailed:
		return true
	}
	return false
}

func (k Kind) isSubscriptionEvent() bool {
	return k == KindSubscriptionCreated || k == KindSubscriptionUpdated || k == KindSubscriptionDeleted
}

// Event is a provider event reduced to what reconciliation needs
type Event struct {
	ID      string
	Kind    Kind
	Created time.Time // provider time, used to order events touching the same subscription
	Payload Payload
}

// Payload carries the subscription state reported by the event. Absent values are nil or empty
type Payload struct {
	ExternalID        string
	CustomerID        string
	UserID            string // from subscription metadata, set at checkout
	ProviderStatus    stripe.SubscriptionStatus
	PriceID           string
	PeriodStart       *time.Time
	PeriodEnd         *time.Time
	TrialStart        *time.Time
	TrialEnd          *time.Time
	CancelAtPeriodEnd bool
	CanceledAt        *time.Time
	AmountPaid        int64 // invoices only
}

func unixPtr(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}

// FromStripe normalizes a verified Stripe event. Unsupported kinds are returned with an empty Payload
func FromStripe(e stripe.Event) (Event, error) {
	ev := Event{
		ID:      e.ID,
		Kind:    Kind(e.Type),
		Created: time.Unix(e.Created, 0).UTC(),
	}
	if ev.ID == "" {
		return ev, fmt.Errorf("%w: missing event id", ErrMalformedEvent)
	}
	if !ev.Kind.Supported() {
		return ev, nil
	}
	if e.Data == nil || len(e.Data.Raw) == 0 {
		return ev, fmt.Errorf("%w: %s has no data", ErrMalformedEvent, ev.ID)
	}

	var err error
	if ev.Kind.isSubscriptionEvent() {
		ev.Payload, err = fromSubscription(e.Data.Raw)
	} else {
		ev.Payload, err = fromInvoice(e.Data.Raw)
	}
	if err != nil {
		return ev, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, ev.ID, err)
	}
	// invoices of one-off charges carry no subscription and are ignored downstream
	if ev.Payload.ExternalID == "" && ev.Kind.isSubscriptionEvent() {
		return ev, fmt.Errorf("%w: %s has no subscription id", ErrMalformedEvent, ev.ID)
	}
	return ev, nil
}

func fromSubscription(raw json.RawMessage) (Payload, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return Payload{}, err
	}
	p := Payload{
		ExternalID:        sub.ID,
		UserID:            sub.Metadata["user_id"],
		ProviderStatus:    sub.Status,
		PeriodStart:       unixPtr(sub.CurrentPeriodStart),
		PeriodEnd:         unixPtr(sub.CurrentPeriodEnd),
		TrialStart:        unixPtr(sub.TrialStart),
		TrialEnd:          unixPtr(sub.TrialEnd),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CanceledAt:        unixPtr(sub.CanceledAt),
	}
	if sub.Customer != nil {
		p.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item != nil && item.Price != nil {
				p.PriceID = item.Price.ID
				break
			}
		}
	}
	return p, nil
}

func fromInvoice(raw json.RawMessage) (Payload, error) {
	var inv stripe.Invoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return Payload{}, err
	}
	p := Payload{
		AmountPaid: inv.AmountPaid,
	}
	if inv.Subscription != nil {
		p.ExternalID = inv.Subscription.ID
	}
	if inv.Customer != nil {
		p.CustomerID = inv.Customer.ID
	}
	if inv.Lines != nil {
		for _, line := range inv.Lines.Data {
			if line == nil {
				continue
			}
			if line.Period != nil {
				p.PeriodStart = unixPtr(line.Period.Start)
				p.PeriodEnd = unixPtr(line.Period.End)
			}
			if line.Price != nil {
				p.PriceID = line.Price.ID
			}
			break
		}
	}
	return p, nil
}
