package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zllovesuki/prmeter/alert"
	"github.com/zllovesuki/prmeter/plan"
	"github.com/zllovesuki/prmeter/subscription"

	extErrors "github.com/pkg/errors"
	"github.com/stripe/stripe-go/v72"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrSubscriptionNotFound is returned when no record matches the event. Nothing is recorded,
// so the provider's retry is processed again once the record exists
var ErrSubscriptionNotFound = errors.New("no subscription matches the event")

// Outcome is what happened to an event
type Outcome string

// Defining the outcomes of reconciliation
const (
	OutcomeApplied   Outcome = "applied"   // at least one concern was applied
	OutcomeDuplicate Outcome = "duplicate" // the event id was processed before
	OutcomeStale     Outcome = "stale"     // every concern was older than the stored state
	OutcomeRejected  Outcome = "rejected"  // the state machine refused the status change, other concerns may still apply
	OutcomeIgnored   Outcome = "ignored"   // the kind is not handled, or the event has no subscription
)

// ProcessedEvent remembers every event id that was reconciled, and how
type ProcessedEvent struct {
	EventID                string    `gorm:"primaryKey"`
	Kind                   Kind      `gorm:"not null"`
	ExternalSubscriptionID string    `gorm:"index"`
	Outcome                Outcome   `gorm:"not null"`
	Reason                 string
	EventCreatedAt         time.Time `gorm:"not null"`
	ProcessedAt            time.Time `gorm:"not null"`
}

// Result describes the reconciliation of one event
type Result struct {
	Outcome      Outcome
	Reason       string
	Stale        []subscription.Concern
	Subscription *subscription.Subscription // state after the event, nil for duplicate and ignored
}

type ReconcilerOptions struct {
	DB            *gorm.DB
	Logger        *zap.Logger
	Catalog       *plan.Catalog
	Subscriptions *subscription.Manager
	Alerter       alert.Alerter
	Clock         func() time.Time // optional, defaults to time.Now
}

// Reconciler applies provider events to subscription records. Each event is applied at most once,
// and within each concern the event with the latest provider time wins
type Reconciler struct {
	ReconcilerOptions
}

func NewReconciler(option ReconcilerOptions) (*Reconciler, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Catalog == nil {
		return nil, fmt.Errorf("nil Catalog is invalid")
	}
	if option.Subscriptions == nil {
		return nil, fmt.Errorf("nil Subscriptions is invalid")
	}
	if option.Alerter == nil {
		return nil, fmt.Errorf("nil Alerter is invalid")
	}
	if option.Clock == nil {
		option.Clock = time.Now
	}
	if err := option.DB.AutoMigrate(&ProcessedEvent{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize webhook.Reconciler")
	}
	return &Reconciler{
		ReconcilerOptions: option,
	}, nil
}

// mapStatus translates the provider status into the local state machine
func mapStatus(s stripe.SubscriptionStatus) (subscription.Status, bool) {
	switch s {
	case stripe.SubscriptionStatusActive:
		return subscription.StatusActive, true
	case stripe.SubscriptionStatusTrialing:
		return subscription.StatusTrialing, true
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusIncomplete:
		return subscription.StatusPastDue, true
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return subscription.StatusCanceled, true
	}
	return "", false
}

type resolvedPlan struct {
	tier     plan.Tier
	interval plan.Interval
}

// resolvePrice maps the price of a subscription event to a tier. Invoice prices are not used
func (r *Reconciler) resolvePrice(ctx context.Context, ev Event) (*resolvedPlan, error) {
	if !ev.Kind.isSubscriptionEvent() || ev.Kind == KindSubscriptionDeleted || ev.Payload.PriceID == "" {
		return nil, nil
	}
	tier, interval, err := r.Catalog.Resolve(ev.Payload.PriceID)
	if err != nil {
		r.raise(ctx, ev, alert.KindUnmappedPrice, "Stripe price is not sold by any plan in the catalog", "PriceID", ev.Payload.PriceID)
		return nil, err
	}
	return &resolvedPlan{tier: tier, interval: interval}, nil
}

func (r *Reconciler) raise(ctx context.Context, ev Event, kind, message, key, value string) {
	if err := r.Alerter.Alert(ctx, alert.Alert{
		Kind:    kind,
		Message: message,
		At:      r.Clock().UTC(),
		Fields: map[string]string{
			"EventID":    ev.ID,
			"EventKind":  string(ev.Kind),
			"ExternalID": ev.Payload.ExternalID,
			key:          value,
		},
	}); err != nil {
		r.Logger.Error("Unable to raise alert", zap.String("AlertKind", kind), zap.Error(err))
	}
}

// buildUpdate turns the event into a subscription.Update against the current record.
// ok is false with a reason when the event cannot be expressed in the local state machine
func buildUpdate(ev Event, current *subscription.Subscription, resolved *resolvedPlan) (u subscription.Update, reason string, ok bool) {
	u.At = ev.Created
	p := ev.Payload

	switch ev.Kind {
	case KindSubscriptionCreated, KindSubscriptionUpdated:
		status, known := mapStatus(p.ProviderStatus)
		if !known {
			return u, fmt.Sprintf("unknown provider status %q", p.ProviderStatus), false
		}
		if resolved != nil {
			u.Plan = &subscription.PlanUpdate{Tier: resolved.tier, Interval: resolved.interval}
		}
		u.Period = &subscription.PeriodUpdate{
			Start:      p.PeriodStart,
			End:        p.PeriodEnd,
			TrialStart: p.TrialStart,
			TrialEnd:   p.TrialEnd,
		}
		cancelAtPeriodEnd := p.CancelAtPeriodEnd
		u.Status = &subscription.StatusUpdate{
			Status:            status,
			CancelAtPeriodEnd: &cancelAtPeriodEnd,
			CanceledAt:        p.CanceledAt,
		}

	case KindSubscriptionDeleted:
		u.Status = &subscription.StatusUpdate{
			Status:     subscription.StatusCanceled,
			CanceledAt: p.CanceledAt,
		}

	case KindPaymentSucceeded:
		if p.PeriodStart != nil && p.PeriodEnd != nil {
			u.Period = &subscription.PeriodUpdate{
				Start:      p.PeriodStart,
				End:        p.PeriodEnd,
				TrialStart: current.TrialStart,
				TrialEnd:   current.TrialEnd,
			}
		}
		// the zero amount invoice opening a trial does not end it
		if !(p.AmountPaid == 0 && current.Status == subscription.StatusTrialing) {
			u.Status = &subscription.StatusUpdate{Status: subscription.StatusActive}
		}

	case KindPaymentFailed:
		u.Status = &subscription.StatusUpdate{Status: subscription.StatusPastDue}
	}
	return u, "", true
}

// lookupFor returns how the target record of an event is found. Subscription creation and updates may
// reach a record that is not bound yet, through the user id set at checkout or the customer id
func lookupFor(ev Event) subscription.Lookup {
	l := subscription.Lookup{ExternalID: ev.Payload.ExternalID}
	if ev.Kind == KindSubscriptionCreated || ev.Kind == KindSubscriptionUpdated {
		l.UserID = ev.Payload.UserID
		l.CustomerID = ev.Payload.CustomerID
	}
	return l
}

// Apply reconciles one verified event. Returned errors mean nothing was recorded and the provider
// should retry: ErrSubscriptionNotFound, plan.ErrUnmappedPrice, or a storage failure
func (r *Reconciler) Apply(ctx context.Context, ev Event) (Result, error) {
	logger := r.Logger.With(
		zap.String("EventID", ev.ID),
		zap.String("EventKind", string(ev.Kind)),
		zap.String("ExternalID", ev.Payload.ExternalID),
	)

	if !ev.Kind.Supported() {
		logger.Debug("Ignoring unsupported event kind")
		return Result{Outcome: OutcomeIgnored}, nil
	}
	if ev.Payload.ExternalID == "" {
		// one-off invoices are not tied to a subscription
		logger.Debug("Ignoring event without subscription")
		return Result{Outcome: OutcomeIgnored}, nil
	}

	var res Result
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record := &ProcessedEvent{
			EventID:                ev.ID,
			Kind:                   ev.Kind,
			ExternalSubscriptionID: ev.Payload.ExternalID,
			Outcome:                OutcomeApplied,
			EventCreatedAt:         ev.Created,
			ProcessedAt:            r.Clock().UTC(),
		}
		inserted := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(record)
		if inserted.Error != nil {
			return extErrors.Wrap(inserted.Error, "Cannot record processed event")
		}
		if inserted.RowsAffected == 0 {
			res.Outcome = OutcomeDuplicate
			return nil
		}

		// an unmapped price rolls back the record above so the provider's retry is processed again
		resolved, err := r.resolvePrice(ctx, ev)
		if err != nil {
			return err
		}
		if ev.Kind == KindSubscriptionCreated || ev.Kind == KindSubscriptionUpdated {
			if _, known := mapStatus(ev.Payload.ProviderStatus); !known {
				// recorded as rejected below
				r.raise(ctx, ev, alert.KindUnknownStatus, "Stripe subscription status is not handled", "ProviderStatus", string(ev.Payload.ProviderStatus))
			}
		}

		sub, err := r.Subscriptions.LockForUpdate(tx, lookupFor(ev))
		if err != nil {
			return extErrors.Wrap(err, "Cannot lock subscription")
		}
		if sub == nil {
			return r.unmatched(tx, ev, record, &res)
		}

		res.Outcome, res.Reason, res.Stale, err = r.applyTo(tx, ev, sub, resolved)
		if err != nil {
			return err
		}
		res.Subscription = sub
		if res.Outcome == OutcomeApplied {
			return nil
		}
		return r.finish(tx, record, res)
	})
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			logger.Warn("No subscription matches event, provider will retry")
		} else if errors.Is(err, plan.ErrUnmappedPrice) {
			logger.Error("Event price is not in the catalog, provider will retry", zap.String("PriceID", ev.Payload.PriceID))
		} else {
			logger.Error("Unable to reconcile event", zap.Error(err))
		}
		return Result{}, err
	}

	switch res.Outcome {
	case OutcomeDuplicate:
		logger.Debug("Discarding duplicate event")
	case OutcomeStale:
		logger.Info("Discarding outdated event", zap.Time("EventTime", ev.Created))
	case OutcomeRejected:
		logger.Warn("Event rejected by subscription state machine", zap.String("Reason", res.Reason))
	default:
		logger.Info("Event applied",
			zap.String("Tier", string(res.Subscription.Tier)),
			zap.String("Status", string(res.Subscription.Status)),
		)
	}
	return res, nil
}

// applyTo merges the event into the locked record and saves it when something changed
func (r *Reconciler) applyTo(tx *gorm.DB, ev Event, sub *subscription.Subscription, resolved *resolvedPlan) (Outcome, string, []subscription.Concern, error) {
	if ev.Payload.ExternalID != sub.ExternalSubscriptionID() {
		// only creation and updates are looked up by user or customer
		if err := sub.Rebind(ev.Payload.ExternalID, ev.Payload.CustomerID); err != nil {
			return OutcomeRejected, err.Error(), nil, nil
		}
	}

	u, reason, ok := buildUpdate(ev, sub, resolved)
	if !ok {
		return OutcomeRejected, reason, nil, nil
	}

	result, err := sub.Apply(u)
	if err != nil {
		if errors.Is(err, subscription.ErrInvalidPeriod) {
			return OutcomeRejected, err.Error(), nil, nil
		}
		return "", "", nil, err
	}
	if result.Changed() {
		if err := r.Subscriptions.Save(tx, sub); err != nil {
			return "", "", nil, err
		}
	}
	switch {
	case len(result.Rejected) > 0:
		// the other concerns of the event are kept
		return OutcomeRejected, result.Reason, result.Stale, nil
	case !result.Changed():
		return OutcomeStale, "", result.Stale, nil
	}
	return OutcomeApplied, "", result.Stale, nil
}

// unmatched handles events whose subscription id is not bound. If the customer is known the event
// belongs to a subscription this record has moved away from, and is recorded as rejected
func (r *Reconciler) unmatched(tx *gorm.DB, ev Event, record *ProcessedEvent, res *Result) error {
	if ev.Payload.CustomerID != "" {
		owner, err := r.Subscriptions.LockForUpdate(tx, subscription.Lookup{CustomerID: ev.Payload.CustomerID})
		if err != nil {
			return extErrors.Wrap(err, "Cannot lock subscription")
		}
		if owner != nil && owner.ExternalID != nil {
			res.Outcome = OutcomeRejected
			res.Reason = fmt.Sprintf("subscription %s is no longer bound to customer %s", ev.Payload.ExternalID, ev.Payload.CustomerID)
			return r.finish(tx, record, *res)
		}
	}
	return ErrSubscriptionNotFound
}

func (r *Reconciler) finish(tx *gorm.DB, record *ProcessedEvent, res Result) error {
	update := tx.Model(record).Updates(map[string]interface{}{
		"outcome": res.Outcome,
		"reason":  res.Reason,
	})
	if update.Error != nil {
		return extErrors.Wrap(update.Error, "Cannot record event outcome")
	}
	return nil
}

// Processed returns the record of an event id, or nil if it was never processed
func (r *Reconciler) Processed(ctx context.Context, eventID string) (*ProcessedEvent, error) {
	var pe ProcessedEvent
	result := r.DB.WithContext(ctx).First(&pe, "event_id = ?", eventID)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, result.Error
	}
	return &pe, nil
}
