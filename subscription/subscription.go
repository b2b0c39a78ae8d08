package subscription

import (
	"errors"
	"fmt"
	"time"

	"github.com/zllovesuki/prmeter/plan"

	"github.com/google/uuid"
)

var (
	// ErrInvalidTransition is returned when a Transition asks for a Status change the state machine forbids
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidPeriod is returned when a period ends before it starts
	ErrInvalidPeriod = errors.New("period end is before period start")
	// ErrAlreadySubscribed is returned when a new external subscription would replace a live paid one
	ErrAlreadySubscribed = errors.New("customer already has a live paid subscription")
)

// Subscription is the billing record of a customer. Every customer has exactly one, created as FREE/ACTIVE
type Subscription struct {
	ID                 string        `json:"id" gorm:"primaryKey"`
	UserID             string        `json:"userId" gorm:"uniqueIndex;not null"`       // Corresponds to customer.Customer.ID
	ExternalID         *string       `json:"externalId" gorm:"uniqueIndex"`            // Corresponds to Stripe's Subscription ID. nil until first checkout
	ExternalCustomerID string        `json:"externalCustomerId" gorm:"index"`          // Corresponds to Stripe's Customer ID
	Tier               plan.Tier     `json:"tier" gorm:"not null"`                     // Subscribed tier. Not overwritten when entitlement degrades
	Status             Status        `json:"status" gorm:"not null"`                   // See const.go for transitions
	Interval           plan.Interval `json:"interval"`                                 // Billing frequency, empty on FREE
	CurrentPeriodStart *time.Time    `json:"currentPeriodStart"`                       // Start of the paid period
	CurrentPeriodEnd   *time.Time    `json:"currentPeriodEnd"`                         // End of the paid period
	CancelAtPeriodEnd  bool          `json:"cancelAtPeriodEnd" gorm:"not null;default:false"`
	TrialStart         *time.Time    `json:"trialStart"`
	TrialEnd           *time.Time    `json:"trialEnd"`
	CanceledAt         *time.Time    `json:"canceledAt"`
	StatusEventAt      time.Time     `json:"-"` // Provider time of the last applied status change
	PeriodEventAt      time.Time     `json:"-"` // Provider time of the last applied period change
	PlanEventAt        time.Time     `json:"-"` // Provider time of the last applied tier/interval change
	CreatedAt          time.Time     `json:"createdAt"`
	UpdatedAt          time.Time     `json:"updatedAt" gorm:"autoUpdateTime:false"`
}

func newFree(userID string, now time.Time) *Subscription {
	return &Subscription{
		ID:        uuid.New().String(),
		UserID:    userID,
		Tier:      plan.TierFree,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ExternalSubscriptionID returns the bound Stripe Subscription ID, or empty if never checked out
func (s *Subscription) ExternalSubscriptionID() string {
	if s.ExternalID == nil {
		return ""
	}
	return *s.ExternalID
}

// EffectiveTier is the Tier entitlement checks use. PastDue and Canceled subscriptions are gated as FREE
// while Tier keeps the subscribed value for reactivation.
func (s *Subscription) EffectiveTier() plan.Tier {
	if s.Status.Entitled() {
		return s.Tier
	}
	return plan.TierFree
}

// Validate checks the invariants of the record
func (s *Subscription) Validate() error {
	if !s.Tier.Valid() {
		return fmt.Errorf("invalid tier %q", s.Tier)
	}
	if _, ok := transitions[s.Status]; !ok {
		return fmt.Errorf("invalid status %q", s.Status)
	}
	if s.Tier == plan.TierFree && (s.TrialStart != nil || s.TrialEnd != nil) {
		return fmt.Errorf("FREE subscription cannot have a trial")
	}
	if s.CurrentPeriodStart != nil && s.CurrentPeriodEnd != nil && s.CurrentPeriodEnd.Before(*s.CurrentPeriodStart) {
		return ErrInvalidPeriod
	}
	return nil
}

// Transition moves the Subscription to next for a locally initiated change (user cancel, period expiry).
// Provider event times are not touched, so later provider events still apply.
func (s *Subscription) Transition(next Status, at time.Time) error {
	if !s.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, next)
	}
	if next == StatusCanceled && s.CanceledAt == nil {
		s.CanceledAt = &at
	}
	s.Status = next
	return nil
}

// CanRebind reports whether a new external subscription may take over this record.
// Only records without a live paid subscription can be rebound.
func (s *Subscription) CanRebind() bool {
	return s.Tier == plan.TierFree || s.Status == StatusCanceled
}

// Rebind attaches a newly created external subscription to the record and restarts its lifecycle.
// Tier and period are filled in by the Update that follows.
func (s *Subscription) Rebind(externalID, customerID string) error {
	if !s.CanRebind() {
		return ErrAlreadySubscribed
	}
	s.ExternalID = &externalID
	if customerID != "" {
		s.ExternalCustomerID = customerID
	}
	s.Status = StatusActive
	s.CancelAtPeriodEnd = false
	s.CanceledAt = nil
	s.TrialStart = nil
	s.TrialEnd = nil
	s.StatusEventAt = time.Time{}
	s.PeriodEventAt = time.Time{}
	s.PlanEventAt = time.Time{}
	return nil
}

// Concern is a group of fields that are updated together and ordered by provider event time
type Concern string

// Defining the concerns tracked independently for out-of-order delivery
const (
	ConcernStatus Concern = "status"
	ConcernPeriod Concern = "period"
	ConcernPlan   Concern = "plan"
)

// StatusUpdate changes the Status. nil fields are left untouched
type StatusUpdate struct {
	Status            Status
	CancelAtPeriodEnd *bool
	CanceledAt        *time.Time
}

// PeriodUpdate replaces the billing period and trial window
type PeriodUpdate struct {
	Start      *time.Time
	End        *time.Time
	TrialStart *time.Time
	TrialEnd   *time.Time
}

// PlanUpdate changes the subscribed Tier. Status is not affected
type PlanUpdate struct {
	Tier     plan.Tier
	Interval plan.Interval
}

// Update is a set of changes that happened at provider time At
type Update struct {
	At     time.Time
	Plan   *PlanUpdate
	Period *PeriodUpdate
	Status *StatusUpdate
}

// Result lists which concerns of an Update were applied, which were older than what is stored,
// and which the state machine refused. Reason explains the refusal
type Result struct {
	Applied  []Concern
	Stale    []Concern
	Rejected []Concern
	Reason   string
}

// Changed reports whether anything was applied
func (r Result) Changed() bool {
	return len(r.Applied) > 0
}

// Apply merges u into the Subscription. Each concern is applied only if u.At is not older than the
// event time last applied for that concern, so the newest provider event wins regardless of arrival order.
// A refused Status change is reported in Result.Rejected and does not hold back the other concerns.
// On error the Subscription is left unchanged.
func (s *Subscription) Apply(u Update) (Result, error) {
	var res Result
	next := *s

	if u.Plan != nil {
		if u.At.Before(next.PlanEventAt) {
			res.Stale = append(res.Stale, ConcernPlan)
		} else {
			if !u.Plan.Tier.Valid() {
				return Result{}, fmt.Errorf("invalid tier %q", u.Plan.Tier)
			}
			next.Tier = u.Plan.Tier
			next.Interval = u.Plan.Interval
			next.PlanEventAt = u.At
			res.Applied = append(res.Applied, ConcernPlan)
		}
	}

	if u.Period != nil {
		if u.At.Before(next.PeriodEventAt) {
			res.Stale = append(res.Stale, ConcernPeriod)
		} else {
			if u.Period.Start != nil && u.Period.End != nil && u.Period.End.Before(*u.Period.Start) {
				return Result{}, ErrInvalidPeriod
			}
			next.CurrentPeriodStart = u.Period.Start
			next.CurrentPeriodEnd = u.Period.End
			next.TrialStart = u.Period.TrialStart
			next.TrialEnd = u.Period.TrialEnd
			next.PeriodEventAt = u.At
			res.Applied = append(res.Applied, ConcernPeriod)
		}
	}

	if u.Status != nil {
		if u.At.Before(next.StatusEventAt) {
			res.Stale = append(res.Stale, ConcernStatus)
		} else if !next.Status.CanTransition(u.Status.Status) {
			res.Rejected = append(res.Rejected, ConcernStatus)
			res.Reason = fmt.Sprintf("%s: %s -> %s", ErrInvalidTransition, next.Status, u.Status.Status)
		} else {
			if u.Status.Status == StatusCanceled && next.CanceledAt == nil {
				canceledAt := u.At
				if u.Status.CanceledAt != nil {
					canceledAt = *u.Status.CanceledAt
				}
				next.CanceledAt = &canceledAt
			}
			next.Status = u.Status.Status
			if u.Status.CancelAtPeriodEnd != nil {
				next.CancelAtPeriodEnd = *u.Status.CancelAtPeriodEnd
			}
			next.StatusEventAt = u.At
			res.Applied = append(res.Applied, ConcernStatus)
		}
	}

	if next.Tier == plan.TierFree {
		next.TrialStart = nil
		next.TrialEnd = nil
	}
	if err := next.Validate(); err != nil {
		return Result{}, err
	}

	*s = next
	return res, nil
}
