// Package entitlement answers whether a user may start another analysis right now.
package entitlement

import (
	"context"
	"fmt"

	"github.com/zllovesuki/prmeter/plan"
	"github.com/zllovesuki/prmeter/subscription"
	"github.com/zllovesuki/prmeter/usage"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

// CodeLimitReached is the Decision code when the period quota is used up
const CodeLimitReached = "limit_reached"

// Decision is the answer of the Gate. A denial is a normal outcome, not an error
type Decision struct {
	Allowed       bool                `json:"allowed"`
	Code          string              `json:"code,omitempty"`
	Reason        string              `json:"reason,omitempty"`
	EffectiveTier plan.Tier           `json:"effectiveTier"`
	Tier          plan.Tier           `json:"tier"`
	Status        subscription.Status `json:"status"`
	PeriodKey     string              `json:"periodKey"`
	Consumed      int64               `json:"consumed"`
	Limit         int64               `json:"limit"`     // -1 for unlimited
	Remaining     int64               `json:"remaining"` // -1 for unlimited
}

// SubscriptionSource returns the subscription of a user. Implemented by subscription.Manager
type SubscriptionSource interface {
	Ensure(ctx context.Context, userID string) (*subscription.Subscription, error)
}

type GateOptions struct {
	Subscriptions SubscriptionSource
	Usage         *usage.Manager
	Catalog       *plan.Catalog
	Logger        *zap.Logger
}

// Gate checks entitlement against the subscription and the usage ledger. It only reads:
// counting happens when the analysis completes
type Gate struct {
	GateOptions
}

func NewGate(option GateOptions) (*Gate, error) {
	if option.Subscriptions == nil {
		return nil, fmt.Errorf("nil Subscriptions is invalid")
	}
	if option.Usage == nil {
		return nil, fmt.Errorf("nil Usage is invalid")
	}
	if option.Catalog == nil {
		return nil, fmt.Errorf("nil Catalog is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Gate{
		GateOptions: option,
	}, nil
}

// appliedLimit returns the smaller of two quotas where Unlimited is larger than any count
func appliedLimit(a, b int64) int64 {
	switch {
	case a == plan.Unlimited:
		return b
	case b == plan.Unlimited:
		return a
	case a < b:
		return a
	default:
		return b
	}
}

// CanConsume decides whether the user may start one more analysis in the current period.
// Users past due or canceled are held to the FREE quota while keeping their subscribed tier.
// A period created under a higher tier never raises the effective quota above the current tier's,
// and a period created under a lower tier keeps its snapshot until the next period.
func (g *Gate) CanConsume(ctx context.Context, userID string) (Decision, error) {
	sub, err := g.Subscriptions.Ensure(ctx, userID)
	if err != nil {
		return Decision{}, extErrors.Wrap(err, "Cannot read subscription")
	}

	d := Decision{
		EffectiveTier: sub.EffectiveTier(),
		Tier:          sub.Tier,
		Status:        sub.Status,
		PeriodKey:     g.Usage.CurrentPeriodKey(),
	}
	tierLimits := g.Catalog.LimitsFor(d.EffectiveTier)

	if tierLimits.IsUnlimited() {
		p, err := g.Usage.Get(ctx, userID, d.PeriodKey)
		if err != nil {
			return Decision{}, extErrors.Wrap(err, "Cannot read usage period")
		}
		if p != nil {
			d.Consumed = p.Consumed
		}
		d.Allowed = true
		d.Limit = plan.Unlimited
		d.Remaining = plan.Unlimited
		return d, nil
	}

	p, err := g.Usage.GetOrCreatePeriod(ctx, userID, d.PeriodKey)
	if err != nil {
		return Decision{}, extErrors.Wrap(err, "Cannot read usage period")
	}
	d.Consumed = p.Consumed
	applied := plan.Limits{AnalysesPerPeriod: appliedLimit(p.Limit, tierLimits.AnalysesPerPeriod)}
	d.Limit = applied.AnalysesPerPeriod

	if !applied.Allows(d.Consumed) {
		d.Code = CodeLimitReached
		d.Reason = fmt.Sprintf("Monthly limit of %d analyses reached on the %s tier", d.Limit, d.EffectiveTier)
		d.Remaining = 0
		return d, nil
	}

	d.Allowed = true
	d.Remaining = d.Limit - d.Consumed
	return d, nil
}

// HasFeature reports whether the user's effective tier enables a feature flag
func (g *Gate) HasFeature(ctx context.Context, userID, feature string) (bool, error) {
	sub, err := g.Subscriptions.Ensure(ctx, userID)
	if err != nil {
		return false, extErrors.Wrap(err, "Cannot read subscription")
	}
	return g.Catalog.LimitsFor(sub.EffectiveTier()).HasFeature(feature), nil
}
