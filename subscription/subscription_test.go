package subscription

import (
	"errors"
	"testing"
	"time"

	"github.com/zllovesuki/prmeter/plan"

	"gotest.tools/assert"
	is "gotest.tools/assert/cmp"
)

var t0 = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

func timePtr(t time.Time) *time.Time {
	return &t
}

func boolPtr(b bool) *bool {
	return &b
}

func paidUpdate(at time.Time, status Status) Update {
	return Update{
		At:   at,
		Plan: &PlanUpdate{Tier: plan.TierPro, Interval: plan.IntervalMonthly},
		Period: &PeriodUpdate{
			Start: timePtr(t0),
			End:   timePtr(t0.AddDate(0, 1, 0)),
		},
		Status: &StatusUpdate{Status: status, CancelAtPeriodEnd: boolPtr(false)},
	}
}

func TestEffectiveTier(t *testing.T) {
	tests := []struct {
		status Status
		want   plan.Tier
	}{
		{StatusActive, plan.TierPro},
		{StatusTrialing, plan.TierPro},
		{StatusPastDue, plan.TierFree},
		{StatusCanceled, plan.TierFree},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			s := Subscription{Tier: plan.TierPro, Status: tt.status}
			assert.Equal(t, s.EffectiveTier(), tt.want)
			assert.Equal(t, s.Tier, plan.TierPro)
		})
	}
}

func TestTransitionTable(t *testing.T) {
	assert.Assert(t, StatusActive.CanTransition(StatusPastDue))
	assert.Assert(t, StatusPastDue.CanTransition(StatusActive))
	assert.Assert(t, StatusTrialing.CanTransition(StatusActive))
	assert.Assert(t, StatusPastDue.CanTransition(StatusTrialing))
	for _, s := range []Status{StatusActive, StatusTrialing, StatusPastDue} {
		assert.Assert(t, s.CanTransition(StatusCanceled), s)
		assert.Assert(t, !StatusCanceled.CanTransition(s), s)
	}
}

func TestApplyPaidUpdate(t *testing.T) {
	s := newFree("user-1", t0)

	res, err := s.Apply(paidUpdate(t0, StatusTrialing))
	assert.NilError(t, err)
	assert.Assert(t, res.Changed())
	assert.Assert(t, is.DeepEqual(res.Applied, []Concern{ConcernPlan, ConcernPeriod, ConcernStatus}))
	assert.Equal(t, s.Tier, plan.TierPro)
	assert.Equal(t, s.Status, StatusTrialing)
	assert.Equal(t, s.Interval, plan.IntervalMonthly)
	assert.Equal(t, s.StatusEventAt, t0)
}

func TestApplyStaleConcernsAreDiscarded(t *testing.T) {
	s := newFree("user-1", t0)
	_, err := s.Apply(paidUpdate(t0.Add(time.Hour), StatusActive))
	assert.NilError(t, err)

	res, err := s.Apply(Update{
		At:     t0,
		Plan:   &PlanUpdate{Tier: plan.TierEnterprise},
		Status: &StatusUpdate{Status: StatusPastDue},
	})
	assert.NilError(t, err)
	assert.Assert(t, !res.Changed())
	assert.Assert(t, is.DeepEqual(res.Stale, []Concern{ConcernPlan, ConcernStatus}))
	assert.Equal(t, s.Tier, plan.TierPro)
	assert.Equal(t, s.Status, StatusActive)
}

func TestApplyConcernsAreIndependent(t *testing.T) {
	s := newFree("user-1", t0)
	_, err := s.Apply(paidUpdate(t0, StatusActive))
	assert.NilError(t, err)

	// a newer status event followed by an older plan change: both apply
	_, err = s.Apply(Update{At: t0.Add(2 * time.Hour), Status: &StatusUpdate{Status: StatusPastDue}})
	assert.NilError(t, err)
	res, err := s.Apply(Update{At: t0.Add(time.Hour), Plan: &PlanUpdate{Tier: plan.TierEnterprise, Interval: plan.IntervalYearly}})
	assert.NilError(t, err)
	assert.Assert(t, is.DeepEqual(res.Applied, []Concern{ConcernPlan}))
	assert.Equal(t, s.Tier, plan.TierEnterprise)
	assert.Equal(t, s.Status, StatusPastDue)
	assert.Equal(t, s.EffectiveTier(), plan.TierFree)
}

func TestApplyOrderIndependence(t *testing.T) {
	updates := []Update{
		paidUpdate(t0, StatusTrialing),
		{At: t0.Add(time.Hour), Status: &StatusUpdate{Status: StatusActive}},
		{At: t0.Add(2 * time.Hour), Status: &StatusUpdate{Status: StatusPastDue}},
		{At: t0.Add(3 * time.Hour), Plan: &PlanUpdate{Tier: plan.TierEnterprise, Interval: plan.IntervalMonthly}},
	}

	forward := newFree("user-1", t0)
	for _, u := range updates {
		_, err := forward.Apply(u)
		assert.NilError(t, err)
	}

	backward := newFree("user-1", t0)
	for i := len(updates) - 1; i >= 0; i-- {
		_, err := backward.Apply(updates[i])
		assert.NilError(t, err)
	}

	assert.Equal(t, forward.Status, StatusPastDue)
	assert.Equal(t, backward.Status, forward.Status)
	assert.Equal(t, backward.Tier, forward.Tier)
	assert.Equal(t, backward.EffectiveTier(), forward.EffectiveTier())
}

func TestApplyRejectsLeavingCanceled(t *testing.T) {
	s := newFree("user-1", t0)
	_, err := s.Apply(paidUpdate(t0, StatusActive))
	assert.NilError(t, err)
	_, err = s.Apply(Update{At: t0.Add(time.Hour), Status: &StatusUpdate{Status: StatusCanceled}})
	assert.NilError(t, err)
	assert.Equal(t, *s.CanceledAt, t0.Add(time.Hour))

	before := *s
	res, err := s.Apply(Update{
		At:     t0.Add(2 * time.Hour),
		Plan:   &PlanUpdate{Tier: plan.TierEnterprise, Interval: plan.IntervalMonthly},
		Status: &StatusUpdate{Status: StatusActive},
	})
	assert.NilError(t, err)
	assert.Assert(t, is.DeepEqual(res.Applied, []Concern{ConcernPlan}))
	assert.Assert(t, is.DeepEqual(res.Rejected, []Concern{ConcernStatus}))
	assert.Assert(t, is.Contains(res.Reason, "CANCELED -> ACTIVE"))
	assert.Equal(t, s.Tier, plan.TierEnterprise)
	assert.Equal(t, s.Status, StatusCanceled)
	assert.Equal(t, s.StatusEventAt, before.StatusEventAt)
	assert.Equal(t, s.EffectiveTier(), plan.TierFree)
}

func TestApplyNewerTrialLeavesPastDue(t *testing.T) {
	s := newFree("user-1", t0)
	_, err := s.Apply(paidUpdate(t0, StatusActive))
	assert.NilError(t, err)
	_, err = s.Apply(Update{At: t0.Add(5 * time.Second), Status: &StatusUpdate{Status: StatusPastDue}})
	assert.NilError(t, err)

	res, err := s.Apply(Update{At: t0.Add(10 * time.Second), Status: &StatusUpdate{Status: StatusTrialing}})
	assert.NilError(t, err)
	assert.Assert(t, is.Len(res.Rejected, 0))
	assert.Equal(t, s.Status, StatusTrialing)
	assert.Equal(t, s.EffectiveTier(), plan.TierPro)
}

func TestApplyRejectsInvertedPeriod(t *testing.T) {
	s := newFree("user-1", t0)
	_, err := s.Apply(Update{
		At:     t0,
		Period: &PeriodUpdate{Start: timePtr(t0), End: timePtr(t0.Add(-time.Hour))},
	})
	assert.Assert(t, errors.Is(err, ErrInvalidPeriod))
	assert.Assert(t, s.CurrentPeriodStart == nil)
}

func TestApplyDropsTrialOnFree(t *testing.T) {
	s := newFree("user-1", t0)
	_, err := s.Apply(Update{
		At: t0,
		Period: &PeriodUpdate{
			Start:      timePtr(t0),
			End:        timePtr(t0.AddDate(0, 1, 0)),
			TrialStart: timePtr(t0),
			TrialEnd:   timePtr(t0.AddDate(0, 0, 14)),
		},
	})
	assert.NilError(t, err)
	assert.Assert(t, s.TrialStart == nil)
	assert.Assert(t, s.TrialEnd == nil)
	assert.NilError(t, s.Validate())
}

func TestRebind(t *testing.T) {
	s := newFree("user-1", t0)
	assert.NilError(t, s.Rebind("sub_1", "cus_1"))
	_, err := s.Apply(paidUpdate(t0, StatusActive))
	assert.NilError(t, err)

	assert.Assert(t, errors.Is(s.Rebind("sub_2", "cus_1"), ErrAlreadySubscribed))

	assert.NilError(t, s.Transition(StatusCanceled, t0.Add(time.Hour)))
	assert.NilError(t, s.Rebind("sub_2", ""))
	assert.Equal(t, s.ExternalSubscriptionID(), "sub_2")
	assert.Equal(t, s.ExternalCustomerID, "cus_1")
	assert.Equal(t, s.Status, StatusActive)
	assert.Assert(t, s.CanceledAt == nil)
	assert.Assert(t, s.StatusEventAt.IsZero())
}

func TestTransitionKeepsEventTime(t *testing.T) {
	s := newFree("user-1", t0)
	_, err := s.Apply(paidUpdate(t0, StatusActive))
	assert.NilError(t, err)

	assert.NilError(t, s.Transition(StatusCanceled, t0.Add(time.Hour)))
	assert.Equal(t, s.StatusEventAt, t0)
	assert.Equal(t, s.Tier, plan.TierPro)
	assert.Assert(t, errors.Is(s.Transition(StatusActive, t0.Add(2*time.Hour)), ErrInvalidTransition))
}
