package usage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/zllovesuki/prmeter/dbtest"
	"github.com/zllovesuki/prmeter/pipeline"
	"github.com/zllovesuki/prmeter/plan"
	"github.com/zllovesuki/prmeter/subscription"

	"go.uber.org/zap"
	"gotest.tools/assert"
	is "gotest.tools/assert/cmp"
)

var march = time.Date(2024, time.March, 10, 8, 30, 0, 0, time.UTC)

type testEnv struct {
	subs  *subscription.Manager
	usage *Manager
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	db := dbtest.New(t)
	catalog, err := plan.NewCatalog(plan.DefaultPlans())
	assert.NilError(t, err)
	clock := func() time.Time { return march }

	subs, err := subscription.NewManager(subscription.ManagerOptions{
		DB:      db,
		Logger:  zap.NewNop(),
		Catalog: catalog,
		Clock:   clock,
	})
	assert.NilError(t, err)
	usage, err := NewManager(ManagerOptions{
		DB:            db,
		Logger:        zap.NewNop(),
		Catalog:       catalog,
		Subscriptions: subs,
		Clock:         clock,
	})
	assert.NilError(t, err)
	return testEnv{subs: subs, usage: usage}
}

func (e testEnv) upgrade(t *testing.T, userID string, tier plan.Tier) {
	t.Helper()
	ctx := context.Background()
	_, err := e.subs.Ensure(ctx, userID)
	assert.NilError(t, err)
	_, err = e.subs.LambdaUpdate(ctx, userID, func(s *subscription.Subscription) (bool, error) {
		if err := s.Rebind("sub_"+userID, "cus_"+userID); err != nil {
			return false, err
		}
		_, err := s.Apply(subscription.Update{
			At:     march,
			Plan:   &subscription.PlanUpdate{Tier: tier, Interval: plan.IntervalMonthly},
			Status: &subscription.StatusUpdate{Status: subscription.StatusActive},
		})
		return true, err
	})
	assert.NilError(t, err)
}

func TestPeriodKey(t *testing.T) {
	assert.Equal(t, PeriodKeyFor(march), "2024-03")

	// 23:30 on Feb 29 in New York is already March in UTC
	ny := time.FixedZone("EST", -5*3600)
	assert.Equal(t, PeriodKeyFor(time.Date(2024, time.February, 29, 23, 30, 0, 0, ny)), "2024-03")

	start, err := ParsePeriodKey("2024-12")
	assert.NilError(t, err)
	p := Period{PeriodKey: "2024-12"}
	assert.Equal(t, p.Start(), start)
	assert.Equal(t, p.End(), time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC))

	_, err = ParsePeriodKey("2024-3")
	assert.ErrorContains(t, err, "invalid period key")
}

func TestGetOrCreatePeriodSnapshotsLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p, err := env.usage.GetOrCreatePeriod(ctx, "user-1", "2024-03")
	assert.NilError(t, err)
	assert.Equal(t, p.Limit, int64(10))
	assert.Equal(t, p.Tier, plan.TierFree)
	assert.Equal(t, p.Consumed, int64(0))

	again, err := env.usage.GetOrCreatePeriod(ctx, "user-1", "2024-03")
	assert.NilError(t, err)
	assert.Equal(t, again.ID, p.ID)

	_, err = env.usage.GetOrCreatePeriod(ctx, "user-1", "March")
	assert.ErrorContains(t, err, "invalid period key")
}

func TestMidPeriodUpgradeKeepsSnapshot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := env.usage.Increment(ctx, "user-1", "2024-03", 100, 1)
		assert.NilError(t, err)
	}

	env.upgrade(t, "user-1", plan.TierPro)

	p, err := env.usage.GetOrCreatePeriod(ctx, "user-1", "2024-03")
	assert.NilError(t, err)
	assert.Equal(t, p.Limit, int64(10))
	assert.Equal(t, p.Consumed, int64(10))

	next, err := env.usage.GetOrCreatePeriod(ctx, "user-1", "2024-04")
	assert.NilError(t, err)
	assert.Equal(t, next.Limit, int64(200))
	assert.Equal(t, next.Tier, plan.TierPro)
	assert.Equal(t, next.Consumed, int64(0))
}

func TestIncrementNeverRejects(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var p *Period
	var err error
	for i := 0; i < 12; i++ {
		p, err = env.usage.Increment(ctx, "user-1", "2024-03", 10, 2)
		assert.NilError(t, err)
	}
	assert.Equal(t, p.Consumed, int64(12))
	assert.Equal(t, p.Limit, int64(10))
	assert.Equal(t, p.LinesAnalyzed, int64(120))
	assert.Equal(t, p.FindingsGenerated, int64(24))
}

func TestConcurrentIncrementsAreNotLost(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const workers = 8
	const perWorker = 5

	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := env.usage.Increment(ctx, "user-1", "2024-03", 1, 0); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NilError(t, err)
	}

	p, err := env.usage.Get(ctx, "user-1", "2024-03")
	assert.NilError(t, err)
	assert.Equal(t, p.Consumed, int64(workers*perWorker))
	assert.Equal(t, p.LinesAnalyzed, int64(workers*perWorker))
}

func TestHistory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, key := range []string{"2023-11", "2024-01", "2024-03", "2023-12"} {
		_, err := env.usage.Increment(ctx, "user-1", key, 1, 0)
		assert.NilError(t, err)
	}
	_, err := env.usage.Increment(ctx, "user-2", "2024-02", 1, 0)
	assert.NilError(t, err)

	periods, err := env.usage.History(ctx, "user-1", 3)
	assert.NilError(t, err)
	keys := make([]string, 0, len(periods))
	for _, p := range periods {
		keys = append(keys, p.PeriodKey)
	}
	assert.Assert(t, is.DeepEqual(keys, []string{"2024-03", "2024-01", "2023-12"}))

	all, err := env.usage.History(ctx, "user-1", 0)
	assert.NilError(t, err)
	assert.Assert(t, is.Len(all, 4))

	none, err := env.usage.History(ctx, "nobody", 5)
	assert.NilError(t, err)
	assert.Assert(t, is.Len(none, 0))
}

func TestRecordIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	msg := pipeline.AnalysisCompleted{
		AnalysisID:        "an_1",
		UserID:            "user-1",
		LinesAnalyzed:     250,
		FindingsGenerated: 4,
		CompletedAt:       march,
	}

	p, duplicate, err := env.usage.Record(ctx, msg)
	assert.NilError(t, err)
	assert.Assert(t, !duplicate)
	assert.Equal(t, p.PeriodKey, "2024-03")
	assert.Equal(t, p.Consumed, int64(1))

	p, duplicate, err = env.usage.Record(ctx, msg)
	assert.NilError(t, err)
	assert.Assert(t, duplicate)
	assert.Equal(t, p.Consumed, int64(1))
	assert.Equal(t, p.LinesAnalyzed, int64(250))

	// admitted in March, finished after midnight UTC on April 1
	late := msg
	late.AnalysisID = "an_2"
	late.CompletedAt = time.Date(2024, time.April, 1, 0, 0, 5, 0, time.UTC)
	late.PeriodKey = "2024-03"
	p, _, err = env.usage.Record(ctx, late)
	assert.NilError(t, err)
	assert.Equal(t, p.PeriodKey, "2024-03")
	assert.Equal(t, p.Consumed, int64(2))
}

func TestRecordRejectsInvalid(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.usage.Record(context.Background(), pipeline.AnalysisCompleted{UserID: "user-1", CompletedAt: march})
	assert.ErrorContains(t, err, "AnalysisID")
}
