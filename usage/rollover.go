package usage

import (
	"context"
	"fmt"
	"time"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	rolloverLease = 6 * time.Hour
	expiryLease   = time.Hour
	dayLayout     = "2006-01-02"
)

// Locker grants a lease to a single runner. Implemented by db.Locker
type Locker interface {
	Acquire(name string, ttl time.Duration) (bool, error)
}

// Expirer ends subscriptions that were scheduled to cancel at period end. Implemented by subscription.Manager
type Expirer interface {
	ExpireCanceled(ctx context.Context, now time.Time) (int, error)
}

type RolloverOptions struct {
	Locker  Locker
	Expirer Expirer
	Logger  *zap.Logger
}

// Rollover is the monthly job. New usage periods are created lazily on first touch, so
// the job only settles subscriptions whose cancellation took effect; ledger rows are left alone.
// Expire runs the same settlement daily
type Rollover struct {
	RolloverOptions
}

// RolloverResult describes what a run did
type RolloverResult struct {
	PeriodKey string `json:"periodKey"`
	Skipped   bool   `json:"skipped"` // another runner holds the lease for this period
	Expired   int    `json:"expired"`
}

// ExpiryResult describes what a daily expiry run did
type ExpiryResult struct {
	Day     string `json:"day"`
	Skipped bool   `json:"skipped"` // another runner holds the lease for this day
	Expired int    `json:"expired"`
}

func NewRollover(option RolloverOptions) (*Rollover, error) {
	if option.Locker == nil {
		return nil, fmt.Errorf("nil Locker is invalid")
	}
	if option.Expirer == nil {
		return nil, fmt.Errorf("nil Expirer is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Rollover{
		RolloverOptions: option,
	}, nil
}

// Run performs the rollover into the period containing now. Only one runner per period does the work
func (r *Rollover) Run(ctx context.Context, now time.Time) (RolloverResult, error) {
	res := RolloverResult{PeriodKey: PeriodKeyFor(now)}
	logger := r.Logger.With(zap.String("PeriodKey", res.PeriodKey))

	var err error
	res.Skipped, res.Expired, err = r.expire(ctx, logger, "rollover:"+res.PeriodKey, rolloverLease, now)
	if err != nil || res.Skipped {
		return res, err
	}
	logger.Info("Rollover completed", zap.Int("Expired", res.Expired))
	return res, nil
}

// Expire settles cancellations whose period ended before now. Only one runner per UTC day does the work
func (r *Rollover) Expire(ctx context.Context, now time.Time) (ExpiryResult, error) {
	res := ExpiryResult{Day: now.UTC().Format(dayLayout)}
	logger := r.Logger.With(zap.String("Day", res.Day))

	var err error
	res.Skipped, res.Expired, err = r.expire(ctx, logger, "expire:"+res.Day, expiryLease, now)
	if err != nil || res.Skipped {
		return res, err
	}
	logger.Info("Expiry completed", zap.Int("Expired", res.Expired))
	return res, nil
}

func (r *Rollover) expire(ctx context.Context, logger *zap.Logger, lease string, ttl time.Duration, now time.Time) (skipped bool, expired int, err error) {
	acquired, err := r.Locker.Acquire(lease, ttl)
	if err != nil {
		return false, 0, extErrors.Wrap(err, "Cannot acquire lease")
	}
	if !acquired {
		logger.Info("Already running or done", zap.String("Lease", lease))
		return true, 0, nil
	}

	expired, err = r.Expirer.ExpireCanceled(ctx, now)
	if err != nil {
		logger.Error("Unable to expire canceled subscriptions", zap.Error(err))
		return false, expired, err
	}
	return false, expired, nil
}
