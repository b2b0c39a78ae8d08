package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zllovesuki/prmeter/plan"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNoProvider is returned by operations that need the payment provider when none is configured
	ErrNoProvider = errors.New("payment provider is not configured")
	// ErrNothingToCancel is returned when the customer has no live paid subscription
	ErrNothingToCancel = errors.New("no paid subscription to cancel")
)

// CheckoutSessionRequest is what the payment provider needs to start a hosted checkout
type CheckoutSessionRequest struct {
	CustomerID string
	UserID     string
	PriceID    string
	TrialDays  int64
}

// CancelRequest asks the payment provider to stop a subscription
type CancelRequest struct {
	ExternalID string
	Immediate  bool // false cancels at the end of the current period
}

// Provider is the subset of the payment provider the Manager drives. Implemented by external.Stripe
type Provider interface {
	EnsureCustomer(ctx context.Context, userID, email, customerID string) (string, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (string, error)
	CancelSubscription(ctx context.Context, req CancelRequest) error
}

type ManagerOptions struct {
	DB       *gorm.DB
	Logger   *zap.Logger
	Catalog  *plan.Catalog
	Provider Provider         // optional, required by Checkout and Cancel
	Clock    func() time.Time // optional, defaults to time.Now
}

type Manager struct {
	ManagerOptions
}

func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Catalog == nil {
		return nil, fmt.Errorf("nil Catalog is invalid")
	}
	if option.Clock == nil {
		option.Clock = time.Now
	}
	if err := option.DB.AutoMigrate(&Subscription{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize subscription.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// Now returns the current time of the Manager's clock, in UTC
func (m *Manager) Now() time.Time {
	return m.Clock().UTC()
}

// CreateFree inserts the FREE/ACTIVE subscription of a user within tx if the user has none,
// and returns the user's subscription either way
func (m *Manager) CreateFree(tx *gorm.DB, userID string) (*Subscription, error) {
	if len(userID) == 0 {
		return nil, fmt.Errorf("userID is required")
	}
	sub := newFree(userID, m.Now())
	result := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(sub)
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot create FREE subscription")
	}
	if result.RowsAffected == 1 {
		return sub, nil
	}
	var existing Subscription
	if err := tx.Where("user_id = ?", userID).First(&existing).Error; err != nil {
		return nil, extErrors.Wrap(err, "Cannot read existing subscription")
	}
	return &existing, nil
}

// Ensure returns the subscription of a user, creating the FREE one for users that predate eager creation
func (m *Manager) Ensure(ctx context.Context, userID string) (*Subscription, error) {
	sub, err := m.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub != nil {
		return sub, nil
	}
	err = m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err = m.CreateFree(tx, userID)
		return err
	})
	if err != nil {
		m.Logger.Error("Unable to create missing FREE subscription",
			zap.String("UserID", userID),
			zap.Error(err),
		)
		return nil, err
	}
	return sub, nil
}

// Get returns the subscription of a user, or nil if there is none
func (m *Manager) Get(ctx context.Context, userID string) (*Subscription, error) {
	return m.findOne(m.DB.WithContext(ctx), "user_id = ?", userID)
}

// GetByExternalID returns the subscription bound to a Stripe Subscription ID, or nil if there is none
func (m *Manager) GetByExternalID(ctx context.Context, externalID string) (*Subscription, error) {
	return m.findOne(m.DB.WithContext(ctx), "external_id = ?", externalID)
}

func (m *Manager) findOne(q *gorm.DB, query string, arg string) (*Subscription, error) {
	var sub Subscription
	result := q.Where(query, arg).First(&sub)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, result.Error
	}
	return &sub, nil
}

// Lookup identifies a subscription by the first non-empty of its fields
type Lookup struct {
	ExternalID string
	UserID     string
	CustomerID string
}

// LockForUpdate selects the subscription matching l with FOR UPDATE within tx. Returns nil if nothing matches
func (m *Manager) LockForUpdate(tx *gorm.DB, l Lookup) (*Subscription, error) {
	locked := func() *gorm.DB {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if len(l.ExternalID) > 0 {
		sub, err := m.findOne(locked(), "external_id = ?", l.ExternalID)
		if sub != nil || err != nil {
			return sub, err
		}
	}
	if len(l.UserID) > 0 {
		sub, err := m.findOne(locked(), "user_id = ?", l.UserID)
		if sub != nil || err != nil {
			return sub, err
		}
	}
	if len(l.CustomerID) > 0 {
		return m.findOne(locked(), "external_customer_id = ?", l.CustomerID)
	}
	return nil, nil
}

// Save validates and persists sub within tx, stamping UpdatedAt
func (m *Manager) Save(tx *gorm.DB, sub *Subscription) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	sub.UpdatedAt = m.Now()
	if err := tx.Save(sub).Error; err != nil {
		return extErrors.Wrap(err, "Cannot save subscription")
	}
	return nil
}

// LambdaUpdateFunc mutates the locked subscription. Returning false skips saving
type LambdaUpdateFunc func(sub *Subscription) (shouldSave bool, err error)

// LambdaUpdate performs a transactional read-modify-write of a user's subscription. The row is locked with FOR UPDATE.
// Returns nil if the user has no subscription
func (m *Manager) LambdaUpdate(ctx context.Context, userID string, lambda LambdaUpdateFunc) (*Subscription, error) {
	var updated *Subscription
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := m.LockForUpdate(tx, Lookup{UserID: userID})
		if err != nil || sub == nil {
			return err
		}
		shouldSave, err := lambda(sub)
		if err != nil {
			return err
		}
		if shouldSave {
			if err := m.Save(tx, sub); err != nil {
				return err
			}
		}
		updated = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// CheckoutOption specifies which paid plan a user wants to buy
type CheckoutOption struct {
	UserID   string
	Email    string
	Tier     plan.Tier
	Interval plan.Interval
}

// Checkout starts a hosted checkout for a paid plan and returns the URL to redirect the user to.
// The subscription itself is updated when the provider's webhook arrives
func (m *Manager) Checkout(ctx context.Context, opt CheckoutOption) (string, error) {
	if m.Provider == nil {
		return "", ErrNoProvider
	}
	p, ok := m.Catalog.Lookup(opt.Tier)
	if !ok {
		return "", fmt.Errorf("%w: %q", plan.ErrUnknownTier, opt.Tier)
	}
	priceID, err := m.Catalog.PriceFor(opt.Tier, opt.Interval)
	if err != nil {
		return "", err
	}

	sub, err := m.Ensure(ctx, opt.UserID)
	if err != nil {
		return "", err
	}
	if !sub.CanRebind() {
		return "", ErrAlreadySubscribed
	}

	logger := m.Logger.With(zap.String("UserID", opt.UserID), zap.String("PriceID", priceID))

	customerID, err := m.Provider.EnsureCustomer(ctx, opt.UserID, opt.Email, sub.ExternalCustomerID)
	if err != nil {
		logger.Error("Unable to ensure customer on payment provider", zap.Error(err))
		return "", extErrors.Wrap(err, "Cannot create customer on payment provider")
	}
	if customerID != sub.ExternalCustomerID {
		if _, err := m.LambdaUpdate(ctx, opt.UserID, func(s *Subscription) (bool, error) {
			s.ExternalCustomerID = customerID
			return true, nil
		}); err != nil {
			logger.Error("Unable to record customer ID", zap.Error(err))
			return "", err
		}
	}

	var trialDays int64
	// one trial per customer
	if sub.ExternalID == nil && sub.TrialStart == nil {
		trialDays = p.TrialDays
	}

	url, err := m.Provider.CreateCheckoutSession(ctx, CheckoutSessionRequest{
		CustomerID: customerID,
		UserID:     opt.UserID,
		PriceID:    priceID,
		TrialDays:  trialDays,
	})
	if err != nil {
		logger.Error("Unable to create checkout session", zap.Error(err))
		return "", extErrors.Wrap(err, "Cannot create checkout session")
	}
	return url, nil
}

// Cancel stops the paid subscription of a user. An immediate cancel moves the record to CANCELED right away,
// otherwise the subscription runs until the end of the current period
func (m *Manager) Cancel(ctx context.Context, userID string, immediate bool) (*Subscription, error) {
	if m.Provider == nil {
		return nil, ErrNoProvider
	}
	sub, err := m.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub == nil || sub.ExternalID == nil || sub.Status == StatusCanceled {
		return nil, ErrNothingToCancel
	}

	if err := m.Provider.CancelSubscription(ctx, CancelRequest{
		ExternalID: *sub.ExternalID,
		Immediate:  immediate,
	}); err != nil {
		m.Logger.Error("Unable to cancel subscription on payment provider",
			zap.String("UserID", userID),
			zap.String("ExternalID", *sub.ExternalID),
			zap.Error(err),
		)
		return nil, extErrors.Wrap(err, "Cannot cancel subscription on payment provider")
	}

	return m.LambdaUpdate(ctx, userID, func(s *Subscription) (bool, error) {
		if s.Status == StatusCanceled {
			return false, nil
		}
		if immediate {
			return true, s.Transition(StatusCanceled, m.Now())
		}
		s.CancelAtPeriodEnd = true
		return true, nil
	})
}

// ExpireCanceled moves subscriptions scheduled to cancel at period end to CANCELED once their period is over.
// Returns how many were expired
func (m *Manager) ExpireCanceled(ctx context.Context, now time.Time) (int, error) {
	var userIDs []string
	result := m.DB.WithContext(ctx).
		Model(&Subscription{}).
		Where("cancel_at_period_end = ?", true).
		Where("status <> ?", StatusCanceled).
		Where("current_period_end <= ?", now).
		Pluck("user_id", &userIDs)
	if result.Error != nil {
		return 0, extErrors.Wrap(result.Error, "Cannot list subscriptions to expire")
	}

	expired := 0
	for _, userID := range userIDs {
		changed := false
		_, err := m.LambdaUpdate(ctx, userID, func(s *Subscription) (bool, error) {
			// the provider may have reactivated it since the listing
			if !s.CancelAtPeriodEnd || s.Status == StatusCanceled || s.CurrentPeriodEnd == nil || s.CurrentPeriodEnd.After(now) {
				return false, nil
			}
			changed = true
			return true, s.Transition(StatusCanceled, now)
		})
		if err != nil {
			m.Logger.Error("Unable to expire subscription",
				zap.String("UserID", userID),
				zap.Error(err),
			)
			continue
		}
		if changed {
			expired++
		}
	}
	return expired, nil
}
