package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zllovesuki/prmeter/pipeline"
	"github.com/zllovesuki/prmeter/plan"
	"github.com/zllovesuki/prmeter/subscription"

	"github.com/google/uuid"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultHistory = 12
	maxHistory     = 120
)

// SubscriptionSource returns the subscription a new period takes its limit from. Implemented by subscription.Manager
type SubscriptionSource interface {
	Ensure(ctx context.Context, userID string) (*subscription.Subscription, error)
}

type ManagerOptions struct {
	DB            *gorm.DB
	Logger        *zap.Logger
	Catalog       *plan.Catalog
	Subscriptions SubscriptionSource
	Clock         func() time.Time // optional, defaults to time.Now
}

// Manager is the usage ledger. It records what was consumed and never rejects a write;
// enforcing limits is the entitlement gate's job
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
	if option.Subscriptions == nil {
		return nil, fmt.Errorf("nil Subscriptions is invalid")
	}
	if option.Clock == nil {
		option.Clock = time.Now
	}
	if err := option.DB.AutoMigrate(&Period{}, &Record{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize usage.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// CurrentPeriodKey returns the key of the period containing the Manager's current time
func (m *Manager) CurrentPeriodKey() string {
	return PeriodKeyFor(m.Clock())
}

func (m *Manager) find(q *gorm.DB, userID, periodKey string) (*Period, error) {
	var p Period
	result := q.Where("user_id = ? AND period_key = ?", userID, periodKey).First(&p)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, result.Error
	}
	return &p, nil
}

// Get returns the period of a user without creating it
func (m *Manager) Get(ctx context.Context, userID, periodKey string) (*Period, error) {
	return m.find(m.DB.WithContext(ctx), userID, periodKey)
}

// GetOrCreatePeriod returns the period of a user, creating it on first touch. A new period snapshots
// the quota of the user's subscribed tier at that moment; later tier changes do not alter it
func (m *Manager) GetOrCreatePeriod(ctx context.Context, userID, periodKey string) (*Period, error) {
	if _, err := ParsePeriodKey(periodKey); err != nil {
		return nil, err
	}
	existing, err := m.Get(ctx, userID, periodKey)
	if err != nil || existing != nil {
		return existing, err
	}

	sub, err := m.Subscriptions.Ensure(ctx, userID)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot resolve tier for new period")
	}
	limits := m.Catalog.LimitsFor(sub.Tier)

	now := m.Clock()
	p := &Period{
		ID:        uuid.New().String(),
		UserID:    userID,
		PeriodKey: periodKey,
		Limit:     limits.AnalysesPerPeriod,
		Tier:      sub.Tier,
		CreatedAt: now,
		UpdatedAt: now,
	}
	result := m.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(p)
	if result.Error != nil {
		m.Logger.Error("Unable to create usage period",
			zap.String("UserID", userID),
			zap.String("PeriodKey", periodKey),
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot create usage period")
	}
	if result.RowsAffected == 1 {
		return p, nil
	}
	// lost the race to a concurrent creator
	return m.Get(ctx, userID, periodKey)
}

// Increment counts one analysis against the period and returns the updated row.
// The increment is a single atomic UPDATE, so concurrent increments are never lost
func (m *Manager) Increment(ctx context.Context, userID, periodKey string, lines, findings int64) (*Period, error) {
	if _, err := m.GetOrCreatePeriod(ctx, userID, periodKey); err != nil {
		return nil, err
	}
	var updated *Period
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) (err error) {
		updated, err = m.increment(tx, userID, periodKey, lines, findings)
		return
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (m *Manager) increment(tx *gorm.DB, userID, periodKey string, lines, findings int64) (*Period, error) {
	res := tx.Model(&Period{}).
		Where("user_id = ? AND period_key = ?", userID, periodKey).
		UpdateColumns(map[string]interface{}{
			"consumed":           gorm.Expr("consumed + ?", 1),
			"lines_analyzed":     gorm.Expr("lines_analyzed + ?", lines),
			"findings_generated": gorm.Expr("findings_generated + ?", findings),
			"updated_at":         m.Clock(),
		})
	if res.Error != nil {
		return nil, extErrors.Wrap(res.Error, "Cannot increment usage")
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("usage period %s of %s does not exist", periodKey, userID)
	}
	p, err := m.find(tx, userID, periodKey)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot read incremented usage")
	}
	return p, nil
}

// Record counts a completed analysis exactly once. A redelivered message returns duplicate = true
// without incrementing
func (m *Manager) Record(ctx context.Context, msg pipeline.AnalysisCompleted) (period *Period, duplicate bool, err error) {
	if err := msg.Validate(); err != nil {
		return nil, false, err
	}
	periodKey := msg.PeriodKey
	if periodKey == "" {
		periodKey = PeriodKeyFor(msg.CompletedAt)
	}
	if _, err := m.GetOrCreatePeriod(ctx, msg.UserID, periodKey); err != nil {
		return nil, false, err
	}

	logger := m.Logger.With(
		zap.String("AnalysisID", msg.AnalysisID),
		zap.String("UserID", msg.UserID),
		zap.String("PeriodKey", periodKey),
	)

	err = m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&Record{
			AnalysisID: msg.AnalysisID,
			UserID:     msg.UserID,
			PeriodKey:  periodKey,
			Lines:      msg.LinesAnalyzed,
			Findings:   msg.FindingsGenerated,
			RecordedAt: m.Clock(),
		})
		if res.Error != nil {
			return extErrors.Wrap(res.Error, "Cannot record analysis")
		}
		if res.RowsAffected == 0 {
			duplicate = true
			return nil
		}
		period, err = m.increment(tx, msg.UserID, periodKey, msg.LinesAnalyzed, msg.FindingsGenerated)
		return err
	})
	if err != nil {
		logger.Error("Unable to record completed analysis", zap.Error(err))
		return nil, false, err
	}
	if duplicate {
		logger.Info("Discarding redelivered analysis completion")
		period, err = m.Get(ctx, msg.UserID, periodKey)
		if err != nil {
			return nil, true, err
		}
	}
	return period, duplicate, nil
}

// History returns the last n periods of a user, newest first. Months without activity have no row and are omitted
func (m *Manager) History(ctx context.Context, userID string, n int) ([]Period, error) {
	if n <= 0 {
		n = defaultHistory
	}
	if n > maxHistory {
		n = maxHistory
	}
	periods := make([]Period, 0, n)
	result := m.DB.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("period_key desc").
		Limit(n).
		Find(&periods)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot list usage history")
	}
	return periods, nil
}
