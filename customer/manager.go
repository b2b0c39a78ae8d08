package customer

import (
	"context"
	"errors"
	"fmt"

	"github.com/zllovesuki/prmeter/subscription"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrEmailTaken is returned when another customer already registered the email address
var ErrEmailTaken = errors.New("email is registered to another customer")

type ManagerOptions struct {
	DB            *gorm.DB
	Logger        *zap.Logger
	Subscriptions *subscription.Manager
}

// Manager handles the database operations relating to Customers
type Manager struct {
	ManagerOptions
}

// NewManager returns a new Manager for customers
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.Subscriptions == nil {
		return nil, fmt.Errorf("nil Subscriptions is invalid")
	}
	if err := option.DB.AutoMigrate(&Customer{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize customer.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// NewCustomer registers a customer together with its FREE subscription. Registering an existing
// customer again is a no-op and returns the stored profile
func (m *Manager) NewCustomer(ctx context.Context, id, email string) (*Customer, error) {
	if len(id) == 0 || len(email) == 0 {
		return nil, fmt.Errorf("id and email are required")
	}

	logger := m.Logger.With(zap.String("UserID", id), zap.String("Email", email))

	var cust *Customer
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owner Customer
		result := tx.Where("email = ?", email).Limit(1).Find(&owner)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 1 && owner.ID != id {
			return ErrEmailTaken
		}

		candidate := &Customer{
			ID:        id,
			Email:     email,
			CreatedAt: m.Subscriptions.Now(),
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(candidate).Error; err != nil {
			return extErrors.Wrap(err, "Cannot create customer")
		}
		var stored Customer
		if err := tx.First(&stored, "id = ?", id).Error; err != nil {
			return extErrors.Wrap(err, "Cannot read customer")
		}
		if _, err := m.Subscriptions.CreateFree(tx, id); err != nil {
			return err
		}
		cust = &stored
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrEmailTaken) {
			logger.Error("Database returned error",
				zap.Error(err),
			)
		}
		return nil, err
	}

	return cust, nil
}

// GetByID will try to return the customer in the database by id
func (m *Manager) GetByID(ctx context.Context, id string) (*Customer, error) {
	var cust Customer

	result := m.DB.WithContext(ctx).First(&cust, "id = ?", id)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get customer by id")
	}

	return &cust, nil
}

// GetByEmail will try to return the customer in the database by email address
func (m *Manager) GetByEmail(ctx context.Context, email string) (*Customer, error) {
	var cust Customer

	result := m.DB.WithContext(ctx).First(&cust, "email = ?", email)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get customer by email")
	}

	return &cust, nil
}
