package customer

import "time"

// Customer describes a user of the analysis product. Every Customer has exactly one subscription.Subscription
type Customer struct {
	ID        string    `json:"id" gorm:"primaryKey"`     // Corresponds to the user id issued by the identity provider
	Email     string    `json:"email" gorm:"uniqueIndex"` // User's email address
	CreatedAt time.Time `json:"createdAt"`
}
