package usage

import (
	"fmt"
	"time"

	"github.com/zllovesuki/prmeter/plan"
)

const periodKeyLayout = "2006-01"

// PeriodKeyFor returns the key of the UTC calendar month containing t, e.g. "2024-03"
func PeriodKeyFor(t time.Time) string {
	return t.UTC().Format(periodKeyLayout)
}

// ParsePeriodKey validates key and returns the first instant of its month
func ParsePeriodKey(key string) (time.Time, error) {
	start, err := time.ParseInLocation(periodKeyLayout, key, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid period key %q", key)
	}
	return start, nil
}

// Period is the usage of one user in one calendar month. Rows are created lazily on first touch
// and never deleted
type Period struct {
	ID                string    `json:"-" gorm:"primaryKey"`
	UserID            string    `json:"userId" gorm:"not null;uniqueIndex:idx_usage_user_period"`
	PeriodKey         string    `json:"periodKey" gorm:"not null;uniqueIndex:idx_usage_user_period"`
	Consumed          int64     `json:"consumed" gorm:"not null;default:0"`                    // Analyses counted, only ever incremented
	Limit             int64     `json:"limit" gorm:"column:analyses_limit;not null"`           // Snapshot of the tier quota when the row was created. -1 for unlimited
	Tier              plan.Tier `json:"tier" gorm:"not null"`                                  // Tier the Limit was taken from
	LinesAnalyzed     int64     `json:"linesAnalyzed" gorm:"not null;default:0"`
	FindingsGenerated int64     `json:"findingsGenerated" gorm:"not null;default:0"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// TableName overrides the default "periods"
func (Period) TableName() string {
	return "usage_periods"
}

// Start returns the first instant of the period
func (p *Period) Start() time.Time {
	start, _ := ParsePeriodKey(p.PeriodKey)
	return start
}

// End returns the first instant of the following period
func (p *Period) End() time.Time {
	return p.Start().AddDate(0, 1, 0)
}

// Record marks an analysis as counted so redelivered completions are not counted twice
type Record struct {
	AnalysisID string    `gorm:"primaryKey"`
	UserID     string    `gorm:"not null;index"`
	PeriodKey  string    `gorm:"not null"`
	Lines      int64     `gorm:"not null"`
	Findings   int64     `gorm:"not null"`
	RecordedAt time.Time `gorm:"not null"`
}

// TableName overrides the default "records"
func (Record) TableName() string {
	return "usage_records"
}
