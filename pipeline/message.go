// Package pipeline defines the messages the PR-analysis pipeline exchanges with the billing engine.
package pipeline

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
)

// AnalysisCompletedQueue is the durable queue the pipeline publishes completions to
const AnalysisCompletedQueue = "analysis_completed"

var validate *validator.Validate = validator.New()

// AnalysisCompleted is published once per finished analysis. AnalysisID is unique per analysis
// and is what makes redelivery safe.
type AnalysisCompleted struct {
	AnalysisID        string    `json:"analysisId" validate:"required"`
	UserID            string    `json:"userId" validate:"required"`
	Repository        string    `json:"repository"`
	PullRequest       int       `json:"pullRequest"`
	LinesAnalyzed     int64     `json:"linesAnalyzed" validate:"gte=0"`
	FindingsGenerated int64     `json:"findingsGenerated" validate:"gte=0"`
	CompletedAt       time.Time `json:"completedAt" validate:"required"`
	PeriodKey         string    `json:"periodKey,omitempty" validate:"omitempty,datetime=2006-01"` // Period the analysis was admitted in. Derived from CompletedAt when empty
}

// Validate checks the required fields of the message
func (m *AnalysisCompleted) Validate() error {
	return validate.Struct(m)
}

// Delivery is a received message that must be acknowledged once handled
type Delivery struct {
	Message AnalysisCompleted
	Ack     func() error
	Nack    func(requeue bool) error
}

// Consumer receives completions from the message broker
type Consumer interface {
	Close()
	ReceiveAnalysisCompleted(ctx context.Context, consumerName string) (<-chan Delivery, error)
}

// Producer publishes completions to the message broker
type Producer interface {
	Close()
	PublishAnalysisCompleted(ctx context.Context, msg AnalysisCompleted) error
}
