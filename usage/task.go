package usage

import (
	"context"
	"fmt"

	"github.com/zllovesuki/prmeter/pipeline"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

type TaskOptions struct {
	Manager  *Manager
	Consumer pipeline.Consumer
	Logger   *zap.Logger
}

// Task feeds completed analyses from the broker into the ledger
type Task struct {
	TaskOptions
}

func NewTask(option TaskOptions) (*Task, error) {
	if option.Manager == nil {
		return nil, fmt.Errorf("nil Manager is invalid")
	}
	if option.Consumer == nil {
		return nil, fmt.Errorf("nil Consumer is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Task{
		TaskOptions: option,
	}, nil
}

// Process records one delivery and settles it with the broker. Invalid messages are dropped,
// transient failures are requeued
func (t *Task) Process(ctx context.Context, d pipeline.Delivery) {
	logger := t.Logger.With(
		zap.String("AnalysisID", d.Message.AnalysisID),
		zap.String("UserID", d.Message.UserID),
	)
	if err := d.Message.Validate(); err != nil {
		logger.Error("Dropping invalid analysis completion", zap.Error(err))
		if err := d.Nack(false); err != nil {
			logger.Error("Cannot reject message", zap.Error(err))
		}
		return
	}
	period, duplicate, err := t.Manager.Record(ctx, d.Message)
	if err != nil {
		if err := d.Nack(true); err != nil {
			logger.Error("Cannot requeue message", zap.Error(err))
		}
		return
	}
	if err := d.Ack(); err != nil {
		logger.Error("Cannot acknowledge message", zap.Error(err))
		return
	}
	if !duplicate {
		logger.Debug("Analysis counted",
			zap.String("PeriodKey", period.PeriodKey),
			zap.Int64("Consumed", period.Consumed),
		)
	}
}

func (t *Task) handleCompleted(ctx context.Context, dChan <-chan pipeline.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-dChan:
			if !ok {
				t.Logger.Info("Analysis completion channel closed")
				return
			}
			t.Process(ctx, d)
		}
	}
}

// HandleCompleted starts consuming completions in the background until ctx is done
func (t *Task) HandleCompleted(ctx context.Context) error {
	dChan, err := t.Consumer.ReceiveAnalysisCompleted(ctx, "usageTask")
	if err != nil {
		return extErrors.Wrap(err, "Cannot get analysis completion channel")
	}
	go t.handleCompleted(ctx, dChan)
	return nil
}
