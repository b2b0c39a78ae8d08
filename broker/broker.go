// Package broker carries pipeline messages over RabbitMQ.
package broker

import (
	"context"
	"encoding/json"

	"github.com/zllovesuki/prmeter/pipeline"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

var _ pipeline.Producer = &AMQPBroker{}
var _ pipeline.Consumer = &AMQPBroker{}

func toDelivery(d amqp.Delivery) (pipeline.Delivery, error) {
	var msg pipeline.AnalysisCompleted
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return pipeline.Delivery{}, err
	}
	return pipeline.Delivery{
		Message: msg,
		Ack: func() error {
			return d.Ack(false)
		},
		Nack: func(requeue bool) error {
			return d.Nack(false, requeue)
		},
	}, nil
}

// relay decodes raw deliveries onto out until ctx is done or msgChan is closed. Undecodable bodies
// are rejected without requeue. out is closed when relay returns
func relay(ctx context.Context, logger *zap.Logger, msgChan <-chan amqp.Delivery, out chan<- pipeline.Delivery) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgChan:
			if !ok {
				return
			}
			delivery, err := toDelivery(d)
			if err != nil {
				logger.Error("Dropping undecodable message",
					zap.String("MessageID", d.MessageId),
					zap.Error(err),
				)
				d.Nack(false, false)
				continue
			}
			select {
			case out <- delivery:
			case <-ctx.Done():
				// unacked, the broker redelivers it to the next consumer
				return
			}
		}
	}
}
