package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zllovesuki/prmeter/pipeline"

	extErrors "github.com/pkg/errors"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// prefetch bounds the unacknowledged deliveries held by one consumer
const prefetch = 16

// AMQPBroker describes a message broker via RabbitMQ
type AMQPBroker struct {
	connection *amqp.Connection
	channel    *amqp.Channel
	logger     *zap.Logger
}

// NewAMQPBroker returns a Message Broker over RabbitMQ
func NewAMQPBroker(amqpURI string, logger *zap.Logger) (*AMQPBroker, error) {
	if logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	amqpConn, err := amqp.Dial(amqpURI)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot connect to Message Broker")
	}
	amqpChan, err := amqpConn.Channel()
	if err != nil {
		amqpConn.Close()
		return nil, extErrors.Wrap(err, "Cannot create broker channel")
	}
	broker := &AMQPBroker{
		connection: amqpConn,
		channel:    amqpChan,
		logger:     logger,
	}
	if err := broker.setupQueue(pipeline.AnalysisCompletedQueue); err != nil {
		broker.Close()
		return nil, extErrors.Wrap(err, "Cannot declare queue for analysis completions")
	}
	if err := amqpChan.Qos(prefetch, 0, false); err != nil {
		broker.Close()
		return nil, extErrors.Wrap(err, "Cannot set prefetch")
	}

	return broker, nil
}

func (a *AMQPBroker) setupQueue(qName string) error {
	_, err := a.channel.QueueDeclare(
		qName, // name
		true,  // durable
		false, // auto-deleted
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	return err
}

// Close will close the channel and connection to release resources
func (a *AMQPBroker) Close() {
	a.channel.Close()
	a.connection.Close()
}

// PublishAnalysisCompleted sends a completion to the ledger's queue as a persistent JSON message
func (a *AMQPBroker) PublishAnalysisCompleted(ctx context.Context, msg pipeline.AnalysisCompleted) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return extErrors.Wrap(err, "Cannot encode message into bytes")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.channel.Publish(
		"",                              // default exchange
		pipeline.AnalysisCompletedQueue, // routing key
		false,                           // mandatory
		false,                           // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.AnalysisID,
			Timestamp:    time.Now(),
			Body:         body,
		},
	); err != nil {
		return extErrors.Wrap(err, "Cannot publish analysis completion")
	}
	return nil
}

// ReceiveAnalysisCompleted consumes the completion queue until ctx is done. Every delivery must be
// acknowledged or rejected by the receiver
func (a *AMQPBroker) ReceiveAnalysisCompleted(ctx context.Context, consumerName string) (<-chan pipeline.Delivery, error) {
	msgChan, err := a.channel.Consume(
		pipeline.AnalysisCompletedQueue, // queue
		consumerName,                    // consumer
		false,                           // auto-ack
		false,                           // exclusive
		false,                           // no-local
		false,                           // no-wait
		nil,                             // args
	)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot setup consumer")
	}
	rChan := make(chan pipeline.Delivery)
	go relay(ctx, a.logger.With(zap.String("Consumer", consumerName)), msgChan, rChan)
	return rChan, nil
}
