package broker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/zllovesuki/prmeter/pipeline"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
	"gotest.tools/assert"
)

type settlement struct {
	Tag     uint64
	Acked   bool
	Requeue bool
}

type recordingAcknowledger struct {
	mu      sync.Mutex
	settled []settlement
}

func (r *recordingAcknowledger) Ack(tag uint64, multiple bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settled = append(r.settled, settlement{Tag: tag, Acked: true})
	return nil
}

func (r *recordingAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settled = append(r.settled, settlement{Tag: tag, Requeue: requeue})
	return nil
}

func (r *recordingAcknowledger) Reject(tag uint64, requeue bool) error {
	return r.Nack(tag, false, requeue)
}

func (r *recordingAcknowledger) all() []settlement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]settlement{}, r.settled...)
}

func TestRelay(t *testing.T) {
	ack := &recordingAcknowledger{}
	msg := pipeline.AnalysisCompleted{
		AnalysisID:    "analysis-1",
		UserID:        "user-1",
		LinesAnalyzed: 120,
		CompletedAt:   time.Date(2024, time.March, 10, 0, 0, 0, 0, time.UTC),
	}
	body, err := json.Marshal(msg)
	assert.NilError(t, err)

	in := make(chan amqp.Delivery, 3)
	in <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte("not json")}
	in <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: body}
	in <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 3, Body: body}
	close(in)

	out := make(chan pipeline.Delivery)
	go relay(context.Background(), zap.NewNop(), in, out)

	first := <-out
	assert.Equal(t, first.Message.AnalysisID, "analysis-1")
	assert.Equal(t, first.Message.LinesAnalyzed, int64(120))
	assert.NilError(t, first.Ack())

	second := <-out
	assert.NilError(t, second.Nack(true))

	_, open := <-out
	assert.Assert(t, !open)

	assert.DeepEqual(t, ack.all(), []settlement{
		{Tag: 1, Requeue: false},
		{Tag: 2, Acked: true},
		{Tag: 3, Requeue: true},
	})
}

func TestRelayStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan amqp.Delivery)
	out := make(chan pipeline.Delivery)

	done := make(chan struct{})
	go func() {
		relay(ctx, zap.NewNop(), in, out)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop after cancel")
	}
	_, open := <-out
	assert.Assert(t, !open)
}
