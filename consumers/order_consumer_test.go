package consumers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"storefront-orders/config"
	"storefront-orders/services"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type ackRecord struct {
	acked   bool
	nacked  bool
	requeue bool
}

type fakeAcknowledger struct {
	mu      sync.Mutex
	records map[uint64]*ackRecord
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{records: map[uint64]*ackRecord{}}
}

func (a *fakeAcknowledger) record(tag uint64) *ackRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.records[tag]
	if !ok {
		r = &ackRecord{}
		a.records[tag] = r
	}
	return r
}

func (a *fakeAcknowledger) get(tag uint64) ackRecord {
	return *a.record(tag)
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	r := a.record(tag)
	a.mu.Lock()
	r.acked = true
	a.mu.Unlock()
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	r := a.record(tag)
	a.mu.Lock()
	r.nacked, r.requeue = true, requeue
	a.mu.Unlock()
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type fakeCanceller struct {
	mu        sync.Mutex
	cancelled []string
	err       error
}

func (c *fakeCanceller) CancelIfPending(_ context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	c.cancelled = append(c.cancelled, id)
	return true, nil
}

func (c *fakeCanceller) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cancelled...)
}

type fakeSource struct {
	queues map[string]chan amqp.Delivery
	err    error
}

func (s *fakeSource) Consume(queue, _ string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.queues[queue], nil
}

func testConfig() *config.Config {
	return &config.Config{OrderQueue: "orders.events", DeadLetterQueue: "orders.dlq"}
}

func delivery(ack amqp.Acknowledger, tag uint64, body string) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: tag, Body: []byte(body)}
}

func TestProcessOrderMessage(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		redelivered bool
		cancelErr   error
		want        ackRecord
		cancelled   []string
	}{
		{"payment check cancels", `{"order_id":"o-1","type":"payment_check"}`, false, nil, ackRecord{acked: true}, []string{"o-1"}},
		{"created is acked", `{"order_id":"o-2","type":"created","total":"10"}`, false, nil, ackRecord{acked: true}, nil},
		{"unknown type is acked", `{"order_id":"o-3","type":"refund"}`, false, nil, ackRecord{acked: true}, nil},
		{"malformed json", `o-4|created`, false, nil, ackRecord{nacked: true}, nil},
		{"missing order id", `{"type":"created"}`, false, nil, ackRecord{nacked: true}, nil},
		{"unknown order is acked", `{"order_id":"o-5","type":"payment_check"}`, false, services.ErrOrderNotFound, ackRecord{acked: true}, nil},
		{"store failure requeues once", `{"order_id":"o-6","type":"payment_check"}`, false, errors.New("db down"), ackRecord{nacked: true, requeue: true}, nil},
		{"store failure dead letters on redelivery", `{"order_id":"o-6","type":"payment_check"}`, true, errors.New("db down"), ackRecord{nacked: true}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := newFakeAcknowledger()
			canceller := &fakeCanceller{err: tt.cancelErr}
			oc := NewOrderConsumer(nil, testConfig(), canceller)
			msg := delivery(ack, 1, tt.body)
			msg.Redelivered = tt.redelivered

			oc.processOrderMessage(context.Background(), msg)

			assert.Equal(t, tt.want, ack.get(1))
			assert.Equal(t, tt.cancelled, canceller.ids())
		})
	}
}

func TestProcessDeadLetterMessage_Acks(t *testing.T) {
	ack := newFakeAcknowledger()
	oc := NewOrderConsumer(nil, testConfig(), &fakeCanceller{})
	msg := delivery(ack, 3, `garbage`)
	msg.Headers = amqp.Table{"x-death": []interface{}{amqp.Table{"reason": "rejected"}}}

	oc.processDeadLetterMessage(context.Background(), msg)

	assert.True(t, ack.get(3).acked)
}

func TestRun_ConsumesUntilCancelled(t *testing.T) {
	source := &fakeSource{queues: map[string]chan amqp.Delivery{
		"orders.events": make(chan amqp.Delivery, 1),
		"orders.dlq":    make(chan amqp.Delivery, 1),
	}}
	canceller := &fakeCanceller{}
	ack := newFakeAcknowledger()
	oc := NewOrderConsumer(source, testConfig(), canceller)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- oc.Run(ctx) }()

	source.queues["orders.events"] <- delivery(ack, 1, `{"order_id":"o-1","type":"payment_check"}`)
	source.queues["orders.dlq"] <- delivery(ack, 2, `bad`)

	assert.Eventually(t, func() bool {
		return ack.get(1).acked && ack.get(2).acked
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"o-1"}, canceller.ids())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestRun_StopsWhenChannelsClose(t *testing.T) {
	source := &fakeSource{queues: map[string]chan amqp.Delivery{
		"orders.events": make(chan amqp.Delivery),
		"orders.dlq":    make(chan amqp.Delivery),
	}}
	oc := NewOrderConsumer(source, testConfig(), &fakeCanceller{})

	done := make(chan error, 1)
	go func() { done <- oc.Run(context.Background()) }()

	close(source.queues["orders.events"])
	close(source.queues["orders.dlq"])

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestRun_ConsumeError(t *testing.T) {
	oc := NewOrderConsumer(&fakeSource{err: amqp.ErrClosed}, testConfig(), &fakeCanceller{})

	err := oc.Run(context.Background())

	assert.ErrorIs(t, err, amqp.ErrClosed)
}
