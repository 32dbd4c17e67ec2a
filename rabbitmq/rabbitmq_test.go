package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-orders/config"
	"storefront-orders/models"
)

type published struct {
	exchange string
	msg      amqp.Publishing
}

type binding struct {
	queue, key, exchange string
}

type fakeChannel struct {
	exchanges  map[string]string
	queues     map[string]amqp.Table
	bindings   []binding
	published  []published
	publishErr error
	declareErr map[string]error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{exchanges: map[string]string{}, queues: map[string]amqp.Table{}}
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	if err := f.declareErr[name]; err != nil {
		return err
	}
	f.exchanges[name] = kind
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	f.queues[name] = args
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	f.bindings = append(f.bindings, binding{name, key, exchange})
	return nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, _ string, _, _ bool, msg amqp.Publishing) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, published{exchange, msg})
	return nil
}

func (f *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return nil, errors.New("not supported")
}

func (f *fakeChannel) Close() error { return nil }

func testConfig() *config.Config {
	return &config.Config{
		OrderExchange:   "orders",
		OrderQueue:      "orders.events",
		DeadLetterQueue: "orders.dlq",
		DelayExchange:   "orders.delayed",
		MaxPriority:     10,
	}
}

func TestSetupQueues_Topology(t *testing.T) {
	ch := newFakeChannel()
	r := NewWithChannel(ch, testConfig())

	require.NoError(t, r.SetupQueues())

	assert.Equal(t, "direct", ch.exchanges["orders"])
	assert.Equal(t, "x-delayed-message", ch.exchanges["orders.delayed"])
	assert.Equal(t, "direct", ch.exchanges["orders.dlq_exchange"])

	args := ch.queues["orders.events"]
	assert.Equal(t, 10, args["x-max-priority"])
	assert.Equal(t, "orders.dlq_exchange", args["x-dead-letter-exchange"])
	assert.Equal(t, "orders.dlq", args["x-dead-letter-routing-key"])

	assert.Contains(t, ch.bindings, binding{"orders.dlq", "orders.dlq", "orders.dlq_exchange"})
	assert.Contains(t, ch.bindings, binding{"orders.events", "", "orders"})
	assert.Contains(t, ch.bindings, binding{"orders.events", "", "orders.delayed"})
}

func TestSetupQueues_DelayedExchangeMissing(t *testing.T) {
	ch := newFakeChannel()
	ch.declareErr = map[string]error{"orders.delayed": errors.New("command invalid")}
	r := NewWithChannel(ch, testConfig())

	err := r.SetupQueues()

	assert.ErrorContains(t, err, "declare delayed exchange")
}

func TestPriorityFor(t *testing.T) {
	tests := []struct {
		name  string
		event models.OrderEvent
		want  uint8
	}{
		{"small order", models.OrderEvent{Type: models.EventCreated, Total: decimal.NewFromInt(1000)}, 5},
		{"large order", models.OrderEvent{Type: models.EventCreated, Total: decimal.RequireFromString("1000.01")}, 9},
		{"cancelled", models.OrderEvent{Type: models.EventStatusUpdated, Status: models.StatusCancelled}, 8},
		{"shipped", models.OrderEvent{Type: models.EventStatusUpdated, Status: models.StatusShipped}, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PriorityFor(tt.event))
		})
	}
}

func TestPublish_SendsJSONEvent(t *testing.T) {
	ch := newFakeChannel()
	r := NewWithChannel(ch, testConfig())
	event := models.OrderEvent{OrderID: "o-1", UserID: "u-1", Type: models.EventCreated, Status: models.StatusPending, Total: decimal.NewFromInt(2500)}

	require.NoError(t, r.Publish(context.Background(), event))

	require.Len(t, ch.published, 1)
	got := ch.published[0]
	assert.Equal(t, "orders", got.exchange)
	assert.Equal(t, uint8(9), got.msg.Priority)
	assert.Equal(t, "application/json", got.msg.ContentType)
	assert.Equal(t, amqp.Persistent, got.msg.DeliveryMode)
	assert.NotEmpty(t, got.msg.MessageId)

	var decoded models.OrderEvent
	require.NoError(t, json.Unmarshal(got.msg.Body, &decoded))
	assert.Equal(t, "o-1", decoded.OrderID)
	assert.True(t, decoded.Total.Equal(decimal.NewFromInt(2500)))
}

func TestPublish_WrapsChannelError(t *testing.T) {
	ch := newFakeChannel()
	ch.publishErr = amqp.ErrClosed
	r := NewWithChannel(ch, testConfig())

	err := r.Publish(context.Background(), models.OrderEvent{OrderID: "o-1", Type: models.EventCreated})

	assert.ErrorIs(t, err, amqp.ErrClosed)
}

func TestSchedulePaymentCheck_UsesDelayHeader(t *testing.T) {
	ch := newFakeChannel()
	r := NewWithChannel(ch, testConfig())

	require.NoError(t, r.SchedulePaymentCheck(context.Background(), "o-7", 15*time.Minute))

	require.Len(t, ch.published, 1)
	got := ch.published[0]
	assert.Equal(t, "orders.delayed", got.exchange)
	assert.Equal(t, int64(900000), got.msg.Headers["x-delay"])

	var decoded models.OrderEvent
	require.NoError(t, json.Unmarshal(got.msg.Body, &decoded))
	assert.Equal(t, "o-7", decoded.OrderID)
	assert.Equal(t, models.EventPaymentCheck, decoded.Type)
}
