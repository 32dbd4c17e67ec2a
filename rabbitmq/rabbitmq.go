package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"

	"storefront-orders/config"
	"storefront-orders/models"
)

const (
	defaultPriority    = 5
	cancelledPriority  = 8
	largeOrderPriority = 9
)

var largeOrderTotal = decimal.NewFromInt(1000)

// Channel 用到的 *amqp.Channel 方法
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

type RabbitMQ struct {
	Conn    *amqp.Connection
	Channel Channel
	Cfg     *config.Config
}

func NewRabbitMQ(cfg *config.Config) (*RabbitMQ, error) {
	conn, err := amqp.Dial(cfg.RabbitMQURL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	return &RabbitMQ{
		Conn:    conn,
		Channel: ch,
		Cfg:     cfg,
	}, nil
}

// NewWithChannel 使用已有通道，测试时传入替身
func NewWithChannel(ch Channel, cfg *config.Config) *RabbitMQ {
	return &RabbitMQ{Channel: ch, Cfg: cfg}
}

func (r *RabbitMQ) deadLetterExchange() string {
	return r.Cfg.DeadLetterQueue + "_exchange"
}

func (r *RabbitMQ) SetupQueues() error {
	// 声明死信交换机和队列
	if err := r.Channel.ExchangeDeclare(
		r.deadLetterExchange(),
		"direct",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("declare dead letter exchange: %w", err)
	}

	if _, err := r.Channel.QueueDeclare(
		r.Cfg.DeadLetterQueue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-queue-type": "classic", // 明确指定队列类型
		},
	); err != nil {
		return fmt.Errorf("declare dead letter queue: %w", err)
	}

	// 路由键需与主队列的 x-dead-letter-routing-key 一致
	if err := r.Channel.QueueBind(
		r.Cfg.DeadLetterQueue,
		r.Cfg.DeadLetterQueue,
		r.deadLetterExchange(),
		false,
		nil,
	); err != nil {
		return fmt.Errorf("bind dead letter queue: %w", err)
	}

	if err := r.Channel.ExchangeDeclare(
		r.Cfg.OrderExchange,
		"direct",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("declare order exchange: %w", err)
	}

	// 延迟交换机需要 rabbitmq_delayed_message_exchange 插件；声明失败会关闭通道
	if err := r.Channel.ExchangeDeclare(
		r.Cfg.DelayExchange,
		"x-delayed-message",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		amqp.Table{"x-delayed-type": "direct"},
	); err != nil {
		return fmt.Errorf("declare delayed exchange: %w", err)
	}

	// 声明主订单队列（带优先级和死信）
	if _, err := r.Channel.QueueDeclare(
		r.Cfg.OrderQueue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-max-priority":            r.Cfg.MaxPriority,
			"x-dead-letter-exchange":    r.deadLetterExchange(),
			"x-dead-letter-routing-key": r.Cfg.DeadLetterQueue,
		},
	); err != nil {
		return fmt.Errorf("declare order queue: %w", err)
	}

	// 主队列同时接收订单交换机与延迟交换机的消息
	for _, exchange := range []string{r.Cfg.OrderExchange, r.Cfg.DelayExchange} {
		if err := r.Channel.QueueBind(r.Cfg.OrderQueue, "", exchange, false, nil); err != nil {
			return fmt.Errorf("bind order queue to %s: %w", exchange, err)
		}
	}

	slog.Info("RabbitMQ topology ready", "queue", r.Cfg.OrderQueue, "dlq", r.Cfg.DeadLetterQueue)
	return nil
}

// PriorityFor 大额订单与取消事件优先处理
func PriorityFor(event models.OrderEvent) uint8 {
	switch {
	case event.Type == models.EventCreated && event.Total.GreaterThan(largeOrderTotal):
		return largeOrderPriority
	case event.Type == models.EventStatusUpdated && event.Status == models.StatusCancelled:
		return cancelledPriority
	default:
		return defaultPriority
	}
}

func (r *RabbitMQ) Publish(ctx context.Context, event models.OrderEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode order event: %w", err)
	}

	msg := amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		ContentType:  "application/json",
		MessageId:    uuid.NewString(),
		Type:         event.Type,
		Body:         body,
		Priority:     PriorityFor(event),
	}

	if err := r.Channel.PublishWithContext(ctx, r.Cfg.OrderExchange, "", false, false, msg); err != nil {
		return fmt.Errorf("publish %s event for order %s: %w", event.Type, event.OrderID, err)
	}
	return nil
}

// SchedulePaymentCheck 通过延迟交换机投递支付检查
func (r *RabbitMQ) SchedulePaymentCheck(ctx context.Context, orderID string, delay time.Duration) error {
	event := models.OrderEvent{
		OrderID:  orderID,
		Type:     models.EventPaymentCheck,
		Occurred: time.Now().UTC(),
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode payment check: %w", err)
	}

	msg := amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		ContentType:  "application/json",
		MessageId:    uuid.NewString(),
		Type:         event.Type,
		Body:         body,
		Priority:     defaultPriority,
		Headers: amqp.Table{
			"x-delay": delay.Milliseconds(), // 延迟时间（毫秒）
		},
	}

	if err := r.Channel.PublishWithContext(ctx, r.Cfg.DelayExchange, "", false, false, msg); err != nil {
		return fmt.Errorf("schedule payment check for order %s: %w", orderID, err)
	}
	return nil
}

func (r *RabbitMQ) Close() {
	if r.Channel != nil {
		if err := r.Channel.Close(); err != nil {
			slog.Warn("Failed to close RabbitMQ channel", "err", err)
		}
	}
	if r.Conn != nil {
		if err := r.Conn.Close(); err != nil {
			slog.Warn("Failed to close RabbitMQ connection", "err", err)
		}
	}
}
