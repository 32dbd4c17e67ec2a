package consumers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"storefront-orders/config"
	"storefront-orders/models"
	"storefront-orders/services"
)

// DeliverySource *amqp.Channel 的消费接口
type DeliverySource interface {
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// OrderCanceller 支付超时取消
type OrderCanceller interface {
	CancelIfPending(ctx context.Context, id string) (bool, error)
}

type OrderConsumer struct {
	source DeliverySource
	cfg    *config.Config
	orders OrderCanceller
}

func NewOrderConsumer(source DeliverySource, cfg *config.Config, orders OrderCanceller) *OrderConsumer {
	return &OrderConsumer{source: source, cfg: cfg, orders: orders}
}

// Run 消费主订单队列与死信队列，直到 ctx 取消或通道关闭
func (oc *OrderConsumer) Run(ctx context.Context) error {
	msgs, err := oc.source.Consume(
		oc.cfg.OrderQueue,
		"order-service", // consumer tag
		false,           // auto-ack
		false,           // exclusive
		false,           // no-local
		false,           // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("register order consumer: %w", err)
	}

	dlqMsgs, err := oc.source.Consume(
		oc.cfg.DeadLetterQueue,
		"order-service-dlq", // consumer tag
		false,               // auto-ack
		false,               // exclusive
		false,               // no-local
		false,               // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("register dead letter consumer: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		drain(ctx, msgs, oc.processOrderMessage)
	}()
	go func() {
		defer wg.Done()
		drain(ctx, dlqMsgs, oc.processDeadLetterMessage)
	}()
	wg.Wait()

	slog.Info("Order consumer stopped")
	return nil
}

func drain(ctx context.Context, msgs <-chan amqp.Delivery, handle func(context.Context, amqp.Delivery)) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			handle(ctx, msg)
		}
	}
}

func (oc *OrderConsumer) processOrderMessage(ctx context.Context, msg amqp.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Recovered from panic in message processing", "panic", r)
			nack(msg, false)
		}
	}()

	var event models.OrderEvent
	if err := json.Unmarshal(msg.Body, &event); err != nil || event.OrderID == "" || event.Type == "" {
		// 拒绝消息，不重新入队，进入死信队列
		slog.Warn("Invalid message format", "body", string(msg.Body), "err", err)
		nack(msg, false)
		return
	}

	slog.Info("Processing order event", "order_id", event.OrderID, "type", event.Type)

	switch event.Type {
	case models.EventCreated:
		slog.Info("Handling order created", "order_id", event.OrderID, "total", event.Total.String())
	case models.EventStatusUpdated:
		slog.Info("Handling status update", "order_id", event.OrderID, "status", event.Status)
	case models.EventPaymentCheck:
		if err := oc.handlePaymentCheck(ctx, event.OrderID); err != nil {
			// 首次失败重新入队，再次失败进入死信队列
			slog.Error("Payment check failed", "order_id", event.OrderID, "redelivered", msg.Redelivered, "err", err)
			nack(msg, !msg.Redelivered)
			return
		}
	default:
		slog.Warn("Unknown event type", "order_id", event.OrderID, "type", event.Type)
	}

	if err := msg.Ack(false); err != nil {
		slog.Error("Failed to ack message", "order_id", event.OrderID, "err", err)
	}
}

func (oc *OrderConsumer) handlePaymentCheck(ctx context.Context, orderID string) error {
	cancelled, err := oc.orders.CancelIfPending(ctx, orderID)
	if errors.Is(err, services.ErrOrderNotFound) {
		slog.Warn("Payment check for unknown order", "order_id", orderID)
		return nil
	}
	if err != nil {
		return err
	}
	if !cancelled {
		slog.Debug("Order no longer pending, payment check skipped", "order_id", orderID)
	}
	return nil
}

func (oc *OrderConsumer) processDeadLetterMessage(_ context.Context, msg amqp.Delivery) {
	reason := ""
	if deaths, ok := msg.Headers["x-death"].([]interface{}); ok && len(deaths) > 0 {
		if death, ok := deaths[0].(amqp.Table); ok {
			reason, _ = death["reason"].(string)
		}
	}
	slog.Error("Received dead letter", "body", string(msg.Body), "reason", reason)

	if err := msg.Ack(false); err != nil {
		slog.Error("Failed to ack dead letter", "err", err)
	}
}

func nack(msg amqp.Delivery, requeue bool) {
	if err := msg.Nack(false, requeue); err != nil {
		slog.Error("Failed to nack message", "err", err)
	}
}
