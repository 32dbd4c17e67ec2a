package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	EventCreated       = "created"
	EventStatusUpdated = "status_updated"
	EventPaymentCheck  = "payment_check"
)

type OrderEvent struct {
	OrderID  string          `json:"order_id"`
	UserID   string          `json:"user_id"`
	Type     string          `json:"type"` // created, status_updated, payment_check
	Status   OrderStatus     `json:"status"`
	Total    decimal.Decimal `json:"total"`
	Occurred time.Time       `json:"occurred"`
}

// NewOrderEvent 由订单快照生成事件
func NewOrderEvent(order *Order, eventType string) OrderEvent {
	return OrderEvent{
		OrderID:  order.ID,
		UserID:   order.UserID,
		Type:     eventType,
		Status:   order.Status,
		Total:    order.Total,
		Occurred: time.Now().UTC(),
	}
}
