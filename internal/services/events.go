package services

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// Exchange that receives order and payment lifecycle events.
const paymentsExchange = "payments"

// Routing keys of published events.
const (
	EventOrderCreated     = "order.created"
	EventOrderPaid        = "order.paid"
	EventOrderCancelled   = "order.cancelled"
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
	EventPaymentCancelled = "payment.cancelled"
)

// EventPublisher sends a message to a broker. *rabbitmq.Client implements it.
type EventPublisher interface {
	Publish(exchange, routingKey string, body []byte) error
}

// OrderEvent is the body of every published event.
type OrderEvent struct {
	OrderID    string    `json:"order_id"`
	UserID     string    `json:"user_id"`
	Status     string    `json:"status"`
	Total      string    `json:"total"`
	Currency   string    `json:"currency"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// publish is best-effort: the state change it reports is already committed.
func publish(pub EventPublisher, logger *zap.Logger, routingKey string, evt OrderEvent) {
	if pub == nil {
		return
	}
	body, err := json.Marshal(evt)
	if err != nil {
		logger.Warn("marshal event", zap.String("routing_key", routingKey), zap.Error(err))
		return
	}
	if err := pub.Publish(paymentsExchange, routingKey, body); err != nil {
		logger.Warn("publish event", zap.String("routing_key", routingKey), zap.String("order_id", evt.OrderID), zap.Error(err))
	}
}
