package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"kupon/internal/models"
	"kupon/internal/repositories"
	"kupon/pkg/logging"
	"kupon/pkg/metrics"

	"github.com/stripe/stripe-go/v76/webhook"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Event types handled by the webhook processor.
const (
	EventIntentSucceeded  = "payment_intent.succeeded"
	EventIntentFailed     = "payment_intent.payment_failed"
	EventIntentCanceled   = "payment_intent.canceled"
	EventIntentProcessing = "payment_intent.processing"
)

// WebhookEvent is the subset of a gateway event the processor reads.
type WebhookEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object IntentObject `json:"object"`
	} `json:"data"`
}

// IntentObject is the payment intent carried by an event.
type IntentObject struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	Amount             int64             `json:"amount"`
	Currency           string            `json:"currency"`
	Metadata           map[string]string `json:"metadata"`
	CancellationReason string            `json:"cancellation_reason"`
	LastPaymentError   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

// WebhookResult is reported back to the gateway. Processing errors are
// acknowledged too; only signature failures are rejected.
type WebhookResult struct {
	EventID string  `json:"event_id"`
	Type    string  `json:"type"`
	Outcome Outcome `json:"outcome"`
	Error   string  `json:"error,omitempty"`
	Granted int64   `json:"granted,omitempty"`
	// Retry is set when the failure was transient and the gateway should redeliver.
	Retry bool `json:"-"`
}

type webhookHandler func(ctx context.Context, tx *gorm.DB, order *models.Order, payment *models.Payment, obj *IntentObject) (*settleResult, error)

// WebhookService verifies and applies asynchronous payment events exactly once.
type WebhookService struct {
	db        *gorm.DB
	orders    repositories.OrderRepository
	payments  repositories.PaymentRepository
	settle    *settlement
	inventory *InventoryService
	publisher EventPublisher
	secret    string
	tolerance time.Duration
	handlers  map[string]webhookHandler
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewWebhookService creates a new WebhookService.
func NewWebhookService(
	db *gorm.DB,
	orders repositories.OrderRepository,
	payments repositories.PaymentRepository,
	inventory *InventoryService,
	wallet *WalletService,
	publisher EventPublisher,
	secret string,
	tolerance time.Duration,
	m *metrics.Metrics,
	logger *zap.Logger,
) *WebhookService {
	s := &WebhookService{
		db:       db,
		orders:   orders,
		payments: payments,
		settle: &settlement{
			orders:    orders,
			payments:  payments,
			inventory: inventory,
			wallet:    wallet,
			logger:    logger,
			now:       time.Now,
		},
		inventory: inventory,
		publisher: publisher,
		secret:    secret,
		tolerance: tolerance,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
	s.handlers = map[string]webhookHandler{
		EventIntentSucceeded:  s.handleSucceeded,
		EventIntentFailed:     s.handleFailed,
		EventIntentCanceled:   s.handleCanceled,
		EventIntentProcessing: s.handleProcessing,
	}
	return s
}

// SignPayload builds a signature header for payload, in the format Verify expects.
func SignPayload(secret string, payload []byte, at time.Time) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: at,
	})
	return signed.Header
}

// Verify authenticates the raw request body against the signature header and
// decodes the event. The body must be passed exactly as received.
func (s *WebhookService) Verify(payload []byte, header string) (*WebhookEvent, error) {
	var err error
	if s.tolerance > 0 {
		err = webhook.ValidatePayloadWithTolerance(payload, header, s.secret, s.tolerance)
	} else {
		err = webhook.ValidatePayloadIgnoringTolerance(payload, header, s.secret)
	}
	if err != nil {
		return nil, s.rejectSignature(err.Error())
	}

	var evt WebhookEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("failed to decode webhook event: %w", err)
	}
	return &evt, nil
}

func (s *WebhookService) rejectSignature(reason string) error {
	s.metrics.Webhook("unknown", "signature_invalid")
	s.logger.Warn("webhook signature rejected", logging.SecurityEvent("webhook_signature"), zap.String("reason", reason))
	return fmt.Errorf("webhook %s: %w", reason, ErrInvalidSignature)
}

// Apply routes a verified event to its handler. Duplicate and out-of-order
// deliveries converge on the same final state.
func (s *WebhookService) Apply(ctx context.Context, evt *WebhookEvent) (result WebhookResult) {
	ctx, span := tracer.Start(ctx, "webhook.apply")
	span.SetAttributes(attribute.String("event.id", evt.ID), attribute.String("event.type", evt.Type))
	defer span.End()

	result = WebhookResult{EventID: evt.ID, Type: evt.Type}
	defer func() {
		if r := recover(); r != nil {
			result.Outcome = OutcomeError
			result.Error = fmt.Sprint(r)
			s.logger.Error("webhook handler panicked", zap.String("event_id", evt.ID), zap.Any("panic", r))
		}
		s.metrics.Webhook(evt.Type, string(result.Outcome))
	}()

	handler, ok := s.handlers[evt.Type]
	if !ok {
		result.Outcome = OutcomeIgnored
		return result
	}

	obj := &evt.Data.Object
	var res *settleResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, payment, err := s.lockPayment(ctx, tx, obj)
		if err != nil {
			return err
		}
		if payment.IntentID != obj.ID && evt.Type != EventIntentSucceeded {
			// Events of a replaced intent only matter if money moved.
			res = &settleResult{Outcome: OutcomeIgnored}
			return nil
		}
		res, err = handler(ctx, tx, order, payment, obj)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Error("webhook processing failed",
			zap.String("event_id", evt.ID),
			zap.String("type", evt.Type),
			zap.String("intent_id", obj.ID),
			zap.Error(err))
		result.Outcome = OutcomeError
		result.Error = err.Error()
		result.Retry = IsRetryable(err)
		return result
	}

	result.Outcome = res.Outcome
	result.Granted = res.Granted
	if res.Outcome == OutcomeProcessed {
		s.inventory.Invalidate(ctx, res.Released...)
		s.publishResult(evt.Type, res)
	}
	s.logger.Info("webhook applied",
		zap.String("event_id", evt.ID),
		zap.String("type", evt.Type),
		zap.String("intent_id", obj.ID),
		zap.String("outcome", string(res.Outcome)))
	return result
}

// lockPayment locks the order an intent belongs to and then its payment.
// Intent creation and cancellation take the same two locks in the same order.
func (s *WebhookService) lockPayment(ctx context.Context, tx *gorm.DB, obj *IntentObject) (*models.Order, *models.Payment, error) {
	orderID, err := s.orderIDFor(ctx, tx, obj)
	if err != nil {
		return nil, nil, err
	}
	order, err := s.orders.WithTx(tx).GetByIDForUpdate(ctx, orderID)
	if err != nil {
		return nil, nil, notFound(err, ErrOrderNotFound, orderID)
	}
	payment, err := s.payments.WithTx(tx).GetByOrderIDForUpdate(ctx, orderID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, nil, fmt.Errorf("intent %s order %s: %w", obj.ID, orderID, ErrPaymentNotFound)
		}
		return nil, nil, err
	}
	return order, payment, nil
}

// orderIDFor resolves the order of an intent without taking locks, falling
// back to the order id the intent carries in its metadata.
func (s *WebhookService) orderIDFor(ctx context.Context, tx *gorm.DB, obj *IntentObject) (string, error) {
	payment, err := s.payments.WithTx(tx).GetByIntentID(ctx, obj.ID)
	if err == nil {
		return payment.OrderID, nil
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		return "", err
	}
	if orderID := obj.Metadata[models.MetadataOrderID]; orderID != "" {
		return orderID, nil
	}
	return "", fmt.Errorf("intent %s: %w", obj.ID, ErrPaymentNotFound)
}

func (s *WebhookService) handleSucceeded(ctx context.Context, tx *gorm.DB, order *models.Order, payment *models.Payment, obj *IntentObject) (*settleResult, error) {
	if payment.IntentID != obj.ID {
		s.logger.Warn("payment succeeded on a replaced intent",
			zap.String("order_id", payment.OrderID),
			zap.String("current_intent_id", payment.IntentID),
			zap.String("paid_intent_id", obj.ID))
	}
	return s.settle.succeed(ctx, tx, order, payment, obj.ID)
}

func (s *WebhookService) handleFailed(ctx context.Context, tx *gorm.DB, order *models.Order, payment *models.Payment, obj *IntentObject) (*settleResult, error) {
	reason := "payment failed"
	if obj.LastPaymentError != nil && obj.LastPaymentError.Message != "" {
		reason = obj.LastPaymentError.Message
	}
	return s.settle.fail(ctx, tx, order, payment, models.PaymentStatusFailed, reason)
}

func (s *WebhookService) handleCanceled(ctx context.Context, tx *gorm.DB, order *models.Order, payment *models.Payment, obj *IntentObject) (*settleResult, error) {
	reason := "payment cancelled"
	if obj.CancellationReason != "" {
		reason = obj.CancellationReason
	}
	return s.settle.fail(ctx, tx, order, payment, models.PaymentStatusCancelled, reason)
}

func (s *WebhookService) handleProcessing(ctx context.Context, tx *gorm.DB, order *models.Order, payment *models.Payment, _ *IntentObject) (*settleResult, error) {
	return s.settle.processing(ctx, tx, order, payment)
}

func (s *WebhookService) publishResult(eventType string, res *settleResult) {
	if res.Order == nil {
		return
	}
	var key string
	switch eventType {
	case EventIntentSucceeded:
		key = EventPaymentSucceeded
	case EventIntentFailed:
		key = EventPaymentFailed
	case EventIntentCanceled:
		key = EventPaymentCancelled
	default:
		return
	}
	publish(s.publisher, s.logger, key, OrderEvent{
		OrderID:    res.Order.ID,
		UserID:     res.Order.UserID,
		Status:     string(res.Order.Status),
		Total:      res.Order.TotalAmount.String(),
		Currency:   res.Order.Currency,
		Reason:     res.Order.FailureReason,
		OccurredAt: s.now(),
	})
}
