package services

import (
	"context"
	"fmt"
	"time"

	"kupon/internal/models"
	"kupon/internal/repositories"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Outcome of applying a payment transition.
type Outcome string

const (
	OutcomeProcessed        Outcome = "processed"
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomeAlreadyFinalized Outcome = "already_finalized"
	OutcomeIgnored          Outcome = "ignored"
	OutcomeError            Outcome = "error"
)

type settleResult struct {
	Outcome  Outcome
	Order    *models.Order
	Payment  *models.Payment
	Granted  int64
	Released []string
}

// settlement moves a locked payment and its order to their next status. It is
// shared by the webhook processor and explicit cancellation so both follow the
// same monotonic rules. Callers lock the order row before the payment row.
type settlement struct {
	orders    repositories.OrderRepository
	payments  repositories.PaymentRepository
	inventory *InventoryService
	wallet    *WalletService
	logger    *zap.Logger
	now       func() time.Time
}

var orderStateFor = map[models.PaymentStatus]struct {
	status models.OrderStatus
	state  models.PaymentState
}{
	models.PaymentStatusFailed:    {models.OrderStatusFailed, models.PaymentStateFailed},
	models.PaymentStatusCancelled: {models.OrderStatusCancelled, models.PaymentStateCancelled},
}

func (s *settlement) succeed(ctx context.Context, tx *gorm.DB, order *models.Order, payment *models.Payment, intentID string) (*settleResult, error) {
	if payment.Status == models.PaymentStatusSucceeded {
		return &settleResult{Outcome: OutcomeAlreadyProcessed, Payment: payment}, nil
	}
	if payment.Status.IsTerminal() {
		return &settleResult{Outcome: OutcomeAlreadyFinalized, Payment: payment}, nil
	}

	if order.Status != models.OrderStatusPaid && !models.CanTransition(order.Status, models.OrderStatusPaid) {
		return nil, fmt.Errorf("order %s is %s and cannot be paid: %w", order.ID, order.Status, ErrInvalidOrderState)
	}

	now := s.now()
	payment.Status = models.PaymentStatusSucceeded
	payment.FailureReason = ""
	payment.CompletedAt = &now
	if intentID != "" {
		payment.IntentID = intentID
	}
	if err := s.payments.WithTx(tx).Save(ctx, payment); err != nil {
		return nil, err
	}

	if order.Status != models.OrderStatusPaid {
		order.Status = models.OrderStatusPaid
		order.PaymentState = models.PaymentStateCompleted
		order.IntentID = payment.IntentID
		order.FailureReason = ""
		order.PaidAt = &now
		if err := s.orders.WithTx(tx).Save(ctx, order); err != nil {
			return nil, err
		}
	}

	granted, err := s.wallet.GrantTx(ctx, tx, order.UserID, order.ID, order.GrantedCouponIDs())
	if err != nil {
		return nil, err
	}
	return &settleResult{Outcome: OutcomeProcessed, Order: order, Payment: payment, Granted: granted}, nil
}

// fail records a failed or cancelled payment, closes the order and releases its stock.
func (s *settlement) fail(ctx context.Context, tx *gorm.DB, order *models.Order, payment *models.Payment, status models.PaymentStatus, reason string) (*settleResult, error) {
	if payment.Status == status {
		return &settleResult{Outcome: OutcomeAlreadyProcessed, Payment: payment}, nil
	}
	if payment.Status.IsTerminal() {
		return &settleResult{Outcome: OutcomeAlreadyFinalized, Payment: payment}, nil
	}

	now := s.now()
	payment.Status = status
	payment.FailureReason = reason
	payment.CompletedAt = &now
	if err := s.payments.WithTx(tx).Save(ctx, payment); err != nil {
		return nil, err
	}

	released, err := s.closeOrder(ctx, tx, order, status, reason)
	if err != nil {
		return nil, err
	}
	return &settleResult{Outcome: OutcomeProcessed, Order: order, Payment: payment, Released: released}, nil
}

// closeOrder moves a locked order to failed or cancelled and returns its reserved units.
func (s *settlement) closeOrder(ctx context.Context, tx *gorm.DB, order *models.Order, status models.PaymentStatus, reason string) ([]string, error) {
	target, ok := orderStateFor[status]
	if !ok {
		return nil, fmt.Errorf("payment status %s does not close an order", status)
	}
	if order.Status == target.status {
		return nil, nil
	}
	if !models.CanTransition(order.Status, target.status) {
		return nil, fmt.Errorf("order %s is %s and cannot become %s: %w", order.ID, order.Status, target.status, ErrInvalidOrderState)
	}
	order.Status = target.status
	order.PaymentState = target.state
	order.FailureReason = reason
	if err := s.orders.WithTx(tx).Save(ctx, order); err != nil {
		return nil, err
	}
	released, err := s.inventory.ReleaseAllTx(ctx, tx, order.Reservations())
	if err != nil {
		return nil, err
	}
	s.logger.Info("order closed",
		zap.String("order_id", order.ID),
		zap.String("status", string(order.Status)),
		zap.String("reason", reason),
		zap.Strings("released_coupons", released))
	return released, nil
}

func (s *settlement) processing(ctx context.Context, tx *gorm.DB, order *models.Order, payment *models.Payment) (*settleResult, error) {
	if payment.Status == models.PaymentStatusProcessing {
		return &settleResult{Outcome: OutcomeAlreadyProcessed, Payment: payment}, nil
	}
	if payment.Status.IsTerminal() {
		return &settleResult{Outcome: OutcomeAlreadyFinalized, Payment: payment}, nil
	}
	payment.Status = models.PaymentStatusProcessing
	if err := s.payments.WithTx(tx).Save(ctx, payment); err != nil {
		return nil, err
	}
	if order.Status == models.OrderStatusPendingPayment {
		order.PaymentState = models.PaymentStateProcessing
		if err := s.orders.WithTx(tx).Save(ctx, order); err != nil {
			return nil, err
		}
	}
	return &settleResult{Outcome: OutcomeProcessed, Order: order, Payment: payment}, nil
}
