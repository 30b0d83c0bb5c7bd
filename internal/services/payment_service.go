package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kupon/internal/models"
	"kupon/internal/repositories"
	"kupon/pkg/gateway"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// IntentInput describes the payment to open for an order.
type IntentInput struct {
	OrderID     string
	AmountMinor int64
	Currency    string
	Metadata    map[string]string
}

// PaymentService keeps the local Payment record in step with the gateway.
type PaymentService struct {
	db       *gorm.DB
	orders   repositories.OrderRepository
	payments repositories.PaymentRepository
	gateway  gateway.Gateway
	settle   *settlement
	logger   *zap.Logger
}

// NewPaymentService creates a new PaymentService.
func NewPaymentService(
	db *gorm.DB,
	orders repositories.OrderRepository,
	payments repositories.PaymentRepository,
	gw gateway.Gateway,
	inventory *InventoryService,
	wallet *WalletService,
	logger *zap.Logger,
) *PaymentService {
	return &PaymentService{
		db:       db,
		orders:   orders,
		payments: payments,
		gateway:  gw,
		settle: &settlement{
			orders:    orders,
			payments:  payments,
			inventory: inventory,
			wallet:    wallet,
			logger:    logger,
			now:       time.Now,
		},
		logger: logger,
	}
}

// CreateIntent opens a gateway intent for the order, or returns the open one
// when amount and currency still match. A stale intent is replaced in place and
// left to expire at the gateway.
func (s *PaymentService) CreateIntent(ctx context.Context, in IntentInput) (*models.Payment, error) {
	var payment *models.Payment
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		orders := s.orders.WithTx(tx)
		payments := s.payments.WithTx(tx)

		order, err := orders.GetByIDForUpdate(ctx, in.OrderID)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return fmt.Errorf("order %s: %w", in.OrderID, ErrOrderNotFound)
			}
			return err
		}

		existing, err := payments.GetByOrderIDForUpdate(ctx, in.OrderID)
		if err != nil && !errors.Is(err, repositories.ErrNotFound) {
			return err
		}
		if existing != nil {
			switch existing.Status {
			case models.PaymentStatusSucceeded:
				return fmt.Errorf("order %s: %w", in.OrderID, ErrAlreadyPaid)
			case models.PaymentStatusFailed, models.PaymentStatusCancelled:
				return fmt.Errorf("order %s payment is %s: %w", in.OrderID, existing.Status, ErrPaymentFinalized)
			}
			if existing.IntentID != "" && existing.AmountMinor == in.AmountMinor && existing.Currency == in.Currency {
				payment = existing
				return nil
			}
		}

		if order.Status == models.OrderStatusPaid {
			return fmt.Errorf("order %s: %w", in.OrderID, ErrAlreadyPaid)
		}
		if order.Status != models.OrderStatusPendingPayment {
			return fmt.Errorf("order %s is %s: %w", in.OrderID, order.Status, ErrInvalidOrderState)
		}

		metadata := models.Metadata{}
		for k, v := range in.Metadata {
			metadata[k] = v
		}
		metadata[models.MetadataOrderID] = in.OrderID

		intent, err := s.gateway.CreateIntent(ctx, gateway.IntentRequest{
			OrderID:        in.OrderID,
			AmountMinor:    in.AmountMinor,
			Currency:       in.Currency,
			Metadata:       metadata,
			IdempotencyKey: fmt.Sprintf("intent-%s-%d-%s", in.OrderID, in.AmountMinor, in.Currency),
		})
		if err != nil {
			return err
		}

		if existing == nil {
			existing = &models.Payment{OrderID: in.OrderID, Gateway: s.gateway.Name()}
		} else if existing.IntentID != "" {
			s.logger.Info("replacing stale payment intent",
				zap.String("order_id", in.OrderID),
				zap.String("old_intent_id", existing.IntentID),
				zap.String("new_intent_id", intent.ID))
		}
		existing.IntentID = intent.ID
		existing.ClientSecret = intent.ClientSecret
		existing.AmountMinor = in.AmountMinor
		existing.Currency = in.Currency
		existing.Metadata = metadata
		existing.Status = models.PaymentStatusPending
		if existing.ID == "" {
			err = payments.Create(ctx, existing)
		} else {
			err = payments.Save(ctx, existing)
		}
		if err != nil {
			return err
		}

		order.IntentID = intent.ID
		if order.PaymentState == models.PaymentStateAwaiting {
			order.PaymentState = models.PaymentStateInitiated
		}
		if err := orders.Save(ctx, order); err != nil {
			return err
		}
		payment = existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// RetrieveIntent refreshes a non-terminal payment from the gateway. Only the
// processing status is mirrored; terminal outcomes arrive by webhook.
func (s *PaymentService) RetrieveIntent(ctx context.Context, orderID string) (*models.Payment, error) {
	payment, err := s.payments.GetByOrderID(ctx, orderID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, fmt.Errorf("order %s: %w", orderID, ErrPaymentNotFound)
		}
		return nil, err
	}
	if payment.Status.IsTerminal() || payment.IntentID == "" {
		return payment, nil
	}

	intent, err := s.gateway.RetrieveIntent(ctx, payment.IntentID)
	if err != nil {
		return nil, err
	}
	if intent.Status != gateway.IntentProcessing || payment.Status == models.PaymentStatusProcessing {
		return payment, nil
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := s.orders.WithTx(tx).GetByIDForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		locked, err := s.payments.WithTx(tx).GetByOrderIDForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if locked.IntentID != intent.ID {
			payment = locked
			return nil
		}
		res, err := s.settle.processing(ctx, tx, order, locked)
		if err != nil {
			return err
		}
		payment = res.Payment
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

// CancelIntent cancels the order's open payment at the gateway and closes the
// order, releasing its stock. Orders without a payment are closed locally.
func (s *PaymentService) CancelIntent(ctx context.Context, orderID, reason string) (*models.Order, []string, error) {
	var (
		order    *models.Order
		released []string
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		order, err = s.orders.WithTx(tx).GetByIDForUpdate(ctx, orderID)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				return fmt.Errorf("order %s: %w", orderID, ErrOrderNotFound)
			}
			return err
		}
		switch order.Status {
		case models.OrderStatusPaid:
			return fmt.Errorf("order %s: %w", orderID, ErrAlreadyPaid)
		case models.OrderStatusPendingPayment:
		default:
			return fmt.Errorf("order %s is %s: %w", orderID, order.Status, ErrInvalidOrderState)
		}

		payment, err := s.payments.WithTx(tx).GetByOrderIDForUpdate(ctx, orderID)
		if err != nil && !errors.Is(err, repositories.ErrNotFound) {
			return err
		}
		if payment == nil {
			released, err = s.settle.closeOrder(ctx, tx, order, models.PaymentStatusCancelled, reason)
			return err
		}
		switch {
		case payment.Status == models.PaymentStatusSucceeded:
			return fmt.Errorf("order %s: %w", orderID, ErrAlreadyPaid)
		case payment.Status.IsTerminal():
			return fmt.Errorf("order %s payment is %s: %w", orderID, payment.Status, ErrPaymentFinalized)
		}
		if payment.IntentID != "" {
			if _, err := s.gateway.CancelIntent(ctx, payment.IntentID); err != nil {
				return err
			}
		}
		res, err := s.settle.fail(ctx, tx, order, payment, models.PaymentStatusCancelled, reason)
		if err != nil {
			return err
		}
		order = res.Order
		released = res.Released
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return order, released, nil
}
