package repositories

import (
	"context"
	"fmt"
	"time"

	"kupon/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GORMPaymentRepository is a GORM implementation of PaymentRepository.
type GORMPaymentRepository struct {
	db *gorm.DB
}

// NewGORMPaymentRepository creates a new instance of GORMPaymentRepository.
func NewGORMPaymentRepository(db *gorm.DB) *GORMPaymentRepository {
	return &GORMPaymentRepository{db: db}
}

// WithTx returns a repository bound to the given transaction.
func (r *GORMPaymentRepository) WithTx(tx *gorm.DB) PaymentRepository {
	return &GORMPaymentRepository{db: tx}
}

// GetByOrderID returns the payment of an order.
func (r *GORMPaymentRepository) GetByOrderID(ctx context.Context, orderID string) (*models.Payment, error) {
	return r.first(r.db.WithContext(ctx), "order_id", orderID)
}

// GetByOrderIDForUpdate returns the payment of an order and locks its row.
func (r *GORMPaymentRepository) GetByOrderIDForUpdate(ctx context.Context, orderID string) (*models.Payment, error) {
	return r.first(forUpdate(r.db.WithContext(ctx)), "order_id", orderID)
}

// GetByIntentID returns the payment bound to a gateway intent without locking it.
// Callers that need the row locked take the order lock first and then use GetByOrderIDForUpdate.
func (r *GORMPaymentRepository) GetByIntentID(ctx context.Context, intentID string) (*models.Payment, error) {
	return r.first(r.db.WithContext(ctx), "intent_id", intentID)
}

func (r *GORMPaymentRepository) first(db *gorm.DB, column, value string) (*models.Payment, error) {
	var payment models.Payment
	if err := db.Where(column+" = ?", value).First(&payment).Error; err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("payment with %s %s not found: %w", column, value, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return &payment, nil
}

// Create stores a new payment. The unique index on order_id rejects a second payment for the same order.
func (r *GORMPaymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	if payment.ID == "" {
		payment.ID = uuid.New().String()
	}
	if err := r.db.WithContext(ctx).Create(payment).Error; err != nil {
		return fmt.Errorf("failed to create payment for order %s: %w", payment.OrderID, err)
	}
	return nil
}

// Save writes every field of an existing payment.
func (r *GORMPaymentRepository) Save(ctx context.Context, payment *models.Payment) error {
	if err := r.db.WithContext(ctx).Save(payment).Error; err != nil {
		return fmt.Errorf("failed to update payment %s: %w", payment.ID, err)
	}
	return nil
}

// GORMPaymentTokenRepository is a GORM implementation of PaymentTokenRepository.
type GORMPaymentTokenRepository struct {
	db *gorm.DB
}

// NewGORMPaymentTokenRepository creates a new instance of GORMPaymentTokenRepository.
func NewGORMPaymentTokenRepository(db *gorm.DB) *GORMPaymentTokenRepository {
	return &GORMPaymentTokenRepository{db: db}
}

// WithTx returns a repository bound to the given transaction.
func (r *GORMPaymentTokenRepository) WithTx(tx *gorm.DB) PaymentTokenRepository {
	return &GORMPaymentTokenRepository{db: tx}
}

// Create stores an issued token.
func (r *GORMPaymentTokenRepository) Create(ctx context.Context, token *models.PaymentToken) error {
	if token.ID == "" {
		token.ID = uuid.New().String()
	}
	if err := r.db.WithContext(ctx).Create(token).Error; err != nil {
		return fmt.Errorf("failed to store payment token: %w", err)
	}
	return nil
}

// GetByToken looks a token up by its string form.
func (r *GORMPaymentTokenRepository) GetByToken(ctx context.Context, token string) (*models.PaymentToken, error) {
	var row models.PaymentToken
	if err := r.db.WithContext(ctx).First(&row, "token = ?", token).Error; err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("payment token not found: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get payment token: %w", err)
	}
	return &row, nil
}

// MarkUsed flips is_used once; later calls affect no row and report false.
func (r *GORMPaymentTokenRepository) MarkUsed(ctx context.Context, token string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.PaymentToken{}).
		Where("token = ? AND is_used = ?", token, false).
		Updates(map[string]interface{}{"is_used": true, "used_at": at})
	if res.Error != nil {
		return false, fmt.Errorf("failed to mark payment token used: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// DeleteExpiredBefore removes tokens that expired before the cutoff.
func (r *GORMPaymentTokenRepository) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("expires_at < ?", cutoff).Delete(&models.PaymentToken{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to purge payment tokens: %w", res.Error)
	}
	return res.RowsAffected, nil
}
