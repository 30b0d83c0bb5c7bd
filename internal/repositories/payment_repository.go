package repositories

import (
	"context"
	"time"

	"kupon/internal/models"

	"gorm.io/gorm"
)

// PaymentRepository defines the interface for payment data access.
type PaymentRepository interface {
	GetByOrderID(ctx context.Context, orderID string) (*models.Payment, error)
	GetByIntentID(ctx context.Context, intentID string) (*models.Payment, error)
	GetByOrderIDForUpdate(ctx context.Context, orderID string) (*models.Payment, error)
	Create(ctx context.Context, payment *models.Payment) error
	Save(ctx context.Context, payment *models.Payment) error
	WithTx(tx *gorm.DB) PaymentRepository
}

// PaymentTokenRepository defines the interface for payment token data access.
type PaymentTokenRepository interface {
	Create(ctx context.Context, token *models.PaymentToken) error
	GetByToken(ctx context.Context, token string) (*models.PaymentToken, error)
	// MarkUsed flags the token as used. It reports false when the token was already used.
	MarkUsed(ctx context.Context, token string, at time.Time) (bool, error)
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
	WithTx(tx *gorm.DB) PaymentTokenRepository
}
