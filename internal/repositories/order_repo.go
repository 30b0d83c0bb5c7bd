package repositories

import (
	"context"

	"kupon/internal/models"

	"gorm.io/gorm"
)

// OrderRepository defines the interface for order data access.
type OrderRepository interface {
	ListByUser(ctx context.Context, userID string) ([]models.Order, error)
	GetByID(ctx context.Context, id string) (*models.Order, error)
	// GetByIDForUpdate loads the order with its items and locks the order row.
	GetByIDForUpdate(ctx context.Context, id string) (*models.Order, error)
	GetByReference(ctx context.Context, referenceID string) (*models.Order, error)
	// Create stores the order together with its items.
	Create(ctx context.Context, order *models.Order) error
	// Save writes the mutable fields of an order (status, payment state, intent, failure reason, paid at).
	Save(ctx context.Context, order *models.Order) error
	WithTx(tx *gorm.DB) OrderRepository
}
