package repositories

import (
	"context"
	"fmt"

	"kupon/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GORMOrderRepository is a GORM implementation of OrderRepository.
type GORMOrderRepository struct {
	db *gorm.DB
}

// NewGORMOrderRepository creates a new instance of GORMOrderRepository.
func NewGORMOrderRepository(db *gorm.DB) *GORMOrderRepository {
	return &GORMOrderRepository{db: db}
}

// WithTx returns a repository bound to the given transaction.
func (r *GORMOrderRepository) WithTx(tx *gorm.DB) OrderRepository {
	return &GORMOrderRepository{db: tx}
}

// ListByUser returns the user's orders, newest first.
func (r *GORMOrderRepository) ListByUser(ctx context.Context, userID string) ([]models.Order, error) {
	var orders []models.Order
	if err := r.db.WithContext(ctx).Preload("Items").Where("user_id = ?", userID).
		Order("created_at desc").Find(&orders).Error; err != nil {
		return nil, fmt.Errorf("failed to list orders of user %s: %w", userID, err)
	}
	return orders, nil
}

// GetByID returns an order by its ID.
func (r *GORMOrderRepository) GetByID(ctx context.Context, id string) (*models.Order, error) {
	return r.first(r.db.WithContext(ctx), "id", id)
}

// GetByIDForUpdate returns an order by its ID and locks its row.
func (r *GORMOrderRepository) GetByIDForUpdate(ctx context.Context, id string) (*models.Order, error) {
	return r.first(forUpdate(r.db.WithContext(ctx)), "id", id)
}

// GetByReference returns the order placed with an external reference id.
func (r *GORMOrderRepository) GetByReference(ctx context.Context, referenceID string) (*models.Order, error) {
	return r.first(r.db.WithContext(ctx), "reference_id", referenceID)
}

func (r *GORMOrderRepository) first(db *gorm.DB, column, value string) (*models.Order, error) {
	var order models.Order
	if err := db.Where(column+" = ?", value).First(&order).Error; err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("order with %s %s not found: %w", column, value, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	// Items are loaded separately so the row lock above applies to the order row only.
	if err := db.Session(&gorm.Session{NewDB: true}).Where("order_id = ?", order.ID).
		Order("created_at asc").Find(&order.Items).Error; err != nil {
		return nil, fmt.Errorf("failed to load items of order %s: %w", order.ID, err)
	}
	return &order, nil
}

// Create adds a new order and its items.
func (r *GORMOrderRepository) Create(ctx context.Context, order *models.Order) error {
	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	for i := range order.Items {
		if order.Items[i].ID == "" {
			order.Items[i].ID = uuid.New().String()
		}
		order.Items[i].OrderID = order.ID
	}
	if err := r.db.WithContext(ctx).Create(order).Error; err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

// Save updates the status fields of an order.
func (r *GORMOrderRepository) Save(ctx context.Context, order *models.Order) error {
	res := r.db.WithContext(ctx).Model(&models.Order{}).Where("id = ?", order.ID).Updates(map[string]interface{}{
		"status":         order.Status,
		"payment_state":  order.PaymentState,
		"intent_id":      order.IntentID,
		"failure_reason": order.FailureReason,
		"paid_at":        order.PaidAt,
	})
	if res.Error != nil {
		return fmt.Errorf("failed to update order %s: %w", order.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("order with ID %s not found for status update: %w", order.ID, ErrNotFound)
	}
	return nil
}
