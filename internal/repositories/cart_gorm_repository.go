package repositories

import (
	"context"
	"fmt"

	"kupon/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GORMCartRepository is a GORM implementation of CartRepository.
type GORMCartRepository struct {
	db *gorm.DB
}

// NewGORMCartRepository creates a new instance of GORMCartRepository.
func NewGORMCartRepository(db *gorm.DB) *GORMCartRepository {
	return &GORMCartRepository{db: db}
}

// WithTx returns a repository bound to the given transaction.
func (r *GORMCartRepository) WithTx(tx *gorm.DB) CartRepository {
	return &GORMCartRepository{db: tx}
}

// ListByUser returns every line of the user's cart, oldest first.
func (r *GORMCartRepository) ListByUser(ctx context.Context, userID string) ([]models.CartItem, error) {
	var items []models.CartItem
	err := r.db.WithContext(ctx).
		Preload("Coupon").
		Preload("Package").
		Preload("Package.Coupons").
		Where("user_id = ?", userID).
		Order("created_at asc").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list cart of user %s: %w", userID, err)
	}
	return items, nil
}

// Add stores a cart line, merging quantities with an existing line for the same target.
func (r *GORMCartRepository) Add(ctx context.Context, item *models.CartItem) error {
	ref, err := item.Ref()
	if err != nil {
		return err
	}
	column := "coupon_id"
	if ref.Kind == models.LinePackage {
		column = "package_id"
	}

	var existing models.CartItem
	err = r.db.WithContext(ctx).Where("user_id = ? AND "+column+" = ?", item.UserID, ref.ID).First(&existing).Error
	switch {
	case err == nil:
		if err := r.db.WithContext(ctx).Model(&existing).Update("quantity", gorm.Expr("quantity + ?", item.Quantity)).Error; err != nil {
			return fmt.Errorf("failed to update cart item: %w", err)
		}
		if err := r.db.WithContext(ctx).First(&existing, "id = ?", existing.ID).Error; err != nil {
			return fmt.Errorf("failed to reload cart item: %w", err)
		}
		*item = existing
		return nil
	case !isNotFound(err):
		return fmt.Errorf("failed to look up cart item: %w", err)
	}

	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if err := r.db.WithContext(ctx).Omit("Coupon", "Package").Create(item).Error; err != nil {
		return fmt.Errorf("failed to create cart item: %w", err)
	}
	return nil
}

// Remove deletes a single line from the user's cart.
func (r *GORMCartRepository) Remove(ctx context.Context, userID, itemID string) error {
	res := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", itemID, userID).Delete(&models.CartItem{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete cart item: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("cart item with ID %s not found for deletion: %w", itemID, ErrNotFound)
	}
	return nil
}

// Clear empties the user's cart.
func (r *GORMCartRepository) Clear(ctx context.Context, userID string) error {
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&models.CartItem{}).Error; err != nil {
		return fmt.Errorf("failed to clear cart of user %s: %w", userID, err)
	}
	return nil
}
