package repositories

import (
	"context"

	"kupon/internal/models"

	"gorm.io/gorm"
)

// CartRepository defines the interface for cart data access.
type CartRepository interface {
	// ListByUser returns the user's lines with their coupon or package (and package coupons) loaded.
	ListByUser(ctx context.Context, userID string) ([]models.CartItem, error)
	// Add inserts the line, or bumps the quantity of an existing line for the same target.
	Add(ctx context.Context, item *models.CartItem) error
	Remove(ctx context.Context, userID, itemID string) error
	Clear(ctx context.Context, userID string) error
	WithTx(tx *gorm.DB) CartRepository
}
