package repositories

import (
	"context"

	"kupon/internal/models"

	"gorm.io/gorm"
)

// CouponRepository defines the interface for coupon and package data access.
type CouponRepository interface {
	Create(ctx context.Context, coupon *models.Coupon) error
	GetByID(ctx context.Context, id string) (*models.Coupon, error)
	// GetByIDForUpdate reads the coupon and holds a row lock until the transaction ends.
	GetByIDForUpdate(ctx context.Context, id string) (*models.Coupon, error)
	ReserveUnits(ctx context.Context, id string, qty int) (bool, error)
	ReleaseUnits(ctx context.Context, id string, qty int) error
	Deactivate(ctx context.Context, id string) error
	CreatePackage(ctx context.Context, pkg *models.Package) error
	GetPackage(ctx context.Context, id string) (*models.Package, error)
	PackageIDsContaining(ctx context.Context, couponID string) ([]string, error)
	WithTx(tx *gorm.DB) CouponRepository
}
