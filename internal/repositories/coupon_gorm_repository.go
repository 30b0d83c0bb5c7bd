package repositories

import (
	"context"
	"fmt"

	"kupon/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GORMCouponRepository is a GORM implementation of CouponRepository.
type GORMCouponRepository struct {
	db *gorm.DB
}

// NewGORMCouponRepository creates a new instance of GORMCouponRepository.
func NewGORMCouponRepository(db *gorm.DB) *GORMCouponRepository {
	return &GORMCouponRepository{
		db: db,
	}
}

// WithTx returns a repository bound to the given transaction.
func (r *GORMCouponRepository) WithTx(tx *gorm.DB) CouponRepository {
	return &GORMCouponRepository{db: tx}
}

// Create creates a new coupon in the database.
func (r *GORMCouponRepository) Create(ctx context.Context, coupon *models.Coupon) error {
	if coupon.ID == "" {
		coupon.ID = uuid.New().String()
	}
	if err := r.db.WithContext(ctx).Create(coupon).Error; err != nil {
		return fmt.Errorf("failed to create coupon: %w", err)
	}
	return nil
}

// GetByID retrieves a single coupon by its ID from the database.
func (r *GORMCouponRepository) GetByID(ctx context.Context, id string) (*models.Coupon, error) {
	return r.get(r.db.WithContext(ctx), id)
}

// GetByIDForUpdate retrieves a coupon with a row lock held for the rest of the transaction.
func (r *GORMCouponRepository) GetByIDForUpdate(ctx context.Context, id string) (*models.Coupon, error) {
	return r.get(forUpdate(r.db.WithContext(ctx)), id)
}

func (r *GORMCouponRepository) get(db *gorm.DB, id string) (*models.Coupon, error) {
	var coupon models.Coupon
	if err := db.First(&coupon, "id = ?", id).Error; err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("coupon with ID %s not found: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get coupon by ID %s: %w", id, err)
	}
	return &coupon, nil
}

// ReserveUnits takes qty units in one guarded statement. It reports false when
// the stock or usage bounds would be violated; nothing is written then.
func (r *GORMCouponRepository) ReserveUnits(ctx context.Context, id string, qty int) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Coupon{}).
		Where("id = ? AND (stock IS NULL OR stock >= ?) AND (max_uses IS NULL OR current_uses + ? <= max_uses)", id, qty, qty).
		Updates(map[string]interface{}{
			"stock":        gorm.Expr("CASE WHEN stock IS NULL THEN NULL ELSE stock - ? END", qty),
			"current_uses": gorm.Expr("current_uses + ?", qty),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to reserve %d units of coupon %s: %w", qty, id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ReleaseUnits returns qty units taken by ReserveUnits.
func (r *GORMCouponRepository) ReleaseUnits(ctx context.Context, id string, qty int) error {
	res := r.db.WithContext(ctx).Model(&models.Coupon{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"stock":        gorm.Expr("CASE WHEN stock IS NULL THEN NULL ELSE stock + ? END", qty),
			"current_uses": gorm.Expr("CASE WHEN current_uses >= ? THEN current_uses - ? ELSE 0 END", qty, qty),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to release %d units of coupon %s: %w", qty, id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("coupon with ID %s not found for release: %w", id, ErrNotFound)
	}
	return nil
}

// Deactivate takes a coupon off sale. Existing wallet entries are unaffected.
func (r *GORMCouponRepository) Deactivate(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&models.Coupon{}).Where("id = ?", id).Update("is_active", false)
	if res.Error != nil {
		return fmt.Errorf("failed to deactivate coupon: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("coupon with ID %s not found for deactivation: %w", id, ErrNotFound)
	}
	return nil
}

// CreatePackage creates a package and links its coupons.
func (r *GORMCouponRepository) CreatePackage(ctx context.Context, pkg *models.Package) error {
	if pkg.ID == "" {
		pkg.ID = uuid.New().String()
	}
	if err := r.db.WithContext(ctx).Omit("Coupons.*").Create(pkg).Error; err != nil {
		return fmt.Errorf("failed to create package: %w", err)
	}
	return nil
}

// GetPackage retrieves a package with its coupons.
func (r *GORMCouponRepository) GetPackage(ctx context.Context, id string) (*models.Package, error) {
	var pkg models.Package
	if err := r.db.WithContext(ctx).Preload("Coupons").First(&pkg, "id = ?", id).Error; err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("package with ID %s not found: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get package by ID %s: %w", id, err)
	}
	return &pkg, nil
}

// PackageIDsContaining lists the packages that bundle the given coupon.
func (r *GORMCouponRepository) PackageIDsContaining(ctx context.Context, couponID string) ([]string, error) {
	var ids []string
	if err := r.db.WithContext(ctx).Table("package_coupons").
		Where("coupon_id = ?", couponID).Pluck("package_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("failed to list packages of coupon %s: %w", couponID, err)
	}
	return ids, nil
}
