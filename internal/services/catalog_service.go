package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"kupon/internal/models"
	"kupon/internal/repositories"
	"kupon/pkg/cache"

	"go.uber.org/zap"
)

func couponKey(id string) string  { return "coupon:" + id }
func packageKey(id string) string { return "package:" + id }

// CatalogService serves coupon and package reads through the shared cache.
// A nil cache, or a failing one, falls back to the database.
type CatalogService struct {
	coupons repositories.CouponRepository
	cache   cache.Cache
	ttl     time.Duration
	logger  *zap.Logger
}

// NewCatalogService creates a new CatalogService.
func NewCatalogService(coupons repositories.CouponRepository, c cache.Cache, ttl time.Duration, logger *zap.Logger) *CatalogService {
	return &CatalogService{coupons: coupons, cache: c, ttl: ttl, logger: logger}
}

func (s *CatalogService) GetCoupon(ctx context.Context, id string) (*models.Coupon, error) {
	var coupon models.Coupon
	if s.fromCache(ctx, couponKey(id), &coupon) {
		return &coupon, nil
	}
	c, err := s.coupons.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, fmt.Errorf("coupon %s: %w", id, ErrCouponNotFound)
		}
		return nil, err
	}
	s.toCache(ctx, couponKey(id), c)
	return c, nil
}

func (s *CatalogService) GetPackage(ctx context.Context, id string) (*models.Package, error) {
	var pkg models.Package
	if s.fromCache(ctx, packageKey(id), &pkg) {
		return &pkg, nil
	}
	p, err := s.coupons.GetPackage(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, fmt.Errorf("package %s: %w", id, ErrPackageNotFound)
		}
		return nil, err
	}
	s.toCache(ctx, packageKey(id), p)
	return p, nil
}

func (s *CatalogService) CreateCoupon(ctx context.Context, coupon *models.Coupon) error {
	if coupon.Stock != nil && *coupon.Stock < 0 {
		return fmt.Errorf("stock must not be negative: %w", ErrInvalidQuantity)
	}
	if coupon.MaxUses != nil && *coupon.MaxUses < 0 {
		return fmt.Errorf("max uses must not be negative: %w", ErrInvalidQuantity)
	}
	return s.coupons.Create(ctx, coupon)
}

func (s *CatalogService) CreatePackage(ctx context.Context, pkg *models.Package) error {
	return s.coupons.CreatePackage(ctx, pkg)
}

// DeactivateCoupon takes a coupon off sale. Coupons are never hard-deleted.
func (s *CatalogService) DeactivateCoupon(ctx context.Context, id string) error {
	if err := s.coupons.Deactivate(ctx, id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return fmt.Errorf("coupon %s: %w", id, ErrCouponNotFound)
		}
		return err
	}
	s.Invalidate(ctx, id)
	return nil
}

// Invalidate drops the cached coupons and every cached package containing them.
func (s *CatalogService) Invalidate(ctx context.Context, couponIDs ...string) {
	if s.cache == nil || len(couponIDs) == 0 {
		return
	}
	keys := make([]string, 0, len(couponIDs))
	for _, id := range couponIDs {
		keys = append(keys, couponKey(id))
		pkgIDs, err := s.coupons.PackageIDsContaining(ctx, id)
		if err != nil {
			s.logger.Warn("list packages for invalidation", zap.String("coupon_id", id), zap.Error(err))
			continue
		}
		for _, pid := range pkgIDs {
			keys = append(keys, packageKey(pid))
		}
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		s.logger.Warn("cache invalidation failed", zap.Strings("keys", keys), zap.Error(err))
	}
}

func (s *CatalogService) fromCache(ctx context.Context, key string, dst interface{}) bool {
	if s.cache == nil {
		return false
	}
	raw, err := s.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			s.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		s.logger.Warn("cache entry unreadable", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (s *CatalogService) toCache(ctx context.Context, key string, v interface{}) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, raw, s.ttl); err != nil {
		s.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}
