package services

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"kupon/internal/repositories"
	"kupon/pkg/metrics"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// InventoryService is the only writer of coupon stock and usage counters.
type InventoryService struct {
	db      *gorm.DB
	coupons repositories.CouponRepository
	catalog *CatalogService
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewInventoryService creates a new InventoryService.
func NewInventoryService(db *gorm.DB, coupons repositories.CouponRepository, catalog *CatalogService, m *metrics.Metrics, logger *zap.Logger) *InventoryService {
	return &InventoryService{db: db, coupons: coupons, catalog: catalog, metrics: m, logger: logger}
}

// Reserve takes qty units of a coupon in its own transaction.
func (s *InventoryService) Reserve(ctx context.Context, couponID string, qty int) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.ReserveTx(ctx, tx, couponID, qty)
	})
	if err != nil {
		return err
	}
	s.Invalidate(ctx, couponID)
	return nil
}

// ReserveTx takes qty units of a coupon inside the caller's transaction. The
// caller must call Invalidate after commit.
func (s *InventoryService) ReserveTx(ctx context.Context, tx *gorm.DB, couponID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	repo := s.coupons.WithTx(tx)

	coupon, err := repo.GetByIDForUpdate(ctx, couponID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			s.metrics.Reservation("not_found")
			return fmt.Errorf("coupon %s: %w", couponID, ErrCouponNotFound)
		}
		return err
	}
	if !coupon.IsActive {
		s.metrics.Reservation("inactive")
		return fmt.Errorf("coupon %s: %w", couponID, ErrCouponInactive)
	}
	if coupon.Stock != nil && *coupon.Stock < qty {
		s.metrics.Reservation("insufficient_stock")
		return fmt.Errorf("coupon %s has %d left, %d requested: %w", couponID, *coupon.Stock, qty, ErrInsufficientStock)
	}
	if coupon.MaxUses != nil && coupon.CurrentUses+qty > *coupon.MaxUses {
		s.metrics.Reservation("limit_reached")
		return fmt.Errorf("coupon %s used %d of %d: %w", couponID, coupon.CurrentUses, *coupon.MaxUses, ErrLimitReached)
	}

	ok, err := repo.ReserveUnits(ctx, couponID, qty)
	if err != nil {
		return err
	}
	if !ok {
		// Only reachable when the row lock is unavailable and another writer won.
		s.metrics.Reservation("insufficient_stock")
		return fmt.Errorf("coupon %s: %w", couponID, ErrInsufficientStock)
	}
	s.metrics.Reservation("reserved")
	return nil
}

// ReserveAllTx reserves every coupon of units in ascending id order, so two
// checkouts sharing coupons always lock them in the same order.
func (s *InventoryService) ReserveAllTx(ctx context.Context, tx *gorm.DB, units map[string]int) ([]string, error) {
	ids := sortedKeys(units)
	for _, id := range ids {
		if err := s.ReserveTx(ctx, tx, id, units[id]); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// Release returns qty units of a coupon in its own transaction.
func (s *InventoryService) Release(ctx context.Context, couponID string, qty int) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.ReleaseTx(ctx, tx, couponID, qty)
	})
	if err != nil {
		return err
	}
	s.Invalidate(ctx, couponID)
	return nil
}

// ReleaseTx returns qty units inside the caller's transaction.
func (s *InventoryService) ReleaseTx(ctx context.Context, tx *gorm.DB, couponID string, qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	repo := s.coupons.WithTx(tx)
	if _, err := repo.GetByIDForUpdate(ctx, couponID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return fmt.Errorf("coupon %s: %w", couponID, ErrCouponNotFound)
		}
		return err
	}
	if err := repo.ReleaseUnits(ctx, couponID, qty); err != nil {
		return err
	}
	s.metrics.Reservation("released")
	return nil
}

// ReleaseAllTx is the inverse of ReserveAllTx.
func (s *InventoryService) ReleaseAllTx(ctx context.Context, tx *gorm.DB, units map[string]int) ([]string, error) {
	ids := sortedKeys(units)
	for _, id := range ids {
		if err := s.ReleaseTx(ctx, tx, id, units[id]); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// Invalidate drops cached entries of coupons whose counters changed.
func (s *InventoryService) Invalidate(ctx context.Context, couponIDs ...string) {
	if s.catalog != nil {
		s.catalog.Invalidate(ctx, couponIDs...)
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
