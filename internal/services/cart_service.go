package services

import (
	"context"
	"errors"
	"fmt"

	"kupon/internal/models"
	"kupon/internal/repositories"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CartService manages a user's cart and prices it on demand.
type CartService struct {
	carts   repositories.CartRepository
	catalog *CatalogService
	pricing *PricingResolver
	logger  *zap.Logger
}

// NewCartService creates a new CartService.
func NewCartService(carts repositories.CartRepository, catalog *CatalogService, pricing *PricingResolver, logger *zap.Logger) *CartService {
	return &CartService{carts: carts, catalog: catalog, pricing: pricing, logger: logger}
}

// AddItem puts a coupon or package into the cart, merging with an existing line.
// Stock is not reserved until checkout.
func (s *CartService) AddItem(ctx context.Context, userID string, ref models.LineRef, quantity int) (*models.CartItem, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	switch ref.Kind {
	case models.LineCoupon:
		coupon, err := s.catalog.GetCoupon(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
		if !coupon.IsActive {
			return nil, fmt.Errorf("coupon %s: %w", ref.ID, ErrCouponInactive)
		}
		if coupon.Stock != nil && *coupon.Stock < quantity {
			return nil, fmt.Errorf("coupon %s has %d left: %w", ref.ID, *coupon.Stock, ErrInsufficientStock)
		}
	case models.LinePackage:
		pkg, err := s.catalog.GetPackage(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
		if _, err := s.pricing.PricePackage(pkg, quantity, ""); err != nil {
			return nil, err
		}
	}

	item, err := models.NewCartItem(userID, ref, quantity)
	if err != nil {
		return nil, err
	}
	if err := s.carts.Add(ctx, item); err != nil {
		return nil, err
	}
	return item, nil
}

// RemoveItem deletes one line from the user's cart.
func (s *CartService) RemoveItem(ctx context.Context, userID, itemID string) error {
	if err := s.carts.Remove(ctx, userID, itemID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return fmt.Errorf("cart item %s: %w", itemID, ErrCartItemNotFound)
		}
		return err
	}
	return nil
}

// List returns the user's cart lines.
func (s *CartService) List(ctx context.Context, userID string) ([]models.CartItem, error) {
	return s.carts.ListByUser(ctx, userID)
}

// Clear empties the user's cart.
func (s *CartService) Clear(ctx context.Context, userID string) error {
	return s.carts.Clear(ctx, userID)
}

// Totals prices the cart in each requested currency.
func (s *CartService) Totals(ctx context.Context, userID string, currencies []string) (map[string]decimal.Decimal, error) {
	items, err := s.carts.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.pricing.Totals(items, currencies)
}
