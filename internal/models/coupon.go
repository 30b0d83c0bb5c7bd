package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Coupon is a purchasable item with optional stock and usage limits.
// A nil Stock or MaxUses means unlimited.
type Coupon struct {
	ID          string          `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Title       string          `json:"title" gorm:"type:varchar(200)" validate:"required,min=3,max=200"`
	Description string          `json:"description" validate:"omitempty,max=1000"`
	Price       decimal.Decimal `json:"price" gorm:"type:numeric(14,4);not null"`
	Pricing     Pricing         `json:"pricing" gorm:"type:text"`
	Stock       *int            `json:"stock"`
	CurrentUses int             `json:"current_uses" gorm:"not null;default:0"`
	MaxUses     *int            `json:"max_uses"`
	IsActive    bool            `json:"is_active" gorm:"not null"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Package bundles coupons and sells them at a percentage discount.
type Package struct {
	ID              string          `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Title           string          `json:"title" gorm:"type:varchar(200)"`
	DiscountPercent decimal.Decimal `json:"discount_percent" gorm:"type:numeric(5,2);not null;default:0"`
	IsActive        bool            `json:"is_active" gorm:"not null"`
	Coupons         []Coupon        `json:"coupons" gorm:"many2many:package_coupons;"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// CouponIDs lists the ids of the coupons in the package.
func (p *Package) CouponIDs() []string {
	ids := make([]string, 0, len(p.Coupons))
	for _, c := range p.Coupons {
		ids = append(ids, c.ID)
	}
	return ids
}
