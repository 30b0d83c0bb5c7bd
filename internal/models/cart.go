package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// CartItem is one line of a user's cart.
type CartItem struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID    string    `json:"user_id" gorm:"type:varchar(36);index;not null"`
	CouponID  *string   `json:"coupon_id,omitempty" gorm:"type:varchar(36);index"`
	PackageID *string   `json:"package_id,omitempty" gorm:"type:varchar(36);index"`
	Quantity  int       `json:"quantity" gorm:"not null"`
	Coupon    *Coupon   `json:"coupon,omitempty"`
	Package   *Package  `json:"package,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewCartItem builds a cart line for the given reference.
func NewCartItem(userID string, ref LineRef, quantity int) (*CartItem, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("quantity must be positive, got %d", quantity)
	}
	couponID, packageID := ref.foreignKeys()
	return &CartItem{UserID: userID, CouponID: couponID, PackageID: packageID, Quantity: quantity}, nil
}

// Ref returns what the line points at.
func (c *CartItem) Ref() (LineRef, error) {
	return refFromKeys(c.CouponID, c.PackageID)
}

// BeforeSave rejects lines that do not reference exactly one target.
func (c *CartItem) BeforeSave(tx *gorm.DB) error {
	_, err := c.Ref()
	return err
}
