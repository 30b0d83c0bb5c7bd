package models

import "time"

// UserCoupon is a wallet entry: a coupon a user owns. One per (user, coupon).
type UserCoupon struct {
	ID        string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID    string     `json:"user_id" gorm:"type:varchar(36);not null;uniqueIndex:idx_user_coupon"`
	CouponID  string     `json:"coupon_id" gorm:"type:varchar(36);not null;uniqueIndex:idx_user_coupon"`
	OrderID   string     `json:"order_id" gorm:"type:varchar(36);index"`
	ClaimedAt time.Time  `json:"claimed_at" gorm:"not null"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
}

// All lists every persisted model, in migration order.
func All() []interface{} {
	return []interface{}{
		&User{}, &Coupon{}, &Package{}, &CartItem{},
		&Order{}, &OrderItem{}, &Payment{}, &PaymentToken{}, &UserCoupon{},
	}
}
