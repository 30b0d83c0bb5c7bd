package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// OrderStatus is the lifecycle status of an order.
type OrderStatus string

const (
	OrderStatusPending        OrderStatus = "pending"
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	OrderStatusPaid           OrderStatus = "paid"
	OrderStatusFailed         OrderStatus = "failed"
	OrderStatusCancelled      OrderStatus = "cancelled"
)

// PaymentState tracks the payment progress of an order.
type PaymentState string

const (
	PaymentStateAwaiting   PaymentState = "awaiting_payment"
	PaymentStateInitiated  PaymentState = "payment_initiated"
	PaymentStateProcessing PaymentState = "payment_processing"
	PaymentStateCompleted  PaymentState = "payment_completed"
	PaymentStateFailed     PaymentState = "payment_failed"
	PaymentStateCancelled  PaymentState = "payment_cancelled"
)

// PaymentMethod selects how an order gets paid.
type PaymentMethod string

const (
	PaymentMethodFree   PaymentMethod = "free"
	PaymentMethodMock   PaymentMethod = "mock"
	PaymentMethodStripe PaymentMethod = "stripe"
)

var allowedOrderTransitions = map[OrderStatus]map[OrderStatus]bool{
	OrderStatusPending: {
		OrderStatusPaid:           true,
		OrderStatusPendingPayment: true,
	},
	OrderStatusPendingPayment: {
		OrderStatusPaid:      true,
		OrderStatusFailed:    true,
		OrderStatusCancelled: true,
	},
}

// CanTransition reports whether an order may move from one status to another.
func CanTransition(from, to OrderStatus) bool {
	return allowedOrderTransitions[from][to]
}

// IsFinal reports whether no further transition is possible.
func (s OrderStatus) IsFinal() bool {
	return len(allowedOrderTransitions[s]) == 0
}

// OrderItem is a single line within an order. UnitPrice is the price at the
// time the order was placed and never changes afterwards.
type OrderItem struct {
	ID        string          `json:"id" gorm:"primaryKey;type:varchar(36)"`
	OrderID   string          `json:"order_id" gorm:"type:varchar(36);index;not null"`
	CouponID  *string         `json:"coupon_id,omitempty" gorm:"type:varchar(36);index"`
	PackageID *string         `json:"package_id,omitempty" gorm:"type:varchar(36);index"`
	Title     string          `json:"title" gorm:"type:varchar(200)"`
	Quantity  int             `json:"quantity" gorm:"not null"`
	UnitPrice decimal.Decimal `json:"unit_price" gorm:"type:numeric(14,4);not null"`
	Currency  string          `json:"currency" gorm:"type:varchar(3);not null"`
	CouponIDs StringList      `json:"coupon_ids" gorm:"type:text"` // coupons granted when the order is paid
	CreatedAt time.Time       `json:"created_at"`
}

// NewOrderItem builds an order line for the given reference.
func NewOrderItem(ref LineRef, title string, quantity int, unitPrice decimal.Decimal, currency string, grants []string) (*OrderItem, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("quantity must be positive, got %d", quantity)
	}
	couponID, packageID := ref.foreignKeys()
	return &OrderItem{
		CouponID:  couponID,
		PackageID: packageID,
		Title:     title,
		Quantity:  quantity,
		UnitPrice: unitPrice,
		Currency:  currency,
		CouponIDs: StringList(grants),
	}, nil
}

// Ref returns what the line points at.
func (i *OrderItem) Ref() (LineRef, error) {
	return refFromKeys(i.CouponID, i.PackageID)
}

// Subtotal is unit price times quantity.
func (i *OrderItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// BeforeSave rejects lines that do not reference exactly one target.
func (i *OrderItem) BeforeSave(tx *gorm.DB) error {
	_, err := i.Ref()
	return err
}

// Order represents a customer order.
type Order struct {
	ID            string          `json:"id" gorm:"primaryKey;type:varchar(36)"`
	UserID        string          `json:"user_id" gorm:"type:varchar(36);index;not null"`
	Items         []OrderItem     `json:"items"`
	TotalAmount   decimal.Decimal `json:"total_amount" gorm:"type:numeric(14,4);not null"`
	Currency      string          `json:"currency" gorm:"type:varchar(3);not null"`
	Status        OrderStatus     `json:"status" gorm:"type:varchar(20);index;not null"`
	PaymentState  PaymentState    `json:"payment_state" gorm:"type:varchar(32);not null"`
	PaymentMethod PaymentMethod   `json:"payment_method" gorm:"type:varchar(20);not null"`
	IntentID      string          `json:"intent_id,omitempty" gorm:"type:varchar(255);index"`
	ReferenceID   *string         `json:"reference_id,omitempty" gorm:"uniqueIndex;type:varchar(128)"`
	FailureReason string          `json:"failure_reason,omitempty"`
	PaidAt        *time.Time      `json:"paid_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// GrantedCouponIDs collects the distinct coupons the order puts into the buyer's wallet.
func (o *Order) GrantedCouponIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, item := range o.Items {
		for _, id := range item.CouponIDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// Reservations sums the units reserved per coupon by the order's lines.
func (o *Order) Reservations() map[string]int {
	units := make(map[string]int)
	for _, item := range o.Items {
		for _, id := range item.CouponIDs {
			units[id] += item.Quantity
		}
	}
	return units
}
