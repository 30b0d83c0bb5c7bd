package models

import "time"

// PaymentStatus mirrors the gateway-side status of a payment.
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "pending"
	PaymentStatusProcessing PaymentStatus = "processing"
	PaymentStatusSucceeded  PaymentStatus = "succeeded"
	PaymentStatusFailed     PaymentStatus = "failed"
	PaymentStatusCancelled  PaymentStatus = "cancelled"
)

// IsTerminal reports whether the status can no longer change.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusSucceeded || s == PaymentStatusFailed || s == PaymentStatusCancelled
}

// Metadata keys stored on every payment.
const (
	MetadataOrderID     = "order_id"
	MetadataReferenceID = "reference_id"
	MetadataSource      = "source"
)

// Payment is the money-movement record of an order. There is at most one per order.
type Payment struct {
	ID            string        `json:"id" gorm:"primaryKey;type:varchar(36)"`
	OrderID       string        `json:"order_id" gorm:"type:varchar(36);uniqueIndex;not null"`
	IntentID      string        `json:"intent_id" gorm:"type:varchar(255);index"`
	ClientSecret  string        `json:"-" gorm:"type:varchar(255)"`
	AmountMinor   int64         `json:"amount_minor" gorm:"not null"`
	Currency      string        `json:"currency" gorm:"type:varchar(3);not null"`
	Status        PaymentStatus `json:"status" gorm:"type:varchar(20);not null"`
	Gateway       string        `json:"gateway" gorm:"type:varchar(32);not null"`
	Metadata      Metadata      `json:"metadata" gorm:"type:text"`
	FailureReason string        `json:"failure_reason,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// PaymentToken mirrors an issued payment token so it can be revoked and used only once.
type PaymentToken struct {
	ID        string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Token     string     `json:"-" gorm:"type:varchar(1024);uniqueIndex;not null"`
	OrderID   string     `json:"order_id" gorm:"type:varchar(36);index;not null"`
	PaymentID string     `json:"payment_id" gorm:"type:varchar(36);index;not null"`
	IntentID  string     `json:"intent_id" gorm:"type:varchar(255);not null"`
	Origin    string     `json:"origin" gorm:"type:varchar(255);not null"`
	ExpiresAt time.Time  `json:"expires_at" gorm:"index;not null"`
	IsUsed    bool       `json:"is_used" gorm:"not null;default:false"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}
