package models

import "time"

// User represents a buyer account. Shadow users are created on behalf of a
// phone number by the external payment bridge; they own orders but cannot log in.
type User struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Username  string    `json:"username" gorm:"uniqueIndex;type:varchar(100)"`
	Email     *string   `json:"email,omitempty" gorm:"uniqueIndex;type:varchar(255)"`
	Phone     *string   `json:"phone,omitempty" gorm:"uniqueIndex;type:varchar(32)"`
	Password  string    `json:"-" gorm:"type:varchar(255)"`
	IsActive  bool      `json:"is_active" gorm:"not null"`
	IsShadow  bool      `json:"is_shadow" gorm:"not null;default:false"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
