package services

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Validation errors: rejected before any mutation.
var (
	ErrEmptyCart                = errors.New("cart is empty")
	ErrInvalidQuantity          = errors.New("quantity must be positive")
	ErrInvalidCurrency          = errors.New("currency must be a three-letter ISO code")
	ErrUnsupportedPaymentMethod = errors.New("unsupported payment method")
	ErrDisallowedOrigin         = errors.New("payment origin is not allowed")
)

// Conflict errors: rejected with a specific reason, nothing persisted.
var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrLimitReached      = errors.New("usage limit reached")
	ErrCouponInactive    = errors.New("coupon is not available")
	ErrAlreadyPaid       = errors.New("order is already paid")
	ErrPaymentFinalized  = errors.New("payment is already finalized")
	ErrInvalidOrderState = errors.New("order is not in a payable state")
	ErrReferenceConflict = errors.New("reference id belongs to another user")
)

// Authorization errors.
var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrNotOrderOwner    = errors.New("order belongs to another user")
)

// Not-found errors.
var (
	ErrCouponNotFound   = errors.New("coupon not found")
	ErrPackageNotFound  = errors.New("package not found")
	ErrOrderNotFound    = errors.New("order not found")
	ErrPaymentNotFound  = errors.New("payment not found")
	ErrCartItemNotFound = errors.New("cart item not found")
)

// TokenReason explains why a payment token was rejected.
type TokenReason string

const (
	ReasonSignatureInvalid TokenReason = "signature_invalid"
	ReasonNotFound         TokenReason = "not_found"
	ReasonAlreadyUsed      TokenReason = "already_used"
	ReasonExpired          TokenReason = "expired"
	ReasonPaymentFinalized TokenReason = "payment_finalized"
	ReasonSuperseded       TokenReason = "superseded"
	ReasonOriginMismatch   TokenReason = "origin_mismatch"
)

// TokenError is returned when a payment token fails validation.
type TokenError struct {
	Reason TokenReason
}

func (e *TokenError) Error() string {
	return "invalid payment token: " + string(e.Reason)
}

// IsTokenReason reports whether err is a TokenError with the given reason.
func IsTokenReason(err error, reason TokenReason) bool {
	var te *TokenError
	return errors.As(err, &te) && te.Reason == reason
}

// SQLSTATEs of transactions the database aborted to break a conflict.
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
)

// IsRetryable reports whether err aborted a transaction that can succeed when run again.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == sqlStateSerializationFailure || pgErr.Code == sqlStateDeadlockDetected
}
