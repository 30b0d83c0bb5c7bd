package models

import (
	"errors"
	"fmt"
)

// LineKind tells which catalog entity a cart or order line points at.
type LineKind string

const (
	LineCoupon  LineKind = "coupon"
	LinePackage LineKind = "package"
)

// ErrInvalidLine is returned when a line references neither or both of a coupon and a package.
var ErrInvalidLine = errors.New("line must reference exactly one of coupon or package")

// LineRef identifies the target of a cart or order line. It is the only way
// lines are built, so a line can never point at both kinds at once.
type LineRef struct {
	Kind LineKind `json:"kind"`
	ID   string   `json:"id"`
}

// CouponRef builds a reference to a coupon.
func CouponRef(id string) LineRef { return LineRef{Kind: LineCoupon, ID: id} }

// PackageRef builds a reference to a package.
func PackageRef(id string) LineRef { return LineRef{Kind: LinePackage, ID: id} }

// Validate checks that the reference names a known kind and a non-empty id.
func (r LineRef) Validate() error {
	if r.ID == "" {
		return ErrInvalidLine
	}
	switch r.Kind {
	case LineCoupon, LinePackage:
		return nil
	default:
		return fmt.Errorf("unknown line kind %q: %w", r.Kind, ErrInvalidLine)
	}
}

// foreignKeys spreads the reference onto the two nullable columns used for storage.
func (r LineRef) foreignKeys() (couponID, packageID *string) {
	id := r.ID
	if r.Kind == LineCoupon {
		return &id, nil
	}
	return nil, &id
}

func refFromKeys(couponID, packageID *string) (LineRef, error) {
	switch {
	case couponID != nil && packageID == nil && *couponID != "":
		return CouponRef(*couponID), nil
	case packageID != nil && couponID == nil && *packageID != "":
		return PackageRef(*packageID), nil
	default:
		return LineRef{}, ErrInvalidLine
	}
}
