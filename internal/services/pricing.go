package services

import (
	"fmt"
	"strings"

	"kupon/internal/models"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Currencies charged in whole units by card gateways.
var zeroDecimalCurrencies = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true, "KMF": true, "KRW": true,
	"MGA": true, "PYG": true, "RWF": true, "UGX": true, "VND": true, "VUV": true, "XAF": true,
	"XOF": true, "XPF": true,
}

// NormalizeCurrency upper-cases and checks an ISO 4217 code.
func NormalizeCurrency(currency string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(currency))
	if len(c) != 3 {
		return "", fmt.Errorf("%q: %w", currency, ErrInvalidCurrency)
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("%q: %w", currency, ErrInvalidCurrency)
		}
	}
	return c, nil
}

// ToMinorUnits converts an amount into the gateway's integer unit (cents for
// most currencies), rounding half-up at the last unit.
func ToMinorUnits(amount decimal.Decimal, currency string) int64 {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return amount.Round(0).IntPart()
	}
	return amount.Mul(hundred).Round(0).IntPart()
}

// FromMinorUnits is the inverse of ToMinorUnits.
func FromMinorUnits(minor int64, currency string) decimal.Decimal {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return decimal.NewFromInt(minor)
	}
	return decimal.New(minor, -2)
}

// PricingResolver computes authoritative prices from catalog entries.
type PricingResolver struct{}

// NewPricingResolver creates a PricingResolver.
func NewPricingResolver() *PricingResolver {
	return &PricingResolver{}
}

// CouponPrice returns the coupon's price in currency, or its base price when
// no entry exists for that currency.
func (r *PricingResolver) CouponPrice(c *models.Coupon, currency string) decimal.Decimal {
	for code, price := range c.Pricing {
		if strings.EqualFold(code, currency) {
			return price
		}
	}
	return c.Price
}

// PackagePrice sums the package's coupon prices in currency and applies the package discount.
func (r *PricingResolver) PackagePrice(p *models.Package, currency string) decimal.Decimal {
	sum := decimal.Zero
	for i := range p.Coupons {
		sum = sum.Add(r.CouponPrice(&p.Coupons[i], currency))
	}
	discount := p.DiscountPercent
	if discount.IsNegative() {
		discount = decimal.Zero
	}
	if discount.GreaterThan(hundred) {
		discount = hundred
	}
	return sum.Mul(hundred.Sub(discount)).Div(hundred).Round(4)
}

// PricedLine is a cart or order line with its resolved unit price.
type PricedLine struct {
	Ref       models.LineRef
	Title     string
	Quantity  int
	UnitPrice decimal.Decimal
	// Grants lists the coupons the line puts into the wallet once paid.
	Grants []string
}

// Subtotal is unit price times quantity.
func (l PricedLine) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// PriceCartItem resolves a loaded cart line in currency.
func (r *PricingResolver) PriceCartItem(item *models.CartItem, currency string) (PricedLine, error) {
	ref, err := item.Ref()
	if err != nil {
		return PricedLine{}, err
	}
	switch ref.Kind {
	case models.LineCoupon:
		if item.Coupon == nil {
			return PricedLine{}, fmt.Errorf("coupon %s: %w", ref.ID, ErrCouponNotFound)
		}
		return r.PriceCoupon(item.Coupon, item.Quantity, currency)
	default:
		if item.Package == nil {
			return PricedLine{}, fmt.Errorf("package %s: %w", ref.ID, ErrPackageNotFound)
		}
		return r.PricePackage(item.Package, item.Quantity, currency)
	}
}

// PriceCoupon builds a priced line for a coupon.
func (r *PricingResolver) PriceCoupon(c *models.Coupon, quantity int, currency string) (PricedLine, error) {
	if !c.IsActive {
		return PricedLine{}, fmt.Errorf("coupon %s: %w", c.ID, ErrCouponInactive)
	}
	return PricedLine{
		Ref:       models.CouponRef(c.ID),
		Title:     c.Title,
		Quantity:  quantity,
		UnitPrice: r.CouponPrice(c, currency),
		Grants:    []string{c.ID},
	}, nil
}

// PricePackage builds a priced line for a package. Every coupon of the package must be on sale.
func (r *PricingResolver) PricePackage(p *models.Package, quantity int, currency string) (PricedLine, error) {
	if !p.IsActive || len(p.Coupons) == 0 {
		return PricedLine{}, fmt.Errorf("package %s: %w", p.ID, ErrCouponInactive)
	}
	for i := range p.Coupons {
		if !p.Coupons[i].IsActive {
			return PricedLine{}, fmt.Errorf("package %s coupon %s: %w", p.ID, p.Coupons[i].ID, ErrCouponInactive)
		}
	}
	return PricedLine{
		Ref:       models.PackageRef(p.ID),
		Title:     p.Title,
		Quantity:  quantity,
		UnitPrice: r.PackagePrice(p, currency),
		Grants:    p.CouponIDs(),
	}, nil
}

// Totals sums the cart in each requested currency.
func (r *PricingResolver) Totals(items []models.CartItem, currencies []string) (map[string]decimal.Decimal, error) {
	totals := make(map[string]decimal.Decimal, len(currencies))
	for _, cur := range currencies {
		code, err := NormalizeCurrency(cur)
		if err != nil {
			return nil, err
		}
		sum := decimal.Zero
		for i := range items {
			line, err := r.PriceCartItem(&items[i], code)
			if err != nil {
				return nil, err
			}
			sum = sum.Add(line.Subtotal())
		}
		totals[code] = sum
	}
	return totals, nil
}
