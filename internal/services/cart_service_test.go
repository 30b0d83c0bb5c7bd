package services_test

import (
	"context"
	"sync"
	"testing"

	"kupon/internal/models"
	"kupon/internal/services"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCartService_AddMergesLines(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	u := e.createUser(t, "buyer")
	c := e.createCoupon(t, "Pizza", "9.99", intPtr(10))

	_, err := e.cart.AddItem(ctx, u.ID, models.CouponRef(c.ID), 1)
	require.NoError(t, err)
	item, err := e.cart.AddItem(ctx, u.ID, models.CouponRef(c.ID), 2)
	require.NoError(t, err)
	assert.Equal(t, 3, item.Quantity)

	items, err := e.cart.List(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 3, items[0].Quantity)
	require.NotNil(t, items[0].Coupon)
	assert.Equal(t, "Pizza", items[0].Coupon.Title)
}

func TestCartService_AddRejections(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	u := e.createUser(t, "buyer")
	c := e.createCoupon(t, "Limited", "5", intPtr(1))

	_, err := e.cart.AddItem(ctx, u.ID, models.CouponRef(c.ID), 0)
	assert.ErrorIs(t, err, services.ErrInvalidQuantity)

	_, err = e.cart.AddItem(ctx, u.ID, models.CouponRef(c.ID), 2)
	assert.ErrorIs(t, err, services.ErrInsufficientStock)

	_, err = e.cart.AddItem(ctx, u.ID, models.CouponRef("missing"), 1)
	assert.ErrorIs(t, err, services.ErrCouponNotFound)

	_, err = e.cart.AddItem(ctx, u.ID, models.LineRef{Kind: "voucher", ID: c.ID}, 1)
	assert.ErrorIs(t, err, models.ErrInvalidLine)

	require.NoError(t, e.catalog.DeactivateCoupon(ctx, c.ID))
	_, err = e.cart.AddItem(ctx, u.ID, models.CouponRef(c.ID), 1)
	assert.ErrorIs(t, err, services.ErrCouponInactive)
}

func TestCartService_TotalsAndRemove(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	u := e.createUser(t, "buyer")
	a := e.createCoupon(t, "A", "10", nil)
	b := e.createCoupon(t, "B", "30", nil)
	require.NoError(t, e.db.Model(a).Update("pricing", models.Pricing{"IDR": dec("150000")}).Error)
	pkg := &models.Package{Title: "Bundle", DiscountPercent: decimal.NewFromInt(50), IsActive: true, Coupons: []models.Coupon{*a, *b}}
	require.NoError(t, e.catalog.CreatePackage(ctx, pkg))

	couponLine, err := e.cart.AddItem(ctx, u.ID, models.CouponRef(a.ID), 2)
	require.NoError(t, err)
	_, err = e.cart.AddItem(ctx, u.ID, models.PackageRef(pkg.ID), 1)
	require.NoError(t, err)

	totals, err := e.cart.Totals(ctx, u.ID, []string{"USD", "IDR"})
	require.NoError(t, err)
	// 2*10 + (10+30)/2
	assert.True(t, dec("40").Equal(totals["USD"]), totals["USD"].String())
	// 2*150000 + (150000+30)/2
	assert.True(t, dec("375015").Equal(totals["IDR"]), totals["IDR"].String())

	require.NoError(t, e.cart.RemoveItem(ctx, u.ID, couponLine.ID))
	assert.ErrorIs(t, e.cart.RemoveItem(ctx, u.ID, couponLine.ID), services.ErrCartItemNotFound)

	other := e.createUser(t, "other")
	items, err := e.cart.List(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.ErrorIs(t, e.cart.RemoveItem(ctx, other.ID, items[0].ID), services.ErrCartItemNotFound)
}

func TestCartService_ConcurrentAddsKeepEveryUnit(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	u := e.createUser(t, "buyer")
	c := e.createCoupon(t, "Bagel", "3", intPtr(100))

	_, err := e.cart.AddItem(ctx, u.ID, models.CouponRef(c.ID), 1)
	require.NoError(t, err)

	const adds = 20
	var wg sync.WaitGroup
	errs := make(chan error, adds)
	for i := 0; i < adds; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.cart.AddItem(ctx, u.ID, models.CouponRef(c.ID), 1)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	items, err := e.cart.List(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, adds+1, items[0].Quantity)
}
