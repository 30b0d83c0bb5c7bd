package services_test

import (
	"context"
	"sync"
	"testing"

	"kupon/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInventoryService_Reserve(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	c := e.createCoupon(t, "Spa day", "20", intPtr(3))

	require.NoError(t, e.inventory.Reserve(ctx, c.ID, 2))
	got := e.reload(t, c.ID)
	assert.Equal(t, 1, *got.Stock)
	assert.Equal(t, 2, got.CurrentUses)

	err := e.inventory.Reserve(ctx, c.ID, 2)
	assert.ErrorIs(t, err, services.ErrInsufficientStock)
	got = e.reload(t, c.ID)
	assert.Equal(t, 1, *got.Stock)
	assert.Equal(t, 2, got.CurrentUses)

	assert.ErrorIs(t, e.inventory.Reserve(ctx, c.ID, 0), services.ErrInvalidQuantity)
	assert.ErrorIs(t, e.inventory.Reserve(ctx, "missing", 1), services.ErrCouponNotFound)
}

func TestInventoryService_ReserveUnlimitedStockRespectsMaxUses(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	c := e.createCoupon(t, "Coffee", "3", nil)
	c.MaxUses = intPtr(2)
	require.NoError(t, e.db.Model(c).Update("max_uses", 2).Error)

	require.NoError(t, e.inventory.Reserve(ctx, c.ID, 2))
	assert.ErrorIs(t, e.inventory.Reserve(ctx, c.ID, 1), services.ErrLimitReached)

	got := e.reload(t, c.ID)
	assert.Nil(t, got.Stock)
	assert.Equal(t, 2, got.CurrentUses)
}

func TestInventoryService_ReserveInactive(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	c := e.createCoupon(t, "Retired", "3", intPtr(10))
	require.NoError(t, e.catalog.DeactivateCoupon(ctx, c.ID))

	assert.ErrorIs(t, e.inventory.Reserve(ctx, c.ID, 1), services.ErrCouponInactive)
}

func TestInventoryService_NoOversell(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	const stock = 5
	c := e.createCoupon(t, "Concert", "50", intPtr(stock))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for i := 0; i < 2*stock; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := e.inventory.Reserve(ctx, c.ID, 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case assert.ErrorIs(t, err, services.ErrInsufficientStock):
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, stock, succeeded)
	assert.Equal(t, stock, rejected)
	got := e.reload(t, c.ID)
	assert.Equal(t, 0, *got.Stock)
	assert.Equal(t, stock, got.CurrentUses)
}

func TestInventoryService_Release(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	c := e.createCoupon(t, "Cinema", "8", intPtr(4))

	require.NoError(t, e.inventory.Reserve(ctx, c.ID, 3))
	require.NoError(t, e.inventory.Release(ctx, c.ID, 3))

	got := e.reload(t, c.ID)
	assert.Equal(t, 4, *got.Stock)
	assert.Equal(t, 0, got.CurrentUses)
}

func TestInventoryService_ReserveInvalidatesCache(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	c := e.createCoupon(t, "Museum", "12", intPtr(10))

	cached, err := e.catalog.GetCoupon(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, *cached.Stock)

	require.NoError(t, e.inventory.Reserve(ctx, c.ID, 4))

	fresh, err := e.catalog.GetCoupon(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, *fresh.Stock)
}
