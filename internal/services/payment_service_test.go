package services_test

import (
	"context"
	"errors"
	"testing"

	"kupon/internal/models"
	"kupon/internal/services"
	"kupon/pkg/gateway"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaymentService_CreateIntent(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	u := e.createUser(t, "buyer")
	c := e.createCoupon(t, "Boat", "15", nil)
	order := e.placeStripeOrder(t, u, c, 1)

	p, err := e.payment.CreateIntent(ctx, services.IntentInput{
		OrderID:     order.ID,
		AmountMinor: 1500,
		Currency:    "USD",
		Metadata:    map[string]string{models.MetadataSource: "test"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, p.Status)
	assert.Equal(t, "mock", p.Gateway)
	assert.Equal(t, order.ID, p.Metadata[models.MetadataOrderID])
	assert.Equal(t, "test", p.Metadata[models.MetadataSource])

	same, err := e.payment.CreateIntent(ctx, services.IntentInput{OrderID: order.ID, AmountMinor: 1500, Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, p.ID, same.ID)
	assert.Equal(t, p.IntentID, same.IntentID)
	assert.Equal(t, 1, e.gateway.Created())

	_, err = e.payment.CreateIntent(ctx, services.IntentInput{OrderID: "missing", AmountMinor: 1, Currency: "USD"})
	assert.ErrorIs(t, err, services.ErrOrderNotFound)
}

func TestPaymentService_CreateIntentGatewayFailureKeepsOrder(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	u := e.createUser(t, "buyer")
	c := e.createCoupon(t, "Boat", "15", intPtr(2))
	order := e.placeStripeOrder(t, u, c, 1)

	e.gateway.CreateErr = errors.New("connection reset")
	_, err := e.orderSvc.InitiatePayment(ctx, u.ID, order.ID, services.PaymentOptions{})
	var gwErr *gateway.Error
	require.True(t, errors.As(err, &gwErr))

	got, err := e.orderSvc.GetOrder(ctx, u.ID, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPendingPayment, got.Status)
	assert.Equal(t, 1, *e.reload(t, c.ID).Stock)

	e.gateway.CreateErr = nil
	session, err := e.orderSvc.InitiatePayment(ctx, u.ID, order.ID, services.PaymentOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, session.IntentID)
}

func TestPaymentService_CreateIntentAfterTerminalPayment(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	u := e.createUser(t, "buyer")
	c := e.createCoupon(t, "Boat", "15", nil)

	paid := e.placeStripeOrder(t, u, c, 1)
	session := initiate(t, e, u, paid)
	e.deliver(t, intentEvent("evt_s", services.EventIntentSucceeded, session.IntentID, paid.ID))
	_, err := e.payment.CreateIntent(ctx, services.IntentInput{OrderID: paid.ID, AmountMinor: 1500, Currency: "USD"})
	assert.ErrorIs(t, err, services.ErrAlreadyPaid)

	failed := e.placeStripeOrder(t, u, c, 1)
	session = initiate(t, e, u, failed)
	e.deliver(t, intentEvent("evt_f", services.EventIntentFailed, session.IntentID, failed.ID))
	_, err = e.payment.CreateIntent(ctx, services.IntentInput{OrderID: failed.ID, AmountMinor: 1500, Currency: "USD"})
	assert.ErrorIs(t, err, services.ErrPaymentFinalized)
}

func TestPaymentService_RetrieveIntentMirrorsProcessing(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	u := e.createUser(t, "buyer")
	c := e.createCoupon(t, "Boat", "15", nil)
	order := e.placeStripeOrder(t, u, c, 1)
	session := initiate(t, e, u, order)

	p, err := e.payment.RetrieveIntent(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, p.Status)

	e.gateway.SetStatus(session.IntentID, gateway.IntentProcessing)
	p, err = e.payment.RetrieveIntent(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusProcessing, p.Status)

	got, err := e.orderSvc.GetOrder(ctx, u.ID, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStateProcessing, got.PaymentState)

	// Terminal outcomes are left to the webhook.
	e.gateway.SetStatus(session.IntentID, gateway.IntentSucceeded)
	p, err = e.payment.RetrieveIntent(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusProcessing, p.Status)

	_, err = e.payment.RetrieveIntent(ctx, "missing")
	assert.ErrorIs(t, err, services.ErrPaymentNotFound)
}
