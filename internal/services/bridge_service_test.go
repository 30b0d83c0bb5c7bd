package services_test

import (
	"context"
	"testing"

	"kupon/internal/models"
	"kupon/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestBridgeService_VerifySignature(t *testing.T) {
	e := newTestEnv(t)
	body := []byte(`{"phone":"+15550001111"}`)

	assert.NoError(t, e.bridge.VerifySignature(body, services.SignBody(testBridgeSecret, body)))
	assert.ErrorIs(t, e.bridge.VerifySignature(body, ""), services.ErrInvalidSignature)
	assert.ErrorIs(t, e.bridge.VerifySignature(body, services.SignBody("other", body)), services.ErrInvalidSignature)
	assert.ErrorIs(t, e.bridge.VerifySignature(append(body, '\n'), services.SignBody(testBridgeSecret, body)), services.ErrInvalidSignature)
}

func TestBridgeService_ResolveOrCreateUser(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	phone := "+15550002222"
	existing := &models.User{Username: "known", Phone: &phone, IsActive: true}
	require.NoError(t, e.users.Create(ctx, existing))

	u, status, err := e.bridge.ResolveOrCreateUser(ctx, phone)
	require.NoError(t, err)
	assert.Equal(t, services.UserStatusExisting, status)
	assert.Equal(t, existing.ID, u.ID)

	created, status, err := e.bridge.ResolveOrCreateUser(ctx, "+15550003333")
	require.NoError(t, err)
	assert.Equal(t, services.UserStatusCreated, status)
	assert.True(t, created.IsShadow)
	assert.NotEmpty(t, created.Password)
	assert.Error(t, bcrypt.CompareHashAndPassword([]byte(created.Password), []byte("")))

	stored, err := e.users.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
	assert.True(t, stored.IsShadow)

	again, status, err := e.bridge.ResolveOrCreateUser(ctx, "+15550003333")
	require.NoError(t, err)
	assert.Equal(t, services.UserStatusExisting, status)
	assert.Equal(t, created.ID, again.ID)
}

func TestBridgeService_RequestPaymentLink(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	c := e.createCoupon(t, "Spa", "49.90", intPtr(10))

	req := services.BridgeRequest{
		Phone:       "+15550004444",
		ReferenceID: "crm-42",
		Currency:    "USD",
		Items:       []services.BridgeItem{{CouponID: c.ID, Quantity: 2}},
	}
	first, err := e.bridge.RequestPaymentLink(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, services.UserStatusCreated, first.UserStatus)
	assert.False(t, first.Reused)
	assert.Contains(t, first.PaymentURL, testOrigin+"/pay?token=")
	assert.Equal(t, 8, *e.reload(t, c.ID).Stock)

	payment, err := e.payments.GetByOrderID(ctx, first.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "crm-42", payment.Metadata[models.MetadataReferenceID])
	assert.Equal(t, "bridge", payment.Metadata[models.MetadataSource])
	assert.Equal(t, first.OrderID, payment.Metadata[models.MetadataOrderID])
	assert.EqualValues(t, 9980, payment.AmountMinor)

	second, err := e.bridge.RequestPaymentLink(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Equal(t, services.UserStatusExisting, second.UserStatus)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, 8, *e.reload(t, c.ID).Stock)
	assert.Equal(t, 1, e.gateway.Created())

	req.Phone = "+15550005555"
	_, err = e.bridge.RequestPaymentLink(ctx, req)
	assert.ErrorIs(t, err, services.ErrReferenceConflict)
}
