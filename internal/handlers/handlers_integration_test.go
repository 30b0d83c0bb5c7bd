package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"kupon/internal/app"
	"kupon/internal/config"
	"kupon/internal/models"
	"kupon/internal/repositories"
	"kupon/internal/services"
	"kupon/pkg/cache"
	"kupon/pkg/gateway"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	payOrigin     = "https://pay.example.com"
	webhookSecret = "whsec_test"
	bridgeSecret  = "bridge-secret"
)

type recordingPublisher struct {
	count atomic.Int64
}

func (p *recordingPublisher) Publish(exchange, routingKey string, body []byte) error {
	p.count.Add(1)
	return nil
}

type testServer struct {
	app   *app.App
	users repositories.UserRepository
	gw    *gateway.MockGateway
	pub   *recordingPublisher
}

var dbSeq atomic.Int64

// setupApp builds the full application on a private in-memory SQLite database.
func setupApp(t *testing.T) *testServer {
	t.Helper()
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared&_busy_timeout=5000",
		strings.ReplaceAll(t.Name(), "/", "_"), dbSeq.Add(1))
	db, err := app.OpenDatabase("sqlite", dsn)
	require.NoError(t, err)
	require.NoError(t, app.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	cfg := &config.Config{
		AppEnv:                "test",
		CacheTTL:              time.Minute,
		JWTSecret:             "test_jwt_secret",
		PaymentTokenSecret:    "payment-token-secret",
		PaymentTokenTTL:       15 * time.Minute,
		PaymentTokenRetention: time.Hour,
		PaymentUIOrigin:       payOrigin,
		AllowedOrigins:        []string{payOrigin},
		StripeWebhookSecret:   webhookSecret,
		WebhookTolerance:      5 * time.Minute,
		BridgeSharedSecret:    bridgeSecret,
	}
	gw := gateway.NewMockGateway()
	pub := &recordingPublisher{}
	a := app.New(cfg, app.Deps{
		DB:        db,
		Cache:     cache.NewMemoryCache(),
		Publisher: pub,
		Gateway:   gw,
		Charger:   gw,
		Registry:  prometheus.NewRegistry(),
		Logger:    zap.NewNop(),
	})
	return &testServer{app: a, users: repositories.NewGORMUserRepository(db), gw: gw, pub: pub}
}

// login creates an active user and returns a session token for it.
func (s *testServer) login(t *testing.T, username string) (*models.User, string) {
	t.Helper()
	user := &models.User{Username: username, IsActive: true}
	require.NoError(t, s.users.Create(context.Background(), user))
	token, err := s.app.Auth.IssueToken(user)
	require.NoError(t, err)
	return user, token
}

func (s *testServer) coupon(t *testing.T, title, price string, stock int) *models.Coupon {
	t.Helper()
	c := &models.Coupon{Title: title, Price: decimal.RequireFromString(price), Stock: &stock, IsActive: true}
	require.NoError(t, s.app.Catalog.CreateCoupon(context.Background(), c))
	return c
}

// do sends a JSON request and decodes the JSON response into out when out is non-nil.
func (s *testServer) do(t *testing.T, method, path, token string, body interface{}, headers map[string]string, out interface{}) int {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := s.app.Fiber.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthCheck(t *testing.T) {
	s := setupApp(t)

	var body map[string]interface{}
	status := s.do(t, http.MethodGet, "/health", "", nil, nil, &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])

	status = s.do(t, http.MethodGet, "/metrics", "", nil, nil, nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	s := setupApp(t)

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/v1/cart", "", nil, nil, nil))
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/v1/orders", "not-a-jwt", nil, nil, nil))
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodPost, "/api/v1/orders/checkout", "", map[string]string{"currency": "USD"}, nil, nil))

	// A shadow user created by the bridge cannot hold a session.
	shadow := &models.User{Username: "guest-1", IsShadow: true}
	require.NoError(t, s.users.Create(context.Background(), shadow))
	token, err := s.app.Auth.IssueToken(shadow)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/v1/wallet", token, nil, nil, nil))

	_, token = s.login(t, "buyer")
	var me models.User
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/me", token, nil, nil, &me))
	assert.Equal(t, "buyer", me.Username)
}

func TestCartEndpoints(t *testing.T) {
	s := setupApp(t)
	_, token := s.login(t, "buyer")
	c := s.coupon(t, "Coffee voucher", "4.50", 10)

	status := s.do(t, http.MethodPost, "/api/v1/cart/items", token, map[string]interface{}{"quantity": 1}, nil, nil)
	assert.Equal(t, http.StatusBadRequest, status, "a line needs a coupon or a package")

	var item models.CartItem
	status = s.do(t, http.MethodPost, "/api/v1/cart/items", token, map[string]interface{}{"coupon_id": c.ID, "quantity": 2}, nil, &item)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, 2, item.Quantity)

	status = s.do(t, http.MethodPost, "/api/v1/cart/items", token, map[string]interface{}{"coupon_id": c.ID, "quantity": 20}, nil, nil)
	assert.Equal(t, http.StatusConflict, status, "more than the stock")

	var totals struct {
		Totals map[string]decimal.Decimal `json:"totals"`
	}
	status = s.do(t, http.MethodGet, "/api/v1/cart/totals?currencies=usd", token, nil, nil, &totals)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, decimal.RequireFromString("9").Equal(totals.Totals["USD"]))

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, "/api/v1/cart/items/missing", token, nil, nil, nil))
	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/api/v1/cart/items/"+item.ID, token, nil, nil, nil))

	var items []models.CartItem
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/cart", token, nil, nil, &items))
	assert.Empty(t, items)
}

func TestCheckoutPayAndWebhookFlow(t *testing.T) {
	s := setupApp(t)
	user, token := s.login(t, "buyer")
	c := s.coupon(t, "Cinema ticket", "12.00", 5)

	require.Equal(t, http.StatusCreated,
		s.do(t, http.MethodPost, "/api/v1/cart/items", token, map[string]interface{}{"coupon_id": c.ID, "quantity": 1}, nil, nil))

	var result struct {
		Order   models.Order             `json:"order"`
		Payment services.PaymentSession `json:"payment"`
	}
	status := s.do(t, http.MethodPost, "/api/v1/orders/checkout", token, map[string]interface{}{
		"currency": "USD", "payment_method": "stripe", "pay": true,
	}, nil, &result)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, models.OrderStatusPendingPayment, result.Order.Status)
	assert.Equal(t, int64(1200), result.Payment.AmountMinor)
	assert.True(t, strings.HasPrefix(result.Payment.PaymentURL, payOrigin+"/pay?token="))

	// Another user cannot see or pay the order.
	_, other := s.login(t, "intruder")
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, "/api/v1/orders/"+result.Order.ID, other, nil, nil, nil))
	assert.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/api/v1/orders/"+result.Order.ID+"/pay", other, nil, nil, nil))

	// The payment UI exchanges the token for the payment context.
	tokenBody := map[string]string{"token": result.Payment.Token, "origin": payOrigin}
	var tc services.TokenContext
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/v1/payment-tokens/validate", "", tokenBody, nil, &tc))
	assert.Equal(t, result.Payment.IntentID, tc.IntentID)
	assert.NotEmpty(t, tc.ClientSecret)

	var rejected map[string]interface{}
	status = s.do(t, http.MethodPost, "/api/v1/payment-tokens/validate", "",
		map[string]string{"token": result.Payment.Token, "origin": "https://evil.example.com"}, nil, &rejected)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, string(services.ReasonOriginMismatch), rejected["reason"])

	// The gateway reports success.
	payload := []byte(fmt.Sprintf(`{"id":"evt_1","type":%q,"created":%d,"data":{"object":{"id":%q,"status":"succeeded","amount":1200,"currency":"usd","metadata":{"order_id":%q}}}}`,
		services.EventIntentSucceeded, time.Now().Unix(), result.Payment.IntentID, result.Order.ID))
	sig := map[string]string{"Stripe-Signature": services.SignPayload(webhookSecret, payload, time.Now())}
	var ack map[string]interface{}
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/v1/webhooks/stripe", "", payload, sig, &ack))
	assert.Equal(t, string(services.OutcomeProcessed), ack["outcome"])

	// Redelivery is acknowledged without side effects.
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/v1/webhooks/stripe", "", payload, sig, &ack))
	assert.Equal(t, string(services.OutcomeAlreadyProcessed), ack["outcome"])

	var order models.Order
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/orders/"+result.Order.ID, token, nil, nil, &order))
	assert.Equal(t, models.OrderStatusPaid, order.Status)

	var wallet []models.UserCoupon
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/wallet", token, nil, nil, &wallet))
	require.Len(t, wallet, 1)
	assert.Equal(t, c.ID, wallet[0].CouponID)
	assert.Equal(t, user.ID, wallet[0].UserID)

	// A paid order's token no longer unlocks the payment, but can still be consumed.
	status = s.do(t, http.MethodPost, "/api/v1/payment-tokens/validate", "", tokenBody, nil, &rejected)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, string(services.ReasonPaymentFinalized), rejected["reason"])
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/v1/payment-tokens/mark-used", "", tokenBody, nil, nil))
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/api/v1/orders/"+order.ID+"/pay", token, nil, nil, nil))

	assert.Positive(t, s.pub.count.Load())
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	s := setupApp(t)

	payload := []byte(`{"id":"evt_x","type":"payment_intent.succeeded","data":{"object":{"id":"pi_x"}}}`)
	headers := map[string]string{"Stripe-Signature": services.SignPayload("wrong-secret", payload, time.Now())}
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/v1/webhooks/stripe", "", payload, headers, nil))
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/api/v1/webhooks/stripe", "", payload, nil, nil))

	// Correctly signed events for unknown intents are acknowledged.
	headers["Stripe-Signature"] = services.SignPayload(webhookSecret, payload, time.Now())
	var ack map[string]interface{}
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/v1/webhooks/stripe", "", payload, headers, &ack))
	assert.Equal(t, true, ack["received"])
}

func TestCheckoutErrors(t *testing.T) {
	s := setupApp(t)
	_, token := s.login(t, "buyer")

	var body map[string]interface{}
	status := s.do(t, http.MethodPost, "/api/v1/orders/checkout", token, map[string]interface{}{"currency": "USD"}, nil, &body)
	assert.Equal(t, http.StatusBadRequest, status, "empty cart")

	status = s.do(t, http.MethodPost, "/api/v1/orders/checkout", token, map[string]interface{}{"currency": "US"}, nil, &body)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "Validation failed", body["message"])

	c := s.coupon(t, "Spa day", "30.00", 1)
	require.Equal(t, http.StatusCreated,
		s.do(t, http.MethodPost, "/api/v1/cart/items", token, map[string]interface{}{"coupon_id": c.ID, "quantity": 1}, nil, nil))

	s.gw.DeclineMessage = "Your card was declined."
	status = s.do(t, http.MethodPost, "/api/v1/orders/checkout", token, map[string]interface{}{"currency": "USD", "payment_method": "mock"}, nil, &body)
	assert.Equal(t, http.StatusPaymentRequired, status)
	assert.Equal(t, "Your card was declined.", body["error"])

	stock, err := s.app.Catalog.GetCoupon(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, *stock.Stock, "declined checkout keeps the stock")

	s.gw.DeclineMessage = ""
	var result services.CheckoutResult
	status = s.do(t, http.MethodPost, "/api/v1/orders/checkout", token, map[string]interface{}{"currency": "USD", "payment_method": "mock"}, nil, &result)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, models.OrderStatusPaid, result.Order.Status)
}

func TestBridgePaymentLink(t *testing.T) {
	s := setupApp(t)
	c := s.coupon(t, "Museum pass", "8.00", 10)

	raw, err := json.Marshal(services.BridgeRequest{
		Phone:       "+14155550100",
		ReferenceID: "chat-42",
		Currency:    "USD",
		Items:       []services.BridgeItem{{CouponID: c.ID, Quantity: 2}},
	})
	require.NoError(t, err)

	bad := map[string]string{"X-Signature": services.SignBody("wrong", raw)}
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodPost, "/api/v1/external/payment-links", "", raw, bad, nil))

	signed := map[string]string{"X-Signature": services.SignBody(bridgeSecret, raw)}
	var first services.BridgeResult
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/api/v1/external/payment-links", "", raw, signed, &first))
	assert.Equal(t, services.UserStatusCreated, first.UserStatus)
	assert.True(t, strings.HasPrefix(first.PaymentURL, payOrigin+"/pay?token="))

	var second services.BridgeResult
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/v1/external/payment-links", "", raw, signed, &second))
	assert.True(t, second.Reused)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, services.UserStatusExisting, second.UserStatus)
}

func TestCatalogNotFound(t *testing.T) {
	s := setupApp(t)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/coupons/missing", "", nil, nil, nil))
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/packages/missing", "", nil, nil, nil))

	c := s.coupon(t, "Bakery", "2.00", 3)
	var got models.Coupon
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/coupons/"+c.ID, "", nil, nil, &got))
	assert.Equal(t, "Bakery", got.Title)
}
