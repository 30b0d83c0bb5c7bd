package services_test

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"kupon/internal/models"
	"kupon/internal/repositories"
	"kupon/internal/services"
	"kupon/pkg/cache"
	"kupon/pkg/gateway"
	"kupon/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	testOrigin         = "https://pay.example.com"
	testTokenSecret    = "payment-token-secret"
	testWebhookSecret  = "whsec_test"
	testBridgeSecret   = "bridge-secret"
	testTokenTTL       = 15 * time.Minute
	testWebhookTimeout = 5 * time.Minute
)

// MockPublisher records published events.
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(exchange, routingKey string, body []byte) error {
	args := m.Called(exchange, routingKey, body)
	return args.Error(0)
}

type testEnv struct {
	db      *gorm.DB
	cache   *cache.MemoryCache
	gateway *gateway.MockGateway
	pub     *MockPublisher

	users    repositories.UserRepository
	coupons  repositories.CouponRepository
	carts    repositories.CartRepository
	orders   repositories.OrderRepository
	payments repositories.PaymentRepository

	catalog   *services.CatalogService
	inventory *services.InventoryService
	cart      *services.CartService
	wallet    *services.WalletService
	payment   *services.PaymentService
	tokens    *services.PaymentTokenService
	webhooks  *services.WebhookService
	orderSvc  *services.OrderService
	bridge    *services.BridgeService
}

var dbSeq atomic.Int64

// newTestDB opens a private in-memory database. One connection serializes
// transactions the way row locks do on a server database.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := fmt.Sprintf("%s_%d", strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()), dbSeq.Add(1))
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithTTL(t, testTokenTTL)
}

func newTestEnvWithTTL(t *testing.T, tokenTTL time.Duration) *testEnv {
	t.Helper()
	db := newTestDB(t)
	log := zap.NewNop()
	m := metrics.New(prometheus.NewRegistry())

	e := &testEnv{
		db:       db,
		cache:    cache.NewMemoryCache(),
		gateway:  gateway.NewMockGateway(),
		pub:      new(MockPublisher),
		users:    repositories.NewGORMUserRepository(db),
		coupons:  repositories.NewGORMCouponRepository(db),
		carts:    repositories.NewGORMCartRepository(db),
		orders:   repositories.NewGORMOrderRepository(db),
		payments: repositories.NewGORMPaymentRepository(db),
	}
	e.pub.On("Publish", "payments", mock.Anything, mock.Anything).Return(nil).Maybe()

	pricing := services.NewPricingResolver()
	e.catalog = services.NewCatalogService(e.coupons, e.cache, time.Minute, log)
	e.inventory = services.NewInventoryService(db, e.coupons, e.catalog, m, log)
	e.cart = services.NewCartService(e.carts, e.catalog, pricing, log)
	e.wallet = services.NewWalletService(db, repositories.NewGORMWalletRepository(db), log)
	e.payment = services.NewPaymentService(db, e.orders, e.payments, e.gateway, e.inventory, e.wallet, log)
	e.tokens = services.NewPaymentTokenService(repositories.NewGORMPaymentTokenRepository(db), e.payments,
		testTokenSecret, tokenTTL, []string{testOrigin}, m, log)
	e.webhooks = services.NewWebhookService(db, e.orders, e.payments, e.inventory, e.wallet, e.pub,
		testWebhookSecret, testWebhookTimeout, m, log)
	e.orderSvc = services.NewOrderService(services.OrderDeps{
		DB:            db,
		Carts:         e.carts,
		Orders:        e.orders,
		Coupons:       e.coupons,
		Payments:      e.payments,
		Inventory:     e.inventory,
		Wallet:        e.wallet,
		PaymentSvc:    e.payment,
		Tokens:        e.tokens,
		Pricing:       pricing,
		Charger:       e.gateway,
		Publisher:     e.pub,
		DefaultOrigin: testOrigin,
		Metrics:       m,
		Logger:        log,
	})
	e.bridge = services.NewBridgeService(e.users, e.orders, e.orderSvc, testBridgeSecret, log)
	return e
}

func intPtr(v int) *int { return &v }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func (e *testEnv) createUser(t *testing.T, username string) *models.User {
	t.Helper()
	u := &models.User{Username: username, IsActive: true}
	require.NoError(t, e.users.Create(context.Background(), u))
	return u
}

func (e *testEnv) createCoupon(t *testing.T, title, price string, stock *int) *models.Coupon {
	t.Helper()
	c := &models.Coupon{Title: title, Price: dec(price), Stock: stock, IsActive: true}
	require.NoError(t, e.catalog.CreateCoupon(context.Background(), c))
	return c
}

func (e *testEnv) reload(t *testing.T, id string) *models.Coupon {
	t.Helper()
	c, err := e.coupons.GetByID(context.Background(), id)
	require.NoError(t, err)
	return c
}

func (e *testEnv) walletOf(t *testing.T, userID string) []models.UserCoupon {
	t.Helper()
	entries, err := e.wallet.List(context.Background(), userID)
	require.NoError(t, err)
	return entries
}

// placeStripeOrder checks out a one-line cart with the gateway method.
func (e *testEnv) placeStripeOrder(t *testing.T, user *models.User, coupon *models.Coupon, qty int) *models.Order {
	t.Helper()
	ctx := context.Background()
	_, err := e.cart.AddItem(ctx, user.ID, models.CouponRef(coupon.ID), qty)
	require.NoError(t, err)
	order, err := e.orderSvc.Checkout(ctx, services.CheckoutInput{UserID: user.ID, Currency: "USD", Method: models.PaymentMethodStripe})
	require.NoError(t, err)
	return order
}

// intentEvent builds a signed webhook delivery for the intent.
func intentEvent(id, eventType, intentID, orderID string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"type":%q,"created":%d,"data":{"object":{"id":%q,"status":"","amount":0,"currency":"usd","metadata":{"order_id":%q}}}}`,
		id, eventType, time.Now().Unix(), intentID, orderID))
}

func (e *testEnv) deliver(t *testing.T, payload []byte) services.WebhookResult {
	t.Helper()
	evt, err := e.webhooks.Verify(payload, services.SignPayload(testWebhookSecret, payload, time.Now()))
	require.NoError(t, err)
	return e.webhooks.Apply(context.Background(), evt)
}
