// Package app wires repositories, services and HTTP handlers into a Fiber application.
package app

import (
	"context"
	"fmt"
	"time"

	"kupon/internal/config"
	"kupon/internal/handlers"
	"kupon/internal/middleware"
	"kupon/internal/models"
	"kupon/internal/repositories"
	"kupon/internal/services"
	"kupon/pkg/cache"
	"kupon/pkg/gateway"
	"kupon/pkg/metrics"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Deps are the external resources the application runs on.
type Deps struct {
	DB *gorm.DB
	// Cache may be nil; catalog reads then go straight to the database.
	Cache     cache.Cache
	Publisher services.EventPublisher
	Gateway   gateway.Gateway
	// Charger settles "mock" checkouts inline. Nil disables that method.
	Charger  gateway.Charger
	Registry *prometheus.Registry
	Logger   *zap.Logger
}

// App is the assembled service.
type App struct {
	Fiber *fiber.App

	Auth      *services.AuthService
	Catalog   *services.CatalogService
	Inventory *services.InventoryService
	Carts     *services.CartService
	Wallet    *services.WalletService
	Payments  *services.PaymentService
	Tokens    *services.PaymentTokenService
	Orders    *services.OrderService
	Webhooks  *services.WebhookService
	Bridge    *services.BridgeService

	db     *gorm.DB
	logger *zap.Logger
}

// OpenDatabase connects with the configured driver.
func OpenDatabase(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if driver == "sqlite" {
		// sqlite allows a single writer.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// Migrate creates or updates every table.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// New builds the services and registers every route.
func New(cfg *config.Config, d Deps) *App {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	var m *metrics.Metrics
	if d.Registry != nil {
		m = metrics.New(d.Registry)
	}

	// --- Repositories ---
	userRepo := repositories.NewGORMUserRepository(d.DB)
	couponRepo := repositories.NewGORMCouponRepository(d.DB)
	cartRepo := repositories.NewGORMCartRepository(d.DB)
	orderRepo := repositories.NewGORMOrderRepository(d.DB)
	paymentRepo := repositories.NewGORMPaymentRepository(d.DB)
	tokenRepo := repositories.NewGORMPaymentTokenRepository(d.DB)
	walletRepo := repositories.NewGORMWalletRepository(d.DB)

	// --- Services ---
	a := &App{db: d.DB, logger: log}
	pricing := services.NewPricingResolver()
	a.Auth = services.NewAuthService(userRepo, cfg.JWTSecret)
	a.Catalog = services.NewCatalogService(couponRepo, d.Cache, cfg.CacheTTL, log.Named("catalog"))
	a.Inventory = services.NewInventoryService(d.DB, couponRepo, a.Catalog, m, log.Named("inventory"))
	a.Carts = services.NewCartService(cartRepo, a.Catalog, pricing, log.Named("cart"))
	a.Wallet = services.NewWalletService(d.DB, walletRepo, log.Named("wallet"))
	a.Payments = services.NewPaymentService(d.DB, orderRepo, paymentRepo, d.Gateway, a.Inventory, a.Wallet, log.Named("payment"))
	a.Tokens = services.NewPaymentTokenService(tokenRepo, paymentRepo, cfg.PaymentTokenSecret, cfg.PaymentTokenTTL, cfg.AllowedOrigins, m, log.Named("token"))
	a.Orders = services.NewOrderService(services.OrderDeps{
		DB:            d.DB,
		Carts:         cartRepo,
		Orders:        orderRepo,
		Coupons:       couponRepo,
		Payments:      paymentRepo,
		Inventory:     a.Inventory,
		Wallet:        a.Wallet,
		PaymentSvc:    a.Payments,
		Tokens:        a.Tokens,
		Pricing:       pricing,
		Charger:       d.Charger,
		Publisher:     d.Publisher,
		DefaultOrigin: cfg.PaymentUIOrigin,
		Metrics:       m,
		Logger:        log.Named("order"),
	})
	a.Webhooks = services.NewWebhookService(d.DB, orderRepo, paymentRepo, a.Inventory, a.Wallet, d.Publisher,
		cfg.StripeWebhookSecret, cfg.WebhookTolerance, m, log.Named("webhook"))
	a.Bridge = services.NewBridgeService(userRepo, orderRepo, a.Orders, cfg.BridgeSharedSecret, log.Named("bridge"))

	// --- Fiber ---
	f := fiber.New(fiber.Config{AppName: "kupon"})
	f.Use(recover.New())
	f.Use(logger.New(logger.Config{
		Format: "${status} ${method} ${path} ${latency}\n",
		Output: zap.NewStdLog(log.Named("http")).Writer(),
	}))
	f.Use(m.Middleware())

	f.Get("/health", a.health)
	if d.Registry != nil {
		f.Get("/metrics", adaptor.HTTPHandler(metrics.Handler(d.Registry)))
	}

	apiV1 := f.Group("/api/v1")

	// Public routes: authenticated by signatures or payment tokens, not sessions.
	handlers.NewCatalogHandler(a.Catalog, log).RegisterRoutes(apiV1)
	handlers.NewWebhookHandler(a.Webhooks, log).RegisterRoutes(apiV1)
	handlers.NewTokenHandler(a.Tokens, log).RegisterRoutes(apiV1)
	handlers.NewBridgeHandler(a.Bridge, log).RegisterRoutes(apiV1)

	protected := apiV1.Group("", middleware.AuthRequired(a.Auth, log))
	handlers.NewCartHandler(a.Carts, log).RegisterRoutes(protected)
	handlers.NewOrderHandler(a.Orders, a.Payments, log).RegisterRoutes(protected)
	handlers.NewWalletHandler(a.Wallet, log).RegisterRoutes(protected)

	a.Fiber = f
	return a
}

func (a *App) health(c *fiber.Ctx) error {
	if sqlDB, err := a.db.DB(); err != nil || sqlDB.PingContext(c.UserContext()) != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status":   "degraded",
			"time":     time.Now().Format(time.RFC3339),
			"database": "unreachable",
		})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status":   "healthy",
		"time":     time.Now().Format(time.RFC3339),
		"database": "connected",
	})
}

// SweepTokens deletes payment tokens expired for longer than retention, every
// interval, until ctx is done.
func (a *App) SweepTokens(ctx context.Context, interval, retention time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.Tokens.PurgeExpired(ctx, retention); err != nil {
				a.logger.Error("payment token sweep failed", zap.Error(err))
			}
		}
	}
}
