package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kupon/internal/app"
	"kupon/internal/config"
	"kupon/pkg/cache"
	"kupon/pkg/gateway"
	"kupon/pkg/logging"
	"kupon/pkg/rabbitmq"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

func main() {
	// --- Configuration ---
	cfg, err := config.Load(config.New())
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger("kupon", cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// --- Database ---
	db, err := app.OpenDatabase(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("database unavailable", zap.Error(err))
	}
	if err := app.Migrate(db); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	// --- Cache ---
	var catalogCache cache.Cache
	redisCtx, cancelRedis := context.WithTimeout(context.Background(), 3*time.Second)
	redisCache, err := cache.NewRedisCache(redisCtx, cfg.RedisURL)
	cancelRedis()
	if err != nil {
		logger.Warn("redis unreachable, using in-process cache", zap.Error(err))
		catalogCache = cache.NewMemoryCache()
	} else {
		catalogCache = redisCache
	}
	defer catalogCache.Close()

	// --- RabbitMQ ---
	mqClient, err := rabbitmq.NewClient(rabbitmq.Config{URL: cfg.RabbitMQURL}, logger.Named("rabbitmq"))
	if err != nil {
		logger.Fatal("failed to initialize RabbitMQ client", zap.Error(err))
	}
	defer mqClient.Close()

	// --- Payment gateway ---
	deps := app.Deps{
		DB:        db,
		Cache:     catalogCache,
		Publisher: mqClient,
		Registry:  prometheus.NewRegistry(),
		Logger:    logger,
	}
	deps.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if cfg.MockPaymentsEnabled {
		mock := gateway.NewMockGateway()
		deps.Gateway, deps.Charger = mock, mock
		logger.Warn("mock payments enabled")
	} else {
		deps.Gateway = gateway.NewStripeGateway(cfg.StripeSecretKey)
	}

	application := app.New(cfg, deps)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go application.SweepTokens(ctx, cfg.TokenSweepInterval, cfg.PaymentTokenRetention)

	// --- Payment events consumer ---
	eventLogger := logger.Named("events")
	if err := mqClient.ConsumePaymentEvents(func(msg amqp.Delivery) error {
		eventLogger.Info("payment event",
			zap.String("routing_key", msg.RoutingKey),
			zap.ByteString("body", msg.Body))
		return nil
	}); err != nil {
		logger.Error("failed to start payment events consumer", zap.Error(err))
	}

	// --- Start HTTP Server ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("starting server", zap.String("addr", cfg.AppPort), zap.String("gateway", deps.Gateway.Name()))
		if err := application.Fiber.Listen(cfg.AppPort); err != nil {
			logger.Fatal("server failed to start", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down server")
	cancel()
	if err := application.Fiber.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Error("error during Fiber shutdown", zap.Error(err))
	}
	logger.Info("server gracefully stopped")
}
