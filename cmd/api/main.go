package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/produce-export/backend/internal/config"
	"github.com/produce-export/backend/internal/db"
	"github.com/produce-export/backend/internal/events"
	apphttp "github.com/produce-export/backend/internal/http"
	"github.com/produce-export/backend/internal/http/handlers"
	"github.com/produce-export/backend/internal/metrics"
	"github.com/produce-export/backend/internal/payments"
	"github.com/produce-export/backend/internal/repositories"
	"github.com/produce-export/backend/internal/services"
	"github.com/produce-export/backend/migrations"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, "escrow-api", log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	// Run migrations
	if err := db.RunMigrations(ctx, pool, migrations.FS, log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	// Redis
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	if rdb != nil {
		defer rdb.Close()
	}

	// Repositories
	escrowRepo := repositories.NewEscrowRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)
	var rfqs services.RFQChecker
	if cfg.VerifyRFQ {
		rfqs = repositories.NewRFQRepo(pool)
	}

	// Events
	var publisher events.Publisher
	var subscriber events.Subscriber
	if rdb != nil {
		publisher = events.NewRedisPublisher(rdb, log)
		subscriber = events.NewRedisSubscriber(rdb, log)
	} else {
		bus := events.NewMemoryBus()
		publisher, subscriber = bus, bus
	}

	m := metrics.New("escrow")

	// Services
	provider := payments.NewProvider(cfg.PaymentProvider, payments.StripeConfig{
		BaseURL:    cfg.StripeBaseURL,
		SecretKey:  cfg.StripeSecretKey,
		SuccessURL: cfg.CheckoutSuccessURL,
		CancelURL:  cfg.CheckoutCancelURL,
		RPS:        cfg.ProviderRPS,
	}, payments.MockConfig{
		CheckoutBase:  cfg.MockCheckoutBase,
		AutoAuthorize: cfg.MockAutoAuthorize,
	}, log)

	callPolicy := payments.DefaultCallPolicy()
	callPolicy.Timeout = cfg.ProviderTimeout
	callPolicy.MaxAttempts = cfg.ProviderMaxRetries

	escrowService := services.NewEscrowService(escrowRepo, provider, auditRepo, rfqs, publisher, m, services.EscrowConfig{
		FeeBPS:      cfg.PlatformFeeBPS,
		CASAttempts: cfg.EscrowCASAttempts,
		Call:        callPolicy,
	}, log)

	// Handlers
	escrowHandler := handlers.NewEscrowHandler(escrowService, log)
	wsHub := handlers.NewWSHub(cfg.JWTSecret, subscriber, log)

	// Start WS hub
	wsHub.Start(ctx)

	// Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	apphttp.SetupRouter(app, cfg, log, rdb, m, escrowHandler, wsHub)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
