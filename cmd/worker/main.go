package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/produce-export/backend/internal/config"
	"github.com/produce-export/backend/internal/db"
	"github.com/produce-export/backend/internal/events"
	"github.com/produce-export/backend/internal/metrics"
	"github.com/produce-export/backend/internal/payments"
	"github.com/produce-export/backend/internal/repositories"
	"github.com/produce-export/backend/internal/services"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, "escrow-worker", log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	if rdb != nil {
		defer rdb.Close()
	}

	// Repos
	escrowRepo := repositories.NewEscrowRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)

	// Services
	var publisher events.Publisher = events.NewMemoryBus()
	if rdb != nil {
		publisher = events.NewRedisPublisher(rdb, log)
	}
	m := metrics.New("escrow_worker")

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

	escrowService := services.NewEscrowService(escrowRepo, provider, auditRepo, nil, publisher, m, services.EscrowConfig{
		FeeBPS:      cfg.PlatformFeeBPS,
		CASAttempts: cfg.EscrowCASAttempts,
		Call:        callPolicy,
	}, log)
	reconciler := services.NewReconciler(escrowService, escrowRepo, services.ReconcilerConfig{
		Stale:          cfg.ReconcileStale,
		DepositTimeout: cfg.DepositTimeout,
		Batch:          cfg.ReconcileBatch,
	}, log)

	// Health and metrics
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
	go func() {
		if err := app.Listen(fmt.Sprintf(":%s", cfg.WorkerPort)); err != nil {
			log.Error("worker http server stopped", zap.Error(err))
		}
	}()
	defer app.Shutdown()

	log.Info("worker started", zap.Duration("interval", cfg.ReconcileInterval))

	ticker := time.NewTicker(cfg.ReconcileInterval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			runReconcile(ctx, reconciler, log)
		case <-sigCh:
			log.Info("shutting down worker")
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}

func runReconcile(ctx context.Context, r *services.Reconciler, log *zap.Logger) {
	start := time.Now()
	stats, err := r.RunOnce(ctx)
	if err != nil {
		log.Error("reconcile failed", zap.Error(err))
		return
	}
	if stats.Checked == 0 {
		return
	}
	log.Info("reconcile done",
		zap.Int("checked", stats.Checked),
		zap.Int("funded", stats.Funded),
		zap.Int("cancelled", stats.Cancelled),
		zap.Int("failed", stats.Failed),
		zap.Duration("took", time.Since(start)),
	)
}
