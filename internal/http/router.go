package http

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/produce-export/backend/internal/config"
	"github.com/produce-export/backend/internal/http/handlers"
	"github.com/produce-export/backend/internal/metrics"
	"github.com/produce-export/backend/internal/middleware"
	"github.com/produce-export/backend/internal/rbac"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	rdb *redis.Client,
	m *metrics.Metrics,
	escrowHandler *handlers.EscrowHandler,
	wsHub *handlers.WSHub,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))
	app.Use(middleware.MetricsMiddleware(m))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))

	api := app.Group("/api/v1", middleware.AuthMiddleware(cfg.JWTSecret, log))
	if rdb != nil {
		api.Use(middleware.RateLimitMiddleware(rdb, cfg.RateLimit, time.Minute))
	} else {
		api.Use(middleware.LocalRateLimitMiddleware(cfg.RateLimit))
	}

	// Escrow
	api.Post("/escrow/init", middleware.RequirePermission(rbac.PermEscrowInit), escrowHandler.Init)
	api.Get("/escrow/init", middleware.RequirePermission(rbac.PermEscrowSync), escrowHandler.SyncReturn)
	api.Post("/escrow/release", middleware.RequirePermission(rbac.PermEscrowRelease), escrowHandler.Release)
	api.Post("/escrow/:id/inspection", middleware.RequirePermission(rbac.PermEscrowInspect), escrowHandler.ScheduleInspection)
	api.Post("/escrow/:id/cancel", middleware.RequirePermission(rbac.PermEscrowCancel), escrowHandler.Cancel)
	api.Get("/escrow/:id", middleware.RequirePermission(rbac.PermEscrowRead), escrowHandler.Get)
	api.Get("/escrow/:id/events", middleware.RequirePermission(rbac.PermEscrowRead), escrowHandler.Events)

	// WebSocket
	app.Use("/ws", handlers.WSUpgradeMiddleware())
	app.Get("/ws", websocket.New(wsHub.HandleWS))
}
