package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/produce-export/backend/internal/metrics"
)

// MetricsMiddleware records request counts and latency by route pattern.
func MetricsMiddleware(m *metrics.Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}
		route := c.Route().Path
		if route == "" {
			route = "unmatched"
		}
		m.ObserveRequest(route, c.Method(), status, time.Since(start))
		return err
	}
}
