package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/produce-export/backend/internal/auth"
	"github.com/produce-export/backend/internal/rbac"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newApp(handlers ...fiber.Handler) *fiber.App {
	app := fiber.New()
	app.Use(RequestIDMiddleware())
	handlers = append(handlers, func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })
	app.Get("/x", handlers...)
	return app
}

func bearer(t *testing.T, role string) string {
	t.Helper()
	tok, err := auth.GenerateJWT("secret", uuid.New(), role, "", "", time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

func TestAuthMiddleware(t *testing.T) {
	app := newApp(AuthMiddleware("secret", zap.NewNop()), RequirePermission(rbac.PermEscrowRelease))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", fiber.StatusUnauthorized},
		{"not bearer", "Token abc", fiber.StatusUnauthorized},
		{"garbage", "Bearer abc", fiber.StatusUnauthorized},
		{"buyer cannot release", bearer(t, rbac.RoleBuyer), fiber.StatusForbidden},
		{"inspector can release", bearer(t, rbac.RoleInspector), fiber.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/x", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			require.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestRequestIDEchoed(t *testing.T) {
	app := newApp()
	req := httptest.NewRequest("GET", "/x", nil)
	req.Header.Set("X-Request-ID", "req-1")
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, "req-1", resp.Header.Get("X-Request-ID"))

	resp, err = app.Test(httptest.NewRequest("GET", "/x", nil))
	require.NoError(t, err)
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestLocalRateLimit(t *testing.T) {
	app := newApp(LocalRateLimitMiddleware(2))
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest("GET", "/x", nil))
		require.NoError(t, err)
		codes = append(codes, resp.StatusCode)
	}
	require.Equal(t, []int{fiber.StatusNoContent, fiber.StatusNoContent, fiber.StatusTooManyRequests}, codes)
}

func TestRateLimitKeySharedAcrossRoutes(t *testing.T) {
	app := fiber.New()
	var keys []string
	api := app.Group("/api", func(c *fiber.Ctx) error {
		keys = append(keys, rateLimitKey(c))
		return c.Next()
	})
	ok := func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) }
	api.Get("/escrow/:id", ok)
	api.Post("/escrow/release", ok)

	for _, req := range []*http.Request{
		httptest.NewRequest("GET", "/api/escrow/"+uuid.NewString(), nil),
		httptest.NewRequest("POST", "/api/escrow/release", nil),
	} {
		_, err := app.Test(req)
		require.NoError(t, err)
	}
	require.Len(t, keys, 2)
	require.Equal(t, keys[0], keys[1])
}

func TestLocalLimiterEvictsIdleBuckets(t *testing.T) {
	clock := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	l := newLocalLimiter(1, func() time.Time { return clock })

	require.True(t, l.allow("ip:10.0.0.1"))
	require.False(t, l.allow("ip:10.0.0.1"))
	require.True(t, l.allow("ip:10.0.0.2"))
	require.Len(t, l.buckets, 2)

	clock = clock.Add(30 * time.Second)
	require.False(t, l.allow("ip:10.0.0.1"))

	clock = clock.Add(time.Minute)
	require.True(t, l.allow("ip:10.0.0.3"))
	require.Len(t, l.buckets, 1)
	require.Contains(t, l.buckets, "ip:10.0.0.3")
}
